package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/notify"
)

// PublisherSink forwards each event to a message topic.
type PublisherSink struct {
	publisher harvest.Publisher
	topic     string
}

// NewPublisherSink builds a sink publishing to topic.
func NewPublisherSink(publisher harvest.Publisher, topic string) *PublisherSink {
	return &PublisherSink{publisher: publisher, topic: topic}
}

// Consume publishes every event, continuing past individual failures.
func (s *PublisherSink) Consume(ctx context.Context, batch []notify.Event) error {
	if s.publisher == nil {
		return errors.New("publisher sink has no publisher")
	}
	var errs []error
	for _, evt := range batch {
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s for %s: %w", evt.Type, evt.UserID, err))
		}
	}
	return errors.Join(errs...)
}

// Close is a no-op; the publisher's owner closes the client.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
