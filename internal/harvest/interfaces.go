package harvest

import (
	"context"
	"io"
	"time"
)

// Session is one fetch-capable worker identity (a browser tab or an HTTP collector). A
// session is used by exactly one goroutine at a time.
type Session interface {
	// Fetch issues the request and waits until the page has loaded.
	Fetch(ctx context.Context, req FetchRequest) error
	// AwaitPayload polls the current page for a structured payload for up to timeout.
	AwaitPayload(ctx context.Context, timeout time.Duration) (string, error)
	// Page returns the raw text of the current page.
	Page(ctx context.Context) (string, error)
	Close() error
}

// SessionFactory opens fetch sessions.
type SessionFactory interface {
	Open(ctx context.Context) (Session, error)
}

// SessionFactoryFunc adapts a function to SessionFactory.
type SessionFactoryFunc func(ctx context.Context) (Session, error)

// Open calls f.
func (f SessionFactoryFunc) Open(ctx context.Context) (Session, error) {
	return f(ctx)
}

// BlobStore writes report artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes notification payloads to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
