package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// Type names a lifecycle milestone.
type Type string

// Supported event types.
const (
	EventJobStarted     Type = "jobStarted"
	EventStageCompleted Type = "stageCompleted"
	EventJobAborted     Type = "jobAborted"
	EventReportReady    Type = "reportReady"
	EventFileReady      Type = "fileReady"
)

// Event is one notification addressed to a user.
type Event struct {
	Type   Type      `json:"event"`
	UserID string    `json:"user_id"`
	RunID  string    `json:"run_id,omitempty"`
	TS     time.Time `json:"ts"`
	// Stage and Items describe a completed stage.
	Stage harvest.Stage `json:"stage,omitempty"`
	Items int           `json:"items,omitempty"`
	// Dur is the stage or job wall time.
	Dur       time.Duration  `json:"duration,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Stats     *harvest.Stats `json:"stats,omitempty"`
	Artifacts []string       `json:"artifacts,omitempty"`
}

// Validate performs coarse checks before an event is queued.
func (e Event) Validate() error {
	if e.UserID == "" {
		return errors.New("user id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case EventJobStarted, EventJobAborted:
	case EventStageCompleted:
		if e.Stage == "" {
			return errors.New("stage completion requires stage")
		}
	case EventReportReady:
		if e.Stats == nil {
			return errors.New("report ready requires stats")
		}
	case EventFileReady:
		if len(e.Artifacts) == 0 {
			return errors.New("file ready requires artifacts")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
