// Package notify is the fire-and-forget notification boundary. Delivery
// failures are logged and swallowed; they never roll back the state
// transition that triggered them.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"missionline/internal/domain"
	"missionline/internal/logging"
	"missionline/internal/repo"
)

type Sink interface {
	Notify(ctx context.Context, recipientID, typ, title, body, refType, refID string, metadata map[string]any)
}

// StoreSink appends notifications to the recipient's inbox table.
type StoreSink struct {
	Repo repo.Repo
	Log  logging.Logger
	Now  func() time.Time
}

func NewStoreSink(r repo.Repo, log logging.Logger) *StoreSink {
	return &StoreSink{Repo: r, Log: log, Now: time.Now}
}

func (s *StoreSink) Notify(ctx context.Context, recipientID, typ, title, body, refType, refID string, metadata map[string]any) {
	var meta string
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			s.Log.Warn(ctx, "notification metadata dropped", "type", typ, "err", err)
		} else {
			meta = string(b)
		}
	}
	n := domain.Notification{
		RecipientID:   recipientID,
		Type:          typ,
		Title:         title,
		Body:          body,
		ReferenceType: refType,
		ReferenceID:   refID,
		MetadataJSON:  meta,
		CreatedAt:     s.Now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertNotification(ctx, n); err != nil {
		s.Log.Warn(ctx, "notification delivery failed", "recipient", recipientID, "type", typ, "err", err)
	}
}

// NopSink is a test default.
type NopSink struct{}

func (NopSink) Notify(context.Context, string, string, string, string, string, string, map[string]any) {
}
