package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"missionline/internal/apperr"
	"missionline/internal/config"
	"missionline/internal/events"
	"missionline/internal/logging"
	"missionline/internal/notify"
	"missionline/internal/repo"
)

// Engine executes the slot-allocation, mission-lifecycle and payout state
// machines against the shared store. It holds no entity state of its own;
// every operation opens its own transaction, checks preconditions, mutates,
// appends events and commits. Contention is resolved by conditional writes,
// never by locks: zero rows affected means the guard no longer held and the
// caller gets a typed conflict.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Notify notify.Sink
	Log    logging.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Notify: notify.NopSink{},
		Log:    logging.Nop{},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// notFoundAs conflates absent entities and ownership failures into one
// NotFound so callers cannot probe for existence.
func notFoundAs(err error, entity string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NotFound(entity)
	}
	return err
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func parseRFC3339(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, s)
	return t, err == nil
}

// EnsureAgent registers an agent id on first sight.
func (e Engine) EnsureAgent(ctx context.Context, id string) error {
	return e.Repo.EnsureAgent(ctx, nil, id, e.nowStr())
}

// EnsureOperator registers an operator id on first sight.
func (e Engine) EnsureOperator(ctx context.Context, id string) error {
	return e.Repo.EnsureOperator(ctx, nil, id, e.nowStr())
}
