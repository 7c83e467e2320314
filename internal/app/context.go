package app

import (
	"database/sql"
	"fmt"
	"os"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/engine"
	"missionline/internal/logging"
	"missionline/internal/migrate"
	"missionline/internal/nonce"
	"missionline/internal/notify"
	"missionline/internal/ratelimit"
	"missionline/internal/repo"
)

// App bundles the wired runtime: open database, migrated schema, loaded
// config, the engine, and the per-key actor systems. CLI commands and the
// HTTP server both start from here.
type App struct {
	DB       *sql.DB
	Config   *config.Config
	Engine   engine.Engine
	Limiter  *ratelimit.Limiter
	Nonces   *nonce.Guard
	Log      logging.Logger
	webhooks *notify.Dispatcher
}

// Options tune Open. Zero value opens the current directory quietly.
type Options struct {
	Workspace string
	// Verbose enables JSON logs on stderr; otherwise logging is discarded.
	Verbose bool
	// Webhooks starts the event dispatcher for configured webhook endpoints.
	Webhooks bool
}

// Open initializes the workspace: database, migrations, config, engine and
// actors. Call Close when done.
func Open(opts Options) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("load config: %w", err)
	}

	var log logging.Logger = logging.Nop{}
	if opts.Verbose {
		log = logging.NewJSON(os.Stderr)
	}

	eng := engine.New(conn, cfg)
	eng.Log = log
	eng.Notify = notify.NewStoreSink(eng.Repo, log)

	states := repo.ActorStateStore{DB: conn}
	a := &App{
		DB:      conn,
		Config:  cfg,
		Engine:  eng,
		Limiter: ratelimit.New(states, cfg.Limits.Policies),
		Nonces:  nonce.New(states, cfg.Auth.NonceResetCredential),
		Log:     log,
	}
	if opts.Webhooks && len(cfg.Webhooks) > 0 {
		a.webhooks = notify.StartDispatcher(eng.Repo, cfg.Webhooks, log)
	}
	return a, nil
}

// Close drains the actor systems and closes the database.
func (a *App) Close() error {
	if a.webhooks != nil {
		a.webhooks.Stop()
	}
	a.Limiter.Close()
	a.Nonces.Close()
	return a.DB.Close()
}
