package repo

import (
	"context"
	"database/sql"
	"time"
)

// ActorStateStore is the key-addressed durable blob store behind the
// single-writer actors. One row per (kind, key); the blob is opaque here.
type ActorStateStore struct {
	DB *sql.DB
}

func (s ActorStateStore) Get(ctx context.Context, kind, key string) ([]byte, bool, error) {
	var blob string
	err := s.DB.QueryRowContext(ctx, `SELECT state_json FROM actor_state WHERE kind=? AND key=?`, kind, key).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(blob), true, nil
}

func (s ActorStateStore) Put(ctx context.Context, kind, key string, blob []byte) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.DB.ExecContext(ctx, `INSERT INTO actor_state(kind,key,state_json,updated_at) VALUES (?,?,?,?)
ON CONFLICT(kind,key) DO UPDATE SET state_json=excluded.state_json, updated_at=excluded.updated_at`,
		kind, key, string(blob), now)
	return err
}
