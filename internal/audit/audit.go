package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event statuses.
const (
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
	StatusFailed    = "failed"
)

// Event is one finished sign attempt, successful or not.
type Event struct {
	ID       uuid.UUID
	TaskID   string
	TaskType string
	Coin     string
	Keypath  string
	Digests  int
	Status   string
	Error    string
	Duration time.Duration
}

// Store persists sign events to Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS sign_events (
	id UUID PRIMARY KEY,
	task_id TEXT NOT NULL,
	task_type TEXT NOT NULL,
	coin TEXT NOT NULL,
	keypath TEXT NOT NULL,
	num_digests INT NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// EnsureSchema creates the sign_events table if it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create sign_events table: %w", err)
	}
	return nil
}

// Record inserts one sign event. An event without an ID gets one assigned.
func (s *Store) Record(ctx context.Context, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sign_events
			(id, task_id, task_type, coin, keypath, num_digests, status, error, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.TaskID, event.TaskType, event.Coin, event.Keypath,
		event.Digests, event.Status, event.Error, event.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert sign event: %w", err)
	}
	return nil
}
