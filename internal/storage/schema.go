package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// The exclusion constraint is the database-level backstop for the
// per-resource no-overlap invariant; tstzrange defaults to the half-open
// [start, end) bounds, so touching endpoints do not conflict.
const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS btree_gist;

CREATE TABLE IF NOT EXISTS resources (
	id uuid PRIMARY KEY,
	name text NOT NULL UNIQUE,
	kind text NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS reservations (
	id uuid PRIMARY KEY,
	resource_id uuid NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
	start_at timestamptz NOT NULL,
	end_at timestamptz NOT NULL,
	holder_name text NOT NULL,
	holder_phone text,
	created_at timestamptz NOT NULL DEFAULT now(),
	CONSTRAINT reservations_end_after_start CHECK (end_at > start_at),
	CONSTRAINT reservations_no_overlap EXCLUDE USING gist (
		resource_id WITH =,
		tstzrange(start_at, end_at) WITH &&
	)
);

CREATE INDEX IF NOT EXISTS ix_reservations_resource_start ON reservations (resource_id, start_at);
CREATE INDEX IF NOT EXISTS ix_reservations_resource_end ON reservations (resource_id, end_at);

CREATE TABLE IF NOT EXISTS outbox_events (
	id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	event_id uuid NOT NULL DEFAULT gen_random_uuid(),
	aggregate_type text NOT NULL,
	aggregate_id text NOT NULL,
	event_type text NOT NULL,
	payload jsonb NOT NULL,
	traceparent text NOT NULL DEFAULT '',
	tracestate text NOT NULL DEFAULT '',
	created_at timestamptz NOT NULL DEFAULT now(),
	published_at timestamptz
);
`

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// seedLockKey serializes seeding across concurrently starting instances.
const seedLockKey = 7032481

type seedResource struct {
	name string
	kind string
}

var defaultResources = []seedResource{
	{"Pool 1", "pool"},
	{"Pool 2", "pool"},
	{"Pool 3", "pool"},
	{"Shuffle 1", "shuffle"},
	{"Shuffle 2", "shuffle"},
}

// SeedDefaultResources inserts the default resource set exactly once, when
// the resources table is empty.
func (s *Store) SeedDefaultResources(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("seed resources: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, seedLockKey); err != nil {
		return fmt.Errorf("seed resources: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM resources`).Scan(&count); err != nil {
		return fmt.Errorf("seed resources: %w", err)
	}
	if count > 0 {
		return tx.Commit(ctx)
	}

	for _, r := range defaultResources {
		if _, err := tx.Exec(ctx, `
			INSERT INTO resources (id, name, kind)
			VALUES ($1, $2, $3)
		`, uuid.NewString(), r.name, r.kind); err != nil {
			return fmt.Errorf("seed resources: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("seed resources: %w", err)
	}
	s.logger.Info("seeded default resources", "count", len(defaultResources))
	return nil
}
