// Package storage is the Postgres adapter for the reservation engine. The
// no-overlap invariant is enforced twice: a per-resource advisory lock
// serializes the check-then-write sequence, and the tstzrange exclusion
// constraint rejects anything that slips past it at commit time.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mkjeldsen/tablebook/internal/outbox"
	"github.com/mkjeldsen/tablebook/internal/reservation"
	"github.com/mkjeldsen/tablebook/libs/db"
)

type Store struct {
	pool   *db.Pool
	outbox *outbox.Repository
	logger *slog.Logger
}

var _ reservation.Store = (*Store)(nil)

func New(pool *db.Pool, outboxRepo *outbox.Repository, logger *slog.Logger) *Store {
	return &Store{pool: pool, outbox: outboxRepo, logger: logger}
}

func (s *Store) ListResources(ctx context.Context) ([]reservation.Resource, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, name, kind, created_at
		FROM resources
		ORDER BY kind, name
	`)
	if err != nil {
		return nil, storeFailure(err)
	}
	defer rows.Close()

	var out []reservation.Resource
	for rows.Next() {
		var r reservation.Resource
		if err := rows.Scan(&r.ID, &r.Name, &r.Kind, &r.CreatedAt); err != nil {
			return nil, storeFailure(err)
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, storeFailure(rows.Err())
	}
	return out, nil
}

func (s *Store) ListOverlapping(ctx context.Context, from, to time.Time) ([]reservation.Reservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, resource_id::text, start_at, end_at, holder_name, COALESCE(holder_phone, ''), created_at
		FROM reservations
		WHERE start_at < $2 AND end_at > $1
		ORDER BY start_at ASC
	`, from, to)
	if err != nil {
		return nil, storeFailure(err)
	}
	defer rows.Close()

	var out []reservation.Reservation
	for rows.Next() {
		var r reservation.Reservation
		if err := rows.Scan(&r.ID, &r.ResourceID, &r.Start, &r.End, &r.HolderName, &r.HolderPhone, &r.CreatedAt); err != nil {
			return nil, storeFailure(err)
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, storeFailure(rows.Err())
	}
	return out, nil
}

// CreateReservation runs existence check, overlap scan and insert in one
// transaction serialized per resource by an advisory lock, so two concurrent
// conflicting creates cannot both read "no conflict".
func (s *Store) CreateReservation(ctx context.Context, res reservation.Reservation) (reservation.Reservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return reservation.Reservation{}, storeFailure(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockResource(ctx, tx, res.ResourceID); err != nil {
		return reservation.Reservation{}, storeFailure(err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM resources WHERE id = $1)
	`, res.ResourceID).Scan(&exists); err != nil {
		if isInvalidUUID(err) {
			return reservation.Reservation{}, reservation.ErrUnknownResource
		}
		return reservation.Reservation{}, storeFailure(err)
	}
	if !exists {
		return reservation.Reservation{}, reservation.ErrUnknownResource
	}

	var conflict bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reservations
			WHERE resource_id = $1 AND start_at < $3 AND end_at > $2
		)
	`, res.ResourceID, res.Start, res.End).Scan(&conflict); err != nil {
		return reservation.Reservation{}, storeFailure(err)
	}
	if conflict {
		return reservation.Reservation{}, reservation.ErrOverlap
	}

	res.ID = uuid.NewString()
	if err := tx.QueryRow(ctx, `
		INSERT INTO reservations (id, resource_id, start_at, end_at, holder_name, holder_phone)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		RETURNING created_at
	`, res.ID, res.ResourceID, res.Start, res.End, res.HolderName, res.HolderPhone).Scan(&res.CreatedAt); err != nil {
		if isExclusionViolation(err) {
			return reservation.Reservation{}, reservation.ErrOverlap
		}
		return reservation.Reservation{}, storeFailure(err)
	}

	if err := s.insertEvent(ctx, tx, outbox.EventReservationCreated, res); err != nil {
		return reservation.Reservation{}, storeFailure(err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isExclusionViolation(err) {
			return reservation.Reservation{}, reservation.ErrOverlap
		}
		return reservation.Reservation{}, storeFailure(err)
	}
	return res, nil
}

// ExtendReservation locks the row, computes the new end inside the
// transaction and checks overlap only against other reservations on the
// same resource; the stored start never changes.
func (s *Store) ExtendReservation(ctx context.Context, id string, ext reservation.Extension) (reservation.Reservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return reservation.Reservation{}, storeFailure(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur reservation.Reservation
	err = tx.QueryRow(ctx, `
		SELECT id::text, resource_id::text, start_at, end_at, holder_name, COALESCE(holder_phone, ''), created_at
		FROM reservations
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&cur.ID, &cur.ResourceID, &cur.Start, &cur.End, &cur.HolderName, &cur.HolderPhone, &cur.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return reservation.Reservation{}, reservation.ErrNotFound
		}
		return reservation.Reservation{}, storeFailure(err)
	}

	newEnd := cur.End.Add(time.Duration(ext.AddMinutes) * time.Minute)
	if ext.NewEnd != nil {
		newEnd = ext.NewEnd.UTC()
	}
	if !newEnd.After(cur.Start) {
		return reservation.Reservation{}, fmt.Errorf("%w: new end must be after start", reservation.ErrMalformed)
	}

	if err := lockResource(ctx, tx, cur.ResourceID); err != nil {
		return reservation.Reservation{}, storeFailure(err)
	}

	var conflict bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reservations
			WHERE resource_id = $1 AND id <> $2 AND start_at < $4 AND end_at > $3
		)
	`, cur.ResourceID, cur.ID, cur.Start, newEnd).Scan(&conflict); err != nil {
		return reservation.Reservation{}, storeFailure(err)
	}
	if conflict {
		return reservation.Reservation{}, reservation.ErrOverlap
	}

	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET end_at = $2 WHERE id = $1
	`, cur.ID, newEnd); err != nil {
		if isExclusionViolation(err) {
			return reservation.Reservation{}, reservation.ErrOverlap
		}
		return reservation.Reservation{}, storeFailure(err)
	}
	cur.End = newEnd

	if err := s.insertEvent(ctx, tx, outbox.EventReservationExtended, cur); err != nil {
		return reservation.Reservation{}, storeFailure(err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isExclusionViolation(err) {
			return reservation.Reservation{}, reservation.ErrOverlap
		}
		return reservation.Reservation{}, storeFailure(err)
	}
	return cur, nil
}

func (s *Store) DeleteReservation(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeFailure(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var deleted reservation.Reservation
	err = tx.QueryRow(ctx, `
		DELETE FROM reservations
		WHERE id = $1
		RETURNING id::text, resource_id::text, start_at, end_at, holder_name, COALESCE(holder_phone, ''), created_at
	`, id).Scan(&deleted.ID, &deleted.ResourceID, &deleted.Start, &deleted.End, &deleted.HolderName, &deleted.HolderPhone, &deleted.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return reservation.ErrNotFound
		}
		return storeFailure(err)
	}

	if err := s.insertEvent(ctx, tx, outbox.EventReservationDeleted, deleted); err != nil {
		return storeFailure(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storeFailure(err)
	}
	return nil
}

func (s *Store) insertEvent(ctx context.Context, tx pgx.Tx, eventType string, res reservation.Reservation) error {
	payload, err := json.Marshal(map[string]any{
		"reservation_id": res.ID,
		"resource_id":    res.ResourceID,
		"holder_name":    res.HolderName,
		"start_at":       res.Start.UTC().Format(time.RFC3339),
		"end_at":         res.End.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return s.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: "reservation",
		AggregateID:   res.ID,
		EventType:     eventType,
		Payload:       payload,
	})
}

// lockResource takes the per-resource advisory lock for the remainder of the
// transaction. hashtextextended folds the uuid into the bigint key space.
func lockResource(ctx context.Context, tx pgx.Tx, resourceID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, resourceID)
	return err
}

func isExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

func isInvalidUUID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

// storeFailure wraps a raw datastore error, marking timeouts, cancellations,
// serialization failures and deadlocks as retryable.
func storeFailure(err error) error {
	return &reservation.StoreError{Err: err, Retryable: isRetryable(err)}
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57014": // query_canceled (statement_timeout)
			return true
		}
	}
	return pgconn.Timeout(err)
}
