// Package reservation holds the reservation engine: candidate interval
// resolution, opening-hours validation and the operations that must uphold
// the per-resource no-overlap invariant. The engine is transport-agnostic;
// persistence goes through the Store contract.
package reservation

import (
	"context"
	"time"
)

// Resource is a single bookable physical object (one pool table, one
// shuffleboard lane). Resources are seeded or administered outside the
// engine; the engine never mutates them.
type Resource struct {
	ID        string
	Name      string
	Kind      string
	CreatedAt time.Time
}

// Reservation is a committed interval of exclusive use of one resource.
// Start and End are absolute UTC instants; only End may change after
// creation (via Extend).
type Reservation struct {
	ID          string
	ResourceID  string
	Start       time.Time
	End         time.Time
	HolderName  string
	HolderPhone string
	CreatedAt   time.Time
}

// Extension carries the one allowed mutation of a reservation. Exactly one
// of NewEnd or AddMinutes must be set; the engine validates this before the
// store is touched.
type Extension struct {
	NewEnd     *time.Time
	AddMinutes int
}

// Store is the persistence contract the engine requires. CreateReservation
// and ExtendReservation must run their existence check, overlap scan and
// write as a single atomic unit serialized per resource: two concurrent
// conflicting calls must not both succeed.
type Store interface {
	ListResources(ctx context.Context) ([]Resource, error)

	// ListOverlapping returns all reservations (any resource) whose interval
	// overlaps [from, to), ordered by start.
	ListOverlapping(ctx context.Context, from, to time.Time) ([]Reservation, error)

	// CreateReservation inserts atomically, returning ErrUnknownResource or
	// ErrOverlap on rejection.
	CreateReservation(ctx context.Context, res Reservation) (Reservation, error)

	// ExtendReservation applies ext to the stored reservation atomically,
	// checking overlap only against other reservations on the same resource.
	ExtendReservation(ctx context.Context, id string, ext Extension) (Reservation, error)

	DeleteReservation(ctx context.Context, id string) error
}
