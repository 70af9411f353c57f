// Package grid builds the fixed one-hour display buckets for the
// availability view. Buckets are a rendering concern only; reservation
// eligibility is decided by the engine against the raw business window.
package grid

import "time"

// Booking is the slice of a reservation the grid needs to mark occupancy.
type Booking struct {
	ID     string
	Holder string
	Start  time.Time
	End    time.Time
}

// Slot is one display bucket. When occupied, ReservationID and Holder carry
// the overlapping reservation. Overlaps counts how many reservations matched;
// anything above one means the store's no-overlap invariant has been violated
// and the caller should flag it.
type Slot struct {
	Start         time.Time
	Occupied      bool
	ReservationID string
	Holder        string
	Overlaps      int
}

// Hourly returns whole-hour bucket starts covering [open, close). A trailing
// partial hour is not emitted.
func Hourly(open, close time.Time) []time.Time {
	if !close.After(open) {
		return nil
	}
	var starts []time.Time
	for t := open; !t.Add(time.Hour).After(close); t = t.Add(time.Hour) {
		starts = append(starts, t)
	}
	return starts
}

// Mark reports per-bucket occupancy for one resource's bookings using the
// half-open interval test: [s, s+1h) overlaps [b.Start, b.End) iff
// s < b.End && b.Start < s+1h. Touching endpoints do not occupy a bucket.
func Mark(starts []time.Time, bookings []Booking) []Slot {
	slots := make([]Slot, 0, len(starts))
	for _, s := range starts {
		end := s.Add(time.Hour)
		slot := Slot{Start: s}
		for _, b := range bookings {
			if s.Before(b.End) && b.Start.Before(end) {
				if slot.Overlaps == 0 {
					slot.Occupied = true
					slot.ReservationID = b.ID
					slot.Holder = b.Holder
				}
				slot.Overlaps++
			}
		}
		slots = append(slots, slot)
	}
	return slots
}
