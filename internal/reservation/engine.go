package reservation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mkjeldsen/tablebook/internal/grid"
	"github.com/mkjeldsen/tablebook/internal/hours"
)

// MaxExtendMinutes bounds a single extension request.
const MaxExtendMinutes = 12 * 60

// PublicWindow restricts public-mode bookings to a weekday set and a range
// of allowed start hours (local clock). Zero Days means public mode accepts
// any weekday.
type PublicWindow struct {
	Days       map[time.Weekday]bool
	FirstStart int
	LastStart  int
}

// TimeSelector names the requested start within a business day: either a
// whole hour of day or a minute-aligned "HH:MM" clock time.
type TimeSelector struct {
	Hour      *int
	StartTime string
}

type Engine struct {
	store    Store
	resolver *hours.Resolver
	public   PublicWindow
	logger   *slog.Logger
}

func NewEngine(store Store, resolver *hours.Resolver, public PublicWindow, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		resolver: resolver,
		public:   public,
		logger:   logger,
	}
}

func (e *Engine) Location() *time.Location {
	return e.resolver.Location()
}

// ResolveCandidate turns a business day and a time selector into the
// candidate [start, start+1h) pair in local time. When the day's window
// crosses midnight and the literal clock time lands before the open instant,
// the time names the small hours of the next calendar day and is shifted
// forward accordingly.
func (e *Engine) ResolveCandidate(day time.Time, sel TimeSelector) (time.Time, time.Time, error) {
	var hh, mm int
	switch {
	case sel.StartTime != "":
		var err error
		hh, mm, err = parseClock(sel.StartTime)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	case sel.Hour != nil:
		hh = *sel.Hour
		if hh < 0 || hh > 23 {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: hour must be in [0,23]", ErrMalformed)
		}
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: provide either hour or start_time", ErrMalformed)
	}

	loc := e.resolver.Location()
	open, close := e.resolver.Window(day)

	y, m, d := day.In(loc).Date()
	start := time.Date(y, m, d, hh, mm, 0, 0, loc)
	if hours.CrossesMidnight(open, close) && start.Before(open) {
		start = start.AddDate(0, 0, 1)
	}
	return start, start.Add(time.Hour), nil
}

// CreateRequest describes one reservation attempt. Day is any instant on the
// target calendar date; Public switches on the restricted booking window.
type CreateRequest struct {
	ResourceID  string
	Day         time.Time
	HolderName  string
	HolderPhone string
	Selector    TimeSelector
	Public      bool
}

func (e *Engine) Create(ctx context.Context, req CreateRequest) (Reservation, error) {
	name := strings.TrimSpace(req.HolderName)
	if name == "" {
		return Reservation{}, fmt.Errorf("%w: holder name is required", ErrMalformed)
	}
	if strings.TrimSpace(req.ResourceID) == "" {
		return Reservation{}, fmt.Errorf("%w: resource id is required", ErrMalformed)
	}

	start, end, err := e.ResolveCandidate(req.Day, req.Selector)
	if err != nil {
		return Reservation{}, err
	}

	if req.Public {
		if err := e.checkPublicWindow(req.Day, start); err != nil {
			return Reservation{}, err
		}
	}

	open, close := e.resolver.Window(req.Day)
	if start.Before(open) || end.After(close) {
		return Reservation{}, fmt.Errorf("%w: %s-%s is outside %s-%s", ErrOutOfHours,
			start.Format("15:04"), end.Format("15:04"),
			open.Format("15:04"), close.Format("15:04"))
	}

	created, err := e.store.CreateReservation(ctx, Reservation{
		ResourceID:  req.ResourceID,
		Start:       start.UTC(),
		End:         end.UTC(),
		HolderName:  name,
		HolderPhone: strings.TrimSpace(req.HolderPhone),
	})
	if err != nil {
		return Reservation{}, err
	}
	return created, nil
}

// checkPublicWindow is the additional eligibility gate for public-mode
// bookings; it runs before the general opening-hours check and fails with a
// kind distinct from out-of-hours.
func (e *Engine) checkPublicWindow(day, start time.Time) error {
	loc := e.resolver.Location()
	if len(e.public.Days) > 0 && !e.public.Days[day.In(loc).Weekday()] {
		return fmt.Errorf("%w: not open for public booking on %s", ErrRestrictedWindow, day.In(loc).Weekday())
	}
	h := start.In(loc).Hour()
	if h < e.public.FirstStart || h > e.public.LastStart {
		return fmt.Errorf("%w: public bookings start between %02d:00 and %02d:00", ErrRestrictedWindow,
			e.public.FirstStart, e.public.LastStart)
	}
	return nil
}

func (e *Engine) Extend(ctx context.Context, id string, ext Extension) (Reservation, error) {
	if ext.NewEnd == nil && ext.AddMinutes == 0 {
		return Reservation{}, fmt.Errorf("%w: provide add_minutes or a new end time", ErrMalformed)
	}
	if ext.NewEnd != nil && ext.AddMinutes != 0 {
		return Reservation{}, fmt.Errorf("%w: provide only one of add_minutes and a new end time", ErrMalformed)
	}
	if ext.NewEnd == nil && (ext.AddMinutes < 1 || ext.AddMinutes > MaxExtendMinutes) {
		return Reservation{}, fmt.Errorf("%w: add_minutes must be in [1,%d]", ErrMalformed, MaxExtendMinutes)
	}
	return e.store.ExtendReservation(ctx, id, ext)
}

func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.store.DeleteReservation(ctx, id)
}

func (e *Engine) Resources(ctx context.Context) ([]Resource, error) {
	return e.store.ListResources(ctx)
}

// ListDay returns reservations overlapping the given date's business window,
// ordered by start.
func (e *Engine) ListDay(ctx context.Context, day time.Time) ([]Reservation, error) {
	open, close := e.resolver.Window(day)
	return e.store.ListOverlapping(ctx, open, close)
}

// ResourceAvailability is one resource's hourly occupancy row.
type ResourceAvailability struct {
	Resource Resource
	Slots    []grid.Slot
}

// DayAvailability is the availability view for one business day.
type DayAvailability struct {
	Open      time.Time
	Close     time.Time
	Resources []ResourceAvailability
}

// Availability builds the hourly occupancy grid for every resource on the
// given date. Double-occupied buckets indicate a broken store invariant and
// are logged, surfacing one of the reservations.
func (e *Engine) Availability(ctx context.Context, day time.Time) (DayAvailability, error) {
	open, close := e.resolver.Window(day)

	resources, err := e.store.ListResources(ctx)
	if err != nil {
		return DayAvailability{}, err
	}
	reservations, err := e.store.ListOverlapping(ctx, open, close)
	if err != nil {
		return DayAvailability{}, err
	}

	byResource := make(map[string][]grid.Booking, len(resources))
	for _, res := range reservations {
		byResource[res.ResourceID] = append(byResource[res.ResourceID], grid.Booking{
			ID:     res.ID,
			Holder: res.HolderName,
			Start:  res.Start,
			End:    res.End,
		})
	}

	starts := grid.Hourly(open, close)
	out := DayAvailability{
		Open:      open,
		Close:     close,
		Resources: make([]ResourceAvailability, 0, len(resources)),
	}
	for _, r := range resources {
		slots := grid.Mark(starts, byResource[r.ID])
		for _, s := range slots {
			if s.Overlaps > 1 {
				e.logger.Error("overlap invariant violated in store",
					"resource_id", r.ID,
					"bucket_start", s.Start,
					"reservations", s.Overlaps,
				)
			}
		}
		out.Resources = append(out.Resources, ResourceAvailability{Resource: r, Slots: slots})
	}
	sort.SliceStable(out.Resources, func(i, j int) bool {
		a, b := out.Resources[i].Resource, out.Resources[j].Resource
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Name < b.Name
	})
	return out, nil
}

func parseClock(raw string) (int, int, error) {
	hhRaw, mmRaw, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: start_time must be HH:MM", ErrMalformed)
	}
	hh, err := strconv.Atoi(hhRaw)
	if err != nil || hh < 0 || hh > 23 {
		return 0, 0, fmt.Errorf("%w: start_time must be HH:MM", ErrMalformed)
	}
	mm, err := strconv.Atoi(mmRaw)
	if err != nil || mm < 0 || mm > 59 {
		return 0, 0, fmt.Errorf("%w: start_time must be HH:MM", ErrMalformed)
	}
	return hh, mm, nil
}
