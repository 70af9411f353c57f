package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mkjeldsen/tablebook/internal/hours"
	"github.com/mkjeldsen/tablebook/internal/reservation"
)

type memStore struct {
	mu        sync.Mutex
	resources []reservation.Resource
	rows      []reservation.Reservation
	nextID    int
}

func (s *memStore) ListResources(ctx context.Context) ([]reservation.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reservation.Resource(nil), s.resources...), nil
}

func (s *memStore) ListOverlapping(ctx context.Context, from, to time.Time) ([]reservation.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reservation.Reservation
	for _, r := range s.rows {
		if r.Start.Before(to) && r.End.After(from) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) CreateReservation(ctx context.Context, res reservation.Reservation) (reservation.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := false
	for _, r := range s.resources {
		if r.ID == res.ResourceID {
			known = true
			break
		}
	}
	if !known {
		return reservation.Reservation{}, reservation.ErrUnknownResource
	}
	for _, r := range s.rows {
		if r.ResourceID == res.ResourceID && res.Start.Before(r.End) && res.End.After(r.Start) {
			return reservation.Reservation{}, reservation.ErrOverlap
		}
	}
	s.nextID++
	res.ID = fmt.Sprintf("res-%d", s.nextID)
	res.CreatedAt = time.Now().UTC()
	s.rows = append(s.rows, res)
	return res, nil
}

func (s *memStore) ExtendReservation(ctx context.Context, id string, ext reservation.Extension) (reservation.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rows {
		if r.ID != id {
			continue
		}
		newEnd := r.End.Add(time.Duration(ext.AddMinutes) * time.Minute)
		if ext.NewEnd != nil {
			newEnd = ext.NewEnd.UTC()
		}
		if !newEnd.After(r.Start) {
			return reservation.Reservation{}, reservation.ErrMalformed
		}
		for _, other := range s.rows {
			if other.ID == id || other.ResourceID != r.ResourceID {
				continue
			}
			if r.Start.Before(other.End) && newEnd.After(other.Start) {
				return reservation.Reservation{}, reservation.ErrOverlap
			}
		}
		s.rows[i].End = newEnd
		return s.rows[i], nil
	}
	return reservation.Reservation{}, reservation.ErrNotFound
}

func (s *memStore) DeleteReservation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rows {
		if r.ID == id {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			return nil
		}
	}
	return reservation.ErrNotFound
}

func testServer(t *testing.T) (*httptest.Server, *memStore) {
	t.Helper()

	loc, err := time.LoadLocation("Europe/Copenhagen")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	resolver, err := hours.NewResolver(hours.Config{
		Location: loc,
		Default:  hours.DayHours{Open: 10, Close: 24},
		Weekday: map[time.Weekday]hours.DayHours{
			time.Friday:   {Open: 15, Close: 26},
			time.Saturday: {Open: 15, Close: 26},
		},
	})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}

	store := &memStore{
		resources: []reservation.Resource{
			{ID: "pool-1", Name: "Pool 1", Kind: "pool", CreatedAt: time.Now().UTC()},
			{ID: "shuffle-1", Name: "Shuffle 1", Kind: "shuffle", CreatedAt: time.Now().UTC()},
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := reservation.NewEngine(store, resolver, reservation.PublicWindow{
		Days:       map[time.Weekday]bool{time.Friday: true, time.Saturday: true},
		FirstStart: 19,
		LastStart:  23,
	}, logger)

	h := NewReservationHandler(engine, logger)
	mux := http.NewServeMux()
	h.Register(mux, http.HandlerFunc(h.PublicCreate))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func TestCreateReservation_StatusCodes(t *testing.T) {
	srv, _ := testServer(t)

	// 2026-09-01 is a Tuesday with default hours 10-24.
	resp := postJSON(t, srv.URL+"/api/reservations", map[string]any{
		"resource_id": "pool-1",
		"date":        "2026-09-01",
		"hour":        14,
		"holder_name": "Astrid",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: got %d, want 201", resp.StatusCode)
	}
	created := decodeBody[map[string]any](t, resp)
	if created["id"] == "" {
		t.Fatalf("create: missing id in %v", created)
	}
	if created["start_at"] != "2026-09-01T14:00:00+02:00" {
		t.Fatalf("create: start_at = %v, want local RFC3339 14:00", created["start_at"])
	}

	// Same hour again conflicts.
	resp = postJSON(t, srv.URL+"/api/reservations", map[string]any{
		"resource_id": "pool-1",
		"date":        "2026-09-01",
		"hour":        14,
		"holder_name": "Beate",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("overlap: got %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	// Out of hours.
	resp = postJSON(t, srv.URL+"/api/reservations", map[string]any{
		"resource_id": "pool-1",
		"date":        "2026-09-01",
		"hour":        3,
		"holder_name": "Carl",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("out of hours: got %d, want 422", resp.StatusCode)
	}
	resp.Body.Close()

	// Unknown resource.
	resp = postJSON(t, srv.URL+"/api/reservations", map[string]any{
		"resource_id": "no-such",
		"date":        "2026-09-01",
		"hour":        16,
		"holder_name": "Dina",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown resource: got %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	// Missing holder name fails validation.
	resp = postJSON(t, srv.URL+"/api/reservations", map[string]any{
		"resource_id": "pool-1",
		"date":        "2026-09-01",
		"hour":        16,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing holder: got %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	// Bad date format.
	resp = postJSON(t, srv.URL+"/api/reservations", map[string]any{
		"resource_id": "pool-1",
		"date":        "01/09/2026",
		"hour":        16,
		"holder_name": "Erik",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad date: got %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPublicCreate_RestrictedWindow(t *testing.T) {
	srv, _ := testServer(t)

	// 2026-09-01 is a Tuesday; public bookings are Friday/Saturday only.
	resp := postJSON(t, srv.URL+"/api/public/reservations", map[string]any{
		"resource_id": "pool-1",
		"date":        "2026-09-01",
		"hour":        20,
		"holder_name": "Astrid",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("tuesday public: got %d, want 422", resp.StatusCode)
	}
	resp.Body.Close()

	// 2026-09-04 is a Friday; hour 20 is inside the public start range.
	resp = postJSON(t, srv.URL+"/api/public/reservations", map[string]any{
		"resource_id": "pool-1",
		"date":        "2026-09-04",
		"hour":        20,
		"holder_name": "Astrid",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("friday public: got %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	// Friday 16:00 is open but before the public start range.
	resp = postJSON(t, srv.URL+"/api/public/reservations", map[string]any{
		"resource_id": "shuffle-1",
		"date":        "2026-09-04",
		"hour":        16,
		"holder_name": "Beate",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("friday early public: got %d, want 422", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUpdateAndDeleteReservation(t *testing.T) {
	srv, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/api/reservations", map[string]any{
		"resource_id": "pool-1",
		"date":        "2026-09-01",
		"hour":        14,
		"holder_name": "Astrid",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: got %d, want 201", resp.StatusCode)
	}
	created := decodeBody[map[string]any](t, resp)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("create: missing id")
	}

	body, _ := json.Marshal(map[string]any{"add_minutes": 30})
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/reservations/"+id, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("extend: got %d, want 200", resp.StatusCode)
	}
	updated := decodeBody[map[string]any](t, resp)
	if updated["end_at"] != "2026-09-01T15:30:00+02:00" {
		t.Fatalf("extend: end_at = %v, want 15:30 local", updated["end_at"])
	}

	// Selecting both extension modes at once is rejected before the store.
	body, _ = json.Marshal(map[string]any{"add_minutes": 30, "end_at": "2026-09-01T16:00:00+02:00"})
	req, err = http.NewRequest(http.MethodPut, srv.URL+"/api/reservations/"+id, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("both selectors: got %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	req, err = http.NewRequest(http.MethodDelete, srv.URL+"/api/reservations/"+id, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: got %d, want 200", resp.StatusCode)
	}
	deleted := decodeBody[map[string]bool](t, resp)
	if !deleted["ok"] {
		t.Fatalf("delete: body = %v, want {ok:true}", deleted)
	}

	// Second delete is a 404.
	resp, err = http.DefaultClient.Do(req.Clone(req.Context()))
	if err != nil {
		t.Fatalf("delete again: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("double delete: got %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAvailabilityEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/api/reservations", map[string]any{
		"resource_id": "pool-1",
		"date":        "2026-09-01",
		"start_time":  "14:30",
		"holder_name": "Astrid",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: got %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/availability?date=2026-09-01")
	if err != nil {
		t.Fatalf("get availability: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("availability: got %d, want 200", resp.StatusCode)
	}
	avail := decodeBody[availabilityResponse](t, resp)

	if len(avail.Resources) != 2 {
		t.Fatalf("availability: got %d resources, want 2", len(avail.Resources))
	}
	var pool *resourceAvailabilityItem
	for i := range avail.Resources {
		if avail.Resources[i].ResourceID == "pool-1" {
			pool = &avail.Resources[i]
		}
	}
	if pool == nil {
		t.Fatalf("availability: pool-1 missing")
	}
	if len(pool.Slots) != 14 {
		t.Fatalf("availability: got %d slots, want 14 for 10:00-24:00", len(pool.Slots))
	}

	// A 14:30-15:30 reservation occupies both the 14:00 and 15:00 buckets.
	occupied := map[string]bool{}
	for _, s := range pool.Slots {
		if s.Occupied {
			occupied[s.Start] = true
		}
	}
	if len(occupied) != 2 || !occupied["2026-09-01T14:00:00+02:00"] || !occupied["2026-09-01T15:00:00+02:00"] {
		t.Fatalf("availability: occupied buckets = %v", occupied)
	}

	// Missing date is rejected.
	resp, err = http.Get(srv.URL + "/api/availability")
	if err != nil {
		t.Fatalf("get availability: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing date: got %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestListReservations(t *testing.T) {
	srv, _ := testServer(t)

	for _, hour := range []int{16, 12} {
		resp := postJSON(t, srv.URL+"/api/reservations", map[string]any{
			"resource_id": "pool-1",
			"date":        "2026-09-01",
			"hour":        hour,
			"holder_name": "Astrid",
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create hour %d: got %d, want 201", hour, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/api/reservations?date=2026-09-01")
	if err != nil {
		t.Fatalf("get list: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: got %d, want 200", resp.StatusCode)
	}
	items := decodeBody[[]reservationItem](t, resp)
	if len(items) != 2 {
		t.Fatalf("list: got %d items, want 2", len(items))
	}
}

func TestResourcesEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/api/resources")
	if err != nil {
		t.Fatalf("get resources: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resources: got %d, want 200", resp.StatusCode)
	}
	items := decodeBody[[]resourceItem](t, resp)
	if len(items) != 2 {
		t.Fatalf("resources: got %d, want 2", len(items))
	}
}
