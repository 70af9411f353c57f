// Package handlers is the HTTP boundary: JSON decoding, request validation
// and the mapping from engine error kinds to status codes. All times cross
// the wire as RFC3339 in the venue's local zone.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mkjeldsen/tablebook/internal/reservation"
)

type ReservationHandler struct {
	engine   *reservation.Engine
	logger   *slog.Logger
	validate *validator.Validate
}

func NewReservationHandler(engine *reservation.Engine, logger *slog.Logger) *ReservationHandler {
	return &ReservationHandler{
		engine:   engine,
		logger:   logger,
		validate: validator.New(),
	}
}

// Register wires the handler's routes onto mux. The public create endpoint is
// registered separately so the caller can wrap it with rate limiting.
func (h *ReservationHandler) Register(mux *http.ServeMux, publicCreate http.Handler) {
	mux.HandleFunc("GET /api/resources", h.Resources)
	mux.HandleFunc("GET /api/availability", h.Availability)
	mux.HandleFunc("GET /api/reservations", h.List)
	mux.HandleFunc("POST /api/reservations", h.Create)
	mux.HandleFunc("PUT /api/reservations/{id}", h.Update)
	mux.HandleFunc("DELETE /api/reservations/{id}", h.Delete)
	mux.Handle("POST /api/public/reservations", publicCreate)
}

type createReservationRequest struct {
	ResourceID  string `json:"resource_id" validate:"required"`
	Date        string `json:"date" validate:"required,datetime=2006-01-02"`
	Hour        *int   `json:"hour" validate:"omitempty,min=0,max=23"`
	StartTime   string `json:"start_time" validate:"omitempty,len=5"`
	HolderName  string `json:"holder_name" validate:"required,max=120"`
	HolderPhone string `json:"holder_phone" validate:"omitempty,max=32"`
}

type updateReservationRequest struct {
	AddMinutes int    `json:"add_minutes" validate:"omitempty,min=1,max=720"`
	EndAt      string `json:"end_at" validate:"omitempty"`
}

type reservationItem struct {
	ID          string `json:"id"`
	ResourceID  string `json:"resource_id"`
	StartAt     string `json:"start_at"`
	EndAt       string `json:"end_at"`
	HolderName  string `json:"holder_name"`
	HolderPhone string `json:"holder_phone,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type resourceItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at"`
}

type slotItem struct {
	Start         string `json:"start"`
	Occupied      bool   `json:"occupied"`
	ReservationID string `json:"reservation_id,omitempty"`
	HolderName    string `json:"holder_name,omitempty"`
}

type resourceAvailabilityItem struct {
	ResourceID string     `json:"resource_id"`
	Name       string     `json:"name"`
	Kind       string     `json:"kind"`
	Slots      []slotItem `json:"slots"`
}

type availabilityResponse struct {
	Date      string                     `json:"date"`
	Open      string                     `json:"open"`
	Close     string                     `json:"close"`
	Resources []resourceAvailabilityItem `json:"resources"`
}

func (h *ReservationHandler) Resources(w http.ResponseWriter, r *http.Request) {
	resources, err := h.engine.Resources(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	items := make([]resourceItem, 0, len(resources))
	for _, res := range resources {
		items = append(items, resourceItem{
			ID:        res.ID,
			Name:      res.Name,
			Kind:      res.Kind,
			CreatedAt: res.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	h.writeJSON(w, http.StatusOK, items)
}

func (h *ReservationHandler) Availability(w http.ResponseWriter, r *http.Request) {
	day, ok := h.parseDate(w, r.URL.Query().Get("date"))
	if !ok {
		return
	}

	avail, err := h.engine.Availability(r.Context(), day)
	if err != nil {
		h.writeError(w, err)
		return
	}

	loc := h.engine.Location()
	resp := availabilityResponse{
		Date:      day.Format("2006-01-02"),
		Open:      avail.Open.In(loc).Format(time.RFC3339),
		Close:     avail.Close.In(loc).Format(time.RFC3339),
		Resources: make([]resourceAvailabilityItem, 0, len(avail.Resources)),
	}
	for _, ra := range avail.Resources {
		item := resourceAvailabilityItem{
			ResourceID: ra.Resource.ID,
			Name:       ra.Resource.Name,
			Kind:       ra.Resource.Kind,
			Slots:      make([]slotItem, 0, len(ra.Slots)),
		}
		for _, s := range ra.Slots {
			item.Slots = append(item.Slots, slotItem{
				Start:         s.Start.In(loc).Format(time.RFC3339),
				Occupied:      s.Occupied,
				ReservationID: s.ReservationID,
				HolderName:    s.Holder,
			})
		}
		resp.Resources = append(resp.Resources, item)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *ReservationHandler) List(w http.ResponseWriter, r *http.Request) {
	day, ok := h.parseDate(w, r.URL.Query().Get("date"))
	if !ok {
		return
	}
	reservations, err := h.engine.ListDay(r.Context(), day)
	if err != nil {
		h.writeError(w, err)
		return
	}
	items := make([]reservationItem, 0, len(reservations))
	for _, res := range reservations {
		items = append(items, h.toItem(res))
	}
	h.writeJSON(w, http.StatusOK, items)
}

func (h *ReservationHandler) Create(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, false)
}

// PublicCreate is the self-service variant: same payload, but the engine
// additionally enforces the restricted public booking window.
func (h *ReservationHandler) PublicCreate(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, true)
}

func (h *ReservationHandler) create(w http.ResponseWriter, r *http.Request, public bool) {
	var req createReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeErrorMessage(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	loc := h.engine.Location()
	day, err := time.ParseInLocation("2006-01-02", req.Date, loc)
	if err != nil {
		h.writeErrorMessage(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	created, err := h.engine.Create(r.Context(), reservation.CreateRequest{
		ResourceID:  req.ResourceID,
		Day:         day,
		HolderName:  req.HolderName,
		HolderPhone: req.HolderPhone,
		Selector: reservation.TimeSelector{
			Hour:      req.Hour,
			StartTime: strings.TrimSpace(req.StartTime),
		},
		Public: public,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, h.toItem(created))
}

func (h *ReservationHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		h.writeErrorMessage(w, http.StatusBadRequest, "reservation id required")
		return
	}

	var req updateReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeErrorMessage(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	ext := reservation.Extension{AddMinutes: req.AddMinutes}
	if strings.TrimSpace(req.EndAt) != "" {
		endAt, err := time.Parse(time.RFC3339, req.EndAt)
		if err != nil {
			h.writeErrorMessage(w, http.StatusBadRequest, "end_at must be RFC3339")
			return
		}
		ext.NewEnd = &endAt
	}

	updated, err := h.engine.Extend(r.Context(), id, ext)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.toItem(updated))
}

func (h *ReservationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		h.writeErrorMessage(w, http.StatusBadRequest, "reservation id required")
		return
	}
	if err := h.engine.Delete(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *ReservationHandler) parseDate(w http.ResponseWriter, raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		h.writeErrorMessage(w, http.StatusBadRequest, "date query parameter required")
		return time.Time{}, false
	}
	day, err := time.ParseInLocation("2006-01-02", raw, h.engine.Location())
	if err != nil {
		h.writeErrorMessage(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return day, true
}

func (h *ReservationHandler) toItem(res reservation.Reservation) reservationItem {
	loc := h.engine.Location()
	return reservationItem{
		ID:          res.ID,
		ResourceID:  res.ResourceID,
		StartAt:     res.Start.In(loc).Format(time.RFC3339),
		EndAt:       res.End.In(loc).Format(time.RFC3339),
		HolderName:  res.HolderName,
		HolderPhone: res.HolderPhone,
		CreatedAt:   res.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *ReservationHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reservation.ErrMalformed):
		h.writeErrorMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, reservation.ErrUnknownResource), errors.Is(err, reservation.ErrNotFound):
		h.writeErrorMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, reservation.ErrOutOfHours), errors.Is(err, reservation.ErrRestrictedWindow):
		h.writeErrorMessage(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, reservation.ErrOverlap):
		h.writeErrorMessage(w, http.StatusConflict, err.Error())
	case reservation.IsRetryable(err):
		h.logger.Warn("store temporarily unavailable", "err", err)
		h.writeErrorMessage(w, http.StatusServiceUnavailable, "temporarily unavailable, retry later")
	default:
		h.logger.Error("request failed", "err", err)
		h.writeErrorMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *ReservationHandler) writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func (h *ReservationHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// validationMessage flattens validator output to the first offending field so
// clients get one actionable message instead of the library's full dump.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return strings.ToLower(fe.Field()) + " failed " + fe.Tag() + " validation"
	}
	return "invalid request"
}
