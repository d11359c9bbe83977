package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/chauffeur/internal/auth"
	"github.com/example/chauffeur/internal/hire/discovery"
	"github.com/example/chauffeur/internal/hire/domain"
	"github.com/example/chauffeur/internal/hire/lock"
	"github.com/example/chauffeur/internal/hire/service"
)

// DefaultFilterRadiusKM applies when neither the query nor the actor sets a radius.
const DefaultFilterRadiusKM = 15.0

// Reviews is the review aggregator surface used by the API.
type Reviews interface {
	SubmitReview(ctx context.Context, actorID, requestID uuid.UUID, stars float64) (domain.ReviewStatus, error)
	Get(ctx context.Context, actorID, requestID uuid.UUID) (domain.Review, error)
}

// Finder searches available drivers.
type Finder interface {
	FindAvailableDrivers(ctx context.Context, q discovery.Query) ([]discovery.Candidate, error)
}

// Locations accepts position reports.
type Locations interface {
	Report(ctx context.Context, actorID uuid.UUID, p domain.GeoPoint, at time.Time) error
}

// Sockets serves live push sessions.
type Sockets interface {
	Serve(w http.ResponseWriter, r *http.Request, key string) error
}

// Dependencies groups the collaborators of the HTTP API. Sockets may be nil.
type Dependencies struct {
	Service   *service.Service
	Discovery Finder
	Reviews   Reviews
	Locations Locations
	Directory domain.Directory
	Sockets   Sockets
}

// HTTP exposes the hire request API.
type HTTP struct {
	deps   Dependencies
	authn  func(http.Handler) http.Handler
	logger *zap.Logger
}

// NewHTTP constructs a handler; authn must place an auth.Actor in the request context.
func NewHTTP(deps Dependencies, authn func(http.Handler) http.Handler, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{deps: deps, authn: authn, logger: logger}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Group(func(r chi.Router) {
		r.Use(h.authn)
		r.Post("/v1/hire-requests", h.createHireRequest)
		r.Get("/v1/hire-requests/{id}", h.getHireRequest)
		r.Post("/v1/hire-requests/{id}/status", h.transitionHireRequest)
		r.Post("/v1/hire-requests/{id}/review", h.submitReview)
		r.Get("/v1/hire-requests/{id}/review", h.getReview)
		r.Get("/v1/drivers/available", h.availableDrivers)
		r.Get("/v1/actors/me", h.me)
		r.Put("/v1/actors/me/location", h.reportLocation)
		if h.deps.Sockets != nil {
			r.Get("/v1/push/ws", h.pushSocket)
		}
	})
	return r
}

type hireRequestView struct {
	ID              uuid.UUID `json:"id"`
	CustomerID      uuid.UUID `json:"customer_id"`
	DriverID        uuid.UUID `json:"driver_id"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationMinutes int       `json:"time_span"`
	Status          int       `json:"status"`
	StatusName      string    `json:"status_name"`
	PriceRef        string    `json:"price_ref,omitempty"`
	Location        string    `json:"location,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func viewOf(req domain.HireRequest) hireRequestView {
	return hireRequestView{
		ID:              req.ID,
		CustomerID:      req.CustomerID,
		DriverID:        req.DriverID,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime(),
		DurationMinutes: int(req.Duration / time.Minute),
		Status:          int(req.Status),
		StatusName:      req.Status.String(),
		PriceRef:        req.PriceRef,
		Location:        req.Location,
		CreatedAt:       req.CreatedAt,
		UpdatedAt:       req.UpdatedAt,
	}
}

type createHireRequest struct {
	DriverID     string    `json:"driver_id"`
	StartTime    time.Time `json:"start_time"`
	TimeSpan     int       `json:"time_span"`
	Location     string    `json:"location"`
	PriceSegment string    `json:"price_segment"`
}

func (h *HTTP) createHireRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var payload createHireRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeReason(w, http.StatusBadRequest, "", "invalid JSON body")
		return
	}
	driverID, err := uuid.Parse(payload.DriverID)
	if err != nil {
		writeReason(w, http.StatusBadRequest, "driver_id", "invalid driver_id")
		return
	}
	if payload.StartTime.IsZero() {
		writeReason(w, http.StatusBadRequest, "start_time", "start_time is required")
		return
	}

	req, err := h.deps.Service.CreateHireRequest(r.Context(), r.Header.Get("Idempotency-Key"), actor.ID, service.CreateRequest{
		DriverID:     driverID,
		StartTime:    payload.StartTime,
		Duration:     time.Duration(payload.TimeSpan) * time.Minute,
		Location:     payload.Location,
		PriceSegment: payload.PriceSegment,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(req))
}

func (h *HTTP) getHireRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := h.deps.Service.GetHireRequest(r.Context(), actor.ID, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(req))
}

func (h *HTTP) transitionHireRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Status json.RawMessage `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || len(payload.Status) == 0 {
		writeReason(w, http.StatusBadRequest, "status", "status is required")
		return
	}

	req, err := h.deps.Service.TransitionHireRequest(r.Context(), actor.ID, id, decodeStatus(payload.Status))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(req))
}

// decodeStatus accepts a number or a name. Unknown values map to zero so the
// state machine reports them after its permission check.
func decodeStatus(raw json.RawMessage) domain.Status {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return domain.Status(n)
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		if s, ok := domain.ParseStatus(strings.ToUpper(strings.TrimSpace(name))); ok {
			return s
		}
	}
	return 0
}

func (h *HTTP) submitReview(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Stars *float64 `json:"stars"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Stars == nil {
		writeReason(w, http.StatusBadRequest, "stars", "stars is required")
		return
	}
	status, err := h.deps.Reviews.SubmitReview(r.Context(), actor.ID, id, *payload.Stars)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": id, "status": status})
}

func (h *HTTP) getReview(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	review, err := h.deps.Reviews.Get(r.Context(), actor.ID, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":      review.RequestID,
		"driver_review":   review.DriverReview,
		"customer_review": review.CustomerReview,
		"status":          review.Status(),
	})
}

func (h *HTTP) availableDrivers(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	query := discovery.Query{Near: q.Get("near")}

	if query.Near == "" || q.Get("radius") == "" {
		me, err := h.deps.Directory.GetActor(r.Context(), actor.ID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		if query.Near == "" {
			query.Near = me.Location
		}
		query.RadiusKM = me.DriverFilterRadiusKM
		if query.RadiusKM <= 0 {
			query.RadiusKM = DefaultFilterRadiusKM
		}
	}
	if raw := q.Get("radius"); raw != "" {
		radius, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeReason(w, http.StatusBadRequest, "radius", "radius must be a number")
			return
		}
		query.RadiusKM = radius
	}
	if raw := q.Get("start"); raw != "" {
		start, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeReason(w, http.StatusBadRequest, "start", "start must be RFC 3339")
			return
		}
		query.Start = &start
	}
	if raw := q.Get("duration"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil {
			writeReason(w, http.StatusBadRequest, "duration", "duration must be a whole number of minutes")
			return
		}
		query.Duration = time.Duration(minutes) * time.Minute
	}

	candidates, err := h.deps.Discovery.FindAvailableDrivers(r.Context(), query)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": candidates, "count": len(candidates)})
}

func (h *HTTP) me(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	me, err := h.deps.Directory.GetActor(r.Context(), actor.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, me)
}

func (h *HTTP) reportLocation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var payload struct {
		Lat *float64 `json:"lat"`
		Lng *float64 `json:"lng"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Lat == nil || payload.Lng == nil {
		writeReason(w, http.StatusBadRequest, "location", "lat and lng are required")
		return
	}
	if err := h.deps.Locations.Report(r.Context(), actor.ID, domain.GeoPoint{Lat: *payload.Lat, Lng: *payload.Lng}, time.Time{}); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) pushSocket(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	key := r.URL.Query().Get("key")
	me, err := h.deps.Directory.GetActor(r.Context(), actor.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !containsKey(me.PushKeys, key) {
		writeReason(w, http.StatusForbidden, "key", "push key is not registered for this actor")
		return
	}
	if err := h.deps.Sockets.Serve(w, r, key); err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
	}
}

func containsKey(keys []string, key string) bool {
	if key == "" {
		return false
	}
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func (h *HTTP) actor(w http.ResponseWriter, r *http.Request) (auth.Actor, bool) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, "missing token", http.StatusUnauthorized)
	}
	return actor, ok
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeReason(w, http.StatusBadRequest, "id", "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *HTTP) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusNotModified:
		w.WriteHeader(status)
		return
	case http.StatusInternalServerError:
		h.logger.Error("request failed", zap.Error(err))
		writeReason(w, status, "", "internal error")
		return
	}
	field, message := domain.Reason(err)
	writeReason(w, status, field, message)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotModified):
		return http.StatusNotModified
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, lock.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrBadRequest),
		errors.Is(err, domain.ErrInvalidInterval),
		errors.Is(err, domain.ErrInvalidParameter),
		errors.Is(err, domain.ErrInvalidLocation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeReason(w http.ResponseWriter, status int, field, message string) {
	body := map[string]string{"message": message}
	if field != "" {
		body["field"] = field
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
