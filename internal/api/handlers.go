package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ParkMazorika/areapulse/internal/location"
	"github.com/ParkMazorika/areapulse/internal/session"
	"github.com/ParkMazorika/areapulse/internal/upstream"
)

const defaultRadiusMeters = 1000

var errInvalidQuery = errors.New("invalid query")

// Handlers holds the dependencies for all HTTP handlers.
type Handlers struct {
	sessions  SessionManager
	locations LocationService
	tracker   TapTracker
	cache     PointCache
	repo      HistoryRepo
	log       *slog.Logger

	defaultRadius int
}

// NewHandlers constructs Handlers with all required dependencies.
func NewHandlers(sessions SessionManager, locations LocationService, tracker TapTracker, cache PointCache, repo HistoryRepo, log *slog.Logger) *Handlers {
	return &Handlers{
		sessions:      sessions,
		locations:     locations,
		tracker:       tracker,
		cache:         cache,
		repo:          repo,
		log:           log,
		defaultRadius: defaultRadiusMeters,
	}
}

// SetDefaultRadius sets the radius used when a request omits one.
func (h *Handlers) SetDefaultRadius(meters int) {
	if meters > 0 {
		h.defaultRadius = meters
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps domain and transport errors onto gateway status codes.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var se *upstream.StatusError
	var de *upstream.DecodingError

	switch {
	case errors.Is(err, session.ErrNotAuthenticated),
		errors.Is(err, session.ErrSessionExpired):
		writeMessage(w, http.StatusUnauthorized, "login required")
	case errors.Is(err, session.ErrInvalidCredentials):
		writeMessage(w, http.StatusUnauthorized, "invalid email or password")
	case errors.Is(err, session.ErrEmailTaken):
		writeMessage(w, http.StatusConflict, "email already registered")
	case errors.Is(err, session.ErrValidation),
		errors.Is(err, errInvalidQuery),
		errors.Is(err, location.ErrInvalidCoordinate),
		errors.Is(err, location.ErrInvalidRadius),
		errors.Is(err, location.ErrInvalidReview):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, location.ErrSuperseded):
		writeMessage(w, http.StatusConflict, "superseded by a newer tap")
	case errors.Is(err, context.DeadlineExceeded) || upstream.IsNetwork(err):
		h.log.Error("upstream unreachable", "path", r.URL.Path, "err", err)
		writeMessage(w, http.StatusGatewayTimeout, "upstream unavailable")
	case errors.As(err, &se) && se.Status == http.StatusNotFound:
		writeMessage(w, http.StatusNotFound, "not found")
	case errors.As(err, &se), errors.As(err, &de):
		h.log.Error("upstream error", "path", r.URL.Path, "err", err)
		writeMessage(w, http.StatusBadGateway, "upstream error")
	default:
		h.log.Error("request failed", "path", r.URL.Path, "err", err)
		writeMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

// currentUserID returns the id of the logged-in account or writes 401.
func (h *Handlers) currentUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	u, err := h.sessions.CurrentUser()
	if err != nil {
		h.writeError(w, r, err)
		return 0, false
	}
	return u.ID, true
}

type pointResponse struct {
	*location.PointResult
	WorkplaceDistanceMeters *float64 `json:"workplace_distance_meters,omitempty"`
	Cached                  bool     `json:"cached"`
}

// pointQuery is a parsed point request.
type pointQuery struct {
	at     location.Coordinate
	radius int
	filter location.Filter
}

func (q pointQuery) options() []location.QueryOption {
	if len(q.filter.Categories) == 0 {
		return nil
	}
	return []location.QueryOption{location.WithCategories(q.filter.Categories...)}
}

// parsePointQuery reads lat, lon, radius, category and building_type.
// Repeated and comma-separated values are both accepted.
func (h *Handlers) parsePointQuery(r *http.Request) (pointQuery, error) {
	qs := r.URL.Query()
	q := pointQuery{radius: h.defaultRadius}

	lat, err := strconv.ParseFloat(qs.Get("lat"), 64)
	if err != nil {
		return q, location.ErrInvalidCoordinate
	}
	lon, err := strconv.ParseFloat(qs.Get("lon"), 64)
	if err != nil {
		return q, location.ErrInvalidCoordinate
	}
	q.at = location.Coordinate{Latitude: lat, Longitude: lon}

	if v := qs.Get("radius"); v != "" {
		if q.radius, err = strconv.Atoi(v); err != nil {
			return q, location.ErrInvalidRadius
		}
	}

	for _, v := range splitValues(qs["category"]) {
		c, ok := location.ParseInfraCategory(v)
		if !ok {
			return q, fmt.Errorf("%w: unknown category %q", errInvalidQuery, v)
		}
		q.filter.Categories = append(q.filter.Categories, c)
	}
	for _, v := range splitValues(qs["building_type"]) {
		t, ok := location.ParseBuildingType(v)
		if !ok {
			return q, fmt.Errorf("%w: unknown building type %q", errInvalidQuery, v)
		}
		q.filter.BuildingTypes = append(q.filter.BuildingTypes, t)
	}

	return q, nil
}

func splitValues(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// GetPoint handles GET /api/v1/points.
// Cache hit → return. Miss → query upstream, cache if complete, record.
func (h *Handlers) GetPoint(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}

	q, err := h.parsePointQuery(r)
	if err == nil {
		err = q.at.Validate()
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	useCache := len(q.filter.Categories) == 0
	var res *location.PointResult
	cached := false

	if useCache {
		res, err = h.cache.Get(r.Context(), q.at, q.radius)
		if err != nil {
			h.log.Error("cache get failed", "lat", q.at.Latitude, "lon", q.at.Longitude, "err", err)
		}
		cached = res != nil
	}

	if res == nil {
		res, err = h.locations.QueryPoint(r.Context(), q.at, q.radius, q.options()...)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if useCache {
			if err := h.cache.Set(r.Context(), res); err != nil {
				h.log.Warn("cache set failed", "lat", q.at.Latitude, "lon", q.at.Longitude, "err", err)
			}
		}
		h.record(r.Context(), userID, res)
	}

	writeJSON(w, http.StatusOK, h.present(r.Context(), userID, q, res, cached))
}

type tapRequest struct {
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	RadiusMeters int      `json:"radius_meters"`
	Categories   []string `json:"categories"`
}

// Tap handles POST /api/v1/taps. A newer tap cancels an older one still in
// flight; the older request answers 409.
func (h *Handlers) Tap(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}

	var body tapRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	q := pointQuery{
		at:     location.Coordinate{Latitude: body.Latitude, Longitude: body.Longitude},
		radius: body.RadiusMeters,
	}
	if q.radius == 0 {
		q.radius = h.defaultRadius
	}
	for _, v := range body.Categories {
		c, ok := location.ParseInfraCategory(v)
		if !ok {
			writeMessage(w, http.StatusBadRequest, "unknown category "+v)
			return
		}
		q.filter.Categories = append(q.filter.Categories, c)
	}

	res, err := h.tracker.Tap(r.Context(), q.at, q.radius, q.options()...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.record(r.Context(), userID, res)

	writeJSON(w, http.StatusOK, h.present(r.Context(), userID, q, res, false))
}

// LatestTap handles GET /api/v1/taps/latest.
func (h *Handlers) LatestTap(w http.ResponseWriter, r *http.Request) {
	res := h.tracker.Latest()
	if res == nil {
		writeMessage(w, http.StatusNotFound, "no completed tap yet")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// present filters and orders res for the response and annotates the
// distance to the user's workplace when one is set.
func (h *Handlers) present(ctx context.Context, userID int64, q pointQuery, res *location.PointResult, cached bool) pointResponse {
	out := q.filter.Apply(res)
	location.SortByDistance(out, q.at)

	resp := pointResponse{PointResult: out, Cached: cached}
	wp, err := h.repo.GetWorkplace(ctx, userID)
	if err != nil {
		h.log.Warn("workplace lookup failed", "err", err)
	}
	if wp != nil {
		d := q.at.DistanceTo(wp.Coordinate)
		resp.WorkplaceDistanceMeters = &d
	}
	return resp
}

func (h *Handlers) record(ctx context.Context, userID int64, res *location.PointResult) {
	if err := h.repo.RecordLookup(ctx, userID, res); err != nil {
		h.log.Warn("recording lookup failed", "err", err)
	}
}

// ListLookups handles GET /api/v1/lookups?limit=&degraded=.
func (h *Handlers) ListLookups(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}

	qs := r.URL.Query()
	if src := qs.Get("degraded"); src != "" {
		lookups, err := h.repo.DegradedLookups(r.Context(), userID, location.Source(src))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"lookups": nonNil(lookups)})
		return
	}

	limit := 0
	if v := qs.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	lookups, err := h.repo.RecentLookups(r.Context(), userID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lookups": nonNil(lookups)})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// HealthCheck handles GET /api/v1/health.
// Pings DB and Redis; returns 200 if both ok, 503 otherwise.
type dbPinger interface {
	Ping(ctx context.Context) error
}

type redisPinger interface {
	Ping(ctx context.Context) error
}

// HealthHandlerFunc returns an http.HandlerFunc that checks db and redis
// connectivity and reports the upstream session state.
func HealthHandlerFunc(db dbPinger, redis redisPinger, sessions SessionManager, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		dbStatus := "ok"
		redisStatus := "ok"

		if err := db.Ping(ctx); err != nil {
			log.Error("health check: db ping failed", "err", err)
			dbStatus = "error"
			status = http.StatusServiceUnavailable
		}

		if err := redis.Ping(ctx); err != nil {
			log.Error("health check: redis ping failed", "err", err)
			redisStatus = "error"
			status = http.StatusServiceUnavailable
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		writeJSON(w, status, map[string]string{
			"status":  overall,
			"db":      dbStatus,
			"redis":   redisStatus,
			"session": sessions.State().String(),
		})
	}
}
