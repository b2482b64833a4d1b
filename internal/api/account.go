package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ParkMazorika/areapulse/internal/location"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Nickname string `json:"nickname"`
}

// Login handles POST /api/v1/auth/login. Tokens stay inside the gateway;
// only the user and session state are returned.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Email) == "" || body.Password == "" {
		writeMessage(w, http.StatusBadRequest, "email and password are required")
		return
	}

	s, err := h.sessions.Login(r.Context(), strings.TrimSpace(body.Email), body.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"state": h.sessions.State().String(),
		"user":  s.User,
	})
}

// Register handles POST /api/v1/auth/register. It does not log in.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	u, err := h.sessions.Register(r.Context(), strings.TrimSpace(body.Email), body.Password, strings.TrimSpace(body.Nickname))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, u)
}

// Logout handles POST /api/v1/auth/logout. It always succeeds.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// GetSession handles GET /api/v1/auth/session.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"authenticated": false,
		"state":         h.sessions.State().String(),
	}
	if u, err := h.sessions.CurrentUser(); err == nil {
		resp["authenticated"] = true
		resp["user"] = u
	}
	writeJSON(w, http.StatusOK, resp)
}

type workplaceRequest struct {
	Address   string   `json:"address"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// GetWorkplace handles GET /api/v1/workplace.
func (h *Handlers) GetWorkplace(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}

	wp, err := h.repo.GetWorkplace(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if wp == nil {
		writeMessage(w, http.StatusNotFound, "no workplace set")
		return
	}
	writeJSON(w, http.StatusOK, wp)
}

// PutWorkplace handles PUT /api/v1/workplace.
func (h *Handlers) PutWorkplace(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}

	var body workplaceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Latitude == nil || body.Longitude == nil {
		writeMessage(w, http.StatusBadRequest, "latitude and longitude are required")
		return
	}

	at := location.Coordinate{Latitude: *body.Latitude, Longitude: *body.Longitude}
	if err := h.repo.UpsertWorkplace(r.Context(), userID, strings.TrimSpace(body.Address), at); err != nil {
		h.writeError(w, r, err)
		return
	}

	wp, err := h.repo.GetWorkplace(r.Context(), userID)
	if err != nil || wp == nil {
		h.log.Warn("reading workplace back failed", "err", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, wp)
}

// DeleteWorkplace handles DELETE /api/v1/workplace.
func (h *Handlers) DeleteWorkplace(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}

	deleted, err := h.repo.DeleteWorkplace(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !deleted {
		writeMessage(w, http.StatusNotFound, "no workplace set")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
