package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ParkMazorika/areapulse/internal/location"
)

type buildingResponse struct {
	*location.BuildingDetail
	AverageRating float64 `json:"average_rating"`
}

func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

// GetBuilding handles GET /api/v1/buildings/{id}.
func (h *Handlers) GetBuilding(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.currentUserID(w, r); !ok {
		return
	}
	id, ok := idParam(r, "id")
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid building id")
		return
	}

	detail, err := h.locations.BuildingDetail(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, buildingResponse{BuildingDetail: detail, AverageRating: detail.AverageRating()})
}

// ListReviews handles GET /api/v1/buildings/{id}/reviews. Reviews are public.
func (h *Handlers) ListReviews(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid building id")
		return
	}

	page, err := h.locations.BuildingReviews(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type reviewRequest struct {
	Rating  int    `json:"rating"`
	Content string `json:"content"`
}

// CreateReview handles POST /api/v1/buildings/{id}/reviews.
func (h *Handlers) CreateReview(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.currentUserID(w, r); !ok {
		return
	}
	id, ok := idParam(r, "id")
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid building id")
		return
	}

	var body reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := h.locations.CreateReview(r.Context(), id, body.Rating, body.Content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListSavedBuildings handles GET /api/v1/saved-buildings.
func (h *Handlers) ListSavedBuildings(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.currentUserID(w, r); !ok {
		return
	}

	page, err := h.locations.SavedBuildings(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type saveBuildingRequest struct {
	BuildingID int64  `json:"building_id"`
	Memo       string `json:"memo"`
}

// SaveBuilding handles POST /api/v1/saved-buildings.
func (h *Handlers) SaveBuilding(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.currentUserID(w, r); !ok {
		return
	}

	var body saveBuildingRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.BuildingID <= 0 {
		writeMessage(w, http.StatusBadRequest, "building_id is required")
		return
	}

	res, err := h.locations.SaveBuilding(r.Context(), body.BuildingID, body.Memo)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// DeleteSavedBuilding handles DELETE /api/v1/saved-buildings/{saveID}.
func (h *Handlers) DeleteSavedBuilding(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.currentUserID(w, r); !ok {
		return
	}
	id, ok := idParam(r, "saveID")
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid save id")
		return
	}

	res, err := h.locations.DeleteSavedBuilding(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
