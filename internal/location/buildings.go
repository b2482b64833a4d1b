package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ParkMazorika/areapulse/internal/upstream"
)

const (
	buildingDetailPath  = "/buildings/detail"
	buildingReviewsPath = "/buildings/reviews"
	createReviewPath    = "/reviews/create"
	savedBuildingsPath  = "/user/saved-buildings"
	saveBuildingPath    = "/user/save-building"
	deleteSavedPath     = "/user/delete-saved-building"

	maxReviewLength = 2000
)

var ErrInvalidReview = errors.New("invalid review")

// BuildingDetail is everything the API knows about one building.
type BuildingDetail struct {
	Building             Building         `json:"building"`
	Transactions         []Transaction    `json:"transactions"`
	Reviews              []Review         `json:"reviews"`
	NearbyInfrastructure []Infrastructure `json:"nearby_infrastructure"`
	RegionStats          []RegionStats    `json:"region_stats"`
	Environment          []Environment    `json:"environment"`
}

// AverageRating returns the mean review rating, or 0 without reviews.
func (d *BuildingDetail) AverageRating() float64 {
	if len(d.Reviews) == 0 {
		return 0
	}
	total := 0
	for _, r := range d.Reviews {
		total += r.Rating
	}
	return float64(total) / float64(len(d.Reviews))
}

type buildingRequest struct {
	BuildingID int64 `json:"building_id"`
}

type buildingDetailResponse struct {
	Building             Building         `json:"building"`
	Transactions         []Transaction    `json:"transactions"`
	Reviews              []Review         `json:"reviews"`
	NearbyInfrastructure []Infrastructure `json:"nearby_infrastructure"`
	RegionStats          json.RawMessage  `json:"region_stats"`
	EnvironmentData      json.RawMessage  `json:"environment_data"`
}

// ReviewPage is a list of reviews with the server-side total.
type ReviewPage struct {
	Reviews    []Review `json:"reviews"`
	TotalCount int      `json:"total_count"`
}

type createReviewRequest struct {
	BuildingID int64  `json:"building_id"`
	Rating     int    `json:"rating"`
	Content    string `json:"content"`
}

// MutationResult is the acknowledgement returned by write endpoints.
type MutationResult struct {
	ID      int64  `json:"id,omitempty"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type createReviewResponse struct {
	ReviewID int64  `json:"review_id"`
	Success  bool   `json:"success"`
	Message  string `json:"message"`
}

// SavedBuildingPage lists the user's saved buildings.
type SavedBuildingPage struct {
	SavedBuildings []SavedBuilding `json:"saved_buildings"`
	TotalCount     int             `json:"total_count"`
}

type saveBuildingRequest struct {
	BuildingID int64  `json:"building_id"`
	Memo       string `json:"memo,omitempty"`
}

type saveBuildingResponse struct {
	SaveID  int64  `json:"save_id"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type deleteSavedRequest struct {
	SaveID int64 `json:"save_id"`
}

// BuildingDetail loads a building with its transactions, reviews and surroundings.
func (s *Service) BuildingDetail(ctx context.Context, buildingID int64) (*BuildingDetail, error) {
	var resp buildingDetailResponse
	if err := s.auth.AuthorizedRequest(ctx, upstream.PostJSON(buildingDetailPath, buildingRequest{BuildingID: buildingID}), &resp); err != nil {
		return nil, fmt.Errorf("building %d detail: %w", buildingID, err)
	}

	detail := &BuildingDetail{
		Building:             resp.Building,
		Transactions:         nonNil(resp.Transactions),
		Reviews:              nonNil(resp.Reviews),
		NearbyInfrastructure: mergeInfrastructure(resp.NearbyInfrastructure),
		RegionStats:          []RegionStats{},
		Environment:          []Environment{},
	}
	if stats, err := decodeRegionStats(resp.RegionStats, SourceBuildingDetail); err != nil {
		s.log.Warn("building region stats unreadable", "building_id", buildingID, "err", err)
	} else {
		detail.RegionStats = append(detail.RegionStats, stats...)
	}
	if env, err := decodeEnvironment(resp.EnvironmentData, SourceBuildingDetail); err != nil {
		s.log.Warn("building environment data unreadable", "building_id", buildingID, "err", err)
	} else {
		detail.Environment = append(detail.Environment, env...)
	}
	return detail, nil
}

// BuildingReviews lists the reviews written for a building.
func (s *Service) BuildingReviews(ctx context.Context, buildingID int64) (*ReviewPage, error) {
	var page ReviewPage
	if err := s.public.Do(ctx, upstream.PostJSON(buildingReviewsPath, buildingRequest{BuildingID: buildingID}), "", &page); err != nil {
		return nil, fmt.Errorf("building %d reviews: %w", buildingID, err)
	}
	page.Reviews = nonNil(page.Reviews)
	return &page, nil
}

// CreateReview posts a review. Rating must be 1 to 5 and content non-empty.
func (s *Service) CreateReview(ctx context.Context, buildingID int64, rating int, content string) (*MutationResult, error) {
	content = strings.TrimSpace(content)
	switch {
	case rating < 1 || rating > 5:
		return nil, fmt.Errorf("%w: rating %d not in 1..5", ErrInvalidReview, rating)
	case content == "":
		return nil, fmt.Errorf("%w: content is empty", ErrInvalidReview)
	case utf8.RuneCountInString(content) > maxReviewLength:
		return nil, fmt.Errorf("%w: content longer than %d characters", ErrInvalidReview, maxReviewLength)
	}

	var resp createReviewResponse
	req := upstream.PostJSON(createReviewPath, createReviewRequest{BuildingID: buildingID, Rating: rating, Content: content})
	if err := s.auth.AuthorizedRequest(ctx, req, &resp); err != nil {
		return nil, fmt.Errorf("creating review for building %d: %w", buildingID, err)
	}
	return &MutationResult{ID: resp.ReviewID, Success: resp.Success, Message: resp.Message}, nil
}

// SavedBuildings lists the buildings the user has saved.
func (s *Service) SavedBuildings(ctx context.Context) (*SavedBuildingPage, error) {
	var page SavedBuildingPage
	if err := s.auth.AuthorizedRequest(ctx, upstream.Get(savedBuildingsPath, nil), &page); err != nil {
		return nil, fmt.Errorf("listing saved buildings: %w", err)
	}
	page.SavedBuildings = nonNil(page.SavedBuildings)
	return &page, nil
}

// SaveBuilding bookmarks a building with an optional memo.
func (s *Service) SaveBuilding(ctx context.Context, buildingID int64, memo string) (*MutationResult, error) {
	var resp saveBuildingResponse
	req := upstream.PostJSON(saveBuildingPath, saveBuildingRequest{BuildingID: buildingID, Memo: strings.TrimSpace(memo)})
	if err := s.auth.AuthorizedRequest(ctx, req, &resp); err != nil {
		return nil, fmt.Errorf("saving building %d: %w", buildingID, err)
	}
	return &MutationResult{ID: resp.SaveID, Success: resp.Success, Message: resp.Message}, nil
}

// DeleteSavedBuilding removes a bookmark by its save id.
func (s *Service) DeleteSavedBuilding(ctx context.Context, saveID int64) (*MutationResult, error) {
	var resp MutationResult
	if err := s.auth.AuthorizedRequest(ctx, upstream.DeleteJSON(deleteSavedPath, deleteSavedRequest{SaveID: saveID}), &resp); err != nil {
		return nil, fmt.Errorf("deleting saved building %d: %w", saveID, err)
	}
	resp.ID = saveID
	return &resp, nil
}
