package api

import (
	"context"

	"github.com/ParkMazorika/areapulse/internal/location"
	"github.com/ParkMazorika/areapulse/internal/session"
	"github.com/ParkMazorika/areapulse/internal/storage"
)

// SessionManager defines the account operations needed by handlers.
type SessionManager interface {
	Login(ctx context.Context, email, password string) (*session.Session, error)
	Register(ctx context.Context, email, password, nickname string) (*session.User, error)
	Logout(ctx context.Context)
	CurrentUser() (session.User, error)
	State() session.State
}

// LocationService defines the upstream queries needed by handlers.
type LocationService interface {
	QueryPoint(ctx context.Context, at location.Coordinate, radiusMeters int, opts ...location.QueryOption) (*location.PointResult, error)
	BuildingDetail(ctx context.Context, buildingID int64) (*location.BuildingDetail, error)
	BuildingReviews(ctx context.Context, buildingID int64) (*location.ReviewPage, error)
	CreateReview(ctx context.Context, buildingID int64, rating int, content string) (*location.MutationResult, error)
	SavedBuildings(ctx context.Context) (*location.SavedBuildingPage, error)
	SaveBuilding(ctx context.Context, buildingID int64, memo string) (*location.MutationResult, error)
	DeleteSavedBuilding(ctx context.Context, saveID int64) (*location.MutationResult, error)
}

// TapTracker defines the last-query-wins operations needed by handlers.
type TapTracker interface {
	Tap(ctx context.Context, at location.Coordinate, radiusMeters int, opts ...location.QueryOption) (*location.PointResult, error)
	Latest() *location.PointResult
}

// PointCache defines the cache operations needed by handlers.
type PointCache interface {
	Get(ctx context.Context, at location.Coordinate, radiusMeters int) (*location.PointResult, error)
	Set(ctx context.Context, res *location.PointResult) error
}

// HistoryRepo defines the storage operations needed by handlers.
type HistoryRepo interface {
	GetWorkplace(ctx context.Context, userID int64) (*storage.Workplace, error)
	UpsertWorkplace(ctx context.Context, userID int64, address string, at location.Coordinate) error
	DeleteWorkplace(ctx context.Context, userID int64) (bool, error)
	RecordLookup(ctx context.Context, userID int64, res *location.PointResult) error
	RecentLookups(ctx context.Context, userID int64, limit int) ([]*storage.Lookup, error)
	DegradedLookups(ctx context.Context, userID int64, source location.Source) ([]*storage.Lookup, error)
}
