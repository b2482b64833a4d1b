package location

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ParkMazorika/areapulse/internal/upstream"
)

const (
	pointSearchPath = "/search/point"
	regionStatsPath = "/region/stats"
	environmentPath = "/environment/data"
	categoryPath    = "/infrastructure/category"

	defaultCategoryConcurrency = 4
)

// Requester issues calls that need the user's bearer token.
// *session.Manager satisfies it.
type Requester interface {
	AuthorizedRequest(ctx context.Context, req upstream.Request, dst any) error
}

// Sender issues calls that need no credentials. *upstream.Client satisfies it.
type Sender interface {
	Do(ctx context.Context, req upstream.Request, bearer string, dst any) error
}

// RegionResolver maps a coordinate to an administrative district code.
type RegionResolver interface {
	Resolve(c Coordinate) (code string, ok bool)
}

// PointResult is the merged view of everything known about a point. The four
// lists are always non-nil. Degraded names supplementary sources that failed.
type PointResult struct {
	Coordinate     Coordinate       `json:"coordinate"`
	RadiusMeters   int              `json:"radius_meters"`
	RegionCode     string           `json:"region_code,omitempty"`
	Region         *Region          `json:"region,omitempty"`
	Buildings      []Building       `json:"buildings"`
	Infrastructure []Infrastructure `json:"infrastructure"`
	RegionStats    []RegionStats    `json:"region_stats"`
	Environment    []Environment    `json:"environment"`
	Degraded       []Source         `json:"degraded,omitempty"`
}

// IsDegraded reports whether any supplementary source failed.
func (r *PointResult) IsDegraded() bool { return len(r.Degraded) > 0 }

// Service queries the AreaPulse API for everything around a point.
type Service struct {
	auth        Requester
	public      Sender
	regions     RegionResolver
	log         *slog.Logger
	concurrency int
}

// NewService constructs a Service. regions may be nil, in which case the
// dedicated region statistics call is skipped.
func NewService(auth Requester, public Sender, regions RegionResolver, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		auth:        auth,
		public:      public,
		regions:     regions,
		log:         log,
		concurrency: defaultCategoryConcurrency,
	}
}

// SetCategoryConcurrency bounds the number of concurrent per-category calls.
func (s *Service) SetCategoryConcurrency(n int) {
	if n > 0 {
		s.concurrency = n
	}
}

type queryOptions struct {
	categories []InfraCategory
}

// QueryOption customizes QueryPoint.
type QueryOption func(*queryOptions)

// WithCategories adds a per-category infrastructure call for each category.
func WithCategories(categories ...InfraCategory) QueryOption {
	return func(o *queryOptions) {
		o.categories = append(o.categories, categories...)
	}
}

type pointSearchRequest struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters int     `json:"radius_meters"`
}

type pointSearchResponse struct {
	Buildings       []Building       `json:"buildings"`
	Infrastructure  []Infrastructure `json:"infrastructure"`
	SearchRadius    int              `json:"search_radius"`
	ResultCount     int              `json:"result_count"`
	RegionStats     json.RawMessage  `json:"region_stats"`
	EnvironmentData json.RawMessage  `json:"environment_data"`
}

type regionStatsResponse struct {
	RegionStats json.RawMessage `json:"region_stats"`
	Region      *Region         `json:"region"`
}

type environmentResponse struct {
	EnvironmentData json.RawMessage `json:"environment_data"`
	Latitude        float64         `json:"latitude"`
	Longitude       float64         `json:"longitude"`
}

type categoryRequest struct {
	Category     InfraCategory `json:"category"`
	Latitude     float64       `json:"latitude"`
	Longitude    float64       `json:"longitude"`
	RadiusMeters int           `json:"radius_meters"`
}

type categoryResponse struct {
	Infrastructure []Infrastructure `json:"infrastructure"`
}

// pointQuery collects the results of one QueryPoint fan-out.
type pointQuery struct {
	log *slog.Logger

	mu       sync.Mutex
	degraded []Source
}

func (q *pointQuery) degrade(src Source) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, d := range q.degraded {
		if d == src {
			return
		}
	}
	q.degraded = append(q.degraded, src)
}

// supplementary runs fn on g. Failures and panics are logged and recorded as
// degraded; they never fail the group.
func (q *pointQuery) supplementary(g *errgroup.Group, src Source, fn func() error) {
	g.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				q.log.Error("supplementary source panicked", "source", src, "recover", r)
				q.degrade(src)
			}
		}()
		if err := fn(); err != nil {
			q.log.Warn("supplementary source failed", "source", src, "err", err)
			q.degrade(src)
		}
		return nil
	})
}

// QueryPoint searches buildings and infrastructure around at and enriches
// the result with region statistics and environment data. The point search
// is required; every other source is best-effort.
func (s *Service) QueryPoint(ctx context.Context, at Coordinate, radiusMeters int, opts ...QueryOption) (*PointResult, error) {
	if err := at.Validate(); err != nil {
		return nil, err
	}
	if radiusMeters <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRadius, radiusMeters)
	}

	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}

	q := &pointQuery{log: s.log.With("lat", at.Latitude, "lon", at.Longitude, "radius", radiusMeters)}
	g, gCtx := errgroup.WithContext(ctx)

	var (
		primary    pointSearchResponse
		regionCode string
		region     *Region
		stats      []RegionStats
		env        []Environment
		byCategory [][]Infrastructure
	)

	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				q.log.Error("point search panicked", "recover", r)
				err = fmt.Errorf("point search panicked: %v", r)
			}
		}()
		req := upstream.PostJSON(pointSearchPath, pointSearchRequest{
			Latitude:     at.Latitude,
			Longitude:    at.Longitude,
			RadiusMeters: radiusMeters,
		})
		if err := s.auth.AuthorizedRequest(gCtx, req, &primary); err != nil {
			return fmt.Errorf("point search: %w", err)
		}
		return nil
	})

	if s.regions != nil {
		if code, ok := s.regions.Resolve(at); ok {
			regionCode = code
			q.supplementary(g, SourceRegionStats, func() error {
				var err error
				region, stats, err = s.fetchRegionStats(gCtx, code)
				return err
			})
		}
	}

	q.supplementary(g, SourceEnvironment, func() error {
		var err error
		env, err = s.fetchEnvironment(gCtx, at)
		return err
	})

	if len(o.categories) > 0 {
		byCategory = make([][]Infrastructure, len(o.categories))
		q.supplementary(g, SourceCategory, func() error {
			return s.fetchCategories(gCtx, q, o.categories, at, radiusMeters, byCategory)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &PointResult{
		Coordinate:     at,
		RadiusMeters:   radiusMeters,
		RegionCode:     regionCode,
		Region:         region,
		Buildings:      nonNil(primary.Buildings),
		Infrastructure: mergeInfrastructure(primary.Infrastructure, byCategory...),
		RegionStats:    []RegionStats{},
		Environment:    []Environment{},
	}

	if embedded, err := decodeRegionStats(primary.RegionStats, SourcePointSearch); err != nil {
		q.log.Warn("embedded region stats unreadable", "err", err)
		q.degrade(SourcePointSearch)
	} else {
		result.RegionStats = append(result.RegionStats, embedded...)
	}
	result.RegionStats = append(result.RegionStats, stats...)

	if embedded, err := decodeEnvironment(primary.EnvironmentData, SourcePointSearch); err != nil {
		q.log.Warn("embedded environment data unreadable", "err", err)
		q.degrade(SourcePointSearch)
	} else {
		result.Environment = append(result.Environment, embedded...)
	}
	result.Environment = append(result.Environment, env...)

	result.Degraded = q.degraded
	return result, nil
}

// RegionStats fetches the historical series for a district code.
func (s *Service) RegionStats(ctx context.Context, bjdCode string) (*Region, []RegionStats, error) {
	return s.fetchRegionStats(ctx, bjdCode)
}

func (s *Service) fetchRegionStats(ctx context.Context, code string) (*Region, []RegionStats, error) {
	var resp regionStatsResponse
	err := s.public.Do(ctx, upstream.Get(regionStatsPath, url.Values{"bjd_code": {code}}), "", &resp)
	if upstream.StatusCode(err) == http.StatusNotFound {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("region stats for %s: %w", code, err)
	}
	stats, err := decodeRegionStats(resp.RegionStats, SourceRegionStats)
	if err != nil {
		return nil, nil, err
	}
	return resp.Region, stats, nil
}

// EnvironmentData fetches readings near a coordinate.
func (s *Service) EnvironmentData(ctx context.Context, at Coordinate) ([]Environment, error) {
	if err := at.Validate(); err != nil {
		return nil, err
	}
	return s.fetchEnvironment(ctx, at)
}

func (s *Service) fetchEnvironment(ctx context.Context, at Coordinate) ([]Environment, error) {
	query := url.Values{
		"latitude":  {strconv.FormatFloat(at.Latitude, 'f', -1, 64)},
		"longitude": {strconv.FormatFloat(at.Longitude, 'f', -1, 64)},
	}
	var resp environmentResponse
	err := s.public.Do(ctx, upstream.Get(environmentPath, query), "", &resp)
	if upstream.StatusCode(err) == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("environment data: %w", err)
	}
	return decodeEnvironment(resp.EnvironmentData, SourceEnvironment)
}

// InfrastructureByCategory lists facilities of one category around a point.
func (s *Service) InfrastructureByCategory(ctx context.Context, category InfraCategory, at Coordinate, radiusMeters int) ([]Infrastructure, error) {
	if err := at.Validate(); err != nil {
		return nil, err
	}
	if radiusMeters <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRadius, radiusMeters)
	}
	return s.fetchCategory(ctx, category, at, radiusMeters)
}

func (s *Service) fetchCategory(ctx context.Context, category InfraCategory, at Coordinate, radiusMeters int) ([]Infrastructure, error) {
	var resp categoryResponse
	req := upstream.PostJSON(categoryPath, categoryRequest{
		Category:     category,
		Latitude:     at.Latitude,
		Longitude:    at.Longitude,
		RadiusMeters: radiusMeters,
	})
	if err := s.public.Do(ctx, req, "", &resp); err != nil {
		return nil, fmt.Errorf("infrastructure for %s: %w", category, err)
	}
	return resp.Infrastructure, nil
}

// fetchCategories fills out[i] for each category with bounded concurrency.
// A failed category leaves its slot empty and is reported once.
func (s *Service) fetchCategories(ctx context.Context, q *pointQuery, categories []InfraCategory, at Coordinate, radiusMeters int, out [][]Infrastructure) error {
	var cg errgroup.Group
	cg.SetLimit(s.concurrency)

	var mu sync.Mutex
	var failed []InfraCategory

	for i, category := range categories {
		i, category := i, category
		cg.Go(func() error {
			items, err := s.fetchCategory(ctx, category, at, radiusMeters)
			if err != nil {
				q.log.Warn("category fetch failed", "category", category, "err", err)
				mu.Lock()
				failed = append(failed, category)
				mu.Unlock()
				return nil
			}
			out[i] = items
			return nil
		})
	}
	_ = cg.Wait()

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d category calls failed: %v", len(failed), len(categories), failed)
	}
	return nil
}

// mergeInfrastructure appends extra lists to base, skipping ids already present.
func mergeInfrastructure(base []Infrastructure, extra ...[]Infrastructure) []Infrastructure {
	out := make([]Infrastructure, 0, len(base))
	seen := make(map[int64]bool, len(base))
	add := func(items []Infrastructure) {
		for _, it := range items {
			if seen[it.ID] {
				continue
			}
			seen[it.ID] = true
			out = append(out, it)
		}
	}
	add(base)
	for _, items := range extra {
		add(items)
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
