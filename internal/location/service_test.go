package location_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ParkMazorika/areapulse/internal/location"
	"github.com/ParkMazorika/areapulse/internal/session"
	"github.com/ParkMazorika/areapulse/internal/upstream"
)

var seoulCityHall = location.Coordinate{Latitude: 37.5665, Longitude: 126.9780}

// bearerRequester authorizes every call with a fixed token.
type bearerRequester struct {
	client *upstream.Client
	token  string
}

func (b bearerRequester) AuthorizedRequest(ctx context.Context, req upstream.Request, dst any) error {
	return b.client.Do(ctx, req, b.token, dst)
}

type staticRegions struct{ code string }

func (s staticRegions) Resolve(location.Coordinate) (string, bool) { return s.code, s.code != "" }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fakeAPI serves the location endpoints; nil handlers fall back to defaults.
type fakeAPI struct {
	pointSearch http.HandlerFunc
	regionStats http.HandlerFunc
	environment http.HandlerFunc
	category    http.HandlerFunc
}

func (f fakeAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	pick := func(h, def http.HandlerFunc) http.HandlerFunc {
		if h != nil {
			return h
		}
		return def
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/search/point", pick(f.pointSearch, defaultPointSearch))
	mux.HandleFunc("/region/stats", pick(f.regionStats, defaultRegionStats))
	mux.HandleFunc("/environment/data", pick(f.environment, defaultEnvironment))
	mux.HandleFunc("/infrastructure/category", pick(f.category, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"infrastructure": []any{}})
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func defaultPointSearch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"buildings": []map[string]any{
			{"building_id": 1, "bjd_code": "1114010300", "building_name": "시청 앞 아파트", "building_type": "아파트", "build_year": "2010", "latitude": 37.567, "longitude": 126.979},
			{"building_id": 2, "building_type": "상가"},
		},
		"infrastructure": []map[string]any{
			{"infra_id": 10, "infra_category": "subway_station", "name": "시청역", "latitude": 37.5657, "longitude": 126.9769},
			{"infra_category": "park", "name": "서울광장", "latitude": 37.5663, "longitude": 126.9779},
		},
		"search_radius": 1000,
		"result_count":  4,
	})
}

func defaultRegionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"region_stats": []map[string]any{
			{"stats_id": 1, "bjd_code": r.URL.Query().Get("bjd_code"), "stats_year": 2024, "stats_type": "crime_total", "stats_value": 45.0},
		},
		"region": map[string]any{"bjd_code": r.URL.Query().Get("bjd_code"), "region_name_full": "서울특별시 중구 태평로1가"},
	})
}

func defaultEnvironment(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"environment_data": []map[string]any{
			{"data_id": 1, "station_id": 3, "measurement_time": "2024-12-01T10:00:00", "pm10_value": 25, "pm2_5_value": 12, "noise_db": 55.5},
		},
		"latitude":  37.5665,
		"longitude": 126.9780,
	})
}

func newTestService(srv *httptest.Server, regions location.RegionResolver) *location.Service {
	client := upstream.NewClient(srv.URL, 2*time.Second)
	return location.NewService(bearerRequester{client: client, token: "t"}, client, regions, discardLogger())
}

func TestQueryPoint_MergesAllSources(t *testing.T) {
	srv := fakeAPI{
		pointSearch: func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer t", r.Header.Get("Authorization"))
			var body map[string]float64
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, 37.5665, body["latitude"])
			assert.Equal(t, 1000.0, body["radius_meters"])
			defaultPointSearch(w, r)
		},
		regionStats: func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.Header.Get("Authorization"))
			assert.Equal(t, "1114010300", r.URL.Query().Get("bjd_code"))
			defaultRegionStats(w, r)
		},
	}.server(t)

	svc := newTestService(srv, staticRegions{code: "1114010300"})
	res, err := svc.QueryPoint(context.Background(), seoulCityHall, 1000)
	require.NoError(t, err)

	assert.Len(t, res.Buildings, 2)
	assert.Equal(t, location.BuildingApartment, res.Buildings[0].Type)
	assert.Equal(t, 2010, res.Buildings[0].BuildYear.Int)

	require.Len(t, res.Infrastructure, 2)
	assert.Equal(t, int64(10), res.Infrastructure[0].ID)
	assert.Equal(t, location.DeriveInfraID("서울광장", 37.5663, 126.9779), res.Infrastructure[1].ID)

	require.Len(t, res.RegionStats, 1)
	assert.Equal(t, location.SourceRegionStats, res.RegionStats[0].Source)
	require.NotNil(t, res.RegionStats[0].Series)
	assert.Equal(t, location.StatsCrimeTotal, res.RegionStats[0].Series.Type)
	require.NotNil(t, res.Region)
	assert.Equal(t, "서울특별시 중구 태평로1가", res.Region.NameFull)
	assert.Equal(t, "1114010300", res.RegionCode)

	require.Len(t, res.Environment, 1)
	require.NotNil(t, res.Environment[0].Reading)
	assert.Equal(t, location.AirGood, res.Environment[0].Reading.PM10Grade())

	assert.False(t, res.IsDegraded())
}

func TestQueryPoint_SupplementaryFailureIsTolerated(t *testing.T) {
	srv := fakeAPI{
		regionStats: func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		},
		environment: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"environment_data": []any{}, "latitude": 37.5665, "longitude": 126.978})
		},
	}.server(t)

	svc := newTestService(srv, staticRegions{code: "1114010300"})
	res, err := svc.QueryPoint(context.Background(), seoulCityHall, 1000)
	require.NoError(t, err)

	assert.Len(t, res.Buildings, 2)
	assert.Len(t, res.Infrastructure, 2)
	assert.NotNil(t, res.RegionStats)
	assert.Empty(t, res.RegionStats)
	assert.NotNil(t, res.Environment)
	assert.Empty(t, res.Environment)
	assert.Equal(t, []location.Source{location.SourceRegionStats}, res.Degraded)
}

func TestQueryPoint_AbsentSupplementaryDataIsNotDegraded(t *testing.T) {
	srv := fakeAPI{
		regionStats: func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		},
		environment: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"environment_data": nil, "latitude": 0, "longitude": 0})
		},
	}.server(t)

	svc := newTestService(srv, staticRegions{code: "1114010300"})
	res, err := svc.QueryPoint(context.Background(), seoulCityHall, 1000)
	require.NoError(t, err)
	assert.Empty(t, res.RegionStats)
	assert.Empty(t, res.Environment)
	assert.False(t, res.IsDegraded())
}

func TestQueryPoint_PrimaryFailureFailsQuery(t *testing.T) {
	srv := fakeAPI{
		pointSearch: func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "search down", http.StatusBadGateway)
		},
	}.server(t)

	svc := newTestService(srv, nil)
	res, err := svc.QueryPoint(context.Background(), seoulCityHall, 500)
	assert.Nil(t, res)

	var se *upstream.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Status)
}

func TestQueryPoint_IssuesCallsConcurrently(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(3)
	barrier := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			arrived.Done()
			done := make(chan struct{})
			go func() { arrived.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			next(w, r)
		}
	}
	srv := fakeAPI{
		pointSearch: barrier(defaultPointSearch),
		regionStats: barrier(defaultRegionStats),
		environment: barrier(defaultEnvironment),
	}.server(t)

	svc := newTestService(srv, staticRegions{code: "1114010300"})
	start := time.Now()
	_, err := svc.QueryPoint(context.Background(), seoulCityHall, 1000)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond, "calls were not issued concurrently")
}

func TestQueryPoint_SkipsRegionCallWithoutCode(t *testing.T) {
	var regionCalls atomic.Int32
	srv := fakeAPI{
		regionStats: func(w http.ResponseWriter, r *http.Request) {
			regionCalls.Add(1)
			defaultRegionStats(w, r)
		},
	}.server(t)

	svc := newTestService(srv, staticRegions{})
	res, err := svc.QueryPoint(context.Background(), seoulCityHall, 1000)
	require.NoError(t, err)
	assert.Zero(t, regionCalls.Load())
	assert.Empty(t, res.RegionCode)
}

func TestQueryPoint_EmbeddedShapes(t *testing.T) {
	srv := fakeAPI{
		pointSearch: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"buildings":      []any{},
				"infrastructure": []any{},
				"search_radius":  500,
				"result_count":   0,
				"region_stats": map[string]any{
					"region_name": "중구", "crime_count": "12", "cctv_count": 340,
					"danger_rating": "낮음", "cctv_security_rating": 4, "passenger_count": 120000, "complexity_rating": "높음",
				},
				"environment_data": map[string]any{
					"address": "서울특별시 중구 세종대로 110", "noise_max": 72.1, "noise_avg": 61.3, "noise_min": 48.0,
					"latitude": 37.5665, "longitude": 126.978,
				},
			})
		},
		environment: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"environment_data": []any{}})
		},
	}.server(t)

	svc := newTestService(srv, nil)
	res, err := svc.QueryPoint(context.Background(), seoulCityHall, 500)
	require.NoError(t, err)

	require.Len(t, res.RegionStats, 1)
	snap := res.RegionStats[0].Snapshot
	require.NotNil(t, snap)
	assert.Nil(t, res.RegionStats[0].Series)
	assert.Equal(t, location.SourcePointSearch, res.RegionStats[0].Source)
	assert.Equal(t, 12, snap.CrimeCount.Int)
	assert.Equal(t, 340, snap.CCTVCount.Int)
	assert.Equal(t, "4", string(snap.CCTVSecurityRating))

	require.Len(t, res.Environment, 1)
	sum := res.Environment[0].Summary
	require.NotNil(t, sum)
	assert.Equal(t, "서울특별시 중구 세종대로 110", sum.Address)
	require.NotNil(t, sum.NoiseAvg)
	assert.Equal(t, 61.3, *sum.NoiseAvg)
}

func TestQueryPoint_CategoriesAreMergedAndDeduplicated(t *testing.T) {
	srv := fakeAPI{
		category: func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			switch body["category"] {
			case "subway_station":
				writeJSON(w, http.StatusOK, map[string]any{"infrastructure": []map[string]any{
					{"infra_id": 10, "infra_category": "subway_station", "name": "시청역", "latitude": 37.5657, "longitude": 126.9769},
					{"infra_id": 11, "infra_category": "subway_station", "name": "을지로입구역", "latitude": 37.566, "longitude": 126.982},
				}})
			default:
				http.Error(w, "nope", http.StatusInternalServerError)
			}
		},
	}.server(t)

	svc := newTestService(srv, nil)
	svc.SetCategoryConcurrency(1)
	res, err := svc.QueryPoint(context.Background(), seoulCityHall, 1000,
		location.WithCategories(location.CategorySubwayStation, location.CategoryHospital))
	require.NoError(t, err)

	ids := make([]int64, 0, len(res.Infrastructure))
	for _, in := range res.Infrastructure {
		ids = append(ids, in.ID)
	}
	assert.Contains(t, ids, int64(11))
	assert.Len(t, res.Infrastructure, 3, "primary two plus one new station")
	assert.Contains(t, res.Degraded, location.SourceCategory)
}

func TestQueryPoint_RejectsBadInputWithoutCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()
	svc := newTestService(srv, nil)

	_, err := svc.QueryPoint(context.Background(), location.Coordinate{Latitude: 91, Longitude: 0}, 100)
	assert.ErrorIs(t, err, location.ErrInvalidCoordinate)

	_, err = svc.QueryPoint(context.Background(), location.Coordinate{Latitude: 0, Longitude: -180.5}, 100)
	assert.ErrorIs(t, err, location.ErrInvalidCoordinate)

	_, err = svc.QueryPoint(context.Background(), seoulCityHall, 0)
	assert.ErrorIs(t, err, location.ErrInvalidRadius)

	assert.Zero(t, calls.Load())
}

func TestQueryPoint_CancellationAbandonsCalls(t *testing.T) {
	block := func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}
	srv := fakeAPI{pointSearch: block, environment: block}.server(t)
	svc := newTestService(srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := svc.QueryPoint(ctx, seoulCityHall, 1000)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestQueryPoint_RefreshesExpiredToken(t *testing.T) {
	var refreshCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		writeJSON(w, http.StatusOK, map[string]string{"access_token": "fresh", "refresh_token": "r2"})
	})
	mux.HandleFunc("/search/point", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		defaultPointSearch(w, r)
	})
	mux.HandleFunc("/environment/data", defaultEnvironment)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := upstream.NewClient(srv.URL, 2*time.Second)
	store := &session.MemoryStore{}
	require.NoError(t, store.Save(context.Background(), &session.Session{AccessToken: "stale", RefreshToken: "r1"}))
	mgr := session.NewManager(client, store, discardLogger())
	require.NoError(t, mgr.Restore(context.Background()))

	svc := location.NewService(mgr, client, nil, discardLogger())
	res, err := svc.QueryPoint(context.Background(), seoulCityHall, 1000)
	require.NoError(t, err)
	assert.Len(t, res.Buildings, 2)
	assert.Equal(t, int32(1), refreshCalls.Load())
}
