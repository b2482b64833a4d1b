package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ParkMazorika/areapulse/internal/session"
	"github.com/ParkMazorika/areapulse/internal/upstream"
)

// ---- helpers ----

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, baseURL string, seed *session.Session) (*session.Manager, *session.MemoryStore) {
	t.Helper()
	store := &session.MemoryStore{}
	if seed != nil {
		require.NoError(t, store.Save(context.Background(), seed))
	}
	m := session.NewManager(upstream.NewClient(baseURL, 2*time.Second), store, discardLogger())
	require.NoError(t, m.Restore(context.Background()))
	return m, store
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func tokens(access, refresh string) map[string]string {
	return map[string]string{"access_token": access, "refresh_token": refresh, "token_type": "bearer"}
}

// waitOrTimeout blocks until wg is done or d elapses.
func waitOrTimeout(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
	}
}

func expiredSeed() *session.Session {
	return &session.Session{
		AccessToken:  "old-access",
		RefreshToken: "refresh-1",
		User:         session.User{ID: 7, Email: "kim@example.com"},
	}
}

// ---- Login ----

func TestLogin_StoresSessionAndDerivesIdentity(t *testing.T) {
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      "42",
		"nickname": "pulse",
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/login", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "kim@example.com", r.PostForm.Get("username"))
		assert.Equal(t, "secret1", r.PostForm.Get("password"))
		writeJSON(w, http.StatusOK, tokens(access, "refresh-1"))
	}))
	defer srv.Close()

	m, store := newTestManager(t, srv.URL, nil)
	assert.False(t, m.IsAuthenticated())

	s, err := m.Login(context.Background(), "kim@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), s.User.ID)
	assert.Equal(t, "pulse", s.User.Nickname)
	assert.Equal(t, "kim@example.com", s.User.Email)

	assert.True(t, m.IsAuthenticated())
	assert.Equal(t, session.StateAuthenticated, m.State())

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, access, stored.AccessToken)
}

func TestLogin_OpaqueTokenFallsBackToEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, tokens("opaque", "refresh-1"))
	}))
	defer srv.Close()

	m, _ := newTestManager(t, srv.URL, nil)
	s, err := m.Login(context.Background(), "kim@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "kim@example.com", s.User.Email)
	assert.Zero(t, s.User.ID)
}

func TestCurrentUser(t *testing.T) {
	m, _ := newTestManager(t, "http://127.0.0.1:0", nil)
	_, err := m.CurrentUser()
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)

	m, _ = newTestManager(t, "http://127.0.0.1:0", expiredSeed())
	u, err := m.CurrentUser()
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.ID)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Incorrect email or password"})
	}))
	defer srv.Close()

	m, _ := newTestManager(t, srv.URL, nil)
	_, err := m.Login(context.Background(), "kim@example.com", "wrong")
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)
	assert.False(t, m.IsAuthenticated())
	assert.Equal(t, session.StateLoggedOut, m.State())
}

func TestLogin_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	m, _ := newTestManager(t, srv.URL, nil)
	_, err := m.Login(context.Background(), "kim@example.com", "secret1")
	require.Error(t, err)
	assert.True(t, upstream.IsNetwork(err))
}

// ---- Register ----

func TestRegister_LocalValidation(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	m, _ := newTestManager(t, srv.URL, nil)

	cases := []struct {
		name, email, password, nickname string
	}{
		{"malformed email", "not-an-email", "secret1", "kim"},
		{"email without domain dot", "kim@localhost", "secret1", "kim"},
		{"short password", "kim@example.com", "12345", "kim"},
		{"blank nickname", "kim@example.com", "secret1", "  "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Register(context.Background(), tc.email, tc.password, tc.nickname)
			assert.ErrorIs(t, err, session.ErrValidation)
		})
	}
	assert.Zero(t, calls.Load(), "validation failures must not reach the API")
}

func TestRegister_Success_DoesNotAuthenticate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "pulse", body["nickname"])
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": 9, "email": body["email"], "nickname": body["nickname"], "created_at": "2024-12-01T10:00:00",
		})
	}))
	defer srv.Close()

	m, _ := newTestManager(t, srv.URL, nil)
	u, err := m.Register(context.Background(), "kim@example.com", "secret1", "pulse")
	require.NoError(t, err)
	assert.Equal(t, int64(9), u.ID)
	assert.False(t, m.IsAuthenticated())
}

func TestRegister_EmailTaken(t *testing.T) {
	for _, tc := range []struct {
		status int
		body   string
	}{
		{http.StatusConflict, `{"detail":"conflict"}`},
		{http.StatusBadRequest, `{"detail":"Email already registered"}`},
	} {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			m, _ := newTestManager(t, srv.URL, nil)
			_, err := m.Register(context.Background(), "kim@example.com", "secret1", "pulse")
			assert.ErrorIs(t, err, session.ErrEmailTaken)
		})
	}
}

func TestRegister_ServerValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"nickname too long"}`))
	}))
	defer srv.Close()

	m, _ := newTestManager(t, srv.URL, nil)
	_, err := m.Register(context.Background(), "kim@example.com", "secret1", "pulse")
	assert.ErrorIs(t, err, session.ErrValidation)
	assert.Contains(t, err.Error(), "nickname too long")
}

// ---- Logout ----

func TestLogout_AlwaysClears(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"success": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer old-access", r.Header.Get("Authorization"))
			writeJSON(w, http.StatusOK, map[string]any{"message": "bye", "user_id": 7})
		},
		"server error": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		},
		"timeout": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(5 * time.Second):
			case <-r.Context().Done():
			}
		},
	}

	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()

			store := &session.MemoryStore{}
			require.NoError(t, store.Save(context.Background(), expiredSeed()))
			m := session.NewManager(upstream.NewClient(srv.URL, 100*time.Millisecond), store, discardLogger())
			require.NoError(t, m.Restore(context.Background()))
			require.True(t, m.IsAuthenticated())

			m.Logout(context.Background())

			assert.False(t, m.IsAuthenticated())
			assert.Nil(t, m.CurrentSession())
			assert.Equal(t, session.StateLoggedOut, m.State())
			stored, err := store.Load(context.Background())
			require.NoError(t, err)
			assert.Nil(t, stored)
		})
	}
}

func TestLogout_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	m, _ := newTestManager(t, srv.URL, expiredSeed())
	m.Logout(context.Background())
	assert.False(t, m.IsAuthenticated())
}

// ---- AuthorizedRequest ----

func TestAuthorizedRequest_RefreshesAndReplays(t *testing.T) {
	var refreshCalls, dataCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh-1", body["refresh_token"])
		writeJSON(w, http.StatusOK, tokens("new-access", "refresh-2"))
	})
	mux.HandleFunc("/user/saved-buildings", func(w http.ResponseWriter, r *http.Request) {
		dataCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer new-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"total_count": 3})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m, store := newTestManager(t, srv.URL, expiredSeed())

	var out struct {
		TotalCount int `json:"total_count"`
	}
	err := m.AuthorizedRequest(context.Background(), upstream.Get("/user/saved-buildings", nil), &out)
	require.NoError(t, err)
	assert.Equal(t, 3, out.TotalCount)
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, int32(2), dataCalls.Load())

	s := m.CurrentSession()
	require.NotNil(t, s)
	assert.Equal(t, "new-access", s.AccessToken)
	assert.Equal(t, "refresh-2", s.RefreshToken)
	assert.Equal(t, session.StateAuthenticated, m.State())

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", stored.AccessToken)
}

func TestAuthorizedRequest_ConcurrentCallersShareOneRefresh(t *testing.T) {
	const n = 8

	var refreshCalls atomic.Int32
	var stale sync.WaitGroup
	stale.Add(n)

	var mu sync.Mutex
	replays := map[string]int{}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		// Hold the refresh until every caller has been rejected once.
		waitOrTimeout(&stale, 3*time.Second)
		writeJSON(w, http.StatusOK, tokens("new-access", "refresh-2"))
	})
	mux.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		switch r.Header.Get("Authorization") {
		case "Bearer old-access":
			stale.Done()
			w.WriteHeader(http.StatusUnauthorized)
		case "Bearer new-access":
			mu.Lock()
			replays[id]++
			mu.Unlock()
			writeJSON(w, http.StatusOK, map[string]string{"id": id})
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m, _ := newTestManager(t, srv.URL, expiredSeed())

	var wg sync.WaitGroup
	errs := make([]error, n)
	got := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var out struct {
				ID string `json:"id"`
			}
			req := upstream.Get("/items", map[string][]string{"id": {fmt.Sprint(i)}})
			errs[i] = m.AuthorizedRequest(context.Background(), req, &out)
			got[i] = out.ID
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), refreshCalls.Load(), "exactly one refresh must be issued")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprint(i), got[i], "each caller gets the response to its own request")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, replays, n)
	for id, count := range replays {
		assert.Equal(t, 1, count, "request %s replayed %d times", id, count)
	}
}

func TestAuthorizedRequest_RefreshRejectedFailsAllQueued(t *testing.T) {
	const k = 5

	var refreshCalls atomic.Int32
	var stale sync.WaitGroup
	stale.Add(k)

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		waitOrTimeout(&stale, 3*time.Second)
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		stale.Done()
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m, store := newTestManager(t, srv.URL, expiredSeed())

	var wg sync.WaitGroup
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.AuthorizedRequest(context.Background(), upstream.Get("/items", nil), nil)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), refreshCalls.Load())
	for _, err := range errs {
		assert.ErrorIs(t, err, session.ErrSessionExpired)
	}
	assert.False(t, m.IsAuthenticated())
	assert.Equal(t, session.StateLoggedOut, m.State())

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestAuthorizedRequest_RefreshNetworkFailure(t *testing.T) {
	refreshSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh" {
			// Drop the connection mid-request.
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer refreshSrv.Close()

	m, _ := newTestManager(t, refreshSrv.URL, expiredSeed())
	err := m.AuthorizedRequest(context.Background(), upstream.Get("/items", nil), nil)
	assert.ErrorIs(t, err, session.ErrSessionExpired)
	assert.False(t, m.IsAuthenticated())
}

func TestAuthorizedRequest_NoRefreshTokenFailsWithoutRefreshCall(t *testing.T) {
	var refreshCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
	})
	mux.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m, _ := newTestManager(t, srv.URL, &session.Session{AccessToken: "old-access"})
	err := m.AuthorizedRequest(context.Background(), upstream.Get("/items", nil), nil)
	assert.ErrorIs(t, err, session.ErrSessionExpired)
	assert.Zero(t, refreshCalls.Load())
	assert.False(t, m.IsAuthenticated())
}

func TestAuthorizedRequest_RepeatedUnauthorizedAfterReplay(t *testing.T) {
	var refreshCalls, dataCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		writeJSON(w, http.StatusOK, tokens("new-access", "refresh-2"))
	})
	mux.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		dataCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m, _ := newTestManager(t, srv.URL, expiredSeed())
	err := m.AuthorizedRequest(context.Background(), upstream.Get("/items", nil), nil)
	assert.ErrorIs(t, err, session.ErrSessionExpired)
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, int32(2), dataCalls.Load(), "the request is replayed exactly once")
}

func TestAuthorizedRequest_ServerErrorPassesThrough(t *testing.T) {
	var refreshCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
	})
	mux.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "db down", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m, _ := newTestManager(t, srv.URL, expiredSeed())
	err := m.AuthorizedRequest(context.Background(), upstream.Get("/items", nil), nil)

	var se *upstream.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
	assert.Contains(t, se.Body, "db down")
	assert.Zero(t, refreshCalls.Load())
	assert.True(t, m.IsAuthenticated())
}

func TestAuthorizedRequest_CallerCancelWhileQueued(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeJSON(w, http.StatusOK, tokens("new-access", "refresh-2"))
	})
	mux.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(release)

	m, _ := newTestManager(t, srv.URL, expiredSeed())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := m.AuthorizedRequest(ctx, upstream.Get("/items", nil), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, session.StateRefreshing, m.State())
}
