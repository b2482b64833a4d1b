package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ParkMazorika/areapulse/internal/upstream"
)

const (
	loginPath    = "/auth/login"
	registerPath = "/auth/register"
	refreshPath  = "/auth/refresh"
	logoutPath   = "/auth/logout"

	minPasswordLen = 6

	refreshTimeout = 30 * time.Second
	logoutTimeout  = 10 * time.Second
)

// Manager owns the session, authorizes upstream calls and refreshes the token
// pair when the API answers 401. At most one refresh is in flight; callers
// that hit 401 meanwhile are queued and replayed once it completes.
type Manager struct {
	client *upstream.Client
	store  Store
	log    *slog.Logger

	mu         sync.Mutex
	session    *Session
	state      State
	refreshing bool
	pending    []*pendingRequest
}

// NewManager constructs a logged-out Manager. Call Restore to pick up a
// previously stored session.
func NewManager(client *upstream.Client, store Store, log *slog.Logger) *Manager {
	if store == nil {
		store = &MemoryStore{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{client: client, store: store, log: log}
}

// Restore loads a stored session, if any.
func (m *Manager) Restore(ctx context.Context) error {
	s, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("restoring session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Authenticated() {
		m.session = s
		m.state = StateAuthenticated
	}
	return nil
}

// IsAuthenticated reports whether a non-empty access token is held.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Authenticated()
}

// CurrentSession returns a copy of the session, or nil when logged out.
func (m *Manager) CurrentSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// CurrentUser returns the logged-in user or ErrNotAuthenticated.
func (m *Manager) CurrentUser() (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.session.Authenticated() {
		return User{}, ErrNotAuthenticated
	}
	return m.session.User, nil
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refreshing && m.session != nil {
		return StateRefreshing
	}
	return m.state
}

func (m *Manager) accessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.AccessToken
}

// Login exchanges credentials for a token pair and stores the new session.
func (m *Manager) Login(ctx context.Context, email, password string) (*Session, error) {
	m.mu.Lock()
	prev := m.state
	m.state = StateLoggingIn
	m.mu.Unlock()

	form := url.Values{"username": {email}, "password": {password}}
	var tokens tokenResponse
	err := m.client.Do(ctx, upstream.PostForm(loginPath, form), "", &tokens)
	if err == nil && tokens.AccessToken == "" {
		err = &upstream.DecodingError{Err: fmt.Errorf("login response carried no access token")}
	}
	if err != nil {
		m.mu.Lock()
		m.state = prev
		m.mu.Unlock()

		switch upstream.StatusCode(err) {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("logging in: %w", err)
	}

	s := &Session{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		User:         identityFromToken(tokens.AccessToken, email),
	}

	m.mu.Lock()
	m.session = s
	m.state = StateAuthenticated
	out := *s
	m.mu.Unlock()

	if err := m.store.Save(ctx, &out); err != nil {
		m.log.Warn("persisting session failed", "err", err)
	}
	m.log.Info("logged in", "user_id", out.User.ID)
	return &out, nil
}

// Register creates an account. It does not log in.
func (m *Manager) Register(ctx context.Context, email, password, nickname string) (*User, error) {
	if err := validateRegistration(email, password, nickname); err != nil {
		return nil, err
	}

	var user User
	err := m.client.Do(ctx, upstream.PostJSON(registerPath, registerRequest{
		Email:    email,
		Password: password,
		Nickname: nickname,
	}), "", &user)
	if err != nil {
		var se *upstream.StatusError
		if errors.As(err, &se) {
			switch {
			case se.Status == http.StatusConflict:
				return nil, ErrEmailTaken
			case se.Status == http.StatusBadRequest && mentionsExistingEmail(se.Body):
				return nil, ErrEmailTaken
			case se.Status == http.StatusBadRequest || se.Status == http.StatusUnprocessableEntity:
				return nil, fmt.Errorf("%w: %s", ErrValidation, strings.TrimSpace(se.Body))
			}
		}
		return nil, fmt.Errorf("registering: %w", err)
	}
	return &user, nil
}

// Logout tells the API the session is over and always clears local state.
func (m *Manager) Logout(ctx context.Context) {
	if token := m.accessToken(); token != "" {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
		if err := m.client.Do(lctx, upstream.PostJSON(logoutPath, nil), token, nil); err != nil {
			m.log.Warn("logout call failed, clearing local session anyway", "err", err)
		}
		cancel()
	}
	m.clear(ctx)
}

func (m *Manager) clear(ctx context.Context) {
	m.mu.Lock()
	m.session = nil
	m.state = StateLoggedOut
	m.mu.Unlock()

	if err := m.store.Clear(context.WithoutCancel(ctx)); err != nil {
		m.log.Warn("clearing stored session failed", "err", err)
	}
}

func validateRegistration(email, password, nickname string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return fmt.Errorf("%w: malformed email", ErrValidation)
	}
	if len([]rune(password)) < minPasswordLen {
		return fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLen)
	}
	if strings.TrimSpace(nickname) == "" {
		return fmt.Errorf("%w: nickname is required", ErrValidation)
	}
	return nil
}

func mentionsExistingEmail(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "already") || strings.Contains(b, "exist")
}
