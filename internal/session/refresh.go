package session

import (
	"context"
	"fmt"

	"github.com/ParkMazorika/areapulse/internal/upstream"
)

// pendingRequest is a request that hit 401 and waits for the refresh to
// finish. The descriptor is replayed as-is; the raw body travels back on done
// so the waiting caller decodes into its own destination.
type pendingRequest struct {
	ctx  context.Context
	req  upstream.Request
	done chan replayResult
}

type replayResult struct {
	body []byte
	err  error
}

// AuthorizedRequest sends req with the current access token and decodes the
// response into dst. A 401 triggers the refresh protocol and a single replay
// of req with the new token; a second 401 fails with ErrSessionExpired.
func (m *Manager) AuthorizedRequest(ctx context.Context, req upstream.Request, dst any) error {
	body, err := m.send(ctx, req)
	if err != nil {
		return err
	}
	return upstream.Decode(body, dst)
}

func (m *Manager) send(ctx context.Context, req upstream.Request) ([]byte, error) {
	token := m.accessToken()
	body, err := m.client.Send(ctx, req, token)
	if !upstream.IsUnauthorized(err) {
		return body, err
	}

	m.log.Info("access token rejected", "request_id", req.ID, "path", req.Path)

	p := &pendingRequest{ctx: ctx, req: req, done: make(chan replayResult, 1)}
	m.enqueue(p, token)

	select {
	case res := <-p.done:
		return res.body, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueue parks p behind the in-flight refresh, starting one if needed.
func (m *Manager) enqueue(p *pendingRequest, staleToken string) {
	m.mu.Lock()

	if m.refreshing {
		m.pending = append(m.pending, p)
		m.mu.Unlock()
		return
	}

	// The token rotated after p was sent; no refresh needed.
	if m.session != nil && m.session.AccessToken != "" && m.session.AccessToken != staleToken {
		token := m.session.AccessToken
		m.mu.Unlock()
		go m.replay(p, token)
		return
	}

	if m.session == nil || m.session.RefreshToken == "" {
		hadSession := m.session != nil
		m.mu.Unlock()
		if hadSession {
			m.log.Warn("no refresh token held, ending session")
			m.clear(p.ctx)
		}
		p.done <- replayResult{err: fmt.Errorf("%w: no refresh token", ErrSessionExpired)}
		return
	}

	m.pending = append(m.pending, p)
	m.refreshing = true
	m.state = StateRefreshing
	refreshToken := m.session.RefreshToken
	m.mu.Unlock()

	go m.refresh(context.WithoutCancel(p.ctx), refreshToken)
}

// refresh performs the single refresh call and settles every queued request.
func (m *Manager) refresh(ctx context.Context, refreshToken string) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	var tokens tokenResponse
	err := m.client.Do(ctx, upstream.PostJSON(refreshPath, refreshRequest{RefreshToken: refreshToken}), "", &tokens)
	if err == nil && tokens.AccessToken == "" {
		err = fmt.Errorf("refresh response carried no access token")
	}

	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.refreshing = false

	current := m.session != nil && m.session.RefreshToken == refreshToken
	if err == nil && current {
		m.session.AccessToken = tokens.AccessToken
		if tokens.RefreshToken != "" {
			m.session.RefreshToken = tokens.RefreshToken
		}
		m.state = StateAuthenticated
		saved := *m.session
		m.mu.Unlock()

		if serr := m.store.Save(ctx, &saved); serr != nil {
			m.log.Warn("persisting refreshed session failed", "err", serr)
		}
		m.log.Info("access token refreshed", "replaying", len(pending))
		for _, p := range pending {
			go m.replay(p, saved.AccessToken)
		}
		return
	}

	if current {
		m.session = nil
		m.state = StateLoggedOut
	} else if m.session == nil {
		m.state = StateLoggedOut
	} else {
		m.state = StateAuthenticated
	}
	m.mu.Unlock()

	cause := err
	if cause == nil {
		cause = fmt.Errorf("session replaced during refresh")
	}
	m.log.Warn("token refresh failed, ending session", "err", cause, "waiting", len(pending))
	if current {
		if cerr := m.store.Clear(ctx); cerr != nil {
			m.log.Warn("clearing stored session failed", "err", cerr)
		}
	}

	expired := fmt.Errorf("%w: %v", ErrSessionExpired, cause)
	for _, p := range pending {
		p.done <- replayResult{err: expired}
	}
}

// replay re-sends a queued descriptor exactly once with the given token.
func (m *Manager) replay(p *pendingRequest, token string) {
	body, err := m.client.Send(p.ctx, p.req, token)
	if upstream.IsUnauthorized(err) {
		err = fmt.Errorf("%w: %s %s rejected after refresh", ErrSessionExpired, p.req.Method, p.req.Path)
	}
	p.done <- replayResult{body: body, err: err}
}
