package location

import (
	"context"
	"errors"
	"sync"
)

// ErrSuperseded is returned to a query that was overtaken by a newer one.
var ErrSuperseded = errors.New("query superseded by a newer one")

// PointQuerier is satisfied by *Service.
type PointQuerier interface {
	QueryPoint(ctx context.Context, at Coordinate, radiusMeters int, opts ...QueryOption) (*PointResult, error)
}

// Tracker serializes taps on a map: starting a query cancels the one in
// flight, and only the newest query may publish its result.
type Tracker struct {
	querier PointQuerier

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
	latest *PointResult
}

func NewTracker(q PointQuerier) *Tracker {
	return &Tracker{querier: q}
}

// Tap starts a query for at, abandoning any earlier one still running.
func (t *Tracker) Tap(ctx context.Context, at Coordinate, radiusMeters int, opts ...QueryOption) (*PointResult, error) {
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.seq++
	id := t.seq
	t.cancel = cancel
	t.mu.Unlock()

	res, err := t.querier.QueryPoint(qctx, at, radiusMeters, opts...)

	t.mu.Lock()
	defer t.mu.Unlock()
	if id != t.seq {
		return nil, ErrSuperseded
	}
	t.cancel = nil
	if err != nil {
		return nil, err
	}
	t.latest = res
	return res, nil
}

// Latest returns the result of the newest completed query, or nil.
func (t *Tracker) Latest() *PointResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest
}
