package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ParkMazorika/areapulse/internal/location"
)

const maxLookupLimit = 100

// Querier abstracts the subset of pgxpool.Pool used by Repository.
// This allows injection of a mock in tests.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Workplace is the reference point a user commutes to.
type Workplace struct {
	UserID     int64               `json:"user_id"`
	Address    string              `json:"address"`
	Coordinate location.Coordinate `json:"coordinate"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// LookupSummary records what a point query returned.
type LookupSummary struct {
	Buildings      int               `json:"buildings"`
	Infrastructure int               `json:"infrastructure"`
	RegionStats    int               `json:"region_stats"`
	Environment    int               `json:"environment"`
	Degraded       []location.Source `json:"degraded,omitempty"`
}

// Summarize counts the lists of a point result.
func Summarize(r *location.PointResult) LookupSummary {
	return LookupSummary{
		Buildings:      len(r.Buildings),
		Infrastructure: len(r.Infrastructure),
		RegionStats:    len(r.RegionStats),
		Environment:    len(r.Environment),
		Degraded:       r.Degraded,
	}
}

// Lookup is one recorded point query.
type Lookup struct {
	ID           int64               `json:"id"`
	UserID       int64               `json:"user_id"`
	Coordinate   location.Coordinate `json:"coordinate"`
	RadiusMeters int                 `json:"radius_meters"`
	RegionCode   string              `json:"region_code,omitempty"`
	Summary      LookupSummary       `json:"summary"`
	CreatedAt    time.Time           `json:"created_at"`
}

// Repository provides database access for workplaces and lookup history.
type Repository struct {
	q Querier
}

// NewRepository constructs a Repository backed by the given pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{q: pool}
}

// NewRepositoryWithQuerier constructs a Repository with a custom Querier (for tests).
func NewRepositoryWithQuerier(q Querier) *Repository {
	return &Repository{q: q}
}

// GetWorkplace returns the user's workplace, or nil, nil when none is set.
func (r *Repository) GetWorkplace(ctx context.Context, userID int64) (*Workplace, error) {
	const q = `
		SELECT user_id, address, latitude, longitude, updated_at
		FROM workplaces
		WHERE user_id = $1
	`

	var w Workplace
	err := r.q.QueryRow(ctx, q, userID).Scan(
		&w.UserID,
		&w.Address,
		&w.Coordinate.Latitude,
		&w.Coordinate.Longitude,
		&w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying workplace for user %d: %w", userID, err)
	}
	return &w, nil
}

// UpsertWorkplace sets the user's workplace, replacing any previous one.
func (r *Repository) UpsertWorkplace(ctx context.Context, userID int64, address string, at location.Coordinate) error {
	if err := at.Validate(); err != nil {
		return err
	}

	const q = `
		INSERT INTO workplaces (user_id, address, latitude, longitude, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET address    = EXCLUDED.address,
		    latitude   = EXCLUDED.latitude,
		    longitude  = EXCLUDED.longitude,
		    updated_at = EXCLUDED.updated_at
	`

	if _, err := r.q.Exec(ctx, q, userID, address, at.Latitude, at.Longitude); err != nil {
		return fmt.Errorf("upserting workplace for user %d: %w", userID, err)
	}
	return nil
}

// DeleteWorkplace clears the user's workplace and reports whether one existed.
func (r *Repository) DeleteWorkplace(ctx context.Context, userID int64) (bool, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM workplaces WHERE user_id = $1`, userID)
	if err != nil {
		return false, fmt.Errorf("deleting workplace for user %d: %w", userID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordLookup stores a completed point query.
func (r *Repository) RecordLookup(ctx context.Context, userID int64, res *location.PointResult) error {
	summary, err := json.Marshal(Summarize(res))
	if err != nil {
		return fmt.Errorf("marshaling lookup summary: %w", err)
	}

	const q = `
		INSERT INTO point_lookups (user_id, latitude, longitude, radius_meters, region_code, summary)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if _, err := r.q.Exec(ctx, q, userID, res.Coordinate.Latitude, res.Coordinate.Longitude, res.RadiusMeters, res.RegionCode, summary); err != nil {
		return fmt.Errorf("recording lookup for user %d: %w", userID, err)
	}
	return nil
}

// RecentLookups returns the user's newest lookups first. limit is clamped to [1, 100].
func (r *Repository) RecentLookups(ctx context.Context, userID int64, limit int) ([]*Lookup, error) {
	if limit <= 0 || limit > maxLookupLimit {
		limit = maxLookupLimit
	}

	const q = `
		SELECT id, user_id, latitude, longitude, radius_meters, region_code, summary, created_at
		FROM point_lookups
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.q.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying lookups for user %d: %w", userID, err)
	}
	return scanLookups(rows)
}

// DegradedLookups returns the user's lookups in which source failed. Uses the
// JSONB @> containment operator.
func (r *Repository) DegradedLookups(ctx context.Context, userID int64, source location.Source) ([]*Lookup, error) {
	filter, err := json.Marshal(map[string]any{"degraded": []location.Source{source}})
	if err != nil {
		return nil, fmt.Errorf("marshaling JSONB filter: %w", err)
	}

	const q = `
		SELECT id, user_id, latitude, longitude, radius_meters, region_code, summary, created_at
		FROM point_lookups
		WHERE user_id = $1
		AND summary @> $2::jsonb
		ORDER BY created_at DESC
		LIMIT 100
	`

	rows, err := r.q.Query(ctx, q, userID, string(filter))
	if err != nil {
		return nil, fmt.Errorf("querying degraded lookups: %w", err)
	}
	return scanLookups(rows)
}

func scanLookups(rows pgx.Rows) ([]*Lookup, error) {
	defer rows.Close()

	var results []*Lookup
	for rows.Next() {
		var l Lookup
		var summaryJSON []byte

		if err := rows.Scan(
			&l.ID,
			&l.UserID,
			&l.Coordinate.Latitude,
			&l.Coordinate.Longitude,
			&l.RadiusMeters,
			&l.RegionCode,
			&summaryJSON,
			&l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning lookup row: %w", err)
		}

		if err := json.Unmarshal(summaryJSON, &l.Summary); err != nil {
			return nil, fmt.Errorf("unmarshaling lookup summary: %w", err)
		}
		results = append(results, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lookup rows: %w", err)
	}
	return results, nil
}
