package location

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ParkMazorika/areapulse/internal/upstream"
)

// Source names the endpoint that produced a region or environment entry.
// The shapes differ per endpoint and share no discriminator on the wire.
type Source string

const (
	SourcePointSearch    Source = "point_search"
	SourceRegionStats    Source = "region_stats"
	SourceEnvironment    Source = "environment"
	SourceCategory       Source = "infrastructure_category"
	SourceBuildingDetail Source = "building_detail"
)

// StatRecord is one year of a code-keyed regional statistic.
type StatRecord struct {
	ID      int64               `json:"stats_id"`
	BJDCode upstream.FlexString `json:"bjd_code"`
	Year    int                 `json:"stats_year"`
	Type    StatsType           `json:"stats_type"`
	Value   float64             `json:"stats_value"`
}

// RegionSnapshot is the safety summary the point search derives for a location.
type RegionSnapshot struct {
	RegionName         string              `json:"region_name,omitempty"`
	CrimeCount         upstream.FlexInt    `json:"crime_count,omitzero"`
	CCTVCount          upstream.FlexInt    `json:"cctv_count,omitzero"`
	DangerRating       upstream.FlexString `json:"danger_rating,omitempty"`
	CCTVSecurityRating upstream.FlexString `json:"cctv_security_rating,omitempty"`
	PassengerCount     upstream.FlexInt    `json:"passenger_count,omitzero"`
	ComplexityRating   upstream.FlexString `json:"complexity_rating,omitempty"`
}

// RegionStats holds exactly one of Series or Snapshot.
type RegionStats struct {
	Source   Source          `json:"source"`
	Series   *StatRecord     `json:"series,omitempty"`
	Snapshot *RegionSnapshot `json:"snapshot,omitempty"`
}

// StationReading is one measurement from a monitoring station.
type StationReading struct {
	ID         int64              `json:"data_id"`
	StationID  int64              `json:"station_id"`
	MeasuredAt upstream.Timestamp `json:"measurement_time"`
	PM10       *int               `json:"pm10_value,omitempty"`
	PM25       *int               `json:"pm2_5_value,omitempty"`
	NoiseDB    *float64           `json:"noise_db,omitempty"`
}

func (r StationReading) PM10Grade() AirGrade { return gradePM(r.PM10, 30, 80, 150) }

func (r StationReading) PM25Grade() AirGrade { return gradePM(r.PM25, 15, 35, 75) }

// NoiseSummary is the address-level noise profile.
type NoiseSummary struct {
	Address   string   `json:"address,omitempty"`
	NoiseMax  *float64 `json:"noise_max,omitempty"`
	NoiseAvg  *float64 `json:"noise_avg,omitempty"`
	NoiseMin  *float64 `json:"noise_min,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Environment holds exactly one of Reading or Summary.
type Environment struct {
	Source  Source          `json:"source"`
	Reading *StationReading `json:"reading,omitempty"`
	Summary *NoiseSummary   `json:"summary,omitempty"`
}

// AirGrade buckets a particulate reading.
type AirGrade string

const (
	AirUnknown  AirGrade = "unknown"
	AirGood     AirGrade = "good"
	AirModerate AirGrade = "moderate"
	AirBad      AirGrade = "bad"
	AirVeryBad  AirGrade = "very_bad"
)

func gradePM(v *int, good, moderate, bad int) AirGrade {
	switch {
	case v == nil || *v < 0:
		return AirUnknown
	case *v <= good:
		return AirGood
	case *v <= moderate:
		return AirModerate
	case *v <= bad:
		return AirBad
	default:
		return AirVeryBad
	}
}

// elements splits a field that may hold one object, an array of objects,
// or nothing at all.
func elements(raw json.RawMessage) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		return items, nil
	case '{':
		return []json.RawMessage{raw}, nil
	}
	return nil, fmt.Errorf("expected object or array, got %.20s", raw)
}

func hasAnyKey(raw json.RawMessage, keys ...string) (bool, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false, err
	}
	for _, k := range keys {
		if _, ok := probe[k]; ok {
			return true, nil
		}
	}
	return false, nil
}

func decodeRegionStats(raw json.RawMessage, src Source) ([]RegionStats, error) {
	items, err := elements(raw)
	if err != nil {
		return nil, fmt.Errorf("region stats: %w", err)
	}

	out := make([]RegionStats, 0, len(items))
	for _, item := range items {
		series, err := hasAnyKey(item, "stats_type", "stats_value")
		if err != nil {
			return nil, fmt.Errorf("region stats: %w", err)
		}
		entry := RegionStats{Source: src}
		if series {
			var rec StatRecord
			if err := json.Unmarshal(item, &rec); err != nil {
				return nil, fmt.Errorf("region stats record: %w", err)
			}
			entry.Series = &rec
		} else {
			var snap RegionSnapshot
			if err := json.Unmarshal(item, &snap); err != nil {
				return nil, fmt.Errorf("region snapshot: %w", err)
			}
			entry.Snapshot = &snap
		}
		out = append(out, entry)
	}
	return out, nil
}

func decodeEnvironment(raw json.RawMessage, src Source) ([]Environment, error) {
	items, err := elements(raw)
	if err != nil {
		return nil, fmt.Errorf("environment data: %w", err)
	}

	out := make([]Environment, 0, len(items))
	for _, item := range items {
		reading, err := hasAnyKey(item, "station_id", "measurement_time", "data_id")
		if err != nil {
			return nil, fmt.Errorf("environment data: %w", err)
		}
		entry := Environment{Source: src}
		if reading {
			var r StationReading
			if err := json.Unmarshal(item, &r); err != nil {
				return nil, fmt.Errorf("station reading: %w", err)
			}
			entry.Reading = &r
		} else {
			var s NoiseSummary
			if err := json.Unmarshal(item, &s); err != nil {
				return nil, fmt.Errorf("noise summary: %w", err)
			}
			entry.Summary = &s
		}
		out = append(out, entry)
	}
	return out, nil
}
