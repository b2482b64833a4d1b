package location

import (
	"encoding/json"
	"hash/fnv"
	"math"
	"strconv"
	"strings"

	"github.com/ParkMazorika/areapulse/internal/upstream"
)

// BuildingType is the normalized building classification.
type BuildingType string

const (
	BuildingApartment  BuildingType = "apartment"
	BuildingOfficetel  BuildingType = "officetel"
	BuildingVilla      BuildingType = "villa"
	BuildingRowHouse   BuildingType = "row_house"
	BuildingHouse      BuildingType = "house"
	BuildingCommercial BuildingType = "commercial"
	BuildingUnknown    BuildingType = "unknown"
)

// buildingTypeAliases maps every spelling the API has used to a BuildingType.
var buildingTypeAliases = map[string]BuildingType{
	"아파트":        BuildingApartment,
	"오피스텔":       BuildingOfficetel,
	"빌라":         BuildingVilla,
	"연립다세대":      BuildingRowHouse,
	"단독주택":       BuildingHouse,
	"상가":         BuildingCommercial,
	"apartment":  BuildingApartment,
	"officetel":  BuildingOfficetel,
	"villa":      BuildingVilla,
	"row_house":  BuildingRowHouse,
	"row-house":  BuildingRowHouse,
	"house":      BuildingHouse,
	"commercial": BuildingCommercial,
}

// ParseBuildingType resolves a raw building type in either language.
func ParseBuildingType(s string) (BuildingType, bool) {
	t, ok := buildingTypeAliases[strings.ToLower(strings.TrimSpace(s))]
	return t, ok
}

// UnmarshalJSON maps unrecognized types to BuildingUnknown rather than failing.
func (t *BuildingType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if parsed, ok := ParseBuildingType(s); ok {
		*t = parsed
	} else {
		*t = BuildingUnknown
	}
	return nil
}

// InfraCategory is the infrastructure classification.
type InfraCategory string

const (
	CategorySchool        InfraCategory = "school"
	CategoryPark          InfraCategory = "park"
	CategorySubwayStation InfraCategory = "subway_station"
	CategoryBusStop       InfraCategory = "bus_stop"
	CategoryHospital      InfraCategory = "hospital"
	CategoryMart          InfraCategory = "mart"
	CategoryBank          InfraCategory = "bank"
	CategoryPublicOffice  InfraCategory = "public_office"
	CategoryCCTV          InfraCategory = "cctv"
)

var knownCategories = map[InfraCategory]bool{
	CategorySchool: true, CategoryPark: true, CategorySubwayStation: true,
	CategoryBusStop: true, CategoryHospital: true, CategoryMart: true,
	CategoryBank: true, CategoryPublicOffice: true, CategoryCCTV: true,
}

// ParseInfraCategory accepts the snake_case name or its hyphenated form.
func ParseInfraCategory(s string) (InfraCategory, bool) {
	c := InfraCategory(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	return c, knownCategories[c]
}

// StatsType names a historical region statistic.
type StatsType string

const (
	StatsCrimeTotal StatsType = "crime_total"
	StatsCrimeTheft StatsType = "crime_theft"
	StatsNoiseDay   StatsType = "noise_day"
	StatsNoiseNight StatsType = "noise_night"
)

// Building may arrive with only partial data; absent numeric fields and
// coordinates stay unset.
type Building struct {
	ID         int64               `json:"building_id"`
	BJDCode    upstream.FlexString `json:"bjd_code,omitempty"`
	Address    string              `json:"address,omitempty"`
	Name       string              `json:"building_name,omitempty"`
	Type       BuildingType        `json:"building_type"`
	BuildYear  upstream.FlexInt    `json:"build_year,omitzero"`
	TotalUnits upstream.FlexInt    `json:"total_units,omitzero"`
	Latitude   *float64            `json:"latitude,omitempty"`
	Longitude  *float64            `json:"longitude,omitempty"`
}

// Coordinate reports the building position when both axes are present.
func (b Building) Coordinate() (Coordinate, bool) {
	if b.Latitude == nil || b.Longitude == nil {
		return Coordinate{}, false
	}
	return Coordinate{Latitude: *b.Latitude, Longitude: *b.Longitude}, true
}

// Infrastructure is a categorized facility near a point. ExtraData carries
// category-specific attributes such as school_type or congestion.
type Infrastructure struct {
	ID        int64            `json:"infra_id"`
	Category  InfraCategory    `json:"infra_category"`
	Name      string           `json:"name"`
	Address   string           `json:"address,omitempty"`
	Latitude  float64          `json:"latitude"`
	Longitude float64          `json:"longitude"`
	ExtraData map[string]Value `json:"extra_data,omitempty"`
}

// UnmarshalJSON derives the id from name and position when the API omits it.
func (i *Infrastructure) UnmarshalJSON(b []byte) error {
	type plain Infrastructure
	var wire struct {
		plain
		ID *int64 `json:"infra_id"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	*i = Infrastructure(wire.plain)
	if wire.ID != nil {
		i.ID = *wire.ID
	} else {
		i.ID = DeriveInfraID(i.Name, i.Latitude, i.Longitude)
	}
	return nil
}

// Coordinate returns the facility position.
func (i Infrastructure) Coordinate() Coordinate {
	return Coordinate{Latitude: i.Latitude, Longitude: i.Longitude}
}

// DeriveInfraID hashes name and position into a stable positive id.
func DeriveInfraID(name string, lat, lon float64) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatFloat(lat, 'f', -1, 64)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatFloat(lon, 'f', -1, 64)))
	return int64(h.Sum64() & math.MaxInt64)
}

// Transaction is a recorded real-estate deal. Price is in units of 10,000 KRW.
type Transaction struct {
	ID         int64              `json:"tx_id"`
	BuildingID int64              `json:"building_id"`
	Date       upstream.Timestamp `json:"transaction_date"`
	Price      int64              `json:"price"`
	AreaSqm    float64            `json:"area_sqm"`
	Floor      int                `json:"floor"`
}

type Review struct {
	ID         int64              `json:"review_id"`
	UserID     int64              `json:"user_id"`
	BuildingID int64              `json:"building_id"`
	Rating     int                `json:"rating"`
	Content    string             `json:"content"`
	CreatedAt  upstream.Timestamp `json:"created_at"`
}

type SavedBuilding struct {
	ID         int64              `json:"save_id"`
	UserID     int64              `json:"user_id"`
	BuildingID int64              `json:"building_id"`
	Memo       string             `json:"memo,omitempty"`
	CreatedAt  upstream.Timestamp `json:"created_at"`
	Building   *Building          `json:"building,omitempty"`
}

// Region is an administrative district. Polygon is a GeoJSON geometry string.
type Region struct {
	BJDCode  upstream.FlexString `json:"bjd_code"`
	NameFull string              `json:"region_name_full"`
	Polygon  string              `json:"region_polygon,omitempty"`
}
