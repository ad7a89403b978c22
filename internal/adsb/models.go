package adsb

import (
	"strings"
	"time"

	"github.com/yegors/skywarden/internal/geo"
)

// Emergency squawk codes
const (
	SquawkHijack       = "7500"
	SquawkRadioFailure = "7600"
	SquawkEmergency    = "7700"
)

// dbFlags bit set by tar1090 for military airframes
const dbFlagMilitary = 1

// RawAircraftData represents the raw JSON data from the ADS-B source
type RawAircraftData struct {
	Now      float64      `json:"now"`
	Messages int          `json:"messages"`
	Aircraft []ADSBTarget `json:"aircraft"`
}

// ADSBTarget represents a single aircraft in the raw ADS-B data.
// Numeric fields are FlexibleField pointers so an absent field stays distinguishable from zero.
type ADSBTarget struct {
	Hex          string         `json:"hex"`
	Type         string         `json:"type"` // message source, e.g. adsb_icao or mlat
	Flight       string         `json:"flight"`
	Registration string         `json:"r,omitempty"`
	AircraftType string         `json:"t,omitempty"`
	Operator     string         `json:"ownOp,omitempty"`
	DBFlags      int            `json:"dbFlags,omitempty"`
	Military     *bool          `json:"military,omitempty"`
	AltBaro      *FlexibleField `json:"alt_baro,omitempty"`
	AltGeom      *FlexibleField `json:"alt_geom,omitempty"`
	GS           *FlexibleField `json:"gs,omitempty"`
	BaroRate     *FlexibleField `json:"baro_rate,omitempty"`
	GeomRate     *FlexibleField `json:"geom_rate,omitempty"`
	Squawk       string         `json:"squawk,omitempty"`
	Category     string         `json:"category,omitempty"`
	Lat          *FlexibleField `json:"lat,omitempty"`
	Lon          *FlexibleField `json:"lon,omitempty"`
	Messages     int            `json:"messages,omitempty"`
	Seen         *FlexibleField `json:"seen,omitempty"`
	RSSI         *FlexibleField `json:"rssi,omitempty"`
}

// AircraftSnapshot is one aircraft as seen in a single polling cycle.
// It is built fresh every cycle and is read-only to the engines.
type AircraftSnapshot struct {
	Hex          string         `json:"hex"`
	Flight       string         `json:"flight,omitempty"`
	Squawk       string         `json:"squawk,omitempty"`
	Lat          *FlexibleField `json:"lat,omitempty"`
	Lon          *FlexibleField `json:"lon,omitempty"`
	Alt          *FlexibleField `json:"alt,omitempty"`
	AltBaro      *FlexibleField `json:"alt_baro,omitempty"`
	GS           *FlexibleField `json:"gs,omitempty"`
	VR           *FlexibleField `json:"vr,omitempty"`
	BaroRate     *FlexibleField `json:"baro_rate,omitempty"`
	GeomRate     *FlexibleField `json:"geom_rate,omitempty"`
	DistanceNM   *FlexibleField `json:"distance_nm,omitempty"`
	Military     *bool          `json:"military,omitempty"`
	DBFlags      int            `json:"dbFlags,omitempty"`
	Category     string         `json:"category,omitempty"`
	Type         string         `json:"type,omitempty"`
	Registration string         `json:"registration,omitempty"`
	Operator     string         `json:"operator,omitempty"`
}

// ICAO returns the normalized upper-case ICAO hex
func (a *AircraftSnapshot) ICAO() string {
	return strings.ToUpper(strings.TrimSpace(a.Hex))
}

// Callsign returns the trimmed flight identifier
func (a *AircraftSnapshot) Callsign() string {
	return strings.TrimSpace(a.Flight)
}

// Position returns lat/lon when both are present and numeric
func (a *AircraftSnapshot) Position() (float64, float64, bool) {
	lat, okLat := a.Lat.Number()
	lon, okLon := a.Lon.Number()
	if !okLat || !okLon {
		return 0, 0, false
	}
	return lat, lon, true
}

// AltitudeField returns alt, falling back to alt_baro
func (a *AircraftSnapshot) AltitudeField() *FlexibleField {
	if a.Alt != nil {
		return a.Alt
	}
	return a.AltBaro
}

// Altitude returns the numeric altitude in feet
func (a *AircraftSnapshot) Altitude() (float64, bool) {
	return a.AltitudeField().Number()
}

// VerticalRateField returns vr, falling back to baro_rate then geom_rate
func (a *AircraftSnapshot) VerticalRateField() *FlexibleField {
	switch {
	case a.VR != nil:
		return a.VR
	case a.BaroRate != nil:
		return a.BaroRate
	default:
		return a.GeomRate
	}
}

// VerticalRate returns the numeric vertical rate in ft/min
func (a *AircraftSnapshot) VerticalRate() (float64, bool) {
	return a.VerticalRateField().Number()
}

// IsMilitary checks the explicit flag first, then the dbFlags military bit
func (a *AircraftSnapshot) IsMilitary() bool {
	if a.Military != nil {
		return *a.Military
	}
	return a.DBFlags&dbFlagMilitary != 0
}

// IsEmergency reports whether the aircraft squawks 7500, 7600 or 7700
func (a *AircraftSnapshot) IsEmergency() bool {
	return IsEmergencySquawk(a.Squawk)
}

// IsEmergencySquawk reports whether code is one of the reserved emergency squawks
func IsEmergencySquawk(code string) bool {
	switch strings.TrimSpace(code) {
	case SquawkHijack, SquawkRadioFailure, SquawkEmergency:
		return true
	}
	return false
}

// ToSnapshots converts raw targets into snapshots, computing distance from the station.
// Targets without a hex are dropped since nothing downstream can key them.
func ToSnapshots(raw *RawAircraftData, stationLat, stationLon float64) []AircraftSnapshot {
	if raw == nil {
		return nil
	}

	snapshots := make([]AircraftSnapshot, 0, len(raw.Aircraft))
	for i := range raw.Aircraft {
		t := &raw.Aircraft[i]
		if strings.TrimSpace(t.Hex) == "" {
			continue
		}

		s := AircraftSnapshot{
			Hex:          t.Hex,
			Flight:       t.Flight,
			Squawk:       t.Squawk,
			Lat:          t.Lat,
			Lon:          t.Lon,
			AltBaro:      t.AltBaro,
			GS:           t.GS,
			BaroRate:     t.BaroRate,
			GeomRate:     t.GeomRate,
			Military:     t.Military,
			DBFlags:      t.DBFlags,
			Category:     t.Category,
			Type:         t.AircraftType,
			Registration: t.Registration,
			Operator:     t.Operator,
		}

		if lat, lon, ok := s.Position(); ok {
			if d, err := geo.DistanceNM(lat, lon, stationLat, stationLon); err == nil {
				s.DistanceNM = Num(d)
			}
		}

		snapshots = append(snapshots, s)
	}
	return snapshots
}

// Status describes the most recent polling cycle
type Status struct {
	LastFetch     time.Time `json:"last_fetch"`
	LastFetchOK   bool      `json:"last_fetch_ok"`
	AircraftCount int       `json:"aircraft_count"`
}
