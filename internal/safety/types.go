package safety

import (
	"time"
)

// EventType identifies the detector that produced an event
type EventType string

const (
	EventHijack            EventType = "7500"
	EventRadioFailure      EventType = "7600"
	EventEmergency         EventType = "7700"
	EventExtremeVS         EventType = "extreme_vs"
	EventVSReversal        EventType = "vs_reversal"
	EventProximityConflict EventType = "proximity_conflict"
)

// Severity of a safety event
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a detected safety condition
type Event struct {
	ID        string         `json:"id"`
	EventType EventType      `json:"event_type"`
	Severity  Severity       `json:"severity"`
	ICAO      string         `json:"icao_hex"`
	ICAO2     string         `json:"icao_hex_2,omitempty"`
	Callsign  string         `json:"callsign,omitempty"`
	Callsign2 string         `json:"callsign_2,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
	Timestamp time.Time      `json:"timestamp"`
}

// Config holds detector thresholds
type Config struct {
	Enabled              bool
	ExtremeVSThreshold   float64 // ft/min
	TCASVSThreshold      float64 // ft/min
	ReversalChange       float64 // ft/min
	ProximityNM          float64
	ProximityAltitudeFt  float64
	EmergencyCooldown    time.Duration
	EventCooldown        time.Duration
	RequireBothAltitudes bool
	TrackGraceCycles     int
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		ExtremeVSThreshold:  6000,
		TCASVSThreshold:     1500,
		ReversalChange:      2000,
		ProximityNM:         0.5,
		ProximityAltitudeFt: 500,
		EmergencyCooldown:   60 * time.Second,
		EventCooldown:       60 * time.Second,
	}
}

// squawkInfo describes each emergency code
var squawkInfo = map[string]struct {
	event    EventType
	severity Severity
	label    string
}{
	"7500": {EventHijack, SeverityCritical, "Hijack"},
	"7600": {EventRadioFailure, SeverityWarning, "Radio Failure"},
	"7700": {EventEmergency, SeverityCritical, "Emergency"},
}

// trackState is what the monitor remembers about one aircraft between cycles
type trackState struct {
	lat, lon float64
	hasPos   bool
	vr       float64
	hasVR    bool
	seen     time.Time
	missed   int
}
