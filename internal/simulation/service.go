package simulation

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/yegors/skywarden/internal/adsb"
	"github.com/yegors/skywarden/pkg/logger"
)

const (
	MaxSimulatedAircraft = 10
)

// ErrAircraftNotFound is returned when removing an unknown hex
var ErrAircraftNotFound = errors.New("simulated aircraft not found")

// Seed describes a simulated aircraft to create
type Seed struct {
	Flight       string
	Squawk       string
	Lat          float64
	Lon          float64
	Altitude     float64
	Heading      float64
	Speed        float64
	VerticalRate float64
}

// SimulatedAircraft represents a single simulated aircraft with its current state
type SimulatedAircraft struct {
	Hex                string    `json:"hex"`
	Flight             string    `json:"flight"`
	Squawk             string    `json:"squawk,omitempty"`
	CurrentLat         float64   `json:"current_lat"`
	CurrentLon         float64   `json:"current_lon"`
	CurrentAltitude    float64   `json:"current_altitude"`
	TargetHeading      float64   `json:"target_heading"`
	TargetSpeed        float64   `json:"target_speed"`
	TargetVerticalRate float64   `json:"target_vertical_rate"`
	LastUpdate         time.Time `json:"last_update"`
}

// Service manages simulated aircraft used for drills and demos
type Service struct {
	aircraft map[string]*SimulatedAircraft
	mutex    sync.RWMutex
	now      func() time.Time
	logger   *logger.Logger
}

// NewService creates a new simulation service
func NewService(log *logger.Logger) *Service {
	return &Service{
		aircraft: make(map[string]*SimulatedAircraft),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   log.Named("simulation"),
	}
}

// WithClock replaces the time source, used by tests
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateAircraft creates a new simulated aircraft
func (s *Service) CreateAircraft(seed Seed) (*SimulatedAircraft, error) {
	if seed.Lat < -90 || seed.Lat > 90 || seed.Lon < -180 || seed.Lon > 180 {
		return nil, fmt.Errorf("invalid position %.6f,%.6f", seed.Lat, seed.Lon)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.aircraft) >= MaxSimulatedAircraft {
		return nil, fmt.Errorf("maximum number of simulated aircraft (%d) reached", MaxSimulatedAircraft)
	}

	hex := s.generateUniqueHex()
	flight := seed.Flight
	if flight == "" {
		flight = fmt.Sprintf("SIM%03d", rand.Intn(999)+1)
	}

	aircraft := &SimulatedAircraft{
		Hex:                hex,
		Flight:             flight,
		Squawk:             seed.Squawk,
		CurrentLat:         seed.Lat,
		CurrentLon:         seed.Lon,
		CurrentAltitude:    seed.Altitude,
		TargetHeading:      seed.Heading,
		TargetSpeed:        seed.Speed,
		TargetVerticalRate: seed.VerticalRate,
		LastUpdate:         s.now(),
	}
	s.aircraft[hex] = aircraft

	s.logger.Info("Created simulated aircraft",
		logger.String("hex", hex),
		logger.String("flight", flight),
		logger.String("squawk", seed.Squawk),
		logger.Float64("lat", seed.Lat),
		logger.Float64("lon", seed.Lon),
	)
	return aircraft, nil
}

// RemoveAircraft removes a simulated aircraft
func (s *Service) RemoveAircraft(hex string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.aircraft[hex]; !exists {
		return fmt.Errorf("%w: %s", ErrAircraftNotFound, hex)
	}
	delete(s.aircraft, hex)
	s.logger.Info("Removed simulated aircraft", logger.String("hex", hex))
	return nil
}

// Count returns the number of simulated aircraft
func (s *Service) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.aircraft)
}

// List returns copies of the simulated aircraft, sorted by hex
func (s *Service) List() []SimulatedAircraft {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]SimulatedAircraft, 0, len(s.aircraft))
	for _, a := range s.aircraft {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex < out[j].Hex })
	return out
}

// UpdatePositions advances every simulated aircraft by dead reckoning
func (s *Service) UpdatePositions() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	for _, aircraft := range s.aircraft {
		deltaTime := now.Sub(aircraft.LastUpdate).Seconds()
		if deltaTime > 0 {
			updateAircraftPosition(aircraft, deltaTime)
			aircraft.LastUpdate = now
		}
	}
}

// GenerateADSBData renders simulated aircraft as raw targets, sorted by hex
func (s *Service) GenerateADSBData() []adsb.ADSBTarget {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	targets := make([]adsb.ADSBTarget, 0, len(s.aircraft))
	for _, aircraft := range s.aircraft {
		targets = append(targets, adsb.ADSBTarget{
			Hex:          aircraft.Hex,
			Type:         "sim",
			Flight:       aircraft.Flight,
			AircraftType: "SIM",
			Squawk:       aircraft.Squawk,
			Lat:          adsb.Num(aircraft.CurrentLat),
			Lon:          adsb.Num(aircraft.CurrentLon),
			AltBaro:      adsb.Num(math.Round(aircraft.CurrentAltitude)),
			AltGeom:      adsb.Num(math.Round(aircraft.CurrentAltitude)),
			GS:           adsb.Num(aircraft.TargetSpeed), // no wind
			BaroRate:     adsb.Num(aircraft.TargetVerticalRate),
			GeomRate:     adsb.Num(aircraft.TargetVerticalRate),
			Seen:         adsb.Num(0),
			Messages:     100,
			RSSI:         adsb.Num(-20),
		})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Hex < targets[j].Hex })
	return targets
}

// updateAircraftPosition updates a single aircraft's position using dead reckoning
func updateAircraftPosition(aircraft *SimulatedAircraft, deltaTime float64) {
	// Aviation heading (0 = north, clockwise) to math angle
	headingRad := (90 - aircraft.TargetHeading) * math.Pi / 180

	// knots * seconds / 3600 = nm
	distanceNM := aircraft.TargetSpeed * deltaTime / 3600

	// 1 degree latitude ≈ 60 nm, longitude shrinks with cos(lat)
	latChange := distanceNM * math.Sin(headingRad) / 60
	lonChange := distanceNM * math.Cos(headingRad) / (60 * math.Cos(aircraft.CurrentLat*math.Pi/180))

	aircraft.CurrentLat += latChange
	aircraft.CurrentLon += lonChange

	aircraft.CurrentAltitude += aircraft.TargetVerticalRate * deltaTime / 60
	if aircraft.CurrentAltitude < 0 {
		aircraft.CurrentAltitude = 0
		aircraft.TargetVerticalRate = 0
	}
}

// generateUniqueHex generates a unique 6-character hex code
func (s *Service) generateUniqueHex() string {
	for {
		hex := fmt.Sprintf("%06X", rand.Intn(0xFFFFFF))
		if _, exists := s.aircraft[hex]; !exists {
			return hex
		}
	}
}
