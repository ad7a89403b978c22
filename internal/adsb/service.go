package adsb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yegors/skywarden/pkg/logger"
)

// Fetcher produces the raw aircraft list for one cycle
type Fetcher interface {
	FetchData(ctx context.Context) (*RawAircraftData, error)
}

// SimulationSource supplies synthetic targets merged into every cycle
type SimulationSource interface {
	UpdatePositions()
	GenerateADSBData() []ADSBTarget
}

// SnapshotHandler consumes the snapshot of one polling cycle.
// Handlers must not retain the slice after returning.
type SnapshotHandler interface {
	HandleSnapshot(ctx context.Context, aircraft []AircraftSnapshot)
}

// SnapshotHandlerFunc adapts a plain function to SnapshotHandler
type SnapshotHandlerFunc func(ctx context.Context, aircraft []AircraftSnapshot)

// HandleSnapshot calls f
func (f SnapshotHandlerFunc) HandleSnapshot(ctx context.Context, aircraft []AircraftSnapshot) {
	f(ctx, aircraft)
}

// Service polls the ADS-B source and fans each snapshot out to the engines
type Service struct {
	client            Fetcher
	simulationService SimulationSource
	handlers          []SnapshotHandler
	fetchInterval     time.Duration
	stationLat        float64
	stationLon        float64
	logger            *logger.Logger

	mu              sync.RWMutex
	lastFetchTime   time.Time
	lastFetchStatus bool
	latest          []AircraftSnapshot

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates a new ADS-B polling service
func NewService(
	client Fetcher,
	fetchInterval time.Duration,
	stationLat, stationLon float64,
	simulationService SimulationSource,
	log *logger.Logger,
	handlers ...SnapshotHandler,
) *Service {
	return &Service{
		client:            client,
		simulationService: simulationService,
		handlers:          handlers,
		fetchInterval:     fetchInterval,
		stationLat:        stationLat,
		stationLon:        stationLon,
		logger:            log.Named("adsb"),
		stopCh:            make(chan struct{}),
	}
}

// Start runs an initial fetch and then polls in the background
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting ADS-B service",
		logger.Duration("fetch_interval", s.fetchInterval),
		logger.Int("handlers", len(s.handlers)),
	)

	s.poll(ctx)

	s.wg.Add(1)
	go s.fetchLoop(ctx)

	return nil
}

// Stop stops the ADS-B service
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping ADS-B service")
		close(s.stopCh)
	})
	s.wg.Wait()
	s.logger.Info("ADS-B service stopped")
}

// fetchLoop periodically fetches and processes ADS-B data
func (s *Service) fetchLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.fetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.poll(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) poll(ctx context.Context) {
	if err := s.fetchAndProcess(ctx); err != nil {
		s.logger.Error("Failed to fetch ADS-B data", logger.Error(err))
		s.setFetchStatus(false)
		return
	}
	s.setFetchStatus(true)
}

// fetchAndProcess runs one full cycle: fetch, merge simulation, convert, dispatch
func (s *Service) fetchAndProcess(ctx context.Context) error {
	rawData, err := s.client.FetchData(ctx)
	if err != nil {
		return err
	}

	if s.simulationService != nil {
		s.simulationService.UpdatePositions()
		simulatedTargets := s.simulationService.GenerateADSBData()
		rawData.Aircraft = append(rawData.Aircraft, simulatedTargets...)

		s.logger.Debug("Injected simulated aircraft into ADSB data",
			logger.Int("count", len(simulatedTargets)))
	}

	snapshots := ToSnapshots(rawData, s.stationLat, s.stationLon)

	s.mu.Lock()
	s.latest = snapshots
	s.lastFetchTime = time.Now()
	s.mu.Unlock()

	for _, h := range s.handlers {
		s.dispatch(ctx, h, snapshots)
	}
	return nil
}

// dispatch isolates one handler so a panic cannot take down the loop or skip the others
func (s *Service) dispatch(ctx context.Context, h SnapshotHandler, snapshots []AircraftSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Snapshot handler panicked",
				logger.String("handler", fmt.Sprintf("%T", h)),
				logger.Any("panic", r),
			)
		}
	}()
	h.HandleSnapshot(ctx, snapshots)
}

// Latest returns a copy of the most recent snapshot
func (s *Service) Latest() []AircraftSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AircraftSnapshot, len(s.latest))
	copy(out, s.latest)
	return out
}

// GetStatus returns the service status
func (s *Service) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		LastFetch:     s.lastFetchTime,
		LastFetchOK:   s.lastFetchStatus,
		AircraftCount: len(s.latest),
	}
}

// setFetchStatus sets the fetch status
func (s *Service) setFetchStatus(status bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFetchStatus = status
}
