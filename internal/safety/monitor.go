package safety

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yegors/skywarden/internal/adsb"
	"github.com/yegors/skywarden/internal/cooldown"
	"github.com/yegors/skywarden/internal/geo"
	"github.com/yegors/skywarden/internal/metrics"
	"github.com/yegors/skywarden/internal/websocket"
	"github.com/yegors/skywarden/pkg/logger"
)

// Sink persists safety events
type Sink interface {
	RecordSafetyEvent(ctx context.Context, ev Event) error
}

// Broadcaster pushes events to live clients
type Broadcaster interface {
	Broadcast(msg *websocket.Message) error
}

// Deps are the collaborators of a Monitor. Sink and Broadcaster are optional.
type Deps struct {
	Config      Config
	Cooldowns   cooldown.Store
	Sink        Sink
	Broadcaster Broadcaster
	Metrics     *metrics.Metrics
	Logger      *logger.Logger
	Clock       func() time.Time
	Policy      cooldown.Policy
}

// Monitor tracks aircraft across cycles and detects safety events
type Monitor struct {
	cfg       Config
	cooldowns cooldown.Store
	sink      Sink
	bc        Broadcaster
	metrics   *metrics.Metrics
	logger    *logger.Logger
	now       func() time.Time
	policy    cooldown.Policy

	mu     sync.Mutex
	tracks map[string]*trackState
}

// NewMonitor creates a safety monitor
func NewMonitor(deps Deps) *Monitor {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if deps.Policy == "" {
		deps.Policy = cooldown.FailClosed
	}
	return &Monitor{
		cfg:       deps.Config,
		cooldowns: deps.Cooldowns,
		sink:      deps.Sink,
		bc:        deps.Broadcaster,
		metrics:   deps.Metrics,
		logger:    deps.Logger.Named("safety"),
		now:       deps.Clock,
		policy:    deps.Policy,
		tracks:    make(map[string]*trackState),
	}
}

// HandleSnapshot lets the ADS-B poller drive the monitor
func (m *Monitor) HandleSnapshot(ctx context.Context, aircraft []adsb.AircraftSnapshot) {
	m.UpdateAircraft(ctx, aircraft)
}

// TrackedCount returns the number of aircraft with retained state
func (m *Monitor) TrackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks)
}

// positioned is an aircraft taking part in the pairwise check
type positioned struct {
	icao     string
	callsign string
	lat, lon float64
	alt      float64
	hasAlt   bool
}

// cycle carries the per-call working set
type cycle struct {
	ctx    context.Context
	now    time.Time
	events []Event
}

// UpdateAircraft runs every detector over one snapshot and returns the events
// that passed cooldown. When disabled it returns nil and touches no state.
func (m *Monitor) UpdateAircraft(ctx context.Context, aircraft []adsb.AircraftSnapshot) []Event {
	if !m.cfg.Enabled {
		return nil
	}

	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &cycle{ctx: ctx, now: m.now()}
	seen := make(map[string]bool, len(aircraft))
	var withPos []positioned

	for i := range aircraft {
		ac := &aircraft[i]
		icao := ac.ICAO()
		if icao == "" {
			continue
		}
		seen[icao] = true
		prev := m.tracks[icao]

		m.guard("emergency", icao, func() { m.checkEmergency(c, icao, ac) })
		m.guard("extreme_vs", icao, func() { m.checkExtremeVS(c, icao, ac) })
		if prev != nil {
			m.guard("vs_reversal", icao, func() { m.checkReversal(c, icao, ac, prev) })
		}

		if lat, lon, ok := ac.Position(); ok {
			alt, hasAlt := ac.Altitude()
			withPos = append(withPos, positioned{icao: icao, callsign: ac.Callsign(), lat: lat, lon: lon, alt: alt, hasAlt: hasAlt})
		}
	}

	m.checkProximity(c, withPos)

	// state is written only after every check so the pairwise pass saw last cycle's fixes
	for i := range aircraft {
		ac := &aircraft[i]
		icao := ac.ICAO()
		if icao == "" {
			continue
		}
		st := &trackState{seen: c.now}
		st.lat, st.lon, st.hasPos = ac.Position()
		st.vr, st.hasVR = ac.VerticalRate()
		m.tracks[icao] = st
	}

	m.collectGarbage(ctx, seen)

	m.metrics.TrackedAircraft.Set(float64(len(m.tracks)))
	m.metrics.SafetyCycleDuration.Observe(time.Since(start).Seconds())

	if len(c.events) > 0 {
		m.logger.Info("Safety cycle complete",
			logger.Int("aircraft", len(aircraft)),
			logger.Int("events", len(c.events)),
			logger.Int("tracked", len(m.tracks)),
		)
	}
	return c.events
}

func (m *Monitor) checkEmergency(c *cycle, icao string, ac *adsb.AircraftSnapshot) {
	code := strings.TrimSpace(ac.Squawk)
	info, ok := squawkInfo[code]
	if !ok {
		return
	}

	details := map[string]any{"squawk": code}
	if alt, ok := ac.Altitude(); ok {
		details["altitude_ft"] = alt
	}
	if lat, lon, ok := ac.Position(); ok {
		details["lat"] = lat
		details["lon"] = lon
	}

	m.emit(c, cooldown.SafetyScope(code), icao, m.cfg.EmergencyCooldown, Event{
		EventType: info.event,
		Severity:  info.severity,
		ICAO:      icao,
		Callsign:  ac.Callsign(),
		Message:   fmt.Sprintf("%s: %s squawking %s", info.label, displayName(icao, ac.Callsign()), code),
		Details:   details,
	})
}

func (m *Monitor) checkExtremeVS(c *cycle, icao string, ac *adsb.AircraftSnapshot) {
	vr, ok := ac.VerticalRate()
	if !ok || math.Abs(vr) <= m.cfg.ExtremeVSThreshold {
		return
	}

	direction := "climb"
	if vr < 0 {
		direction = "descent"
	}

	m.emit(c, cooldown.SafetyScope(string(EventExtremeVS)), icao, m.cfg.EventCooldown, Event{
		EventType: EventExtremeVS,
		Severity:  SeverityWarning,
		ICAO:      icao,
		Callsign:  ac.Callsign(),
		Message:   fmt.Sprintf("Extreme %s: %s at %+.0f ft/min", direction, displayName(icao, ac.Callsign()), vr),
		Details: map[string]any{
			"vertical_rate": vr,
			"threshold":     m.cfg.ExtremeVSThreshold,
		},
	})
}

// checkReversal fires when both rates are TCAS-like and the change between them is large
func (m *Monitor) checkReversal(c *cycle, icao string, ac *adsb.AircraftSnapshot, prev *trackState) {
	if !prev.hasVR {
		return
	}
	current, ok := ac.VerticalRate()
	if !ok {
		return
	}

	change := current - prev.vr
	if math.Abs(prev.vr) < m.cfg.TCASVSThreshold || math.Abs(current) < m.cfg.TCASVSThreshold {
		return
	}
	if math.Abs(change) < m.cfg.ReversalChange {
		return
	}

	m.emit(c, cooldown.SafetyScope(string(EventVSReversal)), icao, m.cfg.EventCooldown, Event{
		EventType: EventVSReversal,
		Severity:  SeverityWarning,
		ICAO:      icao,
		Callsign:  ac.Callsign(),
		Message: fmt.Sprintf("Vertical speed reversal: %s from %+.0f to %+.0f ft/min",
			displayName(icao, ac.Callsign()), prev.vr, current),
		Details: map[string]any{
			"previous_vs": prev.vr,
			"current_vs":  current,
			"change":      change,
		},
	})
}

// checkProximity compares every unordered pair of positioned aircraft
func (m *Monitor) checkProximity(c *cycle, ac []positioned) {
	for i := 0; i < len(ac); i++ {
		for j := i + 1; j < len(ac); j++ {
			a, b := ac[i], ac[j]
			if a.icao == b.icao {
				continue
			}
			if b.icao < a.icao {
				a, b = b, a
			}
			m.guard("proximity", a.icao+"|"+b.icao, func() { m.checkPair(c, a, b) })
		}
	}
}

func (m *Monitor) checkPair(c *cycle, a, b positioned) {
	dist, err := geo.DistanceNM(a.lat, a.lon, b.lat, b.lon)
	if err != nil {
		m.metrics.SafetyCheckFailures.WithLabelValues("proximity").Inc()
		m.logger.Debug("Skipping pair with invalid position",
			logger.String("icao", a.icao), logger.String("icao_2", b.icao), logger.Error(err))
		return
	}
	if dist > m.cfg.ProximityNM {
		return
	}

	// a missing altitude counts as 0 ft unless both are required
	if m.cfg.RequireBothAltitudes && (!a.hasAlt || !b.hasAlt) {
		return
	}
	altDiff := math.Abs(a.alt - b.alt)
	if altDiff > m.cfg.ProximityAltitudeFt {
		return
	}

	severity := SeverityWarning
	if dist < m.cfg.ProximityNM/2 {
		severity = SeverityCritical
	}

	details := map[string]any{
		"distance_nm":      round(dist, 3),
		"altitude_diff_ft": altDiff,
	}
	if brg, err := geo.Bearing(a.lat, a.lon, b.lat, b.lon); err == nil {
		details["bearing_deg"] = round(brg, 1)
	}
	if brg, err := geo.MagneticBearing(a.lat, a.lon, b.lat, b.lon, a.alt, c.now); err == nil {
		details["bearing_magnetic_deg"] = round(brg, 1)
	}
	if rate, ok := m.closureRate(c.now, a, b); ok {
		details["closure_rate_kts"] = round(rate, 1)
	}

	m.emit(c, cooldown.SafetyScope(string(EventProximityConflict)), cooldown.PairKey(a.icao, b.icao), m.cfg.EventCooldown, Event{
		EventType: EventProximityConflict,
		Severity:  severity,
		ICAO:      a.icao,
		ICAO2:     b.icao,
		Callsign:  a.callsign,
		Callsign2: b.callsign,
		Message: fmt.Sprintf("Proximity conflict: %s and %s %.2f nm apart, %.0f ft vertical",
			displayName(a.icao, a.callsign), displayName(b.icao, b.callsign), dist, altDiff),
		Details: details,
	})
}

// closureRate needs both aircraft to have had a position last cycle
func (m *Monitor) closureRate(now time.Time, a, b positioned) (float64, bool) {
	pa, pb := m.tracks[a.icao], m.tracks[b.icao]
	if pa == nil || pb == nil || !pa.hasPos || !pb.hasPos {
		return 0, false
	}
	rate, err := geo.ClosureRate(
		geo.Fix{Lat: pa.lat, Lon: pa.lon, Time: pa.seen},
		geo.Fix{Lat: a.lat, Lon: a.lon, Time: now},
		geo.Fix{Lat: pb.lat, Lon: pb.lon, Time: pb.seen},
		geo.Fix{Lat: b.lat, Lon: b.lon, Time: now},
	)
	if err != nil {
		return 0, false
	}
	return rate, true
}

// emit applies the cooldown and, when allowed, records and broadcasts the event
func (m *Monitor) emit(c *cycle, scope, subject string, window time.Duration, ev Event) {
	allowed, _, err := m.cooldowns.CheckAndSet(c.ctx, scope, subject, window)
	if err != nil {
		m.metrics.CooldownErrors.WithLabelValues("safety").Inc()
		m.logger.Warn("Cooldown store error",
			logger.String("scope", scope),
			logger.String("subject", subject),
			logger.String("policy", string(m.policy)),
			logger.Error(err),
		)
	}
	if !cooldown.Decide(allowed, err, m.policy) {
		return
	}

	ev.ID = uuid.NewString()
	ev.Timestamp = c.now.UTC()
	c.events = append(c.events, ev)
	m.metrics.SafetyEvents.WithLabelValues(string(ev.EventType), string(ev.Severity)).Inc()

	m.logger.Warn("Safety event",
		logger.String("event_type", string(ev.EventType)),
		logger.String("severity", string(ev.Severity)),
		logger.String("icao", ev.ICAO),
		logger.String("icao_2", ev.ICAO2),
		logger.String("message", ev.Message),
	)

	m.publish(c.ctx, ev)
}

// publish hands the event to the sink and the broadcaster; failures stay here
func (m *Monitor) publish(ctx context.Context, ev Event) {
	if m.sink != nil {
		m.guard("sink", ev.ICAO, func() {
			if err := m.sink.RecordSafetyEvent(ctx, ev); err != nil {
				m.metrics.SinkFailures.WithLabelValues("safety_event").Inc()
				m.logger.Error("Failed to record safety event", logger.String("event_id", ev.ID), logger.Error(err))
			}
		})
	}
	if m.bc != nil {
		m.guard("broadcast", ev.ICAO, func() {
			err := m.bc.Broadcast(&websocket.Message{
				Type: websocket.MessageTypeSafetyEvent,
				Data: map[string]any{"event": ev},
			})
			if err != nil {
				m.metrics.BroadcastFailures.Inc()
				m.logger.Warn("Failed to broadcast safety event", logger.String("event_id", ev.ID), logger.Error(err))
			}
		})
	}
}

// collectGarbage drops tracks not seen for more than the grace cycles and sweeps stale cooldowns
func (m *Monitor) collectGarbage(ctx context.Context, seen map[string]bool) {
	for icao, st := range m.tracks {
		if seen[icao] {
			continue
		}
		st.missed++
		if st.missed > m.cfg.TrackGraceCycles {
			delete(m.tracks, icao)
		}
	}

	if removed, err := m.cooldowns.Sweep(ctx); err != nil {
		m.logger.Warn("Cooldown sweep failed", logger.Error(err))
	} else if removed > 0 {
		m.logger.Debug("Swept stale cooldowns", logger.Int("removed", removed))
	}
}

// guard keeps one failing check from aborting the rest of the cycle
func (m *Monitor) guard(check, subject string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.SafetyCheckFailures.WithLabelValues(check).Inc()
			m.logger.Error("Recovered from failed safety check",
				logger.String("check", check),
				logger.String("subject", subject),
				logger.Any("panic", r),
			)
		}
	}()
	fn()
}

func displayName(icao, callsign string) string {
	if callsign != "" {
		return fmt.Sprintf("%s (%s)", callsign, icao)
	}
	return icao
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
