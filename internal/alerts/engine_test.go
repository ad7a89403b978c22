package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/skywarden/internal/adsb"
	"github.com/yegors/skywarden/internal/cooldown"
	"github.com/yegors/skywarden/internal/metrics"
	"github.com/yegors/skywarden/internal/rules"
	"github.com/yegors/skywarden/internal/websocket"
	"github.com/yegors/skywarden/pkg/logger"
)

type staticRules struct {
	rules []*rules.CompiledRule
	err   error
}

func (s staticRules) GetActiveRules(context.Context) ([]*rules.CompiledRule, error) {
	return s.rules, s.err
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []TriggeredAlert
	err    error
	panics bool
}

func (s *recordingSink) RecordAlert(_ context.Context, a TriggeredAlert) error {
	if s.panics {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return s.err
}

type notifyCall struct {
	priority, title, message string
	urls                     []string
}

type recordingNotifier struct {
	mu       sync.Mutex
	notifies []notifyCall
	webhooks []string
}

func (n *recordingNotifier) Notify(priority, title, message string, urls []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifies = append(n.notifies, notifyCall{priority, title, message, urls})
}

func (n *recordingNotifier) Webhook(url string, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.webhooks = append(n.webhooks, url)
}

type failingBroadcaster struct{ calls int }

func (b *failingBroadcaster) Broadcast(*websocket.Message) error {
	b.calls++
	return websocket.ErrBroadcastQueueFull
}

type brokenStore struct{ cooldown.Store }

func (brokenStore) CheckAndSet(context.Context, string, string, time.Duration) (bool, time.Time, error) {
	return false, time.Time{}, errors.New("redis timeout")
}

func compile(t *testing.T, def rules.Definition) *rules.CompiledRule {
	t.Helper()
	r, err := rules.Compile(def, logger.NewNop())
	require.NoError(t, err)
	return r
}

func lowAltitudeRule(t *testing.T) *rules.CompiledRule {
	return compile(t, rules.Definition{
		ID: 7, Name: "Low flyer", RuleType: rules.TypeAltitude, Operator: rules.OpLt, Value: "3000",
		Priority: rules.PriorityWarning, CooldownSeconds: 300, Enabled: true,
		NotificationURLs: []string{"ntfy://alerts"}, WebhookURL: "https://hooks.example/rule",
	})
}

type fixture struct {
	engine   *Engine
	sink     *recordingSink
	notifier *recordingNotifier
	bc       *failingBroadcaster
	metrics  *metrics.Metrics
	clock    *time.Time
}

func newFixture(t *testing.T, provider RuleProvider, store cooldown.Store, policy cooldown.Policy) *fixture {
	t.Helper()
	now := time.Date(2026, 8, 1, 15, 0, 0, 0, time.UTC)
	f := &fixture{
		sink:     &recordingSink{},
		notifier: &recordingNotifier{},
		bc:       &failingBroadcaster{},
		metrics:  metrics.New(prometheus.NewRegistry()),
		clock:    &now,
	}
	if store == nil {
		store = cooldown.NewMemoryStore(time.Hour, logger.NewNop()).WithClock(func() time.Time { return *f.clock })
	}
	f.engine = NewEngine(Deps{
		Rules:       provider,
		Cooldowns:   store,
		Sink:        f.sink,
		Notifier:    f.notifier,
		Broadcaster: f.bc,
		Metrics:     f.metrics,
		Logger:      logger.NewNop(),
		Clock:       func() time.Time { return *f.clock },
		Policy:      policy,
		WebhookURL:  "https://hooks.example/global",
	})
	return f
}

var lowAircraft = adsb.AircraftSnapshot{Hex: "abc123", Flight: "CGXYZ ", Alt: adsb.Num(1500), GS: adsb.Num(90)}

func TestCheckAlertsTriggersAndDispatches(t *testing.T) {
	f := newFixture(t, staticRules{rules: []*rules.CompiledRule{lowAltitudeRule(t)}}, nil, "")

	snapshot := []adsb.AircraftSnapshot{lowAircraft, {Hex: "def456", Alt: adsb.Num(35000)}}
	got := f.engine.CheckAlerts(context.Background(), snapshot)

	require.Len(t, got, 1)
	a := got[0]
	assert.Equal(t, int64(7), a.RuleID)
	assert.Equal(t, "ABC123", a.ICAO)
	assert.Equal(t, "CGXYZ", a.Callsign)
	assert.Equal(t, rules.PriorityWarning, a.Priority)
	assert.Equal(t, "Low flyer: CGXYZ (ABC123) [alt 1500 ft, gs 90 kt]", a.Message)
	assert.Equal(t, *f.clock, a.Timestamp)
	assert.NotEmpty(t, a.ID)

	assert.Len(t, f.sink.alerts, 1)
	require.Len(t, f.notifier.notifies, 1)
	assert.Equal(t, "warning", f.notifier.notifies[0].priority)
	assert.Equal(t, []string{"ntfy://alerts"}, f.notifier.notifies[0].urls)
	assert.Equal(t, []string{"https://hooks.example/rule", "https://hooks.example/global"}, f.notifier.webhooks)
	assert.Equal(t, 1, f.bc.calls, "broadcast failure is tolerated")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BroadcastFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AlertsTriggered.WithLabelValues("warning")))
}

func TestCheckAlertsMalformedNumbers(t *testing.T) {
	active := []*rules.CompiledRule{
		lowAltitudeRule(t),
		compile(t, rules.Definition{ID: 8, Name: "Slow", RuleType: rules.TypeSpeed, Operator: rules.OpLt, Value: "100", Enabled: true}),
		compile(t, rules.Definition{ID: 9, Name: "Diving", RuleType: rules.TypeVerticalRate, Operator: rules.OpLt, Value: "-4000", Enabled: true}),
		compile(t, rules.Definition{ID: 10, Name: "Near", RuleType: rules.TypeDistance, Operator: rules.OpLe, Value: "5", Enabled: true}),
	}

	for _, bad := range []string{"NaN", "Inf", "-Infinity", "ground"} {
		t.Run(bad, func(t *testing.T) {
			f := newFixture(t, staticRules{rules: active}, nil, "")
			v := adsb.Str(bad)
			ac := adsb.AircraftSnapshot{Hex: "abc123", Alt: v, GS: v, VR: v, DistanceNM: v}

			assert.Empty(t, f.engine.CheckAlerts(context.Background(), []adsb.AircraftSnapshot{ac}))
			assert.Empty(t, f.sink.alerts)
			assert.Empty(t, f.notifier.notifies)

			for _, r := range active {
				res, err := f.engine.TestRuleAgainstAircraft(r.Def, []adsb.AircraftSnapshot{ac})
				require.NoError(t, err)
				assert.Zero(t, res.WouldMatchCount, r.Def.Name)
			}
		})
	}
}

func TestCheckAlertsCooldown(t *testing.T) {
	f := newFixture(t, staticRules{rules: []*rules.CompiledRule{lowAltitudeRule(t)}}, nil, "")
	ctx := context.Background()
	snapshot := []adsb.AircraftSnapshot{lowAircraft}

	assert.Len(t, f.engine.CheckAlerts(ctx, snapshot), 1)
	assert.Empty(t, f.engine.CheckAlerts(ctx, snapshot))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CooldownBlocks))

	*f.clock = f.clock.Add(300 * time.Second)
	assert.Len(t, f.engine.CheckAlerts(ctx, snapshot), 1)
}

func TestCheckAlertsScheduleWindow(t *testing.T) {
	future := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	def := rules.Definition{ID: 1, Name: "later", RuleType: rules.TypeSquawk, Value: "7700", StartsAt: &future, Enabled: true}
	f := newFixture(t, staticRules{rules: []*rules.CompiledRule{compile(t, def)}}, nil, "")

	got := f.engine.CheckAlerts(context.Background(), []adsb.AircraftSnapshot{{Hex: "a1", Squawk: "7700"}})
	assert.Empty(t, got)
}

func TestCheckAlertsCollaboratorFailures(t *testing.T) {
	t.Run("sink error still returns the alert", func(t *testing.T) {
		f := newFixture(t, staticRules{rules: []*rules.CompiledRule{lowAltitudeRule(t)}}, nil, "")
		f.sink.err = errors.New("disk full")
		got := f.engine.CheckAlerts(context.Background(), []adsb.AircraftSnapshot{lowAircraft})
		assert.Len(t, got, 1)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SinkFailures.WithLabelValues("alert")))
	})

	t.Run("panicking sink does not stop dispatch", func(t *testing.T) {
		f := newFixture(t, staticRules{rules: []*rules.CompiledRule{lowAltitudeRule(t)}}, nil, "")
		f.sink.panics = true
		got := f.engine.CheckAlerts(context.Background(), []adsb.AircraftSnapshot{lowAircraft})
		assert.Len(t, got, 1)
		assert.Len(t, f.notifier.notifies, 1)
	})

	t.Run("rule provider error skips the cycle", func(t *testing.T) {
		f := newFixture(t, staticRules{err: errors.New("db gone")}, nil, "")
		assert.Empty(t, f.engine.CheckAlerts(context.Background(), []adsb.AircraftSnapshot{lowAircraft}))
	})

	t.Run("aircraft without hex are skipped", func(t *testing.T) {
		f := newFixture(t, staticRules{rules: []*rules.CompiledRule{lowAltitudeRule(t)}}, nil, "")
		assert.Empty(t, f.engine.CheckAlerts(context.Background(), []adsb.AircraftSnapshot{{Alt: adsb.Num(100)}}))
	})
}

func TestCheckAlertsCooldownErrorPolicy(t *testing.T) {
	provider := staticRules{rules: []*rules.CompiledRule{lowAltitudeRule(t)}}
	snapshot := []adsb.AircraftSnapshot{lowAircraft}

	closed := newFixture(t, provider, brokenStore{}, cooldown.FailClosed)
	assert.Empty(t, closed.engine.CheckAlerts(context.Background(), snapshot))
	assert.Equal(t, 1.0, testutil.ToFloat64(closed.metrics.CooldownErrors.WithLabelValues("alerts")))
	assert.Zero(t, testutil.ToFloat64(closed.metrics.CooldownBlocks))

	open := newFixture(t, provider, brokenStore{}, cooldown.FailOpen)
	assert.Len(t, open.engine.CheckAlerts(context.Background(), snapshot), 1)
}

func TestDisabledEngine(t *testing.T) {
	e := NewEngine(Deps{Rules: staticRules{rules: []*rules.CompiledRule{lowAltitudeRule(t)}}, Disabled: true})
	assert.Nil(t, e.CheckAlerts(context.Background(), []adsb.AircraftSnapshot{lowAircraft}))
}

func TestTestRuleAgainstAircraft(t *testing.T) {
	store := cooldown.NewMemoryStore(time.Hour, logger.NewNop())
	f := newFixture(t, staticRules{}, store, "")

	def := rules.Definition{Name: "dry", RuleType: rules.TypeAltitude, Operator: rules.OpLt, Value: "3000"}
	aircraft := []adsb.AircraftSnapshot{
		lowAircraft,
		{Hex: "def456", AltBaro: adsb.Num(2500)},
		{Hex: "aaa111", Alt: adsb.Num(9000)},
		{Alt: adsb.Num(100)},
	}

	first, err := f.engine.TestRuleAgainstAircraft(def, aircraft)
	require.NoError(t, err)
	second, err := f.engine.TestRuleAgainstAircraft(def, aircraft)
	require.NoError(t, err)

	assert.Equal(t, 2, first.WouldMatchCount)
	assert.Equal(t, 4, first.AircraftTested)
	assert.Equal(t, first.WouldMatchCount, second.WouldMatchCount)
	assert.Len(t, first.MatchedAircraft, 2)

	st, err := store.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Entries, "dry runs leave cooldown state alone")
	assert.Empty(t, f.sink.alerts)
	assert.Empty(t, f.notifier.notifies)

	t.Run("same semantics as the live path", func(t *testing.T) {
		def.ID = 99
		live := newFixture(t, staticRules{rules: []*rules.CompiledRule{compile(t, def)}}, nil, "")
		assert.Len(t, live.engine.CheckAlerts(context.Background(), aircraft), first.WouldMatchCount)
	})

	t.Run("match list is capped", func(t *testing.T) {
		capped := NewEngine(Deps{Rules: staticRules{}, Cooldowns: store, MaxDryRunMatches: 1})
		res, err := capped.TestRuleAgainstAircraft(def, aircraft)
		require.NoError(t, err)
		assert.Equal(t, 2, res.WouldMatchCount)
		assert.Len(t, res.MatchedAircraft, 1)
		assert.True(t, res.Truncated)
	})

	t.Run("invalid rule is an error", func(t *testing.T) {
		_, err := f.engine.TestRuleAgainstAircraft(rules.Definition{RuleType: "wingspan", Value: "1"}, aircraft)
		assert.ErrorIs(t, err, rules.ErrUnknownRuleType)
	})
}
