package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yegors/skywarden/internal/adsb"
	"github.com/yegors/skywarden/internal/cooldown"
	"github.com/yegors/skywarden/internal/metrics"
	"github.com/yegors/skywarden/internal/rules"
	"github.com/yegors/skywarden/internal/websocket"
	"github.com/yegors/skywarden/pkg/logger"
)

// DefaultMaxDryRunMatches caps the aircraft returned by a dry run
const DefaultMaxDryRunMatches = 100

// TriggeredAlert is emitted once per rule match that passes cooldown
type TriggeredAlert struct {
	ID        string                `json:"id"`
	RuleID    int64                 `json:"rule_id"`
	RuleName  string                `json:"rule_name"`
	ICAO      string                `json:"icao"`
	Callsign  string                `json:"callsign,omitempty"`
	Message   string                `json:"message"`
	Priority  rules.Priority        `json:"priority"`
	Aircraft  adsb.AircraftSnapshot `json:"aircraft"`
	Timestamp time.Time             `json:"timestamp"`
}

// RuleProvider returns the compiled active rule set
type RuleProvider interface {
	GetActiveRules(ctx context.Context) ([]*rules.CompiledRule, error)
}

// Sink persists triggered alerts
type Sink interface {
	RecordAlert(ctx context.Context, alert TriggeredAlert) error
}

// Notifier delivers notifications. Both calls must return immediately.
type Notifier interface {
	Notify(priority, title, message string, urls []string)
	Webhook(url string, payload any)
}

// Broadcaster pushes messages to live clients
type Broadcaster interface {
	Broadcast(msg *websocket.Message) error
}

// Deps are the collaborators of an Engine. Sink, Notifier and Broadcaster are optional.
type Deps struct {
	Rules            RuleProvider
	Cooldowns        cooldown.Store
	Sink             Sink
	Notifier         Notifier
	Broadcaster      Broadcaster
	Metrics          *metrics.Metrics
	Logger           *logger.Logger
	Clock            func() time.Time
	Policy           cooldown.Policy
	WebhookURL       string
	MaxDryRunMatches int
	Disabled         bool
}

// Engine evaluates aircraft snapshots against the active rules
type Engine struct {
	deps   Deps
	logger *logger.Logger
}

// NewEngine creates an alert engine
func NewEngine(deps Deps) *Engine {
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
	if deps.MaxDryRunMatches <= 0 {
		deps.MaxDryRunMatches = DefaultMaxDryRunMatches
	}
	return &Engine{deps: deps, logger: deps.Logger.Named("alerts")}
}

// HandleSnapshot lets the ADS-B poller drive the engine
func (e *Engine) HandleSnapshot(ctx context.Context, aircraft []adsb.AircraftSnapshot) {
	e.CheckAlerts(ctx, aircraft)
}

// CheckAlerts evaluates every aircraft against every scheduled-active rule and
// returns the alerts that fired. Problems with single aircraft, rules or
// collaborators are logged and never abort the cycle.
func (e *Engine) CheckAlerts(ctx context.Context, aircraft []adsb.AircraftSnapshot) []TriggeredAlert {
	if e.deps.Disabled || len(aircraft) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		e.deps.Metrics.AlertCheckDuration.Observe(time.Since(start).Seconds())
	}()

	compiled, err := e.deps.Rules.GetActiveRules(ctx)
	if err != nil {
		e.logger.Error("Failed to load active rules, skipping cycle", logger.Error(err))
		return nil
	}

	now := e.deps.Clock()
	active := make([]*rules.CompiledRule, 0, len(compiled))
	for _, r := range compiled {
		if r.IsScheduledActive(now) {
			active = append(active, r)
		}
	}
	if len(active) == 0 {
		return nil
	}

	var triggered []TriggeredAlert
	for i := range aircraft {
		triggered = append(triggered, e.evaluateAircraft(ctx, &aircraft[i], active, now)...)
	}

	if len(triggered) > 0 {
		e.logger.Info("Alert cycle complete",
			logger.Int("aircraft", len(aircraft)),
			logger.Int("rules", len(active)),
			logger.Int("triggered", len(triggered)),
		)
	}
	return triggered
}

func (e *Engine) evaluateAircraft(ctx context.Context, ac *adsb.AircraftSnapshot, active []*rules.CompiledRule, now time.Time) (out []TriggeredAlert) {
	icao := ac.ICAO()
	if icao == "" {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Recovered while evaluating aircraft",
				logger.String("icao", icao),
				logger.Any("panic", r),
			)
		}
	}()

	for _, rule := range active {
		if !rule.Matches(ac) {
			continue
		}
		e.deps.Metrics.RuleEvaluations.Inc()

		allowed, _, err := e.deps.Cooldowns.CheckAndSet(ctx, cooldown.RuleScope(rule.Def.ID), icao, rule.Cooldown)
		if err != nil {
			e.deps.Metrics.CooldownErrors.WithLabelValues("alerts").Inc()
			e.logger.Warn("Cooldown store error",
				logger.Int64("rule_id", rule.Def.ID),
				logger.String("icao", icao),
				logger.String("policy", string(e.deps.Policy)),
				logger.Error(err),
			)
		}
		if !cooldown.Decide(allowed, err, e.deps.Policy) {
			if err == nil {
				e.deps.Metrics.CooldownBlocks.Inc()
			}
			continue
		}

		alert := newAlert(rule, ac, now)
		e.deps.Metrics.AlertsTriggered.WithLabelValues(string(alert.Priority)).Inc()
		e.dispatch(ctx, rule, alert)
		out = append(out, alert)
	}
	return out
}

func newAlert(rule *rules.CompiledRule, ac *adsb.AircraftSnapshot, now time.Time) TriggeredAlert {
	callsign := ac.Callsign()
	return TriggeredAlert{
		ID:        uuid.NewString(),
		RuleID:    rule.Def.ID,
		RuleName:  rule.Def.Name,
		ICAO:      ac.ICAO(),
		Callsign:  callsign,
		Message:   alertMessage(rule, ac),
		Priority:  rule.Def.Priority,
		Aircraft:  *ac,
		Timestamp: now.UTC(),
	}
}

func alertMessage(rule *rules.CompiledRule, ac *adsb.AircraftSnapshot) string {
	subject := ac.ICAO()
	if cs := ac.Callsign(); cs != "" {
		subject = fmt.Sprintf("%s (%s)", cs, ac.ICAO())
	}

	var parts []string
	if alt, ok := ac.Altitude(); ok {
		parts = append(parts, fmt.Sprintf("alt %.0f ft", alt))
	}
	if gs, ok := ac.GS.Number(); ok {
		parts = append(parts, fmt.Sprintf("gs %.0f kt", gs))
	}
	if d, ok := ac.DistanceNM.Number(); ok {
		parts = append(parts, fmt.Sprintf("%.1f nm", d))
	}
	if ac.Squawk != "" {
		parts = append(parts, "squawk "+ac.Squawk)
	}

	msg := fmt.Sprintf("%s: %s", rule.Def.Name, subject)
	if len(parts) > 0 {
		msg += " [" + strings.Join(parts, ", ") + "]"
	}
	return msg
}

// dispatch hands the alert to every collaborator; none of them can fail the cycle
func (e *Engine) dispatch(ctx context.Context, rule *rules.CompiledRule, alert TriggeredAlert) {
	if e.deps.Sink != nil {
		e.guard("sink", func() {
			if err := e.deps.Sink.RecordAlert(ctx, alert); err != nil {
				e.deps.Metrics.SinkFailures.WithLabelValues("alert").Inc()
				e.logger.Error("Failed to record alert",
					logger.String("alert_id", alert.ID),
					logger.Int64("rule_id", alert.RuleID),
					logger.Error(err),
				)
			}
		})
	}

	if e.deps.Notifier != nil {
		if len(rule.Def.NotificationURLs) > 0 {
			e.guard("notify", func() {
				e.deps.Notifier.Notify(string(alert.Priority), rule.Def.Name, alert.Message, rule.Def.NotificationURLs)
			})
		}
		for _, url := range webhookTargets(rule.Def.WebhookURL, e.deps.WebhookURL) {
			e.guard("webhook", func() { e.deps.Notifier.Webhook(url, alert) })
		}
	}

	if e.deps.Broadcaster != nil {
		e.guard("broadcast", func() {
			err := e.deps.Broadcaster.Broadcast(&websocket.Message{
				Type: websocket.MessageTypeAlertTriggered,
				Data: map[string]any{"alert": alert},
			})
			if err != nil {
				e.deps.Metrics.BroadcastFailures.Inc()
				e.logger.Warn("Failed to broadcast alert", logger.String("alert_id", alert.ID), logger.Error(err))
			}
		})
	}
}

func webhookTargets(ruleURL, globalURL string) []string {
	var out []string
	if ruleURL != "" {
		out = append(out, ruleURL)
	}
	if globalURL != "" && globalURL != ruleURL {
		out = append(out, globalURL)
	}
	return out
}

func (e *Engine) guard(stage string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Recovered in alert dispatch", logger.String("stage", stage), logger.Any("panic", r))
		}
	}()
	fn()
}
