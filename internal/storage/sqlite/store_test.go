package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/skywarden/internal/adsb"
	"github.com/yegors/skywarden/internal/alerts"
	"github.com/yegors/skywarden/internal/rules"
	"github.com/yegors/skywarden/internal/safety"
	"github.com/yegors/skywarden/pkg/logger"
)

var testNow = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "skywarden.db")
	s, err := Open(path, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s.WithClock(func() time.Time { return testNow })
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skywarden.db")

	s, err := Open(path, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, logger.NewNop())
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Ping())

	var mode string
	require.NoError(t, s.DB().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestRuleCRUD(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	changes := 0
	s.OnRulesChanged(func() { changes++ })

	starts := testNow.Add(-time.Hour)
	created, err := s.CreateRule(ctx, rules.Definition{
		Name:             "Low military",
		RuleType:         rules.TypeAltitude,
		Operator:         rules.OpLt,
		Value:            "3000",
		Enabled:          true,
		StartsAt:         &starts,
		NotificationURLs: []string{"https://ntfy.example/alerts"},
		Conditions: &rules.ConditionTree{
			Logic: rules.LogicAnd,
			Groups: []rules.ConditionGroup{{
				Logic:      rules.LogicOr,
				Conditions: []rules.Condition{{Type: rules.TypeMilitary, Operator: rules.OpEq, Value: "true"}},
			}},
		},
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, rules.PriorityInfo, created.Priority, "defaults are applied")
	assert.Equal(t, rules.VisibilityPrivate, created.Visibility)
	assert.Equal(t, rules.DefaultCooldownSeconds, created.CooldownSeconds)
	assert.Equal(t, 1, changes)

	got, err := s.GetRule(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, got.Name)
	assert.Equal(t, rules.OpLt, got.Operator)
	require.NotNil(t, got.StartsAt)
	assert.True(t, starts.Equal(*got.StartsAt))
	assert.Nil(t, got.ExpiresAt)
	assert.Equal(t, []string{"https://ntfy.example/alerts"}, got.NotificationURLs)
	require.NotNil(t, got.Conditions)
	assert.Equal(t, rules.TypeMilitary, got.Conditions.Groups[0].Conditions[0].Type)
	assert.True(t, testNow.Equal(got.CreatedAt))

	got.Enabled = false
	got.Priority = rules.PriorityCritical
	updated, err := s.UpdateRule(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, rules.PriorityCritical, updated.Priority)
	assert.Equal(t, 2, changes)

	enabled, err := s.ListEnabledRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	all, err := s.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteRule(ctx, created.ID))
	assert.Equal(t, 3, changes)

	_, err = s.GetRule(ctx, created.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.ErrorIs(t, s.DeleteRule(ctx, created.ID), ErrRuleNotFound)
}

func TestInvalidRulesRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	s.OnRulesChanged(func() { t.Fatal("hook must not run for rejected writes") })

	cases := map[string]rules.Definition{
		"unknown type":     {Name: "x", RuleType: "wingspan", Value: "1"},
		"unknown operator": {Name: "x", RuleType: rules.TypeAltitude, Operator: "approx", Value: "1"},
		"empty":            {Name: "x"},
	}
	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.CreateRule(ctx, def)
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}

	_, err := s.UpdateRule(ctx, rules.Definition{ID: 99, Name: "x", RuleType: rules.TypeSquawk, Value: "7700"})
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestStoreFeedsRuleCache(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	cache := rules.NewCache(s, nil, time.Minute, nil, logger.NewNop())
	s.OnRulesChanged(func() { _ = cache.Invalidate(ctx) })

	compiled, err := cache.GetActiveRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, compiled)

	_, err = s.CreateRule(ctx, rules.Definition{Name: "Emergency", RuleType: rules.TypeSquawk, Value: "7700", Enabled: true})
	require.NoError(t, err)

	compiled, err = cache.GetActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, compiled, 1)
	assert.Equal(t, "Emergency", compiled[0].Def.Name)
}

func TestAlertHistory(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, s.RecordAlert(ctx, alerts.TriggeredAlert{
			ID:        id,
			RuleID:    4,
			RuleName:  "Emergency",
			ICAO:      "C0FFEE",
			Message:   "Emergency: C0FFEE",
			Priority:  rules.PriorityCritical,
			Aircraft:  adsb.AircraftSnapshot{Hex: "c0ffee", Squawk: "7700", Alt: adsb.Num(4500)},
			Timestamp: testNow.Add(time.Duration(i) * time.Second),
		}))
	}

	recent, err := s.RecentAlerts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "a3", recent[0].ID)
	assert.Equal(t, "a2", recent[1].ID)
	assert.Equal(t, rules.PriorityCritical, recent[0].Priority)
	assert.Equal(t, "7700", recent[0].Aircraft.Squawk)
	alt, ok := recent[0].Aircraft.Altitude()
	assert.True(t, ok)
	assert.Equal(t, 4500.0, alt)
	assert.True(t, testNow.Add(2*time.Second).Equal(recent[0].Timestamp))
}

func TestSafetyEventHistory(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.RecordSafetyEvent(ctx, safety.Event{
		ID:        "e1",
		EventType: safety.EventProximityConflict,
		Severity:  safety.SeverityCritical,
		ICAO:      "AAA111",
		ICAO2:     "BBB222",
		Message:   "Proximity conflict",
		Details:   map[string]any{"distance_nm": 0.2},
		Timestamp: testNow,
	}))
	require.NoError(t, s.RecordSafetyEvent(ctx, safety.Event{
		ID:        "e2",
		EventType: safety.EventEmergency,
		Severity:  safety.SeverityCritical,
		ICAO:      "ABC123",
		Message:   "Emergency",
		Timestamp: testNow.Add(500 * time.Millisecond),
	}))

	events, err := s.RecentSafetyEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e2", events[0].ID)
	assert.Equal(t, safety.EventProximityConflict, events[1].EventType)
	assert.Equal(t, "BBB222", events[1].ICAO2)
	assert.Equal(t, 0.2, events[1].Details["distance_nm"])
	assert.Empty(t, events[0].Details)
}
