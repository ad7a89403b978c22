package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yegors/skywarden/internal/alerts"
	"github.com/yegors/skywarden/internal/rules"
	"github.com/yegors/skywarden/internal/safety"
)

// DefaultHistoryLimit applies when callers pass a non-positive limit
const DefaultHistoryLimit = 100

// RecordAlert appends a triggered alert to alert_history
func (s *Store) RecordAlert(ctx context.Context, a alerts.TriggeredAlert) error {
	aircraft, err := json.Marshal(a.Aircraft)
	if err != nil {
		return fmt.Errorf("failed to encode aircraft: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alert_history
		(id, rule_id, rule_name, icao, callsign, message, priority, aircraft, triggered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RuleID, a.RuleName, a.ICAO, a.Callsign, a.Message, string(a.Priority),
		string(aircraft), formatTime(a.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// RecentAlerts returns the newest alerts first
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]alerts.TriggeredAlert, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rule_id, rule_name, icao, callsign, message, priority, aircraft, triggered_at
		FROM alert_history
		ORDER BY triggered_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	out := []alerts.TriggeredAlert{}
	for rows.Next() {
		var (
			a         alerts.TriggeredAlert
			priority  string
			aircraft  string
			triggered string
		)
		if err := rows.Scan(&a.ID, &a.RuleID, &a.RuleName, &a.ICAO, &a.Callsign, &a.Message,
			&priority, &aircraft, &triggered); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Priority = rules.Priority(priority)
		if err := json.Unmarshal([]byte(aircraft), &a.Aircraft); err != nil {
			return nil, fmt.Errorf("alert %s: failed to decode aircraft: %w", a.ID, err)
		}
		if a.Timestamp, err = parseTime(triggered); err != nil {
			return nil, fmt.Errorf("alert %s: failed to parse triggered_at: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordSafetyEvent appends a safety event
func (s *Store) RecordSafetyEvent(ctx context.Context, ev safety.Event) error {
	details := ev.Details
	if details == nil {
		details = map[string]any{}
	}
	b, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO safety_events
		(id, event_type, severity, icao_hex, icao_hex_2, callsign, callsign_2, message, details, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.EventType), string(ev.Severity), ev.ICAO, ev.ICAO2, ev.Callsign,
		ev.Callsign2, ev.Message, string(b), formatTime(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert safety event: %w", err)
	}
	return nil
}

// RecentSafetyEvents returns the newest events first
func (s *Store) RecentSafetyEvents(ctx context.Context, limit int) ([]safety.Event, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, severity, icao_hex, icao_hex_2, callsign, callsign_2, message, details, detected_at
		FROM safety_events
		ORDER BY detected_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query safety events: %w", err)
	}
	defer rows.Close()

	out := []safety.Event{}
	for rows.Next() {
		var (
			ev                  safety.Event
			eventType, severity string
			details, detected   string
		)
		if err := rows.Scan(&ev.ID, &eventType, &severity, &ev.ICAO, &ev.ICAO2, &ev.Callsign,
			&ev.Callsign2, &ev.Message, &details, &detected); err != nil {
			return nil, fmt.Errorf("failed to scan safety event: %w", err)
		}
		ev.EventType = safety.EventType(eventType)
		ev.Severity = safety.Severity(severity)
		if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
			return nil, fmt.Errorf("event %s: failed to decode details: %w", ev.ID, err)
		}
		if ev.Timestamp, err = parseTime(detected); err != nil {
			return nil, fmt.Errorf("event %s: failed to parse detected_at: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
