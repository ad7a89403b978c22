package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yegors/skywarden/internal/rules"
	"github.com/yegors/skywarden/pkg/logger"
)

var (
	// ErrRuleNotFound is returned when no rule has the requested id
	ErrRuleNotFound = errors.New("rule not found")
	// ErrInvalidRule wraps compile errors for rejected definitions
	ErrInvalidRule = errors.New("invalid rule")
)

const ruleColumns = `id, name, description, rule_type, operator, value, conditions, priority,
	cooldown_seconds, owner_id, visibility, is_system, enabled, starts_at, expires_at,
	notification_urls, webhook_url, created_at, updated_at`

// OnRulesChanged registers fn to run after every successful rule write
func (s *Store) OnRulesChanged(fn func()) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Store) rulesChanged() {
	s.hookMu.RLock()
	hooks := append([]func(){}, s.hooks...)
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

// normalize validates def by compiling it and returns the defaulted form
func (s *Store) normalize(def rules.Definition) (rules.Definition, error) {
	compiled, err := rules.Compile(def, s.logger)
	if err != nil {
		return rules.Definition{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return compiled.Def, nil
}

// CreateRule validates and inserts def, returning the stored rule
func (s *Store) CreateRule(ctx context.Context, def rules.Definition) (rules.Definition, error) {
	def, err := s.normalize(def)
	if err != nil {
		return rules.Definition{}, err
	}

	now := s.now().UTC()
	def.CreatedAt, def.UpdatedAt = now, now

	conditions, urls, err := encodeRuleJSON(def)
	if err != nil {
		return rules.Definition{}, err
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO rules
		(name, description, rule_type, operator, value, conditions, priority, cooldown_seconds,
		 owner_id, visibility, is_system, enabled, starts_at, expires_at, notification_urls,
		 webhook_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.Name, def.Description, string(def.RuleType), string(def.Operator), def.Value, conditions,
		string(def.Priority), def.CooldownSeconds, def.OwnerID, string(def.Visibility),
		boolToInt(def.IsSystem), boolToInt(def.Enabled), formatNullableTime(def.StartsAt),
		formatNullableTime(def.ExpiresAt), urls, def.WebhookURL, formatTime(now), formatTime(now),
	)
	if err != nil {
		return rules.Definition{}, fmt.Errorf("failed to insert rule: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return rules.Definition{}, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	def.ID = id

	s.logger.Info("Rule created", logger.Int64("rule_id", id), logger.String("name", def.Name))
	s.rulesChanged()
	return def, nil
}

// UpdateRule replaces the rule with def.ID
func (s *Store) UpdateRule(ctx context.Context, def rules.Definition) (rules.Definition, error) {
	existing, err := s.GetRule(ctx, def.ID)
	if err != nil {
		return rules.Definition{}, err
	}

	def, err = s.normalize(def)
	if err != nil {
		return rules.Definition{}, err
	}
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = s.now().UTC()

	conditions, urls, err := encodeRuleJSON(def)
	if err != nil {
		return rules.Definition{}, err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE rules SET
		name = ?, description = ?, rule_type = ?, operator = ?, value = ?, conditions = ?,
		priority = ?, cooldown_seconds = ?, owner_id = ?, visibility = ?, is_system = ?,
		enabled = ?, starts_at = ?, expires_at = ?, notification_urls = ?, webhook_url = ?,
		updated_at = ?
		WHERE id = ?`,
		def.Name, def.Description, string(def.RuleType), string(def.Operator), def.Value, conditions,
		string(def.Priority), def.CooldownSeconds, def.OwnerID, string(def.Visibility),
		boolToInt(def.IsSystem), boolToInt(def.Enabled), formatNullableTime(def.StartsAt),
		formatNullableTime(def.ExpiresAt), urls, def.WebhookURL, formatTime(def.UpdatedAt), def.ID,
	)
	if err != nil {
		return rules.Definition{}, fmt.Errorf("failed to update rule: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return rules.Definition{}, ErrRuleNotFound
	}

	s.logger.Info("Rule updated", logger.Int64("rule_id", def.ID))
	s.rulesChanged()
	return def, nil
}

// DeleteRule removes the rule with id
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrRuleNotFound
	}

	s.logger.Info("Rule deleted", logger.Int64("rule_id", id))
	s.rulesChanged()
	return nil
}

// GetRule returns one rule by id
func (s *Store) GetRule(ctx context.Context, id int64) (rules.Definition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	def, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rules.Definition{}, ErrRuleNotFound
	}
	return def, err
}

// ListRules returns every rule ordered by id
func (s *Store) ListRules(ctx context.Context) ([]rules.Definition, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY id`)
}

// ListEnabledRules returns enabled rules; schedule windows are applied by the engine
func (s *Store) ListEnabledRules(ctx context.Context) ([]rules.Definition, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules WHERE enabled = 1 ORDER BY id`)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]rules.Definition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	out := []rules.Definition{}
	for rows.Next() {
		def, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (rules.Definition, error) {
	var (
		def                  rules.Definition
		ruleType, operator   string
		priority, visibility string
		conditions           sql.NullString
		isSystem, enabled    int
		startsAt, expiresAt  sql.NullString
		urls                 string
		createdAt, updatedAt string
	)

	if err := row.Scan(
		&def.ID, &def.Name, &def.Description, &ruleType, &operator, &def.Value, &conditions,
		&priority, &def.CooldownSeconds, &def.OwnerID, &visibility, &isSystem, &enabled,
		&startsAt, &expiresAt, &urls, &def.WebhookURL, &createdAt, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return def, err
		}
		return def, fmt.Errorf("failed to scan rule: %w", err)
	}

	def.RuleType = rules.RuleType(ruleType)
	def.Operator = rules.Operator(operator)
	def.Priority = rules.Priority(priority)
	def.Visibility = rules.Visibility(visibility)
	def.IsSystem = isSystem != 0
	def.Enabled = enabled != 0

	if conditions.Valid && conditions.String != "" {
		def.Conditions = &rules.ConditionTree{}
		if err := json.Unmarshal([]byte(conditions.String), def.Conditions); err != nil {
			return def, fmt.Errorf("rule %d: failed to decode conditions: %w", def.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(urls), &def.NotificationURLs); err != nil {
		return def, fmt.Errorf("rule %d: failed to decode notification urls: %w", def.ID, err)
	}

	var err error
	if def.StartsAt, err = parseNullableTime(startsAt); err != nil {
		return def, fmt.Errorf("rule %d: failed to parse starts_at: %w", def.ID, err)
	}
	if def.ExpiresAt, err = parseNullableTime(expiresAt); err != nil {
		return def, fmt.Errorf("rule %d: failed to parse expires_at: %w", def.ID, err)
	}
	if def.CreatedAt, err = parseTime(createdAt); err != nil {
		return def, fmt.Errorf("rule %d: failed to parse created_at: %w", def.ID, err)
	}
	if def.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return def, fmt.Errorf("rule %d: failed to parse updated_at: %w", def.ID, err)
	}
	return def, nil
}

func encodeRuleJSON(def rules.Definition) (conditions any, urls string, err error) {
	if def.Conditions != nil {
		b, err := json.Marshal(def.Conditions)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode conditions: %w", err)
		}
		conditions = string(b)
	}

	list := def.NotificationURLs
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode notification urls: %w", err)
	}
	return conditions, string(b), nil
}
