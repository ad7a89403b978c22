package rules

import (
	"errors"
	"strings"
	"time"
)

// Errors returned by Compile
var (
	ErrUnknownRuleType = errors.New("unknown rule type")
	ErrUnknownOperator = errors.New("unknown operator")
	ErrInvalidLogic    = errors.New("invalid logic")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrEmptyRule       = errors.New("rule has neither a simple condition nor compound conditions")
)

// RuleType selects which aircraft field a condition reads
type RuleType string

const (
	TypeICAO         RuleType = "icao"
	TypeCallsign     RuleType = "callsign"
	TypeSquawk       RuleType = "squawk"
	TypeAltitude     RuleType = "altitude"
	TypeDistance     RuleType = "distance"
	TypeProximity    RuleType = "proximity"
	TypeSpeed        RuleType = "speed"
	TypeVerticalRate RuleType = "vertical_rate"
	TypeAircraftType RuleType = "type"
	TypeCategory     RuleType = "category"
	TypeMilitary     RuleType = "military"
	TypeEmergency    RuleType = "emergency"
	TypeRegistration RuleType = "registration"
	TypeOperator     RuleType = "operator"
)

// Operator compares an aircraft value against the rule value
type Operator string

const (
	OpEq         Operator = "eq"
	OpNeq        Operator = "neq"
	OpLt         Operator = "lt"
	OpLe         Operator = "le"
	OpGt         Operator = "gt"
	OpGe         Operator = "ge"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startswith"
	OpEndsWith   Operator = "endswith"
	OpRegex      Operator = "regex"
)

// Logic combines conditions or groups
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Priority of a triggered alert
type Priority string

const (
	PriorityInfo     Priority = "info"
	PriorityWarning  Priority = "warning"
	PriorityCritical Priority = "critical"
)

// Visibility of a rule to other users
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
	VisibilityPublic  Visibility = "public"
)

// DefaultCooldownSeconds applies when a rule has no positive cooldown
const DefaultCooldownSeconds = 300

// MaxRegexLength caps regex patterns; longer patterns never match
const MaxRegexLength = 500

// Condition is one leaf of a compound tree
type Condition struct {
	Type     RuleType `json:"type"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

// ConditionGroup combines conditions with its own logic
type ConditionGroup struct {
	Logic      Logic       `json:"logic"`
	Conditions []Condition `json:"conditions"`
}

// ConditionTree is the two-level compound condition
type ConditionTree struct {
	Logic  Logic            `json:"logic"`
	Groups []ConditionGroup `json:"groups"`
}

// Definition is the persisted form of a rule
type Definition struct {
	ID               int64          `json:"id"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	RuleType         RuleType       `json:"rule_type,omitempty"`
	Operator         Operator       `json:"operator,omitempty"`
	Value            string         `json:"value,omitempty"`
	Conditions       *ConditionTree `json:"conditions,omitempty"`
	Priority         Priority       `json:"priority"`
	CooldownSeconds  int            `json:"cooldown_seconds"`
	OwnerID          string         `json:"owner_id,omitempty"`
	Visibility       Visibility     `json:"visibility"`
	IsSystem         bool           `json:"is_system"`
	Enabled          bool           `json:"enabled"`
	StartsAt         *time.Time     `json:"starts_at,omitempty"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	NotificationURLs []string       `json:"notification_urls,omitempty"`
	WebhookURL       string         `json:"webhook_url,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// HasSimpleCondition reports whether rule_type and value are both set
func (d *Definition) HasSimpleCondition() bool {
	return d.RuleType != "" && strings.TrimSpace(d.Value) != ""
}

// Hints flag which aircraft fields any leaf of the rule looks at
type Hints struct {
	RequiresMilitary bool `json:"requires_military"`
	RequiresPosition bool `json:"requires_position"`
	RequiresAltitude bool `json:"requires_altitude"`
	RequiresSpeed    bool `json:"requires_speed"`
}

func parseRuleType(s RuleType) (RuleType, error) {
	t := RuleType(strings.ToLower(strings.TrimSpace(string(s))))
	switch t {
	case TypeICAO, TypeCallsign, TypeSquawk, TypeAltitude, TypeDistance, TypeProximity,
		TypeSpeed, TypeVerticalRate, TypeAircraftType, TypeCategory, TypeMilitary,
		TypeEmergency, TypeRegistration, TypeOperator:
		return t, nil
	}
	return "", ErrUnknownRuleType
}

func parseOperator(s Operator) (Operator, error) {
	op := Operator(strings.ToLower(strings.TrimSpace(string(s))))
	switch op {
	case "":
		return OpEq, nil
	case OpEq, OpNeq, OpLt, OpLe, OpGt, OpGe, OpContains, OpStartsWith, OpEndsWith, OpRegex:
		return op, nil
	}
	return "", ErrUnknownOperator
}

func parseLogic(s Logic) (Logic, error) {
	l := Logic(strings.ToUpper(strings.TrimSpace(string(s))))
	switch l {
	case "":
		return LogicAnd, nil
	case LogicAnd, LogicOr:
		return l, nil
	}
	return "", ErrInvalidLogic
}

func parsePriority(p Priority) (Priority, error) {
	pr := Priority(strings.ToLower(strings.TrimSpace(string(p))))
	switch pr {
	case "":
		return PriorityInfo, nil
	case PriorityInfo, PriorityWarning, PriorityCritical:
		return pr, nil
	}
	return "", ErrInvalidPriority
}
