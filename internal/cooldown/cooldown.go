// Package cooldown suppresses repeat triggers of the same (scope, subject) pair
// within a time window.
package cooldown

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Store is an atomic check-and-set of last-trigger timestamps.
//
// CheckAndSet returns (true, now) and records now when the pair has not fired
// within cooldown, otherwise (false, lastTriggered) and leaves state untouched.
// At most one concurrent caller may be allowed per pair per window.
type Store interface {
	CheckAndSet(ctx context.Context, scope, subject string, cooldown time.Duration) (bool, time.Time, error)
	ClearRule(ctx context.Context, scope string) (int, error)
	Sweep(ctx context.Context) (int, error)
	Status(ctx context.Context) (Status, error)
}

// Status is a diagnostic summary of a store
type Status struct {
	Backend string         `json:"backend"`
	Entries int            `json:"entries"`
	Scopes  map[string]int `json:"scopes,omitempty"`
	Healthy bool           `json:"healthy"`
	Error   string         `json:"error,omitempty"`
}

// Policy decides what a backend error means for a trigger
type Policy string

const (
	// FailClosed suppresses the trigger when the store cannot be reached
	FailClosed Policy = "closed"
	// FailOpen lets the trigger through, accepting possible duplicates
	FailOpen Policy = "open"
)

// ParsePolicy validates a configured policy; empty means closed
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailClosed:
		return FailClosed, nil
	case FailOpen:
		return FailOpen, nil
	default:
		return "", fmt.Errorf("unknown cooldown error policy %q (want open or closed)", s)
	}
}

// Decide applies the policy to a CheckAndSet result
func Decide(allowed bool, err error, p Policy) bool {
	if err != nil {
		return p == FailOpen
	}
	return allowed
}

// RuleScope is the scope used for alert rule cooldowns
func RuleScope(ruleID int64) string {
	return "rule:" + strconv.FormatInt(ruleID, 10)
}

// SafetyScope is the scope used for a safety check
func SafetyScope(check string) string {
	return "safety:" + check
}

// PairKey builds an order-independent subject for two aircraft
func PairKey(a, b string) string {
	pair := []string{strings.ToUpper(strings.TrimSpace(a)), strings.ToUpper(strings.TrimSpace(b))}
	sort.Strings(pair)
	return pair[0] + "|" + pair[1]
}
