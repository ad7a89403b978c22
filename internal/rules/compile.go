package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yegors/skywarden/internal/adsb"
	"github.com/yegors/skywarden/pkg/logger"
)

// need is a bitmask of aircraft fields that must be present for a match
type need uint8

const (
	needDistance need = 1 << iota
	needAltitude
	needSpeed
	needMilitary
)

// leaf is one compiled simple condition
type leaf struct {
	ruleType RuleType
	op       Operator
	raw      string
	lower    string
	num      float64
	numOK    bool
	re       *regexp.Regexp
	never    bool
}

type nodeKind uint8

const (
	nodeLeaf nodeKind = iota
	nodeGroup
)

// node is either a leaf or a group of child nodes combined with logic
type node struct {
	kind     nodeKind
	leaf     *leaf
	logic    Logic
	children []*node
}

// CompiledRule is a validated rule ready to match against aircraft
type CompiledRule struct {
	Def      Definition
	Cooldown time.Duration
	Hints    Hints

	simple *leaf
	tree   *node
	needs  need
}

// Compile validates a definition and builds its matcher. Structural problems are
// errors; a bad regex only disables that condition and is logged.
func Compile(def Definition, log *logger.Logger) (*CompiledRule, error) {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.With(logger.Int64("rule_id", def.ID))

	priority, err := parsePriority(def.Priority)
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w: %q", def.ID, err, def.Priority)
	}
	def.Priority = priority

	switch Visibility(strings.ToLower(string(def.Visibility))) {
	case "":
		def.Visibility = VisibilityPrivate
	case VisibilityPrivate, VisibilityShared, VisibilityPublic:
		def.Visibility = Visibility(strings.ToLower(string(def.Visibility)))
	default:
		return nil, fmt.Errorf("rule %d: invalid visibility %q", def.ID, def.Visibility)
	}

	if def.CooldownSeconds <= 0 {
		def.CooldownSeconds = DefaultCooldownSeconds
	}

	r := &CompiledRule{Cooldown: time.Duration(def.CooldownSeconds) * time.Second}

	if def.RuleType != "" {
		rt, err := parseRuleType(def.RuleType)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w: %q", def.ID, err, def.RuleType)
		}
		def.RuleType = rt
	}

	if def.HasSimpleCondition() {
		l, err := compileLeaf(Condition{Type: def.RuleType, Operator: def.Operator, Value: def.Value}, log)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", def.ID, err)
		}
		def.Operator = l.op
		r.simple = l
		r.needs |= l.needs()
		r.Hints.add(l.ruleType)
	}

	if def.Conditions != nil {
		tree, err := compileTree(def.Conditions, log)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", def.ID, err)
		}
		r.tree = tree
		r.needs |= tree.needs()
		tree.walkLeaves(func(l *leaf) { r.Hints.add(l.ruleType) })
	}

	if r.simple == nil && r.tree == nil {
		return nil, fmt.Errorf("rule %d: %w", def.ID, ErrEmptyRule)
	}

	r.Def = def
	return r, nil
}

func compileTree(t *ConditionTree, log *logger.Logger) (*node, error) {
	topLogic, err := parseLogic(t.Logic)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, t.Logic)
	}

	root := &node{kind: nodeGroup, logic: topLogic}
	for gi, g := range t.Groups {
		groupLogic, err := parseLogic(g.Logic)
		if err != nil {
			return nil, fmt.Errorf("group %d: %w: %q", gi, err, g.Logic)
		}

		group := &node{kind: nodeGroup, logic: groupLogic}
		for ci, c := range g.Conditions {
			l, err := compileLeaf(c, log)
			if err != nil {
				return nil, fmt.Errorf("condition %d.%d: %w", gi, ci, err)
			}
			group.children = append(group.children, &node{kind: nodeLeaf, leaf: l})
		}
		root.children = append(root.children, group)
	}
	return root, nil
}

func compileLeaf(c Condition, log *logger.Logger) (*leaf, error) {
	rt, err := parseRuleType(c.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, c.Type)
	}
	op, err := parseOperator(c.Operator)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, c.Operator)
	}

	raw := strings.TrimSpace(c.Value)
	l := &leaf{ruleType: rt, op: op, raw: raw, lower: strings.ToLower(raw)}
	l.num, l.numOK = adsb.ParseNumber(raw)

	if op == OpRegex {
		if n := utf8.RuneCountInString(c.Value); n > MaxRegexLength {
			log.Warn("Regex pattern exceeds length cap, condition will never match",
				logger.String("rule_type", string(rt)),
				logger.Int("length", n),
				logger.Int("max", MaxRegexLength),
			)
			l.never = true
			return l, nil
		}
		re, err := regexp.Compile("(?i)" + c.Value)
		if err != nil {
			log.Warn("Invalid regex pattern, condition will never match",
				logger.String("rule_type", string(rt)),
				logger.Error(err),
			)
			l.never = true
			return l, nil
		}
		l.re = re
	}
	return l, nil
}

func (h *Hints) add(t RuleType) {
	switch t {
	case TypeMilitary:
		h.RequiresMilitary = true
	case TypeDistance, TypeProximity:
		h.RequiresPosition = true
	case TypeAltitude:
		h.RequiresAltitude = true
	case TypeSpeed:
		h.RequiresSpeed = true
	}
}

// needs returns the fields without which this leaf cannot match
func (l *leaf) needs() need {
	switch l.ruleType {
	case TypeDistance, TypeProximity:
		return needDistance
	case TypeAltitude:
		return needAltitude
	case TypeSpeed:
		return needSpeed
	case TypeMilitary:
		isTrue := strings.EqualFold(l.raw, "true")
		isFalse := strings.EqualFold(l.raw, "false")
		if (l.op == OpEq && isTrue) || (l.op == OpNeq && isFalse) {
			return needMilitary
		}
	}
	return 0
}

// needs is the union over AND children and the intersection over OR children
func (n *node) needs() need {
	if n.kind == nodeLeaf {
		return n.leaf.needs()
	}
	if len(n.children) == 0 {
		return 0
	}
	if n.logic == LogicAnd {
		var out need
		for _, c := range n.children {
			out |= c.needs()
		}
		return out
	}
	out := n.children[0].needs()
	for _, c := range n.children[1:] {
		out &= c.needs()
	}
	return out
}

func (n *node) walkLeaves(fn func(*leaf)) {
	if n.kind == nodeLeaf {
		fn(n.leaf)
		return
	}
	for _, c := range n.children {
		c.walkLeaves(fn)
	}
}

// Prefilter is a cheap necessary condition for Matches
func (r *CompiledRule) Prefilter(ac *adsb.AircraftSnapshot) bool {
	if r.needs&needDistance != 0 && ac.DistanceNM == nil {
		return false
	}
	if r.needs&needAltitude != 0 && ac.AltitudeField() == nil {
		return false
	}
	if r.needs&needSpeed != 0 && ac.GS == nil {
		return false
	}
	if r.needs&needMilitary != 0 && !ac.IsMilitary() {
		return false
	}
	return true
}

// IsScheduledActive reports whether now falls inside [starts_at, expires_at)
func (r *CompiledRule) IsScheduledActive(now time.Time) bool {
	if r.Def.StartsAt != nil && now.Before(*r.Def.StartsAt) {
		return false
	}
	if r.Def.ExpiresAt != nil && !now.Before(*r.Def.ExpiresAt) {
		return false
	}
	return true
}
