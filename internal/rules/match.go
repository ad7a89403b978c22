package rules

import (
	"math"
	"strconv"
	"strings"

	"github.com/yegors/skywarden/internal/adsb"
)

type valueKind uint8

const (
	kindString valueKind = iota
	kindNumber
	kindBool
)

// fieldValue is a resolved aircraft field
type fieldValue struct {
	kind valueKind
	s    string
	n    float64
	b    bool
}

func (v fieldValue) String() string {
	switch v.kind {
	case kindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case kindBool:
		return strconv.FormatBool(v.b)
	default:
		return v.s
	}
}

func (v fieldValue) Number() (float64, bool) {
	switch v.kind {
	case kindNumber:
		return v.n, true
	case kindString:
		return adsb.ParseNumber(v.s)
	default:
		return 0, false
	}
}

func stringValue(s string) (fieldValue, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return fieldValue{}, false
	}
	return fieldValue{kind: kindString, s: s}, true
}

// flexValue resolves a numeric feed field. NaN and infinities, numeric or
// spelled out, read as absent; other strings such as "ground" stay strings.
func flexValue(f *adsb.FlexibleField) (fieldValue, bool) {
	switch v := f.Raw().(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fieldValue{}, false
		}
		return fieldValue{kind: kindNumber, n: v}, true
	case string:
		if n, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && (math.IsNaN(n) || math.IsInf(n, 0)) {
			return fieldValue{}, false
		}
		return stringValue(v)
	case bool:
		return fieldValue{kind: kindBool, b: v}, true
	default:
		return fieldValue{}, false
	}
}

// resolve reads the field a rule type refers to. The bool is false when the
// aircraft does not carry the field. Military and emergency are never absent:
// missing data reads as false.
func resolve(t RuleType, ac *adsb.AircraftSnapshot) (fieldValue, bool) {
	switch t {
	case TypeICAO:
		return stringValue(ac.Hex)
	case TypeCallsign:
		return stringValue(ac.Flight)
	case TypeSquawk:
		return stringValue(ac.Squawk)
	case TypeAltitude:
		return flexValue(ac.AltitudeField())
	case TypeDistance, TypeProximity:
		return flexValue(ac.DistanceNM)
	case TypeSpeed:
		return flexValue(ac.GS)
	case TypeVerticalRate:
		return flexValue(ac.VerticalRateField())
	case TypeAircraftType:
		return stringValue(ac.Type)
	case TypeCategory:
		return stringValue(ac.Category)
	case TypeMilitary:
		return fieldValue{kind: kindBool, b: ac.IsMilitary()}, true
	case TypeEmergency:
		return fieldValue{kind: kindBool, b: ac.IsEmergency()}, true
	case TypeRegistration:
		return stringValue(ac.Registration)
	case TypeOperator:
		return stringValue(ac.Operator)
	}
	return fieldValue{}, false
}

func (l *leaf) matches(ac *adsb.AircraftSnapshot) bool {
	if l.never {
		return false
	}
	v, ok := resolve(l.ruleType, ac)
	if !ok {
		return false
	}

	switch l.op {
	case OpEq:
		return l.equals(v)
	case OpNeq:
		return !l.equals(v)
	case OpLt, OpLe, OpGt, OpGe:
		return l.compare(v)
	case OpContains:
		return strings.Contains(strings.ToLower(v.String()), l.lower)
	case OpStartsWith:
		return strings.HasPrefix(strings.ToLower(v.String()), l.lower)
	case OpEndsWith:
		return strings.HasSuffix(strings.ToLower(v.String()), l.lower)
	case OpRegex:
		return l.matchesAtStart(v.String())
	}
	return false
}

// matchesAtStart reports whether some match of the pattern begins at index 0.
// The leftmost match starts at 0 whenever any match does.
func (l *leaf) matchesAtStart(s string) bool {
	if l.re == nil {
		return false
	}
	loc := l.re.FindStringIndex(s)
	return loc != nil && loc[0] == 0
}

// equals compares case-insensitively, then numerically so "35000" equals "35000.0"
func (l *leaf) equals(v fieldValue) bool {
	if strings.EqualFold(v.String(), l.raw) {
		return true
	}
	if !l.numOK {
		return false
	}
	n, ok := v.Number()
	return ok && n == l.num
}

func (l *leaf) compare(v fieldValue) bool {
	if !l.numOK {
		return false
	}
	n, ok := v.Number()
	if !ok {
		return false
	}
	switch l.op {
	case OpLt:
		return n < l.num
	case OpLe:
		return n <= l.num
	case OpGt:
		return n > l.num
	case OpGe:
		return n >= l.num
	}
	return false
}

func (n *node) eval(ac *adsb.AircraftSnapshot) bool {
	switch n.kind {
	case nodeLeaf:
		return n.leaf.matches(ac)
	case nodeGroup:
		// empty groups pass vacuously
		if len(n.children) == 0 {
			return true
		}
		if n.logic == LogicOr {
			for _, c := range n.children {
				if c.eval(ac) {
					return true
				}
			}
			return false
		}
		for _, c := range n.children {
			if !c.eval(ac) {
				return false
			}
		}
		return true
	}
	return false
}

// Matches evaluates the simple condition and the compound tree; both must pass when present
func (r *CompiledRule) Matches(ac *adsb.AircraftSnapshot) bool {
	if ac == nil || !r.Prefilter(ac) {
		return false
	}
	if r.simple != nil && !r.simple.matches(ac) {
		return false
	}
	if r.tree != nil && !r.tree.eval(ac) {
		return false
	}
	return true
}
