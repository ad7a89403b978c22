package rules

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/skywarden/internal/adsb"
	"github.com/yegors/skywarden/pkg/logger"
)

func boolPtr(b bool) *bool { return &b }

func mustCompile(t *testing.T, def Definition) *CompiledRule {
	t.Helper()
	r, err := Compile(def, logger.NewNop())
	require.NoError(t, err)
	return r
}

func simple(rt RuleType, op Operator, value string) Definition {
	return Definition{ID: 1, Name: "test", RuleType: rt, Operator: op, Value: value, Enabled: true}
}

func TestCompileDefaultsAndErrors(t *testing.T) {
	r := mustCompile(t, simple(TypeSquawk, "", "7700"))
	assert.Equal(t, OpEq, r.Def.Operator)
	assert.Equal(t, PriorityInfo, r.Def.Priority)
	assert.Equal(t, VisibilityPrivate, r.Def.Visibility)
	assert.Equal(t, DefaultCooldownSeconds, r.Def.CooldownSeconds)
	assert.Equal(t, 300*time.Second, r.Cooldown)

	cases := []struct {
		name string
		def  Definition
		err  error
	}{
		{"unknown type", simple("wingspan", OpEq, "1"), ErrUnknownRuleType},
		{"unknown operator", simple(TypeSquawk, "like", "1"), ErrUnknownOperator},
		{"bad priority", Definition{RuleType: TypeSquawk, Value: "1", Priority: "urgent"}, ErrInvalidPriority},
		{"empty rule", Definition{ID: 9}, ErrEmptyRule},
		{"bad top logic", Definition{Conditions: &ConditionTree{Logic: "XOR"}}, ErrInvalidLogic},
		{"bad group logic", Definition{Conditions: &ConditionTree{Groups: []ConditionGroup{{Logic: "NAND"}}}}, ErrInvalidLogic},
		{"bad leaf", Definition{Conditions: &ConditionTree{Groups: []ConditionGroup{{Conditions: []Condition{{Type: "nope", Value: "x"}}}}}}, ErrUnknownRuleType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(tc.def, logger.NewNop())
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestAltitudeLessThan(t *testing.T) {
	r := mustCompile(t, simple(TypeAltitude, OpLt, "10000"))

	cases := []struct {
		name string
		ac   adsb.AircraftSnapshot
		want bool
	}{
		{"alt below", adsb.AircraftSnapshot{Hex: "a", Alt: adsb.Num(5000)}, true},
		{"alt above", adsb.AircraftSnapshot{Hex: "a", Alt: adsb.Num(15000)}, false},
		{"equal is not less", adsb.AircraftSnapshot{Hex: "a", Alt: adsb.Num(10000)}, false},
		{"alt_baro fallback", adsb.AircraftSnapshot{Hex: "a", AltBaro: adsb.Num(2000)}, true},
		{"alt wins over alt_baro", adsb.AircraftSnapshot{Hex: "a", Alt: adsb.Num(20000), AltBaro: adsb.Num(2000)}, false},
		{"absent never matches", adsb.AircraftSnapshot{Hex: "a"}, false},
		{"ground is not numeric", adsb.AircraftSnapshot{Hex: "a", AltBaro: adsb.Str("ground")}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, r.Matches(&tc.ac))
		})
	}

	ground := mustCompile(t, simple(TypeAltitude, OpEq, "GROUND"))
	assert.True(t, ground.Matches(&adsb.AircraftSnapshot{Hex: "a", AltBaro: adsb.Str("ground")}))
}

func TestMilitaryFallbackToDBFlags(t *testing.T) {
	isFalse := mustCompile(t, simple(TypeMilitary, OpEq, "false"))
	isTrue := mustCompile(t, simple(TypeMilitary, OpEq, "true"))

	civil := adsb.AircraftSnapshot{Hex: "a", DBFlags: 0}
	mil := adsb.AircraftSnapshot{Hex: "b", DBFlags: 1}
	explicit := adsb.AircraftSnapshot{Hex: "c", DBFlags: 1, Military: boolPtr(false)}

	assert.True(t, isFalse.Matches(&civil))
	assert.False(t, isTrue.Matches(&civil))
	assert.True(t, isTrue.Matches(&mil))
	assert.False(t, isFalse.Matches(&mil))
	assert.True(t, isFalse.Matches(&explicit), "explicit flag wins")
}

func TestEmergencyAbsentIsFalse(t *testing.T) {
	notEmergency := mustCompile(t, simple(TypeEmergency, OpEq, "false"))
	emergency := mustCompile(t, simple(TypeEmergency, OpEq, "true"))

	quiet := adsb.AircraftSnapshot{Hex: "a"}
	assert.True(t, notEmergency.Matches(&quiet))
	assert.False(t, emergency.Matches(&quiet))

	for _, sq := range []string{"7500", "7600", "7700"} {
		ac := adsb.AircraftSnapshot{Hex: "a", Squawk: sq}
		assert.True(t, emergency.Matches(&ac), sq)
	}
	assert.False(t, emergency.Matches(&adsb.AircraftSnapshot{Hex: "a", Squawk: "1200"}))
}

func TestStringOperators(t *testing.T) {
	ac := adsb.AircraftSnapshot{Hex: "abc123", Flight: "ACA101  ", Registration: "C-FABC", Operator: "Air Canada", Type: "A320"}

	cases := []struct {
		name string
		def  Definition
		want bool
	}{
		{"eq case-insensitive", simple(TypeCallsign, OpEq, "aca101"), true},
		{"neq", simple(TypeCallsign, OpNeq, "WJA1"), true},
		{"neq same", simple(TypeCallsign, OpNeq, "ACA101"), false},
		{"contains", simple(TypeOperator, OpContains, "canada"), true},
		{"startswith", simple(TypeRegistration, OpStartsWith, "c-f"), true},
		{"endswith", simple(TypeAircraftType, OpEndsWith, "20"), true},
		{"endswith miss", simple(TypeAircraftType, OpEndsWith, "21"), false},
		{"icao", simple(TypeICAO, OpEq, "ABC123"), true},
		{"absent category never matches neq", simple(TypeCategory, OpNeq, "A3"), false},
		{"lt on non-numeric fails", simple(TypeCallsign, OpLt, "100"), false},
		{"lt with non-numeric rule value", simple(TypeAltitude, OpLt, "high"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, mustCompile(t, tc.def).Matches(&ac))
		})
	}
}

func TestNumericOperators(t *testing.T) {
	ac := adsb.AircraftSnapshot{Hex: "a", GS: adsb.Num(250), BaroRate: adsb.Num(-1200), DistanceNM: adsb.Num(4.5)}

	assert.True(t, mustCompile(t, simple(TypeSpeed, OpGe, "250")).Matches(&ac))
	assert.False(t, mustCompile(t, simple(TypeSpeed, OpGt, "250")).Matches(&ac))
	assert.True(t, mustCompile(t, simple(TypeSpeed, OpLe, "250")).Matches(&ac))
	assert.True(t, mustCompile(t, simple(TypeSpeed, OpEq, "250.0")).Matches(&ac), "numeric equality fallback")
	assert.True(t, mustCompile(t, simple(TypeVerticalRate, OpLt, "-1000")).Matches(&ac), "baro_rate alias")
	assert.True(t, mustCompile(t, simple(TypeDistance, OpLe, "5")).Matches(&ac))
	assert.True(t, mustCompile(t, simple(TypeProximity, OpLt, "5")).Matches(&ac))
}

func TestMalformedNumericFieldsNeverMatch(t *testing.T) {
	fields := []struct {
		ruleType RuleType
		set      func(ac *adsb.AircraftSnapshot, f *adsb.FlexibleField)
	}{
		{TypeAltitude, func(ac *adsb.AircraftSnapshot, f *adsb.FlexibleField) { ac.Alt = f }},
		{TypeSpeed, func(ac *adsb.AircraftSnapshot, f *adsb.FlexibleField) { ac.GS = f }},
		{TypeVerticalRate, func(ac *adsb.AircraftSnapshot, f *adsb.FlexibleField) { ac.VR = f }},
		{TypeDistance, func(ac *adsb.AircraftSnapshot, f *adsb.FlexibleField) { ac.DistanceNM = f }},
	}
	values := map[string]*adsb.FlexibleField{
		"NaN":      adsb.Str("NaN"),
		"Inf":      adsb.Str("Inf"),
		"-Inf":     adsb.Str("-Infinity"),
		"nan num":  adsb.Num(math.NaN()),
		"inf num":  adsb.Num(math.Inf(-1)),
		"ground":   adsb.Str("ground"),
		"empty":    adsb.Str("  "),
		"boolean?": adsb.Str("true"),
	}
	ops := []Operator{OpLt, OpLe, OpGt, OpGe, OpEq}

	for _, field := range fields {
		for name, value := range values {
			ac := adsb.AircraftSnapshot{Hex: "abc123"}
			field.set(&ac, value)
			for _, op := range ops {
				t.Run(string(field.ruleType)+"/"+name+"/"+string(op), func(t *testing.T) {
					assert.False(t, mustCompile(t, simple(field.ruleType, op, "1000")).Matches(&ac))
				})
			}
		}
	}

	t.Run("non-finite reads as absent for neq", func(t *testing.T) {
		for _, value := range []*adsb.FlexibleField{adsb.Str("NaN"), adsb.Str("Inf"), adsb.Num(math.NaN())} {
			ac := adsb.AircraftSnapshot{Hex: "abc123", Alt: value}
			assert.False(t, mustCompile(t, simple(TypeAltitude, OpNeq, "1000")).Matches(&ac))
		}
	})

	t.Run("non-finite rule value never matches", func(t *testing.T) {
		ac := adsb.AircraftSnapshot{Hex: "abc123", Alt: adsb.Num(5000)}
		for _, v := range []string{"NaN", "Inf", "-Infinity"} {
			assert.False(t, mustCompile(t, simple(TypeAltitude, OpLt, v)).Matches(&ac), v)
			assert.False(t, mustCompile(t, simple(TypeAltitude, OpGt, v)).Matches(&ac), v)
		}
	})
}

func TestRegex(t *testing.T) {
	ac := adsb.AircraftSnapshot{Hex: "a", Flight: "RCH123"}

	assert.True(t, mustCompile(t, simple(TypeCallsign, OpRegex, "rch\\d+")).Matches(&ac), "case-insensitive")
	assert.True(t, mustCompile(t, simple(TypeCallsign, OpRegex, "RCH")).Matches(&ac), "prefix match is enough")
	assert.False(t, mustCompile(t, simple(TypeCallsign, OpRegex, "123")).Matches(&ac), "anchored at start")
	assert.True(t, mustCompile(t, simple(TypeCallsign, OpRegex, "RCH|AAA")).Matches(&ac))
	assert.False(t, mustCompile(t, simple(TypeCallsign, OpRegex, "AAA|123")).Matches(&ac), "alternation stays anchored")

	t.Run("invalid pattern never matches", func(t *testing.T) {
		r := mustCompile(t, simple(TypeCallsign, OpRegex, "RCH(("))
		assert.False(t, r.Matches(&ac))
	})

	t.Run("structural metacharacters", func(t *testing.T) {
		dal := adsb.AircraftSnapshot{Hex: "b", Flight: "DAL12"}
		xdal := adsb.AircraftSnapshot{Hex: "c", Flight: "XDAL12"}

		cases := []struct {
			name    string
			pattern string
			ac      *adsb.AircraftSnapshot
			want    bool
		}{
			{"unbalanced group is invalid", "UAL)|(DAL", &xdal, false},
			{"unbalanced group never matches at start either", "UAL)|(DAL", &dal, false},
			{"group alternation at start", "(UAL|DAL)", &dal, true},
			{"group alternation mid-string", "(UAL|DAL)", &xdal, false},
			{"second alternative mid-string", "UAL|DAL", &xdal, false},
			{"explicit anchor", "^DAL", &dal, true},
			{"unterminated literal quote", `\QDAL`, &dal, true},
			{"quoted parens stay literal", `\QDAL)`, &dal, false},
			{"empty group prefix", "()X?DAL", &xdal, true},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				assert.Equal(t, tc.want, mustCompile(t, simple(TypeCallsign, OpRegex, tc.pattern)).Matches(tc.ac))
			})
		}
	})

	t.Run("length cap", func(t *testing.T) {
		atCap := "RC" + strings.Repeat(".?", (MaxRegexLength-2)/2)
		require.Equal(t, MaxRegexLength, len(atCap))
		assert.True(t, mustCompile(t, simple(TypeCallsign, OpRegex, atCap)).Matches(&ac))

		over := atCap + "?"
		require.Equal(t, 501, len(over))
		r := mustCompile(t, simple(TypeCallsign, OpRegex, over))
		assert.False(t, r.Matches(&ac))
	})
}

func TestCompoundLogic(t *testing.T) {
	cond1 := Condition{Type: TypeAltitude, Operator: OpGt, Value: "30000"}
	cond2 := Condition{Type: TypeCallsign, Operator: OpStartsWith, Value: "ACA"}

	tree := func(top Logic, groups ...ConditionGroup) Definition {
		return Definition{ID: 2, Enabled: true, Conditions: &ConditionTree{Logic: top, Groups: groups}}
	}

	both := adsb.AircraftSnapshot{Hex: "a", Alt: adsb.Num(35000), Flight: "ACA1"}
	onlyAlt := adsb.AircraftSnapshot{Hex: "a", Alt: adsb.Num(35000), Flight: "WJA1"}
	onlyCall := adsb.AircraftSnapshot{Hex: "a", Alt: adsb.Num(3000), Flight: "ACA1"}

	t.Run("OR over a single AND group is that AND", func(t *testing.T) {
		r := mustCompile(t, tree(LogicOr, ConditionGroup{Logic: LogicAnd, Conditions: []Condition{cond1, cond2}}))
		assert.True(t, r.Matches(&both))
		assert.False(t, r.Matches(&onlyAlt))
		assert.False(t, r.Matches(&onlyCall))
	})

	t.Run("AND over OR group", func(t *testing.T) {
		r := mustCompile(t, tree(LogicAnd, ConditionGroup{Logic: LogicOr, Conditions: []Condition{cond1, cond2}}))
		assert.True(t, r.Matches(&onlyAlt))
		assert.True(t, r.Matches(&onlyCall))
	})

	t.Run("OR across groups", func(t *testing.T) {
		r := mustCompile(t, tree(LogicOr,
			ConditionGroup{Conditions: []Condition{cond1}},
			ConditionGroup{Conditions: []Condition{cond2}},
		))
		assert.True(t, r.Matches(&onlyAlt))
		assert.True(t, r.Matches(&onlyCall))
		assert.False(t, r.Matches(&adsb.AircraftSnapshot{Hex: "a"}))
	})

	t.Run("empty groups pass vacuously", func(t *testing.T) {
		r := mustCompile(t, tree(LogicAnd))
		assert.True(t, r.Matches(&adsb.AircraftSnapshot{Hex: "a"}))
		r = mustCompile(t, tree(LogicOr))
		assert.True(t, r.Matches(&adsb.AircraftSnapshot{Hex: "a"}))
	})

	t.Run("empty conditions pass vacuously", func(t *testing.T) {
		r := mustCompile(t, tree(LogicAnd, ConditionGroup{Logic: LogicOr}))
		assert.True(t, r.Matches(&adsb.AircraftSnapshot{Hex: "a"}))
	})

	t.Run("simple and compound are ANDed", func(t *testing.T) {
		def := tree(LogicAnd, ConditionGroup{Conditions: []Condition{cond1}})
		def.RuleType, def.Operator, def.Value = TypeCallsign, OpEq, "WJA1"
		r := mustCompile(t, def)
		assert.True(t, r.Matches(&onlyAlt))
		assert.False(t, r.Matches(&both))
	})
}

func TestHintsAndPrefilter(t *testing.T) {
	def := Definition{ID: 3, Enabled: true, Conditions: &ConditionTree{
		Logic: LogicOr,
		Groups: []ConditionGroup{
			{Conditions: []Condition{{Type: TypeAltitude, Operator: OpLt, Value: "5000"}}},
			{Conditions: []Condition{{Type: TypeMilitary, Operator: OpEq, Value: "true"}}},
			{Conditions: []Condition{{Type: TypeDistance, Operator: OpLt, Value: "3"}, {Type: TypeSpeed, Operator: OpGt, Value: "100"}}},
		},
	}}
	r := mustCompile(t, def)

	assert.Equal(t, Hints{RequiresMilitary: true, RequiresPosition: true, RequiresAltitude: true, RequiresSpeed: true}, r.Hints)

	// each alternative alone still matches: the prefilter must not demand fields from the other branches
	lowNoMil := adsb.AircraftSnapshot{Hex: "a", Alt: adsb.Num(1000)}
	milNoAlt := adsb.AircraftSnapshot{Hex: "b", DBFlags: 1}
	closeFast := adsb.AircraftSnapshot{Hex: "c", DistanceNM: adsb.Num(1), GS: adsb.Num(150)}
	for _, ac := range []adsb.AircraftSnapshot{lowNoMil, milNoAlt, closeFast} {
		assert.True(t, r.Prefilter(&ac))
		assert.True(t, r.Matches(&ac), ac.Hex)
	}

	and := mustCompile(t, Definition{ID: 4, RuleType: TypeMilitary, Value: "true", Conditions: &ConditionTree{
		Groups: []ConditionGroup{{Conditions: []Condition{{Type: TypeAltitude, Operator: OpLt, Value: "5000"}}}},
	}})
	assert.False(t, and.Prefilter(&lowNoMil), "AND needs both")
	assert.False(t, and.Prefilter(&milNoAlt))
	assert.True(t, and.Prefilter(&adsb.AircraftSnapshot{Hex: "d", DBFlags: 1, Alt: adsb.Num(1000)}))

	notMil := mustCompile(t, simple(TypeMilitary, OpEq, "false"))
	assert.True(t, notMil.Prefilter(&lowNoMil), "military=false does not require the military flag")
	assert.True(t, notMil.Hints.RequiresMilitary)
}

func TestIsScheduledActive(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	before := now.Add(-time.Hour)
	after := now.Add(time.Hour)

	def := simple(TypeSquawk, OpEq, "7700")
	assert.True(t, mustCompile(t, def).IsScheduledActive(now), "open-ended")

	def.StartsAt = &before
	def.ExpiresAt = &after
	assert.True(t, mustCompile(t, def).IsScheduledActive(now))

	def.StartsAt = &now
	assert.True(t, mustCompile(t, def).IsScheduledActive(now), "starts_at is inclusive")

	def.StartsAt = &after
	def.ExpiresAt = nil
	assert.False(t, mustCompile(t, def).IsScheduledActive(now))

	def.StartsAt = nil
	def.ExpiresAt = &now
	assert.False(t, mustCompile(t, def).IsScheduledActive(now), "expires_at is exclusive")
}
