package alerts

import (
	"github.com/yegors/skywarden/internal/adsb"
	"github.com/yegors/skywarden/internal/rules"
)

// DryRunResult summarizes a rule test
type DryRunResult struct {
	WouldMatchCount int                     `json:"would_match_count"`
	MatchedAircraft []adsb.AircraftSnapshot `json:"matched_aircraft"`
	AircraftTested  int                     `json:"aircraft_tested"`
	Truncated       bool                    `json:"truncated,omitempty"`
}

// TestRuleAgainstAircraft compiles a transient rule and reports which aircraft
// it would match. Cooldowns, schedules, sinks and notifiers are not touched,
// so repeated runs over the same input return the same result.
func (e *Engine) TestRuleAgainstAircraft(def rules.Definition, aircraft []adsb.AircraftSnapshot) (DryRunResult, error) {
	compiled, err := rules.Compile(def, e.logger)
	if err != nil {
		return DryRunResult{}, err
	}

	res := DryRunResult{
		AircraftTested:  len(aircraft),
		MatchedAircraft: []adsb.AircraftSnapshot{},
	}
	for i := range aircraft {
		ac := &aircraft[i]
		if ac.ICAO() == "" || !compiled.Matches(ac) {
			continue
		}
		res.WouldMatchCount++
		if len(res.MatchedAircraft) < e.deps.MaxDryRunMatches {
			res.MatchedAircraft = append(res.MatchedAircraft, *ac)
		} else {
			res.Truncated = true
		}
	}
	return res, nil
}
