package migration

import "testing"

func TestDetectPattern(t *testing.T) {
	cases := []struct {
		sources, targets int
		want             Pattern
	}{
		{1, 1, PatternOneToOne},
		{3, 1, PatternManyToOne},
		{2, 1, PatternManyToOne},
		{1, 3, PatternOneToMany},
		{2, 2, PatternManyToMany},
		{5, 5, PatternManyToMany},
		{2, 3, PatternAsymmetric},
		{4, 2, PatternAsymmetric},
	}
	for _, c := range cases {
		if got := DetectPattern(c.sources, c.targets); got != c.want {
			t.Errorf("DetectPattern(%d,%d) = %s, want %s", c.sources, c.targets, got, c.want)
		}
	}
}

func TestRecommendedStrategyIsFirstAvailable(t *testing.T) {
	patterns := []Pattern{PatternOneToOne, PatternManyToOne, PatternOneToMany, PatternManyToMany, PatternAsymmetric}
	for _, p := range patterns {
		strategies := AvailableStrategies(p)
		if len(strategies) == 0 {
			t.Fatalf("no strategies for pattern %s", p)
		}
		if strategies[0] != RecommendedStrategy(p) {
			t.Errorf("pattern %s: first strategy %s != recommended %s", p, strategies[0], RecommendedStrategy(p))
		}
	}
}

func TestRecommendedStrategyDefaults(t *testing.T) {
	cases := map[Pattern]Strategy{
		PatternOneToOne:   StrategySimple,
		PatternManyToOne:  StrategyConsolidate,
		PatternOneToMany:  StrategyDistribute,
		PatternManyToMany: StrategyVersionBased,
		PatternAsymmetric: StrategyManualMapping,
	}
	for pattern, want := range cases {
		if got := RecommendedStrategy(pattern); got != want {
			t.Errorf("RecommendedStrategy(%s) = %s, want %s", pattern, got, want)
		}
	}
}

func TestValidateStrategyCompatibilityIsPermissive(t *testing.T) {
	// Valid must be true for every combination; Compatible is advisory.
	strategies := []Strategy{StrategySimple, StrategyConsolidate, StrategyDistribute,
		StrategyVersionBased, StrategyRoundRobin, StrategyManualMapping, StrategyCustom}
	patterns := []Pattern{PatternOneToOne, PatternManyToOne, PatternOneToMany, PatternManyToMany, PatternAsymmetric}

	for _, s := range strategies {
		for _, p := range patterns {
			result := ValidateStrategyCompatibility(s, p)
			if !result.Valid {
				t.Errorf("ValidateStrategyCompatibility(%s,%s).Valid = false, want true", s, p)
			}
			if !result.Compatible && len(result.Warnings) == 0 {
				t.Errorf("incompatible %s/%s produced no warnings", s, p)
			}
			if result.Compatible && len(result.Warnings) != 0 {
				t.Errorf("compatible %s/%s produced warnings: %v", s, p, result.Warnings)
			}
		}
	}

	if r := ValidateStrategyCompatibility(StrategyConsolidate, PatternOneToMany); r.Compatible {
		t.Error("consolidate should not be compatible with 1:N")
	}
	if r := ValidateStrategyCompatibility(StrategySimple, PatternOneToOne); !r.Compatible {
		t.Error("simple should be compatible with 1:1")
	}
}

func TestConflictResolutionOptions(t *testing.T) {
	has := func(opts []ConflictResolution, want ConflictResolution) bool {
		for _, o := range opts {
			if o == want {
				return true
			}
		}
		return false
	}

	strategies := []Strategy{StrategySimple, StrategyConsolidate, StrategyDistribute,
		StrategyVersionBased, StrategyRoundRobin, StrategyManualMapping, StrategyCustom}
	for _, s := range strategies {
		opts := ConflictResolutionOptions(s)
		for _, base := range []ConflictResolution{ConflictFail, ConflictPrefix, ConflictSuffix} {
			if !has(opts, base) {
				t.Errorf("strategy %s missing base option %s", s, base)
			}
		}
		if got, want := has(opts, ConflictMerge), s == StrategyConsolidate; got != want {
			t.Errorf("strategy %s: merge present = %v, want %v", s, got, want)
		}
		if got, want := has(opts, ConflictRenameSchema), s == StrategyCustom || s == StrategyManualMapping; got != want {
			t.Errorf("strategy %s: rename-schema present = %v, want %v", s, got, want)
		}
	}
}
