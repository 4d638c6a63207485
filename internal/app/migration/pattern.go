// Package migration is the orchestration core: it classifies source/target
// topologies, expands strategies into concrete tasks, and drives each task
// through a strict phase state machine under a bounded-concurrency batch
// coordinator.
package migration

// Pattern is the topology classification of source-to-target instance counts.
type Pattern string

const (
	PatternOneToOne   Pattern = "1:1"
	PatternManyToOne  Pattern = "N:1"
	PatternOneToMany  Pattern = "1:N"
	PatternManyToMany Pattern = "N:N"
	PatternAsymmetric Pattern = "N:M"
)

// Strategy is an algorithm that expands a pattern into concrete tasks.
type Strategy string

const (
	StrategySimple          Strategy = "simple"
	StrategyConsolidate     Strategy = "consolidate"
	StrategyDistribute      Strategy = "distribute"
	StrategyReplicate       Strategy = "replicate"
	StrategySplitByDatabase Strategy = "split-by-database"
	StrategyVersionBased    Strategy = "version-based"
	StrategyRoundRobin      Strategy = "round-robin"
	StrategyManualMapping   Strategy = "manual-mapping"
	StrategyCustom          Strategy = "custom"
)

// ConflictResolution is the policy for duplicate database names when
// multiple sources land in one target.
type ConflictResolution string

const (
	ConflictFail         ConflictResolution = "fail"
	ConflictPrefix       ConflictResolution = "prefix"
	ConflictSuffix       ConflictResolution = "suffix"
	ConflictMerge        ConflictResolution = "merge"
	ConflictRenameSchema ConflictResolution = "rename-schema"
)

// DetectPattern classifies a topology purely from the source and target
// counts.
func DetectPattern(sourceCount, targetCount int) Pattern {
	switch {
	case sourceCount == 1 && targetCount == 1:
		return PatternOneToOne
	case sourceCount > 1 && targetCount == 1:
		return PatternManyToOne
	case sourceCount == 1 && targetCount > 1:
		return PatternOneToMany
	case sourceCount == targetCount:
		return PatternManyToMany
	default:
		return PatternAsymmetric
	}
}

// AvailableStrategies returns the strategies that apply to a pattern, in
// preference order. The first entry is always the recommendation.
func AvailableStrategies(p Pattern) []Strategy {
	switch p {
	case PatternOneToOne:
		return []Strategy{StrategySimple, StrategyManualMapping}
	case PatternManyToOne:
		return []Strategy{StrategyConsolidate, StrategyManualMapping}
	case PatternOneToMany:
		return []Strategy{StrategyDistribute, StrategyReplicate, StrategySplitByDatabase, StrategyManualMapping}
	case PatternManyToMany:
		return []Strategy{StrategyVersionBased, StrategyRoundRobin, StrategyManualMapping}
	default:
		return []Strategy{StrategyManualMapping, StrategyRoundRobin, StrategyCustom}
	}
}

// RecommendedStrategy returns the default strategy for a pattern.
func RecommendedStrategy(p Pattern) Strategy {
	return AvailableStrategies(p)[0]
}

// Compatibility is the two-tier result of a strategy/pattern check. Valid
// is always true: an incompatible choice never blocks an operation, it only
// produces advisory warnings. Callers must read Compatible, not Valid, to
// decide whether to warn.
type Compatibility struct {
	Valid      bool     `json:"valid"`
	Compatible bool     `json:"compatible"`
	Warnings   []string `json:"warnings,omitempty"`
}

// ValidateStrategyCompatibility checks a strategy against a pattern. See
// Compatibility for how the result is meant to be read.
func ValidateStrategyCompatibility(s Strategy, p Pattern) Compatibility {
	result := Compatibility{Valid: true, Compatible: false}
	for _, candidate := range AvailableStrategies(p) {
		if candidate == s {
			result.Compatible = true
			break
		}
	}
	// Custom pairs apply everywhere even where not advertised.
	if s == StrategyCustom || s == StrategyManualMapping {
		result.Compatible = true
	}
	if !result.Compatible {
		result.Warnings = append(result.Warnings,
			"strategy "+string(s)+" is not recommended for pattern "+string(p)+
				"; recommended: "+string(RecommendedStrategy(p)))
	}
	return result
}

// ConflictResolutionOptions returns the conflict policies a strategy
// supports. All strategies support fail, prefix and suffix; merge exists
// only for consolidate, rename-schema only for custom and manual mappings.
func ConflictResolutionOptions(s Strategy) []ConflictResolution {
	options := []ConflictResolution{ConflictFail, ConflictPrefix, ConflictSuffix}
	switch s {
	case StrategyConsolidate:
		options = append(options, ConflictMerge)
	case StrategyCustom, StrategyManualMapping:
		options = append(options, ConflictRenameSchema)
	}
	return options
}
