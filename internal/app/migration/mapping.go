package migration

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// InstanceRef identifies one managed instance taking part in a mapping.
type InstanceRef struct {
	Project  string `json:"project"`
	Instance string `json:"instance"`
	// Databases optionally restricts the migration to an explicit list.
	// Empty means discover everything.
	Databases []string `json:"databases,omitempty"`
	User      string   `json:"user,omitempty"`
	Password  string   `json:"-"`
	Host      string   `json:"host,omitempty"`
	Port      int      `json:"port,omitempty"`
	// Version is the engine version string, e.g. POSTGRES_13 or MYSQL_8_0.
	// Used by the version-based strategy.
	Version string `json:"version,omitempty"`
	// DatabasePattern is a name prefix used by split-by-database to route
	// databases to this target.
	DatabasePattern string `json:"database_pattern,omitempty"`
}

func (r InstanceRef) key() string {
	return r.Project + ":" + r.Instance
}

// ManualPair is one caller-supplied source/target assignment for the
// manual-mapping and custom strategies.
type ManualPair struct {
	Source    InstanceRef `json:"source"`
	Target    InstanceRef `json:"target"`
	Databases []string    `json:"databases,omitempty"`
}

// Task is one concrete source-to-target migration unit produced by
// expanding a mapping.
type Task struct {
	ID     string      `json:"id"`
	Source InstanceRef `json:"source"`
	Target InstanceRef `json:"target"`
	// Databases restricts the task to these source databases; empty means
	// discover at execution time.
	Databases []string `json:"databases,omitempty"`
	// Renames maps source database names to their name on the target when
	// conflict resolution renamed them.
	Renames            map[string]string  `json:"renames,omitempty"`
	ConflictResolution ConflictResolution `json:"conflict_resolution"`
}

// Validate checks the structural requirements of a task.
func (t Task) Validate() error {
	if t.Source.Project == "" || t.Source.Instance == "" {
		return &ConfigError{Field: "source", Reason: "project and instance are required"}
	}
	if t.Target.Project == "" || t.Target.Instance == "" {
		return &ConfigError{Field: "target", Reason: "project and instance are required"}
	}
	return nil
}

// Summary describes a mapping without expanding it for display.
type Summary struct {
	Strategy           Strategy           `json:"strategy"`
	MappingType        Pattern            `json:"mapping_type"`
	TotalSources       int                `json:"total_sources"`
	TotalTargets       int                `json:"total_targets"`
	TotalMigrations    int                `json:"total_migrations"`
	ConflictResolution ConflictResolution `json:"conflict_resolution"`
}

// Mapping is a validated, immutable description of how a set of sources
// maps onto a set of targets. Build one with a Builder, then call Expand to
// produce the ordered task list.
type Mapping struct {
	Strategy           Strategy
	Sources            []InstanceRef
	Targets            []InstanceRef
	ConflictResolution ConflictResolution
	Manual             []ManualPair

	pattern  Pattern
	warnings []string
}

// Pattern returns the detected topology of the mapping.
func (m *Mapping) Pattern() Pattern {
	return m.pattern
}

// Warnings returns advisory messages collected while building or expanding.
func (m *Mapping) Warnings() []string {
	return m.warnings
}

// Validate checks the structural requirements of the mapping.
func (m *Mapping) Validate() error {
	manual := m.Strategy == StrategyManualMapping || m.Strategy == StrategyCustom
	if len(m.Sources) == 0 && !(manual && len(m.Manual) > 0) {
		return &ConfigError{Field: "sources", Reason: "at least one source is required"}
	}
	if len(m.Targets) == 0 && !manual {
		return &ConfigError{Field: "targets", Reason: "at least one target is required"}
	}
	for i, s := range m.Sources {
		if s.Project == "" || s.Instance == "" {
			return &ConfigError{Field: fmt.Sprintf("sources[%d]", i), Reason: "project and instance are required"}
		}
	}
	for i, t := range m.Targets {
		if t.Project == "" || t.Instance == "" {
			return &ConfigError{Field: fmt.Sprintf("targets[%d]", i), Reason: "project and instance are required"}
		}
	}
	switch m.Strategy {
	case StrategyManualMapping, StrategyCustom:
		if len(m.Manual) == 0 {
			return &ConfigError{Field: "migrations", Reason: "manual mappings require explicit source/target pairs"}
		}
	case StrategySplitByDatabase:
		for i, t := range m.Targets {
			if t.DatabasePattern == "" && i < len(m.Targets)-1 {
				return &ConfigError{Field: fmt.Sprintf("targets[%d]", i), Reason: "split-by-database targets need a database pattern (last target may be the catch-all)"}
			}
		}
	}
	return nil
}

// Summary computes the mapping summary, including the exact number of tasks
// expansion would produce.
func (m *Mapping) Summary() (Summary, error) {
	tasks, err := m.Expand()
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Strategy:           m.Strategy,
		MappingType:        m.pattern,
		TotalSources:       len(m.Sources),
		TotalTargets:       len(m.Targets),
		TotalMigrations:    len(tasks),
		ConflictResolution: m.ConflictResolution,
	}, nil
}

// Expand produces the ordered task list for the mapping's strategy.
func (m *Mapping) Expand() ([]Task, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	switch m.Strategy {
	case StrategySimple:
		return m.expandSimple()
	case StrategyConsolidate:
		return m.expandConsolidate()
	case StrategyDistribute:
		return m.expandDistribute()
	case StrategyReplicate:
		return m.expandReplicate()
	case StrategySplitByDatabase:
		return m.expandSplitByDatabase()
	case StrategyVersionBased:
		return m.expandVersionBased()
	case StrategyRoundRobin:
		return m.expandRoundRobin()
	case StrategyManualMapping, StrategyCustom:
		return m.expandManual()
	default:
		return nil, &MappingError{Strategy: m.Strategy, Reason: "unknown strategy"}
	}
}

func (m *Mapping) newTask(source, target InstanceRef, databases []string, renames map[string]string) Task {
	return Task{
		ID:                 uuid.New().String(),
		Source:             source,
		Target:             target,
		Databases:          databases,
		Renames:            renames,
		ConflictResolution: m.ConflictResolution,
	}
}

func (m *Mapping) expandSimple() ([]Task, error) {
	src, tgt := m.Sources[0], m.Targets[0]
	return []Task{m.newTask(src, tgt, src.Databases, nil)}, nil
}

// expandConsolidate funnels every source into the single target, resolving
// overlapping database names according to the conflict policy.
func (m *Mapping) expandConsolidate() ([]Task, error) {
	target := m.Targets[0]
	seen := make(map[string]int) // target db name -> occurrences
	tasks := make([]Task, 0, len(m.Sources))

	for _, src := range m.Sources {
		renames := make(map[string]string)
		for _, db := range src.Databases {
			if _, taken := seen[db]; !taken {
				seen[db] = 1
				continue
			}
			switch m.ConflictResolution {
			case ConflictFail, "":
				return nil, &MappingError{
					Strategy: m.Strategy,
					Reason:   fmt.Sprintf("database %q exists on more than one source (conflict resolution is %q)", db, ConflictFail),
				}
			case ConflictPrefix:
				renamed := src.Instance + "_" + db
				renames[db] = renamed
				seen[renamed] = 1
			case ConflictSuffix:
				seen[db]++
				renamed := fmt.Sprintf("%s_%d", db, seen[db])
				renames[db] = renamed
				seen[renamed] = 1
			case ConflictMerge:
				// Union: duplicate names land in the same target database.
				m.warnings = append(m.warnings,
					fmt.Sprintf("database %q will be merged from multiple sources into one target database", db))
			default:
				return nil, &MappingError{
					Strategy: m.Strategy,
					Reason:   fmt.Sprintf("conflict resolution %q is not supported for consolidate", m.ConflictResolution),
				}
			}
		}
		if len(renames) == 0 {
			renames = nil
		}
		tasks = append(tasks, m.newTask(src, target, src.Databases, renames))
	}
	return tasks, nil
}

// expandDistribute partitions the single source's databases across the
// targets in contiguous, evenly sized chunks.
func (m *Mapping) expandDistribute() ([]Task, error) {
	src := m.Sources[0]
	if len(src.Databases) == 0 {
		return nil, &MappingError{Strategy: m.Strategy, Reason: "distribute requires an explicit database list on the source"}
	}
	n := len(m.Targets)
	tasks := make([]Task, 0, n)
	total := len(src.Databases)
	chunk := (total + n - 1) / n
	for i, tgt := range m.Targets {
		start := i * chunk
		if start >= total {
			break
		}
		end := start + chunk
		if end > total {
			end = total
		}
		tasks = append(tasks, m.newTask(src, tgt, src.Databases[start:end], nil))
	}
	return tasks, nil
}

// expandReplicate duplicates the single source onto every target.
func (m *Mapping) expandReplicate() ([]Task, error) {
	src := m.Sources[0]
	tasks := make([]Task, 0, len(m.Targets))
	for _, tgt := range m.Targets {
		tasks = append(tasks, m.newTask(src, tgt, src.Databases, nil))
	}
	return tasks, nil
}

// expandSplitByDatabase routes each database of the single source to the
// first target whose name pattern matches; unmatched databases fall through
// to the last target.
func (m *Mapping) expandSplitByDatabase() ([]Task, error) {
	src := m.Sources[0]
	if len(src.Databases) == 0 {
		return nil, &MappingError{Strategy: m.Strategy, Reason: "split-by-database requires an explicit database list on the source"}
	}
	assigned := make([][]string, len(m.Targets))
	for _, db := range src.Databases {
		idx := len(m.Targets) - 1
		for i, tgt := range m.Targets {
			if tgt.DatabasePattern != "" && strings.HasPrefix(db, tgt.DatabasePattern) {
				idx = i
				break
			}
		}
		assigned[idx] = append(assigned[idx], db)
	}
	var tasks []Task
	for i, tgt := range m.Targets {
		if len(assigned[i]) == 0 {
			continue
		}
		tasks = append(tasks, m.newTask(src, tgt, assigned[i], nil))
	}
	return tasks, nil
}

// expandVersionBased groups sources by detected engine major version and
// pairs each group with targets sharing that version. Sources that cannot
// be grouped fall back to an index-ordered custom mapping, with a warning.
func (m *Mapping) expandVersionBased() ([]Task, error) {
	targetsByVersion := make(map[int][]InstanceRef)
	for _, tgt := range m.Targets {
		if v, ok := MajorVersion(tgt.Version); ok {
			targetsByVersion[v] = append(targetsByVersion[v], tgt)
		}
	}

	var tasks []Task
	var ungrouped []InstanceRef
	next := make(map[int]int) // version -> round-robin cursor within the group
	for _, src := range m.Sources {
		v, ok := MajorVersion(src.Version)
		if !ok || len(targetsByVersion[v]) == 0 {
			ungrouped = append(ungrouped, src)
			continue
		}
		group := targetsByVersion[v]
		tgt := group[next[v]%len(group)]
		next[v]++
		tasks = append(tasks, m.newTask(src, tgt, src.Databases, nil))
	}

	// Fall back to index order for whatever could not be grouped.
	for i, src := range ungrouped {
		tgt := m.Targets[i%len(m.Targets)]
		m.warnings = append(m.warnings,
			fmt.Sprintf("source %s has no version-matched target; falling back to custom mapping onto %s", src.key(), tgt.key()))
		tasks = append(tasks, m.newTask(src, tgt, src.Databases, nil))
	}
	return tasks, nil
}

func (m *Mapping) expandRoundRobin() ([]Task, error) {
	tasks := make([]Task, 0, len(m.Sources))
	for i, src := range m.Sources {
		tgt := m.Targets[i%len(m.Targets)]
		tasks = append(tasks, m.newTask(src, tgt, src.Databases, nil))
	}
	return tasks, nil
}

// expandManual turns the caller's explicit pairs into tasks exactly as
// given, in the order given.
func (m *Mapping) expandManual() ([]Task, error) {
	tasks := make([]Task, 0, len(m.Manual))
	for i, pair := range m.Manual {
		if pair.Source.Project == "" || pair.Source.Instance == "" ||
			pair.Target.Project == "" || pair.Target.Instance == "" {
			return nil, &MappingError{Strategy: m.Strategy, Reason: fmt.Sprintf("migrations[%d] is missing source or target", i)}
		}
		databases := pair.Databases
		if len(databases) == 0 {
			databases = pair.Source.Databases
		}
		tasks = append(tasks, m.newTask(pair.Source, pair.Target, databases, nil))
	}
	return tasks, nil
}

// VersionGroups returns how many sources fall into each engine major
// version, for display and for the version-based strategy.
func (m *Mapping) VersionGroups() map[int]int {
	groups := make(map[int]int)
	for _, src := range m.Sources {
		if v, ok := MajorVersion(src.Version); ok {
			groups[v]++
		}
	}
	return groups
}

// MajorVersion extracts the numeric major version from an engine version
// string such as POSTGRES_13, MYSQL_8_0, or a bare "15".
func MajorVersion(version string) (int, bool) {
	if version == "" {
		return 0, false
	}
	fields := strings.FieldsFunc(version, func(r rune) bool {
		return r == '_' || r == '.' || r == '-'
	})
	for _, f := range fields {
		if n, err := strconv.Atoi(f); err == nil {
			return n, true
		}
	}
	return 0, false
}

// Builder constructs mappings independently of any UI flow.
type Builder struct {
	mapping Mapping
}

// NewBuilder starts a mapping for the given strategy.
func NewBuilder(strategy Strategy) *Builder {
	return &Builder{mapping: Mapping{Strategy: strategy, ConflictResolution: ConflictFail}}
}

// AddSource appends a source instance.
func (b *Builder) AddSource(ref InstanceRef) *Builder {
	b.mapping.Sources = append(b.mapping.Sources, ref)
	return b
}

// AddTarget appends a target instance.
func (b *Builder) AddTarget(ref InstanceRef) *Builder {
	b.mapping.Targets = append(b.mapping.Targets, ref)
	return b
}

// ConflictResolution sets the duplicate-name policy (default "fail").
func (b *Builder) ConflictResolution(cr ConflictResolution) *Builder {
	if cr != "" {
		b.mapping.ConflictResolution = cr
	}
	return b
}

// AddManual appends an explicit source/target pair for manual strategies.
func (b *Builder) AddManual(pair ManualPair) *Builder {
	b.mapping.Manual = append(b.mapping.Manual, pair)
	return b
}

// Build validates the mapping, detects its pattern, and returns it. The
// returned mapping is immutable after this point. A strategy that is not
// recommended for the detected pattern produces warnings, never an error.
func (b *Builder) Build() (*Mapping, error) {
	m := b.mapping
	if m.Strategy == "" {
		m.pattern = DetectPattern(len(m.Sources), len(m.Targets))
		m.Strategy = RecommendedStrategy(m.pattern)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	sources, targets := len(m.Sources), len(m.Targets)
	if (m.Strategy == StrategyManualMapping || m.Strategy == StrategyCustom) && sources == 0 {
		// Manual pairs carry their own refs; derive counts from them.
		uniq := func(pick func(ManualPair) InstanceRef) int {
			set := make(map[string]struct{})
			for _, p := range m.Manual {
				set[pick(p).key()] = struct{}{}
			}
			return len(set)
		}
		sources = uniq(func(p ManualPair) InstanceRef { return p.Source })
		targets = uniq(func(p ManualPair) InstanceRef { return p.Target })
	}
	m.pattern = DetectPattern(sources, targets)

	compat := ValidateStrategyCompatibility(m.Strategy, m.pattern)
	m.warnings = append(m.warnings, compat.Warnings...)

	return &m, nil
}
