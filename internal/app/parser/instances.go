// Package parser reads instance-list files (JSON, YAML, CSV, plain text)
// into the normalized shape a migration mapping is built from.
package parser

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dataport/dataport/internal/app/migration"
	"gopkg.in/yaml.v3"
)

// Entry is one instance row in a list file.
type Entry struct {
	Project   string   `json:"project" yaml:"project"`
	Instance  string   `json:"instance" yaml:"instance"`
	Databases []string `json:"databases,omitempty" yaml:"databases,omitempty"`
	Version   string   `json:"version,omitempty" yaml:"version,omitempty"`
	Host      string   `json:"host,omitempty" yaml:"host,omitempty"`
	Port      int      `json:"port,omitempty" yaml:"port,omitempty"`
	User      string   `json:"user,omitempty" yaml:"user,omitempty"`
	// Pattern routes databases to this target under split-by-database.
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// Pair is one explicit migration for manual strategies.
type Pair struct {
	Source    Entry    `json:"source" yaml:"source"`
	Target    Entry    `json:"target" yaml:"target"`
	Databases []string `json:"databases,omitempty" yaml:"databases,omitempty"`
}

// Spec is the normalized result of parsing an instance-list file.
type Spec struct {
	Strategy           string  `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	ConflictResolution string  `json:"conflict_resolution,omitempty" yaml:"conflict_resolution,omitempty"`
	Sources            []Entry `json:"sources" yaml:"sources"`
	Targets            []Entry `json:"targets" yaml:"targets"`
	Migrations         []Pair  `json:"migrations,omitempty" yaml:"migrations,omitempty"`
}

// ParseFile reads a list file, dispatching on its extension.
func ParseFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instance list: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".csv":
		return ParseCSV(data)
	case ".txt", "":
		return ParseText(data)
	default:
		return nil, fmt.Errorf("unsupported instance list format: %s", filepath.Ext(path))
	}
}

// ParseJSON parses the JSON form of a Spec.
func ParseJSON(data []byte) (*Spec, error) {
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse JSON instance list: %w", err)
	}
	return &spec, nil
}

// ParseYAML parses the YAML form of a Spec.
func ParseYAML(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse YAML instance list: %w", err)
	}
	return &spec, nil
}

// ParseCSV parses rows of the form
//
//	role,project,instance,databases,version
//
// where role is "source" or "target" and databases is a semicolon-separated
// list. A header row is skipped when present.
func ParseCSV(data []byte) (*Spec, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV instance list: %w", err)
	}

	spec := &Spec{}
	for i, rec := range records {
		if len(rec) < 3 {
			return nil, fmt.Errorf("csv row %d: need at least role,project,instance", i+1)
		}
		role := strings.ToLower(strings.TrimSpace(rec[0]))
		if i == 0 && role == "role" {
			continue
		}
		entry := Entry{
			Project:  strings.TrimSpace(rec[1]),
			Instance: strings.TrimSpace(rec[2]),
		}
		if len(rec) > 3 && rec[3] != "" {
			entry.Databases = splitList(rec[3])
		}
		if len(rec) > 4 {
			entry.Version = strings.TrimSpace(rec[4])
		}
		switch role {
		case "source":
			spec.Sources = append(spec.Sources, entry)
		case "target":
			spec.Targets = append(spec.Targets, entry)
		default:
			return nil, fmt.Errorf("csv row %d: unknown role %q", i+1, role)
		}
	}
	return spec, nil
}

// ParseText parses the plain-text form:
//
//	[sources]
//	project:instance[:db1;db2]
//	[targets]
//	project:instance
//
// Lines starting with '#' are comments. Before any section header, entries
// count as sources.
func ParseText(data []byte) (*Spec, error) {
	spec := &Spec{}
	section := "sources"
	for lineNo, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.Trim(line, "[]"))
			if section != "sources" && section != "targets" {
				return nil, fmt.Errorf("line %d: unknown section %q", lineNo+1, section)
			}
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("line %d: expected project:instance", lineNo+1)
		}
		entry := Entry{Project: parts[0], Instance: parts[1]}
		if len(parts) == 3 && parts[2] != "" {
			entry.Databases = splitList(parts[2])
		}
		if section == "targets" {
			spec.Targets = append(spec.Targets, entry)
		} else {
			spec.Sources = append(spec.Sources, entry)
		}
	}
	return spec, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ";") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func toRef(e Entry) migration.InstanceRef {
	return migration.InstanceRef{
		Project:         e.Project,
		Instance:        e.Instance,
		Databases:       e.Databases,
		Version:         e.Version,
		Host:            e.Host,
		Port:            e.Port,
		User:            e.User,
		DatabasePattern: e.Pattern,
	}
}

// ToMapping builds a migration mapping from the parsed spec. An empty
// strategy lets the builder pick the recommended one for the topology.
func (s *Spec) ToMapping() (*migration.Mapping, error) {
	builder := migration.NewBuilder(migration.Strategy(s.Strategy))
	for _, src := range s.Sources {
		builder.AddSource(toRef(src))
	}
	for _, tgt := range s.Targets {
		builder.AddTarget(toRef(tgt))
	}
	builder.ConflictResolution(migration.ConflictResolution(s.ConflictResolution))
	for _, pair := range s.Migrations {
		builder.AddManual(migration.ManualPair{
			Source:    toRef(pair.Source),
			Target:    toRef(pair.Target),
			Databases: pair.Databases,
		})
	}
	return builder.Build()
}
