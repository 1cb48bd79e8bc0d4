// Package taskspec loads task specification files.
//
// A specification lists tasks and optional per-type parallelism hints. It is
// read from YAML or TOML; the format is chosen by file extension.
package taskspec

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/aristath/taskgraph/internal/scheduler"
)

// ErrInvalidSpec wraps every validation failure.
var ErrInvalidSpec = errors.New("invalid task specification")

// Format identifies a specification encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// Spec is a parsed task specification.
type Spec struct {
	Tasks         []Task      `yaml:"tasks" toml:"tasks"`
	Parallelism   Parallelism `yaml:"parallelism" toml:"parallelism"`
	MaxConcurrent int         `yaml:"max_concurrent,omitempty" toml:"max_concurrent,omitempty"`
}

// Task is one work item as written in the file.
type Task struct {
	ID                string   `yaml:"id" toml:"id"`
	Description       string   `yaml:"description,omitempty" toml:"description,omitempty"`
	Dependencies      []string `yaml:"dependencies,omitempty" toml:"dependencies,omitempty"`
	Type              string   `yaml:"type,omitempty" toml:"type,omitempty"`
	EstimatedDuration float64  `yaml:"estimated_duration,omitempty" toml:"estimated_duration,omitempty"`
	ResourceLock      string   `yaml:"resource_lock,omitempty" toml:"resource_lock,omitempty"`
	Command           string   `yaml:"command,omitempty" toml:"command,omitempty"`
}

// Parallelism holds the per-type hint table.
type Parallelism struct {
	Hints map[string]Hint `yaml:"hints,omitempty" toml:"hints,omitempty"`
}

// Hint is a parallelism hint. CanParallel defaults to true when omitted.
type Hint struct {
	MaxWorkers  int   `yaml:"max_workers" toml:"max_workers"`
	CanParallel *bool `yaml:"can_parallel,omitempty" toml:"can_parallel,omitempty"`
}

// FormatFor picks the encoding from a file name.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: unsupported file extension %q", ErrInvalidSpec, filepath.Ext(path))
	}
}

// Load reads and validates the specification at path.
func Load(path string) (*Spec, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task specification: %w", err)
	}
	spec, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// Parse decodes and validates a specification. Unknown keys are rejected.
func Parse(data []byte, format Format) (*Spec, error) {
	var spec Spec
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &spec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown key %q", ErrInvalidSpec, undecoded[0].String())
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalidSpec, format)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks field-level constraints. Graph-level checks (unknown
// dependencies, cycles) belong to the scheduler.
func (s *Spec) Validate() error {
	for i, t := range s.Tasks {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("%w: task at index %d has no id", ErrInvalidSpec, i)
		}
		if t.EstimatedDuration < 0 {
			return fmt.Errorf("%w: task %q has negative estimated_duration", ErrInvalidSpec, t.ID)
		}
	}
	for typ, h := range s.Parallelism.Hints {
		if h.MaxWorkers < 0 {
			return fmt.Errorf("%w: hint for type %q has negative max_workers", ErrInvalidSpec, typ)
		}
	}
	if s.MaxConcurrent < 0 {
		return fmt.Errorf("%w: max_concurrent must not be negative", ErrInvalidSpec)
	}
	return nil
}

// Nodes converts the tasks into scheduler nodes with defaults applied.
func (s *Spec) Nodes() []scheduler.TaskNode {
	nodes := make([]scheduler.TaskNode, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		n := scheduler.TaskNode{
			ID:                t.ID,
			Description:       t.Description,
			Dependencies:      append([]string(nil), t.Dependencies...),
			Type:              t.Type,
			EstimatedDuration: t.EstimatedDuration,
			ResourceLock:      t.ResourceLock,
			Command:           t.Command,
		}
		if n.Type == "" {
			n.Type = scheduler.DefaultType
		}
		if n.EstimatedDuration == 0 {
			n.EstimatedDuration = 1
		}
		nodes = append(nodes, n)
	}
	return nodes
}

// Hints converts the hint table into scheduler hints.
func (s *Spec) Hints() scheduler.Hints {
	hints := make(scheduler.Hints, len(s.Parallelism.Hints))
	for typ, h := range s.Parallelism.Hints {
		canParallel := true
		if h.CanParallel != nil {
			canParallel = *h.CanParallel
		}
		hints[typ] = scheduler.ParallelismHint{MaxWorkers: h.MaxWorkers, CanParallel: canParallel}
	}
	return hints
}

// Build constructs a scheduler from the specification. maxConcurrent
// overrides the file's max_concurrent when positive.
func (s *Spec) Build(maxConcurrent int) (*scheduler.Scheduler, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = s.MaxConcurrent
	}
	return scheduler.New(s.Nodes(), s.Hints(), maxConcurrent)
}
