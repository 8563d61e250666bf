package registry

import (
	"fmt"
	"regexp"
)

// ArgType enumerates the value kinds a tool argument may declare.
type ArgType string

const (
	ArgString   ArgType = "string"
	ArgNumber   ArgType = "number"
	ArgBoolean  ArgType = "boolean"
	ArgFilePath ArgType = "file-path"
)

func (t ArgType) valid() bool {
	switch t {
	case ArgString, ArgNumber, ArgBoolean, ArgFilePath:
		return true
	}
	return false
}

// ArgSpec declares one argument of a tool: its name, type, and any
// validation constraints. Min/Max apply to numbers; Pattern and
// AllowedValues apply to strings and file paths.
type ArgSpec struct {
	Name          string
	Type          ArgType
	Required      bool
	Min           *float64
	Max           *float64
	Pattern       string
	AllowedValues []string

	compiled *regexp.Regexp
}

// ResourceLimits are best-effort caps applied to a tool's process by the
// execution backend. Zero values mean "no cap". The only hard guarantee
// the engine gives is the wall-clock timeout.
type ResourceLimits struct {
	MaxCPUPercent  int64
	MaxMemoryMB    int64
	MaxDiskWriteMB int64
}

func (rl ResourceLimits) Validate() error {
	if rl.MaxCPUPercent < 0 || rl.MaxCPUPercent > 800 {
		return fmt.Errorf("%w: max_cpu_percent must be 0-800, got %d", ErrInvalidTool, rl.MaxCPUPercent)
	}
	if rl.MaxMemoryMB < 0 || rl.MaxMemoryMB > 16384 {
		return fmt.Errorf("%w: max_memory_mb must be 0-16384, got %d", ErrInvalidTool, rl.MaxMemoryMB)
	}
	if rl.MaxDiskWriteMB < 0 || rl.MaxDiskWriteMB > 10240 {
		return fmt.Errorf("%w: max_disk_write_mb must be 0-10240, got %d", ErrInvalidTool, rl.MaxDiskWriteMB)
	}
	return nil
}

// ToolDefinition is one entry of the provider's whitelist. Definitions are
// loaded once from configuration at provider start and never mutated.
type ToolDefinition struct {
	ID                  string
	Name                string
	Command             string
	Args                []ArgSpec
	MaxDurationSeconds  int64
	PricePerMinuteCents int64
	Limits              ResourceLimits
}

func (t *ToolDefinition) validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: tool id is empty", ErrInvalidTool)
	}
	if t.Command == "" {
		return fmt.Errorf("%w: tool %s has no command", ErrInvalidTool, t.ID)
	}
	if t.MaxDurationSeconds < 1 || t.MaxDurationSeconds > 3600 {
		return fmt.Errorf("%w: tool %s max_duration_seconds must be 1-3600, got %d",
			ErrInvalidTool, t.ID, t.MaxDurationSeconds)
	}
	if t.PricePerMinuteCents < 0 {
		return fmt.Errorf("%w: tool %s has negative price", ErrInvalidTool, t.ID)
	}
	if err := t.Limits.Validate(); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(t.Args))
	for i := range t.Args {
		a := &t.Args[i]
		if a.Name == "" {
			return fmt.Errorf("%w: tool %s has an unnamed argument", ErrInvalidTool, t.ID)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("%w: tool %s declares argument %q twice", ErrInvalidTool, t.ID, a.Name)
		}
		seen[a.Name] = struct{}{}
		if !a.Type.valid() {
			return fmt.Errorf("%w: tool %s argument %q has unknown type %q",
				ErrInvalidTool, t.ID, a.Name, a.Type)
		}
		if a.Min != nil && a.Max != nil && *a.Min > *a.Max {
			return fmt.Errorf("%w: tool %s argument %q has min > max", ErrInvalidTool, t.ID, a.Name)
		}
		if a.Pattern != "" {
			re, err := regexp.Compile(a.Pattern)
			if err != nil {
				return fmt.Errorf("%w: tool %s argument %q pattern: %v", ErrInvalidTool, t.ID, a.Name, err)
			}
			a.compiled = re
		}
	}
	return nil
}
