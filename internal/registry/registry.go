// Package registry holds the provider's static tool whitelist and validates
// caller-supplied arguments against it. It is pure data: loaded once at
// provider start, read-only afterwards, safe for concurrent use without
// synchronization.
package registry

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrInvalidArgs = errors.New("invalid arguments")
	ErrInvalidTool = errors.New("invalid tool definition")
)

// Registry maps tool ids to their definitions.
type Registry struct {
	tools map[string]*ToolDefinition
	order []string
}

// New builds a registry from the configured whitelist, validating every
// definition. Duplicate ids are rejected.
func New(tools []ToolDefinition) (*Registry, error) {
	r := &Registry{
		tools: make(map[string]*ToolDefinition, len(tools)),
	}
	for i := range tools {
		t := tools[i]
		// The struct copy above still shares the Args backing array with the
		// caller; clone it so compiled patterns stay registry-owned.
		t.Args = append([]ArgSpec(nil), t.Args...)
		if err := t.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.tools[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate tool id %q", ErrInvalidTool, t.ID)
		}
		r.tools[t.ID] = &t
		r.order = append(r.order, t.ID)
	}
	return r, nil
}

// Lookup returns the definition for the given tool id.
func (r *Registry) Lookup(id string) (*ToolDefinition, error) {
	t, ok := r.tools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, id)
	}
	return t, nil
}

// List returns all definitions in configuration order.
func (r *Registry) List() []*ToolDefinition {
	out := make([]*ToolDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tools[id])
	}
	return out
}

// ValidateArgs checks supplied values against the tool's argument specs:
// every required argument present, types match, constraints hold, unknown
// names rejected. The result is ordered by the tool's declared argument
// order, ready for argv construction. No side effects.
func (r *Registry) ValidateArgs(tool *ToolDefinition, supplied map[string]any) (Args, error) {
	known := make(map[string]struct{}, len(tool.Args))
	for i := range tool.Args {
		known[tool.Args[i].Name] = struct{}{}
	}
	for name := range supplied {
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("%w: unknown argument %q for tool %s", ErrInvalidArgs, name, tool.ID)
		}
	}

	args := make(Args, 0, len(tool.Args))
	for i := range tool.Args {
		spec := &tool.Args[i]
		raw, ok := supplied[spec.Name]
		if !ok {
			if spec.Required {
				return nil, fmt.Errorf("%w: missing required argument %q", ErrInvalidArgs, spec.Name)
			}
			continue
		}
		v, err := convertValue(spec, raw)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}
