// Package tools implements the tool gating policy consumed by C3: for each
// tool, whether it requires human approval, which decisions it accepts, how
// to describe a proposed call for display, and a JSON Schema used to
// validate call arguments before dispatch.
package tools

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fieldlab/missionctl/internal/interrupt"
)

// Describer renders a human-readable description of a proposed tool call,
// used to populate ActionRequest.Description when an interrupt is raised.
type Describer func(arguments map[string]any) string

// Spec declares the gating policy and argument schema for one tool:
// approval gating, allowed decisions, description, and a validating schema
// (a single compiled jsonschema.Schema, since this repo has no
// code-generation step to emit typed codecs).
type Spec struct {
	Name             string
	RequiresApproval bool
	AllowedDecisions []interrupt.DecisionType
	Describe         Describer
	Schema           *jsonschema.Schema
}

// Registry is the process-wide set of known tools. The zero value is not
// usable; use NewRegistry.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds or replaces the spec for a tool name.
func (r *Registry) Register(spec Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = spec
}

// Lookup returns the spec for name, if registered.
func (r *Registry) Lookup(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.specs))
	for n := range r.specs {
		out = append(out, n)
	}
	return out
}

// ErrUnknownTool is returned by Validate when name has no registered spec.
type ErrUnknownTool struct{ Name string }

func (e ErrUnknownTool) Error() string { return fmt.Sprintf("tools: unknown tool %q", e.Name) }

// Validate checks a proposed call's arguments against the tool's schema. A
// tool registered without a schema accepts any arguments.
func (r *Registry) Validate(name string, arguments map[string]any) error {
	spec, ok := r.Lookup(name)
	if !ok {
		return ErrUnknownTool{Name: name}
	}
	if spec.Schema == nil {
		return nil
	}
	// jsonschema.Validate expects arguments already decoded into Go values
	// (map[string]any, []any, string, float64, bool, nil) — exactly what tool
	// call arguments already are in this module's model.
	if err := spec.Schema.Validate(toAny(arguments)); err != nil {
		return fmt.Errorf("tools: invalid arguments for %q: %w", name, err)
	}
	return nil
}

func toAny(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RequiresApproval reports whether name is registered and gated. Unknown
// tools are treated as requiring approval (fail closed).
func (r *Registry) RequiresApproval(name string) bool {
	spec, ok := r.Lookup(name)
	if !ok {
		return true
	}
	return spec.RequiresApproval
}

// Describe renders arguments for a registered tool, falling back to a
// generic description when the tool has no Describer.
func (r *Registry) Describe(name string, arguments map[string]any) string {
	spec, ok := r.Lookup(name)
	if !ok || spec.Describe == nil {
		return fmt.Sprintf("call %s", name)
	}
	return spec.Describe(arguments)
}
