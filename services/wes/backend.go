package wes

import "context"

// Backend executes workflows of one description language through an external
// engine. Implementations own the engine-specific details: validation,
// workflow naming, command assembly, and output harvesting.
type Backend interface {
	// Type is the workflow language this backend executes.
	Type() WorkflowType

	// WorkflowName extracts the engine-facing workflow identifier from a
	// workflow definition file.
	WorkflowName(workflowPath string) (string, error)

	// Validate checks the workflow definition before execution. A nil result
	// means the workflow may run; otherwise the returned failure names the
	// terminal state the run must move to and why.
	Validate(ctx context.Context, workflowPath string) *RunFailure

	// BuildCommand materialises the engine invocation for a run, writing any
	// parameter or option files it needs into runDir.
	BuildCommand(runDir, workflowPath string, params map[string]any) ([]string, error)

	// OutputValues reads the engine's raw resolved outputs for a completed
	// run, keyed by namespaced output name. Typing and path rewriting happen
	// downstream against the declared workflow metadata.
	OutputValues(runDir string) (map[string]any, error)
}

// Registry maps workflow types to their backends. Lookup of an unregistered
// type yields UnsupportedWorkflowTypeError, surfaced to submitters as a bad
// request before any run row exists.
type Registry struct {
	backends map[WorkflowType]Backend
}

func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[WorkflowType]Backend, len(backends))}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

func (r *Registry) Register(b Backend) {
	r.backends[b.Type()] = b
}

func (r *Registry) Lookup(wt WorkflowType) (Backend, error) {
	b, ok := r.backends[wt]
	if !ok {
		return nil, &UnsupportedWorkflowTypeError{Type: wt}
	}
	return b, nil
}

// Types lists the registered workflow types.
func (r *Registry) Types() []WorkflowType {
	types := make([]WorkflowType, 0, len(r.backends))
	for wt := range r.backends {
		types = append(types, wt)
	}
	return types
}
