package wes

import "fmt"

// RunFailure is an explicit validation/initialization failure outcome carrying
// the terminal state the run must be moved to. It is a result value, not an
// error: every call site decides what to do with it instead of relying on
// exception-style propagation.
type RunFailure struct {
	State   State
	Message string
}

func (f *RunFailure) String() string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", f.State, f.Message)
}

// SystemFailure builds a RunFailure with an infrastructure fault locus.
func SystemFailure(format string, args ...any) *RunFailure {
	return &RunFailure{State: StateSystemError, Message: fmt.Sprintf(format, args...)}
}

// ExecutorFailure builds a RunFailure with an engine/workflow fault locus.
func ExecutorFailure(format string, args ...any) *RunFailure {
	return &RunFailure{State: StateExecutorError, Message: fmt.Sprintf(format, args...)}
}

// DownloadError indicates a workflow definition could not be fetched and no
// cached copy was available to fall back on.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("could not download workflow %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("could not download workflow %s", e.URL)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// DisallowedHostError indicates a workflow URI's host is not in the configured
// allow-list.
type DisallowedHostError struct {
	Host string
}

func (e *DisallowedHostError) Error() string {
	return fmt.Sprintf("workflow host %q is not in the allow-list", e.Host)
}

// UnsupportedWorkflowTypeError indicates no registered backend can execute the
// requested workflow type.
type UnsupportedWorkflowTypeError struct {
	Type WorkflowType
}

func (e *UnsupportedWorkflowTypeError) Error() string {
	return fmt.Sprintf("unsupported workflow type: %s", e.Type)
}

// BadRequestError marks a caller mistake that the boundary layer should map to
// an HTTP 400 instead of a server fault.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string { return e.Reason }

// NotFoundError marks a missing run.
type NotFoundError struct {
	Reason string
}

func (e *NotFoundError) Error() string { return e.Reason }
