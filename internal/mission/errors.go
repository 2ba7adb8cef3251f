package mission

import "strings"

// ValidationError reports one invariant violation found during Compile.
// Invariant is a short machine-readable rule name (e.g. "dag_membership",
// "acyclic", "output_dependency", "allowed_tools") identifying which rule
// failed, so callers never need to string-match the message.
type ValidationError struct {
	Invariant string
	Message   string
}

func (e ValidationError) Error() string {
	return e.Invariant + ": " + e.Message
}

// CompileError wraps every ValidationError found for one Compile call.
// Compile aborts on the first invalid plan and reports all violations found,
// not just the first — no partial graph is ever emitted (§4.4 rule 4).
type CompileError struct {
	Errors []ValidationError
}

func (e *CompileError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return "mission: plan validation failed: " + strings.Join(msgs, "; ")
}

func (e *CompileError) Unwrap() []error {
	out := make([]error, len(e.Errors))
	for i, ve := range e.Errors {
		out[i] = ve
	}
	return out
}
