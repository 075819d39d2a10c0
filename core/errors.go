package core

import "errors"

// Sentinel errors. Node-local failures are carried as Error results with the
// matching Code; these are used where a Go error crosses an API boundary.
var (
	ErrCyclicDependency    = errors.New("cyclic dependency")
	ErrAgentNotFound       = errors.New("agent not found")
	ErrExecutionFailed     = errors.New("execution failed")
	ErrExhausted           = errors.New("reflection exhausted")
	ErrMalformedEvaluation = errors.New("malformed evaluation")
	ErrInvalidResult       = errors.New("invalid result")
)

// NodeError is a Go error tied to a node. It unwraps to its cause so that
// errors.Is works against the sentinels above.
type NodeError struct {
	NodeID  string
	Code    Code
	Message string
	Attempt int
	Cause   error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.Message != "" {
		return e.NodeID + ": " + e.Message
	}
	if e.Cause != nil {
		return e.NodeID + ": " + e.Cause.Error()
	}
	return e.NodeID + ": " + string(e.Code)
}

// Unwrap returns the underlying cause.
func (e *NodeError) Unwrap() error {
	return e.Cause
}

// Result converts the error into an Error result.
func (e *NodeError) Result() Result {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return Failure(e.Code, msg)
}
