package core

import (
	"encoding/json"
	"fmt"
)

// Code classifies an Error result.
type Code string

const (
	CodeCyclicDependency    Code = "CYCLIC_DEPENDENCY"
	CodeAgentNotFound       Code = "AGENT_NOT_FOUND"
	CodeExecutionFailed     Code = "EXECUTION_FAILED"
	CodeExhausted           Code = "EXHAUSTED"
	CodeMalformedEvaluation Code = "MALFORMED_EVALUATION"
	CodeDependencyFailed    Code = "DEPENDENCY_FAILED"
	CodeSkipped             Code = "SKIPPED"
	CodeCanceled            Code = "CANCELED"
	CodeInvalidJSON         Code = "INVALID_JSON"
)

// Status is the discriminator of a Result.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is the structured outcome of a node: either Success carrying an
// opaque payload, or Error carrying a code and a message.
// The zero value is an Error with an empty code and is never produced by
// the runtime.
type Result struct {
	status  Status
	data    any
	code    Code
	message string

	// Outcome is set by the reflection gate. Empty when no gate ran.
	Outcome Outcome
}

// Success returns a successful Result carrying data.
func Success(data any) Result {
	return Result{status: StatusSuccess, data: data}
}

// Failure returns an Error Result.
func Failure(code Code, message string) Result {
	return Result{status: StatusError, code: code, message: message}
}

// Failuref returns an Error Result with a formatted message.
func Failuref(code Code, format string, args ...any) Result {
	return Failure(code, fmt.Sprintf(format, args...))
}

// IsSuccess reports whether r is the Success variant.
func (r Result) IsSuccess() bool { return r.status == StatusSuccess }

// IsError reports whether r is the Error variant.
func (r Result) IsError() bool { return r.status != StatusSuccess }

// Status returns the variant discriminator.
func (r Result) Status() Status {
	if r.status == "" {
		return StatusError
	}
	return r.status
}

// Data returns the payload of a Success result, or nil.
func (r Result) Data() any { return r.data }

// Code returns the code of an Error result, or "".
func (r Result) Code() Code { return r.code }

// Message returns the message of an Error result, or "".
func (r Result) Message() string { return r.message }

// WithOutcome returns a copy of r annotated with o.
func (r Result) WithOutcome(o Outcome) Result {
	r.Outcome = o
	return r
}

// Degraded reports whether the result was returned by an exhausted
// reflection gate rather than accepted by the evaluator.
func (r Result) Degraded() bool {
	return r.IsSuccess() && r.Outcome == OutcomeExhausted
}

// String implements fmt.Stringer.
func (r Result) String() string {
	if r.IsSuccess() {
		return fmt.Sprintf("success(%v)", r.data)
	}
	return fmt.Sprintf("error(%s: %s)", r.code, r.message)
}

type resultJSON struct {
	Status  Status  `json:"status"`
	Data    any     `json:"data,omitempty"`
	Code    Code    `json:"code,omitempty"`
	Message string  `json:"message,omitempty"`
	Outcome Outcome `json:"outcome,omitempty"`
}

// MarshalJSON encodes the result as {"status": ..., "data"|"code"+"message"}.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		Status:  r.Status(),
		Data:    r.data,
		Code:    r.code,
		Message: r.message,
		Outcome: r.Outcome,
	})
}

// UnmarshalJSON decodes and validates a result.
func (r *Result) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseResult(raw)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseResult validates a loosely typed result map once, at the boundary.
// A map without a recognised status is rejected.
func ParseResult(m map[string]any) (Result, error) {
	status, _ := m["status"].(string)
	var r Result
	switch Status(status) {
	case StatusSuccess:
		r = Success(m["data"])
	case StatusError:
		code, _ := m["code"].(string)
		if code == "" {
			return Result{}, fmt.Errorf("%w: error result without code", ErrInvalidResult)
		}
		msg, _ := m["message"].(string)
		r = Failure(Code(code), msg)
	default:
		return Result{}, fmt.Errorf("%w: unknown status %q", ErrInvalidResult, status)
	}
	if o, ok := m["outcome"].(string); ok {
		r.Outcome = Outcome(o)
	}
	return r, nil
}
