package domain

import (
	"errors"
	"strings"
	"time"
)

// ErrExecutionFailed is recorded when a failed execution carries no usable
// description of its own.
var ErrExecutionFailed = errors.New("execution failed")

// Outcome is the result of executing a task body. Exactly one of Result or
// Err is meaningful.
type Outcome struct {
	Result string
	Err    error
}

// Succeeded builds a successful outcome carrying result.
func Succeeded(result string) Outcome { return Outcome{Result: result} }

// Failed builds a failed outcome. A nil err still fails, as ErrExecutionFailed.
func Failed(err error) Outcome {
	if err == nil {
		err = ErrExecutionFailed
	}
	return Outcome{Err: err}
}

// OK reports whether the execution succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// Change converts the outcome into the terminal transition for a running task.
// A FAILED task always gets a non-empty error.
func (o Outcome) Change(now time.Time) Change {
	if o.OK() {
		return Complete(now, o.Result)
	}
	reason := o.Err.Error()
	if strings.TrimSpace(reason) == "" {
		reason = ErrExecutionFailed.Error()
	}
	return Fail(now, reason)
}
