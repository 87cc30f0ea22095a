package domain

import "time"

// transitions is the directed lifecycle graph. Anything not listed is illegal.
var transitions = map[Status][]Status{
	StatusNew:        {StatusPending, StatusCancelled},
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// CanTransition is the single guard every status write passes through.
func CanTransition(current, target Status) bool {
	for _, s := range transitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

// CanCancel reports whether a cancel request is meaningful for a task in status s.
// Cancellation is only possible before a worker claims the task.
func CanCancel(s Status) bool {
	return CanTransition(s, StatusCancelled)
}

// Change describes one compare-and-swap write: move from From to To and set
// whichever of the optional fields are non-zero. Stores apply optional fields
// only when the stored value is still empty.
type Change struct {
	From        Status
	To          Status
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      string
	Error       string
}

// Validate rejects changes that leave the lifecycle graph.
func (c Change) Validate(taskID string) error {
	if !CanTransition(c.From, c.To) {
		return &IllegalTransitionError{TaskID: taskID, From: c.From, To: c.To}
	}
	return nil
}

// Enqueue is applied by the dispatcher after a successful publish.
func Enqueue() Change {
	return Change{From: StatusNew, To: StatusPending}
}

// Cancel moves a not-yet-claimed task to CANCELLED.
func Cancel(from Status) Change {
	return Change{From: from, To: StatusCancelled}
}

// Claim is applied by a worker before executing the task body.
func Claim(now time.Time) Change {
	now = now.UTC()
	return Change{From: StatusPending, To: StatusInProgress, StartedAt: &now}
}

// Complete records a successful execution.
func Complete(now time.Time, result string) Change {
	now = now.UTC()
	return Change{From: StatusInProgress, To: StatusCompleted, CompletedAt: &now, Result: result}
}

// Fail records a failed execution.
func Fail(now time.Time, reason string) Change {
	now = now.UTC()
	return Change{From: StatusInProgress, To: StatusFailed, CompletedAt: &now, Error: reason}
}

// ApplyTo writes the change into t following the store rules: status is
// replaced, optional fields are only set when still empty. The caller must
// have verified t.Status == c.From.
func (c Change) ApplyTo(t *Task) {
	t.Status = c.To
	if c.StartedAt != nil && t.StartedAt == nil {
		v := *c.StartedAt
		t.StartedAt = &v
	}
	if c.CompletedAt != nil && t.CompletedAt == nil {
		v := *c.CompletedAt
		t.CompletedAt = &v
	}
	if c.Result != "" && t.Result == "" {
		t.Result = c.Result
	}
	if c.Error != "" && t.Error == "" {
		t.Error = c.Error
	}
}
