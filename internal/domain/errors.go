package domain

import "fmt"

// ValidationError is returned when client input is malformed. The task is never created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// IllegalTransitionError is returned when a requested status change leaves the
// lifecycle graph, including when a compare-and-swap write loses to a
// concurrent writer. From holds the status actually observed.
type IllegalTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("task %s cannot move from %s to %s", e.TaskID, e.From, e.To)
}

// DispatchStage names the half of a dispatch that failed.
type DispatchStage string

const (
	// StagePublish: the queue rejected the message; the task is still NEW.
	StagePublish DispatchStage = "publish"
	// StageStatus: the message was published but the task was not marked PENDING.
	StageStatus DispatchStage = "status"
)

// DispatchError is returned when a task could not be handed to the queue.
type DispatchError struct {
	TaskID string
	Stage  DispatchStage
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch task %s failed at %s: %v", e.TaskID, e.Stage, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// PoisonMessageError is returned for queue payloads that can never be processed.
type PoisonMessageError struct {
	Reason string
	Err    error
}

func (e *PoisonMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("poison message: %s: %v", e.Reason, e.Err)
	}
	return "poison message: " + e.Reason
}

func (e *PoisonMessageError) Unwrap() error { return e.Err }
