package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// DispatchMessage is the queue payload handed to workers. It points at a task
// in the store; workers always re-read the task before acting on it.
type DispatchMessage struct {
	TaskID   string   `json:"task_id"`
	Priority Priority `json:"priority"`
}

// NewDispatchMessage builds the message for t.
func NewDispatchMessage(t *Task) DispatchMessage {
	return DispatchMessage{TaskID: t.ID, Priority: t.Priority}
}

// Encode serialises the message for publishing.
func (m DispatchMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeDispatchMessage parses a queue payload. Any error means the payload
// can never be processed and is reported as a PoisonMessageError.
func DecodeDispatchMessage(raw []byte) (DispatchMessage, error) {
	var m DispatchMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return DispatchMessage{}, &PoisonMessageError{Reason: "invalid json", Err: err}
	}
	if _, err := uuid.Parse(m.TaskID); err != nil {
		return DispatchMessage{}, &PoisonMessageError{Reason: "invalid task_id", Err: err}
	}
	if !m.Priority.Valid() {
		return DispatchMessage{}, &PoisonMessageError{Reason: "invalid priority " + string(m.Priority)}
	}
	return m, nil
}
