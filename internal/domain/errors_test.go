package domain_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/ramiqadoumi/go-task-service/internal/domain"
)

func TestTaskNotFoundError(t *testing.T) {
	err := &domain.TaskNotFoundError{TaskID: "abc-123"}
	if !strings.Contains(err.Error(), "abc-123") {
		t.Errorf("error message should contain task ID, got: %q", err.Error())
	}
}

func TestIllegalTransitionError(t *testing.T) {
	err := &domain.IllegalTransitionError{TaskID: "xyz-789", From: domain.StatusInProgress, To: domain.StatusCancelled}
	msg := err.Error()
	for _, want := range []string{"xyz-789", "IN_PROGRESS", "CANCELLED"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message should contain %q, got: %q", want, msg)
		}
	}
}

func TestDispatchError_Unwrap(t *testing.T) {
	cause := errors.New("broker down")
	err := &domain.DispatchError{TaskID: "t1", Stage: domain.StagePublish, Err: cause}
	if !errors.Is(err, cause) {
		t.Error("DispatchError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "publish") {
		t.Errorf("error message should contain the stage, got: %q", err.Error())
	}
}

func TestValidationError(t *testing.T) {
	err := &domain.ValidationError{Field: "title", Reason: "required"}
	if err.Error() != "invalid title: required" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestAllErrorTypesImplementError(t *testing.T) {
	var _ error = &domain.ValidationError{}
	var _ error = &domain.TaskNotFoundError{}
	var _ error = &domain.IllegalTransitionError{}
	var _ error = &domain.DispatchError{}
	var _ error = &domain.PoisonMessageError{}
}
