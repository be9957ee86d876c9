package dispensing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Sentinel errors. Typed errors below match these through errors.Is so
// callers can branch on the kind without caring about the payload.
var (
	ErrAlreadyExists       = errors.New("already exists")
	ErrStateChanged        = errors.New("state changed")
	ErrCancellationBlocked = errors.New("cancellation blocked: a patient has completed pre-dispatch")
	ErrNotUnlocked         = errors.New("checkpoint gate not unlocked")
	ErrForbidden           = errors.New("forbidden")
	ErrStageInError        = errors.New("stage is in error")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrPrerequisiteNotMet  = errors.New("prerequisite stage not completed")
	ErrNotFound            = errors.New("not found")
	ErrSessionClosed       = errors.New("session is not active")
	ErrPatientInactive     = errors.New("patient is not active")
	ErrValidation          = errors.New("validation failed")
)

// StateChangedError is returned when a conditional transition finds the
// target in a different status than the caller expected.
type StateChangedError struct {
	Entity   string
	ID       uuid.UUID
	Expected string
	Current  string
}

func (e *StateChangedError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("%s %s: state changed: current status is %s", e.Entity, e.ID, e.Current)
	}
	return fmt.Sprintf("%s %s: state changed: expected %s, current status is %s", e.Entity, e.ID, e.Expected, e.Current)
}

func (e *StateChangedError) Is(target error) bool { return target == ErrStateChanged }

// AlreadyExistsError is returned when a creation hits a unique key.
// ExistingID is set when the winner is known.
type AlreadyExistsError struct {
	Entity     string
	Key        string
	ExistingID uuid.UUID
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s %s already exists", e.Entity, e.Key)
}

func (e *AlreadyExistsError) Is(target error) bool { return target == ErrAlreadyExists }

// NotUnlockedError names what is still missing before a gated stage can complete.
type NotUnlockedError struct {
	PatientID      uuid.UUID
	Stage          Stage
	Missing        []CheckpointKind
	PendingReturns int
}

func (e *NotUnlockedError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		kinds := make([]string, len(e.Missing))
		for i, k := range e.Missing {
			kinds[i] = string(k)
		}
		parts = append(parts, "missing scans "+strings.Join(kinds, ", "))
	}
	if e.PendingReturns > 0 {
		parts = append(parts, fmt.Sprintf("%d pending return request(s)", e.PendingReturns))
	}
	return fmt.Sprintf("%s for patient %s not unlocked: %s", e.Stage, e.PatientID, strings.Join(parts, "; "))
}

func (e *NotUnlockedError) Is(target error) bool { return target == ErrNotUnlocked }

// ForbiddenError is returned when none of the actor's roles may perform the action.
type ForbiddenError struct {
	Roles  []Role
	Stage  Stage
	Action Action
}

func (e *ForbiddenError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("forbidden: roles %v may not %s", e.Roles, e.Action)
	}
	return fmt.Sprintf("forbidden: roles %v may not %s on %s", e.Roles, e.Action, e.Stage)
}

func (e *ForbiddenError) Is(target error) bool { return target == ErrForbidden }

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFound(entity string, id any) error {
	return fmt.Errorf("%s %v: %w", entity, id, ErrNotFound)
}

// ErrorKind classifies err into a short label used for metrics and audit.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrStateChanged):
		return "state_changed"
	case errors.Is(err, ErrCancellationBlocked):
		return "cancellation_blocked"
	case errors.Is(err, ErrNotUnlocked):
		return "not_unlocked"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrStageInError):
		return "stage_in_error"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrPrerequisiteNotMet):
		return "prerequisite_not_met"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrPatientInactive):
		return "patient_inactive"
	case errors.Is(err, ErrValidation):
		return "validation"
	}
	return "internal"
}

// IsConflict reports whether err is a typed domain outcome rather than a fault.
func IsConflict(err error) bool {
	k := ErrorKind(err)
	return k != "ok" && k != "internal"
}
