package room

import "errors"

// Expected outcomes returned to callers. Wrap with fmt.Errorf("%w: ...")
// and match with errors.Is.
var (
	ErrNotFound               = errors.New("not found")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrDuplicateOrCooldown    = errors.New("video already queued or recently played")
	ErrRoomInactive           = errors.New("room is not active")
	ErrValidation             = errors.New("validation failed")
	ErrWaitlistFull           = errors.New("waitlist is full")

	// ErrNoCurrentEntry is an invalid transition: nothing is playing.
	ErrNoCurrentEntry = &stateError{msg: "no current entry"}

	// ErrEmptyQueue is reported when PLAY finds nothing to play. The room
	// is left stopped; callers should treat it as informational.
	ErrEmptyQueue = errors.New("queue is empty")

	// ErrPersistence wraps repository failures. The transition was not applied.
	ErrPersistence = errors.New("failed to persist room state")
)

type stateError struct{ msg string }

func (e *stateError) Error() string { return e.msg }

func (e *stateError) Is(target error) bool { return target == ErrInvalidStateTransition }
