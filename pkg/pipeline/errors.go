package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingInput means no raw volume could be located or read for a
	// session. Fatal for the reference, a skip for follow-ups.
	ErrMissingInput = errors.New("missing input volume")

	// ErrMaskUnavailable means the reference produced no usable brain mask.
	// Always fatal for the subject.
	ErrMaskUnavailable = errors.New("brain mask unavailable")

	// ErrRegistrationFailure means a transform could not be estimated or
	// applied.
	ErrRegistrationFailure = errors.New("registration failed")
)

// SubjectError is the fatal error that moved a subject to ABORTED.
type SubjectError struct {
	Subject string

	// State is the state the subject was in when it aborted
	State State
	Err   error
}

func (e *SubjectError) Error() string {
	return fmt.Sprintf("subject %s aborted in state %s: %v", e.Subject, e.State, e.Err)
}

func (e *SubjectError) Unwrap() error {
	return e.Err
}
