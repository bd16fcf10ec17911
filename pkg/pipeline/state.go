package pipeline

import (
	"fmt"

	"mrilongnorm/internal/models"
)

// State is a step of the per-subject state machine.
type State string

const (
	StateStart               State = "START"
	StateReferenceReady      State = "REFERENCE_READY"
	StateReferenceNormalized State = "REFERENCE_NORMALIZED"
	StateFollowupProcessed   State = "FOLLOWUP_PROCESSED"
	StateDone                State = "DONE"
	StateAborted             State = "ABORTED"
)

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// Event is what happened while in a state.
type Event int

const (
	EventReferenceFound Event = iota
	EventNoReference
	EventReferenceNormalized
	EventFollowupProcessed
	EventFollowupSkipped
	EventSessionsExhausted
	EventFatal
)

func (e Event) String() string {
	switch e {
	case EventReferenceFound:
		return "reference-found"
	case EventNoReference:
		return "no-reference"
	case EventReferenceNormalized:
		return "reference-normalized"
	case EventFollowupProcessed:
		return "followup-processed"
	case EventFollowupSkipped:
		return "followup-skipped"
	case EventSessionsExhausted:
		return "sessions-exhausted"
	case EventFatal:
		return "fatal"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Next returns the state reached from s on event e. Events that are not
// legal in s are an error and leave the state unchanged.
func Next(s State, e Event) (State, error) {
	if s.Terminal() {
		return s, fmt.Errorf("no transition out of terminal state %s on %s", s, e)
	}
	if e == EventFatal {
		return StateAborted, nil
	}

	switch s {
	case StateStart:
		switch e {
		case EventReferenceFound:
			return StateReferenceReady, nil
		case EventNoReference:
			return StateAborted, nil
		}
	case StateReferenceReady:
		if e == EventReferenceNormalized {
			return StateReferenceNormalized, nil
		}
	case StateReferenceNormalized, StateFollowupProcessed:
		switch e {
		case EventFollowupProcessed:
			return StateFollowupProcessed, nil
		case EventFollowupSkipped:
			// a skipped session does not move the subject
			return s, nil
		case EventSessionsExhausted:
			return StateDone, nil
		}
	}
	return s, fmt.Errorf("illegal event %s in state %s", e, s)
}

// referenceChoice is the outcome of picking a reference session.
type referenceChoice struct {
	reference models.Session
	found     bool

	// followups are the sessions after the reference, in order, whether or
	// not they have a volume
	followups []models.Session

	// skipped are sessions before the reference, all without a volume
	skipped []models.SkippedSession
}

// selectReference designates the earliest session with a located volume as
// the reference. sessions must be in ascending identifier order.
func selectReference(sessions []models.Session) referenceChoice {
	var choice referenceChoice
	for i, s := range sessions {
		if !s.HasVolume() {
			choice.skipped = append(choice.skipped, models.SkippedSession{
				Session: s,
				Err:     fmt.Errorf("%w: no volume for %s", ErrMissingInput, s.Key()),
			})
			continue
		}
		choice.reference = s
		choice.found = true
		choice.followups = append([]models.Session(nil), sessions[i+1:]...)
		return choice
	}
	return choice
}
