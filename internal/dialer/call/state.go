package call

import "fmt"

// AttemptState represents the lifecycle state of one call attempt
type AttemptState int

const (
	// StateDialing is the initial state, origination submitted to the PBX
	StateDialing AttemptState = iota
	// StateRinging is after the far end starts alerting
	StateRinging
	// StateAnswered is after pickup, while classification is pending
	StateAnswered
	// StateAudioPlaying is greeting playback with digit collection active
	StateAudioPlaying
	// StateWaitingDigit is after the greeting finished, awaiting a key press
	StateWaitingDigit
	// StateTransferring is after digit "1", redirect in progress
	StateTransferring
	// StateVoicemailDetected is after classification resolved to machine
	StateVoicemailDetected
	// StateVoicemailPlaying is voicemail message playback in progress
	StateVoicemailPlaying
	// StateTransferred is the terminal state for a successful agent handoff
	StateTransferred
	// StateVoicemailFinished is the terminal state after a complete voicemail drop
	StateVoicemailFinished
	// StateFinished is the terminal state for every other outcome
	StateFinished
)

// String returns the string representation of the state
func (s AttemptState) String() string {
	switch s {
	case StateDialing:
		return "Dialing"
	case StateRinging:
		return "Ringing"
	case StateAnswered:
		return "Answered"
	case StateAudioPlaying:
		return "AudioPlaying"
	case StateWaitingDigit:
		return "WaitingDigit"
	case StateTransferring:
		return "Transferring"
	case StateVoicemailDetected:
		return "VoicemailDetected"
	case StateVoicemailPlaying:
		return "VoicemailPlaying"
	case StateTransferred:
		return "Transferred"
	case StateVoicemailFinished:
		return "VoicemailFinished"
	case StateFinished:
		return "Finished"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed.
// Every non-terminal state may fall to Finished on hangup or error.
var validTransitions = map[AttemptState][]AttemptState{
	StateDialing:           {StateRinging, StateAnswered, StateFinished},
	StateRinging:           {StateAnswered, StateFinished},
	StateAnswered:          {StateAudioPlaying, StateVoicemailDetected, StateFinished},
	StateAudioPlaying:      {StateWaitingDigit, StateTransferring, StateFinished},
	StateWaitingDigit:      {StateTransferring, StateFinished},
	StateTransferring:      {StateTransferred, StateFinished},
	StateVoicemailDetected: {StateVoicemailPlaying, StateFinished},
	StateVoicemailPlaying:  {StateVoicemailFinished, StateFinished},
	StateTransferred:       {},
	StateVoicemailFinished: {},
	StateFinished:          {},
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s AttemptState) CanTransitionTo(next AttemptState) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, state := range allowed {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s AttemptState) IsTerminal() bool {
	return s == StateTransferred || s == StateVoicemailFinished || s == StateFinished
}
