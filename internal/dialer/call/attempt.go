package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Terminal reason codes recorded on every finalized attempt.
const (
	ReasonTransferred           = "pressed-1-transferred"
	ReasonNoInterest            = "no-interest"
	ReasonDTMFTimeout           = "dtmf-timeout"
	ReasonVoicemailLeft         = "voicemail-message-left"
	ReasonVoicemailNoMessage    = "voicemail-no-message"
	ReasonVoicemailIncomplete   = "voicemail-hangup-incomplete"
	ReasonNoAnswer              = "no-answer"
	ReasonBusy                  = "busy"
	ReasonError                 = "error"
	ReasonCampaignStopped       = "campaign-stopped"
	ReasonHangup                = "hangup"
	ReasonHangupDuringAudio     = "hangup-during-audio"
	ReasonHangupDuringDigitWait = "hangup-during-digit-wait"
	ReasonHangupDuringTransfer  = "hangup-during-transfer"
)

// hangupCauseBusy is the Q.850 cause for user busy.
const hangupCauseBusy = 17

// InvalidTransitionError reports a rejected state change.
type InvalidTransitionError struct {
	From AttemptState
	To   AttemptState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// Transition records one state change with its timestamp.
type Transition struct {
	From AttemptState
	To   AttemptState
	At   time.Time
}

// Result is the terminal classification of an attempt.
type Result struct {
	Reason            string
	Message           string
	Digit             string
	ResponseLatency   time.Duration
	VoicemailDuration time.Duration
}

// CallAttempt is one outbound dialing try for one destination.
// State is guarded by a mutex; the state machine task is the only writer,
// the scheduler and API read snapshots concurrently.
type CallAttempt struct {
	ID         string
	CampaignID string
	Number     string
	CallerID   string
	Trunk      string

	mu          sync.Mutex
	channel     string
	state       AttemptState
	transitions []Transition
	result      Result
	startedAt   time.Time
	endedAt     time.Time
}

// NewAttempt creates an attempt in the Dialing state.
func NewAttempt(campaignID, number, callerID, trunk string) *CallAttempt {
	return &CallAttempt{
		ID:         uuid.New().String(),
		CampaignID: campaignID,
		Number:     number,
		CallerID:   callerID,
		Trunk:      trunk,
		state:      StateDialing,
		startedAt:  time.Now().UTC(),
	}
}

// State returns the current lifecycle state.
func (a *CallAttempt) State() AttemptState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Channel returns the PBX channel identifier, once known.
func (a *CallAttempt) Channel() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channel
}

// SetChannel records the PBX channel identifier for this attempt.
func (a *CallAttempt) SetChannel(channel string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if channel != "" {
		a.channel = channel
	}
}

// transition moves the attempt to next, stamping a timestamp.
func (a *CallAttempt) transition(next AttemptState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.state.CanTransitionTo(next) {
		return &InvalidTransitionError{From: a.state, To: next}
	}
	now := time.Now().UTC()
	a.transitions = append(a.transitions, Transition{From: a.state, To: next, At: now})
	a.state = next
	if next.IsTerminal() {
		a.endedAt = now
	}
	return nil
}

// finalizeResult stores the terminal classification. First write wins.
func (a *CallAttempt) finalizeResult(r Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.result.Reason != "" {
		return
	}
	a.result = r
}

// Result returns the terminal classification. Zero value until finalized.
func (a *CallAttempt) Result() Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

// Transitions returns a copy of the transition history.
func (a *CallAttempt) Transitions() []Transition {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Transition, len(a.transitions))
	copy(out, a.transitions)
	return out
}

// StartedAt returns when the attempt began dialing.
func (a *CallAttempt) StartedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startedAt
}

// EndedAt returns when the attempt reached a terminal state.
// Zero until finalized.
func (a *CallAttempt) EndedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.endedAt
}

// Duration returns the total attempt duration once finalized.
func (a *CallAttempt) Duration() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.endedAt.IsZero() {
		return 0
	}
	return a.endedAt.Sub(a.startedAt)
}

// hangupReason maps the state at hangup time to a terminal reason.
func hangupReason(state AttemptState, cause int) string {
	switch state {
	case StateDialing, StateRinging:
		if cause == hangupCauseBusy {
			return ReasonBusy
		}
		return ReasonNoAnswer
	case StateAudioPlaying:
		return ReasonHangupDuringAudio
	case StateWaitingDigit:
		return ReasonHangupDuringDigitWait
	case StateTransferring:
		return ReasonHangupDuringTransfer
	case StateVoicemailPlaying:
		return ReasonVoicemailIncomplete
	default:
		return ReasonHangup
	}
}
