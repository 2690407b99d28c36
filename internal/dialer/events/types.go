package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// AttemptStarted fires when an origination request is submitted.
	AttemptStarted EventType = "attempt.started"
	// AttemptTransitioned fires on every state machine transition.
	AttemptTransitioned EventType = "attempt.transitioned"
	// AttemptFinalized fires exactly once, when an attempt reaches a
	// terminal state and its outcome is recorded.
	AttemptFinalized EventType = "attempt.finalized"
	// SelectionMade fires when a caller-ID/trunk pair is acquired.
	SelectionMade EventType = "selection.made"
	// CallClassified fires when answering-machine detection resolves.
	CallClassified EventType = "call.classified"
	// CampaignStatusChanged fires on campaign start/pause/resume/stop.
	CampaignStatusChanged EventType = "campaign.status"
)

// Event is the contract all published events satisfy.
type Event interface {
	// Type returns the event type for routing/filtering
	Type() EventType
	// Subject returns the broker subject this event publishes to
	Subject() string
	// Timestamp returns when the event occurred
	Timestamp() time.Time
	// AttemptID returns the primary correlation ID. Empty for
	// campaign-level events.
	AttemptID() string
}

// BaseEvent contains fields common to all events.
type BaseEvent struct {
	// EventID is unique per event instance, used for deduplication
	EventID string `json:"event_id"`
	// Kind identifies the event
	Kind EventType `json:"event_type"`
	// EventTime is when the event occurred (UTC)
	EventTime time.Time `json:"event_time"`
	// Attempt is the call attempt this event belongs to
	Attempt string `json:"attempt_id,omitempty"`
	// CampaignID is the owning campaign
	CampaignID string `json:"campaign_id"`
	// NodeID identifies the dialer node that emitted the event
	NodeID string `json:"node_id,omitempty"`
}

func (e *BaseEvent) Type() EventType      { return e.Kind }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTime }
func (e *BaseEvent) AttemptID() string    { return e.Attempt }

// AttemptStartedEvent is emitted when an attempt begins dialing.
type AttemptStartedEvent struct {
	BaseEvent
	Number   string `json:"number"`
	CallerID string `json:"caller_id"`
	Trunk    string `json:"trunk"`
}

func (e *AttemptStartedEvent) Subject() string {
	return AttemptSubject(e.Attempt, SubjectAttemptStarted)
}

// AttemptTransitionedEvent is emitted on every state change.
type AttemptTransitionedEvent struct {
	BaseEvent
	From string `json:"from"`
	To   string `json:"to"`
}

func (e *AttemptTransitionedEvent) Subject() string {
	return AttemptSubject(e.Attempt, SubjectAttemptTransitioned)
}

// AttemptFinalizedEvent is emitted once per attempt, at the terminal state.
type AttemptFinalizedEvent struct {
	BaseEvent
	State               string `json:"state"`
	Reason              string `json:"reason"`
	Digit               string `json:"digit,omitempty"`
	ResponseLatencyMs   int64  `json:"response_latency_ms,omitempty"`
	VoicemailDurationMs int64  `json:"voicemail_duration_ms,omitempty"`
	TotalDurationMs     int64  `json:"total_duration_ms"`
}

func (e *AttemptFinalizedEvent) Subject() string {
	return AttemptSubject(e.Attempt, SubjectAttemptFinalized)
}

// SelectionMadeEvent records which caller-ID and trunk an attempt uses.
type SelectionMadeEvent struct {
	BaseEvent
	Number string `json:"number"`
	Trunk  string `json:"trunk"`
	Usage  int    `json:"usage"`
}

func (e *SelectionMadeEvent) Subject() string {
	return AttemptSubject(e.Attempt, SubjectSelection)
}

// CallClassifiedEvent records the answering-machine verdict.
type CallClassifiedEvent struct {
	BaseEvent
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	// Source is "pbx" when the switch reported the verdict directly,
	// "local" when the heuristic classifier produced it.
	Source string `json:"source"`
}

func (e *CallClassifiedEvent) Subject() string {
	return AttemptSubject(e.Attempt, SubjectClassified)
}

// CampaignStatusEvent records campaign lifecycle changes.
type CampaignStatusEvent struct {
	BaseEvent
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (e *CampaignStatusEvent) Subject() string {
	return CampaignSubject(e.CampaignID, e.Status)
}

// Builder constructs events with consistent defaults.
type Builder struct {
	nodeID string
}

// NewBuilder creates an event builder stamping all events with nodeID.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID}
}

func (b *Builder) newBase(eventType EventType, attemptID, campaignID string) BaseEvent {
	return BaseEvent{
		EventID:    uuid.New().String(),
		Kind:       eventType,
		EventTime:  time.Now().UTC(),
		Attempt:    attemptID,
		CampaignID: campaignID,
		NodeID:     b.nodeID,
	}
}

// AttemptStarted builds an AttemptStartedEvent.
func (b *Builder) AttemptStarted(attemptID, campaignID, number, callerID, trunk string) *AttemptStartedEvent {
	return &AttemptStartedEvent{
		BaseEvent: b.newBase(AttemptStarted, attemptID, campaignID),
		Number:    number,
		CallerID:  callerID,
		Trunk:     trunk,
	}
}

// AttemptTransitioned builds an AttemptTransitionedEvent.
func (b *Builder) AttemptTransitioned(attemptID, campaignID, from, to string) *AttemptTransitionedEvent {
	return &AttemptTransitionedEvent{
		BaseEvent: b.newBase(AttemptTransitioned, attemptID, campaignID),
		From:      from,
		To:        to,
	}
}

// AttemptFinalized builds an AttemptFinalizedEvent.
func (b *Builder) AttemptFinalized(attemptID, campaignID, state, reason string) *AttemptFinalizedEvent {
	return &AttemptFinalizedEvent{
		BaseEvent: b.newBase(AttemptFinalized, attemptID, campaignID),
		State:     state,
		Reason:    reason,
	}
}

// SelectionMade builds a SelectionMadeEvent.
func (b *Builder) SelectionMade(attemptID, campaignID, number, trunk string, usage int) *SelectionMadeEvent {
	return &SelectionMadeEvent{
		BaseEvent: b.newBase(SelectionMade, attemptID, campaignID),
		Number:    number,
		Trunk:     trunk,
		Usage:     usage,
	}
}

// CallClassified builds a CallClassifiedEvent.
func (b *Builder) CallClassified(attemptID, campaignID, verdict string, confidence float64, source string) *CallClassifiedEvent {
	return &CallClassifiedEvent{
		BaseEvent:  b.newBase(CallClassified, attemptID, campaignID),
		Verdict:    verdict,
		Confidence: confidence,
		Source:     source,
	}
}

// CampaignStatus builds a CampaignStatusEvent.
func (b *Builder) CampaignStatus(campaignID, status, detail string) *CampaignStatusEvent {
	return &CampaignStatusEvent{
		BaseEvent: b.newBase(CampaignStatusChanged, "", campaignID),
		Status:    status,
		Detail:    detail,
	}
}
