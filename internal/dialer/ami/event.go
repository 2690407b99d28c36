package ami

import (
	"strconv"
	"time"
)

// Event names carried in the Event field of unsolicited frames.
const (
	EventRinging           = "Ringing"
	EventAnswer            = "Answer"
	EventHangup            = "Hangup"
	EventDTMF              = "DTMF"
	EventPlaybackStarted   = "PlaybackStarted"
	EventPlaybackFinished  = "PlaybackFinished"
	EventVoiceMetrics      = "VoiceMetrics"
)

// CallRef identifies the call an event pertains to. AttemptID is the
// call-scoped variable echoed back by the PBX; it is the dialer's primary
// correlation handle. Channel and UniqueID are the PBX's own identifiers.
type CallRef struct {
	AttemptID string
	Channel   string
	UniqueID  string
}

// Ref returns the call reference (CallRef implements part of Event).
func (r CallRef) Ref() CallRef { return r }

// Event is a closed union of the event kinds the dialer consumes.
// Unrecognized frames decode to *UnknownEvent rather than failing.
type Event interface {
	Name() string
	Ref() CallRef
}

// RingingEvent signals the far end is being alerted.
type RingingEvent struct {
	CallRef
}

func (*RingingEvent) Name() string { return EventRinging }

// AnswerEvent signals the call was picked up. Classification is "human",
// "machine", or "" when the PBX could not tell (deferred to AMD).
type AnswerEvent struct {
	CallRef
	Classification string
}

func (*AnswerEvent) Name() string { return EventAnswer }

// HangupEvent signals the channel went away.
type HangupEvent struct {
	CallRef
	Cause     int
	CauseText string
}

func (*HangupEvent) Name() string { return EventHangup }

// DTMFEvent carries one touch-tone digit from the callee.
type DTMFEvent struct {
	CallRef
	Digit string
}

func (*DTMFEvent) Name() string { return EventDTMF }

// PlaybackStartedEvent signals audio playback began on the channel.
type PlaybackStartedEvent struct {
	CallRef
	AudioRef string
}

func (*PlaybackStartedEvent) Name() string { return EventPlaybackStarted }

// PlaybackFinishedEvent signals playback ran to completion.
type PlaybackFinishedEvent struct {
	CallRef
	AudioRef string
	Duration time.Duration
}

func (*PlaybackFinishedEvent) Name() string { return EventPlaybackFinished }

// VoiceMetricsEvent carries the early audio-timing features the PBX measured
// after answer. Consumed by AMD when the PBX gives no classification.
type VoiceMetricsEvent struct {
	CallRef
	InitialSilence     time.Duration
	VoiceSegments      int
	LongestVoiceLength time.Duration
	VoiceRatio         float64
	TotalDuration      time.Duration
}

func (*VoiceMetricsEvent) Name() string { return EventVoiceMetrics }

// UnknownEvent wraps an event kind the dialer does not understand.
// These are logged and ignored, never dropped silently mid-decode.
type UnknownEvent struct {
	CallRef
	EventName string
	Fields    map[string]string
}

func (e *UnknownEvent) Name() string { return e.EventName }

// ParseEvent decodes an event frame into the typed union.
func ParseEvent(f *Frame) Event {
	ref := CallRef{
		AttemptID: f.Get("AttemptID"),
		Channel:   f.Get("Channel"),
		UniqueID:  f.Get("Uniqueid"),
	}

	switch name := f.Get("Event"); name {
	case EventRinging:
		return &RingingEvent{CallRef: ref}
	case EventAnswer:
		return &AnswerEvent{
			CallRef:        ref,
			Classification: f.Get("Classification"),
		}
	case EventHangup:
		cause, _ := strconv.Atoi(f.Get("Cause"))
		return &HangupEvent{
			CallRef:   ref,
			Cause:     cause,
			CauseText: f.Get("Cause-txt"),
		}
	case EventDTMF:
		return &DTMFEvent{CallRef: ref, Digit: f.Get("Digit")}
	case EventPlaybackStarted:
		return &PlaybackStartedEvent{CallRef: ref, AudioRef: f.Get("Playback")}
	case EventPlaybackFinished:
		return &PlaybackFinishedEvent{
			CallRef:  ref,
			AudioRef: f.Get("Playback"),
			Duration: parseSeconds(f.Get("Duration")),
		}
	case EventVoiceMetrics:
		segments, _ := strconv.Atoi(f.Get("VoiceSegments"))
		ratio, _ := strconv.ParseFloat(f.Get("VoiceRatio"), 64)
		return &VoiceMetricsEvent{
			CallRef:            ref,
			InitialSilence:     parseSeconds(f.Get("InitialSilence")),
			VoiceSegments:      segments,
			LongestVoiceLength: parseSeconds(f.Get("LongestVoice")),
			VoiceRatio:         ratio,
			TotalDuration:      parseSeconds(f.Get("TotalDuration")),
		}
	default:
		fields := make(map[string]string, len(f.Fields))
		for _, fld := range f.Fields {
			fields[fld.Key] = fld.Value
		}
		return &UnknownEvent{CallRef: ref, EventName: name, Fields: fields}
	}
}

// parseSeconds parses a decimal seconds value ("12", "1.5") to a duration.
func parseSeconds(s string) time.Duration {
	if s == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
