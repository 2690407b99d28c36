package call

import (
	"context"
	"log/slog"
	"time"

	"github.com/sebas/dialcast/internal/dialer/amd"
	"github.com/sebas/dialcast/internal/dialer/ami"
	"github.com/sebas/dialcast/internal/dialer/events"
)

const (
	defaultDialTimeout     = 30 * time.Second
	defaultDTMFTimeout     = 5 * time.Second
	defaultClassifyWait    = 5 * time.Second
	defaultPlaybackTimeout = 2 * time.Minute

	// dialGrace pads the no-answer backstop past the PBX ring timeout so the
	// PBX-side timeout wins when both are racing.
	dialGrace = 2 * time.Second

	hangupTimeout = 5 * time.Second
)

// Plan carries the campaign parameters one attempt needs. The scheduler
// copies these out of the campaign at launch so the attempt task never
// reaches back into shared campaign state.
type Plan struct {
	CampaignID  string
	DialTimeout time.Duration
	DTMFTimeout time.Duration
	// ClassifyWait bounds how long an answered call waits for voice metrics
	// before the greeting starts anyway. Defaults to the detector window.
	ClassifyWait      time.Duration
	PlaybackTimeout   time.Duration
	GreetingAudio     string
	VoicemailAudio    string
	TransferExtension string
	TransferQueue     string
}

func (p *Plan) applyDefaults(detector *amd.Detector) {
	if p.DialTimeout <= 0 {
		p.DialTimeout = defaultDialTimeout
	}
	if p.DTMFTimeout <= 0 {
		p.DTMFTimeout = defaultDTMFTimeout
	}
	if p.ClassifyWait <= 0 {
		p.ClassifyWait = defaultClassifyWait
		if detector != nil {
			p.ClassifyWait = detector.Window()
		}
	}
	if p.PlaybackTimeout <= 0 {
		p.PlaybackTimeout = defaultPlaybackTimeout
	}
}

// MachineConfig wires one attempt's dependencies.
type MachineConfig struct {
	Attempt   *CallAttempt
	Plan      Plan
	Client    ami.Client
	Detector  *amd.Detector
	Publisher events.Publisher
	Events    *events.Builder
	Logger    *slog.Logger
	// OnFinal runs exactly once, after the attempt reaches a terminal
	// state. The scheduler uses it to reclaim the concurrency slot.
	OnFinal func(*CallAttempt)
}

// Machine drives one call attempt from dialing to a terminal outcome.
type Machine struct {
	attempt  *CallAttempt
	plan     Plan
	client   ami.Client
	detector *amd.Detector
	pub      events.Publisher
	builder  *events.Builder
	logger   *slog.Logger
	onFinal  func(*CallAttempt)

	eventCh chan ami.Event

	audioStartedAt time.Time
}

// NewMachine creates a state machine for one attempt.
func NewMachine(cfg MachineConfig) *Machine {
	cfg.Plan.applyDefaults(cfg.Detector)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NewNoopPublisher()
	}
	if cfg.Events == nil {
		cfg.Events = events.NewBuilder("")
	}
	return &Machine{
		attempt:  cfg.Attempt,
		plan:     cfg.Plan,
		client:   cfg.Client,
		detector: cfg.Detector,
		pub:      cfg.Publisher,
		builder:  cfg.Events,
		logger:   cfg.Logger,
		onFinal:  cfg.OnFinal,
		eventCh:  make(chan ami.Event, 32),
	}
}

// Run drives the attempt to a terminal state. It blocks until then.
// Cancelling ctx hangs the call up and finalizes with "campaign-stopped".
func (m *Machine) Run(ctx context.Context) {
	unsubscribe := m.client.Subscribe("*", func(ev ami.Event) {
		if ev.Ref().AttemptID != m.attempt.ID {
			return
		}
		select {
		case m.eventCh <- ev:
		default:
			m.logger.Warn("[Call] Event buffer full, dropping",
				"attempt_id", m.attempt.ID,
				"event", ev.Name(),
			)
		}
	})
	defer unsubscribe()

	resp, err := m.client.Originate(ctx, ami.OriginateRequest{
		Destination: m.attempt.Number,
		Trunk:       m.attempt.Trunk,
		CallerID:    m.attempt.CallerID,
		Timeout:     m.plan.DialTimeout,
		Variables:   map[string]string{ami.VarAttemptID: m.attempt.ID},
	})
	if err != nil {
		// A stop while the originate round-trip is in flight is an
		// operator stop, not a call failure.
		if ctx.Err() != nil {
			m.finalizeTo(StateFinished, Result{Reason: ReasonCampaignStopped})
			return
		}
		if ami.IsRetryable(err) {
			m.logger.Warn("[Call] Originate failed on transport",
				"attempt_id", m.attempt.ID,
				"campaign_id", m.plan.CampaignID,
				"error", err,
			)
		}
		m.finalizeTo(StateFinished, Result{Reason: ReasonError, Message: err.Error()})
		return
	}
	if !resp.Success {
		if ctx.Err() != nil {
			m.finalizeTo(StateFinished, Result{Reason: ReasonCampaignStopped})
			return
		}
		m.finalizeTo(StateFinished, Result{Reason: ReasonError, Message: resp.Message})
		return
	}
	m.attempt.SetChannel(resp.Channel())

	m.pub.PublishAsync(m.builder.AttemptStarted(
		m.attempt.ID, m.plan.CampaignID,
		m.attempt.Number, m.attempt.CallerID, m.attempt.Trunk,
	))
	m.logger.Info("[Call] Originated",
		"attempt_id", m.attempt.ID,
		"campaign_id", m.plan.CampaignID,
		"number", m.attempt.Number,
		"trunk", m.attempt.Trunk,
	)

	timer := time.NewTimer(m.plan.DialTimeout + dialGrace)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.hangupQuiet()
			m.finalizeTo(StateFinished, Result{Reason: ReasonCampaignStopped})
			return
		case <-timer.C:
			if m.handleTimeout(ctx, timer) {
				return
			}
		case ev := <-m.eventCh:
			if m.handleEvent(ctx, ev, timer) {
				return
			}
		}
	}
}

// handleEvent processes one protocol event. Returns true once terminal.
func (m *Machine) handleEvent(ctx context.Context, ev ami.Event, timer *time.Timer) bool {
	m.attempt.SetChannel(ev.Ref().Channel)
	state := m.attempt.State()

	switch ev := ev.(type) {
	case *ami.RingingEvent:
		if state == StateDialing {
			m.to(StateRinging)
		}
		return false

	case *ami.AnswerEvent:
		if state != StateDialing && state != StateRinging {
			return false
		}
		m.to(StateAnswered)
		switch ev.Classification {
		case "machine":
			m.publishClassified("machine", 1.0, "pbx")
			return m.enterVoicemail(ctx, timer)
		case "human":
			m.publishClassified("human", 1.0, "pbx")
			return m.startGreeting(ctx, timer)
		default:
			// Classification deferred to local detection
			arm(timer, m.plan.ClassifyWait)
			return false
		}

	case *ami.VoiceMetricsEvent:
		if state != StateAnswered {
			return false
		}
		c := m.detector.Classify(amd.Features{
			InitialSilence:     ev.InitialSilence,
			VoiceSegments:      ev.VoiceSegments,
			LongestVoiceLength: ev.LongestVoiceLength,
			VoiceRatio:         ev.VoiceRatio,
			TotalDuration:      ev.TotalDuration,
		})
		m.publishClassified(c.Verdict.String(), c.Confidence, "local")
		if c.Verdict == amd.VerdictMachine {
			return m.enterVoicemail(ctx, timer)
		}
		// Human and Unknown both get the greeting
		return m.startGreeting(ctx, timer)

	case *ami.PlaybackFinishedEvent:
		switch state {
		case StateAudioPlaying:
			m.to(StateWaitingDigit)
			arm(timer, m.plan.DTMFTimeout)
			return false
		case StateVoicemailPlaying:
			return m.finalizeTo(StateVoicemailFinished, Result{
				Reason:            ReasonVoicemailLeft,
				VoicemailDuration: ev.Duration,
			})
		}
		return false

	case *ami.DTMFEvent:
		if state != StateAudioPlaying && state != StateWaitingDigit {
			return false
		}
		latency := time.Since(m.audioStartedAt)
		if ev.Digit == "1" {
			return m.transfer(ctx, ev.Digit, latency)
		}
		m.hangupQuiet()
		return m.finalizeTo(StateFinished, Result{
			Reason:          ReasonNoInterest,
			Digit:           ev.Digit,
			ResponseLatency: latency,
		})

	case *ami.HangupEvent:
		return m.finalizeTo(StateFinished, Result{
			Reason:  hangupReason(state, ev.Cause),
			Message: ev.CauseText,
		})

	case *ami.UnknownEvent:
		m.logger.Debug("[Call] Ignoring unknown event",
			"attempt_id", m.attempt.ID,
			"event", ev.EventName,
		)
		return false
	}
	return false
}

// handleTimeout resolves the expired wait for the current state.
func (m *Machine) handleTimeout(ctx context.Context, timer *time.Timer) bool {
	switch m.attempt.State() {
	case StateDialing, StateRinging:
		m.hangupQuiet()
		return m.finalizeTo(StateFinished, Result{Reason: ReasonNoAnswer})
	case StateAnswered:
		// No voice metrics arrived in time; proceed as human
		m.logger.Debug("[Call] Classification timed out, proceeding as human",
			"attempt_id", m.attempt.ID,
		)
		return m.startGreeting(ctx, timer)
	case StateWaitingDigit:
		m.hangupQuiet()
		return m.finalizeTo(StateFinished, Result{Reason: ReasonDTMFTimeout})
	case StateAudioPlaying, StateVoicemailPlaying:
		m.hangupQuiet()
		return m.finalizeTo(StateFinished, Result{Reason: ReasonError, Message: "playback timed out"})
	}
	return false
}

func (m *Machine) startGreeting(ctx context.Context, timer *time.Timer) bool {
	if m.plan.GreetingAudio == "" {
		m.hangupQuiet()
		return m.finalizeTo(StateFinished, Result{Reason: ReasonError, Message: "no greeting audio configured"})
	}
	resp, err := m.client.PlayAudio(ctx, m.attempt.Channel(), m.plan.GreetingAudio)
	if err != nil {
		m.hangupQuiet()
		return m.finalizeTo(StateFinished, Result{Reason: ReasonError, Message: err.Error()})
	}
	if !resp.Success {
		m.hangupQuiet()
		return m.finalizeTo(StateFinished, Result{Reason: ReasonError, Message: resp.Message})
	}
	m.to(StateAudioPlaying)
	m.audioStartedAt = time.Now()
	arm(timer, m.plan.PlaybackTimeout)
	return false
}

func (m *Machine) enterVoicemail(ctx context.Context, timer *time.Timer) bool {
	m.to(StateVoicemailDetected)
	if m.plan.VoicemailAudio == "" {
		m.hangupQuiet()
		return m.finalizeTo(StateFinished, Result{Reason: ReasonVoicemailNoMessage})
	}
	resp, err := m.client.PlayAudio(ctx, m.attempt.Channel(), m.plan.VoicemailAudio)
	if err != nil {
		m.hangupQuiet()
		return m.finalizeTo(StateFinished, Result{Reason: ReasonError, Message: err.Error()})
	}
	if !resp.Success {
		m.hangupQuiet()
		return m.finalizeTo(StateFinished, Result{Reason: ReasonError, Message: resp.Message})
	}
	m.to(StateVoicemailPlaying)
	arm(timer, m.plan.PlaybackTimeout)
	return false
}

func (m *Machine) transfer(ctx context.Context, digit string, latency time.Duration) bool {
	m.to(StateTransferring)

	var (
		resp *ami.Response
		err  error
	)
	switch {
	case m.plan.TransferExtension != "":
		resp, err = m.client.TransferToExtension(ctx, m.attempt.Channel(), m.plan.TransferExtension)
	case m.plan.TransferQueue != "":
		resp, err = m.client.TransferToQueue(ctx, m.attempt.Channel(), m.plan.TransferQueue)
	default:
		return m.finalizeTo(StateFinished, Result{
			Reason:  ReasonError,
			Message: "no transfer target configured",
			Digit:   digit,
		})
	}
	if err != nil {
		return m.finalizeTo(StateFinished, Result{Reason: ReasonError, Message: err.Error(), Digit: digit})
	}
	if !resp.Success {
		return m.finalizeTo(StateFinished, Result{Reason: ReasonError, Message: resp.Message, Digit: digit})
	}
	return m.finalizeTo(StateTransferred, Result{
		Reason:          ReasonTransferred,
		Digit:           digit,
		ResponseLatency: latency,
	})
}

// to advances the state and publishes the transition.
func (m *Machine) to(next AttemptState) {
	from := m.attempt.State()
	if err := m.attempt.transition(next); err != nil {
		m.logger.Warn("[Call] Transition rejected",
			"attempt_id", m.attempt.ID,
			"error", err,
		)
		return
	}
	m.pub.PublishAsync(m.builder.AttemptTransitioned(
		m.attempt.ID, m.plan.CampaignID, from.String(), next.String(),
	))
}

// finalizeTo stores the result, moves to the terminal state, publishes the
// finalized event and fires the OnFinal callback. Always returns true so
// callers can return its value directly.
func (m *Machine) finalizeTo(terminal AttemptState, r Result) bool {
	m.attempt.finalizeResult(r)
	m.to(terminal)

	final := m.attempt.Result()
	ev := m.builder.AttemptFinalized(m.attempt.ID, m.plan.CampaignID, terminal.String(), final.Reason)
	ev.Digit = final.Digit
	ev.ResponseLatencyMs = final.ResponseLatency.Milliseconds()
	ev.VoicemailDurationMs = final.VoicemailDuration.Milliseconds()
	ev.TotalDurationMs = m.attempt.Duration().Milliseconds()
	m.pub.PublishAsync(ev)

	m.logger.Info("[Call] Finalized",
		"attempt_id", m.attempt.ID,
		"campaign_id", m.plan.CampaignID,
		"state", terminal.String(),
		"reason", final.Reason,
		"duration", m.attempt.Duration(),
	)

	if m.onFinal != nil {
		m.onFinal(m.attempt)
	}
	return true
}

func (m *Machine) publishClassified(verdict string, confidence float64, source string) {
	m.pub.PublishAsync(m.builder.CallClassified(
		m.attempt.ID, m.plan.CampaignID, verdict, confidence, source,
	))
}

// hangupQuiet tears the channel down best-effort. It runs on its own
// timeout so it still works when the attempt's context is cancelled.
func (m *Machine) hangupQuiet() {
	channel := m.attempt.Channel()
	if channel == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()
	if _, err := m.client.Hangup(ctx, channel); err != nil {
		m.logger.Debug("[Call] Hangup failed",
			"attempt_id", m.attempt.ID,
			"error", err,
		)
	}
}

// arm resets a timer that may have fired or still be pending.
func arm(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
