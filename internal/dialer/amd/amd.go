// Package amd classifies an answered call as human or machine from cheap
// audio-timing features measured right after pickup.
package amd

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Verdict is the classification outcome.
type Verdict int

const (
	// VerdictUnknown means neither label reached the decision share.
	VerdictUnknown Verdict = iota
	// VerdictHuman means a live person likely answered.
	VerdictHuman
	// VerdictMachine means an answering machine likely picked up.
	VerdictMachine
)

// String returns the string representation of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictHuman:
		return "human"
	case VerdictMachine:
		return "machine"
	case VerdictUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("Unknown(%d)", int(v))
	}
}

// Features are the per-attempt timing statistics observed during the
// analysis window. They are consumed once and not retained beyond the
// classification record.
type Features struct {
	InitialSilence     time.Duration `json:"initial_silence"`
	VoiceSegments      int           `json:"voice_segments"`
	LongestVoiceLength time.Duration `json:"longest_voice_length"`
	VoiceRatio         float64       `json:"voice_ratio"`
	TotalDuration      time.Duration `json:"total_duration"`
}

// Policy holds the decision thresholds and weights. Thresholds are tuned by
// inspection, not learned; keeping them in a value object lets an alternative
// strategy be substituted without touching the call state machine.
type Policy struct {
	// Window bounds the analysis period after answer.
	Window time.Duration

	// Machine-leaning thresholds. The complementary bounds favor human.
	MachineInitialSilence time.Duration // initial silence above this
	MachineLongestVoice   time.Duration // one voice run longer than this
	MachineMaxSegments    int           // this many segments or fewer
	MachineVoiceRatio     float64       // voice/total ratio above this
	MachineTotalDuration  time.Duration // total observation above this

	// Weights per feature vote, in the order: initial silence, longest
	// voice, segment count, voice ratio, total duration.
	Weights [5]float64

	// DecisionShare is the vote share a label needs to win.
	DecisionShare float64

	// MinVoicemailDuration downgrades a Machine verdict to Unknown when the
	// total observed duration is below it: a very short pickup looks the
	// same as a terse human answering. Zero disables the downgrade.
	MinVoicemailDuration time.Duration

	// HistorySize bounds the rolling classification history.
	HistorySize int
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		Window:                5 * time.Second,
		MachineInitialSilence: 1 * time.Second,
		MachineLongestVoice:   2 * time.Second,
		MachineMaxSegments:    2,
		MachineVoiceRatio:     0.7,
		MachineTotalDuration:  4 * time.Second,
		Weights:               [5]float64{1, 1, 1, 1, 1},
		DecisionShare:         0.6,
		HistorySize:           256,
	}
}

// Classification is one decision with its inputs, kept in the rolling
// history for offline threshold calibration. Advisory only; it never feeds
// back into the real-time decision.
type Classification struct {
	Features   Features  `json:"features"`
	Verdict    Verdict   `json:"verdict"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// Detector applies a Policy to feature samples.
type Detector struct {
	policy Policy
	logger *slog.Logger

	mu      sync.Mutex
	history []Classification
	next    int
	filled  bool
}

// NewDetector creates a detector with the given policy.
func NewDetector(policy Policy, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.HistorySize <= 0 {
		policy.HistorySize = 256
	}
	if policy.DecisionShare <= 0 {
		policy.DecisionShare = 0.6
	}
	return &Detector{
		policy:  policy,
		logger:  logger,
		history: make([]Classification, 0, policy.HistorySize),
	}
}

// Window returns the analysis window the detector expects features for.
func (d *Detector) Window() time.Duration {
	if d.policy.Window <= 0 {
		return 5 * time.Second
	}
	return d.policy.Window
}

// Classify evaluates one feature sample. Deterministic: identical features
// always produce the identical classification.
func (d *Detector) Classify(f Features) Classification {
	p := d.policy

	var machine, human float64
	vote := func(weight float64, machineLeaning bool) {
		if machineLeaning {
			machine += weight
		} else {
			human += weight
		}
	}

	vote(p.Weights[0], f.InitialSilence > p.MachineInitialSilence)
	vote(p.Weights[1], f.LongestVoiceLength > p.MachineLongestVoice)
	vote(p.Weights[2], f.VoiceSegments <= p.MachineMaxSegments)
	vote(p.Weights[3], f.VoiceRatio > p.MachineVoiceRatio)
	vote(p.Weights[4], f.TotalDuration > p.MachineTotalDuration)

	total := machine + human
	verdict := VerdictUnknown
	confidence := 0.5
	if total > 0 {
		machineShare := machine / total
		humanShare := human / total
		switch {
		case machineShare > p.DecisionShare:
			verdict = VerdictMachine
			confidence = machineShare
		case humanShare > p.DecisionShare:
			verdict = VerdictHuman
			confidence = humanShare
		default:
			if machineShare > humanShare {
				confidence = machineShare
			} else {
				confidence = humanShare
			}
		}
	}

	if verdict == VerdictMachine && p.MinVoicemailDuration > 0 && f.TotalDuration < p.MinVoicemailDuration {
		d.logger.Debug("[AMD] Machine verdict below minimum voicemail duration, downgrading",
			"total_duration", f.TotalDuration.String(),
			"minimum", p.MinVoicemailDuration.String(),
		)
		verdict = VerdictUnknown
	}

	c := Classification{
		Features:   f,
		Verdict:    verdict,
		Confidence: confidence,
		At:         time.Now(),
	}
	d.record(c)

	d.logger.Debug("[AMD] Classified",
		"verdict", verdict.String(),
		"confidence", confidence,
		"initial_silence", f.InitialSilence.String(),
		"voice_segments", f.VoiceSegments,
		"voice_ratio", f.VoiceRatio,
	)
	return c
}

// record appends to the bounded rolling history.
func (d *Detector) record(c Classification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.history) < d.policy.HistorySize {
		d.history = append(d.history, c)
		return
	}
	d.history[d.next] = c
	d.next = (d.next + 1) % d.policy.HistorySize
	d.filled = true
}

// History returns a copy of the rolling history, oldest first.
func (d *Detector) History() []Classification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Classification, 0, len(d.history))
	if d.filled {
		out = append(out, d.history[d.next:]...)
		out = append(out, d.history[:d.next]...)
		return out
	}
	out = append(out, d.history...)
	return out
}
