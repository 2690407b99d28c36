package campaign

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a campaign
type Status int

const (
	// StatusActive means the control loop is launching attempts
	StatusActive Status = iota
	// StatusPaused means the control loop is idling; in-flight attempts run on
	StatusPaused
	// StatusStopped means the campaign was stopped by an operator
	StatusStopped
	// StatusExhausted means the campaign ran out of eligible destinations
	StatusExhausted
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusStopped:
		return "stopped"
	case StatusExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Campaign is the configuration for one outbound campaign. It arrives
// fully populated at start time; the scheduler never mutates it.
type Campaign struct {
	ID   string
	Name string

	// MaxConcurrent is the concurrency slot budget.
	MaxConcurrent int
	// AttemptDelay is the pacing delay between launch rounds.
	AttemptDelay time.Duration

	DialTimeout time.Duration
	DTMFTimeout time.Duration

	GreetingAudio  string
	VoicemailAudio string

	// Transfer target: extension wins when both are set.
	TransferExtension string
	TransferQueue     string
}

// ValidationError reports a rejected campaign configuration.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid campaign: %s %s", e.Field, e.Reason)
}

// Validate checks the configuration and applies defaults.
func (c *Campaign) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if c.GreetingAudio == "" {
		return &ValidationError{Field: "greeting_audio", Reason: "is required"}
	}
	if c.TransferExtension == "" && c.TransferQueue == "" {
		return &ValidationError{Field: "transfer target", Reason: "requires an extension or a queue"}
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.AttemptDelay <= 0 {
		c.AttemptDelay = time.Second
	}
	return nil
}
