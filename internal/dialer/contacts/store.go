// Package contacts is the persistence collaborator for the dialer core: it
// hands out eligible destinations and records attempt outcomes.
//
// The core depends only on the Store interface. Two implementations ship:
// MemoryStore (tests, development) and SQLiteStore (durable).
package contacts

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrNoDestinations indicates no eligible destination remains for the
	// campaign run.
	ErrNoDestinations = errors.New("no eligible destinations")

	// ErrInvalidNumber indicates a number that does not normalize.
	ErrInvalidNumber = errors.New("invalid phone number")
)

// Destination is one dialable contact within a campaign.
type Destination struct {
	ID         int64
	CampaignID string
	Raw        string // As loaded
	Number     string // Normalized
}

// CampaignRecord is the persisted form of a campaign configuration plus
// its last known lifecycle status. The scheduler rebuilds its registry
// from these on restart.
type CampaignRecord struct {
	ID                string
	Name              string
	MaxConcurrent     int
	AttemptDelay      time.Duration
	DialTimeout       time.Duration
	DTMFTimeout       time.Duration
	GreetingAudio     string
	VoicemailAudio    string
	TransferExtension string
	TransferQueue     string
	Status            string
}

// AttemptRecord is the persisted outcome of one call attempt.
type AttemptRecord struct {
	ID                string
	CampaignID        string
	Number            string
	CallerID          string
	Trunk             string
	State             string
	Reason            string
	Message           string
	Digit             string
	ResponseLatency   time.Duration
	VoicemailDuration time.Duration
	StartedAt         time.Time
	EndedAt           time.Time
}

// Store is the contract the scheduler and state machine persist through.
// Schema ownership lies with the implementation, not the core.
type Store interface {
	// AddDestinations loads raw numbers into a campaign, normalizing and
	// dropping invalid ones. Returns how many were accepted.
	AddDestinations(ctx context.Context, campaignID string, raw []string) (int, error)

	// HasEligible reports whether at least one eligible destination remains:
	// valid, not blacklisted, not yet attempted this run.
	HasEligible(ctx context.Context, campaignID string) (bool, error)

	// ClaimNext atomically selects and marks the next eligible destination as
	// attempted, so a destination is handed out at most once per run.
	// Returns ErrNoDestinations when the campaign is exhausted.
	ClaimNext(ctx context.Context, campaignID string) (*Destination, error)

	// ResetRun clears the attempted markers, making every destination
	// eligible again for a fresh run.
	ResetRun(ctx context.Context, campaignID string) error

	// Blacklist globally excludes a number from selection.
	Blacklist(ctx context.Context, number string) error

	// SaveCampaign upserts a campaign's configuration and status.
	SaveCampaign(ctx context.Context, rec CampaignRecord) error

	// SetCampaignStatus updates only the persisted lifecycle status.
	// Unknown campaigns are ignored.
	SetCampaignStatus(ctx context.Context, campaignID, status string) error

	// Campaigns returns every persisted campaign record.
	Campaigns(ctx context.Context) ([]CampaignRecord, error)

	// RecordAttempt upserts an attempt's terminal record.
	RecordAttempt(ctx context.Context, rec AttemptRecord) error

	// Attempts returns the recorded attempts for a campaign.
	Attempts(ctx context.Context, campaignID string) ([]AttemptRecord, error)

	// Close releases the store.
	Close() error
}

// Normalize canonicalizes a dialable number: digits only, optional leading
// "+" preserved. Returns ErrInvalidNumber for anything shorter than seven
// digits after cleanup.
func Normalize(raw string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
			// separators, dropped
		default:
			return "", ErrInvalidNumber
		}
	}
	n := b.String()
	if len(strings.TrimPrefix(n, "+")) < 7 {
		return "", ErrInvalidNumber
	}
	return n, nil
}
