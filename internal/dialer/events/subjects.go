package events

import "fmt"

// Subject naming conventions for the event bus.
//
// Hierarchy:
//   dialcast.attempts.<attempt_id>.<event_suffix>  - Per-attempt events
//   dialcast.campaigns.<campaign_id>.<status>      - Campaign lifecycle
//
// Wildcard subscriptions:
//   dialcast.attempts.>             - All attempt events
//   dialcast.attempts.*.finalized   - All finalized attempts (reporting)
//   dialcast.campaigns.>            - All campaign lifecycle events

const (
	// SubjectPrefix is the root of all dialcast subjects
	SubjectPrefix = "dialcast"

	SubjectAttempts  = SubjectPrefix + ".attempts"
	SubjectCampaigns = SubjectPrefix + ".campaigns"

	// Attempt event suffixes
	SubjectAttemptStarted      = "started"
	SubjectAttemptTransitioned = "transitioned"
	SubjectAttemptFinalized    = "finalized"
	SubjectSelection           = "selection"
	SubjectClassified          = "classified"
)

// AttemptSubject builds a subject for one attempt event.
// Example: AttemptSubject("abc-123", "finalized") => "dialcast.attempts.abc-123.finalized"
func AttemptSubject(attemptID string, eventSuffix string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectAttempts, attemptID, eventSuffix)
}

// CampaignSubject builds a subject for a campaign lifecycle event.
// Example: CampaignSubject("camp-1", "paused") => "dialcast.campaigns.camp-1.paused"
func CampaignSubject(campaignID string, status string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectCampaigns, campaignID, status)
}

// Subject patterns for common consumer configurations
var (
	// PatternAllAttempts matches every attempt event
	PatternAllAttempts = SubjectAttempts + ".>"

	// PatternFinalized matches all finalized attempts (for reporting)
	PatternFinalized = SubjectAttempts + ".*.finalized"

	// PatternAllCampaigns matches all campaign lifecycle events
	PatternAllCampaigns = SubjectCampaigns + ".>"
)
