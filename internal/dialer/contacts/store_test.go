package contacts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqliteStore, err := OpenSQLite(filepath.Join(t.TempDir(), "contacts.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = sqliteStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "+1 (555) 010-2233", want: "+15550102233"},
		{in: "555-010-2233", want: "5550102233"},
		{in: "  +44 20 7946 0958 ", want: "+442079460958"},
		{in: "12345", wantErr: true},
		{in: "not a number", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidNumber) {
				t.Errorf("Normalize(%q) error = %v, want ErrInvalidNumber", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Normalize(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAddAndClaim(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			added, err := store.AddDestinations(ctx, "camp-1", []string{
				"+15550100001", "garbage", "+15550100002",
			})
			if err != nil {
				t.Fatalf("AddDestinations: %v", err)
			}
			if added != 2 {
				t.Fatalf("added = %d, want 2 (invalid entry dropped)", added)
			}

			first, err := store.ClaimNext(ctx, "camp-1")
			if err != nil {
				t.Fatalf("ClaimNext: %v", err)
			}
			if first.Number != "+15550100001" {
				t.Errorf("first claim = %q, want load order preserved", first.Number)
			}

			second, err := store.ClaimNext(ctx, "camp-1")
			if err != nil {
				t.Fatalf("ClaimNext: %v", err)
			}
			if second.Number == first.Number {
				t.Errorf("same destination claimed twice: %q", second.Number)
			}

			if _, err := store.ClaimNext(ctx, "camp-1"); !errors.Is(err, ErrNoDestinations) {
				t.Errorf("third claim error = %v, want ErrNoDestinations", err)
			}
		})
	}
}

func TestClaimSkipsBlacklisted(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.AddDestinations(ctx, "camp-1", []string{
				"+15550100001", "+15550100002",
			}); err != nil {
				t.Fatalf("AddDestinations: %v", err)
			}
			if err := store.Blacklist(ctx, "+1 555 010 0001"); err != nil {
				t.Fatalf("Blacklist: %v", err)
			}

			got, err := store.ClaimNext(ctx, "camp-1")
			if err != nil {
				t.Fatalf("ClaimNext: %v", err)
			}
			if got.Number != "+15550100002" {
				t.Errorf("claimed %q, want blacklisted number skipped", got.Number)
			}

			eligible, err := store.HasEligible(ctx, "camp-1")
			if err != nil {
				t.Fatalf("HasEligible: %v", err)
			}
			if eligible {
				t.Error("HasEligible = true after final claim")
			}
		})
	}
}

func TestResetRunReopensDestinations(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.AddDestinations(ctx, "camp-1", []string{"+15550100001"}); err != nil {
				t.Fatalf("AddDestinations: %v", err)
			}
			if _, err := store.ClaimNext(ctx, "camp-1"); err != nil {
				t.Fatalf("ClaimNext: %v", err)
			}
			if err := store.ResetRun(ctx, "camp-1"); err != nil {
				t.Fatalf("ResetRun: %v", err)
			}
			got, err := store.ClaimNext(ctx, "camp-1")
			if err != nil {
				t.Fatalf("ClaimNext after reset: %v", err)
			}
			if got.Number != "+15550100001" {
				t.Errorf("claimed %q after reset", got.Number)
			}
		})
	}
}

func TestCampaignsIsolated(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.AddDestinations(ctx, "camp-a", []string{"+15550100001"}); err != nil {
				t.Fatalf("AddDestinations: %v", err)
			}
			if _, err := store.ClaimNext(ctx, "camp-b"); !errors.Is(err, ErrNoDestinations) {
				t.Errorf("claim from other campaign error = %v, want ErrNoDestinations", err)
			}
		})
	}
}

func TestRecordAttemptUpsert(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			rec := AttemptRecord{
				ID:         "att-1",
				CampaignID: "camp-1",
				Number:     "+15550100001",
				CallerID:   "+15550109999",
				Trunk:      "trunk-a",
				State:      "Dialing",
				StartedAt:  started,
			}
			if err := store.RecordAttempt(ctx, rec); err != nil {
				t.Fatalf("RecordAttempt: %v", err)
			}

			rec.State = "Transferred"
			rec.Reason = "pressed-1-transferred"
			rec.Digit = "1"
			rec.ResponseLatency = 2300 * time.Millisecond
			rec.EndedAt = started.Add(45 * time.Second)
			if err := store.RecordAttempt(ctx, rec); err != nil {
				t.Fatalf("RecordAttempt update: %v", err)
			}

			attempts, err := store.Attempts(ctx, "camp-1")
			if err != nil {
				t.Fatalf("Attempts: %v", err)
			}
			if len(attempts) != 1 {
				t.Fatalf("len(attempts) = %d, want 1 (upsert by ID)", len(attempts))
			}
			got := attempts[0]
			if got.State != "Transferred" || got.Reason != "pressed-1-transferred" {
				t.Errorf("final record = %+v, want updated state and reason", got)
			}
			if got.ResponseLatency != 2300*time.Millisecond {
				t.Errorf("ResponseLatency = %v, want 2.3s", got.ResponseLatency)
			}
			if !got.EndedAt.Equal(started.Add(45 * time.Second)) {
				t.Errorf("EndedAt = %v", got.EndedAt)
			}
		})
	}
}

func TestClaimNextConcurrent(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 20
			numbers := make([]string, n)
			for i := range numbers {
				numbers[i] = "+1555010" + string(rune('0'+i/10)) + string(rune('0'+i%10)) + "00"
			}
			if _, err := store.AddDestinations(ctx, "camp-1", numbers); err != nil {
				t.Fatalf("AddDestinations: %v", err)
			}

			claimed := make(chan string, n)
			done := make(chan struct{})
			for i := 0; i < 4; i++ {
				go func() {
					for {
						dest, err := store.ClaimNext(ctx, "camp-1")
						if err != nil {
							done <- struct{}{}
							return
						}
						claimed <- dest.Number
					}
				}()
			}
			for i := 0; i < 4; i++ {
				<-done
			}
			close(claimed)

			seen := make(map[string]bool)
			for number := range claimed {
				if seen[number] {
					t.Fatalf("destination %q claimed more than once", number)
				}
				seen[number] = true
			}
			if len(seen) != n {
				t.Errorf("claimed %d distinct destinations, want %d", len(seen), n)
			}
		})
	}
}

func TestCampaignRecordRoundTrip(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rec := CampaignRecord{
				ID:                "camp-1",
				Name:              "spring outreach",
				MaxConcurrent:     3,
				AttemptDelay:      250 * time.Millisecond,
				DialTimeout:       30 * time.Second,
				DTMFTimeout:       5 * time.Second,
				GreetingAudio:     "greeting-1",
				VoicemailAudio:    "vm-1",
				TransferExtension: "100",
				Status:            "registered",
			}
			if err := store.SaveCampaign(ctx, rec); err != nil {
				t.Fatalf("SaveCampaign: %v", err)
			}

			records, err := store.Campaigns(ctx)
			if err != nil {
				t.Fatalf("Campaigns: %v", err)
			}
			if len(records) != 1 {
				t.Fatalf("got %d campaigns, want 1", len(records))
			}
			if records[0] != rec {
				t.Errorf("round trip mismatch:\n got  %+v\n want %+v", records[0], rec)
			}

			// Upsert replaces, never duplicates.
			rec.MaxConcurrent = 5
			rec.Status = "active"
			if err := store.SaveCampaign(ctx, rec); err != nil {
				t.Fatalf("SaveCampaign update: %v", err)
			}
			records, err = store.Campaigns(ctx)
			if err != nil {
				t.Fatalf("Campaigns: %v", err)
			}
			if len(records) != 1 || records[0].MaxConcurrent != 5 || records[0].Status != "active" {
				t.Errorf("after upsert: %+v", records)
			}

			if err := store.SetCampaignStatus(ctx, "camp-1", "stopped"); err != nil {
				t.Fatalf("SetCampaignStatus: %v", err)
			}
			records, _ = store.Campaigns(ctx)
			if records[0].Status != "stopped" {
				t.Errorf("status = %q, want stopped", records[0].Status)
			}

			// Unknown IDs are a no-op, not an error.
			if err := store.SetCampaignStatus(ctx, "ghost", "active"); err != nil {
				t.Errorf("SetCampaignStatus unknown: %v", err)
			}
		})
	}
}
