package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebas/dialcast/internal/dialer/amd"
	"github.com/sebas/dialcast/internal/dialer/ami"
	"github.com/sebas/dialcast/internal/dialer/call"
	"github.com/sebas/dialcast/internal/dialer/callerid"
	"github.com/sebas/dialcast/internal/dialer/contacts"
)

func testCampaign(id string, maxConcurrent int) Campaign {
	return Campaign{
		ID:                id,
		Name:              "test " + id,
		MaxConcurrent:     maxConcurrent,
		AttemptDelay:      10 * time.Millisecond,
		DialTimeout:       5 * time.Second,
		DTMFTimeout:       5 * time.Second,
		GreetingAudio:     "greeting-1",
		TransferExtension: "100",
	}
}

func newTestScheduler(t *testing.T, fake *ami.Fake) (*Scheduler, *contacts.MemoryStore) {
	t.Helper()
	store := contacts.NewMemoryStore()
	selector := callerid.NewSelector([]callerid.Entry{
		{Number: "+15550109999", Trunk: "trunk-a", Priority: 1, Capacity: 50, Active: true},
	}, nil)
	s := NewScheduler(SchedulerConfig{
		Client:   fake,
		Store:    store,
		Selector: selector,
		Detector: amd.NewDetector(amd.DefaultPolicy(), nil),
	})
	return s, store
}

func loadDestinations(t *testing.T, store contacts.Store, campaignID string, n int) {
	t.Helper()
	numbers := make([]string, n)
	for i := range numbers {
		numbers[i] = fmt.Sprintf("+1555010%04d", i)
	}
	if _, err := store.AddDestinations(context.Background(), campaignID, numbers); err != nil {
		t.Fatalf("AddDestinations: %v", err)
	}
}

// autoHangup makes every originated call end shortly after it starts.
func autoHangup(fake *ami.Fake, active *int32, peak *int32) {
	fake.OriginateFn = func(req ami.OriginateRequest) (*ami.Response, error) {
		id := req.Variables[ami.VarAttemptID]
		if active != nil {
			cur := atomic.AddInt32(active, 1)
			for {
				p := atomic.LoadInt32(peak)
				if cur <= p || atomic.CompareAndSwapInt32(peak, p, cur) {
					break
				}
			}
		}
		go func() {
			time.Sleep(20 * time.Millisecond)
			if active != nil {
				atomic.AddInt32(active, -1)
			}
			fake.Emit(&ami.HangupEvent{
				CallRef: ami.CallRef{AttemptID: id, Channel: ami.ChannelFor(id)},
				Cause:   16,
			})
		}()
		return &ami.Response{
			Success: true,
			Fields:  map[string]string{"Channel": ami.ChannelFor(id)},
		}, nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartValidation(t *testing.T) {
	fake := ami.NewFake()
	s, store := newTestScheduler(t, fake)

	if err := s.Start(context.Background(), "nope"); !errors.Is(err, ErrCampaignNotFound) {
		t.Errorf("Start unknown = %v, want ErrCampaignNotFound", err)
	}

	if err := s.Add(testCampaign("camp-1", 1)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Start(context.Background(), "camp-1"); !errors.Is(err, ErrNoEligibleDestinations) {
		t.Errorf("Start with empty list = %v, want ErrNoEligibleDestinations", err)
	}

	loadDestinations(t, store, "camp-1", 4)
	autoHangup(fake, nil, nil)
	if err := s.Start(context.Background(), "camp-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background(), "camp-1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("double Start = %v, want ErrAlreadyRunning", err)
	}

	waitFor(t, "exhaustion", func() bool {
		info, _ := s.Status("camp-1")
		return info.Status == StatusExhausted.String()
	})
}

func TestAddRejectsBadConfig(t *testing.T) {
	fake := ami.NewFake()
	s, _ := newTestScheduler(t, fake)

	var verr *ValidationError
	if err := s.Add(Campaign{ID: "x", GreetingAudio: "g"}); !errors.As(err, &verr) {
		t.Errorf("Add without transfer target = %v, want ValidationError", err)
	}
	if err := s.Add(Campaign{ID: "x", TransferQueue: "sales"}); !errors.As(err, &verr) {
		t.Errorf("Add without greeting = %v, want ValidationError", err)
	}
}

func TestConcurrencyCapHonored(t *testing.T) {
	fake := ami.NewFake()
	s, store := newTestScheduler(t, fake)

	var active, peak int32
	autoHangup(fake, &active, &peak)

	const maxConcurrent = 2
	if err := s.Add(testCampaign("camp-1", maxConcurrent)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	loadDestinations(t, store, "camp-1", 8)
	if err := s.Start(context.Background(), "camp-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "exhaustion", func() bool {
		info, _ := s.Status("camp-1")
		return info.Status == StatusExhausted.String()
	})

	if p := atomic.LoadInt32(&peak); p > maxConcurrent {
		t.Errorf("peak concurrent attempts = %d, want <= %d", p, maxConcurrent)
	}
	info, _ := s.Status("camp-1")
	if info.Launched != 8 {
		t.Errorf("launched = %d, want 8", info.Launched)
	}
	if info.ActiveAttempts != 0 {
		t.Errorf("active attempts = %d after exhaustion, want 0", info.ActiveAttempts)
	}
}

func TestEachDestinationAttemptedOnce(t *testing.T) {
	fake := ami.NewFake()
	s, store := newTestScheduler(t, fake)
	autoHangup(fake, nil, nil)

	if err := s.Add(testCampaign("camp-1", 3)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	loadDestinations(t, store, "camp-1", 6)
	if err := s.Start(context.Background(), "camp-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "exhaustion", func() bool {
		info, _ := s.Status("camp-1")
		return info.Status == StatusExhausted.String()
	})

	attempts, err := store.Attempts(context.Background(), "camp-1")
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	seen := make(map[string]int)
	for _, rec := range attempts {
		seen[rec.Number]++
	}
	if len(seen) != 6 {
		t.Errorf("distinct numbers attempted = %d, want 6", len(seen))
	}
	for number, count := range seen {
		if count != 1 {
			t.Errorf("number %s attempted %d times, want 1", number, count)
		}
	}
}

func TestStopFinalizesInFlightAttempts(t *testing.T) {
	fake := ami.NewFake()
	s, store := newTestScheduler(t, fake)
	// Default fake responses: calls originate and then ring forever

	if err := s.Add(testCampaign("camp-1", 2)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	loadDestinations(t, store, "camp-1", 2)
	if err := s.Start(context.Background(), "camp-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Both slots in flight
	recv(t, fake.OriginateCalls, "first originate")
	recv(t, fake.OriginateCalls, "second originate")

	if err := s.Stop("camp-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	waitFor(t, "both attempts finalized", func() bool {
		info, _ := s.Status("camp-1")
		return info.ActiveAttempts == 0 && info.Reasons[call.ReasonCampaignStopped] == 2
	})
	info, _ := s.Status("camp-1")
	if info.Status != StatusStopped.String() {
		t.Errorf("status = %q, want stopped", info.Status)
	}

	// Each cancelled attempt hung its call up
	recv(t, fake.HangupCalls, "first hangup")
	recv(t, fake.HangupCalls, "second hangup")
}

func TestPauseIdlesLaunching(t *testing.T) {
	fake := ami.NewFake()
	s, store := newTestScheduler(t, fake)
	autoHangup(fake, nil, nil)

	if err := s.Add(testCampaign("camp-1", 1)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	loadDestinations(t, store, "camp-1", 10)
	if err := s.Start(context.Background(), "camp-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	recv(t, fake.OriginateCalls, "first originate")
	if err := s.Pause("camp-1", "operator break"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	// Let any round already in progress settle, then verify no new launches
	time.Sleep(100 * time.Millisecond)
	before, _ := s.Status("camp-1")
	if before.Status != StatusPaused.String() {
		t.Fatalf("status = %q, want paused", before.Status)
	}
	time.Sleep(150 * time.Millisecond)
	after, _ := s.Status("camp-1")
	if after.Launched != before.Launched {
		t.Errorf("launched grew %d -> %d while paused", before.Launched, after.Launched)
	}

	if err := s.Resume("camp-1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, "exhaustion after resume", func() bool {
		info, _ := s.Status("camp-1")
		return info.Status == StatusExhausted.String()
	})
	info, _ := s.Status("camp-1")
	if info.Launched != 10 {
		t.Errorf("launched = %d, want 10", info.Launched)
	}
}

func TestOriginationFailureFreesSlotWithoutRetry(t *testing.T) {
	fake := ami.NewFake()
	s, store := newTestScheduler(t, fake)

	var originates int32
	fake.OriginateFn = func(req ami.OriginateRequest) (*ami.Response, error) {
		atomic.AddInt32(&originates, 1)
		return &ami.Response{Success: false, Message: "Trunk unavailable"}, nil
	}

	if err := s.Add(testCampaign("camp-1", 2)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	loadDestinations(t, store, "camp-1", 4)
	if err := s.Start(context.Background(), "camp-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "exhaustion", func() bool {
		info, _ := s.Status("camp-1")
		return info.Status == StatusExhausted.String()
	})

	if got := atomic.LoadInt32(&originates); got != 4 {
		t.Errorf("originate calls = %d, want 4 (one per destination, no retries)", got)
	}
	info, _ := s.Status("camp-1")
	if info.Reasons[call.ReasonError] != 4 {
		t.Errorf("error outcomes = %d, want 4", info.Reasons[call.ReasonError])
	}
}

func TestSelectionExhaustionDoesNotConsumeSlots(t *testing.T) {
	fake := ami.NewFake()
	store := contacts.NewMemoryStore()
	// No active caller-ID entries at all
	selector := callerid.NewSelector(nil, nil)
	s := NewScheduler(SchedulerConfig{
		Client:   fake,
		Store:    store,
		Selector: selector,
		Detector: amd.NewDetector(amd.DefaultPolicy(), nil),
	})

	if err := s.Add(testCampaign("camp-1", 2)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	loadDestinations(t, store, "camp-1", 3)
	if err := s.Start(context.Background(), "camp-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "exhaustion", func() bool {
		info, _ := s.Status("camp-1")
		return info.Status == StatusExhausted.String()
	})

	info, _ := s.Status("camp-1")
	if info.Launched != 0 {
		t.Errorf("launched = %d, want 0 when selection always fails", info.Launched)
	}

	// Failures are still recorded with a reason
	attempts, err := store.Attempts(context.Background(), "camp-1")
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("recorded attempts = %d, want 3", len(attempts))
	}
	for _, rec := range attempts {
		if rec.Reason != call.ReasonError {
			t.Errorf("recorded reason = %q, want error", rec.Reason)
		}
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	fake := ami.NewFake()
	s, store := newTestScheduler(t, fake)

	if err := s.Add(testCampaign("camp-1", 2)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	loadDestinations(t, store, "camp-1", 2)
	if err := s.Start(context.Background(), "camp-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	recv(t, fake.OriginateCalls, "first originate")
	recv(t, fake.OriginateCalls, "second originate")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	info, _ := s.Status("camp-1")
	if info.ActiveAttempts != 0 {
		t.Errorf("active attempts = %d after shutdown, want 0", info.ActiveAttempts)
	}
	if info.Reasons[call.ReasonCampaignStopped] != 2 {
		t.Errorf("campaign-stopped outcomes = %d, want 2", info.Reasons[call.ReasonCampaignStopped])
	}
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func schedulerWithStore(fake *ami.Fake, store contacts.Store) *Scheduler {
	selector := callerid.NewSelector([]callerid.Entry{
		{Number: "+15550109999", Trunk: "trunk-a", Priority: 1, Capacity: 50, Active: true},
	}, nil)
	return NewScheduler(SchedulerConfig{
		Client:   fake,
		Store:    store,
		Selector: selector,
		Detector: amd.NewDetector(amd.DefaultPolicy(), nil),
	})
}

func storedStatus(t *testing.T, store contacts.Store, id string) string {
	t.Helper()
	records, err := store.Campaigns(context.Background())
	if err != nil {
		t.Fatalf("Campaigns: %v", err)
	}
	for _, rec := range records {
		if rec.ID == id {
			return rec.Status
		}
	}
	t.Fatalf("campaign %s not persisted", id)
	panic("unreachable")
}

func TestRestoreRestartsActiveCampaign(t *testing.T) {
	store := contacts.NewMemoryStore()
	loadDestinations(t, store, "camp-1", 3)
	err := store.SaveCampaign(context.Background(), contacts.CampaignRecord{
		ID:                "camp-1",
		Name:              "interrupted run",
		MaxConcurrent:     2,
		AttemptDelay:      10 * time.Millisecond,
		DialTimeout:       5 * time.Second,
		DTMFTimeout:       5 * time.Second,
		GreetingAudio:     "greeting-1",
		TransferExtension: "100",
		Status:            "active",
	})
	if err != nil {
		t.Fatalf("SaveCampaign: %v", err)
	}

	fake := ami.NewFake()
	autoHangup(fake, nil, nil)
	s := schedulerWithStore(fake, store)
	if err := s.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	waitFor(t, "restored campaign to finish", func() bool {
		info, err := s.Status("camp-1")
		return err == nil && info.Status == "exhausted"
	})
	info, _ := s.Status("camp-1")
	if info.Launched != 3 {
		t.Errorf("launched = %d, want 3", info.Launched)
	}
	if got := storedStatus(t, store, "camp-1"); got != "exhausted" {
		t.Errorf("persisted status = %q, want exhausted", got)
	}
}

func TestRestoreLeavesStoppedCampaignsRegistered(t *testing.T) {
	store := contacts.NewMemoryStore()
	loadDestinations(t, store, "camp-1", 2)
	err := store.SaveCampaign(context.Background(), contacts.CampaignRecord{
		ID:                "camp-1",
		MaxConcurrent:     1,
		AttemptDelay:      10 * time.Millisecond,
		GreetingAudio:     "greeting-1",
		TransferExtension: "100",
		Status:            "stopped",
	})
	if err != nil {
		t.Fatalf("SaveCampaign: %v", err)
	}

	s := schedulerWithStore(ami.NewFake(), store)
	if err := s.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	info, err := s.Status("camp-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Status != "registered" {
		t.Errorf("status = %q, want registered (config only, not dialing)", info.Status)
	}
}

func TestLifecycleStatusPersisted(t *testing.T) {
	fake := ami.NewFake()
	store := contacts.NewMemoryStore()
	s := schedulerWithStore(fake, store)
	loadDestinations(t, store, "camp-1", 50)

	// Keep calls in flight so the run never exhausts under us.
	fake.OriginateFn = func(req ami.OriginateRequest) (*ami.Response, error) {
		return &ami.Response{Success: true}, nil
	}

	if err := s.Add(testCampaign("camp-1", 1)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := storedStatus(t, store, "camp-1"); got != "registered" {
		t.Errorf("after Add: persisted status = %q, want registered", got)
	}

	if err := s.Start(context.Background(), "camp-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := storedStatus(t, store, "camp-1"); got != "active" {
		t.Errorf("after Start: persisted status = %q, want active", got)
	}

	if err := s.Pause("camp-1", "testing"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := storedStatus(t, store, "camp-1"); got != "paused" {
		t.Errorf("after Pause: persisted status = %q, want paused", got)
	}

	if err := s.Resume("camp-1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := storedStatus(t, store, "camp-1"); got != "active" {
		t.Errorf("after Resume: persisted status = %q, want active", got)
	}

	if err := s.Stop("camp-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := storedStatus(t, store, "camp-1"); got != "stopped" {
		t.Errorf("after Stop: persisted status = %q, want stopped", got)
	}
	waitFor(t, "in-flight attempts to clear", func() bool {
		info, _ := s.Status("camp-1")
		return info.ActiveAttempts == 0
	})
}

func TestResetReopensRun(t *testing.T) {
	fake := ami.NewFake()
	autoHangup(fake, nil, nil)
	s, store := newTestScheduler(t, fake)
	loadDestinations(t, store, "camp-1", 3)
	if err := s.Add(testCampaign("camp-1", 2)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := s.Reset(context.Background(), "nope"); !errors.Is(err, ErrCampaignNotFound) {
		t.Errorf("Reset unknown = %v, want ErrCampaignNotFound", err)
	}

	if err := s.Start(context.Background(), "camp-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Reset(context.Background(), "camp-1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Reset while running = %v, want ErrAlreadyRunning", err)
	}

	waitFor(t, "first run to exhaust", func() bool {
		info, _ := s.Status("camp-1")
		return info.Status == "exhausted"
	})
	if eligible, _ := store.HasEligible(context.Background(), "camp-1"); eligible {
		t.Fatal("destinations still eligible after exhaustion")
	}

	if err := s.Reset(context.Background(), "camp-1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if eligible, _ := store.HasEligible(context.Background(), "camp-1"); !eligible {
		t.Error("destinations not eligible again after reset")
	}
	if err := s.Start(context.Background(), "camp-1"); err != nil {
		t.Errorf("Start after reset: %v", err)
	}
	waitFor(t, "second run to exhaust", func() bool {
		info, _ := s.Status("camp-1")
		return info.Status == "exhausted"
	})
}
