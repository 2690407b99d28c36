package campaign

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/dialcast/internal/dialer/amd"
	"github.com/sebas/dialcast/internal/dialer/ami"
	"github.com/sebas/dialcast/internal/dialer/call"
	"github.com/sebas/dialcast/internal/dialer/callerid"
	"github.com/sebas/dialcast/internal/dialer/contacts"
	"github.com/sebas/dialcast/internal/dialer/events"
)

var (
	// ErrCampaignNotFound means the campaign ID is not registered.
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrNoEligibleDestinations means no destination is left to dial.
	ErrNoEligibleDestinations = errors.New("campaign has no eligible destinations")

	// ErrAlreadyRunning means the campaign control loop is already active.
	ErrAlreadyRunning = errors.New("campaign already running")

	// ErrNotRunning means the operation needs a running campaign.
	ErrNotRunning = errors.New("campaign is not running")
)

const recordTimeout = 5 * time.Second

// activeAttempt is one in-flight attempt with its cleanup handles.
type activeAttempt struct {
	attempt   *call.CallAttempt
	cancel    context.CancelFunc
	selection *callerid.Selection
}

// runtime is the state of one campaign run. The control loop is its only
// launcher; the mutex guards reads from the API and writes from OnFinal.
type runtime struct {
	campaign Campaign
	cancel   context.CancelFunc
	wake     chan struct{}
	done     chan struct{}

	mu       sync.Mutex
	status   Status
	active   map[string]*activeAttempt
	launched int
	reasons  map[string]int
}

func (rt *runtime) getStatus() Status {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.status
}

// setStatus changes state unless a terminal status is already set.
// Returns false when the change was refused.
func (rt *runtime) setStatus(next Status) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.status == StatusStopped || rt.status == StatusExhausted {
		return false
	}
	rt.status = next
	return true
}

func (rt *runtime) activeCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.active)
}

func (rt *runtime) isRunning() bool {
	st := rt.getStatus()
	return st == StatusActive || st == StatusPaused
}

// StatusInfo is a queryable campaign snapshot.
type StatusInfo struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Status         string         `json:"status"`
	ActiveAttempts int            `json:"active_attempts"`
	Launched       int            `json:"launched"`
	Reasons        map[string]int `json:"reasons,omitempty"`
}

// SchedulerConfig wires the scheduler's collaborators.
type SchedulerConfig struct {
	Client    ami.Client
	Store     contacts.Store
	Selector  *callerid.Selector
	Detector  *amd.Detector
	Publisher events.Publisher
	Events    *events.Builder
	Logger    *slog.Logger
}

// Scheduler owns the active-campaigns registry and per-campaign admission
// control. One control loop goroutine runs per active campaign; one
// state machine goroutine runs per in-flight attempt.
type Scheduler struct {
	client   ami.Client
	store    contacts.Store
	selector *callerid.Selector
	detector *amd.Detector
	pub      events.Publisher
	builder  *events.Builder
	logger   *slog.Logger

	mu      sync.Mutex
	configs map[string]Campaign
	runs    map[string]*runtime
}

// NewScheduler creates a scheduler with an empty registry.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NewNoopPublisher()
	}
	if cfg.Events == nil {
		cfg.Events = events.NewBuilder("")
	}
	return &Scheduler{
		client:   cfg.Client,
		store:    cfg.Store,
		selector: cfg.Selector,
		detector: cfg.Detector,
		pub:      cfg.Publisher,
		builder:  cfg.Events,
		logger:   cfg.Logger,
		configs:  make(map[string]Campaign),
		runs:     make(map[string]*runtime),
	}
}

// Add registers a campaign configuration and persists it. It does not
// start dialing.
func (s *Scheduler) Add(c Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.configs[c.ID] = c
	s.mu.Unlock()
	s.saveCampaign(c, "registered")
	return nil
}

// Restore rebuilds the registry from the store's persisted campaigns and
// restarts the ones that were active when the previous process exited.
func (s *Scheduler) Restore(ctx context.Context) error {
	records, err := s.store.Campaigns(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		c := campaignFromRecord(rec)
		if err := c.Validate(); err != nil {
			s.logger.Warn("[Scheduler] Skipping invalid persisted campaign",
				"campaign_id", rec.ID, "error", err)
			continue
		}
		s.mu.Lock()
		s.configs[c.ID] = c
		s.mu.Unlock()

		if rec.Status != StatusActive.String() && rec.Status != StatusPaused.String() {
			continue
		}
		if err := s.Start(ctx, c.ID); err != nil {
			if errors.Is(err, ErrNoEligibleDestinations) {
				s.persistStatus(c.ID, StatusExhausted.String())
			}
			s.logger.Warn("[Scheduler] Could not restart persisted campaign",
				"campaign_id", c.ID, "error", err)
			continue
		}
		if rec.Status == StatusPaused.String() {
			if err := s.Pause(c.ID, "restored paused"); err != nil {
				s.logger.Warn("[Scheduler] Could not re-pause persisted campaign",
					"campaign_id", c.ID, "error", err)
			}
		}
		s.logger.Info("[Scheduler] Restored campaign", "campaign_id", c.ID, "status", rec.Status)
	}
	return nil
}

// Start begins the campaign's control loop. Fails when the campaign is
// unknown, already running, or has nothing eligible to dial.
func (s *Scheduler) Start(ctx context.Context, id string) error {
	s.mu.Lock()
	c, ok := s.configs[id]
	if !ok {
		s.mu.Unlock()
		return ErrCampaignNotFound
	}
	if rt, exists := s.runs[id]; exists && rt.isRunning() {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.mu.Unlock()

	eligible, err := s.store.HasEligible(ctx, id)
	if err != nil {
		return err
	}
	if !eligible {
		return ErrNoEligibleDestinations
	}

	// The run outlives the start request
	runCtx, cancel := context.WithCancel(context.Background())
	rt := &runtime{
		campaign: c,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		status:   StatusActive,
		active:   make(map[string]*activeAttempt),
		reasons:  make(map[string]int),
	}

	s.mu.Lock()
	if prev, exists := s.runs[id]; exists && prev.isRunning() {
		s.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	s.runs[id] = rt
	s.mu.Unlock()

	s.persistStatus(id, StatusActive.String())
	s.pub.PublishAsync(s.builder.CampaignStatus(id, StatusActive.String(), "started"))
	s.logger.Info("[Scheduler] Campaign started",
		"campaign_id", id,
		"max_concurrent", c.MaxConcurrent,
		"attempt_delay", c.AttemptDelay,
	)

	go s.controlLoop(runCtx, rt)
	return nil
}

// Pause idles the control loop. In-flight attempts are unaffected.
func (s *Scheduler) Pause(id, reason string) error {
	rt, err := s.runningRun(id)
	if err != nil {
		return err
	}
	if !rt.setStatus(StatusPaused) {
		return ErrNotRunning
	}
	s.persistStatus(id, StatusPaused.String())
	s.pub.PublishAsync(s.builder.CampaignStatus(id, StatusPaused.String(), reason))
	s.logger.Info("[Scheduler] Campaign paused", "campaign_id", id, "reason", reason)
	return nil
}

// Resume reactivates a paused campaign.
func (s *Scheduler) Resume(id string) error {
	rt, err := s.runningRun(id)
	if err != nil {
		return err
	}
	if !rt.setStatus(StatusActive) {
		return ErrNotRunning
	}
	s.persistStatus(id, StatusActive.String())
	s.wakeUp(rt)
	s.pub.PublishAsync(s.builder.CampaignStatus(id, StatusActive.String(), "resumed"))
	s.logger.Info("[Scheduler] Campaign resumed", "campaign_id", id)
	return nil
}

// Stop marks the campaign stopped and cancels every in-flight attempt.
// Each cancelled attempt hangs its call up and finalizes with
// "campaign-stopped", releasing its slot as it goes.
func (s *Scheduler) Stop(id string) error {
	rt, err := s.runningRun(id)
	if err != nil {
		return err
	}
	rt.setStatus(StatusStopped)
	rt.cancel()
	s.persistStatus(id, StatusStopped.String())
	s.pub.PublishAsync(s.builder.CampaignStatus(id, StatusStopped.String(), "operator stop"))
	s.logger.Info("[Scheduler] Campaign stopped", "campaign_id", id)
	return nil
}

// Reset clears the attempted markers so every destination becomes
// eligible again for a fresh run. Refused while the campaign is running:
// a reset mid-run would hand destinations out twice.
func (s *Scheduler) Reset(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.configs[id]
	rt := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return ErrCampaignNotFound
	}
	if rt != nil && rt.isRunning() {
		return ErrAlreadyRunning
	}
	if err := s.store.ResetRun(ctx, id); err != nil {
		return err
	}
	s.logger.Info("[Scheduler] Campaign run reset", "campaign_id", id)
	return nil
}

func (s *Scheduler) runningRun(id string) (*runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[id]; !ok {
		return nil, ErrCampaignNotFound
	}
	rt, ok := s.runs[id]
	if !ok || !rt.isRunning() {
		return nil, ErrNotRunning
	}
	return rt, nil
}

// Status returns a snapshot for one campaign.
func (s *Scheduler) Status(id string) (StatusInfo, error) {
	s.mu.Lock()
	c, ok := s.configs[id]
	rt := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return StatusInfo{}, ErrCampaignNotFound
	}
	return snapshot(c, rt), nil
}

// List returns snapshots for every registered campaign.
func (s *Scheduler) List() []StatusInfo {
	s.mu.Lock()
	configs := make([]Campaign, 0, len(s.configs))
	runs := make(map[string]*runtime, len(s.runs))
	for id, c := range s.configs {
		configs = append(configs, c)
		runs[id] = s.runs[id]
	}
	s.mu.Unlock()

	out := make([]StatusInfo, 0, len(configs))
	for _, c := range configs {
		out = append(out, snapshot(c, runs[c.ID]))
	}
	return out
}

func snapshot(c Campaign, rt *runtime) StatusInfo {
	info := StatusInfo{ID: c.ID, Name: c.Name, Status: "registered"}
	if rt == nil {
		return info
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	info.Status = rt.status.String()
	info.ActiveAttempts = len(rt.active)
	info.Launched = rt.launched
	info.Reasons = make(map[string]int, len(rt.reasons))
	for k, v := range rt.reasons {
		info.Reasons[k] = v
	}
	return info
}

// Shutdown stops every running campaign and waits for in-flight attempts
// to finalize, bounded by ctx. Persisted statuses are left untouched so
// Restore picks the campaigns back up on the next start.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	running := make([]*runtime, 0, len(s.runs))
	for id, rt := range s.runs {
		if rt.isRunning() {
			running = append(running, rt)
			s.pub.PublishAsync(s.builder.CampaignStatus(id, StatusStopped.String(), "shutdown"))
		}
	}
	s.mu.Unlock()

	for _, rt := range running {
		rt.setStatus(StatusStopped)
		rt.cancel()
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		remaining := 0
		for _, rt := range running {
			remaining += rt.activeCount()
		}
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// controlLoop is the per-campaign admission loop: keep the active-attempt
// count topped up to the concurrency budget, pacing between rounds, until
// stopped or exhausted.
func (s *Scheduler) controlLoop(ctx context.Context, rt *runtime) {
	defer close(rt.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if rt.getStatus() == StatusPaused {
			select {
			case <-ctx.Done():
				return
			case <-rt.wake:
			}
			continue
		}

		drained := false
		for rt.activeCount() < rt.campaign.MaxConcurrent {
			err := s.launchOne(ctx, rt)
			if err == nil {
				continue
			}
			if errors.Is(err, contacts.ErrNoDestinations) {
				drained = true
			} else if !errors.Is(err, context.Canceled) {
				s.logger.Warn("[Scheduler] Launch failed",
					"campaign_id", rt.campaign.ID,
					"error", err,
				)
			}
			break
		}

		if drained && rt.activeCount() == 0 {
			if rt.setStatus(StatusExhausted) {
				s.persistStatus(rt.campaign.ID, StatusExhausted.String())
				s.pub.PublishAsync(s.builder.CampaignStatus(
					rt.campaign.ID, StatusExhausted.String(), "no eligible destinations remain",
				))
				s.logger.Info("[Scheduler] Campaign exhausted", "campaign_id", rt.campaign.ID)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-rt.wake:
		case <-time.After(rt.campaign.AttemptDelay):
		}
	}
}

// launchOne claims the next destination, acquires a caller-ID and starts
// one attempt task. Caller-ID acquisition happens before the attempt is
// registered, so selection exhaustion never consumes a concurrency slot.
func (s *Scheduler) launchOne(ctx context.Context, rt *runtime) error {
	dest, err := s.store.ClaimNext(ctx, rt.campaign.ID)
	if err != nil {
		return err
	}

	sel, err := s.selector.Acquire(dest.Number)
	if err != nil {
		s.recordFailedLaunch(rt.campaign.ID, dest.Number, err)
		return err
	}

	attempt := call.NewAttempt(rt.campaign.ID, dest.Number, sel.Number, sel.Trunk)
	attemptCtx, cancel := context.WithCancel(ctx)

	rt.mu.Lock()
	rt.active[attempt.ID] = &activeAttempt{attempt: attempt, cancel: cancel, selection: sel}
	rt.launched++
	rt.mu.Unlock()

	s.pub.PublishAsync(s.builder.SelectionMade(
		attempt.ID, rt.campaign.ID, sel.Number, sel.Trunk, s.selectionUsage(sel.Number),
	))

	machine := call.NewMachine(call.MachineConfig{
		Attempt:   attempt,
		Client:    s.client,
		Detector:  s.detector,
		Publisher: s.pub,
		Events:    s.builder,
		Logger:    s.logger,
		Plan: call.Plan{
			CampaignID:        rt.campaign.ID,
			DialTimeout:       rt.campaign.DialTimeout,
			DTMFTimeout:       rt.campaign.DTMFTimeout,
			GreetingAudio:     rt.campaign.GreetingAudio,
			VoicemailAudio:    rt.campaign.VoicemailAudio,
			TransferExtension: rt.campaign.TransferExtension,
			TransferQueue:     rt.campaign.TransferQueue,
		},
		OnFinal: func(a *call.CallAttempt) {
			s.onFinal(rt, a, sel, cancel)
		},
	})

	s.recordAttempt(attempt)
	go machine.Run(attemptCtx)
	return nil
}

// onFinal reclaims the attempt's resources. Runs on the attempt task,
// exactly once, at its terminal transition.
func (s *Scheduler) onFinal(rt *runtime, a *call.CallAttempt, sel *callerid.Selection, cancel context.CancelFunc) {
	cancel()
	sel.Release()

	rt.mu.Lock()
	delete(rt.active, a.ID)
	rt.reasons[a.Result().Reason]++
	rt.mu.Unlock()

	s.recordAttempt(a)
	s.wakeUp(rt)
}

func (s *Scheduler) wakeUp(rt *runtime) {
	select {
	case rt.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) recordAttempt(a *call.CallAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	r := a.Result()
	rec := contacts.AttemptRecord{
		ID:                a.ID,
		CampaignID:        a.CampaignID,
		Number:            a.Number,
		CallerID:          a.CallerID,
		Trunk:             a.Trunk,
		State:             a.State().String(),
		Reason:            r.Reason,
		Message:           r.Message,
		Digit:             r.Digit,
		ResponseLatency:   r.ResponseLatency,
		VoicemailDuration: r.VoicemailDuration,
		StartedAt:         a.StartedAt(),
		EndedAt:           a.EndedAt(),
	}
	if err := s.store.RecordAttempt(ctx, rec); err != nil {
		s.logger.Warn("[Scheduler] Failed to record attempt",
			"attempt_id", a.ID,
			"error", err,
		)
	}
}

// recordFailedLaunch persists an attempt that never made it to origination
// (no caller-ID available). No slot was consumed.
func (s *Scheduler) recordFailedLaunch(campaignID, number string, cause error) {
	s.logger.Warn("[Scheduler] No caller-ID available",
		"campaign_id", campaignID,
		"number", number,
		"error", cause,
	)
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	now := time.Now().UTC()
	rec := contacts.AttemptRecord{
		ID:         uuid.New().String(),
		CampaignID: campaignID,
		Number:     number,
		State:      call.StateFinished.String(),
		Reason:     call.ReasonError,
		Message:    cause.Error(),
		StartedAt:  now,
		EndedAt:    now,
	}
	if err := s.store.RecordAttempt(ctx, rec); err != nil {
		s.logger.Warn("[Scheduler] Failed to record attempt", "error", err)
	}
}

// saveCampaign persists the full configuration. Best effort: a storage
// failure degrades restart recovery, not the running campaign.
func (s *Scheduler) saveCampaign(c Campaign, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	rec := contacts.CampaignRecord{
		ID:                c.ID,
		Name:              c.Name,
		MaxConcurrent:     c.MaxConcurrent,
		AttemptDelay:      c.AttemptDelay,
		DialTimeout:       c.DialTimeout,
		DTMFTimeout:       c.DTMFTimeout,
		GreetingAudio:     c.GreetingAudio,
		VoicemailAudio:    c.VoicemailAudio,
		TransferExtension: c.TransferExtension,
		TransferQueue:     c.TransferQueue,
		Status:            status,
	}
	if err := s.store.SaveCampaign(ctx, rec); err != nil {
		s.logger.Warn("[Scheduler] Failed to persist campaign",
			"campaign_id", c.ID, "error", err)
	}
}

func (s *Scheduler) persistStatus(id, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.store.SetCampaignStatus(ctx, id, status); err != nil {
		s.logger.Warn("[Scheduler] Failed to persist campaign status",
			"campaign_id", id, "status", status, "error", err)
	}
}

func campaignFromRecord(rec contacts.CampaignRecord) Campaign {
	return Campaign{
		ID:                rec.ID,
		Name:              rec.Name,
		MaxConcurrent:     rec.MaxConcurrent,
		AttemptDelay:      rec.AttemptDelay,
		DialTimeout:       rec.DialTimeout,
		DTMFTimeout:       rec.DTMFTimeout,
		GreetingAudio:     rec.GreetingAudio,
		VoicemailAudio:    rec.VoicemailAudio,
		TransferExtension: rec.TransferExtension,
		TransferQueue:     rec.TransferQueue,
	}
}

func (s *Scheduler) selectionUsage(number string) int {
	for _, st := range s.selector.Stats() {
		if st.Number == number {
			return st.InUse
		}
	}
	return 0
}
