package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sebas/dialcast/internal/dialer/callerid"
	"github.com/sebas/dialcast/internal/dialer/campaign"
	"github.com/sebas/dialcast/internal/dialer/contacts"
)

// SchedulerProvider exposes campaign control for the API.
// Implemented by campaign.Scheduler.
type SchedulerProvider interface {
	Add(c campaign.Campaign) error
	Start(ctx context.Context, id string) error
	Pause(id, reason string) error
	Resume(id string) error
	Stop(id string) error
	Reset(ctx context.Context, id string) error
	Status(id string) (campaign.StatusInfo, error)
	List() []campaign.StatusInfo
}

// CallerIDProvider provides caller-ID pool stats for the API.
// Implemented by callerid.Selector.
type CallerIDProvider interface {
	Stats() []callerid.EntryStats
}

// Server provides the HTTP API for operators (headless, API only)
type Server struct {
	addr       string
	httpServer *http.Server
	scheduler  SchedulerProvider
	store      contacts.Store
	callerIDs  CallerIDProvider
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(addr string, scheduler SchedulerProvider, store contacts.Store, callerIDs CallerIDProvider) *Server {
	s := &Server{
		addr:      addr,
		scheduler: scheduler,
		store:     store,
		callerIDs: callerIDs,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	// Health and stats
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)

	// Campaigns
	mux.HandleFunc("/api/v1/campaigns", s.handleCampaigns)
	mux.HandleFunc("/api/v1/campaigns/", s.handleCampaignByID)

	// Caller-ID pool
	mux.HandleFunc("/api/v1/callerids", s.handleCallerIDs)

	// Blacklist
	mux.HandleFunc("/api/v1/blacklist", s.handleBlacklist)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	slog.Info("[API] Starting HTTP API server", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[API] Server error", "error", err)
			panic(err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// --- Health & Stats ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime).Seconds()
	response := map[string]interface{}{
		"status": "ok",
		"uptime": int64(uptime),
	}
	s.writeJSON(w, response)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	campaigns := s.scheduler.List()
	activeCampaigns := 0
	activeAttempts := 0
	launched := 0
	for _, c := range campaigns {
		if c.Status == campaign.StatusActive.String() || c.Status == campaign.StatusPaused.String() {
			activeCampaigns++
		}
		activeAttempts += c.ActiveAttempts
		launched += c.Launched
	}

	inUse := 0
	entries := 0
	if s.callerIDs != nil {
		for _, e := range s.callerIDs.Stats() {
			entries++
			inUse += e.InUse
		}
	}

	response := map[string]interface{}{
		"total_campaigns":   len(campaigns),
		"active_campaigns":  activeCampaigns,
		"active_attempts":   activeAttempts,
		"launched_attempts": launched,
		"callerid_entries":  entries,
		"callerids_in_use":  inUse,
	}
	s.writeJSON(w, response)
}

// --- Campaigns ---

type createCampaignRequest struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	MaxConcurrent       int      `json:"max_concurrent"`
	AttemptDelaySeconds float64  `json:"attempt_delay_seconds"`
	DialTimeoutSeconds  float64  `json:"dial_timeout_seconds"`
	DTMFTimeoutSeconds  float64  `json:"dtmf_timeout_seconds"`
	GreetingAudio       string   `json:"greeting_audio"`
	VoicemailAudio      string   `json:"voicemail_audio,omitempty"`
	TransferExtension   string   `json:"transfer_extension,omitempty"`
	TransferQueue       string   `json:"transfer_queue,omitempty"`
	Destinations        []string `json:"destinations"`
}

func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, s.scheduler.List())
	case http.MethodPost:
		s.handleCreateCampaign(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	c := campaign.Campaign{
		ID:                req.ID,
		Name:              req.Name,
		MaxConcurrent:     req.MaxConcurrent,
		AttemptDelay:      time.Duration(req.AttemptDelaySeconds * float64(time.Second)),
		DialTimeout:       time.Duration(req.DialTimeoutSeconds * float64(time.Second)),
		DTMFTimeout:       time.Duration(req.DTMFTimeoutSeconds * float64(time.Second)),
		GreetingAudio:     req.GreetingAudio,
		VoicemailAudio:    req.VoicemailAudio,
		TransferExtension: req.TransferExtension,
		TransferQueue:     req.TransferQueue,
	}
	if err := s.scheduler.Add(c); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	added := 0
	if len(req.Destinations) > 0 {
		var err error
		added, err = s.store.AddDestinations(r.Context(), c.ID, req.Destinations)
		if err != nil {
			slog.Error("[API] Failed to load destinations", "campaign_id", c.ID, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusCreated)
	s.writeJSON(w, map[string]interface{}{
		"id":                 c.ID,
		"destinations_added": added,
	})
}

// handleCampaignByID routes per-campaign endpoints:
// GET  /api/v1/campaigns/{id}           - Status snapshot
// GET  /api/v1/campaigns/{id}/attempts  - Attempt records
// POST /api/v1/campaigns/{id}/start     - Begin dialing
// POST /api/v1/campaigns/{id}/pause     - Pause launching
// POST /api/v1/campaigns/{id}/resume    - Resume launching
// POST /api/v1/campaigns/{id}/stop      - Stop and cancel in-flight calls
// POST /api/v1/campaigns/{id}/reset     - Make every destination eligible again
func (s *Server) handleCampaignByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/campaigns/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		http.Error(w, "Campaign ID required", http.StatusBadRequest)
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		info, err := s.scheduler.Status(id)
		if err != nil {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, info)
		return
	}
	if len(parts) != 2 {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	switch parts[1] {
	case "attempts":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleAttempts(w, r, id)
	case "start", "pause", "resume", "stop", "reset":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleCampaignControl(w, r, id, parts[1])
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request, id string) {
	attempts, err := s.store.Attempts(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type attemptResponse struct {
		ID                string  `json:"id"`
		Number            string  `json:"number"`
		CallerID          string  `json:"caller_id,omitempty"`
		Trunk             string  `json:"trunk,omitempty"`
		State             string  `json:"state"`
		Reason            string  `json:"reason,omitempty"`
		Message           string  `json:"message,omitempty"`
		Digit             string  `json:"digit,omitempty"`
		ResponseLatency   float64 `json:"response_latency_seconds,omitempty"`
		VoicemailDuration float64 `json:"voicemail_duration_seconds,omitempty"`
		StartedAt         string  `json:"started_at"`
		EndedAt           string  `json:"ended_at,omitempty"`
	}

	response := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		item := attemptResponse{
			ID:                a.ID,
			Number:            a.Number,
			CallerID:          a.CallerID,
			Trunk:             a.Trunk,
			State:             a.State,
			Reason:            a.Reason,
			Message:           a.Message,
			Digit:             a.Digit,
			ResponseLatency:   a.ResponseLatency.Seconds(),
			VoicemailDuration: a.VoicemailDuration.Seconds(),
			StartedAt:         a.StartedAt.Format(time.RFC3339),
		}
		if !a.EndedAt.IsZero() {
			item.EndedAt = a.EndedAt.Format(time.RFC3339)
		}
		response = append(response, item)
	}
	s.writeJSON(w, response)
}

func (s *Server) handleCampaignControl(w http.ResponseWriter, r *http.Request, id, action string) {
	var err error
	switch action {
	case "start":
		// Use background context: the campaign run outlives the request.
		err = s.scheduler.Start(context.Background(), id)
	case "pause":
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "operator request"
		}
		err = s.scheduler.Pause(id, reason)
	case "resume":
		err = s.scheduler.Resume(id)
	case "stop":
		err = s.scheduler.Stop(id)
	case "reset":
		err = s.scheduler.Reset(r.Context(), id)
	}
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, campaign.ErrCampaignNotFound) {
			status = http.StatusNotFound
		}
		if errors.Is(err, campaign.ErrAlreadyRunning) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	info, _ := s.scheduler.Status(id)
	s.writeJSON(w, map[string]interface{}{
		"message": action + " accepted",
		"id":      id,
		"status":  info.Status,
	})
}

// --- Caller-IDs ---

func (s *Server) handleCallerIDs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.callerIDs == nil {
		s.writeJSON(w, []interface{}{})
		return
	}
	s.writeJSON(w, s.callerIDs.Stats())
}

// --- Blacklist ---

func (s *Server) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Number string `json:"number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.store.Blacklist(r.Context(), req.Number); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"message": "Number blacklisted",
	})
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
