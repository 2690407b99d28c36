package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sebas/dialcast/internal/dialer/amd"
	"github.com/sebas/dialcast/internal/dialer/ami"
	"github.com/sebas/dialcast/internal/dialer/api"
	"github.com/sebas/dialcast/internal/dialer/callerid"
	"github.com/sebas/dialcast/internal/dialer/campaign"
	"github.com/sebas/dialcast/internal/dialer/config"
	"github.com/sebas/dialcast/internal/dialer/contacts"
	"github.com/sebas/dialcast/internal/dialer/events"
)

// Dialer is the assembled dialer node: protocol client, contact store,
// caller-ID pool, campaign scheduler and operator API.
type Dialer struct {
	cfg       *config.Config
	client    ami.Client
	store     contacts.Store
	selector  *callerid.Selector
	detector  *amd.Detector
	publisher events.Publisher
	scheduler *campaign.Scheduler
	apiServer *api.Server
}

// New wires the dialer from configuration.
func New(cfg *config.Config) (*Dialer, error) {
	store, err := openStore(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	entries, err := cfg.CallerIDEntries()
	if err != nil {
		store.Close()
		return nil, err
	}
	if len(entries) == 0 {
		slog.Warn("[App] No caller-IDs configured, campaigns cannot dial")
	}
	selector := callerid.NewSelector(entries, slog.Default())
	detector := amd.NewDetector(amd.DefaultPolicy(), slog.Default())

	publisher, err := buildPublisher(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}
	builder := events.NewBuilder(nodeID)

	client, err := buildClient(cfg)
	if err != nil {
		publisher.Close()
		store.Close()
		return nil, err
	}

	scheduler := campaign.NewScheduler(campaign.SchedulerConfig{
		Client:    client,
		Store:     store,
		Selector:  selector,
		Detector:  detector,
		Publisher: publisher,
		Events:    builder,
		Logger:    slog.Default(),
	})

	apiServer := api.NewServer(cfg.APIAddr, scheduler, store, selector)

	return &Dialer{
		cfg:       cfg,
		client:    client,
		store:     store,
		selector:  selector,
		detector:  detector,
		publisher: publisher,
		scheduler: scheduler,
		apiServer: apiServer,
	}, nil
}

func openStore(path string) (contacts.Store, error) {
	if path == "" || path == "memory" {
		slog.Info("[App] Using in-memory contact store")
		return contacts.NewMemoryStore(), nil
	}
	store, err := contacts.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open contact store: %w", err)
	}
	slog.Info("[App] Using SQLite contact store", "path", path)
	return store, nil
}

func buildPublisher(cfg *config.Config) (events.Publisher, error) {
	logging := events.NewLoggingPublisher(slog.Default())
	if cfg.NATSURL == "" {
		return logging, nil
	}
	natsCfg := events.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL
	nats, err := events.NewNATSPublisher(natsCfg, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("connect event bus: %w", err)
	}
	return events.NewMultiPublisher(nats, logging), nil
}

func buildClient(cfg *config.Config) (ami.Client, error) {
	if cfg.Simulate {
		slog.Info("[App] Using simulated PBX backend")
		return ami.NewFake(), nil
	}
	client, err := ami.NewTCPClient(ami.TCPConfig{
		Address:       cfg.PBXAddr,
		Username:      cfg.PBXUsername,
		Secret:        cfg.PBXSecret,
		ActionTimeout: cfg.PBXTimeout,
		Logger:        slog.Default(),
	})
	if err != nil {
		return nil, fmt.Errorf("connect PBX: %w", err)
	}
	return client, nil
}

// Scheduler exposes campaign control, used by tests and embedders.
func (d *Dialer) Scheduler() *campaign.Scheduler {
	return d.scheduler
}

// Start rebuilds the campaign registry from the store, restarting any
// campaign that was active at the last shutdown, then brings the
// operator API up.
func (d *Dialer) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.scheduler.Restore(ctx); err != nil {
		slog.Warn("[App] Campaign restore failed", "error", err)
	}
	return d.apiServer.Start()
}

// Stop shuts the dialer down: stops every running campaign, waits for
// in-flight attempts to finalize (bounded by ctx), then closes the
// transports and the store.
func (d *Dialer) Stop(ctx context.Context) error {
	var firstErr error

	if err := d.scheduler.Shutdown(ctx); err != nil {
		slog.Warn("[App] Scheduler shutdown incomplete", "error", err)
		firstErr = err
	}
	if err := d.apiServer.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.publisher.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
