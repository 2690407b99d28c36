package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	// NATS server URL(s), comma-separated
	URL string
	// Async buffer size (default: 10000)
	AsyncBufferSize int
	// Connection timeout
	ConnectTimeout time.Duration
	// Reconnect settings
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	// Auth
	Token    string
	User     string
	Password string
}

// DefaultNATSConfig returns sensible defaults for dialer workloads.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:             nats.DefaultURL,
		AsyncBufferSize: 10000,
		ConnectTimeout:  5 * time.Second,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
	}
}

// NATSPublisher publishes lifecycle events to NATS.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger

	asyncCh chan Event
	asyncWg sync.WaitGroup

	closedMu sync.RWMutex
	closed   bool

	mu           sync.Mutex
	publishCount int64
	errorCount   int64
	asyncDropped int64
}

// NewNATSPublisher connects to NATS and starts the async publish loop.
func NewNATSPublisher(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name("dialcast-events"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("[Events] NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("[Events] NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("[Events] NATS error", "error", err)
		}),
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	} else if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	bufSize := cfg.AsyncBufferSize
	if bufSize <= 0 {
		bufSize = 10000
	}

	p := &NATSPublisher{
		conn:    conn,
		logger:  logger,
		asyncCh: make(chan Event, bufSize),
	}

	p.asyncWg.Add(1)
	go p.asyncPublisher()

	logger.Info("[Events] NATS publisher initialized", "url", cfg.URL)
	return p, nil
}

func (p *NATSPublisher) asyncPublisher() {
	defer p.asyncWg.Done()
	for event := range p.asyncCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.Publish(ctx, event); err != nil {
			p.logger.Warn("[Events] Async publish failed",
				"error", err,
				"type", event.Type(),
				"attempt_id", event.AttemptID(),
			)
		}
		cancel()
	}
}

func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := event.Subject()
	if err := p.conn.Publish(subject, data); err != nil {
		p.mu.Lock()
		p.errorCount++
		p.mu.Unlock()
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	p.mu.Lock()
	p.publishCount++
	p.mu.Unlock()
	return nil
}

func (p *NATSPublisher) PublishAsync(event Event) {
	p.closedMu.RLock()
	if p.closed {
		p.closedMu.RUnlock()
		return
	}
	p.closedMu.RUnlock()

	select {
	case p.asyncCh <- event:
	default:
		p.mu.Lock()
		p.asyncDropped++
		p.mu.Unlock()
		p.logger.Warn("[Events] Async buffer full, event dropped",
			"type", event.Type(),
			"attempt_id", event.AttemptID(),
		)
	}
}

func (p *NATSPublisher) Flush(ctx context.Context) error {
	p.closedMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.asyncCh)
	}
	p.closedMu.Unlock()
	p.asyncWg.Wait()

	return p.conn.FlushWithContext(ctx)
}

func (p *NATSPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.Flush(ctx); err != nil {
		p.logger.Warn("[Events] Flush failed during close", "error", err)
	}

	p.conn.Close()
	return nil
}

// Stats returns publish counters for the stats endpoint.
func (p *NATSPublisher) Stats() (published, errors, asyncDropped int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publishCount, p.errorCount, p.asyncDropped
}

var _ Publisher = (*NATSPublisher)(nil)
