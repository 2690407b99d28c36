package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/sebas/dialcast/internal/dialer/callerid"
)

// Config holds the dialer node configuration. Environment variables are
// parsed first, command line flags override them.
type Config struct {
	// PBX manager connection
	PBXAddr     string        `env:"DIALCAST_PBX_ADDR" envDefault:"localhost:5038"`
	PBXUsername string        `env:"DIALCAST_PBX_USERNAME" envDefault:"dialcast"`
	PBXSecret   string        `env:"DIALCAST_PBX_SECRET"`
	PBXTimeout  time.Duration `env:"DIALCAST_PBX_TIMEOUT" envDefault:"10s"`

	// Simulate runs against the in-memory PBX backend instead of a socket.
	Simulate bool `env:"DIALCAST_SIMULATE" envDefault:"false"`

	// HTTP API
	APIAddr string `env:"DIALCAST_API_ADDR" envDefault:":8080"`

	// Storage: "memory" or a SQLite database path
	StorePath string `env:"DIALCAST_STORE_PATH" envDefault:"dialcast.db"`

	// Event bus: empty disables NATS publishing
	NATSURL string `env:"DIALCAST_NATS_URL"`

	// CallerIDs is a comma-separated pool:
	//   number@trunk[:priority[:capacity]]
	// e.g. "+15550100001@trunk-a:1:10,+15550100002@trunk-b:2:5"
	CallerIDs string `env:"DIALCAST_CALLER_IDS"`

	NodeID   string `env:"DIALCAST_NODE_ID"`
	LogLevel string `env:"DIALCAST_LOG_LEVEL" envDefault:"info"`
}

// Load parses environment variables and command line flags.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	flag.StringVar(&cfg.PBXAddr, "pbx", cfg.PBXAddr, "PBX manager interface address")
	flag.StringVar(&cfg.PBXUsername, "pbx-user", cfg.PBXUsername, "PBX manager username")
	flag.StringVar(&cfg.PBXSecret, "pbx-secret", cfg.PBXSecret, "PBX manager secret")
	flag.BoolVar(&cfg.Simulate, "simulate", cfg.Simulate, "Use the in-memory PBX backend")
	flag.StringVar(&cfg.APIAddr, "api", cfg.APIAddr, "HTTP API listen address")
	flag.StringVar(&cfg.StorePath, "store", cfg.StorePath, "Contact store: 'memory' or SQLite path")
	flag.StringVar(&cfg.NATSURL, "nats", cfg.NATSURL, "NATS URL for lifecycle events (empty = disabled)")
	flag.StringVar(&cfg.CallerIDs, "callerids", cfg.CallerIDs, "Caller-ID pool (number@trunk[:priority[:capacity]], comma-separated)")
	flag.StringVar(&cfg.NodeID, "node", cfg.NodeID, "Node identifier stamped on events")
	flag.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.Parse()

	return cfg, nil
}

const (
	defaultPriority = 100
	defaultCapacity = 5
)

// CallerIDEntries parses the configured caller-ID pool.
func (c *Config) CallerIDEntries() ([]callerid.Entry, error) {
	return ParseCallerIDs(c.CallerIDs)
}

// ParseCallerIDs parses "number@trunk[:priority[:capacity]]" entries.
func ParseCallerIDs(s string) ([]callerid.Entry, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var entries []callerid.Entry
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		entry, err := parseCallerID(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseCallerID(raw string) (callerid.Entry, error) {
	number, rest, ok := strings.Cut(raw, "@")
	if !ok || number == "" {
		return callerid.Entry{}, fmt.Errorf("caller-ID %q: want number@trunk", raw)
	}

	entry := callerid.Entry{
		Number:   number,
		Priority: defaultPriority,
		Capacity: defaultCapacity,
		Active:   true,
	}

	parts := strings.Split(rest, ":")
	if parts[0] == "" {
		return callerid.Entry{}, fmt.Errorf("caller-ID %q: trunk is required", raw)
	}
	entry.Trunk = parts[0]

	if len(parts) > 1 {
		p, err := strconv.Atoi(parts[1])
		if err != nil {
			return callerid.Entry{}, fmt.Errorf("caller-ID %q: bad priority: %w", raw, err)
		}
		entry.Priority = p
	}
	if len(parts) > 2 {
		cap, err := strconv.Atoi(parts[2])
		if err != nil {
			return callerid.Entry{}, fmt.Errorf("caller-ID %q: bad capacity: %w", raw, err)
		}
		entry.Capacity = cap
	}
	if len(parts) > 3 {
		return callerid.Entry{}, fmt.Errorf("caller-ID %q: too many fields", raw)
	}
	return entry, nil
}
