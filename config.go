package hearthsync

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines the sync client configuration.
type Config struct {
	// Remote configures the hosted backend endpoints.
	Remote RemoteConfig `yaml:"remote"`

	// Storage configures durable local storage.
	Storage StorageConfig `yaml:"storage"`

	// Connectivity configures the connectivity state machine.
	Connectivity ConnectivityConfig `yaml:"connectivity"`

	// Session configures session refresh behavior.
	Session SessionConfig `yaml:"session"`

	// Gate configures the write readiness gate.
	Gate GateConfig `yaml:"gate"`

	// Queue configures the durable write queue.
	Queue QueueConfig `yaml:"queue"`

	// Gateway configures remote call bounds.
	Gateway GatewayConfig `yaml:"gateway"`

	// Feed configures the change-feed listener.
	Feed FeedConfig `yaml:"feed"`

	// Poll configures the poll-sync fallback.
	Poll PollConfig `yaml:"poll"`

	// Logger receives structured logs. If nil, slog.Default() is used.
	Logger *slog.Logger `yaml:"-"`

	// Metrics is an optional metrics collector. If nil, metrics are not
	// recorded.
	Metrics *Metrics `yaml:"-"`
}

// RemoteConfig configures the hosted backend client.
type RemoteConfig struct {
	// BaseURL is the REST endpoint of the hosted backend.
	BaseURL string `yaml:"base_url"`

	// RealtimeURL is the websocket endpoint for row-change subscriptions.
	// Default: BaseURL with ws(s) scheme and /realtime path.
	RealtimeURL string `yaml:"realtime_url"`

	// APIKey is the anonymous API key sent with every request.
	APIKey string `yaml:"api_key"`

	// ReadRetryAttempts bounds the fixed-interval retries of idempotent
	// reads on retryable failures. Default: 3
	ReadRetryAttempts int `yaml:"read_retry_attempts"`

	// ReadRetryDelay is the fixed delay between read retries.
	// Default: 250ms
	ReadRetryDelay time.Duration `yaml:"read_retry_delay"`
}

// StorageConfig configures durable local storage.
type StorageConfig struct {
	// Path to the local SQLite database file. Default: hearthsync.db
	Path string `yaml:"path"`

	// Passphrase, when set, encrypts the persisted user and household
	// records at rest.
	Passphrase string `yaml:"passphrase"`

	// Compress enables snappy compression of persisted values.
	// Default: true (set by DefaultConfig).
	Compress bool `yaml:"compress"`
}

// ConnectivityConfig configures the connectivity state machine.
type ConnectivityConfig struct {
	// ProbeURL is fetched to verify connectivity after a reconnect hint.
	ProbeURL string `yaml:"probe_url"`

	// ProbeTimeout bounds a single probe. Default: 5s
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// RetryDelay is the fixed delay between failed probes. Fixed, not
	// exponential, to keep recovery latency predictable. Default: 5s
	RetryDelay time.Duration `yaml:"retry_delay"`

	// BackgroundThreshold is how long the app must have been backgrounded
	// before the previously connected state is no longer trusted.
	// Default: 5s
	BackgroundThreshold time.Duration `yaml:"background_threshold"`

	// Probe overrides the default HTTP probe, mainly for tests.
	Probe ProbeFunc `yaml:"-"`
}

// SessionConfig configures session refresh behavior.
type SessionConfig struct {
	// RefreshTimeout bounds a refresh round-trip. Default: 8s
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`

	// WaitTimeout bounds how long a second caller waits on an in-flight
	// refresh before proceeding as if it had failed. Default: 10s
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// GateConfig configures the write readiness gate.
type GateConfig struct {
	// VerifiedTTL is how long a successful operation marks the connection
	// verified, suppressing redundant checks on bursts of writes.
	// Default: 10s
	VerifiedTTL time.Duration `yaml:"verified_ttl"`
}

// QueueConfig configures the durable write queue.
type QueueConfig struct {
	// SuccessTTL is how long a processed idempotency key suppresses
	// re-enqueueing the same logical mutation. Default: 60s
	SuccessTTL time.Duration `yaml:"success_ttl"`

	// MaxAttempts bounds replay attempts for an operation failing with an
	// unclassified error before it is dropped. Default: 3
	MaxAttempts int `yaml:"max_attempts"`
}

// GatewayConfig configures remote call bounds.
type GatewayConfig struct {
	// CallTimeout bounds every remote CRUD call. Default: 6s
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// FeedConfig configures the change-feed listener.
type FeedConfig struct {
	// RetryDelay before resubscribing a dropped table subscription.
	// Default: 3s
	RetryDelay time.Duration `yaml:"retry_delay"`

	// DebounceWindow coalesces bursts of member-change events into one
	// reload. Default: 400ms
	DebounceWindow time.Duration `yaml:"debounce_window"`

	// HeartbeatInterval is the expected cadence of transport liveness
	// signals. A subscription silent for twice this interval is considered
	// dead and torn down. 0 disables the watchdog. Default: 30s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// PollConfig configures the poll-sync fallback.
type PollConfig struct {
	// ForegroundInterval between full refreshes while foregrounded.
	// Default: 30s
	ForegroundInterval time.Duration `yaml:"foreground_interval"`

	// BackgroundInterval between full refreshes while backgrounded.
	// Default: 5m
	BackgroundInterval time.Duration `yaml:"background_interval"`

	// SettleDelay before the immediate sync fired on visibility restore.
	// Default: 1s
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Remote: RemoteConfig{
			ReadRetryAttempts: 3,
			ReadRetryDelay:    250 * time.Millisecond,
		},
		Storage: StorageConfig{
			Path:     "hearthsync.db",
			Compress: true,
		},
		Connectivity: ConnectivityConfig{
			ProbeTimeout:        5 * time.Second,
			RetryDelay:          5 * time.Second,
			BackgroundThreshold: 5 * time.Second,
		},
		Session: SessionConfig{
			RefreshTimeout: 8 * time.Second,
			WaitTimeout:    10 * time.Second,
		},
		Gate: GateConfig{
			VerifiedTTL: 10 * time.Second,
		},
		Queue: QueueConfig{
			SuccessTTL:  60 * time.Second,
			MaxAttempts: 3,
		},
		Gateway: GatewayConfig{
			CallTimeout: 6 * time.Second,
		},
		Feed: FeedConfig{
			RetryDelay:        3 * time.Second,
			DebounceWindow:    400 * time.Millisecond,
			HeartbeatInterval: 30 * time.Second,
		},
		Poll: PollConfig{
			ForegroundInterval: 30 * time.Second,
			BackgroundInterval: 5 * time.Minute,
			SettleDelay:        time.Second,
		},
	}
}

// LoadConfig reads a YAML configuration file, applying defaults for any
// omitted field.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fixes up zero values left by partial YAML files.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Remote.ReadRetryAttempts <= 0 {
		c.Remote.ReadRetryAttempts = def.Remote.ReadRetryAttempts
	}
	if c.Remote.ReadRetryDelay <= 0 {
		c.Remote.ReadRetryDelay = def.Remote.ReadRetryDelay
	}
	if c.Storage.Path == "" {
		c.Storage.Path = def.Storage.Path
	}
	if c.Connectivity.ProbeTimeout <= 0 {
		c.Connectivity.ProbeTimeout = def.Connectivity.ProbeTimeout
	}
	if c.Connectivity.RetryDelay <= 0 {
		c.Connectivity.RetryDelay = def.Connectivity.RetryDelay
	}
	if c.Connectivity.BackgroundThreshold <= 0 {
		c.Connectivity.BackgroundThreshold = def.Connectivity.BackgroundThreshold
	}
	if c.Session.RefreshTimeout <= 0 {
		c.Session.RefreshTimeout = def.Session.RefreshTimeout
	}
	if c.Session.WaitTimeout <= 0 {
		c.Session.WaitTimeout = def.Session.WaitTimeout
	}
	if c.Gate.VerifiedTTL <= 0 {
		c.Gate.VerifiedTTL = def.Gate.VerifiedTTL
	}
	if c.Queue.SuccessTTL <= 0 {
		c.Queue.SuccessTTL = def.Queue.SuccessTTL
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = def.Queue.MaxAttempts
	}
	if c.Gateway.CallTimeout <= 0 {
		c.Gateway.CallTimeout = def.Gateway.CallTimeout
	}
	if c.Feed.RetryDelay <= 0 {
		c.Feed.RetryDelay = def.Feed.RetryDelay
	}
	if c.Feed.DebounceWindow <= 0 {
		c.Feed.DebounceWindow = def.Feed.DebounceWindow
	}
	if c.Poll.ForegroundInterval <= 0 {
		c.Poll.ForegroundInterval = def.Poll.ForegroundInterval
	}
	if c.Poll.BackgroundInterval <= 0 {
		c.Poll.BackgroundInterval = def.Poll.BackgroundInterval
	}
	if c.Poll.SettleDelay <= 0 {
		c.Poll.SettleDelay = def.Poll.SettleDelay
	}
}

// logger returns the configured logger or the process default.
func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
