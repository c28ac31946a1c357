// Package config provides the configuration schema, loader, and hot-reload
// watcher for the mixmind real-time engine.
package config

import "time"

// LogLevel controls log verbosity for the mixmind server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// PoolStrategy selects how the scratch block pool locates free blocks.
type PoolStrategy string

const (
	// PoolScan walks per-block flags (linear worst case).
	PoolScan PoolStrategy = "scan"

	// PoolFreeList keeps free block indices on a lock-free stack.
	PoolFreeList PoolStrategy = "freelist"
)

// IsValid reports whether s is a recognised pool strategy.
func (s PoolStrategy) IsValid() bool {
	return s == PoolScan || s == PoolFreeList
}

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr         = ":8080"
	DefaultBusCapacity        = 1024
	DefaultDrainBudget        = 64
	DefaultCallbackPeriod     = 5 * time.Millisecond
	DefaultMaxTracks          = 64
	DefaultMaxPluginsPerTrack = 8
	DefaultScratchBlockSize   = 4096
	DefaultScratchBlockCount  = 16
	DefaultSendTimeout        = 250 * time.Millisecond
	DefaultRetryBackoff       = 50 * time.Microsecond
	DefaultPollInterval       = 2 * time.Millisecond
	DefaultPollBudget         = 256
	DefaultFeedbackBuffer     = 64
	DefaultBreakerMaxFailures = 8
	DefaultBreakerReset       = time.Second
	DefaultBreakerHalfOpenMax = 2
	DefaultServiceName        = "mixmind"
	DefaultStatsInterval      = time.Second
)

// Config is the root configuration structure for mixmind.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Control   ControlConfig   `yaml:"control"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the HTTP control surface.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// EngineConfig sizes the real-time side. Everything except DrainBudget is
// fixed when the engine is constructed.
type EngineConfig struct {
	// BusCapacity is the slot count of each command bus direction. Must be a
	// power of two; the usable depth is BusCapacity-1.
	BusCapacity int `yaml:"bus_capacity"`

	// DrainBudget caps how many commands one audio callback applies.
	// Hot-reloadable.
	DrainBudget int `yaml:"drain_budget"`

	// CallbackPeriod is the interval between simulated audio callbacks.
	CallbackPeriod time.Duration `yaml:"callback_period"`

	// MaxTracks is the size of the preallocated track table.
	MaxTracks int `yaml:"max_tracks"`

	// MaxPluginsPerTrack is the number of plugin slots per track.
	MaxPluginsPerTrack int `yaml:"max_plugins_per_track"`

	// Scratch sizes the block pool the callback borrows render buffers from.
	Scratch ScratchConfig `yaml:"scratch"`
}

// ScratchConfig sizes the real-time scratch block pool.
type ScratchConfig struct {
	BlockSize  int          `yaml:"block_size"`
	BlockCount int          `yaml:"block_count"`
	Strategy   PoolStrategy `yaml:"strategy"`
}

// ControlConfig tunes the control-side loop that feeds the engine.
type ControlConfig struct {
	// SendTimeout bounds how long a submission retries against a full bus
	// before failing with backpressure. Hot-reloadable.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// RetryBackoff is the pause between retries on a full bus. Hot-reloadable.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// PollInterval is how often the control loop polls feedback when idle.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollBudget caps how many feedback commands one loop iteration drains.
	PollBudget int `yaml:"poll_budget"`

	// FeedbackBuffer is the channel depth per feedback subscriber. Slow
	// subscribers lose events beyond this depth.
	FeedbackBuffer int `yaml:"feedback_buffer"`

	// Breaker sheds submissions while the engine is not draining the bus.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of command submission.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive backpressure failures that
	// open the breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the number of probe submissions allowed while half-open.
	HalfOpenMax int `yaml:"half_open_max"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// ServiceName is reported as the OTel service.name resource attribute.
	ServiceName string `yaml:"service_name"`

	// StatsInterval is how often engine counters are logged at debug level.
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// ApplyDefaults fills zero-valued fields of cfg with the package defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Engine.BusCapacity, DefaultBusCapacity)
	setDefault(&cfg.Engine.DrainBudget, DefaultDrainBudget)
	setDefault(&cfg.Engine.CallbackPeriod, DefaultCallbackPeriod)
	setDefault(&cfg.Engine.MaxTracks, DefaultMaxTracks)
	setDefault(&cfg.Engine.MaxPluginsPerTrack, DefaultMaxPluginsPerTrack)
	setDefault(&cfg.Engine.Scratch.BlockSize, DefaultScratchBlockSize)
	setDefault(&cfg.Engine.Scratch.BlockCount, DefaultScratchBlockCount)
	setDefault(&cfg.Engine.Scratch.Strategy, PoolScan)

	setDefault(&cfg.Control.SendTimeout, DefaultSendTimeout)
	setDefault(&cfg.Control.RetryBackoff, DefaultRetryBackoff)
	setDefault(&cfg.Control.PollInterval, DefaultPollInterval)
	setDefault(&cfg.Control.PollBudget, DefaultPollBudget)
	setDefault(&cfg.Control.FeedbackBuffer, DefaultFeedbackBuffer)
	setDefault(&cfg.Control.Breaker.MaxFailures, DefaultBreakerMaxFailures)
	setDefault(&cfg.Control.Breaker.ResetTimeout, DefaultBreakerReset)
	setDefault(&cfg.Control.Breaker.HalfOpenMax, DefaultBreakerHalfOpenMax)

	setDefault(&cfg.Telemetry.ServiceName, DefaultServiceName)
	setDefault(&cfg.Telemetry.StatsInterval, DefaultStatsInterval)
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}
