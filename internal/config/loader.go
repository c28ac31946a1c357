package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// maxCallbackPeriod is the longest callback period accepted; anything longer
// is not an audio period any more.
const maxCallbackPeriod = time.Second

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. Call it after
// [ApplyDefaults]. It returns a joined error listing all validation failures.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Engine
	eng := cfg.Engine
	if eng.BusCapacity < 2 || eng.BusCapacity&(eng.BusCapacity-1) != 0 {
		errs = append(errs, fmt.Errorf("engine.bus_capacity %d must be a power of two >= 2", eng.BusCapacity))
	}
	if eng.DrainBudget <= 0 {
		errs = append(errs, fmt.Errorf("engine.drain_budget %d must be positive", eng.DrainBudget))
	} else if eng.BusCapacity > 1 && eng.DrainBudget > eng.BusCapacity-1 {
		slog.Warn("engine.drain_budget exceeds the usable bus depth; a callback can never drain that many",
			"drain_budget", eng.DrainBudget,
			"usable_depth", eng.BusCapacity-1,
		)
	}
	if eng.CallbackPeriod <= 0 || eng.CallbackPeriod > maxCallbackPeriod {
		errs = append(errs, fmt.Errorf("engine.callback_period %s is out of range (0, %s]", eng.CallbackPeriod, maxCallbackPeriod))
	}
	if eng.MaxTracks <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_tracks %d must be positive", eng.MaxTracks))
	}
	if eng.MaxPluginsPerTrack <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_plugins_per_track %d must be positive", eng.MaxPluginsPerTrack))
	}
	if eng.Scratch.BlockSize <= 0 || eng.Scratch.BlockCount <= 0 {
		errs = append(errs, fmt.Errorf("engine.scratch block_size %d and block_count %d must be positive", eng.Scratch.BlockSize, eng.Scratch.BlockCount))
	}
	if !eng.Scratch.Strategy.IsValid() {
		errs = append(errs, fmt.Errorf("engine.scratch.strategy %q is invalid; valid values: scan, freelist", eng.Scratch.Strategy))
	}

	// Control
	ctl := cfg.Control
	if ctl.SendTimeout < 0 {
		errs = append(errs, fmt.Errorf("control.send_timeout %s must not be negative", ctl.SendTimeout))
	}
	if ctl.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("control.retry_backoff %s must not be negative", ctl.RetryBackoff))
	}
	if ctl.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("control.poll_interval %s must be positive", ctl.PollInterval))
	}
	if ctl.PollBudget <= 0 {
		errs = append(errs, fmt.Errorf("control.poll_budget %d must be positive", ctl.PollBudget))
	}
	if ctl.FeedbackBuffer <= 0 {
		errs = append(errs, fmt.Errorf("control.feedback_buffer %d must be positive", ctl.FeedbackBuffer))
	}
	if ctl.Breaker.MaxFailures <= 0 || ctl.Breaker.HalfOpenMax <= 0 || ctl.Breaker.ResetTimeout <= 0 {
		errs = append(errs, fmt.Errorf("control.breaker max_failures %d, half_open_max %d and reset_timeout %s must be positive",
			ctl.Breaker.MaxFailures, ctl.Breaker.HalfOpenMax, ctl.Breaker.ResetTimeout))
	}
	if ctl.SendTimeout > 0 && ctl.RetryBackoff >= ctl.SendTimeout {
		slog.Warn("control.retry_backoff is not shorter than control.send_timeout; a full bus gets a single retry at most",
			"retry_backoff", ctl.RetryBackoff,
			"send_timeout", ctl.SendTimeout,
		)
	}

	// Telemetry
	if cfg.Telemetry.StatsInterval < 0 {
		errs = append(errs, fmt.Errorf("telemetry.stats_interval %s must not be negative", cfg.Telemetry.StatsInterval))
	}

	return errors.Join(errs...)
}
