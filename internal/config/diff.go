package config

import "time"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields carry their new value; everything else that changed
// is listed by YAML path in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DrainBudgetChanged bool
	NewDrainBudget     int

	SendTimeoutChanged bool
	NewSendTimeout     time.Duration

	RetryBackoffChanged bool
	NewRetryBackoff     time.Duration

	// RestartRequired lists changed fields that only take effect after a
	// restart, e.g. "engine.bus_capacity".
	RestartRequired []string
}

// HasChanges reports whether any field differs.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.DrainBudgetChanged || d.SendTimeoutChanged ||
		d.RetryBackoffChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Engine.DrainBudget != new.Engine.DrainBudget {
		d.DrainBudgetChanged = true
		d.NewDrainBudget = new.Engine.DrainBudget
	}
	if old.Control.SendTimeout != new.Control.SendTimeout {
		d.SendTimeoutChanged = true
		d.NewSendTimeout = new.Control.SendTimeout
	}
	if old.Control.RetryBackoff != new.Control.RetryBackoff {
		d.RetryBackoffChanged = true
		d.NewRetryBackoff = new.Control.RetryBackoff
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !sameTLS(old.Server.TLS, new.Server.TLS))
	restart("engine.bus_capacity", old.Engine.BusCapacity != new.Engine.BusCapacity)
	restart("engine.callback_period", old.Engine.CallbackPeriod != new.Engine.CallbackPeriod)
	restart("engine.max_tracks", old.Engine.MaxTracks != new.Engine.MaxTracks)
	restart("engine.max_plugins_per_track", old.Engine.MaxPluginsPerTrack != new.Engine.MaxPluginsPerTrack)
	restart("engine.scratch", old.Engine.Scratch != new.Engine.Scratch)
	restart("control.poll_interval", old.Control.PollInterval != new.Control.PollInterval)
	restart("control.poll_budget", old.Control.PollBudget != new.Control.PollBudget)
	restart("control.feedback_buffer", old.Control.FeedbackBuffer != new.Control.FeedbackBuffer)
	restart("control.breaker", old.Control.Breaker != new.Control.Breaker)
	restart("telemetry", old.Telemetry != new.Telemetry)

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
