package config

// ConfigDiff describes what changed between two configs. The Changed flags
// cover values a running session can apply in place; everything else is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is set when capture.silence_threshold or
	// capture.silence_timeout changed.
	VADChanged bool
	Capture    CaptureConfig

	InterruptionChanged   bool
	InterruptionThreshold float64

	// RestartRequired names changed sections that only take effect after
	// the session is restarted.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VADChanged && !d.InterruptionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Capture.SilenceThreshold != new.Capture.SilenceThreshold ||
		old.Capture.SilenceTimeout != new.Capture.SilenceTimeout {
		d.VADChanged = true
		d.Capture = new.Capture
	}

	if old.Playback.InterruptionThreshold != new.Playback.InterruptionThreshold {
		d.InterruptionChanged = true
		d.InterruptionThreshold = new.Playback.InterruptionThreshold
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Service != new.Service {
		d.RestartRequired = append(d.RestartRequired, "service")
	}
	if old.Connection != new.Connection {
		d.RestartRequired = append(d.RestartRequired, "connection")
	}
	oc, nc := old.Capture, new.Capture
	oc.SilenceThreshold, oc.SilenceTimeout = 0, 0
	nc.SilenceThreshold, nc.SilenceTimeout = 0, 0
	if oc != nc {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	op, np := old.Playback, new.Playback
	op.InterruptionThreshold, np.InterruptionThreshold = 0, 0
	if op != np {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}

	return d
}
