package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without restarting the process are
// tracked; they take effect at the next session start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SystemPromptChanged bool
	VoiceChanged        bool

	// RestartRequired is set when a field outside the hot-reloadable set
	// changed (transport, audio formats, ops server).
	RestartRequired bool
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SystemPromptChanged || d.VoiceChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Session.SystemPrompt != new.Session.SystemPrompt {
		d.SystemPromptChanged = true
	}
	if old.Session.Voice != new.Session.Voice {
		d.VoiceChanged = true
	}

	if !sameTransport(old.Transport, new.Transport) ||
		old.Audio != new.Audio ||
		old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Session.OpenTimeout != new.Session.OpenTimeout ||
		old.Session.MaxFailures != new.Session.MaxFailures ||
		old.Session.ResetTimeout != new.Session.ResetTimeout {
		d.RestartRequired = true
	}
	return d
}

// sameTransport compares the scalar fields of two entries. Options are
// compared by key count and string values only.
func sameTransport(a, b TransportEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k := range a.Options {
		if _, ok := b.Options[k]; !ok {
			return false
		}
		if OptString(a.Options, k) != OptString(b.Options, k) {
			return false
		}
	}
	return true
}
