package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only fields that can
// be safely hot-reloaded are tracked; provider and Discord credential changes
// require a restart and are flagged as such.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PipelineChanged is true if any pipeline tuning changed (silence gap,
	// join timeout, language, voice, system prompt). Applies to sessions
	// started after the reload; running sessions keep their settings.
	PipelineChanged bool

	// RequiresRestart is true if a provider entry or the Discord credentials
	// changed. These are wired at startup and cannot be swapped live.
	RequiresRestart bool
}

// Changed reports whether the diff carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PipelineChanged || d.RequiresRestart
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Pipeline != new.Pipeline {
		d.PipelineChanged = true
	}

	if old.Discord != new.Discord ||
		!providerEntryEqual(old.Providers.LLM, new.Providers.LLM) ||
		!providerEntryEqual(old.Providers.STT, new.Providers.STT) ||
		!providerEntryEqual(old.Providers.TTS, new.Providers.TTS) {
		d.RequiresRestart = true
	}

	return d
}

// providerEntryEqual compares two provider entries including their free-form
// options map.
func providerEntryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	return reflect.DeepEqual(a.Options, b.Options)
}
