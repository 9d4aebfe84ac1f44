package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider changes
// require a restart and are reported so the server can warn about them.
type ConfigDiff struct {
	LogLevelChanged    bool
	NewLogLevel        LogLevel
	FrontendURLChanged bool
	NewFrontendURL     string

	// ProvidersChanged is true when any provider entry differs. Provider
	// swaps are not hot-reloadable; live sessions keep their old backend.
	ProvidersChanged bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.FrontendURL != new.Server.FrontendURL {
		d.FrontendURLChanged = true
		d.NewFrontendURL = new.Server.FrontendURL
	}

	if !providerEntryEqual(old.Providers.LLM, new.Providers.LLM) ||
		!providerEntryEqual(old.Providers.Music, new.Providers.Music) {
		d.ProvidersChanged = true
	}

	return d
}

// providerEntryEqual compares the scalar fields of two provider entries.
// Options maps are compared by length only.
func providerEntryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		len(a.Options) == len(b.Options)
}
