package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":   {"gemini", "openai", "anthropic", "ollama", "mistral", "groq"},
	"music": {"lyria"},
}

// Environment variables consulted by [ApplyEnv].
const (
	EnvGeminiAPIKey = "GEMINI_API_KEY"
	EnvFrontendURL  = "FRONTEND_URL"
)

// ErrMissingAPIKey is returned by [ApplyEnv] when no API key is available for
// a configured provider, neither from the config file nor the environment.
var ErrMissingAPIKey = errors.New("config: no API key configured")

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg and fills in defaults.
// GEMINI_API_KEY supplies the key for both providers when set; FRONTEND_URL
// overrides server.frontend_url. Returns [ErrMissingAPIKey] if a provider is
// configured but ends up with no key at all.
func ApplyEnv(cfg *Config) error {
	if key := os.Getenv(EnvGeminiAPIKey); key != "" {
		if cfg.Providers.LLM.APIKey == "" {
			cfg.Providers.LLM.APIKey = key
		}
		if cfg.Providers.Music.APIKey == "" {
			cfg.Providers.Music.APIKey = key
		}
	}
	if url := os.Getenv(EnvFrontendURL); url != "" {
		cfg.Server.FrontendURL = url
	}
	if cfg.Server.FrontendURL == "" {
		cfg.Server.FrontendURL = "*"
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}

	var errs []error
	if cfg.Providers.LLM.Name != "" && cfg.Providers.LLM.APIKey == "" {
		errs = append(errs, fmt.Errorf("%w: providers.llm (set %s)", ErrMissingAPIKey, EnvGeminiAPIKey))
	}
	if cfg.Providers.Music.Name != "" && cfg.Providers.Music.APIKey == "" {
		errs = append(errs, fmt.Errorf("%w: providers.music (set %s)", ErrMissingAPIKey, EnvGeminiAPIKey))
	}
	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("music", cfg.Providers.Music.Name)

	// Provider availability warnings
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; crowd inputs will fall back to seed prompts every tick")
	}
	if cfg.Providers.Music.Name == "" {
		slog.Warn("no music provider configured; rooms will not be able to start music")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
