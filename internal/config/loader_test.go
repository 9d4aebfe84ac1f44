package config_test

import (
	"strings"
	"testing"

	"github.com/crowdsynth/crowdsynth/internal/config"
)

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
  frontend_url: "https://crowdsynth.example.com"
providers:
  llm:
    name: gemini
    model: gemini-2.5-flash
  music:
    name: lyria
    model: models/lyria-realtime-exp
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Providers.LLM.Model != "gemini-2.5-flash" {
		t.Errorf("llm model: got %q", cfg.Providers.LLM.Model)
	}
	if cfg.Providers.Music.Name != "lyria" {
		t.Errorf("music name: got %q", cfg.Providers.Music.Name)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_adr: ":8080"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/ssl/cert.pem
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing key_file, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: bananas
  tls:
    cert_file: ""
    key_file: ""
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
	if !strings.Contains(errStr, "cert_file") {
		t.Errorf("error should mention cert_file, got: %v", err)
	}
}

func TestApplyEnv_GeminiKeyFillsBothProviders(t *testing.T) {
	t.Setenv(config.EnvGeminiAPIKey, "test-key")

	cfg := &config.Config{}
	cfg.Providers.LLM.Name = "gemini"
	cfg.Providers.Music.Name = "lyria"

	if err := config.ApplyEnv(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.APIKey != "test-key" {
		t.Errorf("llm api_key: got %q", cfg.Providers.LLM.APIKey)
	}
	if cfg.Providers.Music.APIKey != "test-key" {
		t.Errorf("music api_key: got %q", cfg.Providers.Music.APIKey)
	}
}

func TestApplyEnv_ConfigKeyWins(t *testing.T) {
	t.Setenv(config.EnvGeminiAPIKey, "env-key")

	cfg := &config.Config{}
	cfg.Providers.LLM.Name = "gemini"
	cfg.Providers.LLM.APIKey = "file-key"
	cfg.Providers.Music.Name = "lyria"

	if err := config.ApplyEnv(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.APIKey != "file-key" {
		t.Errorf("llm api_key: got %q, want file-key", cfg.Providers.LLM.APIKey)
	}
}

func TestApplyEnv_MissingKeyFails(t *testing.T) {
	t.Setenv(config.EnvGeminiAPIKey, "")

	cfg := &config.Config{}
	cfg.Providers.LLM.Name = "gemini"

	err := config.ApplyEnv(cfg)
	if err == nil {
		t.Fatal("expected error when no API key is available, got nil")
	}
	if !strings.Contains(err.Error(), config.EnvGeminiAPIKey) {
		t.Errorf("error should tell the operator which variable to set, got: %v", err)
	}
}

func TestApplyEnv_FrontendURLOverride(t *testing.T) {
	t.Setenv(config.EnvFrontendURL, "https://live.example.com")

	cfg := &config.Config{}
	cfg.Server.FrontendURL = "https://stale.example.com"

	if err := config.ApplyEnv(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.FrontendURL != "https://live.example.com" {
		t.Errorf("frontend_url: got %q", cfg.Server.FrontendURL)
	}
}

func TestApplyEnv_Defaults(t *testing.T) {
	t.Setenv(config.EnvGeminiAPIKey, "")
	t.Setenv(config.EnvFrontendURL, "")

	cfg := &config.Config{}
	if err := config.ApplyEnv(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.FrontendURL != "*" {
		t.Errorf("frontend_url default: got %q, want *", cfg.Server.FrontendURL)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr default: got %q, want :8080", cfg.Server.ListenAddr)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	llmNames := config.ValidProviderNames["llm"]
	found := false
	for _, n := range llmNames {
		if n == "gemini" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"llm\"] should contain \"gemini\"")
	}
}
