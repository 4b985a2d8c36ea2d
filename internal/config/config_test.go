package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/convoxa/internal/config"
)

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	valid := []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError}
	for _, l := range valid {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	for _, l := range []config.LogLevel{"", "verbose", "trace", "INFO"} {
		if l.IsValid() {
			t.Errorf("%q should be invalid", l)
		}
	}
}

func TestRegistryBackend_IsValid(t *testing.T) {
	t.Parallel()
	if !config.RegistryMemory.IsValid() || !config.RegistryRedis.IsValid() {
		t.Error("memory and redis should be valid backends")
	}
	if config.RegistryBackend("etcd").IsValid() {
		t.Error("etcd should be invalid")
	}
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: info
provider:
  api_key: test-key
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr default: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Quota.TokensPerMinute != 10 {
		t.Errorf("tokens_per_minute default: got %d, want 10", cfg.Quota.TokensPerMinute)
	}
	if cfg.Provider.SignedURLTimeoutSeconds != 10 {
		t.Errorf("signed_url_timeout_seconds default: got %d, want 10", cfg.Provider.SignedURLTimeoutSeconds)
	}
	if cfg.Provider.IdleTimeoutSeconds != 60 {
		t.Errorf("idle_timeout_seconds default: got %d, want 60", cfg.Provider.IdleTimeoutSeconds)
	}
	if cfg.Provider.BaseURL != "https://api.elevenlabs.io" {
		t.Errorf("base_url default: got %q", cfg.Provider.BaseURL)
	}
	if cfg.Provider.DefaultEnTTSModel != "eleven_turbo_v2" {
		t.Errorf("default_en_tts_model: got %q", cfg.Provider.DefaultEnTTSModel)
	}
	if cfg.Provider.DefaultMultiTTSModel != "eleven_turbo_v2_5" {
		t.Errorf("default_multi_tts_model: got %q", cfg.Provider.DefaultMultiTTSModel)
	}
	if cfg.Reconciler.SettleDelaySeconds != 30 {
		t.Errorf("settle_delay_seconds default: got %d, want 30", cfg.Reconciler.SettleDelaySeconds)
	}
	if cfg.Reconciler.MaxAttempts != 5 {
		t.Errorf("max_attempts default: got %d, want 5", cfg.Reconciler.MaxAttempts)
	}
	if cfg.Reconciler.AudioStorageRoot != "audio_storage" {
		t.Errorf("audio_storage_root default: got %q", cfg.Reconciler.AudioStorageRoot)
	}
	if cfg.Registry.Backend != config.RegistryMemory {
		t.Errorf("registry backend default: got %q, want memory", cfg.Registry.Backend)
	}
	if cfg.Store.EmbeddingDimensions != 1536 {
		t.Errorf("embedding_dimensions default: got %d, want 1536", cfg.Store.EmbeddingDimensions)
	}
}

func TestLoadFromReader_ExplicitValuesKept(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9000"
  public_base_url: "https://voice.example.com"
quota:
  tokens_per_minute: 30
provider:
  api_key: test-key
  base_url: "http://localhost:9999"
reconciler:
  workers: 4
  settle_delay_seconds: 5
gateway:
  approved_domains:
    - app.example.com
    - widget.example.com:8443
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Quota.TokensPerMinute != 30 {
		t.Errorf("tokens_per_minute: got %d, want 30", cfg.Quota.TokensPerMinute)
	}
	if cfg.Provider.BaseURL != "http://localhost:9999" {
		t.Errorf("base_url: got %q", cfg.Provider.BaseURL)
	}
	if cfg.Reconciler.Workers != 4 {
		t.Errorf("workers: got %d, want 4", cfg.Reconciler.Workers)
	}
	if len(cfg.Gateway.ApprovedDomains) != 2 {
		t.Errorf("approved_domains: got %v", cfg.Gateway.ApprovedDomains)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_adress: ":8080"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}
