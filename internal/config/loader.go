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

// ValidSummarizerProviders lists the LLM backend names the fallback
// summarizer can drive. Used by [Validate] to warn about typos.
var ValidSummarizerProviders = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// ValidEmbeddingsProviders lists known embeddings backend names.
var ValidEmbeddingsProviders = []string{"openai"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values with the documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Store.EmbeddingDimensions <= 0 {
		cfg.Store.EmbeddingDimensions = 1536
	}
	if cfg.Registry.Backend == "" {
		cfg.Registry.Backend = RegistryMemory
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://api.elevenlabs.io"
	}
	if cfg.Provider.DefaultEnTTSModel == "" {
		cfg.Provider.DefaultEnTTSModel = "eleven_turbo_v2"
	}
	if cfg.Provider.DefaultMultiTTSModel == "" {
		cfg.Provider.DefaultMultiTTSModel = "eleven_turbo_v2_5"
	}
	if cfg.Provider.SignedURLTimeoutSeconds <= 0 {
		cfg.Provider.SignedURLTimeoutSeconds = 10
	}
	if cfg.Provider.IdleTimeoutSeconds <= 0 {
		cfg.Provider.IdleTimeoutSeconds = 60
	}
	if cfg.Quota.TokensPerMinute == 0 {
		cfg.Quota.TokensPerMinute = 10
	}
	if cfg.Tools.DefaultTimeoutSeconds <= 0 {
		cfg.Tools.DefaultTimeoutSeconds = 20
	}
	if cfg.Tools.MaxResponseBytes <= 0 {
		cfg.Tools.MaxResponseBytes = 1 << 20
	}
	if cfg.Reconciler.Workers <= 0 {
		cfg.Reconciler.Workers = 2
	}
	if cfg.Reconciler.SettleDelaySeconds <= 0 {
		cfg.Reconciler.SettleDelaySeconds = 30
	}
	if cfg.Reconciler.PollIntervalSeconds <= 0 {
		cfg.Reconciler.PollIntervalSeconds = 5
	}
	if cfg.Reconciler.MaxAttempts <= 0 {
		cfg.Reconciler.MaxAttempts = 5
	}
	if cfg.Reconciler.AudioStorageRoot == "" {
		cfg.Reconciler.AudioStorageRoot = "audio_storage"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-3-small"
	}
}

// Validate checks cfg for contradictions and missing required values.
// Every failure is reported at once, as a joined error.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Registry
	if !cfg.Registry.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("registry.backend %q is invalid; valid values: memory, redis", cfg.Registry.Backend))
	}
	if cfg.Registry.Backend == RegistryRedis && cfg.Registry.RedisAddr == "" {
		errs = append(errs, errors.New("registry.redis_addr is required when registry.backend is redis"))
	}

	// Provider availability warnings
	if cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; sessions cannot be established against the voice provider")
	}
	if cfg.Security.EncryptionKey == "" {
		slog.Warn("security.encryption_key is empty; sensitive tool headers will be stored in plain text")
	}
	if len(cfg.Gateway.ApprovedDomains) == 0 {
		slog.Warn("gateway.approved_domains is empty; browser sessions are only admitted for origins on a tenant's own list")
	}

	// Quota
	if cfg.Quota.TokensPerMinute < 0 {
		errs = append(errs, fmt.Errorf("quota.tokens_per_minute %d must be positive", cfg.Quota.TokensPerMinute))
	}
	if cfg.Quota.TokensPerMinute > 600 {
		slog.Warn("quota.tokens_per_minute is unusually high; the meter ticks sub-100ms",
			"tokens_per_minute", cfg.Quota.TokensPerMinute)
	}

	// Summarizer / embeddings provider names
	if cfg.Summarizer.Provider != "" && !slices.Contains(ValidSummarizerProviders, cfg.Summarizer.Provider) {
		slog.Warn("unknown summarizer provider — may be a typo",
			"name", cfg.Summarizer.Provider,
			"known", ValidSummarizerProviders,
		)
	}
	if cfg.Embeddings.Name != "" && !slices.Contains(ValidEmbeddingsProviders, cfg.Embeddings.Name) {
		slog.Warn("unknown embeddings provider — may be a typo",
			"name", cfg.Embeddings.Name,
			"known", ValidEmbeddingsProviders,
		)
	}

	// Discord
	if cfg.Discord != nil {
		if cfg.Discord.Token == "" {
			errs = append(errs, errors.New("discord.token is required when the discord block is present"))
		}
		for i, b := range cfg.Discord.Bindings {
			prefix := fmt.Sprintf("discord.bindings[%d]", i)
			if b.GuildID == "" {
				errs = append(errs, fmt.Errorf("%s.guild_id is required", prefix))
			}
			if b.ChannelID == "" {
				errs = append(errs, fmt.Errorf("%s.channel_id is required", prefix))
			}
			if b.AgentPublicID == "" {
				errs = append(errs, fmt.Errorf("%s.agent_public_id is required", prefix))
			}
		}
	}

	// Seed data
	errs = append(errs, validateSeed(&cfg.Seed)...)

	return errors.Join(errs...)
}

// validateSeed checks referential sanity of the fixture block.
func validateSeed(seed *SeedConfig) []error {
	var errs []error

	tenantIDs := make(map[string]struct{}, len(seed.Tenants))
	for i, t := range seed.Tenants {
		prefix := fmt.Sprintf("seed.tenants[%d]", i)
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		if _, ok := tenantIDs[t.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate", prefix, t.ID))
		}
		tenantIDs[t.ID] = struct{}{}
	}

	publicIDs := make(map[string]int, len(seed.Agents))
	for i, a := range seed.Agents {
		prefix := fmt.Sprintf("seed.agents[%d]", i)
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		}
		if a.PublicID == "" {
			errs = append(errs, fmt.Errorf("%s.public_id is required", prefix))
		} else {
			if prev, ok := publicIDs[a.PublicID]; ok {
				errs = append(errs, fmt.Errorf("%s.public_id %q is a duplicate of seed.agents[%d]", prefix, a.PublicID, prev))
			}
			publicIDs[a.PublicID] = i
		}
		if a.TenantID == "" {
			errs = append(errs, fmt.Errorf("%s.tenant_id is required", prefix))
		} else if len(tenantIDs) > 0 {
			if _, ok := tenantIDs[a.TenantID]; !ok {
				slog.Warn("seed agent references a tenant not in the seed block; it must already exist in the store",
					"agent", a.ID, "tenant", a.TenantID)
			}
		}
	}

	for i, tool := range seed.Tools {
		prefix := fmt.Sprintf("seed.tools[%d]", i)
		if tool.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		}
		if tool.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		switch tool.Kind {
		case "", "webhook":
			if tool.URLTemplate == "" {
				errs = append(errs, fmt.Errorf("%s.url_template is required for webhook tools", prefix))
			}
		case "mcp":
			if tool.MCPServerURL == "" {
				errs = append(errs, fmt.Errorf("%s.mcp_server_url is required for mcp tools", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: webhook, mcp", prefix, tool.Kind))
		}
	}

	return errs
}
