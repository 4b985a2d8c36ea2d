package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/convoxa/internal/config"
	"github.com/MrWong99/convoxa/internal/store"
)

// seeder is the store surface the fixture import writes through. Satisfied by
// [postgres.Store]; tests inject a recording fake.
type seeder interface {
	UpsertTenant(ctx context.Context, t *store.Tenant) error
	UpsertVoice(ctx context.Context, v *store.Voice) error
	UpsertModel(ctx context.Context, m *store.AIModel) error
	UpsertKnowledgeItem(ctx context.Context, k *store.KnowledgeItem) error
	UpsertTool(ctx context.Context, t *store.Tool) error
	UpsertAgent(ctx context.Context, a *store.Agent) error
	SetAgentKnowledge(ctx context.Context, agentID string, knowledgeIDs []string) error
	SetAgentTools(ctx context.Context, agentID string, toolIDs []string) error
}

// seed imports the config's fixture block in dependency order: tenants,
// voices, models, knowledge, tools, then agents and their links. Every write
// is an upsert keyed by id and agent links are replaced wholesale, so
// repeated boots converge on the config. Quota spend survives a re-import:
// the store keeps tenant balances and agent usage counters on conflict.
func (a *App) seed(ctx context.Context) error {
	s := &a.cfg.Seed
	if len(s.Tenants)+len(s.Voices)+len(s.Models)+len(s.Knowledge)+len(s.Tools)+len(s.Agents) == 0 {
		return nil
	}

	st, ok := a.store.(seeder)
	if !ok {
		return fmt.Errorf("seed data configured but store %T cannot import it", a.store)
	}

	for _, t := range s.Tenants {
		err := st.UpsertTenant(ctx, &store.Tenant{
			ID:                 t.ID,
			Name:               t.Name,
			TokenBalance:       t.TokenBalance,
			ApprovedDomains:    t.ApprovedDomains,
			VariableWebhookURL: t.VariableWebhookURL,
		})
		if err != nil {
			return fmt.Errorf("tenant %q: %w", t.ID, err)
		}
	}

	for _, v := range s.Voices {
		err := st.UpsertVoice(ctx, &store.Voice{
			ID:              v.ID,
			TenantID:        v.TenantID,
			Name:            v.Name,
			ProviderVoiceID: v.ProviderVoiceID,
			Preset:          v.Preset,
		})
		if err != nil {
			return fmt.Errorf("voice %q: %w", v.ID, err)
		}
	}

	for _, m := range s.Models {
		err := st.UpsertModel(ctx, &store.AIModel{
			ID:              m.ID,
			Name:            m.Name,
			ProviderModelID: m.ProviderModelID,
		})
		if err != nil {
			return fmt.Errorf("model %q: %w", m.ID, err)
		}
	}

	for _, k := range s.Knowledge {
		kind := store.KnowledgeKind(k.Kind)
		if kind == "" {
			kind = store.KnowledgeText
		}
		err := st.UpsertKnowledgeItem(ctx, &store.KnowledgeItem{
			ID:                 k.ID,
			TenantID:           k.TenantID,
			Kind:               kind,
			Name:               k.Name,
			ProviderDocumentID: k.ProviderDocumentID,
			Content:            k.Content,
		})
		if err != nil {
			return fmt.Errorf("knowledge %q: %w", k.ID, err)
		}
	}

	for _, t := range s.Tools {
		tool, err := a.seedTool(t)
		if err != nil {
			return fmt.Errorf("tool %q: %w", t.ID, err)
		}
		if err := st.UpsertTool(ctx, tool); err != nil {
			return fmt.Errorf("tool %q: %w", t.ID, err)
		}
	}

	for _, ag := range s.Agents {
		if err := st.UpsertAgent(ctx, seedAgent(ag)); err != nil {
			return fmt.Errorf("agent %q: %w", ag.ID, err)
		}
		if err := st.SetAgentKnowledge(ctx, ag.ID, ag.KnowledgeIDs); err != nil {
			return fmt.Errorf("agent %q knowledge links: %w", ag.ID, err)
		}
		if err := st.SetAgentTools(ctx, ag.ID, ag.ToolIDs); err != nil {
			return fmt.Errorf("agent %q tool links: %w", ag.ID, err)
		}
	}

	slog.Info("seed import complete",
		"tenants", len(s.Tenants),
		"voices", len(s.Voices),
		"models", len(s.Models),
		"knowledge", len(s.Knowledge),
		"tools", len(s.Tools),
		"agents", len(s.Agents))
	return nil
}

// seedTool maps a fixture tool onto the store model. Sensitive header values
// are sealed here so they never reach the store in the clear; the dispatcher
// opens them just before the request goes out.
func (a *App) seedTool(t config.SeedTool) (*store.Tool, error) {
	headers, err := a.codec.EncryptHeaders(t.Headers)
	if err != nil {
		return nil, err
	}

	kind := store.ToolKind(t.Kind)
	if kind == "" {
		kind = store.ToolWebhook
	}

	return &store.Tool{
		ID:                t.ID,
		TenantID:          t.TenantID,
		Name:              t.Name,
		Description:       t.Description,
		Kind:              kind,
		Method:            t.Method,
		URLTemplate:       t.URLTemplate,
		Headers:           headers,
		QuerySchema:       seedParams(t.QuerySchema),
		BodySchema:        seedBody(t.BodySchema),
		ResponseVariables: t.ResponseVariables,
		TimeoutSeconds:    t.TimeoutSeconds,
		MCPServerURL:      t.MCPServerURL,
		ProviderToolID:    t.ProviderToolID,
	}, nil
}

func seedAgent(ag config.SeedAgent) *store.Agent {
	enabled := true
	if ag.Enabled != nil {
		enabled = *ag.Enabled
	}
	return &store.Agent{
		ID:               ag.ID,
		TenantID:         ag.TenantID,
		DisplayName:      ag.DisplayName,
		PublicID:         ag.PublicID,
		ProviderAgentID:  ag.ProviderAgentID,
		VoiceID:          ag.VoiceID,
		ModelID:          ag.ModelID,
		TTSModelID:       ag.TTSModelID,
		Language:         ag.Language,
		SystemPrompt:     ag.SystemPrompt,
		FirstMessage:     ag.FirstMessage,
		Temperature:      ag.Temperature,
		MaxOutputTokens:  ag.MaxOutputTokens,
		DynamicVariables: ag.Variables,
		Noise: store.NoiseSettings{
			Suppression:   ag.NoiseSuppression,
			GateThreshold: ag.GateThreshold,
			VADSilenceMs:  ag.VADSilenceMs,
		},
		PerCallTokenCap: ag.PerCallTokenCap,
		OverallCap:      ag.OverallCap,
		DailyCap:        ag.DailyCap,
		Enabled:         enabled,
	}
}

func seedParams(in map[string]config.SeedParam) map[string]store.ParamSpec {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]store.ParamSpec, len(in))
	for name, p := range in {
		out[name] = store.ParamSpec{Type: p.Type, Description: p.Description, Required: p.Required}
	}
	return out
}

func seedBody(in *config.SeedBodySchema) *store.BodySchema {
	if in == nil {
		return nil
	}
	return &store.BodySchema{
		Properties: seedParams(in.Properties),
		Required:   in.Required,
	}
}
