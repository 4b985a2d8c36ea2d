package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/convoxa/internal/store"
)

// Sentinel errors the gateway branches on during admission.
var (
	// ErrNotFound means no agent exists under the given identifier.
	ErrNotFound = errors.New("agent: not found")

	// ErrDisabled means the agent exists but is switched off.
	ErrDisabled = errors.New("agent: disabled")

	// ErrUnprovisioned means the agent has no provider-side counterpart yet
	// and cannot take sessions.
	ErrUnprovisioned = errors.New("agent: not provisioned with the provider")
)

// Store is the slice of the data layer the resolver reads.
type Store interface {
	store.AgentStore
	store.TenantStore
}

// Request identifies the agent to resolve and carries the caller's optional
// language and TTS-model proposal from the conversation handshake.
type Request struct {
	// PublicID is the public dynamic id from a browser or preview URL.
	// Exactly one of PublicID and AgentID must be set.
	PublicID string

	// AgentID is the internal id from telephony custom parameters.
	AgentID string

	// Language is the caller-proposed language code; empty keeps the
	// agent's configured language.
	Language string

	// Model is the caller-proposed realtime TTS model; empty keeps the
	// agent's configured model.
	Model string
}

// Resolution is the outcome of a successful Resolve: the immutable snapshot
// plus the effective language and TTS model for this session.
type Resolution struct {
	Snapshot *Snapshot

	// Language is the effective language code sent to the provider.
	Language string

	// Model is the effective realtime TTS model id.
	Model string

	// RequestedModel is the model that was replaced when ModelCorrected is
	// true: the caller's proposal, or the configured model when the caller
	// proposed none.
	RequestedModel string

	// ModelCorrected reports whether the compatibility rule replaced the
	// model.
	ModelCorrected bool
}

// Resolver loads agents and composes session snapshots.
type Resolver struct {
	store store.AgentStore
	// tenants is usually the same value as store; split so tests can stub
	// the narrow surfaces independently.
	tenants store.TenantStore

	defaultEnModel    string
	defaultMultiModel string
}

// NewResolver creates a Resolver backed by st. defaultEnModel and
// defaultMultiModel are the correction targets for the English and
// multilingual families.
func NewResolver(st Store, defaultEnModel, defaultMultiModel string) *Resolver {
	return &Resolver{
		store:             st,
		tenants:           st,
		defaultEnModel:    defaultEnModel,
		defaultMultiModel: defaultMultiModel,
	}
}

// Resolve loads the agent named by req together with its joined collections
// and builds the session snapshot. It applies the language / TTS-model
// compatibility rule and records any correction on the returned Resolution.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	var (
		ag  *store.Agent
		err error
	)
	switch {
	case req.PublicID != "":
		ag, err = r.store.GetAgentByPublicID(ctx, req.PublicID)
	case req.AgentID != "":
		ag, err = r.store.GetAgent(ctx, req.AgentID)
	default:
		return nil, errors.New("agent: resolve: no agent identifier given")
	}
	if err != nil {
		return nil, fmt.Errorf("agent: resolve: %w", err)
	}
	if ag == nil {
		return nil, ErrNotFound
	}
	if !ag.Enabled {
		return nil, ErrDisabled
	}
	if ag.ProviderAgentID == "" {
		return nil, ErrUnprovisioned
	}

	tenant, err := r.tenants.GetTenant(ctx, ag.TenantID)
	if err != nil {
		return nil, fmt.Errorf("agent: resolve: load tenant: %w", err)
	}
	if tenant == nil {
		return nil, fmt.Errorf("agent: resolve: tenant %q of agent %q not found", ag.TenantID, ag.ID)
	}

	var voice *store.Voice
	if ag.VoiceID != "" {
		voice, err = r.store.GetVoice(ctx, ag.VoiceID)
		if err != nil {
			return nil, fmt.Errorf("agent: resolve: load voice: %w", err)
		}
		if voice == nil {
			return nil, fmt.Errorf("agent: resolve: voice %q of agent %q not found", ag.VoiceID, ag.ID)
		}
	}

	var model *store.AIModel
	if ag.ModelID != "" {
		model, err = r.store.GetModel(ctx, ag.ModelID)
		if err != nil {
			return nil, fmt.Errorf("agent: resolve: load model: %w", err)
		}
	}

	knowledge, err := r.store.ListAgentKnowledge(ctx, ag.ID)
	if err != nil {
		return nil, fmt.Errorf("agent: resolve: list knowledge: %w", err)
	}
	tools, err := r.store.ListAgentTools(ctx, ag.ID)
	if err != nil {
		return nil, fmt.Errorf("agent: resolve: list tools: %w", err)
	}

	snap := newSnapshot(ag, tenant, voice, model, knowledge, tools)

	language := req.Language
	if language == "" {
		language = ag.Language
	}
	if language == "" {
		language = "en"
	}

	effective, replaced, corrected := r.selectModel(language, req.Model, ag.TTSModelID)
	if corrected {
		slog.Info("corrected incompatible tts model",
			"agent_id", ag.ID,
			"language", language,
			"from", replaced,
			"to", effective)
	}

	return &Resolution{
		Snapshot:       snap,
		Language:       language,
		Model:          effective,
		RequestedModel: replaced,
		ModelCorrected: corrected,
	}, nil
}

// ttsModelFamily classifies the provider's realtime TTS models.
type ttsModelFamily int

const (
	familyUnknown ttsModelFamily = iota
	familyEnglish
	familyMultilingual
)

// knownTTSModels maps provider TTS model ids to their language family.
// Models absent from the table are treated as incompatible and corrected.
var knownTTSModels = map[string]ttsModelFamily{
	"eleven_monolingual_v1":  familyEnglish,
	"eleven_turbo_v2":        familyEnglish,
	"eleven_flash_v2":        familyEnglish,
	"eleven_multilingual_v1": familyMultilingual,
	"eleven_multilingual_v2": familyMultilingual,
	"eleven_turbo_v2_5":      familyMultilingual,
	"eleven_flash_v2_5":      familyMultilingual,
	"eleven_v3":              familyMultilingual,
}

// isEnglish reports whether the language code belongs to the family served
// by English-capable TTS models.
func isEnglish(lang string) bool {
	return strings.EqualFold(lang, "en") ||
		strings.EqualFold(lang, "en-US") ||
		strings.EqualFold(lang, "en-GB")
}

// selectModel picks the effective TTS model for language. The caller's
// proposal wins over the configured model; whichever applies is kept when it
// belongs to the language's family and replaced by the family default
// otherwise.
func (r *Resolver) selectModel(language, proposed, configured string) (model, replaced string, corrected bool) {
	want := familyMultilingual
	fallback := r.defaultMultiModel
	if isEnglish(language) {
		want = familyEnglish
		fallback = r.defaultEnModel
	}

	candidate := proposed
	if candidate == "" {
		candidate = configured
	}
	if candidate == "" {
		return fallback, "", false
	}
	if knownTTSModels[candidate] == want {
		return candidate, "", false
	}
	return fallback, candidate, true
}
