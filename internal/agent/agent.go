// Package agent resolves tenant agent configurations into immutable runtime
// snapshots for session admission.
//
// The two primary pieces are:
//
//   - [Snapshot] — a point-in-time copy of everything a live session needs
//     from the data store: prompt, voice, TTS model, tools, knowledge
//     references, dynamic-variable defaults, noise settings, and quota caps.
//   - [Resolver] — loads the agent row plus its joined collections, applies
//     the language / TTS-model compatibility rule, and reports any model
//     correction it had to make.
//
// Snapshots are composed once at admission. Configuration writes that land
// after that never reach a session in flight: every collection is copied out
// of the store rows when the snapshot is built.
package agent

import (
	"maps"
	"slices"
	"time"

	"github.com/MrWong99/convoxa/internal/store"
)

// Snapshot is the immutable runtime descriptor of an agent, captured at
// session admission.
//
// Treat all fields as read-only. The resolver owns construction; nothing
// mutates a snapshot afterwards.
type Snapshot struct {
	AgentID  string
	TenantID string

	// PublicID is the external identifier the session was opened under.
	PublicID string

	// ProviderAgentID is the provider-side agent the session connects to.
	// Never empty: the resolver refuses unprovisioned agents.
	ProviderAgentID string

	DisplayName string

	// Tenant is the owning tenant row, including its origin allow-list and
	// optional variable webhook.
	Tenant store.Tenant

	// ProviderVoiceID is the provider voice override; empty keeps the
	// provider-side default voice.
	ProviderVoiceID string
	VoiceName       string

	// LLMModelID is the provider model id of the agent's selected LLM.
	LLMModelID string

	// Language and TTSModelID are the agent's configured values. The
	// effective per-session values, after the compatibility rule, live on
	// the [Resolution].
	Language   string
	TTSModelID string

	SystemPrompt string
	FirstMessage string

	Temperature     float64
	MaxOutputTokens int

	// Variables are the agent's dynamic-variable defaults. Sessions copy
	// them into their own mutable map.
	Variables map[string]string

	Noise store.NoiseSettings

	// PerCallTokenCap limits tokens per session; 0 disables the cap.
	PerCallTokenCap int64

	// Lifetime and daily token counters captured at resolve time. The
	// admission check evaluates them; the meter re-reads live values on
	// every tick.
	OverallCap       int64
	OverallUsed      int64
	DailyCap         int64
	DailyUsed        int64
	DailyWindowStart time.Time

	Knowledge []store.KnowledgeItem
	Tools     []store.Tool
}

// ProviderDocumentIDs returns the provider-side document ids of the
// snapshot's knowledge items, skipping items that were never uploaded.
func (s *Snapshot) ProviderDocumentIDs() []string {
	ids := make([]string, 0, len(s.Knowledge))
	for _, item := range s.Knowledge {
		if item.ProviderDocumentID != "" {
			ids = append(ids, item.ProviderDocumentID)
		}
	}
	return ids
}

// Tool returns the snapshot's tool with the given name, or nil when the
// agent has no such tool. The returned value must not be mutated.
func (s *Snapshot) Tool(name string) *store.Tool {
	for i := range s.Tools {
		if s.Tools[i].Name == name {
			return &s.Tools[i]
		}
	}
	return nil
}

// newSnapshot copies the loaded rows into a snapshot. Collections are cloned
// so later store writes cannot reach the session.
func newSnapshot(ag *store.Agent, tenant *store.Tenant, voice *store.Voice, model *store.AIModel, knowledge []store.KnowledgeItem, tools []store.Tool) *Snapshot {
	snap := &Snapshot{
		AgentID:          ag.ID,
		TenantID:         ag.TenantID,
		PublicID:         ag.PublicID,
		ProviderAgentID:  ag.ProviderAgentID,
		DisplayName:      ag.DisplayName,
		Tenant:           *tenant,
		Language:         ag.Language,
		TTSModelID:       ag.TTSModelID,
		SystemPrompt:     ag.SystemPrompt,
		FirstMessage:     ag.FirstMessage,
		Temperature:      ag.Temperature,
		MaxOutputTokens:  ag.MaxOutputTokens,
		Variables:        maps.Clone(ag.DynamicVariables),
		Noise:            ag.Noise,
		PerCallTokenCap:  ag.PerCallTokenCap,
		OverallCap:       ag.OverallCap,
		OverallUsed:      ag.OverallUsed,
		DailyCap:         ag.DailyCap,
		DailyUsed:        ag.DailyUsed,
		DailyWindowStart: ag.DailyWindowStart,
		Knowledge:        slices.Clone(knowledge),
		Tools:            slices.Clone(tools),
	}
	snap.Tenant.ApprovedDomains = slices.Clone(tenant.ApprovedDomains)
	if snap.Variables == nil {
		snap.Variables = map[string]string{}
	}
	if voice != nil {
		snap.ProviderVoiceID = voice.ProviderVoiceID
		snap.VoiceName = voice.Name
	}
	if model != nil {
		snap.LLMModelID = model.ProviderModelID
	}
	return snap
}
