// Package store defines the persistent data model of the conversation session
// runtime and the interfaces its components use to read and mutate it.
//
// The model follows the platform's ownership chain: a [Tenant] owns [Agent]
// configurations; an admitted conversation produces a [SessionRecord]; the
// post-call reconciler attaches a [Recording] and a [Transcript] once the
// provider has finalized the conversation. Quota counters live on the tenant
// and agent rows and are only ever mutated through [QuotaStore] so that every
// update stays atomic.
//
// Lookup methods return (nil, nil) when the requested row does not exist;
// errors are reserved for storage failures. All implementations must be safe
// for concurrent use.
package store

import (
	"context"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Enumerations
// ─────────────────────────────────────────────────────────────────────────────

// TransportKind identifies how a caller reached an agent.
type TransportKind string

const (
	TransportBrowser           TransportKind = "browser"
	TransportTelephonyInbound  TransportKind = "telephony-inbound"
	TransportTelephonyOutbound TransportKind = "telephony-outbound"
	TransportPreview           TransportKind = "preview"
	TransportDiscord           TransportKind = "discord"
)

// IsValid reports whether t is a known transport kind.
func (t TransportKind) IsValid() bool {
	switch t {
	case TransportBrowser, TransportTelephonyInbound, TransportTelephonyOutbound,
		TransportPreview, TransportDiscord:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a [SessionRecord].
type SessionStatus string

const (
	SessionActive       SessionStatus = "active"
	SessionCompleted    SessionStatus = "completed"
	SessionAbortedQuota SessionStatus = "aborted-quota"
	SessionAbortedError SessionStatus = "aborted-error"
)

// IsValid reports whether s is a known session status.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionAbortedQuota, SessionAbortedError:
		return true
	}
	return false
}

// Terminal reports whether the status marks a finished session.
func (s SessionStatus) Terminal() bool {
	return s != SessionActive
}

// ToolKind distinguishes how a tenant tool is executed.
type ToolKind string

const (
	// ToolWebhook is an outbound HTTP call described by the tool's method,
	// URL template, and schemas.
	ToolWebhook ToolKind = "webhook"

	// ToolMCP delegates execution to a remote MCP server over the
	// streamable-HTTP transport.
	ToolMCP ToolKind = "mcp"
)

// IsValid reports whether k is a known tool kind.
func (k ToolKind) IsValid() bool {
	return k == ToolWebhook || k == ToolMCP
}

// KnowledgeKind classifies the origin of a knowledge item.
type KnowledgeKind string

const (
	KnowledgeFile KnowledgeKind = "file"
	KnowledgeURL  KnowledgeKind = "url"
	KnowledgeText KnowledgeKind = "text"
)

// JobStatus is the lifecycle state of a [ReconcileJob].
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// BreachDimension names the quota dimension a meter tick would have violated.
type BreachDimension int

const (
	// BreachNone means the tick committed.
	BreachNone BreachDimension = iota

	// BreachTenantBalance: the tenant token balance would cross zero.
	BreachTenantBalance

	// BreachAgentOverall: the agent's lifetime token cap is reached.
	BreachAgentOverall

	// BreachAgentDaily: the agent's daily token cap is reached.
	BreachAgentDaily

	// BreachPerCall: the session's own per-call cap is reached.
	BreachPerCall
)

// String returns the dimension name used in logs and reason codes.
func (b BreachDimension) String() string {
	switch b {
	case BreachNone:
		return "none"
	case BreachTenantBalance:
		return "tenant_balance"
	case BreachAgentOverall:
		return "agent_overall_cap"
	case BreachAgentDaily:
		return "agent_daily_cap"
	case BreachPerCall:
		return "per_call_cap"
	default:
		return "unknown"
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Entities
// ─────────────────────────────────────────────────────────────────────────────

// Tenant owns agents and holds the token balance debited by the meter.
type Tenant struct {
	ID   string
	Name string

	// TokenBalance is the remaining metered tokens. Never negative; the
	// meter aborts a session before a debit would cross zero.
	TokenBalance int64

	// ApprovedDomains are origins allowed to open browser sessions against
	// this tenant's agents, in addition to the globally configured list.
	ApprovedDomains []string

	// VariableWebhookURL, when set, receives a best-effort POST of the
	// session variable map whenever an agent sets a dynamic variable.
	VariableWebhookURL string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Voice is a TTS voice selectable by agents: either a built-in preset or a
// tenant-cloned voice. ProviderVoiceID is the id understood by the
// realtime-voice provider.
type Voice struct {
	ID              string
	TenantID        string // empty for presets
	Name            string
	ProviderVoiceID string
	Preset          bool
}

// AIModel is an LLM backend selectable by agents.
type AIModel struct {
	ID              string
	Name            string
	ProviderModelID string
}

// NoiseSettings carries the per-agent input conditioning applied by the
// ingress pump before audio reaches the provider.
type NoiseSettings struct {
	// Suppression enables the noise gate on caller audio.
	Suppression bool `json:"suppression"`

	// GateThreshold is the RMS level (0..1) below which gated frames are
	// silenced. Ignored unless Suppression is true.
	GateThreshold float64 `json:"gate_threshold"`

	// VADSilenceMs is the provider-side end-of-turn silence window hint.
	VADSilenceMs int `json:"vad_silence_ms"`
}

// Agent is a tenant-authored conversational configuration bound to a
// provider-side agent.
type Agent struct {
	ID       string
	TenantID string

	DisplayName string

	// PublicID is the stable external identifier used in widget URLs.
	// Distinct from ID so internal keys never leak.
	PublicID string

	// ProviderAgentID is assigned by the realtime-voice provider when the
	// agent is provisioned. Sessions cannot be admitted without it.
	ProviderAgentID string

	VoiceID    string
	ModelID    string // LLM reference (AIModel.ID)
	TTSModelID string // realtime TTS model id
	Language   string // BCP-47-ish language code, e.g. "en", "de", "hi"

	// SystemPrompt may contain {{name}} placeholders; they are sent to the
	// provider unsubstituted together with the variable map.
	SystemPrompt string
	FirstMessage string

	Temperature     float64
	MaxOutputTokens int

	// DynamicVariables maps variable names to their default values.
	DynamicVariables map[string]string

	Noise NoiseSettings

	// PerCallTokenCap limits tokens per session; 0 disables the cap.
	PerCallTokenCap int64

	// Overall lifetime counters. OverallCap 0 disables the cap.
	OverallCap  int64
	OverallUsed int64

	// Daily counters. The window rolls when now-DailyWindowStart >= 24h.
	// DailyCap 0 disables the cap.
	DailyCap         int64
	DailyUsed        int64
	DailyWindowStart time.Time

	Enabled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// KnowledgeItem is a document uploaded to the provider, referenced by agents.
type KnowledgeItem struct {
	ID       string
	TenantID string
	Kind     KnowledgeKind
	Name     string

	// ProviderDocumentID keys the document on the provider's retrieval
	// surface.
	ProviderDocumentID string

	// Content optionally retains the raw text for local fallback retrieval.
	Content string

	CreatedAt time.Time
}

// ParamSpec describes one parameter in a tool's query or body schema.
type ParamSpec struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// BodySchema is the JSON-Schema-like description of a webhook tool's request
// body: which argument properties are encoded and which are mandatory.
type BodySchema struct {
	Properties map[string]ParamSpec `json:"properties"`
	Required   []string             `json:"required,omitempty"`
}

// Tool is a tenant-owned callable capability exposed to agents.
type Tool struct {
	ID          string
	TenantID    string
	Name        string
	Description string
	Kind        ToolKind

	// Webhook execution fields.
	Method      string
	URLTemplate string // {placeholder} fragments substituted from path_params

	// Headers merged into every webhook request. Values whose names match
	// the sensitive pattern are stored encrypted and decrypted only
	// immediately before dispatch.
	Headers map[string]string

	QuerySchema map[string]ParamSpec
	BodySchema  *BodySchema

	// ResponseVariables maps session variable names to json paths evaluated
	// against the response body.
	ResponseVariables map[string]string

	TimeoutSeconds int

	// MCPServerURL is the streamable-HTTP endpoint for ToolMCP tools.
	MCPServerURL string

	// ProviderToolID keys this tool on the provider side. Unique within a
	// tenant.
	ProviderToolID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionRecord tracks one live or finished conversation.
type SessionRecord struct {
	ID       string
	AgentID  string
	TenantID string

	Transport TransportKind

	// Language and Model are the effective values sent in the provider
	// initiation, after compatibility correction.
	Language string
	Model    string

	// RequestedModel preserves the caller's proposal when the resolver
	// corrected it; empty when no correction happened.
	RequestedModel string
	ModelCorrected bool

	UserID string

	StartedAt time.Time
	EndedAt   time.Time // zero while active

	Status    SessionStatus
	ErrorCode string

	// ProviderConversationID is discovered during reconciliation (or
	// tentatively from the provider's initiation metadata).
	ProviderConversationID string

	TokensConsumed int64
	Cost           float64

	// Variables is the session-level dynamic-variable map, merged from the
	// agent defaults and set_dynamic_variable / response_variables writes.
	Variables map[string]string
}

// Recording is the stored audio artifact of a completed session.
type Recording struct {
	SessionID              string
	AudioPath              string // relative to the audio storage root; empty if download failed
	DurationSeconds        float64
	ProviderConversationID string
	CreatedAt              time.Time
}

// ToolInvocation is a tool call embedded in a transcript turn.
type ToolInvocation struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ToolOutcome is a tool result embedded in a transcript turn.
type ToolOutcome struct {
	RequestID string `json:"request_id,omitempty"`
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Speaker roles recorded on transcript turns.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
	RoleTool  = "tool"
)

// Turn is one ordered entry of a conversation transcript.
type Turn struct {
	// Role is one of [RoleUser], [RoleAgent] or [RoleTool].
	Role string `json:"role"`

	Text string `json:"text"`

	// TimeInCallSecs is the turn's offset from call start.
	TimeInCallSecs float64 `json:"time_in_call_secs"`

	// Interrupted marks agent turns cut short by the caller.
	Interrupted bool `json:"interrupted,omitempty"`

	ToolCalls   []ToolInvocation `json:"tool_calls,omitempty"`
	ToolResults []ToolOutcome    `json:"tool_results,omitempty"`
}

// Correction records one phonetic realignment applied to a user turn during
// reconciliation.
type Correction struct {
	TurnIndex int     `json:"turn_index"`
	Original  string  `json:"original"`
	Corrected string  `json:"corrected"`
	Score     float64 `json:"score"`
}

// Transcript is the authoritative post-call transcript of a session.
type Transcript struct {
	SessionID   string
	Summary     string
	Turns       []Turn
	Corrections []Correction
	CreatedAt   time.Time
}

// ReconcileJob is one unit of post-call work on the persistent queue.
type ReconcileJob struct {
	ID        string
	SessionID string

	ProviderAgentID string

	// Session timing and final status as reported by the bridge.
	SessionStart  time.Time
	SessionEnd    time.Time
	SessionStatus SessionStatus

	// TentativeConversationID is the provider conversation id observed in
	// the initiation metadata, when available.
	TentativeConversationID string

	// FallbackTurns is the bridge's in-memory transcript, used only when
	// the provider copy cannot be recovered.
	FallbackTurns []Turn

	Status   JobStatus
	Attempts int
	DueAt    time.Time
	LastErr  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TranscriptChunk is one embedded transcript turn in the semantic index.
type TranscriptChunk struct {
	ID             string
	SessionID      string
	TenantID       string
	AgentID        string
	Role           string
	Content        string
	Embedding      []float32
	TimeInCallSecs float64
	CreatedAt      time.Time
}

// ChunkFilter narrows a semantic search. All non-zero fields are ANDed.
type ChunkFilter struct {
	TenantID  string
	AgentID   string
	SessionID string
}

// ChunkResult pairs a retrieved chunk with its cosine distance from the
// query embedding; lower means more similar.
type ChunkResult struct {
	Chunk    TranscriptChunk
	Distance float64
}

// ─────────────────────────────────────────────────────────────────────────────
// Interfaces
// ─────────────────────────────────────────────────────────────────────────────

// AgentStore loads agent configurations and their joined collections.
type AgentStore interface {
	// GetAgentByPublicID resolves an agent by its public dynamic id.
	GetAgentByPublicID(ctx context.Context, publicID string) (*Agent, error)

	// GetAgent resolves an agent by its internal primary key.
	GetAgent(ctx context.Context, id string) (*Agent, error)

	// GetVoice resolves the agent's selected voice.
	GetVoice(ctx context.Context, id string) (*Voice, error)

	// GetModel resolves the agent's selected LLM.
	GetModel(ctx context.Context, id string) (*AIModel, error)

	// ListAgentKnowledge returns the knowledge items associated with the
	// agent, in stable order.
	ListAgentKnowledge(ctx context.Context, agentID string) ([]KnowledgeItem, error)

	// ListAgentTools returns the tools associated with the agent in their
	// bridge-table order.
	ListAgentTools(ctx context.Context, agentID string) ([]Tool, error)
}

// TenantStore loads tenants.
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*Tenant, error)
}

// SessionStore creates and mutates session records.
type SessionStore interface {
	// CreateSession persists a new record. Only called after the admission
	// check returned permit.
	CreateSession(ctx context.Context, rec *SessionRecord) error

	// GetSession returns a session record by id.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// FinishSession transitions a session to a terminal status and stamps
	// its end time. Finishing an already-terminal session is a no-op so the
	// close path stays idempotent.
	FinishSession(ctx context.Context, id string, status SessionStatus, endedAt time.Time, errorCode string) error

	// MergeSessionVariables merges vars into the session's variable map.
	MergeSessionVariables(ctx context.Context, id string, vars map[string]string) error

	// BindConversation sets the provider conversation id. Binding the same
	// id again is a no-op; binding a different id over an existing one
	// returns an error.
	BindConversation(ctx context.Context, id, providerConversationID string) error

	// SetReconciled stores the reconciler's cost outcome on the record.
	// Call duration lives on the [Recording] row.
	SetReconciled(ctx context.Context, id string, cost float64) error
}

// QuotaStore performs the admission read and the atomic meter tick.
type QuotaStore interface {
	// DebitTick atomically checks all four quota dimensions for the
	// session and, when none would be violated by a +1 debit, commits
	// tenant/agent/session increments in one transaction. Rolls the
	// agent's daily window first when it has elapsed. Returns the breached
	// dimension (BreachNone on commit).
	DebitTick(ctx context.Context, tenantID, agentID, sessionID string) (BreachDimension, error)
}

// RecordingStore persists the reconciler's artifacts.
type RecordingStore interface {
	// UpsertRecording stores the recording row, replacing any prior row
	// for the same session (idempotent re-run).
	UpsertRecording(ctx context.Context, rec *Recording) error

	// GetRecording returns the recording for a session.
	GetRecording(ctx context.Context, sessionID string) (*Recording, error)

	// UpsertTranscript stores the transcript, replacing any prior row for
	// the same session.
	UpsertTranscript(ctx context.Context, t *Transcript) error

	// GetTranscript returns the transcript for a session.
	GetTranscript(ctx context.Context, sessionID string) (*Transcript, error)

	// IndexChunks upserts embedded transcript chunks into the semantic
	// index.
	IndexChunks(ctx context.Context, chunks []TranscriptChunk) error

	// SearchChunks returns the topK chunks nearest to embedding, filtered.
	SearchChunks(ctx context.Context, embedding []float32, topK int, filter ChunkFilter) ([]ChunkResult, error)
}

// JobStore is the persistent reconciliation queue.
type JobStore interface {
	// EnqueueJob inserts a job; enqueueing a session that already has a
	// job is a no-op.
	EnqueueJob(ctx context.Context, job *ReconcileJob) error

	// ClaimDueJob atomically claims the oldest due pending job and marks
	// it running. Returns (nil, nil) when no job is due.
	ClaimDueJob(ctx context.Context, now time.Time) (*ReconcileJob, error)

	// CompleteJob marks a job done.
	CompleteJob(ctx context.Context, id string) error

	// RetryJob returns a job to pending with the given due time,
	// incrementing its attempt counter.
	RetryJob(ctx context.Context, id string, dueAt time.Time, lastErr string) error

	// FailJob marks a job permanently failed.
	FailJob(ctx context.Context, id string, lastErr string) error
}

// Store aggregates every concern the runtime persists.
type Store interface {
	AgentStore
	TenantStore
	SessionStore
	QuotaStore
	RecordingStore
	JobStore
}
