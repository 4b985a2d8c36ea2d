// Package tools executes provider tool calls for live sessions.
//
// The provider emits a tool-call event whenever the conversation model
// decides a capability is needed; every call must be answered with exactly
// one result carrying the provider's correlation token, or the agent
// stalls waiting for it. Dispatch guarantees that shape structurally: it
// always returns one result, encoding failures as {"status": "error"}
// payloads the model can recover from verbally.
//
// Three built-ins (end_call, set_dynamic_variable, retrieve_from_knowledge)
// run in-process; tenant-defined tools execute as outbound webhooks or MCP
// calls according to their stored descriptor. Calls for one session may
// overlap, but dynamic-variable writes serialize through the session
// context.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/convoxa/internal/embed"
	"github.com/MrWong99/convoxa/internal/observe"
	"github.com/MrWong99/convoxa/internal/resilience"
	"github.com/MrWong99/convoxa/internal/secrets"
	"github.com/MrWong99/convoxa/internal/session"
	"github.com/MrWong99/convoxa/internal/store"
	"github.com/MrWong99/convoxa/pkg/convai"
)

// Built-in tool names reserved across all tenants.
const (
	NameEndCall            = "end_call"
	NameSetDynamicVariable = "set_dynamic_variable"
	NameRetrieveKnowledge  = "retrieve_from_knowledge"
)

const (
	defaultTimeout          = 30 * time.Second
	defaultMaxResponseBytes = 1 << 20

	// sessionHeader carries the session id on outbound webhook requests so
	// tenant backends can correlate calls.
	sessionHeader = "X-Convoxa-Session-Id"

	// retrieveTopK bounds both provider retrieval and the local fallback.
	retrieveTopK = 5
)

// Directive tells the bridge what to do after a tool result is delivered.
type Directive int

const (
	// DirectiveNone requires no action beyond sending the result.
	DirectiveNone Directive = iota

	// DirectiveEndCall asks the bridge to begin graceful termination: the
	// agent gets a short grace period to speak its goodbye before the
	// provider connection closes.
	DirectiveEndCall
)

// Store is the subset of the persistence layer the dispatcher touches.
type Store interface {
	// MergeSessionVariables merges vars into the session's variable map.
	MergeSessionVariables(ctx context.Context, id string, vars map[string]string) error

	// SearchChunks returns the topK chunks nearest to embedding, filtered.
	SearchChunks(ctx context.Context, embedding []float32, topK int, filter store.ChunkFilter) ([]store.ChunkResult, error)
}

// Config assembles the dispatcher's dependencies. Store and Codec are
// required; the rest default or disable gracefully.
type Config struct {
	Store Store

	// Codec decrypts sensitive webhook header values at send time.
	Codec *secrets.Codec

	// Retriever queries the provider-side knowledge store. Nil disables
	// provider retrieval; the builtin falls through to the local index.
	Retriever convai.KnowledgeRetriever

	// Embedder powers the local transcript-index fallback for
	// retrieve_from_knowledge. Nil disables the fallback.
	Embedder embed.Embedder

	// HTTPClient issues webhook requests. Defaults to a plain client;
	// per-request deadlines come from the tool timeout.
	HTTPClient *http.Client

	Metrics *observe.Metrics

	// DefaultTimeout bounds webhook calls whose descriptor carries no
	// timeout. Default 30s.
	DefaultTimeout time.Duration

	// MaxResponseBytes caps how much of a webhook response body is read.
	// Default 1 MiB.
	MaxResponseBytes int64
}

// Dispatcher routes provider tool calls to built-ins, webhooks and MCP
// servers. Safe for concurrent use across sessions.
type Dispatcher struct {
	store     Store
	codec     *secrets.Codec
	retriever convai.KnowledgeRetriever
	embedder  embed.Embedder
	client    *http.Client
	metrics   *observe.Metrics
	breakers  *resilience.BreakerSet
	mcp       *mcpPool

	timeout  time.Duration
	maxBytes int64
}

// NewDispatcher builds a Dispatcher from cfg, applying defaults for absent
// optional fields.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	return &Dispatcher{
		store:     cfg.Store,
		codec:     cfg.Codec,
		retriever: cfg.Retriever,
		embedder:  cfg.Embedder,
		client:    cfg.HTTPClient,
		metrics:   cfg.Metrics,
		breakers:  resilience.NewBreakerSet(resilience.CircuitBreakerConfig{}),
		mcp:       newMCPPool(),
		timeout:   cfg.DefaultTimeout,
		maxBytes:  cfg.MaxResponseBytes,
	}
}

// Close releases pooled MCP connections.
func (d *Dispatcher) Close() error {
	return d.mcp.Close()
}

// Dispatch executes one provider tool call against sess and returns the
// result to send back, plus a directive for the bridge. Exactly one result
// is produced per call; failures become error-status payloads rather than
// missing answers.
//
// ctx carries the session's cancellation: an in-flight call is allowed to
// finish within its own timeout rather than being aborted mid-request,
// because the remote side may have already observed the effect.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Context, call convai.ToolCall) (convai.ToolResult, Directive) {
	started := time.Now()
	res, directive := d.dispatch(ctx, sess, call)

	status := "success"
	if res.IsError {
		status = "error"
		slog.Warn("tool call failed",
			"session_id", sess.ID,
			"tool", call.Name,
			"result", res.Result)
	} else {
		slog.Debug("tool call completed",
			"session_id", sess.ID,
			"tool", call.Name,
			"duration_ms", time.Since(started).Milliseconds())
	}
	d.metrics.RecordToolCall(ctx, call.Name, status)

	return res, directive
}

func (d *Dispatcher) dispatch(ctx context.Context, sess *session.Context, call convai.ToolCall) (convai.ToolResult, Directive) {
	switch call.Name {
	case NameEndCall:
		return d.endCall(call), DirectiveEndCall
	case NameSetDynamicVariable:
		return d.setDynamicVariable(ctx, sess, call), DirectiveNone
	case NameRetrieveKnowledge:
		return d.retrieveKnowledge(ctx, sess, call), DirectiveNone
	}

	tool := sess.Snapshot.Tool(call.Name)
	if tool == nil {
		return errorResult(call.ID, fmt.Sprintf("unknown tool %q", call.Name)), DirectiveNone
	}

	switch tool.Kind {
	case store.ToolWebhook:
		return d.runWebhook(ctx, sess, tool, call), DirectiveNone
	case store.ToolMCP:
		return d.runMCP(ctx, tool, call), DirectiveNone
	default:
		return errorResult(call.ID, fmt.Sprintf("tool %q has unsupported kind %q", call.Name, tool.Kind)), DirectiveNone
	}
}

// persistVariables serializes vars into the session context and merges
// them into the stored record.
func (d *Dispatcher) persistVariables(ctx context.Context, sess *session.Context, vars map[string]string) error {
	sess.MergeVariables(vars)
	if err := d.store.MergeSessionVariables(ctx, sess.ID, vars); err != nil {
		return fmt.Errorf("tools: merge session variables: %w", err)
	}
	return nil
}

// successResult marshals payload as the result body. Marshal failures
// degrade to an error result so the provider still gets an answer.
func successResult(callID string, payload any) convai.ToolResult {
	data, err := json.Marshal(payload)
	if err != nil {
		return errorResult(callID, "internal result encoding error")
	}
	return convai.ToolResult{CallID: callID, Result: string(data)}
}

func errorResult(callID, message string) convai.ToolResult {
	data, err := json.Marshal(map[string]string{
		"status":  "error",
		"message": message,
	})
	if err != nil {
		data = []byte(`{"status":"error"}`)
	}
	return convai.ToolResult{CallID: callID, Result: string(data), IsError: true}
}

// stringifyArg renders a tool argument as a variable value: strings pass
// through, everything else takes its compact JSON form.
func stringifyArg(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
