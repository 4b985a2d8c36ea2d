package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/convoxa/internal/session"
	"github.com/MrWong99/convoxa/internal/store"
	"github.com/MrWong99/convoxa/pkg/convai"
)

// variableWebhookTimeout bounds the best-effort tenant notification POST.
const variableWebhookTimeout = 5 * time.Second

// endCall acknowledges immediately so the agent can confirm verbally while
// the bridge runs the grace period.
func (d *Dispatcher) endCall(call convai.ToolCall) convai.ToolResult {
	return successResult(call.ID, map[string]string{
		"status":  "success",
		"message": "call end initiated",
	})
}

// setDynamicVariable persists the supplied name→value map on the session
// and notifies the tenant's variable webhook when one is configured.
func (d *Dispatcher) setDynamicVariable(ctx context.Context, sess *session.Context, call convai.ToolCall) convai.ToolResult {
	if len(call.Parameters) == 0 {
		return errorResult(call.ID, "set_dynamic_variable requires at least one variable")
	}

	vars := make(map[string]string, len(call.Parameters))
	for name, value := range call.Parameters {
		vars[name] = stringifyArg(value)
	}

	if err := d.persistVariables(ctx, sess, vars); err != nil {
		slog.Warn("dynamic variable persist failed",
			"session_id", sess.ID,
			"error", err)
		return errorResult(call.ID, "failed to persist variables")
	}

	if url := sess.Snapshot.Tenant.VariableWebhookURL; url != "" {
		d.notifyVariableWebhook(ctx, url, sess.ID, vars)
	}

	return successResult(call.ID, map[string]string{"status": "success"})
}

// notifyVariableWebhook POSTs the updated variables to the tenant's
// endpoint. Best-effort: failures are logged and swallowed.
func (d *Dispatcher) notifyVariableWebhook(ctx context.Context, url, sessionID string, vars map[string]string) {
	body, err := json.Marshal(map[string]any{
		"session_id": sessionID,
		"variables":  vars,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, variableWebhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Warn("variable webhook request build failed", "session_id", sessionID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(sessionHeader, sessionID)

	resp, err := d.client.Do(req)
	if err != nil {
		slog.Warn("variable webhook notify failed", "session_id", sessionID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Warn("variable webhook notify rejected",
			"session_id", sessionID,
			"status", resp.StatusCode)
	}
}

// passage is one retrieved knowledge fragment as returned to the model.
type passage struct {
	DocumentID string  `json:"document_id,omitempty"`
	Text       string  `json:"text"`
	Score      float64 `json:"score,omitempty"`
}

// retrieveKnowledge queries the provider's retrieval surface with the
// agent's stored document ids, falling back to the local transcript index
// when the provider yields nothing. An empty outcome is not an error: the
// reply carries a hint and a re-prompt flag instead.
func (d *Dispatcher) retrieveKnowledge(ctx context.Context, sess *session.Context, call convai.ToolCall) convai.ToolResult {
	query, _ := call.Parameters["query"].(string)
	if strings.TrimSpace(query) == "" {
		return errorResult(call.ID, `retrieve_from_knowledge requires a "query" argument`)
	}

	passages := []passage{}

	if docIDs := sess.Snapshot.ProviderDocumentIDs(); d.retriever != nil && len(docIDs) > 0 {
		got, err := d.retriever.RetrieveKnowledge(ctx, query, docIDs)
		if err != nil {
			slog.Warn("provider knowledge retrieval failed, trying local index",
				"session_id", sess.ID,
				"error", err)
		}
		for _, p := range got {
			passages = append(passages, passage{DocumentID: p.DocumentID, Text: p.Text, Score: p.Score})
		}
	}

	if len(passages) == 0 {
		passages = append(passages, d.localRetrieve(ctx, sess, query)...)
	}

	if len(passages) == 0 {
		return successResult(call.ID, map[string]any{
			"status":    "success",
			"passages":  []passage{},
			"message":   "no matching passages were found; consider rephrasing the question",
			"re_prompt": true,
		})
	}

	return successResult(call.ID, map[string]any{
		"status":   "success",
		"passages": passages,
	})
}

// localRetrieve searches the agent's transcript index. Degrades to nothing
// when no embedder is configured or the search fails.
func (d *Dispatcher) localRetrieve(ctx context.Context, sess *session.Context, query string) []passage {
	if d.embedder == nil {
		return nil
	}

	vec, err := d.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("query embedding failed", "session_id", sess.ID, "error", err)
		return nil
	}

	results, err := d.store.SearchChunks(ctx, vec, retrieveTopK, store.ChunkFilter{
		TenantID: sess.Snapshot.TenantID,
		AgentID:  sess.Snapshot.AgentID,
	})
	if err != nil {
		slog.Warn("transcript index search failed", "session_id", sess.ID, "error", err)
		return nil
	}

	passages := make([]passage, 0, len(results))
	for _, r := range results {
		passages = append(passages, passage{
			DocumentID: r.Chunk.SessionID,
			Text:       r.Chunk.Content,
			Score:      1 - r.Distance,
		})
	}
	return passages
}
