// Package elevenlabs implements the convai interfaces for the ElevenLabs
// Agents Platform.
//
// The realtime side speaks the Agents WebSocket protocol: a signed-URL
// admission call followed by a JSON event stream carrying base64 PCM audio,
// transcripts, tool calls, and keepalive pings. The post-call side wraps the
// conversations REST API used to fetch the authoritative transcript, call
// metadata, and audio recording once the provider has settled a call.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/MrWong99/convoxa/pkg/convai"
	"github.com/coder/websocket"
)

// Compile-time assertions that Client satisfies the convai interfaces.
var _ convai.Provider = (*Client)(nil)
var _ convai.Archive = (*Client)(nil)
var _ convai.KnowledgeRetriever = (*Client)(nil)

const (
	defaultBaseURL = "https://api.elevenlabs.io"

	defaultSignedURLTimeout = 10 * time.Second
	defaultIdleTimeout      = 60 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithBaseURL overrides the API root. Primarily used in tests to point at a
// local mock server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSignedURLTimeout bounds the signed-URL admission call made by Connect.
func WithSignedURLTimeout(d time.Duration) Option {
	return func(c *Client) { c.signedURLTimeout = d }
}

// WithIdleTimeout sets how long a live session tolerates total provider
// silence before reporting [convai.ErrIdleTimeout].
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) { c.idleTimeout = d }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client talks to the ElevenLabs Agents Platform. It implements
// [convai.Provider] for live sessions and [convai.Archive] plus
// [convai.KnowledgeRetriever] for the REST surface.
type Client struct {
	apiKey           string
	baseURL          string
	httpClient       *http.Client
	signedURLTimeout time.Duration
	idleTimeout      time.Duration
}

// New creates a Client with the given API key and options. apiKey must be
// non-empty.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	c := &Client{
		apiKey:           apiKey,
		baseURL:          defaultBaseURL,
		httpClient:       &http.Client{},
		signedURLTimeout: defaultSignedURLTimeout,
		idleTimeout:      defaultIdleTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ── Realtime admission ─────────────────────────────────────────────────────────

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
}

// SignedURL calls the provider's admission endpoint for the given agent and
// returns a short-lived authenticated WebSocket URL. A failure here means the
// session must not be opened: the agent id is unknown or the key is invalid.
func (c *Client) SignedURL(ctx context.Context, agentID string) (string, error) {
	u := c.baseURL + "/v1/convai/conversation/get-signed-url?agent_id=" + url.QueryEscape(agentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: signed url: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: signed url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("elevenlabs: signed url: unexpected status %d", resp.StatusCode)
	}

	var sr signedURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("elevenlabs: signed url decode: %w", err)
	}
	if sr.SignedURL == "" {
		return "", errors.New("elevenlabs: signed url: empty url in response")
	}
	return sr.SignedURL, nil
}

// Connect performs the signed-URL admission call, opens the conversation
// WebSocket, and sends the initiation payload carrying the session's
// overrides. The returned Session is ready to accept audio immediately.
func (c *Client) Connect(ctx context.Context, cfg convai.SessionConfig) (convai.Session, error) {
	sctx, cancel := context.WithTimeout(ctx, c.signedURLTimeout)
	signed, err := c.SignedURL(sctx, cfg.AgentID)
	cancel()
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, signed, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	sess := newSession(conn, c.idleTimeout)

	if err := sess.sendInitiation(cfg); err != nil {
		sess.cancel()
		conn.Close(websocket.StatusInternalError, "initiation failed")
		return nil, fmt.Errorf("elevenlabs: initiation: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Post-call REST ─────────────────────────────────────────────────────────────

type conversationSummaryJSON struct {
	ConversationID    string `json:"conversation_id"`
	AgentID           string `json:"agent_id"`
	StartTimeUnixSecs int64  `json:"start_time_unix_secs"`
	CallDurationSecs  int    `json:"call_duration_secs"`
	Status            string `json:"status"`
}

type conversationListResponse struct {
	Conversations []conversationSummaryJSON `json:"conversations"`
}

type turnToolCallJSON struct {
	RequestID    string `json:"request_id"`
	ToolName     string `json:"tool_name"`
	ParamsAsJSON string `json:"params_as_json"`
}

type turnToolResultJSON struct {
	RequestID   string `json:"request_id"`
	ToolName    string `json:"tool_name"`
	ResultValue string `json:"result_value"`
	IsError     bool   `json:"is_error"`
}

type transcriptTurnJSON struct {
	Role           string               `json:"role"`
	Message        string               `json:"message"`
	TimeInCallSecs float64              `json:"time_in_call_secs"`
	Interrupted    bool                 `json:"interrupted"`
	ToolCalls      []turnToolCallJSON   `json:"tool_calls"`
	ToolResults    []turnToolResultJSON `json:"tool_results"`
}

type conversationMetadataJSON struct {
	StartTimeUnixSecs int64 `json:"start_time_unix_secs"`
	CallDurationSecs  int   `json:"call_duration_secs"`
	Cost              int   `json:"cost"`
}

type conversationAnalysisJSON struct {
	CallSuccessful    string `json:"call_successful"`
	TranscriptSummary string `json:"transcript_summary"`
}

type conversationDetailResponse struct {
	ConversationID string                    `json:"conversation_id"`
	AgentID        string                    `json:"agent_id"`
	Status         string                    `json:"status"`
	Transcript     []transcriptTurnJSON      `json:"transcript"`
	Metadata       *conversationMetadataJSON `json:"metadata"`
	Analysis       *conversationAnalysisJSON `json:"analysis"`
	HasAudio       bool                      `json:"has_audio"`
}

// ListConversations returns up to limit recent conversations for the given
// provider agent id, newest first.
func (c *Client) ListConversations(ctx context.Context, agentID string, limit int) ([]convai.ConversationSummary, error) {
	q := url.Values{}
	q.Set("agent_id", agentID)
	if limit > 0 {
		q.Set("page_size", fmt.Sprint(limit))
	}
	u := c.baseURL + "/v1/convai/conversations?" + q.Encode()

	var lr conversationListResponse
	if err := c.getJSON(ctx, u, &lr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list conversations: %w", err)
	}

	out := make([]convai.ConversationSummary, 0, len(lr.Conversations))
	for _, s := range lr.Conversations {
		out = append(out, convai.ConversationSummary{
			ID:        s.ConversationID,
			AgentID:   s.AgentID,
			StartTime: time.Unix(s.StartTimeUnixSecs, 0).UTC(),
			Duration:  time.Duration(s.CallDurationSecs) * time.Second,
			Status:    s.Status,
		})
	}
	return out, nil
}

// Conversation fetches the full record for one conversation. Returns
// [convai.ErrConversationNotFound] on a 404.
func (c *Client) Conversation(ctx context.Context, conversationID string) (*convai.Conversation, error) {
	u := c.baseURL + "/v1/convai/conversations/" + url.PathEscape(conversationID)

	var dr conversationDetailResponse
	if err := c.getJSON(ctx, u, &dr); err != nil {
		if errors.Is(err, convai.ErrConversationNotFound) {
			return nil, convai.ErrConversationNotFound
		}
		return nil, fmt.Errorf("elevenlabs: conversation: %w", err)
	}

	conv := &convai.Conversation{
		ID:       dr.ConversationID,
		AgentID:  dr.AgentID,
		Status:   dr.Status,
		HasAudio: dr.HasAudio,
	}
	for _, t := range dr.Transcript {
		turn := convai.Turn{
			Role:        convai.Role(t.Role),
			Text:        t.Message,
			TimeInCall:  time.Duration(t.TimeInCallSecs * float64(time.Second)),
			Interrupted: t.Interrupted,
		}
		for _, tc := range t.ToolCalls {
			turn.ToolCalls = append(turn.ToolCalls, convai.TurnToolCall{
				RequestID: tc.RequestID,
				Name:      tc.ToolName,
				ArgsJSON:  tc.ParamsAsJSON,
			})
		}
		for _, tr := range t.ToolResults {
			turn.ToolResults = append(turn.ToolResults, convai.TurnToolResult{
				RequestID: tr.RequestID,
				Name:      tr.ToolName,
				Result:    tr.ResultValue,
				IsError:   tr.IsError,
			})
		}
		conv.Turns = append(conv.Turns, turn)
	}
	if dr.Metadata != nil {
		conv.Metadata = &convai.ConversationMetadata{
			StartTime: time.Unix(dr.Metadata.StartTimeUnixSecs, 0).UTC(),
			Duration:  time.Duration(dr.Metadata.CallDurationSecs) * time.Second,
			Cost:      dr.Metadata.Cost,
		}
	}
	if dr.Analysis != nil {
		conv.Analysis = &convai.ConversationAnalysis{
			Summary:        dr.Analysis.TranscriptSummary,
			CallSuccessful: dr.Analysis.CallSuccessful,
		}
	}
	return conv, nil
}

// ConversationAudio opens the conversation's audio stream. The caller must
// close the returned reader.
func (c *Client) ConversationAudio(ctx context.Context, conversationID string) (io.ReadCloser, error) {
	u := c.baseURL + "/v1/convai/conversations/" + url.PathEscape(conversationID) + "/audio"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: conversation audio: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: conversation audio: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, convai.ErrConversationNotFound
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("elevenlabs: conversation audio: unexpected status %d", resp.StatusCode)
	}
}

// ── Knowledge retrieval ────────────────────────────────────────────────────────

type retrieveRequest struct {
	Query       string   `json:"query"`
	DocumentIDs []string `json:"document_ids"`
}

type passageJSON struct {
	DocumentID string  `json:"document_id"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

type retrieveResponse struct {
	Passages []passageJSON `json:"passages"`
}

// RetrieveKnowledge queries the agent knowledge store for passages relevant
// to query, limited to the given provider document ids.
func (c *Client) RetrieveKnowledge(ctx context.Context, query string, documentIDs []string) ([]convai.Passage, error) {
	body, err := json.Marshal(retrieveRequest{Query: query, DocumentIDs: documentIDs})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: retrieve knowledge: %w", err)
	}

	u := c.baseURL + "/v1/convai/knowledge-base/retrieve"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: retrieve knowledge: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: retrieve knowledge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: retrieve knowledge: unexpected status %d", resp.StatusCode)
	}

	var rr retrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("elevenlabs: retrieve knowledge decode: %w", err)
	}

	out := make([]convai.Passage, 0, len(rr.Passages))
	for _, p := range rr.Passages {
		out = append(out, convai.Passage{DocumentID: p.DocumentID, Text: p.Text, Score: p.Score})
	}
	return out, nil
}

// ── Account ────────────────────────────────────────────────────────────────────

// Ping verifies the configured API key against the account endpoint. The
// readiness probe calls this; it proves DNS, TLS and authentication without
// touching any agent.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/user", nil)
	if err != nil {
		return fmt.Errorf("elevenlabs: ping: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs: ping: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("elevenlabs: ping: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// ── helpers ────────────────────────────────────────────────────────────────────

// getJSON performs an authenticated GET and decodes a JSON body. A 404 is
// mapped to [convai.ErrConversationNotFound].
func (c *Client) getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return convai.ErrConversationNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(v)
}
