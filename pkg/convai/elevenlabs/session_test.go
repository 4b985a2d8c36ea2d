package elevenlabs_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/convoxa/pkg/convai"
	"github.com/MrWong99/convoxa/pkg/convai/elevenlabs"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// startAgentServer launches a fake Agents Platform: a signed-URL endpoint plus
// a conversation WebSocket endpoint whose accepted conn is passed to handler.
// The signed URL it hands out points back at the same server with a test token.
func startAgentServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/convai/conversation/get-signed-url", func(w http.ResponseWriter, r *http.Request) {
		signed := "ws" + strings.TrimPrefix(srv.URL, "http") +
			"/v1/convai/conversation?agent_id=" + r.URL.Query().Get("agent_id") + "&token=signed-token"
		_ = json.NewEncoder(w).Encode(map[string]string{"signed_url": signed})
	})
	mux.HandleFunc("/v1/convai/conversation", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// dialSession connects a Client against the fake server and registers cleanup.
func dialSession(t *testing.T, srv *httptest.Server, cfg convai.SessionConfig, opts ...elevenlabs.Option) convai.Session {
	t.Helper()

	opts = append([]elevenlabs.Option{elevenlabs.WithBaseURL(srv.URL)}, opts...)
	c, err := elevenlabs.New("test-key", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := c.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// readJSON decodes the next text frame into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON sends v as one text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_DialsSignedURL(t *testing.T) {
	t.Parallel()

	wsQuery := make(chan string, 1)

	srv := startAgentServer(t, func(conn *websocket.Conn, r *http.Request) {
		wsQuery <- r.URL.RawQuery
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	dialSession(t, srv, convai.SessionConfig{AgentID: "agent_42"})

	select {
	case q := <-wsQuery:
		if !strings.Contains(q, "token=signed-token") {
			t.Errorf("ws query = %q; want the signed token", q)
		}
		if !strings.Contains(q, "agent_id=agent_42") {
			t.Errorf("ws query = %q; want agent_id=agent_42", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for WebSocket connection")
	}
}

func TestConnect_SignedURLRefused_NoSession(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	c, err := elevenlabs.New("test-key", elevenlabs.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Connect(context.Background(), convai.SessionConfig{AgentID: "agent_42"}); err == nil {
		t.Fatal("Connect should fail when the signed-URL call is refused")
	}
}

func TestConnect_SendsInitiation(t *testing.T) {
	t.Parallel()

	type initMsg struct {
		Type     string `json:"type"`
		Override struct {
			Agent struct {
				Language string `json:"language"`
			} `json:"agent"`
			TTS struct {
				VoiceID string `json:"voice_id"`
			} `json:"tts"`
		} `json:"conversation_config_override"`
		ExtraBody        map[string]any `json:"extra_body"`
		DynamicVariables map[string]any `json:"dynamic_variables"`
	}

	received := make(chan initMsg, 1)

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg initMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	dialSession(t, srv, convai.SessionConfig{
		AgentID:  "agent_42",
		Language: "de",
		Model:    "eleven_turbo_v2_5",
		VoiceID:  "voice-7",
		DynamicVariables: map[string]any{
			"user_id":    "user-1",
			"session_id": "sess-1",
		},
	})

	select {
	case msg := <-received:
		if msg.Type != "conversation_initiation_client_data" {
			t.Errorf("type = %q; want conversation_initiation_client_data", msg.Type)
		}
		if msg.Override.Agent.Language != "de" {
			t.Errorf("language = %q; want de", msg.Override.Agent.Language)
		}
		if msg.Override.TTS.VoiceID != "voice-7" {
			t.Errorf("voice_id = %q; want voice-7", msg.Override.TTS.VoiceID)
		}
		if msg.ExtraBody["model"] != "eleven_turbo_v2_5" {
			t.Errorf("extra_body.model = %v; want eleven_turbo_v2_5", msg.ExtraBody["model"])
		}
		if msg.DynamicVariables["session_id"] != "sess-1" {
			t.Errorf("dynamic_variables = %v", msg.DynamicVariables)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for initiation message")
	}
}

func TestConnect_MinimalInitiationOmitsOverrides(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		received <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	dialSession(t, srv, convai.SessionConfig{AgentID: "agent_42"})

	select {
	case raw := <-received:
		if _, ok := raw["conversation_config_override"]; ok {
			t.Error("conversation_config_override should be omitted when no overrides are set")
		}
		if _, ok := raw["extra_body"]; ok {
			t.Error("extra_body should be omitted when no model is set")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for initiation message")
	}
}

// ── Audio ─────────────────────────────────────────────────────────────────────

func TestSendAudio_EncodesChunk(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		var msg map[string]any
		readJSON(t, conn, &msg)
		received <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialSession(t, srv, convai.SessionConfig{AgentID: "agent_42"})

	wantPCM := []byte{0x10, 0x20, 0x30, 0x40}
	if err := sess.SendAudio(wantPCM); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-received:
		if _, ok := msg["type"]; ok {
			t.Error("audio chunks must not carry a type discriminator")
		}
		encoded, _ := msg["user_audio_chunk"].(string)
		got, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(wantPCM) {
			t.Errorf("decoded audio = %v; want %v", got, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio chunk")
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialSession(t, srv, convai.SessionConfig{AgentID: "agent_42"})
	_ = sess.Close()

	if err := sess.SendAudio([]byte{1, 2, 3}); err == nil {
		t.Fatal("SendAudio after Close should return an error")
	}
}

func TestAudio_DeliversDecodedPCM(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type": "audio",
			"audio_event": map[string]any{
				"event_id":      1,
				"audio_base_64": base64.StdEncoding.EncodeToString(wantPCM),
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialSession(t, srv, convai.SessionConfig{AgentID: "agent_42"})

	select {
	case chunk, ok := <-sess.Audio():
		if !ok {
			t.Fatal("Audio channel closed unexpectedly")
		}
		if string(chunk) != string(wantPCM) {
			t.Errorf("audio chunk = %v; want %v", chunk, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio chunk")
	}
}

// ── Transcripts & conversation id ─────────────────────────────────────────────

func TestTranscripts_BothRoles(t *testing.T) {
	t.Parallel()

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type":                     "user_transcript",
			"user_transcription_event": map[string]any{"user_transcript": "I need a table for two."},
		})
		writeJSON(t, conn, map[string]any{
			"type":                 "agent_response",
			"agent_response_event": map[string]any{"agent_response": "Of course, one moment."},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialSession(t, srv, convai.SessionConfig{AgentID: "agent_42"})

	want := []convai.TranscriptEvent{
		{Role: convai.RoleUser, Text: "I need a table for two."},
		{Role: convai.RoleAgent, Text: "Of course, one moment."},
	}
	for i, w := range want {
		select {
		case got, ok := <-sess.Transcripts():
			if !ok {
				t.Fatal("Transcripts channel closed unexpectedly")
			}
			if got != w {
				t.Errorf("transcript[%d] = %+v; want %+v", i, got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for transcript %d", i)
		}
	}
}

func TestConversationID_FromInitiationMetadata(t *testing.T) {
	t.Parallel()

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type": "conversation_initiation_metadata",
			"conversation_initiation_metadata_event": map[string]any{
				"conversation_id": "conv-123",
			},
		})
		// A transcript line after the metadata lets the test wait for the
		// receive loop to have processed both events in order.
		writeJSON(t, conn, map[string]any{
			"type":                 "agent_response",
			"agent_response_event": map[string]any{"agent_response": "Hello."},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialSession(t, srv, convai.SessionConfig{AgentID: "agent_42"})

	select {
	case <-sess.Transcripts():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for transcript")
	}

	if got := sess.ConversationID(); got != "conv-123" {
		t.Errorf("ConversationID() = %q; want conv-123", got)
	}
}

// ── Ping / latency ────────────────────────────────────────────────────────────

func TestPing_AnswersPongAndReportsLatency(t *testing.T) {
	t.Parallel()

	type pongMsg struct {
		Type    string `json:"type"`
		EventID int    `json:"event_id"`
	}

	pongs := make(chan pongMsg, 1)

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		// Wait for the sync chunk so the client has registered its handlers.
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type":       "ping",
			"ping_event": map[string]any{"event_id": 7, "ping_ms": 42},
		})

		var pong pongMsg
		readJSON(t, conn, &pong)
		pongs <- pong

		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialSession(t, srv, convai.SessionConfig{AgentID: "agent_42"})

	latencies := make(chan int, 1)
	sess.OnLatency(func(ms int) { latencies <- ms })

	if err := sess.SendAudio([]byte{0, 0}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case pong := <-pongs:
		if pong.Type != "pong" || pong.EventID != 7 {
			t.Errorf("pong = %+v; want type=pong event_id=7", pong)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for pong")
	}

	select {
	case ms := <-latencies:
		if ms != 42 {
			t.Errorf("latency = %d; want 42", ms)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for latency callback")
	}
}

// ── Tool calls ────────────────────────────────────────────────────────────────

func TestToolCall_RoundTripCorrelation(t *testing.T) {
	t.Parallel()

	type resultMsg struct {
		Type       string `json:"type"`
		ToolCallID string `json:"tool_call_id"`
		Result     string `json:"result"`
		IsError    bool   `json:"is_error"`
	}

	results := make(chan resultMsg, 1)

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		readJSON(t, conn, &raw) // sync chunk

		writeJSON(t, conn, map[string]any{
			"type": "client_tool_call",
			"client_tool_call": map[string]any{
				"tool_name":    "check_availability",
				"tool_call_id": "tc-9",
				"parameters":   map[string]any{"date": "2026-09-01"},
			},
		})

		var res resultMsg
		readJSON(t, conn, &res)
		results <- res

		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialSession(t, srv, convai.SessionConfig{AgentID: "agent_42"})

	calls := make(chan convai.ToolCall, 1)
	sess.OnToolCall(func(call convai.ToolCall) {
		calls <- call
		_ = sess.SendToolResult(convai.ToolResult{
			CallID: call.ID,
			Result: `{"status":"success"}`,
		})
	})

	if err := sess.SendAudio([]byte{0, 0}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case call := <-calls:
		if call.Name != "check_availability" || call.ID != "tc-9" {
			t.Errorf("call = %+v", call)
		}
		if call.Parameters["date"] != "2026-09-01" {
			t.Errorf("parameters = %v", call.Parameters)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for tool call")
	}

	select {
	case res := <-results:
		if res.Type != "client_tool_result" {
			t.Errorf("type = %q; want client_tool_result", res.Type)
		}
		if res.ToolCallID != "tc-9" {
			t.Errorf("tool_call_id = %q; want tc-9", res.ToolCallID)
		}
		if res.IsError {
			t.Error("is_error should be false")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for tool result")
	}
}

// ── Interruption & error frames ───────────────────────────────────────────────

func TestInterruption_InvokesHandler(t *testing.T) {
	t.Parallel()

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		readJSON(t, conn, &raw) // sync chunk

		writeJSON(t, conn, map[string]any{"type": "interruption"})

		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialSession(t, srv, convai.SessionConfig{AgentID: "agent_42"})

	interrupted := make(chan struct{}, 1)
	sess.OnInterruption(func() { interrupted <- struct{}{} })

	if err := sess.SendAudio([]byte{0, 0}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case <-interrupted:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for interruption handler")
	}
}

func TestErrorFrame_InvokesHandler(t *testing.T) {
	t.Parallel()

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		readJSON(t, conn, &raw) // sync chunk

		writeJSON(t, conn, map[string]any{"type": "error", "message": "agent overloaded"})

		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialSession(t, srv, convai.SessionConfig{AgentID: "agent_42"})

	errCh := make(chan error, 1)
	sess.OnError(func(err error) { errCh <- err })

	if err := sess.SendAudio([]byte{0, 0}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "agent overloaded") {
			t.Errorf("error = %v; want substring %q", err, "agent overloaded")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for error handler")
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestIdleTimeout_ReportedAsErr(t *testing.T) {
	t.Parallel()

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// Send nothing: the client's idle window must expire.
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialSession(t, srv, convai.SessionConfig{AgentID: "agent_42"},
		elevenlabs.WithIdleTimeout(150*time.Millisecond))

	select {
	case _, ok := <-sess.Audio():
		if ok {
			t.Fatal("expected Audio channel to close on idle timeout")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for idle close")
	}

	if !errors.Is(sess.Err(), convai.ErrIdleTimeout) {
		t.Errorf("Err() = %v; want ErrIdleTimeout", sess.Err())
	}
}

func TestProviderCleanClose_ErrNil(t *testing.T) {
	t.Parallel()

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// Returning triggers the deferred normal-closure close.
	})

	sess := dialSession(t, srv, convai.SessionConfig{AgentID: "agent_42"})

	select {
	case _, ok := <-sess.Audio():
		if ok {
			t.Fatal("expected Audio channel to close when the provider hangs up")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for provider close")
	}

	if err := sess.Err(); err != nil {
		t.Errorf("Err() = %v; want nil for a clean provider close", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialSession(t, srv, convai.SessionConfig{AgentID: "agent_42"})

	if err := sess.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
}

func TestClose_ClosesChannels(t *testing.T) {
	t.Parallel()

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialSession(t, srv, convai.SessionConfig{AgentID: "agent_42"})
	_ = sess.Close()

	select {
	case _, open := <-sess.Audio():
		if open {
			t.Error("Audio channel should be closed after Close()")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Audio channel to close")
	}

	select {
	case _, open := <-sess.Transcripts():
		if open {
			t.Error("Transcripts channel should be closed after Close()")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Transcripts channel to close")
	}
}
