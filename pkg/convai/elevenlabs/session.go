package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/convoxa/pkg/convai"
	"github.com/coder/websocket"
)

var _ convai.Session = (*session)(nil)

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type initiationMessage struct {
	Type                       string          `json:"type"`
	ConversationConfigOverride *configOverride `json:"conversation_config_override,omitempty"`
	ExtraBody                  map[string]any  `json:"extra_body,omitempty"`
	DynamicVariables           map[string]any  `json:"dynamic_variables,omitempty"`
}

type configOverride struct {
	Agent *agentOverride `json:"agent,omitempty"`
	TTS   *ttsOverride   `json:"tts,omitempty"`
}

type agentOverride struct {
	Language string `json:"language,omitempty"`
}

type ttsOverride struct {
	VoiceID string `json:"voice_id,omitempty"`
}

// audioChunkMessage is the flat frame carrying caller audio. The protocol
// uses no type discriminator for this one message.
type audioChunkMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

type toolResultMessage struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result"`
	IsError    bool   `json:"is_error"`
}

type contextUpdateMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type initMetadataEvent struct {
	ConversationID string `json:"conversation_id"`
}

type audioEvent struct {
	EventID     int    `json:"event_id"`
	AudioBase64 string `json:"audio_base_64"`
}

type agentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
}

type userTranscriptEvent struct {
	UserTranscript string `json:"user_transcript"`
}

type toolCallEvent struct {
	ToolName   string         `json:"tool_name"`
	ToolCallID string         `json:"tool_call_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type pingEvent struct {
	EventID int `json:"event_id"`
	PingMs  int `json:"ping_ms,omitempty"`
}

type serverEvent struct {
	Type string `json:"type"`

	InitMetadata   *initMetadataEvent   `json:"conversation_initiation_metadata_event,omitempty"`
	AudioEvent     *audioEvent          `json:"audio_event,omitempty"`
	AgentResponse  *agentResponseEvent  `json:"agent_response_event,omitempty"`
	UserTranscript *userTranscriptEvent `json:"user_transcription_event,omitempty"`
	ToolCall       *toolCallEvent       `json:"client_tool_call,omitempty"`
	Ping           *pingEvent           `json:"ping_event,omitempty"`

	// error frame
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn        *websocket.Conn
	audioCh     chan []byte
	transcripts chan convai.TranscriptEvent
	idleTimeout time.Duration

	mu               sync.Mutex
	toolHandler      func(convai.ToolCall)
	interruptHandler func()
	latencyHandler   func(int)
	errorHandler     func(error)
	conversationID   string
	errVal           error
	closed           bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, idleTimeout time.Duration) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		conn:        conn,
		audioCh:     make(chan []byte, 64),
		transcripts: make(chan convai.TranscriptEvent, 16),
		idleTimeout: idleTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// sendInitiation sends the conversation_initiation_client_data payload with
// the session's language, model, voice, and variable overrides.
func (s *session) sendInitiation(cfg convai.SessionConfig) error {
	msg := initiationMessage{
		Type:             "conversation_initiation_client_data",
		DynamicVariables: cfg.DynamicVariables,
	}
	if cfg.Language != "" || cfg.VoiceID != "" {
		msg.ConversationConfigOverride = &configOverride{}
		if cfg.Language != "" {
			msg.ConversationConfigOverride.Agent = &agentOverride{Language: cfg.Language}
		}
		if cfg.VoiceID != "" {
			msg.ConversationConfigOverride.TTS = &ttsOverride{VoiceID: cfg.VoiceID}
		}
	}
	if cfg.Model != "" {
		msg.ExtraBody = map[string]any{"model": cfg.Model}
	}
	return s.writeJSON(msg)
}

// writeJSON sends v as one JSON text frame.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("elevenlabs: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// audioCh and transcripts: it closes both when it exits. Each read carries
// the idle deadline; a provider that goes fully silent past it is treated as
// disconnected.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		data, err := s.readFrame()
		if err != nil {
			switch {
			case s.ctx.Err() != nil:
				// Closed by us.
			case errors.Is(err, context.DeadlineExceeded):
				s.setErr(convai.ErrIdleTimeout)
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
				websocket.CloseStatus(err) == websocket.StatusGoingAway:
				// Provider hung up cleanly.
			default:
				s.setErr(err)
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

// readFrame reads one WebSocket message, bounded by the idle deadline when
// one is configured.
func (s *session) readFrame() ([]byte, error) {
	if s.idleTimeout <= 0 {
		_, data, err := s.conn.Read(s.ctx)
		return data, err
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.idleTimeout)
	defer cancel()
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "conversation_initiation_metadata":
		if evt.InitMetadata == nil {
			return
		}
		s.mu.Lock()
		s.conversationID = evt.InitMetadata.ConversationID
		s.mu.Unlock()

	case "audio":
		if evt.AudioEvent == nil || evt.AudioEvent.AudioBase64 == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.AudioEvent.AudioBase64)
		if err != nil || len(pcm) == 0 {
			return
		}
		select {
		case s.audioCh <- pcm:
		case <-s.ctx.Done():
		}

	case "agent_response":
		if evt.AgentResponse == nil || evt.AgentResponse.AgentResponse == "" {
			return
		}
		s.emitTranscript(convai.RoleAgent, evt.AgentResponse.AgentResponse)

	case "user_transcript":
		if evt.UserTranscript == nil || evt.UserTranscript.UserTranscript == "" {
			return
		}
		s.emitTranscript(convai.RoleUser, evt.UserTranscript.UserTranscript)

	case "client_tool_call":
		if evt.ToolCall == nil {
			return
		}
		s.mu.Lock()
		handler := s.toolHandler
		s.mu.Unlock()
		if handler == nil {
			return
		}
		handler(convai.ToolCall{
			ID:         evt.ToolCall.ToolCallID,
			Name:       evt.ToolCall.ToolName,
			Parameters: evt.ToolCall.Parameters,
		})

	case "interruption":
		s.mu.Lock()
		handler := s.interruptHandler
		s.mu.Unlock()
		if handler != nil {
			handler()
		}

	case "ping":
		eventID := 0
		if evt.Ping != nil {
			eventID = evt.Ping.EventID
		}
		_ = s.writeJSON(pongMessage{Type: "pong", EventID: eventID})
		if evt.Ping != nil && evt.Ping.PingMs > 0 {
			s.mu.Lock()
			handler := s.latencyHandler
			s.mu.Unlock()
			if handler != nil {
				handler(evt.Ping.PingMs)
			}
		}

	case "error":
		s.mu.Lock()
		handler := s.errorHandler
		s.mu.Unlock()
		if handler == nil {
			return
		}
		msg := evt.Message
		if msg == "" {
			msg = "unknown error"
		}
		handler(fmt.Errorf("elevenlabs: %s", msg))
	}
}

func (s *session) emitTranscript(role convai.Role, text string) {
	select {
	case s.transcripts <- convai.TranscriptEvent{Role: role, Text: text}:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.audioCh)
		close(s.transcripts)
	})
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio delivers a raw PCM chunk of caller speech to the provider.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("elevenlabs: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(audioChunkMessage{
		UserAudioChunk: base64.StdEncoding.EncodeToString(chunk),
	})
}

// SendToolResult answers a tool call with the provider's correlation token.
func (s *session) SendToolResult(res convai.ToolResult) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("elevenlabs: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(toolResultMessage{
		Type:       "client_tool_result",
		ToolCallID: res.CallID,
		Result:     res.Result,
		IsError:    res.IsError,
	})
}

// SendContextUpdate injects a non-interrupting text note into the
// conversation context.
func (s *session) SendContextUpdate(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("elevenlabs: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(contextUpdateMessage{Type: "contextual_update", Text: text})
}

// Audio returns the channel on which agent speech arrives.
func (s *session) Audio() <-chan []byte { return s.audioCh }

// Transcripts returns the channel on which transcript lines arrive.
func (s *session) Transcripts() <-chan convai.TranscriptEvent { return s.transcripts }

// OnToolCall registers a callback for tool invocations from the agent.
func (s *session) OnToolCall(handler func(convai.ToolCall)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolHandler = handler
}

// OnInterruption registers a callback for caller barge-in events.
func (s *session) OnInterruption(handler func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptHandler = handler
}

// OnLatency registers a callback for provider latency measurements.
func (s *session) OnLatency(handler func(int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencyHandler = handler
}

// OnError registers a callback for provider error frames.
func (s *session) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandler = handler
}

// ConversationID returns the provider's conversation identifier once the
// initiation metadata has arrived, or "" before that.
func (s *session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Err returns the first non-nil error that terminated the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close ends the conversation and tears the socket down. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
