// Package mock provides test doubles for the convai package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions. Use
// Session to drive the provider-side streams (audio, transcripts, tool calls)
// and inspect which methods the bridge invoked. Archive and KnowledgeRetriever
// cover the post-call and retrieval surfaces.
//
// Example:
//
//	sess := &mock.Session{
//	    AudioCh:       make(chan []byte, 16),
//	    TranscriptsCh: make(chan convai.TranscriptEvent, 4),
//	}
//	prov := &mock.Provider{Session: sess}
//	handle, _ := prov.Connect(ctx, cfg)
package mock

import (
	"bytes"
	"context"
	"io"
	"slices"
	"sync"

	"github.com/MrWong99/convoxa/pkg/convai"
)

// ConnectCall is one recorded Provider.Connect invocation.
type ConnectCall struct {
	// Ctx is the context Connect received.
	Ctx context.Context
	// Cfg is the session config Connect received.
	Cfg convai.SessionConfig
}

// Provider is a scriptable convai.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is what Connect hands out. When nil, Connect builds a fresh
	// default Session with buffered channels.
	Session convai.Session

	// ConnectErr, when set, fails every Connect call.
	ConnectErr error

	// ConnectCalls lists recorded Connect invocations, oldest first.
	ConnectCalls []ConnectCall
}

// Connect appends to ConnectCalls, then serves Session or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg convai.SessionConfig) (convai.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{
		AudioCh:       make(chan []byte, 64),
		TranscriptsCh: make(chan convai.TranscriptEvent, 16),
	}, nil
}

// Reset drops the recorded Connect calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
}

var _ convai.Provider = (*Provider)(nil)

// SendAudioCall is one recorded Session.SendAudio invocation.
type SendAudioCall struct {
	// Chunk holds a copy of the submitted audio bytes.
	Chunk []byte
}

// Session is a scriptable convai.Session. Populate AudioCh and TranscriptsCh
// up front and close them to signal end-of-session. The Emit helpers fire
// whichever handlers the code under test registered, mirroring events
// arriving from the provider.
type Session struct {
	mu sync.Mutex

	// AudioCh backs Audio. The test owns and closes it.
	AudioCh chan []byte

	// TranscriptsCh backs Transcripts. The test owns and closes it.
	TranscriptsCh chan convai.TranscriptEvent

	// ToolResultCh, when set, receives every ToolResult passed to
	// SendToolResult. The test owns it and must drain it.
	ToolResultCh chan convai.ToolResult

	// ConversationIDValue is returned by ConversationID.
	ConversationIDValue string

	// ErrValue is returned by Err.
	ErrValue error

	toolCallHandler     func(convai.ToolCall)
	interruptionHandler func()
	latencyHandler      func(millis int)
	errorHandler        func(error)

	// --- Error injection ---

	// SendAudioErr, when set, fails every SendAudio call.
	SendAudioErr error

	// SendToolResultErr, when set, fails every SendToolResult call.
	SendToolResultErr error

	// SendContextUpdateErr, when set, fails every SendContextUpdate call.
	SendContextUpdateErr error

	// CloseErr is Close's return value.
	CloseErr error

	// --- Recorded calls ---

	// SendAudioCalls lists recorded SendAudio invocations, oldest first.
	SendAudioCalls []SendAudioCall

	// ToolResultCalls lists recorded SendToolResult payloads, oldest first.
	ToolResultCalls []convai.ToolResult

	// ContextUpdateCalls lists the text of recorded SendContextUpdate
	// calls, oldest first.
	ContextUpdateCalls []string

	// CloseCallCount counts Close invocations.
	CloseCallCount int

	// OnToolCallSetCount counts OnToolCall registrations.
	OnToolCallSetCount int
}

// SendAudio stores a copy of chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: bytes.Clone(chunk)})
	return s.SendAudioErr
}

// SendToolResult stores res, forwards it to ToolResultCh when set and
// returns SendToolResultErr.
func (s *Session) SendToolResult(res convai.ToolResult) error {
	s.mu.Lock()
	s.ToolResultCalls = append(s.ToolResultCalls, res)
	ch := s.ToolResultCh
	err := s.SendToolResultErr
	s.mu.Unlock()
	if ch != nil {
		ch <- res
	}
	return err
}

// SendContextUpdate stores text and returns SendContextUpdateErr.
func (s *Session) SendContextUpdate(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ContextUpdateCalls = append(s.ContextUpdateCalls, text)
	return s.SendContextUpdateErr
}

// Audio serves AudioCh.
func (s *Session) Audio() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AudioCh
}

// Transcripts serves TranscriptsCh.
func (s *Session) Transcripts() <-chan convai.TranscriptEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TranscriptsCh
}

// OnToolCall keeps the handler for EmitToolCall and bumps OnToolCallSetCount.
func (s *Session) OnToolCall(handler func(convai.ToolCall)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCallHandler = handler
	s.OnToolCallSetCount++
}

// OnInterruption keeps the handler for EmitInterruption.
func (s *Session) OnInterruption(handler func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptionHandler = handler
}

// OnLatency keeps the handler for EmitLatency.
func (s *Session) OnLatency(handler func(millis int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencyHandler = handler
}

// OnError keeps the handler for EmitError.
func (s *Session) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandler = handler
}

// ToolCallHandlerSet reports whether OnToolCall has been called. Thread-safe,
// for tests that must wait for registration before emitting.
func (s *Session) ToolCallHandlerSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolCallHandler != nil
}

// LatencyHandlerSet reports whether OnLatency has been called. Thread-safe.
func (s *Session) LatencyHandlerSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latencyHandler != nil
}

// EmitToolCall invokes the registered tool-call handler, if any. The handler
// runs on the caller's goroutine, matching real session delivery.
func (s *Session) EmitToolCall(call convai.ToolCall) {
	s.mu.Lock()
	handler := s.toolCallHandler
	s.mu.Unlock()
	if handler != nil {
		handler(call)
	}
}

// EmitInterruption invokes the registered interruption handler, if any.
func (s *Session) EmitInterruption() {
	s.mu.Lock()
	handler := s.interruptionHandler
	s.mu.Unlock()
	if handler != nil {
		handler()
	}
}

// EmitLatency invokes the registered latency handler, if any.
func (s *Session) EmitLatency(millis int) {
	s.mu.Lock()
	handler := s.latencyHandler
	s.mu.Unlock()
	if handler != nil {
		handler(millis)
	}
}

// EmitError invokes the registered error handler, if any.
func (s *Session) EmitError(err error) {
	s.mu.Lock()
	handler := s.errorHandler
	s.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

// ConversationID returns ConversationIDValue.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ConversationIDValue
}

// SetConversationID updates ConversationIDValue. Thread-safe, for tests that
// simulate the provider assigning an id mid-session.
func (s *Session) SetConversationID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConversationIDValue = id
}

// Err returns ErrValue.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrValue
}

// SetErr updates ErrValue. Thread-safe.
func (s *Session) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrValue = err
}

// Close bumps CloseCallCount and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ResetCalls drops all recorded calls and counters.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.ToolResultCalls = nil
	s.ContextUpdateCalls = nil
	s.CloseCallCount = 0
	s.OnToolCallSetCount = 0
}

var _ convai.Session = (*Session)(nil)

// ListCall is one recorded Archive.ListConversations invocation.
type ListCall struct {
	// AgentID is the agent identifier ListConversations received.
	AgentID string
	// Limit is the page size ListConversations received.
	Limit int
}

// Archive is a scriptable convai.Archive.
type Archive struct {
	mu sync.Mutex

	// Summaries is returned by ListConversations.
	Summaries []convai.ConversationSummary

	// ListErr, when set, fails ListConversations.
	ListErr error

	// Conversations maps conversation ids to detail records. A missing id
	// yields convai.ErrConversationNotFound.
	Conversations map[string]*convai.Conversation

	// ConversationFunc, when set, overrides the map lookup entirely. Useful
	// for sequencing responses across retry attempts.
	ConversationFunc func(ctx context.Context, conversationID string) (*convai.Conversation, error)

	// AudioData is served by ConversationAudio wrapped in a NopCloser.
	AudioData []byte

	// AudioErr, when set, fails ConversationAudio.
	AudioErr error

	// ListCalls lists recorded ListConversations invocations, oldest first.
	ListCalls []ListCall

	// ConversationCalls lists the ids passed to Conversation, oldest first.
	ConversationCalls []string

	// AudioCalls lists the ids passed to ConversationAudio, oldest first.
	AudioCalls []string
}

// ListConversations appends to ListCalls, then serves Summaries or ListErr.
func (a *Archive) ListConversations(_ context.Context, agentID string, limit int) ([]convai.ConversationSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ListCalls = append(a.ListCalls, ListCall{AgentID: agentID, Limit: limit})
	if a.ListErr != nil {
		return nil, a.ListErr
	}
	return a.Summaries, nil
}

// Conversation resolves conversationID via ConversationFunc or the
// Conversations map, recording the id either way.
func (a *Archive) Conversation(ctx context.Context, conversationID string) (*convai.Conversation, error) {
	a.mu.Lock()
	a.ConversationCalls = append(a.ConversationCalls, conversationID)
	fn := a.ConversationFunc
	conv, ok := a.Conversations[conversationID]
	a.mu.Unlock()
	if fn != nil {
		return fn(ctx, conversationID)
	}
	if !ok {
		return nil, convai.ErrConversationNotFound
	}
	return conv, nil
}

// ConversationAudio serves AudioData as a reader, or AudioErr.
func (a *Archive) ConversationAudio(_ context.Context, conversationID string) (io.ReadCloser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.AudioCalls = append(a.AudioCalls, conversationID)
	if a.AudioErr != nil {
		return nil, a.AudioErr
	}
	return io.NopCloser(bytes.NewReader(a.AudioData)), nil
}

// SetConversation stores a detail record under its id. Thread-safe, for tests
// that flip a conversation from settling to complete mid-run.
func (a *Archive) SetConversation(conv *convai.Conversation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Conversations == nil {
		a.Conversations = make(map[string]*convai.Conversation)
	}
	a.Conversations[conv.ID] = conv
}

var _ convai.Archive = (*Archive)(nil)

// RetrieveCall is one recorded KnowledgeRetriever.RetrieveKnowledge invocation.
type RetrieveCall struct {
	// Query is the query string RetrieveKnowledge received.
	Query string
	// DocumentIDs holds a copy of the document ids RetrieveKnowledge received.
	DocumentIDs []string
}

// KnowledgeRetriever is a scriptable convai.KnowledgeRetriever.
type KnowledgeRetriever struct {
	mu sync.Mutex

	// Passages is returned by RetrieveKnowledge.
	Passages []convai.Passage

	// RetrieveErr, when set, fails RetrieveKnowledge.
	RetrieveErr error

	// RetrieveCalls lists recorded RetrieveKnowledge invocations, oldest first.
	RetrieveCalls []RetrieveCall
}

// RetrieveKnowledge copies the ids, then serves Passages or RetrieveErr.
func (k *KnowledgeRetriever) RetrieveKnowledge(_ context.Context, query string, documentIDs []string) ([]convai.Passage, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.RetrieveCalls = append(k.RetrieveCalls, RetrieveCall{Query: query, DocumentIDs: slices.Clone(documentIDs)})
	if k.RetrieveErr != nil {
		return nil, k.RetrieveErr
	}
	return k.Passages, nil
}

var _ convai.KnowledgeRetriever = (*KnowledgeRetriever)(nil)
