// Package convai defines the Provider interface for realtime conversational
// voice backends.
//
// A conversational provider hosts the entire agent turn loop — speech
// recognition, language model, and speech synthesis — behind a single
// stateful session. The runtime streams caller audio in, receives agent
// audio and conversation events out, and answers the provider's tool-call
// requests. Examples include the ElevenLabs Agents Platform and similar
// hosted voice-agent services.
//
// The central abstraction is Session: a bidirectional, multiplexed channel
// carrying audio, transcripts, and tool calls concurrently. Sessions are
// long-lived (seconds to minutes) and end either when one side disconnects
// or when the runtime closes them.
//
// All implementations must be safe for concurrent use.
package convai

import (
	"context"
	"errors"
)

// ErrIdleTimeout is reported by [Session.Err] when the provider sent no frame
// of any kind for the session's idle window. Callers treat it as a provider
// disconnect rather than a protocol failure.
var ErrIdleTimeout = errors.New("convai: provider idle timeout")

// Role identifies the speaker of a transcript entry or conversation turn.
type Role string

const (
	// RoleUser marks caller speech as recognised by the provider.
	RoleUser Role = "user"

	// RoleAgent marks text spoken by the agent.
	RoleAgent Role = "agent"
)

// TranscriptEvent is a single finalized transcript line emitted by the
// provider during a live session. Entries for the two roles arrive
// interleaved in provider order; they carry no guarantee of alignment with
// the audio stream.
type TranscriptEvent struct {
	Role Role
	Text string
}

// ToolCall is a provider request for the runtime to execute a tool. ID is the
// provider's correlation token: every call must be answered with exactly one
// [ToolResult] bearing the same ID, or the agent will stall waiting for it.
type ToolCall struct {
	// ID is the opaque correlation token assigned by the provider.
	ID string

	// Name is the tool name as configured on the provider-side agent.
	Name string

	// Parameters holds the decoded arguments object. May be nil for
	// zero-argument tools.
	Parameters map[string]any
}

// ToolResult answers a [ToolCall]. Result carries the JSON-encoded outcome;
// IsError tells the model the call failed so it can recover verbally.
type ToolResult struct {
	CallID  string
	Result  string
	IsError bool
}

// SessionConfig is the initial configuration for a new provider session.
// The values come from the resolved agent snapshot; the provider applies them
// as per-conversation overrides on top of the agent's server-side settings.
type SessionConfig struct {
	// AgentID is the provider-side agent identifier used for the signed-URL
	// admission call and the conversation itself.
	AgentID string

	// Language is the effective conversation language code (e.g. "en", "de").
	Language string

	// Model is the effective speech-synthesis model id for the language.
	Model string

	// VoiceID selects the agent voice, overriding the provider default.
	VoiceID string

	// DynamicVariables is the agent's variable map merged with session-level
	// values (user id, session id, start timestamp). The provider substitutes
	// them into the agent's prompt templates.
	DynamicVariables map[string]any
}

// Session represents an open realtime conversation. It is an interface so
// that test code can supply mock implementations without a live provider
// connection.
//
// The session sits on the audio hot path; every method must return
// quickly, and audio I/O is channel-based so the caller's pump goroutines
// never block on it. All methods must be safe for concurrent use, and
// Close must be called once the conversation is over.
type Session interface {
	// SendAudio delivers a raw PCM chunk (signed 16-bit little-endian, mono,
	// 16 kHz) of caller speech to the provider. Returns an error if the
	// session is closed or the write fails.
	SendAudio(chunk []byte) error

	// SendToolResult answers a tool call previously surfaced via OnToolCall.
	// The CallID must match the originating call's ID.
	SendToolResult(res ToolResult) error

	// SendContextUpdate injects a non-interrupting text note into the
	// conversation context, visible to the model on its next turn.
	SendContextUpdate(text string) error

	// Audio returns a read-only channel emitting raw PCM chunks of agent
	// speech. The channel is closed when the session ends; check
	// [Session.Err] afterwards to learn whether it ended cleanly. Consumers
	// must drain promptly so transcript events are not held up behind audio.
	Audio() <-chan []byte

	// Transcripts returns a read-only channel emitting finalized transcript
	// lines for both roles. Closed when the session ends.
	Transcripts() <-chan TranscriptEvent

	// OnToolCall registers a handler invoked whenever the provider requests a
	// tool call. The handler runs on the session's receive goroutine: it must
	// return quickly and offload real work, answering later via
	// SendToolResult. Calling OnToolCall again replaces the handler; nil
	// clears it, in which case calls are dropped unanswered.
	OnToolCall(handler func(ToolCall))

	// OnInterruption registers a handler invoked when the caller barges in
	// and the provider truncates the agent's current utterance. Buffered
	// egress audio should be discarded when this fires.
	OnInterruption(handler func())

	// OnLatency registers a handler receiving the provider's round-trip
	// latency measurements in milliseconds, when it reports them.
	OnLatency(handler func(millis int))

	// OnError registers a handler for provider-reported error frames. The
	// session stays open after an error frame; the caller decides whether to
	// close it.
	OnError(handler func(error))

	// ConversationID returns the provider's conversation identifier, or ""
	// if the provider has not announced one yet. Used after the session ends
	// to fetch the authoritative conversation record.
	ConversationID() string

	// Err returns the error that terminated the session, or nil if it ended
	// cleanly (or is still running). [ErrIdleTimeout] indicates the provider
	// went silent past the idle window.
	Err() error

	// Close terminates the session, releases all resources, and closes the
	// Audio and Transcripts channels. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Provider is the abstraction over a realtime conversation backend.
//
// Implementations must be safe for concurrent use: the runtime opens one
// session per live call, many calls at a time.
type Provider interface {
	// Connect performs the provider's admission handshake and opens a new
	// conversation session. The returned Session is ready to accept audio
	// immediately. An admission failure (auth error, unknown agent id) is
	// returned as an error with no session opened.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
