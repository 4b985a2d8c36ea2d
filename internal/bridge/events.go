package bridge

// Event is a non-audio frame destined for the caller. The Kind is the frame
// name in the widget protocol; transports with no event surface ignore the
// whole event.
type Event interface {
	Kind() string
}

// ReadyEvent confirms admission: the session record exists and the provider
// leg is connected.
type ReadyEvent struct{}

func (ReadyEvent) Kind() string { return "conversation_ready" }

// LanguageConfirmedEvent echoes the effective language and TTS model after
// the compatibility rule, so widgets can surface a silent model correction.
type LanguageConfirmedEvent struct {
	Language string
	Model    string
}

func (LanguageConfirmedEvent) Kind() string { return "language_confirmed" }

// AudioReadyEvent signals that agent audio may start arriving.
type AudioReadyEvent struct{}

func (AudioReadyEvent) Kind() string { return "audio_interface_ready" }

// AgentResponseEvent carries one finalized agent utterance.
type AgentResponseEvent struct {
	Text string
}

func (AgentResponseEvent) Kind() string { return "agent_response" }

// UserTranscriptEvent carries one finalized caller utterance as recognised
// by the provider.
type UserTranscriptEvent struct {
	Text string
}

func (UserTranscriptEvent) Kind() string { return "user_transcript" }

// LatencyEvent reports a provider round-trip measurement.
type LatencyEvent struct {
	Millis int
}

func (LatencyEvent) Kind() string { return "latency_measurement" }

// ReplacedEvent tells the caller a newer session took the agent's slot. It
// is the last frame a displaced session sends.
type ReplacedEvent struct{}

func (ReplacedEvent) Kind() string { return "session_replaced" }

// ErrorEvent carries a terminal failure message shown to the caller.
type ErrorEvent struct {
	Message string
}

func (ErrorEvent) Kind() string { return "error" }
