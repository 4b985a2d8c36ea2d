// Package audio carries PCM frames between caller transports and the
// conversation provider: the frame type itself, format conversion and
// resampling, µ-law codecs for the telephony edge, a noise gate, a
// multi-source mixer, and the voice-channel abstraction behind the Discord
// transport.
//
// The voice-channel abstraction is two interfaces: a [Platform] joins a
// channel, the resulting [Connection] exposes per-participant input streams
// and one output stream for agent speech. It lives under pkg/ so adapters for
// other chat platforms can implement it without importing runtime internals.
package audio

import "context"

// Platform joins voice channels of one chat platform. Implementations wrap
// the platform SDK; the runtime stays ignorant of Opus framing, gateway
// handshakes and the rest.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the voice channel named by channelID. ctx bounds the
	// join handshake only; the returned Connection outlives it and ends
	// with Disconnect.
	Connect(ctx context.Context, channelID string) (Connection, error)
}

// Connection is an open voice channel.
//
// Participant audio arrives on per-participant channels; agent speech goes
// out on a single shared channel. All channels the Connection hands out are
// closed when it disconnects. Implementations must be safe for concurrent
// use.
type Connection interface {
	// InputStreams snapshots the per-participant audio channels, keyed by
	// the platform's participant identifier. Entries appear as
	// participants start sending and their channels close when they
	// leave. Call again after an [EventJoin] to pick up new entries.
	InputStreams() map[string]<-chan AudioFrame

	// OutputStream is the write side for agent speech, played to the
	// whole channel. The caller owns the channel and keeps ownership
	// across Disconnect: frames written afterwards are dropped, not a
	// panic, and the platform never closes it.
	OutputStream() chan<- AudioFrame

	// OnParticipantChange registers the callback for join and leave
	// events, replacing any previous one. It runs on an internal
	// goroutine and must not block.
	OnParticipantChange(cb func(Event))

	// Disconnect leaves the channel and closes every input stream.
	// Calling it again is a no-op returning nil.
	Disconnect() error
}

// Event is one participant lifecycle change on a voice channel.
type Event struct {
	Type EventType

	// UserID is the platform's identifier for the participant.
	UserID string

	// Username is the display name when the platform reports one.
	Username string
}

// EventType says whether a participant came or went.
type EventType int

const (
	EventJoin EventType = iota
	EventLeave
)

func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "join"
	case EventLeave:
		return "leave"
	default:
		return "unknown"
	}
}
