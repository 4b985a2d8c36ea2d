package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the
// runtime. Frames are the atomic unit of audio transport — decoded from a
// transport's wire format (browser PCM chunks, telephony µ-law, Discord
// Opus), optionally gated, and forwarded to the conversation provider; and
// the reverse on the way out.
type AudioFrame struct {
	// PCM audio data, little-endian int16 samples.
	Data []byte

	// SampleRate in Hz (e.g., 8000 for telephony, 16000 for the provider,
	// 48000 for Discord Opus).
	SampleRate int

	// Channels: 1 for mono (provider and telephony), 2 for stereo (Discord).
	Channels int

	// Timestamp is the capture offset from the start of the stream.
	Timestamp time.Duration
}

// Duration returns the play time of the frame, derived from its sample count.
// Returns zero for malformed frames.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
