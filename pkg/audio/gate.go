package audio

import (
	"math"
	"time"
)

// DefaultGateHold is how long a [NoiseGate] stays open after the last frame
// above the threshold. Short enough to cut background hiss between
// utterances, long enough not to clip trailing syllables.
const DefaultGateHold = 400 * time.Millisecond

// NoiseGate silences frames whose RMS level falls below a threshold. Agents
// with noise suppression enabled get one gate per inbound stream, so faint
// background noise never reaches the provider's turn detection.
//
// The gate preserves frame timing: gated frames keep their length and
// timestamps, only the samples are zeroed. Create one per stream; not safe
// for shared use across goroutines.
type NoiseGate struct {
	// Threshold is the RMS level in [0,1] below which the gate closes.
	// Typical speech sits well above 0.01; line noise below it.
	Threshold float64

	// Hold keeps the gate open this long after the last frame above the
	// threshold. Zero means [DefaultGateHold].
	Hold time.Duration

	holdLeft time.Duration
}

// Process returns frame unchanged while the gate is open and a silenced copy
// while it is closed.
func (g *NoiseGate) Process(frame AudioFrame) AudioFrame {
	if g.Threshold <= 0 {
		return frame
	}

	hold := g.Hold
	if hold <= 0 {
		hold = DefaultGateHold
	}

	if RMS(frame.Data) >= g.Threshold {
		g.holdLeft = hold
		return frame
	}

	if g.holdLeft > 0 {
		g.holdLeft -= frame.Duration()
		return frame
	}

	silenced := frame
	silenced.Data = make([]byte, len(frame.Data))
	return silenced
}

// RMS computes the root-mean-square level of little-endian int16 PCM,
// normalised to [0,1]. Returns 0 for empty input.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := range samples {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(samples)) / 32768
}
