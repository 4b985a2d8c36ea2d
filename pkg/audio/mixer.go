package audio

import (
	"sync"
	"time"
)

const (
	// DefaultMixSlice is the cadence at which a [Mixer] emits mixed frames.
	// Matches the 20 ms framing used by the transports.
	DefaultMixSlice = 20 * time.Millisecond

	// maxSourceBacklog caps the pending PCM buffered per source. A stalled
	// consumer sheds the oldest audio instead of growing without bound.
	maxSourceBacklog = 1 << 16 // 64 KiB ≈ 2s of 16 kHz mono

	mixerOutputBuffer = 32
)

// Mixer merges any number of participant streams into a single PCM stream in
// a fixed target format. The Discord transport uses one per call: every voice
// channel member gets a source, the summed result is what the provider hears.
//
// Sources may appear and disappear at any time. Each emitted frame covers one
// mix slice; sources with no pending audio contribute silence for that slice.
// When no source has audio at all, nothing is emitted. All methods are safe
// for concurrent use.
type Mixer struct {
	target Format
	slice  time.Duration
	out    chan AudioFrame

	mu      sync.Mutex
	pending map[string][]byte
	gone    map[string]bool // source channel closed; remove once drained

	elapsed   time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

// NewMixer creates a [Mixer] emitting frames in the target format every
// slice. A slice of zero means [DefaultMixSlice]. The background mix loop
// starts immediately; call [Mixer.Close] to stop it.
func NewMixer(target Format, slice time.Duration) *Mixer {
	if slice <= 0 {
		slice = DefaultMixSlice
	}
	m := &Mixer{
		target:  target,
		slice:   slice,
		out:     make(chan AudioFrame, mixerOutputBuffer),
		pending: make(map[string][]byte),
		gone:    make(map[string]bool),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// AddSource starts consuming frames from ch under the given id, converting
// them to the mixer's target format. The source is removed automatically when
// ch closes and its backlog has drained.
func (m *Mixer) AddSource(id string, ch <-chan AudioFrame) {
	go func() {
		for frame := range ConvertStream(ch, m.target) {
			m.mu.Lock()
			buf := append(m.pending[id], frame.Data...)
			if overflow := len(buf) - maxSourceBacklog; overflow > 0 {
				buf = buf[overflow:]
			}
			m.pending[id] = buf
			m.mu.Unlock()
		}

		m.mu.Lock()
		m.gone[id] = true
		m.mu.Unlock()
	}()
}

// Output returns the channel of mixed frames. It is closed by [Mixer.Close].
// A full channel sheds the oldest mixed frame rather than stalling sources.
func (m *Mixer) Output() <-chan AudioFrame {
	return m.out
}

// Close stops the mix loop and closes the output channel. Idempotent.
func (m *Mixer) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// run emits one mixed frame per slice whenever at least one source has
// pending audio.
func (m *Mixer) run() {
	defer close(m.out)

	sliceBytes := m.sliceBytes()
	ticker := time.NewTicker(m.slice)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			frame, ok := m.mixSlice(sliceBytes)
			if !ok {
				continue
			}
			select {
			case m.out <- frame:
			default:
				// Consumer stalled: drop the oldest mixed frame to keep
				// latency bounded.
				select {
				case <-m.out:
				default:
				}
				select {
				case m.out <- frame:
				default:
				}
			}
		}
	}
}

// mixSlice sums up to sliceBytes of pending PCM from every source. Returns
// ok=false when no source had audio.
func (m *Mixer) mixSlice(sliceBytes int) (AudioFrame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := make([]int32, sliceBytes/2)
	any := false

	for id, buf := range m.pending {
		n := min(len(buf)&^1, sliceBytes)
		if n > 0 {
			any = true
			for i := 0; i < n; i += 2 {
				acc[i/2] += int32(int16(buf[i]) | int16(buf[i+1])<<8)
			}
			m.pending[id] = buf[n:]
		}
		if len(m.pending[id]) == 0 && m.gone[id] {
			delete(m.pending, id)
			delete(m.gone, id)
		}
	}
	if !any {
		return AudioFrame{}, false
	}

	data := make([]byte, sliceBytes)
	for i, v := range acc {
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		data[i*2] = byte(v)
		data[i*2+1] = byte(uint16(int16(v)) >> 8)
	}

	frame := AudioFrame{
		Data:       data,
		SampleRate: m.target.SampleRate,
		Channels:   m.target.Channels,
		Timestamp:  m.elapsed,
	}
	m.elapsed += m.slice
	return frame, true
}

// sliceBytes returns the PCM byte count covering one mix slice.
func (m *Mixer) sliceBytes() int {
	samples := int(int64(m.target.SampleRate) * int64(m.slice) / int64(time.Second))
	return samples * m.target.Channels * 2
}
