package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String renders the format as "16000Hz/1ch".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// FormatConverter reshapes frames onto one target format. Each transport owns
// two: one facing the provider (16 kHz mono) and one facing the caller in the
// transport's native format. The zero value with Target set is ready to use.
// Create one per stream; it is not safe for concurrent use.
type FormatConverter struct {
	Target Format

	warnOnce sync.Once
}

// Convert returns frame reshaped to the target format. A frame already in the
// target format passes through untouched. A frame whose byte count is not
// sample-aligned loses its trailing partial sample.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if n := len(frame.Data); n%2 != 0 {
		frame.Data = frame.Data[:n-1]
	}
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnOnce.Do(func() {
		slog.Warn("converting audio format",
			"from", Format{frame.SampleRate, frame.Channels}.String(),
			"to", c.Target.String())
	})

	pcm := frame.Data
	channels := frame.Channels

	// Collapse channels before resampling and widen after, so interpolation
	// always runs on the narrower layout.
	if channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		channels = 1
	}
	if frame.SampleRate != c.Target.SampleRate {
		pcm = pcmBytes(resample(pcmSamples(pcm), channels, frame.SampleRate, c.Target.SampleRate))
	}
	if channels == 1 && c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// ConvertStream reshapes every frame arriving on in to the target format. The
// returned channel closes when in closes. Frames left without samples are not
// forwarded.
func ConvertStream(in <-chan AudioFrame, target Format) <-chan AudioFrame {
	out := make(chan AudioFrame, cap(in))
	go func() {
		defer close(out)
		conv := FormatConverter{Target: target}
		for frame := range in {
			if frame = conv.Convert(frame); len(frame.Data) > 0 {
				out <- frame
			}
		}
	}()
	return out
}

// StereoToMono folds interleaved L/R pairs into their average.
func StereoToMono(pcm []byte) []byte {
	src := pcmSamples(pcm)
	mono := make([]int16, len(src)/2)
	for i := range mono {
		mono[i] = int16((int32(src[i*2]) + int32(src[i*2+1])) / 2)
	}
	return pcmBytes(mono)
}

// MonoToStereo duplicates every sample into an L/R pair.
func MonoToStereo(pcm []byte) []byte {
	src := pcmSamples(pcm)
	stereo := make([]int16, len(src)*2)
	for i, s := range src {
		stereo[i*2] = s
		stereo[i*2+1] = s
	}
	return pcmBytes(stereo)
}

// ResampleMono16 resamples little-endian int16 mono PCM between rates. The
// telephony transport rides this for the 8 kHz to 16 kHz hop on every media
// frame, so the fast path for equal rates matters.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate || srcRate <= 0 || dstRate <= 0 || len(pcm) < 2 {
		return pcm
	}
	return pcmBytes(resample(pcmSamples(pcm), 1, srcRate, dstRate))
}

// ResampleStereo16 resamples little-endian int16 interleaved stereo PCM
// between rates.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate || srcRate <= 0 || dstRate <= 0 || len(pcm) < 4 {
		return pcm
	}
	return pcmBytes(resample(pcmSamples(pcm), 2, srcRate, dstRate))
}

// resample linearly interpolates interleaved PCM from srcRate to dstRate.
// One implementation covers any channel count: positions are computed per
// frame, channels within a frame share the interpolation weight.
func resample(src []int16, channels, srcRate, dstRate int) []int16 {
	if channels <= 0 {
		return src
	}
	srcFrames := len(src) / channels
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	dst := make([]int16, dstFrames*channels)
	step := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		pos := float64(i) * step
		left := int(pos)
		t := pos - float64(left)

		right := left + 1
		if right >= srcFrames {
			right = left
		}
		for ch := range channels {
			a := float64(src[left*channels+ch])
			b := float64(src[right*channels+ch])
			dst[i*channels+ch] = int16(a + (b-a)*t)
		}
	}
	return dst
}

// pcmSamples reads little-endian int16 samples out of raw PCM bytes. A
// trailing partial sample is ignored.
func pcmSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples
}

// pcmBytes writes samples back out as little-endian PCM bytes.
func pcmBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}
