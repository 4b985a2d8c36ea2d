package discord

// Discord voice carries Opus at 48 kHz stereo in 20 ms packets. One packet
// decodes to 960 samples per channel, 3840 PCM bytes.
const (
	voiceSampleRate = 48000
	voiceChannels   = 2
	packetSamples   = voiceSampleRate / 50 // 20 ms per channel
	packetPCMBytes  = packetSamples * voiceChannels * 2
)

// samplesToPCM lays interleaved int16 samples out as little-endian bytes,
// the layout the rest of the runtime moves audio in.
func samplesToPCM(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

// pcmToSamples is the inverse of samplesToPCM. A trailing partial sample is
// ignored.
func pcmToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples
}
