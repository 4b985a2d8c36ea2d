package audio

import "math/bits"

// G.711 µ-law codec for telephony media streams. Carriers deliver 8-bit
// µ-law samples at 8 kHz; the provider expects 16-bit PCM. Decoding uses a
// 256-entry lookup table, encoding the usual bias/segment arithmetic.

const (
	mulawBias = 0x84
	mulawClip = 32635

	// MulawSilence is the µ-law encoding of a zero sample. Use it to pad
	// outbound telephony frames.
	MulawSilence = 0xFF

	// TelephonyRate is the sample rate of carrier media streams.
	TelephonyRate = 8000
)

// mulawToPCM maps every µ-law byte to its linear 16-bit sample.
var mulawToPCM [256]int16

func init() {
	for i := range mulawToPCM {
		u := ^uint8(i)
		t := (int32(u&0x0F) << 3) + mulawBias
		t <<= (u >> 4) & 0x07
		if u&0x80 != 0 {
			mulawToPCM[i] = int16(mulawBias - t)
		} else {
			mulawToPCM[i] = int16(t - mulawBias)
		}
	}
}

// DecodeMulaw converts 8-bit µ-law samples to little-endian 16-bit PCM.
// The output is twice the length of the input.
func DecodeMulaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		s := mulawToPCM[u]
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// EncodeMulaw converts little-endian 16-bit PCM to 8-bit µ-law samples.
// A trailing odd byte is ignored.
func EncodeMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = encodeMulawSample(s)
	}
	return out
}

// encodeMulawSample compresses one linear sample to µ-law.
func encodeMulawSample(s int16) byte {
	var sign byte
	v := int32(s)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	// v is now in [0x84, 0x7FFF], so the exponent lands in [0, 7].
	exponent := byte(bits.Len32(uint32(v)) - 8)
	mantissa := byte(v>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}
