package audio

import (
	"fmt"
	"math"
	"time"
)

// G.711 μ-law constants
const (
	mulawBias = 0x84
	mulawClip = 32635
)

// BytesToSamples converts little-endian 16-bit PCM to samples.
// A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes converts samples to little-endian 16-bit PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// DecodeMulaw converts G.711 μ-law audio to 16-bit linear PCM.
func DecodeMulaw(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		s := mulawToLinear(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeMulaw converts 16-bit linear PCM to G.711 μ-law.
func EncodeMulaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(pcm))
	}
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = linearToMulaw(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}
	return out, nil
}

func linearToMulaw(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

func mulawToLinear(b byte) int16 {
	b = ^b
	exponent := (b >> 4) & 0x07
	mantissa := int32(b & 0x0F)
	magnitude := ((mantissa << 3) + mulawBias) << exponent
	magnitude -= mulawBias
	if b&0x80 != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// Resample converts PCM between sample rates with linear interpolation.
// Providers that cannot emit 8kHz directly (Cartesia at 24kHz) go through it.
func Resample(pcm []byte, inputRate, outputRate int) []byte {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 {
		return pcm
	}
	return SamplesToBytes(resample(BytesToSamples(pcm), inputRate, outputRate))
}

func resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	output := make([]int16, int(float64(len(samples))*ratio))
	for i := range output {
		pos := float64(i) / ratio
		i0 := int(pos)
		i1 := min(i0+1, len(samples)-1)
		frac := pos - float64(i0)
		output[i] = int16(float64(samples[i0])*(1-frac) + float64(samples[i1])*frac)
	}
	return output
}

// CalculateRMS returns the root mean square of the samples, 0 for none.
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Silence returns zero PCM lasting d.
func Silence(sampleRate int, d time.Duration) []byte {
	return make([]byte, FrameBytes(sampleRate, d))
}
