package audio

import (
	"time"
)

const (
	// DefaultSampleRate is the telephony sample rate (8kHz)
	DefaultSampleRate = 8000
	// DefaultFrameDuration is the duration of one frame on the wire
	DefaultFrameDuration = 20 * time.Millisecond
	// BytesPerSample for 16-bit linear PCM
	BytesPerSample = 2
)

// Frame is a fixed-duration chunk of 16-bit little-endian mono PCM.
// Frames are treated as immutable once produced; producers copy payloads
// they do not own and consumers never write to PCM.
type Frame struct {
	Seq        uint64
	Captured   time.Time
	PCM        []byte
	SampleRate int
	Channels   int
}

// NewFrame builds a frame, copying pcm.
func NewFrame(seq uint64, captured time.Time, pcm []byte, sampleRate int) Frame {
	payload := make([]byte, len(pcm))
	copy(payload, pcm)
	return Frame{
		Seq:        seq,
		Captured:   captured,
		PCM:        payload,
		SampleRate: sampleRate,
		Channels:   1,
	}
}

// Duration returns the real-time duration of the frame's audio.
func (f Frame) Duration() time.Duration {
	return DurationOf(len(f.PCM), f.SampleRate, f.Channels)
}

// Samples decodes the payload into signed 16-bit samples.
func (f Frame) Samples() []int16 {
	return BytesToSamples(f.PCM)
}

// DurationOf returns the playback duration of n bytes of 16-bit PCM.
func DurationOf(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	if channels <= 0 {
		channels = 1
	}
	samples := n / (BytesPerSample * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// FrameBytes returns the payload size of a frame of duration d.
func FrameBytes(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate)*int64(d)/int64(time.Second)) * BytesPerSample
}

// Slice splits pcm into frames of frameDur. A trailing partial frame is
// zero-padded so every frame has the same duration.
func Slice(pcm []byte, sampleRate int, frameDur time.Duration) [][]byte {
	size := FrameBytes(sampleRate, frameDur)
	if size <= 0 || len(pcm) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(pcm)+size-1)/size)
	for off := 0; off < len(pcm); off += size {
		chunk := make([]byte, size)
		copy(chunk, pcm[off:min(off+size, len(pcm))])
		out = append(out, chunk)
	}
	return out
}
