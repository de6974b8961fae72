// Package telephony bridges a Twilio-style media stream websocket to a
// session and serves the session control API.
package telephony

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/voice-agent/internal/audio"
)

// wireSampleRate is the rate of the mu-law audio on the media stream.
const wireSampleRate = 8000

const writeWait = 5 * time.Second

var errNoStream = errors.New("media stream has not started")

// Message is an event on the media stream, in either direction.
type Message struct {
	Event          string `json:"event"`
	StreamSid      string `json:"streamSid,omitempty"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	Media          *Media `json:"media,omitempty"`
	Start          *Start `json:"start,omitempty"`
	Stop           *Stop  `json:"stop,omitempty"`
	Mark           *Mark  `json:"mark,omitempty"`
}

// Media carries base64 mu-law audio.
type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Start opens the stream. CustomParameters carry per-call session overrides.
type Start struct {
	AccountSid       string         `json:"accountSid"`
	CallSid          string         `json:"callSid"`
	StreamSid        string         `json:"streamSid"`
	Tracks           []string       `json:"tracks"`
	CustomParameters map[string]any `json:"customParameters,omitempty"`
}

// Stop ends the stream.
type Stop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// Mark names a point in the outbound audio.
type Mark struct {
	Name string `json:"name"`
}

// Parameters returns the string-valued custom parameters.
func (s *Start) Parameters() map[string]string {
	out := make(map[string]string, len(s.CustomParameters))
	for k, v := range s.CustomParameters {
		switch v := v.(type) {
		case string:
			out[k] = v
		case float64, bool:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// MediaStream is the session transport over one websocket. Writes are
// serialized; gorilla connections allow a single concurrent writer.
type MediaStream struct {
	conn       *websocket.Conn
	sampleRate int

	mu        sync.Mutex
	streamSid string
}

// NewMediaStream wraps conn. sampleRate is the session's PCM rate.
func NewMediaStream(conn *websocket.Conn, sampleRate int) *MediaStream {
	return &MediaStream{conn: conn, sampleRate: sampleRate}
}

func (m *MediaStream) setStreamSid(sid string) {
	m.mu.Lock()
	m.streamSid = sid
	m.mu.Unlock()
}

// SendAudio writes one frame as mu-law media.
func (m *MediaStream) SendAudio(f audio.Frame) error {
	pcm := f.PCM
	if f.SampleRate != wireSampleRate {
		pcm = audio.Resample(pcm, f.SampleRate, wireSampleRate)
	}
	mulaw, err := audio.EncodeMulaw(pcm)
	if err != nil {
		return fmt.Errorf("failed to encode frame %d: %w", f.Seq, err)
	}
	return m.write(Message{
		Event: "media",
		Media: &Media{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

// Clear asks the far end to drop buffered agent audio.
func (m *MediaStream) Clear() error {
	return m.write(Message{Event: "clear"})
}

// Mark asks the far end to echo name once the audio sent so far has played.
func (m *MediaStream) Mark(name string) error {
	return m.write(Message{Event: "mark", Mark: &Mark{Name: name}})
}

func (m *MediaStream) write(msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streamSid == "" {
		return errNoStream
	}
	msg.StreamSid = m.streamSid
	if err := m.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return m.conn.WriteJSON(msg)
}

// framer cuts decoded inbound audio into fixed-size sequenced frames.
type framer struct {
	sampleRate int
	size       int
	buf        []byte
	seq        uint64
}

func newFramer(sampleRate int, frameDur time.Duration) *framer {
	return &framer{sampleRate: sampleRate, size: audio.FrameBytes(sampleRate, frameDur)}
}

// push decodes a base64 mu-law payload and returns the complete frames it
// produced. A trailing partial frame waits for the next payload.
func (fr *framer) push(payload string, now time.Time) ([]audio.Frame, error) {
	mulaw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode media payload: %w", err)
	}
	pcm := audio.DecodeMulaw(mulaw)
	if fr.sampleRate != wireSampleRate {
		pcm = audio.Resample(pcm, wireSampleRate, fr.sampleRate)
	}
	fr.buf = append(fr.buf, pcm...)

	var frames []audio.Frame
	for fr.size > 0 && len(fr.buf) >= fr.size {
		fr.seq++
		frames = append(frames, audio.NewFrame(fr.seq, now, fr.buf[:fr.size], fr.sampleRate))
		fr.buf = fr.buf[fr.size:]
	}
	return frames, nil
}
