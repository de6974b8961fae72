// Package activity turns per-frame speech classification into
// SpeechStarted/SpeechEnded events with hysteresis.
package activity

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/observability"
)

// ErrClassifierUnavailable is returned by a classifier that cannot serve any
// further frames. The monitor switches to timeout-based detection.
var ErrClassifierUnavailable = errors.New("speech classifier unavailable")

// Classification is a classifier's verdict for one frame.
type Classification struct {
	Speech     bool
	Confidence float64
}

// Classifier labels a single frame. It is called once per frame and must be
// free of side effects.
type Classifier interface {
	Classify(f audio.Frame) (Classification, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(f audio.Frame) (Classification, error)

// Classify implements Classifier.
func (fn ClassifierFunc) Classify(f audio.Frame) (Classification, error) {
	return fn(f)
}

// EventKind distinguishes speech onset from speech end.
type EventKind int

const (
	SpeechStarted EventKind = iota + 1
	SpeechEnded
)

func (k EventKind) String() string {
	switch k {
	case SpeechStarted:
		return "speech_started"
	case SpeechEnded:
		return "speech_ended"
	default:
		return "unknown"
	}
}

// Event is an activity transition. At is the capture time of the frame that
// confirmed it and Seq that frame's sequence number.
type Event struct {
	Kind      EventKind
	At        time.Time
	SegmentID uint64
	Seq       uint64
}

// Config holds the hysteresis policy.
type Config struct {
	StartFrames int // consecutive speech frames before SpeechStarted
	StopFrames  int // consecutive silence frames before SpeechEnded

	// FallbackSilence ends speech in degraded mode.
	FallbackSilence time.Duration
	// DegradeAfterErrors switches to degraded mode after this many
	// consecutive classifier errors. Zero means only ErrClassifierUnavailable
	// degrades.
	DegradeAfterErrors int
}

// DefaultConfig returns 60ms onset and 600ms release at 20ms frames.
func DefaultConfig() Config {
	return Config{
		StartFrames:        3,
		StopFrames:         30,
		FallbackSilence:    800 * time.Millisecond,
		DegradeAfterErrors: 50,
	}
}

// Monitor applies hysteresis to a classifier. It is not safe for concurrent
// use: one goroutine feeds it frames in arrival order.
type Monitor struct {
	cfg        Config
	classifier Classifier
	fallback   Classifier
	logger     zerolog.Logger
	metrics    *observability.Metrics

	speaking   bool
	speechRun  int
	silenceRun int
	silenceDur time.Duration
	segment    uint64

	degraded  bool
	errLogged bool
	errStreak int
}

// NewMonitor creates a monitor. A nil classifier starts in degraded mode; a
// nil fallback selects the energy classifier.
func NewMonitor(cfg Config, classifier, fallback Classifier, logger zerolog.Logger, metrics *observability.Metrics) *Monitor {
	if cfg.StartFrames <= 0 {
		cfg.StartFrames = 1
	}
	if cfg.StopFrames <= 0 {
		cfg.StopFrames = 1
	}
	if fallback == nil {
		fallback = NewEnergyClassifier(0)
	}
	m := &Monitor{
		cfg:        cfg,
		classifier: classifier,
		fallback:   fallback,
		logger:     logger.With().Str("component", "activity").Logger(),
		metrics:    metrics,
	}
	if classifier == nil {
		m.degraded = true
	}
	return m
}

// Process classifies one frame and returns the events it caused, at most one.
func (m *Monitor) Process(f audio.Frame) []Event {
	speech := m.classify(f)

	if speech {
		m.speechRun++
		m.silenceRun = 0
		m.silenceDur = 0
	} else {
		m.speechRun = 0
		m.silenceRun++
		m.silenceDur += f.Duration()
	}

	if !m.speaking {
		if m.speechRun >= m.cfg.StartFrames {
			m.speaking = true
			m.segment++
			return []Event{{Kind: SpeechStarted, At: f.Captured, SegmentID: m.segment, Seq: f.Seq}}
		}
		return nil
	}

	if m.ended() {
		m.speaking = false
		m.speechRun = 0
		return []Event{{Kind: SpeechEnded, At: f.Captured, SegmentID: m.segment, Seq: f.Seq}}
	}
	return nil
}

func (m *Monitor) ended() bool {
	if m.degraded {
		return m.cfg.FallbackSilence > 0 && m.silenceDur >= m.cfg.FallbackSilence
	}
	return m.silenceRun >= m.cfg.StopFrames
}

func (m *Monitor) classify(f audio.Frame) bool {
	if m.degraded {
		c, err := m.fallback.Classify(f)
		return err == nil && c.Speech
	}

	c, err := m.classifier.Classify(f)
	if err == nil {
		m.errStreak = 0
		return c.Speech
	}

	m.errStreak++
	if !m.errLogged {
		m.errLogged = true
		m.logger.Error().Err(err).Uint64("seq", f.Seq).Msg("Speech classifier failed, treating frames as silence")
	}
	if errors.Is(err, ErrClassifierUnavailable) ||
		(m.cfg.DegradeAfterErrors > 0 && m.errStreak >= m.cfg.DegradeAfterErrors) {
		m.degrade()
	}
	return false
}

func (m *Monitor) degrade() {
	m.degraded = true
	m.metrics.RecordClassifierDegraded()
	m.logger.Warn().
		Dur("fallback_silence", m.cfg.FallbackSilence).
		Msg("Speech classifier unavailable, using timeout-based turn detection")
}

// Speaking reports whether a segment is open.
func (m *Monitor) Speaking() bool {
	return m.speaking
}

// Degraded reports whether the monitor runs on the fallback classifier.
func (m *Monitor) Degraded() bool {
	return m.degraded
}

// Segment returns the id of the current or most recent segment.
func (m *Monitor) Segment() uint64 {
	return m.segment
}
