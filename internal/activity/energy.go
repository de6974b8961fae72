package activity

import (
	"github.com/lexiqai/voice-agent/internal/audio"
)

// DefaultEnergyThreshold is the RMS level above which a frame counts as speech.
const DefaultEnergyThreshold = 500.0

// EnergyClassifier is an RMS threshold classifier. It never fails, which is
// why it also serves as the fallback when an external classifier is
// unavailable.
type EnergyClassifier struct {
	Threshold float64
}

// NewEnergyClassifier creates an energy classifier. A non-positive threshold
// selects DefaultEnergyThreshold.
func NewEnergyClassifier(threshold float64) *EnergyClassifier {
	if threshold <= 0 {
		threshold = DefaultEnergyThreshold
	}
	return &EnergyClassifier{Threshold: threshold}
}

// Classify implements Classifier.
func (c *EnergyClassifier) Classify(f audio.Frame) (Classification, error) {
	rms := audio.CalculateRMS(f.Samples())
	speech := rms > c.Threshold

	// Confidence grows with the distance from the threshold, capped at 1.
	confidence := rms / (2 * c.Threshold)
	if !speech {
		confidence = 1 - rms/c.Threshold
	}
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	return Classification{Speech: speech, Confidence: confidence}, nil
}
