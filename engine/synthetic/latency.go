package synthetic

import (
	"fmt"
	"time"

	"github.com/inference-sim/cbengine/engine"
)

// LatencyModel estimates how long a step would take on real hardware.
// All estimates are in microseconds.
type LatencyModel interface {
	StepTime(batch *engine.StepBatch) int64
}

// BlackboxLatencyModel estimates latency using trained beta regression
// coefficients: beta0 + beta1*prefillTokens + beta2*decodeTokens.
type BlackboxLatencyModel struct {
	betaCoeffs []float64
}

// NewBlackboxLatencyModel validates the three beta coefficients.
func NewBlackboxLatencyModel(beta []float64) (*BlackboxLatencyModel, error) {
	if len(beta) != 3 {
		return nil, fmt.Errorf("blackbox latency model needs 3 beta coefficients, got %d", len(beta))
	}
	for i, b := range beta {
		if b < 0 {
			return nil, fmt.Errorf("beta coefficient %d must be >= 0, got %v", i, b)
		}
	}
	return &BlackboxLatencyModel{betaCoeffs: append([]float64(nil), beta...)}, nil
}

func (m *BlackboxLatencyModel) StepTime(batch *engine.StepBatch) int64 {
	var prefillTokens, decodeTokens int64
	for _, e := range batch.Entries {
		if e.Prefill() {
			prefillTokens += int64(e.NumTokens)
		} else {
			decodeTokens += int64(e.NumTokens)
		}
	}
	var totalStepTime float64
	totalStepTime += m.betaCoeffs[0]
	totalStepTime += m.betaCoeffs[1] * float64(prefillTokens)
	totalStepTime += m.betaCoeffs[2] * float64(decodeTokens)
	return int64(totalStepTime)
}

// microseconds converts a latency estimate to a duration.
func microseconds(us int64) time.Duration {
	return time.Duration(us) * time.Microsecond
}
