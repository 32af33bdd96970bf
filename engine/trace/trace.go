// Package trace records per-step scheduling decisions of a pipeline.
// This package has no dependencies on engine/: it stores pure data types.
package trace

// TraceLevel controls the verbosity of step tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing.
	TraceLevelNone TraceLevel = "none"
	// TraceLevelSteps captures one record per step plus every preemption.
	TraceLevelSteps TraceLevel = "steps"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:  true,
	TraceLevelSteps: true,
	"":              true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
}

// StepTrace collects step records during a pipeline run.
type StepTrace struct {
	Config      TraceConfig
	Steps       []StepRecord
	Preemptions []PreemptionRecord
}

// NewStepTrace creates a StepTrace ready for recording.
func NewStepTrace(config TraceConfig) *StepTrace {
	return &StepTrace{
		Config:      config,
		Steps:       make([]StepRecord, 0),
		Preemptions: make([]PreemptionRecord, 0),
	}
}

// Enabled reports whether records should be collected.
func (st *StepTrace) Enabled() bool {
	return st != nil && st.Config.Level == TraceLevelSteps
}

// RecordStep appends a step record.
func (st *StepTrace) RecordStep(record StepRecord) {
	st.Steps = append(st.Steps, record)
}

// RecordPreemption appends a preemption record.
func (st *StepTrace) RecordPreemption(record PreemptionRecord) {
	st.Preemptions = append(st.Preemptions, record)
}
