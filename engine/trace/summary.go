package trace

// TraceSummary aggregates statistics from a StepTrace.
type TraceSummary struct {
	TotalSteps      int
	TotalTokens     int
	MaxBatchTokens  int
	MeanBatchTokens float64
	PeakCacheUsage  float64
	Preemptions     int
	BlockCopies     int
	PreemptedCounts map[string]int // request ID → times preempted
}

// Summarize computes aggregate statistics from a StepTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(st *StepTrace) *TraceSummary {
	summary := &TraceSummary{
		PreemptedCounts: make(map[string]int),
	}
	if st == nil {
		return summary
	}

	summary.TotalSteps = len(st.Steps)
	for _, s := range st.Steps {
		summary.TotalTokens += s.NumTokens
		summary.BlockCopies += s.NumCopies
		if s.NumTokens > summary.MaxBatchTokens {
			summary.MaxBatchTokens = s.NumTokens
		}
		if s.CacheUsage > summary.PeakCacheUsage {
			summary.PeakCacheUsage = s.CacheUsage
		}
	}
	if summary.TotalSteps > 0 {
		summary.MeanBatchTokens = float64(summary.TotalTokens) / float64(summary.TotalSteps)
	}

	summary.Preemptions = len(st.Preemptions)
	for _, p := range st.Preemptions {
		summary.PreemptedCounts[p.RequestID]++
	}
	return summary
}
