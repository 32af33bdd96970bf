package trace

// StepRecord captures the outcome of one scheduling step.
type StepRecord struct {
	Step         int
	NumTokens    int
	NumSequences int
	NumCopies    int
	Admitted     []string
	Finished     []string
	Aborted      []string
	FreeBlocks   int
	CacheUsage   float64 // fraction of blocks in use after the step
}

// PreemptionRecord captures one eviction.
type PreemptionRecord struct {
	Step            int
	RequestID       string
	Requester       string // request that needed the blocks
	ReclaimedBlocks int
}
