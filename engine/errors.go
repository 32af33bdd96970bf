package engine

import "errors"

var (
	// ErrOutOfBlocks is returned by BlockPool allocation when the pool cannot
	// satisfy a request. The scheduler recovers from it by preemption.
	ErrOutOfBlocks = errors.New("out of KV cache blocks")

	// ErrSchedulerDeadlock marks a request that can never be scheduled, even
	// with every other request out of the way.
	ErrSchedulerDeadlock = errors.New("scheduler deadlock")

	// ErrInvalidGenerationConfig rejects a request at admission.
	ErrInvalidGenerationConfig = errors.New("invalid generation config")

	// ErrInvalidSchedulerConfig rejects a pipeline at construction.
	ErrInvalidSchedulerConfig = errors.New("invalid scheduler config")

	// ErrModelExecutionFailure wraps failures reported by the ModelExecutor.
	ErrModelExecutionFailure = errors.New("model execution failure")

	// ErrBlockPoolCorrupted is fatal: the pipeline instance cannot continue.
	ErrBlockPoolCorrupted = errors.New("block pool corrupted")

	// ErrInvalidTransition reports an illegal sequence state change.
	ErrInvalidTransition = errors.New("invalid sequence state transition")

	// ErrAborted is the terminal error of a request cancelled by its client.
	ErrAborted = errors.New("request aborted")
)
