package engine

import "time"

// DefaultEvalTimeout is the max time evaluators get to complete.
const DefaultEvalTimeout = 50 * time.Millisecond

// Scanning source code and diffs is linear in their size, so the timeout
// grows by sourceTimePerMiB for every MiB submitted, up to maxEvalTimeout.
const (
	sourceTimePerMiB = 500 * time.Millisecond
	maxEvalTimeout   = 3 * time.Second
)
