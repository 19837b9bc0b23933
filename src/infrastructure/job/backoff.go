package job

import (
	"math"
	"time"
)

// BackoffStrategy selects how the retry delay grows
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffExponential BackoffStrategy = "exponential"
)

// maxBackoff caps exponential growth so large attempt counts cannot overflow.
const maxBackoff = 24 * time.Hour

// BackoffPolicy computes the delay before retrying a failed job
type BackoffPolicy struct {
	Strategy  BackoffStrategy `json:"strategy"`
	BaseDelay time.Duration   `json:"base_delay"`
}

var DefaultBackoff = BackoffPolicy{Strategy: BackoffExponential, BaseDelay: 5 * time.Second}

// Delay returns the wait after a failure when attemptsMade attempts had
// already been recorded: BaseDelay for fixed, BaseDelay*2^attemptsMade for
// exponential.
func (p BackoffPolicy) Delay(attemptsMade int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if p.Strategy != BackoffExponential {
		return p.BaseDelay
	}
	if attemptsMade < 0 {
		attemptsMade = 0
	}

	d := float64(p.BaseDelay) * math.Pow(2, float64(attemptsMade))
	if d > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(d)
}
