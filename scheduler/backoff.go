package scheduler

import (
	"math"
	"time"

	"github.com/BaSui01/dagflow/run"
	"go.uber.org/zap"
)

// maxBackoffShift caps the exponent. The product is saturated separately
// at MaxDelay.
const maxBackoffShift = 30

// MaxDelay is the ceiling ComputeDelay saturates at instead of overflowing
const MaxDelay = time.Duration(math.MaxInt64)

// ComputeDelay returns the delay before retry attempt n (1-based) with base
// delay d. An unknown strategy falls back to exponential and logs a warning.
func ComputeDelay(strategy run.BackoffStrategy, d time.Duration, n int, logger *zap.Logger) time.Duration {
	if n < 1 {
		n = 1
	}

	switch strategy {
	case run.BackoffConstant:
		return d
	case run.BackoffLinear:
		return scaleDelay(d, int64(n))
	case run.BackoffExponential:
	default:
		if logger != nil {
			logger.Warn("unknown backoff strategy, using exponential",
				zap.String("strategy", string(strategy)))
		}
	}

	shift := n - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return scaleDelay(d, int64(1)<<uint(shift))
}

// scaleDelay returns d*k, saturating at MaxDelay. k is positive.
func scaleDelay(d time.Duration, k int64) time.Duration {
	if d > 0 && int64(d) > math.MaxInt64/k {
		return MaxDelay
	}
	return d * time.Duration(k)
}
