package retry

import (
	"math"
	"time"

	"github.com/me/fairq/pkg/model"
)

// Delay returns the wait before retry number attempts (1-based):
// min(base·2^(attempts−1), cap), spread by ±jitter·delay. r supplies a
// uniform value in [0,1).
func Delay(p model.BackoffPolicy, attempts int, r func() float64) time.Duration {
	d := time.Duration(p.BaseMs) * time.Millisecond
	limit := time.Duration(p.CapMs) * time.Millisecond

	for i := 1; i < attempts; i++ {
		if (limit > 0 && d >= limit) || d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if limit > 0 && d > limit {
		d = limit
	}
	if p.Jitter > 0 && r != nil {
		d += time.Duration(float64(d) * p.Jitter * (2*r() - 1))
	}
	return max(d, 0)
}
