package browserpool

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const maxLaunchBackoff = 10 * time.Second

// launchBackoff returns the wait before retry attempt n (zero based): half of
// the exponential delay plus up to the other half as jitter.
func launchBackoff(base time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := float64(base) * math.Pow(2, float64(n))
	if delay > float64(maxLaunchBackoff) {
		delay = float64(maxLaunchBackoff)
	}
	half := time.Duration(delay / 2)
	if half <= 0 {
		return 0
	}
	return half + time.Duration(rand.Int64N(int64(half)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
