package session

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/shared-canvas/backend/internal/clock"
)

func TestThrottle_FlushesLatestValueOnce(t *testing.T) {
	clk := clock.NewFake(epoch)
	var flushed []int
	th := NewThrottle(clk, 50*time.Millisecond, func(v int) { flushed = append(flushed, v) })

	th.Update(1)
	clk.Advance(20 * time.Millisecond)
	th.Update(2)
	th.Update(3)
	clk.Advance(30 * time.Millisecond)
	require.Equal(t, []int{3}, flushed)

	clk.Advance(time.Second)
	require.Equal(t, []int{3}, flushed, "idle throttle stays quiet")

	th.Update(4)
	th.Stop()
	clk.Advance(time.Second)
	th.Update(5)
	clk.Advance(time.Second)
	require.Equal(t, []int{3}, flushed)
}

// Whatever the update pattern, flushes are at least one interval apart and
// the final flush carries the final value.
func TestThrottle_Properties(t *testing.T) {
	const interval = 50 * time.Millisecond

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("spacing and trailing value", prop.ForAll(
		func(gaps []int) bool {
			clk := clock.NewFake(epoch)
			var at []time.Time
			var last, latest int
			th := NewThrottle(clk, interval, func(v int) {
				at = append(at, clk.Now())
				last = v
			})

			for i, gap := range gaps {
				clk.Advance(time.Duration(gap) * time.Millisecond)
				latest = i + 1
				th.Update(latest)
			}
			clk.Advance(interval)

			for i := 1; i < len(at); i++ {
				if at[i].Sub(at[i-1]) < interval {
					return false
				}
			}
			return len(gaps) == 0 || last == latest
		},
		gen.SliceOf(gen.IntRange(0, 120)),
	))

	properties.TestingRun(t)
}
