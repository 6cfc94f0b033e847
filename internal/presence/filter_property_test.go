package presence

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/shared-canvas/backend/internal/model"
)

const (
	heartbeat = 5 * time.Second
	threshold = 6 * heartbeat
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// A tab whose heartbeats are spaced less than the threshold apart is active
// at every instant between them.
func TestActiveBetweenHeartbeatsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("active at every point between close heartbeats", prop.ForAll(
		func(gapsMs []int64, probe int64) bool {
			beat := epoch
			for _, gap := range gapsMs {
				next := beat.Add(time.Duration(gap) * time.Millisecond)
				at := beat.Add(time.Duration(probe%(gap+1)) * time.Millisecond)
				tab := model.TabSession{UserID: "u", TabID: "t", LastHeartbeat: beat}
				if at.Before(next) && !IsActive(tab, at, threshold) {
					return false
				}
				beat = next
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(1, threshold.Milliseconds()-1)),
		gen.Int64Range(0, threshold.Milliseconds()),
	))

	properties.TestingRun(t)
}

// A tab whose last heartbeat is older than the threshold is filtered out no
// matter how many stale tabs share the snapshot.
func TestStaleTabsExcludedProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("stale tabs never survive filtering", prop.ForAll(
		func(ages []int64) bool {
			now := epoch.Add(time.Hour)
			snapshot := make(model.PresenceSnapshot)
			for i, ageMs := range ages {
				snapshot.Add(model.TabSession{
					UserID:        "user" + string(rune('a'+i%5)),
					TabID:         "tab" + string(rune('a'+i%26)) + string(rune('a'+i/26)),
					LastHeartbeat: now.Add(-time.Duration(ageMs) * time.Millisecond),
				})
			}

			active := FilterActive(snapshot, now, threshold)
			for _, tab := range snapshot.Tabs() {
				_, kept := active[tab.UserID][tab.TabID]
				if kept != (now.Sub(tab.LastHeartbeat) < threshold) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 2*threshold.Milliseconds())),
	))

	properties.TestingRun(t)
}
