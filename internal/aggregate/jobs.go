// Package aggregate downsamples realtime collections into retention tiers by
// numeric averaging over aligned time windows.
package aggregate

import (
	"time"

	"github.com/cccl/gp-engine/internal/store"
)

// Job is one source -> target rollup with its window and cron schedule.
type Job struct {
	Name   string
	Source string
	Target string
	Window time.Duration
	Spec   string // standard 5-field cron expression, evaluated in UTC

	SnapToHour bool // hour-aligned window end instead of minute-aligned
	YearExpiry bool // stamp expires_at at the next January 1st
}

// Jobs returns the full cascade: five tiers for the rt and environment
// families, three for eny_now. The eny_now today tier is fed at ingest time,
// so its cascade starts at the thirty-minute job.
func Jobs() []Job {
	var jobs []Job
	for _, base := range []string{store.CollGridRT, store.CollEnvironment} {
		jobs = append(jobs,
			Job{
				Name:   base + "_1m",
				Source: base,
				Target: store.TierToday + base,
				Window: time.Minute,
				Spec:   "* * * * *",
			},
			Job{
				Name:   base + "_10m",
				Source: store.TierToday + base,
				Target: store.TierLast7Days + base,
				Window: 10 * time.Minute,
				Spec:   "*/10 * * * *",
			},
			Job{
				Name:   base + "_30m",
				Source: store.TierLast7Days + base,
				Target: store.TierLast30Days + base,
				Window: 30 * time.Minute,
				Spec:   "*/30 * * * *",
			},
			Job{
				Name:       base + "_3h",
				Source:     store.TierLast30Days + base,
				Target:     store.TierLast6Mo + base,
				Window:     3 * time.Hour,
				Spec:       "0 */3 * * *",
				SnapToHour: true,
			},
			Job{
				Name:       base + "_6h",
				Source:     store.TierLast6Mo + base,
				Target:     store.TierThisYear + base,
				Window:     6 * time.Hour,
				Spec:       "0 */6 * * *",
				SnapToHour: true,
				YearExpiry: true,
			},
		)
	}

	base := store.CollGridEnyNow
	jobs = append(jobs,
		Job{
			Name:   base + "_30m",
			Source: store.TierToday + base,
			Target: store.TierLast30Days + base,
			Window: 30 * time.Minute,
			Spec:   "*/30 * * * *",
		},
		Job{
			Name:       base + "_3h",
			Source:     store.TierLast30Days + base,
			Target:     store.TierLast6Mo + base,
			Window:     3 * time.Hour,
			Spec:       "0 */3 * * *",
			SnapToHour: true,
		},
		Job{
			Name:       base + "_6h",
			Source:     store.TierLast6Mo + base,
			Target:     store.TierThisYear + base,
			Window:     6 * time.Hour,
			Spec:       "0 */6 * * *",
			SnapToHour: true,
			YearExpiry: true,
		},
	)
	return jobs
}
