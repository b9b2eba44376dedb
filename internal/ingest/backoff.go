package ingest

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// backoffSchedule is the reconnect delay ladder from spec §4.1: 1s, 2, 4,
// 8, 16, capped at 30s.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
}

// backoffPacer paces reconnect attempts along backoffSchedule. It is built
// on golang.org/x/time/rate's token bucket rather than a hand-rolled sleep
// loop: each step constructs a fresh single-token limiter whose refill
// period is that step's delay, drains the initial burst token immediately
// so Wait always blocks for the full step, and then waits for the next
// token (or ctx cancellation) exactly the way a rate-limited retry loop
// elsewhere in the ecosystem would gate its attempts.
type backoffPacer struct {
	step int
}

func newBackoffPacer() *backoffPacer {
	return &backoffPacer{}
}

// wait blocks for the current step's delay (or until ctx is done,
// whichever comes first) and advances to the next step, capped at the
// schedule's last entry.
func (p *backoffPacer) wait(ctx context.Context) error {
	d := backoffSchedule[p.step]
	if p.step < len(backoffSchedule)-1 {
		p.step++
	}

	lim := rate.NewLimiter(rate.Every(d), 1)
	lim.Allow() // consume the initial burst so Wait blocks for a full step
	return lim.Wait(ctx)
}

// reset returns the pacer to the shortest delay, called once a stream has
// stayed Running for runningResetAfter (spec: "reset after 60 s of
// Running").
func (p *backoffPacer) reset() {
	p.step = 0
}
