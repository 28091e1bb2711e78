package networks

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lootfox/revmatch/pkg/fetcher"
	"github.com/lootfox/revmatch/pkg/schema"
)

// Async-report polling cadence: first check after 5s, growing by half each
// round, capped at 30s between checks and 300s overall.
const (
	pollInitialDelay  = 5 * time.Second
	pollBackoffFactor = 1.5
	pollMaxDelay      = 30 * time.Second
	pollDeadline      = 300 * time.Second
)

// pollReport invokes poll until it reports done, pacing checks on the
// shared cadence. Exceeding the overall deadline is a TransportError; the
// report generator is treated like any other unreachable upstream.
func pollReport(ctx context.Context, clock clockwork.Clock, network schema.Network, poll func(context.Context) (bool, error)) error {
	deadline := clock.Now().Add(pollDeadline)
	delay := pollInitialDelay

	for {
		done, err := poll(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !clock.Now().Add(delay).Before(deadline) {
			return &fetcher.TransportError{
				Network: network,
				Err:     fmt.Errorf("report not ready within %s", pollDeadline),
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(delay):
		}
		delay = time.Duration(float64(delay) * pollBackoffFactor)
		if delay > pollMaxDelay {
			delay = pollMaxDelay
		}
	}
}
