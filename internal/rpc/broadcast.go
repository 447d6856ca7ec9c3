// ABOUTME: Fans one command out to every connected agent and collects per-agent results.
// ABOUTME: Writes are bounded in concurrency; waits run in parallel, each under its own timeout.

package rpc

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/lasko-hub/internal/protocol"
)

// Result is one agent's answer to a broadcast.
type Result struct {
	AgentID string
	Payload protocol.Payload
	Err     error
}

// Broadcast calls command on every agent connected when it starts. Results are
// in agent ID order and include failures; it never returns early.
func (t *Table) Broadcast(ctx context.Context, command string, payload protocol.Payload, timeout time.Duration) []Result {
	ids := t.agents.Snapshot()
	results := make([]Result, len(ids))
	if len(ids) == 0 {
		return results
	}

	// The limit covers writing the request only; a slot is never held while
	// waiting for an answer.
	calls := make([]*inflight, len(ids))
	var sends errgroup.Group
	sends.SetLimit(t.concurrency)
	for i, id := range ids {
		results[i].AgentID = id
		sends.Go(func() error {
			f, err := t.send(ctx, id, command, payload, timeout)
			if err != nil {
				results[i].Err = err
				return nil
			}
			calls[i] = f
			return nil
		})
	}
	_ = sends.Wait()

	var waits errgroup.Group
	for i, f := range calls {
		if f == nil {
			continue
		}
		waits.Go(func() error {
			results[i].Payload, results[i].Err = t.await(f)
			return nil
		})
	}
	_ = waits.Wait()

	t.logger.Debug("broadcast finished", "command", command, "agents", len(ids))
	return results
}
