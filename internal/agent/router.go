// ABOUTME: Simple round-robin router for choosing among agents that can serve a request.
// ABOUTME: Used when several agents report the same printer and the caller named none.

package agent

import (
	"errors"
	"sync/atomic"
)

// ErrNoAgentsAvailable indicates no agents are available to handle a request.
var ErrNoAgentsAvailable = errors.New("no agents available")

// Router selects agents using a round-robin strategy.
type Router struct {
	current atomic.Uint64
}

// NewRouter creates a new Router instance.
func NewRouter() *Router {
	return &Router{}
}

// SelectAgent picks an agent ID from candidates using round-robin selection.
// Returns ErrNoAgentsAvailable if no candidates are provided.
func (r *Router) SelectAgent(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoAgentsAvailable
	}

	idx := r.current.Add(1) - 1
	return candidates[idx%uint64(len(candidates))], nil
}
