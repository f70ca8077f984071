// Package router defines the Router contract (§2, §4.10): mapping a
// (source, destination) pair to the next-hop peer for the replication
// transport. The core only specifies this interface; concrete routing
// policy (multi-hop proxying) is out of scope per spec §1.
package router

import (
	"context"

	"github.com/google/uuid"
)

// Router maps (source, dest) to the next hop that source should contact in
// order to eventually reach dest.
type Router interface {
	NextHop(ctx context.Context, source, dest uuid.UUID) (uuid.UUID, error)
}

// Direct is the trivial Router: every destination is its own next hop. It
// is the only implementation this module ships; real deployments supply
// their own multi-hop policy.
type Direct struct{}

func (Direct) NextHop(_ context.Context, _, dest uuid.UUID) (uuid.UUID, error) {
	return dest, nil
}
