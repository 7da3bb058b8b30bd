// instance ties the mesh core subsystems together into the single
// diag.Snapshotter the read-only HTTP API polls.
package main

import (
	"github.com/openthread-go/meshcore/internal/addrresolve"
	"github.com/openthread-go/meshcore/internal/diag"
	"github.com/openthread-go/meshcore/internal/mle"
	"github.com/openthread-go/meshcore/internal/neighbor"
	"github.com/openthread-go/meshcore/internal/netdata"
)

type instance struct {
	mle       *mle.Engine
	neighbors *neighbor.Table
	netdata   *netdata.Leader
	addrCache *addrresolve.Cache
}

func (i *instance) Role() string { return i.mle.Role().String() }

func (i *instance) Rloc16() uint16 { return uint16(i.mle.Rloc16()) }

func (i *instance) Neighbors() []diag.NeighborSnapshot {
	var out []diag.NeighborSnapshot
	if parent, ok := i.neighbors.Parent(); ok {
		out = append(out, diag.NeighborSnapshot{
			ExtAddress:   parent.ExtAddress.String(),
			ShortAddress: uint16(parent.ShortAddress),
			State:        parent.State.String(),
			Kind:         "parent",
		})
	}
	i.neighbors.IterateChildren(nil, func(_ neighbor.Handle, c *neighbor.Child) bool {
		out = append(out, diag.NeighborSnapshot{
			ExtAddress:   c.ExtAddress.String(),
			ShortAddress: uint16(c.ShortAddress),
			State:        c.State.String(),
			Kind:         "child",
		})
		return true
	})
	i.neighbors.IterateRouters(nil, func(_ neighbor.Handle, r *neighbor.Router) bool {
		out = append(out, diag.NeighborSnapshot{
			ExtAddress:   r.ExtAddress.String(),
			ShortAddress: uint16(r.ShortAddress),
			State:        r.State.String(),
			Kind:         "router",
		})
		return true
	})
	return out
}

func (i *instance) NetworkDataVersion() (dataVersion, stableVersion uint8) {
	return i.netdata.DataVersion, i.netdata.StableVersion
}

func (i *instance) AddressCacheLen() int { return i.addrCache.Len() }

var _ diag.Snapshotter = (*instance)(nil)
