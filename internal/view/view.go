// Package view implements the read-only view accessor that consensus and
// CST consult for the current view number and its leader. A full
// view-change driver (the original's Synchronizer) is out of scope; this
// is the fixed, no-view-change stand-in.
package view

import "github.com/ruvnet/bftreplica/internal/wire"

// Info reports the current view and its leader. Without a view-change
// protocol the view never advances past what it was constructed with.
type Info struct {
	view  wire.SeqNo
	nodes int
}

// New builds a fixed ViewInfo for a cluster of n replicas, starting at view 0.
func New(n int) *Info {
	return &Info{view: 0, nodes: n}
}

// CurrentView returns the active view number.
func (i *Info) CurrentView() wire.SeqNo {
	return i.view
}

// Leader returns the primary for the current view: view mod n, the
// standard PBFT rotation rule.
func (i *Info) Leader() wire.NodeId {
	if i.nodes == 0 {
		return 0
	}
	return wire.NodeId(int(i.view) % i.nodes)
}

// IsLeader reports whether id is the primary for the current view.
func (i *Info) IsLeader(id wire.NodeId) bool {
	return i.Leader() == id
}
