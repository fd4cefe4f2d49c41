// Package channel implements the bounded, multi-producer queue that
// demultiplexes everything the server event loop reacts to: inbound
// system messages, connection lifecycle events, timeouts, and executor
// completions.
package channel

import (
	"io"

	"github.com/ruvnet/bftreplica/internal/wire"
)

// Capacity is the fixed queue depth.
const Capacity = 128

// Kind tags the variant of a Message.
type Kind int

const (
	KindSystem Kind = iota
	KindConnectedTx
	KindConnectedRx
	KindDisconnectedTx
	KindDisconnectedRx
	KindTimeout
	KindExecutionFinished
	KindExecutionFinishedWithAppstate
	KindError
)

// TimeoutKind identifies which timer fired.
type TimeoutKind int

const (
	TimeoutCst TimeoutKind = iota
	TimeoutBatch
)

// Socket is the minimal handle the channel layer needs from a peer
// connection; internal/transport supplies the TLS-backed implementation.
type Socket interface {
	io.ReadWriteCloser
}

// Message is the tagged union flowing through the channel.
type Message struct {
	Kind Kind

	// KindSystem
	Header wire.Header
	System *wire.SystemMessage

	// KindConnectedTx / KindConnectedRx / KindDisconnectedTx
	Peer   wire.NodeId
	Socket Socket

	// KindDisconnectedRx: Peer is absent (unknown sender) when PeerKnown is false.
	PeerKnown bool

	// KindTimeout
	TimeoutKind TimeoutKind
	TimeoutSeq  wire.SeqNo

	// KindExecutionFinished / KindExecutionFinishedWithAppstate
	Replies  []wire.ReplyMessage
	Appstate []byte

	// KindError
	Err error
}

// Channel is the bounded inbound queue. It is the single consumer point
// for the server event loop; any number of goroutines may produce into it.
type Channel struct {
	ch chan Message
}

// New creates a Channel with the fixed Capacity.
func New() *Channel {
	return &Channel{ch: make(chan Message, Capacity)}
}

// Send blocks until the message is queued or ctx-like cancellation isn't
// needed: producers in this engine are fire-and-forget goroutines that are
// fine blocking briefly on a full queue (only per-peer
// writes need a bound, not this internal handoff).
func (c *Channel) Send(m Message) {
	c.ch <- m
}

// TrySend attempts a non-blocking enqueue, returning false if the queue is full.
func (c *Channel) TrySend(m Message) bool {
	select {
	case c.ch <- m:
		return true
	default:
		return false
	}
}

// Recv returns the receive-only side for the consumer loop.
func (c *Channel) Recv() <-chan Message {
	return c.ch
}
