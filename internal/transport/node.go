package transport

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ruvnet/bftreplica/internal/channel"
	"github.com/ruvnet/bftreplica/internal/config"
	"github.com/ruvnet/bftreplica/internal/errors"
	"github.com/ruvnet/bftreplica/internal/metrics"
	"github.com/ruvnet/bftreplica/internal/wire"
)

// Node is one replica or client's view of the authenticated mesh: a set of
// established peer connections plus the channel every decoded inbound
// message and connection-lifecycle event is pushed onto.
type Node struct {
	id       wire.NodeId
	timeouts config.TimeoutConfig
	signer   wire.Signer
	verifier wire.Verifier
	ch       *channel.Channel
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu    sync.RWMutex
	peers map[wire.NodeId]*peerConn

	nonce uint64
}

func (n *Node) nextNonce() uint64 { return atomic.AddUint64(&n.nonce, 1) }

func (n *Node) registerPeer(id wire.NodeId, pc *peerConn) {
	n.mu.Lock()
	n.peers[id] = pc
	count := len(n.peers)
	n.mu.Unlock()
	if n.metrics != nil {
		n.metrics.SetConnectedPeers(count)
	}
	go n.runPeerWriter(pc)
}

// runPeerWriter is pc's dedicated writer task: it drains pc's write queue
// and performs the rate-limited, deadline-bounded socket write off the
// caller's goroutine, so Send/Broadcast never block on a stalled peer. A
// write failure tears the peer down the way a read failure does in
// handleConnectedRx, posting KindDisconnectedTx instead of
// KindDisconnectedRx.
func (n *Node) runPeerWriter(pc *peerConn) {
	for {
		select {
		case b := <-pc.writeCh:
			ctx, cancel := context.WithTimeout(context.Background(), n.timeouts.PeerWriteTimeout)
			err := pc.write(ctx, b)
			cancel()
			if err != nil {
				if n.logger != nil {
					n.logger.Warn("peer write failed", zap.Uint32("peer", uint32(pc.id)), zap.Error(err))
				}
				pc.close()
				n.unregisterPeer(pc.id)
				n.ch.Send(channel.Message{Kind: channel.KindDisconnectedTx, Peer: pc.id})
				return
			}
		case <-pc.closed:
			return
		}
	}
}

func (n *Node) unregisterPeer(id wire.NodeId) {
	n.mu.Lock()
	delete(n.peers, id)
	count := len(n.peers)
	n.mu.Unlock()
	if n.metrics != nil {
		n.metrics.SetConnectedPeers(count)
	}
}

func (n *Node) peer(id wire.NodeId) (*peerConn, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	pc, ok := n.peers[id]
	return pc, ok
}

func kindLabel(k wire.SystemKind) string {
	switch k {
	case wire.SystemRequest:
		return "request"
	case wire.SystemReply:
		return "reply"
	case wire.SystemConsensus:
		return "consensus"
	case wire.SystemCst:
		return "cst"
	case wire.SystemViewChange:
		return "view_change"
	default:
		return "unknown"
	}
}

// Send delivers msg to a single node, looping it back internally if to is
// this node's own id rather than opening a connection to itself.
func (n *Node) Send(to wire.NodeId, msg *wire.SystemMessage) error {
	payload, err := msg.Marshal()
	if err != nil {
		return errors.Wrap(err, errors.CommunicationMessage, "marshal system message")
	}

	if to == n.id {
		n.loopback(payload, msg)
		return nil
	}

	pc, ok := n.peer(to)
	if !ok {
		return errors.New(errors.Communication, "send to unknown or disconnected peer")
	}

	wm := wire.NewWireMessage(n.id, to, payload, n.nextNonce(), true, n.signer)
	buf := append(wm.Header.Marshal(), wm.Payload...)

	// Hand the frame off to the peer's writer goroutine and return: the
	// caller never blocks on the socket write itself, only on this
	// bounded, non-blocking queue handoff. A stalled or dead peer surfaces
	// later as a KindDisconnectedTx once its writer goroutine gives up.
	if !pc.enqueue(buf) {
		return errors.New(errors.Communication, "peer write queue full")
	}
	if n.metrics != nil {
		n.metrics.MessageSent(kindLabel(msg.Kind))
	}
	return nil
}

// Broadcast sends msg to every target, continuing past per-target failures
// so one unreachable peer never blocks delivery to the rest. Implements
// consensus.Broadcaster.
func (n *Node) Broadcast(msg *wire.SystemMessage, targets []wire.NodeId) error {
	var firstErr error
	for _, id := range targets {
		if err := n.Send(id, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *Node) loopback(payload []byte, msg *wire.SystemMessage) {
	h := wire.Header{
		Version: wire.CurrentVersion,
		From:    n.id,
		To:      n.id,
		Nonce:   n.nextNonce(),
		Length:  uint64(len(payload)),
		Digest:  wire.HashPayload(payload),
	}
	n.ch.Send(channel.Message{Kind: channel.KindSystem, Header: h, System: msg, Peer: n.id, PeerKnown: true})
	if n.metrics != nil {
		n.metrics.MessageSent(kindLabel(msg.Kind))
		n.metrics.MessageReceived(kindLabel(msg.Kind))
	}
}

// handleConnectedRx is the permanent per-peer reader task: it decodes one
// wire frame at a time and pushes it onto the shared channel until the
// connection fails, at which point it unregisters the peer and reports
// the disconnect.
func (n *Node) handleConnectedRx(pc *peerConn) {
	defer func() {
		pc.close()
		n.unregisterPeer(pc.id)
		n.ch.Send(channel.Message{Kind: channel.KindDisconnectedRx, Peer: pc.id})
	}()

	header := make([]byte, wire.HeaderLength)
	for {
		if _, err := io.ReadFull(pc.conn, header); err != nil {
			return
		}
		h, ok := wire.UnmarshalHeader(header)
		if !ok {
			if n.logger != nil {
				n.logger.Warn("dropping connection on malformed header", zap.Uint32("peer", uint32(pc.id)))
			}
			return
		}

		payload := make([]byte, h.PayloadLength())
		if _, err := io.ReadFull(pc.conn, payload); err != nil {
			return
		}

		wm := wire.WireMessage{Header: h, Payload: payload}
		if !wm.IsValid(n.verifier) {
			if n.logger != nil {
				n.logger.Warn("dropping invalid wire message", zap.Uint32("peer", uint32(pc.id)))
			}
			continue
		}

		sm, err := wire.UnmarshalSystemMessage(payload)
		if err != nil {
			if n.logger != nil {
				n.logger.Warn("dropping unparseable system message", zap.Uint32("peer", uint32(pc.id)), zap.Error(err))
			}
			continue
		}

		if n.metrics != nil {
			n.metrics.MessageReceived(kindLabel(sm.Kind))
		}
		n.ch.Send(channel.Message{Kind: channel.KindSystem, Header: h, System: sm, Peer: pc.id, PeerKnown: true})
	}
}

// Close shuts down every peer connection.
func (n *Node) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, pc := range n.peers {
		pc.close()
	}
}
