package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/bftreplica/internal/channel"
	"github.com/ruvnet/bftreplica/internal/config"
	"github.com/ruvnet/bftreplica/internal/wire"
)

type fakeSigner struct{}

func (fakeSigner) Sign(data []byte) wire.Signature { return wire.Signature{} }

func newTestNode(id wire.NodeId) *Node {
	return &Node{
		id:     id,
		signer: fakeSigner{},
		ch:     channel.New(),
		peers:  make(map[wire.NodeId]*peerConn),
	}
}

func TestNodeSendToSelfLoopsBack(t *testing.T) {
	n := newTestNode(1)
	msg := &wire.SystemMessage{Kind: wire.SystemRequest}

	require.NoError(t, n.Send(1, msg))

	got := <-n.ch.Recv()
	assert.Equal(t, channel.KindSystem, got.Kind)
	assert.Equal(t, wire.NodeId(1), got.Peer)
	assert.True(t, got.PeerKnown)
	assert.Equal(t, msg.Kind, got.System.Kind)
}

func TestNodeSendToUnknownPeerFails(t *testing.T) {
	n := newTestNode(1)
	err := n.Send(2, &wire.SystemMessage{Kind: wire.SystemRequest})
	assert.Error(t, err)
}

func TestNodeBroadcastContinuesPastFailures(t *testing.T) {
	n := newTestNode(1)
	msg := &wire.SystemMessage{Kind: wire.SystemRequest}

	// 1 is self (loops back, succeeds), 2 and 3 have no registered peer
	// connection, so Broadcast must report the first failure but still
	// attempt every target rather than stopping at the first error.
	err := n.Broadcast(msg, []wire.NodeId{2, 1, 3})
	assert.Error(t, err)

	got := <-n.ch.Recv()
	assert.Equal(t, wire.NodeId(1), got.Peer)
}

func TestNodeSendEnqueuesWithoutBlockingOnWrite(t *testing.T) {
	n := newTestNode(1)
	n.timeouts = config.TimeoutConfig{PeerWriteTimeout: time.Second}
	client, server := net.Pipe()
	defer server.Close()
	pc := newPeerConn(2, client)
	t.Cleanup(pc.close)
	n.registerPeer(2, pc)

	done := make(chan error, 1)
	go func() { done <- n.Send(2, &wire.SystemMessage{Kind: wire.SystemRequest}) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Send blocked instead of handing off to the peer writer")
	}

	buf := make([]byte, wire.HeaderLength)
	_, err := server.Read(buf)
	assert.NoError(t, err)
}

func TestNodeWriteFailurePostsDisconnectedTx(t *testing.T) {
	n := newTestNode(1)
	n.timeouts = config.TimeoutConfig{PeerWriteTimeout: time.Second}
	client, server := net.Pipe()
	server.Close() // force the writer goroutine's next write to fail
	pc := newPeerConn(2, client)
	n.registerPeer(2, pc)

	require.NoError(t, n.Send(2, &wire.SystemMessage{Kind: wire.SystemRequest}))

	select {
	case got := <-n.ch.Recv():
		assert.Equal(t, channel.KindDisconnectedTx, got.Kind)
		assert.Equal(t, wire.NodeId(2), got.Peer)
	case <-time.After(time.Second):
		t.Fatal("expected a KindDisconnectedTx after the peer write failed")
	}

	_, ok := n.peer(2)
	assert.False(t, ok, "failed peer must be unregistered")
}

func TestNodeRegisterAndUnregisterPeerUpdatesMap(t *testing.T) {
	n := newTestNode(1)
	pc := newPeerConn(2, nil)
	t.Cleanup(pc.close) // stop the writer goroutine registerPeer spawns

	n.registerPeer(2, pc)
	got, ok := n.peer(2)
	require.True(t, ok)
	assert.Same(t, pc, got)

	n.unregisterPeer(2)
	_, ok = n.peer(2)
	assert.False(t, ok)
}
