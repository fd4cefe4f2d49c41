package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ruvnet/bftreplica/internal/errors"
	"github.com/ruvnet/bftreplica/internal/wire"
)

// writeRateLimit bounds how fast one connection drains to a single peer,
// so a slow or adversarial peer can only ever stall its own stream instead
// of starving the writer goroutine's timeout budget across every peer.
const (
	writeRateLimit = rate.Limit(8 << 20) // bytes/sec
	writeBurst     = 4 << 20

	// writeQueueDepth bounds how far a peer's outbound writer can fall
	// behind before Send/Broadcast treat it as unreachable rather than
	// growing the queue without bound.
	writeQueueDepth = 256
)

// peerConn is one established, authenticated connection to a peer. Every
// write is handed to a single dedicated writer goroutine (spawned by
// Node.registerPeer) over writeCh, so a stalled or slow peer only ever
// blocks that one goroutine instead of the caller; reads happen on their
// own separate goroutine that never contends with the writer.
type peerConn struct {
	id      wire.NodeId
	conn    net.Conn
	mu      sync.Mutex
	limiter *rate.Limiter

	writeCh   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newPeerConn(id wire.NodeId, conn net.Conn) *peerConn {
	return &peerConn{
		id:      id,
		conn:    conn,
		limiter: rate.NewLimiter(writeRateLimit, writeBurst),
		writeCh: make(chan []byte, writeQueueDepth),
		closed:  make(chan struct{}),
	}
}

// enqueue hands b to this peer's writer goroutine without blocking on
// network I/O. It reports false if the writer's queue is already full,
// which only happens once the peer is far enough behind (or gone) that
// the connection is about to be torn down anyway.
func (p *peerConn) enqueue(b []byte) bool {
	select {
	case p.writeCh <- b:
		return true
	default:
		return false
	}
}

// write serializes b onto the connection, rate-limited and bounded by
// ctx's deadline. Only the writer goroutine calls this.
func (p *peerConn) write(ctx context.Context, b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.limiter.WaitN(ctx, len(b)); err != nil {
		return errors.Wrap(err, errors.Communication, "peer write rate limit wait")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = p.conn.SetWriteDeadline(deadline)
	} else {
		_ = p.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := p.conn.Write(b); err != nil {
		return errors.Wrap(err, errors.Communication, "peer write failed")
	}
	return nil
}

// close tears down the connection and signals the writer goroutine to
// stop. Safe to call more than once (e.g. a failed read and a failed
// write racing to tear the same peer down).
func (p *peerConn) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		if p.conn != nil {
			_ = p.conn.Close()
		}
	})
}
