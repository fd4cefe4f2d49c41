package transport

import (
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/bftreplica/internal/channel"
	"github.com/ruvnet/bftreplica/internal/config"
	"github.com/ruvnet/bftreplica/internal/errors"
	"github.com/ruvnet/bftreplica/internal/metrics"
	"github.com/ruvnet/bftreplica/internal/wire"
)

const (
	// serverDialRetries bounds how long a replica will keep trying to
	// reach a peer it must eventually form a permanent connection to.
	serverDialRetries = 180
	// clientDialRetries is shorter: a client with no route to a replica
	// should fail fast rather than block its caller for minutes.
	clientDialRetries = 10
	dialRetryPause    = time.Second

	handshakeTimeout = 5 * time.Second
)

// Bootstrap establishes the full mesh for cfg.Id: it dials every peer with
// a smaller id (the convention that gives each pair exactly one dialer —
// the higher id always initiates) and accepts connections from every peer
// with a larger id, including clients, whose ids are always the largest in
// the cluster. It returns once every required outbound dial has
// succeeded; inbound connections continue to be accepted in the
// background for the Node's lifetime.
func Bootstrap(cfg *config.ReplicaConfig, timeouts config.TimeoutConfig, signer wire.Signer, verifier wire.Verifier, ch *channel.Channel, logger *zap.Logger, m *metrics.Metrics) (*Node, error) {
	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	self, ok := cfg.Addrs[cfg.Id]
	if !ok {
		return nil, errors.New(errors.Communication, "no listen address configured for own node id")
	}

	ln, err := tls.Listen("tcp", self.Addr, tlsCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.Communication, "listen failed")
	}

	n := &Node{
		id:       cfg.Id,
		timeouts: timeouts,
		signer:   signer,
		verifier: verifier,
		ch:       ch,
		logger:   logger,
		metrics:  m,
		peers:    make(map[wire.NodeId]*peerConn),
	}

	go n.acceptLoop(ln, tlsCfg)

	retries := serverDialRetries
	if cfg.Id >= cfg.FirstClient {
		retries = clientDialRetries
	}

	for id, addr := range cfg.Addrs {
		if id == cfg.Id || id > cfg.Id {
			continue // wait for them to dial us
		}
		conn, err := dialWithRetry(addr, tlsCfg, retries, dialRetryPause)
		if err != nil {
			ln.Close()
			n.Close()
			return nil, errors.Wrap(err, errors.Communication, "dial peer failed")
		}
		if err := writeHandshake(conn, cfg.Id); err != nil {
			conn.Close()
			ln.Close()
			n.Close()
			return nil, err
		}
		pc := newPeerConn(id, conn)
		n.registerPeer(id, pc)
		go n.handleConnectedRx(pc)
		n.ch.Send(channel.Message{Kind: channel.KindConnectedTx, Peer: id})
	}

	return n, nil
}

func (n *Node) acceptLoop(ln net.Listener, tlsCfg *tls.Config) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed; only Bootstrap's failure path closes it, Node.Close does not
		}
		go func() {
			peerId, err := readHandshake(conn)
			if err != nil {
				if n.logger != nil {
					n.logger.Warn("rejecting inbound connection: handshake failed", zap.Error(err))
				}
				conn.Close()
				return
			}
			pc := newPeerConn(peerId, conn)
			n.registerPeer(peerId, pc)
			n.ch.Send(channel.Message{Kind: channel.KindConnectedRx, Peer: peerId})
			n.handleConnectedRx(pc)
		}()
	}
}

// writeHandshake announces the dialer's own node id to the accepting side.
func writeHandshake(conn net.Conn, self wire.NodeId) error {
	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(self))
	_, err := conn.Write(buf)
	if err != nil {
		return errors.Wrap(err, errors.Communication, "handshake write failed")
	}
	return nil
}

func readHandshake(conn net.Conn) (wire.NodeId, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return 0, errors.Wrap(err, errors.Communication, "handshake read failed")
	}
	return wire.NodeId(binary.LittleEndian.Uint32(buf)), nil
}

func dialWithRetry(addr config.PeerAddr, tlsCfg *tls.Config, retries int, pause time.Duration) (net.Conn, error) {
	perDial := tlsCfg.Clone()
	if addr.Hostname != "" {
		perDial.ServerName = addr.Hostname
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		conn, err := tls.Dial("tcp", addr.Addr, perDial)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(pause)
	}
	return nil, errors.Wrap(lastErr, errors.Communication, "exhausted dial retries")
}
