// Package server wires transport, consensus, the request/decision log,
// CST, and the executor together into the replica event loop.
package server

import (
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/bftreplica/internal/channel"
	"github.com/ruvnet/bftreplica/internal/config"
	"github.com/ruvnet/bftreplica/internal/consensus"
	"github.com/ruvnet/bftreplica/internal/cst"
	"github.com/ruvnet/bftreplica/internal/executor"
	"github.com/ruvnet/bftreplica/internal/metrics"
	"github.com/ruvnet/bftreplica/internal/rlog"
	"github.com/ruvnet/bftreplica/internal/transport"
	"github.com/ruvnet/bftreplica/internal/view"
	"github.com/ruvnet/bftreplica/internal/wire"
)

// Executor is the subset of executor.Executor[State,Request,Reply] the
// server loop needs, kept as an interface over the non-generic
// executor.ExecutionRequest so Server itself stays free of the
// application's State/Request/Reply type parameters.
type Executor interface {
	Submit(req executor.ExecutionRequest)
}

// Server is one replica's running node: the event loop plus every
// component it drives.
type Server struct {
	nodeId wire.NodeId

	node     *transport.Node
	engine   *consensus.Engine
	log      *rlog.Log
	cst      *cst.Protocol
	view     *view.Info
	executor Executor

	timeouts config.TimeoutConfig

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Config bundles Server construction parameters. Callers build every
// collaborator (transport.Bootstrap, consensus.New, rlog.New, cst.New)
// themselves so each can be unit tested or swapped independently.
type Config struct {
	NodeId   wire.NodeId
	Node     *transport.Node
	Engine   *consensus.Engine
	Log      *rlog.Log
	Cst      *cst.Protocol
	View     *view.Info
	Executor Executor
	Timeouts config.TimeoutConfig
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// New creates a Server from already-constructed collaborators.
func New(cfg Config) *Server {
	return &Server{
		nodeId:   cfg.NodeId,
		node:     cfg.Node,
		engine:   cfg.Engine,
		log:      cfg.Log,
		cst:      cfg.Cst,
		view:     cfg.View,
		executor: cfg.Executor,
		timeouts: cfg.Timeouts,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Run drives the event loop until recvCh is closed. It never returns
// under normal operation; callers run it in its own goroutine or as the
// process's main body.
func (s *Server) Run(recvCh <-chan channel.Message) {
	batchTimer := time.NewTimer(s.timeouts.BatchTimeout)
	defer batchTimer.Stop()

	cstTimer := time.NewTimer(s.cst.CurrentTimeout())
	defer cstTimer.Stop()

	for {
		status := s.engine.Poll(s.log)
		switch status.Kind {
		case consensus.PollNextMessage:
			s.handleConsensusResult(s.engine.ProcessMessage(status.Header, status.Message, s.log))
			continue
		case consensus.PollTryProposeAndRecv:
			s.engine.Propose(s.log)
		case consensus.PollRecv:
		}

		select {
		case msg, ok := <-recvCh:
			if !ok {
				return
			}
			s.handleChannelMessage(msg)
		case <-batchTimer.C:
			batchTimer.Reset(s.timeouts.BatchTimeout)
		case <-cstTimer.C:
			s.cst.HandleTimeout(s.log.CurrSeq())
			cstTimer.Reset(s.cst.CurrentTimeout())
		}
	}
}

func (s *Server) handleChannelMessage(msg channel.Message) {
	switch msg.Kind {
	case channel.KindSystem:
		s.handleSystemMessage(msg)
	case channel.KindExecutionFinished:
		s.deliverReplies(msg.Replies)
	case channel.KindExecutionFinishedWithAppstate:
		s.deliverReplies(msg.Replies)
		if err := s.log.FinalizeCheckpoint(msg.Appstate); err != nil {
			if s.logger != nil {
				s.logger.Error("finalize checkpoint failed", zap.Error(err))
			}
			return
		}
		if s.metrics != nil {
			s.metrics.CheckpointFinalized()
		}
	case channel.KindConnectedRx, channel.KindConnectedTx:
		if s.logger != nil {
			s.logger.Info("peer connected", zap.Uint32("peer", uint32(msg.Peer)))
		}
	case channel.KindDisconnectedRx, channel.KindDisconnectedTx:
		if s.logger != nil {
			s.logger.Warn("peer disconnected", zap.Uint32("peer", uint32(msg.Peer)))
		}
	case channel.KindError:
		if s.logger != nil {
			s.logger.Error("channel reported error", zap.Error(msg.Err))
		}
	}
}

func (s *Server) handleSystemMessage(msg channel.Message) {
	if msg.System == nil {
		return
	}
	switch msg.System.Kind {
	case wire.SystemRequest:
		s.log.Insert(msg.Header, msg.System)
	case wire.SystemConsensus:
		if msg.System.Consensus != nil {
			s.handleConsensusResult(s.engine.ProcessMessage(msg.Header, *msg.System.Consensus, s.log))
		}
	case wire.SystemCst:
		if msg.System.Cst != nil {
			s.handleCstResult(s.cst.HandleMessage(msg.Peer, msg.System.Cst, s.log))
		}
	case wire.SystemReply, wire.SystemViewChange:
		// A replica never acts on replies (client-only) or view changes
		// (non-goal beyond the read-only ViewInfo this build carries).
	}
}

func (s *Server) handleConsensusResult(result consensus.ProcessStatus) {
	if result.Kind != consensus.StatusDecided {
		return
	}
	info, batch := s.log.FinalizeBatch(result.Digests)
	if info == rlog.InfoBeginCheckpoint {
		s.executor.Submit(executor.ExecutionRequest{Kind: executor.UpdateAndGetAppstate, Batch: batch})
	} else {
		s.executor.Submit(executor.ExecutionRequest{Kind: executor.Update, Batch: batch})
	}
}

func (s *Server) handleCstResult(result cst.Result) {
	if result.Outcome != cst.OutcomeInstalled {
		return
	}
	s.log.InstallState(result.Seq, result.Recovery)
	s.engine.InstallSequenceNumber(result.Seq)
	s.executor.Submit(executor.ExecutionRequest{
		Kind:       executor.InstallState,
		AppState:   result.Recovery.Checkpoint.AppState,
		DecidedOps: result.Recovery.DecidedOps,
	})
}

func (s *Server) deliverReplies(replies []wire.ReplyMessage) {
	for _, reply := range replies {
		msg := &wire.SystemMessage{Kind: wire.SystemReply, Reply: &wire.ReplyMessage{
			ClientId: reply.ClientId,
			View:     s.view.CurrentView(),
			Payload:  reply.Payload,
		}}
		if err := s.node.Send(reply.ClientId, msg); err != nil && s.logger != nil {
			s.logger.Warn("reply delivery failed", zap.Uint32("client", uint32(reply.ClientId)), zap.Error(err))
		}
	}
}

// StartRecovery kicks off a CST round, e.g. right after bootstrap for a
// replica rejoining an already-running cluster.
func (s *Server) StartRecovery() {
	s.cst.Start(s.log.CurrSeq())
}
