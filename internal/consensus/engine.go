package consensus

import (
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/bftreplica/internal/metrics"
	"github.com/ruvnet/bftreplica/internal/rlog"
	"github.com/ruvnet/bftreplica/internal/view"
	"github.com/ruvnet/bftreplica/internal/wire"
)

// Phase is the per-instance three-phase state machine.
type Phase int

const (
	PhaseInit Phase = iota
	PhasePrePreparing
	PhasePreparingRequests
	PhasePreparing
	PhaseCommitting
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhasePrePreparing:
		return "pre-preparing"
	case PhasePreparingRequests:
		return "preparing-requests"
	case PhasePreparing:
		return "preparing"
	case PhaseCommitting:
		return "committing"
	default:
		return "unknown"
	}
}

// PollKind is what the event loop should do next after a call to Poll.
type PollKind int

const (
	// PollRecv means: block on the network/timeout channel for the next
	// message, there is nothing buffered to act on right now.
	PollRecv PollKind = iota
	// PollTryProposeAndRecv means: the engine is idle (Init) with no
	// buffered PrePrepare; the caller should attempt Propose() if it is
	// the leader, then fall back to Recv.
	PollTryProposeAndRecv
	// PollNextMessage carries a buffered message the caller should feed
	// straight into ProcessMessage.
	PollNextMessage
)

// PollStatus is Poll's result.
type PollStatus struct {
	Kind    PollKind
	Header  wire.Header
	Message wire.ConsensusMessage
}

// ProcessKind is ProcessMessage's result discriminant.
type ProcessKind int

const (
	StatusDeciding ProcessKind = iota
	// StatusVotedTwice would flag a replica casting two votes for the same
	// instance/phase. Detection is not implemented and this status is never
	// returned: doing so needs a per-instance voter set keyed on
	// (seq, phase, node). Quorum counting below counts every accepted
	// Prepare/Commit message, so repeated votes from the same replica are
	// counted again.
	StatusVotedTwice
	StatusDecided
)

// ProcessStatus is ProcessMessage's result.
type ProcessStatus struct {
	Kind    ProcessKind
	Voter   wire.NodeId  // valid for StatusVotedTwice
	Digests []wire.Digest // valid for StatusDecided: the batch that was just decided
}

// Broadcaster sends a system message to a set of replicas, including
// looping it back to the sender when targets contains its own id. Satisfied
// by *transport.Node; kept as an interface here so consensus never imports
// transport.
type Broadcaster interface {
	Broadcast(msg *wire.SystemMessage, targets []wire.NodeId) error
}

// Engine drives one replica's consensus instance through PrePrepare,
// Prepare, and Commit, buffering out-of-order messages in a TboQueue.
type Engine struct {
	nodeId    wire.NodeId
	quorum    int
	batchSize int
	replicas  []wire.NodeId

	tbo   *TboQueue
	phase Phase

	voteCount       int
	current         []wire.Digest
	missingRequests map[wire.Digest]bool
	startedAt       time.Time

	view        *view.Info
	broadcaster Broadcaster
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// Config bundles Engine construction parameters.
type Config struct {
	NodeId      wire.NodeId
	Quorum      int
	BatchSize   int
	Replicas    []wire.NodeId
	View        *view.Info
	Broadcaster Broadcaster
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// New creates an Engine in phase Init at sequence number 0.
func New(cfg Config) *Engine {
	return &Engine{
		nodeId:      cfg.NodeId,
		quorum:      cfg.Quorum,
		batchSize:   cfg.BatchSize,
		replicas:    cfg.Replicas,
		tbo:         NewTboQueue(),
		view:        cfg.View,
		broadcaster: cfg.Broadcaster,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// SequenceNumber returns the instance the engine is currently deciding.
func (e *Engine) SequenceNumber() wire.SeqNo { return e.tbo.CurrSeq() }

// Phase returns the engine's current phase, mostly for tests and logging.
func (e *Engine) Phase() Phase { return e.phase }

func (e *Engine) queueForPhase(p Phase) *phaseQueue {
	switch p {
	case PhasePrePreparing:
		return &e.tbo.prePrepare
	case PhasePreparing:
		return &e.tbo.prepare
	default:
		return &e.tbo.commit
	}
}

// Poll inspects buffered messages for the current phase and reports what
// the event loop should do next. It never blocks.
func (e *Engine) Poll(log *rlog.Log) PollStatus {
	switch e.phase {
	case PhaseInit:
		if msgs := e.tbo.prePrepare.peekFront(); len(msgs) > 0 {
			m, _ := e.tbo.prePrepare.popOneAt0()
			return PollStatus{Kind: PollNextMessage, Header: m.Header, Message: m.Message}
		}
		return PollStatus{Kind: PollTryProposeAndRecv}

	case PhasePreparingRequests:
		for d := range e.missingRequests {
			if log.HasRequest(d) {
				delete(e.missingRequests, d)
			}
		}
		if len(e.missingRequests) == 0 {
			e.phase = PhasePreparing
			e.voteCount = 0
			if m, ok := e.tbo.prepare.popOneAt0(); ok {
				return PollStatus{Kind: PollNextMessage, Header: m.Header, Message: m.Message}
			}
		}
		return PollStatus{Kind: PollRecv}

	default: // PrePreparing, Preparing, Committing
		if m, ok := e.queueForPhase(e.phase).popOneAt0(); ok {
			return PollStatus{Kind: PollNextMessage, Header: m.Header, Message: m.Message}
		}
		return PollStatus{Kind: PollRecv}
	}
}

// Propose builds a PrePrepare from the next ready batch and broadcasts it
// (including to the proposer itself, so it reaches ProcessMessage through
// the ordinary receive path like everyone else's copy). Only the current
// leader, and only from Init, may propose.
func (e *Engine) Propose(log *rlog.Log) bool {
	if e.phase != PhaseInit || !e.view.IsLeader(e.nodeId) {
		return false
	}
	digests, ready := log.NextBatch()
	if !ready {
		return false
	}
	cm := wire.ConsensusMessage{
		Seq:     e.tbo.CurrSeq(),
		View:    e.view.CurrentView(),
		Kind:    wire.PrePrepareKind,
		Digests: digests,
	}
	sysMsg := &wire.SystemMessage{Kind: wire.SystemConsensus, Consensus: &cm}
	if err := e.broadcaster.Broadcast(sysMsg, e.replicas); err != nil && e.logger != nil {
		e.logger.Warn("broadcast pre-prepare failed", zap.Error(err), zap.Int32("seq", int32(cm.Seq)))
	}
	return true
}

// ProcessMessage advances the phase state machine with an accepted
// consensus message. Messages for a different instance than the one
// currently being decided are buffered in the TBO queue instead.
func (e *Engine) ProcessMessage(h wire.Header, m wire.ConsensusMessage, log *rlog.Log) ProcessStatus {
	if m.Seq != e.tbo.CurrSeq() {
		e.tbo.Queue(h, m)
		return ProcessStatus{Kind: StatusDeciding}
	}

	switch e.phase {
	case PhaseInit, PhasePrePreparing:
		return e.processPrePrepare(h, m, log)
	case PhasePreparingRequests:
		// Can't act on Prepare/Commit until the missing requests show up;
		// park it for Poll to redeliver once the phase moves on.
		e.tbo.Queue(h, m)
		return ProcessStatus{Kind: StatusDeciding}
	case PhasePreparing:
		return e.processPrepare(h, m, log)
	case PhaseCommitting:
		return e.processCommit(h, m, log)
	default:
		return ProcessStatus{Kind: StatusDeciding}
	}
}

func (e *Engine) processPrePrepare(h wire.Header, m wire.ConsensusMessage, log *rlog.Log) ProcessStatus {
	if m.Kind != wire.PrePrepareKind {
		e.tbo.Queue(h, m)
		return ProcessStatus{Kind: StatusDeciding}
	}

	e.phase = PhasePrePreparing
	e.current = append([]wire.Digest(nil), m.Digests...)
	e.batchSize = len(m.Digests)
	e.startedAt = time.Now()

	log.Insert(h, &wire.SystemMessage{Kind: wire.SystemConsensus, Consensus: &m})

	if !e.view.IsLeader(e.nodeId) {
		prepare := wire.ConsensusMessage{Seq: m.Seq, View: m.View, Kind: wire.PrepareKind, Digest: h.Digest}
		sysMsg := &wire.SystemMessage{Kind: wire.SystemConsensus, Consensus: &prepare}
		if err := e.broadcaster.Broadcast(sysMsg, e.replicas); err != nil && e.logger != nil {
			e.logger.Warn("broadcast prepare failed", zap.Error(err))
		}
	}

	missing := make(map[wire.Digest]bool)
	for _, d := range m.Digests {
		if !log.HasRequest(d) {
			missing[d] = true
		}
	}
	if len(missing) == 0 {
		e.phase = PhasePreparing
		e.voteCount = 0
	} else {
		e.missingRequests = missing
		e.phase = PhasePreparingRequests
	}
	return ProcessStatus{Kind: StatusDeciding}
}

func (e *Engine) processPrepare(h wire.Header, m wire.ConsensusMessage, log *rlog.Log) ProcessStatus {
	if m.Kind != wire.PrepareKind {
		e.tbo.Queue(h, m)
		return ProcessStatus{Kind: StatusDeciding}
	}

	log.Insert(h, &wire.SystemMessage{Kind: wire.SystemConsensus, Consensus: &m})
	e.voteCount++
	if e.metrics != nil {
		e.metrics.ObservePrepareVotes(e.voteCount)
	}
	if e.voteCount >= e.quorum {
		commit := wire.ConsensusMessage{Seq: m.Seq, View: m.View, Kind: wire.CommitKind, Digest: m.Digest}
		sysMsg := &wire.SystemMessage{Kind: wire.SystemConsensus, Consensus: &commit}
		if err := e.broadcaster.Broadcast(sysMsg, e.replicas); err != nil && e.logger != nil {
			e.logger.Warn("broadcast commit failed", zap.Error(err))
		}
		e.phase = PhaseCommitting
		e.voteCount = 0
	}
	return ProcessStatus{Kind: StatusDeciding}
}

func (e *Engine) processCommit(h wire.Header, m wire.ConsensusMessage, log *rlog.Log) ProcessStatus {
	if m.Kind != wire.CommitKind {
		e.tbo.Queue(h, m)
		return ProcessStatus{Kind: StatusDeciding}
	}

	log.Insert(h, &wire.SystemMessage{Kind: wire.SystemConsensus, Consensus: &m})
	e.voteCount++
	if e.metrics != nil {
		e.metrics.ObserveCommitVotes(e.voteCount)
	}
	if e.voteCount >= e.quorum {
		digests := append([]wire.Digest(nil), e.current[:e.batchSize]...)
		if e.metrics != nil && !e.startedAt.IsZero() {
			e.metrics.ObserveConsensusLatency(time.Since(e.startedAt))
		}
		e.phase = PhaseInit
		e.voteCount = 0
		e.current = nil
		e.missingRequests = nil
		e.startedAt = time.Time{}
		e.tbo.NextInstanceQueue()
		return ProcessStatus{Kind: StatusDecided, Digests: digests}
	}
	return ProcessStatus{Kind: StatusDeciding}
}

// InstallSequenceNumber resets the engine to Init at seq, discarding any
// in-progress instance — used after CST installs recovered state.
func (e *Engine) InstallSequenceNumber(seq wire.SeqNo) {
	e.tbo.InstallSequenceNumber(seq)
	e.phase = PhaseInit
	e.voteCount = 0
	e.current = nil
	e.missingRequests = nil
}
