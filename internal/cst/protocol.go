// Package cst implements Collaborative State Transfer: the two-round
// recovery protocol a lagging or freshly (re)started replica runs to catch
// up to a quorum-backed checkpoint before rejoining normal consensus.
package cst

import (
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/bftreplica/internal/metrics"
	"github.com/ruvnet/bftreplica/internal/rlog"
	"github.com/ruvnet/bftreplica/internal/wire"
)

// Phase is where a recovering replica is in the two-round protocol.
type Phase int

const (
	PhaseInit Phase = iota
	// PhaseReceivingCid waits for a quorum of replicas to agree on the
	// latest decided sequence number worth recovering to.
	PhaseReceivingCid
	// PhaseReceivingState waits for a quorum of matching state replies
	// for the sequence number settled on in the CID round.
	PhaseReceivingState
	// PhaseWaitingCheckpoint parks a replica that learned the cluster has
	// nothing to recover yet (every reply reported seq 0), retrying on
	// its own timeout rather than busy-looping.
	PhaseWaitingCheckpoint
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseReceivingCid:
		return "receiving-cid"
	case PhaseReceivingState:
		return "receiving-state"
	case PhaseWaitingCheckpoint:
		return "waiting-checkpoint"
	default:
		return "unknown"
	}
}

// Outcome is HandleMessage/HandleTimeout's result discriminant.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeRetry
	OutcomeInstalled
)

// Result reports what HandleMessage/HandleTimeout did.
type Result struct {
	Outcome  Outcome
	Recovery *rlog.RecoveryState
	Seq      wire.SeqNo // the sequence number Recovery was fetched for
}

// Broadcaster is the subset of transport.Node the CST protocol needs:
// unicast to serve a request, and broadcast/multicast to run its own
// recovery rounds.
type Broadcaster interface {
	Send(to wire.NodeId, msg *wire.SystemMessage) error
	Broadcast(msg *wire.SystemMessage, targets []wire.NodeId) error
}

type stateVote struct {
	count int
	state []byte
}

// Protocol drives one replica's CST state machine, both the recovering
// side (Start/HandleTimeout/HandleMessage for Reply* kinds) and the
// serving side (HandleMessage for Request* kinds, answered from whatever
// every replica always has: its own log).
type Protocol struct {
	nodeId   wire.NodeId
	quorum   int
	faulty   int // f: a candidate must beat this count, not just reach quorum
	replicas []wire.NodeId

	phase Phase
	round uint64 // monotonic CST attempt id, echoed in CstMessage.Seq to reject stale replies
	view  wire.SeqNo

	baseTimeout, maxTimeout, timeout time.Duration

	target wire.SeqNo

	// CID round: a running leading candidate and its vote count, plus the
	// total number of (deduplicated) replies seen so far this round.
	cidLatest      wire.SeqNo
	cidLatestCount int
	cidReceived    int
	cidVoters      map[wire.NodeId]bool

	// State round: same running-tally shape, keyed by state digest since
	// the candidate here is a byte blob rather than a single integer.
	stateVotes    map[wire.Digest]*stateVote
	stateReceived int
	stateVoters   map[wire.NodeId]bool

	broadcaster Broadcaster
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// Config bundles Protocol construction parameters.
type Config struct {
	NodeId      wire.NodeId
	Quorum      int
	Faulty      int
	Replicas    []wire.NodeId
	BaseTimeout time.Duration
	MaxTimeout  time.Duration
	Broadcaster Broadcaster
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// New creates a Protocol in phase Init.
func New(cfg Config) *Protocol {
	maxTimeout := cfg.MaxTimeout
	if maxTimeout == 0 {
		maxTimeout = 30 * time.Second
	}
	return &Protocol{
		nodeId:      cfg.NodeId,
		quorum:      cfg.Quorum,
		faulty:      cfg.Faulty,
		replicas:    cfg.Replicas,
		baseTimeout: cfg.BaseTimeout,
		maxTimeout:  maxTimeout,
		timeout:     cfg.BaseTimeout,
		broadcaster: cfg.Broadcaster,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// Phase returns the current protocol phase.
func (p *Protocol) Phase() Phase { return p.phase }

// Round returns the current CST attempt id. It is echoed in the Seq field
// of this protocol's requests, and replies carrying any other round are
// ignored.
func (p *Protocol) Round() wire.SeqNo { return wire.SeqNo(p.round) }

// CurrentTimeout returns the backoff-adjusted duration the caller should
// arm its next CST timer for.
func (p *Protocol) CurrentTimeout() time.Duration { return p.timeout }

// IsRecovering reports whether the protocol is actively trying to catch up.
func (p *Protocol) IsRecovering() bool { return p.phase != PhaseInit }

// Start begins round 1: ask every replica for its latest decided sequence
// number. currSeq is this replica's own; it is not consulted, and the round
// always runs. The current (possibly backed-off) timeout is kept.
func (p *Protocol) Start(currSeq wire.SeqNo) {
	p.phase = PhaseReceivingCid
	p.round++
	p.cidLatest = 0
	p.cidLatestCount = 0
	p.cidReceived = 0
	p.cidVoters = make(map[wire.NodeId]bool)

	req := &wire.SystemMessage{Kind: wire.SystemCst, Cst: &wire.CstMessage{
		Seq:  wire.SeqNo(p.round),
		Kind: wire.RequestLatestConsensusSeq,
	}}
	if err := p.broadcaster.Broadcast(req, p.replicas); err != nil && p.logger != nil {
		p.logger.Warn("cst: broadcast request-latest-seq failed", zap.Error(err))
	}
	if p.metrics != nil {
		p.metrics.CstRound("request_latest_seq")
	}
}

// HandleTimeout applies doubling backoff and restarts whichever round the
// protocol was waiting on. In PhaseInit no round is outstanding, so the
// timeout is ignored.
func (p *Protocol) HandleTimeout(currSeq wire.SeqNo) Result {
	if p.phase == PhaseInit {
		return Result{Outcome: OutcomeNone}
	}
	p.timeout *= 2
	if p.timeout > p.maxTimeout {
		p.timeout = p.maxTimeout
	}

	switch p.phase {
	case PhaseReceivingCid, PhaseWaitingCheckpoint:
		p.Start(currSeq)
	case PhaseReceivingState:
		p.requestState()
	}
	return Result{Outcome: OutcomeRetry}
}

func (p *Protocol) requestState() {
	p.round++
	p.stateVotes = make(map[wire.Digest]*stateVote)
	p.stateReceived = 0
	p.stateVoters = make(map[wire.NodeId]bool)
	req := &wire.SystemMessage{Kind: wire.SystemCst, Cst: &wire.CstMessage{
		Seq:       wire.SeqNo(p.round),
		Kind:      wire.RequestState,
		LatestSeq: p.target,
	}}
	if err := p.broadcaster.Broadcast(req, p.replicas); err != nil && p.logger != nil {
		p.logger.Warn("cst: broadcast request-state failed", zap.Error(err))
	}
	if p.metrics != nil {
		p.metrics.CstRound("request_state")
	}
}

// HandleMessage dispatches an inbound CST message. Serving
// (RequestLatestConsensusSeq/RequestState) happens regardless of this
// replica's own recovery phase, since any replica with a decided log can
// answer; the Reply* kinds only advance state when they match the current
// phase and round.
func (p *Protocol) HandleMessage(from wire.NodeId, m *wire.CstMessage, log *rlog.Log) Result {
	switch m.Kind {
	case wire.RequestLatestConsensusSeq:
		p.serveLatestSeq(from, m, log)
		return Result{Outcome: OutcomeNone}
	case wire.RequestState:
		p.serveState(from, m, log)
		return Result{Outcome: OutcomeNone}
	case wire.ReplyLatestConsensusSeq:
		return p.handleReplyLatestSeq(from, m)
	case wire.ReplyState:
		return p.handleReplyState(from, m)
	default:
		return Result{Outcome: OutcomeNone}
	}
}

func (p *Protocol) serveLatestSeq(from wire.NodeId, m *wire.CstMessage, log *rlog.Log) {
	reply := &wire.SystemMessage{Kind: wire.SystemCst, Cst: &wire.CstMessage{
		Seq:       m.Seq,
		Kind:      wire.ReplyLatestConsensusSeq,
		LatestSeq: log.CurrSeq(),
	}}
	if err := p.broadcaster.Send(from, reply); err != nil && p.logger != nil {
		p.logger.Warn("cst: reply latest-seq failed", zap.Error(err))
	}
}

func (p *Protocol) serveState(from wire.NodeId, m *wire.CstMessage, log *rlog.Log) {
	rs, err := log.Snapshot(p.view)
	if err != nil {
		// No complete checkpoint to serve from yet; silently decline,
		// the requester's CID round already tells it nobody can serve.
		return
	}
	encoded, err := rs.Marshal()
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("cst: encode recovery state failed", zap.Error(err))
		}
		return
	}
	reply := &wire.SystemMessage{Kind: wire.SystemCst, Cst: &wire.CstMessage{
		Seq:   m.Seq,
		Kind:  wire.ReplyState,
		State: encoded,
	}}
	if err := p.broadcaster.Send(from, reply); err != nil && p.logger != nil {
		p.logger.Warn("cst: reply state failed", zap.Error(err))
	}
}

// handleReplyLatestSeq folds one cid reply into the running leading
// candidate, exactly as the original's ReceivingCid arm does: track the
// highest sequence number reported so far and how many replies reported
// exactly that value (lower replies are ignored), and decide only
// once the total number of (deduplicated) replies received reaches
// quorum. At that point the candidate is accepted only if its count beats
// f, not merely if it individually reached quorum.
func (p *Protocol) handleReplyLatestSeq(from wire.NodeId, m *wire.CstMessage) Result {
	if p.phase != PhaseReceivingCid || m.Seq != wire.SeqNo(p.round) {
		return Result{Outcome: OutcomeNone}
	}
	if p.cidVoters[from] {
		return Result{Outcome: OutcomeNone}
	}
	p.cidVoters[from] = true

	switch {
	case m.LatestSeq > p.cidLatest:
		p.cidLatest = m.LatestSeq
		p.cidLatestCount = 1
	case m.LatestSeq == p.cidLatest:
		p.cidLatestCount++
	}

	p.cidReceived++
	if p.cidReceived != p.quorum {
		return Result{Outcome: OutcomeNone}
	}

	candidate, count := p.cidLatest, p.cidLatestCount
	p.phase = PhaseInit

	if count <= p.faulty {
		// No value held up under even one round of f+1, ask again.
		p.Start(0)
		return Result{Outcome: OutcomeRetry}
	}
	p.timeout = p.baseTimeout

	p.target = candidate
	if p.target == 0 {
		// Quorum agrees nobody has decided anything checkpoint-worthy
		// yet; nothing to fetch. Park and retry later in case the
		// cluster makes progress.
		p.phase = PhaseWaitingCheckpoint
		return Result{Outcome: OutcomeNone}
	}

	p.phase = PhaseReceivingState
	p.requestState()
	return Result{Outcome: OutcomeNone}
}

// handleReplyState mirrors handleReplyLatestSeq for the state round: tally
// votes per state digest, decide once quorum replies total have arrived,
// and accept the best-supported digest only if its count beats f.
func (p *Protocol) handleReplyState(from wire.NodeId, m *wire.CstMessage) Result {
	if p.phase != PhaseReceivingState || m.Seq != wire.SeqNo(p.round) {
		return Result{Outcome: OutcomeNone}
	}
	if p.stateVoters[from] {
		return Result{Outcome: OutcomeNone}
	}
	p.stateVoters[from] = true

	digest := wire.HashPayload(m.State)
	v, ok := p.stateVotes[digest]
	if !ok {
		v = &stateVote{state: m.State}
		p.stateVotes[digest] = v
	}
	v.count++

	p.stateReceived++
	if p.stateReceived != p.quorum {
		return Result{Outcome: OutcomeNone}
	}

	var best *stateVote
	for _, candidate := range p.stateVotes {
		if best == nil || candidate.count > best.count {
			best = candidate
		}
	}

	if best == nil || best.count <= p.faulty {
		p.requestState()
		return Result{Outcome: OutcomeRetry}
	}

	rs, err := rlog.UnmarshalRecoveryState(best.state)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("cst: decode recovery state failed", zap.Error(err))
		}
		p.requestState()
		return Result{Outcome: OutcomeRetry}
	}

	target := p.target
	p.phase = PhaseInit
	p.target = 0
	p.timeout = p.baseTimeout
	return Result{Outcome: OutcomeInstalled, Recovery: rs, Seq: target}
}
