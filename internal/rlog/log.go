package rlog

import (
	"container/list"

	"github.com/ruvnet/bftreplica/internal/errors"
	"github.com/ruvnet/bftreplica/internal/wire"
)

// Log is a replica's full request/decision memory. It is
// owned exclusively by the server event loop — no internal locking, by
// design: consensus and CST only ever call into it from that loop.
type Log struct {
	batchSize int
	currSeq   wire.SeqNo

	requestOrder *list.List // of wire.Digest, FIFO arrival order
	requestElems map[wire.Digest]*list.Element
	requestData  map[wire.Digest]StoredRequest

	decidingOrder []wire.Digest
	deciding      map[wire.Digest]StoredRequest

	decided []wire.RequestMessage

	declog     DecisionLog
	checkpoint CheckpointState
}

// New creates an empty Log targeting the given batch size.
func New(batchSize int) *Log {
	return &Log{
		batchSize:    batchSize,
		requestOrder: list.New(),
		requestElems: make(map[wire.Digest]*list.Element),
		requestData:  make(map[wire.Digest]StoredRequest),
		deciding:     make(map[wire.Digest]StoredRequest),
	}
}

// CurrSeq returns the last decided sequence number.
func (l *Log) CurrSeq() wire.SeqNo { return l.currSeq }

// SetCurrSeq lets the consensus engine keep the log's notion of the
// current instance in step with its own after a Decided transition or a
// CST-driven jump.
func (l *Log) SetCurrSeq(seq wire.SeqNo) { l.currSeq = seq }

// DecisionLog returns the live decision log (read-only use expected).
func (l *Log) DecisionLog() DecisionLog { return l.declog }

// Checkpoint returns the current checkpoint state.
func (l *Log) Checkpoint() CheckpointState { return l.checkpoint }

// Insert routes an accepted message into the log by kind: requests land
// in the pending pool keyed by digest; consensus messages append to the
// phase-specific decision log list; everything else is ignored.
func (l *Log) Insert(h wire.Header, m *wire.SystemMessage) {
	switch m.Kind {
	case wire.SystemRequest:
		if m.Request == nil {
			return
		}
		digest := h.Digest
		if _, exists := l.requestData[digest]; exists {
			return
		}
		elem := l.requestOrder.PushBack(digest)
		l.requestElems[digest] = elem
		l.requestData[digest] = StoredRequest{Header: h, Message: *m.Request}
	case wire.SystemConsensus:
		if m.Consensus == nil {
			return
		}
		sc := StoredConsensus{Header: h, Message: *m.Consensus}
		switch m.Consensus.Kind {
		case wire.PrePrepareKind:
			l.declog.PrePrepares = append(l.declog.PrePrepares, sc)
		case wire.PrepareKind:
			l.declog.Prepares = append(l.declog.Prepares, sc)
		case wire.CommitKind:
			l.declog.Commits = append(l.declog.Commits, sc)
		}
	default:
		// Reply/Cst/ViewChange are not log-routed.
	}
}

// HasRequest reports whether digest is present in the deciding set or the
// pending pool.
func (l *Log) HasRequest(d wire.Digest) bool {
	if _, ok := l.deciding[d]; ok {
		return true
	}
	_, ok := l.requestData[d]
	return ok
}

// NextBatch pulls one pending request into the deciding set and, once the
// deciding set reaches batchSize, returns its digests in pull order. Called
// by Engine.Propose on each proposal attempt until it gets a batch.
func (l *Log) NextBatch() ([]wire.Digest, bool) {
	front := l.requestOrder.Front()
	if front == nil {
		return nil, false
	}
	digest := front.Value.(wire.Digest)
	l.requestOrder.Remove(front)
	delete(l.requestElems, digest)
	sm := l.requestData[digest]
	delete(l.requestData, digest)

	l.decidingOrder = append(l.decidingOrder, digest)
	l.deciding[digest] = sm

	if len(l.deciding) >= l.batchSize {
		digests := append([]wire.Digest(nil), l.decidingOrder...)
		return digests, true
	}
	return nil, false
}

// FinalizeBatch removes each digest of a decided batch from the deciding
// set (falling back to the pending pool), appends the operations to
// decided, and begins a checkpoint when the sequence number of the latest
// PrePrepare is a positive multiple of wire.Period.
func (l *Log) FinalizeBatch(digests []wire.Digest) (Info, UpdateBatch) {
	batch := UpdateBatch{Requests: make([]StoredRequest, 0, len(digests))}

	consumed := make(map[wire.Digest]bool, len(digests))
	for _, d := range digests {
		consumed[d] = true

		sm, ok := l.deciding[d]
		if ok {
			delete(l.deciding, d)
		} else if sm, ok = l.requestData[d]; ok {
			if elem, ok2 := l.requestElems[d]; ok2 {
				l.requestOrder.Remove(elem)
				delete(l.requestElems, d)
			}
			delete(l.requestData, d)
		} else {
			continue
		}

		batch.Requests = append(batch.Requests, sm)
		l.decided = append(l.decided, sm.Message)
	}

	if len(l.decidingOrder) > 0 {
		remaining := l.decidingOrder[:0]
		for _, d := range l.decidingOrder {
			if !consumed[d] {
				remaining = append(remaining, d)
			}
		}
		l.decidingOrder = remaining
	}

	lastSeq := l.currSeq
	if seq, ok := l.declog.LastPrePrepareSeq(); ok {
		lastSeq = seq
	}
	l.currSeq = lastSeq

	if lastSeq > 0 && int64(lastSeq)%wire.Period == 0 {
		l.beginCheckpoint(lastSeq)
		return InfoBeginCheckpoint, batch
	}
	return InfoNil, batch
}

// beginCheckpoint advances the checkpoint state machine's None/Complete
// predecessor into Partial/PartialWithEarlier.
func (l *Log) beginCheckpoint(seq wire.SeqNo) {
	switch l.checkpoint.Kind {
	case CheckpointComplete:
		earlier := l.checkpoint.Complete
		l.checkpoint = CheckpointState{Kind: CheckpointPartialWithEarlier, Seq: seq, Earlier: earlier}
	default:
		l.checkpoint = CheckpointState{Kind: CheckpointPartial, Seq: seq}
	}
}

// FinalizeCheckpoint completes a Partial/PartialWithEarlier checkpoint with
// the executor-supplied application state snapshot, clears decided and the
// prepare/commit lists, and keeps only the single most recent PrePrepare so
// the in-flight consensus instance retains its context.
func (l *Log) FinalizeCheckpoint(appstate []byte) error {
	var seq wire.SeqNo
	switch l.checkpoint.Kind {
	case CheckpointPartial, CheckpointPartialWithEarlier:
		seq = l.checkpoint.Seq
	default:
		return errors.New(errors.Log, "finalize_checkpoint called outside Partial/PartialWithEarlier")
	}

	l.checkpoint = CheckpointState{Kind: CheckpointComplete, Complete: &Checkpoint{Seq: seq, AppState: appstate}}
	l.decided = nil

	if n := len(l.declog.PrePrepares); n > 0 {
		last := l.declog.PrePrepares[n-1]
		l.declog.PrePrepares = []StoredConsensus{last}
		l.currSeq = last.Message.Seq
	} else {
		l.declog.PrePrepares = nil
	}
	l.declog.Prepares = nil
	l.declog.Commits = nil

	return nil
}

// Snapshot returns a RecoveryState for CST to serve, succeeding only when
// the checkpoint is Complete.
func (l *Log) Snapshot(view wire.SeqNo) (*RecoveryState, error) {
	if l.checkpoint.Kind != CheckpointComplete {
		return nil, errors.New(errors.Log, "snapshot requires a complete checkpoint")
	}
	return &RecoveryState{
		View:        view,
		Checkpoint:  *l.checkpoint.Complete,
		DecidedOps:  append([]wire.RequestMessage(nil), l.decided...),
		DecisionLog: l.declog.Clone(),
	}, nil
}

// InstallState overwrites the log with a recovered state, as CST's install
// path does after fetching a quorum-backed RecoveryState.
func (l *Log) InstallState(lastSeq wire.SeqNo, rs *RecoveryState) {
	l.declog = rs.DecisionLog.Clone()
	l.decided = append([]wire.RequestMessage(nil), rs.DecidedOps...)
	checkpoint := rs.Checkpoint
	l.checkpoint = CheckpointState{Kind: CheckpointComplete, Complete: &checkpoint}
	l.currSeq = lastSeq
}
