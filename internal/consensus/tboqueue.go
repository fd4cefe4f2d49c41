package consensus

import (
	"github.com/ruvnet/bftreplica/internal/rlog"
	"github.com/ruvnet/bftreplica/internal/wire"
)

// phaseQueue is one phase's "to-be-ordered" buffer: slot i holds messages
// for curr_seq+i. Evicted front slots are kept on a free list and reused,
// avoiding a reallocation of []StoredConsensus on every NextInstanceQueue.
type phaseQueue struct {
	slots [][]rlog.StoredConsensus
	free  [][]rlog.StoredConsensus
}

func (q *phaseQueue) alloc() []rlog.StoredConsensus {
	if n := len(q.free); n > 0 {
		s := q.free[n-1][:0]
		q.free = q.free[:n-1]
		return s
	}
	return nil
}

func (q *phaseQueue) ensure(i int) {
	for len(q.slots) <= i {
		q.slots = append(q.slots, q.alloc())
	}
}

func (q *phaseQueue) push(i int, m rlog.StoredConsensus) {
	q.ensure(i)
	q.slots[i] = append(q.slots[i], m)
}

// popFront evicts slot 0, recycling its backing array, and returns it.
func (q *phaseQueue) popFront() []rlog.StoredConsensus {
	if len(q.slots) == 0 {
		return nil
	}
	s := q.slots[0]
	q.slots = q.slots[1:]
	q.free = append(q.free, s)
	return s
}

// popOneAt0 removes and returns a single message from slot 0, if any.
func (q *phaseQueue) popOneAt0() (rlog.StoredConsensus, bool) {
	if len(q.slots) == 0 || len(q.slots[0]) == 0 {
		return rlog.StoredConsensus{}, false
	}
	m := q.slots[0][0]
	q.slots[0] = q.slots[0][1:]
	return m, true
}

func (q *phaseQueue) peekFront() []rlog.StoredConsensus {
	if len(q.slots) == 0 {
		return nil
	}
	return q.slots[0]
}

// dropFront discards the first n slots in bulk (used by
// InstallSequenceNumber to re-base the queue after a CST jump).
func (q *phaseQueue) dropFront(n int) {
	if n <= 0 {
		return
	}
	if n >= len(q.slots) {
		q.free = append(q.free, q.slots...)
		q.slots = nil
		return
	}
	q.free = append(q.free, q.slots[:n]...)
	q.slots = q.slots[n:]
}

// TboQueue buffers out-of-order PrePrepare/Prepare/Commit messages keyed by
// their distance from the current instance.
type TboQueue struct {
	currSeq    wire.SeqNo
	prePrepare phaseQueue
	prepare    phaseQueue
	commit     phaseQueue
}

// NewTboQueue creates a TboQueue starting at seq 0.
func NewTboQueue() *TboQueue {
	return &TboQueue{}
}

// CurrSeq returns the instance the queue currently targets.
func (q *TboQueue) CurrSeq() wire.SeqNo { return q.currSeq }

func (q *TboQueue) queueFor(kind wire.ConsensusKind) *phaseQueue {
	switch kind {
	case wire.PrePrepareKind:
		return &q.prePrepare
	case wire.PrepareKind:
		return &q.prepare
	default:
		return &q.commit
	}
}

// Queue buffers a consensus message by its distance from curr_seq, dropping
// it if that distance is out of the TBO window. Returns the classification
// so callers can log/count drops.
func (q *TboQueue) Queue(h wire.Header, m wire.ConsensusMessage) wire.IndexResult {
	idx, res := m.Seq.Index(q.currSeq)
	if res != wire.IndexOK {
		return res
	}
	q.queueFor(m.Kind).push(idx, rlog.StoredConsensus{Header: h, Message: m})
	return wire.IndexOK
}

// NextInstanceQueue advances curr_seq and rotates every phase queue,
// recycling slot 0's storage.
func (q *TboQueue) NextInstanceQueue() {
	q.currSeq = q.currSeq.Next()
	q.prePrepare.popFront()
	q.prepare.popFront()
	q.commit.popFront()
}

// InstallSequenceNumber jumps the queue forward to seq, dropping any
// buffered messages that now fall behind the new instance.
func (q *TboQueue) InstallSequenceNumber(seq wire.SeqNo) {
	limit, res := seq.Index(q.currSeq)
	if res == wire.IndexSmall {
		limit = 0
	}
	q.currSeq = seq
	q.prePrepare.dropFront(limit)
	q.prepare.dropFront(limit)
	q.commit.dropFront(limit)
}
