// Package rlog implements the replicated request/decision log and the
// periodic checkpoint state machine.
package rlog

import "github.com/ruvnet/bftreplica/internal/wire"

// StoredRequest pairs a client request with the header it arrived in.
type StoredRequest struct {
	Header  wire.Header
	Message wire.RequestMessage
}

// StoredConsensus pairs a consensus protocol message with its header.
type StoredConsensus struct {
	Header  wire.Header
	Message wire.ConsensusMessage
}

// DecisionLog holds every consensus message accepted since the last
// checkpoint, one ordered list per phase.
type DecisionLog struct {
	PrePrepares []StoredConsensus
	Prepares    []StoredConsensus
	Commits     []StoredConsensus
}

// Clone returns a deep-enough copy safe to hand to a CST reply without
// aliasing this replica's live slices.
func (d DecisionLog) Clone() DecisionLog {
	return DecisionLog{
		PrePrepares: append([]StoredConsensus(nil), d.PrePrepares...),
		Prepares:    append([]StoredConsensus(nil), d.Prepares...),
		Commits:     append([]StoredConsensus(nil), d.Commits...),
	}
}

// LastPrePrepareSeq returns the seq of the most recently accepted
// PrePrepare, or ok=false if none has been accepted since the last
// checkpoint.
func (d DecisionLog) LastPrePrepareSeq() (wire.SeqNo, bool) {
	if len(d.PrePrepares) == 0 {
		return 0, false
	}
	return d.PrePrepares[len(d.PrePrepares)-1].Message.Seq, true
}

// CheckpointKind is the state of the checkpoint state machine.
type CheckpointKind int

const (
	CheckpointNone CheckpointKind = iota
	CheckpointPartial
	CheckpointPartialWithEarlier
	CheckpointComplete
)

// Checkpoint is a periodic snapshot of the application state at a given
// decided sequence number.
type Checkpoint struct {
	Seq      wire.SeqNo
	AppState []byte
}

// CheckpointState is the sum type the checkpoint lifecycle moves through: None,
// Partial{seq}, PartialWithEarlier{seq, earlier}, or Complete(Checkpoint).
type CheckpointState struct {
	Kind     CheckpointKind
	Seq      wire.SeqNo  // valid for Partial, PartialWithEarlier
	Earlier  *Checkpoint // valid for PartialWithEarlier
	Complete *Checkpoint // valid for Complete
}

// RecoveryState is the payload of a CST state reply: everything a lagging
// replica needs to catch up to the sender's last checkpoint plus its
// decided-but-unchecked-pointed tail.
type RecoveryState struct {
	View        wire.SeqNo
	Checkpoint  Checkpoint
	DecidedOps  []wire.RequestMessage
	DecisionLog DecisionLog
}

// Info reports whether FinalizeBatch started a new checkpoint.
type Info int

const (
	InfoNil Info = iota
	InfoBeginCheckpoint
)

// UpdateBatch is the ordered set of requests a decided consensus instance
// resolved to, handed to the executor.
type UpdateBatch struct {
	Requests []StoredRequest
}
