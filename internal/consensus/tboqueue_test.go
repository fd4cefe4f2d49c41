package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/bftreplica/internal/rlog"
	"github.com/ruvnet/bftreplica/internal/wire"
)

func TestTboQueueBuffersOutOfOrderMessages(t *testing.T) {
	q := NewTboQueue()

	res := q.Queue(wire.Header{}, wire.ConsensusMessage{Seq: 2, Kind: wire.PrePrepareKind})
	assert.Equal(t, wire.IndexOK, res)

	// Nothing at slot 0 yet (that's seq 0, not seq 2).
	assert.Nil(t, q.prePrepare.peekFront())

	q.NextInstanceQueue() // currSeq -> 1
	q.NextInstanceQueue() // currSeq -> 2, slot 0 is now what was buffered for seq 2

	msgs := q.prePrepare.peekFront()
	require.Len(t, msgs, 1)
	assert.Equal(t, wire.SeqNo(2), msgs[0].Message.Seq)
}

func TestTboQueueDropsStaleMessages(t *testing.T) {
	q := NewTboQueue()
	q.NextInstanceQueue() // currSeq -> 1

	res := q.Queue(wire.Header{}, wire.ConsensusMessage{Seq: 0, Kind: wire.PrePrepareKind})
	assert.Equal(t, wire.IndexSmall, res)
}

func TestTboQueueDropsFarFutureMessages(t *testing.T) {
	q := NewTboQueue()
	res := q.Queue(wire.Header{}, wire.ConsensusMessage{Seq: wire.SeqNo(wire.DropSeqNoThres + 1), Kind: wire.PrePrepareKind})
	assert.Equal(t, wire.IndexBig, res)
}

func TestTboQueueInstallSequenceNumberRebasesAndDrops(t *testing.T) {
	q := NewTboQueue()
	q.Queue(wire.Header{}, wire.ConsensusMessage{Seq: 1, Kind: wire.PrePrepareKind})
	q.Queue(wire.Header{}, wire.ConsensusMessage{Seq: 5, Kind: wire.PrePrepareKind})

	q.InstallSequenceNumber(5)
	assert.Equal(t, wire.SeqNo(5), q.CurrSeq())
	// seq 1 fell behind and is dropped; seq 5 is now the front slot.
	msgs := q.prePrepare.peekFront()
	require.Len(t, msgs, 1)
	assert.Equal(t, wire.SeqNo(5), msgs[0].Message.Seq)
}

func TestPhaseQueuePopOneAt0DrainsSlotZero(t *testing.T) {
	var q phaseQueue
	q.push(0, rlog.StoredConsensus{Message: wire.ConsensusMessage{Seq: 1}})
	q.push(0, rlog.StoredConsensus{Message: wire.ConsensusMessage{Seq: 2}})

	first, ok := q.popOneAt0()
	require.True(t, ok)
	assert.Equal(t, wire.SeqNo(1), first.Message.Seq)

	second, ok := q.popOneAt0()
	require.True(t, ok)
	assert.Equal(t, wire.SeqNo(2), second.Message.Seq)

	_, ok = q.popOneAt0()
	assert.False(t, ok)
}
