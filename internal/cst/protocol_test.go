package cst

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/bftreplica/internal/rlog"
	"github.com/ruvnet/bftreplica/internal/wire"
)

type recordingBroadcaster struct {
	sent      []*wire.SystemMessage
	unicasts  map[wire.NodeId][]*wire.SystemMessage
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{unicasts: make(map[wire.NodeId][]*wire.SystemMessage)}
}

func (b *recordingBroadcaster) Send(to wire.NodeId, msg *wire.SystemMessage) error {
	b.unicasts[to] = append(b.unicasts[to], msg)
	return nil
}

func (b *recordingBroadcaster) Broadcast(msg *wire.SystemMessage, targets []wire.NodeId) error {
	b.sent = append(b.sent, msg)
	return nil
}

func newTestProtocol(t *testing.T, id wire.NodeId, b Broadcaster) *Protocol {
	return New(Config{
		NodeId:      id,
		Quorum:      3,
		Faulty:      1,
		Replicas:    []wire.NodeId{0, 1, 2, 3},
		BaseTimeout: 0,
		Broadcaster: b,
		Logger:      zaptest.NewLogger(t),
	})
}

func TestProtocolStartBroadcastsLatestSeqRequest(t *testing.T) {
	b := newRecordingBroadcaster()
	p := newTestProtocol(t, 1, b)

	p.Start(0)
	require.Len(t, b.sent, 1)
	assert.Equal(t, wire.RequestLatestConsensusSeq, b.sent[0].Cst.Kind)
	assert.Equal(t, PhaseReceivingCid, p.Phase())
	assert.True(t, p.IsRecovering())
}

func TestProtocolServeLatestSeqAnswersRegardlessOfOwnPhase(t *testing.T) {
	b := newRecordingBroadcaster()
	p := newTestProtocol(t, 0, b)
	log := rlog.New(1)
	log.SetCurrSeq(42)

	result := p.HandleMessage(1, &wire.CstMessage{Kind: wire.RequestLatestConsensusSeq, Seq: 7}, log)
	assert.Equal(t, OutcomeNone, result.Outcome)
	require.Len(t, b.unicasts[1], 1)
	assert.Equal(t, wire.SeqNo(42), b.unicasts[1][0].Cst.LatestSeq)
}

func TestProtocolServeStateDeclinesWithoutCompleteCheckpoint(t *testing.T) {
	b := newRecordingBroadcaster()
	p := newTestProtocol(t, 0, b)
	log := rlog.New(1)

	p.HandleMessage(1, &wire.CstMessage{Kind: wire.RequestState, Seq: 1}, log)
	assert.Empty(t, b.unicasts[1])
}

func TestProtocolReachesQuorumOnLatestSeqAndMovesToReceivingState(t *testing.T) {
	b := newRecordingBroadcaster()
	p := newTestProtocol(t, 3, b)
	log := rlog.New(1)

	p.Start(0)
	round := p.Round()

	p.HandleMessage(0, &wire.CstMessage{Kind: wire.ReplyLatestConsensusSeq, Seq: round, LatestSeq: 1000}, log)
	p.HandleMessage(1, &wire.CstMessage{Kind: wire.ReplyLatestConsensusSeq, Seq: round, LatestSeq: 1000}, log)
	require.Equal(t, PhaseReceivingCid, p.Phase())

	result := p.HandleMessage(2, &wire.CstMessage{Kind: wire.ReplyLatestConsensusSeq, Seq: round, LatestSeq: 1000}, log)
	assert.Equal(t, OutcomeNone, result.Outcome)
	assert.Equal(t, PhaseReceivingState, p.Phase())
	require.Len(t, b.sent, 2) // request-latest-seq, then request-state
	assert.Equal(t, wire.RequestState, b.sent[1].Cst.Kind)
}

func TestProtocolZeroTargetQuorumParksAtWaitingCheckpoint(t *testing.T) {
	b := newRecordingBroadcaster()
	p := newTestProtocol(t, 3, b)
	log := rlog.New(1)

	p.Start(0)
	round := p.Round()
	p.HandleMessage(0, &wire.CstMessage{Kind: wire.ReplyLatestConsensusSeq, Seq: round, LatestSeq: 0}, log)
	p.HandleMessage(1, &wire.CstMessage{Kind: wire.ReplyLatestConsensusSeq, Seq: round, LatestSeq: 0}, log)
	p.HandleMessage(2, &wire.CstMessage{Kind: wire.ReplyLatestConsensusSeq, Seq: round, LatestSeq: 0}, log)

	assert.Equal(t, PhaseWaitingCheckpoint, p.Phase())
}

func TestProtocolDedupsVotesFromTheSameVoter(t *testing.T) {
	b := newRecordingBroadcaster()
	p := newTestProtocol(t, 3, b)
	log := rlog.New(1)

	p.Start(0)
	round := p.Round()
	p.HandleMessage(0, &wire.CstMessage{Kind: wire.ReplyLatestConsensusSeq, Seq: round, LatestSeq: 1000}, log)
	p.HandleMessage(0, &wire.CstMessage{Kind: wire.ReplyLatestConsensusSeq, Seq: round, LatestSeq: 1000}, log)
	p.HandleMessage(0, &wire.CstMessage{Kind: wire.ReplyLatestConsensusSeq, Seq: round, LatestSeq: 1000}, log)

	assert.Equal(t, PhaseReceivingCid, p.Phase()) // still only one distinct voter
}

func TestProtocolFullRecoveryRoundTripInstallsState(t *testing.T) {
	b := newRecordingBroadcaster()
	p := newTestProtocol(t, 3, b)
	log := rlog.New(1)

	p.Start(0)
	round := p.Round()
	p.HandleMessage(0, &wire.CstMessage{Kind: wire.ReplyLatestConsensusSeq, Seq: round, LatestSeq: 1000}, log)
	p.HandleMessage(1, &wire.CstMessage{Kind: wire.ReplyLatestConsensusSeq, Seq: round, LatestSeq: 1000}, log)
	p.HandleMessage(2, &wire.CstMessage{Kind: wire.ReplyLatestConsensusSeq, Seq: round, LatestSeq: 1000}, log)
	require.Equal(t, PhaseReceivingState, p.Phase())

	stateRound := p.Round()
	rs := &rlog.RecoveryState{Checkpoint: rlog.Checkpoint{Seq: 1000, AppState: []byte("snap")}}
	encoded, err := rs.Marshal()
	require.NoError(t, err)

	p.HandleMessage(0, &wire.CstMessage{Kind: wire.ReplyState, Seq: stateRound, State: encoded}, log)
	p.HandleMessage(1, &wire.CstMessage{Kind: wire.ReplyState, Seq: stateRound, State: encoded}, log)
	result := p.HandleMessage(2, &wire.CstMessage{Kind: wire.ReplyState, Seq: stateRound, State: encoded}, log)

	require.Equal(t, OutcomeInstalled, result.Outcome)
	assert.Equal(t, wire.SeqNo(1000), result.Seq)
	require.NotNil(t, result.Recovery)
	assert.Equal(t, []byte("snap"), result.Recovery.Checkpoint.AppState)
	assert.Equal(t, PhaseInit, p.Phase())
	assert.False(t, p.IsRecovering())
}

func TestProtocolHandleTimeoutDoublesBackoffAndRetries(t *testing.T) {
	b := newRecordingBroadcaster()
	p := New(Config{
		NodeId: 3, Quorum: 3, Faulty: 1, Replicas: []wire.NodeId{0, 1, 2, 3},
		BaseTimeout: 1, Broadcaster: b, Logger: zaptest.NewLogger(t),
	})
	p.Start(0)
	before := p.CurrentTimeout()

	result := p.HandleTimeout(0)
	assert.Equal(t, OutcomeRetry, result.Outcome)
	assert.True(t, p.CurrentTimeout() > before)
	require.Len(t, b.sent, 2) // initial Start + the timeout's restart
}

// TestProtocolDecidesAtQuorumTotalNotPerValueQuorum exercises the n=4/f=1
// scenario where no single reply alone reaches quorum (3 matching
// replies): the protocol instead tracks a running highest-seen candidate,
// and must decide exactly once the 3rd total reply arrives, judging the
// leading candidate's count against f rather than against quorum.
func TestProtocolDecidesAtQuorumTotalNotPerValueQuorum(t *testing.T) {
	b := newRecordingBroadcaster()
	p := newTestProtocol(t, 3, b)
	log := rlog.New(1)

	p.Start(0)
	round := p.Round()

	p.HandleMessage(0, &wire.CstMessage{Kind: wire.ReplyLatestConsensusSeq, Seq: round, LatestSeq: 42}, log)
	require.Equal(t, PhaseReceivingCid, p.Phase())
	p.HandleMessage(1, &wire.CstMessage{Kind: wire.ReplyLatestConsensusSeq, Seq: round, LatestSeq: 42}, log)
	require.Equal(t, PhaseReceivingCid, p.Phase())

	// Third reply, a lagging replica reporting a lower seq: total
	// received hits quorum (3), and the leading candidate (42, count 2)
	// is judged against f=1 rather than needing a 3rd exact match.
	result := p.HandleMessage(2, &wire.CstMessage{Kind: wire.ReplyLatestConsensusSeq, Seq: round, LatestSeq: 7}, log)

	assert.Equal(t, PhaseReceivingState, p.Phase())
	assert.Equal(t, OutcomeNone, result.Outcome)
	require.Len(t, b.sent, 2) // request-latest-seq, then request-state
}

func TestProtocolRetriesWhenNoCandidateBeatsFaultyThreshold(t *testing.T) {
	b := newRecordingBroadcaster()
	p := newTestProtocol(t, 3, b)
	log := rlog.New(1)

	p.Start(0)
	round := p.Round()

	p.HandleMessage(0, &wire.CstMessage{Kind: wire.ReplyLatestConsensusSeq, Seq: round, LatestSeq: 7}, log)
	p.HandleMessage(1, &wire.CstMessage{Kind: wire.ReplyLatestConsensusSeq, Seq: round, LatestSeq: 42}, log)
	result := p.HandleMessage(2, &wire.CstMessage{Kind: wire.ReplyLatestConsensusSeq, Seq: round, LatestSeq: 99}, log)

	// Every candidate capped at count 1, which does not beat f=1: the
	// round must restart rather than settle on an under-supported value.
	assert.Equal(t, OutcomeRetry, result.Outcome)
	assert.Equal(t, PhaseReceivingCid, p.Phase())
	require.Len(t, b.sent, 2) // initial Start, then the restarted round
}
