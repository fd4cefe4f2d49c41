package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/bftreplica/internal/channel"
	"github.com/ruvnet/bftreplica/internal/rlog"
	"github.com/ruvnet/bftreplica/internal/service"
	"github.com/ruvnet/bftreplica/internal/wire"
)

func newTestExecutor(t *testing.T) (*Executor[service.KVState, service.KVOp, service.KVResult], *channel.Channel) {
	ch := channel.New()
	e := New(Config[service.KVState, service.KVOp, service.KVResult]{
		Service:      service.KVService{},
		RequestCodec: service.JSONCodec[service.KVOp]{},
		ReplyCodec:   service.JSONCodec[service.KVResult]{},
		StateCodec:   service.JSONCodec[service.KVState]{},
		Out:          ch,
		Logger:       zaptest.NewLogger(t),
	})
	go e.Run()
	t.Cleanup(e.Close)
	return e, ch
}

func putRequest(t *testing.T, clientId wire.NodeId, key, value string) rlog.StoredRequest {
	t.Helper()
	op := service.KVOp{Kind: "put", Key: key, Value: value}
	payload, err := service.JSONCodec[service.KVOp]{}.Encode(op)
	require.NoError(t, err)
	return rlog.StoredRequest{Message: wire.RequestMessage{ClientId: clientId, Operation: payload}}
}

func recvWithin(t *testing.T, ch *channel.Channel, d time.Duration) channel.Message {
	t.Helper()
	select {
	case m := <-ch.Recv():
		return m
	case <-time.After(d):
		t.Fatal("timed out waiting for executor result")
		return channel.Message{}
	}
}

func TestExecutorUpdateSendsExecutionFinished(t *testing.T) {
	e, ch := newTestExecutor(t)
	e.Submit(ExecutionRequest{Kind: Update, Batch: rlog.UpdateBatch{Requests: []rlog.StoredRequest{putRequest(t, 1000, "a", "1")}}})

	msg := recvWithin(t, ch, time.Second)
	require.Equal(t, channel.KindExecutionFinished, msg.Kind)
	require.Len(t, msg.Replies, 1)

	result, err := service.JSONCodec[service.KVResult]{}.Decode(msg.Replies[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "1", result.Value)
}

func TestExecutorUpdateAndGetAppstateIncludesSnapshot(t *testing.T) {
	e, ch := newTestExecutor(t)
	e.Submit(ExecutionRequest{Kind: UpdateAndGetAppstate, Batch: rlog.UpdateBatch{Requests: []rlog.StoredRequest{putRequest(t, 1000, "k", "v")}}})

	msg := recvWithin(t, ch, time.Second)
	require.Equal(t, channel.KindExecutionFinishedWithAppstate, msg.Kind)
	require.NotEmpty(t, msg.Appstate)

	state, err := service.JSONCodec[service.KVState]{}.Decode(msg.Appstate)
	require.NoError(t, err)
	assert.Equal(t, "v", state.Data["k"])
}

func TestExecutorReadDoesNotMutateAppstateSentLater(t *testing.T) {
	e, ch := newTestExecutor(t)
	e.Submit(ExecutionRequest{Kind: Update, Batch: rlog.UpdateBatch{Requests: []rlog.StoredRequest{putRequest(t, 1000, "k", "v1")}}})
	recvWithin(t, ch, time.Second)

	getOp := service.KVOp{Kind: "get", Key: "k"}
	payload, err := service.JSONCodec[service.KVOp]{}.Encode(getOp)
	require.NoError(t, err)
	e.Submit(ExecutionRequest{Kind: Read, Batch: rlog.UpdateBatch{Requests: []rlog.StoredRequest{{Message: wire.RequestMessage{ClientId: 1000, Operation: payload}}}}})

	msg := recvWithin(t, ch, time.Second)
	result, err := service.JSONCodec[service.KVResult]{}.Decode(msg.Replies[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "v1", result.Value)

	e.Submit(ExecutionRequest{Kind: UpdateAndGetAppstate, Batch: rlog.UpdateBatch{}})
	snap := recvWithin(t, ch, time.Second)
	state, err := service.JSONCodec[service.KVState]{}.Decode(snap.Appstate)
	require.NoError(t, err)
	assert.Equal(t, "v1", state.Data["k"])
}

func TestExecutorInstallStateOverwritesCurrentState(t *testing.T) {
	e, ch := newTestExecutor(t)
	installed := service.KVState{Data: map[string]string{"restored": "yes"}}
	snapshot, err := service.JSONCodec[service.KVState]{}.Encode(installed)
	require.NoError(t, err)

	e.Submit(ExecutionRequest{Kind: InstallState, AppState: snapshot})
	e.Submit(ExecutionRequest{Kind: UpdateAndGetAppstate, Batch: rlog.UpdateBatch{}})

	msg := recvWithin(t, ch, time.Second)
	state, err := service.JSONCodec[service.KVState]{}.Decode(msg.Appstate)
	require.NoError(t, err)
	assert.Equal(t, "yes", state.Data["restored"])
}

func TestExecutorInstallStateReplaysDecidedOpsAtopCheckpoint(t *testing.T) {
	e, ch := newTestExecutor(t)
	installed := service.KVState{Data: map[string]string{"restored": "yes"}}
	snapshot, err := service.JSONCodec[service.KVState]{}.Encode(installed)
	require.NoError(t, err)

	req := putRequest(t, 1000, "k", "replayed")

	e.Submit(ExecutionRequest{
		Kind:       InstallState,
		AppState:   snapshot,
		DecidedOps: []wire.RequestMessage{req.Message},
	})
	e.Submit(ExecutionRequest{Kind: UpdateAndGetAppstate, Batch: rlog.UpdateBatch{}})

	msg := recvWithin(t, ch, time.Second)
	state, err := service.JSONCodec[service.KVState]{}.Decode(msg.Appstate)
	require.NoError(t, err)
	assert.Equal(t, "yes", state.Data["restored"])
	assert.Equal(t, "replayed", state.Data["k"])
}
