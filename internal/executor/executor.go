// Package executor runs the user-supplied deterministic Service against
// decided batches on a single dedicated goroutine, so application state
// never needs its own locking.
package executor

import (
	"go.uber.org/zap"

	"github.com/ruvnet/bftreplica/internal/channel"
	"github.com/ruvnet/bftreplica/internal/rlog"
	"github.com/ruvnet/bftreplica/internal/service"
	"github.com/ruvnet/bftreplica/internal/wire"
)

// RequestKind tags the variant of an ExecutionRequest.
type RequestKind int

const (
	// Update applies a decided batch and replies to each client.
	Update RequestKind = iota
	// UpdateAndGetAppstate applies a decided batch and additionally
	// returns a serialized snapshot of the resulting state, for a
	// checkpoint.
	UpdateAndGetAppstate
	// Read applies a read-only operation without advancing state
	// (supplemented from the original executor's read-path; the
	// distilled request/reply cycle never distinguishes these, but a
	// real deployment benefits from not checkpoint-dirtying on reads).
	Read
	// InstallState overwrites the executor's state wholesale, driven by
	// a completed CST recovery.
	InstallState
)

// ExecutionRequest is one unit of work for the executor goroutine.
type ExecutionRequest struct {
	Kind RequestKind

	// Update / UpdateAndGetAppstate / Read
	Batch rlog.UpdateBatch

	// InstallState
	AppState []byte
	// DecidedOps replays atop AppState: the checkpoint only covers
	// operations decided up to its own sequence number, so anything
	// decided afterward (and captured in the recovery state alongside
	// it) must be re-applied before the executor's state matches the
	// rest of the cluster.
	DecidedOps []wire.RequestMessage
}

// Executor owns the application State and runs op against it one request
// at a time, off the main event loop.
type Executor[State, Request, Reply any] struct {
	svc   service.Service[State, Request, Reply]
	codec service.Codec[Request]
	reply service.Codec[Reply]
	state service.Codec[State]

	current State

	in     chan ExecutionRequest
	out    *channel.Channel
	logger *zap.Logger
}

// Config bundles Executor construction parameters.
type Config[State, Request, Reply any] struct {
	Service     service.Service[State, Request, Reply]
	RequestCodec service.Codec[Request]
	ReplyCodec  service.Codec[Reply]
	StateCodec  service.Codec[State]
	Out         *channel.Channel
	Logger      *zap.Logger
}

// New creates an Executor with its initial state and a request channel
// buffered to 1024 entries; Submit blocks once that buffer is full.
func New[State, Request, Reply any](cfg Config[State, Request, Reply]) *Executor[State, Request, Reply] {
	e := &Executor[State, Request, Reply]{
		svc:    cfg.Service,
		codec:  cfg.RequestCodec,
		reply:  cfg.ReplyCodec,
		state:  cfg.StateCodec,
		in:     make(chan ExecutionRequest, 1024),
		out:    cfg.Out,
		logger: cfg.Logger,
	}
	e.current = cfg.Service.InitialState()
	return e
}

// Submit hands a unit of work to the executor goroutine. Never blocks for
// long: the channel is deep enough that the leader's steady-state batch
// rate never catches up with execution.
func (e *Executor[State, Request, Reply]) Submit(req ExecutionRequest) {
	e.in <- req
}

// Run is the executor's dedicated goroutine body; call it with `go`.
func (e *Executor[State, Request, Reply]) Run() {
	for req := range e.in {
		switch req.Kind {
		case InstallState:
			st, err := e.state.Decode(req.AppState)
			if err != nil {
				if e.logger != nil {
					e.logger.Error("executor: decode installed state failed", zap.Error(err))
				}
				continue
			}
			e.current = st

			for _, rm := range req.DecidedOps {
				op, err := e.codec.Decode(rm.Operation)
				if err != nil {
					if e.logger != nil {
						e.logger.Error("executor: decode replayed operation failed", zap.Error(err))
					}
					continue
				}
				e.svc.Update(&e.current, op)
			}

		case Update, UpdateAndGetAppstate, Read:
			replies := make([]wire.ReplyMessage, 0, len(req.Batch.Requests))
			for _, sr := range req.Batch.Requests {
				op, err := e.codec.Decode(sr.Message.Operation)
				if err != nil {
					if e.logger != nil {
						e.logger.Error("executor: decode operation failed", zap.Error(err))
					}
					continue
				}

				var result Reply
				if req.Kind == Read {
					// Applied against a shallow copy: a Service whose
					// State holds only value fields gets a real
					// throwaway; one with reference fields (maps,
					// slices) must itself treat Read operations as
					// non-mutating, same as any other Service
					// invariant the caller is responsible for.
					scratch := e.current
					result = e.svc.Update(&scratch, op)
				} else {
					result = e.svc.Update(&e.current, op)
				}

				payload, err := e.reply.Encode(result)
				if err != nil {
					if e.logger != nil {
						e.logger.Error("executor: encode reply failed", zap.Error(err))
					}
					continue
				}
				replies = append(replies, wire.ReplyMessage{ClientId: sr.Message.ClientId, Payload: payload})
			}

			msg := channel.Message{Kind: channel.KindExecutionFinished, Replies: replies}
			if req.Kind == UpdateAndGetAppstate {
				snapshot, err := e.state.Encode(e.current)
				if err != nil {
					if e.logger != nil {
						e.logger.Error("executor: encode appstate failed", zap.Error(err))
					}
				} else {
					msg = channel.Message{Kind: channel.KindExecutionFinishedWithAppstate, Replies: replies, Appstate: snapshot}
				}
			}
			e.out.Send(msg)
		}
	}
}

// Close stops Run's loop once all submitted work has drained.
func (e *Executor[State, Request, Reply]) Close() {
	close(e.in)
}
