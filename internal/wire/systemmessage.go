package wire

import (
	"bytes"
	"encoding/gob"
	"time"
)

// SystemKind tags the application-level payload carried by a frame.
type SystemKind int

const (
	SystemRequest SystemKind = iota
	SystemReply
	SystemConsensus
	SystemCst
	SystemViewChange
)

// RequestMessage is a client-submitted operation, opaque to the transport
// and log layers — the Operation bytes are encoded by the user's Service
// codec (internal/service).
type RequestMessage struct {
	ClientId  NodeId
	Operation []byte
	Timestamp time.Time
}

// ReplyMessage is the engine's response to a client request.
type ReplyMessage struct {
	ClientId NodeId
	View     SeqNo
	Payload  []byte
}

// ConsensusKind is the PBFT phase a ConsensusMessage belongs to.
type ConsensusKind int

const (
	PrePrepareKind ConsensusKind = iota
	PrepareKind
	CommitKind
)

func (k ConsensusKind) String() string {
	switch k {
	case PrePrepareKind:
		return "pre-prepare"
	case PrepareKind:
		return "prepare"
	case CommitKind:
		return "commit"
	default:
		return "unknown"
	}
}

// ConsensusMessage is a PBFT protocol message. For PrePrepare, Digests is
// the ordered batch of request digests; for Prepare/Commit, Digest is the
// single digest being voted on (the digest of the PrePrepare it refers to).
type ConsensusMessage struct {
	Seq     SeqNo
	View    SeqNo
	Kind    ConsensusKind
	Digests []Digest
	Digest  Digest
}

// CstKind is the phase of the Collaborative State Transfer protocol a
// CstMessage belongs to.
type CstKind int

const (
	RequestLatestConsensusSeq CstKind = iota
	ReplyLatestConsensusSeq
	RequestState
	ReplyState
)

// CstMessage is a Collaborative State Transfer protocol message. State is
// an opaque encoding of a RecoveryState, produced and consumed by the
// internal/rlog codec — the wire layer never inspects it.
type CstMessage struct {
	Seq       SeqNo
	Kind      CstKind
	LatestSeq SeqNo
	State     []byte
}

// SystemMessage is the tagged union carried as a frame's payload.
type SystemMessage struct {
	Kind       SystemKind
	Request    *RequestMessage
	Reply      *ReplyMessage
	Consensus  *ConsensusMessage
	Cst        *CstMessage
	ViewChange []byte
}

// Marshal encodes a SystemMessage for the wire. gob is a reasonable default
// codec here: digests must be stable across replicas of this
// implementation, which a fixed, self-describing Go encoding satisfies
// without needing an external schema.
func (m *SystemMessage) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalSystemMessage decodes a frame payload produced by Marshal.
func UnmarshalSystemMessage(data []byte) (*SystemMessage, error) {
	var m SystemMessage
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}
