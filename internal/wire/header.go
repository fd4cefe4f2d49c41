package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"sync"
)

// CurrentVersion is the only header version this module accepts.
const CurrentVersion uint32 = 0

const (
	// DigestLen is the width of a SHA-256 digest.
	DigestLen = sha256.Size
	// SigLen is the width of an Ed25519 signature.
	SigLen = 64

	// HeaderLength is the fixed on-wire size of a Header: five u32/u64
	// scalar fields, a digest, and a signature (124 bytes).
	HeaderLength = 4 + 4 + 4 + 8 + 8 + DigestLen + SigLen
)

// NodeId is an opaque replica or client identifier. Replicas occupy
// [0, n); clients occupy [first_cli, +inf).
type NodeId uint32

// Digest is a SHA-256 hash.
type Digest [DigestLen]byte

// Signature is an Ed25519 signature.
type Signature [SigLen]byte

// Header is the fixed-size frame preamble. It is memcpy-serializable in
// little-endian byte order on little-endian hosts; Marshal/Unmarshal do the
// byte-swapping explicitly so the wire format is host-independent.
type Header struct {
	Version   uint32
	From      NodeId
	To        NodeId
	Nonce     uint64
	Length    uint64
	Digest    Digest
	Signature Signature
}

// digestPool pools SHA-256 hash state to avoid a fresh hasher allocation
// per frame on the hot send/receive path.
var digestPool = sync.Pool{
	New: func() interface{} { return sha256.New() },
}

// HashPayload computes the SHA-256 digest of a payload using the pool.
func HashPayload(payload []byte) Digest {
	h := digestPool.Get().(hash.Hash)
	defer digestPool.Put(h)
	h.Reset()
	h.Write(payload)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Marshal serializes the header into a HeaderLength-byte little-endian buffer.
func (h *Header) Marshal() []byte {
	buf := make([]byte, HeaderLength)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], h.Version)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(h.From))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(h.To))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], h.Nonce)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.Length)
	off += 8
	copy(buf[off:], h.Digest[:])
	off += DigestLen
	copy(buf[off:], h.Signature[:])
	return buf
}

// UnmarshalHeader parses a HeaderLength-byte buffer into a Header.
func UnmarshalHeader(buf []byte) (Header, bool) {
	var h Header
	if len(buf) != HeaderLength {
		return h, false
	}
	off := 0
	h.Version = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.From = NodeId(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	h.To = NodeId(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	h.Nonce = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.Length = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	copy(h.Digest[:], buf[off:off+DigestLen])
	off += DigestLen
	copy(h.Signature[:], buf[off:off+SigLen])
	return h, true
}

// PayloadLength returns the declared payload length for a read loop.
func (h *Header) PayloadLength() uint64 {
	return h.Length
}

// signedFields returns the byte tuple the signature is computed over:
// version ‖ from ‖ to ‖ nonce ‖ length ‖ digest.
func signedFields(version uint32, from, to NodeId, nonce, length uint64, digest Digest) []byte {
	buf := make([]byte, 4+4+4+8+8+DigestLen)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], version)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(from))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(to))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], nonce)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], length)
	off += 8
	copy(buf[off:], digest[:])
	return buf
}
