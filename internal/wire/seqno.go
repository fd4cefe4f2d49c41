// Package wire implements the fixed-layout frame header, the signed frame
// envelope, and the sequence-number algebra shared by every other package
// in this module.
package wire

import "fmt"

// SeqNo is a signed, wrap-safe 32-bit sequence number. Arithmetic never
// promotes it to an unsigned counter: wrap-around at the top of the signed
// range is part of its contract, not an edge case to paper over.
type SeqNo int32

const (
	// Period is the checkpoint interval: a checkpoint begins whenever a
	// decided sequence number is a positive multiple of Period.
	Period = 1000

	// OverflowThresPos bounds how large |self-other| can be before it is
	// treated as evidence of sequence-space wrap-around rather than a
	// genuinely distant sequence number.
	OverflowThresPos = 10_000

	// DropSeqNoThres bounds how far into the future a message may sit
	// before the TBO queue refuses to buffer it.
	DropSeqNoThres = Period + Period/2

	maxSeqNo int32 = 1<<31 - 1
)

// IndexResult classifies the outcome of SeqNo.Index.
type IndexResult int

const (
	// IndexOK means the index is within the TBO queue's lookahead window.
	IndexOK IndexResult = iota
	// IndexSmall means the message is older than curr_seq and must be dropped.
	IndexSmall
	// IndexBig means the message is further ahead than DropSeqNoThres and
	// must be dropped to bound memory and filter far-future DoS attempts.
	IndexBig
)

func (r IndexResult) String() string {
	switch r {
	case IndexOK:
		return "ok"
	case IndexSmall:
		return "small"
	case IndexBig:
		return "big"
	default:
		return "unknown"
	}
}

// Next returns the successor sequence number, wrapping i32::MAX to 0.
func (s SeqNo) Next() SeqNo {
	if int32(s) == maxSeqNo {
		return 0
	}
	return s + 1
}

// Index returns the distance self-other in sequence space, correcting for
// wrap-around, along with a classification of that distance. idx is the
// corrected distance for IndexOK and IndexBig, and 0 for IndexSmall.
func (s SeqNo) Index(other SeqNo) (idx int, result IndexResult) {
	diff := int64(s) - int64(other)
	if diff > OverflowThresPos || diff < -OverflowThresPos {
		diff += int64(maxSeqNo) + 1
	}

	switch {
	case diff < 0:
		return 0, IndexSmall
	case diff > DropSeqNoThres:
		return int(diff), IndexBig
	default:
		return int(diff), IndexOK
	}
}

// String renders the sequence number for logs.
func (s SeqNo) String() string {
	return fmt.Sprintf("%d", int32(s))
}
