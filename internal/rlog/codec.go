package rlog

import (
	"bytes"
	"encoding/gob"
)

// Marshal encodes a RecoveryState for a CST state reply, using the same
// gob codec as the wire package's SystemMessage for consistency.
func (rs *RecoveryState) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalRecoveryState decodes a RecoveryState produced by Marshal.
func UnmarshalRecoveryState(data []byte) (*RecoveryState, error) {
	var rs RecoveryState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rs); err != nil {
		return nil, err
	}
	return &rs, nil
}
