// Package service defines the deterministic-application seam the engine
// executes against, plus
// a JSON Codec helper and a small example key-value Service used by tests
// and cmd/client.
package service

import "encoding/json"

// Service is the user-supplied deterministic state machine. State, Request,
// and Reply are the state/request/reply triple an application supplies.
type Service[State, Request, Reply any] interface {
	// InitialState returns the service's state before any request is applied.
	InitialState() State

	// Update applies req to state in place and returns the reply.
	Update(state *State, req Request) Reply
}

// Codec (de)serializes a value of type T for wire transmission and
// checkpoint storage. The engine never needs to inspect T itself — only to
// move bytes between replicas and into the request/reply log.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// JSONCodec is the default Codec, using the standard json.Marshal/
// json.Unmarshal idiom for message payloads.
type JSONCodec[T any] struct{}

// Encode implements Codec.
func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

// Decode implements Codec.
func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
