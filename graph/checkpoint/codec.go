package checkpoint

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// StateCodec converts user state to and from the opaque bytes carried in
// an envelope. The encoding must be canonical: encoding the same value
// twice yields identical bytes, or checkpoint round-trip guarantees
// break.
type StateCodec[S any] interface {
	EncodeState(state S) ([]byte, error)
	DecodeState(data []byte) (S, error)
}

// CBORCodec is the default StateCodec: CBOR Core Deterministic Encoding,
// which sorts map keys and forbids indefinite lengths, so output is
// byte-stable across encodes.
type CBORCodec[S any] struct{}

var (
	stateEncMode cbor.EncMode
	stateDecMode cbor.DecMode
)

func init() {
	var err error
	stateEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("checkpoint: state enc mode: %v", err))
	}
	stateDecMode, err = cbor.DecOptions{MaxNestedLevels: 32}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("checkpoint: state dec mode: %v", err))
	}
}

// EncodeState marshals the state canonically.
func (CBORCodec[S]) EncodeState(state S) ([]byte, error) {
	data, err := stateEncMode.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// DecodeState unmarshals state bytes.
func (CBORCodec[S]) DecodeState(data []byte) (S, error) {
	var state S
	if err := stateDecMode.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("%w: state: %v", ErrCorrupt, err)
	}
	return state, nil
}

// CloneState produces an independent deep copy by round-tripping through
// the codec. Parallel branches each receive one.
func CloneState[S any](codec StateCodec[S], state S) (S, error) {
	var zero S
	data, err := codec.EncodeState(state)
	if err != nil {
		return zero, err
	}
	return codec.DecodeState(data)
}
