// Package checkpoint provides the durable checkpoint trail for graph
// execution: a framed binary envelope format and a Checkpointer contract
// shared by in-memory, file-system, SQLite, MySQL, Redis, and Postgres
// backends.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Frame constants. All integers in the frame are little-endian.
var (
	magicCheckpoint = [4]byte{'D', 'F', 'C', '1'}
	magicIndex      = [4]byte{'D', 'F', 'I', '1'}
)

const (
	// FormatVersion is the envelope frame version this package writes.
	FormatVersion uint16 = 1

	// DefaultMaxEnvelopeBytes caps encoded envelope size. Backends accept
	// a different cap via options; 0 means this default.
	DefaultMaxEnvelopeBytes = 16 << 20

	// frameOverhead is magic(4)+version(2)+headerLen(4)+stateLen(4)+crc(4).
	frameOverhead = 18
)

// Sentinel errors shared by the codec and every backend.
var (
	// ErrNotFound reports that the requested checkpoint or thread does
	// not exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt reports stored bytes that fail to decode: bad magic,
	// bad CRC, or inconsistent lengths.
	ErrCorrupt = errors.New("checkpoint corrupt")

	// ErrTooLarge reports an envelope over the configured size cap.
	ErrTooLarge = errors.New("envelope too large")

	// ErrVersionSkew reports a frame version this build does not speak.
	// Version mismatch is never silently accepted.
	ErrVersionSkew = errors.New("envelope version skew")

	// ErrBackendFailed reports a checkpointer instance that suffered a
	// fatal index write failure and refuses further operations.
	ErrBackendFailed = errors.New("checkpointer failed")
)

// Envelope is one checkpoint record: engine metadata plus the opaque
// serialized user state.
//
// Within one thread, envelopes are totally ordered by CreatedAt;
// CheckpointID is unique per backend and time-sortable (ULID).
type Envelope struct {
	// CheckpointID identifies this record. Assign with NewID.
	CheckpointID string

	// ThreadID groups checkpoints for resumption.
	ThreadID string

	// CreatedAt is the creation timestamp. Encoded as nanoseconds since
	// the UNIX epoch.
	CreatedAt time.Time

	// Iteration is the engine's node-execution count at save time.
	Iteration int

	// Frontier is the node set the engine will execute next when
	// resuming from this checkpoint.
	Frontier []string

	// LastNode is the last completed node, empty before the first step.
	LastNode string

	// State is the serialized user state, opaque to this package.
	State []byte
}

// envelopeHeader is the CBOR header map inside the frame. Canonical
// encoding keeps the byte output stable across round trips.
type envelopeHeader struct {
	CheckpointID string   `cbor:"checkpoint_id"`
	ThreadID     string   `cbor:"thread_id"`
	CreatedAt    uint64   `cbor:"created_at"`
	Iteration    uint32   `cbor:"iteration"`
	Frontier     []string `cbor:"frontier"`
	LastNode     string   `cbor:"last_node,omitempty"`
}

var (
	headerEncMode cbor.EncMode
	headerDecMode cbor.DecMode
)

func init() {
	var err error
	headerEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("checkpoint: cbor enc mode: %v", err))
	}
	headerDecMode, err = cbor.DecOptions{
		MaxNestedLevels: 16,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("checkpoint: cbor dec mode: %v", err))
	}
}

func capOrDefault(maxBytes int) int {
	if maxBytes <= 0 {
		return DefaultMaxEnvelopeBytes
	}
	return maxBytes
}

// Encode frames the envelope:
//
//	magic(4) | version(2) | header_len(4) | header | state_len(4) | state | crc32(4)
//
// maxBytes caps the encoded size; 0 means DefaultMaxEnvelopeBytes.
// Encoding is canonical: Encode(Decode(x)) reproduces x byte for byte.
func (e *Envelope) Encode(maxBytes int) ([]byte, error) {
	if err := validateForSave(e); err != nil {
		return nil, err
	}

	hdr := envelopeHeader{
		CheckpointID: e.CheckpointID,
		ThreadID:     e.ThreadID,
		CreatedAt:    uint64(e.CreatedAt.UnixNano()), // #nosec G115 -- timestamps are post-1970
		Iteration:    uint32(e.Iteration),            // #nosec G115 -- bounded by recursion limit
		Frontier:     e.Frontier,
		LastNode:     e.LastNode,
	}
	headerBytes, err := headerEncMode.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("encode envelope header: %w", err)
	}

	limit := capOrDefault(maxBytes)
	total := frameOverhead + len(headerBytes) + len(e.State)
	if total > limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds cap %d", ErrTooLarge, total, limit)
	}

	return encodeFrame(magicCheckpoint, headerBytes, e.State), nil
}

// Decode parses a framed envelope, verifying magic, version, lengths,
// and CRC. maxBytes caps accepted input; 0 means the default cap.
func Decode(data []byte, maxBytes int) (*Envelope, error) {
	headerBytes, state, err := decodeFrame(data, magicCheckpoint, maxBytes)
	if err != nil {
		return nil, err
	}

	var hdr envelopeHeader
	if err := headerDecMode.Unmarshal(headerBytes, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if hdr.ThreadID == "" || hdr.CheckpointID == "" {
		return nil, fmt.Errorf("%w: header missing identity", ErrCorrupt)
	}

	return &Envelope{
		CheckpointID: hdr.CheckpointID,
		ThreadID:     hdr.ThreadID,
		CreatedAt:    time.Unix(0, int64(hdr.CreatedAt)), // #nosec G115 -- encoded from UnixNano
		Iteration:    int(hdr.Iteration),
		Frontier:     hdr.Frontier,
		LastNode:     hdr.LastNode,
		State:        state,
	}, nil
}

// Clone returns a deep copy so backends never alias caller memory.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	out := *e
	if e.Frontier != nil {
		out.Frontier = append([]string(nil), e.Frontier...)
	}
	if e.State != nil {
		out.State = append([]byte(nil), e.State...)
	}
	return &out
}

// encodeFrame assembles the shared frame used by both checkpoint and
// index records.
func encodeFrame(magic [4]byte, header, state []byte) []byte {
	total := frameOverhead + len(header) + len(state)
	buf := make([]byte, 0, total)
	buf = append(buf, magic[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, FormatVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(header))) // #nosec G115 -- capped above
	buf = append(buf, header...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(state))) // #nosec G115 -- capped above
	buf = append(buf, state...)
	crc := crc32.ChecksumIEEE(buf)
	buf = binary.LittleEndian.AppendUint32(buf, crc)
	return buf
}

// decodeFrame validates the shared frame and returns header and state
// slices (copies, so the caller may retain them).
func decodeFrame(data []byte, magic [4]byte, maxBytes int) (header, state []byte, err error) {
	limit := capOrDefault(maxBytes)
	if len(data) > limit {
		return nil, nil, fmt.Errorf("%w: %d bytes exceeds cap %d", ErrTooLarge, len(data), limit)
	}
	if len(data) < frameOverhead {
		return nil, nil, fmt.Errorf("%w: truncated frame (%d bytes)", ErrCorrupt, len(data))
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return nil, nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, data[:4])
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if version != FormatVersion {
		return nil, nil, fmt.Errorf("%w: version %d, want %d", ErrVersionSkew, version, FormatVersion)
	}

	headerLen := int(binary.LittleEndian.Uint32(data[6:10]))
	if headerLen < 0 || 10+headerLen+4 > len(data) {
		return nil, nil, fmt.Errorf("%w: header length %d out of range", ErrCorrupt, headerLen)
	}
	headerEnd := 10 + headerLen
	stateLen := int(binary.LittleEndian.Uint32(data[headerEnd : headerEnd+4]))
	stateStart := headerEnd + 4
	if stateLen < 0 || stateStart+stateLen+4 != len(data) {
		return nil, nil, fmt.Errorf("%w: state length %d inconsistent with frame", ErrCorrupt, stateLen)
	}

	body := data[:len(data)-4]
	want := binary.LittleEndian.Uint32(data[len(data)-4:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, nil, fmt.Errorf("%w: crc mismatch (got %08x, want %08x)", ErrCorrupt, got, want)
	}

	header = append([]byte(nil), data[10:headerEnd]...)
	state = append([]byte(nil), data[stateStart:stateStart+stateLen]...)
	return header, state, nil
}
