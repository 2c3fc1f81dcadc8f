package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func sampleEnvelope() *Envelope {
	return &Envelope{
		CheckpointID: NewID(),
		ThreadID:     "thread-1",
		CreatedAt:    time.Unix(0, 1700000000123456789),
		Iteration:    7,
		Frontier:     []string{"b", "c"},
		LastNode:     "a",
		State:        []byte("opaque state bytes"),
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	env := sampleEnvelope()

	data, err := env.Encode(0)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(data, 0)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.CheckpointID != env.CheckpointID ||
		decoded.ThreadID != env.ThreadID ||
		!decoded.CreatedAt.Equal(env.CreatedAt) ||
		decoded.Iteration != env.Iteration ||
		decoded.LastNode != env.LastNode ||
		!bytes.Equal(decoded.State, env.State) {
		t.Errorf("decoded = %+v, want %+v", decoded, env)
	}
	if len(decoded.Frontier) != 2 || decoded.Frontier[0] != "b" || decoded.Frontier[1] != "c" {
		t.Errorf("frontier = %v, want [b c]", decoded.Frontier)
	}

	// Byte-stable: re-encoding the decoded envelope reproduces the
	// original bytes exactly.
	again, err := decoded.Encode(0)
	if err != nil {
		t.Fatalf("re-Encode failed: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Error("round-trip is not byte-stable")
	}
}

func TestEnvelope_Frame(t *testing.T) {
	env := sampleEnvelope()
	data, err := env.Encode(0)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if !bytes.Equal(data[:4], []byte{'D', 'F', 'C', '1'}) {
		t.Errorf("magic = %q, want DFC1", data[:4])
	}
	if got := binary.LittleEndian.Uint16(data[4:6]); got != FormatVersion {
		t.Errorf("version = %d, want %d", got, FormatVersion)
	}
	headerLen := binary.LittleEndian.Uint32(data[6:10])
	stateStart := 10 + int(headerLen) + 4
	if got := binary.LittleEndian.Uint32(data[10+headerLen : 10+headerLen+4]); int(got) != len(env.State) {
		t.Errorf("state_len = %d, want %d", got, len(env.State))
	}
	if !bytes.Equal(data[stateStart:stateStart+len(env.State)], env.State) {
		t.Error("state bytes not at expected offset")
	}
}

func TestEnvelope_DecodeRejects(t *testing.T) {
	valid, err := sampleEnvelope().Encode(0)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	t.Run("bad magic", func(t *testing.T) {
		data := append([]byte(nil), valid...)
		data[0] = 'X'
		_, err := Decode(data, 0)
		if !errors.Is(err, ErrCorrupt) {
			t.Errorf("err = %v, want ErrCorrupt", err)
		}
	})

	t.Run("version skew", func(t *testing.T) {
		data := append([]byte(nil), valid...)
		binary.LittleEndian.PutUint16(data[4:6], FormatVersion+1)
		_, err := Decode(data, 0)
		if !errors.Is(err, ErrVersionSkew) {
			t.Errorf("err = %v, want ErrVersionSkew", err)
		}
	})

	t.Run("flipped payload byte fails CRC", func(t *testing.T) {
		data := append([]byte(nil), valid...)
		data[len(data)-10] ^= 0xFF
		_, err := Decode(data, 0)
		if !errors.Is(err, ErrCorrupt) {
			t.Errorf("err = %v, want ErrCorrupt", err)
		}
	})

	t.Run("truncated frame", func(t *testing.T) {
		_, err := Decode(valid[:10], 0)
		if !errors.Is(err, ErrCorrupt) {
			t.Errorf("err = %v, want ErrCorrupt", err)
		}
	})

	t.Run("inconsistent state length", func(t *testing.T) {
		data := append([]byte(nil), valid...)
		headerLen := binary.LittleEndian.Uint32(data[6:10])
		binary.LittleEndian.PutUint32(data[10+headerLen:10+headerLen+4], 9999)
		_, err := Decode(data, 0)
		if !errors.Is(err, ErrCorrupt) {
			t.Errorf("err = %v, want ErrCorrupt", err)
		}
	})

	t.Run("oversize rejected on decode", func(t *testing.T) {
		_, err := Decode(valid, 10)
		if !errors.Is(err, ErrTooLarge) {
			t.Errorf("err = %v, want ErrTooLarge", err)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := Decode(nil, 0)
		if !errors.Is(err, ErrCorrupt) {
			t.Errorf("err = %v, want ErrCorrupt", err)
		}
	})
}

func TestEnvelope_EncodeRejects(t *testing.T) {
	t.Run("oversize state", func(t *testing.T) {
		env := sampleEnvelope()
		env.State = make([]byte, 1024)
		_, err := env.Encode(128)
		if !errors.Is(err, ErrTooLarge) {
			t.Errorf("err = %v, want ErrTooLarge", err)
		}
	})

	t.Run("missing thread id", func(t *testing.T) {
		env := sampleEnvelope()
		env.ThreadID = ""
		if _, err := env.Encode(0); err == nil {
			t.Error("expected error for empty thread id")
		}
	})

	t.Run("missing checkpoint id", func(t *testing.T) {
		env := sampleEnvelope()
		env.CheckpointID = ""
		if _, err := env.Encode(0); err == nil {
			t.Error("expected error for empty checkpoint id")
		}
	})
}

func TestEnvelope_Clone(t *testing.T) {
	env := sampleEnvelope()
	clone := env.Clone()

	clone.State[0] = 'X'
	clone.Frontier[0] = "mutated"

	if env.State[0] == 'X' {
		t.Error("clone aliases state bytes")
	}
	if env.Frontier[0] == "mutated" {
		t.Error("clone aliases frontier slice")
	}
}

func TestCBORCodec_Canonical(t *testing.T) {
	type state struct {
		B int    `cbor:"b"`
		A string `cbor:"a"`
		C []int  `cbor:"c"`
	}
	codec := CBORCodec[state]{}

	value := state{B: 2, A: "x", C: []int{3, 1}}
	first, err := codec.EncodeState(value)
	if err != nil {
		t.Fatalf("EncodeState failed: %v", err)
	}
	second, err := codec.EncodeState(value)
	if err != nil {
		t.Fatalf("EncodeState failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("encoding is not deterministic")
	}

	decoded, err := codec.DecodeState(first)
	if err != nil {
		t.Fatalf("DecodeState failed: %v", err)
	}
	if decoded.A != "x" || decoded.B != 2 || len(decoded.C) != 2 {
		t.Errorf("decoded = %+v, want %+v", decoded, value)
	}
}

func TestCloneState(t *testing.T) {
	type state struct {
		Items []string `cbor:"items"`
	}
	codec := CBORCodec[state]{}

	original := state{Items: []string{"a", "b"}}
	clone, err := CloneState[state](codec, original)
	if err != nil {
		t.Fatalf("CloneState failed: %v", err)
	}
	clone.Items[0] = "mutated"
	if original.Items[0] == "mutated" {
		t.Error("clone aliases the original slice")
	}
}

func TestNewID(t *testing.T) {
	t.Run("unique and valid", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 1000; i++ {
			id := NewID()
			if seen[id] {
				t.Fatalf("duplicate id %s", id)
			}
			seen[id] = true
			if !ValidID(id) {
				t.Fatalf("invalid id %s", id)
			}
		}
	})

	t.Run("time sortable", func(t *testing.T) {
		first := NewID()
		time.Sleep(2 * time.Millisecond)
		second := NewID()
		if !(first < second) {
			t.Errorf("ids not time-ordered: %s >= %s", first, second)
		}
	})

	t.Run("rejects junk", func(t *testing.T) {
		if ValidID("not-a-ulid") {
			t.Error("junk accepted as id")
		}
	})
}
