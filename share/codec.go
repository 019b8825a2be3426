package zrshare

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Encoding selects how a payload is serialized on the wire. Both ends of a
// call must agree per-call via the encoding field in the call envelope.
type Encoding uint64

const (
	// EncodingDefault is treated as EncodingBinary
	EncodingDefault Encoding = 0

	// EncodingBinary is fixed-width little-endian binary
	EncodingBinary Encoding = 1

	// EncodingCompactBinary is varint-compacted binary
	EncodingCompactBinary Encoding = 2

	// EncodingJSON is UTF-8 JSON, mainly for debugging and cross-tooling
	EncodingJSON Encoding = 3
)

func (e Encoding) String() string {
	switch e {
	case EncodingDefault:
		return "default"
	case EncodingBinary:
		return "binary"
	case EncodingCompactBinary:
		return "compact_binary"
	case EncodingJSON:
		return "json"
	}
	return fmt.Sprintf("encoding(%d)", uint64(e))
}

// Payload is implemented by every message that can cross a transport. The
// field marshallers serve the two binary encodings; the JSON encoding uses
// the struct's json tags directly.
type Payload interface {
	// PayloadName returns the stable wire name of the payload type, hashed
	// with the protocol version into the payload fingerprint
	PayloadName() string

	marshalFields(w *wireWriter)
	unmarshalFields(r *wireReader)
}

// Marshal serializes a payload under the given encoding.
func Marshal(enc Encoding, p Payload) ([]byte, error) {
	switch enc {
	case EncodingDefault, EncodingBinary, EncodingCompactBinary:
		w := newWireWriter(enc == EncodingCompactBinary)
		p.marshalFields(w)
		return w.buf, nil
	case EncodingJSON:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidData, err.Error())
		}
		return b, nil
	}
	return nil, errors.Wrapf(ErrInvalidData, "unknown encoding %d", uint64(enc))
}

// Unmarshal deserializes a payload under the given encoding.
func Unmarshal(enc Encoding, data []byte, p Payload) error {
	switch enc {
	case EncodingDefault, EncodingBinary, EncodingCompactBinary:
		r := newWireReader(data, enc == EncodingCompactBinary)
		p.unmarshalFields(r)
		return r.Err()
	case EncodingJSON:
		if err := json.Unmarshal(data, p); err != nil {
			return errors.Wrap(ErrInvalidData, err.Error())
		}
		return nil
	}
	return errors.Wrapf(ErrInvalidData, "unknown encoding %d", uint64(enc))
}

// SizeSaved reports how many bytes the given encoding saved (or, if
// negative, cost) for a payload relative to the fixed binary encoding.
// Telemetry sinks use it to report compaction effectiveness; it has no
// effect on correctness.
func SizeSaved(enc Encoding, p Payload) int64 {
	fixed, err := Marshal(EncodingBinary, p)
	if err != nil {
		return 0
	}
	actual, err := Marshal(enc, p)
	if err != nil {
		return 0
	}
	return int64(len(fixed)) - int64(len(actual))
}
