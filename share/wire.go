package zrshare

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// wireWriter serializes payload fields into a byte buffer. In fixed mode
// every integer is a little-endian 8-byte word; in compact mode integers are
// unsigned varints, which is what puts the "compact" in
// EncodingCompactBinary. Byte strings are length-prefixed in either mode.
type wireWriter struct {
	buf     []byte
	compact bool
}

func newWireWriter(compact bool) *wireWriter {
	return &wireWriter{buf: make([]byte, 0, 64), compact: compact}
}

func (w *wireWriter) U64(v uint64) {
	if w.compact {
		w.buf = binary.AppendUvarint(w.buf, v)
	} else {
		w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	}
}

func (w *wireWriter) U8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *wireWriter) Bytes(b []byte) {
	w.U64(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// wireReader is the matching deserializer. The first malformed field poisons
// the reader; callers check Err once after all fields are consumed.
type wireReader struct {
	data    []byte
	off     int
	compact bool
	err     error
}

func newWireReader(data []byte, compact bool) *wireReader {
	return &wireReader{data: data, compact: compact}
}

func (r *wireReader) fail(msg string) {
	if r.err == nil {
		r.err = errors.Wrap(ErrInvalidData, msg)
	}
}

func (r *wireReader) U64() uint64 {
	if r.err != nil {
		return 0
	}
	if r.compact {
		v, n := binary.Uvarint(r.data[r.off:])
		if n <= 0 {
			r.fail("truncated varint")
			return 0
		}
		r.off += n
		return v
	}
	if r.off+8 > len(r.data) {
		r.fail("truncated u64")
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

func (r *wireReader) U8() uint8 {
	if r.err != nil {
		return 0
	}
	if r.off+1 > len(r.data) {
		r.fail("truncated u8")
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

func (r *wireReader) Bytes() []byte {
	n := r.U64()
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.data)-r.off) {
		r.fail("truncated byte string")
		return nil
	}
	b := make([]byte, n)
	copy(b, r.data[r.off:r.off+int(n)])
	r.off += int(n)
	return b
}

// Err returns the first decode failure, or nil
func (r *wireReader) Err() error {
	return r.err
}

// Remaining returns the number of unconsumed bytes
func (r *wireReader) Remaining() int {
	return len(r.data) - r.off
}
