package zrshare

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Every message on a transport is framed as two segments: a fixed-size
// EnvelopePrefix followed by an EnvelopePayload of the size the prefix
// announces. The prefix is always fixed-width binary so a receiver can frame
// messages before it knows anything about their contents.

// MessageDirection distinguishes requests, responses, and one-way posts on
// a channel. Zero is invalid.
type MessageDirection uint64

const (
	// DirectionSend is a request expecting a response
	DirectionSend MessageDirection = 1

	// DirectionReceive is a response to an earlier request
	DirectionReceive MessageDirection = 2

	// DirectionOneWay is a post; it uses sequence number 0 and never
	// registers a reply waiter
	DirectionOneWay MessageDirection = 3
)

func (d MessageDirection) String() string {
	switch d {
	case DirectionSend:
		return "send"
	case DirectionReceive:
		return "receive"
	case DirectionOneWay:
		return "one_way"
	}
	return fmt.Sprintf("direction(%d)", uint64(d))
}

// EnvelopePrefixSize is the encoded size of an EnvelopePrefix in bytes
const EnvelopePrefixSize = 32

// EnvelopePrefix frames a message on a channel.
type EnvelopePrefix struct {
	Version        uint64           `json:"version"`
	Direction      MessageDirection `json:"direction"`
	SequenceNumber uint64           `json:"sequence_number"`
	PayloadSize    uint64           `json:"payload_size"`
}

// MarshalPrefix encodes the prefix as exactly EnvelopePrefixSize bytes.
func MarshalPrefix(p EnvelopePrefix) []byte {
	w := newWireWriter(false)
	w.U64(p.Version)
	w.U64(uint64(p.Direction))
	w.U64(p.SequenceNumber)
	w.U64(p.PayloadSize)
	return w.buf
}

// UnmarshalPrefix decodes an EnvelopePrefix, validating the direction.
func UnmarshalPrefix(data []byte) (EnvelopePrefix, error) {
	r := newWireReader(data, false)
	var p EnvelopePrefix
	p.Version = r.U64()
	p.Direction = MessageDirection(r.U64())
	p.SequenceNumber = r.U64()
	p.PayloadSize = r.U64()
	if err := r.Err(); err != nil {
		return EnvelopePrefix{}, err
	}
	if p.Direction < DirectionSend || p.Direction > DirectionOneWay {
		return EnvelopePrefix{}, errors.Wrapf(ErrInvalidData, "bad message direction %d", uint64(p.Direction))
	}
	return p, nil
}

// EnvelopePayload carries a payload together with the fingerprint the
// receiver uses to dispatch it to the right decoder.
type EnvelopePayload struct {
	PayloadFingerprint uint64 `json:"payload_fingerprint"`
	Payload            []byte `json:"payload"`
}

// MarshalEnvelopePayload encodes the payload segment.
func MarshalEnvelopePayload(p EnvelopePayload) []byte {
	w := newWireWriter(false)
	w.U64(p.PayloadFingerprint)
	w.Bytes(p.Payload)
	return w.buf
}

// UnmarshalEnvelopePayload decodes the payload segment.
func UnmarshalEnvelopePayload(data []byte) (EnvelopePayload, error) {
	r := newWireReader(data, false)
	var p EnvelopePayload
	p.PayloadFingerprint = r.U64()
	p.Payload = r.Bytes()
	return p, r.Err()
}

// FingerprintOf returns the wire fingerprint of a payload type at a protocol
// version. Fingerprints vary by version so that incompatible revisions of a
// payload cannot be confused for each other.
func FingerprintOf(p Payload, version uint64) uint64 {
	return fingerprintOfName(p.PayloadName(), version)
}

func fingerprintOfName(name string, version uint64) uint64 {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(version >> (8 * i))
	}
	d := xxhash.New()
	_, _ = d.WriteString(name)
	_, _ = d.Write(buf[:])
	return d.Sum64()
}

// InterfaceOrdinalOf hashes an interface's fully qualified name and protocol
// version into its wire ordinal. Generated bindings use this to implement
// their version-indexed id getters.
func InterfaceOrdinalOf(fullName string, version uint64) InterfaceOrdinal {
	return InterfaceOrdinal(fingerprintOfName(fullName, version))
}
