// Package schema dispatches between coexisting wire-schema majors. A
// connection is bound to one leaf codec at handshake and keeps it for its
// lifetime; adding a new major means adding a leaf and listing it here.
package schema

import (
	"encoding/binary"

	"carton/internal/protocol"
	v1 "carton/internal/schema/v1"
	v2 "carton/internal/schema/v2"
	"carton/pkg/types"
)

// Codec encodes and decodes envelopes for one interface major.
type Codec interface {
	Version() uint64
	Encode(protocol.Envelope) ([]byte, error)
	Decode([]byte) (protocol.Envelope, error)
}

// CurrentMajor is what newly built runners speak.
const CurrentMajor = v2.Major

// SupportedMajors lists every major this host can talk to.
func SupportedMajors() []uint64 { return []uint64{v1.Major, v2.Major} }

// Supports reports whether major has a leaf codec.
func Supports(major uint64) bool {
	_, err := For(major)
	return err == nil
}

// For returns the leaf codec for major, or InterfaceMismatch.
func For(major uint64) (Codec, error) {
	switch major {
	case v1.Major:
		return v1.Codec{}, nil
	case v2.Major:
		return v2.Codec{}, nil
	default:
		return nil, types.Errorf(types.ErrInterfaceMismatch, "runner interface version %d is not supported (host supports %v)", major, SupportedMajors())
	}
}

// EncodeHello serializes the handshake frame. Its layout sits outside any
// major: a single big-endian u64, readable before a codec is bound.
func EncodeHello(h protocol.Hello) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], h.InterfaceVersion)
	return b[:]
}

// DecodeHello parses the handshake frame.
func DecodeHello(payload []byte) (protocol.Hello, error) {
	if len(payload) != 8 {
		return protocol.Hello{}, types.Errorf(types.ErrDecode, "hello frame is %d bytes, want 8", len(payload))
	}
	return protocol.Hello{InterfaceVersion: binary.BigEndian.Uint64(payload)}, nil
}
