// Package forensic is the post-mortem record produced when an invocation
// crashes: the Forensic Dump and its stable, versioned wire encoding. A
// dump is immutable once constructed; Encode/Decode round-trip it
// byte-for-byte. The wire form is a fixed outer header plus a handful of
// TLV sections, the inner cause/capability fields encoded with the
// protowire tag/length-delimited idiom so new variants can be added
// without breaking decoders at the same version.
package forensic

import (
	"github.com/munition/munition/pkg/capability"
	"github.com/munition/munition/pkg/runtime"
)

// MemoryCodec identifies how MemoryPages is compressed on the wire.
type MemoryCodec uint8

const (
	MemoryCodecNone    MemoryCodec = 0
	MemoryCodecDeflate MemoryCodec = 1
)

// Dump is the in-memory form of a Forensic Dump. Every field is a raw
// value; MemoryPages is always the uncompressed bytes here, compression
// is strictly a wire-encoding concern handled by Encode.
type Dump struct {
	Cause                 Cause
	FuelConsumed          uint64
	FuelRemaining         uint64
	WallTimeNs            uint64
	CapturedAtNs          uint64
	Function              string
	Args                  []runtime.Value
	RequestedCapabilities []capability.Capability
	GrantedCapabilities   []capability.Capability
	Globals               []runtime.Value
	MemoryPages           []byte
	MemoryTruncated       bool
}
