package forensic

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/munition/munition/pkg/capability"
	"github.com/munition/munition/pkg/runtime"
)

const (
	magic          = "MDMP"
	wireVersion    = uint16(1)
	headerSize     = 40
	flagTruncated  = byte(1 << 0)
	crcSize        = 4
	valueFieldSize = 9 // 1 byte type tag + 8 byte big-endian payload
)

type tlvTag byte

const (
	tagCause                 tlvTag = 1
	tagFunction              tlvTag = 2
	tagArgs                  tlvTag = 3
	tagRequestedCapabilities tlvTag = 4
	tagGrantedCapabilities   tlvTag = 5
	tagGlobals               tlvTag = 6
	tagMemory                tlvTag = 7
)

// DumpFormatError is returned by Decode for any malformed, truncated, or
// unrecognized input.
type DumpFormatError struct {
	Msg string
}

func (e *DumpFormatError) Error() string { return fmt.Sprintf("dump format error: %s", e.Msg) }

// Encode serializes d into the stable dump byte layout: a fixed 40-byte
// header, a sequence of tag+2-byte-length TLV sections, and a trailing
// IEEE CRC32 of everything preceding it. Memory pages are deflate
// compressed; an all-zero or empty memory section is stored uncompressed
// since compression cannot help it.
func Encode(d Dump) ([]byte, error) {
	memCodec := MemoryCodecNone
	memPayload := d.MemoryPages
	if len(d.MemoryPages) > 0 {
		compressed, err := deflate(d.MemoryPages)
		if err != nil {
			return nil, fmt.Errorf("compress memory: %w", err)
		}
		if len(compressed) < len(d.MemoryPages) {
			memCodec = MemoryCodecDeflate
			memPayload = compressed
		}
	}

	var flags byte
	if d.MemoryTruncated {
		flags |= flagTruncated
	}

	header := make([]byte, headerSize)
	copy(header[0:4], magic)
	binary.BigEndian.PutUint16(header[4:6], wireVersion)
	header[6] = byte(memCodec)
	header[7] = flags
	binary.BigEndian.PutUint64(header[8:16], d.FuelConsumed)
	binary.BigEndian.PutUint64(header[16:24], d.FuelRemaining)
	binary.BigEndian.PutUint64(header[24:32], d.WallTimeNs)
	binary.BigEndian.PutUint64(header[32:40], d.CapturedAtNs)

	out := header
	for _, section := range []struct {
		tag     tlvTag
		payload []byte
	}{
		{tagCause, encodeCause(d.Cause)},
		{tagFunction, []byte(d.Function)},
		{tagArgs, encodeValues(d.Args)},
		{tagRequestedCapabilities, encodeCapabilities(d.RequestedCapabilities)},
		{tagGrantedCapabilities, encodeCapabilities(d.GrantedCapabilities)},
		{tagGlobals, encodeValues(d.Globals)},
	} {
		if len(section.payload) > math.MaxUint16 {
			return nil, fmt.Errorf("section %d payload %d bytes exceeds 2-byte length prefix", section.tag, len(section.payload))
		}
		out = appendTLV(out, section.tag, section.payload)
	}
	// The memory section carries whole linear memories, which outgrow a
	// 2-byte length at a single page; it is framed with a 4-byte length.
	out = appendMemoryTLV(out, memPayload)

	sum := crc32.ChecksumIEEE(out)
	out = binary.BigEndian.AppendUint32(out, sum)
	return out, nil
}

// Decode parses bytes produced by Encode, rejecting unknown magic,
// unsupported version, truncated input, or a mismatched CRC.
func Decode(b []byte) (Dump, error) {
	var d Dump
	if len(b) < headerSize+crcSize {
		return d, &DumpFormatError{Msg: "input shorter than fixed header and trailer"}
	}
	if string(b[0:4]) != magic {
		return d, &DumpFormatError{Msg: "bad magic"}
	}
	version := binary.BigEndian.Uint16(b[4:6])
	if version != wireVersion {
		return d, &DumpFormatError{Msg: fmt.Sprintf("unsupported version %d", version)}
	}

	body := b[:len(b)-crcSize]
	wantSum := binary.BigEndian.Uint32(b[len(b)-crcSize:])
	if gotSum := crc32.ChecksumIEEE(body); gotSum != wantSum {
		return d, &DumpFormatError{Msg: "crc32 mismatch"}
	}

	memCodec := MemoryCodec(b[6])
	flags := b[7]
	d.MemoryTruncated = flags&flagTruncated != 0
	d.FuelConsumed = binary.BigEndian.Uint64(b[8:16])
	d.FuelRemaining = binary.BigEndian.Uint64(b[16:24])
	d.WallTimeNs = binary.BigEndian.Uint64(b[24:32])
	d.CapturedAtNs = binary.BigEndian.Uint64(b[32:40])

	rest := body[headerSize:]
	sections := map[tlvTag][]byte{}
	for len(rest) > 0 {
		tag := tlvTag(rest[0])
		var length int
		if tag == tagMemory {
			if len(rest) < 5 {
				return d, &DumpFormatError{Msg: "truncated memory tlv header"}
			}
			length = int(binary.BigEndian.Uint32(rest[1:5]))
			rest = rest[5:]
		} else {
			if len(rest) < 3 {
				return d, &DumpFormatError{Msg: "truncated tlv header"}
			}
			length = int(binary.BigEndian.Uint16(rest[1:3]))
			rest = rest[3:]
		}
		if length > len(rest) {
			return d, &DumpFormatError{Msg: "truncated tlv payload"}
		}
		sections[tag] = rest[:length]
		rest = rest[length:]
	}

	cause, err := decodeCause(sections[tagCause])
	if err != nil {
		return d, err
	}
	d.Cause = cause
	d.Function = string(sections[tagFunction])

	if d.Args, err = decodeValues(sections[tagArgs]); err != nil {
		return d, err
	}
	if d.Globals, err = decodeValues(sections[tagGlobals]); err != nil {
		return d, err
	}
	if d.RequestedCapabilities, err = decodeCapabilities(sections[tagRequestedCapabilities]); err != nil {
		return d, err
	}
	if d.GrantedCapabilities, err = decodeCapabilities(sections[tagGrantedCapabilities]); err != nil {
		return d, err
	}

	memPayload := sections[tagMemory]
	switch memCodec {
	case MemoryCodecNone:
		if len(memPayload) > 0 {
			d.MemoryPages = append([]byte(nil), memPayload...)
		}
	case MemoryCodecDeflate:
		plain, err := inflate(memPayload)
		if err != nil {
			return d, &DumpFormatError{Msg: fmt.Sprintf("inflate memory: %v", err)}
		}
		d.MemoryPages = plain
	default:
		return d, &DumpFormatError{Msg: fmt.Sprintf("unknown memory codec %d", memCodec)}
	}

	return d, nil
}

func appendTLV(b []byte, tag tlvTag, payload []byte) []byte {
	b = append(b, byte(tag))
	b = binary.BigEndian.AppendUint16(b, uint16(len(payload)))
	return append(b, payload...)
}

func appendMemoryTLV(b []byte, payload []byte) []byte {
	b = append(b, byte(tagMemory))
	b = binary.BigEndian.AppendUint32(b, uint32(len(payload)))
	return append(b, payload...)
}

func encodeCause(c Cause) []byte {
	var b []byte
	b = append(b, byte(c.Kind))
	switch c.Kind {
	case CauseTrap:
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(c.TrapKind))
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(c.Message))
	case CauseHostDenied:
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(c.Capability))
	case CauseInstantiationFailed:
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(c.Reason))
	}
	if c.Kind != CauseTrap && c.Message != "" {
		// Capture-degraded notes can ride on any cause kind.
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(c.Message))
	}
	return b
}

func decodeCause(b []byte) (Cause, error) {
	if len(b) < 1 {
		return Cause{}, &DumpFormatError{Msg: "empty cause section"}
	}
	kind := CauseKind(b[0])
	rest := b[1:]
	c := Cause{Kind: kind}
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 || typ != protowire.BytesType {
			return Cause{}, &DumpFormatError{Msg: "invalid cause field tag"}
		}
		rest = rest[n:]
		v, n := protowire.ConsumeBytes(rest)
		if n < 0 {
			return Cause{}, &DumpFormatError{Msg: "invalid cause field value"}
		}
		rest = rest[n:]
		if num == 2 {
			c.Message = string(v)
			continue
		}
		switch kind {
		case CauseTrap:
			if num == 1 {
				c.TrapKind = runtime.TrapKind(v)
			}
		case CauseHostDenied:
			if num == 1 {
				c.Capability = capability.Capability(v)
			}
		case CauseInstantiationFailed:
			if num == 1 {
				c.Reason = string(v)
			}
		}
	}
	return c, nil
}

func encodeValues(values []runtime.Value) []byte {
	out := make([]byte, 0, len(values)*valueFieldSize)
	for _, v := range values {
		out = append(out, byte(v.Type))
		var bits uint64
		switch v.Type {
		case runtime.ValueTypeI32:
			bits = uint64(uint32(v.I32))
		case runtime.ValueTypeI64:
			bits = uint64(v.I64)
		case runtime.ValueTypeF32:
			bits = uint64(math.Float32bits(v.F32))
		case runtime.ValueTypeF64:
			bits = math.Float64bits(v.F64)
		}
		out = binary.BigEndian.AppendUint64(out, bits)
	}
	return out
}

func decodeValues(b []byte) ([]runtime.Value, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%valueFieldSize != 0 {
		return nil, &DumpFormatError{Msg: "value section length not a multiple of entry size"}
	}
	out := make([]runtime.Value, 0, len(b)/valueFieldSize)
	for len(b) > 0 {
		typ := runtime.ValueType(b[0])
		bits := binary.BigEndian.Uint64(b[1:9])
		b = b[valueFieldSize:]
		switch typ {
		case runtime.ValueTypeI32:
			out = append(out, runtime.I32Value(int32(uint32(bits))))
		case runtime.ValueTypeI64:
			out = append(out, runtime.I64Value(int64(bits)))
		case runtime.ValueTypeF32:
			out = append(out, runtime.F32Value(math.Float32frombits(uint32(bits))))
		case runtime.ValueTypeF64:
			out = append(out, runtime.F64Value(math.Float64frombits(bits)))
		default:
			return nil, &DumpFormatError{Msg: fmt.Sprintf("unknown value type tag %d", typ)}
		}
	}
	return out, nil
}

func encodeCapabilities(caps []capability.Capability) []byte {
	var b []byte
	for _, c := range caps {
		b = protowire.AppendBytes(b, []byte(c))
	}
	return b
}

func decodeCapabilities(b []byte) ([]capability.Capability, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []capability.Capability
	for len(b) > 0 {
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, &DumpFormatError{Msg: "invalid capability entry"}
		}
		out = append(out, capability.Capability(v))
		b = b[n:]
	}
	return out, nil
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}
