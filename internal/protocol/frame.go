package protocol

import (
	"fmt"
)

const (
	// MagicHi and MagicLo open every frame.
	MagicHi byte = 0x55
	MagicLo byte = 0xAA

	// HeaderSize covers magic(2), declared length, sequence, command and type.
	HeaderSize = 6
	// TrailerSize is the trailing checksum byte.
	TrailerSize = 1

	// lengthOverhead is what the declared length counts besides the payload:
	// the length byte itself, sequence, command and type.
	lengthOverhead = 4

	// MaxPayloadSize is the largest payload a single-byte declared length can describe.
	MaxPayloadSize = 0xFF - lengthOverhead

	// MaxFrameSize is the largest encodable frame.
	MaxFrameSize = HeaderSize + MaxPayloadSize + TrailerSize

	// DefaultFragmentSize is the ATT payload size of a default-MTU notification.
	DefaultFragmentSize = 20

	// TypeRequest is the type byte carried by host-originated commands.
	TypeRequest byte = 1
)

// Frame is a decoded protocol unit. Command ids are shared between a request
// and its response.
type Frame struct {
	Seq     uint8
	Command uint8
	Type    uint8
	Payload []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("frame{seq=%d cmd=%d type=%d payload=% x}", f.Seq, f.Command, f.Type, f.Payload)
}

// Codec encodes and decodes whole frames. The zero value uses XORChecksum.
type Codec struct {
	Checksum ChecksumFunc
}

// DefaultCodec is the codec used by the fountain protocol.
var DefaultCodec = Codec{Checksum: XORChecksum}

func (c Codec) checksum() ChecksumFunc {
	if c.Checksum == nil {
		return XORChecksum
	}
	return c.Checksum
}

// Encode builds the wire representation of f.
func (c Codec) Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrLengthOverflow, len(f.Payload), MaxPayloadSize)
	}

	buf := make([]byte, 0, HeaderSize+len(f.Payload)+TrailerSize)
	buf = append(buf, MagicHi, MagicLo, byte(len(f.Payload)+lengthOverhead), f.Seq, f.Command, f.Type)
	buf = append(buf, f.Payload...)
	buf = append(buf, c.checksum()(buf[2:]))
	return buf, nil
}

// Decode parses exactly one complete frame. Trailing bytes are an error.
func (c Codec) Decode(raw []byte) (Frame, error) {
	if len(raw) < HeaderSize+TrailerSize {
		return Frame{}, fmt.Errorf("%w: %d bytes is shorter than an empty frame", ErrMalformedHeader, len(raw))
	}
	if raw[0] != MagicHi || raw[1] != MagicLo {
		return Frame{}, fmt.Errorf("%w: bad magic %02x%02x", ErrMalformedHeader, raw[0], raw[1])
	}

	total, err := FrameLength(raw[2])
	if err != nil {
		return Frame{}, err
	}
	if len(raw) != total {
		return Frame{}, fmt.Errorf("%w: declared %d bytes, got %d", ErrLengthOverflow, total, len(raw))
	}

	body := raw[2 : total-1]
	if sum := c.checksum()(body); sum != raw[total-1] {
		return Frame{}, fmt.Errorf("%w: computed %02x, frame carries %02x", ErrChecksum, sum, raw[total-1])
	}

	payload := make([]byte, total-HeaderSize-TrailerSize)
	copy(payload, raw[HeaderSize:total-1])
	return Frame{
		Seq:     raw[3],
		Command: raw[4],
		Type:    raw[5],
		Payload: payload,
	}, nil
}

// Encode encodes f with the default codec.
func Encode(f Frame) ([]byte, error) {
	return DefaultCodec.Encode(f)
}

// Decode decodes raw with the default codec.
func Decode(raw []byte) (Frame, error) {
	return DefaultCodec.Decode(raw)
}

// FrameLength converts the declared length byte into the total frame size.
func FrameLength(declared byte) (int, error) {
	if int(declared) < lengthOverhead {
		return 0, fmt.Errorf("%w: declared length %d below minimum %d", ErrMalformedHeader, declared, lengthOverhead)
	}
	return int(declared) - lengthOverhead + HeaderSize + TrailerSize, nil
}

// Split cuts an encoded frame into notification-sized fragments.
func Split(raw []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultFragmentSize
	}
	out := make([][]byte, 0, (len(raw)+size-1)/size)
	for len(raw) > 0 {
		n := min(size, len(raw))
		out = append(out, raw[:n:n])
		raw = raw[n:]
	}
	return out
}
