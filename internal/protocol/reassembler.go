package protocol

import (
	"errors"
	"fmt"

	"github.com/smallnest/ringbuffer"
)

// Status is the outcome of feeding one fragment to a Reassembler.
type Status int

const (
	Incomplete Status = iota
	Complete
	Invalid
)

func (s Status) String() string {
	switch s {
	case Incomplete:
		return "incomplete"
	case Complete:
		return "complete"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Reassembler accumulates notification fragments into a single frame.
//
// It is owned by one exchange and must not be shared between goroutines.
// After Complete or Invalid the buffer is empty and the reassembler is ready
// for the next frame.
type Reassembler struct {
	codec    Codec
	expect   uint8
	matchAny bool
	buf      *ringbuffer.RingBuffer
	head     [3]byte // magic and declared length of the frame in progress
	headLen  int
	want     int // total bytes of the frame in progress, 0 until the header is known
}

// NewReassembler returns a reassembler that only accepts frames for command expect.
func NewReassembler(codec Codec, expect uint8) *Reassembler {
	return &Reassembler{
		codec:  codec,
		expect: expect,
		buf:    ringbuffer.New(MaxFrameSize),
	}
}

// NewAnyReassembler returns a reassembler that accepts frames for every command.
func NewAnyReassembler(codec Codec) *Reassembler {
	r := NewReassembler(codec, 0)
	r.matchAny = true
	return r
}

// Pending reports the number of buffered bytes of the frame in progress.
func (r *Reassembler) Pending() int {
	return r.buf.Length()
}

// Reset discards any partial frame.
func (r *Reassembler) Reset() {
	r.buf.Reset()
	r.headLen = 0
	r.head = [3]byte{}
	r.want = 0
}

// TryReassemble appends fragment and reports whether a frame is available.
//
// Invalid results carry an error wrapping ErrForeignFrame, ErrChecksum,
// ErrLengthOverflow or ErrMalformedHeader.
func (r *Reassembler) TryReassemble(fragment []byte) (Frame, Status, error) {
	if len(fragment) == 0 {
		return Frame{}, Incomplete, nil
	}

	if r.want == 0 {
		n := min(len(r.head)-r.headLen, len(fragment))
		copy(r.head[r.headLen:], fragment[:n])
		r.headLen += n
		if r.head[0] != MagicHi || (r.headLen > 1 && r.head[1] != MagicLo) {
			r.Reset()
			return Frame{}, Invalid, fmt.Errorf("%w: fragment % x does not start a frame", ErrForeignFrame, fragment)
		}
		if r.headLen == len(r.head) {
			total, err := FrameLength(r.head[2])
			if err != nil {
				r.Reset()
				return Frame{}, Invalid, err
			}
			r.want = total
		}
	}

	if r.want == 0 {
		// header still incomplete
		if _, err := r.buf.Write(fragment); err != nil {
			r.Reset()
			return Frame{}, Invalid, err
		}
		return Frame{}, Incomplete, nil
	}

	if r.buf.Length()+len(fragment) > r.want {
		want := r.want
		r.Reset()
		return Frame{}, Invalid, fmt.Errorf("%w: frame declared %d bytes, received more", ErrLengthOverflow, want)
	}

	if _, err := r.buf.Write(fragment); err != nil {
		r.Reset()
		if errors.Is(err, ringbuffer.ErrIsFull) || errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
			return Frame{}, Invalid, fmt.Errorf("%w: %v", ErrLengthOverflow, err)
		}
		return Frame{}, Invalid, err
	}

	if r.buf.Length() < r.want {
		return Frame{}, Incomplete, nil
	}

	raw := make([]byte, r.want)
	n, err := r.buf.TryRead(raw)
	r.Reset()
	if err != nil {
		return Frame{}, Invalid, err
	}
	raw = raw[:n]

	if !r.matchAny && len(raw) > 4 && raw[4] != r.expect {
		return Frame{}, Invalid, fmt.Errorf("%w: command %d while awaiting %d", ErrForeignFrame, raw[4], r.expect)
	}

	frame, err := r.codec.Decode(raw)
	if err != nil {
		return Frame{}, Invalid, err
	}
	return frame, Complete, nil
}
