package process

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	wordSize    = 8
	headerWords = 7
	headerSize  = headerWords * wordSize
	prefixSize  = 4

	// LegacyFrameWords is the historical fixed buffer size, in words, see
	// WithLegacyFrameLimit.
	LegacyFrameWords = 1024

	// DefaultMaxFrameSize is the default limit on the payload of a frame,
	// in bytes.
	DefaultMaxFrameSize = 16 << 20
)

// frame is one message on the wire, a little endian length prefix followed
// by the header words
//
//	[target, replyTo, what, arg1, arg2, obj, bundleLen]
//
// and bundleLen bytes of JSON encoded bundle.
type frame struct {
	target  uint64
	replyTo uint64
	obj     int64
	data    []byte
	what    int32
	arg1    int32
	arg2    int32
}

// maxPrefixedSize is the largest payload the length prefix can describe.
var maxPrefixedSize uint64 = math.MaxUint32

// frameLimits bounds frames, in both directions.
type frameLimits struct {
	maxSize int
	legacy  bool
}

// check bounds a payload. The length prefix caps every frame at
// math.MaxUint32 bytes, regardless of the configured limit.
func (x frameLimits) check(payloadSize int) error {
	if uint64(payloadSize) > maxPrefixedSize {
		return &FrameSizeError{Size: payloadSize, Limit: int(maxPrefixedSize)}
	}
	if x.legacy {
		words := headerWords + (payloadSize-headerSize+wordSize-1)/wordSize
		if words > LegacyFrameWords {
			return &FrameSizeError{Size: words, Limit: LegacyFrameWords, Words: true}
		}
	}
	if x.maxSize > 0 && payloadSize > x.maxSize {
		return &FrameSizeError{Size: payloadSize, Limit: x.maxSize}
	}
	return nil
}

func appendFrame(b []byte, f *frame, limits frameLimits) ([]byte, error) {
	size := headerSize + len(f.data)
	if err := limits.check(size); err != nil {
		return b, err
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(size))
	b = binary.LittleEndian.AppendUint64(b, f.target)
	b = binary.LittleEndian.AppendUint64(b, f.replyTo)
	b = binary.LittleEndian.AppendUint64(b, uint64(int64(f.what)))
	b = binary.LittleEndian.AppendUint64(b, uint64(int64(f.arg1)))
	b = binary.LittleEndian.AppendUint64(b, uint64(int64(f.arg2)))
	b = binary.LittleEndian.AppendUint64(b, uint64(f.obj))
	b = binary.LittleEndian.AppendUint64(b, uint64(len(f.data)))
	b = append(b, f.data...)
	return b, nil
}

// readFrame reads one frame from r. An oversized frame cannot be skipped,
// so the stream is unusable after a FrameSizeError.
func readFrame(r io.Reader, limits frameLimits) (*frame, error) {
	var prefix [prefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := int(binary.LittleEndian.Uint32(prefix[:]))
	if size < headerSize {
		return nil, fmt.Errorf(`process: frame of %d bytes is shorter than its header`, size)
	}
	if err := limits.check(size); err != nil {
		return nil, err
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	word := func(i int) uint64 { return binary.LittleEndian.Uint64(payload[i*wordSize:]) }
	f := &frame{
		target:  word(0),
		replyTo: word(1),
		what:    int32(int64(word(2))),
		arg1:    int32(int64(word(3))),
		arg2:    int32(int64(word(4))),
		obj:     int64(word(5)),
	}
	if n := word(6); n != uint64(size-headerSize) {
		return nil, fmt.Errorf(`process: frame bundle length %d does not match payload of %d bytes`, n, size-headerSize)
	}
	if size > headerSize {
		f.data = payload[headerSize:]
	}
	return f, nil
}
