package nodeaddr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

var (
	ErrBufferTooSmall = errors.New("buffer is too small, use EncodedLen to size the buffer")
	ErrCorrupted      = errors.New("corrupted")
)

// Transformable is implemented by values that can be written to and read from a byte form.
//
// Encode must never write more than EncodedLen bytes, and decoding the result must give back an equal value.
type Transformable interface {
	EncodedLen() int
	Encode(dst []byte) (int, error)
}

// Decodable is implemented by pointer receivers that can rebuild a value from its byte form,
// returning the number of bytes consumed.
type Decodable interface {
	Decode(src []byte) (int, error)
}

// TransformError reports which step of a transform failed
type TransformError struct {
	Op     string // "encode" or "decode"
	Type   string
	Reason string
	Err    error
}

func (e *TransformError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Type, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Type, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

func bufferTooSmall(typ string, need, have int) error {
	return &TransformError{Op: "encode", Type: typ, Reason: fmt.Sprintf("need %d bytes, have %d", need, have), Err: ErrBufferTooSmall}
}

func corrupted(typ, reason string) error {
	return &TransformError{Op: "decode", Type: typ, Reason: reason, Err: ErrCorrupted}
}

// EncodeToBytes allocates a buffer of the right size and encodes v into it
func EncodeToBytes(v Transformable) ([]byte, error) {
	buf := make([]byte, v.EncodedLen())
	n, err := v.Encode(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Decode decodes a value of type T from src, returning the value and the number of bytes read.
func Decode[T any, PT interface {
	*T
	Decodable
}](src []byte) (T, int, error) {
	var v T
	n, err := PT(&v).Decode(src)
	if err != nil {
		var zero T
		return zero, 0, err
	}
	return v, n, nil
}

const lengthPrefixSize = 4

// Bytes is a length-prefixed byte slice: [u32 BE length][bytes]
type Bytes []byte

func (b Bytes) EncodedLen() int {
	return lengthPrefixSize + len(b)
}

func (b Bytes) Encode(dst []byte) (int, error) {
	need := b.EncodedLen()
	if len(dst) < need {
		return 0, bufferTooSmall("bytes", need, len(dst))
	}
	binary.BigEndian.PutUint32(dst, uint32(len(b)))
	copy(dst[lengthPrefixSize:], b)
	return need, nil
}

func (b *Bytes) Decode(src []byte) (int, error) {
	data, n, err := decodeLengthPrefixed("bytes", src)
	if err != nil {
		return 0, err
	}
	*b = append(Bytes(nil), data...)
	return n, nil
}

// String is a length-prefixed UTF-8 string using the same layout as Bytes
type String string

func (s String) EncodedLen() int {
	return lengthPrefixSize + len(s)
}

func (s String) Encode(dst []byte) (int, error) {
	need := s.EncodedLen()
	if len(dst) < need {
		return 0, bufferTooSmall("string", need, len(dst))
	}
	binary.BigEndian.PutUint32(dst, uint32(len(s)))
	copy(dst[lengthPrefixSize:], s)
	return need, nil
}

func (s *String) Decode(src []byte) (int, error) {
	data, n, err := decodeLengthPrefixed("string", src)
	if err != nil {
		return 0, err
	}
	if !utf8.Valid(data) {
		return 0, corrupted("string", "invalid utf8")
	}
	*s = String(data)
	return n, nil
}

const durationLen = 8 + 4

var errNegativeDuration = errors.New("negative duration")

// Duration is a non-negative time.Duration: [u64 BE seconds][u32 BE nanoseconds]
type Duration time.Duration

func (d Duration) EncodedLen() int {
	return durationLen
}

func (d Duration) Encode(dst []byte) (int, error) {
	if d < 0 {
		return 0, &TransformError{Op: "encode", Type: "duration", Err: errNegativeDuration}
	}
	if len(dst) < durationLen {
		return 0, bufferTooSmall("duration", durationLen, len(dst))
	}
	binary.BigEndian.PutUint64(dst, uint64(time.Duration(d)/time.Second))
	binary.BigEndian.PutUint32(dst[8:], uint32(time.Duration(d)%time.Second))
	return durationLen, nil
}

func (d *Duration) Decode(src []byte) (int, error) {
	if len(src) < durationLen {
		return 0, corrupted("duration", "truncated payload")
	}
	secs := binary.BigEndian.Uint64(src)
	nanos := binary.BigEndian.Uint32(src[8:])
	if nanos >= uint32(time.Second) {
		return 0, corrupted("duration", "nanoseconds out of range")
	}
	if secs > uint64(math.MaxInt64/int64(time.Second)) {
		return 0, corrupted("duration", "seconds out of range")
	}
	v := time.Duration(secs)*time.Second + time.Duration(nanos)
	if v < 0 {
		return 0, corrupted("duration", "seconds out of range")
	}
	*d = Duration(v)
	return durationLen, nil
}

func decodeLengthPrefixed(typ string, src []byte) ([]byte, int, error) {
	if len(src) < lengthPrefixSize {
		return nil, 0, corrupted(typ, "missing length prefix")
	}
	size := int(binary.BigEndian.Uint32(src))
	if size > len(src)-lengthPrefixSize {
		return nil, 0, corrupted(typ, "truncated payload")
	}
	return src[lengthPrefixSize : lengthPrefixSize+size], lengthPrefixSize + size, nil
}
