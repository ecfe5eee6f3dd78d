package nodeaddr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxIDSize is the longest ID in bytes
const MaxIDSize = 255

var (
	ErrEmptyID   = errors.New("id cannot be empty")
	ErrIDTooLong = fmt.Errorf("id exceeds %d bytes", MaxIDSize)
	ErrInvalidID = errors.New("id is not valid utf8")
)

// Id is the contract for node identifiers: immutable, totally ordered, usable as a map key
// and round trip safe through their byte form.
type Id[T any] interface {
	comparable
	fmt.Stringer
	Transformable
	Compare(other T) int
}

// ID is a unique string identifying a node for all time, between 1 and MaxIDSize bytes.
type ID struct {
	s string
}

// NewID validates and creates an ID
func NewID(s string) (ID, error) {
	if len(s) == 0 {
		return ID{}, ErrEmptyID
	}
	if len(s) > MaxIDSize {
		return ID{}, ErrIDTooLong
	}
	if !utf8.ValidString(s) {
		return ID{}, ErrInvalidID
	}
	return ID{s: s}, nil
}

// MustID is like NewID but panics on error, for use with constants
func MustID(s string) ID {
	id, err := NewID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string {
	return id.s
}

func (id ID) IsZero() bool {
	return id.s == ""
}

func (id ID) Compare(other ID) int {
	return strings.Compare(id.s, other.s)
}

// EncodedLen is one length byte followed by the id bytes
func (id ID) EncodedLen() int {
	return 1 + len(id.s)
}

func (id ID) Encode(dst []byte) (int, error) {
	need := id.EncodedLen()
	if len(dst) < need {
		return 0, bufferTooSmall("id", need, len(dst))
	}
	dst[0] = byte(len(id.s))
	copy(dst[1:], id.s)
	return need, nil
}

func (id *ID) Decode(src []byte) (int, error) {
	if len(src) < 1 {
		return 0, corrupted("id", "missing length")
	}
	size := int(src[0])
	if size == 0 {
		return 0, corrupted("id", ErrEmptyID.Error())
	}
	if len(src) < 1+size {
		return 0, corrupted("id", "truncated")
	}
	v, err := NewID(string(src[1 : 1+size]))
	if err != nil {
		return 0, corrupted("id", err.Error())
	}
	*id = v
	return 1 + size, nil
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.s), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	v, err := NewID(string(text))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// NumericID is a node identifier backed by an unsigned integer, encoded as 8 bytes big endian.
type NumericID uint64

func (id NumericID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func (id NumericID) Compare(other NumericID) int {
	switch {
	case id < other:
		return -1
	case id > other:
		return 1
	default:
		return 0
	}
}

func (id NumericID) EncodedLen() int {
	return 8
}

func (id NumericID) Encode(dst []byte) (int, error) {
	if len(dst) < 8 {
		return 0, bufferTooSmall("numeric id", 8, len(dst))
	}
	binary.BigEndian.PutUint64(dst, uint64(id))
	return 8, nil
}

func (id *NumericID) Decode(src []byte) (int, error) {
	if len(src) < 8 {
		return 0, corrupted("numeric id", "truncated")
	}
	*id = NumericID(binary.BigEndian.Uint64(src))
	return 8, nil
}
