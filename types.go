package nodeaddr

import (
	"bytes"

	"github.com/google/uuid"
)

// UUID is a node identifier backed by a UUID, encoded as its 16 raw bytes
type UUID uuid.UUID

// NewUUID generates a time ordered (v7) identifier, falling back to a random v4
func NewUUID() UUID {
	u, err := uuid.NewV7()
	if err != nil {
		u = uuid.New()
	}
	return UUID(u)
}

// ParseUUID parses the textual form of a UUID
func ParseUUID(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, err
	}
	return UUID(u), nil
}

func (n UUID) String() string {
	return uuid.UUID(n).String()
}

func (n UUID) Compare(other UUID) int {
	return bytes.Compare(n[:], other[:])
}

func (n UUID) EncodedLen() int {
	return 16
}

func (n UUID) Encode(dst []byte) (int, error) {
	if len(dst) < 16 {
		return 0, bufferTooSmall("uuid", 16, len(dst))
	}
	copy(dst, n[:])
	return 16, nil
}

func (n *UUID) Decode(src []byte) (int, error) {
	if len(src) < 16 {
		return 0, corrupted("uuid", "truncated")
	}
	copy(n[:], src[:16])
	return 16, nil
}

func (n UUID) MarshalText() ([]byte, error) {
	return uuid.UUID(n).MarshalText()
}

func (n *UUID) UnmarshalText(text []byte) error {
	return (*uuid.UUID)(n).UnmarshalText(text)
}
