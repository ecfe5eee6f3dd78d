package nodeaddr

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesTransform(t *testing.T) {
	b := Bytes("hello")
	buf, err := EncodeToBytes(b)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o'}, buf)

	got, n, err := Decode[Bytes](buf)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, b, got)

	// The decoded value does not alias the source
	buf[4] = 'j'
	assert.Equal(t, Bytes("hello"), got)

	_, _, err = Decode[Bytes](buf[:6])
	assert.ErrorIs(t, err, ErrCorrupted)
	_, _, err = Decode[Bytes](buf[:2])
	assert.ErrorIs(t, err, ErrCorrupted)

	_, err = b.Encode(make([]byte, 3))
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestStringTransform(t *testing.T) {
	s := String("nodeaddr ✓")
	buf, err := EncodeToBytes(s)
	require.NoError(t, err)

	got, n, err := Decode[String](buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, s, got)

	_, _, err = Decode[String]([]byte{0, 0, 0, 2, 0xff, 0xfe})
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestDurationTransform(t *testing.T) {
	d := Duration(90*time.Second + 250*time.Millisecond)
	buf, err := EncodeToBytes(d)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 90, 0x0e, 0xe6, 0xb2, 0x80}, buf)

	got, n, err := Decode[Duration](buf)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, d, got)

	for _, v := range []time.Duration{0, time.Nanosecond, time.Hour, math.MaxInt64} {
		buf, err := EncodeToBytes(Duration(v))
		require.NoError(t, err)
		got, _, err := Decode[Duration](buf)
		require.NoError(t, err)
		assert.Equal(t, Duration(v), got)
	}

	_, err = EncodeToBytes(Duration(-time.Second))
	assert.Error(t, err)
	_, err = d.Encode(make([]byte, 11))
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	_, _, err = Decode[Duration](buf[:11])
	assert.ErrorIs(t, err, ErrCorrupted)
	// Nanoseconds past one second
	_, _, err = Decode[Duration]([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0x3b, 0x9a, 0xca, 0x00})
	assert.ErrorIs(t, err, ErrCorrupted)
	// Seconds beyond what time.Duration holds
	_, _, err = Decode[Duration]([]byte{0xff, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestDecodeTrailingBytes(t *testing.T) {
	buf, err := EncodeToBytes(String("abc"))
	require.NoError(t, err)
	buf = append(buf, 1, 2, 3)

	got, n, err := Decode[String](buf)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, String("abc"), got)
}

func TestID(t *testing.T) {
	id, err := NewID("node-1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", id.String())
	assert.False(t, id.IsZero())

	_, err = NewID("")
	assert.ErrorIs(t, err, ErrEmptyID)
	_, err = NewID(strings.Repeat("a", MaxIDSize+1))
	assert.ErrorIs(t, err, ErrIDTooLong)
	_, err = NewID("\xff")
	assert.ErrorIs(t, err, ErrInvalidID)

	assert.Equal(t, -1, MustID("a").Compare(MustID("b")))
	assert.Equal(t, 0, MustID("a").Compare(MustID("a")))
	assert.Panics(t, func() { MustID("") })

	buf, err := EncodeToBytes(id)
	require.NoError(t, err)
	got, n, err := Decode[ID](buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, id, got)

	_, _, err = Decode[ID]([]byte{0})
	assert.ErrorIs(t, err, ErrCorrupted)
	_, _, err = Decode[ID]([]byte{5, 'a'})
	assert.ErrorIs(t, err, ErrCorrupted)

	long := MustID(strings.Repeat("x", MaxIDSize))
	buf, err = EncodeToBytes(long)
	require.NoError(t, err)
	got, _, err = Decode[ID](buf)
	require.NoError(t, err)
	assert.Equal(t, long, got)
}

func TestIDText(t *testing.T) {
	var id ID
	require.NoError(t, id.UnmarshalText([]byte("node-2")))
	text, err := id.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "node-2", string(text))
	assert.Error(t, id.UnmarshalText(nil))
}

func TestNumericID(t *testing.T) {
	id := NumericID(1 << 40)
	buf, err := EncodeToBytes(id)
	require.NoError(t, err)
	assert.Len(t, buf, 8)

	got, _, err := Decode[NumericID](buf)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, "1099511627776", id.String())

	assert.Equal(t, -1, NumericID(1).Compare(2))
	assert.Equal(t, 1, NumericID(3).Compare(2))
	assert.Equal(t, 0, NumericID(2).Compare(2))

	_, _, err = Decode[NumericID](buf[:7])
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestUUID(t *testing.T) {
	a := NewUUID()
	b := NewUUID()
	assert.NotEqual(t, a, b)

	buf, err := EncodeToBytes(a)
	require.NoError(t, err)
	got, _, err := Decode[UUID](buf)
	require.NoError(t, err)
	assert.Equal(t, a, got)
	assert.Equal(t, 0, a.Compare(got))

	parsed, err := ParseUUID(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = ParseUUID("not-a-uuid")
	assert.Error(t, err)
}
