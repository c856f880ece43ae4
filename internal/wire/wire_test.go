package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripFields(t *testing.T) {
	a := assert.New(t)

	w := NewWriter()
	w.PutUint32(42)
	w.PutUint64(1 << 40)
	w.PutUint8(7)
	w.PutFixed([]byte{1, 2, 3, 4})
	w.PutBytes([]byte("variable length field"))

	r := NewReader(w.Bytes())
	u32, err := r.Uint32()
	require.NoError(t, err)
	a.Equal(uint32(42), u32)

	u64, err := r.Uint64()
	require.NoError(t, err)
	a.Equal(uint64(1<<40), u64)

	u8, err := r.Uint8()
	require.NoError(t, err)
	a.Equal(uint8(7), u8)

	fixed, err := r.Fixed(4)
	require.NoError(t, err)
	a.Equal([]byte{1, 2, 3, 4}, fixed)

	variable, err := r.Bytes()
	require.NoError(t, err)
	a.Equal("variable length field", string(variable))
	a.Equal(0, r.Remaining())
}

func TestTruncatedReadFails(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})
	_, err := r.Uint32()
	assert.ErrorIs(t, err, ErrTruncated)
}
