package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpay/meterd/internal/axdr"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put("k", []byte{1, 2, 3}))
	v, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, v)

	// mutating the returned slice must not touch the stored copy
	v[0] = 0xFF
	v2, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, v2)

	require.NoError(t, s.Put("k", []byte{9}))
	v3, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, v3)
	assert.Equal(t, 1, s.Len())
}

func TestInt32Helpers(t *testing.T) {
	s := NewMemoryStore()

	got, err := GetInt32(s, "amount", -7)
	require.NoError(t, err)
	assert.Equal(t, int32(-7), got)

	require.NoError(t, PutInt32(s, "amount", -123456))
	got, err = GetInt32(s, "amount", 0)
	require.NoError(t, err)
	assert.Equal(t, int32(-123456), got)
}

func TestUint32AndByteHelpers(t *testing.T) {
	s := NewMemoryStore()

	require.NoError(t, PutUint32(s, "counter", 0xDEADBEEF))
	got, err := GetUint32(s, "counter", 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), got)

	b, err := GetByte(s, "status", 4)
	require.NoError(t, err)
	assert.Equal(t, byte(4), b)

	require.NoError(t, PutByte(s, "status", 2))
	b, err = GetByte(s, "status", 4)
	require.NoError(t, err)
	assert.Equal(t, byte(2), b)
}

func TestDateTimeHelpers(t *testing.T) {
	s := NewMemoryStore()

	dt, err := GetDateTime(s, "activation")
	require.NoError(t, err)
	assert.True(t, dt.IsNotSpecified())

	at := axdr.DateTimeFrom(time.Date(2024, time.May, 1, 12, 0, 0, 0, time.Local))
	require.NoError(t, PutDateTime(s, "activation", at))
	dt, err = GetDateTime(s, "activation")
	require.NoError(t, err)
	assert.Equal(t, at, dt)
}

func TestGetBytesDefault(t *testing.T) {
	s := NewMemoryStore()

	v, err := GetBytes(s, "id", []byte{0})
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, v)

	require.NoError(t, s.Put("id", []byte{7, 8}))
	v, err = GetBytes(s, "id", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 8}, v)
}

func TestGetInt32BadWidth(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Put("amount", []byte{1, 2}))

	_, err := GetInt32(s, "amount", 0)
	assert.Error(t, err)
}
