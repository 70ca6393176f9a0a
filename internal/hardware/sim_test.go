package hardware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimRegister(t *testing.T) {
	r := NewSimRegister(-1)

	v, err := r.Value()
	require.NoError(t, err)
	assert.Equal(t, int32(0), v)

	r.Add(1500)
	r.Add(250)
	v, err = r.Value()
	require.NoError(t, err)
	assert.Equal(t, int32(1750), v)

	sc, err := r.Scaler()
	require.NoError(t, err)
	assert.Equal(t, int8(-1), sc)

	r.FailScaler(ErrScalerUnavailable)
	_, err = r.Scaler()
	assert.ErrorIs(t, err, ErrScalerUnavailable)

	r.FailScaler(nil)
	_, err = r.Scaler()
	assert.NoError(t, err)
}

func TestSimDisconnector(t *testing.T) {
	d := NewSimDisconnector()
	assert.True(t, d.Connected())

	require.NoError(t, d.Disconnect())
	require.NoError(t, d.Disconnect())
	assert.False(t, d.Connected())

	require.NoError(t, d.Reconnect())
	assert.True(t, d.Connected())

	disconnects, reconnects := d.Switches()
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 1, reconnects)
}

func TestFixedClock(t *testing.T) {
	start := time.Date(2024, time.April, 1, 10, 0, 0, 0, time.Local)
	c := NewFixedClock(start)
	assert.Equal(t, start, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}
