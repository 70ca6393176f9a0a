package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnitChargePrice(t *testing.T) {
	single := UnitCharge{Table: []ChargeTableElement{{Index: nil, Price: 120}}}
	assert.Equal(t, int16(120), single.Price([]byte{1}))
	assert.Equal(t, int16(120), single.Price(nil))

	tiered := UnitCharge{Table: []ChargeTableElement{
		{Index: []byte{1}, Price: 100},
		{Index: []byte{2}, Price: 250},
	}}
	assert.Equal(t, int16(100), tiered.Price([]byte{1}))
	assert.Equal(t, int16(250), tiered.Price([]byte{2}))
	assert.Equal(t, int16(0), tiered.Price([]byte{3}))

	var empty UnitCharge
	assert.Equal(t, int16(0), empty.Price([]byte{1}))
}

func TestTokenSubtypeFrameLen(t *testing.T) {
	assert.Equal(t, 106, TokenStartPaid.FrameLen())
	assert.Equal(t, 58, TokenTopUp.FrameLen())
	assert.Equal(t, 43, TokenStopPaid.FrameLen())
	assert.Equal(t, 91, TokenStartNonPaid.FrameLen())
	assert.Equal(t, 43, TokenStopNonPaid.FrameLen())
	assert.Equal(t, 0, TokenSubtype(9).FrameLen())
}

func TestObisCode(t *testing.T) {
	o, err := ParseObis([]byte{0, 0, 19, 10, 0, 255})
	assert.NoError(t, err)
	assert.Equal(t, "0.0.19.10.0.255", o.String())
	assert.False(t, o.IsZero())

	_, err = ParseObis([]byte{1, 2, 3})
	assert.Error(t, err)
}
