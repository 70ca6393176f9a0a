package services

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpay/meterd/internal/axdr"
	"github.com/gridpay/meterd/internal/hardware"
	"github.com/gridpay/meterd/internal/models"
	"github.com/gridpay/meterd/internal/storage"
)

var (
	testGatewayLn  = models.ObisCode{0, 0, 19, 40, 0, 255}
	testOutTokenLn = models.ObisCode{0, 0, 19, 41, 0, 255}
)

type tokenFrame struct {
	sub      models.TokenSubtype
	counter  uint32
	tokenID  uint32
	txID     []byte
	expires  uint32
	expFlag  byte
	amount   int32
	currency string
}

func (tf tokenFrame) build() []byte {
	buf := make([]byte, tf.sub.FrameLen())
	buf[posTag] = axdr.TagOctetString
	buf[posLen] = byte(len(buf) - 2)
	buf[posType] = inTokenType
	binary.BigEndian.PutUint32(buf[posInvocCounter:], tf.counter)
	buf[posSubtype] = byte(tf.sub)
	binary.BigEndian.PutUint32(buf[posTokenID:], tf.tokenID)
	binary.BigEndian.PutUint32(buf[posExpiresTime:], tf.expires)
	buf[posExpiresTimeStatus] = tf.expFlag
	copy(buf[posTransactionID:posTransactionID+models.TransactionIDLen], tf.txID)
	if tf.sub == models.TokenStartPaid || tf.sub == models.TokenTopUp {
		binary.BigEndian.PutUint32(buf[posPaidAmount:], uint32(tf.amount))
		copy(buf[posPaidCurrency:posPaidCurrency+models.MaxCurrencyName], tf.currency)
	}
	return buf
}

type gatewayFixture struct {
	store *storage.MemoryStore
	clock *hardware.FixedClock
	reg   *hardware.SimRegister
	acct  *AccountService
	out   *OutTokenService
	gw    *TokenGatewayService
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	clock := hardware.NewFixedClock(testEpoch)
	reg := hardware.NewSimRegister(0)

	credit, err := NewCreditService(models.CreditConfig{
		LogicalName: creditLnA,
		Type:        models.CreditTypeToken,
	}, store)
	require.NoError(t, err)

	acct, err := NewAccountService(models.AccountConfig{
		LogicalName: testAccountLn,
		Mode:        models.ModePrepayment,
		Currency:    models.Currency{Name: "MDL", Scale: 0, Unit: models.CurrencyMonetary},
	}, store, clock, hardware.NewSimDisconnector(), []*CreditService{credit}, nil)
	require.NoError(t, err)
	require.NoError(t, acct.Activate())

	out, err := NewOutTokenService(testOutTokenLn, store, reg)
	require.NoError(t, err)
	out.BindAccount(acct)

	gw, err := NewTokenGatewayService(testGatewayLn, 8, store, clock, out)
	require.NoError(t, err)
	gw.BindAccount(acct)
	acct.SetGateway(gw)

	return &gatewayFixture{store: store, clock: clock, reg: reg, acct: acct, out: out, gw: gw}
}

func (f *gatewayFixture) startPaid(counter, tokenID uint32, amount int32) tokenFrame {
	return tokenFrame{
		sub:      models.TokenStartPaid,
		counter:  counter,
		tokenID:  tokenID,
		txID:     []byte("order-0000000001"),
		expires:  uint32(f.clock.Now().Add(24 * time.Hour).Unix()),
		expFlag:  expiresStatusValid,
		amount:   amount,
		currency: "MDL",
	}
}

func TestTokenFormatGate(t *testing.T) {
	f := newGatewayFixture(t)

	status, err := f.gw.Enter([]byte{axdr.TagOctetString, 1, 0}, models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenFormatFailure, status)

	frame := f.startPaid(1, 1, 100).build()
	frame[posTag] = axdr.TagStructure
	status, err = f.gw.Enter(frame, models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenFormatFailure, status)

	// subtype and frame length must agree before any deeper field is read
	frame = f.startPaid(1, 1, 100).build()
	truncated := frame[:models.TokenTopUp.FrameLen()]
	truncated[posLen] = byte(len(truncated) - 2)
	status, err = f.gw.Enter(truncated, models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenFormatFailure, status)

	frame = f.startPaid(1, 1, 100).build()
	frame[posLen] = 7
	status, err = f.gw.Enter(frame, models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenFormatFailure, status)
}

func TestTokenCounterReplayRejected(t *testing.T) {
	f := newGatewayFixture(t)

	status, err := f.gw.Enter(f.startPaid(5, 1, 100).build(), models.DeliveryRemote)
	require.NoError(t, err)
	require.Equal(t, models.TokenExecutionOK, status)

	tf := tokenFrame{
		sub:      models.TokenTopUp,
		counter:  5,
		tokenID:  2,
		txID:     []byte("order-0000000001"),
		amount:   100,
		currency: "MDL",
	}
	status, err = f.gw.Enter(tf.build(), models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenAuthFailure, status)
}

func TestTokenSequenceEnforced(t *testing.T) {
	f := newGatewayFixture(t)

	// a top-up without an open paid transaction
	tf := tokenFrame{
		sub:      models.TokenTopUp,
		counter:  1,
		tokenID:  1,
		txID:     []byte("order-0000000001"),
		amount:   100,
		currency: "MDL",
	}
	status, err := f.gw.Enter(tf.build(), models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenValidationFailure, status)

	// a second start while a transaction is open
	status, err = f.gw.Enter(f.startPaid(1, 1, 100).build(), models.DeliveryRemote)
	require.NoError(t, err)
	require.Equal(t, models.TokenExecutionOK, status)

	status, err = f.gw.Enter(f.startPaid(2, 2, 100).build(), models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenValidationFailure, status)
}

func TestTokenDuplicateIDRejected(t *testing.T) {
	f := newGatewayFixture(t)

	status, err := f.gw.Enter(f.startPaid(1, 7, 100).build(), models.DeliveryRemote)
	require.NoError(t, err)
	require.Equal(t, models.TokenExecutionOK, status)

	tf := tokenFrame{
		sub:      models.TokenTopUp,
		counter:  2,
		tokenID:  7,
		txID:     []byte("order-0000000001"),
		amount:   100,
		currency: "MDL",
	}
	status, err = f.gw.Enter(tf.build(), models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenValidationFailure, status)
}

func TestTokenExpiredStartRejected(t *testing.T) {
	f := newGatewayFixture(t)

	tf := f.startPaid(1, 1, 100)
	tf.expires = uint32(f.clock.Now().Add(-time.Hour).Unix())
	status, err := f.gw.Enter(tf.build(), models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenValidationFailure, status)

	// the 0xFF status byte disables the expiry check entirely
	tf.expFlag = expiresStatusNone
	status, err = f.gw.Enter(tf.build(), models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenExecutionOK, status)
}

func TestTokenTransactionIDMismatchRejected(t *testing.T) {
	f := newGatewayFixture(t)

	status, err := f.gw.Enter(f.startPaid(1, 1, 100).build(), models.DeliveryRemote)
	require.NoError(t, err)
	require.Equal(t, models.TokenExecutionOK, status)

	tf := tokenFrame{
		sub:      models.TokenTopUp,
		counter:  2,
		tokenID:  2,
		txID:     []byte("order-0000000002"),
		amount:   100,
		currency: "MDL",
	}
	status, err = f.gw.Enter(tf.build(), models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenValidationFailure, status)
}

func TestTokenCurrencyAndAmountChecked(t *testing.T) {
	f := newGatewayFixture(t)

	tf := f.startPaid(1, 1, 100)
	tf.currency = "EUR"
	status, err := f.gw.Enter(tf.build(), models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenValidationFailure, status)

	tf = f.startPaid(2, 2, 0)
	status, err = f.gw.Enter(tf.build(), models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenValidationFailure, status)
}

func TestTokenPaidFlowTopsUpAndAcknowledges(t *testing.T) {
	f := newGatewayFixture(t)

	status, err := f.gw.Enter(f.startPaid(1, 11, 2500).build(), models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenExecutionOK, status)

	assert.Equal(t, int32(2500), f.acct.Credits()[0].Amount())
	assert.Equal(t, int32(2500), f.gw.TopUpsSum())
	assert.Equal(t, uint32(11), f.gw.TokenID())
	assert.Equal(t, []byte("order-0000000001"), f.gw.ActiveTransactionID())

	ack := f.out.Value()
	require.Len(t, ack, outTokenLenPaid)
	assert.Equal(t, byte(outTokenType), ack[outPosType])
	assert.Equal(t, byte(models.TokenStartPaid), ack[outPosSubtype])
	assert.Equal(t, uint32(11), binary.BigEndian.Uint32(ack[outPosTokenID:]))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(ack[outPosTxInvocCounter:]))

	// a follow-up top-up on the same transaction
	tf := tokenFrame{
		sub:      models.TokenTopUp,
		counter:  2,
		tokenID:  12,
		txID:     []byte("order-0000000001"),
		amount:   500,
		currency: "MDL",
	}
	status, err = f.gw.Enter(tf.build(), models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenExecutionOK, status)
	assert.Equal(t, int32(3000), f.acct.Credits()[0].Amount())
	require.Len(t, f.out.Value(), outTokenLenPaid)
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(f.out.Value()[outPosTxInvocCounter:]))
}

func TestTokenStopEndsTransactionAndBlocksReconnect(t *testing.T) {
	f := newGatewayFixture(t)

	tf := tokenFrame{
		sub:     models.TokenStartNonPaid,
		counter: 1,
		tokenID: 1,
		txID:    []byte("order-0000000001"),
		expFlag: expiresStatusNone,
	}
	status, err := f.gw.Enter(tf.build(), models.DeliveryRemote)
	require.NoError(t, err)
	require.Equal(t, models.TokenExecutionOK, status)
	assert.True(t, f.gw.PermitsReconnect())

	stop := tokenFrame{
		sub:     models.TokenStopNonPaid,
		counter: 2,
		tokenID: 2,
		txID:    []byte("order-0000000001"),
	}
	status, err = f.gw.Enter(stop.build(), models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenExecutionOK, status)
	assert.False(t, f.gw.PermitsReconnect())
	assert.Equal(t, make([]byte, models.TransactionIDLen), f.gw.ActiveTransactionID())

	ack := f.out.Value()
	require.Len(t, ack, outTokenLenNonPaid)
	assert.Equal(t, byte(models.TokenStopNonPaid), ack[outPosSubtype])
}

func TestTokenUsedEnergyInAcknowledgement(t *testing.T) {
	f := newGatewayFixture(t)

	status, err := f.gw.Enter(f.startPaid(1, 1, 100).build(), models.DeliveryRemote)
	require.NoError(t, err)
	require.Equal(t, models.TokenExecutionOK, status)

	f.reg.Add(42)
	tf := tokenFrame{
		sub:      models.TokenTopUp,
		counter:  2,
		tokenID:  2,
		txID:     []byte("order-0000000001"),
		amount:   100,
		currency: "MDL",
	}
	_, err = f.gw.Enter(tf.build(), models.DeliveryRemote)
	require.NoError(t, err)

	ack := f.out.Value()
	assert.Equal(t, uint32(42), binary.BigEndian.Uint32(ack[outPosUsedEnergy:]))
}

func TestTransactionExpirySweep(t *testing.T) {
	f := newGatewayFixture(t)

	tf := f.startPaid(1, 1, 100)
	tf.expires = uint32(f.clock.Now().Add(time.Hour).Unix())
	status, err := f.gw.Enter(tf.build(), models.DeliveryRemote)
	require.NoError(t, err)
	require.Equal(t, models.TokenExecutionOK, status)

	require.NoError(t, f.gw.TickMinute())
	assert.Equal(t, []byte("order-0000000001"), f.gw.ActiveTransactionID())

	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.gw.TickMinute())
	assert.Equal(t, make([]byte, models.TransactionIDLen), f.gw.ActiveTransactionID())
	assert.Equal(t, models.TokenStopNonPaid, f.gw.Subtype())
	assert.False(t, f.gw.PermitsReconnect())
}

func TestTokenUnallocatedTopUpNotConfirmed(t *testing.T) {
	store := storage.NewMemoryStore()
	clock := hardware.NewFixedClock(testEpoch)

	// a repayment-only emergency credit already at its preset absorbs
	// nothing, so no part of the paid sum finds a home
	emergency, err := NewCreditService(models.CreditConfig{
		LogicalName:  creditLnA,
		Type:         models.CreditTypeEmergency,
		PresetAmount: 200,
		Config:       models.CreditCfgRequiresRepayment,
	}, store)
	require.NoError(t, err)
	require.NoError(t, emergency.UpdateAmount(200))

	acct, err := NewAccountService(models.AccountConfig{
		LogicalName: testAccountLn,
		Mode:        models.ModePrepayment,
		Currency:    models.Currency{Name: "MDL", Scale: 0, Unit: models.CurrencyMonetary},
	}, store, clock, hardware.NewSimDisconnector(), []*CreditService{emergency}, nil)
	require.NoError(t, err)
	require.NoError(t, acct.Activate())

	gw, err := NewTokenGatewayService(testGatewayLn, 8, store, clock, nil)
	require.NoError(t, err)
	gw.BindAccount(acct)
	acct.SetGateway(gw)

	tf := tokenFrame{
		sub:      models.TokenStartPaid,
		counter:  1,
		tokenID:  1,
		txID:     []byte("order-0000000001"),
		expFlag:  expiresStatusNone,
		amount:   100,
		currency: "MDL",
	}
	status, err := gw.Enter(tf.build(), models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenReceived, status)
	assert.Equal(t, models.TokenReceived, gw.StatusCode())
	assert.Equal(t, int32(200), emergency.Amount())

	// a partially absorbed sum confirms nothing either
	require.NoError(t, emergency.UpdateAmount(-150))
	topUp := tokenFrame{
		sub:      models.TokenTopUp,
		counter:  2,
		tokenID:  2,
		txID:     []byte("order-0000000001"),
		amount:   500,
		currency: "MDL",
	}
	status, err = gw.Enter(topUp.build(), models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenReceived, status)
	assert.Equal(t, int32(200), emergency.Amount())
}

func TestTokenIDZeroFiltered(t *testing.T) {
	f := newGatewayFixture(t)

	status, err := f.gw.Enter(f.startPaid(1, 0, 100).build(), models.DeliveryRemote)
	require.NoError(t, err)
	require.Equal(t, models.TokenExecutionOK, status)

	tf := tokenFrame{
		sub:      models.TokenTopUp,
		counter:  2,
		tokenID:  0,
		txID:     []byte("order-0000000001"),
		amount:   100,
		currency: "MDL",
	}
	status, err = f.gw.Enter(tf.build(), models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenValidationFailure, status)

	// the filter occupancy survives a restart
	restored, err := NewTokenGatewayService(testGatewayLn, 8, f.store, f.clock, nil)
	require.NoError(t, err)
	restored.BindAccount(f.acct)
	tf.counter = 3
	status, err = restored.Enter(tf.build(), models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenValidationFailure, status)
}

func TestZeroTransactionIDRejected(t *testing.T) {
	f := newGatewayFixture(t)

	tf := f.startPaid(1, 1, 100)
	tf.txID = make([]byte, models.TransactionIDLen)
	status, err := f.gw.Enter(tf.build(), models.DeliveryRemote)
	require.NoError(t, err)
	assert.Equal(t, models.TokenValidationFailure, status)
	assert.Equal(t, make([]byte, models.TransactionIDLen), f.gw.ActiveTransactionID())
}

func TestGatewaySurvivesRestart(t *testing.T) {
	store := storage.NewMemoryStore()
	clock := hardware.NewFixedClock(testEpoch)

	credit, err := NewCreditService(models.CreditConfig{LogicalName: creditLnA}, store)
	require.NoError(t, err)
	acct, err := NewAccountService(models.AccountConfig{
		LogicalName: testAccountLn,
		Mode:        models.ModePrepayment,
		Currency:    models.Currency{Name: "MDL", Scale: 0, Unit: models.CurrencyMonetary},
	}, store, clock, nil, []*CreditService{credit}, nil)
	require.NoError(t, err)

	gw, err := NewTokenGatewayService(testGatewayLn, 8, store, clock, nil)
	require.NoError(t, err)
	gw.BindAccount(acct)
	acct.SetGateway(gw)

	frame := tokenFrame{
		sub:      models.TokenStartPaid,
		counter:  9,
		tokenID:  77,
		txID:     []byte("order-0000000009"),
		expFlag:  expiresStatusNone,
		amount:   300,
		currency: "MDL",
	}
	status, err := gw.Enter(frame.build(), models.DeliveryLocal)
	require.NoError(t, err)
	require.Equal(t, models.TokenExecutionOK, status)

	restored, err := NewTokenGatewayService(testGatewayLn, 8, store, clock, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(77), restored.TokenID())
	assert.Equal(t, []byte("order-0000000009"), restored.ActiveTransactionID())
	assert.Equal(t, int32(300), restored.TopUpsSum())
	assert.Equal(t, models.DeliveryLocal, restored.DeliveryMethod())

	// the counter survives too, so a replay still fails after restart
	status, err = restored.Enter(frame.build(), models.DeliveryLocal)
	require.NoError(t, err)
	assert.Equal(t, models.TokenAuthFailure, status)
}
