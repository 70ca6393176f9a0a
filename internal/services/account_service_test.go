package services

import (
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
	testAccountLn = models.ObisCode{0, 0, 19, 0, 0, 255}
	creditLnA     = models.ObisCode{0, 0, 19, 10, 0, 255}
	creditLnB     = models.ObisCode{0, 0, 19, 10, 1, 255}
)

type fakeGateway struct {
	confirms  int
	reconnect bool
}

func (g *fakeGateway) ConfirmReceivedToken() error { g.confirms++; return nil }
func (g *fakeGateway) PermitsReconnect() bool      { return g.reconnect }

type accountFixture struct {
	store   *storage.MemoryStore
	clock   *hardware.FixedClock
	reg     *hardware.SimRegister
	disc    *hardware.SimDisconnector
	credits []*CreditService
	charges []*ChargeService
	acct    *AccountService
}

func newAccountFixture(t *testing.T, creditCfgs []models.CreditConfig, chargeCfgs []models.ChargeConfig, cfg models.AccountConfig) *accountFixture {
	t.Helper()
	f := &accountFixture{
		store: storage.NewMemoryStore(),
		clock: hardware.NewFixedClock(testEpoch),
		reg:   hardware.NewSimRegister(0),
		disc:  hardware.NewSimDisconnector(),
	}
	for _, cc := range creditCfgs {
		c, err := NewCreditService(cc, f.store)
		require.NoError(t, err)
		f.credits = append(f.credits, c)
	}
	for _, cc := range chargeCfgs {
		if len(cc.UnitChargeInit.Table) == 0 {
			cc.UnitChargeInit = flatUnitCharge(100, 0, 0)
		}
		if cc.Period == 0 {
			cc.Period = 60
		}
		ch, err := NewChargeService(cc, f.store, f.clock, f.reg)
		require.NoError(t, err)
		f.charges = append(f.charges, ch)
	}
	if cfg.LogicalName.IsZero() {
		cfg.LogicalName = testAccountLn
	}
	if cfg.Mode == 0 {
		cfg.Mode = models.ModePrepayment
	}
	if cfg.Currency == (models.Currency{}) {
		cfg.Currency = models.Currency{Name: "MDL", Scale: 0, Unit: models.CurrencyMonetary}
	}
	acct, err := NewAccountService(cfg, f.store, f.clock, f.disc, f.credits, f.charges)
	require.NoError(t, err)
	f.acct = acct
	return f
}

func (f *accountFixture) tick(t *testing.T) {
	t.Helper()
	for _, c := range f.credits {
		require.NoError(t, c.TickSecond())
	}
	for _, ch := range f.charges {
		require.NoError(t, ch.TickSecond())
	}
	require.NoError(t, f.acct.TickSecond())
}

func TestPrepaymentLifecycle(t *testing.T) {
	f := newAccountFixture(t,
		[]models.CreditConfig{{LogicalName: creditLnA, Type: models.CreditTypeToken}},
		[]models.ChargeConfig{{
			LogicalName: testChargeLn,
			Type:        models.ChargeConsumptionBased,
			Config:      models.ChargeCfgContinuous,
		}},
		models.AccountConfig{},
	)
	require.NoError(t, f.acct.Activate())
	assert.Equal(t, models.AccountActive, f.acct.Status())

	// no usable credit yet: out of credit, supply drops
	f.tick(t)
	assert.NotZero(t, f.acct.CreditStatusBits()&models.AccOutOfCredit)
	assert.False(t, f.disc.Connected())

	// a 5000 top-up revives the credit and the relay
	require.NoError(t, f.acct.TopUpCredits(5000))
	f.tick(t)
	assert.Equal(t, 0, f.acct.CurrentCreditInUse())
	assert.Equal(t, int32(5000), f.acct.AvailableCredit())
	assert.True(t, f.disc.Connected())

	// one consumed unit at price 100 collects onto the credit in use
	f.clock.Advance(61 * time.Second)
	f.reg.Add(1)
	f.tick(t)
	assert.Equal(t, int32(4900), f.credits[0].Amount())
	assert.Equal(t, int32(100), f.charges[0].TotalAmountPaid())
	assert.Equal(t, int32(4900), f.acct.AvailableCredit())
}

func TestTopUpConservation(t *testing.T) {
	f := newAccountFixture(t,
		[]models.CreditConfig{
			{LogicalName: creditLnA, Type: models.CreditTypeToken},
			{LogicalName: creditLnB, Type: models.CreditTypeToken},
		},
		nil, models.AccountConfig{},
	)
	gw := &fakeGateway{}
	f.acct.SetGateway(gw)
	require.NoError(t, f.acct.Activate())

	require.NoError(t, f.acct.TopUpCredits(777))
	var total int32
	for _, c := range f.credits {
		total += c.Amount()
	}
	assert.Equal(t, int32(777), total)
	assert.Equal(t, 1, gw.confirms)
}

func TestProportionalDistribution(t *testing.T) {
	f := newAccountFixture(t,
		[]models.CreditConfig{
			{LogicalName: creditLnA, Type: models.CreditTypeToken},
			{LogicalName: creditLnB, Type: models.CreditTypeToken},
		},
		nil,
		models.AccountConfig{
			GatewayTable: []models.TokenGatewayEntry{
				{CreditRef: creditLnA, Proportion: 60},
				{CreditRef: creditLnB, Proportion: 30},
			},
		},
	)
	gw := &fakeGateway{}
	f.acct.SetGateway(gw)
	require.NoError(t, f.acct.Activate())

	require.NoError(t, f.acct.TopUpCredits(100))
	assert.Equal(t, int32(60), f.credits[0].Amount())
	// the 10 percent remainder sweeps to the lowest priority credit
	assert.Equal(t, int32(40), f.credits[1].Amount())
	assert.Equal(t, 1, gw.confirms)
}

func TestEmergencyCreditOnlyAbsorbsRepayment(t *testing.T) {
	f := newAccountFixture(t,
		[]models.CreditConfig{
			{LogicalName: creditLnA, Type: models.CreditTypeToken},
			{
				LogicalName:  creditLnB,
				Type:         models.CreditTypeEmergency,
				PresetAmount: 200,
				Config:       models.CreditCfgRequiresRepayment,
			},
		},
		nil, models.AccountConfig{},
	)
	require.NoError(t, f.acct.Activate())

	// the emergency credit was spent down to 50 of its 200 preset
	require.NoError(t, f.credits[1].UpdateAmount(50))
	_, err := f.credits[1].InvokeToInUse()
	require.NoError(t, err)

	require.NoError(t, f.acct.TopUpCredits(1000))
	assert.Equal(t, int32(200), f.credits[1].Amount())
	assert.Equal(t, int32(850), f.credits[0].Amount())
}

func TestCreditSuccession(t *testing.T) {
	f := newAccountFixture(t,
		[]models.CreditConfig{
			{LogicalName: creditLnA, Type: models.CreditTypeToken},
			{LogicalName: creditLnB, Type: models.CreditTypeEmergency},
		},
		nil, models.AccountConfig{},
	)
	require.NoError(t, f.acct.Activate())
	require.NoError(t, f.credits[0].UpdateAmount(10))
	require.NoError(t, f.credits[1].UpdateAmount(500))

	f.tick(t)
	assert.Equal(t, 0, f.acct.CurrentCreditInUse())

	// the primary credit runs dry and use moves to the emergency credit
	require.NoError(t, f.credits[0].UpdateAmount(-10))
	f.tick(t)
	assert.Equal(t, 1, f.acct.CurrentCreditInUse())
	assert.Equal(t, models.CreditInUse, f.credits[1].Status())

	// a fresh top-up restores the primary credit and use moves back
	require.NoError(t, f.credits[0].UpdateAmount(300))
	f.tick(t)
	assert.Equal(t, 0, f.acct.CurrentCreditInUse())
	assert.Equal(t, models.CreditEnabled, f.credits[1].Status())
}

func TestGatewayVetoesReconnect(t *testing.T) {
	f := newAccountFixture(t,
		[]models.CreditConfig{{LogicalName: creditLnA, Type: models.CreditTypeToken}},
		nil, models.AccountConfig{},
	)
	gw := &fakeGateway{reconnect: false}
	f.acct.SetGateway(gw)
	require.NoError(t, f.acct.Activate())

	f.tick(t)
	assert.False(t, f.disc.Connected())

	require.NoError(t, f.acct.TopUpCredits(100))
	f.tick(t)
	assert.False(t, f.disc.Connected())

	gw.reconnect = true
	f.tick(t)
	assert.True(t, f.disc.Connected())
}

func TestLowCreditWarning(t *testing.T) {
	f := newAccountFixture(t,
		[]models.CreditConfig{{
			LogicalName:      creditLnA,
			Type:             models.CreditTypeToken,
			WarningThreshold: 50,
		}},
		nil, models.AccountConfig{},
	)
	require.NoError(t, f.acct.Activate())
	require.NoError(t, f.acct.TopUpCredits(100))
	f.tick(t)
	assert.Zero(t, f.acct.CreditStatusBits()&models.AccLowCredit)

	require.NoError(t, f.credits[0].UpdateAmount(-60))
	f.tick(t)
	assert.NotZero(t, f.acct.CreditStatusBits()&models.AccLowCredit)
	assert.Equal(t, int32(50), f.acct.LowCreditThreshold())
}

func TestAmountToClearTracksDebtAndThreshold(t *testing.T) {
	f := newAccountFixture(t,
		[]models.CreditConfig{{LogicalName: creditLnA, Type: models.CreditTypeToken}},
		nil,
		models.AccountConfig{ClearanceThreshold: 25},
	)
	require.NoError(t, f.acct.Activate())

	// an exhausted credit overdrawn by 100 must be cleared, less the
	// configured threshold
	_, err := f.credits[0].SetAmountToValue(-100)
	require.NoError(t, err)
	f.tick(t)
	assert.Equal(t, int32(-125), f.acct.AmountToClear())
}

func TestAccountCloseStopsOrchestration(t *testing.T) {
	f := newAccountFixture(t,
		[]models.CreditConfig{{LogicalName: creditLnA, Type: models.CreditTypeToken}},
		[]models.ChargeConfig{{
			LogicalName: testChargeLn,
			Type:        models.ChargeTimeBased,
			Config:      models.ChargeCfgContinuous,
		}},
		models.AccountConfig{},
	)
	require.NoError(t, f.acct.Activate())
	require.NoError(t, f.acct.TopUpCredits(1000))
	f.tick(t)

	require.NoError(t, f.acct.Close())
	assert.Equal(t, models.AccountClosed, f.acct.Status())
	assert.False(t, f.charges[0].Active())

	// closed accounts neither collect nor switch the relay
	f.clock.Advance(5 * time.Minute)
	f.tick(t)
	assert.Equal(t, int32(1000), f.credits[0].Amount())
}

func TestAccountReset(t *testing.T) {
	f := newAccountFixture(t,
		[]models.CreditConfig{{LogicalName: creditLnA, Type: models.CreditTypeToken}},
		[]models.ChargeConfig{{
			LogicalName: testChargeLn,
			Type:        models.ChargeTimeBased,
			Config:      models.ChargeCfgContinuous,
		}},
		models.AccountConfig{},
	)
	require.NoError(t, f.acct.Activate())
	require.NoError(t, f.acct.TopUpCredits(1000))
	f.tick(t)

	require.NoError(t, f.acct.Reset())
	assert.Equal(t, models.AccountNew, f.acct.Status())
	assert.Equal(t, int32(0), f.credits[0].Amount())
	assert.Equal(t, models.CreditExhausted, f.credits[0].Status())
	assert.Equal(t, int32(0), f.acct.AvailableCredit())
	assert.Equal(t, int32(0), f.charges[0].TotalAmountPaid())
}

func TestScheduledActivationAndClosure(t *testing.T) {
	opening := testEpoch.Add(time.Hour)
	closing := testEpoch.Add(2 * time.Hour)
	f := newAccountFixture(t,
		[]models.CreditConfig{{LogicalName: creditLnA, Type: models.CreditTypeToken}},
		nil,
		models.AccountConfig{
			ActivationTime: axdr.DateTimeFrom(opening),
			ClosureTime:    axdr.DateTimeFrom(closing),
		},
	)
	require.NoError(t, f.acct.TickMinute())
	assert.Equal(t, models.AccountNew, f.acct.Status())

	f.clock.Set(opening)
	require.NoError(t, f.acct.TickMinute())
	assert.Equal(t, models.AccountActive, f.acct.Status())

	f.clock.Set(closing)
	require.NoError(t, f.acct.TickMinute())
	assert.Equal(t, models.AccountClosed, f.acct.Status())
}

func TestGatewayTableValidation(t *testing.T) {
	f := newAccountFixture(t,
		[]models.CreditConfig{{LogicalName: creditLnA, Type: models.CreditTypeToken}},
		nil, models.AccountConfig{},
	)
	err := f.acct.SetGatewayTable([]models.TokenGatewayEntry{{CreditRef: creditLnA, Proportion: 101}})
	assert.Error(t, err)

	err = f.acct.SetGatewayTable([]models.TokenGatewayEntry{{CreditRef: creditLnB, Proportion: 10}})
	assert.Error(t, err)

	err = f.acct.SetGatewayTable([]models.TokenGatewayEntry{{CreditRef: creditLnA, Proportion: 100}})
	assert.NoError(t, err)
}

func TestCreditChargeLinkRestrictsCollection(t *testing.T) {
	f := newAccountFixture(t,
		[]models.CreditConfig{
			{LogicalName: creditLnA, Type: models.CreditTypeToken},
		},
		[]models.ChargeConfig{{
			LogicalName: testChargeLn,
			Type:        models.ChargeTimeBased,
			Config:      models.ChargeCfgContinuous,
		}},
		models.AccountConfig{
			Links: []models.CreditChargeLink{
				{CreditRef: creditLnB, ChargeRef: testChargeLn},
			},
		},
	)
	require.NoError(t, f.acct.Activate())
	require.NoError(t, f.acct.TopUpCredits(1000))
	f.tick(t)

	f.clock.Advance(61 * time.Second)
	f.tick(t)
	// the only credit in use is not linked to the charge, so the pending
	// sum stays with the charge
	assert.Equal(t, int32(1000), f.credits[0].Amount())
	sum, pending := f.charges[0].PendingCollection()
	assert.True(t, pending)
	assert.Equal(t, int32(100), sum)
}
