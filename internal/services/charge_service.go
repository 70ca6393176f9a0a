package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/gridpay/meterd/internal/axdr"
	"github.com/gridpay/meterd/internal/hardware"
	"github.com/gridpay/meterd/internal/models"
	"github.com/gridpay/meterd/internal/storage"
)

// ErrUnsupported reports an operation the charge configuration does not
// support.
var ErrUnsupported = errors.New("services: operation not supported by configuration")

// ChargeService holds one charge object: a price table and the
// collection engine that turns consumption, elapsed time or payment
// events into sums for the account to collect.
type ChargeService struct {
	cfg    models.ChargeConfig
	store  storage.Store
	clock  hardware.Clock
	reg    hardware.Register
	prefix string

	priority             uint8
	unitActive           models.UnitCharge
	unitPassive          models.UnitCharge
	activationTime       axdr.DateTime
	period               uint32
	proportion           uint16
	totalPaid            int32
	lastCollectionTime   axdr.DateTime
	lastCollectionAmount int32
	totalRemaining       int32
	sumToCollect         int32
	newCollection        bool
	linkedAccountActive  bool
	activeTariff         []byte
	lastValue            []int32
}

// NewChargeService restores a charge from storage. The passive unit
// charge defaults to the configured table; if no active table was ever
// persisted the passive one is activated immediately.
func NewChargeService(cfg models.ChargeConfig, store storage.Store, clock hardware.Clock, reg hardware.Register) (*ChargeService, error) {
	s := &ChargeService{
		cfg:    cfg,
		store:  store,
		clock:  clock,
		reg:    reg,
		prefix: "charge/" + cfg.LogicalName.String(),
	}

	var err error
	if s.totalPaid, err = storage.GetInt32(store, s.key("total_paid"), 0); err != nil {
		return nil, fmt.Errorf("error restoring total amount paid: %w", err)
	}
	pr, err := storage.GetByte(store, s.key("priority"), cfg.Priority)
	if err != nil {
		return nil, fmt.Errorf("error restoring priority: %w", err)
	}
	s.priority = pr

	s.unitPassive = cfg.UnitChargeInit
	if raw, err := store.Get(s.key("unit_passive")); err == nil {
		if s.unitPassive, err = decodeUnitCharge(raw); err != nil {
			return nil, fmt.Errorf("error restoring passive unit charge: %w", err)
		}
	} else if err != storage.ErrNotFound {
		return nil, fmt.Errorf("error restoring passive unit charge: %w", err)
	}

	needActivate := false
	if raw, err := store.Get(s.key("unit_active")); err == nil {
		if s.unitActive, err = decodeUnitCharge(raw); err != nil {
			return nil, fmt.Errorf("error restoring active unit charge: %w", err)
		}
	} else if err == storage.ErrNotFound {
		needActivate = true
	} else {
		return nil, fmt.Errorf("error restoring active unit charge: %w", err)
	}

	if s.activationTime, err = storage.GetDateTime(store, s.key("activation_time")); err != nil {
		return nil, fmt.Errorf("error restoring activation time: %w", err)
	}
	if s.activationTime.IsNotSpecified() && !cfg.ActivationTime.IsNotSpecified() {
		s.activationTime = cfg.ActivationTime
	}
	if s.period, err = storage.GetUint32(store, s.key("period"), cfg.Period); err != nil {
		return nil, fmt.Errorf("error restoring period: %w", err)
	}
	if s.lastCollectionTime, err = storage.GetDateTime(store, s.key("last_collection_time")); err != nil {
		return nil, fmt.Errorf("error restoring last collection time: %w", err)
	}
	if s.lastCollectionAmount, err = storage.GetInt32(store, s.key("last_collection_amount"), 0); err != nil {
		return nil, fmt.Errorf("error restoring last collection amount: %w", err)
	}
	if s.totalRemaining, err = storage.GetInt32(store, s.key("total_remaining"), 0); err != nil {
		return nil, fmt.Errorf("error restoring total amount remaining: %w", err)
	}
	prop, err := storage.GetUint32(store, s.key("proportion"), uint32(cfg.Proportion))
	if err != nil {
		return nil, fmt.Errorf("error restoring proportion: %w", err)
	}
	s.proportion = uint16(prop)

	s.lastValue = make([]int32, models.MaxTariffs)
	if cfg.Type == models.ChargeConsumptionBased {
		for i := range s.lastValue {
			if s.lastValue[i], err = storage.GetInt32(store, s.lastValueKey(i), 0); err != nil {
				return nil, fmt.Errorf("error restoring last register value: %w", err)
			}
		}
	}

	if s.sumToCollect, err = storage.GetInt32(store, s.key("sum_to_collect"), 0); err != nil {
		return nil, fmt.Errorf("error restoring sum to collect: %w", err)
	}
	s.newCollection = s.sumToCollect != 0

	if needActivate {
		if err := s.ActivatePassiveUnitCharge(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *ChargeService) key(attr string) string { return s.prefix + "/" + attr }

func (s *ChargeService) lastValueKey(i int) string {
	return fmt.Sprintf("%s/last_value/%d", s.prefix, i)
}

func (s *ChargeService) Config() models.ChargeConfig          { return s.cfg }
func (s *ChargeService) LogicalName() models.ObisCode         { return s.cfg.LogicalName }
func (s *ChargeService) Type() models.ChargeType              { return s.cfg.Type }
func (s *ChargeService) Priority() uint8                      { return s.priority }
func (s *ChargeService) TotalAmountPaid() int32               { return s.totalPaid }
func (s *ChargeService) TotalAmountRemaining() int32          { return s.totalRemaining }
func (s *ChargeService) LastCollectionTime() axdr.DateTime    { return s.lastCollectionTime }
func (s *ChargeService) LastCollectionAmount() int32          { return s.lastCollectionAmount }
func (s *ChargeService) UnitChargeActive() models.UnitCharge  { return s.unitActive }
func (s *ChargeService) UnitChargePassive() models.UnitCharge { return s.unitPassive }
func (s *ChargeService) ActivationTime() axdr.DateTime        { return s.activationTime }
func (s *ChargeService) Period() uint32                       { return s.period }
func (s *ChargeService) Proportion() uint16                   { return s.proportion }
func (s *ChargeService) Continuous() bool                     { return s.cfg.Continuous() }
func (s *ChargeService) PriceScale() int8                     { return s.unitActive.Scaling.PriceScale }
func (s *ChargeService) Active() bool                         { return s.linkedAccountActive }

// PendingCollection returns the accumulated sum and whether a fresh
// collection awaits the account.
func (s *ChargeService) PendingCollection() (int32, bool) {
	return s.sumToCollect, s.newCollection
}

// SetLinkedAccountActive is called by the account when it restores or
// changes its own status.
func (s *ChargeService) SetLinkedAccountActive(active bool) {
	s.linkedAccountActive = active
}

// SetActiveTariff selects the tariff index used for price lookups.
func (s *ChargeService) SetActiveTariff(index []byte) {
	s.activeTariff = index
}

func (s *ChargeService) persistSumToCollect() error {
	return storage.PutInt32(s.store, s.key("sum_to_collect"), s.sumToCollect)
}

func (s *ChargeService) persistTotalRemaining() error {
	return storage.PutInt32(s.store, s.key("total_remaining"), s.totalRemaining)
}

// ActivatePassiveUnitCharge copies the passive price table over the
// active one.
func (s *ChargeService) ActivatePassiveUnitCharge() error {
	s.unitActive = s.unitPassive
	return s.store.Put(s.key("unit_active"), encodeUnitCharge(s.unitActive))
}

// SetPassiveUnitCharge replaces the passive price table.
func (s *ChargeService) SetPassiveUnitCharge(u models.UnitCharge) error {
	s.unitPassive = u
	return s.store.Put(s.key("unit_passive"), encodeUnitCharge(u))
}

// SetActivationTime schedules the passive table activation. A time at
// or before now activates immediately.
func (s *ChargeService) SetActivationTime(dt axdr.DateTime) error {
	s.activationTime = dt
	if err := storage.PutDateTime(s.store, s.key("activation_time"), dt); err != nil {
		return err
	}
	if dt.Before(s.clock.Now()) {
		return s.ActivatePassiveUnitCharge()
	}
	return nil
}

// SetPeriod overwrites the collection interval.
func (s *ChargeService) SetPeriod(v uint32) error {
	s.period = v
	return storage.PutUint32(s.store, s.key("period"), v)
}

// SetProportion overwrites the payment-event percentage.
func (s *ChargeService) SetProportion(v uint16) error {
	s.proportion = v
	return storage.PutUint32(s.store, s.key("proportion"), uint32(v))
}

// SetType overwrites the charge type. The value takes effect
// immediately and is not durable.
func (s *ChargeService) SetType(t models.ChargeType) { s.cfg.Type = t }

// SetConfigBits overwrites the charge configuration bit-string.
func (s *ChargeService) SetConfigBits(b byte) { s.cfg.Config = b }

// SetPriority overwrites the charge priority.
func (s *ChargeService) SetPriority(v uint8) error {
	s.priority = v
	return storage.PutByte(s.store, s.key("priority"), v)
}

// ConfirmCollection books the pending sum: it moves into the paid
// total, stamps the collection time and amount, and clears the pending
// state.
func (s *ChargeService) ConfirmCollection() error {
	s.totalPaid += s.sumToCollect
	if err := storage.PutInt32(s.store, s.key("total_paid"), s.totalPaid); err != nil {
		return err
	}
	s.lastCollectionTime = axdr.DateTimeFrom(s.clock.Now())
	if err := storage.PutDateTime(s.store, s.key("last_collection_time"), s.lastCollectionTime); err != nil {
		return err
	}
	s.lastCollectionAmount = s.sumToCollect
	if err := storage.PutInt32(s.store, s.key("last_collection_amount"), s.lastCollectionAmount); err != nil {
		return err
	}
	s.sumToCollect = 0
	s.newCollection = false
	return s.persistSumToCollect()
}

// RefuseCollection leaves the pending sum in place for the next cycle.
func (s *ChargeService) RefuseCollection() {}

// Activate links the charge to an active account: the passive table
// takes effect, the collection clock starts now, and consumption based
// charges snapshot the register as their baseline.
func (s *ChargeService) Activate() error {
	s.linkedAccountActive = true
	if err := s.ActivatePassiveUnitCharge(); err != nil {
		return err
	}
	s.lastCollectionTime = axdr.DateTimeFrom(s.clock.Now())
	if err := storage.PutDateTime(s.store, s.key("last_collection_time"), s.lastCollectionTime); err != nil {
		return err
	}
	if s.cfg.Type == models.ChargeConsumptionBased && s.reg != nil {
		value, err := s.reg.Value()
		if err != nil {
			return fmt.Errorf("error reading register: %w", err)
		}
		for i := range s.lastValue {
			s.lastValue[i] = value
			if err := storage.PutInt32(s.store, s.lastValueKey(i), value); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close unlinks the charge from the account. Totals survive closure.
func (s *ChargeService) Close() {
	s.linkedAccountActive = false
}

// Reset zeroes every collected total and pending sum.
func (s *ChargeService) Reset() error {
	s.totalPaid = 0
	s.lastCollectionAmount = 0
	s.totalRemaining = 0
	s.sumToCollect = 0
	s.newCollection = false
	s.lastCollectionTime = axdr.NotSpecifiedDateTime()
	for i := range s.lastValue {
		s.lastValue[i] = 0
		if err := storage.PutInt32(s.store, s.lastValueKey(i), 0); err != nil {
			return err
		}
	}
	if err := storage.PutInt32(s.store, s.key("total_paid"), 0); err != nil {
		return err
	}
	if err := storage.PutInt32(s.store, s.key("last_collection_amount"), 0); err != nil {
		return err
	}
	if err := s.persistTotalRemaining(); err != nil {
		return err
	}
	if err := storage.PutDateTime(s.store, s.key("last_collection_time"), s.lastCollectionTime); err != nil {
		return err
	}
	return s.persistSumToCollect()
}

// ReduceTotalAmountRemaining consumes up to sum from the remaining
// debt and returns how much was actually available.
func (s *ChargeService) ReduceTotalAmountRemaining(sum int32) (int32, error) {
	if sum < 0 {
		sum = -sum
	}
	s.totalRemaining -= sum
	if s.totalRemaining < 0 {
		sum += s.totalRemaining
		s.totalRemaining = 0
	}
	return sum, s.persistTotalRemaining()
}

// UpdateTotalAmountRemaining adds delta to the remaining debt, clamped
// at zero, and returns the previous value. Continuous charges carry no
// debt so the call is a no-op for them.
func (s *ChargeService) UpdateTotalAmountRemaining(delta int32) (int32, error) {
	if s.cfg.Continuous() {
		return s.totalRemaining, nil
	}
	prev := s.totalRemaining
	s.totalRemaining += delta
	if s.totalRemaining < 0 {
		s.totalRemaining = 0
	}
	return prev, s.persistTotalRemaining()
}

// SetTotalAmountRemaining overwrites the remaining debt and returns the
// previous value. Negative input is rejected with -1; continuous
// charges are forced to zero.
func (s *ChargeService) SetTotalAmountRemaining(v int32) (int32, error) {
	if v < 0 {
		return -1, nil
	}
	if s.cfg.Continuous() {
		s.totalRemaining = 0
		return 0, s.persistTotalRemaining()
	}
	prev := s.totalRemaining
	s.totalRemaining = v
	return prev, s.persistTotalRemaining()
}

// Collect triggers an immediate collection on demand. Consumption based
// charges only collect from register movement, and percentage
// configured time charges have no per-collection price to apply.
func (s *ChargeService) Collect() error {
	if s.cfg.Type == models.ChargeConsumptionBased {
		return nil
	}
	if s.cfg.Percentage() {
		return ErrUnsupported
	}
	s.sumToCollect += int32(s.unitActive.BasePrice())
	if err := s.persistSumToCollect(); err != nil {
		return err
	}
	s.newCollection = true
	return nil
}

// calcPeriodsPassed counts whole collection periods since the last
// collection.
func (s *ChargeService) calcPeriodsPassed(now time.Time) uint32 {
	last, ok := s.lastCollectionTime.Time()
	if !ok {
		return 0
	}
	elapsed := now.Sub(last)
	if elapsed < 0 {
		return 0
	}
	return uint32(elapsed/time.Second) / s.period
}

func (s *ChargeService) activeElement() int {
	if len(s.unitActive.Table) == 0 || len(s.unitActive.Table[0].Index) == 0 {
		return 0
	}
	for i, el := range s.unitActive.Table {
		if string(el.Index) == string(s.activeTariff) {
			return i
		}
	}
	return 0
}

// executeConsumptionCollection prices the register movement since the
// last collection. Raw units that do not amount to a whole chargeable
// unit stay in the baseline and carry into the next cycle.
func (s *ChargeService) executeConsumptionCollection(now time.Time) error {
	if s.period == 0 || s.calcPeriodsPassed(now) == 0 {
		return nil
	}
	price := int32(s.unitActive.Price(s.activeTariff))
	if price == 0 {
		return nil
	}
	if s.reg == nil {
		return nil
	}
	valueScaler, err := s.reg.Scaler()
	if err != nil {
		return nil
	}
	value, err := s.reg.Value()
	if err != nil {
		return fmt.Errorf("error reading register: %w", err)
	}

	el := s.activeElement()
	last := s.lastValue[el]
	if last >= value {
		return nil
	}
	difference := value - last
	commonScaler := int(valueScaler) + int(s.unitActive.Scaling.CommodityScale)
	unitsConsumed := scaleValue(difference, commonScaler)
	if unitsConsumed == 0 {
		return nil
	}
	s.lastValue[el] = value - difference%scaleValue(unitsConsumed, -commonScaler)
	if err := storage.PutInt32(s.store, s.lastValueKey(el), s.lastValue[el]); err != nil {
		return err
	}
	s.sumToCollect += unitsConsumed * price
	if err := s.persistSumToCollect(); err != nil {
		return err
	}
	s.newCollection = true
	return nil
}

// executeTimeCollection prices the whole periods elapsed since the last
// collection.
func (s *ChargeService) executeTimeCollection(now time.Time) error {
	if s.period == 0 {
		return nil
	}
	periods := s.calcPeriodsPassed(now)
	if periods == 0 {
		return nil
	}
	s.sumToCollect += int32(s.unitActive.BasePrice()) * int32(periods)
	if err := s.persistSumToCollect(); err != nil {
		return err
	}
	s.newCollection = true
	return nil
}

// ExecutePaymentEventCollection prices a received top-up: percentage
// configured charges take their proportion of the sum, the rest apply
// the flat tariff price.
func (s *ChargeService) ExecutePaymentEventCollection(topUpSum int32) error {
	if !s.linkedAccountActive || s.cfg.Type != models.ChargePaymentEventBased {
		return nil
	}
	if s.cfg.Percentage() {
		s.sumToCollect += topUpSum * int32(s.proportion) / 10000
	} else {
		s.sumToCollect += int32(s.unitActive.BasePrice())
	}
	if err := s.persistSumToCollect(); err != nil {
		return err
	}
	s.newCollection = true
	return nil
}

// TickSecond runs the periodic collections and, for one-off charges,
// caps the pending sum by the remaining debt.
func (s *ChargeService) TickSecond() error {
	if !s.linkedAccountActive {
		return nil
	}
	now := s.clock.Now()
	switch s.cfg.Type {
	case models.ChargeConsumptionBased:
		if err := s.executeConsumptionCollection(now); err != nil {
			return err
		}
	case models.ChargeTimeBased:
		if err := s.executeTimeCollection(now); err != nil {
			return err
		}
	}
	if s.newCollection && !s.cfg.Continuous() && s.totalRemaining != 0 {
		capped, err := s.ReduceTotalAmountRemaining(s.sumToCollect)
		if err != nil {
			return err
		}
		s.sumToCollect = capped
		return s.persistSumToCollect()
	}
	return nil
}

// TickMinute activates a scheduled passive table when its time comes.
func (s *ChargeService) TickMinute(now time.Time) error {
	if !s.activationTime.IsConcrete() {
		return nil
	}
	if !s.activationTime.MatchesMinute(now) {
		return nil
	}
	return s.ActivatePassiveUnitCharge()
}
