package services

import (
	"fmt"
	"time"

	"github.com/gridpay/meterd/internal/axdr"
	"github.com/gridpay/meterd/internal/models"
	"github.com/gridpay/meterd/internal/storage"
)

// CreditService holds one credit object: a signed amount and a
// five-state lifecycle driven by the account orchestrator. All mutable
// attributes are written through to storage.
type CreditService struct {
	cfg    models.CreditConfig
	store  storage.Store
	prefix string

	amount           int32
	status           models.CreditStatus
	warningThreshold int32
	limit            int32
}

// NewCreditService restores a credit from storage, falling back to the
// configured defaults for attributes that were never written. A credit
// with no stored status starts enabled when its amount clears the
// limit, exhausted otherwise.
func NewCreditService(cfg models.CreditConfig, store storage.Store) (*CreditService, error) {
	s := &CreditService{
		cfg:    cfg,
		store:  store,
		prefix: "credit/" + cfg.LogicalName.String(),
	}

	var err error
	if s.amount, err = storage.GetInt32(store, s.key("amount"), 0); err != nil {
		return nil, fmt.Errorf("error restoring credit amount: %w", err)
	}
	if s.warningThreshold, err = storage.GetInt32(store, s.key("warning_threshold"), cfg.WarningThreshold); err != nil {
		return nil, fmt.Errorf("error restoring warning threshold: %w", err)
	}
	if s.limit, err = storage.GetInt32(store, s.key("limit"), cfg.Limit); err != nil {
		return nil, fmt.Errorf("error restoring limit: %w", err)
	}

	raw, err := store.Get(s.key("status"))
	switch {
	case err == nil && len(raw) == 1:
		s.status = models.CreditStatus(raw[0])
	case err == nil || err == storage.ErrNotFound:
		if s.amount > s.limit {
			s.status = models.CreditEnabled
		} else {
			s.status = models.CreditExhausted
		}
	default:
		return nil, fmt.Errorf("error restoring credit status: %w", err)
	}
	return s, nil
}

func (s *CreditService) key(attr string) string { return s.prefix + "/" + attr }

func (s *CreditService) Config() models.CreditConfig  { return s.cfg }
func (s *CreditService) LogicalName() models.ObisCode { return s.cfg.LogicalName }
func (s *CreditService) Amount() int32                { return s.amount }
func (s *CreditService) Status() models.CreditStatus  { return s.status }
func (s *CreditService) WarningThreshold() int32      { return s.warningThreshold }
func (s *CreditService) Limit() int32                 { return s.limit }

func (s *CreditService) persistAmount() error {
	return storage.PutInt32(s.store, s.key("amount"), s.amount)
}

func (s *CreditService) persistStatus() error {
	return storage.PutByte(s.store, s.key("status"), byte(s.status))
}

// ControlStatus applies the amount-driven transitions: an in-use credit
// drops to exhausted once its amount falls to the limit, and an
// exhausted credit recovers to enabled once its amount clears it.
func (s *CreditService) ControlStatus() error {
	switch s.status {
	case models.CreditInUse:
		if s.amount <= s.limit {
			s.status = models.CreditExhausted
			return s.persistStatus()
		}
	case models.CreditExhausted:
		if s.amount > s.limit {
			s.status = models.CreditEnabled
			return s.persistStatus()
		}
	}
	return nil
}

// UpdateAmount adds delta to the credit amount and re-evaluates the
// amount-driven transitions.
func (s *CreditService) UpdateAmount(delta int32) error {
	s.amount += delta
	if err := s.persistAmount(); err != nil {
		return err
	}
	return s.ControlStatus()
}

// SetAmountToValue overwrites the amount and returns the previous one.
func (s *CreditService) SetAmountToValue(v int32) (int32, error) {
	prev := s.amount
	s.amount = v
	return prev, s.persistAmount()
}

// Invoke moves an enabled credit toward use: to selectable when the
// configuration demands consumer confirmation, directly to selected
// otherwise.
func (s *CreditService) Invoke() error {
	if s.status != models.CreditEnabled {
		return nil
	}
	if s.cfg.RequiresConfirmation() {
		s.status = models.CreditSelectable
	} else {
		s.status = models.CreditSelected
	}
	return s.persistStatus()
}

// InvokeToInUse promotes the credit to in-use if its state permits.
// An enabled credit that demands confirmation only reaches selectable
// and the promotion reports false.
func (s *CreditService) InvokeToInUse() (bool, error) {
	switch s.status {
	case models.CreditInUse:
		return true, nil
	case models.CreditSelected:
		s.status = models.CreditInUse
		return true, s.persistStatus()
	case models.CreditEnabled:
		if s.cfg.RequiresConfirmation() {
			s.status = models.CreditSelectable
			return false, s.persistStatus()
		}
		s.status = models.CreditInUse
		return true, s.persistStatus()
	}
	return false, nil
}

// InvokeToEnable demotes a selectable, selected or in-use credit back
// to enabled.
func (s *CreditService) InvokeToEnable() (bool, error) {
	switch s.status {
	case models.CreditSelectable, models.CreditSelected, models.CreditInUse:
		s.status = models.CreditEnabled
		return true, s.persistStatus()
	}
	return false, nil
}

// Reset zeroes the amount and parks the credit in exhausted.
func (s *CreditService) Reset() error {
	s.amount = 0
	s.status = models.CreditExhausted
	if err := s.persistAmount(); err != nil {
		return err
	}
	return s.persistStatus()
}

// SetType overwrites the credit type. Configuration writes take effect
// immediately but only the amount, status and thresholds are durable.
func (s *CreditService) SetType(t models.CreditType) { s.cfg.Type = t }

// SetPriority overwrites the credit priority.
func (s *CreditService) SetPriority(p uint8) { s.cfg.Priority = p }

// SetConfigBits overwrites the credit configuration bit-string.
func (s *CreditService) SetConfigBits(b byte) { s.cfg.Config = b }

// SetPresetAmount overwrites the periodic refill amount.
func (s *CreditService) SetPresetAmount(v int32) { s.cfg.PresetAmount = v }

// SetAvailableThreshold overwrites the succession threshold.
func (s *CreditService) SetAvailableThreshold(v int32) { s.cfg.AvailableThreshold = v }

// SetPeriod overwrites the refill recurrence pattern.
func (s *CreditService) SetPeriod(dt axdr.DateTime) { s.cfg.Period = dt }

// SetWarningThreshold overwrites the low-amount warning threshold.
func (s *CreditService) SetWarningThreshold(v int32) error {
	s.warningThreshold = v
	return storage.PutInt32(s.store, s.key("warning_threshold"), v)
}

// SetLimit overwrites the exhaustion limit.
func (s *CreditService) SetLimit(v int32) error {
	s.limit = v
	return storage.PutInt32(s.store, s.key("limit"), v)
}

// TickSecond re-evaluates the amount-driven transitions.
func (s *CreditService) TickSecond() error {
	return s.ControlStatus()
}

// TickMinute refills periodic credits: time and consumption based
// credits return to their preset amount whenever the period pattern
// matches the clock.
func (s *CreditService) TickMinute(now time.Time) error {
	if s.cfg.Type != models.CreditTypeTimeBased && s.cfg.Type != models.CreditTypeConsumptionBased {
		return nil
	}
	if !s.cfg.Period.MatchesMinute(now) {
		return nil
	}
	_, err := s.SetAmountToValue(s.cfg.PresetAmount)
	return err
}
