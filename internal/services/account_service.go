package services

import (
	"fmt"
	"log"

	"github.com/gridpay/meterd/internal/axdr"
	"github.com/gridpay/meterd/internal/hardware"
	"github.com/gridpay/meterd/internal/models"
	"github.com/gridpay/meterd/internal/storage"
)

// tokenConfirmer is the slice of the token gateway the account needs:
// acknowledging a fully distributed top-up and vetoing relay
// reconnection while supply is stopped.
type tokenConfirmer interface {
	ConfirmReceivedToken() error
	PermitsReconnect() bool
}

// AccountService orchestrates the credits and charges: it owns the
// credit succession, collects pending charge sums from the credit in
// use, distributes top-ups and drives the supply relay.
type AccountService struct {
	cfg     models.AccountConfig
	store   storage.Store
	clock   hardware.Clock
	disc    hardware.Disconnector
	credits []*CreditService
	charges []*ChargeService
	gateway tokenConfirmer
	prefix  string

	status             models.AccountStatus
	currInUse          int
	creditStatusBits   byte
	availableCredit    int32
	amountToClear      int32
	clearanceThreshold int32
	aggregatedDebt     int32
	lowCreditThreshold int32
	nextAvailThreshold int32
	currency           models.Currency
	activationTime     axdr.DateTime
	closureTime        axdr.DateTime
	maxProvision       uint16
	maxProvisionPeriod int32
}

// NewAccountService restores the account from storage. An account that
// restores as active re-links its charges immediately.
func NewAccountService(cfg models.AccountConfig, store storage.Store, clock hardware.Clock, disc hardware.Disconnector, credits []*CreditService, charges []*ChargeService) (*AccountService, error) {
	s := &AccountService{
		cfg:     cfg,
		store:   store,
		clock:   clock,
		disc:    disc,
		credits: credits,
		charges: charges,
		prefix:  "account/" + cfg.LogicalName.String(),
	}

	st, err := storage.GetByte(store, s.key("status"), byte(models.AccountNew))
	if err != nil {
		return nil, fmt.Errorf("error restoring account status: %w", err)
	}
	s.status = models.AccountStatus(st)
	if s.status == models.AccountActive {
		for _, ch := range s.charges {
			ch.SetLinkedAccountActive(true)
		}
	}

	if s.activationTime, err = storage.GetDateTime(store, s.key("activation_time")); err != nil {
		return nil, fmt.Errorf("error restoring activation time: %w", err)
	}
	if s.activationTime.IsNotSpecified() {
		s.activationTime = cfg.ActivationTime
	}
	if s.closureTime, err = storage.GetDateTime(store, s.key("closure_time")); err != nil {
		return nil, fmt.Errorf("error restoring closure time: %w", err)
	}
	if s.closureTime.IsNotSpecified() {
		s.closureTime = cfg.ClosureTime
	}

	if s.clearanceThreshold, err = storage.GetInt32(store, s.key("clearance_threshold"), cfg.ClearanceThreshold); err != nil {
		return nil, fmt.Errorf("error restoring clearance threshold: %w", err)
	}

	s.currency = cfg.Currency
	if raw, err := store.Get(s.key("currency")); err == nil {
		if s.currency, err = decodeCurrency(raw); err != nil {
			return nil, fmt.Errorf("error restoring currency: %w", err)
		}
	} else if err != storage.ErrNotFound {
		return nil, fmt.Errorf("error restoring currency: %w", err)
	}

	mp, err := storage.GetUint32(store, s.key("max_provision"), uint32(cfg.MaxProvision))
	if err != nil {
		return nil, fmt.Errorf("error restoring max provision: %w", err)
	}
	s.maxProvision = uint16(mp)
	if s.maxProvisionPeriod, err = storage.GetInt32(store, s.key("max_provision_period"), cfg.MaxProvisionPeriod); err != nil {
		return nil, fmt.Errorf("error restoring max provision period: %w", err)
	}

	if raw, err := store.Get(s.key("gateway_table")); err == nil {
		if s.cfg.GatewayTable, err = decodeGatewayTable(raw); err != nil {
			return nil, fmt.Errorf("error restoring gateway table: %w", err)
		}
	} else if err != storage.ErrNotFound {
		return nil, fmt.Errorf("error restoring gateway table: %w", err)
	}

	s.currInUse = len(credits)
	return s, nil
}

func (s *AccountService) key(attr string) string { return s.prefix + "/" + attr }

// SetGateway binds the token gateway once both services exist.
func (s *AccountService) SetGateway(g tokenConfirmer) { s.gateway = g }

func (s *AccountService) Config() models.AccountConfig             { return s.cfg }
func (s *AccountService) LogicalName() models.ObisCode             { return s.cfg.LogicalName }
func (s *AccountService) Status() models.AccountStatus             { return s.status }
func (s *AccountService) Mode() models.PaymentMode                 { return s.cfg.Mode }
func (s *AccountService) CreditStatusBits() byte                   { return s.creditStatusBits }
func (s *AccountService) AvailableCredit() int32                   { return s.availableCredit }
func (s *AccountService) AmountToClear() int32                     { return s.amountToClear }
func (s *AccountService) ClearanceThreshold() int32                { return s.clearanceThreshold }
func (s *AccountService) AggregatedDebt() int32                    { return s.aggregatedDebt }
func (s *AccountService) LowCreditThreshold() int32                { return s.lowCreditThreshold }
func (s *AccountService) NextCreditAvailThreshold() int32          { return s.nextAvailThreshold }
func (s *AccountService) Currency() models.Currency                { return s.currency }
func (s *AccountService) ActivationTime() axdr.DateTime            { return s.activationTime }
func (s *AccountService) ClosureTime() axdr.DateTime               { return s.closureTime }
func (s *AccountService) MaxProvision() uint16                     { return s.maxProvision }
func (s *AccountService) MaxProvisionPeriod() int32                { return s.maxProvisionPeriod }
func (s *AccountService) Credits() []*CreditService                { return s.credits }
func (s *AccountService) Charges() []*ChargeService                { return s.charges }
func (s *AccountService) GatewayTable() []models.TokenGatewayEntry { return s.cfg.GatewayTable }

// CurrentCreditInUse returns the index of the credit in use; the value
// equals the credit count when no credit is in use.
func (s *AccountService) CurrentCreditInUse() int { return s.currInUse }

func (s *AccountService) persistStatus() error {
	return storage.PutByte(s.store, s.key("status"), byte(s.status))
}

// SetClearanceThreshold overwrites the clearance threshold.
func (s *AccountService) SetClearanceThreshold(v int32) error {
	s.clearanceThreshold = v
	return storage.PutInt32(s.store, s.key("clearance_threshold"), v)
}

// SetGatewayTable replaces the top-up routing table. Every referenced
// credit must exist and no single proportion may exceed 100 percent.
func (s *AccountService) SetGatewayTable(entries []models.TokenGatewayEntry) error {
	for _, e := range entries {
		if e.Proportion > 100 {
			return fmt.Errorf("token proportion %d exceeds 100", e.Proportion)
		}
		found := false
		for _, c := range s.credits {
			if c.LogicalName() == e.CreditRef {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("credit %s is not linked to the account", e.CreditRef)
		}
	}
	s.cfg.GatewayTable = entries
	return s.store.Put(s.key("gateway_table"), encodeGatewayTable(entries))
}

// SetActivationTime schedules the account activation.
func (s *AccountService) SetActivationTime(dt axdr.DateTime) error {
	s.activationTime = dt
	return storage.PutDateTime(s.store, s.key("activation_time"), dt)
}

// SetClosureTime schedules the account closure.
func (s *AccountService) SetClosureTime(dt axdr.DateTime) error {
	s.closureTime = dt
	return storage.PutDateTime(s.store, s.key("closure_time"), dt)
}

// SetCurrency replaces the account currency.
func (s *AccountService) SetCurrency(c models.Currency) error {
	if len(c.Name) > models.MaxCurrencyName {
		return fmt.Errorf("currency name %q exceeds %d characters", c.Name, models.MaxCurrencyName)
	}
	s.currency = c
	return s.store.Put(s.key("currency"), encodeCurrency(c))
}

// SetMaxProvision overwrites the top-up provision cap.
func (s *AccountService) SetMaxProvision(v uint16) error {
	s.maxProvision = v
	return storage.PutUint32(s.store, s.key("max_provision"), uint32(v))
}

// SetMaxProvisionPeriod overwrites the provision accounting period.
func (s *AccountService) SetMaxProvisionPeriod(v int32) error {
	s.maxProvisionPeriod = v
	return storage.PutInt32(s.store, s.key("max_provision_period"), v)
}

// Activate moves a new account to active, stamps the activation time
// and links the charges.
func (s *AccountService) Activate() error {
	if s.status != models.AccountNew {
		return nil
	}
	s.status = models.AccountActive
	if err := s.persistStatus(); err != nil {
		return err
	}
	s.activationTime = axdr.DateTimeFrom(s.clock.Now())
	if err := storage.PutDateTime(s.store, s.key("activation_time"), s.activationTime); err != nil {
		return err
	}
	for _, ch := range s.charges {
		if err := ch.Activate(); err != nil {
			return err
		}
	}
	log.Printf("account %s activated", s.cfg.LogicalName)
	return nil
}

// Close moves an active account to closed, stamps the closure time and
// unlinks the charges.
func (s *AccountService) Close() error {
	if s.status != models.AccountActive {
		return nil
	}
	s.status = models.AccountClosed
	if err := s.persistStatus(); err != nil {
		return err
	}
	s.closureTime = axdr.DateTimeFrom(s.clock.Now())
	if err := storage.PutDateTime(s.store, s.key("closure_time"), s.closureTime); err != nil {
		return err
	}
	for _, ch := range s.charges {
		ch.Close()
	}
	log.Printf("account %s closed", s.cfg.LogicalName)
	return nil
}

// Reset returns a non-new account to the new state and wipes every
// credit and charge.
func (s *AccountService) Reset() error {
	if s.status == models.AccountNew {
		return nil
	}
	for _, ch := range s.charges {
		if err := ch.Reset(); err != nil {
			return err
		}
	}
	for _, c := range s.credits {
		if err := c.Reset(); err != nil {
			return err
		}
	}
	s.status = models.AccountNew
	s.currInUse = len(s.credits)
	s.availableCredit = 0
	s.amountToClear = 0
	s.aggregatedDebt = 0
	s.lowCreditThreshold = 0
	s.nextAvailThreshold = 0
	return s.persistStatus()
}

// checkCreditChargeLink reports whether the charge may collect from the
// credit in use. An empty link list allows every pairing.
func (s *AccountService) checkCreditChargeLink(ch *ChargeService) bool {
	if len(s.cfg.Links) == 0 {
		return true
	}
	creditLn := s.credits[s.currInUse].LogicalName()
	chargeLn := ch.LogicalName()
	for _, l := range s.cfg.Links {
		if l.CreditRef == creditLn && l.ChargeRef == chargeLn {
			return true
		}
	}
	return false
}

// executeCollection moves a pending charge sum onto the credit in use,
// rescaled from the charge's price scale into the account currency.
func (s *AccountService) executeCollection(ch *ChargeService) error {
	if s.currInUse >= len(s.credits) {
		ch.RefuseCollection()
		return nil
	}
	if !s.checkCreditChargeLink(ch) {
		ch.RefuseCollection()
		return nil
	}
	pending, _ := ch.PendingCollection()
	commonScaler := int(ch.PriceScale()) - int(s.currency.Scale)
	sum := scaleValue(pending, commonScaler) * -1
	if err := s.credits[s.currInUse].UpdateAmount(sum); err != nil {
		return err
	}
	return ch.ConfirmCollection()
}

// findNextPriorityCredit returns the index of the highest priority
// credit that is enabled, selectable or selected, or the credit count
// when none qualifies.
func (s *AccountService) findNextPriorityCredit() int {
	for i, c := range s.credits {
		switch c.Status() {
		case models.CreditEnabled, models.CreditSelectable, models.CreditSelected:
			return i
		}
	}
	return len(s.credits)
}

// invokeHighestPriorityCreditToInUse promotes the first promotable
// non-exhausted credit.
func (s *AccountService) invokeHighestPriorityCreditToInUse() (bool, error) {
	for i, c := range s.credits {
		if c.Status() == models.CreditExhausted {
			continue
		}
		ok, err := c.InvokeToInUse()
		if err != nil {
			return false, err
		}
		if ok {
			s.currInUse = i
			return true, nil
		}
	}
	return false, nil
}

func (s *AccountService) updateAvailableCredit() {
	s.availableCredit = 0
	for _, c := range s.credits {
		switch c.Status() {
		case models.CreditSelected, models.CreditInUse:
			if amount := c.Amount(); amount > 0 {
				s.availableCredit += amount
			}
		}
	}
}

func (s *AccountService) updateAmountToClear() {
	s.amountToClear = 0
	for _, c := range s.credits {
		amount := c.Amount()
		repay := c.Config().RequiresRepayment()
		if c.Status() == models.CreditExhausted && !repay {
			if amount < 0 {
				s.amountToClear += amount
			}
		} else if repay {
			s.amountToClear += amount * -1
		}
	}
	s.amountToClear += s.clearanceThreshold * -1
}

func (s *AccountService) updateAggregatedDebt() {
	s.aggregatedDebt = 0
	for _, ch := range s.charges {
		if ch.Continuous() {
			continue
		}
		commonScaler := int(ch.PriceScale()) - int(s.currency.Scale)
		s.aggregatedDebt += scaleValue(ch.TotalAmountRemaining(), commonScaler)
	}
}

func (s *AccountService) updateLowCreditThreshold() {
	if s.currInUse >= len(s.credits) {
		s.lowCreditThreshold = 0
		return
	}
	s.lowCreditThreshold = s.credits[s.currInUse].WarningThreshold()
}

func (s *AccountService) updateNextCreditAvailableThreshold() {
	next := s.findNextPriorityCredit()
	if next >= len(s.credits) {
		// per the published attribute definition
		s.nextAvailThreshold = -2147483648
		return
	}
	s.nextAvailThreshold = s.credits[next].Config().AvailableThreshold
}

func (s *AccountService) updateCurrentCreditStatus() {
	if s.availableCredit > 0 {
		s.creditStatusBits |= models.AccInCredit
	} else {
		s.creditStatusBits &^= models.AccInCredit
	}

	if s.availableCredit < s.lowCreditThreshold {
		s.creditStatusBits |= models.AccLowCredit
	} else {
		s.creditStatusBits &^= models.AccLowCredit
	}

	next := s.findNextPriorityCredit()
	s.creditStatusBits &^= models.AccNextCreditEnabled | models.AccNextCreditSelectable | models.AccNextCreditSelected
	var nextStatus models.CreditStatus
	hasNext := next < len(s.credits)
	if hasNext {
		nextStatus = s.credits[next].Status()
		switch nextStatus {
		case models.CreditEnabled:
			s.creditStatusBits |= models.AccNextCreditEnabled
		case models.CreditSelectable:
			s.creditStatusBits |= models.AccNextCreditSelectable
		case models.CreditSelected:
			s.creditStatusBits |= models.AccNextCreditSelected
		}
	}

	// selectable_credit_in_use is owned by manageCreditsStatuses

	inUseExhausted := s.currInUse >= len(s.credits) ||
		s.credits[s.currInUse].Status() == models.CreditExhausted
	if inUseExhausted && (!hasNext || nextStatus == models.CreditSelectable) {
		s.creditStatusBits |= models.AccOutOfCredit
	} else {
		s.creditStatusBits &^= models.AccOutOfCredit
	}
}

// manageCreditsStatuses drives the credit succession. The branches run
// in priority order and the first one that acts wins the cycle.
func (s *AccountService) manageCreditsStatuses() error {
	next := s.findNextPriorityCredit()
	if next >= len(s.credits) {
		return nil
	}

	// a higher priority credit became available again: move use back to
	// it and re-enable everything else
	if next < s.currInUse {
		ok, err := s.credits[next].InvokeToInUse()
		if err != nil {
			return err
		}
		if ok {
			for i, c := range s.credits {
				if i == next {
					continue
				}
				if _, err := c.InvokeToEnable(); err != nil {
					return err
				}
			}
			s.currInUse = next
			s.creditStatusBits &^= models.AccSelectableCreditInUse
			return nil
		}
	}

	if s.availableCredit <= s.nextAvailThreshold && s.nextAvailThreshold > 0 {
		return s.credits[next].Invoke()
	}

	if s.availableCredit <= s.nextAvailThreshold && s.nextAvailThreshold <= 0 {
		prevStatus := s.credits[next].Status()
		ok, err := s.credits[next].InvokeToInUse()
		if err != nil {
			return err
		}
		if ok {
			if prevStatus == models.CreditSelected {
				s.creditStatusBits |= models.AccSelectableCreditInUse
			}
			if s.currInUse < len(s.credits) {
				if _, err := s.credits[s.currInUse].InvokeToEnable(); err != nil {
					return err
				}
			}
			s.currInUse = next
			return nil
		}
	}

	if s.currInUse < len(s.credits) && s.credits[s.currInUse].Status() == models.CreditExhausted {
		prevStatus := s.credits[next].Status()
		ok, err := s.credits[next].InvokeToInUse()
		if err != nil {
			return err
		}
		if ok {
			if prevStatus == models.CreditSelected {
				s.creditStatusBits |= models.AccSelectableCreditInUse
			}
			s.currInUse = next
			return nil
		}
	}

	switch s.credits[next].Status() {
	case models.CreditSelectable:
		if s.availableCredit > s.nextAvailThreshold {
			_, err := s.credits[next].InvokeToEnable()
			return err
		}
	case models.CreditSelected:
		// demote only when the remaining credit would still clear the
		// threshold, avoiding rattling around it
		if s.availableCredit-s.credits[next].Amount() > s.nextAvailThreshold {
			_, err := s.credits[next].InvokeToEnable()
			return err
		}
	}
	return nil
}

// distributeUnrestricted applies a top-up starting at the lowest
// priority credit that is in use or exhausted, then sweeps the idle
// credits the same way. Emergency credits only absorb what was spent
// from them, and only when repayment is configured.
func (s *AccountService) distributeUnrestricted(topUpSum int32) (int32, error) {
	apply := func(c *CreditService, sum int32) (int32, error) {
		if c.Config().Type == models.CreditTypeEmergency {
			preset := c.Config().PresetAmount
			current := c.Amount()
			if current < preset && c.Config().RequiresRepayment() {
				spent := preset - current
				if spent >= sum {
					return 0, c.UpdateAmount(sum)
				}
				return sum - spent, c.UpdateAmount(spent)
			}
			return sum, nil
		}
		return 0, c.UpdateAmount(sum)
	}

	for i := len(s.credits) - 1; i >= 0; i-- {
		c := s.credits[i]
		if st := c.Status(); st != models.CreditExhausted && st != models.CreditInUse {
			continue
		}
		var err error
		if topUpSum, err = apply(c, topUpSum); err != nil {
			return topUpSum, err
		}
		if topUpSum == 0 {
			return 0, s.confirmGateway()
		}
	}

	if topUpSum > 0 {
		for i := len(s.credits) - 1; i >= 0; i-- {
			c := s.credits[i]
			switch c.Status() {
			case models.CreditEnabled, models.CreditSelectable, models.CreditSelected:
			default:
				continue
			}
			var err error
			if topUpSum, err = apply(c, topUpSum); err != nil {
				return topUpSum, err
			}
			if topUpSum == 0 {
				return 0, s.confirmGateway()
			}
		}
	}
	return topUpSum, nil
}

// distributeByProportion routes the configured share of the top-up to
// each referenced credit and hands any remainder to the unrestricted
// distribution.
func (s *AccountService) distributeByProportion(topUpSum int32) error {
	var expended int32
	for _, entry := range s.cfg.GatewayTable {
		for _, c := range s.credits {
			if entry.CreditRef != c.LogicalName() {
				continue
			}
			share := topUpSum * int32(entry.Proportion) / 100
			if err := c.UpdateAmount(share); err != nil {
				return err
			}
			expended += share
		}
	}

	topUpSum -= expended
	if topUpSum > 0 {
		_, err := s.distributeUnrestricted(topUpSum)
		return err
	}
	return s.confirmGateway()
}

func (s *AccountService) confirmGateway() error {
	if s.gateway == nil {
		return nil
	}
	return s.gateway.ConfirmReceivedToken()
}

// DistributeTopUp splits a received credit sum between the credits.
func (s *AccountService) DistributeTopUp(topUpSum int32) error {
	if len(s.cfg.GatewayTable) == 0 {
		_, err := s.distributeUnrestricted(topUpSum)
		return err
	}
	return s.distributeByProportion(topUpSum)
}

// TopUpCredits applies a received top-up and lets the payment event
// charges take their cut of the original sum.
func (s *AccountService) TopUpCredits(topUpSum int32) error {
	if err := s.DistributeTopUp(topUpSum); err != nil {
		return err
	}
	for _, ch := range s.charges {
		if err := ch.ExecutePaymentEventCollection(topUpSum); err != nil {
			return err
		}
	}
	return nil
}

// TickSecond runs one orchestration cycle: promote a credit when none
// is in use, collect pending charge sums, refresh the aggregates and
// status bits, advance the succession and drive the relay.
func (s *AccountService) TickSecond() error {
	if s.status != models.AccountActive {
		return nil
	}

	if s.currInUse >= len(s.credits) {
		if _, err := s.invokeHighestPriorityCreditToInUse(); err != nil {
			return err
		}
	}

	for _, ch := range s.charges {
		if _, pending := ch.PendingCollection(); pending {
			if err := s.executeCollection(ch); err != nil {
				return err
			}
		}
	}

	s.updateAvailableCredit()
	s.updateAmountToClear()
	s.updateAggregatedDebt()
	s.updateLowCreditThreshold()
	s.updateNextCreditAvailableThreshold()
	s.updateCurrentCreditStatus()

	if err := s.manageCreditsStatuses(); err != nil {
		return err
	}

	if s.creditStatusBits&models.AccOutOfCredit != 0 {
		if s.disc != nil && s.disc.Connected() {
			if err := s.disc.Disconnect(); err != nil {
				return fmt.Errorf("error disconnecting supply: %w", err)
			}
			s.currInUse = len(s.credits)
			log.Printf("account %s out of credit, supply disconnected", s.cfg.LogicalName)
		}
	} else if s.disc != nil && !s.disc.Connected() {
		if s.gateway == nil || s.gateway.PermitsReconnect() {
			if err := s.disc.Reconnect(); err != nil {
				return fmt.Errorf("error reconnecting supply: %w", err)
			}
			log.Printf("account %s back in credit, supply reconnected", s.cfg.LogicalName)
		}
	}
	return nil
}

// TickMinute applies the scheduled activation and closure times.
func (s *AccountService) TickMinute() error {
	now := s.clock.Now()
	if s.status == models.AccountNew && s.activationTime.IsConcrete() && s.activationTime.MatchesMinute(now) {
		return s.Activate()
	}
	if s.status == models.AccountActive && s.closureTime.IsConcrete() && s.closureTime.MatchesMinute(now) {
		return s.Close()
	}
	return nil
}
