package services

import (
	"github.com/gridpay/meterd/internal/axdr"
	"github.com/gridpay/meterd/internal/models"
)

// Account attribute identifiers.
const (
	AccountAttrModeAndStatus       = 2
	AccountAttrCreditInUse         = 3
	AccountAttrCreditStatus        = 4
	AccountAttrAvailableCredit     = 5
	AccountAttrAmountToClear       = 6
	AccountAttrClearanceThreshold  = 7
	AccountAttrAggregatedDebt      = 8
	AccountAttrCreditRefs          = 9
	AccountAttrChargeRefs          = 10
	AccountAttrCreditChargeCfg     = 11
	AccountAttrTokenGatewayCfg     = 12
	AccountAttrActivationTime      = 13
	AccountAttrClosureTime         = 14
	AccountAttrCurrency            = 15
	AccountAttrLowCreditThreshold  = 16
	AccountAttrNextCreditThreshold = 17
	AccountAttrMaxProvision        = 18
	AccountAttrMaxProvisionPeriod  = 19
)

// Account method identifiers.
const (
	AccountMethActivate = 1
	AccountMethClose    = 2
	AccountMethReset    = 3
)

func encodeCurrency(c models.Currency) []byte {
	var e axdr.Encoder
	e.Structure(3).
		Utf8String(c.Name).
		Integer(c.Scale).
		Enum(byte(c.Unit))
	return e.Bytes()
}

func decodeCurrency(raw []byte) (models.Currency, error) {
	d := axdr.NewDecoder(raw)
	d.Structure()
	c := models.Currency{
		Name:  d.Utf8String(),
		Scale: d.Integer(),
		Unit:  models.CurrencyUnit(d.Enum()),
	}
	return c, d.Err()
}

func encodeGatewayTable(entries []models.TokenGatewayEntry) []byte {
	var e axdr.Encoder
	e.Array(len(entries))
	for _, entry := range entries {
		e.Structure(2).
			OctetString(entry.CreditRef.Bytes()).
			Unsigned(entry.Proportion)
	}
	return e.Bytes()
}

func decodeGatewayTable(raw []byte) ([]models.TokenGatewayEntry, error) {
	d := axdr.NewDecoder(raw)
	n := d.Array()
	entries := make([]models.TokenGatewayEntry, 0, n)
	for i := 0; i < n; i++ {
		d.Structure()
		ref := d.OctetStringN(6)
		prop := d.Unsigned()
		if d.Err() != nil {
			break
		}
		var o models.ObisCode
		copy(o[:], ref)
		entries = append(entries, models.TokenGatewayEntry{CreditRef: o, Proportion: prop})
	}
	return entries, d.Err()
}

// AccountObject exposes the account over the attribute protocol.
type AccountObject struct {
	svc *AccountService
}

func NewAccountObject(svc *AccountService) *AccountObject { return &AccountObject{svc: svc} }

func (o *AccountObject) Get(attrID byte) ([]byte, AccessResult) {
	var e axdr.Encoder
	switch attrID {
	case AccountAttrModeAndStatus:
		e.Structure(2).
			Enum(byte(o.svc.Mode())).
			Enum(byte(o.svc.Status()))
	case AccountAttrCreditInUse:
		e.Unsigned(uint8(o.svc.CurrentCreditInUse()))
	case AccountAttrCreditStatus:
		e.BitString8(o.svc.CreditStatusBits())
	case AccountAttrAvailableCredit:
		e.DoubleLong(o.svc.AvailableCredit())
	case AccountAttrAmountToClear:
		e.DoubleLong(o.svc.AmountToClear())
	case AccountAttrClearanceThreshold:
		e.DoubleLong(o.svc.ClearanceThreshold())
	case AccountAttrAggregatedDebt:
		e.DoubleLong(o.svc.AggregatedDebt())
	case AccountAttrCreditRefs:
		credits := o.svc.Credits()
		e.Array(len(credits))
		for _, c := range credits {
			e.OctetString(c.LogicalName().Bytes())
		}
	case AccountAttrChargeRefs:
		charges := o.svc.Charges()
		e.Array(len(charges))
		for _, ch := range charges {
			e.OctetString(ch.LogicalName().Bytes())
		}
	case AccountAttrCreditChargeCfg:
		links := o.svc.Config().Links
		e.Array(len(links))
		for _, l := range links {
			e.Structure(3).
				OctetString(l.CreditRef.Bytes()).
				OctetString(l.ChargeRef.Bytes()).
				BitString8(l.CollectionCfg)
		}
	case AccountAttrTokenGatewayCfg:
		return encodeGatewayTable(o.svc.GatewayTable()), AccessSuccess
	case AccountAttrActivationTime:
		e.DateTimeOctets(o.svc.ActivationTime())
	case AccountAttrClosureTime:
		e.DateTimeOctets(o.svc.ClosureTime())
	case AccountAttrCurrency:
		return encodeCurrency(o.svc.Currency()), AccessSuccess
	case AccountAttrLowCreditThreshold:
		e.DoubleLong(o.svc.LowCreditThreshold())
	case AccountAttrNextCreditThreshold:
		e.DoubleLong(o.svc.NextCreditAvailThreshold())
	case AccountAttrMaxProvision:
		e.LongUnsigned(o.svc.MaxProvision())
	case AccountAttrMaxProvisionPeriod:
		e.DoubleLong(o.svc.MaxProvisionPeriod())
	default:
		return nil, AccessObjectUndefined
	}
	return e.Bytes(), AccessSuccess
}

func (o *AccountObject) Set(attrID byte, data []byte) AccessResult {
	d := axdr.NewDecoder(data)
	switch attrID {
	case AccountAttrClearanceThreshold:
		v := d.DoubleLong()
		if d.Err() != nil {
			return AccessTypeUnmatched
		}
		if err := o.svc.SetClearanceThreshold(v); err != nil {
			return AccessOtherReason
		}
	case AccountAttrTokenGatewayCfg:
		entries, err := decodeGatewayTable(data)
		if err != nil {
			return AccessTypeUnmatched
		}
		if len(entries) > len(o.svc.Credits()) {
			return AccessReadWriteDenied
		}
		if err := o.svc.SetGatewayTable(entries); err != nil {
			return AccessOtherReason
		}
	case AccountAttrActivationTime:
		dt, res := decodeWritableDateTime(d)
		if res != AccessSuccess {
			return res
		}
		if err := o.svc.SetActivationTime(dt); err != nil {
			return AccessOtherReason
		}
	case AccountAttrClosureTime:
		dt, res := decodeWritableDateTime(d)
		if res != AccessSuccess {
			return res
		}
		if err := o.svc.SetClosureTime(dt); err != nil {
			return AccessOtherReason
		}
	case AccountAttrCurrency:
		c, err := decodeCurrency(data)
		if err != nil {
			return AccessTypeUnmatched
		}
		if len(c.Name) > models.MaxCurrencyName || c.Unit > models.CurrencyMonetary || c.Unit < models.CurrencyTime {
			return AccessReadWriteDenied
		}
		if err := o.svc.SetCurrency(c); err != nil {
			return AccessOtherReason
		}
	case AccountAttrMaxProvision:
		v := d.LongUnsigned()
		if d.Err() != nil {
			return AccessTypeUnmatched
		}
		if err := o.svc.SetMaxProvision(v); err != nil {
			return AccessOtherReason
		}
	case AccountAttrMaxProvisionPeriod:
		v := d.DoubleLong()
		if d.Err() != nil {
			return AccessTypeUnmatched
		}
		if err := o.svc.SetMaxProvisionPeriod(v); err != nil {
			return AccessOtherReason
		}
	default:
		return AccessObjectUndefined
	}
	return AccessSuccess
}

func (o *AccountObject) Action(methodID byte, data []byte) ([]byte, AccessResult) {
	switch methodID {
	case AccountMethActivate:
		if err := o.svc.Activate(); err != nil {
			return nil, AccessOtherReason
		}
	case AccountMethClose:
		if err := o.svc.Close(); err != nil {
			return nil, AccessOtherReason
		}
	case AccountMethReset:
		if err := o.svc.Reset(); err != nil {
			return nil, AccessOtherReason
		}
	default:
		return nil, AccessObjectUndefined
	}
	return nil, AccessSuccess
}
