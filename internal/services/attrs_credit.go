package services

import (
	"github.com/gridpay/meterd/internal/axdr"
	"github.com/gridpay/meterd/internal/models"
)

// Credit attribute identifiers.
const (
	CreditAttrAmount             = 2
	CreditAttrType               = 3
	CreditAttrPriority           = 4
	CreditAttrWarningThreshold   = 5
	CreditAttrLimit              = 6
	CreditAttrConfiguration      = 7
	CreditAttrStatus             = 8
	CreditAttrPresetAmount       = 9
	CreditAttrAvailableThreshold = 10
	CreditAttrPeriod             = 11
)

// Credit method identifiers.
const (
	CreditMethUpdateAmount     = 1
	CreditMethSetAmountToValue = 2
	CreditMethInvokeCredit     = 3
)

// CreditObject exposes one credit over the attribute protocol.
type CreditObject struct {
	svc *CreditService
}

func NewCreditObject(svc *CreditService) *CreditObject { return &CreditObject{svc: svc} }

func (o *CreditObject) Get(attrID byte) ([]byte, AccessResult) {
	var e axdr.Encoder
	switch attrID {
	case CreditAttrAmount:
		e.DoubleLong(o.svc.Amount())
	case CreditAttrType:
		e.Enum(byte(o.svc.Config().Type))
	case CreditAttrPriority:
		e.Unsigned(o.svc.Config().Priority)
	case CreditAttrWarningThreshold:
		e.DoubleLong(o.svc.WarningThreshold())
	case CreditAttrLimit:
		e.DoubleLong(o.svc.Limit())
	case CreditAttrConfiguration:
		e.BitString8(o.svc.Config().Config)
	case CreditAttrStatus:
		e.Enum(byte(o.svc.Status()))
	case CreditAttrPresetAmount:
		e.DoubleLong(o.svc.Config().PresetAmount)
	case CreditAttrAvailableThreshold:
		e.DoubleLong(o.svc.Config().AvailableThreshold)
	case CreditAttrPeriod:
		e.DateTime(o.svc.Config().Period)
	default:
		return nil, AccessObjectUndefined
	}
	return e.Bytes(), AccessSuccess
}

func (o *CreditObject) Set(attrID byte, data []byte) AccessResult {
	d := axdr.NewDecoder(data)
	switch attrID {
	case CreditAttrType:
		v := d.Enum()
		if d.Err() != nil {
			return AccessTypeUnmatched
		}
		if v > byte(models.CreditTypeConsumptionBased) {
			return AccessReadWriteDenied
		}
		o.svc.SetType(models.CreditType(v))
	case CreditAttrPriority:
		v := d.Unsigned()
		if d.Err() != nil {
			return AccessTypeUnmatched
		}
		o.svc.SetPriority(v)
	case CreditAttrWarningThreshold:
		v := d.DoubleLong()
		if d.Err() != nil {
			return AccessTypeUnmatched
		}
		if err := o.svc.SetWarningThreshold(v); err != nil {
			return AccessOtherReason
		}
	case CreditAttrLimit:
		v := d.DoubleLong()
		if d.Err() != nil {
			return AccessTypeUnmatched
		}
		if err := o.svc.SetLimit(v); err != nil {
			return AccessOtherReason
		}
	case CreditAttrConfiguration:
		v := d.BitString8()
		if d.Err() != nil {
			return AccessTypeUnmatched
		}
		o.svc.SetConfigBits(v)
	case CreditAttrPresetAmount:
		v := d.DoubleLong()
		if d.Err() != nil {
			return AccessTypeUnmatched
		}
		o.svc.SetPresetAmount(v)
	case CreditAttrAvailableThreshold:
		v := d.DoubleLong()
		if d.Err() != nil {
			return AccessTypeUnmatched
		}
		o.svc.SetAvailableThreshold(v)
	case CreditAttrPeriod:
		// the period is a recurrence pattern, wildcards are valid here
		dt := d.DateTime()
		if d.Err() != nil {
			return AccessTypeUnmatched
		}
		o.svc.SetPeriod(dt)
	default:
		return AccessObjectUndefined
	}
	return AccessSuccess
}

func (o *CreditObject) Action(methodID byte, data []byte) ([]byte, AccessResult) {
	d := axdr.NewDecoder(data)
	switch methodID {
	case CreditMethUpdateAmount:
		v := d.DoubleLong()
		if d.Err() != nil {
			return nil, AccessTypeUnmatched
		}
		if err := o.svc.UpdateAmount(v); err != nil {
			return nil, AccessOtherReason
		}
	case CreditMethSetAmountToValue:
		v := d.DoubleLong()
		if d.Err() != nil {
			return nil, AccessTypeUnmatched
		}
		if _, err := o.svc.SetAmountToValue(v); err != nil {
			return nil, AccessOtherReason
		}
	case CreditMethInvokeCredit:
		if err := o.svc.Invoke(); err != nil {
			return nil, AccessOtherReason
		}
	default:
		return nil, AccessObjectUndefined
	}
	return nil, AccessSuccess
}

// decodeWritableDateTime reads a date-time from a set request. The
// all-unspecified sentinel is accepted; a value carrying wildcards in
// any calendar field is rejected as malformed.
func decodeWritableDateTime(d *axdr.Decoder) (axdr.DateTime, AccessResult) {
	dt := d.DateTime()
	if d.Err() != nil {
		return dt, AccessTypeUnmatched
	}
	if dt.IsNotSpecified() {
		return dt, AccessSuccess
	}
	if !dt.IsConcrete() {
		return dt, AccessOtherReason
	}
	return dt, AccessSuccess
}
