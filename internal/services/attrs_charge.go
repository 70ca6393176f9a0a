package services

import (
	"github.com/gridpay/meterd/internal/axdr"
	"github.com/gridpay/meterd/internal/models"
)

// Charge attribute identifiers.
const (
	ChargeAttrTotalAmountPaid      = 2
	ChargeAttrType                 = 3
	ChargeAttrPriority             = 4
	ChargeAttrUnitChargeActive     = 5
	ChargeAttrUnitChargePassive    = 6
	ChargeAttrActivationTime       = 7
	ChargeAttrPeriod               = 8
	ChargeAttrConfiguration        = 9
	ChargeAttrLastCollectionTime   = 10
	ChargeAttrLastCollectionAmount = 11
	ChargeAttrTotalAmountRemaining = 12
	ChargeAttrProportion           = 13
)

// Charge method identifiers.
const (
	ChargeMethUpdateTotalRemaining = 1
	ChargeMethActivatePassive      = 2
	ChargeMethCollect              = 3
	ChargeMethSetTotalRemaining    = 5
)

func encodeUnitCharge(u models.UnitCharge) []byte {
	var e axdr.Encoder
	e.Structure(3).
		Structure(2).
		Integer(u.Scaling.CommodityScale).
		Integer(u.Scaling.PriceScale).
		Structure(3).
		LongUnsigned(u.Commodity.ClassID).
		OctetString(u.Commodity.LogicalName.Bytes()).
		Integer(u.Commodity.AttributeIndex).
		Array(len(u.Table))
	for _, el := range u.Table {
		e.Structure(2).OctetString(el.Index).Long(el.Price)
	}
	return e.Bytes()
}

func decodeUnitCharge(raw []byte) (models.UnitCharge, error) {
	var u models.UnitCharge
	d := axdr.NewDecoder(raw)
	d.Structure()
	d.Structure()
	u.Scaling.CommodityScale = d.Integer()
	u.Scaling.PriceScale = d.Integer()
	d.Structure()
	u.Commodity.ClassID = d.LongUnsigned()
	ln := d.OctetStringN(6)
	u.Commodity.AttributeIndex = d.Integer()
	n := d.Array()
	for i := 0; i < n; i++ {
		d.Structure()
		idx := d.OctetString()
		price := d.Long()
		u.Table = append(u.Table, models.ChargeTableElement{Index: idx, Price: price})
	}
	if err := d.Err(); err != nil {
		return models.UnitCharge{}, err
	}
	copy(u.Commodity.LogicalName[:], ln)
	return u, nil
}

// ChargeObject exposes one charge over the attribute protocol.
type ChargeObject struct {
	svc *ChargeService
}

func NewChargeObject(svc *ChargeService) *ChargeObject { return &ChargeObject{svc: svc} }

func (o *ChargeObject) Get(attrID byte) ([]byte, AccessResult) {
	var e axdr.Encoder
	switch attrID {
	case ChargeAttrTotalAmountPaid:
		e.DoubleLong(o.svc.TotalAmountPaid())
	case ChargeAttrType:
		e.Enum(byte(o.svc.Type()))
	case ChargeAttrPriority:
		e.Unsigned(o.svc.Priority())
	case ChargeAttrUnitChargeActive:
		return encodeUnitCharge(o.svc.UnitChargeActive()), AccessSuccess
	case ChargeAttrUnitChargePassive:
		return encodeUnitCharge(o.svc.UnitChargePassive()), AccessSuccess
	case ChargeAttrActivationTime:
		e.DateTimeOctets(o.svc.ActivationTime())
	case ChargeAttrPeriod:
		e.DoubleLongUnsigned(o.svc.Period())
	case ChargeAttrConfiguration:
		e.BitString8(o.svc.Config().Config)
	case ChargeAttrLastCollectionTime:
		e.DateTime(o.svc.LastCollectionTime())
	case ChargeAttrLastCollectionAmount:
		e.DoubleLong(o.svc.LastCollectionAmount())
	case ChargeAttrTotalAmountRemaining:
		e.DoubleLong(o.svc.TotalAmountRemaining())
	case ChargeAttrProportion:
		e.LongUnsigned(o.svc.Proportion())
	default:
		return nil, AccessObjectUndefined
	}
	return e.Bytes(), AccessSuccess
}

func (o *ChargeObject) Set(attrID byte, data []byte) AccessResult {
	d := axdr.NewDecoder(data)
	switch attrID {
	case ChargeAttrType:
		v := d.Enum()
		if d.Err() != nil {
			return AccessTypeUnmatched
		}
		if v > byte(models.ChargePaymentEventBased) {
			return AccessReadWriteDenied
		}
		o.svc.SetType(models.ChargeType(v))
	case ChargeAttrPriority:
		v := d.Unsigned()
		if d.Err() != nil {
			return AccessTypeUnmatched
		}
		if err := o.svc.SetPriority(v); err != nil {
			return AccessOtherReason
		}
	case ChargeAttrUnitChargePassive:
		u, err := decodeUnitCharge(data)
		if err != nil {
			return AccessTypeUnmatched
		}
		if len(u.Table) == 0 || len(u.Table) > models.MaxTariffs {
			return AccessReadWriteDenied
		}
		if err := o.svc.SetPassiveUnitCharge(u); err != nil {
			return AccessOtherReason
		}
	case ChargeAttrActivationTime:
		dt, res := decodeWritableDateTime(d)
		if res != AccessSuccess {
			return res
		}
		if err := o.svc.SetActivationTime(dt); err != nil {
			return AccessOtherReason
		}
	case ChargeAttrPeriod:
		v := d.DoubleLongUnsigned()
		if d.Err() != nil {
			return AccessTypeUnmatched
		}
		if v == 0 || v > models.ChargePeriodLimit {
			return AccessOtherReason
		}
		if err := o.svc.SetPeriod(v); err != nil {
			return AccessOtherReason
		}
	case ChargeAttrConfiguration:
		v := d.BitString8()
		if d.Err() != nil {
			return AccessTypeUnmatched
		}
		o.svc.SetConfigBits(v)
	case ChargeAttrProportion:
		v := d.LongUnsigned()
		if d.Err() != nil {
			return AccessTypeUnmatched
		}
		if v > models.ChargeProportionLimit {
			return AccessReadWriteDenied
		}
		if err := o.svc.SetProportion(v); err != nil {
			return AccessOtherReason
		}
	default:
		return AccessObjectUndefined
	}
	return AccessSuccess
}

func (o *ChargeObject) Action(methodID byte, data []byte) ([]byte, AccessResult) {
	d := axdr.NewDecoder(data)
	switch methodID {
	case ChargeMethUpdateTotalRemaining:
		v := d.DoubleLong()
		if d.Err() != nil {
			return nil, AccessTypeUnmatched
		}
		if _, err := o.svc.UpdateTotalAmountRemaining(v); err != nil {
			return nil, AccessOtherReason
		}
	case ChargeMethActivatePassive:
		if err := o.svc.ActivatePassiveUnitCharge(); err != nil {
			return nil, AccessOtherReason
		}
	case ChargeMethCollect:
		if err := o.svc.Collect(); err != nil {
			return nil, AccessOtherReason
		}
	case ChargeMethSetTotalRemaining:
		v := d.DoubleLong()
		if d.Err() != nil {
			return nil, AccessTypeUnmatched
		}
		if v < 0 {
			return nil, AccessReadWriteDenied
		}
		if _, err := o.svc.SetTotalAmountRemaining(v); err != nil {
			return nil, AccessOtherReason
		}
	default:
		return nil, AccessObjectUndefined
	}
	return nil, AccessSuccess
}
