package models

import "github.com/gridpay/meterd/internal/axdr"

// ChargeType classifies what triggers a collection.
type ChargeType byte

const (
	ChargeConsumptionBased  ChargeType = 0
	ChargeTimeBased         ChargeType = 1
	ChargePaymentEventBased ChargeType = 2
)

// Charge configuration bits.
const (
	ChargeCfgPercentage byte = 0x01
	ChargeCfgContinuous byte = 0x02
)

// MaxTariffs is the size of the unit charge price table.
const MaxTariffs = 6

// ChargePeriodLimit caps the charge period attribute in seconds.
const ChargePeriodLimit = 60

// ChargeProportionLimit caps the proportion attribute (hundredths of a
// percent, 10000 = 100%).
const ChargeProportionLimit = 10000

// ChargeTableElement prices one tariff index. Index is empty when the
// table carries a single price for all tariffs.
type ChargeTableElement struct {
	Index []byte
	Price int16
}

// ChargePerUnitScaling holds the two scale exponents applied when a
// collection converts register units into money.
type ChargePerUnitScaling struct {
	CommodityScale int8
	PriceScale     int8
}

// CommodityReference names the register a consumption based charge
// watches.
type CommodityReference struct {
	ClassID        uint16
	LogicalName    ObisCode
	AttributeIndex int8
}

// UnitCharge is one complete price table with its scaling and register
// binding. A charge carries an active and a passive one; the passive
// table replaces the active one at the activation time.
type UnitCharge struct {
	Scaling   ChargePerUnitScaling
	Commodity CommodityReference
	Table     []ChargeTableElement
}

// Price returns the price for the active tariff index, following the
// single-price shortcut when element zero carries no index.
func (u UnitCharge) Price(activeIndex []byte) int16 {
	if len(u.Table) == 0 {
		return 0
	}
	if len(u.Table[0].Index) == 0 {
		return u.Table[0].Price
	}
	for _, el := range u.Table {
		if string(el.Index) == string(activeIndex) {
			return el.Price
		}
	}
	return 0
}

// BasePrice returns the tariff-zero price. Collections that are not
// register driven always price from the first table element.
func (u UnitCharge) BasePrice() int16 {
	if len(u.Table) == 0 {
		return 0
	}
	return u.Table[0].Price
}

// ChargeConfig is the static definition of one charge object.
type ChargeConfig struct {
	LogicalName ObisCode
	Type        ChargeType
	Priority    uint8
	Config      byte
	// Period is the collection interval in seconds for time and
	// consumption based charges.
	Period uint32
	// Proportion applies to percentage configured payment event charges,
	// in hundredths of a percent.
	Proportion     uint16
	UnitChargeInit UnitCharge
	ActivationTime axdr.DateTime
}

// Continuous reports the continuous-collection configuration bit.
func (c ChargeConfig) Continuous() bool {
	return c.Config&ChargeCfgContinuous != 0
}

// Percentage reports the percentage configuration bit.
func (c ChargeConfig) Percentage() bool {
	return c.Config&ChargeCfgPercentage != 0
}
