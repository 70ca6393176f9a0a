package models

import "github.com/gridpay/meterd/internal/axdr"

// AccountStatus is the lifecycle state of the account.
type AccountStatus byte

const (
	AccountNew    AccountStatus = 1
	AccountActive AccountStatus = 2
	AccountClosed AccountStatus = 3
)

func (s AccountStatus) String() string {
	switch s {
	case AccountNew:
		return "new"
	case AccountActive:
		return "active"
	case AccountClosed:
		return "closed"
	}
	return "unknown"
}

// PaymentMode distinguishes post-payment from prepayment operation.
type PaymentMode byte

const (
	ModeCredit     PaymentMode = 1
	ModePrepayment PaymentMode = 2
)

// Current credit status bits published on the account.
const (
	AccInCredit              byte = 0x01
	AccLowCredit             byte = 0x02
	AccNextCreditEnabled     byte = 0x04
	AccNextCreditSelectable  byte = 0x08
	AccNextCreditSelected    byte = 0x10
	AccSelectableCreditInUse byte = 0x20
	AccOutOfCredit           byte = 0x40
)

// MaxCurrencyName caps the currency name length.
const MaxCurrencyName = 3

// CurrencyUnit classifies what the currency scalar counts.
type CurrencyUnit byte

const (
	CurrencyTime        CurrencyUnit = 1
	CurrencyConsumption CurrencyUnit = 2
	CurrencyMonetary    CurrencyUnit = 3
)

// Currency is the account's money definition: a short name, a
// power-of-ten scale for stored amounts, and the unit kind.
type Currency struct {
	Name  string
	Scale int8
	Unit  CurrencyUnit
}

// DefaultCurrency is used until the head end provisions one.
func DefaultCurrency() Currency {
	return Currency{Name: "MDL", Scale: -2, Unit: CurrencyMonetary}
}

// CreditChargeLink allows a charge to collect from a credit. An empty
// link list means every pairing is allowed.
type CreditChargeLink struct {
	CreditRef ObisCode
	ChargeRef ObisCode
	// CollectionCfg carries per-link collection restriction bits.
	CollectionCfg byte
}

// TokenGatewayEntry routes a share of each top-up token to one credit.
// Proportion is a whole percentage, 0..100.
type TokenGatewayEntry struct {
	CreditRef  ObisCode
	Proportion uint8
}

// AccountConfig is the static definition of the account object.
type AccountConfig struct {
	LogicalName        ObisCode
	Mode               PaymentMode
	ClearanceThreshold int32
	CreditRefs         []ObisCode
	ChargeRefs         []ObisCode
	Links              []CreditChargeLink
	GatewayTable       []TokenGatewayEntry
	ActivationTime     axdr.DateTime
	ClosureTime        axdr.DateTime
	Currency           Currency
	MaxProvision       uint16
	MaxProvisionPeriod int32
}
