package models

import "github.com/gridpay/meterd/internal/axdr"

// CreditType classifies how a credit is granted and replenished.
type CreditType byte

const (
	CreditTypeToken            CreditType = 0
	CreditTypeReserved         CreditType = 1
	CreditTypeEmergency        CreditType = 2
	CreditTypeTimeBased        CreditType = 3
	CreditTypeConsumptionBased CreditType = 4
)

// CreditStatus is the lifecycle state of a credit.
type CreditStatus byte

const (
	CreditEnabled    CreditStatus = 0
	CreditSelectable CreditStatus = 1
	CreditSelected   CreditStatus = 2
	CreditInUse      CreditStatus = 3
	CreditExhausted  CreditStatus = 4
)

func (s CreditStatus) String() string {
	switch s {
	case CreditEnabled:
		return "enabled"
	case CreditSelectable:
		return "selectable"
	case CreditSelected:
		return "selected"
	case CreditInUse:
		return "in_use"
	case CreditExhausted:
		return "exhausted"
	}
	return "unknown"
}

// Credit configuration bits.
const (
	CreditCfgVisualIndication    byte = 0x01
	CreditCfgRequiresConfirm     byte = 0x02
	CreditCfgRequiresRepayment   byte = 0x04
	CreditCfgResettable          byte = 0x08
	CreditCfgReceivesCreditToken byte = 0x10
)

// CreditConfig is the static definition of one credit object. The
// mutable attributes (amount, status, thresholds) live in storage.
type CreditConfig struct {
	LogicalName        ObisCode
	Type               CreditType
	Priority           uint8
	WarningThreshold   int32
	Limit              int32
	Config             byte
	PresetAmount       int32
	AvailableThreshold int32
	// Period is a wildcard pattern; time and consumption based credits
	// reset to the preset amount when the pattern matches the clock.
	Period axdr.DateTime
}

// RequiresConfirmation reports the confirmation configuration bit.
func (c CreditConfig) RequiresConfirmation() bool {
	return c.Config&CreditCfgRequiresConfirm != 0
}

// RequiresRepayment reports the repayment configuration bit.
func (c CreditConfig) RequiresRepayment() bool {
	return c.Config&CreditCfgRequiresRepayment != 0
}
