package models

// TokenSubtype identifies the payment instruction a token carries.
type TokenSubtype byte

const (
	TokenStartPaid    TokenSubtype = 1
	TokenTopUp        TokenSubtype = 2
	TokenStopPaid     TokenSubtype = 3
	TokenStartNonPaid TokenSubtype = 4
	TokenStopNonPaid  TokenSubtype = 5
)

func (s TokenSubtype) String() string {
	switch s {
	case TokenStartPaid:
		return "start_paid"
	case TokenTopUp:
		return "top_up"
	case TokenStopPaid:
		return "stop_paid"
	case TokenStartNonPaid:
		return "start_non_paid"
	case TokenStopNonPaid:
		return "stop_non_paid"
	}
	return "unknown"
}

// FrameLen returns the exact wire length for the subtype, or 0 when the
// subtype is unknown.
func (s TokenSubtype) FrameLen() int {
	switch s {
	case TokenStartPaid:
		return 106
	case TokenTopUp:
		return 58
	case TokenStopPaid:
		return 43
	case TokenStartNonPaid:
		return 91
	case TokenStopNonPaid:
		return 43
	}
	return 0
}

// IsStart reports whether the subtype opens a supply transaction.
func (s TokenSubtype) IsStart() bool {
	return s == TokenStartPaid || s == TokenStartNonPaid
}

// IsStop reports whether the subtype closes a supply transaction.
func (s TokenSubtype) IsStop() bool {
	return s == TokenStopPaid || s == TokenStopNonPaid
}

// IsPaid reports whether the subtype belongs to the paid supply flow.
func (s TokenSubtype) IsPaid() bool {
	return s == TokenStartPaid || s == TokenTopUp || s == TokenStopPaid
}

// TokenStatus is the processing outcome published on the gateway.
type TokenStatus byte

const (
	TokenExecutionOK       TokenStatus = 3
	TokenFormatFailure     TokenStatus = 4
	TokenAuthFailure       TokenStatus = 5
	TokenValidationFailure TokenStatus = 6
	TokenExecutionFailure  TokenStatus = 7
	TokenReceived          TokenStatus = 8
)

// TokenDeliveryMethod records how the token reached the meter.
type TokenDeliveryMethod byte

const (
	DeliveryRemote TokenDeliveryMethod = 0
	DeliveryLocal  TokenDeliveryMethod = 1
	DeliveryManual TokenDeliveryMethod = 2
)

// TransactionIDLen is the wire size of a supply transaction identifier.
const TransactionIDLen = 16

// StoredTokenWindow is how many processed token identifiers the
// duplicate filter remembers.
const StoredTokenWindow = 200
