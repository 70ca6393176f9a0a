package services

import (
	"encoding/binary"
	"fmt"

	"github.com/gridpay/meterd/internal/hardware"
	"github.com/gridpay/meterd/internal/models"
	"github.com/gridpay/meterd/internal/storage"
)

// outTokenType is the frame type byte of every acknowledgement record.
const outTokenType = 1

// Acknowledgement frame lengths.
const (
	outTokenLenPaid    = 76
	outTokenLenNonPaid = 68
)

// Byte positions inside the acknowledgement record.
const (
	outPosType            = 0
	outPosTxInvocCounter  = 1
	outPosSubtype         = 5
	outPosTokenID         = 6
	outPosTransactionID   = 10
	outPosStartTime       = 26
	outPosStartTimeStatus = 30
	outPosTokenTime       = 31
	outPosTokenTimeStatus = 35
	outPosActiveEnergy    = 36
	outPosUsedEnergy      = 44
	outPosStates          = 48
	outPosAlarms          = 52
	outPosAvailableCredit = 56
	outPosUsedCredit      = 60
)

// OutTokenService assembles the durable acknowledgement record the
// head end reads back as proof a token was processed. The record pairs
// the token's identity with live register and account snapshots; the
// trailing 12 bytes are reserved for the transport's authentication
// tag and left zero here.
type OutTokenService struct {
	ln      models.ObisCode
	store   storage.Store
	reg     hardware.Register
	account *AccountService
	prefix  string

	value          []byte
	txInvocCounter uint32
	kwhWhenStart   int32
}

// NewOutTokenService restores the acknowledgement state from storage.
func NewOutTokenService(ln models.ObisCode, store storage.Store, reg hardware.Register) (*OutTokenService, error) {
	s := &OutTokenService{
		ln:     ln,
		store:  store,
		reg:    reg,
		prefix: "outtoken/" + ln.String(),
	}
	var err error
	if s.value, err = storage.GetBytes(store, s.key("value"), nil); err != nil {
		return nil, fmt.Errorf("error restoring acknowledgement value: %w", err)
	}
	if s.txInvocCounter, err = storage.GetUint32(store, s.key("invoc_counter"), 0); err != nil {
		return nil, fmt.Errorf("error restoring invocation counter: %w", err)
	}
	if s.kwhWhenStart, err = storage.GetInt32(store, s.key("kwh_when_start"), 0); err != nil {
		return nil, fmt.Errorf("error restoring start register snapshot: %w", err)
	}
	return s, nil
}

func (s *OutTokenService) key(attr string) string { return s.prefix + "/" + attr }

// BindAccount attaches the account once both services exist.
func (s *OutTokenService) BindAccount(a *AccountService) { s.account = a }

func (s *OutTokenService) LogicalName() models.ObisCode { return s.ln }

// Value returns the last assembled acknowledgement record, nil when no
// token was ever processed.
func (s *OutTokenService) Value() []byte { return s.value }

// KWhWhenStart returns the register snapshot taken when the current
// supply transaction started.
func (s *OutTokenService) KWhWhenStart() int32 { return s.kwhWhenStart }

// SnapshotStartRegister records the register reading at transaction
// start, the baseline for the used-energy figure.
func (s *OutTokenService) SnapshotStartRegister() error {
	if s.reg == nil {
		return nil
	}
	v, err := s.reg.Value()
	if err != nil {
		return fmt.Errorf("error reading register: %w", err)
	}
	s.kwhWhenStart = v
	return storage.PutInt32(s.store, s.key("kwh_when_start"), v)
}

// ConsumedSinceStart returns the energy used since the supply
// transaction started.
func (s *OutTokenService) ConsumedSinceStart() (int32, error) {
	if s.reg == nil {
		return 0, nil
	}
	v, err := s.reg.Value()
	if err != nil {
		return 0, fmt.Errorf("error reading register: %w", err)
	}
	return v - s.kwhWhenStart, nil
}

// UpdateValue rebuilds the acknowledgement record for a processed
// token.
func (s *OutTokenService) UpdateValue(sub models.TokenSubtype, tokenID uint32, transactionID []byte, startTimeSec uint32, startTimeStatus byte, tokenTimeSec uint32) error {
	size := outTokenLenNonPaid
	if sub.IsPaid() {
		size = outTokenLenPaid
	}
	buf := make([]byte, size)

	s.txInvocCounter++
	if err := storage.PutUint32(s.store, s.key("invoc_counter"), s.txInvocCounter); err != nil {
		return err
	}

	buf[outPosType] = outTokenType
	binary.BigEndian.PutUint32(buf[outPosTxInvocCounter:], s.txInvocCounter)
	buf[outPosSubtype] = byte(sub)
	binary.BigEndian.PutUint32(buf[outPosTokenID:], tokenID)
	copy(buf[outPosTransactionID:outPosTransactionID+models.TransactionIDLen], transactionID)
	binary.BigEndian.PutUint32(buf[outPosStartTime:], startTimeSec)
	buf[outPosStartTimeStatus] = startTimeStatus
	binary.BigEndian.PutUint32(buf[outPosTokenTime:], tokenTimeSec)
	buf[outPosTokenTimeStatus] = 0

	if s.reg != nil {
		if v, err := s.reg.Value(); err == nil {
			binary.BigEndian.PutUint64(buf[outPosActiveEnergy:], uint64(uint32(v)))
		}
	}
	if used, err := s.ConsumedSinceStart(); err == nil {
		binary.BigEndian.PutUint32(buf[outPosUsedEnergy:], uint32(used))
	}
	if s.account != nil {
		binary.BigEndian.PutUint32(buf[outPosStates:], uint32(s.account.CreditStatusBits()))
		if sub.IsPaid() {
			binary.BigEndian.PutUint32(buf[outPosAvailableCredit:], uint32(s.account.AvailableCredit()))
			var paid int32
			for _, ch := range s.account.Charges() {
				paid += ch.TotalAmountPaid()
			}
			binary.BigEndian.PutUint32(buf[outPosUsedCredit:], uint32(paid))
		}
	}
	// alarms and the trailing authentication tag stay zero

	s.value = buf
	return s.store.Put(s.key("value"), buf)
}
