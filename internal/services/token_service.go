package services

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"

	"github.com/gridpay/meterd/internal/axdr"
	"github.com/gridpay/meterd/internal/hardware"
	"github.com/gridpay/meterd/internal/models"
	"github.com/gridpay/meterd/internal/storage"
)

// Byte positions shared by every inbound token frame.
const (
	posTag               = 0
	posLen               = 1
	posType              = 2
	posInvocCounter      = 3
	posSubtype           = 7
	posTokenID           = 8
	posExpiresTime       = 12
	posExpiresTimeStatus = 16
	posTransactionID     = 17
)

// Byte positions specific to the paid subtypes.
const (
	posPaidAmount   = 33
	posPaidCurrency = 37
)

// inTokenType is the frame type byte of every inbound token.
const inTokenType = 0

// Expiry status byte values carried inside tokens.
const (
	expiresStatusValid = 0x00
	expiresStatusNone  = 0xFF
)

// TokenGatewayService ingests purchase and supply-control tokens. A
// token runs the format, authentication, validation and execution
// stages in order; the first failing stage decides the published
// status. Accepted value-carrying tokens top up the account's credits.
type TokenGatewayService struct {
	ln      models.ObisCode
	store   storage.Store
	clock   hardware.Clock
	account *AccountService
	out     *OutTokenService
	window  int
	prefix  string

	lastToken      []byte
	tokenTime      axdr.DateTime
	deliveryMethod models.TokenDeliveryMethod
	statusCode     models.TokenStatus
	statusData     byte

	subtype         models.TokenSubtype
	activeStart     models.TokenSubtype
	tokenID         uint32
	transactionID   [models.TransactionIDLen]byte
	expiresTimeSec  uint32
	expiresStatus   byte
	startTimeSec    uint32
	startTimeStatus byte
	nextStoredIndex uint8
	storedCount     uint8
	rxInvocCounter  uint32
	storedIDs       []uint32
	topUpsSum       int32
}

// NewTokenGatewayService restores the gateway from storage. window
// bounds the duplicate token identifier filter.
func NewTokenGatewayService(ln models.ObisCode, window int, store storage.Store, clock hardware.Clock, out *OutTokenService) (*TokenGatewayService, error) {
	if window <= 0 {
		window = models.StoredTokenWindow
	}
	s := &TokenGatewayService{
		ln:     ln,
		store:  store,
		clock:  clock,
		out:    out,
		window: window,
		prefix: "gateway/" + ln.String(),
	}

	var err error
	if s.lastToken, err = storage.GetBytes(store, s.key("token"), nil); err != nil {
		return nil, fmt.Errorf("error restoring token: %w", err)
	}
	if s.tokenTime, err = storage.GetDateTime(store, s.key("token_time")); err != nil {
		return nil, fmt.Errorf("error restoring token time: %w", err)
	}
	dm, err := storage.GetByte(store, s.key("delivery_method"), byte(models.DeliveryRemote))
	if err != nil {
		return nil, fmt.Errorf("error restoring delivery method: %w", err)
	}
	s.deliveryMethod = models.TokenDeliveryMethod(dm)
	sc, err := storage.GetByte(store, s.key("status_code"), byte(models.TokenReceived))
	if err != nil {
		return nil, fmt.Errorf("error restoring token status: %w", err)
	}
	s.statusCode = models.TokenStatus(sc)

	sub, err := storage.GetByte(store, s.key("subtype"), 0)
	if err != nil {
		return nil, fmt.Errorf("error restoring token subtype: %w", err)
	}
	s.subtype = models.TokenSubtype(sub)
	as, err := storage.GetByte(store, s.key("active_start"), 0)
	if err != nil {
		return nil, fmt.Errorf("error restoring active start subtype: %w", err)
	}
	s.activeStart = models.TokenSubtype(as)
	if s.tokenID, err = storage.GetUint32(store, s.key("token_id"), 0); err != nil {
		return nil, fmt.Errorf("error restoring token id: %w", err)
	}
	txID, err := storage.GetBytes(store, s.key("transaction_id"), make([]byte, models.TransactionIDLen))
	if err != nil {
		return nil, fmt.Errorf("error restoring transaction id: %w", err)
	}
	copy(s.transactionID[:], txID)
	if s.expiresTimeSec, err = storage.GetUint32(store, s.key("expires_time"), 0); err != nil {
		return nil, fmt.Errorf("error restoring expiry time: %w", err)
	}
	if s.expiresStatus, err = storage.GetByte(store, s.key("expires_status"), expiresStatusNone); err != nil {
		return nil, fmt.Errorf("error restoring expiry status: %w", err)
	}
	if s.startTimeSec, err = storage.GetUint32(store, s.key("start_time"), 0); err != nil {
		return nil, fmt.Errorf("error restoring start time: %w", err)
	}
	if s.startTimeStatus, err = storage.GetByte(store, s.key("start_time_status"), expiresStatusNone); err != nil {
		return nil, fmt.Errorf("error restoring start time status: %w", err)
	}
	if s.rxInvocCounter, err = storage.GetUint32(store, s.key("invoc_counter"), 0); err != nil {
		return nil, fmt.Errorf("error restoring invocation counter: %w", err)
	}
	idx, err := storage.GetByte(store, s.key("stored_index"), 0)
	if err != nil {
		return nil, fmt.Errorf("error restoring stored token index: %w", err)
	}
	s.nextStoredIndex = idx
	cnt, err := storage.GetByte(store, s.key("stored_count"), 0)
	if err != nil {
		return nil, fmt.Errorf("error restoring stored token count: %w", err)
	}
	s.storedCount = cnt

	s.storedIDs = make([]uint32, window)
	raw, err := storage.GetBytes(store, s.key("stored_ids"), nil)
	if err != nil {
		return nil, fmt.Errorf("error restoring stored token ids: %w", err)
	}
	for i := 0; i < window && (i+1)*4 <= len(raw); i++ {
		s.storedIDs[i] = binary.BigEndian.Uint32(raw[i*4 : i*4+4])
	}

	if s.topUpsSum, err = storage.GetInt32(store, s.key("top_ups_sum"), 0); err != nil {
		return nil, fmt.Errorf("error restoring top-ups sum: %w", err)
	}
	return s, nil
}

func (s *TokenGatewayService) key(attr string) string { return s.prefix + "/" + attr }

// BindAccount attaches the account once both services exist.
func (s *TokenGatewayService) BindAccount(a *AccountService) { s.account = a }

func (s *TokenGatewayService) LogicalName() models.ObisCode               { return s.ln }
func (s *TokenGatewayService) LastToken() []byte                          { return s.lastToken }
func (s *TokenGatewayService) TokenTime() axdr.DateTime                   { return s.tokenTime }
func (s *TokenGatewayService) DeliveryMethod() models.TokenDeliveryMethod { return s.deliveryMethod }
func (s *TokenGatewayService) StatusCode() models.TokenStatus             { return s.statusCode }
func (s *TokenGatewayService) StatusData() byte                           { return s.statusData }
func (s *TokenGatewayService) TokenID() uint32                            { return s.tokenID }
func (s *TokenGatewayService) Subtype() models.TokenSubtype               { return s.subtype }
func (s *TokenGatewayService) ActiveTransactionID() []byte                { return s.transactionID[:] }
func (s *TokenGatewayService) TopUpsSum() int32                           { return s.topUpsSum }
func (s *TokenGatewayService) ExpiresTimeSec() uint32                     { return s.expiresTimeSec }
func (s *TokenGatewayService) ExpiresTimeStatus() byte                    { return s.expiresStatus }

// PermitsReconnect reports whether the relay may close again: not
// after a stop token ended the supply transaction.
func (s *TokenGatewayService) PermitsReconnect() bool {
	return !s.subtype.IsStop()
}

// ConfirmReceivedToken publishes the terminal success status.
func (s *TokenGatewayService) ConfirmReceivedToken() error {
	return s.setStatus(models.TokenExecutionOK)
}

// RefuseReceivedToken publishes the terminal failure status.
func (s *TokenGatewayService) RefuseReceivedToken() error {
	return s.setStatus(models.TokenExecutionFailure)
}

func (s *TokenGatewayService) setStatus(code models.TokenStatus) error {
	s.statusCode = code
	return storage.PutByte(s.store, s.key("status_code"), byte(code))
}

func (s *TokenGatewayService) hasActiveTransaction() bool {
	var zero [models.TransactionIDLen]byte
	return s.transactionID != zero
}

// Enter runs one token through the pipeline and returns the resulting
// status. The raw buffer and receive time are recorded regardless of
// the outcome.
func (s *TokenGatewayService) Enter(raw []byte, delivery models.TokenDeliveryMethod) (models.TokenStatus, error) {
	now := s.clock.Now()
	s.lastToken = append([]byte(nil), raw...)
	s.tokenTime = axdr.DateTimeFrom(now)
	s.deliveryMethod = delivery
	if err := s.store.Put(s.key("token"), s.lastToken); err != nil {
		return 0, err
	}
	if err := storage.PutDateTime(s.store, s.key("token_time"), s.tokenTime); err != nil {
		return 0, err
	}
	if err := storage.PutByte(s.store, s.key("delivery_method"), byte(delivery)); err != nil {
		return 0, err
	}
	if err := s.setStatus(models.TokenReceived); err != nil {
		return 0, err
	}

	sub, ok := s.checkFormat(raw)
	if !ok {
		log.Printf("gateway %s: token rejected at format stage", s.ln)
		return models.TokenFormatFailure, s.setStatus(models.TokenFormatFailure)
	}
	if !s.checkAuthentication(raw) {
		log.Printf("gateway %s: token rejected at authentication stage", s.ln)
		return models.TokenAuthFailure, s.setStatus(models.TokenAuthFailure)
	}
	if !s.checkValidation(raw, sub, now.Unix()) {
		log.Printf("gateway %s: token rejected at validation stage", s.ln)
		return models.TokenValidationFailure, s.setStatus(models.TokenValidationFailure)
	}

	if err := s.execute(raw, sub, uint32(now.Unix())); err != nil {
		log.Printf("gateway %s: token execution failed: %v", s.ln, err)
		return models.TokenExecutionFailure, s.setStatus(models.TokenExecutionFailure)
	}
	return s.statusCode, nil
}

// checkFormat verifies the frame envelope: octet-string tag, inbound
// type byte, a recognized subtype and the exact frame length for it.
// The length gate runs before any field past the subtype is read.
func (s *TokenGatewayService) checkFormat(raw []byte) (models.TokenSubtype, bool) {
	if len(raw) <= posSubtype {
		return 0, false
	}
	if raw[posTag] != axdr.TagOctetString {
		return 0, false
	}
	if int(raw[posLen]) != len(raw)-2 {
		return 0, false
	}
	if raw[posType] != inTokenType {
		return 0, false
	}
	sub := models.TokenSubtype(raw[posSubtype])
	if sub.FrameLen() == 0 {
		return 0, false
	}
	if len(raw) != sub.FrameLen() {
		return sub, false
	}
	return sub, true
}

// checkAuthentication requires a strictly increasing invocation
// counter, which ties each token to a fresh signing session.
func (s *TokenGatewayService) checkAuthentication(raw []byte) bool {
	counter := binary.BigEndian.Uint32(raw[posInvocCounter : posInvocCounter+4])
	return counter > s.rxInvocCounter
}

func (s *TokenGatewayService) checkValidation(raw []byte, sub models.TokenSubtype, nowSec int64) bool {
	if !s.checkSubtypeSequence(sub) {
		return false
	}
	tid := binary.BigEndian.Uint32(raw[posTokenID : posTokenID+4])
	if s.isDuplicateTokenID(tid) {
		return false
	}
	if !s.checkExpiry(raw, sub, nowSec) {
		return false
	}
	if !s.checkOrderID(raw, sub) {
		return false
	}
	return s.checkSpecificFields(raw, sub)
}

// checkSubtypeSequence enforces the transaction ordering: a start token
// only opens a fresh transaction, top-up and stop tokens only continue
// a matching open one.
func (s *TokenGatewayService) checkSubtypeSequence(sub models.TokenSubtype) bool {
	switch {
	case sub.IsStart():
		return !s.hasActiveTransaction()
	case sub == models.TokenTopUp, sub == models.TokenStopPaid:
		return s.hasActiveTransaction() && s.activeStart == models.TokenStartPaid
	case sub == models.TokenStopNonPaid:
		return s.hasActiveTransaction() && s.activeStart == models.TokenStartNonPaid
	}
	return false
}

// isDuplicateTokenID scans the occupied part of the ring, so an
// identifier of zero is filtered like any other.
func (s *TokenGatewayService) isDuplicateTokenID(tid uint32) bool {
	for _, stored := range s.storedIDs[:int(s.storedCount)] {
		if stored == tid {
			return true
		}
	}
	return false
}

// checkExpiry rejects tokens that are already expired. Start tokens
// carry their own expiry; later tokens in the transaction are measured
// against the expiry the start established. A status byte of 0xFF
// disables the check.
func (s *TokenGatewayService) checkExpiry(raw []byte, sub models.TokenSubtype, nowSec int64) bool {
	expSec := binary.BigEndian.Uint32(raw[posExpiresTime : posExpiresTime+4])
	expStatus := raw[posExpiresTimeStatus]
	if sub.IsStart() {
		if expStatus != expiresStatusValid {
			return true
		}
		return int64(expSec) > nowSec
	}
	if s.expiresStatus != expiresStatusValid {
		return true
	}
	return int64(s.expiresTimeSec) > nowSec
}

// checkOrderID ties non-start tokens to the active transaction. A
// start token must carry a nonzero transaction ID, since the all-zero
// value marks "no open transaction".
func (s *TokenGatewayService) checkOrderID(raw []byte, sub models.TokenSubtype) bool {
	rx := raw[posTransactionID : posTransactionID+models.TransactionIDLen]
	if sub.IsStart() {
		var zero [models.TransactionIDLen]byte
		return !bytes.Equal(rx, zero[:])
	}
	return bytes.Equal(rx, s.transactionID[:])
}

// checkSpecificFields inspects the value fields of paid tokens: a
// positive amount in the account currency.
func (s *TokenGatewayService) checkSpecificFields(raw []byte, sub models.TokenSubtype) bool {
	if sub != models.TokenStartPaid && sub != models.TokenTopUp {
		return true
	}
	amount := int32(binary.BigEndian.Uint32(raw[posPaidAmount : posPaidAmount+4]))
	if amount <= 0 {
		return false
	}
	if s.account == nil {
		return false
	}
	name := s.account.Currency().Name
	rxName := raw[posPaidCurrency : posPaidCurrency+models.MaxCurrencyName]
	return string(bytes.TrimRight(rxName, "\x00")) == name
}

// execute commits an accepted token: the stored token record advances,
// the identifier joins the duplicate filter, value tokens top up the
// account and the acknowledgement record is rebuilt.
func (s *TokenGatewayService) execute(raw []byte, sub models.TokenSubtype, nowSec uint32) error {
	counter := binary.BigEndian.Uint32(raw[posInvocCounter : posInvocCounter+4])
	s.rxInvocCounter = counter
	if err := storage.PutUint32(s.store, s.key("invoc_counter"), counter); err != nil {
		return err
	}

	s.subtype = sub
	if err := storage.PutByte(s.store, s.key("subtype"), byte(sub)); err != nil {
		return err
	}
	s.tokenID = binary.BigEndian.Uint32(raw[posTokenID : posTokenID+4])
	if err := storage.PutUint32(s.store, s.key("token_id"), s.tokenID); err != nil {
		return err
	}

	if sub.IsStart() {
		copy(s.transactionID[:], raw[posTransactionID:posTransactionID+models.TransactionIDLen])
		s.activeStart = sub
		s.expiresTimeSec = binary.BigEndian.Uint32(raw[posExpiresTime : posExpiresTime+4])
		s.expiresStatus = raw[posExpiresTimeStatus]
		s.startTimeSec = nowSec
		s.startTimeStatus = expiresStatusValid
		if err := storage.PutUint32(s.store, s.key("expires_time"), s.expiresTimeSec); err != nil {
			return err
		}
		if err := storage.PutByte(s.store, s.key("expires_status"), s.expiresStatus); err != nil {
			return err
		}
		if err := storage.PutUint32(s.store, s.key("start_time"), s.startTimeSec); err != nil {
			return err
		}
		if err := storage.PutByte(s.store, s.key("start_time_status"), s.startTimeStatus); err != nil {
			return err
		}
		if err := storage.PutByte(s.store, s.key("active_start"), byte(sub)); err != nil {
			return err
		}
		if s.out != nil {
			if err := s.out.SnapshotStartRegister(); err != nil {
				return err
			}
		}
	}
	if sub.IsStop() {
		s.transactionID = [models.TransactionIDLen]byte{}
		s.activeStart = 0
		if err := s.store.Put(s.key("transaction_id"), s.transactionID[:]); err != nil {
			return err
		}
		if err := storage.PutByte(s.store, s.key("active_start"), 0); err != nil {
			return err
		}
	} else if sub.IsStart() {
		if err := s.store.Put(s.key("transaction_id"), s.transactionID[:]); err != nil {
			return err
		}
	}

	if err := s.rememberTokenID(s.tokenID); err != nil {
		return err
	}

	switch sub {
	case models.TokenStartPaid, models.TokenTopUp:
		amount := int32(binary.BigEndian.Uint32(raw[posPaidAmount : posPaidAmount+4]))
		s.topUpsSum += amount
		if err := storage.PutInt32(s.store, s.key("top_ups_sum"), s.topUpsSum); err != nil {
			return err
		}
		if s.account == nil {
			return fmt.Errorf("no account bound to gateway")
		}
		if err := s.account.TopUpCredits(amount); err != nil {
			return err
		}
		// only the distribution confirms a value token; an unallocated
		// remainder leaves the stored status at received
	default:
		if err := s.ConfirmReceivedToken(); err != nil {
			return err
		}
	}

	if s.out != nil {
		return s.out.UpdateValue(sub, s.tokenID, s.transactionID[:], s.startTimeSec, s.startTimeStatus, nowSec)
	}
	return nil
}

// rememberTokenID appends the identifier to the duplicate filter ring.
func (s *TokenGatewayService) rememberTokenID(tid uint32) error {
	s.storedIDs[int(s.nextStoredIndex)%s.window] = tid
	s.nextStoredIndex = uint8((int(s.nextStoredIndex) + 1) % s.window)
	if int(s.storedCount) < s.window {
		s.storedCount++
	}
	buf := make([]byte, 4*s.window)
	for i, v := range s.storedIDs {
		binary.BigEndian.PutUint32(buf[i*4:], v)
	}
	if err := s.store.Put(s.key("stored_ids"), buf); err != nil {
		return err
	}
	if err := storage.PutByte(s.store, s.key("stored_index"), s.nextStoredIndex); err != nil {
		return err
	}
	return storage.PutByte(s.store, s.key("stored_count"), s.storedCount)
}

// TickMinute closes an expired supply transaction the same way a stop
// token for non-paid supply would.
func (s *TokenGatewayService) TickMinute() error {
	if !s.hasActiveTransaction() {
		return nil
	}
	if s.expiresStatus != expiresStatusValid {
		return nil
	}
	if s.clock.Now().Unix() < int64(s.expiresTimeSec) {
		return nil
	}
	log.Printf("gateway %s: supply transaction expired", s.ln)
	s.subtype = models.TokenStopNonPaid
	if err := storage.PutByte(s.store, s.key("subtype"), byte(s.subtype)); err != nil {
		return err
	}
	s.transactionID = [models.TransactionIDLen]byte{}
	s.activeStart = 0
	if err := s.store.Put(s.key("transaction_id"), s.transactionID[:]); err != nil {
		return err
	}
	return storage.PutByte(s.store, s.key("active_start"), 0)
}
