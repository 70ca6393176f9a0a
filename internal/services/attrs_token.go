package services

import (
	"encoding/binary"
	"time"

	"github.com/gridpay/meterd/internal/axdr"
	"github.com/gridpay/meterd/internal/models"
)

// Token gateway attribute identifiers.
const (
	TokenGatewayAttrToken          = 2
	TokenGatewayAttrTokenTime      = 3
	TokenGatewayAttrDescription    = 4
	TokenGatewayAttrDeliveryMethod = 5
	TokenGatewayAttrStatus         = 6
	TokenGatewayAttrTokenID        = 0xFF
)

// Token gateway method identifiers.
const (
	TokenGatewayMethEnter = 1
)

// TokenGatewayObject exposes the gateway over the attribute protocol.
type TokenGatewayObject struct {
	svc *TokenGatewayService
}

func NewTokenGatewayObject(svc *TokenGatewayService) *TokenGatewayObject {
	return &TokenGatewayObject{svc: svc}
}

func (o *TokenGatewayObject) Get(attrID byte) ([]byte, AccessResult) {
	var e axdr.Encoder
	switch attrID {
	case TokenGatewayAttrToken:
		if o.svc.TokenID() == 0 {
			e.OctetString(nil)
		} else {
			e.OctetString(o.svc.LastToken())
		}
	case TokenGatewayAttrTokenTime:
		e.DateTimeOctets(o.svc.TokenTime())
	case TokenGatewayAttrDescription:
		if o.svc.TokenID() == 0 {
			e.Array(0)
		} else {
			var tid [4]byte
			binary.BigEndian.PutUint32(tid[:], o.svc.TokenID())
			e.Array(3).
				OctetString([]byte{byte(o.svc.Subtype())}).
				OctetString(tid[:]).
				OctetString(o.svc.ActiveTransactionID())
		}
	case TokenGatewayAttrDeliveryMethod:
		e.Enum(byte(o.svc.DeliveryMethod()))
	case TokenGatewayAttrStatus:
		e.Structure(2).
			Enum(byte(o.svc.StatusCode())).
			BitString8(o.svc.StatusData())
	case TokenGatewayAttrTokenID:
		e.DoubleLongUnsigned(o.svc.TokenID())
	default:
		return nil, AccessObjectUndefined
	}
	return e.Bytes(), AccessSuccess
}

func (o *TokenGatewayObject) Set(attrID byte, data []byte) AccessResult {
	return AccessReadWriteDenied
}

// Action delivers a token through the Enter method. The response is a
// structure holding the resulting status code and a data bit-string.
func (o *TokenGatewayObject) Action(methodID byte, data []byte) ([]byte, AccessResult) {
	if methodID != TokenGatewayMethEnter {
		return nil, AccessObjectUndefined
	}
	status, err := o.svc.Enter(data, models.DeliveryRemote)
	if err != nil {
		return nil, AccessOtherReason
	}
	var e axdr.Encoder
	e.Structure(2).
		Enum(byte(status)).
		BitString8(0)
	return e.Bytes(), AccessSuccess
}

// OutTokenObject exposes the acknowledgement record.
type OutTokenObject struct {
	svc *OutTokenService
}

func NewOutTokenObject(svc *OutTokenService) *OutTokenObject { return &OutTokenObject{svc: svc} }

func (o *OutTokenObject) Get(attrID byte) ([]byte, AccessResult) {
	if attrID != 2 {
		return nil, AccessObjectUndefined
	}
	var e axdr.Encoder
	e.OctetString(o.svc.Value())
	return e.Bytes(), AccessSuccess
}

func (o *OutTokenObject) Set(byte, []byte) AccessResult { return AccessReadWriteDenied }

func (o *OutTokenObject) Action(byte, []byte) ([]byte, AccessResult) {
	return nil, AccessObjectUndefined
}

// AssistObject publishes the small read-back values the head end polls
// without walking the full payment objects: active transaction ID,
// accumulated top-ups, totals and expiry.
type AssistObject struct {
	gateway *TokenGatewayService
	account *AccountService
	out     *OutTokenService
	kind    AssistKind
}

// AssistKind selects which read-back value an AssistObject serves.
type AssistKind int

const (
	AssistActiveTransactionID AssistKind = iota
	AssistTopUpsSum
	AssistTotalAmountPaid
	AssistConsumedSinceStart
	AssistTokenID
	AssistExpiresTime
)

func NewAssistObject(kind AssistKind, gateway *TokenGatewayService, account *AccountService, out *OutTokenService) *AssistObject {
	return &AssistObject{gateway: gateway, account: account, out: out, kind: kind}
}

func (o *AssistObject) Get(attrID byte) ([]byte, AccessResult) {
	var e axdr.Encoder
	switch o.kind {
	case AssistActiveTransactionID:
		if attrID != 2 {
			return nil, AccessObjectUndefined
		}
		e.OctetString(o.gateway.ActiveTransactionID())
	case AssistTopUpsSum:
		switch attrID {
		case 2:
			sum := o.gateway.TopUpsSum()
			for _, ch := range o.account.Charges() {
				sum += ch.TotalAmountPaid()
			}
			e.DoubleLong(sum)
		case 3:
			cur := o.account.Currency()
			e.Structure(2).
				Integer(cur.Scale).
				Enum(byte(cur.Unit))
		default:
			return nil, AccessObjectUndefined
		}
	case AssistTotalAmountPaid:
		if attrID != 2 {
			return nil, AccessObjectUndefined
		}
		var paid int32
		for _, ch := range o.account.Charges() {
			paid += ch.TotalAmountPaid()
		}
		e.DoubleLong(paid)
	case AssistConsumedSinceStart:
		if attrID != 2 {
			return nil, AccessObjectUndefined
		}
		used, err := o.out.ConsumedSinceStart()
		if err != nil {
			return nil, AccessOtherReason
		}
		e.DoubleLong(used)
	case AssistTokenID:
		if attrID != 2 {
			return nil, AccessObjectUndefined
		}
		e.DoubleLongUnsigned(o.gateway.TokenID())
	case AssistExpiresTime:
		if attrID != 2 {
			return nil, AccessObjectUndefined
		}
		dt := axdr.DateTimeFrom(time.Unix(int64(o.gateway.ExpiresTimeSec()), 0))
		dt[axdr.DateTimeLen-1] = o.gateway.ExpiresTimeStatus()
		e.DateTimeOctets(dt)
	default:
		return nil, AccessObjectUndefined
	}
	return e.Bytes(), AccessSuccess
}

func (o *AssistObject) Set(byte, []byte) AccessResult { return AccessReadWriteDenied }

func (o *AssistObject) Action(byte, []byte) ([]byte, AccessResult) {
	return nil, AccessObjectUndefined
}
