package services

// AccessResult is the status returned by attribute get/set and action
// calls, with the wire values the surrounding protocol stack expects.
type AccessResult byte

const (
	AccessSuccess         AccessResult = 0
	AccessReadWriteDenied AccessResult = 3
	AccessObjectUndefined AccessResult = 4
	AccessTypeUnmatched   AccessResult = 12
	AccessOtherReason     AccessResult = 250
)

func (r AccessResult) String() string {
	switch r {
	case AccessSuccess:
		return "success"
	case AccessReadWriteDenied:
		return "read_write_denied"
	case AccessObjectUndefined:
		return "object_undefined"
	case AccessTypeUnmatched:
		return "type_unmatched"
	case AccessOtherReason:
		return "other_reason"
	}
	return "unknown"
}

// Object is the attribute surface of one payment object. Get returns
// the encoded attribute value; Set validates fully before mutating
// anything; Action invokes a numbered method with an encoded argument.
type Object interface {
	Get(attrID byte) ([]byte, AccessResult)
	Set(attrID byte, data []byte) AccessResult
	Action(methodID byte, data []byte) ([]byte, AccessResult)
}
