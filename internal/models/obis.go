package models

import "fmt"

// ObisCode is the 6-byte logical name identifying a payment object.
type ObisCode [6]byte

// ParseObis builds a logical name from a 6-byte slice.
func ParseObis(b []byte) (ObisCode, error) {
	var o ObisCode
	if len(b) != len(o) {
		return o, fmt.Errorf("logical name must be 6 bytes, got %d", len(b))
	}
	copy(o[:], b)
	return o, nil
}

// ParseObisString builds a logical name from its dotted form, for
// example "0.0.19.10.0.255".
func ParseObisString(s string) (ObisCode, error) {
	var o ObisCode
	var v [6]int
	n, err := fmt.Sscanf(s, "%d.%d.%d.%d.%d.%d", &v[0], &v[1], &v[2], &v[3], &v[4], &v[5])
	if err != nil || n != 6 {
		return o, fmt.Errorf("invalid logical name %q", s)
	}
	for i, b := range v {
		if b < 0 || b > 255 {
			return o, fmt.Errorf("invalid logical name %q", s)
		}
		o[i] = byte(b)
	}
	return o, nil
}

func (o ObisCode) String() string {
	return fmt.Sprintf("%d.%d.%d.%d.%d.%d", o[0], o[1], o[2], o[3], o[4], o[5])
}

func (o ObisCode) Bytes() []byte { return o[:] }

// IsZero reports an all-zero (unset) logical name.
func (o ObisCode) IsZero() bool {
	return o == ObisCode{}
}

// Well-known class identifiers.
const (
	ClassRegister     uint16 = 3
	ClassAccount      uint16 = 111
	ClassCredit       uint16 = 112
	ClassCharge       uint16 = 113
	ClassTokenGateway uint16 = 115
)
