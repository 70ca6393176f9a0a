// Package hardware abstracts the meter peripherals the payment objects
// touch: the clock, the commodity register and the supply disconnector.
// Real meters bind these to the metrology firmware; this package ships a
// software simulation for development and tests.
package hardware

import (
	"errors"
	"time"
)

// ErrScalerUnavailable reports that the register cannot deliver its
// scaler, for example during a metrology restart.
var ErrScalerUnavailable = errors.New("hardware: register scaler unavailable")

// Clock supplies the current local time. Services never call time.Now
// directly so tests can pin the clock.
type Clock interface {
	Now() time.Time
}

// Register is a cumulative commodity register, for example active
// energy in watt-hours. Value only ever grows.
type Register interface {
	// Value returns the raw register reading.
	Value() (int32, error)
	// Scaler returns the power-of-ten exponent applied to Value.
	Scaler() (int8, error)
}

// Disconnector controls the supply relay.
type Disconnector interface {
	Connected() bool
	Disconnect() error
	Reconnect() error
}
