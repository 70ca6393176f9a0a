package hardware

import (
	"sync"
	"time"

	"github.com/spf13/viper"
)

// SystemClock reads the host clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock returns a settable time, for tests and replay.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// SimRegister is a software commodity register.
type SimRegister struct {
	mu        sync.Mutex
	value     int32
	scaler    int8
	scalerErr error
}

// InitSimRegister builds a register from config.
func InitSimRegister() *SimRegister {
	viper.SetDefault("hardware.register_scaler", 0)
	return &SimRegister{scaler: int8(viper.GetInt("hardware.register_scaler"))}
}

func NewSimRegister(scaler int8) *SimRegister {
	return &SimRegister{scaler: scaler}
}

func (r *SimRegister) Value() (int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, nil
}

func (r *SimRegister) Scaler() (int8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scalerErr != nil {
		return 0, r.scalerErr
	}
	return r.scaler, nil
}

// Add advances the register by delta raw units.
func (r *SimRegister) Add(delta int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value += delta
}

// FailScaler makes Scaler return err until cleared with nil.
func (r *SimRegister) FailScaler(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scalerErr = err
}

// SimDisconnector is a software supply relay. It starts connected.
type SimDisconnector struct {
	mu          sync.Mutex
	open        bool
	disconnects int
	reconnects  int
}

func NewSimDisconnector() *SimDisconnector {
	return &SimDisconnector{}
}

func (d *SimDisconnector) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.open
}

func (d *SimDisconnector) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		d.open = true
		d.disconnects++
	}
	return nil
}

func (d *SimDisconnector) Reconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		d.open = false
		d.reconnects++
	}
	return nil
}

// Switches reports how many disconnects and reconnects happened.
func (d *SimDisconnector) Switches() (disconnects, reconnects int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disconnects, d.reconnects
}
