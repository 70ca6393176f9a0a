package services

import (
	"fmt"
	"log"
	"sync"

	"github.com/gridpay/meterd/internal/hardware"
	"github.com/gridpay/meterd/internal/models"
)

// Registry maps object names to their attribute surfaces and owns the
// mutual exclusion domain of the control loop: ticks and protocol
// requests are serialized here, so the services themselves stay
// lock-free.
type Registry struct {
	mu      sync.Mutex
	objects map[string]Object
	metrics *Metrics
	clock   hardware.Clock

	credits []*CreditService
	charges []*ChargeService
	account *AccountService
	gateway *TokenGatewayService
}

func NewRegistry(metrics *Metrics, clock hardware.Clock) *Registry {
	if clock == nil {
		clock = hardware.SystemClock{}
	}
	return &Registry{
		objects: make(map[string]Object),
		metrics: metrics,
		clock:   clock,
	}
}

// Register binds an object under a name. Names are the URL-facing
// identifiers, for example "account" or "credit/0".
func (r *Registry) Register(name string, obj Object) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[name] = obj
}

// BindServices hands the registry the services it ticks.
func (r *Registry) BindServices(account *AccountService, gateway *TokenGatewayService, credits []*CreditService, charges []*ChargeService) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.account = account
	r.gateway = gateway
	r.credits = credits
	r.charges = charges
}

// Names returns the registered object names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.objects))
	for n := range r.objects {
		names = append(names, n)
	}
	return names
}

func (r *Registry) lookup(name string) (Object, bool) {
	obj, ok := r.objects[name]
	return obj, ok
}

// Get reads an attribute of a named object.
func (r *Registry) Get(name string, attrID byte) ([]byte, AccessResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.lookup(name)
	if !ok {
		return nil, 0, fmt.Errorf("unknown object %q", name)
	}
	buf, res := obj.Get(attrID)
	r.count("get", res)
	return buf, res, nil
}

// Set writes an attribute of a named object.
func (r *Registry) Set(name string, attrID byte, data []byte) (AccessResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.lookup(name)
	if !ok {
		return 0, fmt.Errorf("unknown object %q", name)
	}
	res := obj.Set(attrID, data)
	r.count("set", res)
	return res, nil
}

// Action invokes a method of a named object.
func (r *Registry) Action(name string, methodID byte, data []byte) ([]byte, AccessResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.lookup(name)
	if !ok {
		return nil, 0, fmt.Errorf("unknown object %q", name)
	}
	buf, res := obj.Action(methodID, data)
	r.count("action", res)
	return buf, res, nil
}

// EnterToken delivers a raw token to the gateway.
func (r *Registry) EnterToken(raw []byte, delivery models.TokenDeliveryMethod) (models.TokenStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gateway == nil {
		return 0, fmt.Errorf("no gateway bound")
	}
	status, err := r.gateway.Enter(raw, delivery)
	if err == nil && r.metrics != nil {
		r.metrics.TokensProcessed.WithLabelValues(fmt.Sprintf("%d", status)).Inc()
	}
	return status, err
}

func (r *Registry) count(op string, res AccessResult) {
	if r.metrics == nil {
		return
	}
	r.metrics.AttributeOps.WithLabelValues(op, res.String()).Inc()
}

// TickSecond runs one orchestration cycle over every service.
func (r *Registry) TickSecond() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.credits {
		if err := c.TickSecond(); err != nil {
			log.Printf("credit %s tick: %v", c.LogicalName(), err)
		}
	}
	for _, ch := range r.charges {
		if err := ch.TickSecond(); err != nil {
			log.Printf("charge %s tick: %v", ch.LogicalName(), err)
		}
	}
	if r.account != nil {
		if err := r.account.TickSecond(); err != nil {
			log.Printf("account %s tick: %v", r.account.LogicalName(), err)
		}
	}
	if r.metrics != nil {
		r.metrics.TicksTotal.Inc()
	}
}

// TickMinute runs the minute-resolution schedules.
func (r *Registry) TickMinute() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	for _, c := range r.credits {
		if err := c.TickMinute(now); err != nil {
			log.Printf("credit %s minute tick: %v", c.LogicalName(), err)
		}
	}
	for _, ch := range r.charges {
		if err := ch.TickMinute(now); err != nil {
			log.Printf("charge %s minute tick: %v", ch.LogicalName(), err)
		}
	}
	if r.account != nil {
		if err := r.account.TickMinute(); err != nil {
			log.Printf("account %s minute tick: %v", r.account.LogicalName(), err)
		}
	}
	if r.gateway != nil {
		if err := r.gateway.TickMinute(); err != nil {
			log.Printf("gateway %s minute tick: %v", r.gateway.LogicalName(), err)
		}
	}
}
