package gateway

import (
	"sort"
	"sync"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
)

// Provider bundles everything the core needs from one payment provider.
type Provider struct {
	Driver   interfaces.GatewayDriver
	Verifier interfaces.Verifier
	Parser   interfaces.EventParser
}

// Registry resolves gateway names to drivers. A provider can be registered but disabled,
// in which case checkouts refuse it while its webhooks are still accepted.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	enabled     map[string]bool
	defaultName string
}

func NewRegistry(defaultName string) *Registry {
	return &Registry{
		providers:   make(map[string]Provider),
		enabled:     make(map[string]bool),
		defaultName: defaultName,
	}
}

func (r *Registry) Register(p Provider, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Driver.Name()
	r.providers[name] = p
	r.enabled[name] = enabled
}

func (r *Registry) Default() string {
	return r.defaultName
}

// Driver returns the driver for name if it is registered and enabled.
func (r *Registry) Driver(name string) (interfaces.GatewayDriver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok || !r.enabled[name] {
		return nil, apperr.ValidationErr("gateway is not available", map[string]string{
			"gateway": name + " is not registered or not enabled",
		})
	}
	return p.Driver, nil
}

// Lookup returns the driver for name whether or not new checkouts may use it. Refunds of
// existing payments go through here.
func (r *Registry) Lookup(name string) (interfaces.GatewayDriver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, false
	}
	return p.Driver, true
}

// Webhook returns the verifier and parser used for incoming notifications from name.
func (r *Registry) Webhook(name string) (interfaces.Verifier, interfaces.EventParser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok || p.Verifier == nil || p.Parser == nil {
		return nil, nil, apperr.NotFoundErr("unknown webhook provider")
	}
	return p.Verifier, p.Parser, nil
}

func (r *Registry) Enabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, on := range r.enabled {
		if on {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
