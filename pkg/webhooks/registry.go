package webhooks

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/config"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/retry"
)

// SecurityConfig is what the pipeline needs to authenticate one provider
type SecurityConfig struct {
	Provider        string
	Adapter         string
	Secret          string
	SignatureHeader string
	TimestampHeader string
	ClockSkew       time.Duration
	Retry           retry.Config
}

// Provider is a configured webhook source
type Provider struct {
	Config  SecurityConfig
	Adapter Adapter
	Policy  *retry.Policy
}

// WithinSkew reports whether a declared timestamp is close enough to now
func (p *Provider) WithinSkew(declared, now time.Time) bool {
	d := now.Sub(declared)
	if d < 0 {
		d = -d
	}
	return d <= p.Config.ClockSkew
}

// Registry holds the provider and consumer sets built from the runtime
// config. A reload replaces both at once; a bad document keeps the old set.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	consumers []config.ConsumerConfig
	logger    *observability.Logger
}

// NewRegistry builds a registry from rt and follows its reloads
func NewRegistry(rt *config.Runtime, logger *observability.Logger) (*Registry, error) {
	r := &Registry{
		providers: make(map[string]*Provider),
		logger:    logger.WithField("component", "webhook_registry"),
	}
	if err := r.Load(rt.Current()); err != nil {
		return nil, err
	}
	rt.OnReload(func(rc *config.RuntimeConfig) {
		if err := r.Load(rc); err != nil {
			r.logger.WithError(err).Warn("Keeping previous webhook providers")
			return
		}
		r.logger.WithField("providers", len(rc.Providers)).Info("Webhook providers reloaded")
	})
	return r, nil
}

// Load replaces the provider and consumer sets
func (r *Registry) Load(rc *config.RuntimeConfig) error {
	if rc == nil {
		return fmt.Errorf("runtime config is required")
	}

	providers := make(map[string]*Provider, len(rc.Providers))
	for _, pc := range rc.Providers {
		adapter, ok := AdapterFor(pc.Adapter)
		if !ok {
			return fmt.Errorf("provider %q uses unknown adapter %q", pc.Name, pc.Adapter)
		}
		providers[pc.Name] = &Provider{
			Config: SecurityConfig{
				Provider:        pc.Name,
				Adapter:         adapter.Name(),
				Secret:          pc.Secret,
				SignatureHeader: pc.SignatureHeader,
				TimestampHeader: pc.TimestampHeader,
				ClockSkew:       pc.ClockSkew,
				Retry:           pc.Retry,
			},
			Adapter: adapter,
			Policy:  retry.NewPolicy(pc.Retry),
		}
	}

	consumers := make([]config.ConsumerConfig, len(rc.Consumers))
	copy(consumers, rc.Consumers)

	r.mu.Lock()
	r.providers = providers
	r.consumers = consumers
	r.mu.Unlock()
	return nil
}

// Lookup returns the provider configured under name
func (r *Registry) Lookup(name string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the configured provider names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Consumer returns the relay consumer configured under name
func (r *Registry) Consumer(name string) (config.ConsumerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.consumers {
		if c.Name == name {
			return c, true
		}
	}
	return config.ConsumerConfig{}, false
}

// Subscribers returns the consumers that want ev. A consumer with no event
// list receives every settling event.
func (r *Registry) Subscribers(ev *NormalizedEvent) []config.ConsumerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []config.ConsumerConfig
	for _, c := range r.consumers {
		if len(c.Events) == 0 {
			if ev.Settles() {
				out = append(out, c)
			}
			continue
		}
		for _, e := range c.Events {
			if e == string(ev.Type) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// policyFor returns the provider's retry policy, or the default one if the
// provider was removed from the config since the row was written
func (r *Registry) policyFor(name string) *retry.Policy {
	if p, ok := r.Lookup(name); ok {
		return p.Policy
	}
	return retry.NewPolicy(retry.DefaultConfig())
}
