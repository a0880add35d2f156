package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/retry"
)

// RuntimeConfig is the externally supplied part of the configuration that may
// change without a restart: cost rates, webhook provider security settings
// and internal relay consumers.
type RuntimeConfig struct {
	Rates     RatesConfig      `yaml:"rates"`
	Providers []ProviderConfig `yaml:"providers"`
	Consumers []ConsumerConfig `yaml:"consumers"`
}

// RatesConfig holds the cost-component formula inputs, in minor units
type RatesConfig struct {
	Currency       string `yaml:"currency"`
	BaseFareCents  int64  `yaml:"base_fare_cents"`
	PerKmCents     int64  `yaml:"per_km_cents"`
	PerMinuteCents int64  `yaml:"per_minute_cents"`
}

// ProviderConfig is the security configuration of one payment provider's webhooks
type ProviderConfig struct {
	Name            string        `yaml:"name"`
	Adapter         string        `yaml:"adapter"`
	SignatureHeader string        `yaml:"signature_header"`
	TimestampHeader string        `yaml:"timestamp_header"`
	Secret          string        `yaml:"secret"`
	SecretEnv       string        `yaml:"secret_env"`
	ClockSkew       time.Duration `yaml:"clock_skew"`
	Retry           retry.Config  `yaml:"retry"`
}

// ConsumerConfig is an internal service that receives relayed payment events
type ConsumerConfig struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// ParseRuntimeConfig decodes and validates a runtime document
func ParseRuntimeConfig(data []byte) (*RuntimeConfig, error) {
	var rc RuntimeConfig
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("failed to parse runtime config: %w", err)
	}

	for i := range rc.Providers {
		p := &rc.Providers[i]
		if p.Secret == "" {
			p.Secret = providerSecretFromEnv(*p)
		}
		if p.ClockSkew == 0 {
			p.ClockSkew = 300 * time.Second
		}
	}

	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return &rc, nil
}

func providerSecretFromEnv(p ProviderConfig) string {
	if p.SecretEnv != "" {
		return os.Getenv(p.SecretEnv)
	}
	key := "BILLING_WEBHOOK_SECRET_" + strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_"))
	return os.Getenv(key)
}

// Validate checks the runtime document
func (rc *RuntimeConfig) Validate() error {
	if rc.Rates.Currency == "" {
		return fmt.Errorf("rates currency is required")
	}
	if rc.Rates.BaseFareCents < 0 || rc.Rates.PerKmCents < 0 || rc.Rates.PerMinuteCents < 0 {
		return fmt.Errorf("rates must not be negative")
	}

	seen := make(map[string]bool)
	for _, p := range rc.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if p.Secret == "" {
			return fmt.Errorf("provider %q has no signing secret", p.Name)
		}
		if p.ClockSkew < 0 {
			return fmt.Errorf("provider %q clock skew must not be negative", p.Name)
		}
		if err := p.Retry.Validate(); err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}
	}

	for _, c := range rc.Consumers {
		if c.Name == "" || c.URL == "" {
			return fmt.Errorf("relay consumers need a name and url")
		}
	}

	return nil
}

// Runtime owns the current RuntimeConfig. It is created once per process and
// handed to the components that need it; Reload swaps the document atomically
// and keeps the previous one if the new file does not parse.
type Runtime struct {
	path     string
	mu       sync.RWMutex
	current  *RuntimeConfig
	onReload []func(*RuntimeConfig)
}

// LoadRuntime reads the runtime document at path
func LoadRuntime(path string) (*Runtime, error) {
	r := &Runtime{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticRuntime wraps an in-memory document; Reload is a no-op
func NewStaticRuntime(rc *RuntimeConfig) *Runtime {
	return &Runtime{current: rc}
}

// Path returns the backing file, empty for static runtimes
func (r *Runtime) Path() string {
	return r.path
}

// Current returns the active document
func (r *Runtime) Current() *RuntimeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers a callback run after every successful reload
func (r *Runtime) OnReload(fn func(*RuntimeConfig)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = append(r.onReload, fn)
}

// Reload re-reads the backing file
func (r *Runtime) Reload() error {
	if r.path == "" {
		return nil
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read runtime config %s: %w", r.path, err)
	}

	rc, err := ParseRuntimeConfig(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.current = rc
	callbacks := make([]func(*RuntimeConfig), len(r.onReload))
	copy(callbacks, r.onReload)
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn(rc)
	}
	return nil
}

// Watch reloads the runtime whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file on save
// are still picked up.
func Watch(ctx context.Context, r *Runtime, logger *observability.Logger) error {
	if r.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(r.path)

	go func() {
		defer watcher.Close()
		defer observability.RecoverPanic(logger, "runtime config watcher")

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := r.Reload(); err != nil {
					logger.WithError(err).Warn("Runtime config reload failed, keeping previous version")
					continue
				}
				logger.WithField("path", r.path).Info("Runtime config reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("Runtime config watcher error")
			}
		}
	}()

	return nil
}
