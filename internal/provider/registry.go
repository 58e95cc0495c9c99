// Package provider keeps the registry of configured generation providers:
// their descriptors, health, enablement and fallback ranking.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/media-service/internal/config"
	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/retry"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHealthTimeout = 10 * time.Second
	healthConcurrency    = 4
)

var (
	// ErrUnknownProvider indicates a name that was never configured.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrUnknownKind indicates a provider kind with no registered factory.
	ErrUnknownKind = errors.New("no factory registered for provider kind")
	// ErrDuplicateProvider indicates a second Configure with the same name.
	ErrDuplicateProvider = errors.New("provider already configured")
	// ErrProviderDisabled indicates a lookup of a disabled provider.
	ErrProviderDisabled = errors.New("provider is disabled")
	// ErrNoProviderAvailable indicates that every provider is disabled.
	ErrNoProviderAvailable = errors.New("no provider available")
	// ErrMissingCredentials indicates a provider whose required API key is not set.
	ErrMissingCredentials = errors.New("provider credentials missing")
)

// Deps are the shared resources handed to provider factories.
type Deps struct {
	Log        *logger.Logger
	HTTPClient *http.Client
	// WebhookBaseURL is the public base of the inbound webhook endpoint. Empty disables push completion.
	WebhookBaseURL string
}

// CallbackURL is the webhook address of the named provider, or "".
func (d Deps) CallbackURL(name string) string {
	if d.WebhookBaseURL == "" {
		return ""
	}

	return d.WebhookBaseURL + "/webhooks/" + name
}

// Factory builds a provider from its configuration.
type Factory func(cfg config.ProviderConfig, deps Deps) (core.Provider, error)

type entry struct {
	provider   core.Provider
	config     config.ProviderConfig
	descriptor core.Descriptor
	// autoDisabled is set when health, not an operator, disabled the provider.
	autoDisabled bool
	// operatorDisabled survives health recovery.
	operatorDisabled bool
}

// Registry holds configured providers. It is safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	log           *logger.Logger
	deps          Deps
	factories     map[config.ProviderKind]Factory
	entries       map[string]*entry
	active        string
	fallbackOrder []string
	now           func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithDeps sets the resources passed to factories.
func WithDeps(deps Deps) Option {
	return func(r *Registry) {
		r.deps = deps
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry with no factories.
func NewRegistry(log *logger.Logger, opts ...Option) *Registry {
	registry := &Registry{
		mu:            sync.RWMutex{},
		log:           log,
		deps:          Deps{Log: log, HTTPClient: nil, WebhookBaseURL: ""},
		factories:     make(map[config.ProviderKind]Factory),
		entries:       make(map[string]*entry),
		active:        "",
		fallbackOrder: nil,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(registry)
	}

	if registry.deps.Log == nil {
		registry.deps.Log = log
	}

	return registry
}

// Register installs the factory for kind, replacing any previous one.
func (r *Registry) Register(kind config.ProviderKind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[kind] = factory
}

// Configure validates cfg, builds and initializes the provider, and runs a
// health check. A provider without credentials, or one that fails its health
// check, is registered but disabled; only configuration and construction
// failures are returned.
func (r *Registry) Configure(ctx context.Context, cfg config.ProviderConfig) error {
	err := cfg.Validate()
	if err != nil {
		return fmt.Errorf("failed to configure provider: %w", err)
	}

	r.mu.RLock()
	factory, ok := r.factories[cfg.Kind]
	_, exists := r.entries[cfg.Name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, cfg.Kind)
	}

	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, cfg.Name)
	}

	item := &entry{
		provider: nil,
		config:   cfg,
		descriptor: core.Descriptor{
			Name:         cfg.Name,
			Kind:         string(cfg.Kind),
			Capabilities: core.Capabilities{},
			Priority:     cfg.Priority,
			Enabled:      false,
			Healthy:      false,
			LastChecked:  time.Time{},
			LastError:    "",
		},
		autoDisabled:     false,
		operatorDisabled: false,
	}

	if !cfg.HasCredentials() {
		item.descriptor.LastError = ErrMissingCredentials.Error()
		r.logWarn("Provider '%s' has no credentials (api_key_env=%s), registered disabled", cfg.Name, cfg.APIKeyEnv)

		return r.store(item)
	}

	provider, err := factory(cfg, r.deps)
	if err != nil {
		return fmt.Errorf("failed to build provider '%s': %w", cfg.Name, err)
	}

	err = provider.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize provider '%s': %w", cfg.Name, err)
	}

	item.provider = provider
	item.descriptor.Capabilities = provider.Capabilities()

	healthErr := r.healthCheck(ctx, item)
	item.descriptor.LastChecked = r.now()
	item.descriptor.Healthy = healthErr == nil
	item.descriptor.Enabled = healthErr == nil

	if healthErr != nil {
		item.autoDisabled = true
		item.descriptor.LastError = healthErr.Error()
		r.logWarn("Provider '%s' failed its initial health check, registered disabled: %v", cfg.Name, healthErr)
	} else {
		r.logInfo("Provider '%s' (%s) enabled, priority %d", cfg.Name, cfg.Kind, cfg.Priority)
	}

	return r.store(item)
}

func (r *Registry) store(item *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[item.config.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, item.config.Name)
	}

	r.entries[item.config.Name] = item

	return nil
}

// ConfigureAll configures every provider in cfg and applies the orchestrator
// selection. Individual provider failures are logged and skipped.
func (r *Registry) ConfigureAll(ctx context.Context, cfg *config.Config) error {
	for _, providerCfg := range cfg.Providers {
		err := r.Configure(ctx, providerCfg)
		if err != nil {
			r.logError("Skipping provider '%s': %v", providerCfg.Name, err)
		}
	}

	if len(cfg.Orchestrator.FallbackOrder) > 0 {
		err := r.SetFallbackOrder(cfg.Orchestrator.FallbackOrder)
		if err != nil {
			return err
		}
	}

	if cfg.Orchestrator.ActiveProvider != "" {
		return r.SetActive(cfg.Orchestrator.ActiveProvider)
	}

	return nil
}

// SetActive selects the provider tried first.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	r.active = name

	return nil
}

// SetFallbackOrder replaces priority ranking with an explicit order.
func (r *Registry) SetFallbackOrder(names []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		if _, ok := r.entries[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
		}
	}

	r.fallbackOrder = slices.Clone(names)

	return nil
}

// ActiveName returns the configured active provider name, which may be disabled.
func (r *Registry) ActiveName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.active
}

// Active returns the provider tried first: the active one when enabled,
// otherwise the first enabled provider in fallback order.
func (r *Registry) Active() (core.Provider, core.Descriptor, error) {
	order := r.FallbackOrder()
	if len(order) == 0 {
		return nil, core.Descriptor{}, ErrNoProviderAvailable
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	item := r.entries[order[0]]

	return item.provider, item.descriptor, nil
}

// FallbackOrder returns enabled provider names in the order they are tried.
// The explicit order wins over priority. An enabled active provider always
// goes first, even after a failed health check; other unhealthy providers go
// last.
func (r *Registry) FallbackOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var base []string

	if len(r.fallbackOrder) > 0 {
		base = slices.Clone(r.fallbackOrder)
	} else {
		base = make([]string, 0, len(r.entries))
		for name := range r.entries {
			base = append(base, name)
		}

		sort.Slice(base, func(i, j int) bool {
			a, b := r.entries[base[i]], r.entries[base[j]]
			if a.descriptor.Priority != b.descriptor.Priority {
				return a.descriptor.Priority < b.descriptor.Priority
			}

			return a.descriptor.Name < b.descriptor.Name
		})
	}

	if r.active != "" {
		base = slices.DeleteFunc(base, func(name string) bool { return name == r.active })
		base = append([]string{r.active}, base...)
	}

	healthy := make([]string, 0, len(base))
	unhealthy := make([]string, 0)

	for _, name := range base {
		item, ok := r.entries[name]
		if !ok || !item.descriptor.Enabled || item.provider == nil {
			continue
		}

		if name == r.active || item.descriptor.Healthy {
			healthy = append(healthy, name)
		} else {
			unhealthy = append(unhealthy, name)
		}
	}

	return append(healthy, unhealthy...)
}

// Enable turns a provider back on. A provider without credentials cannot be enabled.
func (r *Registry) Enable(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	if item.provider == nil {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, name)
	}

	item.operatorDisabled = false
	item.autoDisabled = false
	item.descriptor.Enabled = true

	return nil
}

// Disable removes a provider from the fallback order until enabled again.
func (r *Registry) Disable(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	item.operatorDisabled = true
	item.descriptor.Enabled = false

	return nil
}

// CheckHealth checks one provider and records the result. A provider that
// health disabled is re-enabled when the check succeeds.
func (r *Registry) CheckHealth(ctx context.Context, name string) error {
	r.mu.RLock()
	item, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	if item.provider == nil {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, name)
	}

	err := r.healthCheck(ctx, item)

	r.mu.Lock()
	defer r.mu.Unlock()

	item.descriptor.LastChecked = r.now()
	item.descriptor.Healthy = err == nil

	if err != nil {
		item.descriptor.LastError = err.Error()

		return err
	}

	item.descriptor.LastError = ""

	if item.autoDisabled && !item.operatorDisabled {
		item.autoDisabled = false
		item.descriptor.Enabled = true
		r.logInfo("Provider '%s' recovered, re-enabled", name)
	}

	return nil
}

// CheckAll checks every credentialed provider concurrently and returns the
// failures by name.
func (r *Registry) CheckAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name, item := range r.entries {
		if item.provider != nil {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()

	var (
		mu       sync.Mutex
		failures = make(map[string]error)
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(healthConcurrency)

	for _, name := range names {
		group.Go(func() error {
			err := r.CheckHealth(groupCtx, name)
			if err != nil {
				mu.Lock()
				failures[name] = err
				mu.Unlock()
			}

			// One unhealthy provider must not cancel the others' checks.
			return nil
		})
	}

	_ = group.Wait()

	return failures
}

// RunHealthChecks re-checks every provider each interval until ctx is done,
// so auto-disabled providers can recover.
func (r *Registry) RunHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			failures := r.CheckAll(ctx)
			for name, err := range failures {
				if ctx.Err() == nil {
					r.logWarn("Provider '%s' is unhealthy: %v", name, err)
				}
			}
		}
	}
}

func (r *Registry) healthCheck(ctx context.Context, item *entry) error {
	timeout := item.config.Timeout()
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return item.provider.HealthCheck(checkCtx)
}

// Get returns an enabled provider by name.
func (r *Registry) Get(name string) (core.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	if !item.descriptor.Enabled || item.provider == nil {
		return nil, fmt.Errorf("%w: %s", ErrProviderDisabled, name)
	}

	return item.provider, nil
}

// Lookup returns a provider by name whether or not it is enabled. The
// reconciler uses it to finish tasks on providers disabled mid-flight.
func (r *Registry) Lookup(name string) (core.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.entries[name]
	if !ok || item.provider == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	return item.provider, nil
}

// Descriptor returns the descriptor of one provider.
func (r *Registry) Descriptor(name string) (core.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.entries[name]
	if !ok {
		return core.Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	return item.descriptor, nil
}

// Descriptors returns every descriptor ordered by priority then name.
func (r *Registry) Descriptors() []core.Descriptor {
	r.mu.RLock()
	out := make([]core.Descriptor, 0, len(r.entries))
	for _, item := range r.entries {
		out = append(out, item.descriptor)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}

		return out[i].Name < out[j].Name
	})

	return out
}

// Policy derives the retry policy of a provider from base, applying the
// provider's retry_count and timeout_seconds when set.
func (r *Registry) Policy(name string, base retry.Policy) retry.Policy {
	r.mu.RLock()
	item, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return base
	}

	policy := base.WithTimeout(item.config.Timeout())
	if item.config.RetryCount > 0 {
		policy = policy.WithMaxAttempts(item.config.RetryCount + 1)
	}

	return policy
}

// Shutdown closes every provider that holds resources.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error

	for name, item := range r.entries {
		closer, ok := item.provider.(core.Closer)
		if !ok {
			continue
		}

		err := closer.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to close provider '%s': %w", name, err))
		}
	}

	return errors.Join(errs...)
}

func (r *Registry) logInfo(format string, args ...any) {
	if r.log != nil {
		r.log.Info(format, args...)
	}
}

func (r *Registry) logWarn(format string, args ...any) {
	if r.log != nil {
		r.log.Warn(format, args...)
	}
}

func (r *Registry) logError(format string, args ...any) {
	if r.log != nil {
		r.log.Error(format, args...)
	}
}
