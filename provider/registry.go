package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const defaultCallTimeout = 5 * time.Second

// defaultFailureThreshold is the number of consecutive health-check failures
// after which a provider is excluded from selection until it recovers.
const defaultFailureThreshold = 3

// StatusListener observes provider status transitions so the owner can
// audit-log them.
type StatusListener func(providerID string, from, to Status)

// Attempt records one failed provider call during priority-ordered fallback.
type Attempt struct {
	ProviderID string
	Err        error
}

type entry struct {
	provider     Provider
	info         Info
	consecFails  int
}

// Registry holds the configured key-custody backends, tracks their health
// and selects the active provider for each capability. Selection picks the
// lowest-priority active provider advertising the capability and fails
// closed with ErrNoCapableProvider when none qualifies.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	defaultID   string
	clk         clock.Clock
	callTimeout time.Duration
	threshold   int
	listener    StatusListener

	stopHealth chan struct{}
	healthOnce sync.Once
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithCallTimeout bounds every provider call made through the registry.
// Non-positive values keep the default.
func WithCallTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// WithFailureThreshold sets how many consecutive health failures mark a
// provider inactive.
func WithFailureThreshold(n int) RegistryOption {
	return func(r *Registry) { r.threshold = n }
}

// WithStatusListener registers a callback for status transitions.
func WithStatusListener(fn StatusListener) RegistryOption {
	return func(r *Registry) { r.listener = fn }
}

// SetStatusListener replaces the status transition callback. The owner of a
// shared registry attaches its own observer here after construction.
func (r *Registry) SetStatusListener(fn StatusListener) {
	r.mu.Lock()
	r.listener = fn
	r.mu.Unlock()
}

// NewRegistry creates an empty registry driven by the given clock.
func NewRegistry(clk clock.Clock, opts ...RegistryOption) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	r := &Registry{
		entries:     make(map[string]*entry),
		clk:         clk,
		callTimeout: defaultCallTimeout,
		threshold:   defaultFailureThreshold,
		stopHealth:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a provider to the registry. The first registered provider
// becomes the default; a provider registered with Info.Default true takes
// the default over, keeping exactly one default at any time.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider is required")
	}

	info := p.Describe()
	if info.ID == "" {
		return fmt.Errorf("provider ID is required")
	}
	if len(info.Capabilities) == 0 {
		return fmt.Errorf("provider %s advertises no capabilities", info.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[info.ID]; exists {
		return fmt.Errorf("provider %s already registered", info.ID)
	}

	if info.Status == "" {
		info.Status = StatusActive
	}

	if r.defaultID == "" || info.Default {
		if r.defaultID != "" {
			r.entries[r.defaultID].info.Default = false
		}
		r.defaultID = info.ID
		info.Default = true
	} else {
		info.Default = false
	}

	r.entries[info.ID] = &entry{provider: p, info: info}
	return nil
}

// SetDefault moves the default to the named provider.
func (r *Registry) SetDefault(providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[providerID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotRegistered, providerID)
	}
	if r.defaultID != "" {
		r.entries[r.defaultID].info.Default = false
	}
	r.defaultID = providerID
	e.info.Default = true
	return nil
}

// Select returns the lowest-priority active provider advertising the
// capability. Fails closed when none qualifies.
func (r *Registry) Select(capability Capability) (Provider, error) {
	candidates := r.Candidates(capability)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCapableProvider, capability)
	}
	return candidates[0], nil
}

// Candidates returns the active providers advertising the capability in
// priority order (lower priority value first, default wins ties).
func (r *Registry) Candidates(capability Capability) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*entry
	for _, e := range r.entries {
		if e.info.Status == StatusActive && e.info.Has(capability) {
			matched = append(matched, e)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].info.Priority != matched[j].info.Priority {
			return matched[i].info.Priority < matched[j].info.Priority
		}
		if matched[i].info.Default != matched[j].info.Default {
			return matched[i].info.Default
		}
		return matched[i].info.ID < matched[j].info.ID
	})

	providers := make([]Provider, len(matched))
	for i, e := range matched {
		providers[i] = e.provider
	}
	return providers
}

// GenerateKey requests key material of the given byte length, trying capable
// providers in priority order. Each call is bounded by the registry call
// timeout; a timeout or error counts as ErrUnavailable for that backend and
// the next one is tried. The failed attempts are returned alongside the
// result so the caller can audit them.
func (r *Registry) GenerateKey(ctx context.Context, size int) ([]byte, Info, []Attempt, error) {
	candidates := r.Candidates(CapGenerate)
	if len(candidates) == 0 {
		return nil, Info{}, nil, fmt.Errorf("%w: %s", ErrNoCapableProvider, CapGenerate)
	}

	var attempts []Attempt
	for _, p := range candidates {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		material, err := p.GenerateKey(callCtx, size)
		cancel()
		if err != nil {
			err = fmt.Errorf("%w: %s: %v", ErrUnavailable, p.ID(), err)
			attempts = append(attempts, Attempt{ProviderID: p.ID(), Err: err})
			r.recordFailure(p.ID())
			continue
		}
		r.recordSuccess(p.ID(), 0)
		return material, r.Info(p.ID()), attempts, nil
	}

	last := attempts[len(attempts)-1]
	return nil, Info{}, attempts, last.Err
}

// Require verifies that at least one active provider advertises the
// capability without selecting one. Used to fail closed before local crypto
// work that is logically delegated to the custody layer.
func (r *Registry) Require(capability Capability) (Info, error) {
	p, err := r.Select(capability)
	if err != nil {
		return Info{}, err
	}
	return r.Info(p.ID()), nil
}

// HealthCheck probes a single provider and updates its status and endpoint
// latency.
func (r *Registry) HealthCheck(ctx context.Context, providerID string) (Status, error) {
	r.mu.RLock()
	e, exists := r.entries[providerID]
	r.mu.RUnlock()
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrNotRegistered, providerID)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	start := r.clk.Now()
	err := e.provider.HealthCheck(callCtx)
	latency := r.clk.Since(start)
	cancel()

	if err != nil {
		r.recordFailure(providerID)
		return r.Info(providerID).Status, fmt.Errorf("%w: %s: %v", ErrUnavailable, providerID, err)
	}

	r.recordSuccess(providerID, latency)
	return r.Info(providerID).Status, nil
}

// StartHealthLoop runs periodic health checks for all providers until the
// registry is closed. Runs off the request path.
func (r *Registry) StartHealthLoop(ctx context.Context, interval time.Duration) {
	ticker := r.clk.Ticker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, id := range r.ids() {
					_, _ = r.HealthCheck(ctx, id)
				}
			case <-r.stopHealth:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Info returns the current description of a provider, zero Info if unknown.
func (r *Registry) Info(providerID string) Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, exists := r.entries[providerID]; exists {
		return e.info
	}
	return Info{}
}

// Infos returns descriptions for all registered providers sorted by
// priority.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.info)
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Priority != infos[j].Priority {
			return infos[i].Priority < infos[j].Priority
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// SetStatus forces a provider into a status, e.g. maintenance windows.
func (r *Registry) SetStatus(providerID string, status Status) error {
	r.mu.Lock()
	e, exists := r.entries[providerID]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, providerID)
	}
	from := e.info.Status
	e.info.Status = status
	e.consecFails = 0
	r.mu.Unlock()

	r.notify(providerID, from, status)
	return nil
}

// Close stops the health loop and closes every provider.
func (r *Registry) Close() error {
	r.healthOnce.Do(func() { close(r.stopHealth) })

	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, e := range r.entries {
		if err := e.provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) recordFailure(providerID string) {
	r.mu.Lock()
	e, exists := r.entries[providerID]
	if !exists {
		r.mu.Unlock()
		return
	}
	e.consecFails++
	e.info.Endpoint.Healthy = false
	e.info.Endpoint.LastHealth = r.clk.Now().UTC()

	var from, to Status
	if e.consecFails >= r.threshold && e.info.Status == StatusActive {
		from, to = e.info.Status, StatusInactive
		e.info.Status = StatusInactive
	}
	r.mu.Unlock()

	if to != "" {
		r.notify(providerID, from, to)
	}
}

func (r *Registry) recordSuccess(providerID string, latency time.Duration) {
	r.mu.Lock()
	e, exists := r.entries[providerID]
	if !exists {
		r.mu.Unlock()
		return
	}
	e.consecFails = 0
	e.info.Endpoint.Healthy = true
	e.info.Endpoint.LastHealth = r.clk.Now().UTC()
	if latency > 0 {
		e.info.Endpoint.Latency = latency
	}

	var from, to Status
	if e.info.Status == StatusInactive {
		// Recovered: readmit to selection
		from, to = e.info.Status, StatusActive
		e.info.Status = StatusActive
	}
	r.mu.Unlock()

	if to != "" {
		r.notify(providerID, from, to)
	}
}

func (r *Registry) notify(providerID string, from, to Status) {
	if from == to {
		return
	}
	r.mu.RLock()
	fn := r.listener
	r.mu.RUnlock()
	if fn != nil {
		fn(providerID, from, to)
	}
}
