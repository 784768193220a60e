package tresor

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// scheduler drives automatic rotation. On every tick it scans for secrets
// whose category rotates automatically and whose rotation interval has
// elapsed, and for keys older than the configured key rotation interval,
// then rotates them through the same operations manual callers use, so
// every scheduled rotation is audited and conflict-checked identically.
//
// A failed rotation does not retry on the next tick: the entity backs off
// with jitter so a struggling store or provider is not hammered once per
// interval. A successful rotation resets the backoff.
type scheduler struct {
	core     *Core
	interval time.Duration

	mu       sync.Mutex
	deferred map[string]*rotationBackoff

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type rotationBackoff struct {
	delay       *backoff.Backoff
	nextAttempt time.Time
}

func newScheduler(core *Core, interval time.Duration) *scheduler {
	return &scheduler{
		core:     core,
		interval: interval,
		deferred: make(map[string]*rotationBackoff),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (s *scheduler) start() {
	ticker := s.core.clk.Ticker(s.interval)
	go func() {
		defer close(s.doneCh)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case now := <-ticker.C:
				s.tick(now.UTC())
			}
		}
	}()
}

func (s *scheduler) stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
}

// tick runs one scheduling pass. Exported to the clock loop only; tests
// call it directly against a virtual clock.
func (s *scheduler) tick(now time.Time) {
	for _, secretID := range s.dueSecrets(now) {
		if !s.attemptAllowed("secret:"+secretID, now) {
			continue
		}
		_, err := s.core.RotateSecret(secretID, nil)
		s.settle("secret:"+secretID, now, err)
	}
	for _, keyID := range s.dueKeys(now) {
		if !s.attemptAllowed("key:"+keyID, now) {
			continue
		}
		_, err := s.core.RotateKey(keyID)
		s.settle("key:"+keyID, now, err)
	}
	for _, keyID := range s.dueRetirements(now) {
		if !s.attemptAllowed("retire:"+keyID, now) {
			continue
		}
		err := s.core.RetireKey(keyID)
		s.settle("retire:"+keyID, now, err)
	}
}

// dueSecrets lists active secrets in automatic categories whose rotation
// interval has elapsed
func (s *scheduler) dueSecrets(now time.Time) []string {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	var due []string
	for secretID, entry := range c.secrets {
		if entry.Meta.Status != SecretStatusActive || c.rotatingSecrets[secretID] {
			continue
		}
		policy := c.opts.policyFor(entry.Meta.Category)
		if policy.Rotation != RotationAutomatic || policy.RotationInterval <= 0 {
			continue
		}
		if !entry.Meta.UpdatedAt.Add(policy.RotationInterval).After(now) {
			due = append(due, secretID)
		}
	}
	return due
}

// dueKeys lists active keys older than the key rotation interval
func (s *scheduler) dueKeys(now time.Time) []string {
	c := s.core
	if c.opts.KeyRotationInterval <= 0 {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var due []string
	for keyID, meta := range c.keyMeta {
		if meta.Status != KeyStatusActive || c.rotatingKeys[keyID] {
			continue
		}
		if !meta.CreatedAt.Add(c.opts.KeyRotationInterval).After(now) {
			due = append(due, keyID)
		}
	}
	return due
}

// dueRetirements lists inactive keys whose purpose retention window has
// elapsed since deactivation
func (s *scheduler) dueRetirements(now time.Time) []string {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	var due []string
	for keyID, meta := range c.keyMeta {
		if meta.Status != KeyStatusInactive || meta.DeactivatedAt == nil || c.rotatingKeys[keyID] {
			continue
		}
		retention := c.opts.retentionFor(meta.Purposes)
		if retention <= 0 {
			continue
		}
		if !meta.DeactivatedAt.AddDate(0, 0, retention).After(now) {
			due = append(due, keyID)
		}
	}
	return due
}

// attemptAllowed checks whether the entity's backoff window has elapsed
func (s *scheduler) attemptAllowed(entity string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.deferred[entity]
	if !ok {
		return true
	}
	return !now.Before(state.nextAttempt)
}

// settle records the outcome of a rotation attempt: failures push the next
// attempt out with jittered exponential backoff, success clears the state
func (s *scheduler) settle(entity string, now time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		delete(s.deferred, entity)
		return
	}

	state, ok := s.deferred[entity]
	if !ok {
		state = &rotationBackoff{
			delay: &backoff.Backoff{
				Min:    s.interval,
				Max:    10 * s.interval,
				Jitter: true,
			},
		}
		s.deferred[entity] = state
	}
	state.nextAttempt = now.Add(state.delay.Duration())
}
