package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLogger keeps the audit trail in process memory. It is intended
// for tests and ephemeral deployments; the chain semantics match the
// file backend exactly.
type MemoryLogger struct {
	mu     sync.RWMutex
	events []Event
	closed bool
}

func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// Record implements the Logger interface
func (ml *MemoryLogger) Record(event *Event) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if ml.closed {
		return fmt.Errorf("audit logger is closed")
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if n := len(ml.events); n > 0 {
		event.Seq = ml.events[n-1].Seq + 1
		event.PrevHash = ml.events[n-1].Hash
	} else {
		event.Seq = 1
		event.PrevHash = ""
	}
	event.Hash = computeHash(*event)

	ml.events = append(ml.events, *event)
	return nil
}

// Query implements the Logger interface
func (ml *MemoryLogger) Query(options QueryOptions) (QueryResult, error) {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	var filtered []Event
	for _, event := range ml.events {
		if matchesFilter(event, options) {
			filtered = append(filtered, event)
		}
	}

	return pageEvents(filtered, len(ml.events), options), nil
}

// VerifyIntegrity walks the in-memory trail and checks the hash chain.
func (ml *MemoryLogger) VerifyIntegrity() (IntegrityReport, error) {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	return verifyChain(ml.events), nil
}

// Prune removes a contiguous prefix of events older than the cutoff.
func (ml *MemoryLogger) Prune(olderThan time.Time) (int, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if ml.closed {
		return 0, fmt.Errorf("audit logger is closed")
	}

	pruned := 0
	for _, event := range ml.events {
		if !event.Timestamp.Before(olderThan) {
			break
		}
		pruned++
	}
	if pruned > 0 {
		remaining := make([]Event, len(ml.events)-pruned)
		copy(remaining, ml.events[pruned:])
		ml.events = remaining
	}
	return pruned, nil
}

// Events returns a copy of the full trail in sequence order.
func (ml *MemoryLogger) Events() []Event {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	out := make([]Event, len(ml.events))
	copy(out, ml.events)
	return out
}

// Close implements the Logger interface
func (ml *MemoryLogger) Close() error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	ml.closed = true
	return nil
}
