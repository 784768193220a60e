package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config defines audit logging configuration
type Config struct {
	Enabled bool                   `json:"enabled"`
	Type    ConfigType             `json:"type"`    // "file", "memory", etc.
	Options map[string]interface{} `json:"options"` // Backend-specific options
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	MemoryAuditType ConfigType = "memory"
	NoOp            ConfigType = ""
)

// Result values recorded on every event
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Logger interface for pluggable audit implementations.
//
// Record is append-only: the logger assigns the sequence number and the
// hash-chain fields before persisting, and the event is durable when
// Record returns nil. Callers that cannot record an event must fail the
// operation that produced it.
type Logger interface {
	Record(event *Event) error
	Query(options QueryOptions) (QueryResult, error)
	VerifyIntegrity() (IntegrityReport, error)
	Prune(olderThan time.Time) (int, error)
	Close() error
}

// Event represents a single entry in the audit trail. PrevHash and Hash
// link consecutive events into a tamper-evident chain: Hash covers every
// other field, and each event carries its predecessor's Hash.
type Event struct {
	Seq       uint64                 `json:"seq"`
	ID        string                 `json:"id"`
	RequestID string                 `json:"request_id"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor,omitempty"`
	Source    string                 `json:"source,omitempty"` // IP, hostname, etc.
	Result    string                 `json:"result"`
	Error     string                 `json:"error,omitempty"`
	SecretID  string                 `json:"secret_id,omitempty"`
	KeyID     string                 `json:"key_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Duration  int64                  `json:"duration_ms,omitempty"`
	PrevHash  string                 `json:"prev_hash,omitempty"`
	Hash      string                 `json:"hash"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	Since    *time.Time
	Until    *time.Time
	Action   string
	Actor    string
	Result   string // "" = all, "success" or "failure"
	SecretID string
	KeyID    string
	Limit    int
	Offset   int
}

// QueryResult contains the results of an audit query. Events are ordered
// by sequence number, oldest first.
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// IntegrityReport is the outcome of a hash-chain walk over the trail.
type IntegrityReport struct {
	Checked         int    `json:"checked"`
	Valid           bool   `json:"valid"`
	FirstInvalidSeq uint64 `json:"first_invalid_seq,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case MemoryAuditType:
		return NewMemoryLogger(), nil
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit backend: %s", config.Type)
	}
}

// computeHash derives the chain hash for an event over every field except
// Hash itself. Details are folded in via their JSON form, which is stable
// because encoding/json sorts map keys.
func computeHash(event Event) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(event.Seq, 10))
	b.WriteByte('|')
	b.WriteString(event.ID)
	b.WriteByte('|')
	b.WriteString(event.RequestID)
	b.WriteByte('|')
	b.WriteString(event.Timestamp.UTC().Format(time.RFC3339Nano))
	b.WriteByte('|')
	b.WriteString(event.Action)
	b.WriteByte('|')
	b.WriteString(event.Actor)
	b.WriteByte('|')
	b.WriteString(event.Source)
	b.WriteByte('|')
	b.WriteString(event.Result)
	b.WriteByte('|')
	b.WriteString(event.Error)
	b.WriteByte('|')
	b.WriteString(event.SecretID)
	b.WriteByte('|')
	b.WriteString(event.KeyID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(event.Duration, 10))
	b.WriteByte('|')
	if len(event.Details) > 0 {
		detailJSON, err := json.Marshal(event.Details)
		if err == nil {
			b.Write(detailJSON)
		}
	}
	b.WriteByte('|')
	b.WriteString(event.PrevHash)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// verifyChain walks events (which must be in sequence order) and checks
// that every hash recomputes and every link matches its predecessor. The
// first event is the anchor: its PrevHash is trusted as-is, which keeps
// the chain verifiable after prefix pruning.
func verifyChain(events []Event) IntegrityReport {
	report := IntegrityReport{Checked: len(events), Valid: true}

	var prevHash string
	var prevSeq uint64
	for i, event := range events {
		if computeHash(event) != event.Hash {
			return invalidReport(len(events), event.Seq, "event hash does not recompute")
		}
		if i > 0 {
			if event.PrevHash != prevHash {
				return invalidReport(len(events), event.Seq, "prev_hash does not match predecessor")
			}
			if event.Seq != prevSeq+1 {
				return invalidReport(len(events), event.Seq, "sequence gap")
			}
		}
		prevHash = event.Hash
		prevSeq = event.Seq
	}
	return report
}

func invalidReport(checked int, seq uint64, reason string) IntegrityReport {
	return IntegrityReport{
		Checked:         checked,
		Valid:           false,
		FirstInvalidSeq: seq,
		Reason:          reason,
	}
}

// matchesFilter checks if an event matches the query filters
func matchesFilter(event Event, options QueryOptions) bool {
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}
	if options.Action != "" && event.Action != options.Action {
		return false
	}
	if options.Actor != "" && event.Actor != options.Actor {
		return false
	}
	if options.Result != "" && event.Result != options.Result {
		return false
	}
	if options.SecretID != "" && event.SecretID != options.SecretID {
		return false
	}
	if options.KeyID != "" && event.KeyID != options.KeyID {
		return false
	}
	return true
}

// pageEvents applies offset/limit over seq-ordered filtered events.
func pageEvents(filtered []Event, total int, options QueryOptions) QueryResult {
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Seq < filtered[j].Seq
	})

	start := options.Offset
	if start > len(filtered) {
		start = len(filtered)
	}
	end := len(filtered)
	if options.Limit > 0 && start+options.Limit < end {
		end = start + options.Limit
	}

	page := make([]Event, end-start)
	copy(page, filtered[start:end])

	return QueryResult{
		Events:     page,
		TotalCount: total,
		Filtered:   len(filtered),
		HasMore:    end < len(filtered),
	}
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
