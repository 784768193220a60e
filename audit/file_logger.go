package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileLogger persists the audit trail as one JSON document per line. The
// chain head (last sequence number and hash) is recovered from the file
// on open, so restarts extend the existing chain instead of forking it.
type FileLogger struct {
	mu       sync.RWMutex
	file     *os.File
	fileOpts FileOptions
	lastSeq  uint64
	lastHash string
	closed   bool
}

type FileOptions struct {
	FilePath string `json:"file_path"`
}

// NewFileLogger creates a new file-based audit logger
func NewFileLogger(config *Config) (*FileLogger, error) {
	var fileOpts FileOptions
	if err := parseOptions(config.Options, &fileOpts); err != nil {
		return nil, fmt.Errorf("invalid file logger options: %w", err)
	}

	if fileOpts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file logger")
	}

	if err := os.MkdirAll(filepath.Dir(fileOpts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	logger := &FileLogger{
		file:     file,
		fileOpts: fileOpts,
	}

	if err = logger.recoverChainHead(); err != nil {
		file.Close()
		return nil, err
	}

	return logger, nil
}

// recoverChainHead scans the existing log to find the tail of the chain.
func (fl *FileLogger) recoverChainHead() error {
	events, _, err := fl.readEvents(QueryOptions{})
	if err != nil {
		return fmt.Errorf("failed to recover audit chain head: %w", err)
	}
	if len(events) > 0 {
		last := events[len(events)-1]
		fl.lastSeq = last.Seq
		fl.lastHash = last.Hash
	}
	return nil
}

// Record implements the Logger interface
func (fl *FileLogger) Record(event *Event) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.closed {
		return fmt.Errorf("audit logger is closed")
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Seq = fl.lastSeq + 1
	event.PrevHash = fl.lastHash
	event.Hash = computeHash(*event)

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}

	if _, err = fl.file.WriteString(string(eventJSON) + "\n"); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	// Flush so the event is durable before the operation completes
	if err = fl.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	fl.lastSeq = event.Seq
	fl.lastHash = event.Hash

	return nil
}

// Query implements the Logger interface
func (fl *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	filtered, total, err := fl.readEvents(options)
	if err != nil {
		return QueryResult{}, err
	}

	return pageEvents(filtered, total, options), nil
}

// VerifyIntegrity walks the whole trail and checks the hash chain.
func (fl *FileLogger) VerifyIntegrity() (IntegrityReport, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	events, _, err := fl.readEvents(QueryOptions{})
	if err != nil {
		return IntegrityReport{}, err
	}
	return verifyChain(events), nil
}

// Prune removes events older than the cutoff, but only as a contiguous
// prefix of the trail: the first retained event becomes the new chain
// anchor and everything after it is left byte-for-byte untouched.
func (fl *FileLogger) Prune(olderThan time.Time) (int, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.closed {
		return 0, fmt.Errorf("audit logger is closed")
	}

	events, _, err := fl.readEvents(QueryOptions{})
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, event := range events {
		if !event.Timestamp.Before(olderThan) {
			break
		}
		pruned++
	}
	if pruned == 0 {
		return 0, nil
	}

	tempPath := fl.fileOpts.FilePath + ".tmp"
	temp, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp audit log: %w", err)
	}

	writer := bufio.NewWriter(temp)
	for _, event := range events[pruned:] {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			temp.Close()
			os.Remove(tempPath)
			return 0, fmt.Errorf("failed to serialize audit event: %w", err)
		}
		if _, err = writer.WriteString(string(eventJSON) + "\n"); err != nil {
			temp.Close()
			os.Remove(tempPath)
			return 0, fmt.Errorf("failed to write pruned audit log: %w", err)
		}
	}
	if err = writer.Flush(); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to flush pruned audit log: %w", err)
	}
	if err = temp.Sync(); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to sync pruned audit log: %w", err)
	}
	if err = temp.Close(); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to close pruned audit log: %w", err)
	}

	fl.file.Close()
	if err = os.Rename(tempPath, fl.fileOpts.FilePath); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to replace audit log: %w", err)
	}

	fl.file, err = os.OpenFile(fl.fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to reopen audit log: %w", err)
	}

	return pruned, nil
}

// readEvents reads and filters events from the log file, returning them
// in file (sequence) order along with the total line count.
func (fl *FileLogger) readEvents(options QueryOptions) ([]Event, int, error) {
	file, err := os.Open(fl.fileOpts.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open audit log file: %w", err)
	}
	defer file.Close()

	var events []Event
	totalCount := 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		totalCount++

		var event Event
		if err = json.Unmarshal([]byte(line), &event); err != nil {
			// Skip unparseable lines; the integrity walk reports gaps
			continue
		}

		if matchesFilter(event, options) {
			events = append(events, event)
		}
	}

	if err = scanner.Err(); err != nil {
		return events, totalCount, fmt.Errorf("error reading audit log file: %w", err)
	}

	return events, totalCount, nil
}

// Close implements the Logger interface
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	fl.closed = true
	if fl.file != nil {
		err := fl.file.Close()
		fl.file = nil
		return err
	}
	return nil
}
