package audit

import "time"

// NoOpLogger is a no-op implementation for when auditing is disabled
type NoOpLogger struct{}

func NewNoOpLogger() Logger {
	return new(NoOpLogger)
}

func (n *NoOpLogger) Record(event *Event) error {
	return nil
}

func (n *NoOpLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{}, nil
}

func (n *NoOpLogger) VerifyIntegrity() (IntegrityReport, error) {
	return IntegrityReport{Valid: true}, nil
}

func (n *NoOpLogger) Prune(olderThan time.Time) (int, error) {
	return 0, nil
}

func (n *NoOpLogger) Close() error {
	return nil
}
