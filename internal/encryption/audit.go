package encryption

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Veraticus/bankfeed/internal/model"
)

// AuditSink receives one entry per cryptographic operation.
type AuditSink interface {
	RecordAudit(ctx context.Context, entry model.AuditEntry) error
}

// LogAuditSink writes audit entries to slog.
type LogAuditSink struct {
	logger *slog.Logger
}

// NewLogAuditSink creates a sink that logs at info level, or warn on failure.
func NewLogAuditSink(logger *slog.Logger) *LogAuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAuditSink{logger: logger}
}

// RecordAudit implements AuditSink.
func (l *LogAuditSink) RecordAudit(ctx context.Context, entry model.AuditEntry) error {
	level := slog.LevelDebug
	if !entry.Success {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "Crypto operation",
		"operation", entry.Operation,
		"key_id", entry.KeyID,
		"success", entry.Success,
		"error", entry.Error)
	return nil
}

// MemoryAuditSink keeps entries in memory. Used by tests and the CLI key tools.
type MemoryAuditSink struct {
	entries []model.AuditEntry
	mu      sync.Mutex
}

// RecordAudit implements AuditSink.
func (m *MemoryAuditSink) RecordAudit(_ context.Context, entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// Entries returns a copy of recorded entries.
func (m *MemoryAuditSink) Entries() []model.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AuditEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

var (
	_ AuditSink = (*LogAuditSink)(nil)
	_ AuditSink = (*MemoryAuditSink)(nil)
)
