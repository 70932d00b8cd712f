// Package audit provides fire-and-forget audit logging for tool calls.
// Entries are redacted, queued on a bounded buffer, and written by a
// background worker; a full buffer or a failed write never blocks or fails
// the tool call itself.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/warden/internal/storage"
	"github.com/haasonsaas/warden/pkg/models"
)

const defaultBufferSize = 1024

// Logger asynchronously records audit entries to a store and to structured
// logs. A nil store is valid; entries then go to logs only.
type Logger struct {
	store   storage.AuditStore
	logger  *slog.Logger
	entries chan *models.AuditEntry
	dropped atomic.Int64

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures the audit logger.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	bufferSize int
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBufferSize sets the queue depth before entries are dropped.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// New creates an audit logger and starts its background writer.
func New(store storage.AuditStore, opts ...Option) *Logger {
	o := options{
		logger:     slog.Default(),
		bufferSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	l := &Logger{
		store:   store,
		logger:  o.logger,
		entries: make(chan *models.AuditEntry, o.bufferSize),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Record queues an audit entry. It never blocks: when the buffer is full the
// entry is counted as dropped and the call returns immediately. Sensitive
// parameter values are redacted before the entry leaves the caller.
func (l *Logger) Record(entry *models.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Params = Redact(entry.Params)

	select {
	case l.entries <- entry:
	default:
		n := l.dropped.Add(1)
		l.logger.Warn("audit buffer full, entry dropped",
			"tool", entry.ToolName, "agent_id", entry.AgentID, "dropped_total", n)
	}
}

// Dropped returns the number of entries dropped due to a full buffer.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

func (l *Logger) run() {
	defer l.wg.Done()
	for entry := range l.entries {
		l.write(entry)
	}
}

func (l *Logger) write(entry *models.AuditEntry) {
	l.logger.Info("tool call audited",
		"audit_id", entry.ID,
		"tool", entry.ToolName,
		"agent_id", entry.AgentID,
		"success", entry.Success,
		"duration", entry.Duration,
		"output_size", entry.OutputSize,
		"trace_id", entry.TraceID)

	if l.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.store.Append(ctx, entry); err != nil {
		l.logger.Error("audit write failed", "audit_id", entry.ID, "error", err)
	}
}

// Close drains queued entries and stops the writer.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		close(l.entries)
	})
	l.wg.Wait()
}
