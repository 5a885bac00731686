// Package dblog provides a zapcore.Core that stores log entries in a MySQL
// table. Writes are fire-and-forget: entries are queued on a bounded buffer
// and inserted by a single worker. A full buffer drops the entry and counts
// it; failed inserts are reported on the fallback logger and never retried.
//
// The Writer must not log through the logger this core is part of.
package dblog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ekaya-inc/ekaya-dal/pkg/database"
	"github.com/ekaya-inc/ekaya-dal/pkg/sqlparams"
)

const (
	DefaultTable      = "app_logs"
	DefaultBufferSize = 256

	writeTimeout = 5 * time.Second
)

// Writer executes one named-parameter statement. *database.Executor implements it.
type Writer interface {
	Exec(ctx context.Context, query string, params sqlparams.Params) (database.Result, error)
}

type record struct {
	id      uuid.UUID
	level   string
	logger  string
	message string
	fields  string
	at      time.Time
}

// sink is shared by a Core and every Core derived from it with With.
type sink struct {
	writer   Writer
	stmt     string
	entries  chan record
	done     chan struct{}
	dropped  atomic.Int64
	fallback *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// Core is a zapcore.Core backed by a database table.
type Core struct {
	zapcore.LevelEnabler
	sink   *sink
	fields []zapcore.Field
}

var _ zapcore.Core = (*Core)(nil)

// New starts the worker and returns the core. Entries below level are ignored.
func New(w Writer, table string, bufferSize int, level zapcore.LevelEnabler, fallback *zap.Logger) (*Core, error) {
	if table == "" {
		table = DefaultTable
	}
	quoted, err := sqlparams.QuoteIdentifier(table)
	if err != nil {
		return nil, fmt.Errorf("log table: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if fallback == nil {
		fallback = zap.NewNop()
	}

	s := &sink{
		writer: w,
		stmt: "INSERT INTO " + quoted + " (`id`, `level`, `logger`, `message`, `fields`, `created_at`) " +
			"VALUES (@id, @level, @logger, @message, @fields, @created_at)",
		entries:  make(chan record, bufferSize),
		done:     make(chan struct{}),
		fallback: fallback.With(zap.String("component", "dblog"), zap.String("table", table)),
	}
	go s.run()

	return &Core{LevelEnabler: level, sink: s}, nil
}

// With returns a core that adds fields to every entry.
func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &Core{LevelEnabler: c.LevelEnabler, sink: c.sink, fields: merged}
}

// Check adds this core to ce when the entry level is enabled.
func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

// Write queues the entry. It never blocks and never returns an error.
func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	encoded, err := json.Marshal(enc.Fields)
	if err != nil {
		c.sink.fallback.Warn("Failed to encode log fields", zap.Error(err))
		encoded = []byte("{}")
	}

	c.sink.enqueue(record{
		id:      uuid.New(),
		level:   ent.Level.String(),
		logger:  ent.LoggerName,
		message: ent.Message,
		fields:  string(encoded),
		at:      ent.Time.UTC().Truncate(time.Microsecond),
	})
	return nil
}

// Sync is a no-op; use Close to flush.
func (c *Core) Sync() error { return nil }

// Dropped returns how many entries were discarded because the buffer was
// full or the core was closed.
func (c *Core) Dropped() int64 { return c.sink.dropped.Load() }

// Close stops accepting entries, waits for the queued ones to be written and
// stops the worker. Later calls return immediately.
func (c *Core) Close() error {
	s := c.sink
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	close(s.entries)
	s.mu.Unlock()

	<-s.done
	if n := s.dropped.Load(); n > 0 {
		s.fallback.Warn("Log entries dropped", zap.Int64("dropped", n))
	}
	return nil
}

func (s *sink) enqueue(rec record) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.entries <- rec:
	default:
		s.dropped.Add(1)
	}
}

func (s *sink) run() {
	defer close(s.done)
	for rec := range s.entries {
		s.write(rec)
	}
}

func (s *sink) write(rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := s.writer.Exec(ctx, s.stmt, sqlparams.Params{
		"id":         sqlparams.Scalar{V: rec.id.String()},
		"level":      sqlparams.Scalar{V: rec.level},
		"logger":     sqlparams.Scalar{V: rec.logger},
		"message":    sqlparams.Scalar{V: rec.message},
		"fields":     sqlparams.Scalar{V: rec.fields},
		"created_at": sqlparams.Scalar{V: rec.at},
	})
	if err != nil {
		s.fallback.Warn("Failed to write log entry",
			zap.String("message", rec.message),
			zap.Error(err))
	}
}
