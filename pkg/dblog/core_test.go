package dblog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/ekaya-dal/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dal/pkg/database"
	"github.com/ekaya-inc/ekaya-dal/pkg/sqlparams"
)

type fakeWriter struct {
	mu      sync.Mutex
	queries []string
	params  []sqlparams.Params
	block   chan struct{}
	err     error
}

func (w *fakeWriter) Exec(_ context.Context, query string, params sqlparams.Params) (database.Result, error) {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queries = append(w.queries, query)
	w.params = append(w.params, params)
	return database.Result{RowsAffected: 1}, w.err
}

func (w *fakeWriter) written() []sqlparams.Params {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]sqlparams.Params(nil), w.params...)
}

func scalar(t *testing.T, p sqlparams.Params, name string) any {
	t.Helper()
	v, ok := p[name].(sqlparams.Scalar)
	require.True(t, ok, "param %s", name)
	return v.V
}

func TestCore_WritesEntry(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	w := &fakeWriter{}
	core, err := New(w, "", 8, zapcore.InfoLevel, zaptest.NewLogger(t))
	require.NoError(t, err)

	logger := zap.New(core).Named("billing").With(zap.String("tenant", "acme"))
	logger.Info("Invoice sent", zap.Int("invoice", 42))
	logger.Debug("ignored")
	require.NoError(t, core.Close())

	written := w.written()
	require.Len(t, written, 1)
	assert.Contains(t, w.queries[0], "INSERT INTO `app_logs`")

	p := written[0]
	assert.Equal(t, "info", scalar(t, p, "level"))
	assert.Equal(t, "billing", scalar(t, p, "logger"))
	assert.Equal(t, "Invoice sent", scalar(t, p, "message"))
	assert.Len(t, scalar(t, p, "id"), 36)

	at, ok := scalar(t, p, "created_at").(time.Time)
	require.True(t, ok)
	assert.Equal(t, time.UTC, at.Location())

	var fields map[string]any
	require.NoError(t, json.Unmarshal([]byte(scalar(t, p, "fields").(string)), &fields))
	assert.Equal(t, map[string]any{"tenant": "acme", "invoice": float64(42)}, fields)
}

func TestCore_DropsWhenFull(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	core, err := New(w, "app_logs", 1, zapcore.DebugLevel, nil)
	require.NoError(t, err)
	logger := zap.New(core)

	for i := 0; i < 3; i++ {
		logger.Info("burst")
	}
	assert.GreaterOrEqual(t, core.Dropped(), int64(1))

	close(w.block)
	require.NoError(t, core.Close())
	assert.Equal(t, int64(3), int64(len(w.written()))+core.Dropped())
}

func TestCore_CloseDrainsAndRejectsLater(t *testing.T) {
	w := &fakeWriter{}
	core, err := New(w, "app_logs", 16, zapcore.DebugLevel, nil)
	require.NoError(t, err)
	logger := zap.New(core)

	for i := 0; i < 5; i++ {
		logger.Info("queued")
	}
	require.NoError(t, core.Close())
	assert.Len(t, w.written(), 5)

	logger.Info("after close")
	assert.Equal(t, int64(1), core.Dropped())
	assert.NoError(t, core.Close())
}

func TestCore_WriteFailureGoesToFallback(t *testing.T) {
	obs, logs := observer.New(zapcore.WarnLevel)
	w := &fakeWriter{err: errors.New("table is read only")}
	core, err := New(w, "app_logs", 4, zapcore.InfoLevel, zap.New(obs))
	require.NoError(t, err)

	zap.New(core).Error("boom")
	require.NoError(t, core.Close())

	entries := logs.FilterMessage("Failed to write log entry").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].ContextMap()["message"])
}

func TestNew_RejectsUnsafeTable(t *testing.T) {
	_, err := New(&fakeWriter{}, "logs; DROP TABLE users", 4, zapcore.InfoLevel, nil)
	assert.ErrorIs(t, err, apperrors.ErrUnsafeIdentifier)
}

func TestCore_ThroughExecutor(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	pool := database.NewPool(db, database.Primary, database.ConnectionDetails{
		Host: "db.internal", Database: "app", User: "app", PoolSize: 1, AcquireTimeout: time.Second,
	})
	exec := database.NewExecutor(pool, zaptest.NewLogger(t))

	mock.ExpectExec("INSERT INTO `audit_logs` (`id`, `level`, `logger`, `message`, `fields`, `created_at`) VALUES (?, ?, ?, ?, ?, ?)").
		WithArgs(sqlmock.AnyArg(), "warn", "", "Disk almost full", `{"pct":91}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	core, err := New(exec, "audit_logs", 4, zapcore.InfoLevel, zaptest.NewLogger(t))
	require.NoError(t, err)
	zap.New(core).Warn("Disk almost full", zap.Int("pct", 91))
	require.NoError(t, core.Close())

	assert.NoError(t, mock.ExpectationsWereMet())
}
