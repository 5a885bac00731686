package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dal/pkg/logging"
	"github.com/ekaya-inc/ekaya-dal/pkg/sqlparams"
)

// DefaultZombieTimeout is the idle threshold in seconds used when a negative
// timeout is given.
const DefaultZombieTimeout = 900

const zombieQuery = `SELECT ID FROM information_schema.PROCESSLIST
WHERE COMMAND = 'Sleep' AND USER = @user AND TIME >= @timeout`

// KillZombieConnections kills every server session owned by dbUser that has
// been idle (Sleep) for at least timeoutSeconds. A failed KILL is logged and
// skipped; the returned count only includes confirmed kills.
func (e *Executor) KillZombieConnections(ctx context.Context, timeoutSeconds int, dbUser string) (int, error) {
	if timeoutSeconds < 0 {
		timeoutSeconds = DefaultZombieTimeout
	}

	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer e.release(lease)

	rows, err := e.ExecuteOn(ctx, lease, zombieQuery, sqlparams.Params{
		"user":    sqlparams.Scalar{V: dbUser},
		"timeout": sqlparams.Scalar{V: timeoutSeconds},
	})
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}

	killed := 0
	for _, row := range rows {
		id, ok := row.Int64("ID")
		if !ok {
			e.logger.Warn("Skipping process list row without numeric ID", zap.Any("id", row["ID"]))
			continue
		}
		// KILL takes no placeholder; id is an integer.
		if _, err := lease.ExecContext(ctx, fmt.Sprintf("KILL %d", id)); err != nil {
			e.logger.Warn("Failed to kill idle session",
				zap.Int64("process_id", id),
				zap.String("error", logging.SanitizeError(err)))
			continue
		}
		killed++
	}

	e.logger.Info("Killed idle sessions",
		zap.String("user", dbUser),
		zap.Int("timeout_seconds", timeoutSeconds),
		zap.Int("found", len(rows)),
		zap.Int("killed", killed),
	)
	return killed, nil
}
