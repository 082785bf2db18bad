package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresBackend stores sessions in the sitegate_sessions table.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// EnsureSchema creates the session table if it does not exist. Safe to call
// repeatedly.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS sitegate_sessions (
  id text PRIMARY KEY,
  data text NOT NULL,
  expires_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS sitegate_sessions_expires_idx ON sitegate_sessions(expires_at);
`)
	return err
}

func (b *PostgresBackend) Load(ctx context.Context, id string) (string, bool, error) {
	var data string
	err := b.pool.QueryRow(ctx, `SELECT data FROM sitegate_sessions WHERE id=$1 AND expires_at > NOW()`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return data, true, nil
}

func (b *PostgresBackend) Save(ctx context.Context, id, data string, ttl time.Duration) error {
	_, err := b.pool.Exec(ctx, `INSERT INTO sitegate_sessions(id, data, expires_at)
	  VALUES ($1, $2, $3)
	  ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data, expires_at=EXCLUDED.expires_at, updated_at=NOW()`,
		id, data, time.Now().Add(ttl))
	return err
}

func (b *PostgresBackend) Delete(ctx context.Context, id string) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM sitegate_sessions WHERE id=$1`, id)
	return err
}

// DeleteExpired removes expired rows and reports how many went.
func (b *PostgresBackend) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM sitegate_sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RunCleanup deletes expired sessions every interval until ctx is done.
func (b *PostgresBackend) RunCleanup(ctx context.Context, interval time.Duration, log *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.DeleteExpired(ctx)
			if err != nil {
				log.Warnw("session cleanup failed", "err", err)
				continue
			}
			if n > 0 {
				log.Infow("expired sessions removed", "count", n)
			}
		}
	}
}
