// Package store implements the upsert-with-conflict-key contract over
// PostgreSQL using pgx. Batches are written as single multi-row
// INSERT ... ON CONFLICT statements so replaying a batch after an
// ambiguous failure is idempotent.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/skysink/skysink/internal/ingest"
	"github.com/skysink/skysink/pkg/config"
	"github.com/skysink/skysink/pkg/skyerrors"
)

// Postgres is the pgxpool-backed store implementation.
type Postgres struct {
	pool   *pgxpool.Pool
	cfg    config.StoreConfig
	logger *zap.Logger
}

// New connects a pool to the configured database and verifies the
// connection with a ping.
func New(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, skyerrors.Wrap(err, skyerrors.ErrorTypeConfig, "invalid store DSN")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, skyerrors.Wrap(err, skyerrors.ErrorTypeTransient, "failed to create connection pool")
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, skyerrors.Wrap(err, skyerrors.ErrorTypeTransient, "failed to ping database")
	}

	return &Postgres{
		pool:   pool,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "store")),
	}, nil
}

// Upsert writes a batch into destination as one multi-row statement,
// overwriting existing rows matching the conflict columns.
func (p *Postgres) Upsert(ctx context.Context, destination string, conflictColumns, columns []string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}

	sql, args, err := BuildUpsert(destination, conflictColumns, columns, rows)
	if err != nil {
		return err
	}

	if p.cfg.StatementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.StatementTimeout)
		defer cancel()
	}

	if _, err := p.pool.Exec(ctx, sql, args...); err != nil {
		return ClassifyError(err)
	}
	return nil
}

// WriteDeadLetter appends one dead letter. Callers treat failures as
// best-effort; no conflict handling is needed on an append-only table.
func (p *Postgres) WriteDeadLetter(ctx context.Context, dl ingest.DeadLetter) error {
	if p.cfg.StatementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.StatementTimeout)
		defer cancel()
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO dead_letters (destination, payload, error, created_at) VALUES ($1, $2, $3, $4)`,
		dl.Destination, []byte(dl.Payload), dl.Error, dl.Timestamp)
	if err != nil {
		return ClassifyError(err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// BuildUpsert assembles a multi-row upsert statement. Non-conflict columns
// are overwritten from the excluded row; when every column is part of the
// conflict key the statement degrades to DO NOTHING.
func BuildUpsert(destination string, conflictColumns, columns []string, rows [][]interface{}) (string, []interface{}, error) {
	if len(columns) == 0 || len(conflictColumns) == 0 {
		return "", nil, skyerrors.New(skyerrors.ErrorTypePermanent, "upsert requires columns and a conflict key")
	}

	var sb strings.Builder
	args := make([]interface{}, 0, len(rows)*len(columns))

	sb.WriteString("INSERT INTO ")
	sb.WriteString(destination)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(") VALUES ")

	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, skyerrors.Newf(skyerrors.ErrorTypePermanent,
				"row %d has %d values, want %d", i, len(row), len(columns))
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := range row {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*len(columns)+j+1)
		}
		sb.WriteString(")")
		args = append(args, row...)
	}

	sb.WriteString(" ON CONFLICT (")
	sb.WriteString(strings.Join(conflictColumns, ", "))
	sb.WriteString(")")

	conflictSet := make(map[string]bool, len(conflictColumns))
	for _, col := range conflictColumns {
		conflictSet[col] = true
	}
	var updates []string
	for _, col := range columns {
		if !conflictSet[col] {
			updates = append(updates, col+" = EXCLUDED."+col)
		}
	}

	if len(updates) == 0 {
		sb.WriteString(" DO NOTHING")
	} else {
		sb.WriteString(" DO UPDATE SET ")
		sb.WriteString(strings.Join(updates, ", "))
	}

	return sb.String(), args, nil
}

// ClassifyError maps a database error onto the pipeline's retry taxonomy.
// Lock contention, serialization failures, resource pressure, and
// connection faults are transient; integrity, data, and syntax errors are
// permanent.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return skyerrors.Wrap(err, skyerrors.ErrorTypeTransient, "store call timed out")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch sqlStateClass(pgErr.Code) {
		case "22", // data exception
			"23", // integrity constraint violation
			"42": // syntax error or access rule violation
			return skyerrors.Wrap(err, skyerrors.ErrorTypePermanent, "store rejected batch").
				WithDetail("sqlstate", pgErr.Code)
		case "08", // connection exception
			"40", // transaction rollback (serialization, deadlock)
			"53", // insufficient resources
			"55", // object not in prerequisite state (lock not available)
			"57": // operator intervention (query canceled)
			return skyerrors.Wrap(err, skyerrors.ErrorTypeTransient, "store temporarily unavailable").
				WithDetail("sqlstate", pgErr.Code)
		}
	}

	if pgconn.Timeout(err) {
		return skyerrors.Wrap(err, skyerrors.ErrorTypeTransient, "store call timed out")
	}

	// Unclassified store errors are retried.
	return skyerrors.Wrap(err, skyerrors.ErrorTypeTransient, "store write failed")
}

func sqlStateClass(code string) string {
	if len(code) < 2 {
		return ""
	}
	return code[:2]
}
