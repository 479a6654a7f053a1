package pgexec

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// cleanupTimeout bounds the ROLLBACK issued after a failed batch. It uses its
// own context because the query context is usually what failed.
const cleanupTimeout = 5 * time.Second

// ResultSet is the output of one statement of a batch.
type ResultSet struct {
	CommandTag   string                   `json:"command_tag"`
	Columns      []string                 `json:"columns,omitempty"`
	Rows         []map[string]interface{} `json:"rows,omitempty"`
	RowsAffected int64                    `json:"rows_affected"`
}

// Executor runs SQL text through the simple query protocol, one round trip
// per batch. All methods are safe for concurrent use.
type Executor struct {
	pool      *pgxpool.Pool
	semaphore chan struct{}
	logger    zerolog.Logger
}

// New creates an Executor that allows at most maxConcurrent batches in
// flight. Panics if maxConcurrent <= 0.
func New(pool *pgxpool.Pool, maxConcurrent int, logger zerolog.Logger) *Executor {
	if maxConcurrent <= 0 {
		panic("pgexec: maxConcurrent must be > 0")
	}
	return &Executor{
		pool:      pool,
		semaphore: make(chan struct{}, maxConcurrent),
		logger:    logger,
	}
}

// Execute sends sql to the server as-is and returns one ResultSet per
// statement. On failure the connection is returned to the pool outside any
// transaction, or destroyed if that is not possible.
func (e *Executor) Execute(ctx context.Context, sql string) ([]ResultSet, error) {
	// 1. Acquire a slot (respects context cancellation)
	select {
	case e.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to acquire query slot: all %d connection slots are in use, context cancelled while waiting: %w", cap(e.semaphore), ctx.Err())
	}
	defer func() { <-e.semaphore }()

	// 2. Acquire a connection
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	// 3. Execute the whole batch in one simple-protocol round trip
	pgConn := conn.Conn().PgConn()
	results, err := pgConn.Exec(ctx, sql).ReadAll()
	if err == nil {
		for _, r := range results {
			if r.Err != nil {
				err = r.Err
				break
			}
		}
	}
	if err != nil {
		e.resetSession(pgConn)
		return nil, err
	}

	// 4. Decode rows with the connection's type map
	typeMap := conn.Conn().TypeMap()
	sets := make([]ResultSet, len(results))
	for i, r := range results {
		set, err := decodeResult(typeMap, r)
		if err != nil {
			return nil, err
		}
		sets[i] = set
	}
	return sets, nil
}

// resetSession leaves pgConn idle after a failed batch. A session stuck in a
// transaction is rolled back; if that fails the connection is closed so the
// pool discards it on release.
func (e *Executor) resetSession(pgConn *pgconn.PgConn) {
	if pgConn.IsClosed() {
		return
	}
	status := pgConn.TxStatus()
	if status == 'I' {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := pgConn.Exec(ctx, "ROLLBACK").ReadAll(); err != nil {
		e.logger.Warn().Err(err).Str("tx_status", string(status)).Msg("rollback after failed batch failed, closing connection")
		_ = pgConn.Close(ctx)
		return
	}
	e.logger.Debug().Str("tx_status", string(status)).Msg("rolled back open transaction after failed batch")
}

func decodeResult(typeMap *pgtype.Map, r *pgconn.Result) (ResultSet, error) {
	set := ResultSet{
		CommandTag:   r.CommandTag.String(),
		RowsAffected: r.CommandTag.RowsAffected(),
	}
	if len(r.FieldDescriptions) == 0 {
		return set, nil
	}
	set.Columns = make([]string, len(r.FieldDescriptions))
	for i, fd := range r.FieldDescriptions {
		set.Columns[i] = fd.Name
	}
	set.Rows = make([]map[string]interface{}, 0, len(r.Rows))
	for _, raw := range r.Rows {
		row := make(map[string]interface{}, len(set.Columns))
		for i, fd := range r.FieldDescriptions {
			v, err := decodeField(typeMap, fd, raw[i])
			if err != nil {
				return ResultSet{}, err
			}
			row[fd.Name] = v
		}
		set.Rows = append(set.Rows, row)
	}
	return set, nil
}

// Ping verifies that a connection can be acquired and is alive.
func (e *Executor) Ping(ctx context.Context) error {
	if err := e.pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}
