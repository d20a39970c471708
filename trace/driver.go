package trace

import (
	"context"
	"database/sql/driver"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/pagewatch/kit"
)

// TracingDriver wraps the SQLite driver so every statement the stores run
// is timed, reported to the Observer and logged with the request's trace
// and run ids.
type TracingDriver struct {
	driver.Driver
}

func (d *TracingDriver) Open(name string) (driver.Conn, error) {
	conn, err := d.Driver.Open(name)
	if err != nil {
		return nil, err
	}
	return &tracingConn{Conn: conn}, nil
}

type tracingConn struct {
	driver.Conn
}

func (c *tracingConn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *tracingConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	var stmt driver.Stmt
	var err error
	if pc, ok := c.Conn.(driver.ConnPrepareContext); ok {
		stmt, err = pc.PrepareContext(ctx, query)
	} else {
		stmt, err = c.Conn.Prepare(query)
	}
	if err != nil {
		return nil, err
	}
	return &tracingStmt{Stmt: stmt, query: query}, nil
}

// BeginTx returns a Tx whose commit and rollback are traced as ops of
// their own.
func (c *tracingConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	var tx driver.Tx
	var err error
	if bc, ok := c.Conn.(driver.ConnBeginTx); ok {
		tx, err = bc.BeginTx(ctx, opts)
	} else {
		tx, err = c.Conn.Begin()
	}
	if err != nil {
		return nil, err
	}
	return &tracingTx{Tx: tx, ctx: ctx}, nil
}

type tracingTx struct {
	driver.Tx
	ctx context.Context
}

func (t *tracingTx) Commit() error {
	return timed(t.ctx, "commit", "COMMIT", t.Tx.Commit)
}

func (t *tracingTx) Rollback() error {
	return timed(t.ctx, "rollback", "ROLLBACK", t.Tx.Rollback)
}

type tracingStmt struct {
	driver.Stmt
	query string
}

func (s *tracingStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (res driver.Result, err error) {
	err = timed(ctx, "exec", s.query, func() error {
		if ec, ok := s.Stmt.(driver.StmtExecContext); ok {
			res, err = ec.ExecContext(ctx, args)
		} else {
			res, err = s.Stmt.Exec(namedToValues(args))
		}
		return err
	})
	return res, err
}

func (s *tracingStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (rows driver.Rows, err error) {
	err = timed(ctx, "query", s.query, func() error {
		if qc, ok := s.Stmt.(driver.StmtQueryContext); ok {
			rows, err = qc.QueryContext(ctx, args)
		} else {
			rows, err = s.Stmt.Query(namedToValues(args))
		}
		return err
	})
	return rows, err
}

func timed(ctx context.Context, op, query string, fn func() error) error {
	start := time.Now()
	err := fn()
	record(ctx, op, query, time.Since(start), err)
	return err
}

func record(ctx context.Context, op, query string, d time.Duration, err error) {
	obs, slowAfter := settings()
	if obs != nil {
		obs.SQL(op, d.Seconds(), err)
	}

	// PRAGMA polling is noise unless it is slow or failing.
	if err == nil && d < slowAfter && strings.HasPrefix(query, "PRAGMA ") {
		return
	}

	level := slog.LevelDebug
	switch {
	case err != nil:
		level = slog.LevelError
	case d >= slowAfter:
		level = slog.LevelWarn
	}
	if !slog.Default().Enabled(ctx, level) {
		return
	}

	attrs := []slog.Attr{
		slog.String("component", "sql"),
		slog.String("op", op),
		slog.String("query", compact(query)),
		slog.Duration("duration", d),
	}
	if id := kit.GetTraceID(ctx); id != "" {
		attrs = append(attrs, slog.String("trace_id", id))
	}
	if id := kit.GetRunID(ctx); id != "" {
		attrs = append(attrs, slog.String("run_id", id))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	slog.LogAttrs(ctx, level, "sql", attrs...)
}

// compact folds whitespace so multi-line statements log on one line.
func compact(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func namedToValues(named []driver.NamedValue) []driver.Value {
	vals := make([]driver.Value, len(named))
	for i, nv := range named {
		vals[i] = nv.Value
	}
	return vals
}
