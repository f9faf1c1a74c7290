// Package stmt provides the statement execution engine: an executable unit
// of work carrying SQL text and captured results, plus set and list
// collections that run those units in parallel or in order.
//
// Execution never panics or returns through the engine boundary for
// statement-level failures; the error is captured on the statement and the
// caller inspects it afterward (typically through sqlerr.Check). Callers
// own the fail-fast versus continue decision.
package stmt

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/stratumhealth/dwetl/internal/dbconn"
)

// DefaultPurpose labels statements created without an explicit purpose.
const DefaultPurpose = "executing SQL"

// Querier is the slice of *sql.DB, *sql.Conn, and *sql.Tx the engine uses.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Runnable is one executable unit of work. Statement implements it; test
// doubles may too. Execute must capture failures internally and return the
// processed unit rather than an error.
type Runnable interface {
	// ID returns the unit's immutable identity token.
	ID() uuid.UUID

	// Err returns the failure captured by the most recent execution, or nil.
	Err() error

	// Execute runs the unit against the described database, using a fresh
	// session scoped to the call, and returns the processed unit.
	Execute(ctx context.Context, conn dbconn.ConnInfo, lg *slog.Logger) Runnable
}

// TxRunnable is a Runnable that can also run on a caller-provided session,
// which is how a List executes its members inside one transaction.
type TxRunnable interface {
	Runnable

	// ExecuteOn runs the unit on an existing session or transaction.
	ExecuteOn(ctx context.Context, q Querier, lg *slog.Logger) Runnable

	// Abort records err as the unit's failure without executing it.
	Abort(err error)
}

// Statement is an executable database statement. It stores the SQL text and
// a purpose label describing why it runs, and captures the resulting rows,
// column names, row count, and error from execution. A Statement is
// identified by an immutable token assigned at construction, which makes it
// usable as a Set member and safe to hand to a worker pool.
//
// Result slots are overwritten on every execution, so re-executing a
// Statement produces sensible state. Callers must look for and respond to
// a non-nil Err after execution.
type Statement struct {
	id uuid.UUID

	// SQL is the fully formed statement text. The engine does not generate,
	// validate, or parameterize it; that is the caller's responsibility.
	SQL string

	// Purpose describes what the statement is for, used in log records and
	// error reports.
	Purpose string

	rows     [][]any
	columns  []string
	rowCount int64
	err      error
}

// New creates a Statement with the default purpose label.
func New(sqlText string) *Statement {
	return NewPurpose(sqlText, DefaultPurpose)
}

// NewPurpose creates a Statement with an explicit purpose label.
func NewPurpose(sqlText, purpose string) *Statement {
	return &Statement{
		id:       uuid.New(),
		SQL:      sqlText,
		Purpose:  purpose,
		rowCount: -1,
	}
}

// ID returns the statement's identity token, fixed at construction.
func (s *Statement) ID() uuid.UUID { return s.id }

// Err returns the failure captured by the most recent execution, or nil.
func (s *Statement) Err() error { return s.err }

// Rows returns the result rows from the most recent execution, or nil if
// the statement returned no result set.
func (s *Statement) Rows() [][]any { return s.rows }

// Columns returns the result column names from the most recent execution.
func (s *Statement) Columns() []string { return s.columns }

// RowCount returns the number of rows returned or affected by the most
// recent execution, or -1 when the driver did not report one.
func (s *Statement) RowCount() int64 { return s.rowCount }

func (s *Statement) String() string {
	return fmt.Sprintf("statement for %s", s.Purpose)
}

// Abort records err as the statement's failure without executing it.
func (s *Statement) Abort(err error) {
	s.reset()
	s.err = err
}

func (s *Statement) reset() {
	s.rows = nil
	s.columns = nil
	s.rowCount = -1
	s.err = nil
}

// Execute runs the statement against the described database on a fresh
// session scoped to this call. A session failure is captured on the
// statement like any other error; the session is closed before returning.
// Statements run in autocommit mode, so statements that cannot run inside
// a transaction block (CREATE DATABASE, VACUUM) are safe here.
func (s *Statement) Execute(ctx context.Context, conn dbconn.ConnInfo, lg *slog.Logger) Runnable {
	db, err := conn.Open(ctx)
	if err != nil {
		s.reset()
		s.err = err
		lg.LogAttrs(ctx, slog.LevelDebug, "connection error while "+s.Purpose,
			append([]slog.Attr{
				slog.String("err", err.Error()),
				slog.String("id", s.id.String()),
			}, conn.LogAttrs()...)...)
		return s
	}
	defer db.Close()

	return s.ExecuteOn(ctx, db, lg.With(attrsToArgs(conn.LogAttrs())...))
}

// ExecuteOn runs the statement on an existing session or transaction. The
// result slots are reset first so re-execution overwrites prior state. One
// debug record describes the statement before it runs; a failure produces a
// second debug record and is stored in Err, never raised.
func (s *Statement) ExecuteOn(ctx context.Context, q Querier, lg *slog.Logger) Runnable {
	s.reset()

	lg.LogAttrs(ctx, slog.LevelDebug, s.Purpose,
		slog.String("sql", s.SQL),
		slog.String("id", s.id.String()))

	if returnsRows(s.SQL) {
		s.queryOn(ctx, q)
	} else {
		s.execOn(ctx, q)
	}

	if s.err != nil {
		lg.LogAttrs(ctx, slog.LevelDebug, "database error while "+s.Purpose,
			slog.String("err", s.err.Error()),
			slog.String("id", s.id.String()))
	}
	return s
}

func (s *Statement) queryOn(ctx context.Context, q Querier) {
	rows, err := q.QueryContext(ctx, s.SQL)
	if err != nil {
		s.err = err
		return
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		s.err = err
		return
	}
	s.columns = cols

	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			s.err = err
			return
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		s.rows = append(s.rows, vals)
	}
	if err := rows.Err(); err != nil {
		s.err = err
		return
	}
	s.rowCount = int64(len(s.rows))
}

func (s *Statement) execOn(ctx context.Context, q Querier) {
	res, err := q.ExecContext(ctx, s.SQL)
	if err != nil {
		s.err = err
		return
	}
	if n, err := res.RowsAffected(); err == nil {
		s.rowCount = n
	}
}

// Int64 reads one result value as an integer, tolerating the numeric
// representations different drivers hand back.
func (s *Statement) Int64(row, col int) (int64, error) {
	if row < 0 || col < 0 || row >= len(s.rows) || col >= len(s.rows[row]) {
		return 0, fmt.Errorf("%s: no result value at [%d][%d]", s, row, col)
	}
	switch v := s.rows[row][col].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: result value %q is not an integer", s, v)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("%s: result value at [%d][%d] is null", s, row, col)
	default:
		return 0, fmt.Errorf("%s: result value has unexpected type %T", s, v)
	}
}

var returningRe = regexp.MustCompile(`(?is)\breturning\b`)

// returnsRows decides whether the statement should run through the query
// path (capturing a result set) or the exec path (capturing an affected-row
// count). Statements with a RETURNING clause always take the query path.
func returnsRows(sqlText string) bool {
	head := strings.ToUpper(firstWord(sqlText))
	switch head {
	case "SELECT", "WITH", "VALUES", "SHOW", "EXPLAIN", "PRAGMA", "TABLE":
		return true
	}
	return returningRe.MatchString(sqlText)
}

func firstWord(s string) string {
	for _, f := range strings.Fields(s) {
		return f
	}
	return ""
}

func attrsToArgs(attrs []slog.Attr) []any {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return args
}
