// Package sqlerr normalizes driver diagnostics into a stable error-kind
// taxonomy and holds the single benign-error policy used by every caller.
//
// All "is this failure safe to ignore under force?" decisions live here:
// one Classify function, one benign table, one Check entry point. A force
// retry treats known-benign kinds (object already exists, object missing)
// as success so re-applying a batch is idempotent; it never masks
// connectivity failures, transaction aborts, or anything unclassified.
package sqlerr

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/stratumhealth/dwetl/internal/stmt"
)

// Kind is a normalized statement failure category.
type Kind string

const (
	KindDuplicateTable  Kind = "duplicate_table"
	KindDuplicateSchema Kind = "duplicate_schema"
	KindDuplicateObject Kind = "duplicate_object"
	KindInvalidTableDef Kind = "invalid_table_definition"
	KindUndefinedTable  Kind = "undefined_table"
	KindUndefinedObject Kind = "undefined_object"
	KindConnectivity    Kind = "connectivity"
	KindAborted         Kind = "aborted"
	KindUnknown         Kind = "unknown"
)

// benign is the one shared policy table: kinds a force retry may ignore.
var benign = map[Kind]bool{
	KindDuplicateTable:  true,
	KindDuplicateSchema: true,
	KindDuplicateObject: true,
	KindInvalidTableDef: true,
	KindUndefinedTable:  true,
	KindUndefinedObject: true,
}

// Benign reports whether kind is safe to ignore under a force retry.
func Benign(kind Kind) bool { return benign[kind] }

// pgKinds maps PostgreSQL SQLSTATE codes to kinds.
var pgKinds = map[string]Kind{
	"42P07": KindDuplicateTable,
	"42P06": KindDuplicateSchema,
	"42710": KindDuplicateObject,
	"42P16": KindInvalidTableDef,
	"42P01": KindUndefinedTable,
	"42704": KindUndefinedObject,
}

// Classify normalizes err into a Kind, unwrapping as needed. Errors without
// a recognizable driver diagnostic are KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, stmt.ErrAborted) {
		return KindAborted
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		if k, ok := pgKinds[code]; ok {
			return k
		}
		// Class 08 covers every connection exception.
		if strings.HasPrefix(code, "08") {
			return KindConnectivity
		}
		return KindUnknown
	}

	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return classifySQLite(sqErr)
	}

	return KindUnknown
}

// classifySQLite maps SQLite diagnostics onto the same kinds. SQLite folds
// most schema errors into SQLITE_ERROR, so the message text is the only
// discriminator it offers.
func classifySQLite(err sqlite3.Error) Kind {
	msg := err.Error()
	switch {
	case err.Code == sqlite3.ErrCantOpen:
		return KindConnectivity
	case strings.Contains(msg, "already exists"):
		if strings.Contains(msg, "table") {
			return KindDuplicateTable
		}
		return KindDuplicateObject
	case strings.Contains(msg, "no such table"):
		return KindUndefinedTable
	case strings.Contains(msg, "no such index"), strings.Contains(msg, "no such column"):
		return KindUndefinedObject
	default:
		return KindUnknown
	}
}

// StatementError reports a statement that failed and was not excused by the
// force policy.
type StatementError struct {
	Kind    Kind
	Purpose string
	SQL     string
	err     error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("database error while %s (%s): %v", e.Purpose, e.SQL, e.err)
}

func (e *StatementError) Unwrap() error { return e.err }

// MissingDataError reports a statement that should have returned rows but
// did not.
type MissingDataError struct {
	Purpose string
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("data not returned from %s", e.Purpose)
}

// Options controls Check behavior.
type Options struct {
	// Force treats benign kinds as success.
	Force bool

	// Logger receives the raise/skip records. Nil means slog.Default().
	Logger *slog.Logger
}

// Check inspects an executed unit and returns an error when it failed.
//
// With Force set, failures whose kind is in the benign table are logged at
// debug level and excused. Everything else is wrapped in a StatementError,
// logged at error level naming the caller, and returned. The first such
// error from a batch names the authoritative failure; a batch with any
// member error must not be assumed applied.
func Check(r stmt.Runnable, caller string, opts Options) error {
	err := r.Err()
	if err == nil {
		return nil
	}

	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}

	purpose, sqlText := describe(r)
	kind := Classify(err)

	if opts.Force && Benign(kind) {
		lg.Debug("ignoring benign error while "+purpose,
			"kind", string(kind), "err", err.Error())
		return nil
	}

	serr := &StatementError{Kind: kind, Purpose: purpose, SQL: sqlText, err: err}
	lg.Error("exiting "+caller, "err", serr.Error(), "kind", string(kind))
	return serr
}

// CheckData returns a MissingDataError when a statement that must produce
// rows produced none. Call after Check.
func CheckData(s *stmt.Statement, caller string, lg *slog.Logger) error {
	if len(s.Rows()) > 0 {
		return nil
	}
	if lg == nil {
		lg = slog.Default()
	}
	err := &MissingDataError{Purpose: s.Purpose}
	lg.Error("exiting "+caller, "err", err.Error())
	return err
}

// CheckAll runs Check over every member and returns the first failure.
// Members are visited in the given order, so pass a List's members when the
// report should name the earliest statement.
func CheckAll(items []stmt.Runnable, caller string, opts Options) error {
	for _, it := range items {
		if err := Check(it, caller, opts); err != nil {
			return err
		}
	}
	return nil
}

func describe(r stmt.Runnable) (purpose, sqlText string) {
	if s, ok := r.(*stmt.Statement); ok {
		return s.Purpose, s.SQL
	}
	return fmt.Sprintf("%v", r), ""
}

// IsStatementError reports whether err is (or wraps) a StatementError,
// returning it for inspection.
func IsStatementError(err error) (*StatementError, bool) {
	var serr *StatementError
	if errors.As(err, &serr) {
		return serr, true
	}
	return nil, false
}
