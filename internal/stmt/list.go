package stmt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stratumhealth/dwetl/internal/dbconn"
)

// ErrAborted marks list members that were never attempted because an
// earlier member of the same transaction failed. Wrapped into each
// abandoned member's error; match with errors.Is.
var ErrAborted = errors.New("aborted due to prior failure in transaction")

// List is an ordered collection of Runnables executed strictly in order.
// It is mutated in place by execution and returned for chained inspection.
type List struct {
	items []Runnable
}

// NewList creates a list holding the given units in order.
func NewList(items ...Runnable) *List {
	return &List{items: append([]Runnable(nil), items...)}
}

// Append adds units to the end of the list.
func (l *List) Append(items ...Runnable) { l.items = append(l.items, items...) }

// Len returns the number of members.
func (l *List) Len() int { return len(l.items) }

// At returns the member at index i.
func (l *List) At(i int) Runnable { return l.items[i] }

// All returns the members in order.
func (l *List) All() []Runnable { return l.items }

// SerialExecute runs each member in order, each on its own session and
// implicit transaction boundary. One member's failure does not prevent
// later members from running; the caller must check every member's Err
// afterward. Returns the list itself.
func (l *List) SerialExecute(ctx context.Context, conn dbconn.ConnInfo, lg *slog.Logger) *List {
	if lg == nil {
		lg = slog.Default()
	}
	lg.LogAttrs(ctx, slog.LevelInfo, "executing statement list serially",
		append([]slog.Attr{
			slog.Int("len", l.Len()),
			slog.Bool("transaction", false),
		}, conn.LogAttrs()...)...)

	for i, it := range l.items {
		l.items[i] = it.Execute(ctx, conn, lg)
	}
	return l
}

// SerialExecuteTx runs every member in order on one session inside a single
// transaction. Every member must implement TxRunnable.
//
// If a member fails, the transaction is rolled back and each later member
// is marked with ErrAborted instead of being attempted, so no effect of any
// member survives. The transaction commits only when every member
// succeeded. The returned error reports infrastructure failures only
// (cannot connect, begin, or commit); statement failures stay on the
// members.
func (l *List) SerialExecuteTx(ctx context.Context, conn dbconn.ConnInfo, lg *slog.Logger) error {
	if lg == nil {
		lg = slog.Default()
	}
	lg.LogAttrs(ctx, slog.LevelInfo, "executing statement list serially",
		append([]slog.Attr{
			slog.Int("len", l.Len()),
			slog.Bool("transaction", true),
		}, conn.LogAttrs()...)...)

	txItems := make([]TxRunnable, len(l.items))
	for i, it := range l.items {
		tr, ok := it.(TxRunnable)
		if !ok {
			return fmt.Errorf("list member %d (%v) cannot run in a transaction", i, it)
		}
		txItems[i] = tr
	}

	db, err := conn.Open(ctx)
	if err != nil {
		return fmt.Errorf("serial execute in transaction: %w", err)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	failed := -1
	for i, it := range txItems {
		if failed >= 0 {
			it.Abort(fmt.Errorf("%w (member %d failed first)", ErrAborted, failed))
			l.items[i] = it
			continue
		}
		l.items[i] = it.ExecuteOn(ctx, tx, lg)
		if l.items[i].Err() != nil {
			failed = i
		}
	}

	if failed >= 0 {
		if err := tx.Rollback(); err != nil {
			return fmt.Errorf("rollback after member %d failed: %w", failed, err)
		}
		return nil
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
