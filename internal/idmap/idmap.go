// Package idmap reserves contiguous ranges of coordinated surrogate IDs
// and applies them to site-local record keys.
//
// One counter table per logical table holds two watermarks seeded at the
// table's floor: last_id, which ascending allocation climbs from, and
// first_id, which descending allocation drops from. An allocation locks the
// counter, counts how many data rows still lack a map entry, atomically
// moves its watermark by that amount inside the same transaction, and then
// fills exactly the unmapped rows outside the lock. Each watermark only
// ever moves away from the floor and is only touched under the lock, so
// ranges reserved by concurrent, repeated, or mixed-direction calls are
// always disjoint; a crash between reserve and assign wastes part of a
// range but never double-issues an ID.
//
// Naming follows the warehouse convention: the map table for "person" is
// "person_ids" (site_id, dcc_id) and its counter is "dcc_person_id".
package idmap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stratumhealth/dwetl/internal/dbconn"
	"github.com/stratumhealth/dwetl/internal/model"
	"github.com/stratumhealth/dwetl/internal/sqlerr"
	"github.com/stratumhealth/dwetl/internal/stmt"
)

// DefaultIDName is the coordinated-ID namespace used when Options.IDName
// is empty. It names the map column (dcc_id) and prefixes counter tables.
const DefaultIDName = "dcc"

// Options configures allocation behavior.
type Options struct {
	// IDName is the coordinated-ID namespace; empty means DefaultIDName.
	IDName string

	// Force treats benign errors (tables already present) as success so
	// setup can be re-applied.
	Force bool

	// Descending issues IDs downward from the counter's low watermark
	// instead of upward from its high watermark. Descending IDs land below
	// the table's floor, so batches issued in opposite directions against
	// the same counter never collide.
	Descending bool

	// Logger receives progress records. Nil means slog.Default().
	Logger *slog.Logger
}

func (o Options) idName() string {
	if o.IDName == "" {
		return DefaultIDName
	}
	return o.IDName
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Result reports one table's allocation outcome. OldLastID and NewLastID
// are the moved watermark's values around the reservation: the high
// watermark for ascending allocation, the low one for descending.
type Result struct {
	Table     string
	Pending   int64
	Assigned  int64
	OldLastID int64
	NewLastID int64
}

type names struct {
	table    string
	pkey     string
	mapTable string
	counter  string
	idCol    string
}

func namesFor(t model.Table, idName string) (names, error) {
	var n names
	var err error
	if n.table, err = ident(t.Name); err != nil {
		return n, err
	}
	if n.pkey, err = ident(t.PrimaryKey); err != nil {
		return n, err
	}
	id, err := ident(idName)
	if err != nil {
		return n, err
	}
	n.mapTable = n.table + "_ids"
	n.counter = id + "_" + n.table + "_id"
	n.idCol = id + "_id"
	return n, nil
}

// CreateTables creates the counter and map tables for every id-mapped
// table in the model, seeding each counter with the table's starting ID.
// Safe to re-run with Force set; existing tables are left alone and
// counter rows are never duplicated.
func CreateTables(ctx context.Context, conn dbconn.ConnInfo, m *model.Model, opts Options) error {
	d, err := dialectFor(conn.Driver)
	if err != nil {
		return err
	}
	lg := opts.logger()
	lg.Info("starting ID map table creation")

	l := stmt.NewList()
	for _, t := range m.IDMapped() {
		n, err := namesFor(t, opts.idName())
		if err != nil {
			return err
		}
		l.Append(
			stmt.NewPurpose(d.createCounterSQL(n.counter),
				fmt.Sprintf("creating %s last ID tracking table", n.table)),
			stmt.NewPurpose(d.seedCounterSQL(n.counter, t.IDStart),
				fmt.Sprintf("seeding %s last ID tracking table", n.table)),
			stmt.NewPurpose(d.createMapSQL(n.mapTable, n.idCol),
				fmt.Sprintf("creating %s ID map table", n.table)),
			stmt.NewPurpose(d.createMapIndexSQL(n.table, n.mapTable),
				fmt.Sprintf("indexing %s ID map table", n.table)),
		)
	}

	l.SerialExecute(ctx, conn, lg)
	if err := sqlerr.CheckAll(l.All(), "ID map table creation",
		sqlerr.Options{Force: opts.Force, Logger: lg}); err != nil {
		return err
	}
	lg.Info("finished ID map table creation", "tables", len(m.IDMapped()))
	return nil
}

// Reserve takes exclusive ownership of the next n IDs for a table and
// returns the moved watermark's pre- and post-reservation values; the
// reserved range is (old, new] ascending, or [new, old) descending.
// Ascending reservations advance the high watermark and descending ones
// lower the low watermark, so the two directions draw from disjoint sides
// of the floor and never reissue each other's IDs.
//
// The lock and the watermark update run in one transaction through the
// serial runner, so concurrent reservations against the same table
// serialize on the database-level lock while different tables proceed
// independently. An in-process lock would not be enough; reservations may
// come from independent processes.
func Reserve(ctx context.Context, conn dbconn.ConnInfo, t model.Table, n int64, opts Options) (old, new int64, err error) {
	d, err := dialectFor(conn.Driver)
	if err != nil {
		return 0, 0, err
	}
	nm, err := namesFor(t, opts.idName())
	if err != nil {
		return 0, 0, err
	}
	lg := opts.logger()

	col, delta := "last_id", n
	if opts.Descending {
		col, delta = "first_id", -n
	}

	l := stmt.NewList(
		stmt.NewPurpose(d.lockSQL(nm.counter),
			fmt.Sprintf("locking %s last ID tracking table for update", nm.table)),
		stmt.NewPurpose(d.reserveSQL(nm.counter, col, delta),
			fmt.Sprintf("updating %s last ID tracking table to reserve new IDs", nm.table)),
	)
	if err := l.SerialExecuteTx(ctx, conn, lg); err != nil {
		return 0, 0, fmt.Errorf("reserve IDs for %s: %w", nm.table, err)
	}
	if err := sqlerr.CheckAll(l.All(), "ID reservation", sqlerr.Options{Logger: lg}); err != nil {
		return 0, 0, err
	}

	upd := l.At(1).(*stmt.Statement)
	if err := sqlerr.CheckData(upd, "ID reservation", lg); err != nil {
		return 0, 0, err
	}
	if old, err = upd.Int64(0, 0); err != nil {
		return 0, 0, err
	}
	if new, err = upd.Int64(0, 1); err != nil {
		return 0, 0, err
	}

	lg.Info("last ID tracking table updated",
		"table", nm.table, "old_last_id", old, "new_last_id", new)
	return old, new, nil
}

// Assign runs the full allocation protocol for one table: count the data
// rows with no map entry, reserve exactly that many IDs under the counter
// lock, and insert map rows for the pending data rows in primary-key
// order. Rows that already have a map entry are untouched, so re-running
// after a partial failure assigns only the remainder and a second run
// after success assigns nothing.
func Assign(ctx context.Context, conn dbconn.ConnInfo, t model.Table, opts Options) (Result, error) {
	d, err := dialectFor(conn.Driver)
	if err != nil {
		return Result{}, err
	}
	nm, err := namesFor(t, opts.idName())
	if err != nil {
		return Result{}, err
	}
	lg := opts.logger()
	res := Result{Table: nm.table}

	count := stmt.NewPurpose(d.countPendingSQL(nm.table, nm.pkey, nm.mapTable),
		fmt.Sprintf("counting new IDs needed for %s", nm.table))
	count.Execute(ctx, conn, lg)
	if err := sqlerr.Check(count, "ID mapping", sqlerr.Options{Logger: lg}); err != nil {
		return res, err
	}
	if err := sqlerr.CheckData(count, "ID mapping", lg); err != nil {
		return res, err
	}
	if res.Pending, err = count.Int64(0, 0); err != nil {
		return res, err
	}
	lg.Info("counted new IDs needed", "table", nm.table, "count", res.Pending)

	if res.Pending == 0 {
		return res, nil
	}

	if res.OldLastID, res.NewLastID, err = Reserve(ctx, conn, t, res.Pending, opts); err != nil {
		return res, err
	}

	insert := stmt.NewPurpose(
		d.assignSQL(nm.table, nm.pkey, nm.mapTable, nm.idCol, res.OldLastID, opts.Descending),
		fmt.Sprintf("inserting new %s ID mappings into map table", nm.table))
	insert.Execute(ctx, conn, lg)
	if err := sqlerr.Check(insert, "ID mapping", sqlerr.Options{Logger: lg}); err != nil {
		return res, err
	}
	res.Assigned = insert.RowCount()

	lg.Info("generated new ID mappings",
		"table", nm.table, "count", res.Assigned)
	return res, nil
}

// Pair is one externally supplied site key and its coordinated ID.
type Pair struct {
	SiteID int64
	ID     int64
}

// MapExternal maps an explicit list of site IDs for a table, for keys that
// arrive from outside the warehouse rather than from the table's own rows.
// It reserves one ID per site ID, inserts the pairs in parallel skipping
// any site ID already mapped, and reads the final mapping back. IDs
// reserved for already-mapped site IDs are discarded, never reissued.
func MapExternal(ctx context.Context, conn dbconn.ConnInfo, t model.Table, siteIDs []int64, opts Options) ([]Pair, error) {
	nm, err := namesFor(t, opts.idName())
	if err != nil {
		return nil, err
	}
	d, err := dialectFor(conn.Driver)
	if err != nil {
		return nil, err
	}
	lg := opts.logger()
	if len(siteIDs) == 0 {
		return nil, nil
	}

	old, _, err := Reserve(ctx, conn, t, int64(len(siteIDs)), opts)
	if err != nil {
		return nil, err
	}

	set := stmt.NewSet()
	for i, site := range siteIDs {
		id := old + int64(i) + 1
		if opts.Descending {
			id = old - int64(i) - 1
		}
		set.Add(stmt.NewPurpose(d.mapPairSQL(nm.mapTable, nm.idCol, site, id),
			fmt.Sprintf("mapping external ID %d for %s", site, nm.table)))
	}
	if err := set.ParallelExecute(ctx, conn, stmt.PoolOptions{Logger: lg}); err != nil {
		return nil, err
	}
	if err := sqlerr.CheckAll(set.All(), "external ID mapping",
		sqlerr.Options{Logger: lg}); err != nil {
		return nil, err
	}

	sel := stmt.NewPurpose(d.selectMappingSQL(nm.mapTable, nm.idCol, siteIDs),
		fmt.Sprintf("reading back external %s ID mappings", nm.table))
	sel.Execute(ctx, conn, lg)
	if err := sqlerr.Check(sel, "external ID mapping", sqlerr.Options{Logger: lg}); err != nil {
		return nil, err
	}

	pairs := make([]Pair, 0, sel.RowCount())
	for i := int64(0); i < sel.RowCount(); i++ {
		var p Pair
		if p.SiteID, err = sel.Int64(int(i), 0); err != nil {
			return nil, err
		}
		if p.ID, err = sel.Int64(int(i), 1); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	lg.Info("mapped external IDs", "table", nm.table, "count", len(pairs))
	return pairs, nil
}

// AssignAll runs Assign for every id-mapped table in the model and returns
// the per-table results. It stops at the first table whose allocation
// fails; earlier tables' assignments stand (each table's allocation is
// independently atomic).
func AssignAll(ctx context.Context, conn dbconn.ConnInfo, m *model.Model, opts Options) ([]Result, error) {
	var out []Result
	for _, t := range m.IDMapped() {
		res, err := Assign(ctx, conn, t, opts)
		if err != nil {
			return out, fmt.Errorf("allocating IDs for %s: %w", t.Name, err)
		}
		out = append(out, res)
	}
	return out, nil
}
