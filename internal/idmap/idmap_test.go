package idmap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stratumhealth/dwetl/internal/dbconn"
	"github.com/stratumhealth/dwetl/internal/model"
	"github.com/stratumhealth/dwetl/internal/sqlerr"
	"github.com/stratumhealth/dwetl/internal/testutil"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testModel = &model.Model{
	Tables: []model.Table{
		{Name: "person", PrimaryKey: "person_id", IDMapped: true, IDStart: 100},
		{Name: "visit", PrimaryKey: "visit_id", IDMapped: true, IDStart: 0},
		{Name: "vocabulary", PrimaryKey: "vocabulary_id"},
	},
}

// warehouse builds the data tables and the allocator's own tables, then
// seeds person with npersons rows.
func warehouse(t *testing.T, npersons int) dbconn.ConnInfo {
	t.Helper()
	conn := testutil.SQLiteConn(t)
	testutil.Seed(t, conn,
		"CREATE TABLE person (person_id bigint NOT NULL, name text)",
		"CREATE TABLE visit (visit_id bigint NOT NULL, person_id bigint)",
	)
	for i := 1; i <= npersons; i++ {
		testutil.Seed(t, conn,
			fmt.Sprintf("INSERT INTO person (person_id) VALUES (%d)", i*10))
	}
	opts := Options{Logger: quiet()}
	if err := CreateTables(context.Background(), conn, testModel, opts); err != nil {
		t.Fatalf("CreateTables: %v", err)
	}
	return conn
}

func TestCreateTablesSeedsCounters(t *testing.T) {
	conn := warehouse(t, 0)
	if got := testutil.QueryInt(t, conn, "SELECT last_id FROM dcc_person_id"); got != 100 {
		t.Fatalf("person high watermark seeded to %d, want 100", got)
	}
	if got := testutil.QueryInt(t, conn, "SELECT first_id FROM dcc_person_id"); got != 100 {
		t.Fatalf("person low watermark seeded to %d, want 100", got)
	}
	if got := testutil.QueryInt(t, conn, "SELECT last_id FROM dcc_visit_id"); got != 0 {
		t.Fatalf("visit counter seeded to %d, want 0", got)
	}
	// Tables that are not id-mapped get no counter.
	if got := testutil.QueryInt(t, conn,
		"SELECT COUNT(*) FROM sqlite_master WHERE name = 'dcc_vocabulary_id'"); got != 0 {
		t.Fatal("counter created for non-id-mapped table")
	}
}

func TestCreateTablesRerunNeedsForce(t *testing.T) {
	conn := warehouse(t, 0)
	ctx := context.Background()

	err := CreateTables(ctx, conn, testModel, Options{Logger: quiet()})
	if err == nil {
		t.Fatal("re-run without force should fail on existing tables")
	}
	se, ok := sqlerr.IsStatementError(err)
	if !ok {
		t.Fatalf("got %T, want *sqlerr.StatementError", err)
	}
	if !sqlerr.Benign(se.Kind) {
		t.Fatalf("re-run failure kind %q should be benign", se.Kind)
	}

	if err := CreateTables(ctx, conn, testModel, Options{Force: true, Logger: quiet()}); err != nil {
		t.Fatalf("re-run with force: %v", err)
	}
	// Counter rows are never doubled by a forced re-run.
	if got := testutil.QueryInt(t, conn, "SELECT COUNT(*) FROM dcc_person_id"); got != 1 {
		t.Fatalf("person counter has %d rows after forced re-run, want 1", got)
	}
}

func TestAssignFillsPendingRows(t *testing.T) {
	conn := warehouse(t, 15)
	ctx := context.Background()
	opts := Options{Logger: quiet()}
	person := *testModel.Lookup("person")

	res, err := Assign(ctx, conn, person, opts)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.Pending != 15 || res.Assigned != 15 {
		t.Fatalf("pending=%d assigned=%d, want 15/15", res.Pending, res.Assigned)
	}
	if res.OldLastID != 100 || res.NewLastID != 115 {
		t.Fatalf("reserved (%d, %d], want (100, 115]", res.OldLastID, res.NewLastID)
	}

	if got := testutil.QueryInt(t, conn, "SELECT COUNT(*) FROM person_ids"); got != 15 {
		t.Fatalf("map table has %d rows, want 15", got)
	}
	if got := testutil.QueryInt(t, conn, "SELECT MIN(dcc_id) FROM person_ids"); got != 101 {
		t.Fatalf("min assigned ID %d, want 101", got)
	}
	if got := testutil.QueryInt(t, conn, "SELECT MAX(dcc_id) FROM person_ids"); got != 115 {
		t.Fatalf("max assigned ID %d, want 115", got)
	}
	if got := testutil.QueryInt(t, conn, "SELECT COUNT(DISTINCT dcc_id) FROM person_ids"); got != 15 {
		t.Fatal("assigned IDs are not unique")
	}
	// IDs follow primary-key order.
	if got := testutil.QueryInt(t, conn,
		"SELECT dcc_id FROM person_ids WHERE site_id = 10"); got != 101 {
		t.Fatalf("lowest site key mapped to %d, want 101", got)
	}
}

func TestAssignIsIdempotent(t *testing.T) {
	conn := warehouse(t, 5)
	ctx := context.Background()
	opts := Options{Logger: quiet()}
	person := *testModel.Lookup("person")

	if _, err := Assign(ctx, conn, person, opts); err != nil {
		t.Fatalf("first Assign: %v", err)
	}
	res, err := Assign(ctx, conn, person, opts)
	if err != nil {
		t.Fatalf("second Assign: %v", err)
	}
	if res.Pending != 0 || res.Assigned != 0 {
		t.Fatalf("second run pending=%d assigned=%d, want 0/0", res.Pending, res.Assigned)
	}
	if got := testutil.QueryInt(t, conn, "SELECT COUNT(*) FROM person_ids"); got != 5 {
		t.Fatalf("map table has %d rows after second run, want 5", got)
	}
}

func TestAssignPicksUpNewRows(t *testing.T) {
	conn := warehouse(t, 3)
	ctx := context.Background()
	opts := Options{Logger: quiet()}
	person := *testModel.Lookup("person")

	if _, err := Assign(ctx, conn, person, opts); err != nil {
		t.Fatalf("first Assign: %v", err)
	}
	testutil.Seed(t, conn, "INSERT INTO person (person_id) VALUES (999)")

	res, err := Assign(ctx, conn, person, opts)
	if err != nil {
		t.Fatalf("second Assign: %v", err)
	}
	if res.OldLastID != 103 || res.NewLastID != 104 {
		t.Fatalf("second batch reserved (%d, %d], want (103, 104]", res.OldLastID, res.NewLastID)
	}
	if got := testutil.QueryInt(t, conn,
		"SELECT dcc_id FROM person_ids WHERE site_id = 999"); got != 104 {
		t.Fatalf("new row mapped to %d, want 104", got)
	}
}

func TestTablesAllocateIndependently(t *testing.T) {
	conn := warehouse(t, 2)
	ctx := context.Background()
	opts := Options{Logger: quiet()}
	testutil.Seed(t, conn,
		"INSERT INTO visit (visit_id, person_id) VALUES (1, 10)",
		"INSERT INTO visit (visit_id, person_id) VALUES (2, 20)",
		"INSERT INTO visit (visit_id, person_id) VALUES (3, 20)",
	)

	results, err := AssignAll(ctx, conn, testModel, opts)
	if err != nil {
		t.Fatalf("AssignAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	// Each table draws from its own counter.
	if results[0].Table != "person" || results[0].NewLastID != 102 {
		t.Fatalf("person result = %+v", results[0])
	}
	if results[1].Table != "visit" || results[1].NewLastID != 3 {
		t.Fatalf("visit result = %+v", results[1])
	}
}

func TestReserveRangesAreDisjoint(t *testing.T) {
	conn := warehouse(t, 0)
	ctx := context.Background()
	opts := Options{Logger: quiet()}
	person := *testModel.Lookup("person")

	sizes := []int64{5, 7, 12}
	last := int64(100)
	for _, n := range sizes {
		old, new_, err := Reserve(ctx, conn, person, n, opts)
		if err != nil {
			t.Fatalf("Reserve(%d): %v", n, err)
		}
		if old != last {
			t.Fatalf("reservation of %d started at %d, want %d", n, old, last)
		}
		if new_ != old+n {
			t.Fatalf("reservation of %d ended at %d, want %d", n, new_, old+n)
		}
		last = new_
	}
	if got := testutil.QueryInt(t, conn, "SELECT last_id FROM dcc_person_id"); got != 124 {
		t.Fatalf("counter at %d after reservations, want 124", got)
	}
}

func TestConcurrentReservationsDoNotOverlap(t *testing.T) {
	conn := warehouse(t, 0)
	ctx := context.Background()
	person := *testModel.Lookup("person")

	// Two callers race on the same counter. The database-level lock
	// serializes them, so neither update is lost and the ranges cannot
	// overlap, whichever order they land in.
	type span struct{ old, new int64 }
	sizes := []int64{5, 7}
	spans := make([]span, len(sizes))
	errs := make([]error, len(sizes))

	var wg sync.WaitGroup
	for i, n := range sizes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			old, new_, err := Reserve(ctx, conn, person, n, Options{Logger: quiet()})
			spans[i] = span{old, new_}
			errs[i] = err
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Reserve(%d): %v", sizes[i], err)
		}
	}
	for i, s := range spans {
		if s.new != s.old+sizes[i] {
			t.Errorf("reservation of %d spans (%d, %d], want width %d", sizes[i], s.old, s.new, sizes[i])
		}
	}
	a, b := spans[0], spans[1]
	if a.old < b.new && b.old < a.new {
		t.Errorf("ranges (%d, %d] and (%d, %d] overlap", a.old, a.new, b.old, b.new)
	}
	if got := testutil.QueryInt(t, conn, "SELECT last_id FROM dcc_person_id"); got != 112 {
		t.Fatalf("counter at %d after racing reservations, want 112", got)
	}
}

func TestAssignAfterAbandonedReservation(t *testing.T) {
	conn := warehouse(t, 10)
	ctx := context.Background()
	opts := Options{Logger: quiet()}
	person := *testModel.Lookup("person")

	// A reservation whose assignment never ran leaves a gap in the ID
	// space. A later allocation must start above it, never inside it.
	if _, _, err := Reserve(ctx, conn, person, 5, opts); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	res, err := Assign(ctx, conn, person, opts)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.OldLastID != 105 || res.NewLastID != 115 {
		t.Fatalf("reserved (%d, %d], want (105, 115]", res.OldLastID, res.NewLastID)
	}
	if got := testutil.QueryInt(t, conn, "SELECT MIN(dcc_id) FROM person_ids"); got != 106 {
		t.Fatalf("min assigned ID %d, want 106", got)
	}
}

func TestDescendingAllocation(t *testing.T) {
	conn := warehouse(t, 4)
	ctx := context.Background()
	opts := Options{Descending: true, Logger: quiet()}
	person := *testModel.Lookup("person")

	res, err := Assign(ctx, conn, person, opts)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.OldLastID != 100 || res.NewLastID != 96 {
		t.Fatalf("reserved [%d, %d), want [96, 100)", res.NewLastID, res.OldLastID)
	}
	if got := testutil.QueryInt(t, conn, "SELECT MAX(dcc_id) FROM person_ids"); got != 99 {
		t.Fatalf("max assigned ID %d, want 99", got)
	}
	if got := testutil.QueryInt(t, conn, "SELECT MIN(dcc_id) FROM person_ids"); got != 96 {
		t.Fatalf("min assigned ID %d, want 96", got)
	}
	// Lowest primary key still gets the ID closest to the old counter.
	if got := testutil.QueryInt(t, conn,
		"SELECT dcc_id FROM person_ids WHERE site_id = 10"); got != 99 {
		t.Fatalf("lowest site key mapped to %d, want 99", got)
	}
	// The high watermark is untouched; only the low one moved.
	if got := testutil.QueryInt(t, conn, "SELECT last_id FROM dcc_person_id"); got != 100 {
		t.Fatalf("high watermark moved to %d, want 100", got)
	}
}

func TestMixedDirectionAllocationKeepsIDsDistinct(t *testing.T) {
	conn := warehouse(t, 10)
	ctx := context.Background()
	person := *testModel.Lookup("person")

	up, err := Assign(ctx, conn, person, Options{Logger: quiet()})
	if err != nil {
		t.Fatalf("ascending Assign: %v", err)
	}
	if up.OldLastID != 100 || up.NewLastID != 110 {
		t.Fatalf("ascending reserved (%d, %d], want (100, 110]", up.OldLastID, up.NewLastID)
	}

	for i := 11; i <= 15; i++ {
		testutil.Seed(t, conn,
			fmt.Sprintf("INSERT INTO person (person_id) VALUES (%d)", i*10))
	}
	down, err := Assign(ctx, conn, person, Options{Descending: true, Logger: quiet()})
	if err != nil {
		t.Fatalf("descending Assign: %v", err)
	}
	if down.OldLastID != 100 || down.NewLastID != 95 {
		t.Fatalf("descending reserved [%d, %d), want [95, 100)", down.NewLastID, down.OldLastID)
	}

	// Opposite directions draw from opposite sides of the floor, so no ID
	// is ever handed out twice.
	if got := testutil.QueryInt(t, conn,
		"SELECT COUNT(*) - COUNT(DISTINCT dcc_id) FROM person_ids"); got != 0 {
		t.Fatalf("%d duplicate IDs issued across directions, want 0", got)
	}
	if got := testutil.QueryInt(t, conn,
		"SELECT COUNT(*) FROM person_ids WHERE dcc_id = 100"); got != 0 {
		t.Fatal("floor ID 100 was issued; it belongs to neither direction")
	}
	if got := testutil.QueryInt(t, conn, "SELECT MIN(dcc_id) FROM person_ids"); got != 95 {
		t.Fatalf("min assigned ID %d, want 95", got)
	}
	if got := testutil.QueryInt(t, conn, "SELECT MAX(dcc_id) FROM person_ids"); got != 110 {
		t.Fatalf("max assigned ID %d, want 110", got)
	}
}

func TestMapExternal(t *testing.T) {
	conn := warehouse(t, 0)
	ctx := context.Background()
	opts := Options{Logger: quiet()}
	visit := *testModel.Lookup("visit")

	pairs, err := MapExternal(ctx, conn, visit, []int64{503, 501, 502}, opts)
	if err != nil {
		t.Fatalf("MapExternal: %v", err)
	}
	if len(pairs) != 3 {
		t.Fatalf("got %d pairs, want 3", len(pairs))
	}
	for i, want := range []int64{501, 502, 503} {
		if pairs[i].SiteID != want {
			t.Fatalf("pair %d has site ID %d, want %d", i, pairs[i].SiteID, want)
		}
		if pairs[i].ID < 1 || pairs[i].ID > 3 {
			t.Fatalf("site %d mapped to %d, outside (0, 3]", pairs[i].SiteID, pairs[i].ID)
		}
	}

	// Re-mapping an already-mapped site ID keeps its existing mapping.
	again, err := MapExternal(ctx, conn, visit, []int64{502, 504}, opts)
	if err != nil {
		t.Fatalf("second MapExternal: %v", err)
	}
	if len(again) != 2 {
		t.Fatalf("got %d pairs, want 2", len(again))
	}
	if again[0].SiteID != 502 || again[0].ID != pairs[1].ID {
		t.Fatalf("site 502 remapped: %+v, originally %+v", again[0], pairs[1])
	}
	if again[1].SiteID != 504 || again[1].ID <= 3 {
		t.Fatalf("site 504 mapped to %+v, want fresh ID above 3", again[1])
	}
	if got := testutil.QueryInt(t, conn, "SELECT COUNT(*) FROM visit_ids"); got != 4 {
		t.Fatalf("map table has %d rows, want 4", got)
	}
}

func TestMapExternalEmpty(t *testing.T) {
	conn := warehouse(t, 0)
	pairs, err := MapExternal(context.Background(), conn, *testModel.Lookup("visit"), nil,
		Options{Logger: quiet()})
	if err != nil {
		t.Fatalf("MapExternal: %v", err)
	}
	if pairs != nil {
		t.Fatalf("got %v, want nil", pairs)
	}
}

func TestRejectsUnsafeNames(t *testing.T) {
	conn := testutil.SQLiteConn(t)
	bad := model.Table{Name: "person; DROP TABLE person", PrimaryKey: "person_id", IDMapped: true}
	_, err := Assign(context.Background(), conn, bad, Options{Logger: quiet()})
	if err == nil {
		t.Fatal("unsafe table name accepted")
	}
	var se *sqlerr.StatementError
	if errors.As(err, &se) {
		t.Fatal("name rejection should happen before any statement runs")
	}
}
