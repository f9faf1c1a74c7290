package idmap

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// dialect builds the allocator's SQL for one driver. The protocol is the
// same everywhere; only the lock statement and the shape of the atomic
// reserve differ.
//
// postgres: LOCK TABLE takes an exclusive row lock on the counter for the
// life of the transaction, and the reserve reads old and new values through
// a self-join UPDATE ... RETURNING.
//
// sqlite3: there is no LOCK statement; the database serializes writers at
// the file level, so the lock slot is a self-assignment UPDATE that takes
// the writer lock for the rest of the transaction, and the reserve reads
// the new value back with RETURNING, deriving the old value by subtraction.
type dialect struct {
	driver string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "postgres", "sqlite3":
		return dialect{driver: driver}, nil
	default:
		return dialect{}, fmt.Errorf("no ID allocation dialect for driver %q", driver)
	}
}

func (d dialect) lockSQL(counter string) string {
	if d.driver == "sqlite3" {
		return fmt.Sprintf("UPDATE %s SET last_id = last_id", counter)
	}
	return fmt.Sprintf("LOCK TABLE %s IN ACCESS EXCLUSIVE MODE", counter)
}

// reserveSQL atomically moves one of the counter's watermark columns by
// delta (positive for last_id, negative for first_id) and returns one row
// holding the pre-move and post-move values, in that order.
func (d dialect) reserveSQL(counter, col string, delta int64) string {
	if d.driver == "sqlite3" {
		return fmt.Sprintf(
			"UPDATE %s SET %s = %s + (%d) RETURNING %s - (%d), %s",
			counter, col, col, delta, col, delta, col)
	}
	return fmt.Sprintf(
		"UPDATE %s AS new SET %s = new.%s + (%d) FROM %s AS old RETURNING old.%s, new.%s",
		counter, col, col, delta, counter, col, col)
}

func (d dialect) countPendingSQL(table, pkey, mapTable string) string {
	return fmt.Sprintf(
		"SELECT COUNT(*) FROM %s LEFT JOIN %s ON %s = site_id WHERE site_id IS NULL",
		table, mapTable, pkey)
}

// assignSQL inserts a map row for every pending data row, numbering the
// pending rows in primary-key order so the mapping is reproducible. For
// ascending allocation row i (1-based) receives oldLastID + i; descending
// allocation hands out oldLastID - i.
func (d dialect) assignSQL(table, pkey, mapTable, idCol string, oldLastID int64, descending bool) string {
	op := "+"
	if descending {
		op = "-"
	}
	return fmt.Sprintf(
		"INSERT INTO %s (site_id, %s) "+
			"SELECT %s, (%d) %s row_number() OVER (ORDER BY %s) "+
			"FROM %s LEFT JOIN %s ON %s = site_id WHERE site_id IS NULL",
		mapTable, idCol, pkey, oldLastID, op, pkey, table, mapTable, pkey)
}

// createCounterSQL builds the one-row counter table. last_id is the high
// watermark ascending allocation climbs from; first_id is the low watermark
// descending allocation drops from. Both start at the table's floor and
// only ever move away from it, so the two ranges can never overlap.
func (d dialect) createCounterSQL(counter string) string {
	return fmt.Sprintf(
		"CREATE TABLE %s (last_id bigint NOT NULL, first_id bigint NOT NULL)",
		counter)
}

// seedCounterSQL inserts the counter row only when the table is empty, so
// re-running setup under force never doubles the row.
func (d dialect) seedCounterSQL(counter string, start int64) string {
	return fmt.Sprintf(
		"INSERT INTO %s (last_id, first_id) SELECT %d, %d WHERE NOT EXISTS (SELECT 1 FROM %s)",
		counter, start, start, counter)
}

func (d dialect) createMapSQL(mapTable, idCol string) string {
	return fmt.Sprintf(
		"CREATE TABLE %s (site_id bigint NOT NULL, %s bigint NOT NULL)",
		mapTable, idCol)
}

func (d dialect) createMapIndexSQL(table, mapTable string) string {
	return fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s_maps_idx_site ON %s (site_id)",
		table, mapTable)
}

// mapPairSQL inserts one explicit (site_id, id) pair unless the site ID is
// already mapped. The guard makes externally supplied mappings re-runnable
// without a unique constraint on the map table.
func (d dialect) mapPairSQL(mapTable, idCol string, siteID, id int64) string {
	return fmt.Sprintf(
		"INSERT INTO %s (site_id, %s) SELECT %d, %d "+
			"WHERE NOT EXISTS (SELECT 1 FROM %s WHERE site_id = %d)",
		mapTable, idCol, siteID, id, mapTable, siteID)
}

func (d dialect) selectMappingSQL(mapTable, idCol string, siteIDs []int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT site_id, %s FROM %s WHERE site_id IN (", idCol, mapTable)
	for i, id := range siteIDs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d", id)
	}
	b.WriteString(") ORDER BY site_id")
	return b.String()
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ident NFC-normalizes a name and verifies it is a plain SQL identifier
// before it is interpolated into a statement template. Everything else is
// rejected; the allocator never quotes its way around a strange name.
func ident(name string) (string, error) {
	n := norm.NFC.String(name)
	if !identRe.MatchString(n) {
		return "", fmt.Errorf("identifier %q is not usable in ID map SQL", name)
	}
	return n, nil
}
