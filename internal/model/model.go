// Package model loads the warehouse table model: which tables exist, what
// their primary keys are, and which of them participate in surrogate-ID
// mapping. Models are written in CUE and compiled into plain structs; the
// allocator and the CLI consume them, nothing here touches a database.
package model

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/token"
)

// Table describes one warehouse table.
type Table struct {
	// Name is the table name as it appears in the database.
	Name string

	// PrimaryKey is the single primary key column. Multi-column keys are
	// rejected at compile time for id-mapped tables; surrogate IDs can only
	// be generated against one key column.
	PrimaryKey string

	// IDMapped reports whether the table participates in surrogate-ID
	// allocation (a counter table and map table exist for it).
	IDMapped bool

	// IDStart seeds the table's counter when it is first created.
	IDStart int64
}

// Model is a compiled table model.
type Model struct {
	Tables []Table
}

// Lookup returns the table with the given name, or nil.
func (m *Model) Lookup(name string) *Table {
	for i := range m.Tables {
		if m.Tables[i].Name == name {
			return &m.Tables[i]
		}
	}
	return nil
}

// IDMapped returns the tables that participate in ID mapping.
func (m *Model) IDMapped() []Table {
	var out []Table
	for _, t := range m.Tables {
		if t.IDMapped {
			out = append(out, t)
		}
	}
	return out
}

// CompileError reports a model file problem with its source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Load reads and compiles a CUE model file.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(path))
	return Compile(v)
}

// Compile parses a CUE value into a Model. The value must contain a
// "tables" struct keyed by table name:
//
//	tables: person: {
//		primary_key: "person_id"
//		id_mapped:   true
//		id_start:    0
//	}
//
// id_mapped defaults to true and id_start to zero. An id-mapped table must
// name exactly one primary key column.
func Compile(v cue.Value) (*Model, error) {
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile model: %w", err)
	}

	tablesVal := v.LookupPath(cue.ParsePath("tables"))
	if !tablesVal.Exists() {
		return nil, &CompileError{
			Field:   "tables",
			Message: "tables struct is required",
			Pos:     v.Pos(),
		}
	}

	iter, err := tablesVal.Fields()
	if err != nil {
		return nil, fmt.Errorf("compile model: %w", err)
	}

	m := &Model{}
	for iter.Next() {
		t, err := compileTable(iter.Selector().String(), iter.Value())
		if err != nil {
			return nil, err
		}
		m.Tables = append(m.Tables, t)
	}

	if len(m.Tables) == 0 {
		return nil, &CompileError{
			Field:   "tables",
			Message: "at least one table is required",
			Pos:     tablesVal.Pos(),
		}
	}
	return m, nil
}

func compileTable(name string, v cue.Value) (Table, error) {
	t := Table{Name: name, IDMapped: true}

	if pkVal := v.LookupPath(cue.ParsePath("primary_key")); pkVal.Exists() {
		pk, err := pkVal.String()
		if err != nil {
			return t, &CompileError{
				Field:   name + ".primary_key",
				Message: "primary_key must be a string",
				Pos:     pkVal.Pos(),
			}
		}
		t.PrimaryKey = pk
	}

	if mappedVal := v.LookupPath(cue.ParsePath("id_mapped")); mappedVal.Exists() {
		mapped, err := mappedVal.Bool()
		if err != nil {
			return t, &CompileError{
				Field:   name + ".id_mapped",
				Message: "id_mapped must be a bool",
				Pos:     mappedVal.Pos(),
			}
		}
		t.IDMapped = mapped
	}

	if startVal := v.LookupPath(cue.ParsePath("id_start")); startVal.Exists() {
		start, err := startVal.Int64()
		if err != nil {
			return t, &CompileError{
				Field:   name + ".id_start",
				Message: "id_start must be an integer",
				Pos:     startVal.Pos(),
			}
		}
		t.IDStart = start
	}

	if t.IDMapped && t.PrimaryKey == "" {
		return t, &CompileError{
			Field:   name + ".primary_key",
			Message: "an id-mapped table must name its primary key column",
			Pos:     v.Pos(),
		}
	}
	return t, nil
}
