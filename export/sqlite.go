// Package export converts recorded logs into formats that analysis tools
// can consume directly, one table or file per recorded stream.
package export

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"

	"github.com/cuprumlab/cuprum/culog"
	"github.com/cuprumlab/cuprum/cutask"
	"github.com/cuprumlab/cuprum/cutime"
)

// SQLiteExporter writes the contents of a log into an SQLite database, one
// table per section. Unset validity bounds become NULL.
type SQLiteExporter struct {
	*sql.DB

	dbName string
}

// NewSQLiteExporter creates an exporter writing to path + ".sqlite3". An
// empty path picks a unique name.
func NewSQLiteExporter(path string) *SQLiteExporter {
	e := &SQLiteExporter{dbName: path}
	e.init()

	atexit.Register(func() { _ = e.Close() })

	return e
}

func (e *SQLiteExporter) init() {
	if e.dbName == "" {
		e.dbName = "cuprum_export_" + xid.New().String()
	}

	filename := e.dbName + ".sqlite3"

	_, err := os.Stat(filename)
	if err == nil {
		panic(fmt.Errorf("file %s already exists", filename))
	}

	fmt.Fprintf(os.Stderr, "Database created for export: %s\n", filename)

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		panic(err)
	}

	e.DB = db
}

// Export dumps every section of the log into its own table.
func (e *SQLiteExporter) Export(r *culog.Reader) error {
	for _, spec := range r.Sections() {
		if err := e.exportSection(r, spec); err != nil {
			return fmt.Errorf("export: section %q: %w", spec.Name, err)
		}
	}

	return nil
}

func (e *SQLiteExporter) exportSection(
	r *culog.Reader,
	spec culog.SectionSpec,
) error {
	section := spec.Name
	schema := spec.Schema

	if err := e.createTable(section, schema); err != nil {
		return err
	}

	tx, err := e.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(insertSQL(section, schema))
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	it := r.Iterate(section)
	for it.Next() {
		for _, msg := range it.Messages() {
			if err := insertMessage(stmt, it.BatchIndex(), msg); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
	}

	if err := it.Err(); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := stmt.Close(); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (e *SQLiteExporter) createTable(
	section string,
	schema cutask.Schema,
) error {
	cols := []string{
		`"BatchIndex" INTEGER`,
		`"ValidStart" INTEGER`,
		`"ValidEnd" INTEGER`,
	}

	for _, f := range schema.Fields {
		cols = append(cols,
			fmt.Sprintf("%q %s", f.Name, sqlType(f.Type)))
	}

	createSQL := `CREATE TABLE ` + fmt.Sprintf("%q", section) +
		` (` + "\n\t" + strings.Join(cols, ", \n\t") + "\n" + `);`

	_, err := e.Exec(createSQL)

	return err
}

func insertSQL(section string, schema cutask.Schema) string {
	marks := make([]string, 3+len(schema.Fields))
	for i := range marks {
		marks[i] = "?"
	}

	return "INSERT INTO " + fmt.Sprintf("%q", section) +
		" VALUES (" + strings.Join(marks, ", ") + ")"
}

func insertMessage(stmt *sql.Stmt, batch int, msg *cutask.Message) error {
	validity := msg.Validity()
	start, startSet := validity.Start()
	end, endSet := validity.End()

	args := []any{
		batch,
		optionalTime(start, startSet),
		optionalTime(end, endSet),
	}

	for _, v := range msg.Values() {
		args = append(args, sqlValue(v))
	}

	_, err := stmt.Exec(args...)

	return err
}

func optionalTime(t cutime.CuTime, set bool) any {
	if !set {
		return nil
	}

	return int64(t)
}

func sqlValue(v cutask.Value) any {
	switch v.Kind() {
	case cutask.FieldUint64:
		return int64(v.AsUint64())
	case cutask.FieldInt64:
		return v.AsInt64()
	case cutask.FieldFloat64:
		return v.AsFloat64()
	case cutask.FieldBool:
		return v.AsBool()
	case cutask.FieldString:
		return v.AsString()
	case cutask.FieldBytes:
		return v.AsBytes()
	default:
		panic(fmt.Sprintf("unknown field type %d", v.Kind()))
	}
}

func sqlType(t cutask.FieldType) string {
	switch t {
	case cutask.FieldUint64, cutask.FieldInt64, cutask.FieldBool:
		return "INTEGER"
	case cutask.FieldFloat64:
		return "REAL"
	case cutask.FieldString:
		return "TEXT"
	case cutask.FieldBytes:
		return "BLOB"
	default:
		panic(fmt.Sprintf("unknown field type %d", t))
	}
}
