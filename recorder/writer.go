package recorder

import (
	"database/sql"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/fatih/structs"

	// The writer stores rows in SQLite.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
)

// Writer buffers rows in memory and writes them to tables in batches.
type Writer interface {
	CreateTable(name string, sample any)
	Insert(table string, row any)
	Tables() []string
	Flush() error
	Close() error
}

type table struct {
	rowType reflect.Type
	rows    []any
}

// SQLiteWriter is a Writer backed by a SQLite file.
type SQLiteWriter struct {
	*sql.DB

	mu        sync.Mutex
	path      string
	tables    map[string]*table
	order     []string
	batchSize int
	buffered  int
}

// NewSQLiteWriter opens a new database at path. An empty path picks a
// unique file name in the working directory. The file must not exist.
func NewSQLiteWriter(path string, batchSize int) (*SQLiteWriter, error) {
	if path == "" {
		path = "nvgpusim_" + xid.New().String() + ".sqlite3"
	}

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("recording file %s already exists", path)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if batchSize <= 0 {
		batchSize = 10000
	}

	return &SQLiteWriter{
		DB:        db,
		path:      path,
		tables:    make(map[string]*table),
		batchSize: batchSize,
	}, nil
}

// Path returns the file the writer records into.
func (w *SQLiteWriter) Path() string {
	return w.path
}

func isColumnKind(kind reflect.Kind) bool {
	switch kind {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32,
		reflect.Float32, reflect.Float64,
		reflect.String:
		return true
	default:
		return false
	}
}

// CreateTable creates a table whose columns are the fields of sample. Every
// field must be a scalar.
func (w *SQLiteWriter) CreateTable(name string, sample any) {
	t := reflect.TypeOf(sample)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !isColumnKind(f.Type.Kind()) {
			panic(fmt.Sprintf("field %s of table %s is not a scalar",
				f.Name, name))
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, dup := w.tables[name]; dup {
		panic(fmt.Sprintf("table %s created twice", name))
	}

	cols := strings.Join(structs.Names(sample), ",\n\t")
	w.mustExec("CREATE TABLE " + name + " (\n\t" + cols + "\n);")

	w.tables[name] = &table{rowType: t}
	w.order = append(w.order, name)
}

// Insert buffers a row. The buffer is flushed once it holds a batch.
func (w *SQLiteWriter) Insert(name string, row any) {
	w.mu.Lock()

	t, ok := w.tables[name]
	if !ok {
		w.mu.Unlock()
		panic(fmt.Sprintf("table %s does not exist", name))
	}

	if reflect.TypeOf(row) != t.rowType {
		w.mu.Unlock()
		panic(fmt.Sprintf("row of type %T inserted into table %s",
			row, name))
	}

	t.rows = append(t.rows, row)
	w.buffered++
	full := w.buffered >= w.batchSize

	w.mu.Unlock()

	if full {
		if err := w.Flush(); err != nil {
			panic(err)
		}
	}
}

// Tables lists the tables in creation order.
func (w *SQLiteWriter) Tables() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, len(w.order))
	copy(out, w.order)

	return out
}

// Flush writes every buffered row in one transaction.
func (w *SQLiteWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buffered == 0 {
		return nil
	}

	tx, err := w.Begin()
	if err != nil {
		return err
	}

	for _, name := range w.order {
		t := w.tables[name]
		if len(t.rows) == 0 {
			continue
		}

		if err := insertRows(tx, name, t.rows); err != nil {
			_ = tx.Rollback()
			return err
		}

		t.rows = nil
	}

	w.buffered = 0

	return tx.Commit()
}

func insertRows(tx *sql.Tx, name string, rows []any) error {
	marks := structs.Names(rows[0])
	for i := range marks {
		marks[i] = "?"
	}

	stmt, err := tx.Prepare("INSERT INTO " + name +
		" VALUES (" + strings.Join(marks, ", ") + ")")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.Exec(structs.Values(row)...); err != nil {
			return fmt.Errorf("insert into %s: %w", name, err)
		}
	}

	return nil
}

// Close flushes and closes the database.
func (w *SQLiteWriter) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}

	return w.DB.Close()
}

func (w *SQLiteWriter) mustExec(query string) {
	if _, err := w.Exec(query); err != nil {
		panic(fmt.Errorf("failed to execute %q: %w", query, err))
	}
}
