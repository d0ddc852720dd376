package kv

import (
	"context"
	"errors"
	"fmt"
)

/*
Naming, following MDBX conventions:

	tx    - database transaction
	k, v  - key, value
	Table - collection of sorted key-value pairs (MDBX "dbi")
	DupSort - table created with the Sorted Duplicates option: one key can
	          hold many sorted values
	Cursor  - low-level api to navigate over a Table

Methods Naming:

	Unwind - delete recent data
	Prune  - delete old data
*/

var (
	// ErrClosed is returned by operations on a closed database.
	ErrClosed = errors.New("db closed")
	// ErrTableNotFound is returned when a table is not part of the schema.
	ErrTableNotFound = errors.New("table not found")
)

// StoreError wraps a failure reported by the database engine itself. After a
// store failure the database can no longer be trusted, so callers stop
// instead of retrying.
type StoreError struct {
	Op    string
	Table string
	Err   error
}

func (e *StoreError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("store: %s: %v, table: %s", e.Op, e.Err, e.Table)
	}
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// DBI is the numeric handle of an open table.
type DBI uint

type Closer interface {
	Close()
}

// RoDB is a read-only key-value database handle.
//
// Transactions may not cross goroutines. Read transactions see a consistent
// snapshot: a writer committing mid-read is never observed.
type RoDB interface {
	Closer

	// BeginRo opens a read transaction. Must be finished with Rollback.
	BeginRo(ctx context.Context) (Tx, error)

	// View runs f in a short-lived read transaction.
	View(ctx context.Context, f func(tx Tx) error) error

	ReadOnly() bool
	AllTables() TableCfg
	PageSize() uint64
}

// RwDB is a read-write database handle. At most one write transaction exists
// at a time; BeginRw blocks until the writer slot is free.
type RwDB interface {
	RoDB

	// BeginRw opens the write transaction. The owning goroutine is locked to
	// its OS thread until Commit or Rollback.
	BeginRw(ctx context.Context) (RwTx, error)

	// Update runs f in a write transaction and commits it if f returns nil.
	Update(ctx context.Context, f func(tx RwTx) error) error
}

type Getter interface {
	// Has indicates whether a key exists in the table.
	Has(table string, key []byte) (bool, error)

	// GetOne references a read-only section of memory valid until the end of the transaction.
	GetOne(table string, key []byte) ([]byte, error)

	// ForEach walks entries with keys >= fromPrefix until the walker returns an error.
	ForEach(table string, fromPrefix []byte, walker func(k, v []byte) error) error

	// ForPrefix walks entries whose keys start with prefix.
	ForPrefix(table string, prefix []byte, walker func(k, v []byte) error) error
}

// Putter wraps the database write operations.
type Putter interface {
	// Put inserts or updates a single entry.
	Put(table string, k, v []byte) error

	// Delete removes a single entry.
	Delete(table string, k []byte) error

	// Append adds an entry whose key sorts after every existing key in the
	// table. Fast path for bulk loading of pre-sorted data.
	Append(table string, k, v []byte) error

	// AppendDup is Append for DupSort tables.
	AppendDup(table string, k, v []byte) error

	// ClearTable removes every entry, keeping the table itself.
	ClearTable(table string) error

	// IncrementSequence reserves `amount` auto-increment ids for the table
	// and returns the first one.
	IncrementSequence(table string, amount uint64) (uint64, error)
}

// Tx is a read transaction.
//
// A Tx is not threadsafe and may only be used in the goroutine that created it.
type Tx interface {
	Getter

	// Cursor creates a cursor over the table. If the table is configured
	// DupSort the returned cursor also implements CursorDupSort.
	Cursor(table string) (Cursor, error)
	CursorDupSort(table string) (CursorDupSort, error)

	// ReadSequence returns the current auto-increment value without advancing it.
	ReadSequence(table string) (uint64, error)

	// ViewID identifies the MVCC snapshot this transaction reads.
	ViewID() uint64

	// Rollback abandons the transaction. Safe to call after Commit.
	Rollback()
}

// RwTx is the write transaction. All staged writes become durable and visible
// to future readers atomically on Commit; Rollback discards them.
type RwTx interface {
	Tx
	Putter

	RwCursor(table string) (RwCursor, error)
	RwCursorDupSort(table string) (RwCursorDupSort, error)

	Commit() error
}

// Cursor - low-level api to navigate through a table. Returned key/value are
// valid until the next cursor move or end of transaction.
type Cursor interface {
	First() ([]byte, []byte, error)               // position at first key
	Seek(seek []byte) ([]byte, []byte, error)     // position at first key >= seek
	SeekExact(key []byte) ([]byte, []byte, error) // position at exactly matching key, if any
	Next() ([]byte, []byte, error)
	Prev() ([]byte, []byte, error)
	Last() ([]byte, []byte, error)
	Current() ([]byte, []byte, error)
	Count() (uint64, error)

	Close()
}

type RwCursor interface {
	Cursor

	Put(k, v []byte) error
	Append(k, v []byte) error // keys must arrive in sorted order
	Delete(k []byte) error
	DeleteCurrent() error
}

type CursorDupSort interface {
	Cursor

	SeekBothExact(key, value []byte) ([]byte, []byte, error)
	SeekBothRange(key, value []byte) ([]byte, error) // exact key match, range value match
	FirstDup() ([]byte, error)
	NextDup() ([]byte, []byte, error)   // next value of the current key
	NextNoDup() ([]byte, []byte, error) // first value of the next key
	LastDup() ([]byte, error)
	CountDuplicates() (uint64, error)
}

type RwCursorDupSort interface {
	CursorDupSort
	RwCursor

	DeleteExact(k, v []byte) error
	DeleteCurrentDuplicates() error
	AppendDup(k, v []byte) error
}

// NextSubtree returns the key immediately after all keys prefixed by prefix.
// ok is false when the prefix is all 0xff and no such key exists.
func NextSubtree(prefix []byte) ([]byte, bool) {
	next := make([]byte, len(prefix))
	copy(next, prefix)
	for i := len(next) - 1; i >= 0; i-- {
		if next[i] != 0xff {
			next[i]++
			return next[:i+1], true
		}
	}
	return nil, false
}
