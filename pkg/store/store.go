// Package store defines the narrow keyed-storage contract the delivery
// core consumes: named tables of rows with column-family-qualified cells,
// an atomic per-row increment, race-safe row creation, reorderable
// indices, and named append/peek/consume queues. The BadgerDB-backed
// implementation lives in this package too; its persistence strategy is
// not part of the contract.
package store

import "errors"

var (
	// ErrTableNotDefined indicates an operation referenced an undefined
	// table.
	ErrTableNotDefined = errors.New("store: table not defined")
	// ErrCellNotFound indicates the requested cell does not exist.
	ErrCellNotFound = errors.New("store: cell not found")
	// ErrRowAlreadyExists is returned by RaceCreateRow when the row was
	// already claimed.
	ErrRowAlreadyExists = errors.New("store: row already exists")
	// ErrIndexNotDefined indicates an operation referenced an undefined
	// index.
	ErrIndexNotDefined = errors.New("store: index not defined")
)

// IndexEntry is one object/value pair from a reorderable index scan.
type IndexEntry struct {
	ObjectName string
	Value      int64
}

// Store is the keyed-storage engine interface. All methods are safe for
// concurrent use. Implementations must make IncrementCell atomic per cell
// and RaceCreateRow fail on the second creation of the same row.
type Store interface {
	// DefineTable registers a table and its column families. Defining an
	// existing table with the same families is a no-op.
	DefineTable(name string, columnFamilies []string) error

	// GetRow returns all cells of a row keyed "family:column". A missing
	// row yields an empty map, not an error.
	GetRow(table, row string) (map[string][]byte, error)

	// GetRowCell returns one cell value, or ErrCellNotFound.
	GetRowCell(table, row, column string) ([]byte, error)

	// PutCells writes the given cells of a row.
	PutCells(table, row string, cells map[string][]byte) error

	// IncrementCell atomically adds delta to an integer cell (absent
	// cells count as zero) and returns the new value.
	IncrementCell(table, row, column string, delta int64) (int64, error)

	// DeleteRow removes every cell of a row.
	DeleteRow(table, row string) error

	// DeleteRowCell removes one cell.
	DeleteRowCell(table, row, column string) error

	// RaceCreateRow creates a row with the given cells if and only if no
	// prior RaceCreateRow claimed it; otherwise ErrRowAlreadyExists.
	RaceCreateRow(table, row string, cells map[string][]byte) error

	// DefineReorderableIndex registers a value-ordered index on a table.
	DefineReorderableIndex(table, indexName string) error

	// UpdateIndexValue sets the index value for an object.
	UpdateIndexValue(table, indexName, objectName string, value int64) error

	// ScanIndex returns all index entries in descending value order.
	ScanIndex(table, indexName string) ([]IndexEntry, error)

	// QueueAppend appends values to a named queue.
	QueueAppend(queueName string, values [][]byte) error

	// QueuePeek returns up to count values from the head without
	// consuming them.
	QueuePeek(queueName string, count int) ([][]byte, error)

	// QueueConsume removes up to count values from the head.
	QueueConsume(queueName string, count int) error

	// Close releases the underlying engine.
	Close() error
}
