// Package marrow is an embedded, single-file document database: a paged
// storage engine with a write-ahead log, a bounded page cache, MVCC-style
// multi-reader/single-writer transactions, ordered skiplist indexes, and a
// vector similarity index.
package marrow

import (
	"context"
	"fmt"

	engine "github.com/marrowdb/marrow/internal/marrow"
	"github.com/marrowdb/marrow/internal/pkg/logging"
)

// Re-exported engine types; the root package is a thin, transaction-aware
// veneer over internal/marrow.
type (
	Document    = engine.Document
	DocField    = engine.DocField
	BsonValue   = engine.BsonValue
	BsonType    = engine.BsonType
	ObjectID    = engine.ObjectID
	Collation   = engine.Collation
	Pragmas     = engine.Pragmas
	IndexEntry  = engine.IndexEntry
	AutoIDMode  = engine.AutoIDMode
	Filter      = engine.Filter
	Cursor      = engine.Cursor
	EngineError = engine.EngineError
	ErrorCode   = engine.ErrorCode

	VectorMetric   = engine.VectorMetric
	RebuildOptions = engine.RebuildOptions
)

const (
	AutoIDObjectID = engine.AutoIDObjectID
	AutoIDInt64    = engine.AutoIDInt64

	VectorMetricCosine    = engine.VectorMetricCosine
	VectorMetricEuclidean = engine.VectorMetricEuclidean
	VectorMetricDot       = engine.VectorMetricDot

	MemoryFilename = engine.MemoryFilename
)

// BSON value constructors.
var (
	NewDocument   = engine.NewDocument
	Null          = engine.Null
	Int32         = engine.Int32
	Int64         = engine.Int64
	Double        = engine.Double
	Decimal       = engine.Decimal
	String        = engine.String
	Binary        = engine.Binary
	Boolean       = engine.Boolean
	DateTime      = engine.DateTime
	Array         = engine.Array
	DocumentValue = engine.DocumentValue
	ObjectIDValue = engine.ObjectIDValue
	Guid          = engine.Guid
	Vector        = engine.Vector
	NewObjectID   = engine.NewObjectID
	ParseObjectID = engine.ParseObjectID
	NewGuid       = engine.NewGuid

	// CodeOf extracts the stable numeric code from any engine error.
	CodeOf = engine.CodeOf
)

// DB is an open database handle.
type DB struct {
	engine *engine.Engine
}

// Open opens (or creates) the database described by a connection string,
// e.g. "./app.db?collation=en-US/IgnoreCase" or ":memory:".
func Open(connStr string) (*DB, error) {
	config, err := ParseConnectionString(connStr)
	if err != nil {
		return nil, err
	}

	logConf := logging.DefaultConfig()
	logConf.Level = config.GetZapLevel()
	logger, err := logConf.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	opts, err := config.engineOptions(logger)
	if err != nil {
		return nil, err
	}
	eng, err := engine.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DB{engine: eng}, nil
}

// Begin opens an explicit transaction. Read-only transactions may run
// concurrently; writers to the same collection are serialized.
func (db *DB) Begin(ctx context.Context, readOnly bool) (*Tx, error) {
	tx, txCtx, err := db.engine.Begin(ctx, readOnly)
	if err != nil {
		return nil, err
	}
	return &Tx{db: db, tx: tx, ctx: txCtx}, nil
}

// Update runs fn inside a write transaction, committing on success and
// rolling back on error.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return db.run(ctx, false, fn)
}

// View runs fn inside a read-only transaction.
func (db *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	return db.run(ctx, true, fn)
}

func (db *DB) run(ctx context.Context, readOnly bool, fn func(tx *Tx) error) error {
	tx, err := db.Begin(ctx, readOnly)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// CollectionNames lists the database's collections.
func (db *DB) CollectionNames() []string {
	return db.engine.CollectionNames()
}

// Checkpoint copies confirmed log pages into the data file and truncates
// the log, returning the number of pages flushed.
func (db *DB) Checkpoint(ctx context.Context) (int, error) {
	return db.engine.Checkpoint(ctx)
}

// Rebuild rewrites the database into a fresh file, preserving the old one
// compressed with a "-backup" suffix. Returns the change in data-file size.
func (db *DB) Rebuild(ctx context.Context, opts RebuildOptions) (int64, error) {
	return db.engine.Rebuild(ctx, opts)
}

// GetPragmas returns the persisted pragma values.
func (db *DB) GetPragmas() Pragmas {
	return db.engine.Pragmas()
}

// SetPragmas applies fn to the persisted pragmas under an exclusive lock.
func (db *DB) SetPragmas(ctx context.Context, fn func(*Pragmas)) error {
	return db.engine.UpdatePragmas(ctx, fn)
}

// Close checkpoints and releases both files. Close is idempotent.
func (db *DB) Close(ctx context.Context) error {
	return db.engine.Close(ctx)
}
