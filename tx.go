package marrow

import (
	"context"

	engine "github.com/marrowdb/marrow/internal/marrow"
)

// Tx is an explicit transaction handle. All collection operations obtained
// through it share one snapshot view of the database.
type Tx struct {
	db   *DB
	tx   *engine.Transaction
	ctx  context.Context
	done bool
}

// Collection resolves a collection handle inside this transaction,
// creating the collection when create is set.
func (t *Tx) Collection(name string, create bool) (*Collection, error) {
	col, err := t.db.engine.GetCollection(t.ctx, name, create)
	if err != nil {
		return nil, err
	}
	return &Collection{tx: t, col: col}, nil
}

// Commit makes the transaction's writes durable and visible.
func (t *Tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.db.engine.Commit(t.ctx)
}

// Rollback discards the transaction's writes. Safe to call after Commit.
func (t *Tx) Rollback() {
	if t.done {
		return
	}
	t.done = true
	t.db.engine.Rollback(t.ctx)
}

// Collection is a per-transaction handle over one named collection.
type Collection struct {
	tx  *Tx
	col *engine.Collection
}

func (c *Collection) Name() string { return c.col.Name() }

// Insert stores doc, assigning an _id per autoID when missing, and returns
// the _id.
func (c *Collection) Insert(doc *Document, autoID AutoIDMode) (BsonValue, error) {
	return c.col.Insert(c.tx.ctx, doc, autoID)
}

// Update replaces the stored document with doc's _id, reporting whether one
// existed.
func (c *Collection) Update(doc *Document) (bool, error) {
	return c.col.Update(c.tx.ctx, doc)
}

// Upsert updates or inserts doc, reporting whether an insert happened.
func (c *Collection) Upsert(doc *Document, autoID AutoIDMode) (bool, error) {
	return c.col.Upsert(c.tx.ctx, doc, autoID)
}

// Delete removes the document with the given _id.
func (c *Collection) Delete(id BsonValue) (bool, error) {
	return c.col.Delete(c.tx.ctx, id)
}

// DeleteMany removes every document matching filter, returning the count.
func (c *Collection) DeleteMany(filter Filter) (int, error) {
	return c.col.DeleteMany(c.tx.ctx, filter)
}

// FindByID materializes one document by _id.
func (c *Collection) FindByID(id BsonValue) (*Document, error) {
	return c.col.FindByID(c.tx.ctx, id)
}

// Find returns a lazy cursor over documents matching filter in _id order.
func (c *Collection) Find(filter Filter, skip, limit int) (*Cursor, error) {
	return c.col.Find(c.tx.ctx, filter, skip, limit)
}

// Count returns the collection's document count.
func (c *Collection) Count() (int, error) {
	return c.col.Count(c.tx.ctx)
}

// EnsureIndex creates an ordered index over a field path if missing.
func (c *Collection) EnsureIndex(name, expr string, unique bool) error {
	return c.col.EnsureIndex(c.tx.ctx, name, expr, unique)
}

// EnsureVectorIndex creates a vector similarity index over a fixed-
// dimension float32 field if missing.
func (c *Collection) EnsureVectorIndex(name, expr string, dims uint16, metric VectorMetric) error {
	return c.col.EnsureVectorIndex(c.tx.ctx, name, expr, dims, metric)
}

// DropIndex removes a named index (the _id index cannot be dropped).
func (c *Collection) DropIndex(name string) error {
	return c.col.DropIndex(c.tx.ctx, name)
}

// Indexes lists the collection's index catalog.
func (c *Collection) Indexes() ([]IndexEntry, error) {
	return c.col.Indexes(c.tx.ctx)
}

// TopKNear returns the k documents nearest to target under the named
// vector index's metric, with their distances.
func (c *Collection) TopKNear(indexName string, target []float32, k int) ([]*Document, []float64, error) {
	return c.col.TopKNear(c.tx.ctx, indexName, target, k)
}

// WhereNear returns every document within maxDistance of target, nearest
// first.
func (c *Collection) WhereNear(indexName string, target []float32, maxDistance float64) ([]*Document, []float64, error) {
	return c.col.WhereNear(c.tx.ctx, indexName, target, maxDistance)
}
