package marrow

import (
	"context"
	"fmt"
	"strings"
)

// idIndexName is the reserved primary index every collection carries.
const idIndexName = "_id"

// AutoIDMode selects how Insert assigns a missing _id.
type AutoIDMode uint8

const (
	AutoIDObjectID AutoIDMode = iota
	AutoIDInt64
)

// Filter is a document predicate consumed by Find; nil matches everything.
type Filter func(*Document) bool

// Collection is a handle over one named collection within the engine. All
// of its methods expect a context carrying a transaction (Engine.Begin or
// Engine.WithTransaction).
type Collection struct {
	engine *Engine
	name   string
	pageID PageID
}

func (c *Collection) Name() string { return c.name }

// GetCollection resolves a collection handle, creating the collection (with
// its _id index) when create is set.
func (e *Engine) GetCollection(ctx context.Context, name string, create bool) (*Collection, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if name == "" || strings.HasPrefix(name, "$") {
		return nil, newErr(ErrCodeArgumentInvalid, fmt.Sprintf("invalid collection name %q", name))
	}
	if pid, ok := e.store.CollectionPageID(name); ok {
		return &Collection{engine: e, name: name, pageID: pid}, nil
	}
	if !create {
		return nil, newErr(ErrCodeCollectionNotFound, fmt.Sprintf("collection %q does not exist", name))
	}
	if tx := TxFromContext(ctx); tx == nil {
		return nil, newErr(ErrCodeArgumentInvalid, "operation requires a transaction context")
	} else if tx.ReadOnly {
		return nil, ErrReadOnlyTx
	}
	pid, err := e.store.CreateCollection(name)
	if err != nil {
		return nil, err
	}
	col := &Collection{engine: e, name: name, pageID: pid}
	// Build the _id index inside the caller's transaction so the first
	// commit carries a complete catalog.
	snap, err := col.snapshot(ctx, true)
	if err != nil {
		return nil, err
	}
	if _, err := col.ensureIDIndex(snap); err != nil {
		return nil, err
	}
	return col, nil
}

// snapshot returns the transaction's snapshot for this collection. Readers
// hold only the shared database lock, so they never block a writer (their
// consistency comes from the pinned read version, not from exclusion);
// writers take the collection exclusive lock, serializing one writer per
// collection. A read snapshot asked to write upgrades in place.
func (c *Collection) snapshot(ctx context.Context, write bool) (*Snapshot, error) {
	tx := TxFromContext(ctx)
	if tx == nil {
		return nil, newErr(ErrCodeArgumentInvalid, "operation requires a transaction context")
	}
	if write && tx.ReadOnly {
		return nil, ErrReadOnlyTx
	}
	store := c.engine.store

	var lockErr error
	snap := tx.SnapshotFor(c.name, func() *Snapshot {
		if write {
			lockErr = store.Locks.LockCollectionExclusive(ctx, c.name)
		} else {
			lockErr = store.Locks.LockDatabaseShared(ctx)
		}
		return newSnapshot(store, tx, c.name, c.pageID, !write)
	})
	if lockErr != nil {
		return nil, lockErr
	}
	if write && snap.ReadOnly() {
		// Lock upgrade: surrender the shared database lock first, then
		// acquire the way a fresh writer would.
		store.Locks.UnlockDatabaseShared(ctx)
		if err := store.Locks.LockCollectionExclusive(ctx, c.name); err != nil {
			return nil, err
		}
		snap.markWritable()
	}
	return snap, nil
}

// ensureIDIndex returns the _id index entry, creating it if the catalog
// does not carry one yet (a crash between collection creation and its
// first commit can leave that gap).
func (c *Collection) ensureIDIndex(snap *Snapshot) (*IndexEntry, error) {
	cat, err := snap.Catalog()
	if err != nil {
		return nil, err
	}
	if entry, ok := cat.IndexByName(idIndexName); ok {
		return entry, nil
	}
	entry := IndexEntry{Name: idIndexName, Expression: idIndexName, Unique: true, Kind: IndexKindOrdered, Reserved: true}
	ix := NewIndexService(snap, c.collation())
	if err := ix.Create(cat, &entry); err != nil {
		return nil, err
	}
	if err := cat.AddIndex(entry); err != nil {
		return nil, err
	}
	if err := snap.SaveCatalog(cat); err != nil {
		return nil, err
	}
	e, _ := cat.IndexByName(idIndexName)
	return e, nil
}

func (c *Collection) collation() Collation {
	return c.engine.store.Pragmas().Collation
}

// extractKeys evaluates an index expression (a dotted field path) against a
// document. A missing field indexes as Null; an array value yields one key
// per element (multi-key).
func extractKeys(doc *Document, expr string) []BsonValue {
	v, ok := lookupPath(doc, expr)
	if !ok {
		return []BsonValue{Null()}
	}
	if arr, isArr := v.AsArray(); isArr {
		if len(arr) == 0 {
			return []BsonValue{Null()}
		}
		return arr
	}
	return []BsonValue{v}
}

func lookupPath(doc *Document, path string) (BsonValue, bool) {
	cur := doc
	parts := strings.Split(path, ".")
	for i, part := range parts {
		v, ok := cur.Get(part)
		if !ok {
			return BsonValue{}, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		sub, isDoc := v.AsDocument()
		if !isDoc {
			return BsonValue{}, false
		}
		cur = sub
	}
	return BsonValue{}, false
}

// Insert stores doc, assigning a fresh _id per autoID when the document
// does not carry one, and wires it into every index. Returns the _id.
func (c *Collection) Insert(ctx context.Context, doc *Document, autoID AutoIDMode) (BsonValue, error) {
	snap, err := c.snapshot(ctx, true)
	if err != nil {
		return BsonValue{}, err
	}
	if _, err := c.ensureIDIndex(snap); err != nil {
		return BsonValue{}, err
	}
	cat, err := snap.Catalog()
	if err != nil {
		return BsonValue{}, err
	}

	id, ok := doc.ID()
	if !ok || id.IsNull() {
		switch autoID {
		case AutoIDInt64:
			cat.LastAutoID++
			id = Int64(cat.LastAutoID)
		default:
			id = ObjectIDValue(NewObjectID())
		}
		doc.Set(idFieldName, id)
	}

	if err := c.indexDocument(snap, cat, doc, id); err != nil {
		return BsonValue{}, err
	}
	if err := snap.SaveCatalog(cat); err != nil {
		return BsonValue{}, err
	}
	if err := c.engine.tm.maybeSafepoint(TxFromContext(ctx), snap); err != nil {
		return BsonValue{}, err
	}
	return id, nil
}

// indexDocument writes doc's payload and adds it to the _id, secondary, and
// vector indexes. On a data-contract failure partway through (duplicate
// key, dimension mismatch) everything inserted so far is undone so the
// transaction stays usable.
func (c *Collection) indexDocument(snap *Snapshot, cat *CollectionCatalog, doc *Document, id BsonValue) (err error) {
	ix := NewIndexService(snap, c.collation())
	vx := NewVectorIndexService(snap)

	idEntry, _ := cat.IndexByName(idIndexName)
	if _, found, ferr := ix.Find(idEntry, id); ferr != nil {
		return ferr
	} else if found {
		return ErrIndexDuplicateKey(idIndexName, id)
	}

	addr, err := c.engine.data.Insert(snap, cat, doc)
	if err != nil {
		return err
	}

	type inserted struct {
		entry  *IndexEntry
		key    BsonValue
		vector bool
	}
	var done []inserted
	undo := func() {
		for i := len(done) - 1; i >= 0; i-- {
			if done[i].vector {
				_, _ = vx.Delete(done[i].entry, addr)
				continue
			}
			_, _ = ix.Delete(cat, done[i].entry, done[i].key, addr)
		}
		_ = c.engine.data.Delete(snap, cat, addr)
	}

	if _, err := ix.Insert(cat, idEntry, id, addr); err != nil {
		_ = c.engine.data.Delete(snap, cat, addr)
		return err
	}
	done = append(done, inserted{entry: idEntry, key: id})

	for i := range cat.Indexes {
		entry := &cat.Indexes[i]
		if entry.Name == idIndexName {
			continue
		}
		switch entry.Kind {
		case IndexKindOrdered:
			for _, key := range extractKeys(doc, entry.Expression) {
				if _, err := ix.Insert(cat, entry, key, addr); err != nil {
					undo()
					return err
				}
				done = append(done, inserted{entry: entry, key: key})
			}
		case IndexKindVector:
			v, ok := lookupPath(doc, entry.Expression)
			if !ok {
				continue
			}
			vec, isVec := v.AsVector()
			if !isVec {
				continue
			}
			if err := vx.Insert(entry, vec, addr); err != nil {
				undo()
				return err
			}
			done = append(done, inserted{entry: entry, vector: true})
		}
	}
	return nil
}

// unindexDocument removes doc from every index and deletes its payload.
func (c *Collection) unindexDocument(snap *Snapshot, cat *CollectionCatalog, doc *Document, id BsonValue) error {
	ix := NewIndexService(snap, c.collation())
	vx := NewVectorIndexService(snap)
	addr := doc.RawID

	for i := range cat.Indexes {
		entry := &cat.Indexes[i]
		switch entry.Kind {
		case IndexKindOrdered:
			keys := extractKeys(doc, entry.Expression)
			if entry.Name == idIndexName {
				keys = []BsonValue{id}
			}
			for _, key := range keys {
				if _, err := ix.Delete(cat, entry, key, addr); err != nil {
					return err
				}
			}
		case IndexKindVector:
			if _, err := vx.Delete(entry, addr); err != nil {
				return err
			}
		}
	}
	return c.engine.data.Delete(snap, cat, addr)
}

// FindByID materializes the document with the given _id, or ErrNotFound.
func (c *Collection) FindByID(ctx context.Context, id BsonValue) (*Document, error) {
	snap, err := c.snapshot(ctx, false)
	if err != nil {
		return nil, err
	}
	cat, err := snap.Catalog()
	if err != nil {
		return nil, err
	}
	entry, ok := cat.IndexByName(idIndexName)
	if !ok {
		return nil, ErrNotFound
	}
	ix := NewIndexService(snap, c.collation())
	node, found, err := ix.Find(entry, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return c.engine.data.Read(snap, node.DataBlock)
}

// Update replaces the stored document carrying doc's _id, reporting whether
// one existed. The old document is unindexed before the new one is
// indexed; if indexing the new one fails (indexDocument undoes its own
// partial work), the old document is indexed again, so a data-contract
// failure leaves the collection as it was and the transaction usable.
func (c *Collection) Update(ctx context.Context, doc *Document) (bool, error) {
	id, ok := doc.ID()
	if !ok || id.IsNull() {
		return false, newErr(ErrCodeArgumentInvalid, "update requires a document with _id")
	}
	snap, err := c.snapshot(ctx, true)
	if err != nil {
		return false, err
	}
	cat, err := snap.Catalog()
	if err != nil {
		return false, err
	}
	entry, ok := cat.IndexByName(idIndexName)
	if !ok {
		return false, nil
	}
	ix := NewIndexService(snap, c.collation())
	node, found, err := ix.Find(entry, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	old, err := c.engine.data.Read(snap, node.DataBlock)
	if err != nil {
		return false, err
	}
	if err := c.unindexDocument(snap, cat, old, id); err != nil {
		return false, err
	}
	if err := c.indexDocument(snap, cat, doc, id); err != nil {
		if rerr := c.indexDocument(snap, cat, old, id); rerr != nil {
			return false, rerr
		}
		return false, err
	}
	if err := snap.SaveCatalog(cat); err != nil {
		return false, err
	}
	if err := c.engine.tm.maybeSafepoint(TxFromContext(ctx), snap); err != nil {
		return false, err
	}
	return true, nil
}

// Upsert updates doc in place or inserts it, reporting whether an insert
// happened.
func (c *Collection) Upsert(ctx context.Context, doc *Document, autoID AutoIDMode) (bool, error) {
	if id, ok := doc.ID(); ok && !id.IsNull() {
		updated, err := c.Update(ctx, doc)
		if err != nil {
			return false, err
		}
		if updated {
			return false, nil
		}
	}
	_, err := c.Insert(ctx, doc, autoID)
	return err == nil, err
}

// Delete removes the document with the given _id, reporting whether one
// existed.
func (c *Collection) Delete(ctx context.Context, id BsonValue) (bool, error) {
	snap, err := c.snapshot(ctx, true)
	if err != nil {
		return false, err
	}
	cat, err := snap.Catalog()
	if err != nil {
		return false, err
	}
	entry, ok := cat.IndexByName(idIndexName)
	if !ok {
		return false, nil
	}
	ix := NewIndexService(snap, c.collation())
	node, found, err := ix.Find(entry, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	doc, err := c.engine.data.Read(snap, node.DataBlock)
	if err != nil {
		return false, err
	}
	if err := c.unindexDocument(snap, cat, doc, id); err != nil {
		return false, err
	}
	if err := snap.SaveCatalog(cat); err != nil {
		return false, err
	}
	if err := c.engine.tm.maybeSafepoint(TxFromContext(ctx), snap); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteMany removes every document matching filter, returning the count.
func (c *Collection) DeleteMany(ctx context.Context, filter Filter) (int, error) {
	var ids []BsonValue
	cur, err := c.Find(ctx, filter, 0, 0)
	if err != nil {
		return 0, err
	}
	for {
		doc, err := cur.Next()
		if err != nil {
			return 0, err
		}
		if doc == nil {
			break
		}
		if id, ok := doc.ID(); ok {
			ids = append(ids, id)
		}
	}
	deleted := 0
	for _, id := range ids {
		ok, err := c.Delete(ctx, id)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// Count returns the number of documents in the collection.
func (c *Collection) Count(ctx context.Context) (int, error) {
	n := 0
	cur, err := c.Find(ctx, nil, 0, 0)
	if err != nil {
		return 0, err
	}
	for {
		doc, err := cur.Next()
		if err != nil {
			return 0, err
		}
		if doc == nil {
			return n, nil
		}
		n++
	}
}

// EnsureIndex creates an ordered index over expr if one of that name does
// not already exist, backfilling it from the current documents.
func (c *Collection) EnsureIndex(ctx context.Context, name, expr string, unique bool) error {
	if name == "" || name == idIndexName {
		return newErr(ErrCodeArgumentInvalid, fmt.Sprintf("invalid index name %q", name))
	}
	snap, err := c.snapshot(ctx, true)
	if err != nil {
		return err
	}
	if _, err := c.ensureIDIndex(snap); err != nil {
		return err
	}
	cat, err := snap.Catalog()
	if err != nil {
		return err
	}
	if existing, ok := cat.IndexByName(name); ok {
		if existing.Expression != expr || existing.Unique != unique || existing.Kind != IndexKindOrdered {
			return newErr(ErrCodeArgumentInvalid,
				fmt.Sprintf("index %q already exists with a different definition", name))
		}
		return nil
	}
	if len(cat.Indexes) >= maxIndexesPerCollection {
		return newErr(ErrCodeArgumentInvalid, fmt.Sprintf("collection %q: index catalog full", c.name))
	}

	entry := IndexEntry{Name: name, Expression: expr, Unique: unique, Kind: IndexKindOrdered}
	ix := NewIndexService(snap, c.collation())
	if err := ix.Create(cat, &entry); err != nil {
		return err
	}
	if err := cat.AddIndex(entry); err != nil {
		return err
	}
	added, _ := cat.IndexByName(name)

	// Backfill from the _id index walk.
	idEntry, _ := cat.IndexByName(idIndexName)
	err = ix.Ascend(idEntry, func(node *IndexNode) (bool, error) {
		doc, err := c.engine.data.Read(snap, node.DataBlock)
		if err != nil {
			return false, err
		}
		for _, key := range extractKeys(doc, expr) {
			if _, err := ix.Insert(cat, added, key, node.DataBlock); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if err := snap.SaveCatalog(cat); err != nil {
		return err
	}
	return c.engine.tm.maybeSafepoint(TxFromContext(ctx), snap)
}

// EnsureVectorIndex creates a vector index over a fixed-dimension field if
// one of that name does not already exist, backfilling the graph.
func (c *Collection) EnsureVectorIndex(ctx context.Context, name, expr string, dims uint16, metric VectorMetric) error {
	if name == "" || name == idIndexName {
		return newErr(ErrCodeArgumentInvalid, fmt.Sprintf("invalid index name %q", name))
	}
	if dims == 0 {
		return newErr(ErrCodeArgumentInvalid, "vector index requires dims > 0")
	}
	snap, err := c.snapshot(ctx, true)
	if err != nil {
		return err
	}
	if _, err := c.ensureIDIndex(snap); err != nil {
		return err
	}
	cat, err := snap.Catalog()
	if err != nil {
		return err
	}
	if existing, ok := cat.IndexByName(name); ok {
		if existing.Kind != IndexKindVector || existing.Expression != expr ||
			existing.Dims != dims || existing.Metric != metric {
			return newErr(ErrCodeArgumentInvalid,
				fmt.Sprintf("index %q already exists with a different definition", name))
		}
		return nil
	}

	entry := IndexEntry{Name: name, Expression: expr, Kind: IndexKindVector, Dims: dims, Metric: metric}
	if err := cat.AddIndex(entry); err != nil {
		return err
	}
	added, _ := cat.IndexByName(name)

	ix := NewIndexService(snap, c.collation())
	vx := NewVectorIndexService(snap)
	idEntry, _ := cat.IndexByName(idIndexName)
	err = ix.Ascend(idEntry, func(node *IndexNode) (bool, error) {
		doc, err := c.engine.data.Read(snap, node.DataBlock)
		if err != nil {
			return false, err
		}
		v, ok := lookupPath(doc, expr)
		if !ok {
			return true, nil
		}
		vec, isVec := v.AsVector()
		if !isVec {
			return true, nil
		}
		if err := vx.Insert(added, vec, node.DataBlock); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if err := snap.SaveCatalog(cat); err != nil {
		return err
	}
	return c.engine.tm.maybeSafepoint(TxFromContext(ctx), snap)
}

// DropIndex removes a named index and frees its nodes. The _id index cannot
// be dropped.
func (c *Collection) DropIndex(ctx context.Context, name string) error {
	if name == idIndexName {
		return newErr(ErrCodeArgumentInvalid, "the _id index cannot be dropped")
	}
	snap, err := c.snapshot(ctx, true)
	if err != nil {
		return err
	}
	cat, err := snap.Catalog()
	if err != nil {
		return err
	}
	entry, ok := cat.IndexByName(name)
	if !ok {
		return newErr(ErrCodeIndexNotFound, fmt.Sprintf("index %q does not exist", name))
	}
	switch entry.Kind {
	case IndexKindVector:
		if err := NewVectorIndexService(snap).Drop(entry); err != nil {
			return err
		}
	default:
		if err := NewIndexService(snap, c.collation()).Drop(cat, entry); err != nil {
			return err
		}
	}
	cat.RemoveIndex(name)
	if err := snap.SaveCatalog(cat); err != nil {
		return err
	}
	return c.engine.tm.maybeSafepoint(TxFromContext(ctx), snap)
}

// Indexes lists the collection's index catalog entries.
func (c *Collection) Indexes(ctx context.Context) ([]IndexEntry, error) {
	snap, err := c.snapshot(ctx, false)
	if err != nil {
		return nil, err
	}
	cat, err := snap.Catalog()
	if err != nil {
		return nil, err
	}
	return append([]IndexEntry(nil), cat.Indexes...), nil
}

// TopKNear returns up to k documents whose vector field indexed by
// indexName is nearest to target, together with their distances.
func (c *Collection) TopKNear(ctx context.Context, indexName string, target []float32, k int) ([]*Document, []float64, error) {
	return c.vectorQuery(ctx, indexName, target, k, nan())
}

// WhereNear returns every document whose indexed vector lies within
// maxDistance of target, nearest first.
func (c *Collection) WhereNear(ctx context.Context, indexName string, target []float32, maxDistance float64) ([]*Document, []float64, error) {
	return c.vectorQuery(ctx, indexName, target, 0, maxDistance)
}

func (c *Collection) vectorQuery(ctx context.Context, indexName string, target []float32, k int, maxDistance float64) ([]*Document, []float64, error) {
	snap, err := c.snapshot(ctx, false)
	if err != nil {
		return nil, nil, err
	}
	cat, err := snap.Catalog()
	if err != nil {
		return nil, nil, err
	}
	entry, ok := cat.IndexByName(indexName)
	if !ok || entry.Kind != IndexKindVector {
		return nil, nil, newErr(ErrCodeIndexNotFound, fmt.Sprintf("vector index %q does not exist", indexName))
	}
	nodes, dists, err := NewVectorIndexService(snap).Search(entry, target, k, maxDistance)
	if err != nil {
		return nil, nil, err
	}
	docs := make([]*Document, 0, len(nodes))
	for _, n := range nodes {
		doc, err := c.engine.data.Read(snap, n.DataBlock)
		if err != nil {
			return nil, nil, err
		}
		docs = append(docs, doc)
	}
	return docs, dists, nil
}

// Cursor is a lazy, finite, non-restartable walk over a collection's
// documents in _id order, optionally filtered and windowed by skip/limit.
type Cursor struct {
	col    *Collection
	snap   *Snapshot
	ix     *IndexService
	tail   PageAddress
	cur    PageAddress
	filter Filter
	skip   int
	limit  int
	yield  int
	done   bool
}

// Find returns a cursor over documents matching filter in _id order. A
// limit of 0 means unbounded.
func (c *Collection) Find(ctx context.Context, filter Filter, skip, limit int) (*Cursor, error) {
	snap, err := c.snapshot(ctx, false)
	if err != nil {
		return nil, err
	}
	cat, err := snap.Catalog()
	if err != nil {
		return nil, err
	}
	entry, ok := cat.IndexByName(idIndexName)
	if !ok {
		return &Cursor{done: true}, nil
	}
	ix := NewIndexService(snap, c.collation())
	head, err := ix.NodeAt(entry.Head)
	if err != nil {
		return nil, err
	}
	return &Cursor{
		col:    c,
		snap:   snap,
		ix:     ix,
		tail:   entry.Tail,
		cur:    head.Next[0],
		filter: filter,
		skip:   skip,
		limit:  limit,
	}, nil
}

// Next returns the next matching document, or nil once the cursor is
// exhausted.
func (cur *Cursor) Next() (*Document, error) {
	if cur.done {
		return nil, nil
	}
	for cur.cur != cur.tail {
		node, err := cur.ix.NodeAt(cur.cur)
		if err != nil {
			cur.done = true
			return nil, err
		}
		cur.cur = node.Next[0]

		doc, err := cur.col.engine.data.Read(cur.snap, node.DataBlock)
		if err != nil {
			cur.done = true
			return nil, err
		}
		if cur.filter != nil && !cur.filter(doc) {
			continue
		}
		if cur.skip > 0 {
			cur.skip--
			continue
		}
		cur.yield++
		if cur.limit > 0 && cur.yield >= cur.limit {
			cur.done = true
		}
		return doc, nil
	}
	cur.done = true
	return nil, nil
}

// All drains the cursor into a slice.
func (cur *Cursor) All() ([]*Document, error) {
	var docs []*Document
	for {
		doc, err := cur.Next()
		if err != nil {
			return docs, err
		}
		if doc == nil {
			return docs, nil
		}
		docs = append(docs, doc)
	}
}
