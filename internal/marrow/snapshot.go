package marrow

import "sync"

// Snapshot is a transaction's view over a single collection: the page
// lookup chain (local dirty set -> WAL -> DATA) and the bookkeeping a
// commit needs to flush dirty pages and update free-page chains.
type Snapshot struct {
	store      *Store
	tx         *Transaction
	Collection string
	colPageID  PageID
	readOnly   bool

	mu       sync.Mutex
	dirty    map[PageID]*Page
	order    []PageID // commit order: first-dirtied-first
	freed    []PageID
	localNew map[PageID]bool
	cat      *CollectionCatalog // transaction-local catalog copy
}

func newSnapshot(store *Store, tx *Transaction, collection string, colPageID PageID, readOnly bool) *Snapshot {
	return &Snapshot{
		store:      store,
		tx:         tx,
		Collection: collection,
		colPageID:  colPageID,
		readOnly:   readOnly,
		dirty:      make(map[PageID]*Page),
		localNew:   make(map[PageID]bool),
	}
}

// GetPage returns a read-only view of pageID as of this snapshot's read
// version: its own dirty set first, then the WAL (confirmed commits at or
// before readVersion, plus this transaction's own provisional safepoint
// writes), then DATA. The cache reference is released before returning;
// callers must decode what they need from the page before the next page
// fault rather than holding the pointer across one.
func (s *Snapshot) GetPage(pageID PageID) (*Page, error) {
	s.mu.Lock()
	if p, ok := s.dirty[pageID]; ok {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	origin, pos := OriginData, int64(pageID)*PageSize
	if off, ok := s.store.WAL.GetProvisionalPosition(pageID, s.tx.ID); ok {
		origin, pos = OriginLog, off
	} else if off, ok := s.store.WAL.GetPagePosition(pageID, s.tx.ReadVersion); ok {
		origin, pos = OriginLog, off
	}
	page, err := s.store.Disk.ReadPage(origin, pos, true)
	if err != nil {
		return nil, err
	}
	s.store.Cache.Release(origin, pos)
	return page, nil
}

// GetWritablePage returns an exclusive, transaction-local copy of pageID,
// adding it to the dirty set on first touch.
func (s *Snapshot) GetWritablePage(pageID PageID) (*Page, error) {
	s.mu.Lock()
	if p, ok := s.dirty[pageID]; ok {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	src, err := s.GetPage(pageID)
	if err != nil {
		return nil, err
	}
	cp := src.Clone()
	cp.Header.TransactionID = uint32(s.tx.ID)
	cp.Header.ColID = s.colPageID

	s.mu.Lock()
	s.dirty[pageID] = cp
	s.order = append(s.order, pageID)
	s.mu.Unlock()
	s.tx.addDirtyPage()
	return cp, nil
}

// NewPage allocates a fresh page for this collection, local to the
// snapshot until commit. It prefers a page already freed earlier in this
// same transaction before reaching for the store's free-empty chain.
func (s *Snapshot) NewPage(typ PageType) (*Page, error) {
	s.mu.Lock()
	if len(s.freed) > 0 {
		pid := s.freed[len(s.freed)-1]
		s.freed = s.freed[:len(s.freed)-1]
		s.mu.Unlock()
		p := NewEmptyPage(pid, typ)
		p.Header.TransactionID = uint32(s.tx.ID)
		p.Header.ColID = s.colPageID
		s.mu.Lock()
		s.dirty[pid] = p
		s.order = append(s.order, pid)
		s.localNew[pid] = true
		s.mu.Unlock()
		s.tx.addDirtyPage()
		return p, nil
	}
	s.mu.Unlock()

	pid, err := s.store.AllocatePageID()
	if err != nil {
		return nil, err
	}
	p := NewEmptyPage(pid, typ)
	p.Header.TransactionID = uint32(s.tx.ID)
	p.Header.ColID = s.colPageID

	s.mu.Lock()
	s.dirty[pid] = p
	s.order = append(s.order, pid)
	s.localNew[pid] = true
	s.mu.Unlock()
	s.tx.addDirtyPage()
	return p, nil
}

// FreePage marks pageID for return to the free-empty chain on commit.
func (s *Snapshot) FreePage(pageID PageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freed = append(s.freed, pageID)
	delete(s.dirty, pageID)
}

// DirtyPages returns the current dirty set in first-touched order, used
// both by commit flush and by the safepoint spill.
func (s *Snapshot) DirtyPages() []*Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Page, 0, len(s.order))
	for _, pid := range s.order {
		if p, ok := s.dirty[pid]; ok {
			out = append(out, p)
		}
	}
	return out
}

// ClearDirty empties the local dirty set after its contents have been
// flushed to the LOG, as happens on a safepoint spill or at commit.
func (s *Snapshot) ClearDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = make(map[PageID]*Page)
	s.order = nil
}

// FreedPages returns the pages this snapshot marked free, to be chained
// onto the store's free-empty list on commit.
func (s *Snapshot) FreedPages() []PageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PageID(nil), s.freed...)
}

// ReadOnly reports whether this snapshot was opened without the collection
// exclusive lock.
func (s *Snapshot) ReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnly
}

func (s *Snapshot) markWritable() {
	s.mu.Lock()
	s.readOnly = false
	s.mu.Unlock()
}

// Catalog returns this snapshot's transaction-local copy of the collection
// catalog, deep-copied on first access so in-progress mutations never leak
// to concurrent readers of the store's shared catalog cache.
func (s *Snapshot) Catalog() (*CollectionCatalog, error) {
	s.mu.Lock()
	if s.cat != nil {
		s.mu.Unlock()
		return s.cat, nil
	}
	s.mu.Unlock()

	// Decode through the snapshot's own page-lookup chain so a committed
	// catalog version still sitting in the LOG is seen.
	page, err := s.GetPage(s.colPageID)
	if err != nil {
		return nil, err
	}
	if page.Header.Type != PageTypeCollection {
		return nil, ErrPageTypeMismatch(PageTypeCollection, page.Header.Type)
	}
	seg, err := page.GetSegment(0)
	if err != nil {
		return nil, err
	}
	cat, err := UnmarshalCollectionCatalog(seg)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.cat == nil {
		s.cat = cat
	}
	cat = s.cat
	s.mu.Unlock()
	return cat, nil
}

// SaveCatalog writes the snapshot's catalog copy back onto the collection
// page, making that page dirty so the change rides the commit batch.
func (s *Snapshot) SaveCatalog(cat *CollectionCatalog) error {
	page, err := s.GetWritablePage(s.colPageID)
	if err != nil {
		return err
	}
	if page.Header.ItemsCount > 0 {
		_ = page.DeleteSegment(0)
		page.Defragment()
	}
	if _, err := page.InsertSegment(cat.Marshal()); err != nil {
		return err
	}
	page.Collection = cat
	return nil
}
