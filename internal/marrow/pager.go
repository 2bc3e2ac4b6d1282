package marrow

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store bundles the engine-wide singletons every Snapshot and the
// TransactionManager share: the disk streams, the WAL index, the page
// cache, the lock hierarchy, and the header page itself.
type Store struct {
	logger *zap.Logger

	Disk  *DiskService
	WAL   *WALIndex
	Cache *PageCache
	Locks *LockService

	mu     sync.Mutex
	header *HeaderPage

	// freeMu serializes every mutation of the free-empty chain (the pop in
	// AllocatePageID and commit's read-build-publish of freed pages),
	// standing in for the spec's "mutated only under exclusive DB lock"
	// without blocking unrelated readers.
	freeMu sync.Mutex

	catalogMu sync.RWMutex
	catalogs  map[PageID]*CollectionCatalog
}

func NewStore(logger *zap.Logger, disk *DiskService, wal *WALIndex, cache *PageCache, locks *LockService, header *HeaderPage) *Store {
	return &Store{
		logger:   logger,
		Disk:     disk,
		WAL:      wal,
		Cache:    cache,
		Locks:    locks,
		header:   header,
		catalogs: make(map[PageID]*CollectionCatalog),
	}
}

func (s *Store) Header() *HeaderPage {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.header
	return &cp
}

func (s *Store) Pragmas() Pragmas {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header.Pragmas
}

func (s *Store) LockTimeout() time.Duration {
	return s.Pragmas().Timeout
}

// CollectionPageID returns the page a named collection's catalog lives on.
func (s *Store) CollectionPageID(name string) (PageID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid, ok := s.header.Collections[name]
	return pid, ok
}

func (s *Store) CollectionNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.header.Collections))
	for n := range s.header.Collections {
		names = append(names, n)
	}
	return names
}

// ReadPage reads a fully-committed page straight from DATA, bypassing any
// transaction's WAL view. Used for loading pages not yet touched by any
// open transaction (e.g. a freshly resolved collection catalog page).
func (s *Store) ReadPage(pageID PageID) (*Page, error) {
	pos := int64(pageID) * PageSize
	return s.Disk.ReadPage(OriginData, pos, true)
}

// ReadCommitted reads the newest committed version of pageID: the latest
// confirmed LOG copy at the WAL's current read version if one exists,
// otherwise the DATA copy. Used outside any transaction (open-time
// validation, free-chain maintenance).
func (s *Store) ReadCommitted(pageID PageID) (*Page, error) {
	if off, ok := s.WAL.GetPagePosition(pageID, s.WAL.CurrentReadVersion()); ok {
		page, err := s.Disk.ReadPage(OriginLog, off, true)
		if err == nil {
			s.Cache.Release(OriginLog, off)
		}
		return page, err
	}
	page, err := s.ReadPage(pageID)
	if err == nil {
		s.Cache.Release(OriginData, int64(pageID)*PageSize)
	}
	return page, err
}

// LoadCatalog decodes and caches a collection's catalog page, invalidated
// by InvalidateCatalog whenever a writer commits a change to it.
func (s *Store) LoadCatalog(pageID PageID) (*CollectionCatalog, error) {
	s.catalogMu.RLock()
	if c, ok := s.catalogs[pageID]; ok {
		s.catalogMu.RUnlock()
		return c, nil
	}
	s.catalogMu.RUnlock()

	page, err := s.ReadPage(pageID)
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
	s.catalogMu.Lock()
	s.catalogs[pageID] = cat
	s.catalogMu.Unlock()
	return cat, nil
}

func (s *Store) InvalidateCatalog(pageID PageID) {
	s.catalogMu.Lock()
	delete(s.catalogs, pageID)
	s.catalogMu.Unlock()
}

// allocatePageLocked extends the logical page count by one, the fallback
// path when the free-empty chain is exhausted, enforcing the LIMIT_SIZE
// pragma. Caller must hold s.mu.
func (s *Store) allocatePageLocked() (PageID, error) {
	if limit := s.header.Pragmas.LimitSize; limit > 0 {
		if (int64(s.header.LastPageID)+2)*PageSize > limit {
			return 0, ErrFileSizeLimitReached(limit)
		}
	}
	s.header.LastPageID++
	return s.header.LastPageID, nil
}

func (s *Store) lockFreeChain()   { s.freeMu.Lock() }
func (s *Store) unlockFreeChain() { s.freeMu.Unlock() }

// PopFreeEmptyPage removes and returns the head of the global free-empty
// chain, reading the popped page to discover the new head. Held under the
// free-chain lock so a commit mid-way through re-chaining freed pages can
// never race a pop of a page its unpublished chain still links to.
func (s *Store) PopFreeEmptyPage() (PageID, bool, error) {
	s.freeMu.Lock()
	defer s.freeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.header.FreeEmptyHead == 0 {
		return 0, false, nil
	}
	head := s.header.FreeEmptyHead
	s.mu.Unlock()
	page, err := s.ReadCommitted(head)
	s.mu.Lock()
	if err != nil {
		return 0, false, err
	}
	if page.Header.Type != PageTypeEmpty {
		return 0, false, ErrInvalidDatafileState(fmt.Sprintf(
			"free-empty chain page %d has type %v", head, page.Header.Type))
	}
	s.header.FreeEmptyHead = page.Header.NextPageID
	return head, true, nil
}

// SetFreeEmptyHead publishes a new head for the free-empty chain. The
// chain's Empty page images must already be durably confirmed, since the
// next allocator will read the head through the committed view.
func (s *Store) SetFreeEmptyHead(pageID PageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header.FreeEmptyHead = pageID
}

// AllocatePageID returns a page id for a new page, preferring the
// free-empty chain over extending the file.
func (s *Store) AllocatePageID() (PageID, error) {
	if pid, ok, err := s.PopFreeEmptyPage(); err != nil {
		return 0, err
	} else if ok {
		return pid, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocatePageLocked()
}

// BumpLastPageID raises the header's last-allocated pageID watermark to at
// least id, used by recovery and checkpoint when the LOG references pages
// the persisted header never learned about.
func (s *Store) BumpLastPageID(id PageID) {
	s.mu.Lock()
	if id > s.header.LastPageID {
		s.header.LastPageID = id
	}
	s.mu.Unlock()
}

// PersistHeader writes the header page's current in-memory state to DATA
// page 0. Called at the end of a commit that touched header state
// (allocation, pragma change, new collection).
func (s *Store) PersistHeader() error {
	s.mu.Lock()
	h := s.header
	page := NewEmptyPage(HeaderPageID, PageTypeHeader)
	blob := h.Marshal()
	if _, err := page.InsertSegment(blob); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return s.Disk.writeDataAt(page)
}

// CreateCollection allocates a fresh Collection page and registers it in
// the header's directory. Returns its page id.
func (s *Store) CreateCollection(name string) (PageID, error) {
	pid, err := s.AllocatePageID()
	if err != nil {
		return 0, err
	}
	page := NewEmptyPage(pid, PageTypeCollection)
	cat := NewCollectionCatalog(name)
	if _, err := page.InsertSegment(cat.Marshal()); err != nil {
		return 0, err
	}
	if err := s.Disk.writeDataAt(page); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.header.Collections[name] = pid
	s.mu.Unlock()
	s.catalogMu.Lock()
	s.catalogs[pid] = cat
	s.catalogMu.Unlock()
	if err := s.PersistHeader(); err != nil {
		return 0, err
	}
	return pid, nil
}

// SaveCatalog persists a collection catalog's current state back to its
// page and refreshes the in-memory cache entry.
func (s *Store) SaveCatalog(pageID PageID, cat *CollectionCatalog) error {
	page, err := s.ReadPage(pageID)
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
	if err := s.Disk.writeDataAt(page); err != nil {
		return err
	}
	s.catalogMu.Lock()
	s.catalogs[pageID] = cat
	s.catalogMu.Unlock()
	return nil
}
