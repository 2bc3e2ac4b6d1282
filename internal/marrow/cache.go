package marrow

import (
	"fmt"
	"sync"
	"time"

	"github.com/marrowdb/marrow/pkg/lrucache"
	"go.uber.org/zap"
)

// Origin distinguishes the two streams a cached page can be keyed from.
type Origin uint8

const (
	OriginData Origin = iota
	OriginLog
)

func (o Origin) String() string {
	if o == OriginLog {
		return "log"
	}
	return "data"
}

// cacheKey is the readable map's key, (origin, absolute byte position).
type cacheKey struct {
	origin Origin
	pos    int64
}

// lruCache is the subset of pkg/lrucache's generic cache this package
// depends on, letting PageCache hold an instance without naming the
// unexported concrete type lrucache.New returns.
type lruCache interface {
	Get(key cacheKey) (any, bool)
	GetAndPromote(key cacheKey) (any, bool)
	Put(key cacheKey, value any, evict bool)
	EvictIfNeeded() (cacheKey, bool)
}

// pageRef is one entry of the readable map: a shared page buffer plus its
// share counter, atomics-free because every mutation happens under
// PageCache.mu.
type pageRef struct {
	page        *Page
	shareCount  int32
	lastTouched time.Time
}

// growthSegments is the cache's growth profile: successive allocation
// batch sizes once the free list runs dry, tapering off so a long-lived
// engine doesn't allocate one page at a time forever.
var growthSegments = []int{8, 32, 128, 512}

// PageCache is the bounded-memory page buffer described in the design's
// page-buffer component: a readable map of shared, refcounted pages, a
// free list of reusable buffers, and a writable path that never shares a
// buffer with a reader.
type PageCache struct {
	mu           sync.Mutex
	logger       *zap.Logger
	maxPageCount int
	allocated    int
	growthStep   int

	readable map[cacheKey]*pageRef
	order    lruCache
	free     []*Page
}

func NewPageCache(logger *zap.Logger, maxPageCount int) *PageCache {
	if maxPageCount <= 0 {
		maxPageCount = 2000
	}
	return &PageCache{
		logger:       logger,
		maxPageCount: maxPageCount,
		readable:     make(map[cacheKey]*pageRef),
		order:        lrucache.New[cacheKey](maxPageCount),
	}
}

// GetReadable returns a shared page, invoking factory on a cache miss. The
// caller must call Release exactly once when done with the returned page.
func (c *PageCache) GetReadable(origin Origin, pos int64, factory func() (*Page, error)) (*Page, error) {
	key := cacheKey{origin, pos}

	c.mu.Lock()
	if ref, ok := c.readable[key]; ok {
		ref.shareCount++
		ref.lastTouched = time.Now()
		c.mu.Unlock()
		c.order.GetAndPromote(key)
		return ref.page, nil
	}
	c.mu.Unlock()

	page, err := factory()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ref, ok := c.readable[key]; ok {
		// Lost the race to another loader; use theirs, discard ours.
		ref.shareCount++
		ref.lastTouched = time.Now()
		return ref.page, nil
	}
	if err := c.ensureReadableCapacityLocked(); err != nil {
		return nil, err
	}
	c.readable[key] = &pageRef{page: page, shareCount: 1, lastTouched: time.Now()}
	c.order.Put(key, struct{}{}, false)
	return page, nil
}

// GetWritable returns an exclusive buffer for (origin, pos): a byte copy of
// the readable entry if one exists, else a fresh load via factory. The
// returned page is never inserted into the readable map by this call.
func (c *PageCache) GetWritable(origin Origin, pos int64, factory func() (*Page, error)) (*Page, error) {
	key := cacheKey{origin, pos}
	c.mu.Lock()
	if ref, ok := c.readable[key]; ok {
		cp := ref.page.Clone()
		c.mu.Unlock()
		return cp, nil
	}
	c.mu.Unlock()
	return factory()
}

// NewPage returns a zeroed exclusive buffer, popped from the free list or
// freshly allocated along the growth profile. Writable buffers are bounded
// by the per-transaction page budget rather than the readable-map cap, so
// allocation here never fails for capacity reasons.
func (c *PageCache) NewPage(id PageID, typ PageType) (*Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.free) == 0 {
		grow := growthSegments[c.growthStep]
		if c.growthStep < len(growthSegments)-1 {
			c.growthStep++
		}
		for i := 0; i < grow; i++ {
			c.free = append(c.free, NewEmptyPage(0, PageTypeEmpty))
		}
		c.allocated += grow
	}
	p := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	p.Reset(id)
	p.Header.Type = typ
	return p, nil
}

// TryMoveToReadable atomically publishes a writable buffer as the readable
// entry for its key, only if none already exists.
func (c *PageCache) TryMoveToReadable(origin Origin, pos int64, page *Page) bool {
	key := cacheKey{origin, pos}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.readable[key]; ok {
		return false
	}
	if err := c.ensureReadableCapacityLocked(); err != nil {
		return false
	}
	c.readable[key] = &pageRef{page: page, lastTouched: time.Now()}
	c.order.Put(key, struct{}{}, false)
	return true
}

// MoveToReadable replaces any existing readable entry at (origin, pos) and
// publishes page instead. The old buffer goes back to the free list only
// when no reader still holds it (share count zero).
func (c *PageCache) MoveToReadable(origin Origin, pos int64, page *Page) *Page {
	key := cacheKey{origin, pos}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.readable[key]; ok {
		if old.shareCount == 0 {
			c.free = append(c.free, old.page)
		}
	} else if err := c.ensureReadableCapacityLocked(); err != nil {
		// Over cap with nothing reclaimable: publish anyway rather than
		// lose a durably written page; the next admission will reclaim.
		if c.logger != nil {
			c.logger.Warn("readable map over capacity", zap.Int("entries", len(c.readable)))
		}
	}
	c.readable[key] = &pageRef{page: page, lastTouched: time.Now()}
	c.order.Put(key, struct{}{}, false)
	return page
}

// Discard returns a writable buffer to the free list without clearing its
// contents; Reset clears lazily on next NewPage.
func (c *PageCache) Discard(page *Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.free = append(c.free, page)
}

// Release decrements the share counter of a previously-returned readable
// page.
func (c *PageCache) Release(origin Origin, pos int64) {
	key := cacheKey{origin, pos}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref, ok := c.readable[key]; ok && ref.shareCount > 0 {
		ref.shareCount--
	}
}

// DropReadable removes a readable entry outright, used by the checkpointer
// to drop LOG-origin entries after a successful checkpoint.
func (c *PageCache) DropReadable(origin Origin, pos int64) {
	key := cacheKey{origin, pos}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref, ok := c.readable[key]; ok {
		if ref.shareCount == 0 {
			c.free = append(c.free, ref.page)
		}
		delete(c.readable, key)
	}
}

// DropAllLog removes every LOG-origin readable entry, used after a
// checkpoint truncates the LOG.
func (c *PageCache) DropAllLog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, ref := range c.readable {
		if k.origin == OriginLog {
			if ref.shareCount == 0 {
				c.free = append(c.free, ref.page)
			}
			delete(c.readable, k)
		}
	}
}

// ensureReadableCapacityLocked admits one more entry into the readable
// map, reclaiming the oldest zero-share entry when the map is at its cap
// and failing with CACHE_LIMIT_EXCEEDED when every entry is still shared.
// Must be called with c.mu held.
func (c *PageCache) ensureReadableCapacityLocked() error {
	if len(c.readable) < c.maxPageCount {
		return nil
	}

	// Reclaim: oldest-first among zero-share readable entries.
	var oldestKey cacheKey
	var oldestRef *pageRef
	for k, ref := range c.readable {
		if ref.shareCount != 0 {
			continue
		}
		if oldestRef == nil || ref.lastTouched.Before(oldestRef.lastTouched) {
			oldestKey, oldestRef = k, ref
		}
	}
	if oldestRef == nil {
		if c.logger != nil {
			c.logger.Warn("page cache exhausted", zap.Int("max_page_count", c.maxPageCount))
		}
		return fmt.Errorf("marrow: %w", ErrCacheLimitExceeded())
	}
	delete(c.readable, oldestKey)
	c.free = append(c.free, oldestRef.page)
	return nil
}
