package marrow

import (
	"context"
	"sync"
	"time"
)

// holderKey identifies the reentrant caller of a lock: a goroutine-scoped
// token carried through the context, since Go has no thread-local id.
type holderKey struct{}

// NewLockHolder returns a context carrying a fresh reentrancy token; every
// Transaction should derive its context from one so nested shared-lock
// acquisitions by the same transaction don't self-deadlock.
func NewLockHolder(ctx context.Context, tx TransactionID) context.Context {
	return context.WithValue(ctx, holderKey{}, tx)
}

func holderFromContext(ctx context.Context) (TransactionID, bool) {
	v, ok := ctx.Value(holderKey{}).(TransactionID)
	return v, ok
}

// rwLock is a reentrant shared/exclusive lock: any number of shared holders
// may coexist, but an exclusive holder excludes all others, and the same
// holder token may re-enter a shared lock it already holds.
type rwLock struct {
	mu        sync.Mutex
	cond      *sync.Cond
	exclusive bool
	sharedBy  map[TransactionID]int
}

func newRWLock() *rwLock {
	l := &rwLock{sharedBy: make(map[TransactionID]int)}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *rwLock) lockShared(ctx context.Context, timeout time.Duration, name string) error {
	holder, reentrant := holderFromContext(ctx)
	deadline := time.Now().Add(timeout)
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.exclusive {
		if reentrant {
			if _, already := l.sharedBy[holder]; already {
				break
			}
		}
		if !l.waitUntil(deadline) {
			return ErrLockTimeout(name)
		}
	}
	if reentrant {
		l.sharedBy[holder]++
	} else {
		l.sharedBy[0]++
	}
	return nil
}

func (l *rwLock) unlockShared(ctx context.Context) {
	holder, reentrant := holderFromContext(ctx)
	if !reentrant {
		holder = 0
	}
	l.mu.Lock()
	if l.sharedBy[holder] > 0 {
		l.sharedBy[holder]--
		if l.sharedBy[holder] == 0 {
			delete(l.sharedBy, holder)
		}
	}
	l.mu.Unlock()
	l.cond.Broadcast()
}

func (l *rwLock) lockExclusive(ctx context.Context, timeout time.Duration, name string) error {
	deadline := time.Now().Add(timeout)
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.exclusive || len(l.sharedBy) > 0 {
		if !l.waitUntil(deadline) {
			return ErrLockTimeout(name)
		}
	}
	l.exclusive = true
	return nil
}

func (l *rwLock) unlockExclusive() {
	l.mu.Lock()
	l.exclusive = false
	l.mu.Unlock()
	l.cond.Broadcast()
}

// waitUntil blocks on the condition variable until woken or the deadline
// passes, returning false on timeout. Must be called with l.mu held.
func (l *rwLock) waitUntil(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	done := make(chan struct{})
	timer := time.AfterFunc(remaining, func() {
		l.cond.Broadcast()
	})
	defer timer.Stop()
	go func() {
		<-done
	}()
	l.cond.Wait()
	close(done)
	return time.Now().Before(deadline) || time.Now().Equal(deadline)
}

// LockService is the reentrant shared/exclusive lock hierarchy described in
// the design: one database-wide lock plus one lock per collection. Callers
// must always acquire the database lock before any collection lock, and
// acquire collections in lexicographic order, to prevent deadlock.
type LockService struct {
	mu          sync.Mutex
	dbLock      *rwLock
	collections map[string]*rwLock
	timeout     time.Duration
}

func NewLockService(timeout time.Duration) *LockService {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LockService{
		dbLock:      newRWLock(),
		collections: make(map[string]*rwLock),
		timeout:     timeout,
	}
}

func (ls *LockService) collectionLock(name string) *rwLock {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	l, ok := ls.collections[name]
	if !ok {
		l = newRWLock()
		ls.collections[name] = l
	}
	return l
}

func (ls *LockService) LockDatabaseShared(ctx context.Context) error {
	return ls.dbLock.lockShared(ctx, ls.timeout, "database")
}

func (ls *LockService) UnlockDatabaseShared(ctx context.Context) {
	ls.dbLock.unlockShared(ctx)
}

func (ls *LockService) LockDatabaseExclusive(ctx context.Context) error {
	return ls.dbLock.lockExclusive(ctx, ls.timeout, "database")
}

func (ls *LockService) UnlockDatabaseExclusive() {
	ls.dbLock.unlockExclusive()
}

func (ls *LockService) LockCollectionShared(ctx context.Context, name string) error {
	if err := ls.LockDatabaseShared(ctx); err != nil {
		return err
	}
	if err := ls.collectionLock(name).lockShared(ctx, ls.timeout, name); err != nil {
		ls.UnlockDatabaseShared(ctx)
		return err
	}
	return nil
}

func (ls *LockService) UnlockCollectionShared(ctx context.Context, name string) {
	ls.collectionLock(name).unlockShared(ctx)
	ls.UnlockDatabaseShared(ctx)
}

func (ls *LockService) LockCollectionExclusive(ctx context.Context, name string) error {
	if err := ls.LockDatabaseShared(ctx); err != nil {
		return err
	}
	if err := ls.collectionLock(name).lockExclusive(ctx, ls.timeout, name); err != nil {
		ls.UnlockDatabaseShared(ctx)
		return err
	}
	return nil
}

func (ls *LockService) UnlockCollectionExclusive(ctx context.Context, name string) {
	ls.collectionLock(name).unlockExclusive()
	ls.UnlockDatabaseShared(ctx)
}

// LockCollectionsExclusive acquires exclusive locks on several collections
// in lexicographic order, matching the lock-order rule that prevents
// deadlock between writers touching overlapping collection sets.
func LockCollectionsExclusive(ctx context.Context, ls *LockService, names []string) (func(), error) {
	sorted := append([]string(nil), names...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	acquired := make([]string, 0, len(sorted))
	for _, name := range sorted {
		if err := ls.LockCollectionExclusive(ctx, name); err != nil {
			for i := len(acquired) - 1; i >= 0; i-- {
				ls.UnlockCollectionExclusive(ctx, acquired[i])
			}
			return nil, err
		}
		acquired = append(acquired, name)
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			ls.UnlockCollectionExclusive(ctx, acquired[i])
		}
	}, nil
}
