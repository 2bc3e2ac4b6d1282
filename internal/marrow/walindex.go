package marrow

import "sync"

// walKey identifies one versioned page write in the LOG.
type walKey struct {
	pageID PageID
	txID   TransactionID
}

// WALIndex maps (pageID, txID) to the LOG offset of that page's most
// recent version. Transaction ids are handed out at begin but commits may
// land in any order, so each confirmed transaction is assigned a commit
// version (the monotonic current read version) at confirmation time;
// visibility compares commit versions, never raw transaction ids, so a
// late-committing old transaction can't leak into an already-open reader.
type WALIndex struct {
	mu                 sync.RWMutex
	index              map[walKey]int64
	confirmed          map[TransactionID]TransactionID // txID -> commit version
	currentReadVersion TransactionID
}

func NewWALIndex() *WALIndex {
	return &WALIndex{
		index:     make(map[walKey]int64),
		confirmed: make(map[TransactionID]TransactionID),
	}
}

// RecordPage records the LOG offset a page version was appended at. Called
// on every LOG page append, confirmed or provisional.
func (w *WALIndex) RecordPage(pageID PageID, txID TransactionID, offset int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.index[walKey{pageID, txID}] = offset
}

// Confirm marks txID committed, assigning it the next commit version and
// advancing the current read version to it.
func (w *WALIndex) Confirm(txID TransactionID) TransactionID {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.currentReadVersion++
	w.confirmed[txID] = w.currentReadVersion
	return w.currentReadVersion
}

func (w *WALIndex) CurrentReadVersion() TransactionID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.currentReadVersion
}

// GetPagePosition returns the LOG offset of the newest version of pageID
// visible at readVersion: the confirmed write with the largest commit
// version <= readVersion.
func (w *WALIndex) GetPagePosition(pageID PageID, readVersion TransactionID) (int64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var (
		bestOffset int64
		bestVer    TransactionID
		found      bool
	)
	for k, off := range w.index {
		if k.pageID != pageID {
			continue
		}
		ver, ok := w.confirmed[k.txID]
		if !ok || ver > readVersion {
			continue
		}
		if !found || ver > bestVer {
			bestVer, bestOffset, found = ver, off, true
		}
	}
	return bestOffset, found
}

// GetProvisionalPosition looks up a page version written by a safepoint
// spill that hasn't been confirmed yet, visible only to the same
// transaction that wrote it.
func (w *WALIndex) GetProvisionalPosition(pageID PageID, txID TransactionID) (int64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	off, ok := w.index[walKey{pageID, txID}]
	return off, ok
}

func (w *WALIndex) IsConfirmed(txID TransactionID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.confirmed[txID]
	return ok
}

// Clear resets the index after a successful checkpoint.
func (w *WALIndex) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.index = make(map[walKey]int64)
	w.confirmed = make(map[TransactionID]TransactionID)
	w.currentReadVersion = 0
}
