package marrow

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DiskService owns the DATA and LOG streams and the asynchronous writer
// that drains dirty pages onto the LOG, publishing them back into the
// cache as readable once fsynced.
type DiskService struct {
	logger *zap.Logger

	mu        sync.RWMutex
	data      DBFile
	log       DBFile
	dataLen   int64
	logLen    int64
	cache     *PageCache
	writer    *asyncWriter
	closedErr error
}

func NewDiskService(logger *zap.Logger, data, log DBFile, cache *PageCache) (*DiskService, error) {
	dataLen, err := data.Size()
	if err != nil {
		return nil, wrapErr(ErrCodeIOFailure, "stat data stream", err)
	}
	logLen, err := log.Size()
	if err != nil {
		return nil, wrapErr(ErrCodeIOFailure, "stat log stream", err)
	}
	ds := &DiskService{
		logger:  logger,
		data:    data,
		log:     log,
		dataLen: dataLen,
		logLen:  logLen,
		cache:   cache,
	}
	ds.writer = newAsyncWriter(logger, ds)
	return ds, nil
}

func (d *DiskService) streamFor(origin Origin) DBFile {
	if origin == OriginLog {
		return d.log
	}
	return d.data
}

// ReadPage loads a page at pos from origin, optionally through the cache.
func (d *DiskService) ReadPage(origin Origin, pos int64, useCache bool) (*Page, error) {
	if err := d.checkClosed(); err != nil {
		return nil, err
	}
	load := func() (*Page, error) {
		buf := make([]byte, PageSize)
		stream := d.streamFor(origin)
		if _, err := stream.ReadAt(buf, pos); err != nil {
			return nil, wrapErr(ErrCodeIOFailure, fmt.Sprintf("read page at %s:%d", origin, pos), err)
		}
		return LoadPage(buf)
	}
	if !useCache {
		return load()
	}
	return d.cache.GetReadable(origin, pos, load)
}

// NewPage returns a fresh exclusive buffer from the cache's free list,
// stamped with id and typ but not yet assigned a stream position.
func (d *DiskService) NewPage(id PageID, typ PageType) (*Page, error) {
	return d.cache.NewPage(id, typ)
}

// WriteAsync enqueues a batch of dirty pages to be appended to the LOG in
// submission order; the returned channel delivers the byte offset each
// page landed at (in submission order) once the whole batch has been
// fsynced and published into the cache. The delivered offsets are the only
// correct input for WAL index recording: between this batch draining and
// any later observation of the LOG length, another writer's batch may have
// been appended.
func (d *DiskService) WriteAsync(pages []*Page) <-chan batchResult {
	return d.writer.submit(pages)
}

// Wait blocks until every previously submitted batch has drained.
func (d *DiskService) Wait() {
	d.writer.wait()
}

func (d *DiskService) GetLength(origin Origin) int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if origin == OriginLog {
		return d.logLen
	}
	return d.dataLen
}

func (d *DiskService) SetLength(origin Origin, n int64) error {
	stream := d.streamFor(origin)
	if err := stream.Truncate(n); err != nil {
		return wrapErr(ErrCodeIOFailure, fmt.Sprintf("truncate %s to %d", origin, n), err)
	}
	d.mu.Lock()
	if origin == OriginLog {
		d.logLen = n
	} else {
		d.dataLen = n
	}
	d.mu.Unlock()
	return nil
}

// appendLog writes raw page images to the LOG stream starting at its
// current length, returning each page's byte offset in submission order.
// Called only from the async writer goroutine.
func (d *DiskService) appendLog(pages []*Page) ([]int64, error) {
	d.mu.Lock()
	start := d.logLen
	d.mu.Unlock()

	offsets := make([]int64, len(pages))
	pos := start
	for i, p := range pages {
		if _, err := d.log.WriteAt(p.Bytes(), pos); err != nil {
			d.markClosed(err)
			return nil, wrapErr(ErrCodeIOFailure, "append log page", err)
		}
		offsets[i] = pos
		pos += PageSize
	}
	if err := d.log.Sync(); err != nil {
		d.markClosed(err)
		return nil, wrapErr(ErrCodeIOFailure, "fsync log", err)
	}
	d.mu.Lock()
	d.logLen = pos
	d.mu.Unlock()
	return offsets, nil
}

// writeDataAt copies a page image directly into the DATA file at its
// logical offset, used by the checkpointer.
func (d *DiskService) writeDataAt(p *Page) error {
	pos := int64(p.Header.PageID) * PageSize
	if _, err := d.data.WriteAt(p.Bytes(), pos); err != nil {
		d.markClosed(err)
		return wrapErr(ErrCodeIOFailure, "write data page", err)
	}
	// A reader that cached the prior image at this position must fault the
	// new bytes back in.
	d.cache.DropReadable(OriginData, pos)
	d.mu.Lock()
	if pos+PageSize > d.dataLen {
		d.dataLen = pos + PageSize
	}
	d.mu.Unlock()
	return nil
}

func (d *DiskService) syncData() error {
	if err := d.data.Sync(); err != nil {
		d.markClosed(err)
		return wrapErr(ErrCodeIOFailure, "fsync data", err)
	}
	return nil
}

func (d *DiskService) markClosed(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closedErr == nil {
		d.closedErr = wrapErr(ErrCodeIOFailure, "disk service closed with exception", cause)
		if d.logger != nil {
			d.logger.Error("disk service entering closed-with-exception state", zap.Error(cause))
		}
	}
}

func (d *DiskService) checkClosed() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closedErr
}

func (d *DiskService) Close() error {
	d.writer.stop()
	errData := d.data.Close()
	errLog := d.log.Close()
	if errData != nil {
		return wrapErr(ErrCodeIOFailure, "close data stream", errData)
	}
	if errLog != nil {
		return wrapErr(ErrCodeIOFailure, "close log stream", errLog)
	}
	return nil
}
