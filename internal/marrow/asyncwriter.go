package marrow

import (
	"sync"

	"go.uber.org/zap"
)

// batchResult is delivered once a submitted batch has been durably
// appended to the LOG: the byte offset each page landed at, in submission
// order, or the first error encountered. These offsets are the authority
// for WAL index recording; callers must never re-derive them from the LOG
// length, which another batch may have grown in the meantime.
type batchResult struct {
	offsets []int64
	err     error
}

type writeJob struct {
	pages  []*Page
	result chan batchResult
}

// asyncWriter is the disk service's single producer/single consumer write
// queue: callers enqueue dirty-page batches, the single background
// goroutine appends them to the LOG in submission order, fsyncs at the
// batch boundary, and publishes each page into the cache as readable.
type asyncWriter struct {
	logger *zap.Logger
	ds     *DiskService

	queue  chan writeJob
	done   chan struct{}
	wg     sync.WaitGroup
	drainW sync.WaitGroup
}

func newAsyncWriter(logger *zap.Logger, ds *DiskService) *asyncWriter {
	w := &asyncWriter{
		logger: logger,
		ds:     ds,
		queue:  make(chan writeJob, 64),
		done:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *asyncWriter) run() {
	defer w.wg.Done()
	for {
		select {
		case job, ok := <-w.queue:
			if !ok {
				return
			}
			offsets, err := w.ds.appendLog(job.pages)
			if err == nil {
				for i, p := range job.pages {
					w.ds.cache.MoveToReadable(OriginLog, offsets[i], p)
				}
			}
			job.result <- batchResult{offsets: offsets, err: err}
			w.drainW.Done()
		case <-w.done:
			return
		}
	}
}

// submit enqueues a batch and returns a channel that receives a single
// batchResult (per-page LOG offsets, or an error) once it has been durably
// written.
func (w *asyncWriter) submit(pages []*Page) <-chan batchResult {
	w.drainW.Add(1)
	result := make(chan batchResult, 1)
	select {
	case w.queue <- writeJob{pages: pages, result: result}:
	case <-w.done:
		w.drainW.Done()
		result <- batchResult{err: ErrEngineClosed}
	}
	return result
}

// wait blocks until every batch submitted so far has drained.
func (w *asyncWriter) wait() {
	w.drainW.Wait()
}

func (w *asyncWriter) stop() {
	close(w.done)
	w.wg.Wait()
}
