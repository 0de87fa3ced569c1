package recovery

import (
	"sync"
	"time"

	"mit.edu/dsg/simpledb/common"
	"mit.edu/dsg/simpledb/storage"
)

// BackgroundFlusher is a standalone component responsible for periodically writing out dirty buffers that nobody
// has pinned. This keeps commits cheap (fewer pages left to force) and makes free buffers clean, so that Pin rarely
// has to write a victim back before reusing it.
type BackgroundFlusher struct {
	bufferMgr *storage.BufferMgr
	interval  time.Duration
	shutdown  chan struct{}
	done      sync.WaitGroup
}

// NewBackgroundFlusher creates a new flusher instance.
func NewBackgroundFlusher(bm *storage.BufferMgr, interval time.Duration) *BackgroundFlusher {
	common.Assert(interval > 0, "flush interval must be positive, got %s", interval)
	return &BackgroundFlusher{
		bufferMgr: bm,
		interval:  interval,
		shutdown:  make(chan struct{}),
	}
}

// Start initiates background flushing.
func (bf *BackgroundFlusher) Start() {
	bf.done.Add(1)
	go bf.flushLoop()
}

// Stop signals the flusher to shut down and blocks until the final flush is complete.
func (bf *BackgroundFlusher) Stop() {
	close(bf.shutdown)
	bf.done.Wait()
}

func (bf *BackgroundFlusher) flushLoop() {
	defer bf.done.Done()
	ticker := time.NewTicker(bf.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bf.flush()
		case <-bf.shutdown:
			bf.flush()
			return
		}
	}
}

// flush is best effort: a failed write leaves the buffer dirty, and it will be written by the next commit or
// replacement instead.
func (bf *BackgroundFlusher) flush() {
	n, err := bf.bufferMgr.FlushUnpinned()
	if err != nil {
		common.Logger().Warn("background flush failed", "err", err)
		return
	}
	if n > 0 {
		common.Logger().Debug("background flush", "buffers", n)
	}
}
