package storage

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"mit.edu/dsg/simpledb/common"
)

// retryInterval bounds how long a starved Pin sleeps before scanning the pool again, even without a wakeup.
const retryInterval = 50 * time.Millisecond

// BufferMgr caches blocks in a fixed set of buffers. Clients pin a block to get a buffer holding it and unpin
// the buffer when they are done; pinned buffers are never replaced. When every buffer is pinned, Pin waits for an
// unpin up to maxWait and then fails with BufferAbortError, which callers treat as a signal to abort.
//
// Buffer replacement uses the clock algorithm over the frames. Lookups go through a concurrent page table, so
// pins on different blocks do not contend on a global latch.
type BufferMgr struct {
	fm        *FileMgr
	lf        LogFlusher
	buffers   []Buffer
	clockHand atomic.Uint64
	pageTable *xsync.MapOf[common.BlockID, *Buffer]
	available atomic.Int32
	maxWait   time.Duration

	// freed is closed (and replaced) when a buffer becomes unpinned while someone is waiting for one.
	waitMu  sync.Mutex
	freed   chan struct{}
	waiting bool
}

// NewBufferMgr creates a pool of numBuffs buffers. Pin gives up after maxWait when no buffer is available.
func NewBufferMgr(fm *FileMgr, lf LogFlusher, numBuffs int, maxWait time.Duration) *BufferMgr {
	common.Assert(numBuffs > 0, "buffer pool needs at least one buffer, got %d", numBuffs)
	bm := &BufferMgr{
		fm:        fm,
		lf:        lf,
		buffers:   make([]Buffer, numBuffs),
		pageTable: xsync.NewMapOf[common.BlockID, *Buffer](),
		maxWait:   maxWait,
		freed:     make(chan struct{}),
	}
	for i := range bm.buffers {
		bm.buffers[i] = newBuffer(fm.BlockSize())
	}
	bm.available.Store(int32(numBuffs))
	return bm
}

// Available returns the number of unpinned buffers.
func (bm *BufferMgr) Available() int {
	return int(bm.available.Load())
}

// NumBuffers returns the size of the pool.
func (bm *BufferMgr) NumBuffers() int {
	return len(bm.buffers)
}

// Pin returns a buffer holding blk, pinned once more on behalf of the caller. If blk is not cached, an unpinned
// buffer is chosen, written back if dirty and loaded with blk.
func (bm *BufferMgr) Pin(blk common.BlockID) (*Buffer, error) {
	deadline := time.Now().Add(bm.maxWait)
	for {
		if buf, ok := bm.pageTable.Load(blk); ok {
			if bm.tryPinResident(buf, blk) {
				return buf, nil
			}
			continue
		}

		// Grab the wakeup channel before scanning so an unpin racing with the scan is not missed.
		freed := bm.waitChan()
		victim := bm.findVictim()
		if victim == nil {
			if !waitUntil(freed, deadline) {
				common.Logger().Warn("buffer pin timed out", "block", blk.String(), "wait", bm.maxWait)
				return nil, common.NewError(common.BufferAbortError, "no buffer available for %s after %s", blk, bm.maxWait)
			}
			continue
		}
		// victim is returned LOCKED

		// Others may be loading the same block. Only the goroutine that installs its buffer in the page table loads it
		actual, loaded := bm.pageTable.LoadOrStore(blk, victim)
		if loaded {
			victim.Unlock()
			if bm.tryPinResident(actual, blk) {
				return actual, nil
			}
			continue
		}

		if err := victim.flush(bm.fm, bm.lf); err != nil {
			victim.Unlock()
			bm.pageTable.Delete(blk)
			return nil, err
		}
		if victim.assigned {
			// Drop the old mapping only after the write-back so nobody re-reads a stale block from disk
			bm.pageTable.Delete(victim.blk)
			victim.assigned = false
		}

		if err := bm.fm.Read(blk, victim.contents); err != nil {
			victim.Unlock()
			bm.pageTable.Delete(blk)
			return nil, err
		}

		victim.blk = blk
		victim.assigned = true
		victim.pins = 1
		// Only a second pin marks the buffer as hot
		victim.refBit = false
		victim.txNum = common.InvalidTxNum
		victim.lsn = common.InvalidLSN
		bm.available.Add(-1)
		victim.Unlock()
		return victim, nil
	}
}

// Unpin releases one pin on buf. When the count drops to zero the buffer becomes a replacement candidate and
// waiting pinners are woken up.
func (bm *BufferMgr) Unpin(buf *Buffer) {
	buf.Lock()
	common.Assert(buf.pins > 0, "unpinning %s which is not pinned", buf.blk)
	buf.pins--
	free := buf.pins == 0
	buf.Unlock()

	if free {
		bm.available.Add(1)
		bm.notifyUnpin()
	}
}

// FlushAll writes back every buffer modified by txNum.
func (bm *BufferMgr) FlushAll(txNum common.TxNum) error {
	return bm.flushWhere(func(buf *Buffer) bool {
		return buf.txNum == txNum
	})
}

// FlushDirty writes back every dirty buffer regardless of pins. Callers must make sure no transaction is
// modifying pages concurrently (recovery, checkpoint, shutdown).
func (bm *BufferMgr) FlushDirty() error {
	return bm.flushWhere(func(buf *Buffer) bool {
		return buf.txNum != common.InvalidTxNum
	})
}

// FlushUnpinned writes back dirty buffers nobody has pinned. It is safe to call while transactions run, since an
// unpinned page cannot be modified without first being pinned, which waits for the buffer latch.
func (bm *BufferMgr) FlushUnpinned() (int, error) {
	flushed := 0
	err := bm.flushWhere(func(buf *Buffer) bool {
		if buf.pins == 0 && buf.txNum != common.InvalidTxNum {
			flushed++
			return true
		}
		return false
	})
	return flushed, err
}

// DirtyBlocks returns the blocks held by dirty buffers, with the transaction that modified them.
func (bm *BufferMgr) DirtyBlocks() map[common.BlockID]common.TxNum {
	dirty := make(map[common.BlockID]common.TxNum)
	bm.pageTable.Range(func(blk common.BlockID, buf *Buffer) bool {
		buf.Lock()
		defer buf.Unlock()
		if buf.assigned && buf.blk == blk && buf.txNum != common.InvalidTxNum {
			dirty[blk] = buf.txNum
		}
		return true
	})
	return dirty
}

func (bm *BufferMgr) flushWhere(pred func(buf *Buffer) bool) error {
	for i := range bm.buffers {
		buf := &bm.buffers[i]
		buf.Lock()
		var err error
		if buf.assigned && pred(buf) {
			err = buf.flush(bm.fm, bm.lf)
		}
		buf.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (bm *BufferMgr) tryPinResident(buf *Buffer, blk common.BlockID) bool {
	buf.Lock()
	defer buf.Unlock()
	// Another goroutine may have replaced the block after we looked the buffer up but before we locked it.
	if !buf.assigned || buf.blk != blk {
		return false
	}
	if buf.pins == 0 {
		bm.available.Add(-1)
	}
	buf.pins++
	buf.refBit = true
	return true
}

// findVictim sweeps the clock at most twice around the pool. The first lap honours reference bits; the second
// takes any unpinned buffer. Returns nil if every buffer is pinned.
func (bm *BufferMgr) findVictim() *Buffer {
	n := uint64(len(bm.buffers))
	start := bm.clockHand.Add(1)
	for i := uint64(0); i < 2*n; i++ {
		buf := &bm.buffers[(start+i)%n]
		buf.Lock()
		if buf.pins > 0 {
			buf.Unlock()
			continue
		}
		if !buf.refBit || i >= n {
			// Return it LOCKED so the caller can safely swap the contents.
			return buf
		}
		buf.refBit = false
		buf.Unlock()
	}
	return nil
}

func (bm *BufferMgr) waitChan() <-chan struct{} {
	bm.waitMu.Lock()
	defer bm.waitMu.Unlock()
	bm.waiting = true
	return bm.freed
}

func (bm *BufferMgr) notifyUnpin() {
	bm.waitMu.Lock()
	defer bm.waitMu.Unlock()
	if bm.waiting {
		close(bm.freed)
		bm.freed = make(chan struct{})
		bm.waiting = false
	}
}

// waitUntil blocks until ch is closed or retryInterval passes. It returns false once deadline has passed.
func waitUntil(ch <-chan struct{}, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.NewTimer(min(remaining, retryInterval))
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	}
	return true
}
