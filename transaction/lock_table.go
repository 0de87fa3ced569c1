package transaction

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"mit.edu/dsg/simpledb/common"
)

// LockMode represents the type of access a transaction is requesting on a block.
type LockMode int

const (
	// LockModeS (Shared) allows reading a block. Multiple transactions can hold S locks simultaneously.
	LockModeS LockMode = iota
	// LockModeX (Exclusive) allows modification. It is incompatible with every other lock.
	LockModeX
)

func (m LockMode) String() string {
	switch m {
	case LockModeS:
		return "LockModeS"
	case LockModeX:
		return "LockModeX"
	}
	return "Unknown lock mode"
}

// CoveredBy returns true if the 'held' lock is strong enough to satisfy the 'req' lock.
func CoveredBy(req, held LockMode) bool {
	return held == LockModeX || req == held
}

type lockEntry struct {
	blk       common.BlockID
	shared    map[common.TxNum]struct{}
	exclusive common.TxNum
	waiters   int
	// released is closed (and replaced) whenever a holder lets go while someone is waiting.
	released chan struct{}

	mutex sync.Mutex
}

func (e *lockEntry) initialize(blk common.BlockID) {
	e.blk = blk
	clear(e.shared)
	e.exclusive = common.InvalidTxNum
	e.waiters = 0
	e.released = make(chan struct{})
}

func (e *lockEntry) invalidate() {
	e.blk = common.BlockID{}
}

func (e *lockEntry) held() bool {
	return e.exclusive != common.InvalidTxNum || len(e.shared) != 0
}

func (e *lockEntry) outOfScope() bool {
	return e.waiters == 0 && !e.held()
}

func (e *lockEntry) canGrant(txNum common.TxNum, mode LockMode) bool {
	if e.exclusive == txNum {
		return true
	}
	if e.exclusive != common.InvalidTxNum {
		return false
	}
	if mode == LockModeS {
		return true
	}
	// Upgrade is only possible when we are the sole reader
	if len(e.shared) == 0 {
		return true
	}
	_, mine := e.shared[txNum]
	return mine && len(e.shared) == 1
}

func (e *lockEntry) grant(txNum common.TxNum, mode LockMode) {
	if e.exclusive == txNum {
		return
	}
	if mode == LockModeS {
		e.shared[txNum] = struct{}{}
		return
	}
	delete(e.shared, txNum)
	e.exclusive = txNum
}

// acquire grants the lock or waits for holders to release it until deadline. It returns false on timeout.
// Should always be called LOCKED; the mutex is released while waiting.
func (e *lockEntry) acquire(txNum common.TxNum, mode LockMode, deadline time.Time) bool {
	for !e.canGrant(txNum, mode) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		released := e.released
		e.waiters++
		e.mutex.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-released:
		case <-timer.C:
		}
		timer.Stop()

		e.mutex.Lock()
		e.waiters--
	}
	e.grant(txNum, mode)
	return true
}

// Should always be called LOCKED
func (e *lockEntry) release(txNum common.TxNum) {
	_, wasShared := e.shared[txNum]
	delete(e.shared, txNum)
	wasExclusive := e.exclusive == txNum
	if wasExclusive {
		e.exclusive = common.InvalidTxNum
	}
	if (wasShared || wasExclusive) && e.waiters > 0 {
		close(e.released)
		e.released = make(chan struct{})
	}
}

// LockTable grants block-level shared and exclusive locks to transactions. It is shared by all transactions.
//
// A request that conflicts with the current holders waits until they release the block. There is no wait-for
// graph: a request that waits longer than the lock timeout fails with DeadlockError, on the assumption that it is
// part of a deadlock. The caller is expected to roll back.
type LockTable struct {
	lockTable *xsync.MapOf[common.BlockID, *lockEntry]
	entryPool sync.Pool
	timeout   time.Duration
}

// NewLockTable initializes a lock table whose requests give up after timeout.
func NewLockTable(timeout time.Duration) *LockTable {
	return &LockTable{
		lockTable: xsync.NewMapOf[common.BlockID, *lockEntry](),
		entryPool: sync.Pool{
			New: func() any {
				return &lockEntry{
					shared: make(map[common.TxNum]struct{}),
				}
			},
		},
		timeout: timeout,
	}
}

// SLock grants txNum a shared lock on blk, waiting while another transaction holds it exclusively.
func (lt *LockTable) SLock(txNum common.TxNum, blk common.BlockID) error {
	return lt.lock(txNum, blk, LockModeS)
}

// XLock grants txNum an exclusive lock on blk. A shared lock held by txNum alone is upgraded.
func (lt *LockTable) XLock(txNum common.TxNum, blk common.BlockID) error {
	return lt.lock(txNum, blk, LockModeX)
}

func (lt *LockTable) lock(txNum common.TxNum, blk common.BlockID, mode LockMode) error {
	deadline := time.Now().Add(lt.timeout)
	for {
		entry, ok := lt.lockTable.Load(blk)
		if !ok {
			newEntry := lt.entryPool.Get().(*lockEntry)
			newEntry.mutex.Lock()
			newEntry.initialize(blk)
			actual, loaded := lt.lockTable.LoadOrStore(blk, newEntry)
			if loaded {
				newEntry.invalidate()
				newEntry.mutex.Unlock()
				lt.entryPool.Put(newEntry)
				entry = actual
				entry.mutex.Lock()
			} else {
				entry = newEntry
			}
		} else {
			entry.mutex.Lock()
		}

		// Stale check
		if entry.blk != blk {
			entry.mutex.Unlock()
			continue
		}

		granted := entry.acquire(txNum, mode, deadline)
		if !granted && entry.outOfScope() {
			lt.retire(entry)
		}
		entry.mutex.Unlock()

		if !granted {
			common.Logger().Warn("lock request timed out", "tx", txNum, "block", blk.String(), "mode", mode.String())
			return common.NewError(common.DeadlockError, "tx %d timed out waiting %s for %s on %s",
				txNum, lt.timeout, mode, blk)
		}
		return nil
	}
}

// Unlock releases whatever lock txNum holds on blk.
func (lt *LockTable) Unlock(txNum common.TxNum, blk common.BlockID) {
	entry, ok := lt.lockTable.Load(blk)
	if !ok {
		return
	}

	entry.mutex.Lock()
	defer entry.mutex.Unlock()

	// Stale check
	common.Assert(entry.blk == blk, "lock table unlock called on stale lock for %s", blk)

	entry.release(txNum)
	if entry.outOfScope() {
		lt.retire(entry)
	}
}

// LockHeld checks if any transaction currently holds a lock on the given block.
func (lt *LockTable) LockHeld(blk common.BlockID) bool {
	entry, ok := lt.lockTable.Load(blk)
	if !ok {
		return false
	}
	entry.mutex.Lock()
	defer entry.mutex.Unlock()
	if entry.blk != blk {
		return false
	}
	return entry.held()
}

// retire removes an unused entry from the table.
// Should always be called LOCKED
func (lt *LockTable) retire(entry *lockEntry) {
	blk := entry.blk
	entry.invalidate()
	lt.lockTable.Delete(blk)
	lt.entryPool.Put(entry)
}
