package transaction

import (
	"mit.edu/dsg/simpledb/common"
)

// ConcurrencyMgr is the per-transaction view of the lock table. It remembers which locks the transaction holds,
// so that repeated requests do not go back to the shared table, and releases all of them when the transaction
// ends (strict two-phase locking).
type ConcurrencyMgr struct {
	txNum     common.TxNum
	lockTable *LockTable
	heldLocks map[common.BlockID]LockMode
}

func NewConcurrencyMgr(txNum common.TxNum, lt *LockTable) *ConcurrencyMgr {
	return &ConcurrencyMgr{
		txNum:     txNum,
		lockTable: lt,
		heldLocks: make(map[common.BlockID]LockMode),
	}
}

// SLock obtains a shared lock on blk unless the transaction already holds a lock on it.
func (cm *ConcurrencyMgr) SLock(blk common.BlockID) error {
	if _, ok := cm.heldLocks[blk]; ok {
		return nil
	}
	if err := cm.lockTable.SLock(cm.txNum, blk); err != nil {
		return err
	}
	cm.heldLocks[blk] = LockModeS
	return nil
}

// XLock obtains an exclusive lock on blk. The shared lock is taken first and then upgraded.
func (cm *ConcurrencyMgr) XLock(blk common.BlockID) error {
	if mode, ok := cm.heldLocks[blk]; ok && CoveredBy(LockModeX, mode) {
		return nil
	}
	if err := cm.SLock(blk); err != nil {
		return err
	}
	if err := cm.lockTable.XLock(cm.txNum, blk); err != nil {
		return err
	}
	cm.heldLocks[blk] = LockModeX
	return nil
}

// Holds reports the lock the transaction holds on blk, if any.
func (cm *ConcurrencyMgr) Holds(blk common.BlockID) (LockMode, bool) {
	mode, ok := cm.heldLocks[blk]
	return mode, ok
}

// ReleaseAll releases every lock held by the transaction.
func (cm *ConcurrencyMgr) ReleaseAll() {
	for blk := range cm.heldLocks {
		cm.lockTable.Unlock(cm.txNum, blk)
	}
	clear(cm.heldLocks)
}
