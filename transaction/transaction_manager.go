package transaction

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"mit.edu/dsg/simpledb/common"
	"mit.edu/dsg/simpledb/recovery"
	"mit.edu/dsg/simpledb/storage"
)

// TransactionManager is the central component managing the lifecycle of transactions. It hands out transaction
// numbers, writes start records, and tracks which transactions are running so that a checkpoint can wait for
// them.
type TransactionManager struct {
	// activeTxns maps transaction numbers to running transactions
	activeTxns *xsync.MapOf[common.TxNum, *Transaction]

	fm        *storage.FileMgr
	bm        *storage.BufferMgr
	lockTable *LockTable
	rm        *recovery.RecoveryMgr

	nextTxNum atomic.Int32
	// quiesce is held shared by every active transaction and exclusively by Checkpoint.
	quiesce sync.RWMutex
}

// NewTransactionManager initializes the transaction manager.
func NewTransactionManager(fm *storage.FileMgr, bm *storage.BufferMgr, lt *LockTable, rm *recovery.RecoveryMgr) *TransactionManager {
	return &TransactionManager{
		activeTxns: xsync.NewMapOf[common.TxNum, *Transaction](),
		fm:         fm,
		bm:         bm,
		lockTable:  lt,
		rm:         rm,
	}
}

// Begin starts a new transaction. Transaction numbers start at 1 and increase.
//
// Begin waits while a checkpoint is in progress. A goroutine that already runs a transaction must not call Begin
// while a checkpoint may be waiting for that transaction, or both will wait forever.
func (tm *TransactionManager) Begin() (*Transaction, error) {
	tm.quiesce.RLock()
	txNum := common.TxNum(tm.nextTxNum.Add(1))
	if _, err := tm.rm.Start(txNum); err != nil {
		tm.quiesce.RUnlock()
		return nil, err
	}

	tx := newTransaction(txNum, tm)
	tm.activeTxns.Store(txNum, tx)
	common.Logger().Debug("transaction started", "tx", txNum)
	return tx, nil
}

// ActiveCount returns the number of transactions that have begun but not yet finished.
func (tm *TransactionManager) ActiveCount() int {
	return tm.activeTxns.Size()
}

// ActiveTxNums returns a snapshot of the running transaction numbers.
func (tm *TransactionManager) ActiveTxNums() []common.TxNum {
	var active []common.TxNum
	tm.activeTxns.Range(func(txNum common.TxNum, _ *Transaction) bool {
		active = append(active, txNum)
		return true
	})
	return active
}

// Checkpoint writes a quiescent checkpoint: it stops new transactions from starting, waits for the running ones to
// finish, writes every modified page out and appends a checkpoint record. Recovery never scans past that record.
func (tm *TransactionManager) Checkpoint() error {
	tm.quiesce.Lock()
	defer tm.quiesce.Unlock()

	if err := tm.bm.FlushDirty(); err != nil {
		return err
	}
	if err := tm.rm.Checkpoint(); err != nil {
		return err
	}
	common.Logger().Info("checkpoint written", "next_tx", tm.nextTxNum.Load()+1)
	return nil
}

// finish is called exactly once by each transaction when it commits or rolls back.
func (tm *TransactionManager) finish(tx *Transaction) {
	tm.activeTxns.Delete(tx.txNum)
	tm.quiesce.RUnlock()
}
