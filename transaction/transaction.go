package transaction

import (
	"errors"

	"mit.edu/dsg/simpledb/common"
	"mit.edu/dsg/simpledb/recovery"
	"mit.edu/dsg/simpledb/storage"
)

// TxState is the lifecycle state of a transaction. Committed and RolledBack are terminal.
type TxState int

const (
	TxActive TxState = iota
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "Active"
	case TxCommitted:
		return "Committed"
	case TxRolledBack:
		return "RolledBack"
	}
	return "Unknown"
}

// endOfFileBlock is the lock target standing for the end of a file. Appending takes it exclusively and reading the
// size takes it shared, so a transaction that asked for the size of a file does not see it grow (no phantoms).
func endOfFileBlock(filename string) common.BlockID {
	return common.NewBlockID(filename, -1)
}

// Transaction is the client interface to the engine: reads and writes of integers and strings at block offsets,
// with serializable isolation (strict two-phase locking on blocks) and atomic, durable commit.
//
// A Transaction belongs to one goroutine. Every method returns a TransactionAbortError once the transaction has
// committed or rolled back.
type Transaction struct {
	txNum   common.TxNum
	state   TxState
	tm      *TransactionManager
	fm      *storage.FileMgr
	bm      *storage.BufferMgr
	rm      *recovery.RecoveryMgr
	cm      *ConcurrencyMgr
	buffers *storage.BufferList
}

func newTransaction(txNum common.TxNum, tm *TransactionManager) *Transaction {
	return &Transaction{
		txNum:   txNum,
		state:   TxActive,
		tm:      tm,
		fm:      tm.fm,
		bm:      tm.bm,
		rm:      tm.rm,
		cm:      NewConcurrencyMgr(txNum, tm.lockTable),
		buffers: storage.NewBufferList(tm.bm),
	}
}

func (tx *Transaction) TxNum() common.TxNum {
	return tx.txNum
}

func (tx *Transaction) State() TxState {
	return tx.state
}

// Commit makes the transaction's changes durable, then releases its locks and pins.
//
// If the commit cannot be completed, the transaction is rolled back instead and the returned error carries
// TransactionAbortError.
func (tx *Transaction) Commit() error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	defer tx.finish()

	if err := tx.rm.Commit(tx.txNum); err != nil {
		tx.state = TxRolledBack
		if rbErr := tx.rm.Rollback(tx.txNum); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return common.WrapError(common.TransactionAbortError, err, "commit of tx %d failed", tx.txNum)
	}
	tx.state = TxCommitted
	common.Logger().Debug("transaction committed", "tx", tx.txNum)
	return nil
}

// Rollback undoes every change made by the transaction, then releases its locks and pins.
func (tx *Transaction) Rollback() error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	defer tx.finish()

	tx.state = TxRolledBack
	if err := tx.rm.Rollback(tx.txNum); err != nil {
		return common.WrapError(common.TransactionAbortError, err, "rollback of tx %d failed", tx.txNum)
	}
	return nil
}

// Pin keeps blk in the buffer pool until the transaction unpins it or ends.
func (tx *Transaction) Pin(blk common.BlockID) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	_, err := tx.buffers.Pin(blk)
	return err
}

// Unpin releases one pin taken by Pin.
func (tx *Transaction) Unpin(blk common.BlockID) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	tx.buffers.Unpin(blk)
	return nil
}

// GetInt returns the integer stored at offset of blk, after obtaining a shared lock on the block.
func (tx *Transaction) GetInt(blk common.BlockID, offset int) (int32, error) {
	if err := tx.checkActive(); err != nil {
		return 0, err
	}
	if err := tx.cm.SLock(blk); err != nil {
		return 0, err
	}
	buf, err := tx.buffers.Pin(blk)
	if err != nil {
		return 0, err
	}
	defer tx.buffers.Unpin(blk)

	p := buf.Contents()
	if !p.Fits(offset, common.IntSize) {
		return 0, badOffset(blk, offset, common.IntSize, p)
	}
	return p.GetInt(offset), nil
}

// GetString returns the string stored at offset of blk, after obtaining a shared lock on the block.
func (tx *Transaction) GetString(blk common.BlockID, offset int) (string, error) {
	if err := tx.checkActive(); err != nil {
		return "", err
	}
	if err := tx.cm.SLock(blk); err != nil {
		return "", err
	}
	buf, err := tx.buffers.Pin(blk)
	if err != nil {
		return "", err
	}
	defer tx.buffers.Unpin(blk)

	p := buf.Contents()
	if !p.Fits(offset, common.IntSize) {
		return "", badOffset(blk, offset, common.IntSize, p)
	}
	if n := int(p.GetInt(offset)); n < 0 || !p.Fits(offset, storage.MaxLength(n)) {
		return "", badOffset(blk, offset, storage.MaxLength(n), p)
	}
	return p.GetString(offset), nil
}

// SetInt stores val at offset of blk. The block is locked exclusively and the overwritten value is logged before
// the page changes.
func (tx *Transaction) SetInt(blk common.BlockID, offset int, val int32) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if err := tx.cm.XLock(blk); err != nil {
		return err
	}
	buf, err := tx.buffers.Pin(blk)
	if err != nil {
		return err
	}
	defer tx.buffers.Unpin(blk)

	p := buf.Contents()
	if !p.Fits(offset, common.IntSize) {
		return badOffset(blk, offset, common.IntSize, p)
	}
	lsn, err := tx.rm.LogSetInt(tx.txNum, blk, offset, p.GetInt(offset))
	if err != nil {
		return err
	}
	p.SetInt(offset, val)
	buf.SetModified(tx.txNum, lsn)
	return nil
}

// SetString stores val at offset of blk, with the same locking and logging as SetInt.
func (tx *Transaction) SetString(blk common.BlockID, offset int, val string) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if err := tx.cm.XLock(blk); err != nil {
		return err
	}
	buf, err := tx.buffers.Pin(blk)
	if err != nil {
		return err
	}
	defer tx.buffers.Unpin(blk)

	p := buf.Contents()
	if !p.Fits(offset, storage.MaxLength(len(val))) {
		return badOffset(blk, offset, storage.MaxLength(len(val)), p)
	}
	lsn, err := tx.rm.LogSetString(tx.txNum, blk, offset, p.GetRaw(offset, storage.MaxLength(len(val))))
	if err != nil {
		return err
	}
	p.SetString(offset, val)
	buf.SetModified(tx.txNum, lsn)
	return nil
}

// AppendBlock extends filename by one block and returns it. The end of the file is locked exclusively.
func (tx *Transaction) AppendBlock(filename string) (common.BlockID, error) {
	if err := tx.checkActive(); err != nil {
		return common.BlockID{}, err
	}
	if err := tx.cm.XLock(endOfFileBlock(filename)); err != nil {
		return common.BlockID{}, err
	}
	return tx.fm.Append(filename)
}

// Size returns the number of blocks in filename. The end of the file is locked shared.
func (tx *Transaction) Size(filename string) (int32, error) {
	if err := tx.checkActive(); err != nil {
		return 0, err
	}
	if err := tx.cm.SLock(endOfFileBlock(filename)); err != nil {
		return 0, err
	}
	return tx.fm.Length(filename)
}

func (tx *Transaction) BlockSize() int {
	return tx.fm.BlockSize()
}

// AvailableBuffers returns the number of unpinned buffers in the pool.
func (tx *Transaction) AvailableBuffers() (int, error) {
	if err := tx.checkActive(); err != nil {
		return 0, err
	}
	return tx.bm.Available(), nil
}

func (tx *Transaction) checkActive() error {
	if tx.state != TxActive {
		return common.NewError(common.TransactionAbortError, "tx %d is %s", tx.txNum, tx.state)
	}
	return nil
}

// finish releases everything the transaction holds. It runs on every exit path of Commit and Rollback.
func (tx *Transaction) finish() {
	tx.cm.ReleaseAll()
	tx.buffers.UnpinAll()
	tx.tm.finish(tx)
}

func badOffset(blk common.BlockID, offset int, n int, p *storage.Page) error {
	return common.NewError(common.BadOffsetError, "%d bytes at offset %d of %s exceed block of %d bytes",
		n, offset, blk, p.Size())
}
