package transaction

import (
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/simpledb/common"
	"mit.edu/dsg/simpledb/logging"
	"mit.edu/dsg/simpledb/recovery"
	"mit.edu/dsg/simpledb/storage"
)

const (
	testBlockSize = 400
	testFile      = "testfile"
)

type testDB struct {
	fm *storage.FileMgr
	lm *logging.LogMgr
	bm *storage.BufferMgr
	tm *TransactionManager
}

func setupTransactionManager(t *testing.T, numBuffs int, lockTimeout, pinTimeout time.Duration) *testDB {
	fm, err := storage.NewFileMgr(t.TempDir(), testBlockSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fm.Close() })
	lm, err := logging.NewLogMgr(fm, "simpledb.log")
	require.NoError(t, err)
	bm := storage.NewBufferMgr(fm, lm, numBuffs, pinTimeout)
	rm := recovery.NewRecoveryMgr(lm, bm)
	tm := NewTransactionManager(fm, bm, NewLockTable(lockTimeout), rm)
	return &testDB{fm: fm, lm: lm, bm: bm, tm: tm}
}

func (db *testDB) begin(t *testing.T) *Transaction {
	tx, err := db.tm.Begin()
	require.NoError(t, err)
	return tx
}

func TestTransaction_ReadWriteCommit(t *testing.T) {
	db := setupTransactionManager(t, 8, time.Second, time.Second)
	blk := common.NewBlockID(testFile, 1)

	tx1 := db.begin(t)
	assert.Equal(t, common.TxNum(1), tx1.TxNum())
	require.NoError(t, tx1.SetInt(blk, 80, 1))
	require.NoError(t, tx1.SetString(blk, 40, "one"))
	require.NoError(t, tx1.Commit())
	assert.Equal(t, TxCommitted, tx1.State())

	tx2 := db.begin(t)
	assert.Equal(t, common.TxNum(2), tx2.TxNum())
	ival, err := tx2.GetInt(blk, 80)
	require.NoError(t, err)
	sval, err := tx2.GetString(blk, 40)
	require.NoError(t, err)
	assert.Equal(t, int32(1), ival)
	assert.Equal(t, "one", sval)

	require.NoError(t, tx2.SetInt(blk, 80, ival+1))
	require.NoError(t, tx2.SetString(blk, 40, sval+"!"))
	require.NoError(t, tx2.Commit())

	tx3 := db.begin(t)
	ival, err = tx3.GetInt(blk, 80)
	require.NoError(t, err)
	sval, err = tx3.GetString(blk, 40)
	require.NoError(t, err)
	assert.Equal(t, int32(2), ival)
	assert.Equal(t, "one!", sval)
	require.NoError(t, tx3.Commit())
}

func TestTransaction_RollbackRestores(t *testing.T) {
	db := setupTransactionManager(t, 8, time.Second, time.Second)
	blk := common.NewBlockID(testFile, 0)

	tx1 := db.begin(t)
	require.NoError(t, tx1.SetInt(blk, 0, 10))
	require.NoError(t, tx1.SetString(blk, 20, "keep"))
	require.NoError(t, tx1.Commit())

	tx2 := db.begin(t)
	require.NoError(t, tx2.SetInt(blk, 0, 99))
	require.NoError(t, tx2.SetString(blk, 20, "discard"))
	require.NoError(t, tx2.SetInt(blk, 0, 100))
	v, err := tx2.GetInt(blk, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(100), v, "a transaction sees its own writes")
	require.NoError(t, tx2.Rollback())
	assert.Equal(t, TxRolledBack, tx2.State())

	tx3 := db.begin(t)
	v, err = tx3.GetInt(blk, 0)
	require.NoError(t, err)
	s, err := tx3.GetString(blk, 20)
	require.NoError(t, err)
	assert.Equal(t, int32(10), v)
	assert.Equal(t, "keep", s)
	require.NoError(t, tx3.Commit())
}

// TestTransaction_RollbackStringOverOtherData writes strings over bytes that do not hold a string (an int, and a
// longer span than the string previously there) and checks that rollback restores every overwritten byte.
func TestTransaction_RollbackStringOverOtherData(t *testing.T) {
	db := setupTransactionManager(t, 8, time.Second, time.Second)
	blk := common.NewBlockID(testFile, 0)

	tx1 := db.begin(t)
	require.NoError(t, tx1.SetInt(blk, 0, 1000))
	require.NoError(t, tx1.SetString(blk, 40, "ab"))
	require.NoError(t, tx1.SetInt(blk, 48, 77))
	require.NoError(t, tx1.Commit())

	tx2 := db.begin(t)
	require.NoError(t, tx2.SetString(blk, 0, "x"))
	require.NoError(t, tx2.SetString(blk, 40, "a much longer string"))
	require.NoError(t, tx2.Rollback())

	tx3 := db.begin(t)
	v, err := tx3.GetInt(blk, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1000), v)
	s, err := tx3.GetString(blk, 40)
	require.NoError(t, err)
	assert.Equal(t, "ab", s)
	v, err = tx3.GetInt(blk, 48)
	require.NoError(t, err)
	assert.Equal(t, int32(77), v, "bytes past the old string are restored too")
	require.NoError(t, tx3.Commit())
}

// TestTransaction_StringTooLargeToLog writes a string that fits in the block but whose undo record does not fit in a
// log block. The write is refused before the page changes.
func TestTransaction_StringTooLargeToLog(t *testing.T) {
	db := setupTransactionManager(t, 8, time.Second, time.Second)
	blk := common.NewBlockID(testFile, 0)

	tx := db.begin(t)
	require.NoError(t, tx.SetInt(blk, 0, 42))
	err := tx.SetString(blk, 0, strings.Repeat("z", 370))
	assert.True(t, common.IsCode(err, common.SerializationError))
	v, err := tx.GetInt(blk, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(42), v)
	require.NoError(t, tx.Rollback())
}

func TestTransaction_FinishedTransactionRejectsCalls(t *testing.T) {
	db := setupTransactionManager(t, 8, time.Second, time.Second)
	blk := common.NewBlockID(testFile, 0)

	tx := db.begin(t)
	require.NoError(t, tx.Commit())

	isAbort := func(err error) bool { return common.IsCode(err, common.TransactionAbortError) }
	_, err := tx.GetInt(blk, 0)
	assert.True(t, isAbort(err))
	assert.True(t, isAbort(tx.SetInt(blk, 0, 1)))
	_, err = tx.GetString(blk, 0)
	assert.True(t, isAbort(err))
	assert.True(t, isAbort(tx.SetString(blk, 0, "x")))
	assert.True(t, isAbort(tx.Pin(blk)))
	assert.True(t, isAbort(tx.Unpin(blk)))
	_, err = tx.AppendBlock(testFile)
	assert.True(t, isAbort(err))
	_, err = tx.Size(testFile)
	assert.True(t, isAbort(err))
	_, err = tx.AvailableBuffers()
	assert.True(t, isAbort(err))
	assert.True(t, isAbort(tx.Commit()))
	assert.True(t, isAbort(tx.Rollback()))
	assert.Equal(t, TxCommitted, tx.State())
}

func TestTransaction_BadOffset(t *testing.T) {
	db := setupTransactionManager(t, 8, time.Second, time.Second)
	blk := common.NewBlockID(testFile, 0)
	tx := db.begin(t)
	defer tx.Rollback()

	isBadOffset := func(err error) bool { return common.IsCode(err, common.BadOffsetError) }
	assert.True(t, isBadOffset(tx.SetInt(blk, testBlockSize-2, 1)))
	assert.True(t, isBadOffset(tx.SetInt(blk, -1, 1)))
	assert.True(t, isBadOffset(tx.SetString(blk, testBlockSize-8, "too long")))
	_, err := tx.GetInt(blk, testBlockSize)
	assert.True(t, isBadOffset(err))

	// A length prefix pointing past the block
	require.NoError(t, tx.SetInt(blk, 100, 1000))
	_, err = tx.GetString(blk, 100)
	assert.True(t, isBadOffset(err))

	// The last int of the block is fine
	require.NoError(t, tx.SetInt(blk, testBlockSize-4, 7))
}

func TestTransaction_PinsReleasedAtEnd(t *testing.T) {
	db := setupTransactionManager(t, 4, time.Second, time.Second)

	tx := db.begin(t)
	for i := int32(0); i < 3; i++ {
		require.NoError(t, tx.Pin(common.NewBlockID(testFile, i)))
	}
	require.NoError(t, tx.Pin(common.NewBlockID(testFile, 0)))
	n, err := tx.AvailableBuffers()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, tx.Unpin(common.NewBlockID(testFile, 0)))
	n, _ = tx.AvailableBuffers()
	assert.Equal(t, 1, n, "block 0 is still pinned once")

	require.NoError(t, tx.SetInt(common.NewBlockID(testFile, 1), 0, 5))
	require.NoError(t, tx.Commit())
	assert.Equal(t, 4, db.bm.Available())
	assert.Equal(t, 0, db.tm.ActiveCount())
}

func TestTransaction_BufferStarvation(t *testing.T) {
	db := setupTransactionManager(t, 2, time.Second, 100*time.Millisecond)

	tx1 := db.begin(t)
	require.NoError(t, tx1.Pin(common.NewBlockID(testFile, 0)))
	require.NoError(t, tx1.Pin(common.NewBlockID(testFile, 1)))

	tx2 := db.begin(t)
	_, err := tx2.GetInt(common.NewBlockID(testFile, 2), 0)
	assert.True(t, common.IsCode(err, common.BufferAbortError))
	require.NoError(t, tx2.Rollback())

	require.NoError(t, tx1.Commit())
	assert.Equal(t, 2, db.bm.Available())
}

func TestTransaction_AppendAndSize(t *testing.T) {
	db := setupTransactionManager(t, 8, 100*time.Millisecond, time.Second)

	tx1 := db.begin(t)
	n, err := tx1.Size(testFile)
	require.NoError(t, err)
	assert.Equal(t, int32(0), n)
	blk, err := tx1.AppendBlock(testFile)
	require.NoError(t, err)
	assert.Equal(t, common.NewBlockID(testFile, 0), blk)
	n, err = tx1.Size(testFile)
	require.NoError(t, err)
	assert.Equal(t, int32(1), n)
	assert.Equal(t, testBlockSize, tx1.BlockSize())

	// The end of file is locked exclusively until tx1 ends
	tx2 := db.begin(t)
	_, err = tx2.Size(testFile)
	assert.True(t, common.IsCode(err, common.DeadlockError))
	require.NoError(t, tx2.Rollback())

	require.NoError(t, tx1.Commit())
	tx3 := db.begin(t)
	n, err = tx3.Size(testFile)
	require.NoError(t, err)
	assert.Equal(t, int32(1), n)
	require.NoError(t, tx3.Commit())
}

func TestTransaction_SharedReaders(t *testing.T) {
	db := setupTransactionManager(t, 8, 100*time.Millisecond, time.Second)
	blk := common.NewBlockID(testFile, 0)

	tx1 := db.begin(t)
	tx2 := db.begin(t)
	_, err := tx1.GetInt(blk, 0)
	require.NoError(t, err)
	_, err = tx2.GetInt(blk, 0)
	require.NoError(t, err, "readers do not block each other")

	// Neither reader can upgrade while the other holds S
	assert.True(t, common.IsCode(tx1.SetInt(blk, 0, 1), common.DeadlockError))
	require.NoError(t, tx1.Rollback())
	require.NoError(t, tx2.SetInt(blk, 0, 2))
	require.NoError(t, tx2.Commit())
}

// TestTransaction_WriterBlocksReader checks strict two-phase locking: a reader of a block written by an
// uncommitted transaction waits until that transaction commits, and then sees the committed value.
func TestTransaction_WriterBlocksReader(t *testing.T) {
	db := setupTransactionManager(t, 8, 5*time.Second, time.Second)
	blk := common.NewBlockID(testFile, 0)

	writer := db.begin(t)
	require.NoError(t, writer.SetInt(blk, 0, 42))

	reader := db.begin(t)
	result := make(chan int32, 1)
	go func() {
		v, err := reader.GetInt(blk, 0)
		if err != nil {
			v = -1
		}
		result <- v
	}()

	time.Sleep(100 * time.Millisecond)
	select {
	case <-result:
		t.Fatal("reader was not blocked by the writer")
	default:
	}

	require.NoError(t, writer.Commit())
	select {
	case v := <-result:
		assert.Equal(t, int32(42), v)
	case <-time.After(3 * time.Second):
		t.Fatal("reader was not woken up after commit")
	}
	require.NoError(t, reader.Commit())
}

// TestTransaction_ConcurrentIncrements runs several goroutines that each increment a shared counter in their own
// transactions, retrying on lock timeouts. The final value must equal the number of successful commits.
func TestTransaction_ConcurrentIncrements(t *testing.T) {
	db := setupTransactionManager(t, 8, 50*time.Millisecond, time.Second)
	blk := common.NewBlockID(testFile, 0)

	const workers = 4
	const perWorker = 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for done := 0; done < perWorker; {
				tx, err := db.tm.Begin()
				if err != nil {
					t.Error(err)
					return
				}
				v, err := tx.GetInt(blk, 0)
				if err == nil {
					err = tx.SetInt(blk, 0, v+1)
				}
				if err != nil {
					if !common.IsRetryable(err) {
						t.Error(err)
					}
					_ = tx.Rollback()
					time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
					continue
				}
				if err := tx.Commit(); err != nil {
					t.Error(err)
					return
				}
				done++
			}
		}()
	}
	wg.Wait()

	tx := db.begin(t)
	v, err := tx.GetInt(blk, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(workers*perWorker), v)
	require.NoError(t, tx.Commit())
}

func TestTransactionManager_CheckpointWaitsForActive(t *testing.T) {
	db := setupTransactionManager(t, 8, time.Second, time.Second)
	blk := common.NewBlockID(testFile, 0)

	tx := db.begin(t)
	require.NoError(t, tx.SetInt(blk, 0, 5))
	assert.Equal(t, 1, db.tm.ActiveCount())
	assert.Equal(t, []common.TxNum{1}, db.tm.ActiveTxNums())

	done := make(chan error, 1)
	go func() {
		done <- db.tm.Checkpoint()
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("checkpoint ran while a transaction was active")
	default:
	}

	require.NoError(t, tx.Commit())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("checkpoint did not run after the transaction finished")
	}

	it, err := db.lm.Iterator()
	require.NoError(t, err)
	require.True(t, it.Next())
	rec, err := logging.DecodeLogRecord(it.Record())
	require.NoError(t, err)
	assert.Equal(t, logging.OpCheckpoint, rec.Op())
}
