package transaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/simpledb/common"
)

var testBlk = common.NewBlockID("table", 3)

func TestLockTable_SharedLocksAreCompatible(t *testing.T) {
	lt := NewLockTable(100 * time.Millisecond)

	require.NoError(t, lt.SLock(1, testBlk))
	require.NoError(t, lt.SLock(2, testBlk))
	require.NoError(t, lt.SLock(1, testBlk), "repeated S lock is harmless")
	assert.True(t, lt.LockHeld(testBlk))

	lt.Unlock(1, testBlk)
	assert.True(t, lt.LockHeld(testBlk))
	lt.Unlock(2, testBlk)
	assert.False(t, lt.LockHeld(testBlk))
}

func TestLockTable_ExclusiveExcludes(t *testing.T) {
	lt := NewLockTable(100 * time.Millisecond)
	require.NoError(t, lt.XLock(1, testBlk))
	require.NoError(t, lt.XLock(1, testBlk), "re-acquiring own X lock")
	require.NoError(t, lt.SLock(1, testBlk), "X covers S")

	err := lt.SLock(2, testBlk)
	assert.True(t, common.IsCode(err, common.DeadlockError))
	err = lt.XLock(2, testBlk)
	assert.True(t, common.IsCode(err, common.DeadlockError))

	lt.Unlock(1, testBlk)
	require.NoError(t, lt.XLock(2, testBlk))
	lt.Unlock(2, testBlk)
	assert.False(t, lt.LockHeld(testBlk))
}

func TestLockTable_SharedBlocksExclusive(t *testing.T) {
	lt := NewLockTable(100 * time.Millisecond)
	require.NoError(t, lt.SLock(1, testBlk))

	start := time.Now()
	err := lt.XLock(2, testBlk)
	assert.True(t, common.IsCode(err, common.DeadlockError))
	assert.True(t, common.IsRetryable(err))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// The failed request must not leave anything behind
	lt.Unlock(1, testBlk)
	assert.False(t, lt.LockHeld(testBlk))
}

func TestLockTable_Upgrade(t *testing.T) {
	lt := NewLockTable(100 * time.Millisecond)

	// Sole reader upgrades immediately
	require.NoError(t, lt.SLock(1, testBlk))
	require.NoError(t, lt.XLock(1, testBlk))
	assert.True(t, common.IsCode(lt.SLock(2, testBlk), common.DeadlockError))
	lt.Unlock(1, testBlk)

	// Upgrade waits for the other reader
	require.NoError(t, lt.SLock(1, testBlk))
	require.NoError(t, lt.SLock(2, testBlk))
	assert.True(t, common.IsCode(lt.XLock(1, testBlk), common.DeadlockError))
	lt.Unlock(2, testBlk)
	require.NoError(t, lt.XLock(1, testBlk))
	lt.Unlock(1, testBlk)
	assert.False(t, lt.LockHeld(testBlk))
}

// TestLockTable_WaiterIsWokenOnRelease checks that a blocked request is granted as soon as the holder releases,
// well before the timeout.
func TestLockTable_WaiterIsWokenOnRelease(t *testing.T) {
	lt := NewLockTable(5 * time.Second)
	require.NoError(t, lt.XLock(1, testBlk))

	granted := make(chan error, 1)
	start := time.Now()
	go func() {
		granted <- lt.SLock(2, testBlk)
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-granted:
		t.Fatal("S lock granted while X lock is held")
	default:
	}

	lt.Unlock(1, testBlk)
	select {
	case err := <-granted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken up")
	}
	assert.Less(t, time.Since(start), 2*time.Second)
	lt.Unlock(2, testBlk)
}

func TestLockTable_UnlockNotHeld(t *testing.T) {
	lt := NewLockTable(100 * time.Millisecond)
	lt.Unlock(1, testBlk)

	require.NoError(t, lt.SLock(1, testBlk))
	lt.Unlock(2, testBlk)
	assert.True(t, lt.LockHeld(testBlk), "unlocking another transaction's lock does nothing")
	lt.Unlock(1, testBlk)
}

func TestConcurrencyMgr_TracksLocks(t *testing.T) {
	lt := NewLockTable(100 * time.Millisecond)
	cm1 := NewConcurrencyMgr(1, lt)
	cm2 := NewConcurrencyMgr(2, lt)
	other := common.NewBlockID("table", 4)

	require.NoError(t, cm1.SLock(testBlk))
	mode, ok := cm1.Holds(testBlk)
	assert.True(t, ok)
	assert.Equal(t, LockModeS, mode)

	require.NoError(t, cm1.XLock(testBlk))
	mode, _ = cm1.Holds(testBlk)
	assert.Equal(t, LockModeX, mode)
	require.NoError(t, cm1.SLock(testBlk), "S request under X is a no-op")
	mode, _ = cm1.Holds(testBlk)
	assert.Equal(t, LockModeX, mode)

	require.NoError(t, cm1.XLock(other))
	assert.True(t, common.IsCode(cm2.SLock(other), common.DeadlockError))
	_, ok = cm2.Holds(other)
	assert.False(t, ok)

	cm1.ReleaseAll()
	assert.False(t, lt.LockHeld(testBlk))
	assert.False(t, lt.LockHeld(other))
	require.NoError(t, cm2.XLock(other))
	cm2.ReleaseAll()
}

func TestCoveredBy(t *testing.T) {
	assert.True(t, CoveredBy(LockModeS, LockModeS))
	assert.True(t, CoveredBy(LockModeS, LockModeX))
	assert.True(t, CoveredBy(LockModeX, LockModeX))
	assert.False(t, CoveredBy(LockModeX, LockModeS))
}
