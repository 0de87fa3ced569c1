package simpledb

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"mit.edu/dsg/simpledb/common"
	"mit.edu/dsg/simpledb/config"
	"mit.edu/dsg/simpledb/logging"
	"mit.edu/dsg/simpledb/recovery"
	"mit.edu/dsg/simpledb/storage"
	"mit.edu/dsg/simpledb/transaction"
)

// DB is the top-level container for one database directory.
type DB struct {
	ID                 uuid.UUID
	FileMgr            *storage.FileMgr
	LogMgr             *logging.LogMgr
	BufferMgr          *storage.BufferMgr
	LockTable          *transaction.LockTable
	RecoveryMgr        *recovery.RecoveryMgr
	TransactionManager *transaction.TransactionManager

	cfg          config.Config
	flusher      *recovery.BackgroundFlusher
	lastRecovery recovery.RecoveryStats
	recovered    bool
	log          *slog.Logger
	closeOnce    sync.Once
	closeErr     error
}

// Open opens dir with default settings.
func Open(dir string) (*DB, error) {
	cfg := config.Default()
	cfg.Dir = dir
	return New(cfg)
}

// New opens (or creates) the database described by cfg. An existing database is recovered before New returns, so
// the first transaction sees only committed data.
func New(cfg config.Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fm, err := storage.NewFileMgr(cfg.Dir, cfg.BlockSize)
	if err != nil {
		return nil, err
	}
	lm, err := logging.NewLogMgr(fm, cfg.LogFile)
	if err != nil {
		return nil, errors.Join(err, fm.Close())
	}
	bm := storage.NewBufferMgr(fm, lm, cfg.NumBuffers, cfg.PinTimeout)
	lt := transaction.NewLockTable(cfg.LockTimeout)
	rm := recovery.NewRecoveryMgr(lm, bm)

	db := &DB{
		ID:                 uuid.New(),
		FileMgr:            fm,
		LogMgr:             lm,
		BufferMgr:          bm,
		LockTable:          lt,
		RecoveryMgr:        rm,
		TransactionManager: transaction.NewTransactionManager(fm, bm, lt, rm),
		cfg:                cfg,
	}
	db.log = common.Logger().With("db", db.ID.String(), "dir", cfg.Dir)

	if fm.IsNew() {
		db.log.Info("creating new database", "block_size", cfg.BlockSize, "buffers", cfg.NumBuffers)
	} else {
		db.log.Info("recovering existing database")
		if db.lastRecovery, err = rm.Recover(); err != nil {
			return nil, errors.Join(err, lm.Close(), fm.Close())
		}
		db.recovered = true
	}

	if cfg.FlushInterval > 0 {
		db.flusher = recovery.NewBackgroundFlusher(bm, cfg.FlushInterval)
		db.flusher.Start()
	}
	return db, nil
}

// NewTx starts a transaction.
func (db *DB) NewTx() (*transaction.Transaction, error) {
	return db.TransactionManager.Begin()
}

// Checkpoint waits for running transactions to finish and writes a checkpoint.
func (db *DB) Checkpoint() error {
	return db.TransactionManager.Checkpoint()
}

// LastRecovery returns the result of the recovery run by New. The second result is false for a new database.
func (db *DB) LastRecovery() (recovery.RecoveryStats, bool) {
	return db.lastRecovery, db.recovered
}

func (db *DB) Config() config.Config {
	return db.cfg
}

// Close writes every modified buffer and the log out and closes all files. Transactions still running are not
// committed: their changes reach disk but are undone by the recovery that runs on the next open.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		if db.flusher != nil {
			db.flusher.Stop()
		}
		if n := db.TransactionManager.ActiveCount(); n > 0 {
			db.log.Warn("closing with active transactions", "active", n)
		}
		db.closeErr = errors.Join(db.BufferMgr.FlushDirty(), db.LogMgr.Close(), db.FileMgr.Close())
		stats := db.FileMgr.Stats()
		db.log.Info("database closed", "blocks_read", stats.BlocksRead, "blocks_written", stats.BlocksWritten)
	})
	return db.closeErr
}
