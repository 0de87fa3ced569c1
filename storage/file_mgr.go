package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"mit.edu/dsg/simpledb/common"
)

// tempFilePrefix marks scratch files that do not survive a restart.
const tempFilePrefix = "temp"

// FileStats is a snapshot of the block I/O performed by a FileMgr.
type FileStats struct {
	BlocksRead    int64
	BlocksWritten int64
}

// FileMgr performs block-addressed I/O on the files of one database directory.
//
// Every file is treated as a sequence of blockSize blocks numbered from zero. Blocks are only ever added at the
// end of a file (Append), so block numbers are contiguous and never reused. All operations are serialized by a
// single mutex, since the length of a file is shared mutable state. Writes are synced before returning.
type FileMgr struct {
	dbDir     string
	blockSize int
	isNew     bool
	// openFiles caches one handle per file name to avoid reopening on every access.
	openFiles *xsync.MapOf[string, *os.File]
	mu        sync.Mutex

	blocksRead    atomic.Int64
	blocksWritten atomic.Int64
}

// NewFileMgr opens (or creates) the database directory dbDir. Leftover temporary files from a previous run are
// removed.
func NewFileMgr(dbDir string, blockSize int) (*FileMgr, error) {
	common.Assert(blockSize > common.IntSize, "block size %d too small", blockSize)

	_, err := os.Stat(dbDir)
	isNew := errors.Is(err, os.ErrNotExist)
	if err != nil && !isNew {
		return nil, common.WrapError(common.IOError, err, "cannot stat database directory %s", dbDir)
	}
	if isNew {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, common.WrapError(common.IOError, err, "cannot create database directory %s", dbDir)
		}
	}

	entries, err := os.ReadDir(dbDir)
	if err != nil {
		return nil, common.WrapError(common.IOError, err, "cannot list database directory %s", dbDir)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), tempFilePrefix) {
			if err := os.Remove(filepath.Join(dbDir, e.Name())); err != nil {
				return nil, common.WrapError(common.IOError, err, "cannot remove temporary file %s", e.Name())
			}
		}
	}

	return &FileMgr{
		dbDir:     dbDir,
		blockSize: blockSize,
		isNew:     isNew,
		openFiles: xsync.NewMapOf[string, *os.File](),
	}, nil
}

// Read reads the contents of blk into p. Reading a block beyond the current end of the file yields zeros.
func (fm *FileMgr) Read(blk common.BlockID, p *Page) error {
	common.Assert(p.Size() == fm.blockSize, "page size %d must match block size %d", p.Size(), fm.blockSize)
	fm.mu.Lock()
	defer fm.mu.Unlock()

	f, err := fm.getFile(blk.FileName)
	if err != nil {
		return err
	}
	buf := p.Contents()
	n, err := f.ReadAt(buf, fm.offset(blk))
	if err != nil && err != io.EOF {
		return common.WrapError(common.IOError, err, "cannot read block %s", blk)
	}
	// Short read at end of file
	clear(buf[n:])
	fm.blocksRead.Add(1)
	return nil
}

// Write writes p to blk and syncs the file.
func (fm *FileMgr) Write(blk common.BlockID, p *Page) error {
	common.Assert(p.Size() == fm.blockSize, "page size %d must match block size %d", p.Size(), fm.blockSize)
	fm.mu.Lock()
	defer fm.mu.Unlock()

	f, err := fm.getFile(blk.FileName)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(p.Contents(), fm.offset(blk)); err != nil {
		return common.WrapError(common.IOError, err, "cannot write block %s", blk)
	}
	if err := f.Sync(); err != nil {
		return common.WrapError(common.IOError, err, "cannot sync block %s", blk)
	}
	fm.blocksWritten.Add(1)
	return nil
}

// Append extends filename by one zeroed block and returns its BlockID.
func (fm *FileMgr) Append(filename string) (common.BlockID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	n, err := fm.length(filename)
	if err != nil {
		return common.BlockID{}, err
	}
	blk := common.NewBlockID(filename, n)
	f, err := fm.getFile(filename)
	if err != nil {
		return common.BlockID{}, err
	}
	if _, err := f.WriteAt(make([]byte, fm.blockSize), fm.offset(blk)); err != nil {
		return common.BlockID{}, common.WrapError(common.IOError, err, "cannot append block to %s", filename)
	}
	if err := f.Sync(); err != nil {
		return common.BlockID{}, common.WrapError(common.IOError, err, "cannot sync %s", filename)
	}
	fm.blocksWritten.Add(1)
	return blk, nil
}

// Length returns the number of blocks in filename. A file that does not exist yet is created empty.
func (fm *FileMgr) Length(filename string) (int32, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.length(filename)
}

// BlockSize returns the size of a block in bytes.
func (fm *FileMgr) BlockSize() int {
	return fm.blockSize
}

// IsNew reports whether the database directory was created by this FileMgr.
func (fm *FileMgr) IsNew() bool {
	return fm.isNew
}

// Dir returns the database directory.
func (fm *FileMgr) Dir() string {
	return fm.dbDir
}

// Stats returns the number of blocks read and written so far.
func (fm *FileMgr) Stats() FileStats {
	return FileStats{
		BlocksRead:    fm.blocksRead.Load(),
		BlocksWritten: fm.blocksWritten.Load(),
	}
}

// Close closes every open file handle. The FileMgr must not be used afterwards.
func (fm *FileMgr) Close() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	var errs []error
	fm.openFiles.Range(func(name string, f *os.File) bool {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		fm.openFiles.Delete(name)
		return true
	})
	if err := errors.Join(errs...); err != nil {
		return common.WrapError(common.IOError, err, "cannot close database files")
	}
	return nil
}

func (fm *FileMgr) offset(blk common.BlockID) int64 {
	return int64(blk.BlkNum) * int64(fm.blockSize)
}

// Should always be called LOCKED
func (fm *FileMgr) length(filename string) (int32, error) {
	f, err := fm.getFile(filename)
	if err != nil {
		return 0, err
	}
	stat, err := f.Stat()
	if err != nil {
		return 0, common.WrapError(common.IOError, err, "cannot stat %s", filename)
	}
	return int32(stat.Size() / int64(fm.blockSize)), nil
}

// Should always be called LOCKED
func (fm *FileMgr) getFile(filename string) (*os.File, error) {
	if f, ok := fm.openFiles.Load(filename); ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(fm.dbDir, filename), os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, common.WrapError(common.IOError, err, "cannot open %s", filename)
	}
	fm.openFiles.Store(filename, f)
	return f, nil
}
