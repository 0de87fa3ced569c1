package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/davecgh/go-spew/spew"
	"github.com/zeebo/blake3"
	"mit.edu/dsg/simpledb"
	"mit.edu/dsg/simpledb/common"
	"mit.edu/dsg/simpledb/logging"
	"mit.edu/dsg/simpledb/storage"
)

// RecoverCmd opens the database, which recovers it, and prints the outcome.
type RecoverCmd struct {
	Checkpoint bool `help:"Write a checkpoint after recovery"`
}

func (c *RecoverCmd) Run(rc *runContext) error {
	return rc.app.invoke(func(db *simpledb.DB) error {
		stats, recovered := db.LastRecovery()
		if !recovered {
			fmt.Fprintf(rc.out, "created new database in %s\n", rc.cfg.Dir)
			return nil
		}
		fmt.Fprintf(rc.out, "records scanned:    %d\n", stats.RecordsScanned)
		fmt.Fprintf(rc.out, "records undone:     %d\n", stats.RecordsUndone)
		fmt.Fprintf(rc.out, "reached checkpoint: %t\n", stats.ReachedCheckpoint)
		fmt.Fprintf(rc.out, "rolled back:        %v\n", stats.Unfinished)
		if c.Checkpoint {
			return db.Checkpoint()
		}
		return nil
	})
}

// LogCmd prints the log without opening the database. The log file is only read.
type LogCmd struct {
	Limit   int   `short:"n" help:"Print at most this many records (0 for all)"`
	Tx      int32 `help:"Only print records of this transaction"`
	Verbose bool  `short:"v" help:"Dump every decoded record in full"`
}

func (c *LogCmd) Run(rc *runContext) error {
	if err := requireDir(rc.cfg.Dir); err != nil {
		return err
	}
	return rc.app.invoke(func(fm *storage.FileMgr) error {
		it, err := logging.ReadLog(fm, rc.cfg.LogFile)
		if err != nil {
			return err
		}
		printed := 0
		for (c.Limit == 0 || printed < c.Limit) && it.Next() {
			rec, err := logging.DecodeLogRecord(it.Record())
			if err != nil {
				return err
			}
			if c.Tx != 0 && rec.TxNum() != common.TxNum(c.Tx) {
				continue
			}
			printed++
			if c.Verbose {
				fmt.Fprintf(rc.out, "# %s\n", it.Block())
				spew.Fdump(rc.out, rec)
				continue
			}
			fmt.Fprintf(rc.out, "%-20s %s\n", it.Block(), rec)
		}
		return it.Err()
	})
}

// DigestCmd hashes data and log files so that a directory can be compared before and after recovery.
type DigestCmd struct {
	Files []string `arg:"" optional:"" help:"Files to hash, relative to the database directory (default: all)"`
}

func (c *DigestCmd) Run(rc *runContext) error {
	if err := requireDir(rc.cfg.Dir); err != nil {
		return err
	}
	names := c.Files
	if len(names) == 0 {
		var err error
		if names, err = dataFiles(rc.cfg.Dir); err != nil {
			return err
		}
	}
	for _, name := range names {
		sum, err := fileDigest(filepath.Join(rc.cfg.Dir, name))
		if err != nil {
			return err
		}
		fmt.Fprintf(rc.out, "%s  %s\n", sum, name)
	}
	return nil
}

// StatsCmd prints the size of every file and a breakdown of the log by record type.
type StatsCmd struct{}

func (c *StatsCmd) Run(rc *runContext) error {
	if err := requireDir(rc.cfg.Dir); err != nil {
		return err
	}
	return rc.app.invoke(func(fm *storage.FileMgr) error {
		names, err := dataFiles(rc.cfg.Dir)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(rc.out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "FILE\tBLOCKS\n")
		for _, name := range names {
			n, err := fm.Length(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%d\n", name, n)
		}

		counts, err := countRecords(fm, rc.cfg.LogFile)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\nRECORD\tCOUNT\n")
		for op := logging.OpCheckpoint; op <= logging.OpSetString; op++ {
			fmt.Fprintf(w, "%s\t%d\n", op, counts[op])
		}
		fmt.Fprintf(w, "\nblock size\t%d\n", fm.BlockSize())
		return w.Flush()
	})
}

type VersionCmd struct{}

func (c *VersionCmd) Run(rc *runContext) error {
	fmt.Fprintf(rc.out, "simpledb version %s\n", version)
	return nil
}

func requireDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("database directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("database directory: %s is not a directory", dir)
	}
	return nil
}

// dataFiles lists the regular files in dir, sorted by name.
func dataFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func countRecords(fm *storage.FileMgr, logFile string) (map[logging.Op]int, error) {
	it, err := logging.ReadLog(fm, logFile)
	if err != nil {
		return nil, err
	}
	counts := make(map[logging.Op]int)
	for it.Next() {
		rec, err := logging.DecodeLogRecord(it.Record())
		if err != nil {
			return nil, err
		}
		counts[rec.Op()]++
	}
	return counts, it.Err()
}
