package main

import (
	"errors"

	"go.uber.org/dig"
	"mit.edu/dsg/simpledb"
	"mit.edu/dsg/simpledb/config"
	"mit.edu/dsg/simpledb/storage"
)

// app owns the dependency container. Components are built on first use, so a command that only reads files never
// opens the database (and never runs recovery).
type app struct {
	container *dig.Container
	closers   []func() error
}

func newApp(cfg config.Config) (*app, error) {
	a := &app{container: dig.New()}
	constructors := []interface{}{
		func() config.Config { return cfg },
		a.fileMgr,
		a.database,
	}
	for _, constructor := range constructors {
		if err := a.container.Provide(constructor); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// invoke runs fn with its arguments resolved from the container.
func (a *app) invoke(fn interface{}) error {
	return dig.RootCause(a.container.Invoke(fn))
}

// close releases whatever the container opened, newest first.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) fileMgr(cfg config.Config) (*storage.FileMgr, error) {
	fm, err := storage.NewFileMgr(cfg.Dir, cfg.BlockSize)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, fm.Close)
	return fm, nil
}

// database opens the engine on its own files; it must not be combined with fileMgr in one command.
func (a *app) database(cfg config.Config) (*simpledb.DB, error) {
	db, err := simpledb.New(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	return db, nil
}
