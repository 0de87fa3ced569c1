// Command simpledb opens and inspects a database directory: it can run recovery, dump the write-ahead log, and
// print content digests and block counts of the files in the directory.
package main

import (
	"io"
	"os"

	"github.com/alecthomas/kong"
	"mit.edu/dsg/simpledb/common"
	"mit.edu/dsg/simpledb/config"
)

const version = "0.1.0"

// Globals are the flags shared by every command. Unset flags fall back to the SIMPLEDB_* environment.
type Globals struct {
	Dir       string `name:"dir" short:"d" help:"Database directory" type:"path"`
	BlockSize int    `name:"block-size" help:"Block size in bytes"`
	LogFile   string `name:"log-file" help:"Name of the log file inside the directory"`
	EnvFile   string `name:"env-file" help:"Environment file to load" default:".env"`
	LogLevel  string `name:"log-level" help:"debug, info, warn or error"`
	JSONLogs  bool   `name:"json-logs" help:"Log in JSON"`
}

// CLI defines the command-line interface for simpledb.
type CLI struct {
	Globals

	Recover RecoverCmd `cmd:"" help:"Recover the database and report what was undone"`
	Log     LogCmd     `cmd:"" help:"Dump log records, newest first"`
	Digest  DigestCmd  `cmd:"" help:"Print BLAKE3 digests of the files in the database directory"`
	Stats   StatsCmd   `cmd:"" help:"Print block counts and log statistics"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// runContext is handed to every command's Run method.
type runContext struct {
	cfg config.Config
	out io.Writer
	app *app
}

// config merges the command-line flags over the environment.
func (g *Globals) config() (config.Config, error) {
	cfg, err := config.LoadFile(g.EnvFile)
	if err != nil {
		return config.Config{}, err
	}
	if g.Dir != "" {
		cfg.Dir = g.Dir
	}
	if g.BlockSize != 0 {
		cfg.BlockSize = g.BlockSize
	}
	if g.LogFile != "" {
		cfg.LogFile = g.LogFile
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	return cfg, cfg.Validate()
}

func (g *Globals) runContext(out io.Writer) (*runContext, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, err
	}
	format := common.LogFormatText
	if g.JSONLogs {
		format = common.LogFormatJSON
	}
	common.InitLogger(os.Stderr, common.ParseLogLevel(cfg.LogLevel), format)

	a, err := newApp(cfg)
	if err != nil {
		return nil, err
	}
	return &runContext{cfg: cfg, out: out, app: a}, nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("simpledb"),
		kong.Description("Inspect and recover a simpledb database directory"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	rc, err := cli.Globals.runContext(os.Stdout)
	ctx.FatalIfErrorf(err)
	err = ctx.Run(rc)
	if closeErr := rc.app.close(); err == nil {
		err = closeErr
	}
	ctx.FatalIfErrorf(err)
}
