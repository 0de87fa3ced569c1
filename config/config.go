package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"mit.edu/dsg/simpledb/common"
)

const (
	DefaultDir         = "simpledb"
	DefaultNumBuffers  = 8
	DefaultLogFile     = "simpledb.log"
	DefaultLockTimeout = 10 * time.Second
	DefaultPinTimeout  = 10 * time.Second
	DefaultLogLevel    = "info"
	DefaultEnvFile     = ".env"
	envPrefix          = "SIMPLEDB_"
	minBlockSize       = 64
)

// Config holds the settings needed to open a database directory.
type Config struct {
	Dir        string
	BlockSize  int
	NumBuffers int
	LogFile    string
	// LockTimeout bounds how long a lock request waits before it is treated as a deadlock.
	LockTimeout time.Duration
	// PinTimeout bounds how long Pin waits for a free buffer.
	PinTimeout time.Duration
	// FlushInterval enables the background flusher when positive.
	FlushInterval time.Duration
	LogLevel      string
}

// Default returns the configuration used when nothing is set in the environment.
func Default() Config {
	return Config{
		Dir:         DefaultDir,
		BlockSize:   common.DefaultBlockSize,
		NumBuffers:  DefaultNumBuffers,
		LogFile:     DefaultLogFile,
		LockTimeout: DefaultLockTimeout,
		PinTimeout:  DefaultPinTimeout,
		LogLevel:    DefaultLogLevel,
	}
}

// Load reads .env (if present) into the environment and builds a Config from the SIMPLEDB_* variables. Variables
// already set in the environment win over the file.
func Load() (Config, error) {
	return LoadFile(DefaultEnvFile)
}

// LoadFile is Load with an explicit env file. A missing file is not an error.
func LoadFile(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	cfg := Default()
	var err error
	if v := os.Getenv(envPrefix + "DIR"); v != "" {
		cfg.Dir = v
	}
	if v := os.Getenv(envPrefix + "LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if cfg.BlockSize, err = intVar("BLOCK_SIZE", cfg.BlockSize); err != nil {
		return Config{}, err
	}
	if cfg.NumBuffers, err = intVar("BUFFERS", cfg.NumBuffers); err != nil {
		return Config{}, err
	}
	if cfg.LockTimeout, err = durationVar("LOCK_TIMEOUT", cfg.LockTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PinTimeout, err = durationVar("PIN_TIMEOUT", cfg.PinTimeout); err != nil {
		return Config{}, err
	}
	if cfg.FlushInterval, err = durationVar("FLUSH_INTERVAL", cfg.FlushInterval); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Dir == "":
		return fmt.Errorf("config: database directory is empty")
	case c.LogFile == "":
		return fmt.Errorf("config: log file name is empty")
	case c.BlockSize < minBlockSize:
		return fmt.Errorf("config: block size %d is below the minimum of %d", c.BlockSize, minBlockSize)
	case c.NumBuffers < 1:
		return fmt.Errorf("config: need at least one buffer, got %d", c.NumBuffers)
	case c.LockTimeout <= 0 || c.PinTimeout <= 0:
		return fmt.Errorf("config: lock and pin timeouts must be positive")
	case c.FlushInterval < 0:
		return fmt.Errorf("config: flush interval must not be negative")
	}
	return nil
}

func intVar(name string, def int) (int, error) {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
	}
	return n, nil
}

func durationVar(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
	}
	return d, nil
}
