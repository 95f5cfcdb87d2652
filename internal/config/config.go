package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type ClientConfig struct {
	DBPath         string
	MasterKeyPath  string
	DBMaxOpenConns int
	DBMaxIdleConns int
	LogLevel       string
	Timeout        time.Duration
	HighWater      int
	LowWater       int
	TunName        string
	DebugAddr      string
}

const defaultDBPath = "./edgetun.db"
const defaultTimeout = 30 * time.Second
const defaultHighWater = 256 * 1024
const defaultLowWater = 64 * 1024

// ParseClientFlags parses the shared client flags for a subcommand. Flag
// defaults come from EDGETUN_* variables. The positional arguments left
// after the flags are returned.
func ParseClientFlags(command string, args []string) (ClientConfig, []string, error) {
	cfg := ClientConfig{
		DBPath:         envOrDefault("EDGETUN_DB_PATH", defaultDBPath),
		MasterKeyPath:  envOrDefault("EDGETUN_MASTER_KEY_FILE", ""),
		DBMaxOpenConns: envIntOrDefault("EDGETUN_DB_MAX_OPEN_CONNS", 1),
		DBMaxIdleConns: envIntOrDefault("EDGETUN_DB_MAX_IDLE_CONNS", 1),
		LogLevel:       envOrDefault("EDGETUN_LOG_LEVEL", "info"),
		Timeout:        envDurationOrDefault("EDGETUN_TIMEOUT", defaultTimeout),
		HighWater:      envIntOrDefault("EDGETUN_HIGH_WATER", defaultHighWater),
		LowWater:       envIntOrDefault("EDGETUN_LOW_WATER", defaultLowWater),
		TunName:        envOrDefault("EDGETUN_TUN", ""),
		DebugAddr:      envOrDefault("EDGETUN_DEBUG_ADDR", ""),
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.MasterKeyPath, "master-key", cfg.MasterKeyPath, "Key sealing file (default: <db>.key)")
	fs.IntVar(&cfg.DBMaxOpenConns, "db-max-open-conns", cfg.DBMaxOpenConns, "SQLite max open connections")
	fs.IntVar(&cfg.DBMaxIdleConns, "db-max-idle-conns", cfg.DBMaxIdleConns, "SQLite max idle connections")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Controller request timeout")
	fs.IntVar(&cfg.HighWater, "high-water", cfg.HighWater, "Relay pending bytes that pause overlay reads")
	fs.IntVar(&cfg.LowWater, "low-water", cfg.LowWater, "Relay pending bytes that resume overlay reads")
	fs.StringVar(&cfg.TunName, "tun", cfg.TunName, "TUN device name (empty lets the OS choose)")
	fs.StringVar(&cfg.DebugAddr, "debug-addr", cfg.DebugAddr, "Optional status and pprof listen address, e.g. 127.0.0.1:6060")
	if err := fs.Parse(args); err != nil {
		return cfg, nil, err
	}

	cfg.DBPath = strings.TrimSpace(cfg.DBPath)
	if cfg.DBPath == "" {
		return cfg, nil, errors.New("missing --db or EDGETUN_DB_PATH")
	}
	cfg.DebugAddr = strings.TrimSpace(cfg.DebugAddr)
	cfg.MasterKeyPath = strings.TrimSpace(cfg.MasterKeyPath)
	if cfg.MasterKeyPath == "" {
		cfg.MasterKeyPath = defaultMasterKeyPath(cfg.DBPath)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return cfg, nil, errors.New("log level must be one of: debug, info, warn, error")
	}
	if cfg.DBMaxOpenConns <= 0 {
		return cfg, nil, errors.New("db max open conns must be > 0")
	}
	if cfg.DBMaxIdleConns <= 0 {
		return cfg, nil, errors.New("db max idle conns must be > 0")
	}
	if cfg.DBMaxIdleConns > cfg.DBMaxOpenConns {
		return cfg, nil, errors.New("db max idle conns cannot exceed max open conns")
	}
	if cfg.Timeout <= 0 {
		return cfg, nil, errors.New("timeout must be > 0")
	}
	if cfg.HighWater <= 0 {
		return cfg, nil, errors.New("high water must be > 0")
	}
	if cfg.LowWater < 0 || cfg.LowWater >= cfg.HighWater {
		return cfg, nil, errors.New("low water must be >= 0 and below high water")
	}

	return cfg, fs.Args(), nil
}

func defaultMasterKeyPath(dbPath string) string {
	ext := filepath.Ext(dbPath)
	return strings.TrimSuffix(dbPath, ext) + ".key"
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
