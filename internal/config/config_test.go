package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"EDGETUN_DB_PATH",
		"EDGETUN_MASTER_KEY_FILE",
		"EDGETUN_DB_MAX_OPEN_CONNS",
		"EDGETUN_DB_MAX_IDLE_CONNS",
		"EDGETUN_LOG_LEVEL",
		"EDGETUN_TIMEOUT",
		"EDGETUN_HIGH_WATER",
		"EDGETUN_LOW_WATER",
		"EDGETUN_TUN",
		"EDGETUN_DEBUG_ADDR",
	} {
		t.Setenv(k, "")
	}
}

func TestParseClientFlagsDefaults(t *testing.T) {
	clearEnv(t)

	cfg, rest, err := ParseClientFlags("list", []string{"extra"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != defaultDBPath {
		t.Fatalf("got db path %q", cfg.DBPath)
	}
	if cfg.MasterKeyPath != "./edgetun.key" {
		t.Fatalf("got master key path %q", cfg.MasterKeyPath)
	}
	if cfg.DBMaxOpenConns != 1 || cfg.DBMaxIdleConns != 1 {
		t.Fatalf("unexpected pool defaults %d/%d", cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	}
	if cfg.Timeout != 30*time.Second || cfg.LogLevel != "info" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(rest) != 1 || rest[0] != "extra" {
		t.Fatalf("got positional args %v", rest)
	}
}

func TestParseClientFlagsEnvAndFlags(t *testing.T) {
	clearEnv(t)
	t.Setenv("EDGETUN_DB_PATH", "/var/lib/edgetun/state.db")
	t.Setenv("EDGETUN_TIMEOUT", "5s")
	t.Setenv("EDGETUN_HIGH_WATER", "1024")
	t.Setenv("EDGETUN_LOW_WATER", "not-a-number")
	t.Setenv("EDGETUN_DEBUG_ADDR", " 127.0.0.1:6060 ")

	cfg, _, err := ParseClientFlags("services", []string{"--log-level", "DEBUG", "--low-water", "128"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "/var/lib/edgetun/state.db" || cfg.MasterKeyPath != "/var/lib/edgetun/state.key" {
		t.Fatalf("unexpected paths %q %q", cfg.DBPath, cfg.MasterKeyPath)
	}
	if cfg.Timeout != 5*time.Second {
		t.Fatalf("got timeout %s", cfg.Timeout)
	}
	if cfg.HighWater != 1024 || cfg.LowWater != 128 {
		t.Fatalf("got marks %d/%d", cfg.HighWater, cfg.LowWater)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("got log level %q", cfg.LogLevel)
	}
	if cfg.DebugAddr != "127.0.0.1:6060" {
		t.Fatalf("got debug addr %q", cfg.DebugAddr)
	}
}

func TestParseClientFlagsValidation(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "bad log level", args: []string{"--log-level", "trace"}},
		{name: "open must be positive", args: []string{"--db-max-open-conns", "0"}},
		{name: "idle cannot exceed open", args: []string{"--db-max-open-conns", "1", "--db-max-idle-conns", "2"}},
		{name: "timeout must be positive", args: []string{"--timeout", "0s"}},
		{name: "low below high", args: []string{"--high-water", "10", "--low-water", "10"}},
		{name: "empty db", args: []string{"--db", " "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseClientFlags("test", tt.args); err == nil {
				t.Fatalf("expected parse error for args: %v", tt.args)
			}
		})
	}
}
