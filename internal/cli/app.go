package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/koltyakov/edgetun/internal/config"
	"github.com/koltyakov/edgetun/internal/edge"
	"github.com/koltyakov/edgetun/internal/identity"
	"github.com/koltyakov/edgetun/internal/keychain"
	ilog "github.com/koltyakov/edgetun/internal/log"
	"github.com/koltyakov/edgetun/internal/store/sqlite"
	"github.com/koltyakov/edgetun/internal/tunnel"
)

// app is the wiring shared by identity commands: the SQLite store backing
// both the key manager and the identity registry, and the tunnel provider
// on top of them.
type app struct {
	cfg      config.ClientConfig
	log      *slog.Logger
	store    *sqlite.Store
	keys     *keychain.Manager
	reg      *identity.Registry
	provider *tunnel.Provider
}

// openApp parses the common flags for command and opens the store. On
// failure it prints the error and returns a non-zero exit code.
func openApp(ctx context.Context, command string, args []string) (*app, []string, int) {
	cfg, rest, err := config.ParseClientFlags(command, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, command, "config error:", err)
		return nil, nil, 2
	}
	logger := ilog.New(cfg.LogLevel)

	master, err := sqlite.LoadMasterKey(cfg.MasterKeyPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, command, "error: load master key:", err)
		return nil, nil, 1
	}
	store, err := sqlite.OpenWithOptions(cfg.DBPath, sqlite.OpenOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
		MasterKey:    master,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, command, "error: open store:", err)
		return nil, nil, 1
	}

	keys := keychain.NewManager(store)
	reg := identity.NewRegistry(store, func(ctx context.Context, id *identity.Identity) error {
		return keys.Release(ctx, id.ID, id.Name)
	}, logger)
	if err := reg.Load(ctx); err != nil {
		_ = store.Close()
		fmt.Fprintln(os.Stderr, command, "error:", err)
		return nil, nil, 1
	}

	provider := tunnel.NewProvider(reg, keys, tunnel.Options{
		Edge:      edge.Options{Timeout: cfg.Timeout, Logger: logger},
		HighWater: cfg.HighWater,
		LowWater:  cfg.LowWater,
		Logger:    logger,
	})
	return &app{
		cfg:      cfg,
		log:      logger,
		store:    store,
		keys:     keys,
		reg:      reg,
		provider: provider,
	}, rest, 0
}

func (a *app) Close() {
	_ = a.provider.Close()
	_ = a.store.Close()
}

// client returns the edge client for the identity named by the first
// positional argument.
func (a *app) client(command string, rest []string) (*edge.Client, int) {
	if len(rest) == 0 {
		fmt.Fprintf(os.Stderr, "%s command error: missing identity id\n", command)
		return nil, 2
	}
	c, err := a.provider.Client(rest[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s command error: %v\n", command, err)
		return nil, 1
	}
	return c, 0
}

// persist saves session-independent identity state after a call.
func (a *app) persist(ctx context.Context, id *identity.Identity) {
	if err := a.reg.Touch(ctx, id.ID); err != nil {
		a.log.Warn("persist identity failed", "identity_id", id.ID, "err", err)
	}
}
