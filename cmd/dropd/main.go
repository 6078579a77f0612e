// Command dropd runs a deuxdrop transit server: it accepts authenticated
// websocket connections from clients and peer servers, stores mail, and
// fans conversation messages out to participants.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/deuxdrop/deuxdrop-go/internal/server"
	"github.com/deuxdrop/deuxdrop-go/pkg/logging"
)

const (
	logKeyAddr     = "addr"
	logKeyDataDir  = "dataDir"
	logKeyIdentity = "identityFile"
	logKeyServer   = "server"
	logKeySignal   = "signal"
	logKeyError    = "error"
)

func main() {
	cfg, debug, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dropd: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New(debug)
	logger.Info("starting dropd",
		logKeyAddr, cfg.ListenAddr(),
		logKeyDataDir, cfg.DataDir,
		logKeyIdentity, cfg.IdentityFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("dropd error", logKeyError, err)
		os.Exit(1)
	}
}

// parseFlags layers command line flags over an optional YAML config file.
func parseFlags() (server.Config, bool, error) {
	var (
		configPath = flag.String("config", "",
			"Path to YAML config file")
		host = flag.String("host", "",
			"Externally reachable hostname (overrides config)")
		port = flag.Uint("port", 0,
			"Websocket listen port (overrides config)")
		dataDir = flag.String("data", "",
			"Path to data directory (overrides config)")
		identityFile = flag.String("identity", "",
			"Path to server identity file (overrides config)")
		debug = flag.Bool("debug", false,
			"Enable debug logging")
	)
	flag.Parse()

	cfg := server.DefaultConfig()
	if *configPath != "" {
		loaded, err := server.LoadConfig(*configPath)
		if err != nil {
			return cfg, *debug, err
		}
		cfg = loaded
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = uint16(*port)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *identityFile != "" {
		cfg.IdentityFile = *identityFile
	}
	return cfg, *debug, cfg.Validate()
}

// run is the daemon body, separated from main for testability.
func run(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	identity, err := loadOrCreateIdentity(cfg, logger)
	if err != nil {
		return fmt.Errorf("setup server identity: %w", err)
	}
	logger.Info("server identity loaded",
		logKeyServer, identity.BoxKeyHash().Hex(),
		logKeyIdentity, cfg.IdentityFile)

	srv, err := server.New(cfg, identity, logger)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// loadOrCreateIdentity reads the identity file, generating and saving a
// fresh identity on first start.
func loadOrCreateIdentity(
	cfg server.Config,
	logger *slog.Logger,
) (*server.Identity, error) {
	identity, err := server.LoadIdentity(cfg.IdentityFile)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	logger.Info("no identity file, generating a new server identity",
		logKeyIdentity, cfg.IdentityFile)
	identity, err = server.NewIdentity(cfg.ServerInfo())
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := server.SaveIdentity(cfg.IdentityFile, identity); err != nil {
		return nil, err
	}
	return identity, nil
}
