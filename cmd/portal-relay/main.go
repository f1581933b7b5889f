package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/config"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting portal-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"config_file", cfg.ConfigFile,
		"bridge_bind_ip", cfg.BridgeBindIP,
		"bridge_base_port", cfg.BridgeBasePort,
		"max_bridge_connections", cfg.MaxBridgeConnections,
		"relay_mode", cfg.RelayMode,
		"relay_timeout", cfg.RelayTimeout,
		"relay_peer_host", cfg.RelayPeerHost,
		"peer_command", cfg.PeerCommand,
		"peer_script", cfg.PeerScript,
		"peer_restart_after_timeouts", cfg.PeerRestartAfterTimeouts,
	)

	a, err := newApp(cfg, logger, resolveBuildInfo(buildCommit, buildTime))
	if err != nil {
		logger.Error("failed to configure relay", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		_ = a.close()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = a.run(ctx, ln, func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	})
	if err != nil {
		logger.Error("relay exited", "err", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}
