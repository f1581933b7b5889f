package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"

	"go.uber.org/multierr"

	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/bridge"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/peerproc"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/policy"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/portal"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/rpcrelay"
)

// app wires the bridge, the portal runtime and the HTTP server together.
type app struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	srv     *httpserver.Server
	bridge  *bridge.WebSocketServer
	runtime *portal.Runtime
}

func newApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) (*app, error) {
	m := metrics.New()

	destPolicy, err := policy.New(cfg.DestinationPolicy)
	if err != nil {
		return nil, err
	}
	logStartupSecurityWarnings(logger, cfg, destPolicy)

	registry := bridge.NewRegistry(cfg.BridgeBasePort, cfg.MaxBridgeConnections)
	bridgeSrv, err := bridge.NewWebSocketServer(bridge.Config{
		BindIP:             cfg.BridgeBindIP,
		UDPReadBufferBytes: cfg.BridgeUDPReadBufferBytes,
		SendQueueBytes:     cfg.BridgeSendQueueBytes,
		WriteTimeout:       cfg.BridgeWriteTimeout,
		MaxConnections:     cfg.MaxBridgeConnections,
		Limits: ratelimit.ConnectionLimits{
			PacketsPerSecond: cfg.MaxUDPPpsPerConnection,
			BytesPerSecond:   cfg.MaxUDPBpsPerConnection,
		},
		AllowedOrigins: cfg.AllowedOrigins,
	}, registry, destPolicy, m, logger.With("component", "bridge"))
	if err != nil {
		return nil, fmt.Errorf("configure bridge: %w", err)
	}

	supervisor := peerproc.New(peerproc.Config{
		Command:           cfg.PeerCommand,
		Args:              cfg.PeerArgs,
		Script:            cfg.PeerScript,
		StopTimeout:       cfg.PeerStopTimeout,
		RestartMaxBackoff: cfg.PeerRestartMaxBackoff,
	}, m, logger.With("component", "peer"))

	rt, err := portal.NewRuntime(portal.Config{
		BindAddr:             cfg.RelayBindAddr,
		PeerHost:             cfg.RelayPeerHost,
		Multiplexed:          cfg.RelayMode == config.RelayModeMultiplexed,
		Relay:                rpcrelay.Config{Timeout: cfg.RelayTimeout},
		RestartAfterTimeouts: cfg.PeerRestartAfterTimeouts,
	}, supervisor, m, logger.With("component", "portal"))
	if err != nil {
		bridgeSrv.Close()
		return nil, fmt.Errorf("configure portal runtime: %w", err)
	}

	srv := httpserver.New(cfg, logger, build, m)
	srv.Mux().Handle("GET /portal", bridgeSrv)
	portal.NewHandler(rt, registry, logger.With("component", "api")).RegisterRoutes(srv.Mux())
	srv.AddReadyCheck("peer", rt.CheckPeer)

	return &app{
		log:     logger,
		metrics: m,
		srv:     srv,
		bridge:  bridgeSrv,
		runtime: rt,
	}, nil
}

// run serves on ln until ctx is done or the server fails, then tears
// everything down: HTTP first, then bridge sessions, then the peer process
// and the relay socket.
func (a *app) run(ctx context.Context, ln net.Listener, shutdownTimeout func() (context.Context, context.CancelFunc)) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.srv.Serve(ln)
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
		shutdownCtx, cancel := shutdownTimeout()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("http server shutdown failed", "err", err)
		}
		cancel()
		serveErr = <-errCh
	}
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}

	return multierr.Combine(serveErr, a.close())
}

func (a *app) close() error {
	a.bridge.Close()
	return a.runtime.Close()
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values but fall back to the Go build info
	// (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
