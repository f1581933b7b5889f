package main

import (
	"log/slog"
	"net"
	"net/netip"
	"os"
	"slices"
	"strings"

	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/policy"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config, destPolicy *policy.DestinationPolicy) {
	if logger == nil {
		logger = slog.Default()
	}

	// Neither the bridge nor /api/portal authenticates clients.
	if !isLoopbackListenAddr(cfg.ListenAddr) {
		logger.Warn("startup security warning: listening on a non-loopback address; any client that can reach it can drive the peer process",
			"warning_code", "listen_non_loopback",
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	} else if len(cfg.AllowedOrigins) == 0 && cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: ALLOWED_ORIGINS is unset while --mode=prod (allows any origin)",
			"warning_code", "allowed_origins_unset_in_prod",
			"mode", cfg.Mode,
		)
	}

	if destPolicy != nil && cfg.Mode == config.ModeProd && destPolicy.AllowPrivateNetworks {
		logger.Warn("startup security warning: bridge connections may reach private network UDP destinations while --mode=prod",
			"warning_code", "allow_private_networks_in_prod",
			"destination_policy_preset", cfg.DestinationPolicy.Preset,
			"allow_private_networks", destPolicy.AllowPrivateNetworks,
			"default_allow", destPolicy.DefaultAllow,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxBridgeConnections <= 0 {
		logger.Warn("startup security warning: MAX_BRIDGE_CONNECTIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_bridge_connections_unlimited_in_prod",
			"max_bridge_connections", cfg.MaxBridgeConnections,
			"mode", cfg.Mode,
		)
	}

	if cfg.PeerScript != "" {
		if _, err := os.Stat(cfg.PeerScript); err != nil {
			logger.Warn("startup warning: peer script not found; initialize_portal will fail until it is built",
				"warning_code", "peer_script_missing",
				"peer_script", cfg.PeerScript,
			)
		}
	}
}

func isLoopbackListenAddr(listenAddr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(listenAddr))
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return addr.IsLoopback()
}
