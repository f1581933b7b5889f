package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/policy"
)

const (
	EnvConfigFile      = "PORTAL_RELAY_CONFIG"
	EnvListenAddr      = "PORTAL_RELAY_LISTEN_ADDR"
	EnvMode            = "PORTAL_RELAY_MODE"
	EnvLogFormat       = "PORTAL_RELAY_LOG_FORMAT"
	EnvLogLevel        = "PORTAL_RELAY_LOG_LEVEL"
	EnvShutdownTimeout = "PORTAL_RELAY_SHUTDOWN_TIMEOUT"
	EnvAllowedOrigins  = "ALLOWED_ORIGINS"

	// WS<->UDP bridge.
	EnvBridgeBindIP             = "BRIDGE_BIND_IP"
	EnvBridgeBasePort           = "BRIDGE_BASE_PORT"
	EnvBridgeUDPReadBufferBytes = "BRIDGE_UDP_READ_BUFFER_BYTES"
	EnvBridgeSendQueueBytes     = "BRIDGE_SEND_QUEUE_BYTES"
	EnvBridgeWriteTimeout       = "BRIDGE_WRITE_TIMEOUT"
	EnvMaxBridgeConnections     = "MAX_BRIDGE_CONNECTIONS"
	EnvMaxUDPPpsPerConnection   = "MAX_UDP_PPS_PER_CONNECTION"
	EnvMaxUDPBpsPerConnection   = "MAX_UDP_BPS_PER_CONNECTION"

	// Destination policy for browser->peer datagrams.
	EnvDestinationPolicyPreset = "DESTINATION_POLICY_PRESET"
	EnvAllowPrivateNetworks    = "ALLOW_PRIVATE_NETWORKS"
	EnvAllowUDPCIDRs           = "ALLOW_UDP_CIDRS"
	EnvDenyUDPCIDRs            = "DENY_UDP_CIDRS"
	EnvAllowUDPPorts           = "ALLOW_UDP_PORTS"
	EnvDenyUDPPorts            = "DENY_UDP_PORTS"

	// JSON-RPC relay.
	EnvRelayTimeout  = "RELAY_TIMEOUT"
	EnvRelayPeerHost = "RELAY_PEER_HOST"
	EnvRelayBindAddr = "RELAY_BIND_ADDR"
	EnvRelayMode     = "RELAY_MODE"

	// Peer process supervision.
	EnvPeerCommand              = "PEER_COMMAND"
	EnvPeerArgs                 = "PEER_ARGS"
	EnvPeerScript               = "PEER_SCRIPT"
	EnvPeerStopTimeout          = "PEER_STOP_TIMEOUT"
	EnvPeerRestartAfterTimeouts = "PEER_RESTART_AFTER_TIMEOUTS"
	EnvPeerRestartMaxBackoff    = "PEER_RESTART_MAX_BACKOFF"
)

const (
	DefaultListenAddr          = "127.0.0.1:8080"
	DefaultShutdown            = 15 * time.Second
	DefaultMode           Mode = ModeDev
	DefaultBridgeBindIP        = "0.0.0.0"
	DefaultBridgeBasePort      = 9000
	// DefaultBridgeUDPReadBufferBytes fits the largest UDP payload.
	DefaultBridgeUDPReadBufferBytes = 65535
	DefaultBridgeSendQueueBytes     = 1 << 20 // 1MiB
	DefaultBridgeWriteTimeout       = 5 * time.Second

	DefaultRelayTimeout            = 5 * time.Second
	DefaultRelayPeerHost           = "127.0.0.1"
	DefaultRelayBindAddr           = "0.0.0.0:0"
	DefaultRelayMode     RelayMode = RelayModeSingle

	DefaultPeerCommand           = "node"
	DefaultPeerArgs              = "--experimental-modules,--no-warnings"
	DefaultPeerScript            = "binaries/portal-client.js"
	DefaultPeerStopTimeout       = 2 * time.Second
	DefaultPeerRestartMaxBackoff = 30 * time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// RelayMode selects how JSON-RPC calls share the relay socket.
type RelayMode string

const (
	// RelayModeSingle serializes calls; at most one is in flight.
	RelayModeSingle RelayMode = "single"
	// RelayModeMultiplexed correlates concurrent calls by request id.
	RelayModeMultiplexed RelayMode = "multiplexed"
)

type Config struct {
	ConfigFile string

	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins restricts browser origins for /portal and /api/portal.
	// Empty allows every origin.
	AllowedOrigins []string

	BridgeBindIP             netip.Addr
	BridgeBasePort           uint16
	BridgeUDPReadBufferBytes int
	BridgeSendQueueBytes     int
	BridgeWriteTimeout       time.Duration
	MaxBridgeConnections     int
	MaxUDPPpsPerConnection   int
	MaxUDPBpsPerConnection   int

	DestinationPolicy policy.Options

	RelayTimeout  time.Duration
	RelayPeerHost netip.Addr
	RelayBindAddr netip.AddrPort
	RelayMode     RelayMode

	PeerCommand              string
	PeerArgs                 []string
	PeerScript               string
	PeerStopTimeout          time.Duration
	PeerRestartAfterTimeouts int
	PeerRestartMaxBackoff    time.Duration
}

// option binds one setting to its flag name (also its YAML key), its
// environment variable, and its default.
type option struct {
	flag  string
	env   string
	def   string
	usage string
}

var options = []option{
	{"listen-addr", EnvListenAddr, DefaultListenAddr, "HTTP listen address (host:port)"},
	{"mode", EnvMode, string(DefaultMode), "Run mode: dev or prod"},
	{"log-format", EnvLogFormat, "", "Log format: text or json (default depends on mode)"},
	{"log-level", EnvLogLevel, "", "Log level: debug, info, warn, error (default depends on mode)"},
	{"shutdown-timeout", EnvShutdownTimeout, DefaultShutdown.String(), "Graceful shutdown timeout (e.g. 15s)"},
	{"allowed-origins", EnvAllowedOrigins, "", "Comma-separated browser origins allowed to use the relay (*, self, or full origins; empty allows any)"},

	{"bridge-bind-ip", EnvBridgeBindIP, DefaultBridgeBindIP, "Local IP for per-connection UDP sockets"},
	{"bridge-base-port", EnvBridgeBasePort, strconv.Itoa(DefaultBridgeBasePort), "First UDP port handed out to bridge connections"},
	{"bridge-udp-read-buffer-bytes", EnvBridgeUDPReadBufferBytes, strconv.Itoa(DefaultBridgeUDPReadBufferBytes), "UDP read buffer size per bridge connection"},
	{"bridge-send-queue-bytes", EnvBridgeSendQueueBytes, strconv.Itoa(DefaultBridgeSendQueueBytes), "Max queued peer->browser bytes per connection before dropping"},
	{"bridge-write-timeout", EnvBridgeWriteTimeout, DefaultBridgeWriteTimeout.String(), "WebSocket write deadline"},
	{"max-bridge-connections", EnvMaxBridgeConnections, "0", "Maximum concurrent bridge connections (0 = unlimited)"},
	{"max-udp-pps-per-connection", EnvMaxUDPPpsPerConnection, "0", "Browser->peer packets/sec per connection (0 = unlimited)"},
	{"max-udp-bps-per-connection", EnvMaxUDPBpsPerConnection, "0", "Browser->peer bytes/sec per connection (0 = unlimited)"},

	{"destination-policy-preset", EnvDestinationPolicyPreset, string(policy.PresetDev), "Destination policy preset: dev or prod"},
	{"allow-private-networks", EnvAllowPrivateNetworks, "", "Override the preset's private network rule (true/false)"},
	{"allow-udp-cidrs", EnvAllowUDPCIDRs, "", "Comma-separated destination CIDR allowlist"},
	{"deny-udp-cidrs", EnvDenyUDPCIDRs, "", "Comma-separated destination CIDR denylist"},
	{"allow-udp-ports", EnvAllowUDPPorts, "", "Comma-separated destination port allowlist (e.g. 53,1000-2000)"},
	{"deny-udp-ports", EnvDenyUDPPorts, "", "Comma-separated destination port denylist"},

	{"relay-timeout", EnvRelayTimeout, DefaultRelayTimeout.String(), "JSON-RPC reply timeout"},
	{"relay-peer-host", EnvRelayPeerHost, DefaultRelayPeerHost, "IP of the peer process JSON-RPC endpoint"},
	{"relay-bind-addr", EnvRelayBindAddr, DefaultRelayBindAddr, "Local address of the relay socket"},
	{"relay-mode", EnvRelayMode, string(DefaultRelayMode), "Relay mode: single or multiplexed"},

	{"peer-command", EnvPeerCommand, DefaultPeerCommand, "Executable used to run the peer process"},
	{"peer-args", EnvPeerArgs, DefaultPeerArgs, "Comma-separated arguments placed before the peer script"},
	{"peer-script", EnvPeerScript, DefaultPeerScript, "Peer process entry script"},
	{"peer-stop-timeout", EnvPeerStopTimeout, DefaultPeerStopTimeout.String(), "Time to wait for the peer process to exit after kill"},
	{"peer-restart-after-timeouts", EnvPeerRestartAfterTimeouts, "0", "Restart the peer after N consecutive relay timeouts (0 = disabled)"},
	{"peer-restart-max-backoff", EnvPeerRestartMaxBackoff, DefaultPeerRestartMaxBackoff.String(), "Upper bound for the delay between peer restarts"},
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, os.ReadFile, args)
}

// load resolves every option as default < config file < environment < flag.
func load(lookup func(string) (string, bool), readFile func(string) ([]byte, error), args []string) (Config, error) {
	configFile, err := configFilePath(lookup, args)
	if err != nil {
		return Config{}, err
	}

	values := make(map[string]string, len(options))
	for _, o := range options {
		values[o.flag] = o.def
	}
	if configFile != "" {
		fileValues, err := readConfigFile(readFile, configFile)
		if err != nil {
			return Config{}, err
		}
		for k, v := range fileValues {
			values[k] = v
		}
	}
	for _, o := range options {
		if v, ok := lookup(o.env); ok && strings.TrimSpace(v) != "" {
			values[o.flag] = v
		}
	}

	fs := newFlagSet(&configFile)
	parsed := make(map[string]*string, len(options))
	for _, o := range options {
		parsed[o.flag] = fs.String(o.flag, values[o.flag], o.usage+" (env "+o.env+")")
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	get := func(name string) string { return strings.TrimSpace(*parsed[name]) }

	cfg := Config{
		ConfigFile:  configFile,
		ListenAddr:  get("listen-addr"),
		PeerCommand: get("peer-command"),
		PeerArgs:    splitList(get("peer-args")),
		PeerScript:  get("peer-script"),
		DestinationPolicy: policy.Options{
			AllowCIDRs: get("allow-udp-cidrs"),
			DenyCIDRs:  get("deny-udp-cidrs"),
			AllowPorts: get("allow-udp-ports"),
			DenyPorts:  get("deny-udp-ports"),
		},
	}

	if cfg.Mode, err = parseMode(get("mode")); err != nil {
		return Config{}, err
	}
	logFormat := get("log-format")
	if logFormat == "" {
		logFormat = defaultLogFormatForMode(cfg.Mode)
	}
	if cfg.LogFormat, err = parseLogFormat(logFormat); err != nil {
		return Config{}, err
	}
	logLevel := get("log-level")
	if logLevel == "" {
		logLevel = defaultLogLevelForMode(cfg.Mode)
	}
	if cfg.LogLevel, err = parseLogLevel(logLevel); err != nil {
		return Config{}, err
	}
	if cfg.AllowedOrigins, err = parseAllowedOrigins(get("allowed-origins")); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", EnvAllowedOrigins, err)
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"shutdown-timeout", &cfg.ShutdownTimeout},
		{"bridge-write-timeout", &cfg.BridgeWriteTimeout},
		{"relay-timeout", &cfg.RelayTimeout},
		{"peer-stop-timeout", &cfg.PeerStopTimeout},
		{"peer-restart-max-backoff", &cfg.PeerRestartMaxBackoff},
	}
	for _, d := range durations {
		if *d.dst, err = parsePositiveDuration(d.name, get(d.name)); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		name string
		dst  *int
		min  int
	}{
		{"bridge-udp-read-buffer-bytes", &cfg.BridgeUDPReadBufferBytes, 1},
		{"bridge-send-queue-bytes", &cfg.BridgeSendQueueBytes, 1},
		{"max-bridge-connections", &cfg.MaxBridgeConnections, 0},
		{"max-udp-pps-per-connection", &cfg.MaxUDPPpsPerConnection, 0},
		{"max-udp-bps-per-connection", &cfg.MaxUDPBpsPerConnection, 0},
		{"peer-restart-after-timeouts", &cfg.PeerRestartAfterTimeouts, 0},
	}
	for _, n := range ints {
		if *n.dst, err = parseIntAtLeast(n.name, get(n.name), n.min); err != nil {
			return Config{}, err
		}
	}

	if cfg.BridgeBindIP, err = netip.ParseAddr(get("bridge-bind-ip")); err != nil {
		return Config{}, fmt.Errorf("invalid --bridge-bind-ip: %w", err)
	}
	if cfg.BridgeBasePort, err = parsePortString(get("bridge-base-port")); err != nil {
		return Config{}, fmt.Errorf("invalid --bridge-base-port: %w", err)
	}
	if cfg.RelayPeerHost, err = netip.ParseAddr(get("relay-peer-host")); err != nil {
		return Config{}, fmt.Errorf("invalid --relay-peer-host: %w", err)
	}
	if cfg.RelayBindAddr, err = netip.ParseAddrPort(get("relay-bind-addr")); err != nil {
		return Config{}, fmt.Errorf("invalid --relay-bind-addr: %w", err)
	}
	if cfg.RelayMode, err = parseRelayMode(get("relay-mode")); err != nil {
		return Config{}, err
	}

	if cfg.DestinationPolicy.Preset, err = policy.ParsePreset(get("destination-policy-preset")); err != nil {
		return Config{}, err
	}
	if raw := get("allow-private-networks"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid --allow-private-networks %q: %w", raw, err)
		}
		cfg.DestinationPolicy.AllowPrivateNetworks = &b
	}
	// Surface rule syntax errors at startup rather than on first connection.
	if _, err := policy.New(cfg.DestinationPolicy); err != nil {
		return Config{}, err
	}

	if cfg.ListenAddr == "" {
		return Config{}, errors.New("--listen-addr must not be empty")
	}
	if cfg.PeerCommand == "" {
		return Config{}, errors.New("--peer-command must not be empty")
	}
	return cfg, nil
}

func newFlagSet(configFile *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("portal-relay", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.StringVar(configFile, "config", *configFile, "YAML config file (env "+EnvConfigFile+")")
	return fs
}

// configFilePath finds --config before the full flag set exists, since the
// file supplies defaults for the other flags.
func configFilePath(lookup func(string) (string, bool), args []string) (string, error) {
	path, _ := lookup(EnvConfigFile)
	path = strings.TrimSpace(path)

	fs := newFlagSet(&path)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	if err := fs.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return "", err
	}
	return strings.TrimSpace(path), nil
}

// readConfigFile decodes a flat YAML mapping keyed by flag name. Sequences
// are joined with commas.
func readConfigFile(readFile func(string) ([]byte, error), path string) (map[string]string, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	known := make(map[string]bool, len(options))
	for _, o := range options {
		known[o.flag] = true
	}

	out := make(map[string]string, len(raw))
	var unknown []string
	for k, v := range raw {
		if !known[k] {
			unknown = append(unknown, k)
			continue
		}
		switch v := v.(type) {
		case nil:
			out[k] = ""
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			out[k] = strings.Join(parts, ",")
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("config file %s: unknown keys %s", path, strings.Join(unknown, ", "))
	}
	return out, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseRelayMode(raw string) (RelayMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RelayModeSingle):
		return RelayModeSingle, nil
	case string(RelayModeMultiplexed):
		return RelayModeMultiplexed, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", EnvRelayMode, raw, RelayModeSingle, RelayModeMultiplexed)
	}
}

func parsePositiveDuration(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", name, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("--%s must be > 0 (got %s)", name, d)
	}
	return d, nil
}

func parseIntAtLeast(name, raw string, min int) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", name, raw, err)
	}
	if n < min {
		return 0, fmt.Errorf("--%s must be >= %d (got %d)", name, min, n)
	}
	return n, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(v), nil
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitList(raw) {
		switch entry {
		case "*", "null", origin.Self:
			out = append(out, entry)
			continue
		}
		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
