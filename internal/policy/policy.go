package policy

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// ErrDenied is wrapped by every rejection returned from AllowUDP.
var ErrDenied = errors.New("destination denied")

// DestinationPolicy controls which UDP destinations a bridge connection may
// send to.
//
// Evaluation order:
//  1. Port denylist
//  2. Port allowlist (if configured)
//  3. Built-in private/special-range denies (when AllowPrivateNetworks=false)
//  4. Prefix denylist
//  5. Prefix allowlist (if configured), otherwise DefaultAllow
//
// Deny rules always override allow rules.
type DestinationPolicy struct {
	// DefaultAllow is the decision when no allowlist matches or is configured.
	DefaultAllow bool

	// AllowPrivateNetworks disables the built-in denylist of loopback,
	// link-local, RFC1918, CGNAT, multicast and reserved ranges.
	AllowPrivateNetworks bool

	AllowPrefixes []netip.Prefix
	DenyPrefixes  []netip.Prefix

	AllowPorts []PortRange
	DenyPorts  []PortRange
}

type PortRange struct {
	Start uint16
	End   uint16
}

func (r PortRange) contains(port uint16) bool {
	return port >= r.Start && port <= r.End
}

type Preset string

const (
	PresetDev  Preset = "dev"
	PresetProd Preset = "prod"
)

func ParsePreset(raw string) (Preset, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "dev", "development":
		return PresetDev, nil
	case "prod", "production":
		return PresetProd, nil
	default:
		return "", fmt.Errorf("unknown destination policy preset %q", raw)
	}
}

// NewDevDestinationPolicy allows every destination. It is the default for a
// relay that only listens on loopback next to its peer process.
func NewDevDestinationPolicy() *DestinationPolicy {
	return &DestinationPolicy{
		DefaultAllow:         true,
		AllowPrivateNetworks: true,
	}
}

func NewProductionDestinationPolicy() *DestinationPolicy {
	return &DestinationPolicy{
		DefaultAllow:         true,
		AllowPrivateNetworks: false,
	}
}

// Options mirrors the destination policy settings of the service config.
type Options struct {
	Preset Preset

	// AllowPrivateNetworks overrides the preset when non-nil.
	AllowPrivateNetworks *bool

	AllowCIDRs string
	DenyCIDRs  string
	AllowPorts string
	DenyPorts  string
}

// New builds a DestinationPolicy from a preset and comma-separated rule lists.
func New(opts Options) (*DestinationPolicy, error) {
	var p *DestinationPolicy
	switch opts.Preset {
	case "", PresetDev:
		p = NewDevDestinationPolicy()
	case PresetProd:
		p = NewProductionDestinationPolicy()
	default:
		return nil, fmt.Errorf("destination policy: unknown preset %q", opts.Preset)
	}
	if opts.AllowPrivateNetworks != nil {
		p.AllowPrivateNetworks = *opts.AllowPrivateNetworks
	}

	var err error
	if p.AllowPrefixes, err = ParsePrefixList(opts.AllowCIDRs); err != nil {
		return nil, fmt.Errorf("destination policy: allow CIDRs: %w", err)
	}
	if len(p.AllowPrefixes) > 0 {
		p.DefaultAllow = false
	}
	if p.DenyPrefixes, err = ParsePrefixList(opts.DenyCIDRs); err != nil {
		return nil, fmt.Errorf("destination policy: deny CIDRs: %w", err)
	}
	if p.AllowPorts, err = ParsePortRangeList(opts.AllowPorts); err != nil {
		return nil, fmt.Errorf("destination policy: allow ports: %w", err)
	}
	if p.DenyPorts, err = ParsePortRangeList(opts.DenyPorts); err != nil {
		return nil, fmt.Errorf("destination policy: deny ports: %w", err)
	}
	return p, nil
}

// AllowUDP returns nil when dst may be sent to, otherwise an error wrapping
// ErrDenied. A nil policy allows everything.
func (p *DestinationPolicy) AllowUDP(dst netip.AddrPort) error {
	if p == nil {
		return nil
	}
	ip := dst.Addr().Unmap()
	port := dst.Port()
	if !ip.IsValid() {
		return fmt.Errorf("%w: invalid address", ErrDenied)
	}
	if port == 0 {
		return fmt.Errorf("%w: port 0", ErrDenied)
	}

	if portInRanges(port, p.DenyPorts) {
		return fmt.Errorf("%w: port %d denied", ErrDenied, port)
	}
	if len(p.AllowPorts) > 0 && !portInRanges(port, p.AllowPorts) {
		return fmt.Errorf("%w: port %d not in allowlist", ErrDenied, port)
	}

	if !p.AllowPrivateNetworks {
		denied := defaultDeniedIPv4
		if ip.Is6() {
			denied = defaultDeniedIPv6
		}
		if addrInPrefixes(ip, denied) {
			return fmt.Errorf("%w: %s is a private or special address", ErrDenied, ip)
		}
	}

	if addrInPrefixes(ip, p.DenyPrefixes) {
		return fmt.Errorf("%w: %s matches deny rule", ErrDenied, ip)
	}
	if len(p.AllowPrefixes) > 0 {
		if addrInPrefixes(ip, p.AllowPrefixes) {
			return nil
		}
		return fmt.Errorf("%w: %s not in allowlist", ErrDenied, ip)
	}
	if p.DefaultAllow {
		return nil
	}
	return fmt.Errorf("%w: %s denied by default", ErrDenied, ip)
}

func ParsePrefixList(v string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range strings.Split(v, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		pfx, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("parse CIDR %q: %w", raw, err)
		}
		out = append(out, pfx.Masked())
	}
	return out, nil
}

func ParsePortRangeList(v string) ([]PortRange, error) {
	var out []PortRange
	for _, raw := range strings.Split(v, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		startStr, endStr, hasRange := strings.Cut(raw, "-")
		start, err := parsePort(strings.TrimSpace(startStr))
		if err != nil {
			return nil, err
		}
		end := start
		if hasRange {
			end, err = parsePort(strings.TrimSpace(endStr))
			if err != nil {
				return nil, err
			}
			if start > end {
				return nil, fmt.Errorf("invalid port range %q: start > end", raw)
			}
		}
		out = append(out, PortRange{Start: start, End: end})
	}
	return out, nil
}

func parsePort(v string) (uint16, error) {
	if v == "" {
		return 0, errors.New("empty port")
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", v)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return uint16(n), nil
}

func portInRanges(port uint16, ranges []PortRange) bool {
	for _, r := range ranges {
		if r.contains(port) {
			return true
		}
	}
	return false
}

func addrInPrefixes(ip netip.Addr, prefixes []netip.Prefix) bool {
	for _, pfx := range prefixes {
		if pfx.Addr().Is4() != ip.Is4() {
			continue
		}
		if pfx.Contains(ip) {
			return true
		}
	}
	return false
}

var defaultDeniedIPv4 = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

var defaultDeniedIPv6 = []netip.Prefix{
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("ff00::/8"),
	netip.MustParsePrefix("::/128"),
}
