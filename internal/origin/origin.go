// Package origin validates browser Origin headers for the bridge and the
// command endpoint.
package origin

import (
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// Self is an allowlist entry matching any origin whose host[:port] equals the
// request's Host header.
const Self = "self"

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port]) and the host[:port]
// portion for same-host comparisons. Default ports are dropped.
//
// The special Origin value "null" is allowed and returned as-is.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Check decides whether a request carrying a non-empty Origin header may
// proceed and returns the value to echo in Access-Control-Allow-Origin.
//
// With no allowlist, or one containing "*", every origin is accepted verbatim
// whatever its scheme (tauri://localhost, chrome-extension://...). Other
// entries are matched against the normalized http(s) origin only.
func Check(originHeader, requestHost string, allowedOrigins []string) (allowOrigin string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", false
	}
	if len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
		return trimmed, true
	}
	normalized, host, ok := NormalizeHeader(trimmed)
	if !ok || !IsAllowed(normalized, host, requestHost, allowedOrigins) {
		return "", false
	}
	return normalized, true
}

// IsAllowed reports whether a normalized origin may access requestHost.
//
// An empty allowlist allows every origin. Otherwise each entry is "*", Self,
// or a normalized origin string as produced by NormalizeHeader.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range allowedOrigins {
		switch allowed {
		case "*", normalizedOrigin:
			return true
		case Self:
			if sameHost(normalizedOrigin, originHost, requestHost) {
				return true
			}
		}
	}
	return false
}

// sameHost compares host:port only. The scheme is ignored because a
// TLS-terminating proxy may forward an HTTPS page's request as plain HTTP.
func sameHost(normalizedOrigin, originHost, requestHost string) bool {
	var scheme string
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		return false
	}
	reqHost, ok := normalizeAuthority(strings.TrimSpace(requestHost), scheme)
	return ok && reqHost == originHost
}

func normalizeAuthority(authority, scheme string) (string, bool) {
	rawHostname, rawPort, ok := splitHostPort(authority)
	if !ok {
		return "", false
	}
	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port] string.
//
// The hostname is returned without brackets for IPv6 literals. The port is
// returned unvalidated and is empty when absent.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		h, p, _ := strings.Cut(rawHost, ":")
		if h == "" || p == "" {
			return "", "", false
		}
		return h, p, true
	default:
		// Unbracketed IPv6 literals are not valid in the authority component.
		return "", "", false
	}
}
