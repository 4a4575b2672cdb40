// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package driver

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ErrTunnelURLInvalid is returned by ValidateTunnelURL for any
// malformed, disallowed-scheme, or SSRF-shaped driver-reported URL.
var ErrTunnelURLInvalid = errors.New("driver: tunnel url failed validation")

// allowedTunnelSchemes are the only transports a provider-scraped tunnel
// URL may use; a driver reporting anything else is refused before the
// URL is ever persisted (store.WorkerRepo.UpdateTunnelURL) or dialed by
// the Activator.
var allowedTunnelSchemes = map[string]bool{"https": true}

// ValidateTunnelURL normalizes and sanity-checks a tunnel URL scraped
// from a provider notebook page before it enters durable state. Tunnel
// hosts are provider-issued and unpredictable (a fresh subdomain per
// session), so there is no static allowlist to check the host against —
// unlike outbound calls to a fixed set of operator-configured
// destinations. What is checked mirrors ManuGH-xg2g's
// internal/platform/net.NormalizeHost/ValidateOutboundURL: the URL
// carries no userinfo or fragment, uses an allowed scheme, and — if the
// driver handed back a literal IP instead of a hostname, which a
// well-behaved scrape never should — that IP isn't a loopback,
// unspecified, link-local, or multicast address, the classic SSRF
// giveaway of a compromised or spoofed scrape target.
func ValidateTunnelURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrTunnelURLInvalid)
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTunnelURLInvalid, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrTunnelURLInvalid)
	}
	if u.User != nil {
		return "", fmt.Errorf("%w: must not include userinfo", ErrTunnelURLInvalid)
	}
	if u.Fragment != "" {
		return "", fmt.Errorf("%w: must not include a fragment", ErrTunnelURLInvalid)
	}

	scheme := strings.ToLower(u.Scheme)
	if !allowedTunnelSchemes[scheme] {
		return "", fmt.Errorf("%w: scheme %q not allowed", ErrTunnelURLInvalid, scheme)
	}

	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedTunnelIP(ip) {
			return "", fmt.Errorf("%w: blocked ip %s", ErrTunnelURLInvalid, ip)
		}
		return u.String(), nil
	}

	normalized, err := idna.Lookup.ToASCII(strings.ToLower(host))
	if err != nil {
		return "", fmt.Errorf("%w: invalid host %q: %v", ErrTunnelURLInvalid, host, err)
	}
	if normalized == "localhost" {
		return "", fmt.Errorf("%w: blocked host %q", ErrTunnelURLInvalid, normalized)
	}

	return u.String(), nil
}

func isBlockedTunnelIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast()
}
