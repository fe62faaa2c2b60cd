// Zaparoo Storage
// Copyright (c) 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of Zaparoo Storage.
//
// Zaparoo Storage is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Zaparoo Storage is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Zaparoo Storage.  If not, see <http://www.gnu.org/licenses/>.

package middleware

import (
	"net"
	"net/http"
	"net/netip"

	"github.com/rs/zerolog/log"
)

// ParseRemoteIP extracts the address from a RemoteAddr string (IP:port
// format). IPv4-mapped IPv6 addresses are unmapped.
func ParseRemoteIP(remoteAddr string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// IPFilter is an allowlist of addresses and networks for the admin routes.
type IPFilter struct {
	prefixes   []netip.Prefix
	configured bool
}

// NewIPFilter parses a list of IPs and CIDRs. Invalid entries are logged
// and skipped. An empty list allows everything.
func NewIPFilter(allowed []string) *IPFilter {
	f := &IPFilter{
		prefixes:   make([]netip.Prefix, 0, len(allowed)),
		configured: len(allowed) > 0,
	}

	for _, entry := range allowed {
		// tolerate addresses pasted with a port, e.g. "192.168.1.1:8080"
		if host, _, err := net.SplitHostPort(entry); err == nil {
			entry = host
		}

		if p, err := netip.ParsePrefix(entry); err == nil {
			f.prefixes = append(f.prefixes, p.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(entry); err == nil {
			addr = addr.Unmap()
			f.prefixes = append(f.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}

		log.Warn().Str("ip", entry).Msg("invalid IP or CIDR in admin_allowed_ips, skipping")
	}

	return f
}

// IsAllowed reports whether remoteAddr matches the allowlist. A filter built
// only from invalid entries allows nothing.
func (f *IPFilter) IsAllowed(remoteAddr string) bool {
	if !f.configured {
		return true
	}
	addr, ok := ParseRemoteIP(remoteAddr)
	if !ok {
		log.Warn().Str("addr", remoteAddr).Msg("failed to parse IP address")
		return false
	}
	for _, p := range f.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IPFilterMiddleware rejects requests from addresses outside allowed with
// 403. An empty allowed list disables filtering.
func IPFilterMiddleware(allowed []string) func(http.Handler) http.Handler {
	filter := NewIPFilter(allowed)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !filter.IsAllowed(r.RemoteAddr) {
				log.Debug().
					Str("addr", r.RemoteAddr).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Msg("request from blocked IP")

				writeJSONError(w, http.StatusForbidden, "forbidden")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
