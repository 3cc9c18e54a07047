/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package proxy

import (
	"net"
	"net/url"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/torfreehaven/snowproxy/internal/errors"
)

// extractClientIP returns the connection address of the first ICE candidate
// in a client offer SDP whose address is a public-looking IP (not private,
// loopback, link-local or unspecified). The result is passed to the relay as
// the client_ip query parameter (see withClientIP); this proxy never uses it
// for any access-control decision. It returns "" if offerSDP has no such
// candidate.
func extractClientIP(offerSDP string) string {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(offerSDP)); err != nil {
		return ""
	}
	for _, md := range sd.MediaDescriptions {
		for _, attr := range md.Attributes {
			if attr.Key != "candidate" {
				continue
			}
			fields := strings.Fields(attr.Value)
			// foundation component transport priority ip port "typ" type ...
			if len(fields) >= 5 {
				ip := net.ParseIP(fields[4])
				if ip == nil || ip.IsPrivate() || ip.IsLoopback() ||
					ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
					continue
				}
				return fields[4]
			}
		}
	}
	return ""
}

// relayHost extracts the hostname component from a relay URL for pattern
// matching against AllowedRelayPattern. It requires a wss:// scheme.
func relayHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Trace(err)
	}
	if u.Scheme != "wss" {
		return "", errors.Tracef("relay url %q must use the wss scheme", rawURL)
	}
	if u.Hostname() == "" {
		return "", errors.Tracef("relay url %q has no host", rawURL)
	}
	return u.Hostname(), nil
}
