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

import "strings"

// matchesRelayPattern reports whether host is permitted by pattern. A
// pattern beginning with '^' requires host to equal the remainder exactly;
// any other pattern matches host as a literal trailing suffix, with no
// implied domain-label boundary (so "foo" matches both "foo" and "barfoo").
func matchesRelayPattern(pattern, host string) bool {
	if strings.HasPrefix(pattern, "^") {
		return host == pattern[1:]
	}
	return strings.HasSuffix(host, pattern)
}
