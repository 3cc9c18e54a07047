/*
 * Copyright (c) 2018, Psiphon Inc.
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

/*

Package prng provides randomness helpers for session identifiers and
scheduling jitter.

Unlike a ChaCha20-stream PRNG seeded once at startup to avoid the syscall
overhead of crypto/rand.Read for high-volume traffic shaping, this package
calls crypto/rand directly. Snowproxy's random-number consumption is
low-volume -- one session id per broker poll, one jitter value per
broker-failure backoff -- so the syscall cost is immaterial, and
crypto/rand more directly satisfies the requirement that session ids be
drawn from a cryptographic RNG.

*/
package prng

import (
	crypto_rand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/torfreehaven/snowproxy/internal/errors"
)

// Bytes returns a slice of length random bytes read from crypto/rand.
func Bytes(length int) []byte {
	b := make([]byte, length)
	_, err := crypto_rand.Read(b)
	if err != nil {
		// crypto/rand.Read failing is not something callers can usefully
		// recover from.
		panic(errors.Trace(err))
	}
	return b
}

// HexString returns a hex encoded random string. byteLength specifies the
// pre-encoded data length, so HexString(8) yields a 16 character string.
func HexString(byteLength int) string {
	return hex.EncodeToString(Bytes(byteLength))
}

// Int63n returns a uniform random int64 in [0, n). It returns 0 if n <= 0.
func Int63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, err := crypto_rand.Read(b[:])
	if err != nil {
		panic(errors.Trace(err))
	}
	v := binary.BigEndian.Uint64(b[:]) & (1<<63 - 1)
	return int64(v) % n
}

// Jitter returns n +/- the given factor. For n = 100 and factor = 0.1, the
// return value is in the range [90, 110].
func Jitter(n int64, factor float64) int64 {
	a := int64(math.Ceil(float64(n) * factor))
	if a <= 0 {
		return n
	}
	r := Int63n(2*a + 1)
	return n + r - a
}

// JitterDuration invokes Jitter for time.Duration.
func JitterDuration(d time.Duration, factor float64) time.Duration {
	return time.Duration(Jitter(int64(d), factor))
}
