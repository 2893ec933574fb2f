// Copyright 2026 The walletkit Authors
// This file is part of the walletkit library.
//
// The walletkit library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The walletkit library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the walletkit library. If not, see <http://www.gnu.org/licenses/>.

package validate

import (
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

const (
	// EthereumPurpose is the BIP-44 purpose field assigned to cryptocurrency
	// key trees.
	EthereumPurpose = 44

	// MainnetCoinType is the SLIP-44 coin type assigned to Ethereum.
	MainnetCoinType = 60

	// TestnetCoinType is the SLIP-44 coin type assigned to all testnets.
	TestnetCoinType = 1

	// MaxSafeInteger is the largest integer exactly representable in an IEEE
	// 754 double. Kept as the safety ceiling for wire compatibility with
	// consumers whose default numeric type is a double, even though Go's
	// int64 is wider.
	MaxSafeInteger = 1<<53 - 1

	// MaxHexLength is the ceiling on hex payloads, prefix excluded.
	MaxHexLength = 1024

	// MaxMessageLength is the ceiling on signable message strings.
	MaxMessageLength = 1024

	// segmentSplitter separates the four hardened path segments.
	segmentSplitter = "'/"

	// indexSplitter separates the change and address index components.
	indexSplitter = "/"

	// renderFallback substitutes values whose rendering is unsafe.
	renderFallback = "<unrenderable>"
)

var (
	hexPattern    = regexp.MustCompile(`^(0x)?[0-9a-fA-F]*$`)
	addrPattern   = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{40}$`)
	digitsPattern = regexp.MustCompile(`^[0-9]+$`)
)

// DerivationPath checks a textual BIP-44 derivation path against the
// Ethereum conventions: m/44'/coin'/account'/change[/index] with the coin
// type restricted to mainnet or testnet. Splitting the path on the hardened
// segment boundary `'/` yields exactly four segments for any conforming path;
// the final segment may carry one or two plain indices.
//
// Any value is accepted; non-strings fail with ErrNotString instead of a
// low-level type failure escaping to the caller.
func DerivationPath(v any) error {
	path, ok := v.(string)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotString, render(v))
	}
	segments := strings.Split(path, segmentSplitter)
	if len(segments) != 4 {
		return fmt.Errorf("%w: expected 4, path %q splits into %q", ErrPartCount, path, segments)
	}
	// The leading segment fuses the master key designator with the purpose
	// field: "m/44".
	var (
		header  = strings.SplitN(segments[0], indexSplitter, 2)
		key     = header[0]
		purpose = ""
	)
	if len(header) == 2 {
		purpose = header[1]
	}
	coin, coinErr := strconv.Atoi(segments[1])
	account := segments[2]
	indices := strings.Split(segments[3], indexSplitter)

	return Run([]Rule{
		{OK: strings.EqualFold(key, "m"), Err: fmt.Errorf("%w: %q", ErrHeader, key)},
		{OK: purpose == strconv.Itoa(EthereumPurpose), Err: fmt.Errorf("%w: %q", ErrPurpose, purpose)},
		{OK: coinErr == nil && (coin == MainnetCoinType || coin == TestnetCoinType), Err: fmt.Errorf("%w: %q", ErrCoinType, segments[1])},
		{OK: digitsPattern.MatchString(account), Err: fmt.Errorf("%w: %q", ErrAccountFormat, account)},
		{OK: allDigits(indices), Err: fmt.Errorf("%w: %q", ErrChangeIndexFormat, segments[3])},
		{OK: len(indices) <= 2, Err: fmt.Errorf("%w: %q", ErrTooManyIndices, segments[3])},
	}, ErrNoRules)
}

// SafeInteger checks that a value is a numeric primitive, non-negative and
// exactly representable below MaxSafeInteger. Numeric-looking strings are
// rejected: callers guarding indices and amounts must not rely on implicit
// coercion.
func SafeInteger(v any) error {
	value, integral, numeric := numericValue(v)

	return Run([]Rule{
		{OK: numeric, Err: fmt.Errorf("%w: %s", ErrNotNumber, render(v))},
		{OK: !(value < 0), Err: fmt.Errorf("%w: %s", ErrNegative, render(v))},
		{OK: integral && value <= MaxSafeInteger, Err: fmt.Errorf("%w: %s", ErrNotSafe, render(v))},
	}, ErrNoRules)
}

// BigNumber checks that a value is a recognized arbitrary precision integer
// instance. Both *big.Int and the fixed width *uint256.Int qualify; plain
// numerics and numeric strings do not.
func BigNumber(v any) error {
	var ok bool
	switch n := v.(type) {
	case *big.Int:
		ok = n != nil
	case *uint256.Int:
		ok = n != nil
	}
	return Run([]Rule{
		{OK: ok, Err: fmt.Errorf("%w: %s", ErrNotBigNumber, render(v))},
	}, ErrNoRules)
}

// Address checks a textual Ethereum address: 40 hex characters with an
// optional 0x prefix. The length set {40, 42} is asserted before the pattern
// so that a mis-sized address fails with a more specific error than a
// well-sized but mis-patterned one. Checksums and ICAP encodings are not
// validated here.
func Address(v any) error {
	s, isString := v.(string)

	return Run([]Rule{
		{OK: isString, Err: fmt.Errorf("%w: %s", ErrNotString, render(v))},
		{OK: len(s) == 40 || len(s) == 42, Err: fmt.Errorf("%w: address %q has length %d, want 40 or 42", ErrLength, s, len(s))},
		{OK: addrPattern.MatchString(s), Err: fmt.Errorf("%w: address %q is not hexadecimal", ErrPattern, s)},
	}, ErrNoRules)
}

// HexSequence checks a textual hex payload: optional 0x prefix, hexadecimal
// content, at most MaxHexLength characters of payload.
func HexSequence(v any) error {
	s, isString := v.(string)
	payload := strings.TrimPrefix(s, "0x")

	return Run([]Rule{
		{OK: isString, Err: fmt.Errorf("%w: %s", ErrNotString, render(v))},
		{OK: len(payload) <= MaxHexLength, Err: fmt.Errorf("%w: %d hex characters, at most %d allowed", ErrTooLong, len(payload), MaxHexLength)},
		{OK: hexPattern.MatchString(s), Err: fmt.Errorf("%w: %q is not hexadecimal", ErrPattern, s)},
	}, ErrNoRules)
}

// Message checks a signable message string. Arbitrary content must remain
// signable, so beyond the type and size checks no pattern is enforced.
func Message(v any) error {
	s, isString := v.(string)

	return Run([]Rule{
		{OK: isString, Err: fmt.Errorf("%w: %s", ErrNotString, render(v))},
		{OK: len(s) <= MaxMessageLength, Err: fmt.Errorf("%w: %d characters, at most %d allowed", ErrTooLong, len(s), MaxMessageLength)},
	}, ErrNoRules)
}

// numericValue normalizes the numeric primitive kinds into a float for the
// negativity and safety checks. Within the safe integer range the conversion
// is exact; beyond it any rounding stays beyond, so the ceiling comparison
// remains correct.
func numericValue(v any) (value float64, integral bool, numeric bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true, true
	case int8:
		return float64(n), true, true
	case int16:
		return float64(n), true, true
	case int32:
		return float64(n), true, true
	case int64:
		return float64(n), true, true
	case uint:
		return float64(n), true, true
	case uint8:
		return float64(n), true, true
	case uint16:
		return float64(n), true, true
	case uint32:
		return float64(n), true, true
	case uint64:
		return float64(n), true, true
	case float32:
		f := float64(n)
		return f, f == math.Trunc(f) && !math.IsInf(f, 0), true
	case float64:
		return n, n == math.Trunc(n) && !math.IsInf(n, 0) && !math.IsNaN(n), true
	}
	return 0, false, false
}

// allDigits reports whether every part is a plain decimal number.
func allDigits(parts []string) bool {
	for _, part := range parts {
		if !digitsPattern.MatchString(part) {
			return false
		}
	}
	return true
}

// render produces the diagnostic representation of an arbitrary value for
// failure messages. Nil maps to an explicit placeholder and a panicking
// rendering falls back to a constant, so rendering never masks the original
// failure.
func render(v any) string {
	if v == nil {
		return "<undefined>"
	}
	return fmt.Sprintf("%s (%T)", renderValue(v), v)
}

// renderValue stringifies a value, invoking Stringer and error
// implementations directly under a recover guard. Handing them to fmt would
// swallow their panics and splice a panic marker into the diagnostic instead
// of the stable placeholder.
func renderValue(v any) (repr string) {
	defer func() {
		if recover() != nil {
			repr = renderFallback
		}
	}()
	switch s := v.(type) {
	case fmt.Stringer:
		return s.String()
	case error:
		return s.Error()
	}
	return fmt.Sprint(v)
}
