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

import "errors"

// ErrNotString is returned when a validator expecting textual input receives
// any other dynamic type.
var ErrNotString = errors.New("value is not a string")

// ErrPartCount is returned when a derivation path does not split into the
// four segments mandated by BIP-44.
var ErrPartCount = errors.New("wrong number of path segments")

// ErrHeader is returned when a derivation path does not start with the
// master key designator.
var ErrHeader = errors.New("invalid path header")

// ErrPurpose is returned when the purpose field of a derivation path is not
// the BIP-44 constant.
var ErrPurpose = errors.New("invalid purpose field")

// ErrCoinType is returned when the coin type of a derivation path is neither
// the Ethereum mainnet nor the testnet assignment.
var ErrCoinType = errors.New("invalid coin type")

// ErrAccountFormat is returned when the account segment of a derivation path
// is not a plain decimal number.
var ErrAccountFormat = errors.New("invalid account segment")

// ErrChangeIndexFormat is returned when the change/index segment of a
// derivation path contains a non-decimal component.
var ErrChangeIndexFormat = errors.New("invalid change or index segment")

// ErrTooManyIndices is returned when the change/index segment of a derivation
// path carries more than two components.
var ErrTooManyIndices = errors.New("too many address indices")

// ErrNotNumber is returned when a numeric validator receives a non-numeric
// dynamic type, numeric-looking strings included.
var ErrNotNumber = errors.New("value is not a number")

// ErrNegative is returned when a numeric validator receives a negative value.
var ErrNegative = errors.New("value is negative")

// ErrNotSafe is returned when a numeric value cannot be represented as an
// exact integer below the safe ceiling.
var ErrNotSafe = errors.New("value is not a safe integer")

// ErrNotBigNumber is returned when a value is not a recognized instance of
// the arbitrary precision integer types.
var ErrNotBigNumber = errors.New("value is not a big number instance")

// ErrLength is returned when a string has a length outside the fixed set
// allowed by its format.
var ErrLength = errors.New("invalid length")

// ErrPattern is returned when a string fails its character pattern check.
var ErrPattern = errors.New("invalid character pattern")

// ErrTooLong is returned when a string exceeds its size ceiling.
var ErrTooLong = errors.New("value exceeds maximum length")

// ErrNoRules is the fallback failure for an empty or malformed rule sequence.
var ErrNoRules = errors.New("validation failed: no rules to evaluate")
