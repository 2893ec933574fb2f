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

// Package validate implements the input checks guarding every boundary
// between caller supplied values and wallet backend operations.
//
// All validators accept loosely typed input on purpose: their first
// responsibility is to reject wrong dynamic types, so the parameter must not
// be narrowed before the check that performs the narrowing. Validators are
// pure and reentrant, returning nil on success and a sentinel-wrapped error
// naming the offending value on failure.
package validate

// Rule pairs a single validation predicate outcome with the error raised
// when the predicate does not hold. Rules are constructed transiently inside
// a validator call and consumed by Run.
type Rule struct {
	OK  bool
	Err error
}

// Run evaluates an ordered rule sequence, failing fast on the first rule
// whose predicate did not hold. Rule order encodes priority: structural and
// type checks must precede content checks, since the latter are evaluated
// against zero values when the type check already failed.
//
// An empty sequence, or a failing rule without an attached error, yields the
// fallback failure.
func Run(rules []Rule, fallback error) error {
	if len(rules) == 0 {
		return fallback
	}
	for _, rule := range rules {
		if !rule.OK {
			if rule.Err == nil {
				return fallback
			}
			return rule.Err
		}
	}
	return nil
}
