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
	"errors"
	"testing"
)

// Tests that the rule runner fails fast on the first broken rule and does not
// evaluate outcome errors of later rules.
func TestRunFailsFast(t *testing.T) {
	first := errors.New("first failure")
	second := errors.New("second failure")

	err := Run([]Rule{
		{OK: true, Err: errors.New("passing rule must not surface")},
		{OK: false, Err: first},
		{OK: false, Err: second},
	}, ErrNoRules)

	if !errors.Is(err, first) {
		t.Fatalf("error mismatch: have %v, want %v", err, first)
	}
}

// Tests that a fully passing sequence yields no error.
func TestRunAllPass(t *testing.T) {
	err := Run([]Rule{
		{OK: true, Err: errors.New("unused")},
		{OK: true, Err: errors.New("unused")},
	}, ErrNoRules)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Tests that empty and malformed rule sequences degrade to the fallback
// failure instead of passing vacuously.
func TestRunFallback(t *testing.T) {
	fallback := errors.New("fallback")

	if err := Run(nil, fallback); !errors.Is(err, fallback) {
		t.Errorf("empty sequence: have %v, want %v", err, fallback)
	}
	if err := Run([]Rule{}, fallback); !errors.Is(err, fallback) {
		t.Errorf("zero length sequence: have %v, want %v", err, fallback)
	}
	if err := Run([]Rule{{OK: false, Err: nil}}, fallback); !errors.Is(err, fallback) {
		t.Errorf("failing rule without error: have %v, want %v", err, fallback)
	}
}
