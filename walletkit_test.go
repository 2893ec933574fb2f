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

package walletkit

import (
	"errors"
	"math/big"
	"testing"

	"github.com/gowalletkit/walletkit/validate"
	"github.com/gowalletkit/walletkit/wallet"
)

// Tests the software wallet factories end to end through the facade.
func TestSoftwareFactories(t *testing.T) {
	w, err := Software("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291", "m/44'/60'/0'/0/1")
	if err != nil {
		t.Fatalf("failed to wrap key: %v", err)
	}
	if err := w.Open(""); err != nil {
		t.Fatalf("failed to open wallet: %v", err)
	}
	defer w.Close()

	addr, err := w.Address()
	if err != nil {
		t.Fatalf("failed to resolve address: %v", err)
	}
	if addr != "0x71562b71999873DB5b286dF957af199Ec94617F7" {
		t.Fatalf("address mismatch: %s", addr)
	}
	if _, err := GenerateSoftware("m/44'/61'/0'/0"); !errors.Is(err, validate.ErrCoinType) {
		t.Fatalf("bad path: error mismatch: %v", err)
	}
	g, err := GenerateSoftware("m/44'/60'/0'/0")
	if err != nil {
		t.Fatalf("failed to generate wallet: %v", err)
	}
	if g.Descriptor().Subtype != wallet.SubtypeSoftware {
		t.Fatalf("subtype mismatch: %s", g.Descriptor().Subtype)
	}
}

// Tests that the hardware factories surface the path validation diagnosis
// itself, not a device discovery failure, when the supplied path is bad.
func TestHardwareFactoriesValidatePath(t *testing.T) {
	if _, err := Ledger("m/44'/61'/0'/0"); !errors.Is(err, validate.ErrCoinType) {
		t.Errorf("ledger: error mismatch: have %v, want %v", err, validate.ErrCoinType)
	}
	if _, err := Trezor("m/43'/60'/0'/0"); !errors.Is(err, validate.ErrPurpose) {
		t.Errorf("trezor: error mismatch: have %v, want %v", err, validate.ErrPurpose)
	}
}

// Tests that the re-exported validator entry points dispatch to the same
// checks as the validate package.
func TestValidatorReExports(t *testing.T) {
	tests := []struct {
		fn    func(any) error
		pass  any
		fail  any
		cause error
	}{
		{ValidateDerivationPath, "m/44'/60'/0'/0", "m/43'/60'/0'/0", validate.ErrPurpose},
		{ValidateSafeInteger, 42, -1, validate.ErrNegative},
		{ValidateBigNumber, big.NewInt(1), 1, validate.ErrNotBigNumber},
		{ValidateAddress, "0x71562b71999873DB5b286dF957af199Ec94617F7", "0x7156", validate.ErrLength},
		{ValidateHexSequence, "0xdeadbeef", "0xnope", validate.ErrPattern},
		{ValidateMessage, "hello", 42, validate.ErrNotString},
	}
	for i, tt := range tests {
		if err := tt.fn(tt.pass); err != nil {
			t.Errorf("test %d: valid input rejected: %v", i, err)
		}
		if err := tt.fn(tt.fail); !errors.Is(err, tt.cause) {
			t.Errorf("test %d: error mismatch: have %v, want %v", i, err, tt.cause)
		}
	}
}
