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

// Package walletkit is the convenience facade over the wallet backends. It
// wires the software, Ledger and Trezor adapters behind single-call factories
// and re-exports the validator entry points guarding the caller boundary.
//
// Callers that need device discovery events or multiple wallets per vendor
// should use the wallet/usbwallet hubs directly.
package walletkit

import (
	"crypto/rand"
	"errors"

	"github.com/gowalletkit/walletkit/validate"
	"github.com/gowalletkit/walletkit/wallet"
	"github.com/gowalletkit/walletkit/wallet/softwallet"
	"github.com/gowalletkit/walletkit/wallet/usbwallet"
)

// Re-exported contract types so simple consumers only import the facade.
type (
	Wallet     = wallet.Wallet
	Descriptor = wallet.Descriptor
	TxRequest  = wallet.TxRequest
	SignedTx   = wallet.SignedTx
)

// Software wraps an existing hex encoded private key as a software wallet
// presented under the given derivation path.
func Software(hexkey, path string) (wallet.Wallet, error) {
	return softwallet.FromHex(hexkey, path)
}

// GenerateSoftware creates a software wallet around a freshly generated
// secp256k1 key, presented under the given derivation path.
func GenerateSoftware(path string) (wallet.Wallet, error) {
	return softwallet.New(rand.Reader, path)
}

// Ledger returns the first Ledger device currently connected over USB, bound
// to the given derivation path. An empty path keeps the vendor default.
func Ledger(path string) (wallet.Wallet, error) {
	if path != "" {
		if err := validate.DerivationPath(path); err != nil {
			return nil, err
		}
	}
	hub, err := usbwallet.NewLedgerHub()
	if err != nil {
		return nil, err
	}
	return firstWallet(hub, path)
}

// Trezor returns the first Trezor device currently connected over USB, bound
// to the given derivation path. An empty path keeps the vendor default. Both
// the HID transport of older firmwares and the WebUSB transport of newer ones
// are probed; errors other than a missing device abort the probing so their
// diagnosis is not masked.
func Trezor(path string) (wallet.Wallet, error) {
	if path != "" {
		if err := validate.DerivationPath(path); err != nil {
			return nil, err
		}
	}
	hub, err := usbwallet.NewTrezorHubWithHID()
	if err != nil {
		return nil, err
	}
	w, err := firstWallet(hub, path)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, wallet.ErrDeviceNotConnected) {
		return nil, err
	}
	hub, err = usbwallet.NewTrezorHubWithWebUSB()
	if err != nil {
		return nil, err
	}
	return firstWallet(hub, path)
}

// firstWallet picks the first device tracked by a hub and rebinds it to the
// requested derivation path.
func firstWallet(hub *usbwallet.Hub, path string) (wallet.Wallet, error) {
	wallets := hub.Wallets()
	if len(wallets) == 0 {
		return nil, wallet.ErrDeviceNotConnected
	}
	w := wallets[0]
	if path != "" {
		if err := w.SetPath(path); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// ValidateDerivationPath checks a textual BIP-44 Ethereum derivation path.
func ValidateDerivationPath(v any) error { return validate.DerivationPath(v) }

// ValidateSafeInteger checks a numeric primitive for the safe integer range.
func ValidateSafeInteger(v any) error { return validate.SafeInteger(v) }

// ValidateBigNumber checks a value for being an arbitrary precision integer.
func ValidateBigNumber(v any) error { return validate.BigNumber(v) }

// ValidateAddress checks a textual Ethereum address.
func ValidateAddress(v any) error { return validate.Address(v) }

// ValidateHexSequence checks a textual hex payload.
func ValidateHexSequence(v any) error { return validate.HexSequence(v) }

// ValidateMessage checks a signable message string.
func ValidateMessage(v any) error { return validate.Message(v) }
