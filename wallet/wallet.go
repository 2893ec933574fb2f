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

// Package wallet defines the capability contract every backend variant must
// satisfy, the request and result shapes shared between them, and the
// derivation path model used to address keys.
package wallet

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gowalletkit/walletkit/validate"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// Type partitions wallets by where their key material lives.
type Type string

const (
	TypeSoftware Type = "software"
	TypeHardware Type = "hardware"
)

// Subtype identifies the backend adapter that produced a wallet instance.
type Subtype string

const (
	SubtypeSoftware Subtype = "ethereumtx-software"
	SubtypeTrezor   Subtype = "trezor"
	SubtypeLedger   Subtype = "ledger"
)

// Type derives the wallet type from the subtype; the subtype uniquely
// determines the handling backend.
func (s Subtype) Type() Type {
	if s == SubtypeSoftware {
		return TypeSoftware
	}
	return TypeHardware
}

// Descriptor is the read-only metadata attached to every wallet instance,
// fixed at construction.
type Descriptor struct {
	Type    Type    `json:"type"`
	Subtype Subtype `json:"subtype"`
	Path    string  `json:"derivationPath"`
}

// Wallet is the common surface over the software, Trezor and Ledger
// backends. Hardware implementations perform device round-trips for most
// operations and serialize commands against their device session; callers
// must not share one instance's session across instances.
type Wallet interface {
	// Descriptor exposes the wallet's type, subtype and derivation path.
	Descriptor() Descriptor

	// Open initializes access to the wallet. For hardware variants this
	// establishes the device session; it does not unlock or decrypt keys.
	// Wallets that were opened must be closed to release the session.
	Open(passphrase string) error

	// Close releases any resources held by an open wallet instance.
	Close() error

	// Status returns a textual status to aid the user in the current state
	// of the wallet, alongside any failure it encountered.
	Status() (string, error)

	// Address returns the currently active address for the instance's
	// derivation path. Hardware variants fetch it from the device and the
	// returned value is checked with validate.Address before it reaches the
	// caller, guarding against a malformed transport response.
	Address() (string, error)

	// SignTx validates every field of the request, dispatches it to the
	// backend and returns the signed payload. Malformed fields fail with
	// ErrInvalidField before any device round-trip.
	SignTx(req *TxRequest) (*SignedTx, error)

	// SignMessage signs an arbitrary message of at most 1024 characters,
	// prefixed per the Ethereum signed message scheme. The message is
	// loosely typed; non-strings are rejected by the validator.
	SignMessage(msg any) ([]byte, error)
}

// TxRequest describes a transaction to sign. The numeric fields are loosely
// typed at this boundary: nonce and gas limit must satisfy the safe integer
// validator, gas price and value either the big number or the safe integer
// validator. The destination is a hex address string and the calldata an
// optional hex sequence.
type TxRequest struct {
	Nonce    any      `json:"nonce"`
	GasPrice any      `json:"gasPrice"`
	GasLimit any      `json:"gasLimit"`
	Value    any      `json:"value"`
	To       string   `json:"to"`
	Data     string   `json:"data"`
	ChainID  *big.Int `json:"chainId"`
}

// SignedTx is the normalized signing result: the raw RLP encoded payload,
// the assembled transaction, its signature components and the sender
// recovered from them.
type SignedTx struct {
	Raw    hexutil.Bytes      `json:"raw"`
	Tx     *types.Transaction `json:"tx"`
	V      *big.Int           `json:"v"`
	R      *big.Int           `json:"r"`
	S      *big.Int           `json:"s"`
	Sender common.Address     `json:"sender"`
}

// Validate checks every caller supplied field with the corresponding
// validator, so that malformed input never reaches a device or the signing
// primitives. Failures wrap ErrInvalidField and retain the validator's
// diagnosis.
func (req *TxRequest) Validate() error {
	if req == nil {
		return fmt.Errorf("%w: nil transaction request", ErrInvalidField)
	}
	if err := validate.SafeInteger(req.Nonce); err != nil {
		return fmt.Errorf("%w: nonce: %w", ErrInvalidField, err)
	}
	if err := validate.SafeInteger(req.GasLimit); err != nil {
		return fmt.Errorf("%w: gas limit: %w", ErrInvalidField, err)
	}
	if err := amount(req.GasPrice); err != nil {
		return fmt.Errorf("%w: gas price: %w", ErrInvalidField, err)
	}
	if err := amount(req.Value); err != nil {
		return fmt.Errorf("%w: value: %w", ErrInvalidField, err)
	}
	if err := validate.Address(req.To); err != nil {
		return fmt.Errorf("%w: to: %w", ErrInvalidField, err)
	}
	if req.Data != "" {
		if err := validate.HexSequence(req.Data); err != nil {
			return fmt.Errorf("%w: data: %w", ErrInvalidField, err)
		}
	}
	return nil
}

// Transaction validates the request and assembles the unsigned transaction
// all backends dispatch for signing.
func (req *TxRequest) Transaction() (*types.Transaction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	to := common.HexToAddress(req.To)
	return types.NewTx(&types.LegacyTx{
		Nonce:    integer(req.Nonce),
		GasPrice: bignum(req.GasPrice),
		Gas:      integer(req.GasLimit),
		To:       &to,
		Value:    bignum(req.Value),
		Data:     common.FromHex(req.Data),
	}), nil
}

// amount admits the two numeric shapes monetary fields may take.
func amount(v any) error {
	if err := validate.BigNumber(v); err == nil {
		return nil
	}
	return validate.SafeInteger(v)
}

// integer narrows an already validated safe integer.
func integer(v any) uint64 {
	switch n := v.(type) {
	case int:
		return uint64(n)
	case int8:
		return uint64(n)
	case int16:
		return uint64(n)
	case int32:
		return uint64(n)
	case int64:
		return uint64(n)
	case uint:
		return uint64(n)
	case uint8:
		return uint64(n)
	case uint16:
		return uint64(n)
	case uint32:
		return uint64(n)
	case uint64:
		return n
	case float32:
		return uint64(n)
	case float64:
		return uint64(n)
	}
	return 0
}

// bignum widens an already validated amount into a big integer.
func bignum(v any) *big.Int {
	switch n := v.(type) {
	case *big.Int:
		return new(big.Int).Set(n)
	case *uint256.Int:
		return n.ToBig()
	}
	return new(big.Int).SetUint64(integer(v))
}

// NormalizeAddress strips the optional 0x prefix so downstream use is
// consistent regardless of how the caller spelled the address.
func NormalizeAddress(addr string) string {
	return strings.TrimPrefix(addr, "0x")
}

// TextHash calculates the hash of the given message that can be safely used
// to calculate a signature from, as
//
//	keccak256("\x19Ethereum Signed Message:\n"${message length}${message})
//
// which gives context to the signed message and prevents signing of
// transactions.
func TextHash(data []byte) []byte {
	hash, _ := TextAndHash(data)
	return hash
}

// TextAndHash returns the hash together with the prefixed message that was
// hashed.
func TextAndHash(data []byte) ([]byte, string) {
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(data), data)
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write([]byte(msg))
	return hasher.Sum(nil), msg
}
