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

// Package softwallet implements the wallet contract over an in-memory
// secp256k1 key. Signing is local and synchronous; nothing is persisted.
package softwallet

import (
	"crypto/ecdsa"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/gowalletkit/walletkit/validate"
	"github.com/gowalletkit/walletkit/wallet"
)

// Wallet holds a plaintext private key for the lifetime of the instance.
// The key is zeroed on Close.
type Wallet struct {
	id   uuid.UUID         // Random id, not derived from key material
	path string            // Derivation path the key is presented under
	key  *ecdsa.PrivateKey // Held key, nil once closed

	opened    bool
	stateLock sync.RWMutex
}

// New generates a fresh key from the given randomness source and wraps it as
// a wallet presented under the derivation path.
func New(rand io.Reader, path string) (*Wallet, error) {
	if err := validate.DerivationPath(path); err != nil {
		return nil, err
	}
	key, err := ecdsa.GenerateKey(crypto.S256(), rand)
	if err != nil {
		return nil, err
	}
	return wrap(key, path)
}

// FromHex wraps an existing hex encoded private key as a wallet presented
// under the derivation path.
func FromHex(hexkey, path string) (*Wallet, error) {
	if err := validate.DerivationPath(path); err != nil {
		return nil, err
	}
	if err := validate.HexSequence(hexkey); err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(wallet.NormalizeAddress(hexkey))
	if err != nil {
		return nil, err
	}
	return wrap(key, path)
}

func wrap(key *ecdsa.PrivateKey, path string) (*Wallet, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("could not create random uuid: %v", err)
	}
	return &Wallet{id: id, path: path, key: key}, nil
}

// ID returns the random identifier assigned at construction.
func (w *Wallet) ID() uuid.UUID {
	return w.id
}

// Descriptor implements wallet.Wallet.
func (w *Wallet) Descriptor() wallet.Descriptor {
	return wallet.Descriptor{
		Type:    wallet.SubtypeSoftware.Type(),
		Subtype: wallet.SubtypeSoftware,
		Path:    w.path,
	}
}

// Open implements wallet.Wallet. There is no device to connect to, so this
// only arms the instance; the passphrase is unused.
func (w *Wallet) Open(passphrase string) error {
	w.stateLock.Lock()
	defer w.stateLock.Unlock()

	if w.key == nil {
		return wallet.ErrWalletClosed
	}
	if w.opened {
		return wallet.ErrWalletAlreadyOpen
	}
	w.opened = true
	return nil
}

// Close implements wallet.Wallet, zeroing the held key. The wallet cannot be
// reopened afterwards.
func (w *Wallet) Close() error {
	w.stateLock.Lock()
	defer w.stateLock.Unlock()

	if w.key != nil {
		zeroKey(w.key)
		w.key = nil
	}
	w.opened = false
	return nil
}

// Status implements wallet.Wallet.
func (w *Wallet) Status() (string, error) {
	w.stateLock.RLock()
	defer w.stateLock.RUnlock()

	switch {
	case w.key == nil:
		return "Closed", nil
	case w.opened:
		return "Open", nil
	default:
		return "Not opened", nil
	}
}

// Address implements wallet.Wallet, returning the hex address derived from
// the held key. The result is run through the address validator so the
// contract holds uniformly across backends.
func (w *Wallet) Address() (string, error) {
	w.stateLock.RLock()
	defer w.stateLock.RUnlock()

	if w.key == nil || !w.opened {
		return "", wallet.ErrWalletClosed
	}
	addr := crypto.PubkeyToAddress(w.key.PublicKey).Hex()
	if err := validate.Address(addr); err != nil {
		return "", err
	}
	return addr, nil
}

// SignTx implements wallet.Wallet, validating every request field before the
// key is touched and signing locally. A nil chain id selects pre-EIP-155
// signing, any other the replay protected scheme.
func (w *Wallet) SignTx(req *wallet.TxRequest) (*wallet.SignedTx, error) {
	w.stateLock.RLock()
	defer w.stateLock.RUnlock()

	if w.key == nil || !w.opened {
		return nil, wallet.ErrWalletClosed
	}
	tx, err := req.Transaction()
	if err != nil {
		return nil, err
	}
	var signer types.Signer
	if req.ChainID == nil {
		signer = types.HomesteadSigner{}
	} else {
		signer = types.LatestSignerForChainID(req.ChainID)
	}
	signed, err := types.SignTx(tx, signer, w.key)
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}
	sender, err := types.Sender(signer, signed)
	if err != nil {
		return nil, err
	}
	v, r, s := signed.RawSignatureValues()
	return &wallet.SignedTx{Raw: raw, Tx: signed, V: v, R: r, S: s, Sender: sender}, nil
}

// SignMessage implements wallet.Wallet, signing the Ethereum prefixed hash
// of the message with the held key.
func (w *Wallet) SignMessage(msg any) ([]byte, error) {
	w.stateLock.RLock()
	defer w.stateLock.RUnlock()

	if w.key == nil || !w.opened {
		return nil, wallet.ErrWalletClosed
	}
	if err := validate.Message(msg); err != nil {
		return nil, err
	}
	text := msg.(string)
	return crypto.Sign(wallet.TextHash([]byte(text)), w.key)
}

// zeroKey wipes the scalar of a private key in memory.
func zeroKey(k *ecdsa.PrivateKey) {
	b := k.D.Bits()
	for i := range b {
		b[i] = 0
	}
}
