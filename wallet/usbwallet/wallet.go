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

// Package usbwallet implements the wallet contract over USB hardware
// wallets: the Trezor and Ledger backend adapters plus the session plumbing
// they share.
package usbwallet

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gowalletkit/walletkit/validate"
	"github.com/gowalletkit/walletkit/wallet"
	"github.com/karalabe/hid"
)

// Maximum time between wallet health checks to detect USB unplugs.
const heartbeatCycle = time.Second

// driver defines the vendor specific functionality hardware wallets must
// implement to allow using them with the shared wallet lifecycle management.
type driver interface {
	// Status returns a textual status to aid the user in the current state
	// of the wallet, alongside any failure encountered.
	Status() (string, error)

	// Open initializes access to a wallet instance. The passphrase may or
	// may not be used by a particular vendor implementation.
	Open(device io.ReadWriter, passphrase string) error

	// Close releases any resources held by an open wallet instance.
	Close() error

	// Heartbeat performs a sanity check against the hardware wallet to see
	// if it is still online and healthy.
	Heartbeat() error

	// Derive sends a derivation request to the device and returns the
	// Ethereum address located on that path.
	Derive(path wallet.DerivationPath) (common.Address, error)

	// SignTx sends the transaction to the device and waits for the user to
	// confirm or deny it, returning the recovered sender for a sanity check
	// against hardware faults.
	SignTx(path wallet.DerivationPath, tx *types.Transaction, chainID *big.Int) (common.Address, *types.Transaction, error)

	// SignMessage sends an Ethereum prefixed personal message to the device
	// and waits for the user to confirm or deny signing it.
	SignMessage(path wallet.DerivationPath, message []byte) ([]byte, error)
}

// Wallet represents the common functionality shared by the USB hardware
// wallet vendors to prevent reimplementing the same session maintenance for
// each of them. Every instance exclusively owns the device session it
// opened; the session must not be shared across instances.
type Wallet struct {
	hub     *Hub           // USB hub the device was discovered through
	driver  driver         // Hardware implementation of the low level device operations
	subtype wallet.Subtype // Backend identity baked into the descriptor

	info   hid.DeviceInfo // Known USB device infos about the wallet
	device hid.Device     // USB device advertising itself as a hardware wallet

	path     wallet.DerivationPath // Binary path the active address lives at
	pathText string                // Caller supplied textual form of the path
	address  common.Address        // Active address, cached after the first derivation

	healthQuit chan chan error

	// Hardware devices are slow and waiting for a user confirmation can take
	// arbitrarily long, during which exclusive device access must be upheld
	// without stalling reads of the wallet's software side state. The state
	// lock protects the struct fields; the comms lock (a buffered channel
	// usable as a try-lock) enforces the single outstanding command
	// discipline on the device itself. Comms may only ever hold a read lock
	// on the state, and must acquire it before the comms lock.
	commsLock chan struct{}
	stateLock sync.RWMutex

	log log.Logger // Contextual logger tagging the device path
}

// newWallet wraps a discovered USB device into a wallet bound to the default
// derivation path of its vendor.
func newWallet(hub *Hub, subtype wallet.Subtype, info hid.DeviceInfo, base wallet.DerivationPath, logger log.Logger) *Wallet {
	path := make(wallet.DerivationPath, len(base))
	copy(path, base)
	return &Wallet{
		hub:      hub,
		driver:   hub.makeDriver(logger),
		subtype:  subtype,
		info:     info,
		path:     path,
		pathText: path.String(),
		log:      logger,
	}
}

// Descriptor implements wallet.Wallet.
func (w *Wallet) Descriptor() wallet.Descriptor {
	w.stateLock.RLock()
	defer w.stateLock.RUnlock()

	return wallet.Descriptor{
		Type:    w.subtype.Type(),
		Subtype: w.subtype,
		Path:    w.pathText,
	}
}

// SetPath rebinds the wallet to a different derivation path. The textual
// form is validated before parsing; the cached address is discarded since it
// belonged to the previous path.
func (w *Wallet) SetPath(text string) error {
	if err := validate.DerivationPath(text); err != nil {
		return err
	}
	path, err := wallet.ParseDerivationPath(text)
	if err != nil {
		return err
	}
	w.stateLock.Lock()
	defer w.stateLock.Unlock()

	w.path, w.pathText = path, text
	w.address = common.Address{}
	return nil
}

// Status implements wallet.Wallet, returning the vendor driver's view of the
// device state.
func (w *Wallet) Status() (string, error) {
	w.stateLock.RLock() // No device communication, state lock is enough
	defer w.stateLock.RUnlock()

	status, failure := w.driver.Status()
	if w.device == nil {
		return "Closed", failure
	}
	return status, failure
}

// Open implements wallet.Wallet, establishing the USB connection to the
// device and handing initialization to the vendor driver.
func (w *Wallet) Open(passphrase string) error {
	w.stateLock.Lock() // No connection yet, the state lock is enough
	defer w.stateLock.Unlock()

	// If the device was already opened once, refuse to try again
	if w.healthQuit != nil {
		return wallet.ErrWalletAlreadyOpen
	}
	// Make sure the actual device connection is done only once
	if w.device == nil {
		device, err := w.info.Open()
		if err != nil {
			return fmt.Errorf("%w: %w", wallet.ErrDeviceNotConnected, err)
		}
		w.device = device
		w.commsLock = make(chan struct{}, 1)
		w.commsLock <- struct{}{} // Enable lock
	}
	// Delegate device initialization to the underlying driver
	if err := w.driver.Open(w.device, passphrase); err != nil {
		return err
	}
	// Connection successful, start life-cycle management
	w.healthQuit = make(chan chan error)
	go w.heartbeat()

	// Notify anyone listening for wallet events that a new device is accessible
	go w.hub.updateFeed.Send(Event{Wallet: w, Kind: EventOpened})

	return nil
}

// heartbeat is a health check loop for the USB wallets to periodically
// verify whether they are still present or if they malfunctioned.
func (w *Wallet) heartbeat() {
	w.log.Debug("USB wallet health-check started")
	defer w.log.Debug("USB wallet health-check stopped")

	// Execute heartbeat checks until termination or error
	var (
		errc chan error
		err  error
	)
	for errc == nil && err == nil {
		// Wait until termination is requested or the heartbeat cycle arrives
		select {
		case errc = <-w.healthQuit:
			// Termination requested
			continue
		case <-time.After(heartbeatCycle):
			// Heartbeat time
		}
		// Execute a tiny data exchange to see responsiveness
		w.stateLock.RLock()
		if w.device == nil {
			// Terminated while waiting for the lock
			w.stateLock.RUnlock()
			continue
		}
		select {
		case <-w.commsLock:
			err = w.driver.Heartbeat()
			w.commsLock <- struct{}{}
		default:
			// A command is outstanding, likely waiting for a user
			// confirmation; skip this cycle instead of queueing behind it.
		}
		w.stateLock.RUnlock()

		if err != nil {
			w.stateLock.Lock() // Lock state to tear the wallet down
			w.close()
			w.stateLock.Unlock()
		}
		// Ignore non hardware related errors
		err = nil
	}
	// In case of error, wait for termination
	if err != nil {
		w.log.Debug("USB wallet health-check failed", "err", err)
		errc = <-w.healthQuit
	}
	errc <- err
}

// Close implements wallet.Wallet, terminating the health checks and the USB
// connection to the device.
func (w *Wallet) Close() error {
	// Ensure the wallet was opened
	w.stateLock.RLock()
	hQuit := w.healthQuit
	w.stateLock.RUnlock()

	// Terminate the health checks
	var herr error
	if hQuit != nil {
		errc := make(chan error)
		hQuit <- errc
		herr = <-errc // Save for later, we *must* close the USB
	}
	// Terminate the device connection
	w.stateLock.Lock()
	defer w.stateLock.Unlock()

	w.healthQuit = nil

	if err := w.close(); err != nil {
		return err
	}
	return herr
}

// close is the internal wallet closer that terminates the USB connection and
// resets the session fields.
//
// Note, close assumes the state lock is held!
func (w *Wallet) close() error {
	// Allow duplicate closes, especially for health-check failures
	if w.device == nil {
		return nil
	}
	// Close the device, clear everything, then return
	w.device.Close()
	w.device = nil
	w.address = common.Address{}

	return w.driver.Close()
}

// Address implements wallet.Wallet, resolving the address at the bound
// derivation path. The first call performs a device round-trip; the result
// is cached and revalidated before every return.
func (w *Wallet) Address() (string, error) {
	w.stateLock.RLock()
	if w.device == nil {
		w.stateLock.RUnlock()
		return "", wallet.ErrWalletClosed
	}
	if w.address != (common.Address{}) {
		addr := w.address
		w.stateLock.RUnlock()
		return checkedAddress(addr)
	}
	// Not resolved yet, ask the device
	select {
	case <-w.commsLock:
	default:
		w.stateLock.RUnlock()
		return "", wallet.ErrSessionBusy
	}
	address, err := w.driver.Derive(w.path)
	w.commsLock <- struct{}{}
	w.stateLock.RUnlock()

	if err != nil {
		return "", mapTransportError(err)
	}
	w.stateLock.Lock()
	w.address = address
	w.stateLock.Unlock()

	return checkedAddress(address)
}

// checkedAddress runs a device supplied address through the address
// validator before it is handed to the caller. A compromised or glitching
// transport must not be able to smuggle a malformed address through.
func checkedAddress(addr common.Address) (string, error) {
	hex := addr.Hex()
	if err := validate.Address(hex); err != nil {
		return "", err
	}
	return hex, nil
}

// SignTx implements wallet.Wallet. Every request field is validated before
// the device is touched, so malformed input never reaches the hardware. The
// signed transaction's recovered sender is checked against the wallet's
// active address to catch hardware faults.
func (w *Wallet) SignTx(req *wallet.TxRequest) (*wallet.SignedTx, error) {
	// Validate and assemble outside any lock; rejects must not cost a session
	tx, err := req.Transaction()
	if err != nil {
		return nil, err
	}
	w.stateLock.RLock() // Comms have their own mutex, this is for the state fields
	defer w.stateLock.RUnlock()

	if w.device == nil {
		return nil, wallet.ErrWalletClosed
	}
	// Devices cannot interleave commands, reject overlapping calls
	select {
	case <-w.commsLock:
	default:
		return nil, wallet.ErrSessionBusy
	}
	defer func() { w.commsLock <- struct{}{} }()

	// Ensure the device isn't screwed with while user confirmation is pending
	w.hub.commsLock.Lock()
	w.hub.commsPend++
	w.hub.commsLock.Unlock()

	defer func() {
		w.hub.commsLock.Lock()
		w.hub.commsPend--
		w.hub.commsLock.Unlock()
	}()
	// Sign the transaction and verify the sender to avoid hardware fault surprises
	sender, signed, err := w.driver.SignTx(w.path, tx, req.ChainID)
	if err != nil {
		return nil, mapTransportError(err)
	}
	if w.address != (common.Address{}) && sender != w.address {
		return nil, fmt.Errorf("signer mismatch: expected %s, got %s", w.address.Hex(), sender.Hex())
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}
	v, r, s := signed.RawSignatureValues()
	return &wallet.SignedTx{Raw: raw, Tx: signed, V: v, R: r, S: s, Sender: sender}, nil
}

// SignMessage implements wallet.Wallet, round-tripping an Ethereum prefixed
// personal message to the device for confirmation and signing.
func (w *Wallet) SignMessage(msg any) (sig []byte, err error) {
	if err := validate.Message(msg); err != nil {
		return nil, err
	}
	text := msg.(string)

	w.stateLock.RLock()
	defer w.stateLock.RUnlock()

	if w.device == nil {
		return nil, wallet.ErrWalletClosed
	}
	select {
	case <-w.commsLock:
	default:
		return nil, wallet.ErrSessionBusy
	}
	defer func() { w.commsLock <- struct{}{} }()

	w.hub.commsLock.Lock()
	w.hub.commsPend++
	w.hub.commsLock.Unlock()

	defer func() {
		w.hub.commsLock.Lock()
		w.hub.commsPend--
		w.hub.commsLock.Unlock()
	}()
	sig, err = w.driver.SignMessage(w.path, []byte(text))
	if err != nil {
		return nil, mapTransportError(err)
	}
	return sig, nil
}

// mapTransportError folds low level transport failures into the device error
// taxonomy, retaining the original cause. Errors already carrying a taxonomy
// kind pass through untouched.
func mapTransportError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, wallet.ErrUserRejected),
		errors.Is(err, wallet.ErrWalletClosed),
		errors.Is(err, wallet.ErrTransportTimeout),
		errors.Is(err, wallet.ErrDeviceNotConnected):
		return err
	case errors.Is(err, os.ErrDeadlineExceeded),
		strings.Contains(err.Error(), "timeout"):
		return fmt.Errorf("%w: %w", wallet.ErrTransportTimeout, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, os.ErrClosed):
		return fmt.Errorf("%w: %w", wallet.ErrDeviceNotConnected, err)
	default:
		return err
	}
}
