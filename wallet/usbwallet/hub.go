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

package usbwallet

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gowalletkit/walletkit/wallet"
	"github.com/karalabe/hid"
)

// refreshCycle is the maximum time between device rescans (USB hotplug
// notifications are not available everywhere).
const refreshCycle = time.Second

// refreshThrottling is the minimum time between device rescans to avoid USB
// trashing.
const refreshThrottling = 500 * time.Millisecond

// EventKind represents the different event types fired by the device
// tracking subsystem.
type EventKind int

const (
	// EventArrived is fired when a new matching device is detected on USB.
	EventArrived EventKind = iota

	// EventOpened is fired when a wallet session to a device is established.
	EventOpened

	// EventDropped is fired when a device is removed or disconnected and is
	// no longer available for operations.
	EventDropped
)

// Event is fired by the hub when a device arrival or departure is detected.
type Event struct {
	Wallet *Wallet
	Kind   EventKind
}

// Hub finds and tracks USB hardware wallets of one vendor, wrapping each
// device into a wallet bound to that vendor's default derivation path.
type Hub struct {
	subtype    wallet.Subtype             // Backend identity stamped on the wallets
	vendorID   uint16                     // USB vendor identifier used for device discovery
	productIDs []uint16                   // USB product identifiers used for device discovery
	usageID    uint16                     // USB usage page identifier used for macOS device discovery
	endpointID int                        // USB endpoint identifier used for non-macOS device discovery
	basePath   wallet.DerivationPath      // Default derivation path for fresh wallets
	makeDriver func(log.Logger) driver    // Factory method to construct a vendor specific driver

	refreshed   time.Time               // Time instance when the device list was last rescanned
	wallets     []*Wallet               // Devices currently tracked
	updateFeed  event.Feed              // Event feed to notify wallet additions/removals
	updateScope event.SubscriptionScope // Subscription scope tracking current live listeners
	updating    bool                    // Whether the event notification loop is running

	stateLock sync.RWMutex // Protects the internals of the hub from racey access

	// hidapi on Linux opens devices during enumeration, which corrupts an
	// exchange that is waiting for user confirmation. Enumeration is held
	// off while commands are pending.
	commsPend int          // Number of operations blocking enumeration
	commsLock sync.Mutex   // Lock protecting the pending counter and enumeration
	enumFails atomic.Uint32 // Number of times enumeration has failed
}

// NewLedgerHub creates a new hardware wallet manager for Ledger devices.
func NewLedgerHub() (*Hub, error) {
	return newHub(wallet.SubtypeLedger, 0x2c97, []uint16{
		// Device definitions taken from
		// https://github.com/LedgerHQ/ledger-live/blob/develop/libs/ledgerjs/packages/devices/src/index.ts

		// Original product IDs
		0x0000, /* Ledger Blue */
		0x0001, /* Ledger Nano S */
		0x0004, /* Ledger Nano X */
		0x0005, /* Ledger Nano S Plus */
		0x0006, /* Ledger Nano FTS */

		0x0015, /* HID + U2F + WebUSB Ledger Blue */
		0x1015, /* HID + U2F + WebUSB Ledger Nano S */
		0x4015, /* HID + U2F + WebUSB Ledger Nano X */
		0x5015, /* HID + U2F + WebUSB Ledger Nano S Plus */
		0x6015, /* HID + U2F + WebUSB Ledger Nano FTS */

		0x0011, /* HID + WebUSB Ledger Blue */
		0x1011, /* HID + WebUSB Ledger Nano S */
		0x4011, /* HID + WebUSB Ledger Nano X */
		0x5011, /* HID + WebUSB Ledger Nano S Plus */
		0x6011, /* HID + WebUSB Ledger Nano FTS */
	}, 0xffa0, 0, wallet.LegacyLedgerBaseDerivationPath, newLedgerDriver)
}

// NewTrezorHubWithHID creates a new hardware wallet manager for Trezor
// devices with firmware versions up to 1.8.0.
func NewTrezorHubWithHID() (*Hub, error) {
	return newHub(wallet.SubtypeTrezor, 0x534c, []uint16{0x0001 /* Trezor HID */}, 0xff00, 0, wallet.DefaultBaseDerivationPath, newTrezorDriver)
}

// NewTrezorHubWithWebUSB creates a new hardware wallet manager for Trezor
// devices with firmware version > 1.8.0.
func NewTrezorHubWithWebUSB() (*Hub, error) {
	return newHub(wallet.SubtypeTrezor, 0x1209, []uint16{0x53c1 /* Trezor WebUSB */}, 0xffff /* No usage id on webusb, don't match unset (0) */, 0, wallet.DefaultBaseDerivationPath, newTrezorDriver)
}

// newHub creates a new hardware wallet manager for generic USB devices.
func newHub(subtype wallet.Subtype, vendorID uint16, productIDs []uint16, usageID uint16, endpointID int, basePath wallet.DerivationPath, makeDriver func(log.Logger) driver) (*Hub, error) {
	if !hid.Supported() {
		return nil, errors.New("unsupported platform")
	}
	hub := &Hub{
		subtype:    subtype,
		vendorID:   vendorID,
		productIDs: productIDs,
		usageID:    usageID,
		endpointID: endpointID,
		basePath:   basePath,
		makeDriver: makeDriver,
	}
	hub.refreshWallets()
	return hub, nil
}

// Wallets returns all the currently tracked USB devices that appear to be
// hardware wallets of this hub's vendor.
func (hub *Hub) Wallets() []*Wallet {
	// Make sure the list of wallets is up to date
	hub.refreshWallets()

	hub.stateLock.RLock()
	defer hub.stateLock.RUnlock()

	cpy := make([]*Wallet, len(hub.wallets))
	copy(cpy, hub.wallets)
	return cpy
}

// refreshWallets scans the USB devices attached to the machine and updates
// the list of wallets based on the found devices.
func (hub *Hub) refreshWallets() {
	// Don't scan the USB like crazy if the user fetches wallets in a loop
	hub.stateLock.RLock()
	elapsed := time.Since(hub.refreshed)
	hub.stateLock.RUnlock()

	if elapsed < refreshThrottling {
		return
	}
	// If USB enumeration is continually failing, don't keep trying indefinitely
	if hub.enumFails.Load() > 2 {
		return
	}
	// Retrieve the current list of USB wallet devices
	var devices []hid.DeviceInfo

	if runtime.GOOS == "linux" {
		// hidapi on Linux opens the device during enumeration to retrieve
		// some infos, breaking an exchange waiting for user confirmation, so
		// enumeration is skipped while commands are pending.
		hub.commsLock.Lock()
		if hub.commsPend > 0 { // A confirmation is pending, don't refresh
			hub.commsLock.Unlock()
			return
		}
	}
	infos, err := hid.Enumerate(hub.vendorID, 0)
	if err != nil {
		failcount := hub.enumFails.Add(1)
		if runtime.GOOS == "linux" {
			// See rationale before the enumeration why this is needed and only on Linux.
			hub.commsLock.Unlock()
		}
		log.Error("Failed to enumerate USB devices", "hub", hub.subtype,
			"vendor", hub.vendorID, "failcount", failcount, "err", err)
		return
	}
	hub.enumFails.Store(0)

	for _, info := range infos {
		for _, id := range hub.productIDs {
			// Windows and Macos use UsageID matching, Linux uses Interface matching
			if info.ProductID == id && (info.UsagePage == hub.usageID || info.Interface == hub.endpointID) {
				devices = append(devices, info)
				break
			}
		}
	}
	if runtime.GOOS == "linux" {
		// See rationale before the enumeration why this is needed and only on Linux.
		hub.commsLock.Unlock()
	}
	// Transform the current list of wallets into the new one
	hub.stateLock.Lock()

	var (
		wallets = make([]*Wallet, 0, len(devices))
		events  []Event
	)

	for _, device := range devices {
		// Drop wallets in front of the next device or those that failed for some reason
		for len(hub.wallets) > 0 {
			// Abort if we're past the current device and found an operational one
			_, failure := hub.wallets[0].Status()
			if hub.wallets[0].info.Path >= device.Path || failure == nil {
				break
			}
			// Drop the stale and failed devices
			events = append(events, Event{Wallet: hub.wallets[0], Kind: EventDropped})
			hub.wallets = hub.wallets[1:]
		}
		// If there are no more wallets or the device is before the next, wrap new wallet
		if len(hub.wallets) == 0 || hub.wallets[0].info.Path > device.Path {
			logger := log.New("subtype", hub.subtype, "device", device.Path)
			w := newWallet(hub, hub.subtype, device, hub.basePath, logger)

			events = append(events, Event{Wallet: w, Kind: EventArrived})
			wallets = append(wallets, w)
			continue
		}
		// If the device is the same as the first wallet, keep it
		if hub.wallets[0].info.Path == device.Path {
			wallets = append(wallets, hub.wallets[0])
			hub.wallets = hub.wallets[1:]
			continue
		}
	}
	// Drop any leftover wallets and set the new batch
	for _, w := range hub.wallets {
		events = append(events, Event{Wallet: w, Kind: EventDropped})
	}
	hub.refreshed = time.Now()
	hub.wallets = wallets
	hub.stateLock.Unlock()

	// Fire all wallet events and return
	for _, e := range events {
		hub.updateFeed.Send(e)
	}
}

// Subscribe creates an async subscription to receive notifications on the
// addition or removal of USB wallets.
func (hub *Hub) Subscribe(sink chan<- Event) event.Subscription {
	// We need the mutex to reliably start/stop the update loop
	hub.stateLock.Lock()
	defer hub.stateLock.Unlock()

	// Subscribe the caller and track the subscriber count
	sub := hub.updateScope.Track(hub.updateFeed.Subscribe(sink))

	// Subscribers require an active notification loop, start it
	if !hub.updating {
		hub.updating = true
		go hub.updater()
	}
	return sub
}

// updater is responsible for maintaining an up-to-date list of wallets, and
// for firing wallet addition/removal events.
func (hub *Hub) updater() {
	for {
		// Wait for a refresh timeout (USB hotplug events are not reliable
		// across the supported platforms)
		time.Sleep(refreshCycle)

		// Run the wallet refresher
		hub.refreshWallets()

		// If all our subscribers left, stop the updater
		hub.stateLock.Lock()
		if hub.updateScope.Count() == 0 {
			hub.updating = false
			hub.stateLock.Unlock()
			return
		}
		hub.stateLock.Unlock()
	}
}
