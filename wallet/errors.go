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

package wallet

import (
	"errors"
	"fmt"
)

// ErrWalletAlreadyOpen is returned if a wallet is attempted to be opened the
// second time.
var ErrWalletAlreadyOpen = errors.New("wallet already open")

// ErrWalletClosed is returned if a wallet is offline.
var ErrWalletClosed = errors.New("wallet closed")

// ErrDeviceNotConnected is returned when a hardware operation is requested
// but no matching device is attached, or the device disappeared mid-session.
var ErrDeviceNotConnected = errors.New("device not connected")

// ErrUserRejected is returned when the user denied an operation on the
// device itself. It is never retried by this layer.
var ErrUserRejected = errors.New("request rejected on device")

// ErrSessionBusy is returned by non-blocking paths when another command is
// outstanding on the same device session. Devices do not interleave
// commands, so callers must serialize against one session.
var ErrSessionBusy = errors.New("device session busy")

// ErrTransportTimeout is returned when the transport reported a timeout.
// This layer implements no timeouts of its own.
var ErrTransportTimeout = errors.New("device transport timeout")

// ErrInvalidField is returned when a caller supplied request field failed
// validation before dispatch. The wrapped cause names the field and value.
var ErrInvalidField = errors.New("invalid field in request")

// AuthNeededError is returned by backends for signing requests where the
// user is required to provide further authentication before signing can
// succeed. This usually means a password needs to be supplied, or perhaps a
// one time PIN code displayed by some hardware device.
type AuthNeededError struct {
	Needed string // Extra authentication the user needs to provide
}

// NewAuthNeededError creates a new authentication error with the extra
// details about the needed fields set.
func NewAuthNeededError(needed string) error {
	return &AuthNeededError{
		Needed: needed,
	}
}

// Error implements the standard error interface.
func (err *AuthNeededError) Error() string {
	return fmt.Sprintf("authentication needed: %s", err.Needed)
}
