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
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gowalletkit/walletkit/wallet"
)

// fakeDevice is a scripted HID stand-in: it records every report the driver
// writes and serves back the reply frames queued by the test.
type fakeDevice struct {
	wrote []byte
	reply bytes.Buffer
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.wrote = append(d.wrote, p...)
	return len(p), nil
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	return d.reply.Read(p)
}

func (d *fakeDevice) queue(frames []byte) {
	d.reply.Write(frames)
}

// ledgerFrames packs an APDU reply, status word included, into the 64 byte
// transport reports the driver reassembles.
func ledgerFrames(payload []byte) []byte {
	data := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(data, uint16(len(payload)))
	copy(data[2:], payload)

	var frames []byte
	for seq := 0; len(data) > 0; seq++ {
		chunk := make([]byte, 64)
		chunk[0], chunk[1], chunk[2] = 0x01, 0x01, 0x05
		binary.BigEndian.PutUint16(chunk[3:], uint16(seq))
		n := copy(chunk[5:], data)
		data = data[n:]
		frames = append(frames, chunk...)
	}
	return frames
}

func newTestLedger() (*ledgerDriver, *fakeDevice) {
	device := new(fakeDevice)
	driver := newLedgerDriver(log.New("vendor", "ledger")).(*ledgerDriver)
	driver.device = device
	driver.version = [3]byte{1, 9, 19}
	return driver, device
}

// Tests that a derivation request is framed per the transport spec and the
// device supplied address is decoded out of the reply.
func TestLedgerDerive(t *testing.T) {
	driver, device := newTestLedger()

	pubkey := make([]byte, 65)
	pubkey[0] = 0x04
	addrhex := []byte("71562b71999873db5b286df957af199ec94617f7")

	var payload []byte
	payload = append(payload, byte(len(pubkey)))
	payload = append(payload, pubkey...)
	payload = append(payload, byte(len(addrhex)))
	payload = append(payload, addrhex...)
	payload = append(payload, 0x90, 0x00)
	device.queue(ledgerFrames(payload))

	address, err := driver.Derive(wallet.DefaultBaseDerivationPath)
	if err != nil {
		t.Fatalf("derivation failed: %v", err)
	}
	if want := common.HexToAddress("0x71562b71999873DB5b286dF957af199Ec94617F7"); address != want {
		t.Fatalf("address mismatch: have %s, want %s", address.Hex(), want.Hex())
	}
	// Check the request framing: transport header, then the APDU header
	if len(device.wrote) != 64 {
		t.Fatalf("request length mismatch: have %d, want one 64 byte report", len(device.wrote))
	}
	if !bytes.Equal(device.wrote[:5], []byte{0x01, 0x01, 0x05, 0x00, 0x00}) {
		t.Fatalf("transport header mismatch: %x", device.wrote[:5])
	}
	if device.wrote[7] != 0xe0 || device.wrote[8] != byte(ledgerOpRetrieveAddress) {
		t.Fatalf("apdu header mismatch: %x", device.wrote[7:9])
	}
	// 5 components of 4 bytes each, preceded by the count
	if device.wrote[12] != 5 {
		t.Fatalf("derivation component count mismatch: have %d, want 5", device.wrote[12])
	}
}

// Tests that personal message signing chunks the payload, reassembles the
// signature and normalizes the recovery id.
func TestLedgerSignMessage(t *testing.T) {
	driver, device := newTestLedger()

	sig := make([]byte, 65)
	sig[0] = 28 // V first on the wire
	for i := 1; i < 33; i++ {
		sig[i] = 0x11
	}
	for i := 33; i < 65; i++ {
		sig[i] = 0x22
	}
	device.queue(ledgerFrames(append(sig, 0x90, 0x00)))

	signature, err := driver.SignMessage(wallet.DefaultBaseDerivationPath, []byte("hello wallet"))
	if err != nil {
		t.Fatalf("message signing failed: %v", err)
	}
	if len(signature) != 65 {
		t.Fatalf("signature length mismatch: have %d, want 65", len(signature))
	}
	if signature[64] != 1 {
		t.Fatalf("recovery id not normalized: have %d, want 1", signature[64])
	}
	if !bytes.Equal(signature[:32], sig[1:33]) || !bytes.Equal(signature[32:64], sig[33:65]) {
		t.Fatalf("signature reordered incorrectly: %x", signature)
	}
	// The message length must ride along after the derivation path
	payload := device.wrote[12:] // Skip transport and APDU headers
	offset := 1 + 4*len(wallet.DefaultBaseDerivationPath)
	if length := binary.BigEndian.Uint32(payload[offset:]); length != uint32(len("hello wallet")) {
		t.Fatalf("message length mismatch: have %d, want %d", length, len("hello wallet"))
	}
}

// Tests that requests spanning multiple reports keep every outgoing report
// at the fixed transport size, the tail zero padded.
func TestLedgerReportPadding(t *testing.T) {
	driver, device := newTestLedger()

	sig := make([]byte, 65)
	sig[0] = 27
	device.queue(ledgerFrames(append(sig, 0x90, 0x00)))

	message := bytes.Repeat([]byte{0x5a}, 100)
	if _, err := driver.SignMessage(wallet.DefaultBaseDerivationPath, message); err != nil {
		t.Fatalf("message signing failed: %v", err)
	}
	// Path + length prefix + message wrap into three reports of 64 bytes each
	if len(device.wrote) != 3*64 {
		t.Fatalf("reports not fixed size: %d bytes written, want %d", len(device.wrote), 3*64)
	}
}

// Tests that a denial status word surfaces as the user rejection kind.
func TestLedgerUserRejection(t *testing.T) {
	driver, device := newTestLedger()
	device.queue(ledgerFrames([]byte{0x69, 0x85}))

	if _, err := driver.SignMessage(wallet.DefaultBaseDerivationPath, []byte("nope")); !errors.Is(err, wallet.ErrUserRejected) {
		t.Fatalf("error mismatch: have %v, want %v", err, wallet.ErrUserRejected)
	}
}

// Tests that signing is refused while the Ethereum app is offline.
func TestLedgerOfflineSigning(t *testing.T) {
	driver, _ := newTestLedger()
	driver.version = [3]byte{}

	if _, err := driver.SignMessage(wallet.DefaultBaseDerivationPath, []byte("hi")); !errors.Is(err, wallet.ErrWalletClosed) {
		t.Fatalf("message signing: error mismatch: %v", err)
	}
	if _, _, err := driver.SignTx(wallet.DefaultBaseDerivationPath, nil, nil); !errors.Is(err, wallet.ErrWalletClosed) {
		t.Fatalf("transaction signing: error mismatch: %v", err)
	}
}

// Tests that the version reply is decoded and cached.
func TestLedgerVersion(t *testing.T) {
	driver, device := newTestLedger()
	device.queue(ledgerFrames([]byte{0x01, 0x01, 0x09, 0x03, 0x90, 0x00}))

	version, err := driver.ledgerVersion()
	if err != nil {
		t.Fatalf("version retrieval failed: %v", err)
	}
	if version != [3]byte{1, 9, 3} {
		t.Fatalf("version mismatch: have %v, want [1 9 3]", version)
	}
}
