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
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gowalletkit/walletkit/wallet"
	"google.golang.org/protobuf/encoding/protowire"
)

// trezorFrames packs a protobuf message into the `?##` headed 64 byte
// transport reports the driver reassembles.
func trezorFrames(kind uint16, payload []byte) []byte {
	data := make([]byte, 8+len(payload))
	data[0], data[1] = 0x23, 0x23
	binary.BigEndian.PutUint16(data[2:], kind)
	binary.BigEndian.PutUint32(data[4:], uint32(len(payload)))
	copy(data[8:], payload)

	var frames []byte
	for len(data) > 0 {
		chunk := make([]byte, 64)
		chunk[0] = 0x3f
		n := copy(chunk[1:], data)
		data = data[n:]
		frames = append(frames, chunk...)
	}
	return frames
}

func newTestTrezor() (*trezorDriver, *fakeDevice) {
	device := new(fakeDevice)
	driver := newTrezorDriver(log.New("vendor", "trezor")).(*trezorDriver)
	driver.device = device
	return driver, device
}

// Tests address derivation against both reply shapes: the raw bytes of older
// firmwares and the hex string of newer ones.
func TestTrezorDerive(t *testing.T) {
	want := common.HexToAddress("0x71562b71999873DB5b286dF957af199Ec94617F7")

	// Newer firmware replies with a hex string in field 2
	driver, device := newTestTrezor()
	device.queue(trezorFrames(trezorTypeEthereumAddress, trezorAppendBytes(nil, 2, []byte(want.Hex()))))

	address, err := driver.Derive(wallet.DefaultBaseDerivationPath)
	if err != nil {
		t.Fatalf("hex reply: derivation failed: %v", err)
	}
	if address != want {
		t.Fatalf("hex reply: address mismatch: have %s, want %s", address.Hex(), want.Hex())
	}
	// Older firmware replies with the raw 20 bytes in field 1
	driver, device = newTestTrezor()
	device.queue(trezorFrames(trezorTypeEthereumAddress, trezorAppendBytes(nil, 1, want.Bytes())))

	address, err = driver.Derive(wallet.DefaultBaseDerivationPath)
	if err != nil {
		t.Fatalf("raw reply: derivation failed: %v", err)
	}
	if address != want {
		t.Fatalf("raw reply: address mismatch: have %s, want %s", address.Hex(), want.Hex())
	}
	// The request must carry the derivation path as repeated field 1
	fields, err := trezorParse(device.wrote[9 : 9+requestLength(device.wrote)])
	if err != nil {
		t.Fatalf("request does not parse: %v", err)
	}
	if !fields.has(1) {
		t.Fatalf("request lacks the derivation path field")
	}
}

// requestLength reads the payload length out of a written first report.
func requestLength(frame []byte) int {
	return int(binary.BigEndian.Uint32(frame[5:9]))
}

// Tests that a button confirmation round is acknowledged transparently and
// the eventual signature is extracted and normalized.
func TestTrezorSignMessageWithConfirmation(t *testing.T) {
	driver, device := newTestTrezor()

	sig := make([]byte, 65)
	for i := 0; i < 32; i++ {
		sig[i] = 0x11
	}
	for i := 32; i < 64; i++ {
		sig[i] = 0x22
	}
	sig[64] = 28

	device.queue(trezorFrames(trezorTypeButtonRequest, nil))
	device.queue(trezorFrames(trezorTypeEthereumMessageSignature, trezorAppendBytes(nil, 2, sig)))

	signature, err := driver.SignMessage(wallet.DefaultBaseDerivationPath, []byte("hello wallet"))
	if err != nil {
		t.Fatalf("message signing failed: %v", err)
	}
	if signature[64] != 1 {
		t.Fatalf("recovery id not normalized: have %d, want 1", signature[64])
	}
	if !bytes.Equal(signature[:64], sig[:64]) {
		t.Fatalf("signature mismatch: %x", signature)
	}
	// Two requests must have hit the wire: the signing one and the button ack
	if reports := len(device.wrote) / 64; reports != 2 {
		t.Fatalf("report count mismatch: have %d, want 2", reports)
	}
	ack := device.wrote[64:]
	if kind := binary.BigEndian.Uint16(ack[3:5]); kind != trezorTypeButtonAck {
		t.Fatalf("second request kind mismatch: have %d, want %d", kind, trezorTypeButtonAck)
	}
}

// Tests that a cancellation failure reply maps to the user rejection kind
// while other failures stay plain errors.
func TestTrezorFailureMapping(t *testing.T) {
	for _, code := range []uint64{trezorFailureActionCancelled, trezorFailurePinCancelled} {
		driver, device := newTestTrezor()

		failure := protowire.AppendTag(nil, 1, protowire.VarintType)
		failure = protowire.AppendVarint(failure, code)
		failure = trezorAppendBytes(failure, 2, []byte("cancelled"))
		device.queue(trezorFrames(trezorTypeFailure, failure))

		if _, err := driver.Derive(wallet.DefaultBaseDerivationPath); !errors.Is(err, wallet.ErrUserRejected) {
			t.Errorf("code %d: error mismatch: have %v, want %v", code, err, wallet.ErrUserRejected)
		}
	}
	driver, device := newTestTrezor()

	failure := protowire.AppendTag(nil, 1, protowire.VarintType)
	failure = protowire.AppendVarint(failure, 1) // UnexpectedMessage
	failure = trezorAppendBytes(failure, 2, []byte("unexpected message"))
	device.queue(trezorFrames(trezorTypeFailure, failure))

	if _, err := driver.Derive(wallet.DefaultBaseDerivationPath); err == nil || errors.Is(err, wallet.ErrUserRejected) {
		t.Errorf("plain failure: error mismatch: %v", err)
	}
}

// Tests the two phase open: features handshake, PIN demand surfaced as an
// auth needed error, matrix ack on the second phase.
func TestTrezorOpenPinFlow(t *testing.T) {
	driver, device := newTestTrezor()

	features := protowire.AppendTag(nil, 2, protowire.VarintType)
	features = protowire.AppendVarint(features, 2)
	features = protowire.AppendTag(features, 3, protowire.VarintType)
	features = protowire.AppendVarint(features, 1)
	features = protowire.AppendTag(features, 4, protowire.VarintType)
	features = protowire.AppendVarint(features, 8)
	features = trezorAppendBytes(features, 9, []byte("test trezor"))

	device.queue(trezorFrames(trezorTypeFeatures, features))
	device.queue(trezorFrames(trezorTypePinMatrixRequest, nil))

	err := driver.Open(device, "")
	var auth *wallet.AuthNeededError
	if !errors.As(err, &auth) || auth.Needed != "PIN" {
		t.Fatalf("first phase: error mismatch: %v", err)
	}
	if driver.version != [3]uint32{2, 1, 8} || driver.label != "test trezor" {
		t.Fatalf("features mismatch: v%v %q", driver.version, driver.label)
	}
	status, _ := driver.Status()
	if status != "Trezor v2.1.8 'test trezor' waiting for PIN" {
		t.Fatalf("status mismatch: %q", status)
	}
	// Second phase delivers the PIN keyed on the scrambled matrix
	device.queue(trezorFrames(trezorTypeSuccess, nil))
	if err := driver.Open(device, "142536"); err != nil {
		t.Fatalf("second phase failed: %v", err)
	}
}

// Tests the transaction signing exchange and the EIP-155 signature
// transform: a device style signature (V = chainid*2 + 35 + parity) must be
// folded back into a transaction whose sender recovers correctly.
func TestTrezorSignTx(t *testing.T) {
	driver, device := newTestTrezor()

	req := &wallet.TxRequest{
		Nonce:    0,
		GasPrice: 1,
		GasLimit: 21000,
		Value:    0,
		To:       "0x71562b71999873DB5b286dF957af199Ec94617F7",
	}
	tx, err := req.Transaction()
	if err != nil {
		t.Fatalf("failed to assemble transaction: %v", err)
	}
	// Produce the signature the way the device would: over the EIP-155 hash,
	// with the recovery id folded into the legacy V encoding
	key, err := crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	if err != nil {
		t.Fatalf("failed to load test key: %v", err)
	}
	chainID := big.NewInt(1)
	signer := types.NewEIP155Signer(chainID)

	sig, err := crypto.Sign(signer.Hash(tx).Bytes(), key)
	if err != nil {
		t.Fatalf("failed to presign transaction: %v", err)
	}
	reply := protowire.AppendTag(nil, 2, protowire.VarintType)
	reply = protowire.AppendVarint(reply, uint64(sig[64])+chainID.Uint64()*2+35)
	reply = trezorAppendBytes(reply, 3, sig[:32])
	reply = trezorAppendBytes(reply, 4, sig[32:64])
	device.queue(trezorFrames(trezorTypeEthereumTxRequest, reply))

	sender, signed, err := driver.SignTx(wallet.DefaultBaseDerivationPath, tx, chainID)
	if err != nil {
		t.Fatalf("transaction signing failed: %v", err)
	}
	if want := crypto.PubkeyToAddress(key.PublicKey); sender != want {
		t.Fatalf("sender mismatch: have %s, want %s", sender.Hex(), want.Hex())
	}
	v, _, _ := signed.RawSignatureValues()
	if want := int64(sig[64]) + 37; v.Int64() != want {
		t.Fatalf("v mismatch: have %v, want %d", v, want)
	}
}
