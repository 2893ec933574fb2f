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

// This file contains the implementation for interacting with the Trezor
// hardware wallets. The wire protocol spec can be found on the SatoshiLabs
// website: https://docs.trezor.io/trezor-firmware/common/communication/

package usbwallet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gowalletkit/walletkit/wallet"
	"google.golang.org/protobuf/encoding/protowire"
)

// Trezor protobuf message types relevant for Ethereum operations. The full
// registry lives in the trezor-common repository; messages are framed by hand
// with protowire instead of dragging in the entire generated bindings.
const (
	trezorTypeInitialize               = 0
	trezorTypePing                     = 1
	trezorTypeSuccess                  = 2
	trezorTypeFailure                  = 3
	trezorTypeFeatures                 = 17
	trezorTypePinMatrixRequest         = 18
	trezorTypePinMatrixAck             = 19
	trezorTypeButtonRequest            = 26
	trezorTypeButtonAck                = 27
	trezorTypeEthereumGetAddress       = 56
	trezorTypeEthereumAddress          = 57
	trezorTypeEthereumSignTx           = 58
	trezorTypeEthereumTxRequest        = 59
	trezorTypeEthereumTxAck            = 60
	trezorTypeEthereumSignMessage      = 64
	trezorTypeEthereumMessageSignature = 66
)

// Failure codes reported by the device that mean the user refused the
// operation rather than something going wrong on the wire.
const (
	trezorFailureActionCancelled = 4
	trezorFailurePinCancelled    = 6
)

// errTrezorReplyInvalidHeader is the error message returned by a Trezor data
// exchange if the device replies with a mismatching header. This usually
// means the device is malfunctioning.
var errTrezorReplyInvalidHeader = errors.New("trezor: invalid reply header")

// trezorDriver implements the communication with a Trezor hardware wallet.
type trezorDriver struct {
	device  io.ReadWriter // USB device connection to communicate through
	version [3]uint32     // Current version of the Trezor firmware
	label   string        // Current textual label of the Trezor device
	pinwait bool          // Flag whether the device is waiting for PIN entry
	failure error         // Any failure that would make the device unusable
	log     log.Logger    // Contextual logger to tag the trezor with its id
}

// newTrezorDriver creates a new instance of a Trezor USB protocol driver.
func newTrezorDriver(logger log.Logger) driver {
	return &trezorDriver{
		log: logger,
	}
}

// Status implements usbwallet.driver, returning various states the Trezor
// can currently be in.
func (w *trezorDriver) Status() (string, error) {
	if w.failure != nil {
		return fmt.Sprintf("Failed: %v", w.failure), w.failure
	}
	if w.device == nil {
		return "Disconnected", w.failure
	}
	if w.pinwait {
		return fmt.Sprintf("Trezor v%d.%d.%d '%s' waiting for PIN", w.version[0], w.version[1], w.version[2], w.label), w.failure
	}
	return fmt.Sprintf("Trezor v%d.%d.%d '%s' online", w.version[0], w.version[1], w.version[2], w.label), w.failure
}

// Open implements usbwallet.driver, attempting to initialize the connection
// to the Trezor hardware wallet. Initializing the Trezor is a two phase
// operation:
//   - The first phase is to initialize the connection and read the wallet's
//     features. This phase is invoked if the provided passphrase is empty. The
//     device will display the pinpad as a result and will return an
//     appropriate error to notify the user that a second open phase is needed.
//   - The second phase is to unlock access to the Trezor, which is done by the
//     user actually providing a passphrase mapping a keyboard keypad to the pin
//     number of the user (shuffled according to the pinpad displayed).
func (w *trezorDriver) Open(device io.ReadWriter, passphrase string) error {
	w.device, w.failure = device, nil

	// If phase 1 is requested, init the connection and wait for user callback
	if passphrase == "" && !w.pinwait {
		features, err := w.trezorInit()
		if err != nil {
			return err
		}
		w.version = features.version
		w.label = features.label

		// Do a manual ping, forcing the device to ask for its PIN
		ping := trezorAppendBytes(nil, 1, []byte("walletkit"))
		ping = protowire.AppendTag(ping, 3, protowire.VarintType) // pin_protection
		ping = protowire.AppendVarint(ping, 1)

		kind, _, err := w.trezorExchange(trezorTypePing, ping, trezorTypePinMatrixRequest, trezorTypeSuccess)
		if err != nil {
			return err
		}
		if kind == trezorTypePinMatrixRequest {
			w.pinwait = true
			return wallet.NewAuthNeededError("PIN")
		}
		return nil
	}
	// Phase 2 requested with actual PIN entry
	if w.pinwait {
		w.pinwait = false
		if _, _, err := w.trezorExchange(trezorTypePinMatrixAck, trezorAppendBytes(nil, 1, []byte(passphrase)), trezorTypeSuccess); err != nil {
			w.failure = err
			return err
		}
	}
	return nil
}

// Close implements usbwallet.driver, cleaning up the metadata maintained
// within the Trezor driver.
func (w *trezorDriver) Close() error {
	w.version, w.label, w.pinwait = [3]uint32{}, "", false
	return nil
}

// Heartbeat implements usbwallet.driver, performing a sanity check against
// the Trezor to see if it's still online.
func (w *trezorDriver) Heartbeat() error {
	if _, _, err := w.trezorExchange(trezorTypePing, nil, trezorTypeSuccess); err != nil {
		w.failure = err
		return err
	}
	return nil
}

// Derive implements usbwallet.driver, sending a derivation request to the
// Trezor and returning the Ethereum address located on that derivation path.
func (w *trezorDriver) Derive(path wallet.DerivationPath) (common.Address, error) {
	return w.trezorDerive(path)
}

// SignTx implements usbwallet.driver, sending the transaction to the Trezor
// and waiting for the user to confirm or deny the transaction.
func (w *trezorDriver) SignTx(path wallet.DerivationPath, tx *types.Transaction, chainID *big.Int) (common.Address, *types.Transaction, error) {
	if w.device == nil {
		return common.Address{}, nil, wallet.ErrWalletClosed
	}
	return w.trezorSign(path, tx, chainID)
}

// SignMessage implements usbwallet.driver, sending the personal message to
// the Trezor and waiting for the user to confirm or deny signing it.
func (w *trezorDriver) SignMessage(path wallet.DerivationPath, message []byte) ([]byte, error) {
	if w.device == nil {
		return nil, wallet.ErrWalletClosed
	}
	payload := trezorAppendPath(nil, 1, path)
	payload = trezorAppendBytes(payload, 2, message)

	_, reply, err := w.trezorExchange(trezorTypeEthereumSignMessage, payload, trezorTypeEthereumMessageSignature)
	if err != nil {
		return nil, err
	}
	fields, err := trezorParse(reply)
	if err != nil {
		return nil, err
	}
	signature := fields.bytes(2)
	if len(signature) != 65 {
		return nil, errors.New("reply lacks signature")
	}
	// The device returns V as 27/28; normalize to 0/1
	if signature[64] >= 27 {
		signature[64] -= 27
	}
	return signature, nil
}

// trezorFeatures is the decoded subset of the device's Features reply.
type trezorFeatures struct {
	version [3]uint32
	label   string
}

// trezorInit sends an Initialize request to the device and decodes the
// firmware version and label out of the Features reply.
func (w *trezorDriver) trezorInit() (trezorFeatures, error) {
	_, reply, err := w.trezorExchange(trezorTypeInitialize, nil, trezorTypeFeatures)
	if err != nil {
		return trezorFeatures{}, err
	}
	fields, err := trezorParse(reply)
	if err != nil {
		return trezorFeatures{}, err
	}
	return trezorFeatures{
		version: [3]uint32{uint32(fields.varint(2)), uint32(fields.varint(3)), uint32(fields.varint(4))},
		label:   string(fields.bytes(9)),
	}, nil
}

// trezorDerive sends a derivation request to the Trezor device and returns
// the Ethereum address located on that path.
func (w *trezorDriver) trezorDerive(derivationPath []uint32) (common.Address, error) {
	_, reply, err := w.trezorExchange(trezorTypeEthereumGetAddress, trezorAppendPath(nil, 1, derivationPath), trezorTypeEthereumAddress)
	if err != nil {
		return common.Address{}, err
	}
	fields, err := trezorParse(reply)
	if err != nil {
		return common.Address{}, err
	}
	// Older firmwares return the raw 20 bytes, newer ones the hex string
	if raw := fields.bytes(1); len(raw) == common.AddressLength {
		return common.BytesToAddress(raw), nil
	}
	if hexstr := fields.bytes(2); len(hexstr) > 0 {
		return common.HexToAddress(string(hexstr)), nil
	}
	return common.Address{}, errors.New("reply lacks address entry")
}

// trezorSign sends the transaction to the Trezor wallet, and waits for the
// user to confirm or deny the transaction.
func (w *trezorDriver) trezorSign(derivationPath []uint32, tx *types.Transaction, chainID *big.Int) (common.Address, *types.Transaction, error) {
	// Create the transaction initiation message
	data := tx.Data()
	length := uint64(len(data))

	request := trezorAppendPath(nil, 1, derivationPath)
	request = trezorAppendBytes(request, 2, new(big.Int).SetUint64(tx.Nonce()).Bytes())
	request = trezorAppendBytes(request, 3, tx.GasPrice().Bytes())
	request = trezorAppendBytes(request, 4, new(big.Int).SetUint64(tx.Gas()).Bytes())
	request = trezorAppendBytes(request, 6, tx.Value().Bytes())
	if length > 1024 { // Send the data chunked if that was requested
		request = trezorAppendBytes(request, 7, data[:1024])
		data = data[1024:]
	} else {
		request = trezorAppendBytes(request, 7, data)
		data = nil
	}
	request = protowire.AppendTag(request, 8, protowire.VarintType) // data_length
	request = protowire.AppendVarint(request, length)
	if chainID != nil {
		request = protowire.AppendTag(request, 9, protowire.VarintType)
		request = protowire.AppendVarint(request, chainID.Uint64())
	}
	if to := tx.To(); to != nil {
		request = trezorAppendBytes(request, 11, []byte(to.Hex()))
	}
	// Send the initiation message and stream content until a signature is returned
	_, reply, err := w.trezorExchange(trezorTypeEthereumSignTx, request, trezorTypeEthereumTxRequest)
	if err != nil {
		return common.Address{}, nil, err
	}
	fields, err := trezorParse(reply)
	if err != nil {
		return common.Address{}, nil, err
	}
	for fields.has(1) && fields.varint(1) <= uint64(len(data)) {
		chunk := fields.varint(1)
		ack := trezorAppendBytes(nil, 1, data[:chunk])
		data = data[chunk:]

		if _, reply, err = w.trezorExchange(trezorTypeEthereumTxAck, ack, trezorTypeEthereumTxRequest); err != nil {
			return common.Address{}, nil, err
		}
		if fields, err = trezorParse(reply); err != nil {
			return common.Address{}, nil, err
		}
	}
	// Extract the Ethereum signature and do a sanity validation
	r, s, v := fields.bytes(3), fields.bytes(4), byte(fields.varint(2))
	if len(r)+len(s) != 64 {
		return common.Address{}, nil, errors.New("reply lacks signature")
	}
	signature := append(append(append([]byte{}, r...), s...), v)

	// Create the correct signer and signature transform based on the chain ID
	var signer types.Signer
	if chainID == nil {
		signer = new(types.HomesteadSigner)
	} else {
		signer = types.NewEIP155Signer(chainID)
		signature[64] -= byte(chainID.Uint64()*2 + 35)
	}
	// Inject the final signature into the transaction and sanity check the sender
	signed, err := tx.WithSignature(signer, signature)
	if err != nil {
		return common.Address{}, nil, err
	}
	sender, err := types.Sender(signer, signed)
	if err != nil {
		return common.Address{}, nil, err
	}
	return sender, signed, nil
}

// trezorExchange performs a data exchange with the Trezor wallet, sending it
// a message and retrieving the response. If multiple responses are possible,
// the method will also return the index of the destination object used.
//
// Messages are framed for the HID transport as 64 byte reports, the first
// starting with the magic `?##` header followed by the big endian message
// type and payload length, every subsequent one with a lone `?`.
func (w *trezorDriver) trezorExchange(kind uint16, req []byte, results ...uint16) (uint16, []byte, error) {
	// Construct the original message payload to chunk up
	payload := make([]byte, 8+len(req))
	copy(payload, []byte{0x23, 0x23})
	binary.BigEndian.PutUint16(payload[2:], kind)
	binary.BigEndian.PutUint32(payload[4:], uint32(len(req)))
	copy(payload[8:], req)

	// Stream all the chunks to the device
	chunk := make([]byte, 64)
	chunk[0] = 0x3f // Report ID magic number

	for len(payload) > 0 {
		// Construct the new message to stream, padding with zeroes if needed
		if len(payload) > 63 {
			copy(chunk[1:], payload[:63])
			payload = payload[63:]
		} else {
			copy(chunk[1:], payload)
			copy(chunk[1+len(payload):], make([]byte, 63-len(payload)))
			payload = nil
		}
		// Send over to the device
		w.log.Trace("Data chunk sent to the Trezor", "chunk", hexutil.Bytes(chunk))
		if _, err := w.device.Write(chunk); err != nil {
			return 0, nil, err
		}
	}
	// Stream the reply back from the wallet in 64 byte chunks
	var (
		reply     []byte
		replyKind uint16
	)
	for {
		// Read the next chunk from the Trezor wallet
		if _, err := io.ReadFull(w.device, chunk); err != nil {
			return 0, nil, err
		}
		w.log.Trace("Data chunk received from the Trezor", "chunk", hexutil.Bytes(chunk))

		// Make sure the transport header matches
		if chunk[0] != 0x3f || (len(reply) == 0 && (chunk[1] != 0x23 || chunk[2] != 0x23)) {
			return 0, nil, errTrezorReplyInvalidHeader
		}
		// If it's the first chunk, retrieve the reply message type and total length
		var payload []byte

		if len(reply) == 0 {
			replyKind = binary.BigEndian.Uint16(chunk[3:5])
			reply = make([]byte, 0, int(binary.BigEndian.Uint32(chunk[5:9])))
			payload = chunk[9:]
		} else {
			payload = chunk[1:]
		}
		// Append to the reply and stop when filled up
		if left := cap(reply) - len(reply); left > len(payload) {
			reply = append(reply, payload...)
		} else {
			reply = append(reply, payload[:left]...)
			break
		}
	}
	// Try to parse the reply into the requested reply message
	if replyKind == trezorTypeFailure {
		// Trezor returned a failure, extract and return the message
		fields, err := trezorParse(reply)
		if err != nil {
			return 0, nil, err
		}
		code, message := fields.varint(1), string(fields.bytes(2))
		if code == trezorFailureActionCancelled || code == trezorFailurePinCancelled {
			return 0, nil, fmt.Errorf("%w: trezor: %s", wallet.ErrUserRejected, message)
		}
		return 0, nil, fmt.Errorf("trezor: %s", message)
	}
	if replyKind == trezorTypeButtonRequest {
		// Trezor is waiting for user confirmation, ack and wait for the next message
		return w.trezorExchange(trezorTypeButtonAck, nil, results...)
	}
	for _, kind := range results {
		if replyKind == kind {
			return replyKind, reply, nil
		}
	}
	return 0, nil, fmt.Errorf("trezor: expected reply types %v, got %d", results, replyKind)
}

// trezorAppendBytes appends a length delimited protobuf field to the buffer.
func trezorAppendBytes(buf []byte, num protowire.Number, v []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, v)
}

// trezorAppendPath appends a derivation path as a repeated uint32 protobuf
// field to the buffer.
func trezorAppendPath(buf []byte, num protowire.Number, path []uint32) []byte {
	for _, component := range path {
		buf = protowire.AppendTag(buf, num, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(component))
	}
	return buf
}

// trezorFields holds the decoded fields of a single protobuf message. Only
// the varint and length delimited wire types appear in the Trezor messages
// handled here; repeated fields keep their last value.
type trezorFields struct {
	varints map[protowire.Number]uint64
	blobs   map[protowire.Number][]byte
}

func (f trezorFields) has(num protowire.Number) bool {
	_, ok := f.varints[num]
	return ok
}

func (f trezorFields) varint(num protowire.Number) uint64 {
	return f.varints[num]
}

func (f trezorFields) bytes(num protowire.Number) []byte {
	return f.blobs[num]
}

// trezorParse decodes a raw protobuf message into its fields.
func trezorParse(data []byte) (trezorFields, error) {
	fields := trezorFields{
		varints: make(map[protowire.Number]uint64),
		blobs:   make(map[protowire.Number][]byte),
	}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return trezorFields{}, protowire.ParseError(n)
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return trezorFields{}, protowire.ParseError(n)
			}
			fields.varints[num] = v
			data = data[n:]

		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return trezorFields{}, protowire.ParseError(n)
			}
			fields.blobs[num] = append([]byte{}, v...)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return trezorFields{}, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return fields, nil
}
