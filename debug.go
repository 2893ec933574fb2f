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

//go:build walletdebug

package walletkit

import (
	"fmt"
	"io"

	"github.com/gowalletkit/walletkit/validate"
	"github.com/karalabe/hid"
)

// DebugEnabled reports whether the debug helpers were compiled in.
const DebugEnabled = true

// DumpDevices writes one line per HID device currently attached to the
// machine, whether it looks like a wallet or not. Useful when a hub refuses
// to pick up a device and the vendor/product/usage ids need eyeballing.
func DumpDevices(out io.Writer) error {
	if !hid.Supported() {
		return fmt.Errorf("hid not supported on this platform")
	}
	infos, err := hid.Enumerate(0, 0)
	if err != nil {
		return err
	}
	for _, info := range infos {
		fmt.Fprintf(out, "%04x:%04x usage %04x iface %d serial %q %q %q at %s\n",
			info.VendorID, info.ProductID, info.UsagePage, info.Interface,
			info.Serial, info.Manufacturer, info.Product, info.Path)
	}
	return nil
}

// TraceValidation runs every validator against the value and writes the
// verdicts, making it obvious which boundary check a rejected input trips.
func TraceValidation(out io.Writer, v any) {
	checks := []struct {
		name string
		fn   func(any) error
	}{
		{"derivation-path", validate.DerivationPath},
		{"safe-integer", validate.SafeInteger},
		{"big-number", validate.BigNumber},
		{"address", validate.Address},
		{"hex-sequence", validate.HexSequence},
		{"message", validate.Message},
	}
	for _, check := range checks {
		if err := check.fn(v); err != nil {
			fmt.Fprintf(out, "%-16s FAIL %v\n", check.name, err)
		} else {
			fmt.Fprintf(out, "%-16s ok\n", check.name)
		}
	}
}
