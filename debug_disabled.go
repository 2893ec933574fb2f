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

//go:build !walletdebug

package walletkit

import "io"

// DebugEnabled reports whether the debug helpers were compiled in.
const DebugEnabled = false

// DumpDevices is a no-op unless built with the walletdebug tag.
func DumpDevices(io.Writer) error { return nil }

// TraceValidation is a no-op unless built with the walletdebug tag.
func TraceValidation(io.Writer, any) {}
