// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package sockopt

import "errors"

// IsSupported reports whether every option can be applied on this platform.
const IsSupported = false

func apply(_ uintptr, o Options) error {
	if o.ReusePort {
		return errors.New("SO_REUSEPORT is not supported on this platform")
	}
	// Buffer sizes are best-effort and silently ignored here.
	return nil
}
