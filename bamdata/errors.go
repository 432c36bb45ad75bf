// SPDX-License-Identifier: GPL-2.0-only

package bamdata

import (
	"fmt"

	"github.com/efficientgo/core/errors"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoResources     = errors.New("out of resources")
	ErrHardware        = errors.New("hardware call failed")
	ErrNotReady        = errors.New("port not ready")
)

// HardwareError reports a failed call into the bridge engine, the offload engine or a
// function bridge. It matches ErrHardware.
type HardwareError struct {
	Op  string
	Err error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *HardwareError) Unwrap() error {
	return e.Err
}

func (e *HardwareError) Is(target error) bool {
	return target == ErrHardware
}

func hardwareError(op string, err error) error {
	return &HardwareError{Op: op, Err: err}
}
