// SPDX-License-Identifier: GPL-2.0-only

package bamdata

import (
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"
)

// Suspend lets the engine request a remote wakeup through the port's destination
// connection while the bus is suspended.
func (r *Registry) Suspend(portNum int) error {
	port, err := r.lookup(portNum)
	if err != nil {
		return err
	}
	port.mu.Lock()
	defer port.mu.Unlock()

	idx := port.ch.DstConnectionIndex
	_ = level.Debug(r.logger).Log("msg", "suspend", "port", portNum, "dst", idx)
	if err := r.deps.Engine.RegisterWakeHandler(idx, func() error {
		return r.wake(portNum)
	}); err != nil {
		return hardwareError("usb_bam_register_wake_cb", err)
	}
	port.wakeArmed = true
	port.wakeIdx = idx
	return nil
}

// Resume drops the wake handler registered by Suspend.
func (r *Registry) Resume(portNum int) error {
	port, err := r.lookup(portNum)
	if err != nil {
		return err
	}
	port.mu.Lock()
	defer port.mu.Unlock()

	idx := port.ch.DstConnectionIndex
	if port.wakeArmed {
		idx = port.wakeIdx
	}
	_ = level.Debug(r.logger).Log("msg", "resume", "port", portNum, "dst", idx)
	if err := r.deps.Engine.RegisterWakeHandler(idx, nil); err != nil {
		return hardwareError("usb_bam_register_wake_cb", err)
	}
	port.wakeArmed = false
	return nil
}

func (r *Registry) wake(portNum int) (err error) {
	port := r.ports[portNum]
	defer func() {
		port.metrics.wakeups.WithLabelValues(result(err)).Inc()
	}()

	port.mu.Lock()
	pair := port.usb
	port.mu.Unlock()

	if pair == nil || pair.Composite == nil || pair.Composite.Gadget == nil {
		_ = level.Error(r.logger).Log("msg", "wakeup requested without a connected gadget", "port", portNum)
		return errors.Wrap(ErrNotReady, "port_usb is NULL")
	}
	_ = level.Debug(r.logger).Log("msg", "remote wakeup", "port", portNum)
	if err := pair.Composite.Gadget.Wakeup(); err != nil {
		return errors.Wrap(err, "usb_gadget_wakeup")
	}
	return nil
}
