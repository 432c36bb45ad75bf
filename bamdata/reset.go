// SPDX-License-Identifier: GPL-2.0-only

package bamdata

import (
	"github.com/go-kit/log/level"
)

// peerReset is registered with the engine after a direct connect. It quiesces the
// endpoints, resets the engine and re-arms the endless requests. On success the handler
// unregisters itself; a later connect registers it again.
func (r *Registry) peerReset(portNum int) (err error) {
	port := r.ports[portNum]
	_ = level.Info(r.logger).Log("msg", "peer reset", "port", portNum)
	defer func() {
		port.metrics.peerResets.WithLabelValues(result(err)).Inc()
	}()

	port.mu.Lock()
	defer port.mu.Unlock()

	pair := port.usb
	reenable := endpointsEnabled(pair)
	if reenable {
		r.disableEndpoints(port, pair)
		r.setStateLocked(port, StateResetting)
	}

	r.deps.Engine.SetHardwareDisabled(true)
	if err := r.deps.Engine.Reset(); err != nil {
		_ = level.Error(r.logger).Log("msg", "BAM reset failed", "port", portNum, "err", err)
		if reenable {
			r.setStateLocked(port, StateResetFailed)
		}
		return hardwareError("usb_bam_reset", err)
	}
	r.deps.Engine.SetHardwareDisabled(false)

	// Endpoints left disabled by an earlier failed reset stay down until the next connect.
	if reenable {
		if err := enableEndpoints(port, pair); err != nil {
			_ = level.Error(r.logger).Log("msg", "failed to re-enable endpoints after reset", "port", portNum, "err", err)
			r.setStateLocked(port, StateResetFailed)
			return err
		}
		r.startEndlessRxLocked(port)
		r.startEndlessTxLocked(port)
		r.setStateLocked(port, StateArmed)
	}

	r.deps.Engine.RegisterPeerResetHandler(nil)
	r.peerResetOwner.Store(noPeerResetOwner)
	return nil
}
