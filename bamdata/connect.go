// SPDX-License-Identifier: GPL-2.0-only

package bamdata

import (
	baseerrors "errors"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/usb-bam-data/gadget"
	"github.com/MatthiasValvekens/usb-bam-data/ipa"
)

// RequestConnect enables the endpoint pair for portNum, records the transport
// parameters and schedules the hardware handshake. The handshake outcome is not
// reported here; watch State or Subscribe for it.
func (r *Registry) RequestConnect(portNum int, pair *gadget.EndpointPair, mode TransportMode, srcIdx, dstIdx uint8, fn FunctionKind) error {
	port, err := r.lookup(portNum)
	if err != nil {
		return err
	}
	if pair == nil || pair.In == nil || pair.Out == nil {
		_ = level.Error(r.logger).Log("msg", "data port is null", "port", portNum)
		return errors.Wrap(ErrInvalidArgument, "incomplete endpoint pair")
	}
	if err := r.checkDependencies(mode, fn); err != nil {
		return err
	}
	_ = level.Debug(r.logger).Log("msg", "connect requested", "port", portNum, "transport", mode, "function", fn, "src", srcIdx, "dst", dstIdx)

	if err := enableEndpoints(port, pair); err != nil {
		_ = level.Error(r.logger).Log("msg", "failed to enable endpoints", "port", portNum, "err", err)
		return err
	}

	port.mu.Lock()
	port.usb = pair
	d := &port.ch
	d.SrcConnectionIndex = srcIdx
	d.DstConnectionIndex = dstIdx
	d.Transport = mode
	d.Function = fn
	// Handles stay until a queued disconnect work has released them.
	d.Offload.SrcIdx = srcIdx
	d.Offload.DstIdx = dstIdx
	r.setStateLocked(port, StateEndpointsEnabled)
	port.mu.Unlock()

	if !r.wq.Enqueue(port.connectWork) {
		_ = level.Debug(r.logger).Log("msg", "connect work already pending", "port", portNum)
	}
	return nil
}

func (r *Registry) checkDependencies(mode TransportMode, fn FunctionKind) error {
	switch mode {
	case TransportDirectPipe:
		return nil
	case TransportOffloadBridge:
	default:
		return errors.Wrapf(ErrInvalidArgument, "unknown transport %v", mode)
	}
	if r.deps.Offload == nil {
		return errors.Wrap(ErrInvalidArgument, "offload transport without offload engine")
	}
	if fn == FunctionMBIM && r.deps.Tethering == nil {
		return errors.Wrap(ErrInvalidArgument, "mbim offload without tethering bridge")
	}
	if fn == FunctionECM && r.deps.Adapter == nil {
		return errors.Wrap(ErrInvalidArgument, "ecm offload without network adapter")
	}
	return nil
}

// enableEndpoints enables IN then OUT and associates both with p. If OUT fails, IN is
// disabled again and its association cleared.
func enableEndpoints(p *Port, pair *gadget.EndpointPair) error {
	if err := pair.In.Enable(); err != nil {
		return errors.Wrapf(err, "usb_ep_enable failed eptype:IN ep:%s", pair.In.Name)
	}
	pair.In.SetDriverData(p)

	if err := pair.Out.Enable(); err != nil {
		pair.In.SetDriverData(nil)
		_ = pair.In.Disable()
		return errors.Wrapf(err, "usb_ep_enable failed eptype:OUT ep:%s", pair.Out.Name)
	}
	pair.Out.SetDriverData(p)
	return nil
}

func endpointsEnabled(pair *gadget.EndpointPair) bool {
	return pair != nil && pair.In != nil && pair.In.DriverData() != nil
}

func (r *Registry) disableEndpoints(p *Port, pair *gadget.EndpointPair) {
	if err := pair.Out.Disable(); err != nil {
		_ = level.Warn(r.logger).Log("msg", "failed to disable endpoint", "port", p.num, "ep", pair.Out.Name, "err", err)
	}
	if err := pair.In.Disable(); err != nil {
		_ = level.Warn(r.logger).Log("msg", "failed to disable endpoint", "port", p.num, "ep", pair.In.Name, "err", err)
	}
	pair.In.SetDriverData(nil)
	pair.Out.SetDriverData(nil)
}

// runConnect is the connect work item.
func (r *Registry) runConnect(portNum int) {
	port := r.ports[portNum]
	_ = level.Debug(r.logger).Log("msg", "connect work started", "port", portNum)

	port.mu.Lock()
	d := port.ch
	port.mu.Unlock()

	var err error
	if d.Transport == TransportOffloadBridge {
		err = r.connectOffload(port, d)
	} else {
		err = r.connectDirect(port, d)
	}
	if err == nil {
		err = r.armEndlessRequests(port)
	}
	if err == nil && d.Transport == TransportDirectPipe {
		r.deps.Engine.RegisterPeerResetHandler(func() error {
			return r.peerReset(portNum)
		})
		if prev := r.peerResetOwner.Swap(int32(portNum)); prev != noPeerResetOwner && prev != int32(portNum) {
			_ = level.Warn(r.logger).Log("msg", "peer reset handler of another port replaced", "port", portNum, "previous", prev)
		}
		if readyErr := r.deps.Engine.ClientReady(true); readyErr != nil {
			err = hardwareError("client ready", readyErr)
		}
	}
	port.metrics.connects.WithLabelValues(result(err)).Inc()

	port.mu.Lock()
	defer port.mu.Unlock()
	if err != nil {
		_ = level.Error(r.logger).Log("msg", "connect work aborted", "port", portNum, "transport", d.Transport, "function", d.Function, "err", err)
		if port.usb != nil {
			r.setStateLocked(port, StateConnectFailed)
		}
		return
	}
	if port.usb != nil {
		r.setStateLocked(port, StateArmed)
	}
	_ = level.Debug(r.logger).Log("msg", "connect work done", "port", portNum)
}

func (r *Registry) connectDirect(port *Port, d ChannelInfo) error {
	src, err := r.deps.Engine.Connect(d.SrcConnectionIndex)
	if err != nil {
		return hardwareError("usb_bam_connect (src)", err)
	}
	dst, err := r.deps.Engine.Connect(d.DstConnectionIndex)
	if err != nil {
		port.mu.Lock()
		port.ch.SrcPipeIndex = src
		port.mu.Unlock()
		return hardwareError("usb_bam_connect (dst)", err)
	}

	port.mu.Lock()
	port.ch.SrcPipeIndex = src
	port.ch.DstPipeIndex = dst
	port.mu.Unlock()
	return nil
}

// storeOffload records what the offload engine filled in so far, so that a later
// disconnect can tear down whatever succeeded.
func (r *Registry) storeOffload(port *Port, params ipa.ConnectParams) {
	port.mu.Lock()
	defer port.mu.Unlock()
	port.ch.Offload = params
	port.ch.SrcPipeIndex = params.SrcPipe
	port.ch.DstPipeIndex = params.DstPipe
}

func (r *Registry) connectOffload(port *Port, d ChannelInfo) error {
	params := ipa.ConnectParams{SrcIdx: d.SrcConnectionIndex, DstIdx: d.DstConnectionIndex}

	if d.Function == FunctionMBIM {
		notifier, err := r.deps.Tethering.Init()
		if err != nil {
			return hardwareError("teth_bridge_init", err)
		}
		params.Notifier = notifier
		params.Mode = ipa.ModeBasic
	}

	params.Client = ipa.ClientUSBCons
	params.Dir = ipa.PeerPeripheralToUSB
	if d.Function == FunctionECM {
		params.Notifier = r.deps.Adapter.TxNotifier()
	}
	if err := r.deps.Offload.ConnectPipe(&params); err != nil {
		return hardwareError("usb_bam_connect_ipa (cons)", err)
	}
	r.storeOffload(port, params)

	params.Client = ipa.ClientUSBProd
	params.Dir = ipa.USBToPeerPeripheral
	if d.Function == FunctionECM {
		params.Notifier = r.deps.Adapter.RxNotifier()
	}
	if err := r.deps.Offload.ConnectPipe(&params); err != nil {
		return hardwareError("usb_bam_connect_ipa (prod)", err)
	}
	r.storeOffload(port, params)

	switch d.Function {
	case FunctionMBIM:
		err := r.deps.Tethering.Connect(ipa.TetheringConnectParams{
			IPAToUSBHandle: params.ProdHandle,
			USBToIPAHandle: params.ConsHandle,
			Mode:           ipa.TetheringModeMBIM,
		})
		if err != nil {
			return hardwareError("teth_bridge_connect", err)
		}
		if r.deps.MBIM != nil {
			r.deps.MBIM.ConfigureParams()
		}
	case FunctionECM:
		if err := r.deps.Adapter.Connect(params.ConsHandle, params.ProdHandle); err != nil {
			return hardwareError("ecm_ipa_connect", err)
		}
	}
	return nil
}

// armEndlessRequests prepares both endless requests and queues them.
func (r *Registry) armEndlessRequests(port *Port) error {
	port.mu.Lock()
	defer port.mu.Unlock()

	pair := port.usb
	if pair == nil {
		return errors.Wrap(ErrNotReady, "port_usb is NULL")
	}
	if pair.Out == nil || pair.In == nil {
		return errors.Wrap(ErrNotReady, "endpoint missing from data port")
	}

	rx, err := prepareRequest(&port.ch.rxReq, pair.Out)
	if err != nil {
		return errors.Wrap(baseerrors.Join(ErrNoResources, err), "failed to allocate rx request")
	}
	rx.Context = port.num
	rx.Complete = r.endlessComplete(port, directionRx)
	rx.Length = 0
	rx.UDCPriv = spsParams(port.ch.SrcPipeIndex)

	tx, err := prepareRequest(&port.ch.txReq, pair.In)
	if err != nil {
		return errors.Wrap(baseerrors.Join(ErrNoResources, err), "failed to allocate tx request")
	}
	tx.Context = port.num
	tx.Complete = r.endlessComplete(port, directionTx)
	tx.Length = 0
	tx.UDCPriv = spsParams(port.ch.DstPipeIndex)

	r.startEndlessRxLocked(port)
	r.startEndlessTxLocked(port)
	return nil
}

// RequestDisconnect disables the port's endpoints and forgets the endpoint pair. Offload
// ports are torn down asynchronously; direct ports only tell the engine the client is
// gone and keep their pipes connected.
func (r *Registry) RequestDisconnect(portNum int) error {
	port, err := r.lookup(portNum)
	if err != nil {
		return err
	}
	_ = level.Debug(r.logger).Log("msg", "disconnect requested", "port", portNum)

	port.mu.Lock()
	if endpointsEnabled(port.usb) {
		r.disableEndpoints(port, port.usb)
	}
	port.usb = nil
	mode := port.ch.Transport
	if mode == TransportOffloadBridge {
		port.teardownPending = true
		port.teardownFunction = port.ch.Function
	}
	r.setStateLocked(port, StateIdle)
	port.mu.Unlock()
	port.metrics.disconnects.Inc()

	if mode == TransportOffloadBridge {
		if !r.wq.Enqueue(port.disconnectWork) {
			_ = level.Debug(r.logger).Log("msg", "disconnect work already pending", "port", portNum)
		}
		return nil
	}
	// TODO: pipes connected by a direct connect are never disconnected here; decide
	// whether usb_bam should tear them down once reuse across cycles is confirmed.
	if err := r.deps.Engine.ClientReady(false); err != nil {
		_ = level.Error(r.logger).Log("msg", "usb_bam_client_ready failed", "port", portNum, "err", err)
	}
	return nil
}

// runDisconnect is the disconnect work item for offload ports. It releases whatever the
// last offload connect set up, even if the port has been reconnected since.
func (r *Registry) runDisconnect(portNum int) {
	port := r.ports[portNum]

	port.mu.Lock()
	if !port.teardownPending {
		port.mu.Unlock()
		return
	}
	fn := port.teardownFunction
	params := port.ch.Offload
	port.teardownPending = false
	port.mu.Unlock()

	_ = level.Debug(r.logger).Log("msg", "disconnect work started", "port", portNum, "function", fn)

	switch fn {
	case FunctionMBIM:
		if err := r.deps.Tethering.Disconnect(); err != nil {
			_ = level.Error(r.logger).Log("msg", "teth_bridge_disconnect failed", "port", portNum, "err", err)
		}
	case FunctionECM:
		if err := r.deps.Adapter.Disconnect(); err != nil {
			_ = level.Error(r.logger).Log("msg", "ecm_ipa_disconnect failed", "port", portNum, "err", err)
		}
	}
	if err := r.deps.Offload.DisconnectPipes(&params); err != nil {
		_ = level.Error(r.logger).Log("msg", "usb_bam_disconnect_ipa failed", "port", portNum, "err", err)
	}

	port.mu.Lock()
	defer port.mu.Unlock()
	o := &port.ch.Offload
	o.SrcPipe, o.DstPipe = 0, 0
	o.ProdHandle, o.ConsHandle = 0, 0
	o.Notifier = nil
	port.ch.SrcPipeIndex = 0
	port.ch.DstPipeIndex = 0
}
