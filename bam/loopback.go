// SPDX-License-Identifier: GPL-2.0-only

package bam

import (
	baseerrors "errors"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/usb-bam-data/ipa"
)

type offloadClient struct {
	client     ipa.Client
	connection uint8
}

// Loopback is an in-process engine. It hands out pipe indices in connection order and
// also terminates offload pipes, the way the platform engine does for IPA clients.
type Loopback struct {
	mu         sync.Mutex
	pipes      map[uint8]uint32
	nextPipe   uint32
	nextHandle ipa.ClientHandle
	offload    map[ipa.ClientHandle]offloadClient
	ready      bool
	hwDisabled bool
	resets     int

	peerReset HandlerSlot
	wake      map[uint8]*HandlerSlot

	logger log.Logger
}

func NewLoopback(logger log.Logger) *Loopback {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Loopback{
		pipes:      map[uint8]uint32{},
		nextHandle: 1,
		offload:    map[ipa.ClientHandle]offloadClient{},
		wake:       map[uint8]*HandlerSlot{},
		logger:     logger,
	}
}

func (e *Loopback) connectLocked(connectionIndex uint8) uint32 {
	pipe, ok := e.pipes[connectionIndex]
	if !ok {
		pipe = e.nextPipe
		e.nextPipe++
		e.pipes[connectionIndex] = pipe
	}
	return pipe
}

func (e *Loopback) Connect(connectionIndex uint8) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pipe := e.connectLocked(connectionIndex)
	_ = level.Debug(e.logger).Log("msg", "pipe connected", "connection", connectionIndex, "pipe", pipe)
	return pipe, nil
}

// Pipe returns the pipe connected for connectionIndex, if any.
func (e *Loopback) Pipe(connectionIndex uint8) (uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pipe, ok := e.pipes[connectionIndex]
	return pipe, ok
}

// ConnectPipe implements ipa.Connector. The producer client takes the source
// connection, the consumer client the destination one.
func (e *Loopback) ConnectPipe(p *ipa.ConnectParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	handle := e.nextHandle
	switch p.Client {
	case ipa.ClientUSBProd:
		p.SrcPipe = e.connectLocked(p.SrcIdx)
		p.ProdHandle = handle
		e.offload[handle] = offloadClient{client: p.Client, connection: p.SrcIdx}
	case ipa.ClientUSBCons:
		p.DstPipe = e.connectLocked(p.DstIdx)
		p.ConsHandle = handle
		e.offload[handle] = offloadClient{client: p.Client, connection: p.DstIdx}
	default:
		return errors.Newf("unsupported offload client %v", p.Client)
	}
	e.nextHandle++
	_ = level.Debug(e.logger).Log("msg", "offload pipe connected", "client", p.Client, "dir", p.Dir, "handle", handle)
	return nil
}

// DisconnectPipes releases every client p holds a handle for. A zero handle means that
// direction was never connected. Unknown handles are reported after the known ones
// have been released.
func (e *Loopback) DisconnectPipes(p *ipa.ConnectParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for _, h := range []ipa.ClientHandle{p.ProdHandle, p.ConsHandle} {
		if h == 0 {
			continue
		}
		c, ok := e.offload[h]
		if !ok {
			errs = append(errs, errors.Newf("unknown offload client handle %d", h))
			continue
		}
		delete(e.offload, h)
		delete(e.pipes, c.connection)
		_ = level.Debug(e.logger).Log("msg", "offload pipe disconnected", "client", c.client, "handle", h)
	}
	return baseerrors.Join(errs...)
}

// OffloadClients returns the number of connected offload clients.
func (e *Loopback) OffloadClients() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.offload)
}

func (e *Loopback) RegisterPeerResetHandler(h HandlerFunc) {
	e.peerReset.Store(h)
}

func (e *Loopback) PeerResetRegistered() bool {
	return e.peerReset.Registered()
}

func (e *Loopback) wakeSlot(connectionIndex uint8) *HandlerSlot {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot, ok := e.wake[connectionIndex]
	if !ok {
		slot = &HandlerSlot{}
		e.wake[connectionIndex] = slot
	}
	return slot
}

func (e *Loopback) RegisterWakeHandler(connectionIndex uint8, h HandlerFunc) error {
	e.wakeSlot(connectionIndex).Store(h)
	return nil
}

func (e *Loopback) WakeRegistered(connectionIndex uint8) bool {
	return e.wakeSlot(connectionIndex).Registered()
}

func (e *Loopback) ClientReady(ready bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready = ready
	return nil
}

func (e *Loopback) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *Loopback) SetHardwareDisabled(disabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hwDisabled = disabled
}

func (e *Loopback) HardwareDisabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hwDisabled
}

func (e *Loopback) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resets++
	_ = level.Info(e.logger).Log("msg", "engine reset", "count", e.resets)
	return nil
}

func (e *Loopback) Resets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resets
}

// TriggerPeerReset simulates the far side resetting the shared hardware state.
func (e *Loopback) TriggerPeerReset() error {
	_ = level.Info(e.logger).Log("msg", "peer reset detected")
	return e.peerReset.Invoke()
}

// TriggerWake simulates the engine asking for host wakeup on connectionIndex.
func (e *Loopback) TriggerWake(connectionIndex uint8) error {
	return e.wakeSlot(connectionIndex).Invoke()
}
