// SPDX-License-Identifier: GPL-2.0-only

// Package bamdata bridges USB bulk endpoint pairs to the BAM hardware bridge engine,
// optionally through the IPA offload engine. It sequences connect, disconnect, peer
// reset recovery and remote wakeup for a fixed table of ports.
package bamdata

import (
	baseerrors "errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MatthiasValvekens/usb-bam-data/bam"
	"github.com/MatthiasValvekens/usb-bam-data/ipa"
	"github.com/MatthiasValvekens/usb-bam-data/workqueue"
)

const (
	subscriberBuffer = 16
	noPeerResetOwner = -1
)

// Dependencies are the external systems the registry drives. Only Engine is mandatory;
// the others are needed by ports using TransportOffloadBridge.
type Dependencies struct {
	Engine    bam.Engine
	Offload   ipa.Connector
	Tethering ipa.TetheringBridge
	// MBIM is applied after the tethering bridge connects, if set.
	MBIM    ipa.ParamsConfigurer
	Adapter ipa.NetworkAdapter
}

// Registry owns the port table and the work queue serializing all hardware handshakes.
type Registry struct {
	deps   Dependencies
	ports  []*Port
	wq     *workqueue.Queue
	logger log.Logger
	reg    prometheus.Registerer

	torn atomic.Bool
	// peerResetOwner is the port whose handler sits in the engine's peer-reset slot.
	peerResetOwner atomic.Int32

	subMu       sync.Mutex
	subscribers []chan int
}

// NewRegistry sets up portCount ports. Metrics are registered with reg if it is non-nil.
func NewRegistry(portCount int, deps Dependencies, logger log.Logger, reg prometheus.Registerer) (*Registry, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	_ = level.Debug(logger).Log("msg", "setting up ports", "requested", portCount)

	if portCount < 1 || portCount > MaxPorts {
		_ = level.Error(logger).Log("msg", "invalid number of ports", "requested", portCount, "max", MaxPorts)
		return nil, errors.Wrapf(ErrInvalidArgument, "invalid number of ports %d", portCount)
	}
	if deps.Engine == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "no bridge engine")
	}
	if reg != nil {
		reg = prometheus.WrapRegistererWithPrefix("bam_data_", reg)
	}

	wq, err := workqueue.New("bam_data", logger, reg)
	if err != nil {
		_ = level.Error(logger).Log("msg", "failed to create workqueue", "err", err)
		return nil, errors.Wrap(baseerrors.Join(ErrNoResources, err), "failed to create workqueue")
	}

	r := &Registry{
		deps:   deps,
		wq:     wq,
		logger: logger,
		reg:    reg,
	}
	r.peerResetOwner.Store(noPeerResetOwner)
	for i := 0; i < portCount; i++ {
		port, err := r.allocPort(i)
		if err != nil {
			_ = level.Error(logger).Log("msg", "failed to alloc port", "port", i, "err", err)
			for _, p := range r.ports {
				p.metrics.unregister(reg)
			}
			wq.Destroy()
			return nil, errors.Wrapf(baseerrors.Join(ErrNoResources, err), "failed to alloc port %d", i)
		}
		r.ports = append(r.ports, port)
	}

	_ = level.Info(logger).Log("msg", "ports set up", "ports", portCount)
	return r, nil
}

func (r *Registry) allocPort(portNum int) (*Port, error) {
	p := &Port{
		num:     portNum,
		state:   StateIdle,
		metrics: newPortMetrics(portNum),
	}
	p.connectWork = workqueue.NewWork(fmt.Sprintf("connect/%d", portNum), func() {
		r.runConnect(portNum)
	})
	p.disconnectWork = workqueue.NewWork(fmt.Sprintf("disconnect/%d", portNum), func() {
		r.runDisconnect(portNum)
	})
	if err := p.metrics.register(r.reg); err != nil {
		return nil, err
	}
	_ = level.Debug(r.logger).Log("msg", "port allocated", "port", portNum)
	return p, nil
}

// Teardown drains the work queue, drops engine registrations owned by the registry and
// releases every port's requests. The registry cannot be used afterwards.
func (r *Registry) Teardown() {
	if !r.torn.CompareAndSwap(false, true) {
		return
	}
	r.wq.Destroy()

	if r.peerResetOwner.Swap(noPeerResetOwner) != noPeerResetOwner {
		r.deps.Engine.RegisterPeerResetHandler(nil)
	}
	for _, p := range r.ports {
		p.mu.Lock()
		if p.wakeArmed {
			if err := r.deps.Engine.RegisterWakeHandler(p.wakeIdx, nil); err != nil {
				_ = level.Warn(r.logger).Log("msg", "failed to unregister wake handler", "port", p.num, "err", err)
			}
			p.wakeArmed = false
		}
		freeRequest(&p.ch.rxReq)
		freeRequest(&p.ch.txReq)
		p.mu.Unlock()
		p.metrics.unregister(r.reg)
	}

	r.subMu.Lock()
	for _, ch := range r.subscribers {
		close(ch)
	}
	r.subscribers = nil
	r.subMu.Unlock()

	_ = level.Info(r.logger).Log("msg", "ports torn down")
}

// Ports returns the configured port count.
func (r *Registry) Ports() int {
	return len(r.ports)
}

// lookup validates portNum for a synchronous entry point.
func (r *Registry) lookup(portNum int) (*Port, error) {
	if r.torn.Load() {
		return nil, errors.Wrap(ErrInvalidArgument, "registry torn down")
	}
	if portNum < 0 || portNum >= len(r.ports) {
		_ = level.Error(r.logger).Log("msg", "invalid port number", "port", portNum)
		return nil, errors.Wrapf(ErrInvalidArgument, "invalid port number %d", portNum)
	}
	return r.ports[portNum], nil
}

// Flush waits for every work item queued so far to finish.
func (r *Registry) Flush() {
	r.wq.Flush()
}

func (r *Registry) State(portNum int) (PortState, error) {
	p, err := r.lookup(portNum)
	if err != nil {
		return StateIdle, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, nil
}

func (r *Registry) Snapshot(portNum int) (Snapshot, error) {
	p, err := r.lookup(portNum)
	if err != nil {
		return Snapshot{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		PortNum:      p.num,
		State:        p.state,
		USBConnected: p.usb != nil,
		WakeArmed:    p.wakeArmed,
		Channel:      p.ch,
	}, nil
}

// Subscribe returns a channel receiving the number of every port whose state changes.
// Notifications are dropped when the subscriber falls behind, so consumers should
// re-read the state instead of relying on the sequence. The channel is closed by
// Teardown.
func (r *Registry) Subscribe() <-chan int {
	ch := make(chan int, subscriberBuffer)
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.torn.Load() {
		close(ch)
		return ch
	}
	r.subscribers = append(r.subscribers, ch)
	return ch
}

func (r *Registry) notify(portNum int) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- portNum:
		default:
			_ = level.Debug(r.logger).Log("msg", "subscriber behind, dropping state notification", "port", portNum)
		}
	}
}

// setStateLocked must be called with p.mu held.
func (r *Registry) setStateLocked(p *Port, s PortState) {
	if p.state == s {
		return
	}
	_ = level.Debug(r.logger).Log("msg", "port state changed", "port", p.num, "from", p.state, "to", s)
	p.state = s
	r.notify(p.num)
}
