// SPDX-License-Identifier: GPL-2.0-only

package ipa

import (
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var (
	ErrNotInitialized = errors.New("bridge not initialized")
	ErrNotConnected   = errors.New("bridge not connected")
)

// CountingNotifier counts delivered events.
type CountingNotifier struct {
	Name string

	mu     sync.Mutex
	events map[Event]int
}

func NewCountingNotifier(name string) *CountingNotifier {
	return &CountingNotifier{Name: name, events: map[Event]int{}}
}

func (n *CountingNotifier) Notify(evt Event, _ []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[evt]++
}

func (n *CountingNotifier) Count(evt Event) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[evt]
}

// LoopbackTethering is an in-process tethering bridge.
type LoopbackTethering struct {
	mu         sync.Mutex
	notifier   *CountingNotifier
	connected  bool
	params     TetheringConnectParams
	configured int
	logger     log.Logger
}

func NewLoopbackTethering(logger log.Logger) *LoopbackTethering {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &LoopbackTethering{logger: logger}
}

func (t *LoopbackTethering) Init() (Notifier, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.notifier == nil {
		t.notifier = NewCountingNotifier("teth")
	}
	return t.notifier, nil
}

func (t *LoopbackTethering) Connect(p TetheringConnectParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.notifier == nil {
		return ErrNotInitialized
	}
	t.connected = true
	t.params = p
	_ = level.Info(t.logger).Log("msg", "tethering bridge connected", "ipa_to_usb", p.IPAToUSBHandle, "usb_to_ipa", p.USBToIPAHandle, "mode", p.Mode)
	return nil
}

func (t *LoopbackTethering) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	t.connected = false
	t.params = TetheringConnectParams{}
	_ = level.Info(t.logger).Log("msg", "tethering bridge disconnected")
	return nil
}

// ConfigureParams implements ParamsConfigurer for the MBIM function.
func (t *LoopbackTethering) ConfigureParams() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.configured++
}

// Connected returns the current connect parameters, if connected.
func (t *LoopbackTethering) Connected() (TetheringConnectParams, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.params, t.connected
}

func (t *LoopbackTethering) Configured() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.configured
}

// LoopbackAdapter is an in-process network-class adapter.
type LoopbackAdapter struct {
	tx *CountingNotifier
	rx *CountingNotifier

	mu         sync.Mutex
	connected  bool
	consHandle ClientHandle
	prodHandle ClientHandle
	logger     log.Logger
}

func NewLoopbackAdapter(logger log.Logger) *LoopbackAdapter {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &LoopbackAdapter{
		tx:     NewCountingNotifier("ecm_tx"),
		rx:     NewCountingNotifier("ecm_rx"),
		logger: logger,
	}
}

func (a *LoopbackAdapter) TxNotifier() Notifier {
	return a.tx
}

func (a *LoopbackAdapter) RxNotifier() Notifier {
	return a.rx
}

func (a *LoopbackAdapter) Connect(consHandle, prodHandle ClientHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = true
	a.consHandle = consHandle
	a.prodHandle = prodHandle
	_ = level.Info(a.logger).Log("msg", "network adapter connected", "cons", consHandle, "prod", prodHandle)
	return nil
}

func (a *LoopbackAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return ErrNotConnected
	}
	a.connected = false
	_ = level.Info(a.logger).Log("msg", "network adapter disconnected")
	return nil
}

// Connected returns the consumer and producer handles, if connected.
func (a *LoopbackAdapter) Connected() (ClientHandle, ClientHandle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.consHandle, a.prodHandle, a.connected
}
