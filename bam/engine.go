// SPDX-License-Identifier: GPL-2.0-only

// Package bam describes the hardware DMA-bridge engine that USB data ports connect their
// bulk endpoints to.
package bam

import (
	"sync/atomic"

	"github.com/efficientgo/core/errors"
)

var ErrNoHandler = errors.New("no handler registered")

// HandlerFunc is a callback the engine invokes on its own goroutine.
type HandlerFunc func() error

// Engine is the subset of the bridge engine a data port drives.
type Engine interface {
	// Connect connects the pipe behind connectionIndex and returns its pipe index.
	Connect(connectionIndex uint8) (uint32, error)
	// RegisterPeerResetHandler installs h in the single peer-reset slot. nil clears it.
	RegisterPeerResetHandler(h HandlerFunc)
	// RegisterWakeHandler installs h in the wake slot of connectionIndex. nil clears it.
	RegisterWakeHandler(connectionIndex uint8, h HandlerFunc) error
	ClientReady(ready bool) error
	SetHardwareDisabled(disabled bool)
	Reset() error
}

// HandlerSlot holds at most one registered handler. Registration and invocation may
// race freely; an invocation sees either the old or the new handler, never a torn one.
type HandlerSlot struct {
	p atomic.Pointer[HandlerFunc]
}

// Store replaces the registered handler and reports whether one was registered before.
func (s *HandlerSlot) Store(h HandlerFunc) bool {
	var old *HandlerFunc
	if h == nil {
		old = s.p.Swap(nil)
	} else {
		old = s.p.Swap(&h)
	}
	return old != nil
}

func (s *HandlerSlot) Registered() bool {
	return s.p.Load() != nil
}

// Invoke calls the registered handler, or returns ErrNoHandler.
func (s *HandlerSlot) Invoke() error {
	h := s.p.Load()
	if h == nil {
		return ErrNoHandler
	}
	return (*h)()
}
