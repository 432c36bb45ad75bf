// SPDX-License-Identifier: GPL-2.0-only

package gadget

import (
	"fmt"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const defaultMaxRequestsPerEndpoint = 8

type loopbackEndpoint struct {
	enabled   bool
	allocated int
	submits   int
	queued    []*Request
}

// Loopback is an in-memory device controller. Requests queued on an enabled endpoint
// stay pending until the endpoint is disabled, which is what an endless transfer looks
// like from the function's point of view.
type Loopback struct {
	MaxRequestsPerEndpoint int

	mu        sync.Mutex
	endpoints map[*Endpoint]*loopbackEndpoint
	wakeups   int
	logger    log.Logger
}

func NewLoopback(logger log.Logger) *Loopback {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Loopback{
		MaxRequestsPerEndpoint: defaultMaxRequestsPerEndpoint,
		endpoints:              map[*Endpoint]*loopbackEndpoint{},
		logger:                 logger,
	}
}

// NewEndpointPair creates a bulk IN/OUT pair whose composite device wakes up through l.
func (l *Loopback) NewEndpointPair(number uint8) *EndpointPair {
	return &EndpointPair{
		In:        NewEndpoint(l, fmt.Sprintf("ep%din", number), DirectionIn|number),
		Out:       NewEndpoint(l, fmt.Sprintf("ep%dout", number), DirectionOut|number),
		Composite: &Composite{Gadget: l},
	}
}

func (l *Loopback) state(ep *Endpoint) *loopbackEndpoint {
	st, ok := l.endpoints[ep]
	if !ok {
		st = &loopbackEndpoint{}
		l.endpoints[ep] = st
	}
	return st
}

func (l *Loopback) Enable(ep *Endpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state(ep).enabled = true
	_ = level.Debug(l.logger).Log("msg", "endpoint enabled", "ep", ep.Name)
	return nil
}

// Disable shuts ep down and gives back everything still queued on it with ErrShutdown.
func (l *Loopback) Disable(ep *Endpoint) error {
	l.mu.Lock()
	st := l.state(ep)
	st.enabled = false
	pending := st.queued
	st.queued = nil
	l.mu.Unlock()

	_ = level.Debug(l.logger).Log("msg", "endpoint disabled", "ep", ep.Name, "flushed", len(pending))
	for _, req := range pending {
		req.Giveback(ErrShutdown, 0)
	}
	return nil
}

func (l *Loopback) AllocRequest(ep *Endpoint) (*Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(ep)
	if st.allocated >= l.MaxRequestsPerEndpoint {
		return nil, errors.Wrapf(ErrNoRequests, "endpoint %s", ep.Name)
	}
	st.allocated++
	return NewRequest(ep), nil
}

func (l *Loopback) FreeRequest(ep *Endpoint, req *Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(ep)
	if st.allocated > 0 {
		st.allocated--
	}
	for i, q := range st.queued {
		if q == req {
			st.queued = append(st.queued[:i], st.queued[i+1:]...)
			break
		}
	}
}

// Queue accepts req on an enabled endpoint. Re-queueing a request that is still
// pending is accepted and counted as another submission.
func (l *Loopback) Queue(ep *Endpoint, req *Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(ep)
	if !st.enabled {
		return errors.Wrapf(ErrNotEnabled, "endpoint %s", ep.Name)
	}
	st.submits++
	for _, q := range st.queued {
		if q == req {
			return nil
		}
	}
	st.queued = append(st.queued, req)
	return nil
}

func (l *Loopback) Wakeup() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wakeups++
	_ = level.Info(l.logger).Log("msg", "remote wakeup signalled")
	return nil
}

func (l *Loopback) Enabled(ep *Endpoint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state(ep).enabled
}

// Queued returns the requests currently pending on ep.
func (l *Loopback) Queued(ep *Endpoint) []*Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Request(nil), l.state(ep).queued...)
}

// Submissions returns how many times a request was queued on ep.
func (l *Loopback) Submissions(ep *Endpoint) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state(ep).submits
}

func (l *Loopback) Allocated(ep *Endpoint) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state(ep).allocated
}

func (l *Loopback) Wakeups() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wakeups
}
