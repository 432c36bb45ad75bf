// SPDX-License-Identifier: GPL-2.0-only

// Package workqueue runs deferred work items one at a time on a dedicated goroutine.
package workqueue

import (
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// Work is a reusable work item. It is pending from the moment it is enqueued until
// its function starts running, and cannot be queued twice while pending.
type Work struct {
	name    string
	fn      func()
	pending atomic.Bool
}

func NewWork(name string, fn func()) *Work {
	return &Work{name: name, fn: fn}
}

func (w *Work) Name() string {
	return w.name
}

func (w *Work) Pending() bool {
	return w.pending.Load()
}

// Queue executes enqueued work in FIFO order on a single worker.
type Queue struct {
	name   string
	logger log.Logger

	mu      sync.Mutex
	items   []*Work
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
	once    sync.Once

	reg           prometheus.Registerer
	pendingGauge  prometheus.Gauge
	executedTotal prometheus.Counter
}

// New creates a queue and starts its worker. Metrics are registered with reg when it
// is non-nil; a registration failure is returned and no worker is left running.
func New(name string, logger log.Logger, reg prometheus.Registerer) (*Queue, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	q := &Queue{
		name:    name,
		logger:  log.With(logger, "workqueue", name),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		reg:     reg,
		pendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "workqueue_pending",
			Help:        "The number of work items waiting to run.",
			ConstLabels: prometheus.Labels{"queue": name},
		}),
		executedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "workqueue_executed_total",
			Help:        "The total number of work items executed.",
			ConstLabels: prometheus.Labels{"queue": name},
		}),
	}
	if reg != nil {
		if err := reg.Register(q.pendingGauge); err != nil {
			return nil, err
		}
		if err := reg.Register(q.executedTotal); err != nil {
			reg.Unregister(q.pendingGauge)
			return nil, err
		}
	}
	go q.run()
	return q, nil
}

// Enqueue schedules w. It never blocks and returns false if w is already pending or
// the queue has been destroyed.
func (q *Queue) Enqueue(w *Work) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if !w.pending.CompareAndSwap(false, true) {
		return false
	}
	q.items = append(q.items, w)
	q.pendingGauge.Inc()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue) next() (*Work, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, q.closed
	}
	w := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.pendingGauge.Dec()
	return w, false
}

func (q *Queue) run() {
	defer close(q.stopped)
	for {
		w, done := q.next()
		if done {
			return
		}
		if w == nil {
			<-q.wake
			continue
		}
		w.pending.Store(false)
		_ = level.Debug(q.logger).Log("msg", "running work", "work", w.name)
		w.fn()
		q.executedTotal.Inc()
	}
}

// Flush waits until every item enqueued before the call has finished running.
// It must not be called from a work item.
func (q *Queue) Flush() {
	done := make(chan struct{})
	barrier := NewWork("flush", func() { close(done) })
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.stopped
		return
	}
	barrier.pending.Store(true)
	q.items = append(q.items, barrier)
	q.pendingGauge.Inc()
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-done
}

// Destroy runs what is still queued, stops the worker and unregisters the metrics.
// Later Enqueue calls return false.
func (q *Queue) Destroy() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		select {
		case q.wake <- struct{}{}:
		default:
		}
		<-q.stopped
		if q.reg != nil {
			q.reg.Unregister(q.pendingGauge)
			q.reg.Unregister(q.executedTotal)
		}
		_ = level.Debug(q.logger).Log("msg", "workqueue destroyed")
	})
}
