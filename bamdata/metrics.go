// SPDX-License-Identifier: GPL-2.0-only

package bamdata

import (
	"strconv"

	baseerrors "errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MatthiasValvekens/usb-bam-data/gadget"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"

	directionRx = "rx"
	directionTx = "tx"
)

type portMetrics struct {
	connects     *prometheus.CounterVec
	disconnects  prometheus.Counter
	peerResets   *prometheus.CounterVec
	wakeups      *prometheus.CounterVec
	completions  *prometheus.CounterVec
	submitErrors *prometheus.CounterVec
}

func newPortMetrics(portNum int) *portMetrics {
	labels := prometheus.Labels{"port": strconv.Itoa(portNum)}
	return &portMetrics{
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "connect_total",
			Help:        "The number of connect work items run, by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "disconnect_total",
			Help:        "The number of disconnect requests.",
			ConstLabels: labels,
		}),
		peerResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "peer_resets_total",
			Help:        "The number of peer reset recoveries, by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		wakeups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "wakeups_total",
			Help:        "The number of remote wakeup requests from the engine, by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "request_completions_total",
			Help:        "The number of endless request completions, by direction and status.",
			ConstLabels: labels,
		}, []string{"direction", "status"}),
		submitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "submit_errors_total",
			Help:        "The number of failed endless request submissions, by direction.",
			ConstLabels: labels,
		}, []string{"direction"}),
	}
}

func (m *portMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.connects, m.disconnects, m.peerResets, m.wakeups, m.completions, m.submitErrors}
}

// register registers every collector or none of them.
func (m *portMetrics) register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	done := make([]prometheus.Collector, 0, len(m.collectors()))
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			for _, d := range done {
				reg.Unregister(d)
			}
			return err
		}
		done = append(done, c)
	}
	return nil
}

func (m *portMetrics) unregister(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}

func result(err error) string {
	if err != nil {
		return resultFailure
	}
	return resultSuccess
}

func completionStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case baseerrors.Is(err, gadget.ErrShutdown):
		return "shutdown"
	default:
		return "error"
	}
}
