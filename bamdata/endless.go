// SPDX-License-Identifier: GPL-2.0-only

package bamdata

import (
	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/usb-bam-data/gadget"
)

// Endless requests are zero-length requests the controller keeps armed against a
// hardware pipe. Completions only happen when the pipe is torn down underneath them.

func (r *Registry) endlessComplete(p *Port, direction string) gadget.CompletionFunc {
	return func(ep *gadget.Endpoint, req *gadget.Request) {
		_ = level.Debug(r.logger).Log("msg", "endless request completed", "port", p.num, "direction", direction, "ep", ep.Name, "status", req.Status)
		p.metrics.completions.WithLabelValues(direction, completionStatus(req.Status)).Inc()
	}
}

// prepareRequest makes *slot a request allocated on ep, re-using the existing one when
// it already belongs to ep.
func prepareRequest(slot **gadget.Request, ep *gadget.Endpoint) (*gadget.Request, error) {
	if *slot != nil && (*slot).Endpoint() != ep {
		freeRequest(slot)
	}
	if *slot == nil {
		req, err := ep.AllocRequest()
		if err != nil {
			return nil, err
		}
		*slot = req
	}
	return *slot, nil
}

func freeRequest(slot **gadget.Request) {
	if *slot == nil {
		return
	}
	(*slot).Endpoint().FreeRequest(*slot)
	*slot = nil
}

func (r *Registry) startEndlessRx(p *Port) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r.startEndlessRxLocked(p)
}

func (r *Registry) startEndlessTx(p *Port) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r.startEndlessTxLocked(p)
}

func (r *Registry) startEndlessRxLocked(p *Port) {
	if p.usb == nil {
		return
	}
	r.queueEndless(p, directionRx, p.usb.Out, p.ch.rxReq)
}

func (r *Registry) startEndlessTxLocked(p *Port) {
	if p.usb == nil {
		return
	}
	r.queueEndless(p, directionTx, p.usb.In, p.ch.txReq)
}

func (r *Registry) queueEndless(p *Port, direction string, ep *gadget.Endpoint, req *gadget.Request) {
	if ep == nil || req == nil {
		return
	}
	if err := ep.Queue(req); err != nil {
		_ = level.Error(r.logger).Log("msg", "error enqueuing transfer", "port", p.num, "direction", direction, "ep", ep.Name, "err", err)
		p.metrics.submitErrors.WithLabelValues(direction).Inc()
	}
}
