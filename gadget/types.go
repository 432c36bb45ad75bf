// SPDX-License-Identifier: GPL-2.0-only

package gadget

import (
	"sync"

	"github.com/efficientgo/core/errors"
)

// Endpoint directions.
const (
	DirectionOut uint8 = 0x00
	DirectionIn  uint8 = 0x80
)

var (
	ErrShutdown       = errors.New("endpoint shut down")
	ErrNotEnabled     = errors.New("endpoint not enabled")
	ErrNoRequests     = errors.New("no request slots left on endpoint")
	ErrForeignRequest = errors.New("request belongs to another endpoint")
	ErrNotReady       = errors.New("gadget not ready")
)

// Controller is implemented by the device controller driver that owns the endpoints.
type Controller interface {
	Enable(ep *Endpoint) error
	Disable(ep *Endpoint) error
	AllocRequest(ep *Endpoint) (*Request, error)
	FreeRequest(ep *Endpoint, req *Request)
	Queue(ep *Endpoint, req *Request) error
}

// Gadget is the controller-level device handle, used for remote wakeup.
type Gadget interface {
	Wakeup() error
}

// Composite is the composite device an endpoint pair belongs to.
type Composite struct {
	Gadget Gadget
}

// EndpointPair is the bulk IN/OUT pair handed out by a USB function.
// It is owned by the function layer.
type EndpointPair struct {
	In        *Endpoint
	Out       *Endpoint
	Composite *Composite
}

// Endpoint is a single hardware endpoint.
type Endpoint struct {
	Name    string
	Address uint8

	ctrl       Controller
	mu         sync.Mutex
	driverData any
}

func NewEndpoint(ctrl Controller, name string, address uint8) *Endpoint {
	return &Endpoint{
		Name:    name,
		Address: address,
		ctrl:    ctrl,
	}
}

// IsIn returns true for device-to-host endpoints.
func (e *Endpoint) IsIn() bool {
	return e.Address&DirectionIn != 0
}

func (e *Endpoint) Enable() error {
	return e.ctrl.Enable(e)
}

func (e *Endpoint) Disable() error {
	return e.ctrl.Disable(e)
}

func (e *Endpoint) AllocRequest() (*Request, error) {
	return e.ctrl.AllocRequest(e)
}

func (e *Endpoint) FreeRequest(req *Request) {
	e.ctrl.FreeRequest(e, req)
}

// Queue submits req to the endpoint. Completion is reported through req.Complete.
func (e *Endpoint) Queue(req *Request) error {
	if req.ep != e {
		return ErrForeignRequest
	}
	return e.ctrl.Queue(e, req)
}

// DriverData returns the association left on the endpoint by the function that enabled it.
func (e *Endpoint) DriverData() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.driverData
}

func (e *Endpoint) SetDriverData(v any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.driverData = v
}

// CompletionFunc is invoked by the controller when a request completes.
type CompletionFunc func(ep *Endpoint, req *Request)

// Request is a transfer request bound to the endpoint that allocated it.
type Request struct {
	Buf    []byte
	Length int
	Actual int
	Status error

	Context  any
	Complete CompletionFunc

	// UDCPriv carries controller-specific parameters.
	UDCPriv uint32

	ep *Endpoint
}

// NewRequest is used by controllers to hand out requests for ep.
func NewRequest(ep *Endpoint) *Request {
	return &Request{ep: ep}
}

func (r *Request) Endpoint() *Endpoint {
	return r.ep
}

// Giveback records the outcome of req and calls its completion handler.
func (r *Request) Giveback(status error, actual int) {
	r.Status = status
	r.Actual = actual
	if r.Complete != nil {
		r.Complete(r.ep, r)
	}
}
