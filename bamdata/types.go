// SPDX-License-Identifier: GPL-2.0-only

package bamdata

import (
	"fmt"
	"strings"
	"sync"

	"github.com/efficientgo/core/errors"

	"github.com/MatthiasValvekens/usb-bam-data/gadget"
	"github.com/MatthiasValvekens/usb-bam-data/ipa"
	"github.com/MatthiasValvekens/usb-bam-data/workqueue"
)

// MaxPorts is the largest port count a registry can be set up with. The engine has a
// single peer-reset slot, so among direct-pipe ports only the one connected last is
// recovered after a peer reset.
const MaxPorts = 4

// Bits of the controller parameter word attached to endless requests.
const (
	spsModeBit  uint32 = 1 << 5
	tbeBit      uint32 = 1 << 6
	vendorIDBit uint32 = 1 << 16
)

// TransportMode selects how a port's endpoints reach the bridge engine.
type TransportMode int

const (
	// TransportDirectPipe wires the endpoints straight to engine pipes.
	TransportDirectPipe TransportMode = iota
	// TransportOffloadBridge routes them through the offload engine and a function bridge.
	TransportOffloadBridge
)

func (m TransportMode) String() string {
	switch m {
	case TransportDirectPipe:
		return "direct"
	case TransportOffloadBridge:
		return "offload"
	default:
		return fmt.Sprintf("transport(%d)", int(m))
	}
}

func ParseTransportMode(s string) (TransportMode, error) {
	switch strings.ToLower(s) {
	case "direct", "bam2bam":
		return TransportDirectPipe, nil
	case "offload", "bam2bam_ipa":
		return TransportOffloadBridge, nil
	}
	return 0, errors.Wrapf(ErrInvalidArgument, "unknown transport %q", s)
}

// FunctionKind is the USB function that owns the port.
type FunctionKind int

const (
	FunctionECM FunctionKind = iota
	FunctionMBIM
	FunctionRNDIS
)

func (f FunctionKind) String() string {
	switch f {
	case FunctionECM:
		return "ecm"
	case FunctionMBIM:
		return "mbim"
	case FunctionRNDIS:
		return "rndis"
	default:
		return fmt.Sprintf("function(%d)", int(f))
	}
}

func ParseFunctionKind(s string) (FunctionKind, error) {
	switch strings.ToLower(s) {
	case "ecm":
		return FunctionECM, nil
	case "mbim":
		return FunctionMBIM, nil
	case "rndis":
		return FunctionRNDIS, nil
	}
	return 0, errors.Wrapf(ErrInvalidArgument, "unknown function %q", s)
}

type PortState int

const (
	StateIdle PortState = iota
	StateEndpointsEnabled
	StateArmed
	StateConnectFailed
	StateResetting
	StateResetFailed
)

func (s PortState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEndpointsEnabled:
		return "endpoints_enabled"
	case StateArmed:
		return "armed"
	case StateConnectFailed:
		return "connect_failed"
	case StateResetting:
		return "resetting"
	case StateResetFailed:
		return "reset_failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ChannelInfo is the transport configuration of one port.
type ChannelInfo struct {
	Transport TransportMode
	Function  FunctionKind

	SrcConnectionIndex uint8
	DstConnectionIndex uint8

	// Pipe indices are valid between a successful connect and the matching disconnect.
	SrcPipeIndex uint32
	DstPipeIndex uint32

	// Offload is only used with TransportOffloadBridge.
	Offload ipa.ConnectParams

	rxReq *gadget.Request
	txReq *gadget.Request
}

// Port is one bridging unit.
type Port struct {
	num int

	mu        sync.Mutex
	usb       *gadget.EndpointPair
	ch        ChannelInfo
	state     PortState
	wakeArmed bool
	wakeIdx   uint8

	// Set by a disconnect of an offload port until its disconnect work runs.
	teardownPending  bool
	teardownFunction FunctionKind

	connectWork    *workqueue.Work
	disconnectWork *workqueue.Work
	metrics        *portMetrics
}

// Snapshot is a copy of the externally visible state of a port.
type Snapshot struct {
	PortNum      int
	State        PortState
	USBConnected bool
	WakeArmed    bool
	Channel      ChannelInfo
}

func spsParams(pipeIndex uint32) uint32 {
	return (spsModeBit | pipeIndex | vendorIDBit) &^ tbeBit
}
