// SPDX-License-Identifier: GPL-2.0-only

// Package ipa describes the offload processing engine and the function bridges that sit
// on top of it.
package ipa

import "fmt"

// Client identifies the USB-side offload client.
type Client int

const (
	// ClientUSBProd produces into the engine (host to peripheral).
	ClientUSBProd Client = iota
	// ClientUSBCons consumes from the engine (peripheral to host).
	ClientUSBCons
)

func (c Client) String() string {
	switch c {
	case ClientUSBProd:
		return "usb_prod"
	case ClientUSBCons:
		return "usb_cons"
	default:
		return fmt.Sprintf("client(%d)", int(c))
	}
}

type Direction int

const (
	USBToPeerPeripheral Direction = iota
	PeerPeripheralToUSB
)

func (d Direction) String() string {
	switch d {
	case USBToPeerPeripheral:
		return "usb_to_peer"
	case PeerPeripheralToUSB:
		return "peer_to_usb"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// EndpointMode is the engine-side endpoint configuration mode.
type EndpointMode int

const (
	ModeBasic EndpointMode = iota
	ModeDMA
)

type ClientHandle uint32

type Event int

const (
	EventReceive Event = iota
	EventWriteDone
)

// Notifier receives data-path events from the engine for one direction of one function.
type Notifier interface {
	Notify(evt Event, data []byte)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(evt Event, data []byte)

func (f NotifierFunc) Notify(evt Event, data []byte) {
	f(evt, data)
}

// ConnectParams describes one offload pipe connect. The engine fills in the pipe index
// and client handle of the direction it connected.
type ConnectParams struct {
	SrcIdx uint8
	DstIdx uint8

	Client   Client
	Dir      Direction
	Notifier Notifier
	Mode     EndpointMode

	SrcPipe    uint32
	DstPipe    uint32
	ProdHandle ClientHandle
	ConsHandle ClientHandle
}

// Connector connects USB pipes to the offload engine.
type Connector interface {
	ConnectPipe(p *ConnectParams) error
	// DisconnectPipes tears down both directions described by p.
	DisconnectPipes(p *ConnectParams) error
}

type TetheringMode int

const (
	TetheringModeRMNET TetheringMode = iota
	TetheringModeMBIM
)

type TetheringConnectParams struct {
	IPAToUSBHandle ClientHandle
	USBToIPAHandle ClientHandle
	Mode           TetheringMode
}

// TetheringBridge is the tethering service used by the MBIM function.
type TetheringBridge interface {
	// Init prepares the bridge and returns the notifier the engine should deliver to.
	Init() (Notifier, error)
	Connect(p TetheringConnectParams) error
	Disconnect() error
}

// ParamsConfigurer applies function specific parameters once the bridge is connected.
type ParamsConfigurer interface {
	ConfigureParams()
}

// NetworkAdapter is the network-class adapter used by the ECM function.
type NetworkAdapter interface {
	TxNotifier() Notifier
	RxNotifier() Notifier
	Connect(consHandle, prodHandle ClientHandle) error
	Disconnect() error
}
