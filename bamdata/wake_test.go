package bamdata

import (
	baseerrors "errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MatthiasValvekens/usb-bam-data/bam"
	"github.com/MatthiasValvekens/usb-bam-data/gadget"
)

func TestSuspendWakeResume(t *testing.T) {
	f := newFixture(t, 1)
	pair := f.udc.NewEndpointPair(1)
	require.NoError(t, f.reg.RequestConnect(0, pair, TransportDirectPipe, 3, 7, FunctionECM))
	f.reg.Flush()

	require.NoError(t, f.reg.Suspend(0))
	require.True(t, f.engine.WakeRegistered(7))
	require.False(t, f.engine.WakeRegistered(3))
	require.True(t, f.snapshot(t, 0).WakeArmed)
	// Suspend leaves the endless requests alone.
	require.Len(t, f.udc.Queued(pair.Out), 1)
	require.Equal(t, StateArmed, f.state(t, 0))

	require.NoError(t, f.engine.TriggerWake(7))
	require.Equal(t, 1, f.udc.Wakeups())

	require.NoError(t, f.reg.Resume(0))
	require.False(t, f.engine.WakeRegistered(7))
	require.False(t, f.snapshot(t, 0).WakeArmed)
	require.True(t, baseerrors.Is(f.engine.TriggerWake(7), bam.ErrNoHandler))
	require.Equal(t, 1, f.udc.Wakeups())
}

func TestWakeWithoutGadget(t *testing.T) {
	f := newFixture(t, 1)
	pair := f.udc.NewEndpointPair(1)
	pair.Composite = nil
	require.NoError(t, f.reg.RequestConnect(0, pair, TransportDirectPipe, 3, 7, FunctionECM))
	f.reg.Flush()

	require.NoError(t, f.reg.Suspend(0))
	err := f.engine.TriggerWake(7)
	require.Error(t, err)
	require.True(t, baseerrors.Is(err, ErrNotReady))
	require.Zero(t, f.udc.Wakeups())

	require.NoError(t, f.reg.Resume(0))
	require.True(t, baseerrors.Is(f.engine.TriggerWake(7), bam.ErrNoHandler))
}

func TestWakeAfterDisconnect(t *testing.T) {
	f := newFixture(t, 1)
	pair := f.udc.NewEndpointPair(1)
	require.NoError(t, f.reg.RequestConnect(0, pair, TransportDirectPipe, 3, 7, FunctionECM))
	f.reg.Flush()
	require.NoError(t, f.reg.Suspend(0))
	require.NoError(t, f.reg.RequestDisconnect(0))

	require.True(t, baseerrors.Is(f.engine.TriggerWake(7), ErrNotReady))
	require.Zero(t, f.udc.Wakeups())
}

func TestWakePropagatesGadgetError(t *testing.T) {
	f := newFixture(t, 1)
	pair := f.udc.NewEndpointPair(1)
	pair.Composite = &gadget.Composite{Gadget: stubGadget{err: gadget.ErrNotReady}}
	require.NoError(t, f.reg.RequestConnect(0, pair, TransportDirectPipe, 3, 7, FunctionECM))
	f.reg.Flush()
	require.NoError(t, f.reg.Suspend(0))

	require.True(t, baseerrors.Is(f.engine.TriggerWake(7), gadget.ErrNotReady))
}

func TestTeardownUnregistersHandlers(t *testing.T) {
	engine := newFaultyEngine()
	reg, err := NewRegistry(2, Dependencies{Engine: engine}, nil, nil)
	require.NoError(t, err)

	udc := gadget.NewLoopback(nil)
	pair := udc.NewEndpointPair(1)
	require.NoError(t, reg.RequestConnect(0, pair, TransportDirectPipe, 1, 2, FunctionECM))
	reg.Flush()
	require.NoError(t, reg.Suspend(0))
	require.True(t, engine.WakeRegistered(2))
	require.True(t, engine.PeerResetRegistered())

	reg.Teardown()
	reg.Teardown()
	require.False(t, engine.WakeRegistered(2))
	require.False(t, engine.PeerResetRegistered())
	require.Zero(t, udc.Allocated(pair.Out))
	require.Zero(t, udc.Allocated(pair.In))

	require.True(t, baseerrors.Is(reg.RequestConnect(0, pair, TransportDirectPipe, 1, 2, FunctionECM), ErrInvalidArgument))
	require.True(t, baseerrors.Is(reg.Suspend(0), ErrInvalidArgument))
	_, err = reg.State(0)
	require.Error(t, err)
}

type stubGadget struct {
	err error
}

func (g stubGadget) Wakeup() error {
	return g.err
}
