package bamdata

import (
	baseerrors "errors"
	"testing"

	"github.com/efficientgo/core/errors"
	"github.com/stretchr/testify/require"

	"github.com/MatthiasValvekens/usb-bam-data/bam"
)

func TestPeerResetRecovers(t *testing.T) {
	f := newFixture(t, 1)
	pair := f.udc.NewEndpointPair(1)
	require.NoError(t, f.reg.RequestConnect(0, pair, TransportDirectPipe, 3, 7, FunctionECM))
	f.reg.Flush()
	require.True(t, f.engine.PeerResetRegistered())

	require.NoError(t, f.engine.TriggerPeerReset())

	require.Equal(t, 1, f.engine.Resets())
	require.False(t, f.engine.HardwareDisabled())
	require.True(t, f.udc.Enabled(pair.In))
	require.True(t, f.udc.Enabled(pair.Out))
	require.NotNil(t, pair.In.DriverData())
	require.Equal(t, 2, f.udc.Submissions(pair.Out))
	require.Equal(t, 2, f.udc.Submissions(pair.In))
	require.Len(t, f.udc.Queued(pair.Out), 1)
	require.Equal(t, StateArmed, f.state(t, 0))

	// Single shot until the next connect.
	require.False(t, f.engine.PeerResetRegistered())
	require.True(t, baseerrors.Is(f.engine.TriggerPeerReset(), bam.ErrNoHandler))
	require.Equal(t, 1, f.engine.Resets())

	require.NoError(t, f.reg.RequestDisconnect(0))
	f.reg.Flush()
	require.NoError(t, f.reg.RequestConnect(0, pair, TransportDirectPipe, 3, 7, FunctionECM))
	f.reg.Flush()
	require.True(t, f.engine.PeerResetRegistered())
}

func TestPeerResetEngineFailureLeavesEndpointsDisabled(t *testing.T) {
	f := newFixture(t, 1)
	pair := f.udc.NewEndpointPair(1)
	require.NoError(t, f.reg.RequestConnect(0, pair, TransportDirectPipe, 3, 7, FunctionECM))
	f.reg.Flush()

	f.engine.mu.Lock()
	f.engine.resetErr = errors.New("bam stuck")
	f.engine.mu.Unlock()

	err := f.engine.TriggerPeerReset()
	require.Error(t, err)
	require.True(t, baseerrors.Is(err, ErrHardware))

	require.False(t, f.udc.Enabled(pair.In))
	require.False(t, f.udc.Enabled(pair.Out))
	require.Equal(t, 1, f.udc.Submissions(pair.Out))
	require.Equal(t, 1, f.udc.Submissions(pair.In))
	require.Empty(t, f.udc.Queued(pair.Out))
	require.True(t, f.engine.HardwareDisabled())
	require.Equal(t, StateResetFailed, f.state(t, 0))

	// A fresh cycle recovers the port.
	f.engine.mu.Lock()
	f.engine.resetErr = nil
	f.engine.mu.Unlock()
	require.NoError(t, f.reg.RequestDisconnect(0))
	f.reg.Flush()
	require.NoError(t, f.reg.RequestConnect(0, pair, TransportDirectPipe, 3, 7, FunctionECM))
	f.reg.Flush()
	require.Equal(t, StateArmed, f.state(t, 0))
	require.Equal(t, 2, f.udc.Submissions(pair.Out))
}

func TestPeerResetAfterDisconnect(t *testing.T) {
	f := newFixture(t, 1)
	pair := f.udc.NewEndpointPair(1)
	require.NoError(t, f.reg.RequestConnect(0, pair, TransportDirectPipe, 3, 7, FunctionECM))
	f.reg.Flush()
	require.NoError(t, f.reg.RequestDisconnect(0))
	f.reg.Flush()

	// The handler is still registered, but there are no endpoints to restore.
	require.NoError(t, f.engine.TriggerPeerReset())
	require.Equal(t, 1, f.engine.Resets())
	require.False(t, f.udc.Enabled(pair.In))
	require.Equal(t, 1, f.udc.Submissions(pair.Out))
	require.Equal(t, StateIdle, f.state(t, 0))
	require.False(t, f.engine.PeerResetRegistered())
}

func TestPeerResetAfterFailedResetKeepsEndpointsDown(t *testing.T) {
	f := newFixture(t, 1)
	pair := f.udc.NewEndpointPair(1)
	require.NoError(t, f.reg.RequestConnect(0, pair, TransportDirectPipe, 3, 7, FunctionECM))
	f.reg.Flush()

	f.engine.mu.Lock()
	f.engine.resetErr = errors.New("bam stuck")
	f.engine.mu.Unlock()
	require.Error(t, f.engine.TriggerPeerReset())

	// The handler survived the failed reset; a later successful one must not revive the port.
	f.engine.mu.Lock()
	f.engine.resetErr = nil
	f.engine.mu.Unlock()
	require.NoError(t, f.engine.TriggerPeerReset())

	require.Equal(t, 1, f.engine.Resets())
	require.False(t, f.engine.HardwareDisabled())
	require.False(t, f.udc.Enabled(pair.In))
	require.False(t, f.udc.Enabled(pair.Out))
	require.Nil(t, pair.In.DriverData())
	require.Equal(t, 1, f.udc.Submissions(pair.Out))
	require.Equal(t, 1, f.udc.Submissions(pair.In))
	require.Equal(t, StateResetFailed, f.state(t, 0))
	require.False(t, f.engine.PeerResetRegistered())
}
