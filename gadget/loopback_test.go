package gadget

import (
	baseerrors "errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoopbackQueueRequiresEnable(t *testing.T) {
	l := NewLoopback(nil)
	pair := l.NewEndpointPair(1)
	require.True(t, pair.In.IsIn())
	require.False(t, pair.Out.IsIn())

	req, err := pair.Out.AllocRequest()
	require.NoError(t, err)
	require.Same(t, pair.Out, req.Endpoint())

	err = pair.Out.Queue(req)
	require.True(t, baseerrors.Is(err, ErrNotEnabled))

	require.NoError(t, pair.Out.Enable())
	require.NoError(t, pair.Out.Queue(req))
	require.NoError(t, pair.Out.Queue(req))
	require.Len(t, l.Queued(pair.Out), 1)
	require.Equal(t, 2, l.Submissions(pair.Out))
}

func TestLoopbackForeignRequest(t *testing.T) {
	l := NewLoopback(nil)
	pair := l.NewEndpointPair(1)
	require.NoError(t, pair.In.Enable())

	req, err := pair.Out.AllocRequest()
	require.NoError(t, err)
	require.True(t, baseerrors.Is(pair.In.Queue(req), ErrForeignRequest))
}

func TestLoopbackDisableFlushes(t *testing.T) {
	l := NewLoopback(nil)
	pair := l.NewEndpointPair(2)
	require.NoError(t, pair.In.Enable())

	req, err := pair.In.AllocRequest()
	require.NoError(t, err)
	var completed []error
	req.Complete = func(ep *Endpoint, r *Request) {
		require.Same(t, pair.In, ep)
		completed = append(completed, r.Status)
	}
	require.NoError(t, pair.In.Queue(req))
	require.NoError(t, pair.In.Disable())

	require.Equal(t, []error{ErrShutdown}, completed)
	require.Empty(t, l.Queued(pair.In))
	require.False(t, l.Enabled(pair.In))
}

func TestLoopbackAllocLimit(t *testing.T) {
	l := NewLoopback(nil)
	l.MaxRequestsPerEndpoint = 1
	pair := l.NewEndpointPair(1)

	req, err := pair.Out.AllocRequest()
	require.NoError(t, err)
	_, err = pair.Out.AllocRequest()
	require.True(t, baseerrors.Is(err, ErrNoRequests))

	pair.Out.FreeRequest(req)
	require.Equal(t, 0, l.Allocated(pair.Out))
	_, err = pair.Out.AllocRequest()
	require.NoError(t, err)
}

func TestLoopbackWakeup(t *testing.T) {
	l := NewLoopback(nil)
	pair := l.NewEndpointPair(1)
	require.NoError(t, pair.Composite.Gadget.Wakeup())
	require.Equal(t, 1, l.Wakeups())
}
