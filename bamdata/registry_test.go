package bamdata

import (
	baseerrors "errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/MatthiasValvekens/usb-bam-data/gadget"
)

func TestNewRegistryValidation(t *testing.T) {
	engine := newFaultyEngine()
	for _, tcase := range []struct {
		name  string
		ports int
		deps  Dependencies
	}{
		{name: "zero ports", ports: 0, deps: Dependencies{Engine: engine}},
		{name: "too many ports", ports: MaxPorts + 1, deps: Dependencies{Engine: engine}},
		{name: "no engine", ports: 1},
	} {
		t.Run(tcase.name, func(t *testing.T) {
			reg, err := NewRegistry(tcase.ports, tcase.deps, nil, nil)
			require.Nil(t, reg)
			require.True(t, baseerrors.Is(err, ErrInvalidArgument))
		})
	}

	reg, err := NewRegistry(MaxPorts, Dependencies{Engine: engine}, nil, nil)
	require.NoError(t, err)
	defer reg.Teardown()
	require.Equal(t, MaxPorts, reg.Ports())
	for i := 0; i < MaxPorts; i++ {
		s, err := reg.State(i)
		require.NoError(t, err)
		require.Equal(t, StateIdle, s)
	}
}

func TestNewRegistryRollsBackOnPortFailure(t *testing.T) {
	promReg := prometheus.NewRegistry()
	conflict := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "bam_data_connect_total",
		Help:        "The number of connect work items run, by result.",
		ConstLabels: prometheus.Labels{"port": "1"},
	}, []string{"result"})
	require.NoError(t, promReg.Register(conflict))

	reg, err := NewRegistry(2, Dependencies{Engine: newFaultyEngine()}, nil, promReg)
	require.Nil(t, reg)
	require.Error(t, err)
	require.True(t, baseerrors.Is(err, ErrNoResources))

	// Nothing from the failed attempt is left behind.
	require.True(t, promReg.Unregister(conflict))
	reg, err = NewRegistry(2, Dependencies{Engine: newFaultyEngine()}, nil, promReg)
	require.NoError(t, err)
	reg.Teardown()

	reg, err = NewRegistry(2, Dependencies{Engine: newFaultyEngine()}, nil, promReg)
	require.NoError(t, err)
	reg.Teardown()
}

func TestRegistryMetrics(t *testing.T) {
	promReg := prometheus.NewRegistry()
	engine := newFaultyEngine()
	reg, err := NewRegistry(1, Dependencies{Engine: engine}, nil, promReg)
	require.NoError(t, err)
	defer reg.Teardown()

	udc := gadget.NewLoopback(nil)
	pair := udc.NewEndpointPair(1)
	require.NoError(t, reg.RequestConnect(0, pair, TransportDirectPipe, 1, 2, FunctionECM))
	reg.Flush()
	require.NoError(t, reg.RequestDisconnect(0))
	reg.Flush()

	expected := `
# HELP bam_data_connect_total The number of connect work items run, by result.
# TYPE bam_data_connect_total counter
bam_data_connect_total{port="0",result="success"} 1
# HELP bam_data_disconnect_total The number of disconnect requests.
# TYPE bam_data_disconnect_total counter
bam_data_disconnect_total{port="0"} 1
# HELP bam_data_request_completions_total The number of endless request completions, by direction and status.
# TYPE bam_data_request_completions_total counter
bam_data_request_completions_total{direction="rx",port="0",status="shutdown"} 1
bam_data_request_completions_total{direction="tx",port="0",status="shutdown"} 1
`
	require.NoError(t, testutil.GatherAndCompare(promReg, strings.NewReader(expected),
		"bam_data_connect_total", "bam_data_disconnect_total", "bam_data_request_completions_total"))
	require.Equal(t, 1.0, testutil.ToFloat64(reg.ports[0].metrics.disconnects))
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t, 2)
	events := f.reg.Subscribe()

	pair := f.udc.NewEndpointPair(1)
	require.NoError(t, f.reg.RequestConnect(1, pair, TransportDirectPipe, 1, 2, FunctionECM))
	f.reg.Flush()

	// EndpointsEnabled then Armed.
	require.Equal(t, 1, <-events)
	require.Equal(t, 1, <-events)
	require.Equal(t, StateArmed, f.state(t, 1))

	require.NoError(t, f.reg.RequestDisconnect(1))
	require.Equal(t, 1, <-events)
	require.Equal(t, StateIdle, f.state(t, 1))

	f.reg.Teardown()
	_, ok := <-events
	require.False(t, ok)

	closed := f.reg.Subscribe()
	_, ok = <-closed
	require.False(t, ok)
}

func TestParseTransportAndFunction(t *testing.T) {
	for in, want := range map[string]TransportMode{
		"direct":      TransportDirectPipe,
		"bam2bam":     TransportDirectPipe,
		"offload":     TransportOffloadBridge,
		"BAM2BAM_IPA": TransportOffloadBridge,
	} {
		got, err := ParseTransportMode(in)
		require.NoError(t, err)
		require.Equal(t, want, got, in)
	}
	_, err := ParseTransportMode("usb")
	require.True(t, baseerrors.Is(err, ErrInvalidArgument))

	for _, fn := range []FunctionKind{FunctionECM, FunctionMBIM, FunctionRNDIS} {
		got, err := ParseFunctionKind(fn.String())
		require.NoError(t, err)
		require.Equal(t, fn, got)
	}
	_, err = ParseFunctionKind("acm")
	require.True(t, baseerrors.Is(err, ErrInvalidArgument))
}
