package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MatthiasValvekens/usb-bam-data/bam"
	"github.com/MatthiasValvekens/usb-bam-data/bamdata"
	"github.com/MatthiasValvekens/usb-bam-data/gadget"
)

func TestDecodePorts(t *testing.T) {
	for _, tcase := range []struct {
		name    string
		raw     interface{}
		want    []portConfig
		wantErr bool
	}{
		{
			name: "direct and offload",
			raw: []interface{}{
				map[string]interface{}{"name": "rmnet0", "transport": "direct", "function": "rndis", "src_connection_index": 3, "dst_connection_index": 7},
				map[string]interface{}{"name": "mbim", "transport": "bam2bam_ipa", "function": "MBIM", "src_connection_index": "1", "dst_connection_index": 2},
			},
			want: []portConfig{
				{name: "rmnet0", transport: bamdata.TransportDirectPipe, function: bamdata.FunctionRNDIS, srcIdx: 3, dstIdx: 7},
				{name: "mbim", transport: bamdata.TransportOffloadBridge, function: bamdata.FunctionMBIM, srcIdx: 1, dstIdx: 2},
			},
		},
		{name: "missing", raw: nil, wantErr: true},
		{name: "not a list", raw: map[string]interface{}{"name": "x"}, wantErr: true},
		{name: "empty", raw: []interface{}{}, wantErr: true},
		{
			name: "too many",
			raw: []interface{}{
				map[string]interface{}{"name": "a", "transport": "direct", "function": "ecm"},
				map[string]interface{}{"name": "b", "transport": "direct", "function": "ecm"},
				map[string]interface{}{"name": "c", "transport": "direct", "function": "ecm"},
				map[string]interface{}{"name": "d", "transport": "direct", "function": "ecm"},
				map[string]interface{}{"name": "e", "transport": "direct", "function": "ecm"},
			},
			wantErr: true,
		},
		{
			name:    "bad name",
			raw:     []interface{}{map[string]interface{}{"name": "Not_A_Label", "transport": "direct", "function": "ecm"}},
			wantErr: true,
		},
		{
			name: "duplicate name",
			raw: []interface{}{
				map[string]interface{}{"name": "a", "transport": "direct", "function": "ecm"},
				map[string]interface{}{"name": "a", "transport": "offload", "function": "ecm"},
			},
			wantErr: true,
		},
		{
			name:    "bad transport",
			raw:     []interface{}{map[string]interface{}{"name": "a", "transport": "pcie", "function": "ecm"}},
			wantErr: true,
		},
		{
			name:    "bad function",
			raw:     []interface{}{map[string]interface{}{"name": "a", "transport": "direct", "function": "acm"}},
			wantErr: true,
		},
	} {
		t.Run(tcase.name, func(t *testing.T) {
			got, err := decodePorts(tcase.raw)
			if tcase.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tcase.want, got)
		})
	}
}

func TestWaitArmed(t *testing.T) {
	engine := bam.NewLoopback(nil)
	registry, err := bamdata.NewRegistry(2, bamdata.Dependencies{Engine: engine, Offload: engine}, nil, nil)
	require.NoError(t, err)
	defer registry.Teardown()

	ports := []portConfig{
		{name: "a", transport: bamdata.TransportDirectPipe, function: bamdata.FunctionRNDIS, srcIdx: 1, dstIdx: 2},
		{name: "b", transport: bamdata.TransportDirectPipe, function: bamdata.FunctionRNDIS, srcIdx: 3, dstIdx: 4},
	}
	// Nothing connected yet.
	require.Error(t, waitArmed(context.Background(), registry, ports, 300*time.Millisecond))

	udc := gadget.NewLoopback(nil)
	for i, pc := range ports {
		require.NoError(t, registry.RequestConnect(i, udc.NewEndpointPair(uint8(i+1)), pc.transport, pc.srcIdx, pc.dstIdx, pc.function))
	}
	require.NoError(t, waitArmed(context.Background(), registry, ports, 5*time.Second))
}
