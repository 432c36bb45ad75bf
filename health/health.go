// SPDX-License-Identifier: GPL-2.0-only

// Package health publishes port readiness through the standard gRPC health service.
package health

// This project is GPL-2.0, but this file contains code from generic-device-plugin.
// Original license notice below.
//
// Copyright 2020 the generic-device-plugin authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/MatthiasValvekens/usb-bam-data/bamdata"
)

// Overall is the service name reporting on all ports at once.
const Overall = ""

const readyCheckInterval = 1 * time.Second

// StateSource is the part of the registry the reporter watches.
type StateSource interface {
	Ports() int
	State(portNum int) (bamdata.PortState, error)
	Subscribe() <-chan int
}

// Reporter keeps a gRPC health server in sync with port states. Each port is published
// under its configured name and is SERVING while it is armed.
type Reporter struct {
	src    StateSource
	names  []string
	server *grpchealth.Server
	logger log.Logger

	mu       sync.Mutex
	serving  []bool
	listener net.Listener
}

// NewReporter creates a reporter for src. names holds one service name per port.
func NewReporter(src StateSource, names []string, logger log.Logger) (*Reporter, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if len(names) != src.Ports() {
		return nil, errors.Newf("got %d service names for %d ports", len(names), src.Ports())
	}
	seen := map[string]struct{}{}
	for _, n := range names {
		if n == Overall {
			return nil, errors.New("port service name must not be empty")
		}
		if _, ok := seen[n]; ok {
			return nil, errors.Newf("duplicate service name %q", n)
		}
		seen[n] = struct{}{}
	}
	r := &Reporter{
		src:     src,
		names:   names,
		server:  grpchealth.NewServer(),
		logger:  logger,
		serving: make([]bool, len(names)),
	}
	for _, n := range names {
		r.server.SetServingStatus(n, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	r.server.SetServingStatus(Overall, healthpb.HealthCheckResponse_NOT_SERVING)
	return r, nil
}

// Server returns the health service, for registration on an existing gRPC server.
func (r *Reporter) Server() healthpb.HealthServer {
	return r.server
}

// Run follows state changes until ctx is cancelled or the source stops publishing.
func (r *Reporter) Run(ctx context.Context) error {
	updates := r.src.Subscribe()
	for i := range r.names {
		r.refresh(i)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case portNum, ok := <-updates:
			if !ok {
				_ = level.Info(r.logger).Log("msg", "port registry closed, reporting not serving")
				r.server.Shutdown()
				return nil
			}
			r.refresh(portNum)
		}
	}
}

func (r *Reporter) refresh(portNum int) {
	if portNum < 0 || portNum >= len(r.names) {
		return
	}
	state, err := r.src.State(portNum)
	serving := err == nil && state == bamdata.StateArmed

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.serving[portNum] == serving {
		return
	}
	r.serving[portNum] = serving
	_ = level.Info(r.logger).Log("msg", "port readiness changed", "port", portNum, "service", r.names[portNum], "state", state, "serving", serving)
	r.server.SetServingStatus(r.names[portNum], status(serving))

	all := true
	for _, s := range r.serving {
		all = all && s
	}
	r.server.SetServingStatus(Overall, status(all))
}

func status(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Addr returns the address Serve is listening on, or nil.
func (r *Reporter) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Serve starts a gRPC server exposing the health service and waits for it to be running
// and accepting connections before returning. It returns a function to wait for its
// completion as well as another to interrupt it, for use in a run.Group.
func (r *Reporter) Serve(ctx context.Context, network, addr string) (func() error, func(error), error) {
	_ = level.Info(r.logger).Log("msg", "listening for health checks", "network", network, "addr", addr)
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to listen on %s %q", network, addr)
	}
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, r.server)

	ch := make(chan error)
	go func() {
		_ = level.Info(r.logger).Log("msg", "starting gRPC server")
		ch <- grpcServer.Serve(l)
		close(ch)
	}()
	t := time.NewTimer(readyCheckInterval)
	defer t.Stop()
Outer:
	for ctx.Err() == nil {
		for range grpcServer.GetServiceInfo() {
			break Outer
		}
		_ = level.Info(r.logger).Log("msg", "waiting for gRPC server to be ready")
		select {
		case <-ctx.Done():
		case <-t.C:
			t.Reset(readyCheckInterval)
		}
	}
	if err := ctx.Err(); err != nil {
		grpcServer.Stop()
		<-ch
		return nil, nil, err
	}
	return func() error {
			return <-ch
		},
		func(_ error) {
			r.server.Shutdown()
			grpcServer.Stop()
			// Drain the channel to clean up.
			<-ch
		}, nil
}
