// SPDX-License-Identifier: GPL-2.0-only

package main

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
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/MatthiasValvekens/usb-bam-data/bam"
	"github.com/MatthiasValvekens/usb-bam-data/bamdata"
	"github.com/MatthiasValvekens/usb-bam-data/gadget"
	"github.com/MatthiasValvekens/usb-bam-data/health"
	"github.com/MatthiasValvekens/usb-bam-data/ipa"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"

	readyPollInterval = 100 * time.Millisecond
)

var (
	availableLogLevels = strings.Join([]string{
		logLevelAll,
		logLevelDebug,
		logLevelInfo,
		logLevelWarn,
		logLevelError,
		logLevelNone,
	}, ", ")
)

func newLogger(logLevel string) (log.Logger, error) {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return nil, fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	return logger, nil
}

// waitArmed blocks until every port is armed, a connect fails, or timeout expires.
func waitArmed(ctx context.Context, registry *bamdata.Registry, ports []portConfig, timeout time.Duration) error {
	return wait.PollUntilContextTimeout(ctx, readyPollInterval, timeout, true, func(context.Context) (bool, error) {
		for i, pc := range ports {
			state, err := registry.State(i)
			if err != nil {
				return false, err
			}
			switch state {
			case bamdata.StateArmed:
			case bamdata.StateConnectFailed:
				return false, errors.Newf("port %q failed to connect", pc.name)
			default:
				return false, nil
			}
		}
		return true, nil
	})
}

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	ports, err := getConfiguredPorts()
	if err != nil {
		return err
	}

	logger, err := newLogger(viper.GetString("log-level"))
	if err != nil {
		return err
	}

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	udc := gadget.NewLoopback(log.With(logger, "component", "udc"))
	var wakeup gadget.Gadget = udc
	if name := viper.GetString("udc"); name != "" {
		sysfs := viper.GetString("sysfs")
		sysUDC, err := gadget.NewSysfsUDC(os.DirFS(sysfs), name, gadget.OSWriter(sysfs), log.With(logger, "component", "udc"))
		if err != nil {
			return errors.Wrapf(err, "failed to open UDC %s", name)
		}
		wakeup = sysUDC
	}

	engine := bam.NewLoopback(log.With(logger, "component", "bam"))
	tethering := ipa.NewLoopbackTethering(log.With(logger, "component", "teth_bridge"))
	registry, err := bamdata.NewRegistry(len(ports), bamdata.Dependencies{
		Engine:    engine,
		Offload:   engine,
		Tethering: tethering,
		MBIM:      tethering,
		Adapter:   ipa.NewLoopbackAdapter(log.With(logger, "component", "ecm_ipa")),
	}, log.With(logger, "component", "bam_data"), r)
	if err != nil {
		return errors.Wrap(err, "failed to set up data ports")
	}
	defer registry.Teardown()

	names := make([]string, len(ports))
	for i, pc := range ports {
		names[i] = pc.name
	}
	reporter, err := health.NewReporter(registry, names, log.With(logger, "component", "health"))
	if err != nil {
		return errors.Wrap(err, "failed to set up health reporting")
	}

	for i, pc := range ports {
		pair := udc.NewEndpointPair(uint8(i + 1))
		pair.Composite = &gadget.Composite{Gadget: wakeup}
		_ = level.Info(logger).Log("msg", "connecting port", "port", pc.name, "transport", pc.transport, "function", pc.function)
		if err := registry.RequestConnect(i, pair, pc.transport, pc.srcIdx, pc.dstIdx, pc.function); err != nil {
			return errors.Wrapf(err, "failed to connect port %s", pc.name)
		}
	}
	defer func() {
		for i := range ports {
			if err := registry.RequestDisconnect(i); err != nil {
				_ = level.Warn(logger).Log("msg", "failed to disconnect port", "port", ports[i].name, "err", err)
			}
		}
		registry.Flush()
	}()

	if err := waitArmed(context.Background(), registry, ports, viper.GetDuration("ready-timeout")); err != nil {
		return errors.Wrap(err, "ports not ready")
	}
	_ = level.Info(logger).Log("msg", "all ports armed", "ports", len(ports))

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Serve gRPC health checks.
		execute, interrupt, err := reporter.Serve(context.Background(), "tcp", viper.GetString("health-listen"))
		if err != nil {
			return errors.Wrap(err, "failed to start gRPC health server")
		}
		g.Add(execute, interrupt)
	}

	{
		// Follow port states.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return reporter.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM. SIGUSR1 simulates a peer reset of the
		// bridge engine, SIGUSR2 suspends the bus or wakes it up again.
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
		cancel := make(chan struct{})
		suspended := false
		g.Add(func() error {
			defer signal.Stop(sigs)
			for {
				select {
				case sig := <-sigs:
					switch sig {
					case syscall.SIGUSR1:
						if err := engine.TriggerPeerReset(); err != nil {
							_ = level.Warn(logger).Log("msg", "peer reset not handled", "err", err)
						}
					case syscall.SIGUSR2:
						suspended = toggleSuspend(logger, registry, engine, ports, suspended)
					default:
						_ = logger.Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
						return nil
					}
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	return g.Run()
}

// toggleSuspend arms the wake path of every port, or, when already suspended, lets the
// engine request a host wakeup on each port before resuming. It returns the new state.
func toggleSuspend(logger log.Logger, registry *bamdata.Registry, engine *bam.Loopback, ports []portConfig, suspended bool) bool {
	for i, pc := range ports {
		if !suspended {
			if err := registry.Suspend(i); err != nil {
				_ = level.Warn(logger).Log("msg", "failed to suspend port", "port", pc.name, "err", err)
			}
			continue
		}
		if err := engine.TriggerWake(pc.dstIdx); err != nil {
			_ = level.Warn(logger).Log("msg", "remote wakeup failed", "port", pc.name, "err", err)
		}
		if err := registry.Resume(i); err != nil {
			_ = level.Warn(logger).Log("msg", "failed to resume port", "port", pc.name, "err", err)
		}
	}
	_ = level.Info(logger).Log("msg", "bus state changed", "suspended", !suspended)
	return !suspended
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
