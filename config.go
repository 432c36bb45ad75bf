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
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/MatthiasValvekens/usb-bam-data/bamdata"
	"github.com/MatthiasValvekens/usb-bam-data/gadget"
)

// PortSpec is a data port as written in the config file.
type PortSpec struct {
	Name               string `json:"name"`
	Transport          string `json:"transport"`
	Function           string `json:"function"`
	SrcConnectionIndex uint8  `json:"src_connection_index"`
	DstConnectionIndex uint8  `json:"dst_connection_index"`
}

// portConfig is a validated PortSpec.
type portConfig struct {
	name      string
	transport bamdata.TransportMode
	function  bamdata.FunctionKind
	srcIdx    uint8
	dstIdx    uint8
}

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to listen for health and metrics.")
	flag.String("health-listen", ":8081", "The address at which to serve gRPC health checks for the data ports.")
	flag.String("udc", "", "Name of the USB device controller under class/udc used for remote wakeup. Empty means an in-memory controller.")
	flag.String("sysfs", gadget.Sys, "The sysfs mount point.")
	flag.Duration("ready-timeout", 10*time.Second, "How long to wait for all ports to be armed at startup.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/usb-bam-data/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

func getConfiguredPorts() ([]portConfig, error) {
	return decodePorts(viper.Get("ports"))
}

func decodePorts(raw interface{}) ([]portConfig, error) {
	defs, ok := raw.([]interface{})
	if !ok {
		if raw == nil {
			return nil, fmt.Errorf("at least one port must be specified")
		}
		return nil, fmt.Errorf("failed to decode ports: unexpected type: %T", raw)
	}
	if len(defs) == 0 || len(defs) > bamdata.MaxPorts {
		return nil, fmt.Errorf("between 1 and %d ports must be specified, got %d", bamdata.MaxPorts, len(defs))
	}

	result := make([]portConfig, 0, len(defs))
	seen := map[string]struct{}{}
	for _, def := range defs {
		var spec PortSpec
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &spec,
			TagName:          "json",
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(def); err != nil {
			return nil, fmt.Errorf("failed to decode port data %q: %w", def, err)
		}

		if errs := validation.IsDNS1123Label(spec.Name); len(errs) > 0 {
			return nil, fmt.Errorf("failed to parse port name %q: %s", spec.Name, strings.Join(errs, ", "))
		}
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate port name %q", spec.Name)
		}
		seen[spec.Name] = struct{}{}

		transport, err := bamdata.ParseTransportMode(spec.Transport)
		if err != nil {
			return nil, fmt.Errorf("port %q: %w", spec.Name, err)
		}
		function, err := bamdata.ParseFunctionKind(spec.Function)
		if err != nil {
			return nil, fmt.Errorf("port %q: %w", spec.Name, err)
		}
		result = append(result, portConfig{
			name:      spec.Name,
			transport: transport,
			function:  function,
			srcIdx:    spec.SrcConnectionIndex,
			dstIdx:    spec.DstConnectionIndex,
		})
	}
	return result, nil
}
