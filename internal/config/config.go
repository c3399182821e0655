// Copyright 2025 Edgeo SCADA
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

// Package config loads the server configuration used by the modbusq binary.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	modbus "github.com/edgeo-scada/modbusq"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment variables overriding configuration keys,
// e.g. MODBUSQ_SERVER_ADDRESS.
const EnvPrefix = "MODBUSQ"

type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Admin   AdminConfig    `mapstructure:"admin"`
	Devices []DeviceConfig `mapstructure:"devices"`
}

type ServerConfig struct {
	Transport         string        `mapstructure:"transport"`
	Address           string        `mapstructure:"address"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ReceiveTimeout    time.Duration `mapstructure:"receive_timeout"`
	MaxConnections    int           `mapstructure:"max_connections"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	DisabledFunctions []int         `mapstructure:"disabled_functions"`
}

// AdminConfig configures the HTTP admin surface. An empty address disables it.
type AdminConfig struct {
	Address string `mapstructure:"address"`
}

// DeviceConfig seeds one unit with initial values keyed by address.
type DeviceConfig struct {
	ID               uint8             `mapstructure:"id"`
	Coils            map[uint16]bool   `mapstructure:"coils"`
	DiscreteInputs   map[uint16]bool   `mapstructure:"discrete_inputs"`
	HoldingRegisters map[uint16]uint16 `mapstructure:"holding_registers"`
	InputRegisters   map[uint16]uint16 `mapstructure:"input_registers"`
}

// Load reads the YAML file at path. An empty path yields the defaults,
// still subject to environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "tcp")
	v.SetDefault("server.address", ":502")
	v.SetDefault("server.keep_alive", modbus.DefaultKeepAlive.String())
	v.SetDefault("server.receive_timeout", "0s")
	v.SetDefault("server.max_connections", 100)
	v.SetDefault("server.sweep_interval", "0s")
	v.SetDefault("server.disabled_functions", []int{})
	v.SetDefault("admin.address", "")
}

// Validate checks values that viper cannot type-check on its own.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Server.Transport) {
	case "tcp", "udp":
	default:
		return fmt.Errorf("config: unknown transport %q", c.Server.Transport)
	}
	for _, fc := range c.Server.DisabledFunctions {
		if fc < 1 || fc > 127 {
			return fmt.Errorf("config: invalid function code %d", fc)
		}
	}
	return nil
}

// Options translates the server section into library options.
func (c *ServerConfig) Options(logger *slog.Logger) []modbus.ServerOption {
	opts := []modbus.ServerOption{
		modbus.WithKeepAlive(c.KeepAlive),
		modbus.WithReadTimeout(c.ReceiveTimeout),
		modbus.WithIdleSweepInterval(c.SweepInterval),
	}
	if c.MaxConnections > 0 {
		opts = append(opts, modbus.WithMaxConnections(c.MaxConnections))
	}
	if logger != nil {
		opts = append(opts, modbus.WithServerLogger(logger))
	}
	return opts
}

// NewServer builds the configured server and seeds it. The server is not
// started.
func (c *Config) NewServer(logger *slog.Logger) (modbus.Server, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var srv modbus.Server
	opts := c.Server.Options(logger)
	if strings.EqualFold(c.Server.Transport, "udp") {
		srv = modbus.NewUDPServer(c.Server.Address, opts...)
	} else {
		srv = modbus.NewTCPServer(c.Server.Address, opts...)
	}

	if err := c.Apply(srv); err != nil {
		return nil, err
	}
	return srv, nil
}

// Apply disables the configured function codes and seeds device values.
func (c *Config) Apply(srv modbus.Server) error {
	for _, fc := range c.Server.DisabledFunctions {
		srv.SetFunctionEnable(modbus.FunctionCode(fc), false)
	}

	for _, d := range c.Devices {
		id := modbus.UnitID(d.ID)
		srv.AddDevice(id)

		for addr, v := range d.Coils {
			if err := srv.SetCoils(id, int(addr), v); err != nil {
				return fmt.Errorf("device %d coil %d: %w", id, addr, err)
			}
		}
		for addr, v := range d.DiscreteInputs {
			if err := srv.SetDiscreteInputs(id, int(addr), v); err != nil {
				return fmt.Errorf("device %d discrete input %d: %w", id, addr, err)
			}
		}
		for addr, v := range d.HoldingRegisters {
			if err := srv.SetHoldingRegisters(id, int(addr), v); err != nil {
				return fmt.Errorf("device %d holding register %d: %w", id, addr, err)
			}
		}
		for addr, v := range d.InputRegisters {
			if err := srv.SetInputRegisters(id, int(addr), v); err != nil {
				return fmt.Errorf("device %d input register %d: %w", id, addr, err)
			}
		}
	}
	return nil
}
