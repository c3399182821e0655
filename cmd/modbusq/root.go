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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	modbus "github.com/edgeo-scada/modbusq"
	"github.com/edgeo-scada/modbusq/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string

	// Global flags
	host      string
	port      int
	transport string
	unitID    uint8
	timeout   time.Duration
	outputFmt string
	verbose   bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "modbusq",
	Short: "Modbus TCP/UDP server and client",
	Long: `modbusq serves an in-memory Modbus device table over TCP or UDP and
reads or writes coils and registers on any Modbus TCP/UDP device.

Examples:
  # Serve on port 1502 with a config file
  modbusq serve --config modbusq.yaml --listen :1502

  # Read 10 holding registers from address 0
  modbusq read hr -a 0 -c 10 -H 192.168.1.100

  # Write value 1234 to register 100 over UDP
  modbusq write register -a 100 -V 1234 --transport udp

  # Watch two coils every 500ms
  modbusq watch coils -a 0 -c 2 -i 500ms`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.modbusq.yaml)")

	// Connection flags
	rootCmd.PersistentFlags().StringVarP(&host, "host", "H", "localhost", "Modbus server host")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 502, "Modbus server port")
	rootCmd.PersistentFlags().StringVar(&transport, "transport", "tcp", "Transport: tcp, udp")
	rootCmd.PersistentFlags().Uint8VarP(&unitID, "unit", "u", 1, "Modbus unit ID")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "Operation timeout")

	// Output flags
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	for _, name := range []string{"host", "port", "transport", "unit", "timeout", "output"} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(watchCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".modbusq")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

func getAddress() string {
	return net.JoinHostPort(viper.GetString("host"), strconv.Itoa(viper.GetInt("port")))
}

func getUnit() modbus.UnitID {
	return modbus.UnitID(viper.GetUint("unit"))
}

func getTimeout() time.Duration {
	return viper.GetDuration("timeout")
}

func createClient() (modbus.Client, error) {
	opts := []modbus.Option{
		modbus.WithConnectTimeout(getTimeout()),
		modbus.WithReceiveTimeout(getTimeout()),
		modbus.WithLogger(logger),
	}

	var (
		client modbus.Client
		err    error
	)
	switch strings.ToLower(viper.GetString("transport")) {
	case "tcp":
		client, err = modbus.NewTCPClient(getAddress(), opts...)
	case "udp":
		client, err = modbus.NewUDPClient(getAddress(), opts...)
	default:
		return nil, fmt.Errorf("unknown transport %q", viper.GetString("transport"))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

// withClient opens a client, runs fn under the operation timeout and closes
// the client.
func withClient(fn func(ctx context.Context, client modbus.Client) error) error {
	client, err := createClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), getTimeout())
	defer cancel()

	if err := client.Open(ctx); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	return fn(ctx, client)
}
