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
	"strings"

	modbus "github.com/edgeo-scada/modbusq"
	"github.com/spf13/cobra"
)

var (
	readAddr  uint16
	readCount uint16
)

var readCmd = &cobra.Command{
	Use:     "read",
	Aliases: []string{"r"},
	Short:   "Read data from Modbus device",
	Long:    `Read coils, discrete inputs, holding registers, or input registers from a Modbus device.`,
}

// Read coils (FC01)
var readCoilsCmd = &cobra.Command{
	Use:     "coils",
	Aliases: []string{"c", "coil"},
	Short:   "Read coils (FC01)",
	Example: `  modbusq read coils -a 0 -c 10 -H 192.168.1.100
  modbusq r c -a 100 -c 8 --transport udp`,
	RunE: runReadBits("Coils", modbus.Client.ReadCoils),
}

// Read discrete inputs (FC02)
var readDiscreteInputsCmd = &cobra.Command{
	Use:     "discrete-inputs",
	Aliases: []string{"di", "discrete"},
	Short:   "Read discrete inputs (FC02)",
	Example: `  modbusq read discrete-inputs -a 0 -c 10 -H 192.168.1.100`,
	RunE:    runReadBits("Discrete Inputs", modbus.Client.ReadDiscreteInputs),
}

// Read holding registers (FC03)
var readHoldingRegistersCmd = &cobra.Command{
	Use:     "holding-registers",
	Aliases: []string{"hr", "holding"},
	Short:   "Read holding registers (FC03)",
	Example: `  modbusq read holding-registers -a 0 -c 10 -H 192.168.1.100
  modbusq r hr -a 100 -c 4 -o json`,
	RunE: runReadRegisters("Holding Registers", modbus.Client.ReadHoldingRegisters),
}

// Read input registers (FC04)
var readInputRegistersCmd = &cobra.Command{
	Use:     "input-registers",
	Aliases: []string{"ir", "input"},
	Short:   "Read input registers (FC04)",
	Example: `  modbusq read input-registers -a 0 -c 10 -o yaml`,
	RunE:    runReadRegisters("Input Registers", modbus.Client.ReadInputRegisters),
}

type (
	readBitsFunc      func(modbus.Client, context.Context, modbus.UnitID, int, int) ([]bool, error)
	readRegistersFunc func(modbus.Client, context.Context, modbus.UnitID, int, int) ([]int16, error)
)

func init() {
	readCmd.AddCommand(readCoilsCmd)
	readCmd.AddCommand(readDiscreteInputsCmd)
	readCmd.AddCommand(readHoldingRegistersCmd)
	readCmd.AddCommand(readInputRegistersCmd)

	for _, cmd := range []*cobra.Command{readCoilsCmd, readDiscreteInputsCmd, readHoldingRegistersCmd, readInputRegistersCmd} {
		cmd.Flags().Uint16VarP(&readAddr, "address", "a", 0, "Starting address")
		cmd.Flags().Uint16VarP(&readCount, "count", "c", 1, "Number of items to read")
	}
}

func runReadBits(title string, read readBitsFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client modbus.Client) error {
			values, err := read(client, ctx, getUnit(), int(readAddr), int(readCount))
			if err != nil {
				return fmt.Errorf("read %s failed: %w", strings.ToLower(title), err)
			}
			return outputBoolValues(title, readAddr, values)
		})
	}
}

func runReadRegisters(title string, read readRegistersFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client modbus.Client) error {
			values, err := read(client, ctx, getUnit(), int(readAddr), int(readCount))
			if err != nil {
				return fmt.Errorf("read %s failed: %w", strings.ToLower(title), err)
			}
			return outputRegisterValues(title, readAddr, values)
		})
	}
}
