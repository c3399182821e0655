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
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	modbus "github.com/edgeo-scada/modbusq"
	"github.com/spf13/cobra"
)

var (
	watchInterval time.Duration
	watchCount    int
	watchDiff     bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously poll Modbus values",
	Long: `Poll coils, discrete inputs or registers at a fixed interval and print
the values, or only the changed addresses with --diff.`,
	Example: `  modbusq watch hr -a 0 -c 5 -i 1s -H 192.168.1.100
  modbusq watch coils -a 0 -c 8 -i 500ms --diff -n 20`,
}

var watchCoilsCmd = &cobra.Command{
	Use:     "coils",
	Aliases: []string{"c", "coil"},
	Short:   "Watch coils",
	RunE:    runWatchBits("Coils", modbus.Client.ReadCoils),
}

var watchDiscreteInputsCmd = &cobra.Command{
	Use:     "discrete-inputs",
	Aliases: []string{"di", "discrete"},
	Short:   "Watch discrete inputs",
	RunE:    runWatchBits("Discrete Inputs", modbus.Client.ReadDiscreteInputs),
}

var watchHoldingRegistersCmd = &cobra.Command{
	Use:     "holding-registers",
	Aliases: []string{"hr", "holding"},
	Short:   "Watch holding registers",
	RunE:    runWatchRegisters("Holding Registers", modbus.Client.ReadHoldingRegisters),
}

var watchInputRegistersCmd = &cobra.Command{
	Use:     "input-registers",
	Aliases: []string{"ir", "input"},
	Short:   "Watch input registers",
	RunE:    runWatchRegisters("Input Registers", modbus.Client.ReadInputRegisters),
}

func init() {
	watchCmd.AddCommand(watchCoilsCmd)
	watchCmd.AddCommand(watchDiscreteInputsCmd)
	watchCmd.AddCommand(watchHoldingRegistersCmd)
	watchCmd.AddCommand(watchInputRegistersCmd)

	for _, cmd := range []*cobra.Command{watchCoilsCmd, watchDiscreteInputsCmd, watchHoldingRegistersCmd, watchInputRegistersCmd} {
		cmd.Flags().Uint16VarP(&readAddr, "address", "a", 0, "Starting address")
		cmd.Flags().Uint16VarP(&readCount, "count", "c", 1, "Number of items to read")
		cmd.Flags().DurationVarP(&watchInterval, "interval", "i", time.Second, "Poll interval")
		cmd.Flags().IntVarP(&watchCount, "iterations", "n", 0, "Number of iterations (0 = infinite)")
		cmd.Flags().BoolVar(&watchDiff, "diff", false, "Print only changed values")
	}
}

// change describes one address whose value differs from the previous poll.
type change[T comparable] struct {
	Address uint16
	Old     T
	New     T
}

// diffValues compares two polls of the same range. A nil prev reports every
// value as changed.
func diffValues[T comparable](start uint16, prev, cur []T) []change[T] {
	var changes []change[T]
	for i, v := range cur {
		if prev != nil && i < len(prev) && prev[i] == v {
			continue
		}
		c := change[T]{Address: start + uint16(i), New: v}
		if prev != nil && i < len(prev) {
			c.Old = prev[i]
		}
		changes = append(changes, c)
	}
	return changes
}

func printChanges[T comparable](w io.Writer, changes []change[T]) {
	ts := time.Now().Format("15:04:05.000")
	for _, c := range changes {
		fmt.Fprintf(w, "%s  %5d  %v -> %v\n", ts, c.Address, c.Old, c.New)
	}
}

func runWatchBits(title string, read readBitsFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var prev []bool
		return watchLoop(func(ctx context.Context, client modbus.Client) error {
			values, err := read(client, ctx, getUnit(), int(readAddr), int(readCount))
			if err != nil {
				return err
			}
			if watchDiff {
				printChanges(os.Stdout, diffValues(readAddr, prev, values))
				prev = values
				return nil
			}
			return outputBoolValues(title, readAddr, values)
		})
	}
}

func runWatchRegisters(title string, read readRegistersFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var prev []int16
		return watchLoop(func(ctx context.Context, client modbus.Client) error {
			values, err := read(client, ctx, getUnit(), int(readAddr), int(readCount))
			if err != nil {
				return err
			}
			if watchDiff {
				printChanges(os.Stdout, diffValues(readAddr, prev, values))
				prev = values
				return nil
			}
			return outputRegisterValues(title, readAddr, values)
		})
	}
}

// watchLoop polls until interrupted or the iteration limit is reached. Poll
// errors are logged and the loop keeps going; a TCP client is reopened
// after a transport fault.
func watchLoop(poll func(ctx context.Context, client modbus.Client) error) error {
	client, err := createClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for i := 0; watchCount == 0 || i < watchCount; i++ {
		opCtx, cancel := context.WithTimeout(ctx, getTimeout())
		if !client.IsConnected() {
			if err := client.Open(opCtx); err != nil {
				logger.Warn("connect failed", "error", err)
			}
		}
		if client.IsConnected() {
			if err := poll(opCtx, client); err != nil {
				logger.Warn("poll failed", "error", err)
			}
		}
		cancel()

		if watchCount != 0 && i == watchCount-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
