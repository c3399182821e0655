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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type BoolResult struct {
	Address uint16 `json:"address" yaml:"address"`
	Value   bool   `json:"value" yaml:"value"`
}

type RegisterResult struct {
	Address  uint16 `json:"address" yaml:"address"`
	Value    int16  `json:"value" yaml:"value"`
	Unsigned uint16 `json:"unsigned" yaml:"unsigned"`
	Hex      string `json:"hex" yaml:"hex"`
}

func outputSuccess(format string, args ...interface{}) {
	fmt.Println("OK " + fmt.Sprintf(format, args...))
}

func boolResults(start uint16, values []bool) []BoolResult {
	results := make([]BoolResult, len(values))
	for i, v := range values {
		results[i] = BoolResult{Address: start + uint16(i), Value: v}
	}
	return results
}

func registerResults(start uint16, values []int16) []RegisterResult {
	results := make([]RegisterResult, len(values))
	for i, v := range values {
		results[i] = RegisterResult{
			Address:  start + uint16(i),
			Value:    v,
			Unsigned: uint16(v),
			Hex:      fmt.Sprintf("0x%04X", uint16(v)),
		}
	}
	return results
}

func outputBoolValues(title string, start uint16, values []bool) error {
	return writeBoolValues(os.Stdout, viper.GetString("output"), title, start, values)
}

func outputRegisterValues(title string, start uint16, values []int16) error {
	return writeRegisterValues(os.Stdout, viper.GetString("output"), title, start, values)
}

func writeBoolValues(w io.Writer, format, title string, start uint16, values []bool) error {
	switch format {
	case "json", "yaml":
		return encode(w, format, boolResults(start, values))
	}

	writeTitle(w, title, start, len(values), 40)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tVALUE\tSTATUS")
	fmt.Fprintln(tw, "-------\t-----\t------")
	for _, r := range boolResults(start, values) {
		val, status := "0", "OFF"
		if r.Value {
			val, status = "1", "ON"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", r.Address, val, status)
	}
	return tw.Flush()
}

func writeRegisterValues(w io.Writer, format, title string, start uint16, values []int16) error {
	switch format {
	case "json", "yaml":
		return encode(w, format, registerResults(start, values))
	}

	writeTitle(w, title, start, len(values), 60)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tDECIMAL\tUNSIGNED\tHEX")
	fmt.Fprintln(tw, "-------\t-------\t--------\t---")
	for _, r := range registerResults(start, values) {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", r.Address, r.Value, r.Unsigned, r.Hex)
	}
	return tw.Flush()
}

func writeTitle(w io.Writer, title string, start uint16, count, width int) {
	fmt.Fprintf(w, "%s (Address %d-%d, Count: %d)\n", title, start, int(start)+count-1, count)
	fmt.Fprintln(w, strings.Repeat("-", width))
}

func encode(w io.Writer, format string, v any) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
