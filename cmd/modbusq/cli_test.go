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
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseBoolValues(t *testing.T) {
	got, err := parseBoolValues([]string{"1,0", "on off", "true"})
	if err != nil {
		t.Fatalf("parseBoolValues failed: %v", err)
	}
	want := []bool{true, false, true, false, true}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("value %d: expected %v, got %v", i, want[i], got[i])
		}
	}

	if _, err := parseBoolValues([]string{"maybe"}); err == nil {
		t.Error("expected error for an invalid boolean")
	}
	if _, err := parseBoolValues([]string{" , "}); err == nil {
		t.Error("expected error for no values")
	}
}

func TestParseUint16Value(t *testing.T) {
	tests := []struct {
		in      string
		want    uint16
		wantErr bool
	}{
		{"1234", 1234, false},
		{"0xFF00", 0xFF00, false},
		{"0b1010", 10, false},
		{"65535", 65535, false},
		{"65536", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseUint16Value(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestWriteRegisterValues(t *testing.T) {
	values := []int16{1234, -1}

	var buf bytes.Buffer
	if err := writeRegisterValues(&buf, "json", "Holding Registers", 100, values); err != nil {
		t.Fatalf("json output failed: %v", err)
	}
	var results []RegisterResult
	if err := json.Unmarshal(buf.Bytes(), &results); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(results) != 2 || results[1].Address != 101 || results[1].Unsigned != 0xFFFF || results[1].Hex != "0xFFFF" {
		t.Errorf("unexpected results %+v", results)
	}

	buf.Reset()
	if err := writeRegisterValues(&buf, "yaml", "Holding Registers", 100, values); err != nil {
		t.Fatalf("yaml output failed: %v", err)
	}
	results = nil
	if err := yaml.Unmarshal(buf.Bytes(), &results); err != nil {
		t.Fatalf("invalid yaml: %v", err)
	}
	if len(results) != 2 || results[0].Value != 1234 {
		t.Errorf("unexpected results %+v", results)
	}

	buf.Reset()
	if err := writeRegisterValues(&buf, "table", "Holding Registers", 100, values); err != nil {
		t.Fatalf("table output failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Holding Registers (Address 100-101, Count: 2)") || !strings.Contains(out, "0x04D2") {
		t.Errorf("unexpected table output:\n%s", out)
	}
}

func TestWriteBoolValues(t *testing.T) {
	var buf bytes.Buffer
	if err := writeBoolValues(&buf, "table", "Coils", 0, []bool{true, false}); err != nil {
		t.Fatalf("table output failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "ON") || !strings.Contains(out, "OFF") {
		t.Errorf("unexpected table output:\n%s", out)
	}

	buf.Reset()
	writeBoolValues(&buf, "json", "Coils", 10, []bool{true})
	var results []BoolResult
	if err := json.Unmarshal(buf.Bytes(), &results); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(results) != 1 || results[0].Address != 10 || !results[0].Value {
		t.Errorf("unexpected results %+v", results)
	}
}

func TestDiffValues(t *testing.T) {
	first := diffValues(10, nil, []int16{1, 2})
	if len(first) != 2 || first[0].Address != 10 || first[1].New != 2 {
		t.Fatalf("first poll should report every value, got %+v", first)
	}

	changes := diffValues(10, []int16{1, 2, 3}, []int16{1, 5, 3})
	if len(changes) != 1 || changes[0].Address != 11 || changes[0].Old != 2 || changes[0].New != 5 {
		t.Errorf("unexpected changes %+v", changes)
	}

	if changes := diffValues(0, []bool{true}, []bool{true}); len(changes) != 0 {
		t.Errorf("expected no changes, got %+v", changes)
	}
}
