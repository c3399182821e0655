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

package modbus

import (
	"errors"
	"sync"
	"testing"
)

func TestDevice_ReadWriteCoils(t *testing.T) {
	dev := NewDevice(1)

	dev.SetCoil(10, true)
	if !dev.Coil(10) {
		t.Error("Coil should be true")
	}
	if dev.Coil(11) {
		t.Error("absent coil should read false")
	}

	dev.SetCoil(10, false)
	if dev.Coil(10) {
		t.Error("Coil should be false")
	}
	if n := dev.Stats().Coils; n != 0 {
		t.Errorf("writing false should remove the entry, %d left", n)
	}
}

func TestDevice_ReadWriteRegisters(t *testing.T) {
	dev := NewDevice(1)

	dev.SetHoldingRegister(100, 12345)
	if got := dev.HoldingRegister(100); got != 12345 {
		t.Errorf("Register: expected 12345, got %d", got)
	}

	dev.SetHoldingRegister(100, 0)
	if n := dev.Stats().HoldingRegisters; n != 0 {
		t.Errorf("writing 0 should remove the entry, %d left", n)
	}
}

func TestDevice_BulkSetters(t *testing.T) {
	dev := NewDevice(1)

	values := []uint16{1111, 2222, 3333}
	if err := dev.SetHoldingRegisters(200, values...); err != nil {
		t.Fatalf("SetHoldingRegisters failed: %v", err)
	}
	for i, v := range values {
		if got := dev.HoldingRegister(uint16(200 + i)); got != v {
			t.Errorf("Register[%d]: expected %d, got %d", i, v, got)
		}
	}

	if err := dev.SetInputRegisters(0, 7, 8); err != nil {
		t.Fatalf("SetInputRegisters failed: %v", err)
	}
	if dev.InputRegister(1) != 8 {
		t.Errorf("InputRegister(1): expected 8, got %d", dev.InputRegister(1))
	}

	if err := dev.SetDiscreteInputs(5, true, false, true); err != nil {
		t.Fatalf("SetDiscreteInputs failed: %v", err)
	}
	if !dev.DiscreteInput(5) || dev.DiscreteInput(6) || !dev.DiscreteInput(7) {
		t.Error("discrete inputs not stored")
	}
}

func TestDevice_BulkSettersRejectRange(t *testing.T) {
	dev := NewDevice(1)

	tests := []struct {
		name    string
		address int
		n       int
	}{
		{"negative", -1, 1},
		{"past end", 65535, 1},
		{"overlapping end", 65530, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := dev.SetCoils(tt.address, make([]bool, tt.n)...)
			if !errors.Is(err, ErrInvalidAddress) {
				t.Errorf("expected ErrInvalidAddress, got %v", err)
			}
		})
	}

	if err := dev.SetHoldingRegisters(65530, 1, 2, 3, 4, 5, 6, 7, 8); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	if dev.HoldingRegister(65530) != 0 {
		t.Error("rejected bulk write must not mutate the device")
	}

	if err := dev.SetHoldingRegisters(65534, 9); err != nil {
		t.Errorf("last valid slot rejected: %v", err)
	}
}

// A writer alternates a register range between two patterns while readers
// check they never observe a mix of both.
func TestDevice_ConcurrentRangeAccess(t *testing.T) {
	dev := NewDevice(1)
	a := []uint16{1, 1, 1, 1, 1, 1, 1, 1}
	b := []uint16{2, 2, 2, 2, 2, 2, 2, 2}
	dev.holdingRegisters.setRange(0, a)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			if i%2 == 0 {
				dev.holdingRegisters.setRange(0, b)
			} else {
				dev.holdingRegisters.setRange(0, a)
			}
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				values := dev.holdingRegisters.getRange(0, len(a))
				for _, v := range values[1:] {
					if v != values[0] {
						t.Errorf("torn read: %v", values)
						return
					}
				}
			}
		}()
	}

	wg.Wait()
}

func TestDeviceTable(t *testing.T) {
	table := newDeviceTable()

	if ids := table.ids(); len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Fatalf("expected devices [0 1], got %v", ids)
	}
	if !table.add(5) {
		t.Error("add(5) should report a new device")
	}
	if table.add(5) {
		t.Error("second add(5) should report an existing device")
	}
	if _, ok := table.get(5); !ok {
		t.Error("device 5 should exist")
	}
	if !table.remove(5) {
		t.Error("remove(5) should report removal")
	}
	if table.remove(5) {
		t.Error("second remove(5) should report nothing removed")
	}
}
