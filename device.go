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
	"fmt"
	"sync"
)

// space is a sparse address space. Absent entries read as the zero value and
// storing the zero value removes the entry.
type space[T comparable] struct {
	mu     sync.RWMutex
	values map[uint16]T
}

func (s *space[T]) get(addr uint16) T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[addr]
}

func (s *space[T]) set(addr uint16, v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(addr, v)
}

func (s *space[T]) putLocked(addr uint16, v T) {
	var zero T
	if v == zero {
		delete(s.values, addr)
		return
	}
	if s.values == nil {
		s.values = make(map[uint16]T)
	}
	s.values[addr] = v
}

// getRange returns n consecutive values starting at addr under a single read lock.
func (s *space[T]) getRange(addr uint16, n int) []T {
	out := make([]T, n)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range out {
		out[i] = s.values[addr+uint16(i)]
	}
	return out
}

// setRange stores values starting at addr under a single write lock.
func (s *space[T]) setRange(addr uint16, values []T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range values {
		s.putLocked(addr+uint16(i), v)
	}
}

// len returns the number of non-default entries.
func (s *space[T]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// snapshot returns a copy of the non-default entries.
func (s *space[T]) snapshot() map[uint16]T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint16]T, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Device is the register image of one unit identifier.
//
// Each of the four address spaces has its own lock, so a range read never
// observes a partially applied range write in the same space.
type Device struct {
	id UnitID

	coils            space[bool]
	discreteInputs   space[bool]
	holdingRegisters space[uint16]
	inputRegisters   space[uint16]
}

// NewDevice creates an empty device.
func NewDevice(id UnitID) *Device {
	return &Device{id: id}
}

// ID returns the unit identifier of the device.
func (d *Device) ID() UnitID {
	return d.id
}

// checkBulk validates the range of a bulk setter.
func checkBulk(address, n int) error {
	if address < 0 || address+n > MaxAddress {
		return fmt.Errorf("%w: range %d+%d exceeds %d", ErrInvalidAddress, address, n, MaxAddress)
	}
	return nil
}

// Coil returns the coil at addr.
func (d *Device) Coil(addr uint16) bool { return d.coils.get(addr) }

// SetCoil sets the coil at addr.
func (d *Device) SetCoil(addr uint16, v bool) { d.coils.set(addr, v) }

// SetCoils sets consecutive coils starting at address. Nothing is written
// when the range does not fit the address space.
func (d *Device) SetCoils(address int, values ...bool) error {
	if err := checkBulk(address, len(values)); err != nil {
		return err
	}
	d.coils.setRange(uint16(address), values)
	return nil
}

// DiscreteInput returns the discrete input at addr.
func (d *Device) DiscreteInput(addr uint16) bool { return d.discreteInputs.get(addr) }

// SetDiscreteInput sets the discrete input at addr.
func (d *Device) SetDiscreteInput(addr uint16, v bool) { d.discreteInputs.set(addr, v) }

// SetDiscreteInputs sets consecutive discrete inputs starting at address.
func (d *Device) SetDiscreteInputs(address int, values ...bool) error {
	if err := checkBulk(address, len(values)); err != nil {
		return err
	}
	d.discreteInputs.setRange(uint16(address), values)
	return nil
}

// HoldingRegister returns the holding register at addr.
func (d *Device) HoldingRegister(addr uint16) uint16 { return d.holdingRegisters.get(addr) }

// SetHoldingRegister sets the holding register at addr.
func (d *Device) SetHoldingRegister(addr, v uint16) { d.holdingRegisters.set(addr, v) }

// SetHoldingRegisters sets consecutive holding registers starting at address.
func (d *Device) SetHoldingRegisters(address int, values ...uint16) error {
	if err := checkBulk(address, len(values)); err != nil {
		return err
	}
	d.holdingRegisters.setRange(uint16(address), values)
	return nil
}

// InputRegister returns the input register at addr.
func (d *Device) InputRegister(addr uint16) uint16 { return d.inputRegisters.get(addr) }

// SetInputRegister sets the input register at addr.
func (d *Device) SetInputRegister(addr, v uint16) { d.inputRegisters.set(addr, v) }

// SetInputRegisters sets consecutive input registers starting at address.
func (d *Device) SetInputRegisters(address int, values ...uint16) error {
	if err := checkBulk(address, len(values)); err != nil {
		return err
	}
	d.inputRegisters.setRange(uint16(address), values)
	return nil
}

// DeviceStats reports how many non-default entries each space holds.
type DeviceStats struct {
	ID               UnitID `json:"id" yaml:"id"`
	Coils            int    `json:"coils" yaml:"coils"`
	DiscreteInputs   int    `json:"discrete_inputs" yaml:"discrete_inputs"`
	HoldingRegisters int    `json:"holding_registers" yaml:"holding_registers"`
	InputRegisters   int    `json:"input_registers" yaml:"input_registers"`
}

// Stats returns the entry counts of the device.
func (d *Device) Stats() DeviceStats {
	return DeviceStats{
		ID:               d.id,
		Coils:            d.coils.len(),
		DiscreteInputs:   d.discreteInputs.len(),
		HoldingRegisters: d.holdingRegisters.len(),
		InputRegisters:   d.inputRegisters.len(),
	}
}

// HoldingRegisterSnapshot returns a copy of all non-zero holding registers.
func (d *Device) HoldingRegisterSnapshot() map[uint16]uint16 {
	return d.holdingRegisters.snapshot()
}

// CoilSnapshot returns a copy of all set coils.
func (d *Device) CoilSnapshot() map[uint16]bool {
	return d.coils.snapshot()
}
