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

// Package modbus provides Modbus TCP and UDP clients and servers backed by an
// in-memory, per-device register store.
package modbus

import (
	"context"
	"net"
	"time"
)

// UnitID represents the Modbus unit identifier (device address).
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Modbus function codes handled by this package.
const (
	FuncReadCoils              FunctionCode = 0x01
	FuncReadDiscreteInputs     FunctionCode = 0x02
	FuncReadHoldingRegisters   FunctionCode = 0x03
	FuncReadInputRegisters     FunctionCode = 0x04
	FuncWriteSingleCoil        FunctionCode = 0x05
	FuncWriteSingleRegister    FunctionCode = 0x06
	FuncWriteMultipleCoils     FunctionCode = 0x0F
	FuncWriteMultipleRegisters FunctionCode = 0x10

	// FuncEncapsulatedInterface is parsed but never dispatched.
	FuncEncapsulatedInterface FunctionCode = 0x2B
)

// String returns the name of the function code.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	case FuncEncapsulatedInterface:
		return "EncapsulatedInterface"
	default:
		return "Unknown"
	}
}

// Protocol constants.
const (
	// MaxQuantityCoils is the maximum number of coils that can be read or written.
	MaxQuantityCoils = 2000

	// MaxQuantityDiscreteInputs is the maximum number of discrete inputs that can be read.
	MaxQuantityDiscreteInputs = 2000

	// MaxQuantityRegisters is the maximum number of registers that can be read.
	MaxQuantityRegisters = 125

	// MaxQuantityWriteRegisters bounds the quantity field of a multiple register write.
	// The byte count check caps real frames far below it.
	MaxQuantityWriteRegisters = 2000

	// MaxAddress is the highest address a bulk range may reach.
	MaxAddress = 65535

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP/UDP).
	ProtocolID = 0

	// DefaultConnectTimeout is the default client connect timeout.
	DefaultConnectTimeout = 3 * time.Second

	// DefaultReceiveTimeout is the default client receive timeout.
	DefaultReceiveTimeout = 5 * time.Second

	// DefaultKeepAlive is the default idle window before a TCP session is evicted.
	DefaultKeepAlive = 4 * time.Second

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502
)

// Coil values for write operations.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// ConnectionType identifies the transport used by a client or server.
type ConnectionType int

const (
	ConnectionTCP ConnectionType = iota
	ConnectionUDP
)

// String returns the string representation of the connection type.
func (t ConnectionType) String() string {
	switch t {
	case ConnectionTCP:
		return "tcp"
	case ConnectionUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Client is the transport-agnostic contract of a Modbus client.
//
// Addresses and counts are plain ints so that out-of-range arguments are
// rejected locally with ErrInvalidAddress or ErrInvalidQuantity before any I/O.
type Client interface {
	Transport() ConnectionType
	Open(ctx context.Context) error
	Close() error
	IsConnected() bool

	ReadCoils(ctx context.Context, unit UnitID, start, count int) ([]bool, error)
	ReadDiscreteInputs(ctx context.Context, unit UnitID, start, count int) ([]bool, error)
	ReadHoldingRegisters(ctx context.Context, unit UnitID, start, count int) ([]int16, error)
	ReadInputRegisters(ctx context.Context, unit UnitID, start, count int) ([]int16, error)

	WriteSingleCoil(ctx context.Context, unit UnitID, address int, value bool) error
	WriteSingleRegister(ctx context.Context, unit UnitID, address int, value uint16) error
	WriteMultipleCoils(ctx context.Context, unit UnitID, start int, values []bool) error
	WriteMultipleRegisters(ctx context.Context, unit UnitID, start int, values []uint16) error

	// Subscribe returns a channel of client events and a function that
	// cancels the subscription.
	Subscribe(buffer int) (<-chan ClientEvent, func())
}

// Server is the transport-agnostic management surface of a Modbus server.
type Server interface {
	Transport() ConnectionType
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool
	StartTime() time.Time
	Addr() net.Addr

	SetFunctionEnable(fc FunctionCode, enabled bool)
	IsFunctionEnabled(fc FunctionCode) bool

	AddDevice(id UnitID) bool
	RemoveDevice(id UnitID) bool
	Devices() []UnitID

	SetCoils(id UnitID, address int, values ...bool) error
	SetDiscreteInputs(id UnitID, address int, values ...bool) error
	SetHoldingRegisters(id UnitID, address int, values ...uint16) error
	SetInputRegisters(id UnitID, address int, values ...uint16) error

	Coil(id UnitID, address uint16) (bool, error)
	DiscreteInput(id UnitID, address uint16) (bool, error)
	HoldingRegister(id UnitID, address uint16) (uint16, error)
	InputRegister(id UnitID, address uint16) (uint16, error)

	// Subscribe returns a channel of server events and a function that
	// cancels the subscription.
	Subscribe(buffer int) (<-chan ServerEvent, func())
	Metrics() *ServerMetrics
}
