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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// transferFunc sends one request frame and returns the reply frame.
type transferFunc func(ctx context.Context, frame []byte) ([]byte, error)

// clientCore implements the Modbus operations on top of a transferFunc.
// TCPClient and UDPClient embed it and supply the transfer.
type clientCore struct {
	name     string
	opts     *clientOptions
	logger   *slog.Logger
	txIDGen  TransactionIDGenerator
	events   broadcaster[ClientEvent]
	metrics  *Metrics
	transfer transferFunc
}

func newClientCore(name string, opts []Option) *clientCore {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &clientCore{
		name:    name,
		opts:    options,
		logger:  options.logger,
		metrics: NewMetrics(),
	}
}

// Metrics returns the client metrics.
func (c *clientCore) Metrics() *Metrics {
	return c.metrics
}

// Subscribe returns a channel of client events and a function that cancels
// the subscription.
func (c *clientCore) Subscribe(buffer int) (<-chan ClientEvent, func()) {
	return c.events.subscribe(buffer)
}

func (c *clientCore) publish(ev ClientEvent) {
	ev.Time = time.Now()
	c.events.publish(ev)
}

func (c *clientCore) publishConnection(connected bool, err error) {
	c.publish(ClientEvent{Kind: EventConnectionChanged, Connected: connected, Err: err})
}

func (c *clientCore) traceFrame(flag TraceFlags, kind EventKind, frame []byte) {
	if c.opts.trace&flag == 0 {
		return
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.logger.Log(context.Background(), LevelTrace, kind.String(), slog.String("frame", fmt.Sprintf("% X", cp)))
	c.publish(ClientEvent{Kind: kind, Frame: cp})
}

// validateRange rejects ranges that cannot be encoded before any I/O.
func validateRange(start, count, maxCount int) error {
	if start < 0 || start > MaxAddress {
		return fmt.Errorf("%w: start %d", ErrInvalidAddress, start)
	}
	if count < 1 || count > maxCount {
		return fmt.Errorf("%w: %d (must be 1-%d)", ErrInvalidQuantity, count, maxCount)
	}
	if start+count > MaxAddress {
		return fmt.Errorf("%w: range %d+%d exceeds %d", ErrInvalidAddress, start, count, MaxAddress)
	}
	return nil
}

func validateAddress(address int) error {
	if address < 0 || address > MaxAddress {
		return fmt.Errorf("%w: %d", ErrInvalidAddress, address)
	}
	return nil
}

// roundTrip sends frame and validates the reply header.
func (c *clientCore) roundTrip(ctx context.Context, fc FunctionCode, txID uint16, frame []byte) ([]byte, error) {
	start := time.Now()
	fm := c.metrics.ForFunction(fc)
	c.metrics.RequestsTotal.Add(1)
	fm.Requests.Add(1)

	c.logger.Debug("sending request",
		slog.Uint64("tx_id", uint64(txID)),
		slog.Uint64("unit_id", uint64(frame[offUnit])),
		slog.String("func", fc.String()))

	c.traceFrame(TraceWrite, EventFrameSent, frame)
	reply, err := c.transfer(ctx, frame)
	if err != nil {
		c.metrics.RequestsErrors.Add(1)
		fm.Errors.Add(1)
		return nil, err
	}
	c.traceFrame(TraceRead, EventFrameReceived, reply)

	if err := checkReply(reply, txID, fc); err != nil {
		c.metrics.RequestsErrors.Add(1)
		fm.Errors.Add(1)
		var modbusErr *ModbusError
		if errors.As(err, &modbusErr) {
			c.metrics.Exceptions.Add(1)
		}
		return nil, err
	}

	duration := time.Since(start)
	c.metrics.RequestsSuccess.Add(1)
	c.metrics.Latency.Observe(duration)
	fm.Latency.Observe(duration)

	c.logger.Debug("received response",
		slog.Uint64("tx_id", uint64(txID)),
		slog.Duration("duration", duration))
	return reply, nil
}

func (c *clientCore) readBits(ctx context.Context, fc FunctionCode, unit UnitID, start, count, maxCount int) ([]bool, error) {
	if err := validateRange(start, count, maxCount); err != nil {
		return nil, err
	}
	txID := c.txIDGen.Next()
	reply, err := c.roundTrip(ctx, fc, txID, buildRequestFrame(txID, unit, fc, uint16(start), uint16(count)))
	if err != nil {
		return nil, err
	}
	return decodeBits(reply, count)
}

func (c *clientCore) readRegisters(ctx context.Context, fc FunctionCode, unit UnitID, start, count int) ([]int16, error) {
	if err := validateRange(start, count, MaxQuantityRegisters); err != nil {
		return nil, err
	}
	txID := c.txIDGen.Next()
	reply, err := c.roundTrip(ctx, fc, txID, buildRequestFrame(txID, unit, fc, uint16(start), uint16(count)))
	if err != nil {
		return nil, err
	}
	return decodeRegisters(reply, count)
}

// ReadCoils reads coils from the server (FC01).
func (c *clientCore) ReadCoils(ctx context.Context, unit UnitID, start, count int) ([]bool, error) {
	defer traceMethod(c.logger, c.name+".ReadCoils")()
	return c.readBits(ctx, FuncReadCoils, unit, start, count, MaxQuantityCoils)
}

// ReadDiscreteInputs reads discrete inputs from the server (FC02).
func (c *clientCore) ReadDiscreteInputs(ctx context.Context, unit UnitID, start, count int) ([]bool, error) {
	defer traceMethod(c.logger, c.name+".ReadDiscreteInputs")()
	return c.readBits(ctx, FuncReadDiscreteInputs, unit, start, count, MaxQuantityDiscreteInputs)
}

// ReadHoldingRegisters reads holding registers from the server (FC03).
func (c *clientCore) ReadHoldingRegisters(ctx context.Context, unit UnitID, start, count int) ([]int16, error) {
	defer traceMethod(c.logger, c.name+".ReadHoldingRegisters")()
	return c.readRegisters(ctx, FuncReadHoldingRegisters, unit, start, count)
}

// ReadInputRegisters reads input registers from the server (FC04).
func (c *clientCore) ReadInputRegisters(ctx context.Context, unit UnitID, start, count int) ([]int16, error) {
	defer traceMethod(c.logger, c.name+".ReadInputRegisters")()
	return c.readRegisters(ctx, FuncReadInputRegisters, unit, start, count)
}

// WriteSingleCoil writes a single coil (FC05).
func (c *clientCore) WriteSingleCoil(ctx context.Context, unit UnitID, address int, value bool) error {
	defer traceMethod(c.logger, c.name+".WriteSingleCoil")()
	if err := validateAddress(address); err != nil {
		return err
	}
	v := CoilOff
	if value {
		v = CoilOn
	}
	txID := c.txIDGen.Next()
	reply, err := c.roundTrip(ctx, FuncWriteSingleCoil, txID, buildRequestFrame(txID, unit, FuncWriteSingleCoil, uint16(address), v))
	if err != nil {
		return err
	}
	return parseWriteAck(reply, uint16(address), v)
}

// WriteSingleRegister writes a single holding register (FC06).
func (c *clientCore) WriteSingleRegister(ctx context.Context, unit UnitID, address int, value uint16) error {
	defer traceMethod(c.logger, c.name+".WriteSingleRegister")()
	if err := validateAddress(address); err != nil {
		return err
	}
	txID := c.txIDGen.Next()
	reply, err := c.roundTrip(ctx, FuncWriteSingleRegister, txID, buildRequestFrame(txID, unit, FuncWriteSingleRegister, uint16(address), value))
	if err != nil {
		return err
	}
	return parseWriteAck(reply, uint16(address), value)
}

// WriteMultipleCoils writes consecutive coils (FC15).
func (c *clientCore) WriteMultipleCoils(ctx context.Context, unit UnitID, start int, values []bool) error {
	defer traceMethod(c.logger, c.name+".WriteMultipleCoils")()
	if err := validateRange(start, len(values), MaxQuantityCoils); err != nil {
		return err
	}
	txID := c.txIDGen.Next()
	reply, err := c.roundTrip(ctx, FuncWriteMultipleCoils, txID, buildWriteMultipleCoilsFrame(txID, unit, uint16(start), values))
	if err != nil {
		return err
	}
	return parseWriteAck(reply, uint16(start), uint16(len(values)))
}

// WriteMultipleRegisters writes consecutive holding registers (FC16).
func (c *clientCore) WriteMultipleRegisters(ctx context.Context, unit UnitID, start int, values []uint16) error {
	defer traceMethod(c.logger, c.name+".WriteMultipleRegisters")()
	if err := validateRange(start, len(values), MaxQuantityRegisters); err != nil {
		return err
	}
	txID := c.txIDGen.Next()
	reply, err := c.roundTrip(ctx, FuncWriteMultipleRegisters, txID, buildWriteMultipleRegistersFrame(txID, unit, uint16(start), values))
	if err != nil {
		return err
	}
	return parseWriteAck(reply, uint16(start), uint16(len(values)))
}
