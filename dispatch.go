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
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// maxToggleableFunction is the highest function code the enable mask covers.
const maxToggleableFunction = 30

// functionMask records disabled function codes, one bit per code. The zero
// value enables everything.
type functionMask struct {
	disabled atomic.Uint32
}

func (m *functionMask) set(fc FunctionCode, enabled bool) {
	if fc > maxToggleableFunction {
		return
	}
	bit := uint32(1) << fc
	for {
		old := m.disabled.Load()
		next := old | bit
		if enabled {
			next = old &^ bit
		}
		if m.disabled.CompareAndSwap(old, next) {
			return
		}
	}
}

func (m *functionMask) enabled(fc FunctionCode) bool {
	if fc > maxToggleableFunction {
		return fc == FuncEncapsulatedInterface
	}
	return m.disabled.Load()&(uint32(1)<<fc) == 0
}

// engine is the transport-independent part of a server: the device table,
// the function mask, the event broadcaster and the request dispatcher.
type engine struct {
	devices   *deviceTable
	functions functionMask
	events    broadcaster[ServerEvent]
	metrics   *ServerMetrics
	logger    *slog.Logger
}

func newEngine(logger *slog.Logger) *engine {
	return &engine{
		devices: newDeviceTable(),
		metrics: NewServerMetrics(),
		logger:  logger,
	}
}

// HandleRequest decodes one request frame, executes it against the device
// table and returns the reply frame. Protocol faults are encoded into the
// reply. A nil reply means the frame was too short to answer.
func (e *engine) HandleRequest(frame []byte) []byte {
	defer traceMethod(e.logger, "HandleRequest")()

	req, err := DecodeRequest(frame)
	if err != nil {
		e.metrics.DroppedFrames.Add(1)
		e.logger.Debug("dropping frame", slog.String("error", err.Error()))
		return nil
	}

	e.logger.Debug("processing request",
		slog.Uint64("tx_id", uint64(req.Header.TransactionID)),
		slog.Uint64("unit_id", uint64(req.Header.UnitID)),
		slog.String("func", req.Function.String()))

	start := time.Now()
	resp := e.dispatch(req)
	elapsed := time.Since(start)

	fm := e.metrics.ForFunction(req.Function)
	fm.Requests.Add(1)
	fm.Latency.Observe(elapsed)
	e.metrics.RequestsTotal.Add(1)
	e.metrics.Latency.Observe(elapsed)
	if resp.Failed() {
		fm.Errors.Add(1)
		e.metrics.Exceptions.Add(1)
		e.logger.Debug("request failed",
			slog.Uint64("tx_id", uint64(req.Header.TransactionID)),
			slog.String("exception", resp.Exception.String()))
	}

	return resp.Buffer
}

func (e *engine) dispatch(req *Request) *Response {
	dev, ok := e.devices.get(req.Header.UnitID)
	if !ok {
		return newErrorResponse(req, ExceptionServerDeviceFailure)
	}
	if !e.functions.enabled(req.Function) {
		return newErrorResponse(req, ExceptionIllegalFunction)
	}

	var handle func(*Device, *Request) *Response
	switch req.Function {
	case FuncReadCoils:
		handle = e.readCoils
	case FuncReadDiscreteInputs:
		handle = e.readDiscreteInputs
	case FuncReadHoldingRegisters:
		handle = e.readHoldingRegisters
	case FuncReadInputRegisters:
		handle = e.readInputRegisters
	case FuncWriteSingleCoil:
		handle = e.writeSingleCoil
	case FuncWriteSingleRegister:
		handle = e.writeSingleRegister
	case FuncWriteMultipleCoils:
		handle = e.writeMultipleCoils
	case FuncWriteMultipleRegisters:
		handle = e.writeMultipleRegisters
	default:
		return newErrorResponse(req, ExceptionIllegalFunction)
	}

	if req.Malformed {
		return newErrorResponse(req, ExceptionIllegalDataValue)
	}
	return handle(dev, req)
}

func (e *engine) readCoils(dev *Device, req *Request) *Response {
	resp := NewDataResponse(req, (int(req.Quantity)+7)/8, MaxQuantityCoils)
	if !resp.Failed() {
		packBits(resp.Buffer[offPayload+1:], dev.coils.getRange(req.Address, int(req.Quantity)))
	}
	return resp
}

func (e *engine) readDiscreteInputs(dev *Device, req *Request) *Response {
	resp := NewDataResponse(req, (int(req.Quantity)+7)/8, MaxQuantityDiscreteInputs)
	if !resp.Failed() {
		packBits(resp.Buffer[offPayload+1:], dev.discreteInputs.getRange(req.Address, int(req.Quantity)))
	}
	return resp
}

func (e *engine) readHoldingRegisters(dev *Device, req *Request) *Response {
	resp := NewDataResponse(req, int(req.Quantity)*2, MaxQuantityRegisters)
	if !resp.Failed() {
		putRegisters(resp.Buffer[offPayload+1:], dev.holdingRegisters.getRange(req.Address, int(req.Quantity)))
	}
	return resp
}

func (e *engine) readInputRegisters(dev *Device, req *Request) *Response {
	resp := NewDataResponse(req, int(req.Quantity)*2, MaxQuantityRegisters)
	if !resp.Failed() {
		putRegisters(resp.Buffer[offPayload+1:], dev.inputRegisters.getRange(req.Address, int(req.Quantity)))
	}
	return resp
}

func (e *engine) writeSingleCoil(dev *Device, req *Request) *Response {
	if req.Value != CoilOn && req.Value != CoilOff {
		return newErrorResponse(req, ExceptionIllegalDataValue)
	}
	dev.SetCoil(req.Address, req.Value == CoilOn)

	resp := NewWriteAck(req)
	resp.AddWriteAck(req.Value)
	e.publishChange(EventCoilsChanged, dev.id, req.Address, 1)
	return resp
}

func (e *engine) writeSingleRegister(dev *Device, req *Request) *Response {
	dev.SetHoldingRegister(req.Address, req.Value)

	resp := NewWriteAck(req)
	resp.AddWriteAck(req.Value)
	e.publishChange(EventHoldingRegistersChanged, dev.id, req.Address, 1)
	return resp
}

func (e *engine) writeMultipleCoils(dev *Device, req *Request) *Response {
	if code := checkRange(req.Address, req.Quantity, MaxQuantityCoils); code != 0 {
		return newErrorResponse(req, code)
	}
	dev.coils.setRange(req.Address, req.Coils)

	resp := NewWriteAck(req)
	resp.AddWriteAck(req.Quantity)
	e.publishChange(EventCoilsChanged, dev.id, req.Address, req.Quantity)
	return resp
}

func (e *engine) writeMultipleRegisters(dev *Device, req *Request) *Response {
	if code := checkRange(req.Address, req.Quantity, MaxQuantityWriteRegisters); code != 0 {
		return newErrorResponse(req, code)
	}
	dev.holdingRegisters.setRange(req.Address, req.Registers)

	resp := NewWriteAck(req)
	resp.AddWriteAck(req.Quantity)
	e.publishChange(EventHoldingRegistersChanged, dev.id, req.Address, req.Quantity)
	return resp
}

func putRegisters(dst []byte, values []uint16) {
	for i, v := range values {
		binary.BigEndian.PutUint16(dst[i*2:], v)
	}
}

func (e *engine) publishChange(kind EventKind, unit UnitID, address, count uint16) {
	e.publish(ServerEvent{
		Kind:    kind,
		Time:    time.Now(),
		Unit:    unit,
		Address: address,
		Count:   count,
	})
}

func (e *engine) publish(ev ServerEvent) {
	if dropped := e.events.publish(ev); dropped > 0 {
		e.metrics.EventsDropped.Add(int64(dropped))
	}
}

// Management surface shared by TCPServer and UDPServer.

// SetFunctionEnable enables or disables a function code. Codes above 30
// cannot be toggled.
func (e *engine) SetFunctionEnable(fc FunctionCode, enabled bool) {
	e.functions.set(fc, enabled)
	e.logger.Debug("function toggled",
		slog.String("func", fc.String()),
		slog.Bool("enabled", enabled))
}

// IsFunctionEnabled reports whether requests with fc are dispatched.
func (e *engine) IsFunctionEnabled(fc FunctionCode) bool {
	return e.functions.enabled(fc)
}

// AddDevice registers a device and reports whether it was new.
func (e *engine) AddDevice(id UnitID) bool {
	return e.devices.add(id)
}

// RemoveDevice unregisters a device and reports whether it existed.
func (e *engine) RemoveDevice(id UnitID) bool {
	return e.devices.remove(id)
}

// Devices returns the registered unit identifiers in ascending order.
func (e *engine) Devices() []UnitID {
	return e.devices.ids()
}

// Device returns the device registered under id.
func (e *engine) Device(id UnitID) (*Device, bool) {
	return e.devices.get(id)
}

func (e *engine) device(id UnitID) (*Device, error) {
	dev, ok := e.devices.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDevice, id)
	}
	return dev, nil
}

// SetCoils seeds consecutive coils of a device.
func (e *engine) SetCoils(id UnitID, address int, values ...bool) error {
	dev, err := e.device(id)
	if err != nil {
		return err
	}
	return dev.SetCoils(address, values...)
}

// SetDiscreteInputs seeds consecutive discrete inputs of a device.
func (e *engine) SetDiscreteInputs(id UnitID, address int, values ...bool) error {
	dev, err := e.device(id)
	if err != nil {
		return err
	}
	return dev.SetDiscreteInputs(address, values...)
}

// SetHoldingRegisters seeds consecutive holding registers of a device.
func (e *engine) SetHoldingRegisters(id UnitID, address int, values ...uint16) error {
	dev, err := e.device(id)
	if err != nil {
		return err
	}
	return dev.SetHoldingRegisters(address, values...)
}

// SetInputRegisters seeds consecutive input registers of a device.
func (e *engine) SetInputRegisters(id UnitID, address int, values ...uint16) error {
	dev, err := e.device(id)
	if err != nil {
		return err
	}
	return dev.SetInputRegisters(address, values...)
}

// Coil returns one coil of a device.
func (e *engine) Coil(id UnitID, address uint16) (bool, error) {
	dev, err := e.device(id)
	if err != nil {
		return false, err
	}
	return dev.Coil(address), nil
}

// DiscreteInput returns one discrete input of a device.
func (e *engine) DiscreteInput(id UnitID, address uint16) (bool, error) {
	dev, err := e.device(id)
	if err != nil {
		return false, err
	}
	return dev.DiscreteInput(address), nil
}

// HoldingRegister returns one holding register of a device.
func (e *engine) HoldingRegister(id UnitID, address uint16) (uint16, error) {
	dev, err := e.device(id)
	if err != nil {
		return 0, err
	}
	return dev.HoldingRegister(address), nil
}

// InputRegister returns one input register of a device.
func (e *engine) InputRegister(id UnitID, address uint16) (uint16, error) {
	dev, err := e.device(id)
	if err != nil {
		return 0, err
	}
	return dev.InputRegister(address), nil
}

// Subscribe returns a channel of server events and a function that cancels
// the subscription. Events are dropped for a subscriber whose buffer is full.
func (e *engine) Subscribe(buffer int) (<-chan ServerEvent, func()) {
	return e.events.subscribe(buffer)
}

// Metrics returns the server metrics.
func (e *engine) Metrics() *ServerMetrics {
	return e.metrics
}
