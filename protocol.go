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
	"io"
	"sync/atomic"
)

// Fixed offsets of the Modbus TCP/UDP application data unit.
const (
	offTransaction = 0
	offProtocol    = 2
	offLength      = 4
	offUnit        = 6
	offFunction    = 7
	offAddress     = 8
	offQuantity    = 10
	offByteCount   = 12
	offData        = 13

	// offPayload is where the byte count of a read reply, or the exception
	// code of an error reply, is written.
	offPayload = 8

	requestPrefixSize = 8
	errorFrameSize    = 9
	ackFrameSize      = 12
)

// MBAPHeader represents the Modbus Application Protocol header.
type MBAPHeader struct {
	TransactionID uint16 // Transaction identifier
	ProtocolID    uint16 // Protocol identifier (always 0 for Modbus)
	Length        uint16 // Number of following bytes (Unit ID + PDU)
	UnitID        UnitID // Unit identifier
}

// Encode encodes the MBAP header to bytes.
func (h *MBAPHeader) Encode() []byte {
	buf := make([]byte, MBAPHeaderSize)
	h.put(buf)
	return buf
}

func (h *MBAPHeader) put(buf []byte) {
	binary.BigEndian.PutUint16(buf[offTransaction:], h.TransactionID)
	binary.BigEndian.PutUint16(buf[offProtocol:], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[offLength:], h.Length)
	buf[offUnit] = byte(h.UnitID)
}

// Decode decodes the MBAP header from bytes.
func (h *MBAPHeader) Decode(data []byte) error {
	if len(data) < MBAPHeaderSize {
		return fmt.Errorf("%w: MBAP header too short", ErrInvalidFrame)
	}
	h.TransactionID = binary.BigEndian.Uint16(data[offTransaction:])
	h.ProtocolID = binary.BigEndian.Uint16(data[offProtocol:])
	h.Length = binary.BigEndian.Uint16(data[offLength:])
	h.UnitID = UnitID(data[offUnit])
	return nil
}

// TransactionIDGenerator generates monotonically increasing transaction IDs.
type TransactionIDGenerator struct {
	counter uint32
}

// Next returns the next transaction ID.
func (g *TransactionIDGenerator) Next() uint16 {
	return uint16(atomic.AddUint32(&g.counter, 1))
}

// Request is a decoded Modbus request.
//
// Which payload fields are set depends on Function: reads carry Address and
// Quantity, single writes carry Address and Value, multiple writes carry
// Address, Quantity, ByteCount and either Coils or Registers.
type Request struct {
	Header   MBAPHeader
	Function FunctionCode

	Address   uint16
	Quantity  uint16
	Value     uint16
	ByteCount uint8
	Coils     []bool
	Registers []uint16

	// Malformed is set when the payload is shorter than the function layout
	// or the declared byte count does not match the data present.
	Malformed bool
}

// DecodeRequest parses a request frame. Only frames too short to hold the
// header and function code are rejected; payload problems are reported
// through Request.Malformed so that the caller can still answer with an
// exception.
func DecodeRequest(data []byte) (*Request, error) {
	if len(data) < requestPrefixSize {
		return nil, fmt.Errorf("%w: request too short (%d bytes)", ErrInvalidFrame, len(data))
	}

	req := &Request{}
	if err := req.Header.Decode(data); err != nil {
		return nil, err
	}
	req.Function = FunctionCode(data[offFunction])

	// Trim anything past the declared length.
	if end := MBAPHeaderSize - 1 + int(req.Header.Length); end >= requestPrefixSize && end < len(data) {
		data = data[:end]
	}

	if len(data) < offQuantity+2 {
		req.Malformed = true
		return req, nil
	}
	req.Address = binary.BigEndian.Uint16(data[offAddress:])

	switch req.Function {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
		req.Quantity = binary.BigEndian.Uint16(data[offQuantity:])

	case FuncWriteSingleCoil, FuncWriteSingleRegister:
		req.Value = binary.BigEndian.Uint16(data[offQuantity:])

	case FuncWriteMultipleCoils:
		if len(data) < offData {
			req.Malformed = true
			return req, nil
		}
		req.Quantity = binary.BigEndian.Uint16(data[offQuantity:])
		req.ByteCount = data[offByteCount]
		present := len(data) - offData
		if int(req.ByteCount) != present || int(req.ByteCount) != (int(req.Quantity)+7)/8 {
			req.Malformed = true
			return req, nil
		}
		req.Coils = unpackBits(data[offData:], int(req.Quantity))

	case FuncWriteMultipleRegisters:
		if len(data) < offData {
			req.Malformed = true
			return req, nil
		}
		req.Quantity = binary.BigEndian.Uint16(data[offQuantity:])
		req.ByteCount = data[offByteCount]
		present := len(data) - offData
		if int(req.ByteCount) != present || int(req.ByteCount) != int(req.Quantity)*2 {
			req.Malformed = true
			return req, nil
		}
		req.Registers = make([]uint16, req.Quantity)
		for i := range req.Registers {
			req.Registers[i] = binary.BigEndian.Uint16(data[offData+i*2:])
		}
	}

	return req, nil
}

// Response is a reply frame under construction.
type Response struct {
	Header    MBAPHeader
	Function  FunctionCode
	Address   uint16
	Exception ExceptionCode
	Buffer    []byte
}

// Failed reports whether the response carries an exception.
func (r *Response) Failed() bool {
	return r.Exception != 0
}

// EncodeErrorResponse builds the 9-byte exception frame for req.
func EncodeErrorResponse(req *Request, code ExceptionCode) []byte {
	buf := make([]byte, errorFrameSize)
	h := req.Header
	h.Length = errorFrameSize - (MBAPHeaderSize - 1)
	h.put(buf)
	buf[offFunction] = byte(req.Function) | 0x80
	buf[offPayload] = byte(code)
	return buf
}

func newErrorResponse(req *Request, code ExceptionCode) *Response {
	return &Response{
		Header:    req.Header,
		Function:  req.Function,
		Address:   req.Address,
		Exception: code,
		Buffer:    EncodeErrorResponse(req, code),
	}
}

// NewDataResponse validates the quantity and address range of a read request
// and allocates a reply with byteCount zeroed payload bytes. The quantity
// must be within [1, maxQuantity] and the range must end at or below 65535;
// otherwise the returned response carries the exception frame.
func NewDataResponse(req *Request, byteCount int, maxQuantity uint16) *Response {
	if code := checkRange(req.Address, req.Quantity, maxQuantity); code != 0 {
		return newErrorResponse(req, code)
	}

	buf := make([]byte, offPayload+1+byteCount)
	h := req.Header
	h.Length = uint16(len(buf) - (MBAPHeaderSize - 1))
	h.put(buf)
	buf[offFunction] = byte(req.Function)
	buf[offPayload] = byte(byteCount)

	return &Response{
		Header:   req.Header,
		Function: req.Function,
		Address:  req.Address,
		Buffer:   buf,
	}
}

// NewWriteAck allocates the 12-byte acknowledgement frame of a write request.
// The address and value are filled in by AddWriteAck.
func NewWriteAck(req *Request) *Response {
	buf := make([]byte, ackFrameSize)
	h := req.Header
	h.Length = ackFrameSize - (MBAPHeaderSize - 1)
	h.put(buf)
	buf[offFunction] = byte(req.Function)

	return &Response{
		Header:   req.Header,
		Function: req.Function,
		Address:  req.Address,
		Buffer:   buf,
	}
}

// AddWriteAck writes the address and the echoed value (or written quantity)
// into an acknowledgement frame.
func (r *Response) AddWriteAck(value uint16) {
	binary.BigEndian.PutUint16(r.Buffer[offAddress:], r.Address)
	binary.BigEndian.PutUint16(r.Buffer[offQuantity:], value)
}

// checkRange returns the exception code for an invalid quantity or address
// range, or 0 when the request is acceptable.
func checkRange(address, quantity, maxQuantity uint16) ExceptionCode {
	if quantity < 1 || quantity > maxQuantity {
		return ExceptionIllegalDataValue
	}
	if uint32(address)+uint32(quantity) > MaxAddress+1 {
		return ExceptionIllegalDataAddress
	}
	return 0
}

// readFrame reads one length-prefixed frame from r into buf and returns its size.
func readFrame(r io.Reader, buf []byte) (int, error) {
	if len(buf) < MBAPHeaderSize {
		return 0, fmt.Errorf("%w: receive buffer too small", ErrInvalidFrame)
	}
	if _, err := io.ReadFull(r, buf[:MBAPHeaderSize]); err != nil {
		return 0, err
	}

	protocolID := binary.BigEndian.Uint16(buf[offProtocol:])
	if protocolID != ProtocolID {
		return 0, fmt.Errorf("%w: invalid protocol ID %d", ErrInvalidFrame, protocolID)
	}

	pduLen := int(binary.BigEndian.Uint16(buf[offLength:])) - 1
	if pduLen < 1 || MBAPHeaderSize+pduLen > len(buf) {
		return 0, fmt.Errorf("%w: invalid PDU length %d", ErrInvalidFrame, pduLen)
	}
	if _, err := io.ReadFull(r, buf[MBAPHeaderSize:MBAPHeaderSize+pduLen]); err != nil {
		return 0, err
	}
	return MBAPHeaderSize + pduLen, nil
}

// Client-side frame builders and reply parsers.

// buildRequestFrame builds the 12-byte frame shared by reads and single writes.
func buildRequestFrame(txID uint16, unit UnitID, fc FunctionCode, address, quantityOrValue uint16) []byte {
	buf := make([]byte, ackFrameSize)
	h := MBAPHeader{
		TransactionID: txID,
		ProtocolID:    ProtocolID,
		Length:        ackFrameSize - (MBAPHeaderSize - 1),
		UnitID:        unit,
	}
	h.put(buf)
	buf[offFunction] = byte(fc)
	binary.BigEndian.PutUint16(buf[offAddress:], address)
	binary.BigEndian.PutUint16(buf[offQuantity:], quantityOrValue)
	return buf
}

func buildWriteMultipleCoilsFrame(txID uint16, unit UnitID, address uint16, values []bool) []byte {
	byteCount := (len(values) + 7) / 8
	buf := make([]byte, offData+byteCount)
	h := MBAPHeader{
		TransactionID: txID,
		ProtocolID:    ProtocolID,
		Length:        uint16(len(buf) - (MBAPHeaderSize - 1)),
		UnitID:        unit,
	}
	h.put(buf)
	buf[offFunction] = byte(FuncWriteMultipleCoils)
	binary.BigEndian.PutUint16(buf[offAddress:], address)
	binary.BigEndian.PutUint16(buf[offQuantity:], uint16(len(values)))
	buf[offByteCount] = byte(byteCount)
	packBits(buf[offData:], values)
	return buf
}

func buildWriteMultipleRegistersFrame(txID uint16, unit UnitID, address uint16, values []uint16) []byte {
	byteCount := len(values) * 2
	buf := make([]byte, offData+byteCount)
	h := MBAPHeader{
		TransactionID: txID,
		ProtocolID:    ProtocolID,
		Length:        uint16(len(buf) - (MBAPHeaderSize - 1)),
		UnitID:        unit,
	}
	h.put(buf)
	buf[offFunction] = byte(FuncWriteMultipleRegisters)
	binary.BigEndian.PutUint16(buf[offAddress:], address)
	binary.BigEndian.PutUint16(buf[offQuantity:], uint16(len(values)))
	buf[offByteCount] = byte(byteCount)
	for i, v := range values {
		binary.BigEndian.PutUint16(buf[offData+i*2:], v)
	}
	return buf
}

// checkReply validates the header of a reply and converts exception frames
// into *ModbusError.
func checkReply(reply []byte, txID uint16, fc FunctionCode) error {
	if len(reply) < requestPrefixSize {
		return fmt.Errorf("%w: reply too short (%d bytes)", ErrInvalidResponse, len(reply))
	}
	if got := binary.BigEndian.Uint16(reply[offTransaction:]); got != txID {
		return fmt.Errorf("%w: transaction ID mismatch (expected %d, got %d)", ErrInvalidResponse, txID, got)
	}

	function := reply[offFunction]
	if function == 0x80+byte(fc) {
		if len(reply) < errorFrameSize {
			return fmt.Errorf("%w: truncated exception reply", ErrInvalidResponse)
		}
		code := ExceptionCode(reply[offPayload])
		if !code.Known() {
			return fmt.Errorf("%w: unknown exception code 0x%02X", ErrInvalidResponse, uint8(code))
		}
		return NewModbusError(fc, code)
	}
	if FunctionCode(function) != fc {
		return fmt.Errorf("%w: function code mismatch (expected %02X, got %02X)", ErrInvalidResponse, uint8(fc), function)
	}
	return nil
}

// IsExceptionFrame reports whether a reply frame carries an exception.
func IsExceptionFrame(frame []byte) bool {
	return len(frame) > offFunction && frame[offFunction]&0x80 != 0
}

// decodeBits unpacks count bits from a read reply: byte 9+i/8, bit i%8.
func decodeBits(reply []byte, count int) ([]bool, error) {
	need := (count + 7) / 8
	if len(reply) < offPayload+1+need || int(reply[offPayload]) < need {
		return nil, fmt.Errorf("%w: invalid byte count", ErrInvalidResponse)
	}
	return unpackBits(reply[offPayload+1:], count), nil
}

// decodeRegisters recombines each register from byte 9+2i (high) and
// 9+2i+1 (low) and returns it as a signed 16-bit value.
func decodeRegisters(reply []byte, count int) ([]int16, error) {
	need := count * 2
	if len(reply) < offPayload+1+need || int(reply[offPayload]) < need {
		return nil, fmt.Errorf("%w: invalid byte count", ErrInvalidResponse)
	}
	values := make([]int16, count)
	for i := range values {
		values[i] = int16(binary.BigEndian.Uint16(reply[offPayload+1+i*2:]))
	}
	return values, nil
}

// parseWriteAck validates the address and value echoed by a write acknowledgement.
func parseWriteAck(reply []byte, address, value uint16) error {
	if len(reply) < ackFrameSize {
		return fmt.Errorf("%w: acknowledgement too short", ErrInvalidResponse)
	}
	if got := binary.BigEndian.Uint16(reply[offAddress:]); got != address {
		return fmt.Errorf("%w: address mismatch", ErrInvalidResponse)
	}
	if got := binary.BigEndian.Uint16(reply[offQuantity:]); got != value {
		return fmt.Errorf("%w: value mismatch", ErrInvalidResponse)
	}
	return nil
}

func packBits(dst []byte, values []bool) {
	for i, v := range values {
		if v {
			dst[i/8] |= 1 << (i % 8)
		}
	}
}

func unpackBits(src []byte, count int) []bool {
	values := make([]bool, count)
	for i := range values {
		values[i] = src[i/8]&(1<<(i%8)) != 0
	}
	return values
}
