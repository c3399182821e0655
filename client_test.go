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
	"net"
	"sync"
	"testing"
	"time"
)

func newConnectedTCPClient(t *testing.T, s *TCPServer, opts ...Option) *TCPClient {
	t.Helper()
	c, err := NewTCPClient(s.Addr().String(), opts...)
	if err != nil {
		t.Fatalf("NewTCPClient failed: %v", err)
	}
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewTCPClient_EmptyAddress(t *testing.T) {
	if _, err := NewTCPClient(""); err == nil {
		t.Error("expected error for empty address")
	}
	if _, err := NewUDPClient(""); err == nil {
		t.Error("expected error for empty address")
	}
}

func TestTCPClient_NotConnected(t *testing.T) {
	c, err := NewTCPClient("127.0.0.1:1")
	if err != nil {
		t.Fatalf("NewTCPClient failed: %v", err)
	}
	if c.IsConnected() {
		t.Error("client should not be connected before Open")
	}
	if _, err := c.ReadCoils(context.Background(), 1, 0, 1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestTCPClient_OpenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c, _ := NewTCPClient(addr, WithConnectTimeout(500*time.Millisecond))
	err = c.Open(context.Background())
	if !errors.Is(err, ErrConnectionFailed) && !errors.Is(err, ErrConnectionTimeout) {
		t.Errorf("expected connection error, got %v", err)
	}
	if c.IsConnected() {
		t.Error("client should not be connected")
	}
}

func TestTCPClient_RoundTrip(t *testing.T) {
	s := startTCPServer(t)
	c := newConnectedTCPClient(t, s)
	ctx := context.Background()

	if c.Transport() != ConnectionTCP || !c.IsConnected() {
		t.Fatal("client should be a connected TCP client")
	}

	if err := c.WriteSingleRegister(ctx, 1, 100, 1234); err != nil {
		t.Fatalf("WriteSingleRegister failed: %v", err)
	}
	regs, err := c.ReadHoldingRegisters(ctx, 1, 100, 1)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	if regs[0] != 1234 {
		t.Errorf("expected 1234, got %d", regs[0])
	}

	if err := c.WriteMultipleRegisters(ctx, 1, 10, []uint16{0xFFFF, 7}); err != nil {
		t.Fatalf("WriteMultipleRegisters failed: %v", err)
	}
	regs, err = c.ReadHoldingRegisters(ctx, 1, 10, 2)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	if regs[0] != -1 || regs[1] != 7 {
		t.Errorf("expected [-1 7], got %v", regs)
	}

	coils := []bool{true, false, true, true, false, true, false, false, true}
	if err := c.WriteMultipleCoils(ctx, 1, 3, coils); err != nil {
		t.Fatalf("WriteMultipleCoils failed: %v", err)
	}
	got, err := c.ReadCoils(ctx, 1, 3, len(coils))
	if err != nil {
		t.Fatalf("ReadCoils failed: %v", err)
	}
	for i, v := range coils {
		if got[i] != v {
			t.Errorf("Coil[%d]: expected %v, got %v", i, v, got[i])
		}
	}

	if err := c.WriteSingleCoil(ctx, 1, 500, true); err != nil {
		t.Fatalf("WriteSingleCoil failed: %v", err)
	}
	if on, _ := s.Coil(1, 500); !on {
		t.Error("coil 500 should be on")
	}

	s.SetDiscreteInputs(1, 0, false, true)
	inputs, err := c.ReadDiscreteInputs(ctx, 1, 0, 2)
	if err != nil || inputs[0] || !inputs[1] {
		t.Errorf("ReadDiscreteInputs: expected [false true], got %v (%v)", inputs, err)
	}

	s.SetInputRegisters(1, 9, 0x8000)
	in, err := c.ReadInputRegisters(ctx, 1, 9, 1)
	if err != nil || in[0] != -32768 {
		t.Errorf("ReadInputRegisters: expected -32768, got %v (%v)", in, err)
	}

	if c.Metrics().RequestsSuccess.Value() != 9 {
		t.Errorf("RequestsSuccess: expected 9, got %d", c.Metrics().RequestsSuccess.Value())
	}
}

func TestTCPClient_ArgumentValidation(t *testing.T) {
	s := startTCPServer(t)
	c := newConnectedTCPClient(t, s)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"address 65536", func() error { _, err := c.ReadHoldingRegisters(ctx, 1, 65536, 1); return err }, ErrInvalidAddress},
		{"negative start", func() error { _, err := c.ReadCoils(ctx, 1, -1, 1); return err }, ErrInvalidAddress},
		{"range past end", func() error { _, err := c.ReadInputRegisters(ctx, 1, 65500, 100); return err }, ErrInvalidAddress},
		{"zero count", func() error { _, err := c.ReadCoils(ctx, 1, 0, 0); return err }, ErrInvalidQuantity},
		{"too many registers", func() error { _, err := c.ReadHoldingRegisters(ctx, 1, 0, 126); return err }, ErrInvalidQuantity},
		{"too many coils", func() error { _, err := c.ReadDiscreteInputs(ctx, 1, 0, 2001); return err }, ErrInvalidQuantity},
		{"single coil address", func() error { return c.WriteSingleCoil(ctx, 1, 70000, true) }, ErrInvalidAddress},
		{"empty write", func() error { return c.WriteMultipleRegisters(ctx, 1, 0, nil) }, ErrInvalidQuantity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if n := s.Metrics().RequestsTotal.Value(); n != 0 {
		t.Errorf("invalid arguments must not reach the server, %d requests seen", n)
	}
	if !c.IsConnected() {
		t.Error("argument errors must not disconnect the client")
	}
}

func TestTCPClient_Exception(t *testing.T) {
	s := startTCPServer(t)
	c := newConnectedTCPClient(t, s)
	ctx := context.Background()

	_, err := c.ReadHoldingRegisters(ctx, 77, 0, 1)
	if !IsServerDeviceFailure(err) {
		t.Errorf("expected server device failure, got %v", err)
	}

	s.SetFunctionEnable(FuncReadCoils, false)
	_, err = c.ReadCoils(ctx, 1, 0, 1)
	if !IsIllegalFunction(err) {
		t.Errorf("expected illegal function, got %v", err)
	}
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) && modbusErr.FunctionCode != FuncReadCoils {
		t.Errorf("FunctionCode: expected %v, got %v", FuncReadCoils, modbusErr.FunctionCode)
	}

	if !c.IsConnected() {
		t.Error("exceptions must not disconnect the client")
	}
	if c.Metrics().Exceptions.Value() != 2 {
		t.Errorf("Exceptions: expected 2, got %d", c.Metrics().Exceptions.Value())
	}
}

func TestTCPClient_TransportFault(t *testing.T) {
	s := NewTCPServer("127.0.0.1:0")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	c := newConnectedTCPClient(t, s, WithReceiveTimeout(time.Second))
	events, cancel := c.Subscribe(8)
	defer cancel()

	s.Stop()

	_, err := c.ReadCoils(context.Background(), 1, 0, 1)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if c.IsConnected() {
		t.Error("transport fault should mark the client disconnected")
	}

	select {
	case ev := <-events:
		if ev.Kind != EventConnectionChanged || ev.Connected || ev.Err == nil {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("no connection change event")
	}

	if _, err := c.ReadCoils(context.Background(), 1, 0, 1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after fault, got %v", err)
	}
}

func TestTCPClient_Reopen(t *testing.T) {
	s := startTCPServer(t)
	c := newConnectedTCPClient(t, s)

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if c.IsConnected() {
		t.Fatal("client should be closed")
	}
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if _, err := c.ReadCoils(context.Background(), 1, 0, 1); err != nil {
		t.Errorf("ReadCoils after reopen failed: %v", err)
	}
}

func TestTCPClient_TraceFrames(t *testing.T) {
	s := startTCPServer(t)
	c := newConnectedTCPClient(t, s, WithTrace(TraceRead|TraceWrite))
	events, cancel := c.Subscribe(8)
	defer cancel()

	if _, err := c.ReadHoldingRegisters(context.Background(), 1, 0, 2); err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}

	sent := <-events
	if sent.Kind != EventFrameSent || len(sent.Frame) != 12 {
		t.Errorf("unexpected sent event: %+v", sent)
	}
	received := <-events
	if received.Kind != EventFrameReceived || len(received.Frame) != 13 {
		t.Errorf("unexpected received event: %+v", received)
	}
}

func TestTCPClient_TransactionIDsIncrease(t *testing.T) {
	s := startTCPServer(t)
	c := newConnectedTCPClient(t, s, WithTrace(TraceWrite))
	events, cancel := c.Subscribe(8)
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := c.ReadCoils(context.Background(), 1, 0, 1); err != nil {
			t.Fatalf("ReadCoils failed: %v", err)
		}
	}

	var prev uint16
	for i := 0; i < 3; i++ {
		ev := <-events
		id := uint16(ev.Frame[0])<<8 | uint16(ev.Frame[1])
		if i > 0 && id != prev+1 {
			t.Errorf("transaction id %d does not follow %d", id, prev)
		}
		prev = id
	}
}

func TestTCPClient_ConcurrentClients(t *testing.T) {
	s := startTCPServer(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		c := newConnectedTCPClient(t, s)
		wg.Add(1)
		go func(i int, c *TCPClient) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				addr := i*100 + j
				if err := c.WriteSingleRegister(context.Background(), 1, addr, uint16(addr+1)); err != nil {
					t.Errorf("client %d: %v", i, err)
					return
				}
			}
		}(i, c)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		for j := 0; j < 20; j++ {
			addr := uint16(i*100 + j)
			if v, _ := s.HoldingRegister(1, addr); v != addr+1 {
				t.Errorf("register %d: expected %d, got %d", addr, addr+1, v)
			}
		}
	}
}

func TestValidateRange(t *testing.T) {
	tests := []struct {
		start, count, max int
		want              error
	}{
		{0, 1, 125, nil},
		{65410, 125, 125, nil},
		{65411, 125, 125, ErrInvalidAddress},
		{65536, 1, 125, ErrInvalidAddress},
		{0, 126, 125, ErrInvalidQuantity},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d+%d", tt.start, tt.count), func(t *testing.T) {
			err := validateRange(tt.start, tt.count, tt.max)
			if tt.want == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
