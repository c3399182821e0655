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
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	gbmodbus "github.com/goburrow/modbus"
)

func startTCPServer(t *testing.T, opts ...ServerOption) *TCPServer {
	t.Helper()
	s := NewTCPServer("127.0.0.1:0", opts...)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func dialRaw(t *testing.T, s *TCPServer) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func exchange(t *testing.T, conn net.Conn, frame []byte) []byte {
	t.Helper()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	buf := make([]byte, 512)
	n, err := readFrame(conn, buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return buf[:n]
}

func waitEvent(t *testing.T, events <-chan ServerEvent, kind EventKind) ServerEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %v event", kind)
		}
	}
}

func TestTCPServer_StartStop(t *testing.T) {
	s := NewTCPServer("127.0.0.1:0")

	if s.IsRunning() {
		t.Fatal("server should not be running before Start")
	}
	if s.Addr() != nil {
		t.Error("Addr should be nil before Start")
	}
	if ids := s.Devices(); len(ids) != 2 {
		t.Errorf("expected devices 0 and 1, got %v", ids)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrServerRunning) {
		t.Errorf("second Start: expected ErrServerRunning, got %v", err)
	}
	if !s.IsRunning() || s.StartTime().IsZero() {
		t.Error("server should be running with a start time")
	}
	if s.Transport() != ConnectionTCP {
		t.Errorf("Transport: expected tcp, got %v", s.Transport())
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("server should be stopped")
	}

	// The server can be restarted.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	s.Stop()
}

func TestTCPServer_ContextCancel(t *testing.T) {
	s := NewTCPServer("127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for s.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.IsRunning() {
		t.Error("server should stop when its context is cancelled")
	}
	s.Stop()
}

func TestTCPServer_RegisterScenario(t *testing.T) {
	s := startTCPServer(t)
	conn := dialRaw(t, s)

	ack := exchange(t, conn, buildRequestFrame(1, 1, FuncWriteSingleRegister, 100, 1234))
	if IsExceptionFrame(ack) {
		t.Fatalf("write failed: % X", ack)
	}

	reply := exchange(t, conn, buildRequestFrame(2, 1, FuncReadHoldingRegisters, 100, 1))
	if len(reply) < 11 || reply[9] != 0x04 || reply[10] != 0xD2 {
		t.Fatalf("expected 04 D2 at bytes 9-10, got % X", reply)
	}

	if v, err := s.HoldingRegister(1, 100); err != nil || v != 1234 {
		t.Errorf("HoldingRegister: expected 1234, got %d (%v)", v, err)
	}
}

func TestTCPServer_PipelinedRequests(t *testing.T) {
	s := startTCPServer(t)
	conn := dialRaw(t, s)

	var stream []byte
	for i := 0; i < 5; i++ {
		stream = append(stream, buildRequestFrame(uint16(10+i), 1, FuncWriteSingleRegister, uint16(i), uint16(i+1))...)
	}
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(stream); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	buf := make([]byte, 64)
	for i := 0; i < 5; i++ {
		n, err := readFrame(conn, buf)
		if err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		if got := uint16(buf[0])<<8 | uint16(buf[1]); got != uint16(10+i) {
			t.Errorf("reply %d: transaction id %d out of order", i, got)
		}
		if n != ackFrameSize {
			t.Errorf("reply %d: expected %d bytes, got %d", i, ackFrameSize, n)
		}
	}
}

func TestTCPServer_SessionEvents(t *testing.T) {
	s := startTCPServer(t)
	events, cancel := s.Subscribe(16)
	defer cancel()

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	connected := waitEvent(t, events, EventClientConnected)
	if connected.SessionID == 0 || connected.ActiveSessions != 1 {
		t.Errorf("unexpected connect event: %+v", connected)
	}
	if sessions := s.Sessions(); len(sessions) != 1 || sessions[0].ID != connected.SessionID {
		t.Errorf("Sessions: expected session %d, got %+v", connected.SessionID, sessions)
	}

	conn.Close()
	disconnected := waitEvent(t, events, EventClientDisconnected)
	if disconnected.SessionID != connected.SessionID || disconnected.ActiveSessions != 0 {
		t.Errorf("unexpected disconnect event: %+v", disconnected)
	}
	if s.Metrics().ActiveSessions.Value() != 0 {
		t.Errorf("ActiveSessions: expected 0, got %d", s.Metrics().ActiveSessions.Value())
	}
}

func TestTCPServer_IdleEviction(t *testing.T) {
	s := startTCPServer(t, WithKeepAlive(100*time.Millisecond))
	events, cancel := s.Subscribe(16)
	defer cancel()

	idle := dialRaw(t, s)
	first := waitEvent(t, events, EventClientConnected)

	time.Sleep(250 * time.Millisecond)

	// A new accept runs the sweep.
	dialRaw(t, s)

	ev := waitEvent(t, events, EventClientDisconnected)
	if ev.SessionID != first.SessionID {
		t.Errorf("expected session %d evicted, got %d", first.SessionID, ev.SessionID)
	}

	idle.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := idle.Read(make([]byte, 1)); err == nil {
		t.Error("evicted session should be closed")
	}
	if s.Metrics().Evictions.Value() != 1 {
		t.Errorf("Evictions: expected 1, got %d", s.Metrics().Evictions.Value())
	}
}

func TestTCPServer_PeriodicSweep(t *testing.T) {
	s := startTCPServer(t,
		WithKeepAlive(100*time.Millisecond),
		WithIdleSweepInterval(20*time.Millisecond))

	idle := dialRaw(t, s)
	idle.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := idle.Read(make([]byte, 1)); err == nil {
		t.Error("idle session should be closed by the periodic sweep")
	}
}

func TestTCPServer_MaxConnections(t *testing.T) {
	s := startTCPServer(t, WithMaxConnections(1))
	events, cancel := s.Subscribe(16)
	defer cancel()

	dialRaw(t, s)
	waitEvent(t, events, EventClientConnected)

	extra := dialRaw(t, s)
	extra.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := extra.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		var netErr net.Error
		if !errors.As(err, &netErr) || netErr.Timeout() {
			t.Errorf("extra connection should be closed, got %v", err)
		}
	}
}

func TestTCPServer_StopClosesSessions(t *testing.T) {
	s := NewTCPServer("127.0.0.1:0")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	exchange(t, conn, buildRequestFrame(1, 1, FuncReadCoils, 0, 1))

	s.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("session should be closed by Stop")
	}
	if n := s.ActiveConnections(); n != 0 {
		t.Errorf("ActiveConnections: expected 0, got %d", n)
	}
}

func TestTCPServer_InvalidProtocolDisconnects(t *testing.T) {
	s := startTCPServer(t)
	conn := dialRaw(t, s)

	frame := buildRequestFrame(1, 1, FuncReadCoils, 0, 1)
	frame[2] = 0x12
	conn.Write(frame)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 16)); err == nil {
		t.Error("frame with a foreign protocol id should close the session")
	}
}

func newGoburrowClient(t *testing.T, s *TCPServer, unit byte) gbmodbus.Client {
	t.Helper()
	h := gbmodbus.NewTCPClientHandler(s.Addr().String())
	h.Timeout = 2 * time.Second
	h.SlaveId = unit
	if err := h.Connect(); err != nil {
		t.Fatalf("goburrow connect failed: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return gbmodbus.NewClient(h)
}

func TestTCPServer_GoburrowInterop(t *testing.T) {
	s := startTCPServer(t)
	client := newGoburrowClient(t, s, 1)

	if _, err := client.WriteSingleRegister(100, 1234); err != nil {
		t.Fatalf("WriteSingleRegister failed: %v", err)
	}
	results, err := client.ReadHoldingRegisters(100, 1)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	if !bytes.Equal(results, []byte{0x04, 0xD2}) {
		t.Errorf("expected 04 D2, got % X", results)
	}

	if _, err := client.WriteMultipleCoils(0, 10, []byte{0x0D, 0x03}); err != nil {
		t.Fatalf("WriteMultipleCoils failed: %v", err)
	}
	coils, err := client.ReadCoils(0, 10)
	if err != nil {
		t.Fatalf("ReadCoils failed: %v", err)
	}
	if !bytes.Equal(coils, []byte{0x0D, 0x03}) {
		t.Errorf("expected 0D 03, got % X", coils)
	}

	if _, err := client.WriteMultipleRegisters(200, 2, []byte{0x00, 0x01, 0xFF, 0xFF}); err != nil {
		t.Fatalf("WriteMultipleRegisters failed: %v", err)
	}
	if v, _ := s.HoldingRegister(1, 201); v != 0xFFFF {
		t.Errorf("HoldingRegister(1, 201): expected 0xFFFF, got 0x%04X", v)
	}

	if err := s.SetInputRegisters(1, 0, 77); err != nil {
		t.Fatalf("SetInputRegisters failed: %v", err)
	}
	inputs, err := client.ReadInputRegisters(0, 1)
	if err != nil || !bytes.Equal(inputs, []byte{0x00, 77}) {
		t.Errorf("ReadInputRegisters: expected 00 4D, got % X (%v)", inputs, err)
	}
}

func TestTCPServer_GoburrowException(t *testing.T) {
	s := startTCPServer(t)
	client := newGoburrowClient(t, s, 42)

	_, err := client.ReadHoldingRegisters(0, 1)
	var modbusErr *gbmodbus.ModbusError
	if !errors.As(err, &modbusErr) {
		t.Fatalf("expected goburrow ModbusError, got %v", err)
	}
	if modbusErr.ExceptionCode != byte(ExceptionServerDeviceFailure) {
		t.Errorf("exception: expected %d, got %d", ExceptionServerDeviceFailure, modbusErr.ExceptionCode)
	}
}
