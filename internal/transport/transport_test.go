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

package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

var (
	testRequest = []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x64, 0x00, 0x01}
	testReply   = []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x04, 0xD2}
)

// tcpPeer accepts one connection, reads one request and writes reply.
func tcpPeer(t *testing.T, reply []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, len(testRequest))
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		conn.Write(reply)
		// Hold the connection until the client is done.
		io.Copy(io.Discard, conn)
	}()
	return ln.Addr().String()
}

func TestTCPTransport_Send(t *testing.T) {
	tr := NewTCPTransport(tcpPeer(t, testReply), time.Second, time.Second)
	ctx := context.Background()

	if _, err := tr.Send(ctx, testRequest); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send before Connect: expected ErrNotConnected, got %v", err)
	}
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()

	if !tr.IsConnected() || tr.LocalAddr() == nil {
		t.Fatal("transport should be connected")
	}

	resp, err := tr.Send(ctx, testRequest)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !bytes.Equal(resp, testReply) {
		t.Errorf("expected % X, got % X", testReply, resp)
	}
}

func TestTCPTransport_InvalidReplies(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
	}{
		{"bad protocol", []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x03, 0x01, 0x83, 0x02}},
		{"short length", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01}},
		{"oversized length", []byte{0x00, 0x01, 0x00, 0x00, 0x01, 0x00, 0x01}},
		{"truncated", []byte{0x00, 0x01, 0x00, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := tcpPeer(t, tt.reply)
			tr := NewTCPTransport(addr, time.Second, 300*time.Millisecond)
			if err := tr.Connect(context.Background()); err != nil {
				t.Fatalf("Connect failed: %v", err)
			}
			defer tr.Close()

			if _, err := tr.Send(context.Background(), testRequest); err == nil {
				t.Fatal("expected error")
			}
			if tr.IsConnected() {
				t.Error("a failed transaction should close the connection")
			}
		})
	}
}

func TestTCPTransport_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	tr := NewTCPTransport(addr, 500*time.Millisecond, time.Second)
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if tr.IsConnected() {
		t.Error("transport should not be connected")
	}
}

func TestUDPTransport_Send(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer pc.Close()

	go func() {
		buf := make([]byte, 512)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			if n == len(testRequest) {
				pc.WriteTo(testReply, from)
			} else {
				pc.WriteTo([]byte{0x00, 0x01, 0x00}, from)
			}
		}
	}()

	tr := NewUDPTransport(pc.LocalAddr().String(), time.Second, time.Second)
	if _, err := tr.Resolve(); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	resp, err := tr.Send(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !bytes.Equal(resp, testReply) {
		t.Errorf("expected % X, got % X", testReply, resp)
	}

	if _, err := tr.Send(context.Background(), testRequest[:3]); err == nil {
		t.Error("expected error for a short reply datagram")
	}
}

func TestDeadline(t *testing.T) {
	if !deadline(context.Background(), 0).IsZero() {
		t.Error("zero timeout without a context deadline should mean no deadline")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()
	want, _ := ctx.Deadline()
	if got := deadline(ctx, time.Second); !got.Equal(want) {
		t.Errorf("context deadline should win, got %v", got)
	}

	if d := time.Until(deadline(context.Background(), time.Minute)); d < 59*time.Second || d > time.Minute {
		t.Errorf("expected about one minute, got %v", d)
	}
}
