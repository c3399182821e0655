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
	"context"
	"fmt"
	"net"
	"time"
)

// UDPTransport sends each frame from a freshly dialed socket and reads one
// datagram in reply.
type UDPTransport struct {
	addr           string
	connectTimeout time.Duration
	receiveTimeout time.Duration
}

// NewUDPTransport creates a new UDP transport.
func NewUDPTransport(addr string, connectTimeout, receiveTimeout time.Duration) *UDPTransport {
	return &UDPTransport{
		addr:           addr,
		connectTimeout: connectTimeout,
		receiveTimeout: receiveTimeout,
	}
}

// Resolve checks that the remote address can be resolved.
func (t *UDPTransport) Resolve() (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("udp resolve: %w", err)
	}
	return addr, nil
}

// Send writes one datagram and returns the reply datagram.
func (t *UDPTransport) Send(ctx context.Context, data []byte) ([]byte, error) {
	dialer := &net.Dialer{Timeout: t.connectTimeout}
	conn, err := dialer.DialContext(ctx, "udp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("udp dial: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline(ctx, t.receiveTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	buf := make([]byte, maxFrameSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if n < headerSize+1 {
		return nil, fmt.Errorf("short datagram: %d bytes", n)
	}
	return buf[:n], nil
}
