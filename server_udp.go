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
	"net"
	"runtime/debug"
	"sync"
	"time"
)

var _ Server = (*UDPServer)(nil)

// UDPServer is a Modbus UDP server. Each datagram carries one request and
// is answered to its sender.
type UDPServer struct {
	*engine
	opts *serverOptions

	mu        sync.Mutex
	addr      string
	conn      net.PacketConn
	cancel    context.CancelFunc
	running   bool
	startTime time.Time

	wg sync.WaitGroup
}

// NewUDPServer creates a Modbus UDP server for addr ("host:port").
// Devices 0 and 1 are registered.
func NewUDPServer(addr string, opts ...ServerOption) *UDPServer {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &UDPServer{
		engine: newEngine(options.logger),
		addr:   addr,
		opts:   options,
	}
}

// Transport returns ConnectionUDP.
func (s *UDPServer) Transport() ConnectionType {
	return ConnectionUDP
}

// Start binds the socket and starts the receive loop.
func (s *UDPServer) Start(ctx context.Context) error {
	defer traceMethod(s.logger, "UDPServer.Start")()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrServerRunning
	}

	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.conn = conn
	s.cancel = cancel
	s.running = true
	s.startTime = time.Now()

	s.wg.Add(2)
	go s.receiveLoop(ctx)
	go s.watch(ctx)

	s.logger.Info("server started",
		slog.String("transport", "udp"),
		slog.String("addr", conn.LocalAddr().String()))
	return nil
}

// Stop closes the socket and waits for in-flight datagrams.
func (s *UDPServer) Stop() error {
	defer traceMethod(s.logger, "UDPServer.Stop")()

	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()

	s.logger.Info("server stopped", slog.String("transport", "udp"))
	return nil
}

// SetAddress changes the bind address. A running server binds the new
// address first and then releases the old socket.
func (s *UDPServer) SetAddress(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.addr = addr
		return nil
	}

	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	old := s.conn
	s.addr = addr
	s.conn = conn
	old.Close()

	s.logger.Info("server rebound", slog.String("addr", conn.LocalAddr().String()))
	return nil
}

// IsRunning reports whether the server is receiving datagrams.
func (s *UDPServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// StartTime returns when the server was last started.
func (s *UDPServer) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

// Addr returns the bound address, or nil when the server is not running.
func (s *UDPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.running {
		return s.conn.LocalAddr()
	}
	return nil
}

func (s *UDPServer) currentConn() net.PacketConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *UDPServer) watch(ctx context.Context) {
	defer s.wg.Done()
	<-ctx.Done()

	s.mu.Lock()
	s.running = false
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

func (s *UDPServer) receiveLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, s.opts.receiveBufferSize)
	for {
		conn := s.currentConn()
		if s.opts.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.readTimeout))
		}

		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.currentConn() != conn {
				// Rebound by SetAddress.
				continue
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("receive error", slog.String("error", err.Error()))
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])

		s.wg.Add(1)
		go s.handleDatagram(conn, from, frame)
	}
}

func (s *UDPServer) handleDatagram(conn net.PacketConn, from net.Addr, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in datagram handler",
				slog.String("remote", from.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
		s.wg.Done()
	}()

	reply := s.HandleRequest(frame)
	if reply == nil {
		return
	}
	if _, err := conn.WriteTo(reply, from); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Error("send error",
			slog.String("remote", from.String()),
			slog.String("error", err.Error()))
	}
}
