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
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// session is one accepted TCP connection.
type session struct {
	id     uint64
	conn   net.Conn
	remote string
	buf    []byte

	// lastActive holds Unix nanoseconds of the last completed request.
	// Zero marks the session as disconnected.
	lastActive atomic.Int64
}

func (s *session) touch() {
	now := time.Now().UnixNano()
	for {
		old := s.lastActive.Load()
		if old == 0 || s.lastActive.CompareAndSwap(old, now) {
			return
		}
	}
}

// markDisconnected reports whether this call moved the session to the
// disconnected state. It returns true exactly once.
func (s *session) markDisconnected() bool {
	return s.lastActive.Swap(0) != 0
}

// SessionInfo describes a live TCP session.
type SessionInfo struct {
	ID         uint64    `json:"id" yaml:"id"`
	Remote     string    `json:"remote" yaml:"remote"`
	LastActive time.Time `json:"last_active" yaml:"last_active"`
}

var _ Server = (*TCPServer)(nil)

// TCPServer is a Modbus TCP server serving many concurrent sessions.
// Sessions idle for longer than the keep-alive window are evicted.
type TCPServer struct {
	*engine
	addr string
	opts *serverOptions

	nextID atomic.Uint64

	mu        sync.Mutex
	listener  net.Listener
	sessions  []*session
	cancel    context.CancelFunc
	running   bool
	startTime time.Time

	wg sync.WaitGroup
}

// NewTCPServer creates a Modbus TCP server for addr ("host:port").
// Devices 0 and 1 are registered.
func NewTCPServer(addr string, opts ...ServerOption) *TCPServer {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &TCPServer{
		engine: newEngine(options.logger),
		addr:   addr,
		opts:   options,
	}
}

// Transport returns ConnectionTCP.
func (s *TCPServer) Transport() ConnectionType {
	return ConnectionTCP
}

// Start binds the listener and starts accepting sessions. The server stops
// when ctx is cancelled or Stop is called.
func (s *TCPServer) Start(ctx context.Context) error {
	defer traceMethod(s.logger, "TCPServer.Start")()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrServerRunning
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.listener = ln
	s.cancel = cancel
	s.running = true
	s.startTime = time.Now()

	s.wg.Add(2)
	go s.acceptLoop(ctx, ln)
	go s.watch(ctx, ln)
	if s.opts.sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(ctx)
	}

	s.logger.Info("server started",
		slog.String("transport", "tcp"),
		slog.String("addr", ln.Addr().String()))
	return nil
}

// Stop closes the listener and every session and waits for all goroutines.
func (s *TCPServer) Stop() error {
	defer traceMethod(s.logger, "TCPServer.Stop")()

	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()

	s.logger.Info("server stopped", slog.String("transport", "tcp"))
	return nil
}

// IsRunning reports whether the server is accepting sessions.
func (s *TCPServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// StartTime returns when the server was last started.
func (s *TCPServer) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

// Addr returns the listener address, or nil when the server is not running.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil && s.running {
		return s.listener.Addr()
	}
	return nil
}

// ActiveConnections returns the number of live sessions.
func (s *TCPServer) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions returns the live sessions in accept order.
func (s *TCPServer) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		la := sess.lastActive.Load()
		if la == 0 {
			continue
		}
		out = append(out, SessionInfo{
			ID:         sess.id,
			Remote:     sess.remote,
			LastActive: time.Unix(0, la),
		})
	}
	return out
}

// watch tears the server down once ctx is done.
func (s *TCPServer) watch(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	<-ctx.Done()

	ln.Close()

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = nil
	s.running = false
	s.mu.Unlock()

	for _, sess := range sessions {
		if sess.markDisconnected() {
			sess.conn.Close()
			s.metrics.ActiveSessions.Add(-1)
		}
	}
}

func (s *TCPServer) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		s.sweepIdle()

		if s.opts.maxConns > 0 && s.ActiveConnections() >= s.opts.maxConns {
			s.metrics.Rejected.Add(1)
			s.logger.Warn("max connections reached, rejecting",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		sess, active := s.register(ctx, conn)
		if sess == nil {
			conn.Close()
			return
		}

		s.logger.Debug("connection accepted",
			slog.Uint64("session", sess.id),
			slog.String("remote", sess.remote))
		s.publish(ServerEvent{
			Kind:           EventClientConnected,
			Time:           time.Now(),
			SessionID:      sess.id,
			Remote:         sess.remote,
			ActiveSessions: active,
		})

		s.wg.Add(1)
		go s.serve(sess)
	}
}

// register adds conn to the session table. It returns nil when the server
// is shutting down.
func (s *TCPServer) register(ctx context.Context, conn net.Conn) (*session, int) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
		tcpConn.SetNoDelay(true)
		tcpConn.SetReadBuffer(s.opts.receiveBufferSize)
	}

	sess := &session{
		id:     s.nextID.Add(1),
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		buf:    make([]byte, s.opts.receiveBufferSize),
	}
	sess.lastActive.Store(time.Now().UnixNano())

	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return nil, 0
	}
	s.sessions = append(s.sessions, sess)
	s.metrics.ActiveSessions.Add(1)
	s.metrics.TotalSessions.Add(1)
	return sess, len(s.sessions)
}

// serve runs the read, dispatch, write loop of one session.
func (s *TCPServer) serve(sess *session) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in connection handler",
				slog.String("remote", sess.remote),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
		s.disconnect(sess)
		s.wg.Done()
	}()

	for {
		if s.opts.readTimeout > 0 {
			sess.conn.SetReadDeadline(time.Now().Add(s.opts.readTimeout))
		}

		n, err := readFrame(sess.conn, sess.buf)
		if err != nil {
			if sess.lastActive.Load() != 0 && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("probable disconnect",
					slog.Uint64("session", sess.id),
					slog.String("remote", sess.remote),
					slog.String("error", err.Error()))
			}
			return
		}
		if sess.lastActive.Load() == 0 {
			return
		}

		reply := s.HandleRequest(sess.buf[:n])
		if reply != nil {
			if _, err := sess.conn.Write(reply); err != nil {
				s.logger.Debug("write error",
					slog.String("remote", sess.remote),
					slog.String("error", err.Error()))
				return
			}
		}
		sess.touch()
	}
}

// disconnect closes a session, reports it and sweeps idle sessions.
func (s *TCPServer) disconnect(sess *session) {
	if s.closeSession(sess) {
		s.sweepIdle()
	}
}

func (s *TCPServer) closeSession(sess *session) bool {
	if !sess.markDisconnected() {
		return false
	}
	sess.conn.Close()

	s.mu.Lock()
	for i, other := range s.sessions {
		if other == sess {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			break
		}
	}
	active := len(s.sessions)
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(-1)
	s.logger.Debug("connection closed",
		slog.Uint64("session", sess.id),
		slog.String("remote", sess.remote))
	s.publish(ServerEvent{
		Kind:           EventClientDisconnected,
		Time:           time.Now(),
		SessionID:      sess.id,
		Remote:         sess.remote,
		ActiveSessions: active,
	})
	return true
}

// sweepIdle closes every session idle for longer than the keep-alive window.
func (s *TCPServer) sweepIdle() {
	if s.opts.keepAlive <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.opts.keepAlive).UnixNano()

	s.mu.Lock()
	var stale []*session
	for _, sess := range s.sessions {
		if la := sess.lastActive.Load(); la != 0 && la < cutoff {
			stale = append(stale, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range stale {
		if s.closeSession(sess) {
			s.metrics.Evictions.Add(1)
			s.logger.Debug("evicted idle session",
				slog.Uint64("session", sess.id),
				slog.String("remote", sess.remote))
		}
	}
}

func (s *TCPServer) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepIdle()
		}
	}
}
