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
	"io"
	"log/slog"
	"time"
)

// LevelTrace is the slog level used for method enter and leave records.
const LevelTrace = slog.LevelDebug - 4

// DefaultReceiveBufferSize is the default per-session receive buffer of the
// servers.
const DefaultReceiveBufferSize = 8192

// TraceFlags select which raw frames a client publishes.
type TraceFlags uint8

const (
	// TraceRead publishes every received frame.
	TraceRead TraceFlags = 1 << iota
	// TraceWrite publishes every sent frame.
	TraceWrite
)

// Option is a functional option for configuring the client.
type Option func(*clientOptions)

type clientOptions struct {
	// Connection settings
	connectTimeout time.Duration
	receiveTimeout time.Duration

	// Tracing
	trace  TraceFlags
	logger *slog.Logger
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		connectTimeout: DefaultConnectTimeout,
		receiveTimeout: DefaultReceiveTimeout,
		logger:         discardLogger(),
	}
}

// WithConnectTimeout sets the timeout for establishing a connection.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithReceiveTimeout sets how long a transfer waits for the reply.
func WithReceiveTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.receiveTimeout = d
	}
}

// WithTrace enables publishing of raw frames as client events.
func WithTrace(flags TraceFlags) Option {
	return func(o *clientOptions) {
		o.trace = flags
	}
}

// WithLogger sets the logger for the client. A nil logger discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		if logger == nil {
			logger = discardLogger()
		}
		o.logger = logger
	}
}

// ServerOption is a functional option for configuring the server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger            *slog.Logger
	maxConns          int
	keepAlive         time.Duration
	readTimeout       time.Duration
	receiveBufferSize int
	sweepInterval     time.Duration
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:            discardLogger(),
		maxConns:          100,
		keepAlive:         DefaultKeepAlive,
		receiveBufferSize: DefaultReceiveBufferSize,
	}
}

// WithServerLogger sets the logger for the server. A nil logger discards output.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		if logger == nil {
			logger = discardLogger()
		}
		o.logger = logger
	}
}

// WithMaxConnections sets the maximum number of concurrent TCP sessions.
// Zero means unlimited.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithKeepAlive sets the idle window after which a TCP session is evicted.
// Zero disables eviction.
func WithKeepAlive(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.keepAlive = d
	}
}

// WithReadTimeout sets the read deadline applied before each frame.
// Zero waits forever.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}

// WithReceiveBufferSize sets the per-session receive buffer size.
func WithReceiveBufferSize(n int) ServerOption {
	return func(o *serverOptions) {
		if n >= MBAPHeaderSize+1 {
			o.receiveBufferSize = n
		}
	}
}

// WithIdleSweepInterval runs the idle sweep periodically in addition to
// every accept and disconnect. Zero disables the periodic sweep.
func WithIdleSweepInterval(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.sweepInterval = d
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// traceMethod logs entry into name and returns a function logging the exit.
//
//	defer traceMethod(logger, "TCPClient.ReadCoils")()
func traceMethod(logger *slog.Logger, name string) func() {
	if !logger.Enabled(context.Background(), LevelTrace) {
		return func() {}
	}
	logger.Log(context.Background(), LevelTrace, "enter", slog.String("method", name))
	return func() {
		logger.Log(context.Background(), LevelTrace, "leave", slog.String("method", name))
	}
}
