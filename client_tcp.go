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
	"sync/atomic"

	"github.com/edgeo-scada/modbusq/internal/transport"
)

var _ Client = (*TCPClient)(nil)

// TCPClient is a Modbus TCP client holding one connection. A transport
// fault closes the connection; callers reconnect with Open.
type TCPClient struct {
	*clientCore
	addr      string
	transport *transport.TCPTransport
	connected atomic.Bool
}

// NewTCPClient creates a Modbus TCP client for addr ("host:port").
func NewTCPClient(addr string, opts ...Option) (*TCPClient, error) {
	if addr == "" {
		return nil, errors.New("modbus: address cannot be empty")
	}

	c := &TCPClient{
		clientCore: newClientCore("TCPClient", opts),
		addr:       addr,
	}
	c.transport = transport.NewTCPTransport(addr, c.opts.connectTimeout, c.opts.receiveTimeout)
	c.transfer = c.send
	return c, nil
}

// Transport returns ConnectionTCP.
func (c *TCPClient) Transport() ConnectionType {
	return ConnectionTCP
}

// Address returns the server address.
func (c *TCPClient) Address() string {
	return c.addr
}

// Open connects to the server. Opening a connected client is a no-op.
func (c *TCPClient) Open(ctx context.Context) error {
	defer traceMethod(c.logger, "TCPClient.Open")()

	if c.connected.Load() {
		return nil
	}

	c.logger.Debug("connecting", slog.String("addr", c.addr))
	if err := c.transport.Connect(ctx); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %s: %v", ErrConnectionTimeout, c.addr, err)
		}
		return fmt.Errorf("%w: %s: %v", ErrConnectionFailed, c.addr, err)
	}

	if !c.connected.Swap(true) {
		c.metrics.ActiveConns.Add(1)
		c.publishConnection(true, nil)
	}
	c.logger.Info("connected", slog.String("addr", c.addr))
	return nil
}

// Close closes the connection.
func (c *TCPClient) Close() error {
	defer traceMethod(c.logger, "TCPClient.Close")()

	err := c.transport.Close()
	if c.connected.Swap(false) {
		c.metrics.ActiveConns.Add(-1)
		c.publishConnection(false, nil)
		c.logger.Debug("closing connection", slog.String("addr", c.addr))
	}
	return err
}

// IsConnected reports whether the client holds an open connection.
func (c *TCPClient) IsConnected() bool {
	return c.connected.Load()
}

func (c *TCPClient) send(ctx context.Context, frame []byte) ([]byte, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	reply, err := c.transport.Send(ctx, frame)
	if err != nil {
		c.transport.Close()
		if c.connected.Swap(false) {
			c.metrics.ActiveConns.Add(-1)
			c.metrics.Disconnects.Add(1)
			c.publishConnection(false, err)
		}
		c.logger.Warn("disconnected", slog.String("addr", c.addr), slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return reply, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
