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

	"github.com/edgeo-scada/modbusq/internal/transport"
)

var _ Client = (*UDPClient)(nil)

// UDPClient is a Modbus UDP client. Every transfer uses a fresh socket, so
// the client always reports itself connected.
type UDPClient struct {
	*clientCore
	addr      string
	transport *transport.UDPTransport
}

// NewUDPClient creates a Modbus UDP client for addr ("host:port").
func NewUDPClient(addr string, opts ...Option) (*UDPClient, error) {
	if addr == "" {
		return nil, errors.New("modbus: address cannot be empty")
	}

	c := &UDPClient{
		clientCore: newClientCore("UDPClient", opts),
		addr:       addr,
	}
	c.transport = transport.NewUDPTransport(addr, c.opts.connectTimeout, c.opts.receiveTimeout)
	c.transfer = c.send
	return c, nil
}

// Transport returns ConnectionUDP.
func (c *UDPClient) Transport() ConnectionType {
	return ConnectionUDP
}

// Address returns the server address.
func (c *UDPClient) Address() string {
	return c.addr
}

// Open resolves the server address.
func (c *UDPClient) Open(ctx context.Context) error {
	defer traceMethod(c.logger, "UDPClient.Open")()

	if _, err := c.transport.Resolve(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectionFailed, c.addr, err)
	}
	c.publishConnection(true, nil)
	return nil
}

// Close is a no-op; sockets are closed after every transfer.
func (c *UDPClient) Close() error {
	return nil
}

// IsConnected always returns true.
func (c *UDPClient) IsConnected() bool {
	return true
}

func (c *UDPClient) send(ctx context.Context, frame []byte) ([]byte, error) {
	reply, err := c.transport.Send(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return reply, nil
}
