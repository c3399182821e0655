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

// Package admin exposes a running Modbus server over HTTP: device and
// register management, function toggles, metrics, and a websocket stream
// of change events.
package admin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	modbus "github.com/edgeo-scada/modbusq"
	"github.com/gin-gonic/gin"
)

// deviceSource is implemented by TCPServer and UDPServer.
type deviceSource interface {
	Device(id modbus.UnitID) (*modbus.Device, bool)
}

// sessionSource is implemented by TCPServer.
type sessionSource interface {
	Sessions() []modbus.SessionInfo
}

type Server struct {
	router *gin.Engine
	modbus modbus.Server
	logger *slog.Logger
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates an admin server for srv listening on addr. A nil logger
// discards output.
func New(addr string, srv modbus.Server, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		modbus: srv,
		logger: logger,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler serving the admin routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("starting admin server", slog.String("address", ln.Addr().String()))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(requestLogger(s.logger))

	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/server", s.getServer)

		devices := v1.Group("/devices")
		{
			devices.GET("", s.listDevices)
			devices.POST("/:id", s.addDevice)
			devices.DELETE("/:id", s.removeDevice)
			devices.GET("/:id/:space/:address", s.readValues)
			devices.PUT("/:id/:space/:address", s.writeValues)
		}

		functions := v1.Group("/functions")
		{
			functions.GET("", s.listFunctions)
			functions.PUT("/:code", s.setFunction)
		}

		v1.GET("/events", s.streamEvents)
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("admin request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}
