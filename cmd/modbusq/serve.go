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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	modbus "github.com/edgeo-scada/modbusq"
	"github.com/edgeo-scada/modbusq/internal/admin"
	"github.com/edgeo-scada/modbusq/internal/config"
	"github.com/spf13/cobra"
)

var (
	serveListen    string
	serveAdmin     string
	serveLogEvents bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a Modbus server",
	Long: `Run a Modbus TCP or UDP server backed by an in-memory device table.

Devices 0 and 1 always exist. Additional devices and initial values are read
from the config file. Set admin.address (or --admin) to expose the HTTP admin
API and the websocket event stream.`,
	Example: `  modbusq serve --listen :1502
  modbusq serve --config modbusq.yaml --admin 127.0.0.1:8080
  modbusq serve --transport udp --listen :1502`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Listen address (overrides server.address)")
	serveCmd.Flags().StringVar(&serveAdmin, "admin", "", "Admin HTTP address (overrides admin.address)")
	serveCmd.Flags().BoolVar(&serveLogEvents, "log-events", false, "Log every server event")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Server.Address = serveListen
	}
	if serveAdmin != "" {
		cfg.Admin.Address = serveAdmin
	}
	if cmd.Flags().Changed("transport") {
		cfg.Server.Transport = transport
	}

	srv, err := cfg.NewServer(logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveLogEvents {
		events, cancel := srv.Subscribe(256)
		defer cancel()
		go logEvents(events)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	defer srv.Stop()

	logger.Info("modbus server listening",
		slog.String("transport", srv.Transport().String()),
		slog.String("address", srv.Addr().String()),
		slog.Any("devices", srv.Devices()))

	if cfg.Admin.Address != "" {
		api := admin.New(cfg.Admin.Address, srv, logger)
		if err := api.Start(); err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			api.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func logEvents(events <-chan modbus.ServerEvent) {
	for ev := range events {
		attrs := []any{slog.String("kind", ev.Kind.String())}
		switch ev.Kind {
		case modbus.EventClientConnected, modbus.EventClientDisconnected:
			attrs = append(attrs,
				slog.Uint64("session", ev.SessionID),
				slog.String("remote", ev.Remote),
				slog.Int("active", ev.ActiveSessions))
		default:
			attrs = append(attrs,
				slog.Int("unit", int(ev.Unit)),
				slog.Int("address", int(ev.Address)),
				slog.Int("count", int(ev.Count)))
		}
		logger.Info("server event", attrs...)
	}
}
