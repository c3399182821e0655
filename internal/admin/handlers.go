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

package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	modbus "github.com/edgeo-scada/modbusq"
	"github.com/gin-gonic/gin"
)

// Data spaces addressable through the device routes.
const (
	spaceCoils            = "coils"
	spaceDiscreteInputs   = "discrete-inputs"
	spaceHoldingRegisters = "holding-registers"
	spaceInputRegisters   = "input-registers"
)

var supportedFunctions = []modbus.FunctionCode{
	modbus.FuncReadCoils,
	modbus.FuncReadDiscreteInputs,
	modbus.FuncReadHoldingRegisters,
	modbus.FuncReadInputRegisters,
	modbus.FuncWriteSingleCoil,
	modbus.FuncWriteSingleRegister,
	modbus.FuncWriteMultipleCoils,
	modbus.FuncWriteMultipleRegisters,
}

// GET /health
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"running":   s.modbus.IsRunning(),
		"timestamp": time.Now().Unix(),
	})
}

// GET /api/v1/server
func (s *Server) getServer(c *gin.Context) {
	resp := gin.H{
		"transport": s.modbus.Transport().String(),
		"running":   s.modbus.IsRunning(),
		"devices":   s.modbus.Devices(),
		"metrics":   s.modbus.Metrics().Collect(),
	}
	if addr := s.modbus.Addr(); addr != nil {
		resp["address"] = addr.String()
	}
	if start := s.modbus.StartTime(); !start.IsZero() {
		resp["start_time"] = start
		resp["uptime"] = time.Since(start).Truncate(time.Second).String()
	}
	if ss, ok := s.modbus.(sessionSource); ok {
		resp["sessions"] = ss.Sessions()
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	ids := s.modbus.Devices()
	devices := make([]modbus.DeviceStats, 0, len(ids))

	src, ok := s.modbus.(deviceSource)
	for _, id := range ids {
		if !ok {
			devices = append(devices, modbus.DeviceStats{ID: id})
			continue
		}
		if dev, found := src.Device(id); found {
			devices = append(devices, dev.Stats())
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// POST /api/v1/devices/:id
func (s *Server) addDevice(c *gin.Context) {
	id, ok := unitParam(c)
	if !ok {
		return
	}
	if !s.modbus.AddDevice(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "device already exists"})
		return
	}
	s.logger.Info("device added", "unit", id)
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// DELETE /api/v1/devices/:id
func (s *Server) removeDevice(c *gin.Context) {
	id, ok := unitParam(c)
	if !ok {
		return
	}
	if !s.modbus.RemoveDevice(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	s.logger.Info("device removed", "unit", id)
	c.Status(http.StatusNoContent)
}

// GET /api/v1/devices/:id/:space/:address?count=N
func (s *Server) readValues(c *gin.Context) {
	id, ok := unitParam(c)
	if !ok {
		return
	}
	address, ok := addressParam(c)
	if !ok {
		return
	}

	count := 1
	if q := c.Query("count"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > modbus.MaxQuantityWriteRegisters {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid count"})
			return
		}
		count = n
	}
	if int(address)+count > modbus.MaxAddress+1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "range exceeds address space"})
		return
	}

	space := c.Param("space")
	var values []any
	for i := 0; i < count; i++ {
		addr := address + uint16(i)

		var v any
		var err error
		switch space {
		case spaceCoils:
			v, err = s.modbus.Coil(id, addr)
		case spaceDiscreteInputs:
			v, err = s.modbus.DiscreteInput(id, addr)
		case spaceHoldingRegisters:
			v, err = s.modbus.HoldingRegister(id, addr)
		case spaceInputRegisters:
			v, err = s.modbus.InputRegister(id, addr)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown data space"})
			return
		}
		if err != nil {
			respondError(c, err)
			return
		}
		values = append(values, v)
	}

	c.JSON(http.StatusOK, gin.H{
		"unit":    id,
		"space":   space,
		"address": address,
		"values":  values,
	})
}

// PUT /api/v1/devices/:id/:space/:address
func (s *Server) writeValues(c *gin.Context) {
	id, ok := unitParam(c)
	if !ok {
		return
	}
	address, ok := addressParam(c)
	if !ok {
		return
	}

	var req struct {
		Values json.RawMessage `json:"values" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	space := c.Param("space")
	var (
		n   int
		err error
	)
	switch space {
	case spaceCoils, spaceDiscreteInputs:
		var bits []bool
		if err := json.Unmarshal(req.Values, &bits); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "values must be booleans"})
			return
		}
		n = len(bits)
		if space == spaceCoils {
			err = s.modbus.SetCoils(id, int(address), bits...)
		} else {
			err = s.modbus.SetDiscreteInputs(id, int(address), bits...)
		}
	case spaceHoldingRegisters, spaceInputRegisters:
		var regs []uint16
		if err := json.Unmarshal(req.Values, &regs); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "values must be 16-bit unsigned integers"})
			return
		}
		n = len(regs)
		if space == spaceHoldingRegisters {
			err = s.modbus.SetHoldingRegisters(id, int(address), regs...)
		} else {
			err = s.modbus.SetInputRegisters(id, int(address), regs...)
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown data space"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"unit":    id,
		"space":   space,
		"address": address,
		"written": n,
	})
}

// GET /api/v1/functions
func (s *Server) listFunctions(c *gin.Context) {
	functions := make([]gin.H, 0, len(supportedFunctions))
	for _, fc := range supportedFunctions {
		functions = append(functions, gin.H{
			"code":    uint8(fc),
			"name":    fc.String(),
			"enabled": s.modbus.IsFunctionEnabled(fc),
		})
	}
	c.JSON(http.StatusOK, gin.H{"functions": functions})
}

// PUT /api/v1/functions/:code
func (s *Server) setFunction(c *gin.Context) {
	code, err := strconv.ParseUint(c.Param("code"), 10, 8)
	if err != nil || code == 0 || code > 127 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid function code"})
		return
	}

	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fc := modbus.FunctionCode(code)
	s.modbus.SetFunctionEnable(fc, *req.Enabled)
	s.logger.Info("function toggled", "function", fc.String(), "enabled", *req.Enabled)

	c.JSON(http.StatusOK, gin.H{
		"code":    uint8(fc),
		"name":    fc.String(),
		"enabled": s.modbus.IsFunctionEnabled(fc),
	})
}

func unitParam(c *gin.Context) (modbus.UnitID, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid unit id"})
		return 0, false
	}
	return modbus.UnitID(id), true
}

func addressParam(c *gin.Context) (uint16, bool) {
	addr, err := strconv.ParseUint(c.Param("address"), 10, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return 0, false
	}
	return uint16(addr), true
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, modbus.ErrUnknownDevice):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, modbus.ErrInvalidAddress), errors.Is(err, modbus.ErrInvalidQuantity):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
