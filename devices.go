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
	"slices"
	"sync"
)

// deviceTable maps unit identifiers to devices. It may be mutated while
// requests are being dispatched.
type deviceTable struct {
	mu      sync.RWMutex
	devices map[UnitID]*Device
}

// newDeviceTable returns a table holding devices 0 and 1.
func newDeviceTable() *deviceTable {
	return &deviceTable{
		devices: map[UnitID]*Device{
			0: NewDevice(0),
			1: NewDevice(1),
		},
	}
}

func (t *deviceTable) add(id UnitID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devices[id]; ok {
		return false
	}
	t.devices[id] = NewDevice(id)
	return true
}

func (t *deviceTable) remove(id UnitID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devices[id]; !ok {
		return false
	}
	delete(t.devices, id)
	return true
}

func (t *deviceTable) get(id UnitID) (*Device, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.devices[id]
	return d, ok
}

// ids returns the registered unit identifiers in ascending order.
func (t *deviceTable) ids() []UnitID {
	t.mu.RLock()
	ids := make([]UnitID, 0, len(t.devices))
	for id := range t.devices {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	slices.Sort(ids)
	return ids
}
