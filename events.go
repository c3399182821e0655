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
	"fmt"
	"sync"
	"time"
)

// EventKind identifies a server or client event.
type EventKind int

// Server event kinds.
const (
	EventCoilsChanged EventKind = iota + 1
	EventHoldingRegistersChanged
	EventClientConnected
	EventClientDisconnected
)

// Client event kinds.
const (
	EventConnectionChanged EventKind = iota + 16
	EventFrameSent
	EventFrameReceived
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventCoilsChanged:
		return "coils_changed"
	case EventHoldingRegistersChanged:
		return "holding_registers_changed"
	case EventClientConnected:
		return "client_connected"
	case EventClientDisconnected:
		return "client_disconnected"
	case EventConnectionChanged:
		return "connection_changed"
	case EventFrameSent:
		return "frame_sent"
	case EventFrameReceived:
		return "frame_received"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// MarshalText encodes the kind by name.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ServerEvent is published by servers when a client writes data or when a
// TCP session starts or ends.
//
// Unit, Address and Count are set for the data change kinds. SessionID,
// Remote and ActiveSessions are set for the session kinds.
type ServerEvent struct {
	Kind EventKind `json:"kind"`
	Time time.Time `json:"time"`

	Unit    UnitID `json:"unit,omitempty"`
	Address uint16 `json:"address,omitempty"`
	Count   uint16 `json:"count,omitempty"`

	SessionID      uint64 `json:"session_id,omitempty"`
	Remote         string `json:"remote,omitempty"`
	ActiveSessions int    `json:"active_sessions,omitempty"`
}

// ClientEvent is published by clients on connection changes and, when frame
// tracing is enabled, for every frame sent or received.
type ClientEvent struct {
	Kind      EventKind
	Time      time.Time
	Connected bool
	Frame     []byte
	Err       error
}

// broadcaster fans events out to buffered subscriber channels. A subscriber
// whose buffer is full misses the event.
type broadcaster[T any] struct {
	mu   sync.RWMutex
	next int
	subs map[int]chan T
}

func (b *broadcaster[T]) subscribe(buffer int) (<-chan T, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan T, buffer)

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[int]chan T)
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// publish delivers ev to every subscriber and returns how many missed it.
func (b *broadcaster[T]) publish(ev T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}

func (b *broadcaster[T]) subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
