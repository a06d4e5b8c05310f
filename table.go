// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ipupm

import (
	"fmt"
	"sync"
)

// PMVersion is the protocol version this broker speaks. The remote firmware
// publishes its own in the table.
const PMVersion = 0x00020001

// TableMagic marks an initialised table.
const TableMagic = 0x49505550 // "IPUP"

// Shared control table layout.
const (
	offMagic         = 0
	offVersion       = 4
	offGPMsg         = 8
	offStateFlags    = 12
	offOverrideFlags = 16
	offHibTimer      = 20
	offRCB           = 24
	offAgent         = offRCB + NumRCB*rcbSize
	offEvent         = offAgent + numAgents*agentSize

	numAgents = 3
	agentSize = 16
	eventSize = 16

	TableSize = offEvent + eventSize
)

// State flag bits.
const (
	StateSysLoaded uint32 = 1 << 0
	StateAppLoaded uint32 = 1 << 1
	StateSysDown   uint32 = 1 << 16
	StateAppDown   uint32 = 1 << 17
)

// Override flag bits.
const (
	OverrideHibernateAllowed uint32 = 1 << 0
)

// Agent block slots.
const (
	AgentSys  = 0
	AgentApp  = 1
	AgentHost = 2
)

// AgentBlock describes how one side of the table is signalled.
type AgentBlock struct {
	ResourceEvent uint32
	NotifyEvent   uint32
	Flags         uint32
	Reserved      uint32
}

// EventDesc holds the notification the host is currently delivering.
type EventDesc struct {
	Event  uint32
	Data   uint32
	Reply  uint32
	Status uint32
}

// Table is a view onto the shared control table. The backing memory is
// shared with the remote cores and is never copied.
type Table struct {
	mu  sync.Mutex
	mem []byte
}

// NewTable wraps mem, which must be at least TableSize bytes.
func NewTable(mem []byte) (*Table, error) {
	if len(mem) < TableSize {
		return nil, fmt.Errorf("table needs %d bytes, got %d: %w", TableSize, len(mem), ErrInvalidArg)
	}
	return &Table{mem: mem[:TableSize]}, nil
}

// Init stamps an empty table with the magic and protocol version.
func (t *Table) Init() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.mem {
		t.mem[i] = 0
	}
	Order.PutUint32(t.mem[offMagic:], TableMagic)
	Order.PutUint32(t.mem[offVersion:], PMVersion)
}

func (t *Table) get(off int) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Order.Uint32(t.mem[off:])
}

func (t *Table) put(off int, v uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	Order.PutUint32(t.mem[off:], v)
}

func (t *Table) update(off int, set, clear uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := Order.Uint32(t.mem[off:])
	Order.PutUint32(t.mem[off:], (v&^clear)|set)
}

func (t *Table) Magic() uint32   { return t.get(offMagic) }
func (t *Table) Version() uint32 { return t.get(offVersion) }

func (t *Table) SetVersion(v uint32) { t.put(offVersion, v) }

// GPMsg returns the general purpose message word.
func (t *Table) GPMsg() uint32     { return t.get(offGPMsg) }
func (t *Table) SetGPMsg(v uint32) { t.put(offGPMsg, v) }

func (t *Table) StateFlags() uint32    { return t.get(offStateFlags) }
func (t *Table) OverrideFlags() uint32 { return t.get(offOverrideFlags) }

// SetStateFlags sets and clears state flag bits in one step.
func (t *Table) SetStateFlags(set, clear uint32) { t.update(offStateFlags, set, clear) }

func (t *Table) SetOverrideFlags(set, clear uint32) { t.update(offOverrideFlags, set, clear) }

func (t *Table) HibernateTimer() uint32     { return t.get(offHibTimer) }
func (t *Table) SetHibernateTimer(v uint32) { t.put(offHibTimer, v) }

func loadedBit(c CoreID) uint32 {
	if c == CoreApp {
		return StateAppLoaded
	}
	return StateSysLoaded
}

func downBit(c CoreID) uint32 {
	if c == CoreApp {
		return StateAppDown
	}
	return StateSysDown
}

// Loaded reports whether the core has marked itself logically loaded.
func (t *Table) Loaded(c CoreID) bool {
	return t.StateFlags()&loadedBit(c) != 0
}

// SetLoaded is used by the remote firmware, or by a host that loads it.
func (t *Table) SetLoaded(c CoreID, loaded bool) {
	if loaded {
		t.SetStateFlags(loadedBit(c), 0)
	} else {
		t.SetStateFlags(0, loadedBit(c))
	}
}

// Down reports whether the core has been put to sleep by the host.
func (t *Table) Down(c CoreID) bool {
	return t.StateFlags()&downBit(c) != 0
}

func (t *Table) setDown(c CoreID, down bool) {
	if down {
		t.SetStateFlags(downBit(c), 0)
	} else {
		t.SetStateFlags(0, downBit(c))
	}
}

// RCB decodes slot n.
func (t *Table) RCB(n int) (*RCB, error) {
	if n < 0 || n >= NumRCB {
		return nil, fmt.Errorf("rcb %d: %w", n, ErrInvalidArg)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	off := offRCB + n*rcbSize
	return decodeRCB(t.mem[off : off+rcbSize]), nil
}

// PutRCB writes r into slot n.
func (t *Table) PutRCB(n int, r *RCB) error {
	if n < 0 || n >= NumRCB {
		return fmt.Errorf("rcb %d: %w", n, ErrInvalidArg)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	off := offRCB + n*rcbSize
	r.encode(t.mem[off : off+rcbSize])
	return nil
}

func (t *Table) Agent(slot int) AgentBlock {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.mem[offAgent+slot*agentSize:]
	return AgentBlock{
		ResourceEvent: Order.Uint32(b),
		NotifyEvent:   Order.Uint32(b[4:]),
		Flags:         Order.Uint32(b[8:]),
		Reserved:      Order.Uint32(b[12:]),
	}
}

func (t *Table) SetAgent(slot int, a AgentBlock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.mem[offAgent+slot*agentSize:]
	Order.PutUint32(b, a.ResourceEvent)
	Order.PutUint32(b[4:], a.NotifyEvent)
	Order.PutUint32(b[8:], a.Flags)
	Order.PutUint32(b[12:], a.Reserved)
}

func (t *Table) Event() EventDesc {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.mem[offEvent:]
	return EventDesc{
		Event:  Order.Uint32(b),
		Data:   Order.Uint32(b[4:]),
		Reply:  Order.Uint32(b[8:]),
		Status: Order.Uint32(b[12:]),
	}
}

func (t *Table) SetEvent(e EventDesc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.mem[offEvent:]
	Order.PutUint32(b, e.Event)
	Order.PutUint32(b[4:], e.Data)
	Order.PutUint32(b[8:], e.Reply)
	Order.PutUint32(b[12:], e.Status)
}

func agentSlot(c CoreID) int {
	if c == CoreApp {
		return AgentApp
	}
	return AgentSys
}
