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

// Handle is an opaque allocator handle recorded in an RCB's module_base_addr.
type Handle uint32

// Channel selects one of the two transport channels each core uses.
type Channel uint8

const (
	ChannelResource Channel = iota
	ChannelNotify
)

func (c Channel) String() string {
	if c == ChannelNotify {
		return "notify"
	}
	return "resource"
}

// Transport delivers message words to and from the remote cores.
// Callbacks registered with RegisterEvent may be called from any goroutine
// and must not block.
type Transport interface {
	SendEvent(core CoreID, ch Channel, payload uint32) error
	RegisterEvent(core CoreID, ch Channel, fn func(payload uint32)) error
	UnregisterEvent(core CoreID, ch Channel) error
}

// ChannelAllocator hands out DMA channels one at a time.
type ChannelAllocator interface {
	RequestChannel() (int, error)
	ReleaseChannel(ch int) error
}

// TimerAllocator reserves general purpose timers by id.
type TimerAllocator interface {
	RequestTimer(id int) (Handle, error)
	FreeTimer(h Handle) error
}

// Clock is one node of the clock tree.
type Clock interface {
	Name() string
	Enable() error
	Disable() error
	SetRate(hz uint64) error
	RoundRate(hz uint64) uint64
	Parent() Clock
}

// ClockProvider looks clocks up by name.
type ClockProvider interface {
	Clock(name string) (Clock, error)
}

// GPIOAllocator reserves GPIO lines by number.
type GPIOAllocator interface {
	RequestGPIO(n int) error
	FreeGPIO(n int) error
}

// Regulator controls the voltage rail leased to the remote cores.
type Regulator interface {
	Voltage() (int, error)
	SetVoltage(minUV, maxUV int) error
}

// ConstraintOption names the kind of QoS request.
type ConstraintOption uint8

const (
	ConstraintPerformance ConstraintOption = iota
	ConstraintLatency
	ConstraintBandwidth

	numConstraintOptions = 3
)

func (o ConstraintOption) String() string {
	switch o {
	case ConstraintPerformance:
		return "performance"
	case ConstraintLatency:
		return "latency"
	}
	return "bandwidth"
}

// QoS applies performance, latency and bandwidth constraints on behalf of
// a resource kind.
type QoS interface {
	Apply(k Kind, opt ConstraintOption, value uint32) error
	Clear(k Kind, opt ConstraintOption) error
}

// RemoteProc is the control handle of one remote core.
type RemoteProc interface {
	Sleep() error
	Wake() error
	Close() error
}

// ProcController opens control handles for remote cores.
type ProcController interface {
	Proc(core CoreID) (RemoteProc, error)
}

// IdleFlags reads the registers the remote cores set when quiescent.
type IdleFlags interface {
	Idle(core CoreID) (bool, error)
	Close() error
}

// HWUnit names a hardware block whose context is kept across hibernation.
type HWUnit uint8

const (
	UnitMailbox HWUnit = iota
	UnitMMU
)

func (u HWUnit) String() string {
	if u == UnitMMU {
		return "mmu"
	}
	return "mailbox"
}

// HWContext saves and restores the register context of one unit.
type HWContext interface {
	Save() error
	Restore() error
	Close() error
}

// Board gives access to the module-wide hardware.
type Board interface {
	MapIdleFlags() (IdleFlags, error)
	OpenContext(u HWUnit) (HWContext, error)
}

// Platform groups the collaborators the broker calls into. A nil
// collaborator disables the handlers that need it.
type Platform struct {
	Transport Transport
	SDMA      ChannelAllocator
	Timers    TimerAllocator
	Clocks    ClockProvider
	GPIO      GPIOAllocator
	Regulator Regulator
	QoS       QoS
	Procs     ProcController
	Board     Board
}
