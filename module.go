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
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// The setup reference count is stamped with a magic value so an
// uninitialised Module is never mistaken for a set up one.
const (
	refMagic     = 0x49505500
	refMagicMask = 0xffffff00
	refCountMask = 0x000000ff
)

// Module is the broker. It owns the resource and constraint registries,
// the per-core contexts and the module-wide hardware handles.
//
// Setup and Destroy are reference counted. Cores are attached after Setup
// and detached before the last Destroy; Destroy detaches any core still
// attached.
type Module struct {
	cfg     Config
	plat    Platform
	log     *logrus.Entry
	metrics *Collector

	setupMu sync.Mutex
	ref     atomic.Uint32
	hw      *hardware
	wg      sync.WaitGroup

	coresMu sync.RWMutex
	cores   map[CoreID]*Core

	resources   *registry
	constraints *constraintRegistry

	hibMu      sync.Mutex // serializes save and restore against each other and Destroy
	hibEnabled bool
	deps       depGraph
}

// hardware holds what the first Setup allocates.
type hardware struct {
	idle     IdleFlags
	mailbox  HWContext
	mmu      HWContext
	hibTimer Handle
	hasTimer bool
}

// New creates a Module. It allocates nothing until Setup.
func New(cfg Config, plat Platform) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if plat.Transport == nil {
		return nil, fmt.Errorf("platform has no transport: %w", ErrInvalidArg)
	}
	m := &Module{
		cfg:     cfg,
		plat:    plat,
		log:     cfg.logger().WithField("component", "ipupm"),
		metrics: NewCollector(cfg.MetricsNamespace),
		cores:   make(map[CoreID]*Core),
		deps:    depGraph{CoreApp: {CoreSys}},
	}
	m.resources = newRegistry(plat, cfg, m.metrics)
	m.constraints = &constraintRegistry{qos: plat.QoS}
	return m, nil
}

// Metrics returns the module's collector.
func (m *Module) Metrics() *Collector {
	return m.metrics
}

func (m *Module) refs() uint32 {
	v := m.ref.Load()
	if v&refMagicMask != refMagic {
		return 0
	}
	return v & refCountMask
}

func (m *Module) ready() bool {
	return m.refs() > 0
}

// Setup takes a reference on the module. The first reference maps the idle
// flags, opens the mailbox and MMU contexts and reserves the hibernation timer.
func (m *Module) Setup() error {
	m.setupMu.Lock()
	defer m.setupMu.Unlock()
	n := m.refs()
	if n == refCountMask {
		return fmt.Errorf("setup reference count overflow: %w", ErrInvalidState)
	}
	if n == 0 {
		hw, err := m.openHardware()
		if err != nil {
			return err
		}
		m.hibMu.Lock()
		m.hw = hw
		m.hibMu.Unlock()
		m.log.Info("module set up")
	}
	m.ref.Store(refMagic | (n + 1))
	return nil
}

func (m *Module) openHardware() (*hardware, error) {
	hw := &hardware{}
	fail := func(what string, err error) (*hardware, error) {
		hw.close(m.plat.Timers)
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	var err error
	if b := m.plat.Board; b != nil {
		if hw.idle, err = b.MapIdleFlags(); err != nil {
			return fail("idle flags", err)
		}
		if hw.mailbox, err = b.OpenContext(UnitMailbox); err != nil {
			return fail("mailbox", err)
		}
		if hw.mmu, err = b.OpenContext(UnitMMU); err != nil {
			return fail("mmu", err)
		}
	}
	if t := m.plat.Timers; t != nil {
		if hw.hibTimer, err = t.RequestTimer(m.cfg.HibernateTimer); err != nil {
			return fail(fmt.Sprintf("hibernation timer %d", m.cfg.HibernateTimer), err)
		}
		hw.hasTimer = true
	}
	return hw, nil
}

func (hw *hardware) close(timers TimerAllocator) error {
	var errs []error
	if hw.hasTimer {
		errs = append(errs, timers.FreeTimer(hw.hibTimer))
		hw.hasTimer = false
	}
	for _, c := range []HWContext{hw.mmu, hw.mailbox} {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	if hw.idle != nil {
		errs = append(errs, hw.idle.Close())
	}
	return errors.Join(errs...)
}

// Destroy drops a reference. The last one detaches every core, waits for
// the workers to exit and releases the hardware taken by Setup.
func (m *Module) Destroy() error {
	m.setupMu.Lock()
	defer m.setupMu.Unlock()
	n := m.refs()
	if n == 0 {
		return fmt.Errorf("destroy without setup: %w", ErrInvalidState)
	}
	if n > 1 {
		m.ref.Store(refMagic | (n - 1))
		return nil
	}
	// Wait for any save or restore in progress; it uses the hardware
	// released below.
	m.hibMu.Lock()
	defer m.hibMu.Unlock()
	var errs []error
	for _, id := range m.attached() {
		errs = append(errs, m.detach(id))
	}
	m.wg.Wait()
	m.ref.Store(0)
	errs = append(errs, m.hw.close(m.plat.Timers))
	m.hw = nil
	m.log.Info("module destroyed")
	return errors.Join(errs...)
}

// Attach creates the context for core over table and starts its worker.
// The table is shared, never copied. A version mismatch is only logged.
func (m *Module) Attach(core CoreID, table *Table, params Params) error {
	if !m.ready() {
		return fmt.Errorf("attach %s: module not set up: %w", core, ErrInvalidState)
	}
	if !core.valid() {
		return fmt.Errorf("attach %s: %w", core, ErrInvalidArg)
	}
	if table == nil {
		return fmt.Errorf("attach %s: no table: %w", core, ErrInvalidArg)
	}

	m.coresMu.Lock()
	defer m.coresMu.Unlock()
	if _, ok := m.cores[core]; ok {
		return fmt.Errorf("attach %s: %w", core, ErrAlreadyAttached)
	}

	c := &Core{
		id:     core,
		m:      m,
		table:  table,
		params: params,
		log:    m.log.WithField("core", core.String()),
		inbox:  newInbox(m.cfg.QueueCapacity),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if c.params.Timeout <= 0 {
		c.params.Timeout = m.cfg.NotifyTimeout
	}
	for i := range c.events {
		c.events[i] = newPMEvent()
	}

	if v := table.Version(); v != PMVersion {
		c.log.Warnf("table protocol version %#x, expected %#x", v, PMVersion)
	}
	table.SetAgent(agentSlot(core), AgentBlock{
		ResourceEvent: params.ResourceEvent,
		NotifyEvent:   params.NotifyEvent,
	})
	table.SetHibernateTimer(uint32(m.cfg.HibernateTimeout.Milliseconds()))

	t := m.plat.Transport
	if err := t.RegisterEvent(core, ChannelResource, c.enqueue); err != nil {
		return fmt.Errorf("attach %s: resource channel: %w", core, err)
	}
	if err := t.RegisterEvent(core, ChannelNotify, c.onNotify); err != nil {
		t.UnregisterEvent(core, ChannelResource)
		return fmt.Errorf("attach %s: notify channel: %w", core, err)
	}
	if m.plat.Procs != nil {
		p, err := m.plat.Procs.Proc(core)
		if err != nil {
			t.UnregisterEvent(core, ChannelNotify)
			t.UnregisterEvent(core, ChannelResource)
			return fmt.Errorf("attach %s: remote processor: %w", core, err)
		}
		c.proc = p
	}

	m.cores[core] = c
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.run()
	}()
	c.log.Info("attached")
	return nil
}

// Detach stops the core's worker and releases what Attach took.
func (m *Module) Detach(core CoreID) error {
	if !m.ready() {
		return fmt.Errorf("detach %s: module not set up: %w", core, ErrInvalidState)
	}
	return m.detach(core)
}

func (m *Module) detach(core CoreID) error {
	m.coresMu.Lock()
	c, ok := m.cores[core]
	if ok {
		delete(m.cores, core)
	}
	m.coresMu.Unlock()
	if !ok {
		return fmt.Errorf("detach %s: %w", core, ErrNotInstantiated)
	}

	t := m.plat.Transport
	errs := []error{
		t.UnregisterEvent(core, ChannelResource),
		t.UnregisterEvent(core, ChannelNotify),
	}
	close(c.stop)
	<-c.done
	if c.proc != nil {
		errs = append(errs, c.proc.Close())
	}
	c.log.Info("detached")
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("detach %s: %w", core, err)
	}
	return nil
}

// Core returns the context of an attached core, or nil.
func (m *Module) Core(id CoreID) *Core {
	m.coresMu.RLock()
	defer m.coresMu.RUnlock()
	return m.cores[id]
}

// attached returns the attached core ids in ascending order.
func (m *Module) attached() []CoreID {
	m.coresMu.RLock()
	defer m.coresMu.RUnlock()
	ids := make([]CoreID, 0, len(m.cores))
	for id := range m.cores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Enqueue queues an inbound resource message for core. It is the entry
// point for transports that deliver messages without a registered
// callback. Messages for an unknown core, or beyond the queue capacity,
// are dropped.
func (m *Module) Enqueue(core CoreID, payload uint32) {
	c := m.Core(core)
	if c == nil {
		m.log.Warnf("%s: message %#08x for detached core dropped", core, payload)
		return
	}
	c.enqueue(payload)
}

// Acquire leases the resource described by RCB num on behalf of core.
func (m *Module) Acquire(k Kind, core CoreID, num int) error {
	return m.resources.acquire(k, m.Core(core), num)
}

// Release gives back the lease described by RCB num.
func (m *Module) Release(k Kind, core CoreID, num int) error {
	return m.resources.release(k, m.Core(core), num)
}

// RequestConstraint applies the constraints described by RCB num.
func (m *Module) RequestConstraint(k Kind, core CoreID, num int) error {
	return m.constraints.request(k, m.Core(core), num)
}

// ReleaseConstraint removes the constraints described by RCB num.
func (m *Module) ReleaseConstraint(k Kind, core CoreID, num int) error {
	return m.constraints.release(k, m.Core(core), num)
}

// UsageMask returns the usage mask of a pooled kind: GP timers, I2C buses
// and aux clocks. Bit n is set while id n is leased.
func (m *Module) UsageMask(k Kind) uint32 {
	return m.resources.mask(k)
}

// handle routes one decoded request from c.
func (m *Module) handle(c *Core, msg Message) error {
	if !msg.RCBFlag {
		return fmt.Errorf("%s message without rcb: %w", msg.Type, ErrInvalidArg)
	}
	num := int(msg.RCBNum)
	switch msg.Type {
	case MsgRequestResource:
		return m.resources.acquire(msg.SubType, c, num)
	case MsgReleaseResource:
		return m.resources.release(msg.SubType, c, num)
	case MsgRequestConstraint:
		return m.constraints.request(msg.SubType, c, num)
	case MsgReleaseConstraint:
		return m.constraints.release(msg.SubType, c, num)
	}
	return fmt.Errorf("message type %s: %w", msg.Type, ErrInvalidArg)
}
