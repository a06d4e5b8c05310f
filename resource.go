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
	"sync"

	"github.com/sirupsen/logrus"
)

// request is one resource or constraint operation against an RCB.
type request struct {
	core *Core
	num  int
	rcb  *RCB
	log  *logrus.Entry
}

// handler acquires and releases one resource kind. Both calls return the
// number of units whose state actually changed, so counters track the
// handler even when a release fails part way.
type handler interface {
	acquire(r *request) (int, error)
	release(r *request) (int, error)
}

// registry maps resource kinds to handlers. It is built once at setup.
type registry struct {
	handlers [numKinds]handler
	metrics  *Collector
}

// Candidate ids for the pooled kinds.
var (
	timerIDs  = []int{3, 4, 9, 11}
	i2cIDs    = []int{1, 2, 3, 4}
	auxClkIDs = []int{0, 1, 2, 3, 4, 5}
)

func newRegistry(p Platform, cfg Config, metrics *Collector) *registry {
	r := &registry{metrics: metrics}
	if p.SDMA != nil {
		r.handlers[KindSDMA] = &sdmaHandler{dma: p.SDMA}
	}
	if p.Timers != nil {
		r.handlers[KindGPTimer] = &timerHandler{
			pool:    newPool(timerIDs),
			timers:  p.Timers,
			handles: make(map[int]Handle),
		}
	}
	if p.Clocks != nil {
		r.handlers[KindI2C] = &clockPoolHandler{
			kind:   KindI2C,
			none:   StatusNoI2C,
			name:   "i2c%d_fck",
			pool:   newPool(i2cIDs),
			clocks: p.Clocks,
			held:   make(map[int]Clock),
		}
		r.handlers[KindAuxClk] = &clockPoolHandler{
			kind:   KindAuxClk,
			none:   StatusNoAuxClk,
			name:   "auxclk%d_ck",
			pool:   newPool(auxClkIDs),
			clocks: p.Clocks,
			held:   make(map[int]Clock),
			setup:  setAuxClkRate,
		}
	}
	if p.GPIO != nil {
		r.handlers[KindGPIO] = &gpioHandler{
			gpio:    p.GPIO,
			count:   cfg.GPIOCount,
			holders: make(map[int]CoreID),
		}
	}
	if p.Regulator != nil {
		r.handlers[KindRegulator] = &regulatorHandler{reg: p.Regulator}
	}
	wakeup := &sharedLatency{qos: p.QoS, kind: KindIPU, value: cfg.WakeupLatency}
	for _, k := range []Kind{KindSysM3, KindAppM3, KindL3Bus, KindIVASEQ0, KindIVASEQ1, KindFDIF} {
		r.handlers[k] = &leaseHandler{kind: k}
	}
	r.handlers[KindIVAHD] = &leaseHandler{kind: KindIVAHD, shared: wakeup}
	r.handlers[KindISS] = &leaseHandler{kind: KindISS, shared: wakeup}
	return r
}

func validRCB(num int) error {
	if num < RCBMin || num > RCBMax {
		return fmt.Errorf("rcb %d out of range: %w", num, ErrInvalidArg)
	}
	return nil
}

func (r *registry) lookup(k Kind) (handler, error) {
	if k >= numKinds {
		return nil, fmt.Errorf("%s: %w", k, ErrInvalidArg)
	}
	h := r.handlers[k]
	if h == nil {
		return nil, fmt.Errorf("%s cannot be leased: %w", k, ErrUnsupported)
	}
	return h, nil
}

func (r *registry) acquire(k Kind, c *Core, num int) error {
	return r.run(k, c, num, true)
}

func (r *registry) release(k Kind, c *Core, num int) error {
	return r.run(k, c, num, false)
}

func (r *registry) run(k Kind, c *Core, num int, acquire bool) error {
	req, err := c.request(num)
	if err != nil {
		return err
	}
	h, err := r.lookup(k)
	if err != nil {
		return err
	}
	var n int
	if acquire {
		n, err = h.acquire(req)
	} else {
		n, err = h.release(req)
		n = -n
	}
	if n != 0 {
		c.count(k, n)
		r.metrics.lease(k, n)
	}
	if err != nil {
		return err
	}
	return c.table.PutRCB(num, req.rcb)
}

// pool tracks a usage mask over a fixed candidate id list, and the core
// holding each id.
type pool struct {
	ids    []int
	mask   uint32
	owners [32]CoreID
}

func newPool(ids []int) pool {
	return pool{ids: ids}
}

func (p *pool) has(id int) bool {
	for _, v := range p.ids {
		if v == id {
			return true
		}
	}
	return false
}

func (p *pool) busy(id int) bool { return p.mask&(1<<uint(id)) != 0 }
func (p *pool) clear(id int)     { p.mask &^= 1 << uint(id) }

func (p *pool) set(id int, c CoreID) {
	p.mask |= 1 << uint(id)
	p.owners[id] = c
}

// heldBy reports whether id is leased by core c.
func (p *pool) heldBy(id int, c CoreID) bool {
	return p.busy(id) && p.owners[id] == c
}

func notHolder(k Kind, id int, c CoreID) error {
	return fmt.Errorf("%s %d not leased by %s: %w", k, id, c, ErrUnsupported)
}

// sdmaHandler leases DMA channels, all or nothing.
type sdmaHandler struct {
	dma ChannelAllocator
}

func channelCount(r *request) (int, error) {
	n := int(r.rcb.NumChannels)
	if n < 1 || n > MaxChannels {
		return 0, fmt.Errorf("sdma: %d channels: %w", n, ErrInvalidArg)
	}
	return n, nil
}

func (h *sdmaHandler) acquire(r *request) (int, error) {
	n, err := channelCount(r)
	if err != nil {
		return 0, err
	}
	var list ChannelList
	for i := 0; i < n; i++ {
		ch, err := h.dma.RequestChannel()
		if err == nil && (ch < 0 || ch > 0xff) {
			h.dma.ReleaseChannel(ch)
			err = fmt.Errorf("channel id %d out of range", ch)
		}
		if err != nil {
			for j := 0; j < i; j++ {
				if rerr := h.dma.ReleaseChannel(int(list[j])); rerr != nil {
					r.log.WithError(rerr).Warnf("sdma: rollback of channel %d failed", list[j])
				}
			}
			return 0, exhausted(KindSDMA, StatusNoSDMA, err)
		}
		list[i] = uint8(ch)
	}
	r.rcb.Payload = list
	return n, nil
}

func (h *sdmaHandler) release(r *request) (int, error) {
	n, err := channelCount(r)
	if err != nil {
		return 0, err
	}
	if r.core.Count(KindSDMA) < n {
		return 0, fmt.Errorf("sdma: releasing %d channels, %d held: %w", n, r.core.Count(KindSDMA), ErrUnsupported)
	}
	list := r.rcb.Channels()
	var errs []error
	released := 0
	for i := 0; i < n; i++ {
		if err := h.dma.ReleaseChannel(int(list[i])); err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", list[i], err))
			continue
		}
		released++
	}
	return released, errors.Join(errs...)
}

// timerHandler leases the first free GP timer from the candidate list.
type timerHandler struct {
	mu      sync.Mutex
	pool    pool
	timers  TimerAllocator
	handles map[int]Handle
}

func (h *timerHandler) acquire(r *request) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range h.pool.ids {
		if h.pool.busy(id) {
			continue
		}
		t, err := h.timers.RequestTimer(id)
		if err != nil {
			r.log.WithError(err).Debugf("gptimer %d unavailable", id)
			continue
		}
		h.pool.set(id, r.core.id)
		h.handles[id] = t
		r.rcb.Index = uint16(id)
		r.rcb.ModuleBase = uint32(t)
		return 1, nil
	}
	return 0, exhausted(KindGPTimer, StatusNoGPTimer, nil)
}

func (h *timerHandler) release(r *request) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := int(r.rcb.Index)
	if !h.pool.has(id) {
		return 0, fmt.Errorf("gptimer %d: %w", id, ErrInvalidArg)
	}
	if !h.pool.busy(id) {
		return 0, fmt.Errorf("gptimer %d not leased: %w", id, ErrUnsupported)
	}
	if !h.pool.heldBy(id, r.core.id) {
		return 0, notHolder(KindGPTimer, id, r.core.id)
	}
	if err := h.timers.FreeTimer(h.handles[id]); err != nil {
		return 0, fmt.Errorf("gptimer %d: %w", id, err)
	}
	h.pool.clear(id)
	delete(h.handles, id)
	r.rcb.ModuleBase = 0
	return 1, nil
}

// clockPoolHandler leases an indexed resource backed by a named clock:
// the I2C buses and the auxiliary clocks.
type clockPoolHandler struct {
	mu     sync.Mutex
	kind   Kind
	none   Status
	name   string
	pool   pool
	clocks ClockProvider
	held   map[int]Clock
	setup  func(c Clock, r *request) error
}

func (h *clockPoolHandler) acquire(r *request) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := int(r.rcb.Index)
	if !h.pool.has(id) {
		return 0, fmt.Errorf("%s %d: %w", h.kind, id, ErrInvalidArg)
	}
	if h.pool.busy(id) {
		return 0, exhausted(h.kind, h.none, nil)
	}
	clk, err := h.clocks.Clock(fmt.Sprintf(h.name, id))
	if err != nil {
		return 0, exhausted(h.kind, h.none, err)
	}
	if err := clk.Enable(); err != nil {
		return 0, exhausted(h.kind, h.none, err)
	}
	if h.setup != nil {
		if err := h.setup(clk, r); err != nil {
			if derr := clk.Disable(); derr != nil {
				r.log.WithError(derr).Warnf("%s %d: disable after failed setup", h.kind, id)
			}
			return 0, exhausted(h.kind, h.none, err)
		}
	}
	h.pool.set(id, r.core.id)
	h.held[id] = clk
	return 1, nil
}

func (h *clockPoolHandler) release(r *request) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := int(r.rcb.Index)
	if !h.pool.has(id) {
		return 0, fmt.Errorf("%s %d: %w", h.kind, id, ErrInvalidArg)
	}
	if !h.pool.busy(id) {
		return 0, fmt.Errorf("%s %d not leased: %w", h.kind, id, ErrUnsupported)
	}
	if !h.pool.heldBy(id, r.core.id) {
		return 0, notHolder(h.kind, id, r.core.id)
	}
	if err := h.held[id].Disable(); err != nil {
		return 0, fmt.Errorf("%s %d: %w", h.kind, id, err)
	}
	h.pool.clear(id)
	delete(h.held, id)
	return 1, nil
}

// setAuxClkRate applies the rate in data word 0, if any, and reports the
// rate actually set in data word 1.
func setAuxClkRate(c Clock, r *request) error {
	d := r.rcb.Data()
	if d[0] == 0 {
		return nil
	}
	rate := c.RoundRate(uint64(d[0]))
	if err := c.SetRate(rate); err != nil {
		return err
	}
	if p := c.Parent(); p != nil {
		r.log.Debugf("%s: %d Hz from %s", c.Name(), rate, p.Name())
	}
	d[1] = uint32(rate)
	r.rcb.Payload = d
	return nil
}

// gpioHandler leases GPIO lines in [0, count).
type gpioHandler struct {
	mu      sync.Mutex
	gpio    GPIOAllocator
	count   int
	holders map[int]CoreID
}

func (h *gpioHandler) line(r *request) (int, error) {
	n := int(r.rcb.Index)
	if n >= h.count {
		return 0, fmt.Errorf("gpio %d out of range [0, %d): %w", n, h.count, ErrInvalidArg)
	}
	return n, nil
}

func (h *gpioHandler) acquire(r *request) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.line(r)
	if err != nil {
		return 0, err
	}
	if _, ok := h.holders[n]; ok {
		return 0, exhausted(KindGPIO, StatusNoGPIO, nil)
	}
	if err := h.gpio.RequestGPIO(n); err != nil {
		return 0, exhausted(KindGPIO, StatusNoGPIO, err)
	}
	h.holders[n] = r.core.id
	return 1, nil
}

func (h *gpioHandler) release(r *request) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.line(r)
	if err != nil {
		return 0, err
	}
	holder, ok := h.holders[n]
	if !ok {
		return 0, fmt.Errorf("gpio %d not leased: %w", n, ErrUnsupported)
	}
	if holder != r.core.id {
		return 0, notHolder(KindGPIO, n, r.core.id)
	}
	if err := h.gpio.FreeGPIO(n); err != nil {
		return 0, fmt.Errorf("gpio %d: %w", n, err)
	}
	delete(h.holders, n)
	return 1, nil
}

// regulatorHandler allows a single lease of the regulator and restores the
// previous voltage on release.
type regulatorHandler struct {
	mu     sync.Mutex
	reg    Regulator
	held   bool
	holder CoreID
	prev   int
}

func (h *regulatorHandler) acquire(r *request) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.held {
		return 0, fmt.Errorf("regulator already leased: %w", ErrUnsupported)
	}
	e := r.rcb.Extended()
	lo, hi := int(e.Data[0]), int(e.Data[1])
	if lo <= 0 || hi < lo {
		return 0, fmt.Errorf("regulator: %d..%d uV: %w", lo, hi, ErrInvalidArg)
	}
	prev, err := h.reg.Voltage()
	if err != nil {
		return 0, exhausted(KindRegulator, StatusNoRegulator, err)
	}
	if err := h.reg.SetVoltage(lo, hi); err != nil {
		return 0, exhausted(KindRegulator, StatusNoRegulator, err)
	}
	h.held = true
	h.holder = r.core.id
	h.prev = prev
	e.Data[2] = uint32(prev)
	r.rcb.Payload = e
	return 1, nil
}

func (h *regulatorHandler) release(r *request) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.held {
		return 0, fmt.Errorf("regulator not leased: %w", ErrUnsupported)
	}
	if h.holder != r.core.id {
		return 0, fmt.Errorf("regulator not leased by %s: %w", r.core.id, ErrUnsupported)
	}
	if err := h.reg.SetVoltage(h.prev, h.prev); err != nil {
		return 0, fmt.Errorf("regulator restore to %d uV: %w", h.prev, err)
	}
	h.held = false
	return 1, nil
}

// leaseHandler is a logical resource that is either free or leased once.
type leaseHandler struct {
	mu     sync.Mutex
	kind   Kind
	held   bool
	holder CoreID
	shared *sharedLatency
}

func (h *leaseHandler) acquire(r *request) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.held {
		return 0, fmt.Errorf("%s already leased: %w", h.kind, ErrUnsupported)
	}
	if h.shared != nil {
		if err := h.shared.get(); err != nil {
			return 0, fmt.Errorf("%s: %w", h.kind, err)
		}
	}
	h.held = true
	h.holder = r.core.id
	return 1, nil
}

func (h *leaseHandler) release(r *request) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.held {
		return 0, fmt.Errorf("%s not leased: %w", h.kind, ErrUnsupported)
	}
	if h.holder != r.core.id {
		return 0, fmt.Errorf("%s not leased by %s: %w", h.kind, r.core.id, ErrUnsupported)
	}
	if h.shared != nil {
		if err := h.shared.put(); err != nil {
			return 0, fmt.Errorf("%s: %w", h.kind, err)
		}
	}
	h.held = false
	return 1, nil
}

// sharedLatency is one wakeup latency constraint held while any of its
// users hold a lease.
type sharedLatency struct {
	mu    sync.Mutex
	users int
	qos   QoS
	kind  Kind
	value uint32
}

func (s *sharedLatency) get() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == 0 && s.qos != nil {
		if err := s.qos.Apply(s.kind, ConstraintLatency, s.value); err != nil {
			return err
		}
	}
	s.users++
	return nil
}

func (s *sharedLatency) put() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == 1 && s.qos != nil {
		if err := s.qos.Clear(s.kind, ConstraintLatency); err != nil {
			return err
		}
	}
	s.users--
	return nil
}

// mask returns the usage mask of a pooled kind.
func (r *registry) mask(k Kind) uint32 {
	if k >= numKinds {
		return 0
	}
	switch h := r.handlers[k].(type) {
	case *timerHandler:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.pool.mask
	case *clockPoolHandler:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.pool.mask
	}
	return 0
}
