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
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

var errFake = errors.New("fake failure")

type sent struct {
	core CoreID
	ch   Channel
	word uint32
}

// fakeTransport records sent words and, when replies is set, answers
// notifications from the remote side.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[endpoint]func(uint32)
	sent     []sent
	replies  map[CoreID]Status // reply status per core; missing means no reply
	sendErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[endpoint]func(uint32))}
}

func (f *fakeTransport) SendEvent(core CoreID, ch Channel, w uint32) error {
	f.mu.Lock()
	if f.sendErr != nil {
		f.mu.Unlock()
		return f.sendErr
	}
	f.sent = append(f.sent, sent{core, ch, w})
	st, reply := f.replies[core]
	fn := f.handlers[endpoint{core, ChannelNotify}]
	f.mu.Unlock()

	if ch == ChannelNotify && reply && fn != nil {
		msg := DecodeMessage(w)
		msg.Reply = true
		msg.Parm = uint16(st)
		go fn(msg.Encode())
	}
	return nil
}

func (f *fakeTransport) RegisterEvent(core CoreID, ch Channel, fn func(uint32)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep := endpoint{core, ch}
	if _, ok := f.handlers[ep]; ok {
		return fmt.Errorf("%s/%s registered twice", core, ch)
	}
	f.handlers[ep] = fn
	return nil
}

func (f *fakeTransport) UnregisterEvent(core CoreID, ch Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, endpoint{core, ch})
	return nil
}

// deliver calls the handler registered for core and ch, as the remote side would.
func (f *fakeTransport) deliver(core CoreID, ch Channel, w uint32) bool {
	f.mu.Lock()
	fn := f.handlers[endpoint{core, ch}]
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(w)
	return true
}

func (f *fakeTransport) registered(core CoreID, ch Channel) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[endpoint{core, ch}]
	return ok
}

// acks returns the decoded words sent on the resource channel of core.
func (f *fakeTransport) acks(core CoreID) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, s := range f.sent {
		if s.core == core && s.ch == ChannelResource {
			out = append(out, DecodeMessage(s.word))
		}
	}
	return out
}

func (f *fakeTransport) setReply(core CoreID, s Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replies == nil {
		f.replies = make(map[CoreID]Status)
	}
	f.replies[core] = s
}

type fakeDMA struct {
	mu     sync.Mutex
	next   int
	limit  int // channels that can be outstanding
	held   map[int]bool
	failAt int // fail the n-th request (1 based) when non-zero
	calls  int
}

func newFakeDMA(limit int) *fakeDMA {
	return &fakeDMA{limit: limit, held: make(map[int]bool)}
}

func (d *fakeDMA) RequestChannel() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.failAt != 0 && d.calls == d.failAt {
		return 0, errFake
	}
	if len(d.held) >= d.limit {
		return 0, errFake
	}
	for d.held[d.next] {
		d.next++
	}
	ch := d.next
	d.held[ch] = true
	d.next++
	return ch, nil
}

func (d *fakeDMA) ReleaseChannel(ch int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.held[ch] {
		return fmt.Errorf("channel %d not held", ch)
	}
	delete(d.held, ch)
	return nil
}

func (d *fakeDMA) outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}

type fakeTimers struct {
	mu   sync.Mutex
	fail map[int]bool
	held map[Handle]int
	next Handle
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{fail: make(map[int]bool), held: make(map[Handle]int), next: 0x100}
}

func (t *fakeTimers) RequestTimer(id int) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail[id] {
		return 0, errFake
	}
	for _, v := range t.held {
		if v == id {
			return 0, fmt.Errorf("timer %d busy", id)
		}
	}
	t.next++
	t.held[t.next] = id
	return t.next, nil
}

func (t *fakeTimers) FreeTimer(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.held[h]; !ok {
		return fmt.Errorf("handle %#x not held", h)
	}
	delete(t.held, h)
	return nil
}

func (t *fakeTimers) holds(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, v := range t.held {
		if v == id {
			return true
		}
	}
	return false
}

type fakeClock struct {
	mu       sync.Mutex
	name     string
	enabled  bool
	rate     uint64
	parent   *fakeClock
	failEn   bool
	failRate bool
}

func (c *fakeClock) Name() string { return c.name }

func (c *fakeClock) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failEn {
		return errFake
	}
	c.enabled = true
	return nil
}

func (c *fakeClock) Disable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = false
	return nil
}

func (c *fakeClock) SetRate(hz uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failRate {
		return errFake
	}
	c.rate = hz
	return nil
}

// RoundRate rounds down to a whole MHz.
func (c *fakeClock) RoundRate(hz uint64) uint64 {
	return hz - hz%1000000
}

func (c *fakeClock) Parent() Clock {
	if c.parent == nil {
		return nil
	}
	return c.parent
}

func (c *fakeClock) isEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

type fakeClocks map[string]*fakeClock

func newFakeClocks() fakeClocks {
	root := &fakeClock{name: "sys_clkin_ck"}
	cs := fakeClocks{}
	for i := 1; i <= 4; i++ {
		n := fmt.Sprintf("i2c%d_fck", i)
		cs[n] = &fakeClock{name: n, parent: root}
	}
	for i := 0; i <= 5; i++ {
		n := fmt.Sprintf("auxclk%d_ck", i)
		cs[n] = &fakeClock{name: n, parent: root}
	}
	return cs
}

func (f fakeClocks) Clock(name string) (Clock, error) {
	c, ok := f[name]
	if !ok {
		return nil, fmt.Errorf("no clock %s", name)
	}
	return c, nil
}

type fakeGPIO struct {
	mu   sync.Mutex
	held map[int]bool
}

func (g *fakeGPIO) RequestGPIO(n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[n] {
		return fmt.Errorf("gpio %d busy", n)
	}
	g.held[n] = true
	return nil
}

func (g *fakeGPIO) FreeGPIO(n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held[n] {
		return fmt.Errorf("gpio %d free", n)
	}
	delete(g.held, n)
	return nil
}

type fakeRegulator struct {
	mu      sync.Mutex
	uv      int
	lo, hi  int
	failSet bool
}

func (r *fakeRegulator) Voltage() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uv, nil
}

func (r *fakeRegulator) SetVoltage(lo, hi int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSet {
		return errFake
	}
	r.lo, r.hi, r.uv = lo, hi, lo
	return nil
}

type qosKey struct {
	kind Kind
	opt  ConstraintOption
}

type fakeQoS struct {
	mu     sync.Mutex
	active map[qosKey]uint32
	calls  int
	failOn map[ConstraintOption]bool
}

func newFakeQoS() *fakeQoS {
	return &fakeQoS{active: make(map[qosKey]uint32), failOn: make(map[ConstraintOption]bool)}
}

func (q *fakeQoS) Apply(k Kind, opt ConstraintOption, v uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.failOn[opt] {
		return errFake
	}
	q.active[qosKey{k, opt}] = v
	return nil
}

func (q *fakeQoS) Clear(k Kind, opt ConstraintOption) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	delete(q.active, qosKey{k, opt})
	return nil
}

func (q *fakeQoS) get(k Kind, opt ConstraintOption) (uint32, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.active[qosKey{k, opt}]
	return v, ok
}

func (q *fakeQoS) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// eventLog records the hibernation steps in order, together with the
// table state flags seen when each step ran.
type eventLog struct {
	mu    sync.Mutex
	table *Table
	steps []string
	flags []uint32
}

func (l *eventLog) add(step string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, step)
	var f uint32
	if l.table != nil {
		f = l.table.StateFlags()
	}
	l.flags = append(l.flags, f)
}

func (l *eventLog) get() ([]string, []uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.steps...), append([]uint32(nil), l.flags...)
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps, l.flags = nil, nil
}

type fakeProc struct {
	core   CoreID
	log    *eventLog
	closed bool
}

func (p *fakeProc) Sleep() error {
	p.log.add("sleep " + p.core.String())
	return nil
}

func (p *fakeProc) Wake() error {
	p.log.add("wake " + p.core.String())
	return nil
}

func (p *fakeProc) Close() error {
	p.closed = true
	return nil
}

type fakeProcs struct {
	log   *eventLog
	procs map[CoreID]*fakeProc
}

func (f *fakeProcs) Proc(core CoreID) (RemoteProc, error) {
	p := &fakeProc{core: core, log: f.log}
	f.procs[core] = p
	return p, nil
}

type fakeIdle struct {
	mu        sync.Mutex
	idle      map[CoreID]bool
	closed    int
	readAfter int // reads made after Close
}

func (f *fakeIdle) Idle(c CoreID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed > 0 {
		f.readAfter++
	}
	return f.idle[c], nil
}

func (f *fakeIdle) readsAfterClose() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readAfter
}

func (f *fakeIdle) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeIdle) set(c CoreID, idle bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idle[c] = idle
}

type fakeCtx struct {
	unit   HWUnit
	log    *eventLog
	closed int
}

func (c *fakeCtx) Save() error {
	c.log.add("save " + c.unit.String())
	return nil
}

func (c *fakeCtx) Restore() error {
	c.log.add("restore " + c.unit.String())
	return nil
}

func (c *fakeCtx) Close() error {
	c.closed++
	return nil
}

type fakeBoard struct {
	idle  *fakeIdle
	ctx   map[HWUnit]*fakeCtx
	log   *eventLog
	maps  int
	opens int
}

func (b *fakeBoard) MapIdleFlags() (IdleFlags, error) {
	b.maps++
	return b.idle, nil
}

func (b *fakeBoard) OpenContext(u HWUnit) (HWContext, error) {
	b.opens++
	c := &fakeCtx{unit: u, log: b.log}
	b.ctx[u] = c
	return c, nil
}

// testEnv is a module wired to fakes over a zeroed table.
type testEnv struct {
	m      *Module
	table  *Table
	tr     *fakeTransport
	dma    *fakeDMA
	timers *fakeTimers
	clocks fakeClocks
	gpio   *fakeGPIO
	reg    *fakeRegulator
	qos    *fakeQoS
	procs  *fakeProcs
	board  *fakeBoard
	log    *eventLog
	hook   *test.Hook
}

func testConfig() (Config, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	cfg := DefaultConfig()
	cfg.NotifyTimeout = 200 * time.Millisecond
	cfg.IdlePollTimeout = 50 * time.Millisecond
	cfg.Logger = logger
	return cfg, hook
}

// newEnv sets the module up and attaches cores.
func newEnv(t *testing.T, cores ...CoreID) *testEnv {
	t.Helper()
	cfg, hook := testConfig()
	table, err := NewTable(make([]byte, TableSize))
	require.NoError(t, err)
	table.Init()

	log := &eventLog{table: table}
	e := &testEnv{
		table:  table,
		tr:     newFakeTransport(),
		dma:    newFakeDMA(32),
		timers: newFakeTimers(),
		clocks: newFakeClocks(),
		gpio:   &fakeGPIO{held: make(map[int]bool)},
		reg:    &fakeRegulator{uv: 1100000},
		qos:    newFakeQoS(),
		procs:  &fakeProcs{log: log, procs: make(map[CoreID]*fakeProc)},
		board: &fakeBoard{
			idle: &fakeIdle{idle: make(map[CoreID]bool)},
			ctx:  make(map[HWUnit]*fakeCtx),
			log:  log,
		},
		log:  log,
		hook: hook,
	}
	e.m, err = New(cfg, Platform{
		Transport: e.tr,
		SDMA:      e.dma,
		Timers:    e.timers,
		Clocks:    e.clocks,
		GPIO:      e.gpio,
		Regulator: e.reg,
		QoS:       e.qos,
		Procs:     e.procs,
		Board:     e.board,
	})
	require.NoError(t, err)
	require.NoError(t, e.m.Setup())
	for _, c := range cores {
		require.NoError(t, e.m.Attach(c, table, Params{ResourceEvent: 1, NotifyEvent: 2}))
	}
	t.Cleanup(func() {
		for e.m.ready() {
			e.m.Destroy()
		}
	})
	return e
}

// rcb writes r into slot num.
func (e *testEnv) rcb(t *testing.T, num int, r RCB) {
	t.Helper()
	r.Num = uint8(num)
	if r.Payload == nil {
		r.Payload = decodePayload(r.Type, r.Kind, make([]byte, payloadSize))
	}
	require.NoError(t, e.table.PutRCB(num, &r))
}

func (e *testEnv) readRCB(t *testing.T, num int) *RCB {
	t.Helper()
	r, err := e.table.RCB(num)
	require.NoError(t, err)
	return r
}
