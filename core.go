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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Params is the per-core parameter block. Attach keeps its own copy.
type Params struct {
	// Timeout bounds the wait for this core's notification replies.
	// Zero uses Config.NotifyTimeout.
	Timeout time.Duration

	// Event ids the remote core uses for its two channels; published in
	// the core's agent block.
	ResourceEvent uint32
	NotifyEvent   uint32
}

// Core is the context of one attached remote core.
type Core struct {
	id     CoreID
	m      *Module
	table  *Table
	params Params
	proc   RemoteProc
	log    *logrus.Entry

	events   [numEvents]*pmEvent
	counters [numKinds]atomic.Int32
	inbox    *inbox

	stop chan struct{}
	done chan struct{}
}

func (c *Core) ID() CoreID     { return c.id }
func (c *Core) Table() *Table  { return c.table }
func (c *Core) Params() Params { return c.params }

// Count returns the number of units of kind k this core holds.
func (c *Core) Count(k Kind) int {
	if k >= numKinds {
		return 0
	}
	return int(c.counters[k].Load())
}

func (c *Core) count(k Kind, delta int) {
	c.counters[k].Add(int32(delta))
}

// request validates num and reads its RCB.
func (c *Core) request(num int) (*request, error) {
	if err := validRCB(num); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotInstantiated
	}
	rcb, err := c.table.RCB(num)
	if err != nil {
		return nil, err
	}
	return &request{core: c, num: num, rcb: rcb, log: c.log.WithField("rcb", num)}, nil
}

// enqueue is the resource channel callback. It never blocks; a message
// arriving at a full queue is dropped.
func (c *Core) enqueue(payload uint32) {
	ok := c.inbox.push(payload)
	c.m.metrics.message(c.id, ok)
	if !ok {
		c.log.Warnf("inbound queue full, dropped %#08x", payload)
	}
}

// run drains the inbox each time it is kicked until stop is closed.
func (c *Core) run() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case <-c.inbox.kick:
			c.drain()
		}
	}
}

func (c *Core) drain() {
	for {
		w, ok := c.inbox.pop()
		if !ok {
			return
		}
		c.process(w)
	}
}

// process handles one request and always sends its ack.
func (c *Core) process(w uint32) {
	msg := DecodeMessage(w)
	err := c.m.handle(c, msg)
	st := StatusOf(err)

	reply := msg
	reply.Reply = true
	reply.Parm = uint16(st)

	log := c.log.WithFields(logrus.Fields{
		"rcb":    msg.RCBNum,
		"type":   msg.Type,
		"kind":   msg.SubType,
		"status": st,
	})
	if err != nil {
		log = log.WithError(err)
	}
	log.Debug("request processed")

	c.m.metrics.ack(c.id, msg.Type, st)
	if err := c.m.plat.Transport.SendEvent(c.id, ChannelResource, reply.Encode()); err != nil {
		c.log.WithError(err).Errorf("ack for rcb %d not sent", msg.RCBNum)
	}
}

// onNotify is the notification channel callback. It completes the wait
// for the event the reply answers.
func (c *Core) onNotify(payload uint32) {
	msg := DecodeMessage(payload)
	ev, ok := eventOf(msg.Type)
	if !msg.Reply || !ok {
		c.log.Warnf("unexpected notification %#08x", payload)
		return
	}
	c.events[ev].post(Status(msg.Parm))
}

// inbox is a bounded FIFO of message words.
type inbox struct {
	mu   sync.Mutex
	buf  []uint32
	head int
	n    int
	kick chan struct{}
}

func newInbox(capacity int) *inbox {
	return &inbox{
		buf:  make([]uint32, capacity),
		kick: make(chan struct{}, 1),
	}
}

func (q *inbox) push(w uint32) bool {
	q.mu.Lock()
	if q.n == len(q.buf) {
		q.mu.Unlock()
		return false
	}
	q.buf[(q.head+q.n)%len(q.buf)] = w
	q.n++
	q.mu.Unlock()

	select {
	case q.kick <- struct{}{}:
	default:
		// Already scheduled.
	}
	return true
}

func (q *inbox) pop() (uint32, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return 0, false
	}
	w := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return w, true
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// pmEvent is the completion for one notification kind. It holds at most
// one reply.
type pmEvent struct {
	sem chan Status
}

func newPMEvent() *pmEvent {
	return &pmEvent{sem: make(chan Status, 1)}
}

// reset discards a stale reply.
func (e *pmEvent) reset() {
	select {
	case <-e.sem:
	default:
	}
}

func (e *pmEvent) post(s Status) {
	select {
	case e.sem <- s:
	default:
	}
}

func (e *pmEvent) wait(ctx context.Context, timeout time.Duration) (Status, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s := <-e.sem:
		return s, nil
	case <-timer.C:
		return 0, fmt.Errorf("no reply within %v: %w", timeout, ErrTimeout)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
