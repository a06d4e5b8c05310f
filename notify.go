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
	"time"
)

// Notify delivers ev to every attached core and waits for each reply,
// bounded by the core's timeout. data is published in the table's event
// descriptor, e.g. the pid for EventPidDeath. A successful hibernate
// notification is followed by SaveContext.
//
// A timeout or a non-success reply is returned as an error. Nothing is retried.
func (m *Module) Notify(ctx context.Context, ev Event, data uint32) (err error) {
	if ev >= numEvents {
		return fmt.Errorf("event %d: %w", ev, ErrInvalidArg)
	}
	if !m.ready() {
		return fmt.Errorf("notify %s: module not set up: %w", ev, ErrInvalidState)
	}
	var cores []*Core
	for _, id := range m.attached() {
		if c := m.Core(id); c != nil {
			cores = append(cores, c)
		}
	}
	if len(cores) == 0 {
		return fmt.Errorf("notify %s: no core attached: %w", ev, ErrNotInstantiated)
	}

	start := time.Now()
	defer func() { m.metrics.notify(ev, start, err) }()

	msg := Message{Type: ev.msgType()}
	word := msg.Encode()
	for _, c := range cores {
		c.table.SetGPMsg(word)
		c.table.SetEvent(EventDesc{Event: uint32(ev), Data: data})
		c.events[ev].reset()
	}
	for _, c := range cores {
		if err := m.plat.Transport.SendEvent(c.id, ChannelNotify, word); err != nil {
			return fmt.Errorf("notify %s: %s: %w", ev, c.id, err)
		}
	}
	for _, c := range cores {
		s, err := c.events[ev].wait(ctx, c.params.Timeout)
		if err != nil {
			return fmt.Errorf("notify %s: %s: %w", ev, c.id, err)
		}
		c.table.SetEvent(EventDesc{Event: uint32(ev), Data: data, Reply: 1, Status: uint32(s)})
		if s != StatusSuccess {
			return &ReplyError{Core: c.id, Event: ev, Status: s}
		}
		c.log.Debugf("%s acknowledged", ev)
	}

	if ev == EventHibernate {
		return m.SaveContext()
	}
	return nil
}
