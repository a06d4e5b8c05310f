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
)

// SaveContext puts the loaded cores to sleep once they all report idle,
// secondary before primary, then saves the mailbox and MMU context.
// It does nothing if the primary core is not loaded.
//
// A failed step aborts the sequence. Cores already put to sleep stay down.
func (m *Module) SaveContext() (err error) {
	m.hibMu.Lock()
	defer m.hibMu.Unlock()
	if !m.ready() || m.hw == nil {
		return fmt.Errorf("save context: module not set up: %w", ErrInvalidState)
	}

	sys := m.Core(CoreSys)
	if sys == nil || !sys.table.Loaded(CoreSys) {
		return nil
	}
	defer func() { m.metrics.hibernate("save", err) }()

	t := sys.table
	loaded := []CoreID{CoreSys}
	if t.Loaded(CoreApp) {
		loaded = append(loaded, CoreApp)
	}
	hw := m.hw
	if hw.idle == nil || hw.mailbox == nil || hw.mmu == nil {
		return fmt.Errorf("save context: no board: %w", ErrInvalidState)
	}

	want := idleMask(loaded)
	err = pollUntil(m.cfg.IdlePollTimeout, m.cfg.IdlePollInterval, func() (bool, error) {
		got, err := idlePattern(hw.idle, loaded)
		return got == want, err
	})
	if err != nil {
		return fmt.Errorf("save context: waiting for idle: %w: %w", ErrInvalidState, err)
	}

	for _, id := range m.deps.sleepOrder(loaded) {
		p, err := m.remoteProc(id)
		if err != nil {
			return fmt.Errorf("save context: %w", err)
		}
		if err := p.Sleep(); err != nil {
			return fmt.Errorf("save context: sleep %s: %w: %w", id, ErrInvalidState, err)
		}
		t.setDown(id, true)
	}

	if err := hw.mailbox.Save(); err != nil {
		return fmt.Errorf("save context: mailbox: %w: %w", ErrInvalidState, err)
	}
	if err := hw.mmu.Save(); err != nil {
		return fmt.Errorf("save context: mmu: %w: %w", ErrInvalidState, err)
	}
	m.log.WithField("cores", loaded).Info("context saved")
	return nil
}

// RestoreContext restores the mailbox and MMU context and wakes the cores
// SaveContext put down, primary before secondary. The first call also
// marks hibernation as allowed in the table. It does nothing if the
// primary core is not down.
func (m *Module) RestoreContext() (err error) {
	m.hibMu.Lock()
	defer m.hibMu.Unlock()
	if !m.ready() || m.hw == nil {
		return fmt.Errorf("restore context: module not set up: %w", ErrInvalidState)
	}

	sys := m.Core(CoreSys)
	if sys == nil {
		return nil
	}
	t := sys.table
	if !m.hibEnabled {
		t.SetOverrideFlags(OverrideHibernateAllowed, 0)
		m.hibEnabled = true
	}
	if !t.Down(CoreSys) {
		return nil
	}
	defer func() { m.metrics.hibernate("restore", err) }()

	down := []CoreID{CoreSys}
	if t.Down(CoreApp) {
		down = append(down, CoreApp)
	}
	hw := m.hw
	if hw.mailbox == nil || hw.mmu == nil {
		return fmt.Errorf("restore context: no board: %w", ErrInvalidState)
	}
	if err := hw.mmu.Restore(); err != nil {
		return fmt.Errorf("restore context: mmu: %w: %w", ErrInvalidState, err)
	}
	if err := hw.mailbox.Restore(); err != nil {
		return fmt.Errorf("restore context: mailbox: %w: %w", ErrInvalidState, err)
	}

	for _, id := range m.deps.wakeOrder(down) {
		p, err := m.remoteProc(id)
		if err != nil {
			return fmt.Errorf("restore context: %w", err)
		}
		if err := p.Wake(); err != nil {
			return fmt.Errorf("restore context: wake %s: %w: %w", id, ErrInvalidState, err)
		}
		t.setDown(id, false)
	}
	m.log.WithField("cores", down).Info("context restored")
	return nil
}

func (m *Module) remoteProc(id CoreID) (RemoteProc, error) {
	c := m.Core(id)
	if c == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotInstantiated)
	}
	if c.proc == nil {
		return nil, fmt.Errorf("%s: no remote processor handle: %w", id, ErrInvalidState)
	}
	return c.proc, nil
}

func idleBit(c CoreID) uint32 {
	if c == CoreApp {
		return 1 << 1
	}
	return 1 << 0
}

// idleMask is the pattern expected once every core in cores is idle.
func idleMask(cores []CoreID) uint32 {
	var mask uint32
	for _, c := range cores {
		mask |= idleBit(c)
	}
	return mask
}

// idlePattern reads the idle flags of cores as (secondary<<1 | primary).
func idlePattern(f IdleFlags, cores []CoreID) (uint32, error) {
	var p uint32
	for _, c := range cores {
		idle, err := f.Idle(c)
		if err != nil {
			return 0, err
		}
		if idle {
			p |= idleBit(c)
		}
	}
	return p, nil
}
