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
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Mapping is a shared memory window mapped from a device file.
type Mapping struct {
	f    *os.File
	mem  []byte // page aligned
	data []byte // the requested window
}

// Map maps size bytes at physical address addr of the device at path
// (normally /dev/mem).
func Map(path string, addr int64, size int) (*Mapping, error) {
	if size <= 0 {
		return nil, fmt.Errorf("map %s: size %d: %w", path, size, ErrInvalidArg)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0660)
	if err != nil {
		return nil, err
	}
	page := int64(os.Getpagesize())
	base := addr &^ (page - 1)
	skip := int(addr - base)
	length := (skip + size + int(page) - 1) &^ (int(page) - 1)
	mem, err := unix.Mmap(int(f.Fd()), base, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s@%#x: %w", path, addr, err)
	}
	return &Mapping{f: f, mem: mem, data: mem[skip : skip+size]}, nil
}

// Bytes returns the mapped window.
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Close unmaps the window.
func (m *Mapping) Close() error {
	if m.f == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.f.Close()
	m.f = nil
	m.mem = nil
	m.data = nil
	return err
}

// OpenSharedTable maps the shared control table at addr. The returned
// Table is a view onto the mapping, valid until the mapping is closed.
func OpenSharedTable(path string, addr int64) (*Table, *Mapping, error) {
	mp, err := Map(path, addr, TableSize)
	if err != nil {
		return nil, nil, err
	}
	t, err := NewTable(mp.Bytes())
	if err != nil {
		mp.Close()
		return nil, nil, err
	}
	return t, mp, nil
}

// regWindow keeps a snapshot of a register window across hibernation.
type regWindow struct {
	mu    sync.Mutex
	regs  []byte
	saved []byte
	close func() error
}

func newRegWindow(regs []byte, closeFn func() error) *regWindow {
	return &regWindow{regs: regs, close: closeFn}
}

func (w *regWindow) Save() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.saved == nil {
		w.saved = make([]byte, len(w.regs))
	}
	for i := 0; i < len(w.regs); i += 4 {
		Order.PutUint32(w.saved[i:], Order.Uint32(w.regs[i:]))
	}
	return nil
}

func (w *regWindow) Restore() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.saved == nil {
		return fmt.Errorf("restore before save: %w", ErrInvalidState)
	}
	for i := 0; i < len(w.regs); i += 4 {
		Order.PutUint32(w.regs[i:], Order.Uint32(w.saved[i:]))
	}
	return nil
}

func (w *regWindow) Close() error {
	if w.close == nil {
		return nil
	}
	return w.close()
}

// regIdleFlags reads one 32-bit idle register per core; non-zero is idle.
type regIdleFlags struct {
	regs  map[CoreID][]byte
	close func() error
}

func (f *regIdleFlags) Idle(c CoreID) (bool, error) {
	r, ok := f.regs[c]
	if !ok {
		return false, fmt.Errorf("no idle register for %s: %w", c, ErrInvalidArg)
	}
	return Order.Uint32(r) != 0, nil
}

func (f *regIdleFlags) Close() error {
	if f.close == nil {
		return nil
	}
	return f.close()
}

// DevMemBoard implements Board by mapping physical registers from /dev/mem.
type DevMemBoard struct {
	cfg BoardConfig
}

func NewDevMemBoard(cfg BoardConfig) *DevMemBoard {
	if cfg.MemPath == "" {
		cfg.MemPath = "/dev/mem"
	}
	return &DevMemBoard{cfg: cfg}
}

func (b *DevMemBoard) MapIdleFlags() (IdleFlags, error) {
	sys, err := Map(b.cfg.MemPath, b.cfg.SysIdleReg, 4)
	if err != nil {
		return nil, fmt.Errorf("sys idle register: %w", err)
	}
	app, err := Map(b.cfg.MemPath, b.cfg.AppIdleReg, 4)
	if err != nil {
		sys.Close()
		return nil, fmt.Errorf("app idle register: %w", err)
	}
	return &regIdleFlags{
		regs: map[CoreID][]byte{CoreSys: sys.Bytes(), CoreApp: app.Bytes()},
		close: func() error {
			err := sys.Close()
			if aerr := app.Close(); err == nil {
				err = aerr
			}
			return err
		},
	}, nil
}

func (b *DevMemBoard) OpenContext(u HWUnit) (HWContext, error) {
	addr, size := b.cfg.MailboxBase, b.cfg.MailboxSize
	if u == UnitMMU {
		addr, size = b.cfg.MMUBase, b.cfg.MMUSize
	}
	if size%4 != 0 {
		return nil, fmt.Errorf("%s window size %d: %w", u, size, ErrInvalidArg)
	}
	mp, err := Map(b.cfg.MemPath, addr, size)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", u, err)
	}
	return newRegWindow(mp.Bytes(), mp.Close), nil
}
