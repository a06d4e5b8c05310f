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
	"time"
)

const (
	RpBufSize   = 512
	waitTimeout = 2 * time.Second
)

type endpoint struct {
	core CoreID
	ch   Channel
}

// RPMsgTransport carries message words over rpmsg character devices, one
// device per core and channel. Words are sent little endian.
type RPMsgTransport struct {
	pattern string

	mu   sync.Mutex
	devs map[endpoint]*os.File
}

func NewRPMsgTransport(cfg RPMsgConfig) *RPMsgTransport {
	pattern := cfg.DevPattern
	if pattern == "" {
		pattern = DefaultConfig().RPMsg.DevPattern
	}
	return &RPMsgTransport{pattern: pattern, devs: make(map[endpoint]*os.File)}
}

func (t *RPMsgTransport) devName(core CoreID, ch Channel) string {
	return fmt.Sprintf(t.pattern, uint8(core), uint8(ch))
}

// RegisterEvent opens the device for core and ch and starts a goroutine
// passing every word read from it to fn.
func (t *RPMsgTransport) RegisterEvent(core CoreID, ch Channel, fn func(uint32)) error {
	name := t.devName(core, ch)
	f, err := waitForPermission(name)
	if err != nil {
		return fmt.Errorf("rpmsg %s: %w", name, err)
	}
	ep := endpoint{core, ch}
	t.mu.Lock()
	if _, ok := t.devs[ep]; ok {
		t.mu.Unlock()
		f.Close()
		return fmt.Errorf("rpmsg %s already registered: %w", name, ErrInvalidState)
	}
	t.devs[ep] = f
	t.mu.Unlock()

	go func() {
		buf := make([]byte, RpBufSize)
		for {
			n, err := f.Read(buf)
			if err != nil {
				break
			}
			for i := 0; i+4 <= n; i += 4 {
				fn(Order.Uint32(buf[i:]))
			}
		}
	}()
	return nil
}

// SendEvent writes one word to the device for core and ch.
func (t *RPMsgTransport) SendEvent(core CoreID, ch Channel, payload uint32) error {
	t.mu.Lock()
	f := t.devs[endpoint{core, ch}]
	t.mu.Unlock()
	if f == nil {
		return fmt.Errorf("rpmsg %s not open: %w", t.devName(core, ch), ErrNotInstantiated)
	}
	var b [4]byte
	Order.PutUint32(b[:], payload)
	_, err := f.Write(b[:])
	return err
}

// UnregisterEvent closes the device, which also ends its reader.
func (t *RPMsgTransport) UnregisterEvent(core CoreID, ch Channel) error {
	ep := endpoint{core, ch}
	t.mu.Lock()
	f := t.devs[ep]
	delete(t.devs, ep)
	t.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

// After the RPMsg vdev is created, there is a short time before the
// permissions get set correctly, so wait for the device to become writable.
func waitForPermission(name string) (*os.File, error) {
	var tout time.Duration
	var err error
	var f *os.File
	sl := time.Millisecond
	for tout = 0; tout < waitTimeout; tout += sl {
		f, err = os.OpenFile(name, os.O_RDWR, 0)
		if err == nil || !os.IsPermission(err) {
			break
		}
		time.Sleep(sl)
	}
	return f, err
}
