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
	"strings"
)

const rpBase = "/sys/class/remoteproc/remoteproc%d/%s"

// SysfsProcs controls remote cores through the remoteproc sysfs interface.
type SysfsProcs struct {
	// Units maps a core to its remoteproc instance number.
	Units map[CoreID]int

	// Base is the sysfs path pattern; defaults to the remoteproc class.
	Base string
}

func (s *SysfsProcs) Proc(core CoreID) (RemoteProc, error) {
	unit, ok := s.Units[core]
	if !ok {
		return nil, fmt.Errorf("no remoteproc unit for %s: %w", core, ErrInvalidArg)
	}
	base := s.Base
	if base == "" {
		base = rpBase
	}
	p := &sysfsProc{unit: unit, base: base}
	if _, err := p.State(); err != nil {
		return nil, err
	}
	return p, nil
}

type sysfsProc struct {
	unit int
	base string
}

// Sleep writes the stop command to the remote processor
func (p *sysfsProc) Sleep() error {
	return p.write("state", "stop")
}

// Wake writes the start command to the remote processor
func (p *sysfsProc) Wake() error {
	return p.write("state", "start")
}

func (p *sysfsProc) Close() error {
	return nil
}

// State reads the current remoteproc state, e.g. "running" or "offline".
func (p *sysfsProc) State() (string, error) {
	b, err := os.ReadFile(fmt.Sprintf(p.base, p.unit, "state"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// write sends the string to the remoteproc filename
func (p *sysfsProc) write(name, command string) error {
	f := fmt.Sprintf(p.base, p.unit, name)
	fd, err := os.OpenFile(f, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer fd.Close()
	_, err = fd.WriteString(command)
	return err
}
