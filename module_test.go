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
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadInput(t *testing.T) {
	cfg, _ := testConfig()
	_, err := New(cfg, Platform{})
	assert.True(t, errors.Is(err, ErrInvalidArg))

	cfg.QueueCapacity = 0
	_, err = New(cfg, Platform{Transport: newFakeTransport()})
	assert.True(t, errors.Is(err, ErrInvalidArg))
}

func TestSetupRefcount(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.m.Setup())
	assert.Equal(t, uint32(2), e.m.refs())
	assert.Equal(t, 1, e.board.maps)
	assert.Equal(t, 2, e.board.opens)
	assert.True(t, e.timers.holds(10))

	require.NoError(t, e.m.Destroy())
	assert.True(t, e.m.ready())
	assert.True(t, e.timers.holds(10))

	require.NoError(t, e.m.Destroy())
	assert.False(t, e.m.ready())
	assert.False(t, e.timers.holds(10))
	assert.Equal(t, 1, e.board.idle.closed)
	assert.Equal(t, 1, e.board.ctx[UnitMailbox].closed)
	assert.Equal(t, 1, e.board.ctx[UnitMMU].closed)

	assert.True(t, errors.Is(e.m.Destroy(), ErrInvalidState))

	// A second cycle acquires everything again.
	require.NoError(t, e.m.Setup())
	assert.Equal(t, 2, e.board.maps)
	assert.True(t, e.timers.holds(10))
}

func TestSetupFailureReleasesHardware(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.m.Destroy())
	e.timers.fail[10] = true

	assert.Error(t, e.m.Setup())
	assert.False(t, e.m.ready())
	assert.Equal(t, 1+1, e.board.idle.closed)
	assert.Equal(t, 1, e.board.ctx[UnitMMU].closed)
}

func TestRefcountIgnoresGarbage(t *testing.T) {
	e := newEnv(t)
	e.m.ref.Store(0x12345601)
	assert.False(t, e.m.ready())
	e.m.ref.Store(refMagic | 1)
	assert.True(t, e.m.ready())
}

func TestAttachPreconditions(t *testing.T) {
	cfg, _ := testConfig()
	m, err := New(cfg, Platform{Transport: newFakeTransport()})
	require.NoError(t, err)
	table, err := NewTable(make([]byte, TableSize))
	require.NoError(t, err)
	assert.True(t, errors.Is(m.Attach(CoreSys, table, Params{}), ErrInvalidState))
	assert.True(t, errors.Is(m.Detach(CoreSys), ErrInvalidState))

	e := newEnv(t, CoreSys)
	assert.True(t, errors.Is(e.m.Attach(CoreSys, e.table, Params{}), ErrAlreadyAttached))
	assert.True(t, errors.Is(e.m.Attach(CoreID(7), e.table, Params{}), ErrInvalidArg))
	assert.True(t, errors.Is(e.m.Attach(CoreApp, nil, Params{}), ErrInvalidArg))
}

func TestAttachPublishesAgentBlock(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.m.Attach(CoreApp, e.table, Params{ResourceEvent: 7, NotifyEvent: 8}))

	a := e.table.Agent(AgentApp)
	assert.Equal(t, uint32(7), a.ResourceEvent)
	assert.Equal(t, uint32(8), a.NotifyEvent)
	assert.Equal(t, uint32(5000), e.table.HibernateTimer())
	assert.True(t, e.tr.registered(CoreApp, ChannelResource))
	assert.True(t, e.tr.registered(CoreApp, ChannelNotify))
	assert.Equal(t, e.m.cfg.NotifyTimeout, e.m.Core(CoreApp).Params().Timeout)
}

func TestAttachVersionMismatch(t *testing.T) {
	e := newEnv(t)
	e.table.SetVersion(0x00010000)
	require.NoError(t, e.m.Attach(CoreSys, e.table, Params{}))

	var warned bool
	for _, entry := range e.hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Data["core"] == "sysm3" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestAttachUnwindsOnFailure(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.tr.RegisterEvent(CoreApp, ChannelNotify, func(uint32) {}))

	assert.Error(t, e.m.Attach(CoreApp, e.table, Params{}))
	assert.False(t, e.tr.registered(CoreApp, ChannelResource))
	assert.Nil(t, e.m.Core(CoreApp))
}

func TestDetach(t *testing.T) {
	e := newEnv(t, CoreSys, CoreApp)
	proc := e.procs.procs[CoreApp]

	require.NoError(t, e.m.Detach(CoreApp))
	assert.False(t, e.tr.registered(CoreApp, ChannelResource))
	assert.False(t, e.tr.registered(CoreApp, ChannelNotify))
	assert.True(t, proc.closed)
	assert.Nil(t, e.m.Core(CoreApp))
	assert.True(t, errors.Is(e.m.Detach(CoreApp), ErrNotInstantiated))

	// Requests for a detached core are refused.
	assert.True(t, errors.Is(e.m.Acquire(KindGPIO, CoreApp, 1), ErrNotInstantiated))

	// The core can attach again.
	require.NoError(t, e.m.Attach(CoreApp, e.table, Params{}))
}

func TestDestroyDetachesCores(t *testing.T) {
	e := newEnv(t, CoreSys, CoreApp)
	require.NoError(t, e.m.Destroy())

	assert.Empty(t, e.m.attached())
	for _, c := range []CoreID{CoreSys, CoreApp} {
		assert.False(t, e.tr.registered(c, ChannelResource))
		assert.True(t, e.procs.procs[c].closed)
	}
}

func TestAttachedSorted(t *testing.T) {
	e := newEnv(t, CoreApp, CoreSys)
	assert.Equal(t, []CoreID{CoreSys, CoreApp}, e.m.attached())
}
