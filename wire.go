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
	"encoding/binary"
	"fmt"
)

var Order = binary.LittleEndian

// CoreID identifies a remote core. The values match the processor ids
// the remote firmware writes into requesting_core.
type CoreID uint8

const (
	CoreSys CoreID = 2 // primary
	CoreApp CoreID = 3 // secondary, sleeps before and wakes after CoreSys
)

func (c CoreID) String() string {
	switch c {
	case CoreSys:
		return "sysm3"
	case CoreApp:
		return "appm3"
	}
	return fmt.Sprintf("core%d", uint8(c))
}

func (c CoreID) valid() bool {
	return c == CoreSys || c == CoreApp
}

// Kind is the 4-bit resource kind carried in sub_type.
type Kind uint8

const (
	KindFDIF      Kind = iota // camera pipeline
	KindIPU                   // the remote subsystem as a whole
	KindSysM3                 // primary core identity
	KindAppM3                 // secondary core identity
	KindISS                   // image pipeline
	KindIVAHD                 // video/DSP accelerator
	KindIVASEQ0               // accelerator sequencer 0
	KindIVASEQ1               // accelerator sequencer 1
	KindL3Bus                 // bus fabric
	KindMPU                   // host processor
	KindSDMA                  // DMA channels
	KindGPTimer               // general purpose timers
	KindGPIO                  // GPIO lines
	KindI2C                   // I2C buses
	KindRegulator             // voltage regulator
	KindAuxClk                // auxiliary clocks

	numKinds = 16
)

var kindNames = [numKinds]string{
	"fdif", "ipu", "sysm3", "appm3", "iss", "ivahd", "ivaseq0", "ivaseq1",
	"l3bus", "mpu", "sdma", "gptimer", "gpio", "i2c", "regulator", "auxclk",
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MsgType is the 4-bit message type shared by the wire word and the RCB.
type MsgType uint8

const (
	MsgRequestResource MsgType = iota
	MsgReleaseResource
	MsgRequestConstraint
	MsgReleaseConstraint
	MsgSuspend
	MsgResume
	MsgHibernate
	MsgPidDeath
)

var msgNames = [...]string{
	"request_resource", "release_resource", "request_constraint", "release_constraint",
	"suspend", "resume", "hibernate", "pid_death",
}

func (t MsgType) String() string {
	if int(t) < len(msgNames) {
		return msgNames[t]
	}
	return fmt.Sprintf("msg(%d)", uint8(t))
}

// Event is a host-initiated notification.
type Event uint8

const (
	EventSuspend Event = iota
	EventResume
	EventHibernate
	EventPidDeath

	numEvents = 4
)

func (e Event) String() string {
	return e.msgType().String()
}

func (e Event) msgType() MsgType {
	return MsgSuspend + MsgType(e)
}

// eventOf returns the event answered by a message of type t.
func eventOf(t MsgType) (Event, bool) {
	if t < MsgSuspend || t > MsgPidDeath {
		return 0, false
	}
	return Event(t - MsgSuspend), true
}

// Message is the 32-bit word exchanged over the notification transport.
type Message struct {
	RCBFlag bool
	RCBNum  uint8
	Reply   bool
	Type    MsgType
	SubType Kind
	Parm    uint16
}

// DecodeMessage unpacks a wire word.
func DecodeMessage(w uint32) Message {
	return Message{
		RCBFlag: w&1 != 0,
		RCBNum:  uint8(w>>1) & 0x3f,
		Reply:   w&(1<<7) != 0,
		Type:    MsgType(w>>8) & 0xf,
		SubType: Kind(w>>12) & 0xf,
		Parm:    uint16(w >> 16),
	}
}

// Encode packs m into a wire word.
func (m Message) Encode() uint32 {
	var w uint32
	if m.RCBFlag {
		w |= 1
	}
	w |= uint32(m.RCBNum&0x3f) << 1
	if m.Reply {
		w |= 1 << 7
	}
	w |= uint32(m.Type&0xf) << 8
	w |= uint32(m.SubType&0xf) << 12
	w |= uint32(m.Parm) << 16
	return w
}

// RCB numbering. Slot 0 is never leased.
const (
	NumRCB = 32
	RCBMin = 1
	RCBMax = NumRCB - 1

	rcbSize     = 32
	payloadSize = 16

	MaxChannels = payloadSize
)

// RCB is one resource control block.
type RCB struct {
	Num         uint8
	Type        MsgType
	Kind        Kind
	Core        CoreID
	ExtMem      bool
	NumChannels uint8
	Index       uint16 // reserved bits, used as timer/bus/gpio/clock index

	PID        uint32
	Sem        uint32
	ModuleBase uint32

	Payload Payload
}

// Payload is the 16-byte RCB payload. Which variant is present depends only on
// the RCB's message type and kind.
type Payload interface {
	encode(b []byte)
}

// ChannelList holds the DMA channel ids granted to a request.
type ChannelList [MaxChannels]uint8

// DataWords holds generic data such as constraint flags and values.
type DataWords [4]uint32

// ExtendedData holds three data words and a handle to an out-of-band block.
type ExtendedData struct {
	Data [3]uint32
	Ext  uint32
}

func (c ChannelList) encode(b []byte) {
	copy(b, c[:])
}

func (d DataWords) encode(b []byte) {
	for i, v := range d {
		Order.PutUint32(b[i*4:], v)
	}
}

func (e ExtendedData) encode(b []byte) {
	for i, v := range e.Data {
		Order.PutUint32(b[i*4:], v)
	}
	Order.PutUint32(b[12:], e.Ext)
}

type payloadKind int

const (
	payloadData payloadKind = iota
	payloadChannels
	payloadExtended
)

func payloadKindOf(t MsgType, k Kind) payloadKind {
	switch t {
	case MsgRequestResource, MsgReleaseResource:
		switch k {
		case KindSDMA:
			return payloadChannels
		case KindRegulator:
			return payloadExtended
		}
	}
	return payloadData
}

func decodePayload(t MsgType, k Kind, b []byte) Payload {
	switch payloadKindOf(t, k) {
	case payloadChannels:
		var c ChannelList
		copy(c[:], b)
		return c
	case payloadExtended:
		var e ExtendedData
		for i := range e.Data {
			e.Data[i] = Order.Uint32(b[i*4:])
		}
		e.Ext = Order.Uint32(b[12:])
		return e
	}
	var d DataWords
	for i := range d {
		d[i] = Order.Uint32(b[i*4:])
	}
	return d
}

func (r *RCB) header() uint32 {
	w := uint32(r.Num & 0x3f)
	w |= uint32(r.Type&0xf) << 6
	w |= uint32(r.Kind&0xf) << 10
	w |= uint32(r.Core&0xf) << 14
	if r.ExtMem {
		w |= 1 << 18
	}
	w |= uint32(r.NumChannels&0xf) << 19
	w |= uint32(r.Index&0x1ff) << 23
	return w
}

func decodeRCB(b []byte) *RCB {
	w := Order.Uint32(b)
	r := &RCB{
		Num:         uint8(w & 0x3f),
		Type:        MsgType(w>>6) & 0xf,
		Kind:        Kind(w>>10) & 0xf,
		Core:        CoreID(w>>14) & 0xf,
		ExtMem:      w&(1<<18) != 0,
		NumChannels: uint8(w>>19) & 0xf,
		Index:       uint16(w>>23) & 0x1ff,
		PID:         Order.Uint32(b[4:]),
		Sem:         Order.Uint32(b[8:]),
		ModuleBase:  Order.Uint32(b[12:]),
	}
	r.Payload = decodePayload(r.Type, r.Kind, b[16:rcbSize])
	return r
}

func (r *RCB) encode(b []byte) {
	Order.PutUint32(b, r.header())
	Order.PutUint32(b[4:], r.PID)
	Order.PutUint32(b[8:], r.Sem)
	Order.PutUint32(b[12:], r.ModuleBase)
	p := b[16:rcbSize]
	for i := range p {
		p[i] = 0
	}
	if r.Payload != nil {
		r.Payload.encode(p)
	}
}

// Channels returns the channel list payload, or an empty list if the RCB
// carries another variant.
func (r *RCB) Channels() ChannelList {
	c, _ := r.Payload.(ChannelList)
	return c
}

// Data returns the data word payload.
func (r *RCB) Data() DataWords {
	d, _ := r.Payload.(DataWords)
	return d
}

// Extended returns the extended data payload.
func (r *RCB) Extended() ExtendedData {
	e, _ := r.Payload.(ExtendedData)
	return e
}
