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
)

var (
	// ErrNotInstantiated is returned when no context exists for the core.
	ErrNotInstantiated = errors.New("core not instantiated")

	// ErrInvalidArg is returned for a bad rcb number, kind, channel count or index.
	ErrInvalidArg = errors.New("invalid argument")

	// ErrResourceExhausted is returned when a pool has no free instance.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrUnsupported is returned when the operation does not fit the current
	// lease state, or the resource kind does not accept it.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrTimeout is returned when a notification or idle wait exceeds its bound.
	ErrTimeout = errors.New("timeout")

	// ErrInvalidState is returned when the module is not set up or a
	// save/restore step fails.
	ErrInvalidState = errors.New("invalid state")

	// ErrAlreadyAttached is returned by Attach for a core that already has a context.
	ErrAlreadyAttached = errors.New("core already attached")

	// ErrRejected is wrapped by ReplyError when a core answers a
	// notification with a non-success status.
	ErrRejected = errors.New("notification rejected")
)

// Status is the 16-bit result code carried in the parm field of an ack.
type Status uint16

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusUnsupported
	StatusTimeout
	StatusNotInstantiated
	StatusInvalidArg
	StatusInvalidState
	StatusNoSDMA
	StatusNoGPTimer
	StatusNoGPIO
	StatusNoI2C
	StatusNoAuxClk
	StatusNoRegulator
)

var statusNames = [...]string{
	StatusSuccess:         "success",
	StatusFailure:         "failure",
	StatusUnsupported:     "unsupported",
	StatusTimeout:         "timeout",
	StatusNotInstantiated: "not_instantiated",
	StatusInvalidArg:      "invalid_arg",
	StatusInvalidState:    "invalid_state",
	StatusNoSDMA:          "no_sdma",
	StatusNoGPTimer:       "no_gptimer",
	StatusNoGPIO:          "no_gpio",
	StatusNoI2C:           "no_i2c",
	StatusNoAuxClk:        "no_auxclk",
	StatusNoRegulator:     "no_regulator",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint16(s))
}

// StatusError carries a resource-specific wire status. It unwraps to
// one of the package sentinel errors.
type StatusError struct {
	Status Status
	Kind   Kind
	Err    error
	Cause  error // collaborator error, if any
}

func (e *StatusError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v: %v", e.Kind, e.Status, e.Err, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Status, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// exhausted builds the "none available" error for a pooled kind.
func exhausted(k Kind, s Status, cause error) error {
	return &StatusError{Status: s, Kind: k, Err: ErrResourceExhausted, Cause: cause}
}

// ReplyError reports a notification the remote core answered with a
// non-success status.
type ReplyError struct {
	Core   CoreID
	Event  Event
	Status Status
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: %s notification rejected: %s", e.Core, e.Event, e.Status)
}

func (e *ReplyError) Unwrap() error {
	return ErrRejected
}

// StatusOf maps err to the status sent back to the remote core.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	var re *ReplyError
	if errors.As(err, &re) {
		return re.Status
	}
	switch {
	case errors.Is(err, ErrNotInstantiated):
		return StatusNotInstantiated
	case errors.Is(err, ErrInvalidArg):
		return StatusInvalidArg
	case errors.Is(err, ErrUnsupported):
		return StatusUnsupported
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrAlreadyAttached):
		return StatusInvalidState
	}
	return StatusFailure
}
