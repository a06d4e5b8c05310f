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

// Constraint flag bits in data word 0 of a constraint RCB. The value for
// each flagged option is in data word 1 + option.
const (
	FlagPerformance uint32 = 1 << ConstraintPerformance
	FlagLatency     uint32 = 1 << ConstraintLatency
	FlagBandwidth   uint32 = 1 << ConstraintBandwidth

	constraintFlags = FlagPerformance | FlagLatency | FlagBandwidth
)

// Only these kinds accept constraints.
var constraintKinds = map[Kind]bool{
	KindIPU:   true,
	KindMPU:   true,
	KindL3Bus: true,
	KindIVAHD: true,
	KindISS:   true,
	KindFDIF:  true,
}

type constraintRegistry struct {
	qos QoS
}

func (r *constraintRegistry) check(k Kind, c *Core, num int) (*request, uint32, error) {
	req, err := c.request(num)
	if err != nil {
		return nil, 0, err
	}
	if k >= numKinds {
		return nil, 0, fmt.Errorf("%s: %w", k, ErrInvalidArg)
	}
	if !constraintKinds[k] || r.qos == nil {
		return nil, 0, fmt.Errorf("%s does not take constraints: %w", k, ErrUnsupported)
	}
	flags := req.rcb.Data()[0]
	if flags == 0 || flags&^constraintFlags != 0 {
		return nil, 0, fmt.Errorf("%s: constraint flags %#x: %w", k, flags, ErrInvalidArg)
	}
	return req, flags, nil
}

// request applies every flagged constraint. Values not flagged are never read.
func (r *constraintRegistry) request(k Kind, c *Core, num int) error {
	req, flags, err := r.check(k, c, num)
	if err != nil {
		return err
	}
	d := req.rcb.Data()
	var applied []ConstraintOption
	for opt := ConstraintOption(0); opt < numConstraintOptions; opt++ {
		if flags&(1<<opt) == 0 {
			continue
		}
		v := d[1+opt]
		err := validConstraint(opt, v)
		if err == nil {
			err = r.qos.Apply(k, opt, v)
		}
		if err != nil {
			for _, o := range applied {
				if cerr := r.qos.Clear(k, o); cerr != nil {
					req.log.WithError(cerr).Warnf("%s: rollback of %s constraint failed", k, o)
				}
			}
			return fmt.Errorf("%s %s constraint: %w", k, opt, err)
		}
		applied = append(applied, opt)
		req.log.Debugf("%s %s constraint %d", k, opt, v)
	}
	return nil
}

// release clears every flagged constraint, continuing past failures.
func (r *constraintRegistry) release(k Kind, c *Core, num int) error {
	_, flags, err := r.check(k, c, num)
	if err != nil {
		return err
	}
	var errs []error
	for opt := ConstraintOption(0); opt < numConstraintOptions; opt++ {
		if flags&(1<<opt) == 0 {
			continue
		}
		if err := r.qos.Clear(k, opt); err != nil {
			errs = append(errs, fmt.Errorf("%s %s constraint: %w", k, opt, err))
		}
	}
	return errors.Join(errs...)
}

func validConstraint(opt ConstraintOption, v uint32) error {
	if opt == ConstraintPerformance && v == 0 {
		return fmt.Errorf("zero performance level: %w", ErrInvalidArg)
	}
	if v > 1<<31-1 {
		return fmt.Errorf("%s value %d: %w", opt, v, ErrInvalidArg)
	}
	return nil
}
