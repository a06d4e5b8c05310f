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
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the tunables of a Module.
type Config struct {
	// NotifyTimeout bounds the wait for each core's notification reply.
	NotifyTimeout time.Duration `yaml:"notify_timeout"`

	// IdlePollTimeout bounds the wait for the cores to report idle before hibernation.
	IdlePollTimeout  time.Duration `yaml:"idle_poll_timeout"`
	IdlePollInterval time.Duration `yaml:"idle_poll_interval"`

	// QueueCapacity is the number of inbound messages buffered per core.
	QueueCapacity int `yaml:"queue_capacity"`

	// HibernateTimer is the GP timer reserved at setup for hibernation.
	HibernateTimer int `yaml:"hibernate_timer"`

	// HibernateTimeout is published to the remote cores through the table.
	HibernateTimeout time.Duration `yaml:"hibernate_timeout"`

	// WakeupLatency is the constraint held while the accelerator or image
	// pipeline is leased, in microseconds.
	WakeupLatency uint32 `yaml:"wakeup_latency_us"`

	// GPIOCount bounds the GPIO line index a core may request.
	GPIOCount int `yaml:"gpio_count"`

	MetricsNamespace string `yaml:"metrics_namespace"`

	Board BoardConfig `yaml:"board"`
	RPMsg RPMsgConfig `yaml:"rpmsg"`

	Logger *logrus.Logger `yaml:"-"`
}

// BoardConfig gives the physical addresses used by DevMemBoard.
type BoardConfig struct {
	MemPath     string `yaml:"mem_path"`
	SysIdleReg  int64  `yaml:"sys_idle_reg"`
	AppIdleReg  int64  `yaml:"app_idle_reg"`
	MailboxBase int64  `yaml:"mailbox_base"`
	MailboxSize int    `yaml:"mailbox_size"`
	MMUBase     int64  `yaml:"mmu_base"`
	MMUSize     int    `yaml:"mmu_size"`
}

// RPMsgConfig configures RPMsgTransport.
type RPMsgConfig struct {
	// DevPattern is formatted with the core id and channel number.
	DevPattern string `yaml:"dev_pattern"`
}

// DefaultConfig returns the settings used when no file is given.
func DefaultConfig() Config {
	return Config{
		NotifyTimeout:    10 * time.Second,
		IdlePollTimeout:  500 * time.Millisecond,
		IdlePollInterval: time.Millisecond,
		QueueCapacity:    16,
		HibernateTimer:   10,
		HibernateTimeout: 5 * time.Second,
		WakeupLatency:    10,
		GPIOCount:        192,
		MetricsNamespace: "ipupm",
		Board: BoardConfig{
			MemPath:     "/dev/mem",
			SysIdleReg:  0x4A008F20,
			AppIdleReg:  0x4A008F24,
			MailboxBase: 0x4A0F4000,
			MailboxSize: 0x200,
			MMUBase:     0x55082000,
			MMUSize:     0x100,
		},
		RPMsg: RPMsgConfig{
			DevPattern: "/dev/rpmsg_pm%d.%d",
		},
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the settings are usable.
func (c *Config) Validate() error {
	switch {
	case c.NotifyTimeout <= 0:
		return fmt.Errorf("notify_timeout must be positive: %w", ErrInvalidArg)
	case c.IdlePollTimeout <= 0:
		return fmt.Errorf("idle_poll_timeout must be positive: %w", ErrInvalidArg)
	case c.IdlePollInterval <= 0:
		return fmt.Errorf("idle_poll_interval must be positive: %w", ErrInvalidArg)
	case c.QueueCapacity <= 0:
		return fmt.Errorf("queue_capacity must be positive: %w", ErrInvalidArg)
	case c.GPIOCount <= 0 || c.GPIOCount > 1<<9:
		return fmt.Errorf("gpio_count must be in [1, 512]: %w", ErrInvalidArg)
	}
	return nil
}

func (c *Config) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}
