// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package smu

import (
	"fmt"
	"time"
)

// Default mailbox register offsets (byte offsets into the register BAR)
const (
	DEFAULT_MSG_REG         = 0x58A08
	DEFAULT_PARAM_REG       = 0x58A48
	DEFAULT_RESPONSE_REG    = 0x58A68
	DEFAULT_BOOTLOADER_REG  = 0x58244
	DEFAULT_BOOTLOADER_MASK = 0x80000000
)

const (
	DEFAULT_POLL_INTERVAL   = 10 * time.Microsecond
	DEFAULT_TIMEOUT         = 20 * time.Millisecond
	DEFAULT_RESET_INTERVAL  = 10 * time.Millisecond
	DEFAULT_RESET_TIMEOUT   = 5 * time.Second
	DEFAULT_I2C_RETRY_DELAY = 10 * time.Millisecond
	DEFAULT_I2C_ATTEMPTS    = 5
	DEFAULT_I2C_SLAVE       = 0xA0
	DEFAULT_NUM_DIES        = 4
)

// Config holds the tunables of one SMU instance. Zero values are replaced with
// defaults by Validate.
type Config struct {
	MessageReg  uint32 `yaml:"message_reg" env:"SMU_MESSAGE_REG"`
	ParamReg    uint32 `yaml:"param_reg" env:"SMU_PARAM_REG"`
	ResponseReg uint32 `yaml:"response_reg" env:"SMU_RESPONSE_REG"`

	BootloaderReg  uint32 `yaml:"bootloader_reg" env:"SMU_BOOTLOADER_REG"`
	BootloaderMask uint32 `yaml:"bootloader_mask" env:"SMU_BOOTLOADER_MASK"`

	PollInterval  time.Duration `yaml:"poll_interval" env:"SMU_POLL_INTERVAL"`
	Timeout       time.Duration `yaml:"timeout" env:"SMU_TIMEOUT"`
	ResetInterval time.Duration `yaml:"reset_interval" env:"SMU_RESET_INTERVAL"`
	ResetTimeout  time.Duration `yaml:"reset_timeout" env:"SMU_RESET_TIMEOUT"`

	I2cRetryDelay time.Duration `yaml:"i2c_retry_delay" env:"SMU_I2C_RETRY_DELAY" env-default:"10ms"`
	I2cAttempts   int           `yaml:"i2c_attempts" env:"SMU_I2C_ATTEMPTS"`
	I2cSlave      uint8         `yaml:"i2c_slave" env:"SMU_I2C_SLAVE"`

	NumDies    int    `yaml:"num_dies" env:"SMU_NUM_DIES"`
	Chip       string `yaml:"chip" env:"SMU_CHIP" env-default:"discrete"`
	TraceDepth int    `yaml:"trace_depth" env:"SMU_TRACE_DEPTH"`
}

// Validate fills defaults and rejects settings the channel cannot work with
func (c *Config) Validate() error {
	if c.MessageReg == 0 {
		c.MessageReg = DEFAULT_MSG_REG
	}
	if c.ParamReg == 0 {
		c.ParamReg = DEFAULT_PARAM_REG
	}
	if c.ResponseReg == 0 {
		c.ResponseReg = DEFAULT_RESPONSE_REG
	}
	if c.MessageReg == c.ParamReg || c.MessageReg == c.ResponseReg || c.ParamReg == c.ResponseReg {
		return fmt.Errorf("mailbox registers must be distinct: %w", ErrInvalidArgument)
	}
	if c.BootloaderReg == 0 {
		c.BootloaderReg = DEFAULT_BOOTLOADER_REG
	}
	if c.BootloaderMask == 0 {
		c.BootloaderMask = DEFAULT_BOOTLOADER_MASK
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DEFAULT_POLL_INTERVAL
	}
	if c.Timeout <= 0 {
		c.Timeout = DEFAULT_TIMEOUT
	}
	if c.ResetInterval <= 0 {
		c.ResetInterval = DEFAULT_RESET_INTERVAL
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DEFAULT_RESET_TIMEOUT
	}
	if c.I2cRetryDelay < 0 {
		c.I2cRetryDelay = DEFAULT_I2C_RETRY_DELAY
	}
	if c.I2cAttempts <= 0 {
		c.I2cAttempts = DEFAULT_I2C_ATTEMPTS
	}
	if c.I2cSlave == 0 {
		c.I2cSlave = DEFAULT_I2C_SLAVE
	}
	if c.NumDies <= 0 {
		c.NumDies = DEFAULT_NUM_DIES
	}
	if c.TraceDepth <= 0 {
		c.TraceDepth = DEFAULT_TRACE_DEPTH
	}
	if _, err := ParseChipVariant(c.Chip); err != nil {
		return err
	}
	return nil
}

// Mailbox returns the mailbox register set described by the config
func (c *Config) Mailbox() MailboxRegs {
	return MailboxRegs{Message: c.MessageReg, Param: c.ParamReg, Response: c.ResponseReg}
}

// DefaultConfig returns a validated config with every default applied
func DefaultConfig() Config {
	c := Config{I2cRetryDelay: DEFAULT_I2C_RETRY_DELAY}
	_ = c.Validate()
	return c
}
