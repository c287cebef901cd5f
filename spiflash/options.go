package spiflash

import "time"

// Config holds the tunables of a Flash.
type Config struct {
	LogFunc      func(format string, params ...any)
	ProgressFunc ProgressFunc

	// StartPolls bounds the status reads spent waiting for an erase or
	// program to report write in progress.
	StartPolls int

	// WriteEnablePolls bounds the status reads spent waiting for the write
	// enable latch after WREN.
	WriteEnablePolls int

	// CompletionTimeout bounds the wait for write in progress to clear.
	// Zero waits forever.
	CompletionTimeout time.Duration

	// StrictWriteEnable turns write enable/disable failures into errors
	// instead of log messages.
	StrictWriteEnable bool

	// Verify reads every segment back after programming.
	Verify bool

	// MaxReadSize is the largest number of bytes fetched per read command.
	MaxReadSize int
}

func defaultConfig() Config {
	return Config{
		StartPolls:       10,
		WriteEnablePolls: 10,
		MaxReadSize:      256,
	}
}

type Option func(*Config)

func WithLogFunc(logFunc func(format string, params ...any)) Option {
	return func(c *Config) {
		c.LogFunc = logFunc
	}
}

// WithProgressFunc sets the sink for programming progress events.
func WithProgressFunc(progress ProgressFunc) Option {
	return func(c *Config) {
		c.ProgressFunc = progress
	}
}

func WithStartPolls(polls int) Option {
	return func(c *Config) {
		if polls > 0 {
			c.StartPolls = polls
		}
	}
}

func WithWriteEnablePolls(polls int) Option {
	return func(c *Config) {
		if polls > 0 {
			c.WriteEnablePolls = polls
		}
	}
}

func WithCompletionTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout >= 0 {
			c.CompletionTimeout = timeout
		}
	}
}

func WithStrictWriteEnable(strict bool) Option {
	return func(c *Config) {
		c.StrictWriteEnable = strict
	}
}

func WithVerify(verify bool) Option {
	return func(c *Config) {
		c.Verify = verify
	}
}

func WithMaxReadSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.MaxReadSize = size
		}
	}
}
