// Package channel implements newline-framed request/reply transport over a
// serial link to a microcontroller.
package channel

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

const (
	DefaultBaudRate         = 115200
	DefaultDataBits         = 8
	DefaultHandshakeTimeout = 2 * time.Second
	DefaultSettle           = 2 * time.Second
	DefaultMaxLine          = 256

	readChunk = 64
)

// Port is the part of serial.Port a Channel uses.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Opener opens a port with the given mode.
type Opener func(path string, mode *serial.Mode) (Port, error)

// DefaultOpener opens a real serial device. go.bug.st/serial always puts the
// line into raw mode.
func DefaultOpener(path string, mode *serial.Mode) (Port, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Config describes how to open a channel.
type Config struct {
	Port     string
	BaudRate int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits

	// Handshake, when set, is a substring the device must send in its first
	// line after open. The input buffer is not flushed in that case.
	Handshake        string
	HandshakeTimeout time.Duration

	// Settle is how long to wait after open before flushing input. Only used
	// without a handshake.
	Settle time.Duration

	MaxLine int
}

// DefaultConfig returns 115200 8N1 settings for port.
func DefaultConfig(port string) Config {
	return Config{
		Port:             port,
		BaudRate:         DefaultBaudRate,
		DataBits:         DefaultDataBits,
		Parity:           serial.NoParity,
		StopBits:         serial.OneStopBit,
		HandshakeTimeout: DefaultHandshakeTimeout,
		Settle:           DefaultSettle,
		MaxLine:          DefaultMaxLine,
	}
}

func (cfg Config) withDefaults() Config {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.DataBits <= 0 {
		cfg.DataBits = DefaultDataBits
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxLine <= 0 {
		cfg.MaxLine = DefaultMaxLine
	}
	return cfg
}

// Channel owns one serial port. At most one command may be pending at a time.
type Channel struct {
	cfg    Config
	logger logging.Logger

	mu       sync.Mutex
	port     Port
	buf      []byte
	skipping bool
	pending  *PendingCommand

	// state has its own lock so it can be read while a receive blocks.
	stateMu sync.Mutex
	state   ConnectionState
}

// Open opens a serial device and readies it for line exchange.
func Open(ctx context.Context, cfg Config, logger logging.Logger) (*Channel, error) {
	return OpenWith(ctx, cfg, DefaultOpener, logger)
}

// OpenWith is Open with a caller supplied Opener.
func OpenWith(ctx context.Context, cfg Config, open Opener, logger logging.Logger) (*Channel, error) {
	cfg = cfg.withDefaults()
	c := &Channel{
		cfg:    cfg,
		logger: logger,
		state:  ConnectionState{Status: Connecting},
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   cfg.Parity,
		StopBits: cfg.StopBits,
	}
	logger.Debugf("opening %s at %d baud", cfg.Port, cfg.BaudRate)
	port, err := open(cfg.Port, mode)
	if err != nil {
		return nil, newIoError("open", cfg.Port, classifyOpenError(err), err)
	}
	c.port = port

	if cfg.Handshake != "" {
		if err := c.awaitHandshake(); err != nil {
			c.abandon()
			return nil, err
		}
	} else {
		if !utils.SelectContextOrWait(ctx, cfg.Settle) {
			c.abandon()
			return nil, newIoError("open", cfg.Port, ErrPortUnavailable, ctx.Err())
		}
		if err := port.ResetInputBuffer(); err != nil {
			c.abandon()
			return nil, newIoError("open", cfg.Port, ErrConfigFailed, err)
		}
	}

	c.setState(ConnectionState{Status: Connected})
	logger.Infof("serial channel open on %s", cfg.Port)
	return c, nil
}

func (c *Channel) awaitHandshake() error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return newIoError("handshake", c.cfg.Port, ErrHandshakeMismatch,
				errors.Errorf("no greeting within %v", c.cfg.HandshakeTimeout))
		}
		line, err := c.receiveLocked(remaining)
		switch {
		case errors.Is(err, ErrTimeout), errors.Is(err, ErrLineTooLong):
			return newIoError("handshake", c.cfg.Port, ErrHandshakeMismatch, err)
		case err != nil:
			return err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		c.logger.Debugf("handshake %q", line)
		if !strings.Contains(line, c.cfg.Handshake) {
			return newIoError("handshake", c.cfg.Port, ErrHandshakeMismatch,
				errors.Errorf("got %q, want %q", line, c.cfg.Handshake))
		}
		return nil
	}
}

// abandon closes the port after a failed open.
func (c *Channel) abandon() {
	if err := c.port.Close(); err != nil {
		c.logger.Debugf("closing %s after failed open: %v", c.cfg.Port, err)
	}
	c.port = nil
	c.setState(ConnectionState{Status: Disconnected})
}

// Path returns the device path the channel was opened on.
func (c *Channel) Path() string {
	return c.cfg.Port
}

// State returns the current connection state.
func (c *Channel) State() ConnectionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Channel) setState(s ConnectionState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Pending returns the command awaiting a reply, if any.
func (c *Channel) Pending() (PendingCommand, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return PendingCommand{}, false
	}
	return *c.pending, true
}

// Resolve marks the pending command as answered.
func (c *Channel) Resolve() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

// SendLine writes cmd followed by a single newline.
func (c *Channel) SendLine(cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return newIoError("send", c.cfg.Port, ErrClosed, nil)
	}
	if strings.ContainsAny(cmd, "\r\n") {
		return newIoError("send", c.cfg.Port, ErrWriteFailed,
			errors.Errorf("command %q contains a line terminator", cmd))
	}
	if c.pending != nil {
		return newIoError("send", c.cfg.Port, ErrCommandPending,
			errors.Errorf("awaiting reply to %q", c.pending.Token))
	}

	// a reply that arrived after its command timed out must not answer this one
	if len(c.buf) > 0 {
		c.logger.Debugf("discarding stale input %q before %s", c.buf, cmd)
	}
	c.buf = c.buf[:0]
	c.skipping = false
	if err := c.port.ResetInputBuffer(); err != nil {
		return c.lost("send", err)
	}

	data := []byte(cmd + "\n")
	n, err := c.port.Write(data)
	if err != nil {
		return c.lost("send", err)
	}
	if n < len(data) {
		return newIoError("send", c.cfg.Port, ErrWriteFailed,
			errors.Errorf("wrote %d of %d bytes", n, len(data)))
	}
	c.pending = &PendingCommand{Token: cmd, SentAt: time.Now()}
	c.logger.Debugf("-> %s", cmd)
	return nil
}

// ReceiveLine returns the next line without its terminator, waiting up to
// timeout for it to complete.
func (c *Channel) ReceiveLine(timeout time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return "", newIoError("receive", c.cfg.Port, ErrClosed, nil)
	}
	line, err := c.receiveLocked(timeout)
	if err != nil {
		return "", err
	}
	c.logger.Debugf("<- %s", line)
	return line, nil
}

func (c *Channel) receiveLocked(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, readChunk)
	for {
		line, ok, err := c.nextBufferedLine()
		if err != nil {
			return "", err
		}
		if ok {
			return line, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.pending = nil
			return "", newIoError("receive", c.cfg.Port, ErrTimeout,
				errors.Errorf("no complete line within %v", timeout))
		}
		if err := c.port.SetReadTimeout(remaining); err != nil {
			return "", c.lost("receive", err)
		}
		n, err := c.port.Read(chunk)
		if err != nil {
			return "", c.lost("receive", err)
		}
		// zero bytes without an error means the read timed out
		if n == 0 {
			continue
		}
		c.buf = append(c.buf, chunk[:n]...)
	}
}

// nextBufferedLine pops one complete line from the carry-over buffer.
func (c *Channel) nextBufferedLine() (string, bool, error) {
	for {
		idx := bytes.IndexByte(c.buf, '\n')
		if c.skipping {
			if idx < 0 {
				c.buf = c.buf[:0]
				return "", false, nil
			}
			c.buf = c.buf[idx+1:]
			c.skipping = false
			continue
		}
		if idx < 0 {
			if len(c.buf) > c.cfg.MaxLine {
				c.buf = c.buf[:0]
				c.skipping = true
				return "", false, c.tooLong()
			}
			return "", false, nil
		}
		line := strings.TrimSuffix(string(c.buf[:idx]), "\r")
		c.buf = c.buf[idx+1:]
		if len(line) > c.cfg.MaxLine {
			return "", false, c.tooLong()
		}
		return line, true, nil
	}
}

func (c *Channel) tooLong() error {
	return newIoError("receive", c.cfg.Port, ErrLineTooLong,
		errors.Errorf("exceeded %d bytes", c.cfg.MaxLine))
}

func (c *Channel) lost(op string, cause error) error {
	c.pending = nil
	c.setState(ConnectionState{Status: Faulted, Reason: cause.Error()})
	c.logger.Warnf("serial transport on %s lost: %v", c.cfg.Port, cause)
	return newIoError(op, c.cfg.Port, ErrTransportLost, cause)
}

// Close releases the port. Closing an already closed channel is a no-op.
// A Faulted state is kept so the reason stays visible.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	c.buf = nil
	c.skipping = false
	c.pending = nil
	if c.State().Status != Faulted {
		c.setState(ConnectionState{Status: Disconnected})
	}
	if err != nil {
		return errors.Wrapf(err, "closing %s", c.cfg.Port)
	}
	return nil
}
