package flatpanel

import (
	"context"
	"strconv"
	"sync"
	"time"

	"flatpanel/channel"
	"flatpanel/codec"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Link is the line transport a Panel drives. *channel.Channel implements it.
type Link interface {
	SendLine(cmd string) error
	ReceiveLine(timeout time.Duration) (string, error)
	Resolve()
	State() channel.ConnectionState
	Close() error
}

// Dialer opens a Link.
type Dialer func(ctx context.Context, cfg channel.Config) (Link, error)

// ChannelDialer opens real serial channels.
func ChannelDialer(logger logging.Logger) Dialer {
	return func(ctx context.Context, cfg channel.Config) (Link, error) {
		c, err := channel.Open(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// PanelOption customizes a Panel.
type PanelOption func(*Panel)

// WithDialer replaces the serial dialer.
func WithDialer(d Dialer) PanelOption {
	return func(p *Panel) { p.dial = d }
}

// WithClock replaces the clock used to stamp snapshots and diagnostics.
func WithClock(now func() time.Time) PanelOption {
	return func(p *Panel) { p.now = now }
}

// anyField marks a status update that is not confirming a set.
const anyField codec.Field = -1

// Brightness presets.
var BrightnessPresets = map[string]int{
	"full": codec.LEDMax,
	"half": 128,
	"off":  0,
}

// Panel is the device state model for one flat panel. Operations are
// serialized so only one command is ever in flight.
type Panel struct {
	cfg          *Config
	codec        codec.Codec
	logger       logging.Logger
	dial         Dialer
	now          func() time.Time
	replyTimeout time.Duration
	openAngle    int
	closedAngle  int
	maxLevel     int

	// opMu is held for a whole command/reply exchange.
	opMu sync.Mutex

	mu       sync.Mutex
	link     Link
	lastPort string
	idle     channel.ConnectionState
	snap     DeviceSnapshot
	diag     diagnosticRing
}

// NewPanel builds a disconnected panel from a validated config.
func NewPanel(cfg *Config, logger logging.Logger, opts ...PanelOption) (*Panel, error) {
	d, err := cfg.dialect()
	if err != nil {
		return nil, err
	}
	open, closed := cfg.angles()
	p := &Panel{
		cfg:          cfg,
		codec:        codec.New(d),
		logger:       logger,
		now:          time.Now,
		replyTimeout: cfg.replyTimeout(),
		openAngle:    open,
		closedAngle:  closed,
		maxLevel:     cfg.maxBrightness(),
		lastPort:     cfg.Port,
		idle:         channel.ConnectionState{Status: channel.Disconnected},
	}
	p.dial = ChannelDialer(logger)
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Snapshot returns a copy of the last confirmed state.
func (p *Panel) Snapshot() DeviceSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// ConnectionState returns the state of the current channel, or the state the
// last one left behind.
func (p *Panel) ConnectionState() channel.ConnectionState {
	p.mu.Lock()
	link, idle := p.link, p.idle
	p.mu.Unlock()
	if link != nil {
		return link.State()
	}
	return idle
}

// Port returns the port last used to connect.
func (p *Panel) Port() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPort
}

// Dialect returns the command set in use.
func (p *Panel) Dialect() codec.Dialect {
	return p.codec.Dialect()
}

// Diagnostics returns recent unrecognized and error lines, oldest first.
func (p *Panel) Diagnostics() []Diagnostic {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.diag.list()
}

// Connect opens port, or the configured port when empty, and requests an
// initial status.
func (p *Panel) Connect(ctx context.Context, port string) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if port == "" {
		port = p.Port()
	}
	if port == "" {
		return newDeviceError("connect", "", ErrNotConnected, errors.New("no port configured"))
	}

	p.dropLink(channel.ConnectionState{Status: channel.Disconnected})
	p.resetSnapshot()

	if err := p.openLink(ctx, port); err != nil {
		return newDeviceError("connect", "", ErrNotConnected, err)
	}

	if _, err := p.pollLocked(ctx, true); err != nil {
		if p.currentLink() == nil {
			return newDeviceError("connect", "", ErrNotConnected, err)
		}
		p.logger.Warnf("initial status from %s failed: %v", port, err)
	}
	return nil
}

// Disconnect closes the channel and forgets all device state. It is safe to
// call repeatedly.
func (p *Panel) Disconnect() {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.dropLink(channel.ConnectionState{Status: channel.Disconnected})
	p.resetSnapshot()
}

// SetServo moves the servo to degrees and waits for the device to echo it.
func (p *Panel) SetServo(ctx context.Context, degrees int) error {
	return p.set(ctx, "set", codec.FieldServo, degrees)
}

// SetBrightness sets the LED level and waits for the device to echo it.
func (p *Panel) SetBrightness(ctx context.Context, level int) error {
	return p.set(ctx, "set", codec.FieldLED, level)
}

// OpenCover moves the cover to its open endpoint.
func (p *Panel) OpenCover(ctx context.Context) error {
	return p.moveCover(ctx, "open cover", p.openAngle, p.codec.EncodeOpen)
}

// CloseCover moves the cover to its closed endpoint.
func (p *Panel) CloseCover(ctx context.Context) error {
	return p.moveCover(ctx, "close cover", p.closedAngle, p.codec.EncodeClose)
}

// HaltCover re-sends the last confirmed servo position.
func (p *Panel) HaltCover(ctx context.Context) error {
	servo := p.Snapshot().Servo
	if !servo.Known {
		return newDeviceError("halt cover", codec.FieldServo.String(), ErrUnconfirmed,
			errors.New("servo position unknown"))
	}
	return p.set(ctx, "halt cover", codec.FieldServo, servo.Value)
}

// CalibratorOn lights the panel at level, bounded by the configured maximum.
func (p *Panel) CalibratorOn(ctx context.Context, level int) error {
	if level < 0 || level > p.maxLevel {
		return newDeviceError("calibrator on", codec.FieldLED.String(), ErrOutOfRange,
			errors.Errorf("%d not in 0-%d", level, p.maxLevel))
	}
	return p.set(ctx, "calibrator on", codec.FieldLED, level)
}

// CalibratorOff turns the panel light off.
func (p *Panel) CalibratorOff(ctx context.Context) error {
	return p.set(ctx, "calibrator off", codec.FieldLED, 0)
}

// ApplyBrightnessPreset sets one of the named BrightnessPresets.
func (p *Panel) ApplyBrightnessPreset(ctx context.Context, name string) error {
	level, ok := BrightnessPresets[name]
	if !ok {
		return newDeviceError("preset", codec.FieldLED.String(), ErrOutOfRange,
			errors.Errorf("unknown preset %q", name))
	}
	if level > p.maxLevel {
		level = p.maxLevel
	}
	return p.set(ctx, "preset "+name, codec.FieldLED, level)
}

// Poll requests the full status and applies whatever fields come back.
func (p *Panel) Poll(ctx context.Context) (DeviceSnapshot, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.pollLocked(ctx, true)
}

// Tick polls when connected and does nothing otherwise.
func (p *Panel) Tick(ctx context.Context) error {
	if p.ConnectionState().Status != channel.Connected {
		return nil
	}
	_, err := p.Poll(ctx)
	return err
}

func (p *Panel) set(ctx context.Context, op string, field codec.Field, value int) error {
	if !field.InRange(value) {
		return newDeviceError(op, field.String(), ErrOutOfRange, errors.Errorf("%d", value))
	}
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.confirm(ctx, op, p.codec.Encode(field, value), field, value)
}

func (p *Panel) moveCover(ctx context.Context, op string, angle int, encode func() (string, error)) error {
	if !p.codec.Dialect().CoverSwitch {
		return p.set(ctx, op, codec.FieldServo, angle)
	}
	cmd, err := encode()
	if err != nil {
		return newDeviceError(op, "cover", ErrUnconfirmed, err)
	}
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.confirm(ctx, op, cmd, codec.FieldServo, angle)
}

// confirm sends cmd and commits field only when the reply echoes want.
func (p *Panel) confirm(ctx context.Context, op, cmd string, field codec.Field, want int) error {
	ev, err := p.exchange(cmd)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			return newDeviceError(op, field.String(), ErrNotConnected, nil)
		}
		if errors.Is(err, channel.ErrTransportLost) {
			p.recover(ctx, err)
		}
		p.markFaulted(field, err.Error())
		return newDeviceError(op, field.String(), ErrUnconfirmed, err)
	}

	status, ok := codec.AsStatus(ev)
	var reason error
	switch {
	case !ok:
		reason = errors.Errorf("device replied %q", eventText(ev))
	default:
		got, has := status.Get(field)
		switch {
		case !has:
			reason = errors.Errorf("reply did not report %s", field)
		case got != want:
			reason = errors.Errorf("device reported %s=%d, want %d", field, got, want)
		}
		p.apply(status, field, reason == nil)
	}
	if reason != nil {
		p.markFaulted(field, reason.Error())
		return newDeviceError(op, field.String(), ErrUnconfirmed, reason)
	}
	return nil
}

func (p *Panel) pollLocked(ctx context.Context, allowReconnect bool) (DeviceSnapshot, error) {
	var failure error
	for _, cmd := range p.codec.StatusRequests() {
		ev, err := p.exchange(cmd)
		switch {
		case errors.Is(err, ErrNotConnected):
			return p.Snapshot(), newDeviceError("poll", "", ErrNotConnected, nil)
		case errors.Is(err, channel.ErrTransportLost):
			if allowReconnect && p.recover(ctx, err) {
				return p.pollLocked(ctx, false)
			}
			p.dropLink(faultedState(err))
			return p.Snapshot(), newDeviceError("poll", "", ErrNotConnected, err)
		case err != nil:
			if failure == nil {
				failure = err
			}
			continue
		}

		if status, ok := codec.AsStatus(ev); ok {
			p.apply(status, anyField, false)
			continue
		}
		if failure == nil {
			failure = errors.Errorf("%s: device replied %q", cmd, eventText(ev))
		}
	}
	if failure != nil {
		return p.Snapshot(), newDeviceError("poll", "", ErrUnconfirmed, failure)
	}
	return p.Snapshot(), nil
}

// exchange sends cmd and returns the first reply that is not unrecognized
// chatter. Unrecognized lines are recorded and the reply is awaited until the
// deadline.
func (p *Panel) exchange(cmd string) (codec.ParsedEvent, error) {
	link := p.currentLink()
	if link == nil {
		return nil, ErrNotConnected
	}
	if err := link.SendLine(cmd); err != nil {
		return nil, err
	}
	defer link.Resolve()

	deadline := time.Now().Add(p.replyTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		line, err := link.ReceiveLine(remaining)
		if errors.Is(err, channel.ErrLineTooLong) {
			p.record("overflow", err.Error())
			continue
		}
		if err != nil {
			return nil, err
		}

		ev := p.codec.Parse(line)
		switch e := ev.(type) {
		case codec.Unrecognized:
			p.logger.Infof("unrecognized line from panel: %q", e.Raw)
			p.record("unrecognized", e.Raw)
			continue
		case codec.ErrorText:
			p.logger.Warnf("panel rejected %q: %s", cmd, e.Message)
			p.record("error", e.Message)
		}
		return ev, nil
	}
}

// recover handles a lost transport: the link is dropped and exactly one
// reconnect to the last port is tried.
func (p *Panel) recover(ctx context.Context, cause error) bool {
	port := p.Port()
	p.logger.Warnf("lost connection to %s: %v; reconnecting once", port, cause)
	p.dropLink(faultedState(cause))

	if err := p.openLink(ctx, port); err != nil {
		p.logger.Errorf("reconnect to %s failed: %v; explicit connect required", port, err)
		p.setIdle(faultedState(cause))
		return false
	}
	p.logger.Infof("reconnected to %s", port)
	return true
}

func (p *Panel) openLink(ctx context.Context, port string) error {
	p.setIdle(channel.ConnectionState{Status: channel.Connecting})
	link, err := p.dial(ctx, p.cfg.channelConfig(port, p.codec.Dialect()))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPort = port
	if err != nil {
		p.idle = channel.ConnectionState{Status: channel.Disconnected}
		return err
	}
	p.link = link
	return nil
}

// dropLink closes the current link, if any, and leaves state behind.
func (p *Panel) dropLink(state channel.ConnectionState) {
	p.mu.Lock()
	link := p.link
	p.link = nil
	p.idle = state
	p.mu.Unlock()

	if link == nil {
		return
	}
	if err := link.Close(); err != nil {
		p.logger.Debugf("closing panel channel: %v", err)
	}
}

func (p *Panel) currentLink() Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link
}

func (p *Panel) setIdle(state channel.ConnectionState) {
	p.mu.Lock()
	p.idle = state
	p.mu.Unlock()
}

func (p *Panel) resetSnapshot() {
	p.mu.Lock()
	p.snap = DeviceSnapshot{}
	p.mu.Unlock()
}

// apply commits reported fields, last write wins per field. The target field
// is only committed when confirmed; a confirmed target clears its fault. Other
// fields keep their fault flag until a set of that field is confirmed.
func (p *Panel) apply(status codec.StatusUpdate, target codec.Field, confirmed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := status.Get(codec.FieldServo); ok && (target != codec.FieldServo || confirmed) {
		p.snap.Servo = commit(p.snap.Servo, v, target == codec.FieldServo)
		p.snap.Cover = p.coverFor(v)
	}
	if v, ok := status.Get(codec.FieldLED); ok && (target != codec.FieldLED || confirmed) {
		p.snap.LED = commit(p.snap.LED, v, target == codec.FieldLED)
	}
	p.snap.UpdatedAt = p.now()
}

func commit(prev Reading, v int, clearFault bool) Reading {
	next := Reading{Value: v, Known: true}
	if !clearFault {
		next.Faulted = prev.Faulted
		next.Reason = prev.Reason
	}
	return next
}

func (p *Panel) markFaulted(field codec.Field, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch field {
	case codec.FieldServo:
		p.snap.Servo.Faulted = true
		p.snap.Servo.Reason = reason
	case codec.FieldLED:
		p.snap.LED.Faulted = true
		p.snap.LED.Reason = reason
	}
}

func (p *Panel) coverFor(servo int) CoverState {
	switch servo {
	case p.openAngle:
		return CoverOpen
	case p.closedAngle:
		return CoverClosed
	default:
		return CoverUnknown
	}
}

func (p *Panel) record(kind, line string) {
	p.mu.Lock()
	p.diag.add(Diagnostic{At: p.now(), Kind: kind, Line: line})
	p.mu.Unlock()
}

func faultedState(cause error) channel.ConnectionState {
	return channel.ConnectionState{Status: channel.Faulted, Reason: cause.Error()}
}

func eventText(ev codec.ParsedEvent) string {
	switch e := ev.(type) {
	case codec.ErrorText:
		return e.Message
	case codec.Unrecognized:
		return e.Raw
	case codec.Acknowledgement:
		return "OK:" + e.Field.String() + ":" + strconv.Itoa(e.Value)
	default:
		return ""
	}
}
