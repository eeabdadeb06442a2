package flatpanel

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"flatpanel/channel"
	"flatpanel/codec"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"gopkg.in/yaml.v3"
)

// Cover modes.
const (
	CoverModeServo  = "servo"
	CoverModeSwitch = "switch"
)

const (
	defaultReplyTimeout = time.Second
	defaultPollInterval = 500 * time.Millisecond
)

type Config struct {
	Port       string `json:"port,omitempty" yaml:"port,omitempty"`
	AutoDetect bool   `json:"auto_detect,omitempty" yaml:"auto_detect,omitempty"`
	BaudRate   int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`

	// Dialect names a built-in command set; the fields below override it.
	Dialect        string   `json:"dialect,omitempty" yaml:"dialect,omitempty"`
	Handshake      string   `json:"handshake,omitempty" yaml:"handshake,omitempty"`
	StatusCommands []string `json:"status_commands,omitempty" yaml:"status_commands,omitempty"`
	CoverMode      string   `json:"cover_mode,omitempty" yaml:"cover_mode,omitempty"`

	OpenAngle     *int `json:"open_angle,omitempty" yaml:"open_angle,omitempty"`
	ClosedAngle   *int `json:"closed_angle,omitempty" yaml:"closed_angle,omitempty"`
	MaxBrightness int  `json:"max_brightness,omitempty" yaml:"max_brightness,omitempty"`

	ReplyTimeoutMs     int  `json:"reply_timeout_ms,omitempty" yaml:"reply_timeout_ms,omitempty"`
	HandshakeTimeoutMs int  `json:"handshake_timeout_ms,omitempty" yaml:"handshake_timeout_ms,omitempty"`
	SettleMs           *int `json:"settle_ms,omitempty" yaml:"settle_ms,omitempty"`
	PollIntervalMs     int  `json:"poll_interval_ms,omitempty" yaml:"poll_interval_ms,omitempty"`

	// ProfileFile is a YAML profile whose values fill unset fields. Relative
	// paths are resolved against VIAM_MODULE_DATA.
	ProfileFile string `json:"profile_file,omitempty" yaml:"-"`

	// Not serialized
	Logger logging.Logger `json:"-" yaml:"-"`
}

// Validate ensures all parts of the config are valid
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.ProfileFile != "" {
		if err := cfg.mergeProfile(); err != nil {
			return nil, nil, err
		}
	}

	if cfg.Port == "" && !cfg.AutoDetect {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "port")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = channel.DefaultBaudRate
	}
	if cfg.BaudRate < 0 {
		return nil, nil, fmt.Errorf("baud_rate must be positive, got %d", cfg.BaudRate)
	}

	if cfg.Dialect == "" {
		cfg.Dialect = codec.FlatField.Name
	}
	if _, err := codec.LookupDialect(cfg.Dialect); err != nil {
		return nil, nil, err
	}

	switch cfg.CoverMode {
	case "", CoverModeServo, CoverModeSwitch:
	default:
		return nil, nil, fmt.Errorf("cover_mode must be %q or %q, got %q", CoverModeServo, CoverModeSwitch, cfg.CoverMode)
	}

	if cfg.OpenAngle == nil {
		cfg.OpenAngle = intPtr(0)
	}
	if cfg.ClosedAngle == nil {
		cfg.ClosedAngle = intPtr(codec.ServoMax)
	}
	if !codec.FieldServo.InRange(*cfg.OpenAngle) || !codec.FieldServo.InRange(*cfg.ClosedAngle) {
		return nil, nil, fmt.Errorf("cover angles must be within %d-%d", codec.ServoMin, codec.ServoMax)
	}
	if *cfg.OpenAngle == *cfg.ClosedAngle {
		return nil, nil, fmt.Errorf("open_angle and closed_angle must differ")
	}

	if cfg.MaxBrightness == 0 {
		cfg.MaxBrightness = codec.LEDMax
	}
	if cfg.MaxBrightness < 1 || cfg.MaxBrightness > codec.LEDMax {
		return nil, nil, fmt.Errorf("max_brightness must be 1-%d, got %d", codec.LEDMax, cfg.MaxBrightness)
	}

	if cfg.ReplyTimeoutMs < 0 || cfg.HandshakeTimeoutMs < 0 || cfg.PollIntervalMs < 0 {
		return nil, nil, fmt.Errorf("timeouts and intervals must not be negative")
	}
	if cfg.SettleMs != nil && *cfg.SettleMs < 0 {
		return nil, nil, fmt.Errorf("settle_ms must not be negative")
	}

	return nil, nil, nil
}

// dialect returns the configured dialect with per-field overrides applied.
func (cfg *Config) dialect() (codec.Dialect, error) {
	name := cfg.Dialect
	if name == "" {
		name = codec.FlatField.Name
	}
	d, err := codec.LookupDialect(name)
	if err != nil {
		return codec.Dialect{}, err
	}
	if cfg.Handshake != "" {
		d.Handshake = cfg.Handshake
	}
	if len(cfg.StatusCommands) > 0 {
		d.StatusCommands = append([]string(nil), cfg.StatusCommands...)
	}
	switch cfg.CoverMode {
	case CoverModeSwitch:
		d.CoverSwitch = true
		if d.OpenCommand == "" {
			d.OpenCommand = codec.Switched.OpenCommand
		}
		if d.CloseCommand == "" {
			d.CloseCommand = codec.Switched.CloseCommand
		}
	case CoverModeServo:
		d.CoverSwitch = false
	}
	return d, nil
}

func (cfg *Config) channelConfig(port string, d codec.Dialect) channel.Config {
	cc := channel.DefaultConfig(port)
	if cfg.BaudRate > 0 {
		cc.BaudRate = cfg.BaudRate
	}
	cc.Handshake = d.Handshake
	if cfg.HandshakeTimeoutMs > 0 {
		cc.HandshakeTimeout = time.Duration(cfg.HandshakeTimeoutMs) * time.Millisecond
	}
	if cfg.SettleMs != nil {
		cc.Settle = time.Duration(*cfg.SettleMs) * time.Millisecond
	}
	return cc
}

func (cfg *Config) replyTimeout() time.Duration {
	if cfg.ReplyTimeoutMs > 0 {
		return time.Duration(cfg.ReplyTimeoutMs) * time.Millisecond
	}
	return defaultReplyTimeout
}

func (cfg *Config) pollInterval() time.Duration {
	if cfg.PollIntervalMs > 0 {
		return time.Duration(cfg.PollIntervalMs) * time.Millisecond
	}
	return defaultPollInterval
}

func (cfg *Config) angles() (open, closed int) {
	open, closed = 0, codec.ServoMax
	if cfg.OpenAngle != nil {
		open = *cfg.OpenAngle
	}
	if cfg.ClosedAngle != nil {
		closed = *cfg.ClosedAngle
	}
	return open, closed
}

func (cfg *Config) maxBrightness() int {
	if cfg.MaxBrightness > 0 {
		return cfg.MaxBrightness
	}
	return codec.LEDMax
}

// LoadProfile reads a YAML panel profile.
func LoadProfile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse profile YAML: %w", err)
	}
	return &cfg, nil
}

// resolveDataPath makes a relative path relative to VIAM_MODULE_DATA.
func resolveDataPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp"
	}
	return filepath.Join(moduleDataDir, path)
}

// mergeProfile fills fields the resource config left unset from ProfileFile.
func (cfg *Config) mergeProfile() error {
	profile, err := LoadProfile(resolveDataPath(cfg.ProfileFile))
	if err != nil {
		return err
	}
	if cfg.Port == "" {
		cfg.Port = profile.Port
	}
	if !cfg.AutoDetect {
		cfg.AutoDetect = profile.AutoDetect
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = profile.BaudRate
	}
	if cfg.Dialect == "" {
		cfg.Dialect = profile.Dialect
	}
	if cfg.Handshake == "" {
		cfg.Handshake = profile.Handshake
	}
	if len(cfg.StatusCommands) == 0 {
		cfg.StatusCommands = profile.StatusCommands
	}
	if cfg.CoverMode == "" {
		cfg.CoverMode = profile.CoverMode
	}
	if cfg.OpenAngle == nil {
		cfg.OpenAngle = profile.OpenAngle
	}
	if cfg.ClosedAngle == nil {
		cfg.ClosedAngle = profile.ClosedAngle
	}
	if cfg.MaxBrightness == 0 {
		cfg.MaxBrightness = profile.MaxBrightness
	}
	if cfg.ReplyTimeoutMs == 0 {
		cfg.ReplyTimeoutMs = profile.ReplyTimeoutMs
	}
	if cfg.HandshakeTimeoutMs == 0 {
		cfg.HandshakeTimeoutMs = profile.HandshakeTimeoutMs
	}
	if cfg.SettleMs == nil {
		cfg.SettleMs = profile.SettleMs
	}
	if cfg.PollIntervalMs == 0 {
		cfg.PollIntervalMs = profile.PollIntervalMs
	}
	return nil
}

func intPtr(v int) *int {
	return &v
}
