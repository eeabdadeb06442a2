package flatpanel

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flatpanel/channel"
	"flatpanel/codec"
)

func TestConfigValidate(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		cfg := &Config{Port: "/dev/ttyACM0"}
		if _, _, err := cfg.Validate("components.0"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.BaudRate != channel.DefaultBaudRate {
			t.Errorf("expected baud %d, got %d", channel.DefaultBaudRate, cfg.BaudRate)
		}
		if cfg.Dialect != "flatfield" {
			t.Errorf("expected flatfield dialect, got %q", cfg.Dialect)
		}
		if *cfg.OpenAngle != 0 || *cfg.ClosedAngle != 180 {
			t.Errorf("unexpected cover angles %d/%d", *cfg.OpenAngle, *cfg.ClosedAngle)
		}
		if cfg.MaxBrightness != 255 {
			t.Errorf("expected max brightness 255, got %d", cfg.MaxBrightness)
		}
		if cfg.replyTimeout() != time.Second || cfg.pollInterval() != 500*time.Millisecond {
			t.Errorf("unexpected timing defaults %v/%v", cfg.replyTimeout(), cfg.pollInterval())
		}
	})

	t.Run("port required", func(t *testing.T) {
		_, _, err := (&Config{}).Validate("components.0")
		if err == nil || !strings.Contains(err.Error(), "port") {
			t.Fatalf("expected port required error, got %v", err)
		}
	})

	t.Run("auto detect needs no port", func(t *testing.T) {
		if _, _, err := (&Config{AutoDetect: true}).Validate("components.0"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	invalid := []struct {
		name string
		cfg  *Config
		want string
	}{
		{"unknown dialect", &Config{Port: "p", Dialect: "lx200"}, "unknown dialect"},
		{"bad cover mode", &Config{Port: "p", CoverMode: "motor"}, "cover_mode"},
		{"equal angles", &Config{Port: "p", OpenAngle: intPtr(90), ClosedAngle: intPtr(90)}, "must differ"},
		{"angle out of range", &Config{Port: "p", ClosedAngle: intPtr(200)}, "cover angles"},
		{"brightness too high", &Config{Port: "p", MaxBrightness: 300}, "max_brightness"},
		{"negative baud", &Config{Port: "p", BaudRate: -1}, "baud_rate"},
		{"negative timeout", &Config{Port: "p", ReplyTimeoutMs: -5}, "negative"},
		{"negative settle", &Config{Port: "p", SettleMs: intPtr(-1)}, "settle_ms"},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.cfg.Validate("components.0")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestConfigDialectOverrides(t *testing.T) {
	t.Run("rotation built-in", func(t *testing.T) {
		d, err := (&Config{Dialect: "Rotation"}).dialect()
		if err != nil {
			t.Fatal(err)
		}
		if d.Handshake != "Rotation Panel Ready" {
			t.Errorf("unexpected handshake %q", d.Handshake)
		}
	})

	t.Run("field overrides", func(t *testing.T) {
		cfg := &Config{
			Handshake:      "Panel Ready",
			StatusCommands: []string{"GETS"},
			CoverMode:      CoverModeSwitch,
		}
		d, err := cfg.dialect()
		if err != nil {
			t.Fatal(err)
		}
		if d.Name != "flatfield" || d.Handshake != "Panel Ready" {
			t.Errorf("unexpected dialect %+v", d)
		}
		if len(d.StatusCommands) != 1 || d.StatusCommands[0] != "GETS" {
			t.Errorf("unexpected status commands %v", d.StatusCommands)
		}
		if !d.CoverSwitch || d.OpenCommand != "O" || d.CloseCommand != "C" {
			t.Errorf("expected switch cover commands, got %+v", d)
		}

		// the override must not leak into the built-in table
		if len(codec.FlatField.StatusCommands) != 1 || codec.FlatField.StatusCommands[0] != "F" {
			t.Errorf("built-in dialect modified: %v", codec.FlatField.StatusCommands)
		}
	})

	t.Run("servo mode disables switch", func(t *testing.T) {
		d, err := (&Config{Dialect: "switched", CoverMode: CoverModeServo}).dialect()
		if err != nil {
			t.Fatal(err)
		}
		if d.CoverSwitch {
			t.Error("expected servo cover mode")
		}
	})
}

func TestConfigChannelConfig(t *testing.T) {
	cfg := &Config{
		BaudRate:           9600,
		HandshakeTimeoutMs: 500,
		SettleMs:           intPtr(0),
	}
	cc := cfg.channelConfig("/dev/ttyUSB0", codec.Rotation)

	if cc.Port != "/dev/ttyUSB0" || cc.BaudRate != 9600 {
		t.Errorf("unexpected port settings %s@%d", cc.Port, cc.BaudRate)
	}
	if cc.Handshake != codec.Rotation.Handshake {
		t.Errorf("unexpected handshake %q", cc.Handshake)
	}
	if cc.HandshakeTimeout != 500*time.Millisecond {
		t.Errorf("unexpected handshake timeout %v", cc.HandshakeTimeout)
	}
	if cc.Settle != 0 {
		t.Errorf("expected settle disabled, got %v", cc.Settle)
	}

	defaults := (&Config{}).channelConfig("/dev/ttyACM0", codec.FlatField)
	if defaults.BaudRate != channel.DefaultBaudRate || defaults.Settle != channel.DefaultSettle {
		t.Errorf("unexpected defaults %+v", defaults)
	}
}

const testProfile = `
port: /dev/ttyUSB3
dialect: rotation
cover_mode: switch
open_angle: 10
closed_angle: 170
max_brightness: 200
reply_timeout_ms: 750
`

func TestLoadProfile(t *testing.T) {
	t.Run("reads yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "panel.yaml")
		if err := os.WriteFile(path, []byte(testProfile), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg, err := LoadProfile(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Port != "/dev/ttyUSB3" || cfg.Dialect != "rotation" || cfg.CoverMode != CoverModeSwitch {
			t.Errorf("unexpected profile %+v", cfg)
		}
		if cfg.OpenAngle == nil || *cfg.OpenAngle != 10 || cfg.MaxBrightness != 200 {
			t.Errorf("unexpected profile values %+v", cfg)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadProfile("/nonexistent/panel.yaml"); err == nil {
			t.Error("expected error for missing profile")
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		if err := os.WriteFile(path, []byte("port: [unterminated"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadProfile(path); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestConfigMergesProfile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("VIAM_MODULE_DATA", dir)
	if err := os.WriteFile(filepath.Join(dir, "panel.yaml"), []byte(testProfile), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{
		ProfileFile:   "panel.yaml",
		MaxBrightness: 100,
	}
	if _, _, err := cfg.Validate("components.0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "/dev/ttyUSB3" {
		t.Errorf("expected port from profile, got %q", cfg.Port)
	}
	if cfg.Dialect != "rotation" {
		t.Errorf("expected dialect from profile, got %q", cfg.Dialect)
	}
	if cfg.MaxBrightness != 100 {
		t.Errorf("resource config should win, got max brightness %d", cfg.MaxBrightness)
	}
	if open, closed := cfg.angles(); open != 10 || closed != 170 {
		t.Errorf("unexpected angles %d/%d", open, closed)
	}
	if cfg.replyTimeout() != 750*time.Millisecond {
		t.Errorf("unexpected reply timeout %v", cfg.replyTimeout())
	}
}

func TestResolveDataPath(t *testing.T) {
	t.Setenv("VIAM_MODULE_DATA", "/data/module")
	if got := resolveDataPath("panel.yaml"); got != "/data/module/panel.yaml" {
		t.Errorf("unexpected path %q", got)
	}
	if got := resolveDataPath("/etc/panel.yaml"); got != "/etc/panel.yaml" {
		t.Errorf("absolute path changed to %q", got)
	}
	t.Setenv("VIAM_MODULE_DATA", "")
	if got := resolveDataPath("panel.yaml"); got != "/tmp/panel.yaml" {
		t.Errorf("unexpected fallback path %q", got)
	}
}
