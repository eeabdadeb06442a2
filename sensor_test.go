package flatpanel

import (
	"context"
	"testing"

	"flatpanel/channel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
)

func newTestSensor(t *testing.T, device *fakeDevice) (sensor.Sensor, *PanelRegistry, *fakeLink) {
	t.Helper()
	link := newFakeLink(device.respond)
	registry := NewPanelRegistry(WithDialer((&dialerQueue{links: []Link{link}}).dial))

	cfg := &Config{Port: "/dev/ttyACM0", PollIntervalMs: 60000}
	_, _, err := cfg.Validate("components.0")
	require.NoError(t, err)

	s, err := NewPanelSensor(context.Background(), sensor.Named("panel"), cfg, registry, logging.NewTestLogger(t))
	require.NoError(t, err)
	return s, registry, link
}

func TestSensorReadings(t *testing.T) {
	s, _, _ := newTestSensor(t, &fakeDevice{servo: 180, led: 40})
	defer s.Close(context.Background())

	readings, err := s.Readings(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM0", readings["port"])
	assert.Equal(t, "flatfield", readings["dialect"])
	assert.Equal(t, "connected", readings["connection"])
	assert.Equal(t, "closed", readings["cover"])
	assert.Equal(t, 180, readings["servo_degrees"])
	assert.Equal(t, 40, readings["led_brightness"])
	assert.Equal(t, true, readings["servo_known"])
	assert.Equal(t, false, readings["led_faulted"])
	assert.Contains(t, readings, "updated_at")
	assert.NotContains(t, readings, "fault_reason")
}

func TestSensorDoCommand(t *testing.T) {
	s, _, link := newTestSensor(t, &fakeDevice{})
	defer s.Close(context.Background())
	ctx := context.Background()

	t.Run("set servo", func(t *testing.T) {
		resp, err := s.DoCommand(ctx, map[string]any{"command": "set_servo", "degrees": float64(90)})
		require.NoError(t, err)
		assert.Equal(t, true, resp["success"])
		assert.Equal(t, 90, resp["servo_degrees"])
		assert.Equal(t, "S90", link.sentCommands()[len(link.sentCommands())-1])
	})

	t.Run("preset", func(t *testing.T) {
		resp, err := s.DoCommand(ctx, map[string]any{"command": "preset", "name": "half"})
		require.NoError(t, err)
		assert.Equal(t, 128, resp["led_brightness"])
	})

	t.Run("out of range reports failure", func(t *testing.T) {
		resp, err := s.DoCommand(ctx, map[string]any{"command": "set_brightness", "level": float64(300)})
		require.ErrorIs(t, err, ErrOutOfRange)
		assert.Equal(t, false, resp["success"])
		assert.Equal(t, 128, resp["led_brightness"])
	})

	t.Run("missing argument", func(t *testing.T) {
		_, err := s.DoCommand(ctx, map[string]any{"command": "set_servo"})
		assert.ErrorContains(t, err, "missing 'degrees'")
	})

	t.Run("non integer argument", func(t *testing.T) {
		_, err := s.DoCommand(ctx, map[string]any{"command": "set_servo", "degrees": 12.5})
		assert.ErrorContains(t, err, "integer")
	})

	t.Run("unknown command", func(t *testing.T) {
		_, err := s.DoCommand(ctx, map[string]any{"command": "park"})
		assert.ErrorContains(t, err, "unknown command")
	})

	t.Run("command must be string", func(t *testing.T) {
		_, err := s.DoCommand(ctx, map[string]any{"command": 3})
		assert.Error(t, err)
	})

	t.Run("diagnostics", func(t *testing.T) {
		resp, err := s.DoCommand(ctx, map[string]any{"command": "diagnostics"})
		require.NoError(t, err)
		assert.Contains(t, resp, "diagnostics")
	})

	t.Run("disconnect", func(t *testing.T) {
		resp, err := s.DoCommand(ctx, map[string]any{"command": "disconnect"})
		require.NoError(t, err)
		assert.Equal(t, channel.Disconnected.String(), resp["connection"])
		assert.Equal(t, false, resp["servo_known"])
		assert.Equal(t, 1, link.closed)
	})

	t.Run("set while disconnected", func(t *testing.T) {
		_, err := s.DoCommand(ctx, map[string]any{"command": "calibrator_off"})
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestSensorConnectStaysOnBoundPort(t *testing.T) {
	device := &fakeDevice{servo: 45}
	link := newFakeLink(device.respond)
	relink := newFakeLink(device.respond)
	q := &dialerQueue{links: []Link{link, relink}}
	registry := NewPanelRegistry(WithDialer(q.dial))

	cfg := &Config{Port: "/dev/ttyACM0", PollIntervalMs: 60000}
	_, _, err := cfg.Validate("components.0")
	require.NoError(t, err)
	s, err := NewPanelSensor(context.Background(), sensor.Named("panel"), cfg, registry, logging.NewTestLogger(t))
	require.NoError(t, err)
	defer s.Close(context.Background())
	ctx := context.Background()

	_, err = s.DoCommand(ctx, map[string]any{"command": "connect", "port": "/dev/ttyACM1"})
	assert.ErrorContains(t, err, "/dev/ttyACM1")
	assert.Equal(t, 1, q.dials)
	assert.False(t, registry.Holds("/dev/ttyACM1"))
	assert.Equal(t, 0, link.closed)

	resp, err := s.DoCommand(ctx, map[string]any{"command": "connect", "port": "/dev/ttyACM0"})
	require.NoError(t, err)
	assert.Equal(t, "connected", resp["connection"])
	assert.Equal(t, 45, resp["servo_degrees"])
	assert.Equal(t, []string{"/dev/ttyACM0", "/dev/ttyACM0"}, q.ports)
	assert.True(t, registry.Holds("/dev/ttyACM0"))
}

func TestSensorCloseReleasesPanel(t *testing.T) {
	s, registry, link := newTestSensor(t, &fakeDevice{})
	require.True(t, registry.Holds("/dev/ttyACM0"))

	require.NoError(t, s.Close(context.Background()))
	assert.False(t, registry.Holds("/dev/ttyACM0"))
	assert.Equal(t, 1, link.closed)
}

func TestIntArg(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    int
		wantErr bool
	}{
		{"float", float64(42), 42, false},
		{"int", 7, 7, false},
		{"int64", int64(9), 9, false},
		{"fraction", 1.5, 0, true},
		{"string", "10", 0, true},
		{"missing", nil, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := map[string]any{}
			if tt.value != nil {
				cmd["v"] = tt.value
			}
			got, err := intArg(cmd, "v")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
