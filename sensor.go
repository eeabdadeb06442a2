// sensor.go - flat panel exposed as a sensor component
package flatpanel

import (
	"context"
	"fmt"
	"time"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"
)

var PanelModel = resource.NewModel("devrel", "flatpanel", "panel")

func init() {
	resource.RegisterComponent(sensor.API, PanelModel,
		resource.Registration[sensor.Sensor, *Config]{
			Constructor: newPanelSensor,
		},
	)
}

type panelSensor struct {
	resource.AlwaysRebuild

	name     resource.Name
	logger   logging.Logger
	cfg      *Config
	port     string
	panel    *Panel
	registry *PanelRegistry
	workers  *utils.StoppableWorkers
}

func newPanelSensor(
	ctx context.Context,
	deps resource.Dependencies,
	rawConf resource.Config,
	logger logging.Logger,
) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}
	return NewPanelSensor(ctx, rawConf.ResourceName(), conf, globalRegistry, logger)
}

// NewPanelSensor acquires the panel for conf from registry and starts polling
// it in the background.
func NewPanelSensor(
	ctx context.Context,
	name resource.Name,
	conf *Config,
	registry *PanelRegistry,
	logger logging.Logger,
) (sensor.Sensor, error) {
	port := conf.Port
	if port == "" && conf.AutoDetect {
		detected, err := DetectPort(logger)
		if err != nil {
			return nil, err
		}
		port = detected
	}

	panel, err := registry.Acquire(ctx, port, conf, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to get flat panel on %s: %w", port, err)
	}

	s := &panelSensor{
		name:     name,
		logger:   logger,
		cfg:      conf,
		port:     port,
		panel:    panel,
		registry: registry,
	}
	s.workers = utils.NewBackgroundStoppableWorkers(s.pollLoop)

	logger.Infof("flat panel sensor on %s using %s dialect", port, panel.Dialect().Name)
	return s, nil
}

func (s *panelSensor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.panel.Tick(ctx); err != nil {
			s.logger.Debugf("status poll failed: %v", err)
		}
	}
}

// Name returns the sensor's name
func (s *panelSensor) Name() resource.Name {
	return s.name
}

// Readings returns the last confirmed panel state
func (s *panelSensor) Readings(ctx context.Context, extra map[string]any) (map[string]any, error) {
	snap := s.panel.Snapshot()
	state := s.panel.ConnectionState()

	readings := map[string]any{
		"port":          s.port,
		"dialect":       s.panel.Dialect().Name,
		"connection":    state.Status.String(),
		"cover":         snap.Cover.String(),
		"servo_known":   snap.Servo.Known,
		"servo_faulted": snap.Servo.Faulted,
		"led_known":     snap.LED.Known,
		"led_faulted":   snap.LED.Faulted,
	}
	if state.Reason != "" {
		readings["fault_reason"] = state.Reason
	}
	if snap.Servo.Known {
		readings["servo_degrees"] = snap.Servo.Value
	}
	if snap.Servo.Reason != "" {
		readings["servo_fault_reason"] = snap.Servo.Reason
	}
	if snap.LED.Known {
		readings["led_brightness"] = snap.LED.Value
	}
	if snap.LED.Reason != "" {
		readings["led_fault_reason"] = snap.LED.Reason
	}
	if !snap.UpdatedAt.IsZero() {
		readings["updated_at"] = snap.UpdatedAt.Format(time.RFC3339)
	}
	return readings, nil
}

// DoCommand drives the panel
func (s *panelSensor) DoCommand(ctx context.Context, cmd map[string]any) (map[string]any, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("command must be a string")
	}

	switch command {
	case "set_servo":
		return s.withValue(ctx, cmd, "degrees", s.panel.SetServo)
	case "set_brightness":
		return s.withValue(ctx, cmd, "level", s.panel.SetBrightness)
	case "calibrator_on":
		return s.withValue(ctx, cmd, "level", s.panel.CalibratorOn)
	case "calibrator_off":
		return s.result(s.panel.CalibratorOff(ctx))
	case "open_cover":
		return s.result(s.panel.OpenCover(ctx))
	case "close_cover":
		return s.result(s.panel.CloseCover(ctx))
	case "halt_cover":
		return s.result(s.panel.HaltCover(ctx))
	case "preset":
		name, ok := cmd["name"].(string)
		if !ok {
			return nil, fmt.Errorf("preset requires a string 'name'")
		}
		return s.result(s.panel.ApplyBrightnessPreset(ctx, name))
	case "poll":
		_, err := s.panel.Poll(ctx)
		return s.result(err)
	case "connect":
		// the registry holds the panel under s.port; reconfigure to move it
		if port, _ := cmd["port"].(string); port != "" && port != s.port {
			return nil, fmt.Errorf("connect: panel is bound to %s, cannot switch to %s", s.port, port)
		}
		return s.result(s.panel.Connect(ctx, s.port))
	case "disconnect":
		s.panel.Disconnect()
		return s.result(nil)
	case "diagnostics":
		return s.diagnostics(), nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (s *panelSensor) withValue(
	ctx context.Context,
	cmd map[string]any,
	key string,
	op func(context.Context, int) error,
) (map[string]any, error) {
	v, err := intArg(cmd, key)
	if err != nil {
		return nil, err
	}
	return s.result(op(ctx, v))
}

// result reports the snapshot after an operation alongside its error.
func (s *panelSensor) result(opErr error) (map[string]any, error) {
	readings, _ := s.Readings(context.Background(), nil)
	readings["success"] = opErr == nil
	if opErr != nil {
		readings["error"] = opErr.Error()
	}
	return readings, opErr
}

func (s *panelSensor) diagnostics() map[string]any {
	entries := s.panel.Diagnostics()
	lines := make([]any, 0, len(entries))
	for _, d := range entries {
		lines = append(lines, map[string]any{
			"at":   d.At.Format(time.RFC3339),
			"kind": d.Kind,
			"line": d.Line,
		})
	}
	return map[string]any{"diagnostics": lines}
}

func intArg(cmd map[string]any, key string) (int, error) {
	switch v := cmd[key].(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%s must be an integer, got %v", key, v)
		}
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case nil:
		return 0, fmt.Errorf("missing '%s'", key)
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, v)
	}
}

// Close stops polling and releases the panel
func (s *panelSensor) Close(ctx context.Context) error {
	s.workers.Stop()
	s.registry.Release(s.port)
	return nil
}
