// discovery.go
package flatpanel

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"flatpanel/channel"
	"flatpanel/codec"

	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
)

var PanelDiscoveryModel = resource.NewModel("devrel", "flatpanel", "discovery")

func init() {
	resource.RegisterService(
		discovery.API,
		PanelDiscoveryModel,
		resource.Registration[discovery.Service, *PanelDiscoveryConfig]{
			Constructor: newPanelDiscovery,
		})
}

// USB vendor and product IDs used by Arduino boards.
var (
	arduinoVendorIDs  = []string{"2341", "2a03"}
	arduinoProductIDs = []string{"0043", "0001"}
)

// PanelDiscoveryConfig is the configuration for the discovery service
type PanelDiscoveryConfig struct {
	// VendorIDs adds USB vendor IDs to accept, e.g. "1a86" for CH340 clones.
	VendorIDs []string `json:"vendor_ids,omitempty"`

	// ProbeHandshake opens each candidate and listens for the rotation panel
	// greeting to pick the dialect.
	ProbeHandshake bool `json:"probe_handshake,omitempty"`
}

// Validate ensures the config is valid
func (cfg *PanelDiscoveryConfig) Validate(path string) ([]string, []string, error) {
	for _, vid := range cfg.VendorIDs {
		if len(vid) != 4 {
			return nil, nil, fmt.Errorf("vendor_ids entries must be 4 hex digits, got %q", vid)
		}
	}
	return nil, nil, nil
}

// probeFunc reports whether a rotation panel greets on portPath.
type probeFunc func(ctx context.Context, portPath string) bool

// panelDiscovery implements the discovery service
type panelDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger logging.Logger
	cfg    *PanelDiscoveryConfig

	enumerate func() ([]*enumerator.PortDetails, error)
	probe     probeFunc
	registry  *PanelRegistry
}

func newPanelDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*PanelDiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}

	dis := &panelDiscovery{
		Named:     conf.ResourceName().AsNamed(),
		logger:    logger,
		cfg:       cfg,
		enumerate: enumerator.GetDetailedPortsList,
		registry:  globalRegistry,
	}
	dis.probe = dis.probeRotation
	return dis, nil
}

// DiscoverResources scans serial ports for Arduino panels and returns sensor
// configurations
func (dis *panelDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting flat panel discovery")

	ports, err := dis.enumerate()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	dis.logger.Debugf("Found %d total serial ports", len(ports))

	candidates := panelPorts(ports, dis.cfg.VendorIDs)
	dis.logger.Debugf("Filtered to %d candidate ports", len(candidates))

	var configs []resource.Config
	for _, port := range candidates {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return configs, ctx.Err()
		default:
		}

		if dis.registry.Holds(port.Name) {
			dis.logger.Debugf("Skipping %s, already in use", port.Name)
			continue
		}

		dialect := codec.FlatField.Name
		if dis.cfg.ProbeHandshake && dis.probe(ctx, port.Name) {
			dialect = codec.Rotation.Name
		}
		dis.logger.Infof("Discovered flat panel candidate on %s (%s)", port.Name, dialect)
		configs = append(configs, generateConfig(port.Name, dialect))
	}

	if len(configs) == 0 {
		dis.logger.Info("No flat panels discovered")
	} else {
		dis.logger.Infof("Discovered %d component configurations", len(configs))
	}
	return configs, nil
}

func (dis *panelDiscovery) probeRotation(ctx context.Context, portPath string) bool {
	cfg := channel.DefaultConfig(portPath)
	cfg.Handshake = codec.Rotation.Handshake
	c, err := channel.Open(ctx, cfg, dis.logger)
	if err != nil {
		dis.logger.Debugf("No rotation panel greeting on %s: %v", portPath, err)
		return false
	}
	if err := c.Close(); err != nil {
		dis.logger.Debugf("closing probe on %s: %v", portPath, err)
	}
	return true
}

// generateConfig creates a sensor configuration for a discovered panel
func generateConfig(portPath, dialect string) resource.Config {
	return resource.Config{
		Name:  "flatpanel-" + extractPortSuffix(portPath),
		API:   sensor.API,
		Model: PanelModel,
		Attributes: map[string]interface{}{
			"port":    portPath,
			"dialect": dialect,
		},
	}
}

// panelPorts keeps USB serial ports that look like panel controllers.
func panelPorts(ports []*enumerator.PortDetails, extraVendors []string) []*enumerator.PortDetails {
	var candidates []*enumerator.PortDetails
	for _, port := range ports {
		if port != nil && isCandidatePort(port.Name) && isPanelBoard(port, extraVendors) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

// isPanelBoard matches Arduino VID/PID pairs, or any product from an extra
// vendor.
func isPanelBoard(port *enumerator.PortDetails, extraVendors []string) bool {
	if port == nil || !port.IsUSB {
		return false
	}
	vid := strings.ToLower(port.VID)
	pid := strings.ToLower(port.PID)
	for _, extra := range extraVendors {
		if strings.EqualFold(extra, vid) {
			return true
		}
	}
	return containsFold(arduinoVendorIDs, vid) && containsFold(arduinoProductIDs, pid)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// isCandidatePort checks if a port matches USB serial naming patterns
func isCandidatePort(port string) bool {
	// Linux: /dev/ttyUSB*, /dev/ttyACM*
	if strings.HasPrefix(port, "/dev/ttyUSB") || strings.HasPrefix(port, "/dev/ttyACM") {
		return true
	}
	// macOS: /dev/tty.usbmodem*, /dev/tty.usbserial*, /dev/cu.usbmodem*, /dev/cu.usbserial*
	if strings.HasPrefix(port, "/dev/tty.usbmodem") || strings.HasPrefix(port, "/dev/tty.usbserial") || strings.HasPrefix(port, "/dev/cu.usbmodem") || strings.HasPrefix(port, "/dev/cu.usbserial") {
		return true
	}
	// Windows: COM*
	if strings.HasPrefix(port, "COM") {
		return true
	}
	return false
}

// extractPortSuffix extracts a friendly suffix from port path for naming
// /dev/ttyACM0 -> "ttyACM0"
// COM3 -> "COM3"
// /dev/cu.usbmodem1101 -> "usbmodem1101"
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)

	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}

	return base
}

// ListPanelPorts returns candidate Arduino serial ports on this machine.
func ListPanelPorts() ([]*enumerator.PortDetails, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	return panelPorts(ports, nil), nil
}

// DetectPort returns the first Arduino serial port found.
func DetectPort(logger logging.Logger) (string, error) {
	ports, err := ListPanelPorts()
	if err != nil {
		return "", fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	if len(ports) == 0 {
		return "", fmt.Errorf("auto_detect: no Arduino serial port found")
	}
	if len(ports) > 1 {
		logger.Warnf("auto_detect: %d Arduino ports found, using %s", len(ports), ports[0].Name)
	}
	return ports[0].Name, nil
}
