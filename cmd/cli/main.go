// panelctl drives a flat panel from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"flatpanel"

	"go.viam.com/rdk/logging"
)

func main() {
	err := realMain()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: panelctl [flags] <command> [args]

commands:
  list              list candidate Arduino serial ports
  status            print the panel state
  servo <degrees>   move the cover servo (0-180)
  led <level>       set the light brightness (0-255)
  open | close      open or close the cover
  halt              hold the cover where it is
  preset <name>     apply a brightness preset (full, half, off)
  monitor [-n N]    poll and print status N times (0 runs until interrupted)

flags:
`)
	flag.PrintDefaults()
}

func realMain() error {
	port := flag.String("port", "", "serial port; detected when empty")
	dialect := flag.String("dialect", "", "command dialect (flatfield, rotation, switched)")
	profile := flag.String("profile", "", "YAML profile to load")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return fmt.Errorf("missing command")
	}

	logger := logging.NewLogger("panelctl")
	if *debug {
		logger = logging.NewDebugLogger("panelctl")
	}

	if args[0] == "list" {
		return listPorts()
	}

	cfg, err := loadConfig(*profile, *port, *dialect, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	panel, err := flatpanel.NewPanel(cfg, logger)
	if err != nil {
		return err
	}
	if err := panel.Connect(ctx, cfg.Port); err != nil {
		return err
	}
	defer panel.Disconnect()

	return runCommand(ctx, panel, args[0], args[1:])
}

func loadConfig(profile, port, dialect string, logger logging.Logger) (*flatpanel.Config, error) {
	cfg := &flatpanel.Config{}
	if profile != "" {
		loaded, err := flatpanel.LoadProfile(profile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if port != "" {
		cfg.Port = port
	}
	if dialect != "" {
		cfg.Dialect = dialect
	}
	if cfg.Port == "" {
		detected, err := flatpanel.DetectPort(logger)
		if err != nil {
			return nil, err
		}
		logger.Infof("using detected port %s", detected)
		cfg.Port = detected
	}
	if _, _, err := cfg.Validate("panelctl"); err != nil {
		return nil, err
	}
	return cfg, nil
}
