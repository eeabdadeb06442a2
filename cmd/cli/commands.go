package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"time"

	"flatpanel"
)

func listPorts() error {
	ports, err := flatpanel.ListPanelPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("no Arduino serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Printf("%s\tVID:%s PID:%s\t%s\n", p.Name, p.VID, p.PID, p.SerialNumber)
	}
	return nil
}

func runCommand(ctx context.Context, panel *flatpanel.Panel, name string, args []string) error {
	var err error
	switch name {
	case "status":
		_, err = panel.Poll(ctx)
	case "servo":
		var v int
		if v, err = intArg(name, args); err == nil {
			err = panel.SetServo(ctx, v)
		}
	case "led":
		var v int
		if v, err = intArg(name, args); err == nil {
			err = panel.SetBrightness(ctx, v)
		}
	case "open":
		err = panel.OpenCover(ctx)
	case "close":
		err = panel.CloseCover(ctx)
	case "halt":
		err = panel.HaltCover(ctx)
	case "preset":
		if len(args) != 1 {
			return fmt.Errorf("preset needs a name")
		}
		err = panel.ApplyBrightnessPreset(ctx, args[0])
	case "monitor":
		return monitor(ctx, panel, args)
	default:
		return fmt.Errorf("unknown command %q", name)
	}
	printStatus(panel)
	return err
}

func monitor(ctx context.Context, panel *flatpanel.Panel, args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	count := fs.Int("n", 0, "number of polls, 0 for no limit")
	interval := fs.Duration("interval", time.Second, "time between polls")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for i := 0; *count == 0 || i < *count; i++ {
		if _, err := panel.Poll(ctx); err != nil {
			fmt.Printf("poll: %v\n", err)
		}
		printStatus(panel)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func printStatus(panel *flatpanel.Panel) {
	snap := panel.Snapshot()
	fmt.Printf("%s [%s] cover=%s servo=%s led=%s\n",
		panel.Port(), panel.ConnectionState(), snap.Cover, reading(snap.Servo), reading(snap.LED))
}

func reading(r flatpanel.Reading) string {
	if !r.Known {
		return "?"
	}
	s := strconv.Itoa(r.Value)
	if r.Faulted {
		s += "!"
	}
	return s
}

func intArg(name string, args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%s needs one numeric argument", name)
	}
	v, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}
