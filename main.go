package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the command-line options
type AppOptions struct {
	ConfigFile       string
	CalibrationCache string
	TraceOutput      string
	HttpPort         int
	Iterations       int
	Simulate         bool
	HttpMode         bool
	MqttMode         bool
	AutoStart        bool
	CalibrateFOV     bool
	Debug            bool
}

// Runner is the application behind the CLI
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunService()
	RunCalibrateFOV()
	RunTrace()
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatal(err)
	}
}

// run parses args and dispatches to the selected mode
func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("vpsanchor", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.CalibrationCache, "calibration-cache", "", "Path to FOV calibration cache (default: calibration.cachePath from config)")
	fs.StringVar(&opts.TraceOutput, "trace-output", "", "Run a simulated session, write the trace (.svg or .png) and exit")
	fs.IntVar(&opts.Iterations, "iterations", 20, "Number of simulated iterations for --trace-output")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (default: http.port from config)")
	fs.BoolVar(&opts.Simulate, "simulate", false, "Use the simulated camera and VPS instead of the device bridge and service")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Enable MQTT sensor bridge and anchor publishing")
	fs.BoolVar(&opts.AutoStart, "start", false, "Start localizing immediately instead of waiting for POST /start")
	fs.BoolVar(&opts.CalibrateFOV, "calibrate-fov", false, "Calibrate the camera field of view and exit")
	fs.BoolVar(&opts.Debug, "debug", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "vpsanchor version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.CalibrateFOV:
		app.RunCalibrateFOV()
	case opts.TraceOutput != "":
		app.RunTrace()
	default:
		fmt.Fprintln(out, "vpsanchor service starting...")
		app.RunService()
	}
	return nil
}
