package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/kwv/vpsanchor/anchor"
)

const (
	defaultConfigFile = "config.yaml"
	defaultCacheFile  = ".calibration-cache.json"

	// simulated camera path used by --simulate and --trace-output
	simulatedRadius = 3.0
	simulatedPeriod = 20 * time.Second
)

// App encapsulates the application state and dependencies
type App struct {
	Config      *anchor.Config
	Calibration *anchor.CameraCalibration
	State       *anchor.AnchorState
	Localizer   *anchor.Localizer
	Bridge      *anchor.MQTTBridge
	Publisher   *anchor.Publisher
	Logger      golog.Logger

	// CLI Flags (effectively dependencies)
	ConfigFile       string
	CalibrationCache string
	TraceOutput      string
	HttpPort         int
	Iterations       int
	Simulate         bool
	HttpMode         bool
	MqttMode         bool
	AutoStart        bool
	Debug            bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		State: anchor.NewAnchorState(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.CalibrationCache = opts.CalibrationCache
	a.TraceOutput = opts.TraceOutput
	a.HttpPort = opts.HttpPort
	a.Iterations = opts.Iterations
	a.Simulate = opts.Simulate
	a.HttpMode = opts.HttpMode
	a.MqttMode = opts.MqttMode
	a.AutoStart = opts.AutoStart
	a.Debug = opts.Debug

	if a.Debug {
		a.Logger = golog.NewDevelopmentLogger("vpsanchor")
	} else {
		a.Logger = golog.NewLogger("vpsanchor")
	}
}

func (a *App) logger() golog.Logger {
	if a.Logger == nil {
		a.Logger = golog.Global()
	}
	return a.Logger
}

// loadConfig reads the config file. A missing default config.yaml is not an
// error: the built-in defaults plus environment overrides are used instead.
func (a *App) loadConfig() (*anchor.Config, error) {
	path := a.ConfigFile
	if path == "" {
		path = defaultConfigFile
	}
	if _, err := os.Stat(path); os.IsNotExist(err) && path == defaultConfigFile {
		config := anchor.DefaultConfig()
		config.ApplyEnv()
		if err := config.Validate(); err != nil {
			return nil, err
		}
		return config, nil
	}
	return anchor.LoadConfig(path)
}

// calibrationPath resolves the cache file: flag, then config, then default
func (a *App) calibrationPath() string {
	if a.CalibrationCache != "" {
		return a.CalibrationCache
	}
	if a.Config != nil && a.Config.Calibration.CachePath != "" {
		return a.Config.Calibration.CachePath
	}
	return defaultCacheFile
}

// httpPort resolves the listen port: flag, then config
func (a *App) httpPort() int {
	if a.HttpPort > 0 {
		return a.HttpPort
	}
	if a.Config != nil && a.Config.HTTP.Port > 0 {
		return a.Config.HTTP.Port
	}
	return anchor.DefaultConfig().HTTP.Port
}

// simulatedWorld is where the simulator places the tracking frame: the
// configured fallback pose, so a simulated session converges on it.
func simulatedWorld(config *anchor.Config) anchor.RigTransform {
	p := config.FallbackPose()
	return anchor.RigTransform{Rotation: p.Orientation, Translation: p.Position}
}

// newSimulation builds an offline camera and VPS pair
func newSimulation(config *anchor.Config, clock anchor.Clock) (*anchor.SimulatedSource, *anchor.SimulatedVPS) {
	locationID := ""
	if ids := config.LocationIDs(); len(ids) > 0 {
		locationID = ids[0]
	}
	source := anchor.NewSimulatedSource(clock, simulatedRadius, simulatedPeriod)
	vps := &anchor.SimulatedVPS{World: simulatedWorld(config), LocationID: locationID}
	return source, vps
}

// sensorSource returns the camera source for the current mode. Outside
// simulation it is a BridgeCache fed by MQTT when --mqtt is set.
func (a *App) sensorSource(clock anchor.Clock) (anchor.SensorSource, error) {
	if a.Simulate {
		source, _ := newSimulation(a.Config, clock)
		return source, nil
	}

	cache := anchor.NewBridgeCache()
	if a.Calibration != nil && a.Calibration.Calibrated {
		cache.SetFallbackIntrinsics(a.Calibration.Intrinsics)
	}
	if !a.MqttMode {
		a.logger().Warn("no sensor bridge enabled: use --mqtt or --simulate, every iteration will fall back")
		return cache, nil
	}

	bridge, err := anchor.InitMQTTBridge(a.Config, cache, a.logger().Named("bridge"))
	if err != nil {
		return nil, errors.Wrap(err, "initializing MQTT bridge")
	}
	if bridge == nil {
		return nil, errors.New("MQTT broker not configured in config.yaml")
	}
	a.Bridge = bridge
	return cache, nil
}

// setup wires sensor source, VPS requester, localizer and publisher
func (a *App) setup(clock anchor.Clock) error {
	source, err := a.sensorSource(clock)
	if err != nil {
		return err
	}

	var vps anchor.FixRequester
	if a.Simulate {
		_, vps = newSimulation(a.Config, clock)
	} else {
		opts := []anchor.ClientOption{anchor.WithClientLogger(a.logger().Named("vps"))}
		if timeout := a.Config.VPS.Timeout.Std(); timeout > 0 {
			opts = append(opts, anchor.WithTimeout(timeout))
		}
		vps = anchor.NewClient(a.Config.Endpoint(), opts...)
	}

	a.Localizer = anchor.NewLocalizer(source, vps, a.State,
		anchor.WithClock(clock),
		anchor.WithLoopLogger(a.logger().Named("loop")),
		anchor.WithLoopConfig(a.Config.LoopConfig()),
	)
	if err := a.Localizer.SetLocations(a.Config.LocationIDs()...); err != nil {
		return errors.Wrap(err, "selecting locations")
	}

	if a.Bridge != nil {
		a.Publisher = anchor.NewPublisher(a.Bridge.GetClient(), a.Config.MQTT.PublishPrefix, a.logger().Named("publisher"))
		a.Publisher.SetQoS(a.Config.MQTT.QoS)
		if a.Config.MQTT.Retain != nil {
			a.Publisher.SetRetain(*a.Config.MQTT.Retain)
		}
		a.Localizer.OnIteration(a.Publisher.PublishReport)
	}
	return nil
}

// RunService runs the localization loop with the optional HTTP and MQTT surfaces
func (a *App) RunService() {
	fmt.Println("Starting vpsanchor service...")

	// 1. Load config (defaults when config.yaml is absent)
	config, err := a.loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v (looked at %s)", err, a.ConfigFile)
	}
	a.Config = config
	log.Printf("VPS endpoint: %s", config.Endpoint())

	// 2. Load calibration cache (optional)
	cachePath := a.calibrationPath()
	cal, err := anchor.LoadCalibration(cachePath)
	if err != nil {
		log.Printf("Warning: Failed to load calibration cache %s: %v", cachePath, err)
	} else if cal != nil {
		a.Calibration = cal
		log.Printf("Loaded calibration cache from %s (fov %.1f°)", cachePath, cal.FOV)
	}

	// 3. Wire the loop
	if err := a.setup(anchor.RealClock{}); err != nil {
		log.Fatalf("Failed to set up localizer: %v", err)
	}
	if a.AutoStart {
		log.Printf("Localizing session %s", a.Localizer.Start())
	}

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := a.Localizer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Localizer stopped: %v", err)
		}
	}()

	// 4. Start HTTP server if enabled
	port := a.httpPort()
	if a.HttpMode {
		httpServer := newHTTPServer(a.Localizer, a.Config, a.Bridge, a.Publisher)
		go func() {
			addr := fmt.Sprintf("0.0.0.0:%d", port)
			log.Printf("[HTTP] Starting server on %s", addr)
			if err := http.ListenAndServe(addr, httpServer); err != nil {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
			log.Printf("[HTTP] Server stopped unexpectedly")
		}()
	}

	// 5. Print service info
	fmt.Println("\nService Running")
	fmt.Println("===============")

	if a.Simulate {
		fmt.Println("\nSimulation: camera and VPS are simulated")
	}
	fmt.Printf("Locations: %s\n", strings.Join(a.Localizer.Locations(), ", "))

	if a.Bridge != nil {
		fmt.Println("\nMQTT:")
		fmt.Println("  Subscribed topics:")
		for _, suffix := range []string{anchor.TopicTrackingPose, anchor.TopicIntrinsics, anchor.TopicEmbedding} {
			fmt.Printf("    - %s\n", a.Bridge.Topic(suffix))
		}
		publishPrefix := config.MQTT.PublishPrefix
		if publishPrefix == "" {
			publishPrefix = anchor.DefaultPublishPrefix
		}
		fmt.Printf("  Publishing to: %s/anchor, %s/status\n", publishPrefix, publishPrefix)
	}

	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", port)
		fmt.Println("  GET  /health         - Health check")
		fmt.Println("  GET  /status         - Anchor state snapshot")
		fmt.Println("  GET  /anchor         - Current rig transform")
		fmt.Println("  POST /start          - Start a localization session")
		fmt.Println("  POST /stop           - Stop localizing")
		fmt.Println("  POST /toggle         - Start or stop")
		fmt.Println("  POST /location?id=   - Select the VPS location")
		fmt.Println("  GET  /status.png     - Status badge")
		fmt.Println("  GET  /trace.svg      - Corrected camera trail")
		fmt.Println("  GET  /fixes.geojson  - Matched fixes as GeoJSON")
		fmt.Println("  GET  /ws             - Snapshot stream (websocket)")
	}

	fmt.Println("\nPress Ctrl+C to stop")

	// 6. Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	fmt.Println("\nShutting down service...")
	a.Localizer.Stop()
	cancel()
	<-loopDone
	if a.Bridge != nil {
		a.Bridge.Disconnect()
	}
	fmt.Println("Service stopped")
}

// RunCalibrateFOV polls intrinsics until a valid reading arrives and caches the FOV
func (a *App) RunCalibrateFOV() {
	config, err := a.loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	a.Config = config

	source, err := a.sensorSource(anchor.RealClock{})
	if err != nil {
		log.Fatalf("Failed to open sensor source: %v", err)
	}
	if a.Bridge != nil {
		defer a.Bridge.Disconnect()
	}

	cal := anchor.CalibrateFOV(context.Background(), source, config.CalibrationConfig())
	a.Calibration = &cal
	if cal.Calibrated {
		fmt.Printf("Calibrated FOV: %.2f° after %d attempt(s)\n", cal.FOV, cal.Attempts)
	} else {
		fmt.Printf("No valid intrinsics after %d attempts, keeping default FOV %.1f°\n", cal.Attempts, cal.FOV)
	}

	cachePath := a.calibrationPath()
	if err := anchor.SaveCalibration(cachePath, &cal); err != nil {
		log.Fatalf("Failed to save calibration: %v", err)
	}
	fmt.Printf("Saved calibration to %s\n", cachePath)
}

// RunTrace runs a simulated session and writes the corrected trail
func (a *App) RunTrace() {
	config, err := a.loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	a.Config = config

	f, err := os.Create(a.TraceOutput)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", a.TraceOutput, err)
	}
	defer f.Close()

	if err := a.writeTrace(f, traceFormat(a.TraceOutput)); err != nil {
		log.Fatalf("Failed to write trace: %v", err)
	}
	fmt.Printf("Wrote %d-iteration trace to %s\n", a.Iterations, a.TraceOutput)
}

// traceFormat picks the trace encoding from the output file extension
func traceFormat(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".png") {
		return "png"
	}
	return "svg"
}

// writeTrace steps a simulated localizer on a mock clock so the trace does
// not depend on wall time, then renders trail and fixes to w.
func (a *App) writeTrace(w io.Writer, format string) error {
	iterations := a.Iterations
	if iterations <= 0 {
		iterations = 1
	}

	clock := anchor.NewMockClock(time.Unix(0, 0))
	a.Simulate = true
	if err := a.setup(clock); err != nil {
		return err
	}

	interval := a.Config.LoopConfig().Interval
	a.Localizer.Start()
	for i := 0; i < iterations; i++ {
		report := a.Localizer.Step(context.Background())
		a.logger().Debugw("trace iteration", "n", i, "status", report.Status)
		clock.Advance(interval)
	}
	a.Localizer.Stop()

	renderer := anchor.NewTraceRenderer(a.State.Trail(), a.State.Fixes())
	if format == "png" {
		return renderer.RenderToPNG(w)
	}
	return renderer.RenderToSVG(w)
}
