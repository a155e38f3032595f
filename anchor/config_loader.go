package anchor

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string in YAML ("500ms")
type Duration time.Duration

// UnmarshalYAML parses "500ms"-style strings
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the service configuration
type Config struct {
	VPS         VPSConfig           `yaml:"vps" json:"vps"`
	Loop        LoopSettings        `yaml:"loop" json:"loop"`
	Calibration CalibrationSettings `yaml:"calibration" json:"calibration"`
	Locations   []Location          `yaml:"locations" json:"locations"`
	Fallback    FallbackConfig      `yaml:"fallback" json:"fallback"`
	MQTT        MQTTConfig          `yaml:"mqtt" json:"mqtt"`
	HTTP        HTTPConfig          `yaml:"http" json:"http"`
}

// VPSConfig selects the localization endpoint
type VPSConfig struct {
	Environment string   `yaml:"environment,omitempty" json:"environment,omitempty"` // "stage" or "prod"
	URL         string   `yaml:"url,omitempty" json:"url,omitempty"`                 // overrides environment
	Timeout     Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// LoopSettings tunes the localization loop
type LoopSettings struct {
	Interval       Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	AcquireRetries int      `yaml:"acquireRetries,omitempty" json:"acquireRetries,omitempty"`
	AcquireBackoff Duration `yaml:"acquireBackoff,omitempty" json:"acquireBackoff,omitempty"`
}

// CalibrationSettings tunes FOV calibration
type CalibrationSettings struct {
	Retries    int      `yaml:"retries,omitempty" json:"retries,omitempty"`
	Delay      Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
	DefaultFOV float64  `yaml:"defaultFov,omitempty" json:"defaultFov,omitempty"`
	CachePath  string   `yaml:"cachePath,omitempty" json:"cachePath,omitempty"`
}

// FallbackConfig chooses the global pose used when the service is unreachable.
// VpsPose wins over Reference; with neither set the default reference fix is used.
type FallbackConfig struct {
	Reference string    `yaml:"reference,omitempty" json:"reference,omitempty"`
	VpsPose   *WirePose `yaml:"vpsPose,omitempty" json:"vpsPose,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	TopicPrefix   string `yaml:"topicPrefix,omitempty" json:"topicPrefix,omitempty"`     // sensor bridge input
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"` // anchor/status output
	QoS           byte   `yaml:"qos,omitempty" json:"qos,omitempty"`
	Retain        *bool  `yaml:"retain,omitempty" json:"retain,omitempty"` // default true
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
}

// DefaultConfig returns a configuration usable without a file: the stage
// environment, the polytech venue and the default loop timing.
func DefaultConfig() *Config {
	return &Config{
		VPS: VPSConfig{Environment: DefaultEnvironment, Timeout: Duration(DefaultRequestTimeout)},
		Loop: LoopSettings{
			Interval:       Duration(DefaultLoopInterval),
			AcquireRetries: DefaultAcquireRetries,
		},
		Calibration: CalibrationSettings{
			Retries:    DefaultCalibrationRetries,
			Delay:      Duration(DefaultCalibrationDelay),
			DefaultFOV: DefaultFOV,
		},
		Locations: []Location{{ID: "polytech", Name: "Polytech"}},
		Fallback:  FallbackConfig{Reference: DefaultReferenceFix},
		HTTP:      HTTPConfig{Port: 8080},
	}
}

// LoadConfig loads the configuration from a YAML file. Unset fields take
// their defaults and environment overrides are applied.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("config file not found: %s", path)
		}
		return nil, errors.Wrap(err, "reading config file")
	}

	config := DefaultConfig()
	config.Locations = nil
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "parsing config YAML")
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overlays MQTT_* and VPS_URL environment variables
func (c *Config) ApplyEnv() {
	if v := os.Getenv("VPS_URL"); v != "" {
		c.VPS.URL = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		c.MQTT.PublishPrefix = v
	}
}

// Validate checks required fields
func (c *Config) Validate() error {
	if len(c.Locations) == 0 {
		return errors.New("at least one location must be defined")
	}
	for i, loc := range c.Locations {
		if loc.ID == "" {
			return errors.Errorf("locations[%d].id is required", i)
		}
	}
	if c.VPS.URL == "" {
		env := c.VPS.Environment
		if env == "" {
			env = DefaultEnvironment
		}
		if _, ok := Environments[env]; !ok {
			return errors.Errorf("vps.environment %q is unknown (want stage or prod)", c.VPS.Environment)
		}
	}
	if c.Loop.Interval < 0 || c.Loop.AcquireBackoff < 0 {
		return errors.New("loop durations must not be negative")
	}
	if c.Loop.AcquireRetries < 0 {
		return errors.Errorf("loop.acquireRetries must not be negative, got %d", c.Loop.AcquireRetries)
	}
	if c.Fallback.VpsPose == nil && c.Fallback.Reference != "" {
		if _, ok := ReferenceFixes[c.Fallback.Reference]; !ok {
			return errors.Errorf("fallback.reference %q is unknown (known: %v)", c.Fallback.Reference, ReferenceFixNames())
		}
	}
	return nil
}

// Endpoint resolves the VPS URL from url or environment
func (c *Config) Endpoint() string {
	if c.VPS.URL != "" {
		return c.VPS.URL
	}
	if u, ok := Environments[c.VPS.Environment]; ok {
		return u
	}
	return Environments[DefaultEnvironment]
}

// LocationIDs returns the configured location ids in order
func (c *Config) LocationIDs() []string {
	ids := make([]string, 0, len(c.Locations))
	for _, loc := range c.Locations {
		ids = append(ids, loc.ID)
	}
	return ids
}

// GetLocationByID returns the location with the given id, or nil
func (c *Config) GetLocationByID(id string) *Location {
	for i := range c.Locations {
		if c.Locations[i].ID == id {
			return &c.Locations[i]
		}
	}
	return nil
}

// FallbackPose resolves the global pose used for fallback anchoring
func (c *Config) FallbackPose() Pose {
	if c.Fallback.VpsPose != nil {
		return c.Fallback.VpsPose.Pose(FrameGlobalVPS)
	}
	name := c.Fallback.Reference
	if name == "" {
		name = DefaultReferenceFix
	}
	ref, ok := ReferenceFixes[name]
	if !ok {
		ref = ReferenceFixes[DefaultReferenceFix]
	}
	return ref.VpsPose.Pose(FrameGlobalVPS)
}

// LoopConfig converts the YAML settings into loop tuning
func (c *Config) LoopConfig() LoopConfig {
	cfg := DefaultLoopConfig()
	if c.Loop.Interval > 0 {
		cfg.Interval = c.Loop.Interval.Std()
	}
	if c.Loop.AcquireRetries > 0 {
		cfg.AcquireRetries = c.Loop.AcquireRetries
	}
	cfg.AcquireBackoff = c.Loop.AcquireBackoff.Std()
	cfg.Fallback = c.FallbackPose()
	return cfg
}

// CalibrationConfig converts the YAML settings into calibration tuning
func (c *Config) CalibrationConfig() CalibrationConfig {
	cfg := DefaultCalibrationConfig()
	if c.Calibration.Retries > 0 {
		cfg.Retries = c.Calibration.Retries
	}
	if c.Calibration.Delay > 0 {
		cfg.Delay = c.Calibration.Delay.Std()
	}
	if c.Calibration.DefaultFOV > 0 {
		cfg.DefaultFOV = c.Calibration.DefaultFOV
	}
	return cfg
}
