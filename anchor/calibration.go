package anchor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultCalibrationRetries is how many times intrinsics are polled before giving up.
	DefaultCalibrationRetries = 10
	// DefaultCalibrationDelay is the pause between intrinsics polls.
	DefaultCalibrationDelay = 100 * time.Millisecond
	// DefaultFOV is the vertical field of view kept when calibration fails.
	DefaultFOV = 60.0
)

// IntrinsicsSource is the part of SensorSource calibration needs
type IntrinsicsSource interface {
	Intrinsics() (Intrinsics, error)
}

// CalibrationConfig tunes CalibrateFOV
type CalibrationConfig struct {
	Retries    int
	Delay      time.Duration
	DefaultFOV float64
	Clock      Clock
}

// DefaultCalibrationConfig returns the standard retry schedule
func DefaultCalibrationConfig() CalibrationConfig {
	return CalibrationConfig{
		Retries:    DefaultCalibrationRetries,
		Delay:      DefaultCalibrationDelay,
		DefaultFOV: DefaultFOV,
		Clock:      RealClock{},
	}
}

// CameraCalibration is the outcome of FOV calibration
type CameraCalibration struct {
	FOV         float64    `json:"fov"`
	Intrinsics  Intrinsics `json:"intrinsics"`
	Calibrated  bool       `json:"calibrated"`
	Attempts    int        `json:"attempts"`
	LastUpdated int64      `json:"lastUpdated"`
}

// CalibrateFOV polls the source for intrinsics until one reading is valid and
// derives the field of view from it. When every attempt fails the default FOV
// is returned with Calibrated unset; this is not an error.
func CalibrateFOV(ctx context.Context, source IntrinsicsSource, cfg CalibrationConfig) CameraCalibration {
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultCalibrationRetries
	}
	if cfg.DefaultFOV <= 0 {
		cfg.DefaultFOV = DefaultFOV
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}

	for attempt := 1; attempt <= cfg.Retries; attempt++ {
		in, err := source.Intrinsics()
		if err == nil {
			err = in.Validate()
		}
		if err == nil {
			return CameraCalibration{
				FOV:         FieldOfView(in),
				Intrinsics:  in.Normalize(),
				Calibrated:  true,
				Attempts:    attempt,
				LastUpdated: cfg.Clock.Now().Unix(),
			}
		}
		if err := cfg.Clock.Sleep(ctx, cfg.Delay); err != nil {
			return CameraCalibration{FOV: cfg.DefaultFOV, Attempts: attempt}
		}
	}
	return CameraCalibration{FOV: cfg.DefaultFOV, Attempts: cfg.Retries}
}

// LoadCalibration reads a calibration cache. A missing file returns nil, nil.
func LoadCalibration(path string) (*CameraCalibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading calibration file")
	}

	var cal CameraCalibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, errors.Wrap(err, "parsing calibration file")
	}
	return &cal, nil
}

// SaveCalibration writes a calibration cache, creating its directory
func SaveCalibration(path string, cal *CameraCalibration) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "creating calibration directory")
	}

	data, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling calibration data")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "writing calibration file")
	}
	return nil
}
