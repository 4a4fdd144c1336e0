// internal/config/config.go
package config

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings is the full persisted key set. Zero values are replaced by
// defaults on load, so a missing or empty file yields a usable store.
type Settings struct {
	Hostname string `yaml:"hostname"`

	// ---- SENSOR TUNING ----

	SensorAutomaticCalibration bool `yaml:"sensor_automatic_calibration"`
	SensorTemperatureOffset    uint `yaml:"sensor_temperature_offset"`    // hundredths of °C
	SensorAltitudeCompensation uint `yaml:"sensor_altitude_compensation"` // metres
	SensorMeasurementInterval  uint `yaml:"sensor_measurement_interval"`  // seconds
	SensorAmbientPressure      uint `yaml:"sensor_ambient_pressure"`      // mbar, 0 = disabled
	TakeMeasurementInterval    uint `yaml:"take_measurement_interval"`    // seconds, 0 = disabled

	// ---- REPORTING ----

	ReportEnabled    bool   `yaml:"report_enabled"`
	ReportThreshold  uint   `yaml:"report_threshold"`
	ReportURL        string `yaml:"report_url"`
	ReportUsername   string `yaml:"report_username"`
	ReportPassword   string `yaml:"report_password"`
	ReportSensorName string `yaml:"report_sensor_name"`
}

// Defaults returns the settings used when no file exists yet.
func Defaults() Settings {
	return Settings{
		Hostname:                  "scd30",
		SensorMeasurementInterval: 2,
		TakeMeasurementInterval:   5,
		ReportEnabled:             true,
		ReportThreshold:           12,
	}
}

// Store is the durable settings collaborator. Reads are served from the
// in-memory snapshot; Update rewrites the backing file. All access happens
// on the application tick, so there is no locking.
type Store struct {
	path     string
	settings Settings
}

// Load reads the settings file at path, applying defaults for a missing
// file and rejecting an invalid one.
func Load(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("config: path required")
	}

	s := &Store{path: path, settings: Defaults()}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, &s.settings); err != nil {
		return nil, err
	}

	if err := Validate(&s.settings); err != nil {
		return nil, err
	}
	Normalize(&s.settings)

	return s, nil
}

// Settings returns a copy of the current snapshot.
func (s *Store) Settings() Settings {
	return s.settings
}

// Update applies fn to the snapshot, validates and persists the result.
// The snapshot is unchanged if validation or persistence fails.
func (s *Store) Update(fn func(*Settings)) error {
	next := s.settings
	fn(&next)

	if err := Validate(&next); err != nil {
		return err
	}
	Normalize(&next)

	if err := s.write(next); err != nil {
		return err
	}

	s.settings = next
	return nil
}

func (s *Store) write(settings Settings) error {
	data, err := yaml.Marshal(&settings)
	if err != nil {
		return err
	}

	// Write-then-rename so a crash mid-save never truncates the file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if dir, err := os.Open(filepath.Dir(s.path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}

	return nil
}
