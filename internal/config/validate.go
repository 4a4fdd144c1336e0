// internal/config/validate.go
package config

import (
	"fmt"
	"net/url"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(s *Settings) error {
	if s.ReportURL != "" {
		u, err := url.Parse(s.ReportURL)
		if err != nil {
			return fmt.Errorf("config: report_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("config: report_url scheme %q not supported", u.Scheme)
		}
	}

	// sensor name sanity (ASCII only; it is embedded in the upload body)
	for i := 0; i < len(s.ReportSensorName); i++ {
		if s.ReportSensorName[i] > 0x7F {
			return fmt.Errorf("config: report_sensor_name must contain ASCII characters only")
		}
	}

	return nil
}
