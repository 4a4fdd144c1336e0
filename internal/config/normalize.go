// internal/config/normalize.go
package config

// Maximum lengths for persisted strings. Over-long values are truncated,
// not rejected, so a hand-edited file still loads.
const (
	maxHostnameLen   = 63
	maxSensorNameLen = 64
)

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(s *Settings) {
	if s == nil {
		return
	}

	if len(s.Hostname) > maxHostnameLen {
		s.Hostname = s.Hostname[:maxHostnameLen]
	}
	if len(s.ReportSensorName) > maxSensorNameLen {
		s.ReportSensorName = s.ReportSensorName[:maxSensorNameLen]
	}
}
