// internal/console/console.go
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nomis/scd30/internal/config"
	"github.com/nomis/scd30/internal/report"
	"github.com/nomis/scd30/internal/sensor"
)

// submitTimeout bounds how long a session waits for the application tick
// to run a command before giving up on it.
const submitTimeout = 5 * time.Second

// Console is the management shell. Sessions run on their own goroutines
// but every command body executes on the application tick via submit, so
// the core components stay single-threaded.
type Console struct {
	log    *zap.SugaredLogger
	submit func(fn func())

	store  *config.Store
	sensor *sensor.Sensor
	report *report.Report
}

func New(log *zap.SugaredLogger, submit func(fn func()), store *config.Store, s *sensor.Sensor, r *report.Report) *Console {
	return &Console{
		log:    log,
		submit: submit,
		store:  store,
		sensor: s,
		report: r,
	}
}

// ListenAndServe accepts telnet-style sessions on addr until ctx ends.
func (c *Console) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	c.log.Infof("Console listening on %s", addr)

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		c.log.Debugf("Console session from %s", conn.RemoteAddr())
		go c.Session(conn)
	}
}

// Session runs one interactive shell over rw until EOF or "exit".
func (c *Console) Session(rw io.ReadWriteCloser) {
	defer rw.Close()

	hostname := c.run(func() string { return c.store.Settings().Hostname })

	fmt.Fprintf(rw, "scd30 monitor\r\n")

	scanner := bufio.NewScanner(rw)
	for {
		fmt.Fprintf(rw, "%s# ", hostname)

		if !scanner.Scan() {
			return
		}

		fields := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exit" || fields[0] == "quit" {
			return
		}

		fmt.Fprintf(rw, "%s\r\n", c.execute(fields))
	}
}

// run executes fn on the application tick and returns its reply.
func (c *Console) run(fn func() string) string {
	done := make(chan string, 1)
	c.submit(func() { done <- fn() })

	select {
	case reply := <-done:
		return reply
	case <-time.After(submitTimeout):
		return "timed out"
	}
}

func (c *Console) execute(fields []string) string {
	switch fields[0] {
	case "help":
		return helpText

	case "show":
		if len(fields) == 2 && fields[1] == "sensor" {
			return c.run(c.showSensor)
		}
		if len(fields) == 2 && fields[1] == "report" {
			return c.run(c.showReport)
		}
		return "usage: show sensor|report"

	case "sensor":
		return c.sensorCommand(fields[1:])

	case "report":
		return c.reportCommand(fields[1:])
	}

	return "unknown command (try \"help\")"
}

func (c *Console) showSensor() string {
	return fmt.Sprintf(
		"Firmware version = %s\r\nTemperature = %.2f°C\r\nRelative humidity = %.2f%%\r\nCO₂ = %.2f ppm",
		c.sensor.FirmwareVersion(),
		c.sensor.TemperatureC(),
		c.sensor.RelativeHumidityPC(),
		c.sensor.CO2PPM(),
	)
}

func (c *Console) showReport() string {
	s := c.store.Settings()
	enabled := "disabled"
	if c.report.Enabled() {
		enabled = "enabled"
	}
	return fmt.Sprintf(
		"Reporting %s\r\nBuffered readings = %d\r\nThreshold = %d\r\nURL = %s\r\nSensor name = %s",
		enabled, c.report.Len(), s.ReportThreshold, s.ReportURL, s.ReportSensorName,
	)
}

func (c *Console) sensorCommand(args []string) string {
	if len(args) == 0 {
		return "usage: sensor calibrate|config|interval|sample|offset|altitude|pressure|asc"
	}

	switch args[0] {
	case "config":
		return c.run(func() string {
			c.sensor.Config()
			return "Sensor config resync queued"
		})

	case "calibrate":
		if len(args) != 2 {
			return "usage: sensor calibrate <ppm>"
		}
		ppm, err := strconv.ParseUint(args[1], 10, 32)
		// Invalid input is rejected here at the boundary; the controller
		// would silently drop it anyway.
		if err != nil || uint(ppm) < sensor.MinimumCalibrationPPM || uint(ppm) > sensor.MaximumCalibrationPPM {
			return fmt.Sprintf("Calibration ppm must be %d to %d",
				sensor.MinimumCalibrationPPM, sensor.MaximumCalibrationPPM)
		}
		return c.run(func() string {
			c.sensor.Calibrate(uint(ppm))
			return fmt.Sprintf("Calibration to %d ppm queued", ppm)
		})

	case "interval":
		return c.setSensorUint(args, 2, 1800, "seconds",
			func(s *config.Settings, v uint) { s.SensorMeasurementInterval = v },
			sensor.OpConfigMeasurementInterval)

	case "sample":
		if len(args) != 2 {
			return "usage: sensor sample <seconds>"
		}
		v, err := strconv.ParseUint(args[1], 10, 8)
		if err != nil {
			return "Sample interval must be 0 to 255 seconds"
		}
		return c.run(func() string {
			if err := c.store.Update(func(s *config.Settings) {
				s.TakeMeasurementInterval = uint(v)
			}); err != nil {
				return fmt.Sprintf("Failed to save: %v", err)
			}
			c.sensor.Config()
			return fmt.Sprintf("Sample interval = %ds", v)
		})

	case "offset":
		return c.setSensorUint(args, 0, 65535, "hundredths of °C",
			func(s *config.Settings, v uint) { s.SensorTemperatureOffset = v },
			sensor.OpConfigTemperatureOffset)

	case "altitude":
		return c.setSensorUint(args, 0, 65535, "metres",
			func(s *config.Settings, v uint) { s.SensorAltitudeCompensation = v },
			sensor.OpConfigAltitudeCompensation)

	case "pressure":
		if len(args) == 2 && args[1] == "0" {
			return c.run(func() string {
				if err := c.store.Update(func(s *config.Settings) {
					s.SensorAmbientPressure = 0
				}); err != nil {
					return fmt.Sprintf("Failed to save: %v", err)
				}
				c.sensor.Config(sensor.OpConfigAmbientPressure)
				return "Ambient pressure compensation disabled"
			})
		}
		return c.setSensorUint(args, 700, 1200, "mbar",
			func(s *config.Settings, v uint) { s.SensorAmbientPressure = v },
			sensor.OpConfigAmbientPressure)

	case "asc":
		if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
			return "usage: sensor asc on|off"
		}
		on := args[1] == "on"
		return c.run(func() string {
			if err := c.store.Update(func(s *config.Settings) {
				s.SensorAutomaticCalibration = on
			}); err != nil {
				return fmt.Sprintf("Failed to save: %v", err)
			}
			c.sensor.Config(sensor.OpConfigAutomaticCalibration)
			if on {
				return "Automatic calibration enabled"
			}
			return "Automatic calibration disabled"
		})
	}

	return "unknown sensor command"
}

func (c *Console) setSensorUint(args []string, min, max uint, unit string,
	apply func(*config.Settings, uint), op sensor.Operation) string {
	if len(args) != 2 {
		return fmt.Sprintf("usage: sensor %s <%s>", args[0], unit)
	}

	v, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil || uint(v) < min || uint(v) > max {
		return fmt.Sprintf("Value must be %d to %d %s", min, max, unit)
	}

	return c.run(func() string {
		if err := c.store.Update(func(s *config.Settings) {
			apply(s, uint(v))
		}); err != nil {
			return fmt.Sprintf("Failed to save: %v", err)
		}
		c.sensor.Config(op)
		return fmt.Sprintf("Set to %d %s", v, unit)
	})
}

func (c *Console) reportCommand(args []string) string {
	if len(args) == 0 {
		return "usage: report enable|disable|threshold|url|username|password|name"
	}

	apply := func(change func(*config.Settings), reply string) string {
		return c.run(func() string {
			if err := c.store.Update(change); err != nil {
				return fmt.Sprintf("Failed to save: %v", err)
			}
			c.report.Config()
			return reply
		})
	}

	switch args[0] {
	case "enable":
		return apply(func(s *config.Settings) { s.ReportEnabled = true }, "Reporting enabled")

	case "disable":
		return apply(func(s *config.Settings) { s.ReportEnabled = false }, "Reporting disabled")

	case "threshold":
		if len(args) != 2 {
			return "usage: report threshold <count>"
		}
		v, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil || v > report.MaximumStoreReadings {
			return fmt.Sprintf("Threshold must be 0 to %d", report.MaximumStoreReadings)
		}
		return apply(func(s *config.Settings) { s.ReportThreshold = uint(v) },
			fmt.Sprintf("Report threshold = %d", v))

	case "url":
		if len(args) != 2 {
			return "usage: report url <url>"
		}
		if !strings.HasPrefix(args[1], "http://") && !strings.HasPrefix(args[1], "https://") {
			return "URL must be http:// or https://"
		}
		return apply(func(s *config.Settings) { s.ReportURL = args[1] },
			fmt.Sprintf("Report URL = %s", args[1]))

	case "username":
		if len(args) != 2 {
			return "usage: report username <username>"
		}
		return apply(func(s *config.Settings) { s.ReportUsername = args[1] },
			fmt.Sprintf("Report username = %s", args[1]))

	case "password":
		if len(args) != 2 {
			return "usage: report password <password>"
		}
		return apply(func(s *config.Settings) { s.ReportPassword = args[1] }, "Report password set")

	case "name":
		if len(args) != 2 {
			return "usage: report name <name>"
		}
		return apply(func(s *config.Settings) { s.ReportSensorName = args[1] },
			fmt.Sprintf("Report sensor name = %s", args[1]))
	}

	return "unknown report command"
}

const helpText = "" +
	"show sensor                      display firmware version and latest measurement\r\n" +
	"show report                      display reporting state\r\n" +
	"sensor config                    resync all device registers from settings\r\n" +
	"sensor calibrate <ppm>           forced recalibration to a CO₂ reference\r\n" +
	"sensor interval <seconds>        continuous measurement interval (2-1800)\r\n" +
	"sensor sample <seconds>          sample-take interval (0 disables)\r\n" +
	"sensor offset <hundredths>       temperature offset in hundredths of °C\r\n" +
	"sensor altitude <metres>         altitude compensation\r\n" +
	"sensor pressure <mbar>           ambient pressure (700-1200, 0 disables)\r\n" +
	"sensor asc on|off                automatic self-calibration\r\n" +
	"report enable|disable            toggle reporting\r\n" +
	"report threshold <count>         readings per upload batch\r\n" +
	"report url <url>                 upload endpoint\r\n" +
	"report username <username>       upload credential\r\n" +
	"report password <password>       upload credential\r\n" +
	"report name <name>               sensor name sent with uploads\r\n" +
	"exit                             close this session"
