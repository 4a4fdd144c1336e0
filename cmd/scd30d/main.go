// cmd/scd30d/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/nomis/scd30/internal/app"
	"github.com/nomis/scd30/internal/config"
	"github.com/nomis/scd30/internal/console"
	"github.com/nomis/scd30/internal/gpio"
	"github.com/nomis/scd30/internal/modbus"
	"github.com/nomis/scd30/internal/report"
	"github.com/nomis/scd30/internal/report/upload"
	"github.com/nomis/scd30/internal/sensor"
)

var (
	cfgPath string

	modbusPort    string
	modbusBaud    int
	modbusTimeout time.Duration

	readyPin     uint
	readyPinPath string

	listenAddr  string
	consolePort string
	consoleBaud int

	debug bool
)

var rootCmd = &cobra.Command{
	Use:   "scd30d",
	Short: "SCD30 CO2 monitor daemon",
	Long: `scd30d drives an SCD30 CO2/temperature/humidity sensor over serial
Modbus, buffers readings and uploads them in batches to an HTTP endpoint.

A management console is available over TCP (--listen) and optionally on a
local serial port (--console).`,
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVarP(&cfgPath, "config", "c", "/etc/scd30d.yaml", "Settings file")

	rootCmd.Flags().StringVarP(&modbusPort, "port", "p", "/dev/ttyUSB0", "Sensor serial port")
	rootCmd.Flags().IntVarP(&modbusBaud, "baud", "b", 19200, "Sensor baud rate")
	rootCmd.Flags().DurationVar(&modbusTimeout, "timeout", 100*time.Millisecond, "Modbus response timeout")

	rootCmd.Flags().UintVar(&readyPin, "ready-pin", 0, "GPIO number of the sensor's data-ready output")
	rootCmd.Flags().StringVar(&readyPinPath, "ready-pin-path", "", "Explicit path of the ready pin value file")

	rootCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Console listen address (e.g. :2323)")
	rootCmd.Flags().StringVar(&consolePort, "console", "", "Local serial console device")
	rootCmd.Flags().IntVar(&consoleBaud, "console-baud", 115200, "Local serial console baud rate")

	rootCmd.Flags().BoolVar(&debug, "debug", false, "Verbose logging")
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	store, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	client, err := modbus.New(modbus.Config{
		Device:  modbusPort,
		Baud:    modbusBaud,
		Timeout: modbusTimeout,
	})
	if err != nil {
		return fmt.Errorf("open sensor port: %w", err)
	}
	defer client.Close()

	var ready sensor.DataReadyPin
	if readyPinPath != "" {
		ready = gpio.NewReadyPinPath(readyPinPath)
	} else {
		ready = gpio.NewReadyPin(readyPin)
	}

	a := app.New(log, store, client, ready, upload.New())
	con := console.New(log.Named("console"), a.Submit, store, a.Sensor(), a.Report())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if listenAddr != "" {
		go func() {
			if err := con.ListenAndServe(ctx, listenAddr); err != nil {
				log.Errorf("Console listener failed: %v", err)
			}
		}()
	}

	if consolePort != "" {
		port, err := serial.Open(consolePort, &serial.Mode{BaudRate: consoleBaud})
		if err != nil {
			return fmt.Errorf("open console port: %w", err)
		}
		go con.Session(port)
	}

	log.Infof("System startup")
	return a.Run(ctx)
}

func buildLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}

	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	return cfg.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var _ report.HTTPClient = (*upload.Client)(nil)
