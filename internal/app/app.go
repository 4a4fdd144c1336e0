// internal/app/app.go
package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nomis/scd30/internal/config"
	"github.com/nomis/scd30/internal/report"
	"github.com/nomis/scd30/internal/sensor"
)

// tickInterval paces the cooperative loop. Both state machines only poll
// for completion, so a short tick costs little and keeps latency low.
const tickInterval = 10 * time.Millisecond

// App owns the core components and drives them from a single goroutine.
// Work from other goroutines (console sessions) enters through Submit and
// runs between ticks, so the components never need locking.
type App struct {
	log    *zap.SugaredLogger
	store  *config.Store
	sensor *sensor.Sensor
	report *report.Report

	exec chan func()
}

// New wires the components together: the sensor controller feeds decoded
// measurements straight into the reporter's buffer.
func New(log *zap.SugaredLogger, store *config.Store, client sensor.Client,
	ready sensor.DataReadyPin, httpClient report.HTTPClient) *App {
	a := &App{
		log:   log.Named("app"),
		store: store,
		exec:  make(chan func(), 16),
	}

	a.report = report.New(log.Named("report"), store, httpClient)
	a.sensor = sensor.New(log.Named("sensor"), client, ready, store, a.report)

	return a
}

func (a *App) Sensor() *sensor.Sensor { return a.sensor }

func (a *App) Report() *report.Report { return a.report }

// Submit schedules fn to run on the application tick.
func (a *App) Submit(fn func()) {
	a.exec <- fn
}

// Run applies initial configuration and loops until ctx ends.
func (a *App) Run(ctx context.Context) error {
	a.report.Config()
	a.sensor.Start()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Infof("Shutting down")
			return nil

		case fn := <-a.exec:
			fn()

		case <-ticker.C:
			a.sensor.Loop()
			a.report.Loop()
		}
	}
}
