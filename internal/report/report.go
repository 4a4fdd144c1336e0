// internal/report/report.go
package report

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nomis/scd30/internal/config"
)

// HTTPClient is the session-oriented contract the uploader drives:
// Configure once per (re)configuration, then Open/Post/Body/Close per
// upload attempt. Post and Body are synchronous call boundaries; the
// uploader wraps them in a per-step state machine.
type HTTPClient interface {
	Configure(timeout time.Duration)
	Open(rawURL string) error
	Post(contentType string, body []byte) (status int, err error)
	Body() (string, error)
	Close()
}

const (
	// MaximumStoreReadings bounds the buffer: 30 minutes at a 5 second
	// sampling interval.
	MaximumStoreReadings = 360

	// MaximumUploadBytes is the payload budget for one batch.
	MaximumUploadBytes = 640

	httpTimeout = 2 * time.Second

	// Readings timestamped before 2022 predate any plausible clock sync
	// and are discarded.
	timestampFloor = 19035 * 86400

	expectedAck = "OK\n"
)

type uploadState uint8

const (
	uploadIdle uploadState = iota
	uploadConnect
	uploadSend
	uploadReceive
	uploadCleanup
)

// Report owns the bounded reading buffer and the batched upload machine.
// All methods run on the application tick.
type Report struct {
	log    *zap.SugaredLogger
	store  *config.Store
	client HTTPClient

	readings []Reading
	enabled  bool
	overflow bool

	threshold  uint
	url        string
	username   string
	password   string
	sensorName string

	state       uploadState
	uploadFirst uint32
	uploadLast  uint32
}

// New creates a reporter with all collaborators injected.
func New(log *zap.SugaredLogger, store *config.Store, client HTTPClient) *Report {
	return &Report{
		log:    log,
		store:  store,
		client: client,
	}
}

// Config re-reads all reporting settings. Reporting is effectively enabled
// only when every precondition holds: nonzero threshold, http(s) URL, and
// non-empty credentials and sensor name. Any in-progress upload is torn
// down; buffered readings are kept.
func (r *Report) Config() {
	wasEnabled := r.enabled

	s := r.store.Settings()
	r.enabled = s.ReportEnabled
	r.threshold = s.ReportThreshold
	r.url = s.ReportURL
	r.username = s.ReportUsername
	r.password = s.ReportPassword
	r.sensorName = s.ReportSensorName

	if r.threshold == 0 {
		r.enabled = false
	}
	if r.url == "" || !validScheme(r.url) {
		r.enabled = false
	}
	if r.username == "" {
		r.enabled = false
	}
	if r.password == "" {
		r.enabled = false
	}
	if r.sensorName == "" {
		r.enabled = false
	}

	if wasEnabled != r.enabled {
		if r.enabled {
			r.log.Infof("Reporting enabled")
		} else {
			r.log.Infof("Reporting disabled")
		}
	}

	r.state = uploadIdle
	r.client.Close()
	r.client.Configure(httpTimeout)
}

// Add stores one reading and opportunistically begins an upload.
// Readings from before the sanity floor, and readings not strictly newer
// than the buffer tail, are rejected. A full buffer evicts from the head,
// logging the overflow once per episode.
func (r *Report) Add(timestamp uint32, temperatureC, relativeHumidityPC, co2PPM float32) {
	if timestamp < timestampFloor {
		return
	}

	if n := len(r.readings); n > 0 && r.readings[n-1].Timestamp >= timestamp {
		r.log.Debugf("Ignoring old reading at %d, before %d", timestamp, r.readings[n-1].Timestamp)
		return
	}

	for len(r.readings) >= MaximumStoreReadings {
		if !r.overflow {
			r.log.Warnf("Reading storage overflow, discarding old readings")
			r.overflow = true
		}

		r.log.Debugf("Discard reading from %d", r.readings[0].Timestamp)
		r.readings = r.readings[1:]
	}

	r.readings = append(r.readings, NewReading(timestamp, temperatureC, relativeHumidityPC, co2PPM))
	r.log.Debugf("Add reading %d at %d", len(r.readings), timestamp)

	r.upload(true)
}

// Loop drives one upload step per tick. It never initiates a new upload;
// that only happens from Add. An empty buffer ends the overflow episode.
func (r *Report) Loop() {
	if len(r.readings) == 0 {
		r.overflow = false
		return
	}

	r.upload(false)
}

// Len returns the number of buffered readings.
func (r *Report) Len() int {
	return len(r.readings)
}

// Enabled reports the effective enabled flag computed by Config.
func (r *Report) Enabled() bool {
	return r.enabled
}

// upload advances the state machine by at most one transition.
// Failed batches stay buffered and are retried whole on a later trigger.
func (r *Report) upload(begin bool) {
	switch r.state {
	case uploadIdle:
		if begin && r.enabled && uint(len(r.readings)) >= r.threshold {
			r.state = uploadConnect
		}

	case uploadConnect:
		if err := r.client.Open(r.url); err != nil {
			r.log.Errorf("Upload connection failed: %v", err)
			r.client.Close()
			r.state = uploadIdle
			return
		}
		r.state = uploadSend

	case uploadSend:
		body, first, last, count := r.encodeBatch()
		if count == 0 {
			r.log.Errorf("Unable to encode any readings for upload")
			r.client.Close()
			r.state = uploadIdle
			return
		}
		r.uploadFirst = first
		r.uploadLast = last

		status, err := r.client.Post("application/x-www-form-urlencoded", body)
		if err != nil {
			r.log.Errorf("Upload of %d to %d failed: %v", first, last, err)
			r.client.Close()
			r.state = uploadIdle
			return
		}
		if status != http.StatusOK {
			r.log.Errorf("Upload of %d to %d failed: HTTP %d", first, last, status)
			r.client.Close()
			r.state = uploadIdle
			return
		}
		r.state = uploadReceive

	case uploadReceive:
		body, err := r.client.Body()
		r.client.Close()
		if err != nil {
			r.log.Errorf("Upload of %d to %d failed: %v", r.uploadFirst, r.uploadLast, err)
			r.state = uploadIdle
			return
		}
		if body != expectedAck {
			r.log.Errorf("Upload of %d to %d failed: unexpected response %q", r.uploadFirst, r.uploadLast, body)
			r.state = uploadIdle
			return
		}
		r.state = uploadCleanup

	case uploadCleanup:
		// The batch is a contiguous prefix, so pruning by last timestamp
		// removes exactly the uploaded readings.
		removed := 0
		for len(r.readings) > 0 && r.readings[0].Timestamp <= r.uploadLast {
			r.readings = r.readings[1:]
			removed++
		}
		r.log.Infof("Uploaded %d readings from %d to %d", removed, r.uploadFirst, r.uploadLast)
		r.state = uploadIdle
	}
}

// encodeBatch serializes buffered readings oldest-first into one form body
// until the next entry would exceed the payload budget. The first reading
// is always included so the batch makes progress even if a single entry is
// oversized, in which case the body can exceed the budget.
func (r *Report) encodeBatch() (body []byte, first, last uint32, count int) {
	var buf bytes.Buffer

	buf.WriteString("u=")
	buf.WriteString(url.QueryEscape(r.username))
	buf.WriteString("&p=")
	buf.WriteString(url.QueryEscape(r.password))
	buf.WriteString("&n=")
	buf.WriteString(url.QueryEscape(r.sensorName))

	for i := range r.readings {
		entry := encodeEntry(r.readings[i])
		if count > 0 && buf.Len()+len(entry) > MaximumUploadBytes {
			break
		}

		buf.WriteString(entry)
		if count == 0 {
			first = r.readings[i].Timestamp
		}
		last = r.readings[i].Timestamp
		count++
	}

	return buf.Bytes(), first, last, count
}

// encodeEntry renders one reading as form fields; a sentinel value leaves
// its field empty after the key.
func encodeEntry(rd Reading) string {
	var b strings.Builder

	fmt.Fprintf(&b, "&s=%d", rd.Timestamp)

	b.WriteString("&t=")
	if rd.temp != tempNaN {
		v := rd.temp
		if v < 0 {
			b.WriteByte('-')
			v = -v
		}
		fmt.Fprintf(&b, "%d.%02d", v/tempDiv, v%tempDiv)
	}

	b.WriteString("&h=")
	if rd.rhum != rhumNaN {
		fmt.Fprintf(&b, "%d.%02d", rd.rhum/rhumDiv, rd.rhum%rhumDiv)
	}

	b.WriteString("&c=")
	if rd.co2 != co2NaN {
		hundredths := rd.co2 * (100 / co2Div)
		fmt.Fprintf(&b, "%d.%02d", hundredths/100, hundredths%100)
	}

	return b.String()
}

func validScheme(rawURL string) bool {
	return strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://")
}
