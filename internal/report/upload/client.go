// internal/report/upload/client.go
package upload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Response bodies are a short fixed acknowledgment; anything longer is
// already a failure, so reads are capped.
const maxResponseBytes = 1024

const defaultTimeout = 2 * time.Second

// Client implements report.HTTPClient on net/http. One session at a time:
// Open binds a destination, Post issues the request and captures the
// response, Body returns it, Close tears the session down. Connections are
// reused across sessions while the configuration is unchanged.
type Client struct {
	http *http.Client
	url  string
	body []byte
	have bool
}

func New() *Client {
	c := &Client{}
	c.Configure(defaultTimeout)
	return c
}

// Configure rebuilds the underlying client: keep-alive reuse on,
// redirects disabled, fixed request timeout.
func (c *Client) Configure(timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.http = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Open binds the session to rawURL. The scheme selects plain or TLS
// transport; anything other than http or https is rejected.
func (c *Client) Open(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upload: scheme %q not supported", u.Scheme)
	}

	c.url = rawURL
	c.body = nil
	c.have = false
	return nil
}

// Post issues the request and captures status and response body.
func (c *Client) Post(contentType string, body []byte) (int, error) {
	if c.url == "" {
		return 0, errors.New("upload: no open session")
	}

	resp, err := c.http.Post(c.url, contentType, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, err
	}

	c.body = data
	c.have = true
	return resp.StatusCode, nil
}

// Body returns the response body captured by the last Post.
func (c *Client) Body() (string, error) {
	if !c.have {
		return "", errors.New("upload: no response")
	}
	return string(c.body), nil
}

// Close ends the session. Idle connections stay pooled for reuse.
func (c *Client) Close() {
	c.url = ""
	c.body = nil
	c.have = false
}
