// internal/modbus/client.go
package modbus

import (
	"errors"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// Client is a request/response serial Modbus RTU client with at most one
// round-trip in progress at a time. Issuing a request returns an incomplete
// *Response immediately; the blocking serial exchange runs on its own
// goroutine and callers poll Response.Done from their tick.
type Client struct {
	mu      sync.Mutex
	handler *modbus.RTUClientHandler
	client  modbus.Client
}

// Config is minimal transport config.
type Config struct {
	Device  string
	Baud    int
	Timeout time.Duration
}

// New creates a connected serial RTU client.
func New(cfg Config) (*Client, error) {
	if cfg.Device == "" {
		return nil, errors.New("modbus client: serial device required")
	}
	if cfg.Baud <= 0 {
		cfg.Baud = 19200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}

	h := modbus.NewRTUClientHandler(cfg.Device)
	h.BaudRate = cfg.Baud
	h.DataBits = 8
	h.Parity = "N"
	h.StopBits = 1
	h.Timeout = cfg.Timeout

	if err := h.Connect(); err != nil {
		return nil, err
	}

	return &Client{
		handler: h,
		client:  modbus.NewClient(h),
	}, nil
}

// Close closes the serial port.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler.Close()
}

// ReadHoldingRegisters issues FC 3 for quantity registers at addr.
func (c *Client) ReadHoldingRegisters(device uint8, addr, quantity uint16) Response {
	return c.issue(kindRead, device, func(cli modbus.Client) ([]byte, error) {
		return cli.ReadHoldingRegisters(addr, quantity)
	})
}

// WriteHoldingRegister issues FC 6 for a single register at addr.
// The response echoes the written value.
func (c *Client) WriteHoldingRegister(device uint8, addr, value uint16) Response {
	return c.issue(kindWrite, device, func(cli modbus.Client) ([]byte, error) {
		return cli.WriteSingleRegister(addr, value)
	})
}

func (c *Client) issue(k kind, device uint8, fn func(modbus.Client) ([]byte, error)) Response {
	r := newResponse(k)

	go func() {
		c.mu.Lock()
		c.handler.SlaveId = device
		data, err := fn(c.client)
		c.mu.Unlock()

		r.complete(unpackRegisters(data), err)
	}()

	return r
}

// ---- helpers (pure geometry) ----

func unpackRegisters(data []byte) []uint16 {
	n := len(data) / 2
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		out[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return out
}
