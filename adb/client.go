// Package adb is a minimal client for the adb server's smart-socket
// protocol: device listing, transport tunnels, shell commands, and sync-mode
// file transfer. It covers exactly what a device session needs from the
// bridge, not the full adb surface.
package adb

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultAddr is where a locally running adb server listens.
const DefaultAddr = "127.0.0.1:5037"

type Client struct {
	Addr        string
	DialTimeout time.Duration
	Log         *zap.SugaredLogger
}

func NewClient(addr string, log *zap.SugaredLogger) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Client{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
		Log:         log.Named("adb"),
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("dialing adb server at %s: %w", c.Addr, err)
	}
	return conn, nil
}

// Requests are hex4-length-prefixed strings; the server answers OKAY or FAIL
// (FAIL carries a hex4-length-prefixed reason).

func sendRequest(conn net.Conn, req string) error {
	if _, err := fmt.Fprintf(conn, "%04x%s", len(req), req); err != nil {
		return fmt.Errorf("writing request %q: %w", req, err)
	}
	return nil
}

func readStatus(conn net.Conn) error {
	status := make([]byte, 4)
	if _, err := io.ReadFull(conn, status); err != nil {
		return fmt.Errorf("reading status: %w", err)
	}
	switch string(status) {
	case "OKAY":
		return nil
	case "FAIL":
		reason, err := readHexPayload(conn)
		if err != nil {
			return fmt.Errorf("reading failure reason: %w", err)
		}
		return fmt.Errorf("adb: %s", reason)
	default:
		return fmt.Errorf("adb: unexpected status %q", status)
	}
}

func readHexPayload(conn net.Conn) (string, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return "", fmt.Errorf("reading payload length: %w", err)
	}
	n, err := strconv.ParseUint(string(lenBuf), 16, 32)
	if err != nil {
		return "", fmt.Errorf("parsing payload length %q: %w", lenBuf, err)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return "", fmt.Errorf("reading payload: %w", err)
	}
	return string(payload), nil
}

type Device struct {
	Serial string
	State  string
}

// Devices lists devices known to the adb server.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := sendRequest(conn, "host:devices"); err != nil {
		return nil, err
	}
	if err := readStatus(conn); err != nil {
		return nil, err
	}
	payload, err := readHexPayload(conn)
	if err != nil {
		return nil, err
	}

	var devices []Device
	for _, line := range strings.Split(payload, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices = append(devices, Device{Serial: fields[0], State: fields[1]})
	}
	return devices, nil
}

// transport opens a conn to the adb server and binds it to the device.
func (c *Client) transport(ctx context.Context, serial string) (net.Conn, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := sendRequest(conn, "host:transport:"+serial); err != nil {
		conn.Close()
		return nil, err
	}
	if err := readStatus(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("binding transport to %s: %w", serial, err)
	}
	return conn, nil
}

// OpenTransport tunnels a byte stream to a TCP port on the device.
func (c *Client) OpenTransport(ctx context.Context, serial string, port int) (net.Conn, error) {
	conn, err := c.transport(ctx, serial)
	if err != nil {
		return nil, err
	}
	if err := sendRequest(conn, fmt.Sprintf("tcp:%d", port)); err != nil {
		conn.Close()
		return nil, err
	}
	if err := readStatus(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tunneling to port %d: %w", port, err)
	}
	return conn, nil
}

// ShellStream runs a command on the device and returns the live output
// stream. Closing the conn kills the command.
func (c *Client) ShellStream(ctx context.Context, serial, cmd string) (net.Conn, error) {
	conn, err := c.transport(ctx, serial)
	if err != nil {
		return nil, err
	}
	if err := sendRequest(conn, "shell:"+cmd); err != nil {
		conn.Close()
		return nil, err
	}
	if err := readStatus(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running %q: %w", cmd, err)
	}
	return conn, nil
}

// Shell runs a command on the device and returns its combined output once
// the command exits.
func (c *Client) Shell(ctx context.Context, serial, cmd string) (string, error) {
	c.Log.Debugw("shell", "serial", serial, "cmd", cmd)
	conn, err := c.ShellStream(ctx, serial, cmd)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return "", fmt.Errorf("setting deadline: %w", err)
		}
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("reading output of %q: %w", cmd, err)
	}
	return string(out), nil
}

// WaitOnline polls the device list until the serial shows up in the "device"
// state or ctx is done.
func (c *Client) WaitOnline(ctx context.Context, serial string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		devices, err := c.Devices(ctx)
		if err != nil {
			c.Log.Debugf("listing devices: %s", err)
		}
		for _, d := range devices {
			if d.Serial == serial && d.State == "device" {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("device %s not online: %w", serial, ctx.Err())
		case <-ticker.C:
		}
	}
}
