// Package uia2 drives the uiautomator2 automation service on an Android
// device over JSON-RPC, either through a device-management bridge tunnel or a
// direct TCP connection. It owns the service lifecycle: hash-checked install,
// launch, readiness wait, health checks, and a single restart-and-retry
// recovery for transient failures.
package uia2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Client is the caller-facing session. It is safe for concurrent use; RPC
// calls run in parallel, each on its own connection, while lifecycle
// transitions are serialized by the session lock.
type Client struct {
	cfg    *config
	log    *zap.SugaredLogger
	serial string
	bridge Bridge
	rpc    *rpcClient
	sup    *supervisor

	closeOnce sync.Once
	closeErr  error
}

// Connect opens a bridged session to the device with the given serial. It
// waits for the device to come online and, unless WithManualStart is set,
// brings the service up.
func Connect(ctx context.Context, bridge Bridge, serial string, opts ...Option) (*Client, error) {
	cfg, err := defaultConfig()
	if err != nil {
		return nil, err
	}
	for _, o := range opts {
		o(cfg)
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.connectTimeout)
	defer cancel()
	if err := bridge.WaitOnline(waitCtx, serial); err != nil {
		return nil, &ConnectError{Target: serial, Err: err}
	}

	d := &bridgeDialer{bridge: bridge, serial: serial, port: cfg.port}
	return newClient(ctx, cfg, d, bridge, serial)
}

// ConnectAddr opens a direct-network session to an externally managed service
// at host:port. Install, push, and pull are unsupported in this mode.
func ConnectAddr(ctx context.Context, host string, port int, opts ...Option) (*Client, error) {
	cfg, err := defaultConfig()
	if err != nil {
		return nil, err
	}
	for _, o := range opts {
		o(cfg)
	}

	d := &netDialer{host: host, port: port, timeout: cfg.connectTimeout}
	return newClient(ctx, cfg, d, nil, d.target())
}

func newClient(ctx context.Context, cfg *config, d dialer, bridge Bridge, serial string) (*Client, error) {
	log := cfg.logger.Named("uia2").With("session", uuid.NewString(), "target", d.target())
	c := &Client{
		cfg:    cfg,
		log:    log,
		serial: serial,
		bridge: bridge,
		rpc:    &rpcClient{dialer: d, log: log.Named("rpc")},
		sup: &supervisor{
			cfg:    cfg,
			dialer: d,
			bridge: bridge,
			serial: serial,
			log:    log.Named("supervisor"),
		},
	}
	if !cfg.manualStart {
		if err := c.sup.Start(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Serial returns the session's device serial (bridged) or host:port (direct).
func (c *Client) Serial() string { return c.serial }

// State returns the supervisor's current view of the service.
func (c *Client) State() ServiceState { return c.sup.State() }

// Ping reports whether the service answers the health check.
func (c *Client) Ping(ctx context.Context) bool { return c.sup.Alive(ctx) }

// Start brings the service up. Idempotent; see the supervisor for the
// install/launch/readiness sequence.
func (c *Client) Start(ctx context.Context) error { return c.sup.Start(ctx) }

// Stop tears the service down. No-op on direct-network sessions.
func (c *Client) Stop(ctx context.Context) error { return c.sup.Stop(ctx) }

// Close stops the supervised service. Callers should defer it next to
// Connect so the service does not outlive the session.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.sup.Stop(context.Background())
	})
	return c.closeErr
}

// Call invokes a JSON-RPC method with the default RPC timeout. Params may be
// positional ([]interface{}), named (a map), or nil.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (interface{}, error) {
	return c.CallTimeout(ctx, method, params, c.cfg.rpcTimeout)
}

// CallTimeout is Call with an explicit per-call timeout.
//
// On an HTTP failure, HTTP timeout, or a lost UiAutomation connection it runs
// exactly one recovery cycle (stop, start, retry); the retry's error, or the
// restart's if restarting fails, propagates unchanged. All other error kinds
// propagate immediately.
func (c *Client) CallTimeout(ctx context.Context, method string, params interface{}, timeout time.Duration) (interface{}, error) {
	result, err := c.rpc.call(ctx, method, params, timeout)
	if err == nil || !recoverable(err) {
		return result, err
	}

	c.log.Debugf("rpc %s failed (%s), restarting service and retrying once", method, err)
	if stopErr := c.sup.Stop(ctx); stopErr != nil {
		return nil, stopErr
	}
	if startErr := c.sup.Start(ctx); startErr != nil {
		return nil, startErr
	}
	return c.rpc.call(ctx, method, params, timeout)
}

func recoverable(err error) bool {
	var httpErr *HTTPError
	var timeoutErr *HTTPTimeoutError
	var notConnected *UiAutomationNotConnectedError
	return errors.As(err, &httpErr) ||
		errors.As(err, &timeoutErr) ||
		errors.As(err, &notConnected)
}

// DeviceInfo is the service's deviceInfo result.
type DeviceInfo struct {
	CurrentPackageName string `json:"currentPackageName"`
	DisplayWidth       int    `json:"displayWidth"`
	DisplayHeight      int    `json:"displayHeight"`
	DisplayRotation    int    `json:"displayRotation"`
	ProductName        string `json:"productName"`
	ScreenOn           bool   `json:"screenOn"`
	SDKInt             int    `json:"sdkInt"`
	NaturalOrientation bool   `json:"naturalOrientation"`
}

// DeviceInfo fetches display and build facts from the service.
func (c *Client) DeviceInfo(ctx context.Context) (*DeviceInfo, error) {
	result, err := c.Call(ctx, "deviceInfo", nil)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("re-encoding deviceInfo result: %w", err)
	}
	var info DeviceInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decoding deviceInfo result: %w", err)
	}
	return &info, nil
}

// Shell runs a command on the device: over the bridge on bridged sessions,
// or via the service's superShell method (requires root) on direct sessions.
func (c *Client) Shell(ctx context.Context, cmd string) (string, error) {
	c.log.Debugf("shell: %s", cmd)
	if c.bridge != nil {
		shellCtx, cancel := context.WithTimeout(ctx, c.cfg.shellTimeout)
		defer cancel()
		out, err := c.bridge.Shell(shellCtx, c.serial, cmd)
		if err != nil {
			return "", fmt.Errorf("bridge shell: %w", err)
		}
		return out, nil
	}
	result, err := c.CallTimeout(ctx, "superShell", []interface{}{cmd}, c.cfg.shellTimeout)
	if err != nil {
		return "", err
	}
	out, ok := result.(string)
	if !ok {
		return "", &RPCInvalidError{Msg: "superShell result is not a string"}
	}
	return out, nil
}

// Push writes contents to a file on the device. Bridged sessions only.
func (c *Client) Push(ctx context.Context, contents io.Reader, remotePath string, mode os.FileMode) error {
	if c.bridge == nil {
		return &UnsupportedError{Op: "push"}
	}
	return c.bridge.Push(ctx, c.serial, contents, remotePath, mode)
}

// Pull copies a device file into w. Bridged sessions only.
func (c *Client) Pull(ctx context.Context, remotePath string, w io.Writer) error {
	if c.bridge == nil {
		return &UnsupportedError{Op: "pull"}
	}
	return c.bridge.Pull(ctx, c.serial, remotePath, w)
}

// Install runs the supervisor's hash-checked artifact push without launching.
// Bridged sessions only.
func (c *Client) Install(ctx context.Context) error {
	if c.bridge == nil {
		return &UnsupportedError{Op: "install"}
	}
	c.sup.mu.Lock()
	defer c.sup.mu.Unlock()
	prev := c.sup.State()
	if err := c.sup.install(ctx); err != nil {
		c.sup.setState(StateFailed)
		return err
	}
	c.sup.setState(prev)
	return nil
}

// WlanIP returns the device's WLAN address as reported by the bridge, or ""
// when unknown.
func (c *Client) WlanIP(ctx context.Context) (string, error) {
	if c.bridge == nil {
		// The caller already knows the address; it dialed it.
		host, _, _ := strings.Cut(c.serial, ":")
		return host, nil
	}
	out, err := c.bridge.Shell(ctx, c.serial, "ip route get 1.1.1.1 | awk '{print $7}' | head -n1")
	if err != nil {
		return "", fmt.Errorf("bridge shell: %w", err)
	}
	return strings.TrimSpace(out), nil
}
