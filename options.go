package uia2

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPort is the port the service listens on, on the device.
	DefaultPort = 9008

	healthPath    = "/ping"
	rpcPath       = "/jsonrpc/0"
	livenessToken = "pong"

	remoteJarPath = "/data/local/tmp/u2.jar"
	launchCommand = "CLASSPATH=" + remoteJarPath + " app_process / com.wetest.uia2.Main"

	// fatalRegisteredMarker in the server's output means another
	// accessibility service holds the UiAutomation slot; waiting longer
	// cannot help.
	fatalRegisteredMarker = "already registered"
)

type config struct {
	port           int
	jarPath        string
	connectTimeout time.Duration
	healthTimeout  time.Duration
	rpcTimeout     time.Duration
	shellTimeout   time.Duration
	launchTimeout  time.Duration
	stopTimeout    time.Duration
	waitInterval   time.Duration
	manualStart    bool
	logger         *zap.SugaredLogger
}

func defaultConfig() (*config, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building default logger: %w", err)
	}
	return &config{
		port:           DefaultPort,
		connectTimeout: 10 * time.Second,
		healthTimeout:  2 * time.Second,
		rpcTimeout:     10 * time.Second,
		shellTimeout:   60 * time.Second,
		launchTimeout:  30 * time.Second,
		stopTimeout:    10 * time.Second,
		waitInterval:   500 * time.Millisecond,
		logger:         logger.Sugar(),
	}, nil
}

// Option configures a Client.
type Option func(c *config)

// WithLogger replaces the default production logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l.Sugar()
	}
}

// WithPort overrides the service port on the device.
func WithPort(port int) Option {
	return func(c *config) {
		c.port = port
	}
}

// WithServerJar sets the local path of the server artifact to hash-check and
// push during install. Without it, install assumes the artifact is already on
// the device.
func WithServerJar(path string) Option {
	return func(c *config) {
		c.jarPath = path
	}
}

// WithConnectTimeout bounds waiting for the device to come online (bridged
// sessions) and the TCP dial (direct sessions).
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) {
		c.connectTimeout = d
	}
}

// WithHealthTimeout bounds a single health-check exchange.
func WithHealthTimeout(d time.Duration) Option {
	return func(c *config) {
		c.healthTimeout = d
	}
}

// WithRPCTimeout bounds a single RPC exchange.
func WithRPCTimeout(d time.Duration) Option {
	return func(c *config) {
		c.rpcTimeout = d
	}
}

// WithShellTimeout bounds shell-style commands.
func WithShellTimeout(d time.Duration) Option {
	return func(c *config) {
		c.shellTimeout = d
	}
}

// WithLaunchTimeout bounds the readiness wait after launching the server.
func WithLaunchTimeout(d time.Duration) Option {
	return func(c *config) {
		c.launchTimeout = d
	}
}

// WithStopTimeout bounds waiting for the service to drop off the health
// endpoint after a stop.
func WithStopTimeout(d time.Duration) Option {
	return func(c *config) {
		c.stopTimeout = d
	}
}

// WithWaitInterval sets the poll interval of the readiness and stop waits.
func WithWaitInterval(d time.Duration) Option {
	return func(c *config) {
		c.waitInterval = d
	}
}

// WithManualStart skips the automatic service start during Connect. The
// caller drives Start/Stop explicitly.
func WithManualStart() Option {
	return func(c *config) {
		c.manualStart = true
	}
}
