package uia2

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// Bridge is the device-management bridge the client coordinates through on
// bridged sessions: tunneling connections to the device, pushing and pulling
// files, and running shell commands. adb.Client satisfies it.
type Bridge interface {
	// OpenTransport opens a byte stream to the given TCP port on the device.
	OpenTransport(ctx context.Context, serial string, port int) (net.Conn, error)

	// Shell runs a command on the device and returns its combined output.
	Shell(ctx context.Context, serial, cmd string) (string, error)

	// ShellStream runs a command on the device and returns the live stream.
	// The command is killed when the stream is closed.
	ShellStream(ctx context.Context, serial, cmd string) (net.Conn, error)

	// Push writes contents to a file on the device.
	Push(ctx context.Context, serial string, contents io.Reader, remotePath string, mode os.FileMode) error

	// Pull copies a device file into w.
	Pull(ctx context.Context, serial, remotePath string, w io.Writer) error

	// WaitOnline blocks until the device is connected and usable, or ctx is done.
	WaitOnline(ctx context.Context, serial string) error
}

// dialer opens one byte stream to the service per call. Each HTTP exchange
// owns its own conn; there is no pooling and no retry at this layer.
type dialer interface {
	open(ctx context.Context) (net.Conn, error)
	target() string
}

type bridgeDialer struct {
	bridge Bridge
	serial string
	port   int
}

func (d *bridgeDialer) open(ctx context.Context) (net.Conn, error) {
	conn, err := d.bridge.OpenTransport(ctx, d.serial, d.port)
	if err != nil {
		return nil, &TransportError{Target: d.target(), Err: err}
	}
	return conn, nil
}

func (d *bridgeDialer) target() string {
	return fmt.Sprintf("%s:%d", d.serial, d.port)
}

type netDialer struct {
	host    string
	port    int
	timeout time.Duration
}

func (d *netDialer) open(ctx context.Context) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.timeout}
	conn, err := nd.DialContext(ctx, "tcp", d.target())
	if err != nil {
		return nil, &TransportError{Target: d.target(), Err: err}
	}
	return conn, nil
}

func (d *netDialer) target() string {
	return fmt.Sprintf("%s:%d", d.host, d.port)
}
