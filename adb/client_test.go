package adb

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testLog = zap.NewNop().Sugar()

// fakeAdbServer speaks the server side of the smart-socket protocol over
// loopback. It tracks one device and stores files pushed in sync mode.
type fakeAdbServer struct {
	t  *testing.T
	ln net.Listener

	mu      sync.Mutex
	devices []Device
	files   map[string][]byte
	shell   func(cmd string) (string, bool)
}

func startFakeAdbServer(t *testing.T) *fakeAdbServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeAdbServer{
		t:       t,
		ln:      ln,
		devices: []Device{{Serial: "emulator-5554", State: "device"}},
		files:   map[string][]byte{},
	}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *fakeAdbServer) addr() string { return s.ln.Addr().String() }

func (s *fakeAdbServer) setDevices(devices []Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = devices
}

func (s *fakeAdbServer) setShell(f func(cmd string) (string, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shell = f
}

func (s *fakeAdbServer) file(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[path]
	return b, ok
}

func (s *fakeAdbServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func readRequest(conn net.Conn) (string, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return "", err
	}
	n, err := strconv.ParseUint(string(lenBuf), 16, 32)
	if err != nil {
		return "", err
	}
	req := make([]byte, n)
	if _, err := io.ReadFull(conn, req); err != nil {
		return "", err
	}
	return string(req), nil
}

func writeFail(conn net.Conn, reason string) {
	fmt.Fprintf(conn, "FAIL%04x%s", len(reason), reason)
}

func (s *fakeAdbServer) handle(conn net.Conn) {
	defer conn.Close()

	req, err := readRequest(conn)
	if err != nil {
		return
	}

	switch {
	case req == "host:devices":
		s.mu.Lock()
		var b strings.Builder
		for _, d := range s.devices {
			fmt.Fprintf(&b, "%s\t%s\n", d.Serial, d.State)
		}
		s.mu.Unlock()
		payload := b.String()
		fmt.Fprintf(conn, "OKAY%04x%s", len(payload), payload)

	case strings.HasPrefix(req, "host:transport:"):
		serial := strings.TrimPrefix(req, "host:transport:")
		s.mu.Lock()
		known := false
		for _, d := range s.devices {
			if d.Serial == serial {
				known = true
			}
		}
		s.mu.Unlock()
		if !known {
			writeFail(conn, "device '"+serial+"' not found")
			return
		}
		conn.Write([]byte("OKAY"))
		s.handleDeviceService(conn)

	default:
		writeFail(conn, "unknown host service")
	}
}

func (s *fakeAdbServer) handleDeviceService(conn net.Conn) {
	req, err := readRequest(conn)
	if err != nil {
		return
	}

	switch {
	case strings.HasPrefix(req, "shell:"):
		cmd := strings.TrimPrefix(req, "shell:")
		s.mu.Lock()
		shell := s.shell
		s.mu.Unlock()
		out := "sh: " + cmd + ": not found\n"
		if shell != nil {
			if res, ok := shell(cmd); ok {
				out = res
			}
		}
		conn.Write([]byte("OKAY"))
		conn.Write([]byte(out))

	case strings.HasPrefix(req, "tcp:"):
		// Echo tunnel, enough to prove the stream is bound end to end.
		conn.Write([]byte("OKAY"))
		io.Copy(conn, conn)

	case req == "sync:":
		conn.Write([]byte("OKAY"))
		s.handleSync(conn)

	default:
		writeFail(conn, "unknown device service")
	}
}

func (s *fakeAdbServer) handleSync(conn net.Conn) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(conn, header); err != nil {
		return
	}
	id := string(header[:4])
	n := binary.LittleEndian.Uint32(header[4:])

	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return
	}

	switch id {
	case "SEND":
		path, _, _ := strings.Cut(string(payload), ",")
		var contents bytes.Buffer
		for {
			if _, err := io.ReadFull(conn, header); err != nil {
				return
			}
			chunkID := string(header[:4])
			chunkLen := binary.LittleEndian.Uint32(header[4:])
			if chunkID == "DONE" {
				break
			}
			if chunkID != "DATA" {
				return
			}
			if _, err := io.CopyN(&contents, conn, int64(chunkLen)); err != nil {
				return
			}
		}
		s.mu.Lock()
		s.files[path] = contents.Bytes()
		s.mu.Unlock()
		okay := make([]byte, 8)
		copy(okay, "OKAY")
		conn.Write(okay)

	case "RECV":
		s.mu.Lock()
		contents, ok := s.files[string(payload)]
		s.mu.Unlock()
		if !ok {
			reason := "remote object does not exist"
			fail := make([]byte, 8)
			copy(fail, "FAIL")
			binary.LittleEndian.PutUint32(fail[4:], uint32(len(reason)))
			conn.Write(fail)
			conn.Write([]byte(reason))
			return
		}
		// Split into two DATA frames to exercise the reassembly loop.
		half := len(contents) / 2
		for _, chunk := range [][]byte{contents[:half], contents[half:]} {
			if len(chunk) == 0 {
				continue
			}
			data := make([]byte, 8)
			copy(data, "DATA")
			binary.LittleEndian.PutUint32(data[4:], uint32(len(chunk)))
			conn.Write(data)
			conn.Write(chunk)
		}
		done := make([]byte, 8)
		copy(done, "DONE")
		conn.Write(done)
	}
}

func TestDevices(t *testing.T) {
	s := startFakeAdbServer(t)
	s.setDevices([]Device{
		{Serial: "emulator-5554", State: "device"},
		{Serial: "0123456789ab", State: "offline"},
	})

	c := NewClient(s.addr(), testLog)
	devices, err := c.Devices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Device{
		{Serial: "emulator-5554", State: "device"},
		{Serial: "0123456789ab", State: "offline"},
	}, devices)
}

func TestShell(t *testing.T) {
	s := startFakeAdbServer(t)
	s.setShell(func(cmd string) (string, bool) {
		if cmd == "echo hi" {
			return "hi\n", true
		}
		return "", false
	})

	c := NewClient(s.addr(), testLog)
	out, err := c.Shell(context.Background(), "emulator-5554", "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out)
}

func TestShellUnknownDeviceFails(t *testing.T) {
	s := startFakeAdbServer(t)
	c := NewClient(s.addr(), testLog)
	_, err := c.Shell(context.Background(), "nope", "echo hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestOpenTransportTunnelsBytes(t *testing.T) {
	s := startFakeAdbServer(t)
	c := NewClient(s.addr(), testLog)

	conn, err := c.OpenTransport(context.Background(), "emulator-5554", 9008)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestPushPullRoundTrip(t *testing.T) {
	s := startFakeAdbServer(t)
	c := NewClient(s.addr(), testLog)
	ctx := context.Background()

	contents := bytes.Repeat([]byte("u2 jar bytes "), 10000)
	err := c.Push(ctx, "emulator-5554", bytes.NewReader(contents), "/data/local/tmp/u2.jar", 0o644)
	require.NoError(t, err)

	stored, ok := s.file("/data/local/tmp/u2.jar")
	require.True(t, ok)
	assert.Equal(t, contents, stored)

	var pulled bytes.Buffer
	require.NoError(t, c.Pull(ctx, "emulator-5554", "/data/local/tmp/u2.jar", &pulled))
	assert.Equal(t, contents, pulled.Bytes())
}

func TestPullMissingFileFails(t *testing.T) {
	s := startFakeAdbServer(t)
	c := NewClient(s.addr(), testLog)

	var out bytes.Buffer
	err := c.Pull(context.Background(), "emulator-5554", "/no/such/file", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestWaitOnline(t *testing.T) {
	s := startFakeAdbServer(t)
	s.setDevices(nil)
	c := NewClient(s.addr(), testLog)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := c.WaitOnline(ctx, "emulator-5554")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.setDevices([]Device{{Serial: "emulator-5554", State: "device"}})
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	require.NoError(t, c.WaitOnline(ctx2, "emulator-5554"))
}
