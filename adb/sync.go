package adb

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// Sync mode frames: a 4-byte id plus a little-endian uint32, which is a
// payload length or a numeric argument depending on the id.

const syncDataMax = 64 * 1024

func writeSyncHeader(conn net.Conn, id string, arg uint32) error {
	buf := make([]byte, 8)
	copy(buf, id)
	binary.LittleEndian.PutUint32(buf[4:], arg)
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("writing sync %s header: %w", id, err)
	}
	return nil
}

func writeSyncString(conn net.Conn, id, s string) error {
	if err := writeSyncHeader(conn, id, uint32(len(s))); err != nil {
		return err
	}
	if _, err := conn.Write([]byte(s)); err != nil {
		return fmt.Errorf("writing sync %s payload: %w", id, err)
	}
	return nil
}

func readSyncHeader(conn net.Conn) (string, uint32, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", 0, fmt.Errorf("reading sync header: %w", err)
	}
	return string(buf[:4]), binary.LittleEndian.Uint32(buf[4:]), nil
}

func readSyncFailure(conn net.Conn, n uint32) error {
	reason := make([]byte, n)
	if _, err := io.ReadFull(conn, reason); err != nil {
		return fmt.Errorf("reading sync failure reason: %w", err)
	}
	return fmt.Errorf("adb sync: %s", reason)
}

func (c *Client) syncConn(ctx context.Context, serial string) (net.Conn, error) {
	conn, err := c.transport(ctx, serial)
	if err != nil {
		return nil, err
	}
	if err := sendRequest(conn, "sync:"); err != nil {
		conn.Close()
		return nil, err
	}
	if err := readStatus(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("entering sync mode: %w", err)
	}
	return conn, nil
}

// Push writes contents to remotePath on the device with the given mode.
func (c *Client) Push(ctx context.Context, serial string, contents io.Reader, remotePath string, mode os.FileMode) error {
	c.Log.Debugw("push", "serial", serial, "remotePath", remotePath)
	conn, err := c.syncConn(ctx, serial)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("setting deadline: %w", err)
		}
	}

	// S_IFREG, so the device creates a regular file.
	spec := fmt.Sprintf("%s,%d", remotePath, uint32(mode.Perm())|0o100000)
	if err := writeSyncString(conn, "SEND", spec); err != nil {
		return err
	}

	buf := make([]byte, syncDataMax)
	for {
		n, readErr := contents.Read(buf)
		if n > 0 {
			if err := writeSyncHeader(conn, "DATA", uint32(n)); err != nil {
				return err
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return fmt.Errorf("writing sync data: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("reading push contents: %w", readErr)
		}
	}

	if err := writeSyncHeader(conn, "DONE", uint32(time.Now().Unix())); err != nil {
		return err
	}
	id, n, err := readSyncHeader(conn)
	if err != nil {
		return err
	}
	switch id {
	case "OKAY":
		return nil
	case "FAIL":
		return readSyncFailure(conn, n)
	default:
		return fmt.Errorf("adb sync: unexpected response %q", id)
	}
}

// Pull copies remotePath from the device into w.
func (c *Client) Pull(ctx context.Context, serial, remotePath string, w io.Writer) error {
	c.Log.Debugw("pull", "serial", serial, "remotePath", remotePath)
	conn, err := c.syncConn(ctx, serial)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("setting deadline: %w", err)
		}
	}

	if err := writeSyncString(conn, "RECV", remotePath); err != nil {
		return err
	}
	for {
		id, n, err := readSyncHeader(conn)
		if err != nil {
			return err
		}
		switch id {
		case "DATA":
			if _, err := io.CopyN(w, conn, int64(n)); err != nil {
				return fmt.Errorf("reading sync data: %w", err)
			}
		case "DONE":
			return nil
		case "FAIL":
			return readSyncFailure(conn, n)
		default:
			return fmt.Errorf("adb sync: unexpected response %q", id)
		}
	}
}
