package uia2

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const readChunkSize = 4096

type httpResponse struct {
	status int
	body   []byte
}

func (r *httpResponse) text() string { return string(r.body) }

// httpDo performs one blocking HTTP/1.1 exchange over a fresh conn from the
// dialer and closes it on return. The conn deadline is the per-call timeout,
// tightened by the ctx deadline if that is sooner.
func httpDo(ctx context.Context, d dialer, method, path string, body []byte, timeout time.Duration, log *zap.SugaredLogger) (*httpResponse, error) {
	conn, err := d.open(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, &HTTPError{Msg: "setting conn deadline", Err: err}
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	// The host header value is irrelevant to the service; the original
	// client always says localhost.
	req, err := http.NewRequest(method, "http://localhost"+path, bodyReader)
	if err != nil {
		return nil, &HTTPError{Msg: "building request", Err: err}
	}
	req.Header.Set("User-Agent", "uiautomator2")
	// The on-device nanohttpd leaks when it gzip-encodes responses, so
	// compression stays off: the header must be present and empty.
	req.Header.Set("Accept-Encoding", "")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log.Debugw("http exchange", "target", d.target(), "method", method, "path", path, "bodyBytes", len(body))

	if err := req.Write(conn); err != nil {
		return nil, classifyHTTPErr("writing request", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return nil, classifyHTTPErr("reading response", err)
	}
	defer resp.Body.Close()

	var content bytes.Buffer
	chunk := make([]byte, readChunkSize)
	for {
		n, err := resp.Body.Read(chunk)
		content.Write(chunk[:n])
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, classifyHTTPErr("reading body", err)
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{Status: resp.StatusCode, Msg: resp.Status}
	}
	return &httpResponse{status: resp.StatusCode, body: content.Bytes()}, nil
}

func classifyHTTPErr(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &HTTPTimeoutError{Msg: op, Err: err}
	}
	return &HTTPError{Msg: op, Err: err}
}
