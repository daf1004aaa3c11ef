package uia2

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedInMode is returned from operations that need the device
// bridge (install, push, pull) when the session was opened with ConnectAddr.
var ErrUnsupportedInMode = errors.New("operation not supported on a direct-network session")

// UnsupportedError reports which operation was attempted on a direct-network
// session. It unwraps to ErrUnsupportedInMode.
type UnsupportedError struct {
	Op string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, ErrUnsupportedInMode)
}

func (e *UnsupportedError) Unwrap() error { return ErrUnsupportedInMode }

// ConnectError means the device or the service was unreachable at session
// start.
type ConnectError struct {
	Target string
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cannot connect to %s", e.Target)
	}
	return fmt.Sprintf("cannot connect to %s: %s", e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError means the byte stream to the service could not be opened,
// either because the bridge refused the tunnel or the TCP dial failed.
type TransportError struct {
	Target string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("opening transport to %s: %s", e.Target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPError is any non-timeout HTTP failure: write/read errors on the
// exchange, or a non-200 status (Status is 0 if no response was read).
type HTTPError struct {
	Status int
	Msg    string
	Err    error
}

func (e *HTTPError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("http request failed: %s", e.Msg)
	}
	return fmt.Sprintf("http %s: %s", e.Msg, e.Err)
}

func (e *HTTPError) Unwrap() error { return e.Err }

// HTTPTimeoutError is an HTTP exchange that exceeded its configured timeout.
type HTTPTimeoutError struct {
	Msg string
	Err error
}

func (e *HTTPTimeoutError) Error() string {
	return fmt.Sprintf("http timeout %s: %s", e.Msg, e.Err)
}

func (e *HTTPTimeoutError) Unwrap() error { return e.Err }

// RPCInvalidError is a response that is not a JSON object or carries neither
// a result nor an error.
type RPCInvalidError struct {
	Msg string
}

func (e *RPCInvalidError) Error() string { return "invalid rpc response: " + e.Msg }

// RPCUnknownError is a service-side failure that matched no known pattern.
type RPCUnknownError struct {
	Code    int
	Message string
	Stack   string
}

func (e *RPCUnknownError) Error() string {
	return fmt.Sprintf("unknown rpc error: %d %s", e.Code, e.Message)
}

// RPCStackOverflowError is a StackOverflowError inside the service. Stack is
// truncated to its first and last 1000 characters.
type RPCStackOverflowError struct {
	Code    int
	Message string
	Stack   string
}

func (e *RPCStackOverflowError) Error() string {
	return fmt.Sprintf("rpc stack overflow: %s", e.Message)
}

// UiObjectNotFoundError means the selector passed to the service matched no
// on-screen element. It retains the original call's method and params.
type UiObjectNotFoundError struct {
	Code    int
	Message string
	Method  string
	Params  interface{}
}

func (e *UiObjectNotFoundError) Error() string {
	return fmt.Sprintf("ui object not found: %s", e.Message)
}

// UiAutomationNotConnectedError means the service lost its accessibility
// connection. The facade treats it as recoverable with a restart.
type UiAutomationNotConnectedError struct {
	Message string
}

func (e *UiAutomationNotConnectedError) Error() string { return e.Message }

// AlreadyRegisteredError means another UiAutomation service is already
// registered on the device, so the launched server can never become ready.
type AlreadyRegisteredError struct {
	Output string
}

func (e *AlreadyRegisteredError) Error() string {
	return "accessibility service already registered"
}

// LaunchFailedError means the server process exited before answering the
// health check. Output holds everything the process wrote.
type LaunchFailedError struct {
	Output string
}

func (e *LaunchFailedError) Error() string { return "server quit unexpectedly" }

// LaunchTimeoutError means the server never answered the health check within
// the launch wait.
type LaunchTimeoutError struct {
	Wait   time.Duration
	Output string
}

func (e *LaunchTimeoutError) Error() string {
	return fmt.Sprintf("server not ready after %s", e.Wait)
}
