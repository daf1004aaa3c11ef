package uia2

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ServiceState is the supervisor's view of the remote service.
type ServiceState int32

const (
	StateUnknown ServiceState = iota
	StateInstalling
	StateLaunching
	StateReady
	StateFailed
)

func (s ServiceState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateInstalling:
		return "installing"
	case StateLaunching:
		return "launching"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// supervisor owns the service lifecycle on the device: hash-checked install,
// launch, readiness wait, health check, and stop. All transitions are
// serialized by mu, so concurrent Starts collapse into a single launch.
//
// bridge is nil on direct-network sessions; those assume the service is
// externally managed, so Start degrades to a health check and Stop is a no-op.
type supervisor struct {
	cfg    *config
	dialer dialer
	bridge Bridge
	serial string
	log    *zap.SugaredLogger

	state atomic.Int32

	mu   sync.Mutex
	proc *serverProcess
}

func (s *supervisor) State() ServiceState {
	return ServiceState(s.state.Load())
}

func (s *supervisor) setState(st ServiceState) {
	s.state.Store(int32(st))
}

// Alive performs one health check: 200 and an exact "pong" body.
func (s *supervisor) Alive(ctx context.Context) bool {
	resp, err := httpDo(ctx, s.dialer, http.MethodGet, healthPath, nil, s.cfg.healthTimeout, s.log)
	if err != nil {
		s.log.Debugf("health check: %s", err)
		return false
	}
	return resp.text() == livenessToken
}

// Start brings the service up if it is not already answering the health
// check. It is idempotent; only the first of N concurrent callers does work.
func (s *supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bridge == nil {
		if !s.Alive(ctx) {
			s.setState(StateFailed)
			return &ConnectError{Target: s.dialer.target()}
		}
		s.setState(StateReady)
		return nil
	}

	if s.proc != nil && s.proc.Exited() {
		s.proc = nil
	}
	if s.Alive(ctx) {
		s.setState(StateReady)
		return nil
	}

	if err := s.install(ctx); err != nil {
		s.setState(StateFailed)
		return err
	}
	if err := s.launch(ctx); err != nil {
		s.setState(StateFailed)
		return err
	}
	if err := s.waitReady(ctx); err != nil {
		s.setState(StateFailed)
		return err
	}
	s.setState(StateReady)
	return nil
}

// install pushes the server artifact unless the device copy already has the
// same md5. Repeated Starts with an unchanged artifact push at most once.
func (s *supervisor) install(ctx context.Context) error {
	s.setState(StateInstalling)
	if s.cfg.jarPath == "" {
		s.log.Debugf("no local server artifact configured, assuming %s is present", remoteJarPath)
		return nil
	}

	f, err := os.Open(s.cfg.jarPath)
	if err != nil {
		return fmt.Errorf("opening server artifact: %w", err)
	}
	hash := md5.New()
	_, err = io.Copy(hash, f)
	f.Close()
	if err != nil {
		return fmt.Errorf("hashing server artifact: %w", err)
	}
	localSum := hex.EncodeToString(hash.Sum(nil))

	out, err := s.bridge.Shell(ctx, s.serial, "toybox md5sum "+remoteJarPath)
	if err != nil {
		return fmt.Errorf("hashing device artifact: %w", err)
	}
	if strings.Contains(out, "toybox") && strings.Contains(out, "not found") {
		out, err = s.bridge.Shell(ctx, s.serial, "md5 "+remoteJarPath)
		if err != nil {
			return fmt.Errorf("hashing device artifact: %w", err)
		}
	}
	if strings.Contains(out, localSum) {
		s.log.Debugf("server artifact already on device (md5 %s)", localSum)
		return nil
	}

	s.log.Debugf("pushing %s -> %s", s.cfg.jarPath, remoteJarPath)
	f, err = os.Open(s.cfg.jarPath)
	if err != nil {
		return fmt.Errorf("opening server artifact: %w", err)
	}
	defer f.Close()
	if err := s.bridge.Push(ctx, s.serial, f, remoteJarPath, 0o644); err != nil {
		return fmt.Errorf("pushing server artifact: %w", err)
	}
	return nil
}

func (s *supervisor) launch(ctx context.Context) error {
	s.setState(StateLaunching)
	s.log.Debugf("launching server: %s", launchCommand)
	conn, err := s.bridge.ShellStream(ctx, s.serial, launchCommand)
	if err != nil {
		return fmt.Errorf("launching server: %w", err)
	}
	s.proc = newServerProcess(conn, s.log.Named("server_proc"))
	return nil
}

// waitReady polls the health endpoint until the server answers, the process
// dies, its output shows the fatal registration error, or the launch timeout
// elapses.
func (s *supervisor) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.launchTimeout)
	for {
		output := string(s.proc.Output())
		if strings.Contains(output, fatalRegisteredMarker) {
			return &AlreadyRegisteredError{Output: output}
		}
		if s.proc.Exited() {
			return &LaunchFailedError{Output: output}
		}
		if s.Alive(ctx) {
			return nil
		}
		if !time.Now().Before(deadline) {
			return &LaunchTimeoutError{Wait: s.cfg.launchTimeout, Output: output}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.waitInterval):
		}
	}
}

// Stop kills the supervised process if there is one, then waits (bounded) for
// the service to stop answering the health check.
func (s *supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.bridge == nil {
		s.mu.Unlock()
		return nil
	}
	if s.proc != nil {
		s.proc.Kill()
		s.proc = nil
	}
	s.setState(StateUnknown)
	s.mu.Unlock()

	deadline := time.Now().Add(s.cfg.stopTimeout)
	for time.Now().Before(deadline) {
		if !s.Alive(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.waitInterval):
		}
	}
	s.log.Debugf("service still answering %s after stop", healthPath)
	return nil
}
