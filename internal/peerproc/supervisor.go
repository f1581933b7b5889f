// Package peerproc supervises the external peer-to-peer process the relay
// talks to over UDP.
package peerproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/metrics"
)

const (
	EnvBindPort = "BIND_PORT"
	EnvUDPPort  = "UDP_PORT"
)

type Config struct {
	Command string
	// Args precede Script on the command line.
	Args []string
	// Script is the entry file handed to Command. When set it must exist
	// before a spawn is attempted.
	Script string
	Dir    string
	// Env is appended to the relay's own environment.
	Env []string

	Stdout io.Writer
	Stderr io.Writer

	StopTimeout       time.Duration
	RestartMinBackoff time.Duration
	RestartMaxBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 2 * time.Second
	}
	if c.RestartMinBackoff <= 0 {
		c.RestartMinBackoff = 100 * time.Millisecond
	}
	if c.RestartMaxBackoff <= 0 {
		c.RestartMaxBackoff = 30 * time.Second
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
	return c
}

// Supervisor runs at most one peer process at a time.
type Supervisor struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   chan struct{}
	bindPort uint16
	udpPort  uint16
	started  bool
	backoff  *backoff.Backoff
}

func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		backoff: &backoff.Backoff{
			Min:    cfg.RestartMinBackoff,
			Max:    cfg.RestartMaxBackoff,
			Factor: 2,
		},
	}
}

// Start kills any running peer and spawns a new one with BIND_PORT and
// UDP_PORT set.
func (s *Supervisor) Start(bindPort, udpPort uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(bindPort, udpPort)
}

func (s *Supervisor) startLocked(bindPort, udpPort uint16) error {
	if err := s.stopLocked(); err != nil {
		s.log.Warn("peer_stop_failed", "err", err)
	}

	if s.cfg.Script != "" {
		if _, err := os.Stat(s.cfg.Script); err != nil {
			s.metrics.Inc(metrics.PeerSpawnFailures)
			return fmt.Errorf("%w: portal client binary not found at %s", ErrSpawnFailure, s.cfg.Script)
		}
	}

	args := append([]string(nil), s.cfg.Args...)
	if s.cfg.Script != "" {
		args = append(args, s.cfg.Script)
	}
	cmd := exec.Command(s.cfg.Command, args...)
	cmd.Dir = s.cfg.Dir
	cmd.Stdout = s.cfg.Stdout
	cmd.Stderr = s.cfg.Stderr
	// Grandchildren holding the output pipes must not block reaping.
	cmd.WaitDelay = s.cfg.StopTimeout / 2
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Env = append(cmd.Env,
		EnvBindPort+"="+strconv.Itoa(int(bindPort)),
		EnvUDPPort+"="+strconv.Itoa(int(udpPort)),
	)

	if err := cmd.Start(); err != nil {
		s.metrics.Inc(metrics.PeerSpawnFailures)
		return fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		close(exited)
		s.log.Info("peer_exited", "pid", cmd.Process.Pid, "exit", exitDescription(err))
	}()

	s.cmd = cmd
	s.exited = exited
	s.bindPort = bindPort
	s.udpPort = udpPort
	s.started = true
	s.metrics.Inc(metrics.PeerSpawns)
	s.log.Info("peer_started", "pid", cmd.Process.Pid, "command", s.cfg.Command, "bind_port", bindPort, "udp_port", udpPort)
	return nil
}

// Stop force-kills the peer and waits for it to be reaped. Stopping a
// supervisor with no running peer is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Supervisor) stopLocked() error {
	cmd, exited := s.cmd, s.exited
	if cmd == nil {
		return nil
	}
	s.cmd, s.exited = nil, nil

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to stop portal process: %w", err)
	}
	select {
	case <-exited:
		return nil
	case <-time.After(s.cfg.StopTimeout):
		return fmt.Errorf("%w after %s (pid %d)", ErrStopTimeout, s.cfg.StopTimeout, cmd.Process.Pid)
	}
}

// Alive reports whether the most recently started peer is still running.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// PID returns the running peer's pid, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Restart waits for the next backoff delay and starts the peer again with
// the ports of the last Start.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	delay := s.backoff.Duration()
	s.mu.Unlock()

	s.log.Info("peer_restart_scheduled", "delay", delay.String())
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		// Shutdown raced with the delay.
		return ErrNotStarted
	}
	if err := s.startLocked(s.bindPort, s.udpPort); err != nil {
		return err
	}
	s.metrics.Inc(metrics.PeerRestarts)
	return nil
}

// ResetBackoff is called once the peer is known to be healthy again.
func (s *Supervisor) ResetBackoff() {
	s.mu.Lock()
	s.backoff.Reset()
	s.mu.Unlock()
}

// Shutdown stops the peer and forgets its ports so Restart becomes a no-op.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return s.stopLocked()
}

func exitDescription(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
