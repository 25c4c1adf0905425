// Copyright 2026 The ChatSafe Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package childproc owns the lifecycle of the one llama.cpp inference
// child process ChatSafe talks to (spec.md §4.3): spawning it directly
// (never through a shell), polling it to readiness, draining its output,
// and terminating it gracefully-then-forcibly on shutdown.
package childproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/everettbu/chatsafe/gatewayerr"
	"github.com/everettbu/chatsafe/inference"
	"github.com/everettbu/chatsafe/metrics"
	"github.com/everettbu/chatsafe/registry"
)

// State is the Manager's internal lifecycle state, per spec.md §4.3's
// state machine: stopped -> starting -> ready -> draining -> stopped,
// with an error edge from any state back to stopped.
type State int

const (
	Stopped State = iota
	Starting
	Ready
	Draining
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Draining:
		return "draining"
	default:
		return "stopped"
	}
}

// Health is the coarser three-value status health() reports (spec.md
// §4.3's contract): ready, starting, or unavailable.
type Health string

const (
	HealthReady       Health = "ready"
	HealthStarting    Health = "starting"
	HealthUnavailable Health = "unavailable"
)

// Config holds everything needed to spawn and supervise the child.
type Config struct {
	// Executable is the absolute path to the llama-server binary.
	Executable string
	// ModelDir is the absolute path to the directory holding model
	// files; the actual file name always comes from the registry, never
	// from request data (spec.md §4.3).
	ModelDir string
	Port     int

	BatchSize int
	GPULayers int
	Threads   int

	LogDir string

	HealthAttempts  int
	HealthInterval  time.Duration
	GracefulTimeout time.Duration

	// Metrics, if set, is handed to the Inference Client this Manager
	// spawns so malformed SSE frames get counted (spec.md §4.4).
	Metrics *metrics.Digest
}

// DefaultConfig fills in the bounded-attempt health poll and termination
// timeouts spec.md §4.3 names as examples.
func DefaultConfig() Config {
	return Config{
		BatchSize:       512,
		HealthAttempts:  60,
		HealthInterval:  500 * time.Millisecond,
		GracefulTimeout: 3 * time.Second,
	}
}

// Manager owns exactly one child process at a time (spec.md §4.3's
// single-model-active constraint). All state transitions are serialized
// by mu.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	state State

	cmd      *os.Process
	client   *inference.Client
	exitedCh chan struct{}
	exitErr  error

	pidPath string
}

// New constructs a Manager in the stopped state.
func New(cfg Config) *Manager {
	if cfg.HealthAttempts == 0 {
		cfg.HealthAttempts = 60
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 500 * time.Millisecond
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 3 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		state:   Stopped,
		pidPath: filepath.Join(os.TempDir(), fmt.Sprintf("chatsafe-llama-server-%d.pid", cfg.Port)),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Health reports ready/starting/unavailable per spec.md §4.3; it returns
// unavailable in both the stopped and draining states.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Ready:
		return HealthReady
	case Starting:
		return HealthStarting
	default:
		return HealthUnavailable
	}
}

// Client returns the Inference Client bound to the running child. It is
// only meaningful once Health() reports ready.
func (m *Manager) Client() *inference.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// EnsureStarted brings the child up for mc if it is not already ready.
// ctx bounds the startup sequence (spawn + health poll); it does not
// bound the child's own lifetime, which the Manager owns independently.
func (m *Manager) EnsureStarted(ctx context.Context, mc *registry.ModelConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Ready {
		return nil
	}
	if m.state != Stopped {
		return gatewayerr.Newf(gatewayerr.RuntimeNotReady, "child process is %s", m.state)
	}
	m.state = Starting

	modelPath := filepath.Join(m.cfg.ModelDir, mc.FileName)

	if err := m.ensurePortFree(); err != nil {
		m.state = Stopped
		return err
	}
	if err := m.spawn(mc, modelPath); err != nil {
		m.state = Stopped
		return err
	}
	if err := m.waitHealthy(ctx); err != nil {
		m.terminateLocked()
		m.state = Stopped
		return gatewayerr.Wrap(gatewayerr.RuntimeNotReady, "child process failed to become ready", err)
	}
	m.state = Ready
	return nil
}

// Shutdown gracefully-then-forcibly terminates the child and reaps it.
// It is idempotent. Callers install it as their scope-guard — a defer
// immediately after a successful EnsureStarted — so every exit path of
// the enclosing runtime (normal, error, or panic) triggers termination
// (spec.md §4.3, §9 "Scoped resources").
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Stopped {
		return
	}
	m.state = Draining
	m.terminateLocked()
	m.state = Stopped
}

func (m *Manager) spawn(mc *registry.ModelConfig, modelPath string) error {
	args := buildArgs(m.cfg, mc, modelPath)
	cmd := newCmd(args)
	cmd.Dir = filepath.Dir(m.cfg.Executable)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.Internal, "failed to open child stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.Internal, "failed to open child stderr", err)
	}

	logw, err := m.openLog()
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.Internal, "failed to open child log file", err)
	}

	if err := cmd.Start(); err != nil {
		logw.Close()
		return gatewayerr.Wrap(gatewayerr.RuntimeNotReady, "failed to start inference child process", err)
	}
	_ = writePID(m.pidPath, cmd.Process.Pid)

	exitedCh := make(chan struct{})
	go func() {
		var g errgroup.Group
		g.Go(func() error { _, err := copyInto(logw, stdout); return err })
		g.Go(func() error { _, err := copyInto(logw, stderr); return err })
		_ = g.Wait()
		err := cmd.Wait()
		logw.Close()
		// No m.mu here: terminateLocked and waitHealthy wait on exitedCh
		// while holding it. Closing exitedCh publishes exitErr to them.
		m.exitErr = err
		close(exitedCh)
	}()

	m.cmd = cmd.Process
	m.exitedCh = exitedCh
	m.client = inference.New(fmt.Sprintf("http://127.0.0.1:%d", m.cfg.Port))
	m.client.Metrics = m.cfg.Metrics
	return nil
}

func (m *Manager) waitHealthy(ctx context.Context) error {
	for attempt := 0; attempt < m.cfg.HealthAttempts; attempt++ {
		select {
		case <-m.exitedCh:
			return fmt.Errorf("child exited during startup: %w", m.exitErr)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if status, err := m.client.Health(ctx); err == nil && status == "ok" {
			return nil
		}
		select {
		case <-time.After(m.cfg.HealthInterval):
		case <-ctx.Done():
			return ctx.Err()
		case <-m.exitedCh:
			return fmt.Errorf("child exited during startup: %w", m.exitErr)
		}
	}
	return errors.New("health checks exhausted without the child reporting ready")
}

// terminateLocked issues a graceful termination signal, waits up to
// GracefulTimeout, then kills; either way it reaps the child so no zombie
// is left behind (spec.md §4.3). Callers must hold mu.
func (m *Manager) terminateLocked() {
	if m.cmd == nil {
		return
	}
	_ = m.cmd.Signal(syscall.SIGTERM)
	select {
	case <-m.exitedCh:
	case <-time.After(m.cfg.GracefulTimeout):
		_ = m.cmd.Kill()
		<-m.exitedCh
	}
	_ = os.Remove(m.pidPath)
	m.cmd = nil
	m.client = nil
}

// ensurePortFree verifies the target port is unused; if a prior instance
// of ChatSafe's own child was orphaned there (e.g. after an abrupt parent
// kill) it is terminated first, the "orphan llama-server" failure mode
// spec.md §4.3 names. Callers must hold mu.
func (m *Manager) ensurePortFree() error {
	if !portBusy(m.cfg.Port) {
		return nil
	}
	if pid, ok := readPID(m.pidPath); ok {
		if proc, err := os.FindProcess(pid); err == nil {
			_ = proc.Signal(syscall.SIGTERM)
			for i := 0; i < 20 && portBusy(m.cfg.Port); i++ {
				time.Sleep(100 * time.Millisecond)
			}
			if portBusy(m.cfg.Port) {
				_ = proc.Kill()
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
	if portBusy(m.cfg.Port) {
		return gatewayerr.Newf(gatewayerr.RuntimeNotReady, "port %d is already in use by another process", m.cfg.Port)
	}
	_ = os.Remove(m.pidPath)
	return nil
}

func portBusy(port int) bool {
	l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		return true
	}
	l.Close()
	return false
}

func (m *Manager) openLog() (*os.File, error) {
	if m.cfg.LogDir == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	return os.OpenFile(filepath.Join(m.cfg.LogDir, "llama-server.log"), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
}

func buildArgs(cfg Config, mc *registry.ModelConfig, modelPath string) []string {
	threads := cfg.Threads
	if threads == 0 {
		if threads = runtime.NumCPU() - 2; threads < 1 {
			threads = 1
		}
	}
	return []string{
		cfg.Executable,
		"--model", modelPath,
		"--ctx-size", strconv.Itoa(mc.ContextWindow),
		"--port", strconv.Itoa(cfg.Port),
		"--batch-size", strconv.Itoa(cfg.BatchSize),
		"--n-gpu-layers", strconv.Itoa(cfg.GPULayers),
		"--threads", strconv.Itoa(threads),
	}
}

// newCmd builds the child invocation directly from discrete argument
// tokens, never through a shell interpreter (spec.md §4.3).
func newCmd(args []string) *exec.Cmd {
	return exec.Command(args[0], args[1:]...)
}

func copyInto(dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, src)
}

func writePID(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

func readPID(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false
	}
	return pid, true
}
