package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"eegrun/internal/metrics"
	"eegrun/internal/platform"
)

const (
	ModeMock    = "mock"
	ModeProcess = "process"

	mockTaskName     = "mock-generator"
	producerTaskName = "producer"
)

type Options struct {
	Mode       string
	Host       string
	Port       int
	DeviceType int

	// Process mode.
	Command        []string
	RunParams      string
	LogPath        string
	MaxRestarts    int
	RestartBackoff time.Duration
	StopGrace      time.Duration

	// Mock mode.
	Channels   int
	SampleRate int
	Seed       int64

	Logger *slog.Logger
}

// Supervisor owns the out-of-process signal producer. Start and Stop
// never block the caller; the producer runs on supervised background
// tasks.
type Supervisor struct {
	opts   Options
	logger *slog.Logger
	tasks  *platform.Supervisor

	running atomic.Bool

	mu       sync.Mutex
	started  bool
	listener net.Listener
	conn     net.Conn
}

func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "device", "mode", opts.Mode)
	policy := platform.DefaultPolicy()
	policy.MaxRestarts = opts.MaxRestarts
	if opts.RestartBackoff > 0 {
		policy.InitialBackoff = opts.RestartBackoff
	}
	hooks := platform.Hooks{
		OnRestart: func(name string, err error, restartCount int) {
			metrics.DeviceRestartsTotal.Inc()
			logger.Warn("restarting producer", "task", name, "error", err, "restart", restartCount)
		},
	}
	return &Supervisor{
		opts:   opts,
		logger: logger,
		tasks:  platform.NewSupervisor(policy, hooks, logger),
	}
}

// Addr is the endpoint the acquisition channel should dial. In mock mode
// it reflects the bound listener, so port 0 works.
func (s *Supervisor) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
}

func (s *Supervisor) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("device supervisor already started")
	}

	switch s.opts.Mode {
	case ModeMock:
		listener, err := net.Listen("tcp", net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port)))
		if err != nil {
			return fmt.Errorf("mock device listen: %w", err)
		}
		s.listener = listener
		s.running.Store(true)
		gen := newGenerator(s.opts.Channels, s.opts.SampleRate, s.opts.Seed)
		if err := s.tasks.Start(platform.TaskSpec{Name: mockTaskName, Restart: platform.RestartTemporary}, func(ctx context.Context) error {
			return s.serveMock(ctx, listener, gen)
		}); err != nil {
			_ = listener.Close()
			s.listener = nil
			return err
		}
	case ModeProcess:
		if len(s.opts.Command) == 0 {
			return errors.New("producer command is required")
		}
		s.running.Store(true)
		if err := s.tasks.Start(platform.TaskSpec{Name: producerTaskName, Restart: platform.RestartTransient}, s.runProducer); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported device mode: %s", s.opts.Mode)
	}
	s.started = true
	s.logger.Info("device producer started", "addr", net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port)))
	return nil
}

// Stop asks the producer to shut down and returns immediately. Use Wait
// to block until background work has finished.
func (s *Supervisor) Stop() {
	if !s.running.Swap(false) {
		return
	}
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	s.logger.Info("device producer stopping")
	go s.tasks.StopAll()
}

func (s *Supervisor) Wait() {
	s.tasks.Wait(mockTaskName)
	s.tasks.Wait(producerTaskName)
}

func (s *Supervisor) Status() []platform.TaskStatus {
	return s.tasks.Status()
}

func (s *Supervisor) runProducer(ctx context.Context) error {
	args := append([]string{}, s.opts.Command[1:]...)
	args = append(args, s.opts.Host, strconv.Itoa(s.opts.Port), strconv.Itoa(s.opts.DeviceType), s.opts.RunParams)
	cmd := exec.CommandContext(ctx, s.opts.Command[0], args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = s.opts.StopGrace
	configureProcess(cmd)

	if s.opts.LogPath != "" {
		logFile, err := os.OpenFile(s.opts.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open producer log: %w", err)
		}
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start producer: %w", err)
	}
	s.logger.Info("producer process running", "pid", cmd.Process.Pid)
	err := cmd.Wait()
	if ctx.Err() != nil || !s.running.Load() {
		return nil
	}
	if err != nil {
		return fmt.Errorf("producer exited: %w", err)
	}
	return nil
}

func (s *Supervisor) serveMock(ctx context.Context, listener net.Listener, gen *generator) error {
	conn, err := listener.Accept()
	// exactly one inbound connection
	_ = listener.Close()
	if err != nil {
		if !s.running.Load() {
			return nil
		}
		return fmt.Errorf("mock device accept: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	stopping := !s.running.Load()
	s.mu.Unlock()
	defer conn.Close()
	if stopping {
		return nil
	}
	s.logger.Info("mock device connected", "remote", conn.RemoteAddr().String())

	return gen.stream(ctx, conn, s.running.Load, s.logger)
}
