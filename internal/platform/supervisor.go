package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// RestartPolicy decides whether a finished background task runs again.
type RestartPolicy string

const (
	// RestartTransient reruns the task only when it returned an error.
	RestartTransient RestartPolicy = "transient"
	// RestartTemporary never reruns the task.
	RestartTemporary RestartPolicy = "temporary"
)

type Policy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// MaxRestarts caps restarts per task; 0 means unlimited.
	MaxRestarts int
}

type TaskSpec struct {
	Name    string
	Restart RestartPolicy
}

type TaskStatus struct {
	Name         string        `json:"name"`
	Restart      RestartPolicy `json:"restart"`
	Running      bool          `json:"running"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
	GaveUp       bool          `json:"gave_up"`
}

type Hooks struct {
	OnRestart func(name string, err error, restartCount int)
	OnGiveUp  func(name string, err error, restartCount int)
}

func DefaultPolicy() Policy {
	return Policy{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

func normalizePolicy(policy Policy) Policy {
	def := DefaultPolicy()
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = def.BackoffFactor
	}
	if policy.MaxRestarts < 0 {
		policy.MaxRestarts = 0
	}
	return policy
}

// Supervisor runs named background tasks, restarts them per policy and
// tears them down on request.
type Supervisor struct {
	policy Policy
	hooks  Hooks
	logger *slog.Logger

	mu       sync.Mutex
	tasks    map[string]*task
	finished map[string]TaskStatus
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
	spec   TaskSpec

	restartCount int
	lastErr      error
	gaveUp       bool
}

func NewSupervisor(policy Policy, hooks Hooks, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		policy:   normalizePolicy(policy),
		hooks:    hooks,
		logger:   logger.With("component", "supervisor"),
		tasks:    make(map[string]*task),
		finished: make(map[string]TaskStatus),
	}
}

// Start launches run on its own goroutine and returns immediately.
func (s *Supervisor) Start(spec TaskSpec, run func(ctx context.Context) error) error {
	if spec.Name == "" {
		return errors.New("task name is required")
	}
	if run == nil {
		return errors.New("task runner is required")
	}
	switch spec.Restart {
	case RestartTransient, RestartTemporary:
	case "":
		spec.Restart = RestartTemporary
	default:
		return fmt.Errorf("unsupported restart policy: %s", spec.Restart)
	}

	s.mu.Lock()
	if _, exists := s.tasks[spec.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("task already running: %s", spec.Name)
	}
	delete(s.finished, spec.Name)
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		cancel: cancel,
		done:   make(chan struct{}),
		spec:   spec,
	}
	s.tasks[spec.Name] = t
	s.mu.Unlock()

	go s.loop(ctx, t, run)
	return nil
}

func (s *Supervisor) loop(ctx context.Context, t *task, run func(ctx context.Context) error) {
	defer func() {
		s.mu.Lock()
		if current, ok := s.tasks[t.spec.Name]; ok && current == t {
			s.finished[t.spec.Name] = statusOf(t, false)
			delete(s.tasks, t.spec.Name)
		}
		s.mu.Unlock()
		close(t.done)
	}()

	backoff := s.policy.InitialBackoff
	for {
		err := run(ctx)
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		t.lastErr = err
		restarts := t.restartCount
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("task exited", "task", t.spec.Name, "error", err, "restarts", restarts)
		}
		if !shouldRestart(t.spec.Restart, err) {
			return
		}
		if s.policy.MaxRestarts > 0 && restarts >= s.policy.MaxRestarts {
			s.mu.Lock()
			t.gaveUp = true
			s.mu.Unlock()
			s.logger.Error("task restart limit reached", "task", t.spec.Name, "restarts", restarts)
			if s.hooks.OnGiveUp != nil {
				s.hooks.OnGiveUp(t.spec.Name, err, restarts)
			}
			return
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		restarts++
		s.mu.Lock()
		t.restartCount = restarts
		s.mu.Unlock()
		if s.hooks.OnRestart != nil {
			s.hooks.OnRestart(t.spec.Name, err, restarts)
		}
		next := time.Duration(float64(backoff) * s.policy.BackoffFactor)
		if next > s.policy.MaxBackoff {
			next = s.policy.MaxBackoff
		}
		backoff = next
	}
}

func shouldRestart(policy RestartPolicy, err error) bool {
	return policy == RestartTransient && err != nil
}

// Stop cancels the named task and waits for it to return.
func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	<-t.done
}

func (s *Supervisor) StopAll() {
	s.mu.Lock()
	running := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		running = append(running, t)
	}
	s.mu.Unlock()

	for _, t := range running {
		t.cancel()
	}
	for _, t := range running {
		<-t.done
	}
}

// Wait blocks until the named task is no longer running.
func (s *Supervisor) Wait(name string) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if ok {
		<-t.done
	}
}

func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Supervisor) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks)+len(s.finished))
	for _, t := range s.tasks {
		out = append(out, statusOf(t, true))
	}
	for name, status := range s.finished {
		if _, active := s.tasks[name]; active {
			continue
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func statusOf(t *task, running bool) TaskStatus {
	status := TaskStatus{
		Name:         t.spec.Name,
		Restart:      t.spec.Restart,
		Running:      running,
		RestartCount: t.restartCount,
		GaveUp:       t.gaveUp,
	}
	if t.lastErr != nil {
		status.LastError = t.lastErr.Error()
	}
	return status
}
