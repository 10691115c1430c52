package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitbucket.org/datafocusmx/renec_backend/config"
	"github.com/sirupsen/logrus"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskRunning  = errors.New("task is already running")
)

// TaskFunc is one scheduled unit of work.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	schedule *Schedule
	fn       TaskFunc
	enabled  bool
	running  bool
	lastRun  *time.Time
	nextRun  *time.Time
}

// TaskStatus is the externally visible state of one task.
type TaskStatus struct {
	Name     string     `json:"name"`
	Schedule string     `json:"schedule"`
	Enabled  bool       `json:"enabled"`
	Running  bool       `json:"running"`
	LastRun  *time.Time `json:"lastRun,omitempty"`
	NextRun  *time.Time `json:"nextRun,omitempty"`
}

// Scheduler drives registered tasks off a minute tick. A task never
// overlaps itself: while one invocation runs, due ticks for the same
// task are dropped.
type Scheduler struct {
	mu       sync.Mutex
	tasks    map[string]*task
	order    []string
	logger   *logrus.Logger
	interval time.Duration
}

func NewScheduler(logger *logrus.Logger) *Scheduler {
	interval := 60 * time.Second
	if v := strings.TrimSpace(os.Getenv("SCHEDULER_TICK_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			interval = time.Duration(n) * time.Second
		}
	}
	return &Scheduler{
		tasks:    make(map[string]*task),
		logger:   logger,
		interval: interval,
	}
}

// Register adds a task. Name must be unique; the expression is parsed
// eagerly so a bad schedule fails at startup, not at 2am.
func (s *Scheduler) Register(name string, expr string, fn TaskFunc) error {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task %q already registered", name)
	}
	next := schedule.Next(time.Now())
	t := &task{
		name:     name,
		schedule: schedule,
		fn:       fn,
		enabled:  true,
	}
	if !next.IsZero() {
		t.nextRun = &next
	}
	s.tasks[name] = t
	s.order = append(s.order, name)
	return nil
}

// Run blocks, ticking until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*task
	for _, name := range s.order {
		t := s.tasks[name]
		if t.enabled && !t.running && t.schedule.Matches(now) {
			t.running = true
			started := now
			t.lastRun = &started
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		go s.execute(ctx, t)
	}
}

func (s *Scheduler) execute(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"module": "scheduler",
				"task":   t.name,
				"stack":  string(debug.Stack()),
			}).Error(fmt.Sprintf("task panicked: %v", r))
		}

		s.mu.Lock()
		t.running = false
		next := t.schedule.Next(time.Now())
		if next.IsZero() {
			t.nextRun = nil
		} else {
			t.nextRun = &next
		}
		s.mu.Unlock()
	}()

	if err := t.fn(ctx); err != nil {
		config.LogError(s.logger, "scheduler", "execute", t.name, nil, err)
	}
}

func (s *Scheduler) Enable(name string) error {
	return s.setEnabled(name, true)
}

func (s *Scheduler) Disable(name string) error {
	return s.setEnabled(name, false)
}

func (s *Scheduler) setEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return ErrTaskNotFound
	}
	t.enabled = enabled
	return nil
}

// Reschedule swaps a task's cron expression. The old schedule stays in
// effect if the new one fails to parse.
func (s *Scheduler) Reschedule(name string, expr string) error {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return ErrTaskNotFound
	}
	t.schedule = schedule
	next := schedule.Next(time.Now())
	if next.IsZero() {
		t.nextRun = nil
	} else {
		t.nextRun = &next
	}
	return nil
}

// ForceRun starts a task immediately, outside its schedule.
func (s *Scheduler) ForceRun(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.running {
		s.mu.Unlock()
		return ErrTaskRunning
	}
	t.running = true
	now := time.Now()
	t.lastRun = &now
	s.mu.Unlock()

	go s.execute(ctx, t)
	return nil
}

// Status lists tasks in registration order.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.order))
	for _, name := range s.order {
		t := s.tasks[name]
		out = append(out, TaskStatus{
			Name:     t.name,
			Schedule: t.schedule.Expr,
			Enabled:  t.enabled,
			Running:  t.running,
			LastRun:  t.lastRun,
			NextRun:  t.nextRun,
		})
	}
	return out
}
