package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yegors/skywarden/pkg/logger"
)

// ErrTaskNotFound is returned for unknown task names
var ErrTaskNotFound = errors.New("task not found")

// DefaultTaskTimeout bounds a single task run
const DefaultTaskTimeout = time.Minute

// TaskFunc is the body of a scheduled task
type TaskFunc func(ctx context.Context) error

// TaskInfo is a point-in-time view of a task
type TaskInfo struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	LastRun    time.Time `json:"last_run"`
	NextRun    time.Time `json:"next_run"`
	RunCount   int64     `json:"run_count"`
	ErrorCount int64     `json:"error_count"`
	LastError  string    `json:"last_error,omitempty"`
}

type task struct {
	info    TaskInfo
	fn      TaskFunc
	entryID cron.EntryID
	running sync.Mutex
}

// Scheduler runs named maintenance tasks on cron schedules
type Scheduler struct {
	cron    *cron.Cron
	logger  *logger.Logger
	timeout time.Duration

	mu    sync.RWMutex
	tasks map[string]*task

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. Schedules accept an optional seconds field and
// descriptors such as "@every 1m".
func New(timeout time.Duration, log *logger.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		logger:  log.Named("scheduler"),
		timeout: timeout,
		tasks:   make(map[string]*task),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddTask registers fn under name with a cron schedule
func (s *Scheduler) AddTask(name, schedule string, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task %s already exists", name)
	}

	t := &task{info: TaskInfo{Name: name, Schedule: schedule}, fn: fn}
	id, err := s.cron.AddFunc(schedule, func() { s.execute(t) })
	if err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", name, err)
	}
	t.entryID = id
	s.tasks[name] = t

	s.logger.Debug("Task scheduled", logger.String("task", name), logger.String("schedule", schedule))
	return nil
}

// RemoveTask unschedules a task
func (s *Scheduler) RemoveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	s.cron.Remove(t.entryID)
	delete(s.tasks, name)
	return nil
}

// RunNow executes a task immediately on the caller's goroutine
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	t, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return s.execute(t)
}

// Start begins firing schedules
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", logger.Int("tasks", len(s.Tasks())))
}

// Stop waits for running tasks to finish
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// Tasks returns every task sorted by name
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.running.Lock()
		info := t.info
		t.running.Unlock()
		info.NextRun = s.cron.Entry(t.entryID).Next
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// execute runs one task; overlapping runs of the same task are serialized
func (s *Scheduler) execute(t *task) (err error) {
	t.running.Lock()
	defer t.running.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	t.info.LastRun = start.UTC()
	t.info.RunCount++

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.info.Name, r)
		}
		if err != nil {
			t.info.ErrorCount++
			t.info.LastError = err.Error()
			s.logger.Error("Scheduled task failed",
				logger.String("task", t.info.Name),
				logger.Duration("execution_time", time.Since(start)),
				logger.Error(err),
			)
			return
		}
		t.info.LastError = ""
		s.logger.Debug("Scheduled task completed",
			logger.String("task", t.info.Name),
			logger.Duration("execution_time", time.Since(start)),
		)
	}()

	return t.fn(ctx)
}
