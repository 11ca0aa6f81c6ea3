package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/reminder-engine/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task is a named background loop. Start blocks until ctx is done; RunOnce
// performs a single iteration.
type Task struct {
	Name    string
	Enabled bool
	Start   func(ctx context.Context) error
	RunOnce func(ctx context.Context) error
}

type TaskStatus struct {
	Name      string     `json:"name"`
	Enabled   bool       `json:"enabled"`
	Running   bool       `json:"running"`
	Runs      int64      `json:"manualRuns"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	LastError string     `json:"lastError,omitempty"`
}

type taskState struct {
	task      Task
	running   bool
	runs      int64
	lastRunAt time.Time
	lastError string
}

// Background owns the process's named loops.
type Background struct {
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	order []string
	tasks map[string]*taskState
}

func NewBackground(logger *zap.Logger) *Background {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Background{
		logger: logger.Named("background"),
		now:    time.Now,
		tasks:  make(map[string]*taskState),
	}
}

func (b *Background) Register(t Task) error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("%w: task name is required", domain.ErrValidation)
	}
	if t.Start == nil || t.RunOnce == nil {
		return fmt.Errorf("%w: task %s needs Start and RunOnce", domain.ErrValidation, t.Name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.tasks[t.Name]; ok {
		return fmt.Errorf("%w: task %s already registered", domain.ErrConflict, t.Name)
	}
	b.tasks[t.Name] = &taskState{task: t}
	b.order = append(b.order, t.Name)
	return nil
}

// Run starts every enabled task and waits for all of them to return. The
// first task error cancels the others.
func (b *Background) Run(ctx context.Context) error {
	b.mu.Lock()
	var enabled []*taskState
	for _, name := range b.order {
		st := b.tasks[name]
		if st.task.Enabled {
			enabled = append(enabled, st)
		} else {
			b.logger.Info("background task disabled", zap.String("task", name))
		}
	}
	b.mu.Unlock()

	g, groupCtx := errgroup.WithContext(ctx)
	for _, st := range enabled {
		g.Go(func() error {
			name := st.task.Name
			b.setRunning(st, true)
			defer b.setRunning(st, false)

			b.logger.Info("background task started", zap.String("task", name))
			if err := st.task.Start(groupCtx); err != nil {
				b.logger.Error("background task stopped with error", zap.String("task", name), zap.Error(err))
				return fmt.Errorf("background task %s: %w", name, err)
			}
			b.logger.Info("background task stopped", zap.String("task", name))
			return nil
		})
	}
	return g.Wait()
}

// RunNow runs one iteration of the named task, whether or not it is enabled.
func (b *Background) RunNow(ctx context.Context, name string) error {
	b.mu.Lock()
	st, ok := b.tasks[name]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: background task %s", domain.ErrNotFound, name)
	}

	err := st.task.RunOnce(ctx)

	b.mu.Lock()
	st.runs++
	st.lastRunAt = b.now()
	st.lastError = ""
	if err != nil {
		st.lastError = err.Error()
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Warn("manual task run failed", zap.String("task", name), zap.Error(err))
		return err
	}
	b.logger.Info("manual task run completed", zap.String("task", name))
	return nil
}

func (b *Background) Status() []TaskStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]TaskStatus, 0, len(b.order))
	for _, name := range b.order {
		st := b.tasks[name]
		s := TaskStatus{
			Name:      name,
			Enabled:   st.task.Enabled,
			Running:   st.running,
			Runs:      st.runs,
			LastError: st.lastError,
		}
		if !st.lastRunAt.IsZero() {
			at := st.lastRunAt
			s.LastRunAt = &at
		}
		out = append(out, s)
	}
	return out
}

func (b *Background) setRunning(st *taskState, running bool) {
	b.mu.Lock()
	st.running = running
	b.mu.Unlock()
}
