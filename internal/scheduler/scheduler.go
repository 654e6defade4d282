// Package scheduler runs starmeter's periodic background tasks: combat log
// flushing, retention pruning and stats logging.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
	// Final runs Run once more after ctx is cancelled.
	Final bool
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	mu     sync.Mutex
	tasks  []Task
	runs   map[string]uint64
	fails  map[string]uint64
	logger zerolog.Logger
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		runs:   make(map[string]uint64),
		fails:  make(map[string]uint64),
		logger: log.With().Str("component", "scheduler").Logger(),
	}
}

// Add registers a task. Tasks with a non-positive interval are skipped.
func (s *Scheduler) Add(t Task) {
	if t.Interval <= 0 || t.Run == nil {
		s.logger.Debug().Str("task", t.Name).Msg("task disabled")
		return
	}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
}

// Start runs every task on its own ticker and blocks until ctx is
// cancelled and all tasks have returned.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	tasks := append([]Task(nil), s.tasks...)
	s.mu.Unlock()

	s.logger.Info().Int("tasks", len(tasks)).Msg("scheduler started")

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			s.loop(ctx, t)
		}(t)
	}
	wg.Wait()

	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if t.Final {
				// the parent context is gone, give the last run its own deadline
				finalCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				s.runOnce(finalCtx, t)
				cancel()
			}
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t Task) {
	start := time.Now()
	err := t.Run(ctx)

	s.mu.Lock()
	s.runs[t.Name]++
	if err != nil {
		s.fails[t.Name]++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Str("task", t.Name).Msg("scheduled task failed")
		return
	}
	s.logger.Trace().Str("task", t.Name).Dur("took", time.Since(start)).Msg("scheduled task completed")
}

// Runs returns how often the named task ran and how often it failed.
func (s *Scheduler) Runs(name string) (runs, fails uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[name], s.fails[name]
}

// Flusher writes buffered data.
type Flusher interface {
	Flush() error
}

// FlushTask flushes f every interval and once more on shutdown.
func FlushTask(f Flusher, interval time.Duration) Task {
	return Task{
		Name:     "combatlog-flush",
		Interval: interval,
		Final:    true,
		Run: func(context.Context) error {
			return f.Flush()
		},
	}
}

// Pruner drops stored data older than a number of days.
type Pruner interface {
	Prune(days int, now time.Time) (int64, error)
}

// PruneTask removes sessions older than days. A zero retention disables it.
func PruneTask(p Pruner, days int, interval time.Duration, dbPath string) Task {
	if days <= 0 {
		interval = 0
	}
	logger := log.With().Str("component", "scheduler").Logger()
	return Task{
		Name:     "combatlog-prune",
		Interval: interval,
		Run: func(context.Context) error {
			n, err := p.Prune(days, time.Now())
			if err != nil {
				return fmt.Errorf("prune combat log: %w", err)
			}
			ev := logger.Info().Int64("sessions", n).Int("retention_days", days)
			if info, err := os.Stat(dbPath); err == nil {
				ev = ev.Str("db_size", formatBytes(info.Size()))
			}
			ev.Msg("combat log pruned")
			return nil
		},
	}
}

// StatsTask logs the fields returned by collect at info level.
func StatsTask(interval time.Duration, collect func(e *zerolog.Event)) Task {
	logger := log.With().Str("component", "stats").Logger()
	return Task{
		Name:     "stats",
		Interval: interval,
		Run: func(context.Context) error {
			e := logger.Info()
			collect(e)
			e.Msg("meter stats")
			return nil
		},
	}
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
