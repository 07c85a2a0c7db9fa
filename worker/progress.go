package worker

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
)

// Progress is a monotonic counter of finished tasks out of the run total.
type Progress struct {
	mu    sync.Mutex
	done  int
	total int
}

func NewProgress(total int) *Progress {
	return &Progress{total: total}
}

// Advance moves the counter by n and reports the task that caused it.
func (p *Progress) Advance(n int, t Task, status string) {
	p.mu.Lock()
	p.done += n
	done := p.done
	p.mu.Unlock()

	level := slog.LevelInfo
	if status == "skipped" {
		level = slog.LevelDebug
	}
	slog.Log(context.Background(), level, "Progress",
		slog.Int("done", done),
		slog.Int("total", p.total),
		slog.String("image", filepath.Base(t.SourcePath)),
		slog.String("style", t.Style.ID),
		slog.String("status", status))
}

// Current reports the task about to be sent to the backend.
func (p *Progress) Current(t Task) {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	slog.Info("Processing",
		slog.Int("done", done),
		slog.Int("total", p.total),
		slog.String("image", filepath.Base(t.SourcePath)),
		slog.String("style", t.Style.ID))
}

func (p *Progress) Done() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

