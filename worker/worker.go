package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/time/rate"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var ErrNoSourceImages = errors.New("no source images found")

// ImageExtensions are the raster formats picked up from a source directory.
var ImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".webp": true,
}

type Style struct {
	ID          string
	Instruction string
}

// Executor edits one image according to a text instruction. A refusal to
// generate is reported by returning an error that wraps *DeclinedError; any
// other error is treated as a transient failure.
type Executor interface {
	Start(context.Context) error
	Stop() error
	Edit(ctx context.Context, src image.Image, instruction string) (image.Image, error)
}

type DeclinedError struct {
	Reason string
}

func (e *DeclinedError) Error() string {
	return "declined: " + e.Reason
}

func Declined(reason string) error {
	return &DeclinedError{Reason: reason}
}

// IsDeclined reports whether err is a backend refusal and returns its reason.
func IsDeclined(err error) (string, bool) {
	var de *DeclinedError
	if errors.As(err, &de) {
		return de.Reason, true
	}
	return "", false
}

type Task struct {
	SourcePath string
	BaseName   string
	Style      Style
	OutputPath string

	// shadowed is set when an earlier source with the same base name already
	// owns this task key.
	shadowed bool
}

func (t Task) Key() string {
	return TaskKey(t.BaseName, t.Style.ID)
}

func TaskKey(baseName, styleID string) string {
	return baseName + "_" + styleID
}

// OutputPath is where the result of (baseName, styleID) is stored.
func OutputPath(outputDir, baseName, styleID string) string {
	return filepath.Join(outputDir, TaskKey(baseName, styleID)+".png")
}

// Complete reports whether the task output exists.
func (t Task) Complete() bool {
	info, err := os.Stat(t.OutputPath)
	return err == nil && info.Mode().IsRegular()
}

type Config struct {
	SourceDir string
	OutputDir string
	Styles    []Style
	// StylesFor overrides Styles per image base name when set.
	StylesFor func(baseName string) []Style

	Cooldown          time.Duration
	Concurrency       int
	RequestsPerMinute int
	Manifest          bool
}

type Summary struct {
	Total      int
	Skipped    int
	Succeeded  int
	Declined   int
	Failed     int
	Unreadable int
}

type Worker struct {
	cfg      Config
	executor Executor
	limiter  *rate.Limiter
	manifest *Manifest
	progress *Progress

	startOnce sync.Once
	startErr  error
	started   bool

	mu         sync.Mutex
	pauseUntil time.Time
	summary    Summary

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewWorker(cfg Config, executor Executor) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}

	return &Worker{
		cfg:      cfg,
		executor: executor,
		limiter:  limiter,
		sleep:    sleepContext,
	}
}

type job struct {
	task Task
	src  image.Image
}

// Run applies every style to every source image, skipping tasks whose output
// already exists. Per-task errors are logged and counted, not returned.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	images, err := ListImages(w.cfg.SourceDir)
	if err != nil {
		return Summary{}, err
	}
	if len(images) == 0 {
		return Summary{}, fmt.Errorf("%w in %s", ErrNoSourceImages, w.cfg.SourceDir)
	}

	if err := os.MkdirAll(w.cfg.OutputDir, 0o755); err != nil {
		return Summary{}, err
	}

	if w.cfg.Manifest {
		w.manifest, err = LoadManifest(filepath.Join(w.cfg.OutputDir, ManifestName))
		if err != nil {
			return Summary{}, err
		}
	}

	tasksByImage := make([][]Task, len(images))
	owners := make(map[string]string)
	total := 0
	for i, p := range images {
		tasks := w.tasksFor(p)
		for j := range tasks {
			key := tasks[j].Key()
			if owner, ok := owners[key]; ok {
				slog.Warn("Source shares its output with an earlier source",
					slog.String("task", key),
					slog.String("path", p),
					slog.String("owner", owner))
				tasks[j].shadowed = true
				continue
			}
			owners[key] = p
		}
		tasksByImage[i] = tasks
		total += len(tasks)
	}
	w.summary = Summary{Total: total}
	w.progress = NewProgress(total)

	slog.Info("Starting generation",
		slog.Int("images", len(images)),
		slog.Int("tasks", total),
		slog.Int("concurrency", w.cfg.Concurrency))

	jobs := make(chan job)
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				w.runTask(ctx, j)
			}
		}()
	}

	runErr := w.dispatch(ctx, tasksByImage, jobs)
	close(jobs)
	wg.Wait()

	if w.started {
		if err := w.executor.Stop(); err != nil {
			slog.Error("Error stopping executor", slog.String("error", err.Error()))
		}
	}
	if w.startErr != nil && runErr == nil {
		runErr = fmt.Errorf("start executor: %w", w.startErr)
	}

	w.mu.Lock()
	summary := w.summary
	w.mu.Unlock()

	if runErr == nil {
		runErr = ctx.Err()
	}
	return summary, runErr
}

func (w *Worker) tasksFor(sourcePath string) []Task {
	base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))

	styles := w.cfg.Styles
	if w.cfg.StylesFor != nil {
		styles = w.cfg.StylesFor(base)
	}

	tasks := make([]Task, 0, len(styles))
	for _, s := range styles {
		tasks = append(tasks, Task{
			SourcePath: sourcePath,
			BaseName:   base,
			Style:      s,
			OutputPath: OutputPath(w.cfg.OutputDir, base, s.ID),
		})
	}
	return tasks
}

func (w *Worker) dispatch(ctx context.Context, tasksByImage [][]Task, jobs chan<- job) error {
	for _, tasks := range tasksByImage {
		var pending []Task
		for _, t := range tasks {
			if t.shadowed || t.Complete() {
				w.count(func(s *Summary) { s.Skipped++ })
				w.progress.Advance(1, t, "skipped")
				continue
			}
			pending = append(pending, t)
		}
		if len(pending) == 0 {
			continue
		}

		src, err := imaging.Open(pending[0].SourcePath)
		if err != nil {
			slog.Error("Error reading source image",
				slog.String("path", pending[0].SourcePath),
				slog.String("error", err.Error()))
			for _, t := range pending {
				w.record(t, StatusUnreadable, err.Error(), nil)
			}
			w.count(func(s *Summary) { s.Unreadable += len(pending) })
			w.progress.Advance(len(pending), pending[0], "unreadable")
			continue
		}

		for _, t := range pending {
			select {
			case jobs <- job{task: t, src: src}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (w *Worker) runTask(ctx context.Context, j job) {
	t := j.task
	if ctx.Err() != nil {
		return
	}

	// The output may have appeared since the task was queued.
	if t.Complete() {
		w.count(func(s *Summary) { s.Skipped++ })
		w.progress.Advance(1, t, "skipped")
		return
	}

	if err := w.waitTurn(ctx); err != nil {
		return
	}

	if err := w.warm(ctx); err != nil {
		w.record(t, StatusFailed, err.Error(), nil)
		w.count(func(s *Summary) { s.Failed++ })
		w.progress.Advance(1, t, "failed")
		return
	}

	w.progress.Current(t)
	if w.manifest != nil {
		if prev, ok := w.manifest.Entry(t.Key()); ok && prev.Status != StatusDone {
			slog.Info("Retrying task",
				slog.String("task", t.Key()),
				slog.String("lastStatus", string(prev.Status)),
				slog.Int("attempts", prev.Attempts))
		}
	}

	out, err := w.executor.Edit(ctx, j.src, t.Style.Instruction)
	if err != nil {
		if reason, ok := IsDeclined(err); ok {
			slog.Warn("Generation declined",
				slog.String("task", t.Key()),
				slog.String("reason", reason))
			w.record(t, StatusDeclined, reason, nil)
			w.count(func(s *Summary) { s.Declined++ })
			w.progress.Advance(1, t, "declined")
			return
		}
		if ctx.Err() != nil {
			return
		}
		slog.Error("Error generating image",
			slog.String("task", t.Key()),
			slog.String("error", err.Error()))
		w.fail(ctx, t, err)
		return
	}

	if err := SavePNG(out, t.OutputPath); err != nil {
		slog.Error("Error saving output",
			slog.String("outputPath", t.OutputPath),
			slog.String("error", err.Error()))
		w.record(t, StatusFailed, err.Error(), nil)
		w.count(func(s *Summary) { s.Failed++ })
		w.progress.Advance(1, t, "failed")
		return
	}

	slog.Debug("Output written", slog.String("outputPath", t.OutputPath))
	w.record(t, StatusDone, "", out)
	w.count(func(s *Summary) { s.Succeeded++ })
	w.progress.Advance(1, t, "done")
}

// fail records a transient failure and holds every worker for the cool-down.
func (w *Worker) fail(ctx context.Context, t Task, err error) {
	w.record(t, StatusFailed, err.Error(), nil)
	w.count(func(s *Summary) { s.Failed++ })
	w.progress.Advance(1, t, "failed")

	if w.cfg.Cooldown <= 0 {
		return
	}
	w.mu.Lock()
	until := time.Now().Add(w.cfg.Cooldown)
	if until.After(w.pauseUntil) {
		w.pauseUntil = until
	}
	w.mu.Unlock()

	w.sleep(ctx, w.cfg.Cooldown)
}

func (w *Worker) waitTurn(ctx context.Context) error {
	w.mu.Lock()
	wait := time.Until(w.pauseUntil)
	w.mu.Unlock()
	if wait > 0 {
		if err := w.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return w.limiter.Wait(ctx)
}

// warm starts the executor on first use so runs with nothing left to do never
// bring up a backend.
func (w *Worker) warm(ctx context.Context) error {
	w.startOnce.Do(func() {
		slog.Info("Warming executor")
		w.startErr = w.executor.Start(ctx)
		if w.startErr != nil {
			slog.Error("Error starting executor", slog.String("error", w.startErr.Error()))
		} else {
			w.mu.Lock()
			w.started = true
			w.mu.Unlock()
			slog.Info("Executor is up")
		}
	})
	return w.startErr
}

func (w *Worker) count(fn func(*Summary)) {
	w.mu.Lock()
	fn(&w.summary)
	w.mu.Unlock()
}

func (w *Worker) record(t Task, status Status, reason string, out image.Image) {
	if w.manifest == nil {
		return
	}
	var dominant string
	if out != nil {
		dominant = DominantColor(out)
	}
	if err := w.manifest.Record(t.Key(), status, reason, dominant); err != nil {
		slog.Error("Error writing manifest", slog.String("error", err.Error()))
	}
}

// ListImages returns the recognized raster files in dir sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !ImageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
