package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Start(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockExecutor) Stop() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockExecutor) Edit(ctx context.Context, src image.Image, instruction string) (image.Image, error) {
	args := m.Called(ctx, src, instruction)
	img, _ := args.Get(0).(image.Image)
	return img, args.Error(1)
}

func newMockExecutor() *MockExecutor {
	m := new(MockExecutor)
	m.On("Start", mock.Anything).Return(nil)
	m.On("Stop").Return(nil)
	return m
}

var testStyles = []Style{
	{ID: "lego", Instruction: "Transform this image into a Lego style."},
	{ID: "sketch", Instruction: "Turn this into a pencil sketch."},
}

func withWidth(w int) interface{} {
	return mock.MatchedBy(func(img image.Image) bool { return img.Bounds().Dx() == w })
}

// writeSources creates cat.png (8x6) and dog.png (4x4) in a new directory.
func writeSources(t *testing.T) string {
	dir := t.TempDir()
	require.NoError(t, SavePNG(testImage(8, 6, color.RGBA{R: 200, A: 255}), filepath.Join(dir, "cat.png")))
	require.NoError(t, SavePNG(testImage(4, 4, color.RGBA{B: 200, A: 255}), filepath.Join(dir, "dog.png")))
	return dir
}

func newTestWorker(cfg Config, exec Executor) (*Worker, *[]time.Duration) {
	w := NewWorker(cfg, exec)
	var mu sync.Mutex
	slept := &[]time.Duration{}
	w.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*slept = append(*slept, d)
		mu.Unlock()
		return nil
	}
	return w, slept
}

func listPNGs(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".png" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func TestWorkerGeneratesEveryTask(t *testing.T) {
	sourceDir := writeSources(t)
	outputDir := filepath.Join(t.TempDir(), "after_images")

	exec := newMockExecutor()
	exec.On("Edit", mock.Anything, mock.Anything, mock.Anything).Return(testImage(4, 4, color.White), nil)

	w, _ := newTestWorker(Config{SourceDir: sourceDir, OutputDir: outputDir, Styles: testStyles}, exec)
	summary, err := w.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, Summary{Total: 4, Succeeded: 4}, summary)
	require.Equal(t, []string{"cat_lego.png", "cat_sketch.png", "dog_lego.png", "dog_sketch.png"}, listPNGs(t, outputDir))
	exec.AssertNumberOfCalls(t, "Edit", 4)
	exec.AssertNumberOfCalls(t, "Start", 1)
	exec.AssertNumberOfCalls(t, "Stop", 1)
	require.Equal(t, 4, w.progress.Done())
}

func TestWorkerIsIdempotent(t *testing.T) {
	sourceDir := writeSources(t)
	outputDir := t.TempDir()

	exec := newMockExecutor()
	exec.On("Edit", mock.Anything, mock.Anything, mock.Anything).Return(testImage(4, 4, color.White), nil)

	cfg := Config{SourceDir: sourceDir, OutputDir: outputDir, Styles: testStyles}
	w, _ := newTestWorker(cfg, exec)
	_, err := w.Run(context.Background())
	require.NoError(t, err)
	first := listPNGs(t, outputDir)

	second := newMockExecutor()
	w, _ = newTestWorker(cfg, second)
	summary, err := w.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, Summary{Total: 4, Skipped: 4}, summary)
	require.Equal(t, first, listPNGs(t, outputDir))
	second.AssertNotCalled(t, "Edit", mock.Anything, mock.Anything, mock.Anything)
	// Nothing to do, so the backend is never brought up.
	second.AssertNotCalled(t, "Start", mock.Anything)
	second.AssertNotCalled(t, "Stop")
}

func TestWorkerResumeSkipsExistingOutput(t *testing.T) {
	sourceDir := writeSources(t)
	outputDir := t.TempDir()

	existing := filepath.Join(outputDir, "cat_lego.png")
	require.NoError(t, os.WriteFile(existing, []byte("already here"), 0o644))

	exec := newMockExecutor()
	exec.On("Edit", mock.Anything, mock.Anything, mock.Anything).Return(testImage(4, 4, color.White), nil)

	w, _ := newTestWorker(Config{SourceDir: sourceDir, OutputDir: outputDir, Styles: testStyles}, exec)
	summary, err := w.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, Summary{Total: 4, Skipped: 1, Succeeded: 3}, summary)
	exec.AssertNumberOfCalls(t, "Edit", 3)
	exec.AssertNotCalled(t, "Edit", mock.Anything, withWidth(8), testStyles[0].Instruction)

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	require.Equal(t, "already here", string(data))
}

func TestWorkerPartitionsOutcomes(t *testing.T) {
	sourceDir := writeSources(t)
	outputDir := t.TempDir()

	exec := newMockExecutor()
	// cat: lego succeeds, sketch is declined.
	exec.On("Edit", mock.Anything, withWidth(8), testStyles[0].Instruction).Return(testImage(4, 4, color.White), nil)
	exec.On("Edit", mock.Anything, withWidth(8), testStyles[1].Instruction).Return(nil, Declined("safety filter"))
	// dog: lego fails with a transient error, sketch succeeds.
	exec.On("Edit", mock.Anything, withWidth(4), testStyles[0].Instruction).Return(nil, errors.New("429 rate limited"))
	exec.On("Edit", mock.Anything, withWidth(4), testStyles[1].Instruction).Return(testImage(4, 4, color.White), nil)

	w, slept := newTestWorker(Config{
		SourceDir: sourceDir,
		OutputDir: outputDir,
		Styles:    testStyles,
		Cooldown:  5 * time.Second,
		Manifest:  true,
	}, exec)
	summary, err := w.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, Summary{Total: 4, Succeeded: 2, Declined: 1, Failed: 1}, summary)
	require.Equal(t, summary.Total, summary.Skipped+summary.Succeeded+summary.Declined+summary.Failed+summary.Unreadable)
	require.Equal(t, []string{"cat_lego.png", "dog_sketch.png"}, listPNGs(t, outputDir))

	// One cool-down after the failure, no same-task retry.
	require.Contains(t, *slept, 5*time.Second)
	exec.AssertNumberOfCalls(t, "Edit", 4)

	m, err := LoadManifest(filepath.Join(outputDir, ManifestName))
	require.NoError(t, err)

	e, ok := m.Entry("cat_sketch")
	require.True(t, ok)
	require.Equal(t, StatusDeclined, e.Status)
	require.Equal(t, "safety filter", e.Reason)

	e, ok = m.Entry("dog_lego")
	require.True(t, ok)
	require.Equal(t, StatusFailed, e.Status)
	require.Equal(t, 1, e.Attempts)

	e, ok = m.Entry("cat_lego")
	require.True(t, ok)
	require.Equal(t, StatusDone, e.Status)
	require.NotEmpty(t, e.DominantColor)

	// The next run only retries the incomplete tasks.
	retry := newMockExecutor()
	retry.On("Edit", mock.Anything, mock.Anything, mock.Anything).Return(testImage(4, 4, color.White), nil)
	w, _ = newTestWorker(Config{SourceDir: sourceDir, OutputDir: outputDir, Styles: testStyles, Manifest: true}, retry)
	summary, err = w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Summary{Total: 4, Skipped: 2, Succeeded: 2}, summary)
	retry.AssertNumberOfCalls(t, "Edit", 2)

	m, err = LoadManifest(filepath.Join(outputDir, ManifestName))
	require.NoError(t, err)
	e, _ = m.Entry("dog_lego")
	require.Equal(t, StatusDone, e.Status)
	require.Equal(t, 2, e.Attempts)
}

func TestWorkerSkipsUnreadableSource(t *testing.T) {
	sourceDir := writeSources(t)
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "broken.png"), []byte("not an image"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "notes.txt"), []byte("ignored"), 0o644))
	outputDir := t.TempDir()

	exec := newMockExecutor()
	exec.On("Edit", mock.Anything, mock.Anything, mock.Anything).Return(testImage(4, 4, color.White), nil)

	w, _ := newTestWorker(Config{SourceDir: sourceDir, OutputDir: outputDir, Styles: testStyles}, exec)
	summary, err := w.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, Summary{Total: 6, Succeeded: 4, Unreadable: 2}, summary)
	exec.AssertNumberOfCalls(t, "Edit", 4)
	require.Equal(t, 6, w.progress.Done())
}

func TestWorkerNoSourceImages(t *testing.T) {
	exec := newMockExecutor()
	w, _ := newTestWorker(Config{SourceDir: t.TempDir(), OutputDir: t.TempDir(), Styles: testStyles}, exec)

	_, err := w.Run(context.Background())
	require.ErrorIs(t, err, ErrNoSourceImages)
	exec.AssertNotCalled(t, "Start", mock.Anything)
}

func TestWorkerStylesFor(t *testing.T) {
	sourceDir := writeSources(t)
	outputDir := t.TempDir()

	exec := newMockExecutor()
	exec.On("Edit", mock.Anything, mock.Anything, mock.Anything).Return(testImage(4, 4, color.White), nil)

	w, _ := newTestWorker(Config{
		SourceDir: sourceDir,
		OutputDir: outputDir,
		Styles:    testStyles,
		StylesFor: func(base string) []Style {
			if base == "dog" {
				return testStyles[1:]
			}
			return testStyles
		},
	}, exec)
	summary, err := w.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, Summary{Total: 3, Succeeded: 3}, summary)
	require.Equal(t, []string{"cat_lego.png", "cat_sketch.png", "dog_sketch.png"}, listPNGs(t, outputDir))
}

func TestWorkerConcurrent(t *testing.T) {
	sourceDir := t.TempDir()
	for i := 0; i < 5; i++ {
		require.NoError(t, SavePNG(testImage(4, 4, color.White), filepath.Join(sourceDir, fmt.Sprintf("img%d.png", i))))
	}
	outputDir := t.TempDir()

	exec := newMockExecutor()
	exec.On("Edit", mock.Anything, mock.Anything, mock.Anything).Return(testImage(4, 4, color.Black), nil)

	w, _ := newTestWorker(Config{SourceDir: sourceDir, OutputDir: outputDir, Styles: testStyles, Concurrency: 3}, exec)
	summary, err := w.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, Summary{Total: 10, Succeeded: 10}, summary)
	require.Len(t, listPNGs(t, outputDir), 10)
	exec.AssertNumberOfCalls(t, "Edit", 10)
	exec.AssertNumberOfCalls(t, "Start", 1)
}

func TestWorkerStartFailure(t *testing.T) {
	sourceDir := writeSources(t)
	outputDir := t.TempDir()

	exec := new(MockExecutor)
	exec.On("Start", mock.Anything).Return(errors.New("docker unavailable"))

	w, _ := newTestWorker(Config{SourceDir: sourceDir, OutputDir: outputDir, Styles: testStyles}, exec)
	summary, err := w.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, Summary{Total: 4, Failed: 4}, summary)
	require.Empty(t, listPNGs(t, outputDir))
	exec.AssertNumberOfCalls(t, "Start", 1)
	exec.AssertNotCalled(t, "Stop")
}

func TestWorkerCanceled(t *testing.T) {
	sourceDir := writeSources(t)
	outputDir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := newMockExecutor()
	w, _ := newTestWorker(Config{SourceDir: sourceDir, OutputDir: outputDir, Styles: testStyles}, exec)
	_, err := w.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	exec.AssertNotCalled(t, "Edit", mock.Anything, mock.Anything, mock.Anything)
	require.Empty(t, listPNGs(t, outputDir))
}

func TestTaskKeyAndOutputPath(t *testing.T) {
	require.Equal(t, "cat_van_gogh", TaskKey("cat", "van_gogh"))
	require.Equal(t, filepath.Join("after_images", "cat_van_gogh.png"), OutputPath("after_images", "cat", "van_gogh"))
}

func TestIsDeclined(t *testing.T) {
	reason, ok := IsDeclined(fmt.Errorf("gemini: %w", Declined("blocked")))
	require.True(t, ok)
	require.Equal(t, "blocked", reason)

	_, ok = IsDeclined(errors.New("timeout"))
	require.False(t, ok)
}

func TestWorkerSourcesSharingBaseName(t *testing.T) {
	sourceDir := t.TempDir()
	require.NoError(t, imaging.Save(testImage(6, 6, color.RGBA{G: 200, A: 255}), filepath.Join(sourceDir, "cat.jpg")))
	require.NoError(t, SavePNG(testImage(8, 8, color.RGBA{R: 200, A: 255}), filepath.Join(sourceDir, "cat.png")))
	outputDir := t.TempDir()

	exec := newMockExecutor()
	exec.On("Edit", mock.Anything, mock.Anything, mock.Anything).
		After(20*time.Millisecond).
		Return(testImage(4, 4, color.White), nil)

	w, _ := newTestWorker(Config{SourceDir: sourceDir, OutputDir: outputDir, Styles: testStyles[:1]}, exec)
	summary, err := w.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, Summary{Total: 2, Skipped: 1, Succeeded: 1}, summary)
	exec.AssertNumberOfCalls(t, "Edit", 1)
	// cat.jpg sorts first and owns the output.
	exec.AssertCalled(t, "Edit", mock.Anything, withWidth(6), testStyles[0].Instruction)
	require.Equal(t, []string{"cat_lego.png"}, listPNGs(t, outputDir))
}

func TestWorkerRunTaskRechecksOutput(t *testing.T) {
	outputDir := t.TempDir()
	task := Task{
		SourcePath: "cat.png",
		BaseName:   "cat",
		Style:      testStyles[0],
		OutputPath: OutputPath(outputDir, "cat", testStyles[0].ID),
	}
	require.NoError(t, os.WriteFile(task.OutputPath, []byte("written meanwhile"), 0o644))

	exec := new(MockExecutor)
	w, _ := newTestWorker(Config{OutputDir: outputDir, Styles: testStyles[:1]}, exec)
	w.progress = NewProgress(1)

	w.runTask(context.Background(), job{task: task, src: testImage(4, 4, color.White)})

	require.Equal(t, Summary{Skipped: 1}, w.summary)
	exec.AssertNotCalled(t, "Start", mock.Anything)
	exec.AssertNotCalled(t, "Edit", mock.Anything, mock.Anything, mock.Anything)
}

func TestWorkerRequestsPerMinute(t *testing.T) {
	sourceDir := writeSources(t)
	outputDir := t.TempDir()

	var mu sync.Mutex
	var calls []time.Time
	exec := newMockExecutor()
	exec.On("Edit", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			mu.Lock()
			calls = append(calls, time.Now())
			mu.Unlock()
		}).
		Return(testImage(4, 4, color.White), nil)

	// 600 per minute is one request every 100ms, shared by both workers.
	w, _ := newTestWorker(Config{
		SourceDir:         sourceDir,
		OutputDir:         outputDir,
		Styles:            testStyles,
		Concurrency:       2,
		RequestsPerMinute: 600,
	}, exec)
	summary, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Summary{Total: 4, Succeeded: 4}, summary)

	// Four requests need three intervals of 100ms.
	require.Len(t, calls, 4)
	sort.Slice(calls, func(i, j int) bool { return calls[i].Before(calls[j]) })
	require.GreaterOrEqual(t, calls[3].Sub(calls[0]), 250*time.Millisecond)
}

func TestWorkerCooldownIsShared(t *testing.T) {
	sourceDir := t.TempDir()
	require.NoError(t, SavePNG(testImage(4, 4, color.White), filepath.Join(sourceDir, "cat.png")))
	outputDir := t.TempDir()

	styles := []Style{
		{ID: "broken", Instruction: "fail"},
		{ID: "slow", Instruction: "slow"},
		{ID: "later", Instruction: "later"},
	}
	const cooldown = time.Hour

	failed := make(chan struct{})
	waited := make(chan struct{})
	var failOnce, waitOnce sync.Once

	exec := newMockExecutor()
	exec.On("Edit", mock.Anything, mock.Anything, "fail").Return(nil, errors.New("upstream 503"))
	exec.On("Edit", mock.Anything, mock.Anything, "slow").
		Run(func(mock.Arguments) { <-failed }).
		Return(testImage(4, 4, color.White), nil)
	exec.On("Edit", mock.Anything, mock.Anything, "later").Return(testImage(4, 4, color.White), nil)

	w := NewWorker(Config{
		SourceDir:   sourceDir,
		OutputDir:   outputDir,
		Styles:      styles,
		Concurrency: 2,
		Cooldown:    cooldown,
	}, exec)

	var mu sync.Mutex
	var pauses []time.Duration
	w.sleep = func(ctx context.Context, d time.Duration) error {
		if d == cooldown {
			// The failing worker holds its cool-down until the other worker
			// has been paused by it.
			failOnce.Do(func() { close(failed) })
			select {
			case <-waited:
			case <-time.After(5 * time.Second):
				t.Error("other worker was never paused")
			}
			return nil
		}
		mu.Lock()
		pauses = append(pauses, d)
		mu.Unlock()
		waitOnce.Do(func() { close(waited) })
		return nil
	}

	summary, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Summary{Total: 3, Succeeded: 2, Failed: 1}, summary)

	require.NotEmpty(t, pauses)
	for _, d := range pauses {
		require.Greater(t, d, cooldown-time.Minute)
		require.Less(t, d, cooldown)
	}
	exec.AssertNumberOfCalls(t, "Edit", 3)
}

func TestWorkerLogsCurrentTask(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	sourceDir := writeSources(t)
	exec := newMockExecutor()
	exec.On("Edit", mock.Anything, mock.Anything, mock.Anything).Return(testImage(4, 4, color.White), nil)

	w, _ := newTestWorker(Config{SourceDir: sourceDir, OutputDir: t.TempDir(), Styles: testStyles}, exec)
	_, err := w.Run(context.Background())
	require.NoError(t, err)

	out := buf.String()
	processing := strings.Index(out, "msg=Processing done=0 total=4 image=cat.png style=lego")
	finished := strings.Index(out, "msg=Progress done=1 total=4 image=cat.png style=lego")
	require.GreaterOrEqual(t, processing, 0)
	require.Greater(t, finished, processing)
}
