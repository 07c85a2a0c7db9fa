package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/dominantcolor"
	"github.com/google/uuid"
)

const ManifestName = "manifest.json"

type Status string

const (
	StatusDone       Status = "done"
	StatusDeclined   Status = "declined"
	StatusFailed     Status = "failed"
	StatusUnreadable Status = "unreadable"
)

type ManifestEntry struct {
	Status        Status    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts"`
	RunID         string    `json:"run_id"`
	UpdatedAt     time.Time `json:"updated_at"`
	DominantColor string    `json:"dominant_color,omitempty"`
}

// Manifest records the last outcome of every task. Completion is still
// decided by the presence of the output file; the manifest only explains
// why a task is missing.
type Manifest struct {
	mu      sync.Mutex
	path    string
	RunID   string                   `json:"-"`
	Entries map[string]ManifestEntry `json:"tasks"`
}

func LoadManifest(path string) (*Manifest, error) {
	m := &Manifest{
		path:    path,
		RunID:   uuid.NewString(),
		Entries: make(map[string]ManifestEntry),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	if err := json.Unmarshal(data, m); err != nil {
		slog.Warn("Ignoring unreadable manifest",
			slog.String("path", path),
			slog.String("error", err.Error()))
		m.Entries = make(map[string]ManifestEntry)
	}
	if m.Entries == nil {
		m.Entries = make(map[string]ManifestEntry)
	}
	return m, nil
}

func (m *Manifest) Entry(key string) (ManifestEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.Entries[key]
	return e, ok
}

// Record stores the outcome for key and rewrites the manifest file.
func (m *Manifest) Record(key string, status Status, reason, dominant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.Entries[key]
	e.Status = status
	e.Reason = reason
	e.Attempts++
	e.RunID = m.RunID
	e.UpdatedAt = time.Now().UTC()
	e.DominantColor = dominant
	m.Entries[key] = e

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(m.path, data)
}

// DominantColor returns the hex color that dominates img.
func DominantColor(img image.Image) string {
	return dominantcolor.Hex(dominantcolor.Find(img))
}
