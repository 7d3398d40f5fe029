package detection

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quadruped-control/qcc/internal/device"
)

// Detection is one object reported by the external detector.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// Entry is one persisted alert.
type Entry struct {
	ID         uint64    `json:"id"`
	Timestamp  time.Time `json:"ts"`
	Class      string    `json:"class"`
	Count      int       `json:"count"`
	Confidence float64   `json:"maxConfidence"`
	Snapshot   string    `json:"snapshot,omitempty"`
	Source     string    `json:"cameraSource"`
}

// Thumbnailer downsizes an encoded frame payload for the snapshot file.
// Image decoding and resizing live outside the core; the default keeps
// the payload as-is.
type Thumbnailer func(payload []byte) []byte

// maxRecent bounds the in-memory entry list served to status polls.
const maxRecent = 100

// Logger writes alert entries with a minimum interval between entries of
// the same detection class.
type Logger struct {
	mu       sync.Mutex
	dir      string
	cooldown time.Duration
	file     *os.File
	thumb    Thumbnailer
	now      func() time.Time

	nextID   uint64
	lastSeen map[string]time.Time
	recent   []Entry
}

// NewLogger creates an alert logger rooted at dir. Entries are appended
// to alerts.jsonl; snapshots land in dir/snapshots.
func NewLogger(dir string, cooldown time.Duration, thumb Thumbnailer) (*Logger, error) {
	if err := os.MkdirAll(filepath.Join(dir, "snapshots"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(dir, "alerts.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open alert log: %w", err)
	}
	if thumb == nil {
		thumb = func(payload []byte) []byte { return payload }
	}
	return &Logger{
		dir:      dir,
		cooldown: cooldown,
		file:     file,
		thumb:    thumb,
		now:      time.Now,
		nextID:   1,
		lastSeen: make(map[string]time.Time),
	}, nil
}

// Log records the detections found in frame, honoring the per-class
// cooldown. It reports whether a new entry was written.
func (l *Logger) Log(frame device.VideoFrame, detections []Detection) bool {
	if len(detections) == 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	byClass := make(map[string][]Detection)
	for _, d := range detections {
		byClass[d.Class] = append(byClass[d.Class], d)
	}

	logged := false
	for class, hits := range byClass {
		if last, ok := l.lastSeen[class]; ok && now.Sub(last) < l.cooldown {
			continue
		}
		l.lastSeen[class] = now

		maxConf := 0.0
		for _, d := range hits {
			if d.Confidence > maxConf {
				maxConf = d.Confidence
			}
		}

		entry := Entry{
			ID:         l.nextID,
			Timestamp:  now,
			Class:      class,
			Count:      len(hits),
			Confidence: maxConf,
			Source:     frame.Source,
		}
		l.nextID++

		if len(frame.Payload) > 0 {
			entry.Snapshot = l.writeSnapshot(entry.ID, frame)
		}
		l.appendEntry(entry)
		logged = true
	}
	return logged
}

// writeSnapshot stores the downsized frame next to the log and returns
// the file name, or empty on failure. A failed snapshot never blocks the
// entry itself.
func (l *Logger) writeSnapshot(id uint64, frame device.VideoFrame) string {
	name := fmt.Sprintf("alert_%06d.bin", id)
	path := filepath.Join(l.dir, "snapshots", name)
	if err := os.WriteFile(path, l.thumb(frame.Payload), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write snapshot %s: %v\n", name, err)
		return ""
	}
	return name
}

// appendEntry writes the entry to the JSONL file and the recent list.
func (l *Logger) appendEntry(entry Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal alert entry: %v\n", err)
		return
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write alert entry: %v\n", err)
		return
	}

	l.recent = append(l.recent, entry)
	if len(l.recent) > maxRecent {
		l.recent = l.recent[len(l.recent)-maxRecent:]
	}
}

// Recent returns up to limit of the newest entries, oldest first.
func (l *Logger) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.recent) {
		limit = len(l.recent)
	}
	out := make([]Entry, limit)
	copy(out, l.recent[len(l.recent)-limit:])
	return out
}

// Stats summarizes logger activity.
type Stats struct {
	Total    uint64        `json:"total"`
	Cooldown time.Duration `json:"cooldown"`
}

// Stats returns the entry count and configured cooldown.
func (l *Logger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Total: l.nextID - 1, Cooldown: l.cooldown}
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
