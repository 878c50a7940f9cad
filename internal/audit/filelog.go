package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/BradenHooton/perimeter/internal/models"
)

const maxLineSize = 1 << 20

// FileLog is the primary audit sink: one JSON object per line, appended
// under a mutex and optionally fsynced per write. It stays available when
// every network dependency is down.
type FileLog struct {
	mu    sync.Mutex
	f     *os.File
	path  string
	fsync bool
}

// OpenFileLog opens (creating if needed) the log at path for appending.
func OpenFileLog(path string, fsync bool) (*FileLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create audit log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileLog{f: f, path: path, fsync: fsync}, nil
}

// Path returns the file backing the log.
func (l *FileLog) Path() string {
	return l.path
}

// Append writes e as a single line.
func (l *FileLog) Append(e *models.AuditEvent) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return errors.New("audit log is closed")
	}
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	if l.fsync {
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("sync audit log: %w", err)
		}
	}
	return nil
}

// Scan calls fn for every decodable event in file order. Lines that fail to
// decode, such as a torn final write, are skipped and counted.
func (l *FileLog) Scan(fn func(e *models.AuditEvent)) (skipped int, err error) {
	f, err := os.Open(l.path)
	if err != nil {
		return 0, fmt.Errorf("open audit log for reading: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) > 0 {
			var e models.AuditEvent
			if len(line) > maxLineSize || json.Unmarshal(line, &e) != nil {
				skipped++
			} else {
				fn(&e)
			}
		}
		if errors.Is(readErr, io.EOF) {
			return skipped, nil
		}
		if readErr != nil {
			return skipped, fmt.Errorf("read audit log: %w", readErr)
		}
	}
}

// Query returns matching events newest first, capped at the filter limit.
func (l *FileLog) Query(filter models.AuditFilter) ([]models.AuditEvent, error) {
	filter = filter.Normalize()

	var matched []models.AuditEvent
	if _, err := l.Scan(func(e *models.AuditEvent) {
		if filter.Matches(e) {
			matched = append(matched, *e)
		}
	}); err != nil {
		return nil, err
	}

	sortNewestFirst(matched)
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Close flushes and closes the file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func sortNewestFirst(events []models.AuditEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Sequence > events[j].Sequence
		}
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}
