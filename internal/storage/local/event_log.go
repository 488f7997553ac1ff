package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/title-fanout/internal/fanout"
)

var validRunID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const eventsDir = "events"

// EventLog appends each run's history as JSON lines to <base>/events/<run>.jsonl.
// Every append is fsynced before it returns.
type EventLog struct {
	dir    string
	logger *zap.Logger

	mu   sync.Mutex
	seqs map[string]int64
}

// NewEventLog creates the events directory below cfg.BaseDir.
func NewEventLog(cfg Config, logger *zap.Logger) (*EventLog, error) {
	if err := ensureDir(cfg.BaseDir); err != nil {
		return nil, err
	}
	dir := filepath.Join(cfg.BaseDir, eventsDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create events directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventLog{dir: dir, logger: logger, seqs: make(map[string]int64)}, nil
}

// Append assigns sequence numbers and writes events in one write call.
func (l *EventLog) Append(_ context.Context, runID string, events ...fanout.Event) error {
	path, err := l.path(runID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	seq, ok := l.seqs[runID]
	if !ok {
		var err error
		if seq, err = l.recover(runID, path); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	for _, evt := range events {
		seq++
		evt.Seq = seq
		line, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	// #nosec G304 -- path is built from a validated run ID below the log directory.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open event file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		delete(l.seqs, runID)
		return fmt.Errorf("write events: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		delete(l.seqs, runID)
		return fmt.Errorf("sync events: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close event file: %w", err)
	}
	l.seqs[runID] = seq
	return nil
}

// Load reads a run's history ordered by sequence.
func (l *EventLog) Load(_ context.Context, runID string) ([]fanout.Event, error) {
	path, err := l.path(runID)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	history, _, err := l.read(runID, path)
	return history, err
}

// recover returns the last sequence number on disk, cutting off a torn tail so
// the next append starts on a clean line.
func (l *EventLog) recover(runID, path string) (int64, error) {
	history, valid, err := l.read(runID, path)
	if err != nil && !errors.Is(err, fanout.ErrNotFound) {
		return 0, err
	}
	if info, statErr := os.Stat(path); statErr == nil && info.Size() > valid {
		if err := os.Truncate(path, valid); err != nil {
			return 0, fmt.Errorf("truncate torn event file: %w", err)
		}
	}
	if valid > 0 {
		if err := terminateLine(path, valid); err != nil {
			return 0, err
		}
	}
	if n := len(history); n > 0 {
		return history[n-1].Seq, nil
	}
	return 0, nil
}

// OpenRuns scans every history file for runs without a terminal event.
func (l *EventLog) OpenRuns(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read events directory: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var open []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".jsonl" {
			continue
		}
		runID := strings.TrimSuffix(name, ".jsonl")
		history, _, err := l.read(runID, filepath.Join(l.dir, name))
		if err != nil {
			l.logger.Warn("skip unreadable history", zap.String("run_id", runID), zap.Error(err))
			continue
		}
		if n := len(history); n > 0 && !history[n-1].Type.IsTerminal() {
			open = append(open, runID)
		}
	}
	sort.Strings(open)
	return open, nil
}

// read parses the history file. A torn final line left by a crash mid-write is
// ignored; corruption anywhere else is an error. valid is the length of the
// well-formed prefix of the file.
func (l *EventLog) read(runID, path string) (history []fanout.Event, valid int64, err error) {
	// #nosec G304 -- path is built from a validated run ID below the log directory.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fanout.ErrNotFound
		}
		return nil, 0, fmt.Errorf("read event file: %w", err)
	}

	offset := 0
	for lineNo := 1; offset < len(data); lineNo++ {
		end := bytes.IndexByte(data[offset:], '\n')
		last := end < 0
		if last {
			end = len(data) - offset
		}
		line := bytes.TrimSpace(data[offset : offset+end])
		next := offset + end + 1
		if len(line) > 0 {
			var evt fanout.Event
			if err := json.Unmarshal(line, &evt); err != nil {
				if last || len(bytes.TrimSpace(data[next:])) == 0 {
					l.logger.Warn("ignoring torn event line", zap.String("run_id", runID), zap.Int("line", lineNo))
					break
				}
				return nil, 0, fmt.Errorf("parse event line %d: %w", lineNo, err)
			}
			history = append(history, evt)
		}
		if last {
			offset = len(data)
			break
		}
		offset = next
	}
	if len(history) == 0 {
		return nil, int64(offset), fanout.ErrNotFound
	}
	return history, int64(offset), nil
}

// terminateLine appends a newline when the file of the given size does not
// already end with one.
func terminateLine(path string, size int64) error {
	// #nosec G304 -- path is built from a validated run ID below the log directory.
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open event file: %w", err)
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		_ = f.Close()
		return fmt.Errorf("read event file tail: %w", err)
	}
	if last[0] != '\n' {
		if _, err := f.WriteAt([]byte{'\n'}, size); err != nil {
			_ = f.Close()
			return fmt.Errorf("terminate event line: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("sync events: %w", err)
		}
	}
	return f.Close()
}

func (l *EventLog) path(runID string) (string, error) {
	if !validRunID.MatchString(runID) {
		return "", fmt.Errorf("invalid run id %q: %w", runID, fanout.ErrNotFound)
	}
	return filepath.Join(l.dir, runID+".jsonl"), nil
}
