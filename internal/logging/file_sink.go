package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultPartBytes = 5 * 1024 * 1024
	defaultPartsKept = 20
	partGlob         = "realtime-*.jsonl"
)

// fileRecord is one persisted log line. Correlation fields the realtime client
// attaches are lifted to the top level so one connection attempt or one event
// can be followed across parts with grep or jq.
type fileRecord struct {
	Time      string         `json:"ts"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	AttemptID string         `json:"attempt_id,omitempty"`
	State     string         `json:"state,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	EventID   string         `json:"event_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// fileSink appends records to size-capped parts named
// realtime-<session>-NNN.jsonl and keeps only the newest parts.
type fileSink struct {
	mu      sync.Mutex
	dir     string
	prefix  string
	limit   int64
	keep    int
	seq     int
	out     *os.File
	written int64
	closed  bool
}

// DefaultLogDirPath is where EnableFilePersistence writes its parts.
func DefaultLogDirPath() (string, error) {
	root, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "kadoa", "realtime", "logs"), nil
}

func newFileSink(maxBytes int64) (*fileSink, error) {
	dir, err := DefaultLogDirPath()
	if err != nil {
		return nil, err
	}
	return openFileSink(dir, "realtime-"+time.Now().UTC().Format("20060102-150405"), maxBytes)
}

func openFileSink(dir, prefix string, limit int64) (*fileSink, error) {
	if limit <= 0 {
		limit = defaultPartBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	s := &fileSink{dir: dir, prefix: prefix, limit: limit, keep: defaultPartsKept}
	if err := s.nextPartLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileSink) WriteEvent(event Event) error {
	if s == nil {
		return nil
	}
	line, err := encodeRecord(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	// An oversized line still gets a part of its own.
	if s.written > 0 && s.written+int64(len(line)) > s.limit {
		if err := s.nextPartLocked(); err != nil {
			return err
		}
	}
	n, err := s.out.Write(line)
	s.written += int64(n)
	return err
}

func (s *fileSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.out == nil {
		return nil
	}
	err := s.out.Close()
	s.out = nil
	return err
}

func (s *fileSink) nextPartLocked() error {
	if s.out != nil {
		_ = s.out.Close()
		s.out = nil
	}
	s.seq++
	name := fmt.Sprintf("%s-%03d.jsonl", s.prefix, s.seq)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	s.out = f
	s.written = info.Size()
	s.pruneLocked(name)
	return nil
}

func (s *fileSink) pruneLocked(active string) {
	parts, err := filepath.Glob(filepath.Join(s.dir, partGlob))
	if err != nil || len(parts) <= s.keep {
		return
	}
	sort.Strings(parts)
	for _, path := range parts[:len(parts)-s.keep] {
		if filepath.Base(path) != active {
			_ = os.Remove(path)
		}
	}
}

func encodeRecord(event Event) ([]byte, error) {
	rec := fileRecord{
		Time:    event.Time.UTC().Format(time.RFC3339Nano),
		Level:   strings.ToLower(event.Level.String()),
		Message: event.Message,
	}
	promoted := map[string]*string{
		"attempt_id": &rec.AttemptID,
		"state":      &rec.State,
		"channel":    &rec.Channel,
		"event_id":   &rec.EventID,
	}
	for key, value := range event.Fields {
		value = recordValue(value)
		if dst, ok := promoted[key]; ok {
			if text, isText := value.(string); isText {
				*dst = text
				continue
			}
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]any, len(event.Fields))
		}
		rec.Fields[key] = value
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func recordValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case error:
		return v.Error()
	case slog.Level:
		return v.String()
	case time.Duration:
		return v.String()
	case fmt.Stringer:
		return v.String()
	case []byte:
		return string(v)
	}
	return value
}
