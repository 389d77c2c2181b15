// Package eventlog writes received realtime events as JSON lines.
package eventlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"kadoa-realtime/internal/realtime"
)

type Record struct {
	ReceivedAt time.Time      `json:"received_at"`
	Event      realtime.Event `json:"event"`
}

type Writer struct {
	mu   sync.Mutex
	enc  *json.Encoder
	file *os.File
}

// New writes to out and, when path is set, appends to that file as well.
func New(out io.Writer, path string) (*Writer, error) {
	w := &Writer{}
	if path = strings.TrimSpace(path); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create events directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open events file: %w", err)
		}
		w.file = f
		out = io.MultiWriter(out, f)
	}
	w.enc = json.NewEncoder(out)
	w.enc.SetEscapeHTML(false)
	return w, nil
}

func (w *Writer) Write(receivedAt time.Time, event realtime.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(Record{ReceivedAt: receivedAt.UTC(), Event: event})
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
