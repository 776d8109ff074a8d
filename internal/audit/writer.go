// Package audit writes a diagnostic-only transcript of engine events for
// operators to inspect after the fact. It is explicitly not used to recover
// session state on restart: sessions are always rebuilt fresh, per spec.md's
// persistence Non-goal.
package audit

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/opengame/gamemaster/internal/engine"
)

var sessionIDCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Writer streams a session's event transcript to a snappy-compressed JSONL
// file, plus a periodic zstd-compressed full-status snapshot stream for
// operators who want a coarser-grained view without replaying every event.
type Writer struct {
	mu          sync.Mutex
	now         func() time.Time
	eventFile   *os.File
	eventStream *snappy.Writer
	snapFile    *os.File
	snapStream  *zstd.Encoder
	path        string
}

// NewWriter opens transcript files under root for sessionID.
func NewWriter(root, sessionID string, clock func() time.Time) (*Writer, error) {
	if root == "" {
		return nil, fmt.Errorf("audit root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	cleaned := sessionIDCleaner.ReplaceAllString(sessionID, "")
	if cleaned == "" {
		cleaned = "session"
	}
	stamp := clock().UTC().Format("20060102T150405Z")
	eventsPath := filepath.Join(root, fmt.Sprintf("%s-%s.events.jsonl.sz", cleaned, stamp))
	snapsPath := filepath.Join(root, fmt.Sprintf("%s-%s.snapshots.jsonl.zst", cleaned, stamp))

	eventFile, err := os.Create(eventsPath)
	if err != nil {
		return nil, err
	}
	snapFile, err := os.Create(snapsPath)
	if err != nil {
		eventFile.Close()
		return nil, err
	}
	snapStream, err := zstd.NewWriter(snapFile)
	if err != nil {
		eventFile.Close()
		snapFile.Close()
		return nil, err
	}
	return &Writer{
		now:         clock,
		eventFile:   eventFile,
		eventStream: snappy.NewBufferedWriter(eventFile),
		snapFile:    snapFile,
		snapStream:  snapStream,
		path:        eventsPath,
	}, nil
}

// Path returns the event transcript file location.
func (w *Writer) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

// AppendSnapshot records a coarse-grained session status line to the
// zstd-compressed snapshot stream, useful for spot-checking a long-running
// session's state without decompressing/replaying its full event log.
func (w *Writer) AppendSnapshot(status engine.StatusSnapshot) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	record := struct {
		CapturedAt string `json:"captured_at"`
		Status     engine.StatusSnapshot
	}{CapturedAt: w.now().UTC().Format(time.RFC3339Nano), Status: status}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := w.snapStream.Write(line); err != nil {
		return err
	}
	_, err = w.snapStream.Write([]byte("\n"))
	return err
}

// AppendEvents writes each event as one compressed JSONL record. Payloads
// are marshaled through protojson-compatible structpb, base64-encoded to
// keep this writer agnostic to the exact payload schema.
func (w *Writer) AppendEvents(events []engine.Event) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, evt := range events {
		var payloadB64 string
		if evt.Payload != nil {
			raw, err := json.Marshal(evt.Payload.AsMap())
			if err != nil {
				return err
			}
			payloadB64 = base64.StdEncoding.EncodeToString(raw)
		}
		record := struct {
			CapturedAt string   `json:"captured_at"`
			SessionID  string   `json:"session_id"`
			Sequence   uint64   `json:"sequence"`
			Kind       string   `json:"kind"`
			Visibility string   `json:"visibility"`
			Recipients []string `json:"recipients,omitempty"`
			PayloadB64 string   `json:"payload_b64,omitempty"`
		}{
			CapturedAt: w.now().UTC().Format(time.RFC3339Nano),
			SessionID:  evt.SessionID,
			Sequence:   evt.Sequence,
			Kind:       string(evt.Kind),
			Visibility: string(evt.Visibility),
			Recipients: evt.Recipients,
			PayloadB64: payloadB64,
		}
		line, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if _, err := w.eventStream.Write(line); err != nil {
			return err
		}
		if _, err := w.eventStream.Write([]byte("\n")); err != nil {
			return err
		}
	}
	return w.eventStream.Flush()
}

// Close flushes and releases the underlying file handles.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	if err := w.eventStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.snapStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.snapFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
