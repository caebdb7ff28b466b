// Package journal persists execution transcripts as append-only JSONL.
//
// Each execution gets one file under the journal directory. The first line
// is a header record, each progress event is one entry line, and a footer
// records the terminal outcome. Unlike a rewrite-on-save store, lines are
// appended as they happen so a crash loses at most the footer.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record types for line discrimination.
const (
	RecordTypeHeader = "header"
	RecordTypeEntry  = "entry"
	RecordTypeFooter = "footer"
)

// Record is one JSONL line.
type Record struct {
	RecordType string `json:"_type"`

	// Header fields
	ID        string    `json:"id,omitempty"`
	Kind      string    `json:"kind,omitempty"` // "conversation" or "job"
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// Entry fields
	Seq       uint64          `json:"seq,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`

	// Footer fields
	Status   string    `json:"status,omitempty"`
	Result   string    `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
	ClosedAt time.Time `json:"closed_at,omitempty"`
}

// Transcript is a fully loaded journal file.
type Transcript struct {
	ID        string
	Kind      string
	Title     string
	CreatedAt time.Time
	Entries   []Record
	Status    string
	Result    string
	Error     string
}

// Journal manages transcript files in one directory. A nil *Journal is a
// valid no-op sink, so callers running with persistence disabled do not
// need to branch.
type Journal struct {
	dir string
}

// Open prepares the journal directory.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return &Journal{dir: dir}, nil
}

// Writer appends records for one execution. Safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	seq    uint64
	closed bool
}

// Begin creates the transcript file for an execution and writes its header.
func (j *Journal) Begin(id, kind, title string) (*Writer, error) {
	if j == nil {
		return nil, nil
	}
	f, err := os.OpenFile(j.path(id), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript: %w", err)
	}
	w := &Writer{f: f}
	header := Record{
		RecordType: RecordTypeHeader,
		ID:         id,
		Kind:       kind,
		Title:      title,
		CreatedAt:  time.Now(),
	}
	if err := w.writeLine(header); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Append writes one entry line. No-op on a nil or closed writer.
func (w *Writer) Append(event string, data json.RawMessage) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.seq++
	return w.writeLine(Record{
		RecordType: RecordTypeEntry,
		Seq:        w.seq,
		Event:      event,
		Data:       data,
		Timestamp:  time.Now(),
	})
}

// Close writes the footer and closes the file. Only the first call writes.
func (w *Writer) Close(status, result, errMsg string) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	footer := Record{
		RecordType: RecordTypeFooter,
		Status:     status,
		Result:     result,
		Error:      errMsg,
		ClosedAt:   time.Now(),
	}
	if err := w.writeLine(footer); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

func (w *Writer) writeLine(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if _, err := w.f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// Load reads a transcript back. Tolerates a missing footer (crash before
// terminal) and stops with an error only on malformed lines.
func (j *Journal) Load(id string) (*Transcript, error) {
	if j == nil {
		return nil, os.ErrNotExist
	}
	f, err := os.Open(j.path(id))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t := &Transcript{}
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("error reading transcript: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var rec Record
			if uerr := json.Unmarshal(line, &rec); uerr != nil {
				return nil, fmt.Errorf("failed to parse transcript line: %w", uerr)
			}
			switch rec.RecordType {
			case RecordTypeHeader:
				t.ID = rec.ID
				t.Kind = rec.Kind
				t.Title = rec.Title
				t.CreatedAt = rec.CreatedAt
			case RecordTypeEntry:
				t.Entries = append(t.Entries, rec)
			case RecordTypeFooter:
				t.Status = rec.Status
				t.Result = rec.Result
				t.Error = rec.Error
			}
		}
		if err == io.EOF {
			break
		}
	}
	return t, nil
}

// List returns the IDs of all transcripts on disk.
func (j *Journal) List() ([]string, error) {
	if j == nil {
		return nil, nil
	}
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".jsonl" {
			ids = append(ids, name[:len(name)-len(".jsonl")])
		}
	}
	return ids, nil
}

func (j *Journal) path(id string) string {
	return filepath.Join(j.dir, id+".jsonl")
}
