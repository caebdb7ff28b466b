package stream

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Writer encodes events in SSE wire form:
//
//	event: <type>\n
//	data: <json>\n
//	\n
//
// and flushes after every event when the underlying writer supports it.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter wraps w. If w is an http.ResponseWriter the response is
// flushed after each event so readers see events as they happen.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// Send writes one event.
func (sw *Writer) Send(ev Event) error {
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", ev.Type, ev.Data); err != nil {
		return err
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// Drain copies events from the bus to the writer until the bus closes or
// a write fails (reader went away). Returns the terminal event if one was
// observed.
func (sw *Writer) Drain(bus *Bus) (Event, bool) {
	var terminal Event
	var seen bool
	for ev := range bus.Subscribe() {
		if err := sw.Send(ev); err != nil {
			break
		}
		if ev.IsTerminal() {
			terminal, seen = ev, true
			break
		}
	}
	return terminal, seen
}

// Scanner parses an SSE stream back into events (the client side of the
// wire protocol). It accumulates event/data lines until a blank line, then
// yields the event.
type Scanner struct {
	r    *bufio.Reader
	done bool
}

// NewScanner reads SSE frames from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReader(r)}
}

// Next returns the next event. io.EOF after a terminal event or when the
// underlying stream ends.
func (s *Scanner) Next() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}
	var ev Event
	var haveType bool
	var data strings.Builder
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && haveType {
				break
			}
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if !haveType {
				continue // stray blank between frames
			}
			ev.Data = []byte(data.String())
			if ev.IsTerminal() {
				s.done = true
			}
			return ev, nil
		case strings.HasPrefix(line, "event:"):
			ev.Type = EventType(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
			haveType = true
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment line, ignore
		}
	}
	ev.Data = []byte(data.String())
	if ev.IsTerminal() {
		s.done = true
	}
	return ev, nil
}
