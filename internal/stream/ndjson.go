package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const ContentType = "application/x-ndjson"

const maxLineBytes = 8 << 20

// Encoder writes one JSON event per line and flushes after each when the
// writer supports it.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

func NewEncoder(w io.Writer) *Encoder {
	enc := &Encoder{w: w}
	if flusher, ok := w.(http.Flusher); ok {
		enc.flusher = flusher
	}
	return enc
}

func (e *Encoder) Encode(event Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	line = append(line, '\n')
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Decoder{scanner: scanner}
}

// Decode returns the next event. Blank lines are skipped; io.EOF marks a
// cleanly closed stream.
func (d *Decoder) Decode() (Event, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return Event{}, fmt.Errorf("decode event line: %w", err)
		}
		return event, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("read event stream: %w", err)
	}
	return Event{}, io.EOF
}
