package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"

	"careloop-ai/internal/domain"
)

// maxLineSize bounds a single encoded event.
const maxLineSize = 1024 * 1024

// Decoder reads events from a newline-delimited JSON stream. Lines may
// arrive split across any number of reads. Blank lines and lines starting
// with ':' are skipped.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{scanner: s}
}

// Decode returns the next event, or io.EOF when the stream ends cleanly.
// A final line without a trailing newline is still decoded.
func (d *Decoder) Decode() (Event, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		return parseLine(line)
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Event{}, domain.NewSubSystemError("stream", "Decoder.Decode", domain.ErrInvalidInput, "event line too long")
		}
		return Event{}, fmt.Errorf("read stream: %w", err)
	}
	return Event{}, io.EOF
}

// Events yields decoded events until EOF or the first error.
func (d *Decoder) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			evt, err := d.Decode()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(evt, err) || err != nil {
				return
			}
		}
	}
}

func parseLine(line []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(line, &evt); err != nil {
		return Event{}, domain.NewSubSystemError("stream", "Decoder.Decode", domain.ErrInvalidInput,
			fmt.Sprintf("malformed event: %v", err))
	}
	if !evt.Type.valid() {
		return Event{}, unknownTypeError("Decoder.Decode", evt.Type)
	}
	return evt, nil
}
