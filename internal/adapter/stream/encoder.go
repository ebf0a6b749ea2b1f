package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Encoder writes one JSON line per event. It flushes after every event when
// the writer is an http.Flusher. Encode is safe for concurrent use.
type Encoder struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	f, _ := w.(http.Flusher)
	return &Encoder{w: w, flusher: f}
}

// Encode writes evt followed by a newline.
func (e *Encoder) Encode(evt Event) error {
	if !evt.Type.valid() {
		return unknownTypeError("Encoder.Encode", evt.Type)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", evt.Type, err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("write %s event: %w", evt.Type, err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
