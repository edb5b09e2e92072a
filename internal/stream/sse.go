package stream

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
)

// Writer writes server-sent events and flushes each one.
type Writer struct {
	w   io.Writer
	rc  *http.ResponseController
	buf bytes.Buffer
}

// NewWriter sets the SSE headers on w and returns a Writer for it.
func NewWriter(w http.ResponseWriter) *Writer {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &Writer{w: w, rc: http.NewResponseController(w)}
}

// Send writes one event. Every line of data becomes its own data field.
func (s *Writer) Send(name, data string) error {
	s.buf.Reset()
	if name != "" {
		s.buf.WriteString("event: ")
		s.buf.WriteString(name)
		s.buf.WriteByte('\n')
	}
	for _, line := range strings.Split(data, "\n") {
		s.buf.WriteString("data: ")
		s.buf.WriteString(strings.TrimSuffix(line, "\r"))
		s.buf.WriteByte('\n')
	}
	s.buf.WriteByte('\n')
	if _, err := s.w.Write(s.buf.Bytes()); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
