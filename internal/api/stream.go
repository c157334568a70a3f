package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// streamWriter commits the streaming headers on the first fragment, so a
// failure before any output can still be answered with a JSON envelope.
type streamWriter struct {
	w       gin.ResponseWriter
	started bool
}

func newStreamWriter(w gin.ResponseWriter) *streamWriter {
	return &streamWriter{w: w}
}

func (s *streamWriter) begin() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

func (s *streamWriter) Write(p []byte) (int, error) {
	s.begin()
	return s.w.Write(p)
}

func (s *streamWriter) Flush() {
	s.w.Flush()
}
