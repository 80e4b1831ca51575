package main

import (
	"io"
	"sync"
)

// syncWriter serializes event lines written by the two loops of "bbq run".
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
