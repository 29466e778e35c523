package renderer

import (
	"bytes"
	"io"
	"sync"
)

// Surface is the mount target a renderer draws on. The chart engine owns it
// and clears it between renderers.
type Surface interface {
	io.Writer
	Clear()
	Len() int
}

// MemorySurface keeps drawn output in memory. It backs tests and status
// snapshots.
type MemorySurface struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	clears int
}

// NewMemorySurface creates an empty in-memory surface.
func NewMemorySurface() *MemorySurface {
	return &MemorySurface{}
}

// Write appends p to the surface.
func (s *MemorySurface) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

// Clear removes everything drawn so far.
func (s *MemorySurface) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
	s.clears++
}

// Len returns the number of bytes on the surface.
func (s *MemorySurface) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// String returns the current contents.
func (s *MemorySurface) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Clears returns how many times the surface was cleared.
func (s *MemorySurface) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

const clearScreen = "\x1b[H\x1b[2J"

// TerminalSurface mirrors drawn output to a terminal, erasing the screen on
// Clear. The drawn frame is also kept so Repaint can redraw it after other
// output scrolled it away.
type TerminalSurface struct {
	mu    sync.Mutex
	out   io.Writer
	frame bytes.Buffer
	ansi  bool
}

// NewTerminalSurface creates a surface writing to out. With ansi false,
// Clear prints a separator line instead of escape codes.
func NewTerminalSurface(out io.Writer, ansi bool) *TerminalSurface {
	return &TerminalSurface{out: out, ansi: ansi}
}

// Write draws p and records it in the current frame.
func (s *TerminalSurface) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame.Write(p)
	return s.out.Write(p)
}

// Clear erases the current frame.
func (s *TerminalSurface) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame.Reset()
	s.erase()
}

// Len returns the size of the current frame.
func (s *TerminalSurface) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame.Len()
}

// Repaint erases the terminal and redraws the current frame.
func (s *TerminalSurface) Repaint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.erase()
	_, err := s.out.Write(s.frame.Bytes())
	return err
}

func (s *TerminalSurface) erase() {
	if s.ansi {
		_, _ = io.WriteString(s.out, clearScreen)
		return
	}
	_, _ = io.WriteString(s.out, "\n----\n")
}
