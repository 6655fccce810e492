package ipc

import (
	"fmt"
	"sync"

	"github.com/ChuLiYu/rtkernel/internal/kerr"
)

// Pipe is a StreamBuffer with a trigger level of one byte and reference
// counted ends. Once every writer end is closed, readers drain the buffer
// and then see io.EOF. Once every reader end is closed, writers fail with
// kerr.ErrClosedPipe.
type Pipe struct {
	*StreamBuffer
	name string

	mu      sync.Mutex
	readers int
	writers int
}

// NewPipe creates a pipe with one reader and one writer end open.
func NewPipe(name string, capacity int) *Pipe {
	return &Pipe{
		StreamBuffer: NewStreamBuffer(capacity, 1),
		name:         name,
		readers:      1,
		writers:      1,
	}
}

// Name returns the pipe name.
func (p *Pipe) Name() string { return p.name }

// OpenReader adds a reader end.
func (p *Pipe) OpenReader() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readers == 0 {
		return fmt.Errorf("pipe %q: %w", p.name, kerr.ErrClosedPipe)
	}
	p.readers++
	return nil
}

// OpenWriter adds a writer end.
func (p *Pipe) OpenWriter() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writers == 0 {
		return fmt.Errorf("pipe %q: %w", p.name, kerr.ErrClosedPipe)
	}
	p.writers++
	return nil
}

// CloseReader drops a reader end. Closing the last one wakes every writer.
func (p *Pipe) CloseReader(n Notifier) error {
	p.mu.Lock()
	if p.readers == 0 {
		p.mu.Unlock()
		return fmt.Errorf("pipe %q reader end: %w", p.name, kerr.ErrInvalidArgument)
	}
	p.readers--
	last := p.readers == 0
	p.mu.Unlock()

	if last {
		s := p.StreamBuffer
		s.mu.Lock()
		s.broken = true
		wake := s.writers.drain()
		s.mu.Unlock()
		notifyAll(n, wake)
	}
	return nil
}

// CloseWriter drops a writer end. Closing the last one wakes every reader.
func (p *Pipe) CloseWriter(n Notifier) error {
	p.mu.Lock()
	if p.writers == 0 {
		p.mu.Unlock()
		return fmt.Errorf("pipe %q writer end: %w", p.name, kerr.ErrInvalidArgument)
	}
	p.writers--
	last := p.writers == 0
	p.mu.Unlock()

	if last {
		s := p.StreamBuffer
		s.mu.Lock()
		s.eof = true
		wake := s.readers.drain()
		clear(s.need)
		s.mu.Unlock()
		notifyAll(n, wake)
	}
	return nil
}

// Ends returns the open reader and writer counts.
func (p *Pipe) Ends() (readers, writers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readers, p.writers
}

// Registry names pipes so unrelated tasks can find each other.
type Registry struct {
	mu       sync.Mutex
	capacity int
	pipes    map[string]*Pipe
}

// NewRegistry creates a registry whose pipes hold capacity bytes.
func NewRegistry(capacity int) *Registry {
	return &Registry{capacity: capacity, pipes: make(map[string]*Pipe)}
}

// Open returns the named pipe, creating it on first use. The first caller
// gets the initial reader and writer ends; later callers share them.
func (r *Registry) Open(name string) *Pipe {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pipes[name]; ok {
		return p
	}
	p := NewPipe(name, r.capacity)
	r.pipes[name] = p
	return p
}

// Lookup returns the named pipe if it exists.
func (r *Registry) Lookup(name string) (*Pipe, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipes[name]
	return p, ok
}

// Len returns the number of registered pipes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pipes)
}
