package cli

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// ErrInputCancelled is returned when a read is abandoned because its
// context ended.
var ErrInputCancelled = errors.New("input canceled")

type lineResult struct {
	err  error
	line string
}

// LineReader reads trimmed lines from a terminal without blocking past
// context cancellation. A read interrupted by cancellation stays in flight
// and its line is handed to the next caller.
type LineReader struct {
	scanner *bufio.Scanner
	mu      sync.Mutex
	pending chan lineResult
}

// NewLineReader wraps r.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{scanner: bufio.NewScanner(r)}
}

// ReadLine returns the next line with surrounding whitespace removed, or
// io.EOF once input is exhausted.
func (r *LineReader) ReadLine(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.pending == nil {
		r.pending = make(chan lineResult, 1)
		go r.scan(r.pending)
	}
	pending := r.pending
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ErrInputCancelled
	case res := <-pending:
		r.mu.Lock()
		r.pending = nil
		r.mu.Unlock()
		return res.line, res.err
	}
}

func (r *LineReader) scan(out chan<- lineResult) {
	if r.scanner.Scan() {
		out <- lineResult{line: strings.TrimSpace(r.scanner.Text())}
		return
	}
	err := r.scanner.Err()
	if err == nil {
		err = io.EOF
	}
	out <- lineResult{err: err}
}
