// Package watchdog holds the resource guards shared by every backend: the capped output
// listener, the timeout killer and the timeout multiplier.
package watchdog

import (
	"io"
	"strings"
	"sync"
	"unicode/utf8"
)

// OutputListener accumulates process output up to a character budget.
// Once the budget is exceeded further output is drained and discarded.
type OutputListener struct {
	limit int

	mu       sync.Mutex
	buf      strings.Builder
	chars    int
	pending  []byte // incomplete trailing rune held until the next write
	overflow bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewOutputListener caps output at limit characters. A limit of zero or less disables the cap.
func NewOutputListener(limit int) *OutputListener {
	return &OutputListener{limit: limit, done: make(chan struct{})}
}

// Write implements io.Writer and never fails, so producers keep draining after overflow.
// The budget counts runes and the cut never splits one.
func (l *OutputListener) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.overflow {
		return len(p), nil
	}
	data := p
	if len(l.pending) > 0 {
		data = append(l.pending, p...)
		l.pending = nil
	}
	if cut := completePrefix(data); cut < len(data) {
		l.pending = append([]byte(nil), data[cut:]...)
		data = data[:cut]
	}
	l.append(data)
	return len(p), nil
}

func (l *OutputListener) append(data []byte) {
	if l.limit <= 0 {
		l.buf.Write(data)
		l.chars += utf8.RuneCount(data)
		return
	}
	i := 0
	for i < len(data) && l.chars < l.limit {
		_, size := utf8.DecodeRune(data[i:])
		i += size
		l.chars++
	}
	l.buf.Write(data[:i])
	if i < len(data) {
		l.overflow = true
		l.pending = nil
	}
}

// completePrefix returns the length of b without a trailing incomplete rune.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

// Consume copies r into the listener until EOF or error, then closes the listener.
func (l *OutputListener) Consume(r io.Reader) error {
	defer l.Close()
	_, err := io.Copy(l, r)
	return err
}

// Close signals that the stream ended and keeps any dangling partial rune. Safe to call more than once.
func (l *OutputListener) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		if !l.overflow && len(l.pending) > 0 {
			tail := l.pending
			l.pending = nil
			l.append(tail)
		}
		l.mu.Unlock()
		close(l.done)
	})
}

// Done is closed once the output stream has ended.
func (l *OutputListener) Done() <-chan struct{} {
	return l.done
}

// Closed reports whether Close has been called.
func (l *OutputListener) Closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Output returns what has been captured so far.
func (l *OutputListener) Output() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

// Overflowed reports whether output was truncated.
func (l *OutputListener) Overflowed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overflow
}
