package dispatch

import (
	"bytes"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Command is a fully formed command line. Args are passed to the process
// verbatim, no shell is involved.
type Command struct {
	Path    string
	Args    []string
	Env     []string // nil inherits the environment of the current process
	Dir     string
	Timeout time.Duration // zero means no timeout
}

// String renders the command line, quoting arguments which contain blanks.
func (c Command) String() string {
	var sb strings.Builder
	sb.WriteString(quote(c.Path))
	for _, arg := range c.Args {
		sb.WriteByte(' ')
		sb.WriteString(quote(arg))
	}
	return sb.String()
}

func (c Command) clone() Command {
	c.Args = append([]string(nil), c.Args...)
	if c.Env != nil {
		c.Env = append([]string(nil), c.Env...)
	}
	return c
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"'\\") {
		return strconv.Quote(s)
	}
	return s
}

// Result of a finished Job.
type Result struct {
	Command  Command
	ExitCode int
	Stdout   []string
	Stderr   []string
	Started  time.Time
	Stopped  time.Time
	Err      error // launch, wait or context error; nil for a clean exit 0
}

// splitLines splits captured output into lines. A trailing newline does not
// produce an empty last line.
func splitLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	s := strings.TrimSuffix(string(b), "\n")
	return strings.Split(s, "\n")
}

// lineWriter buffers everything written to it and calls fn for every complete
// line. It is used as exec.Cmd.Stderr, so the copying goroutine of os/exec is
// the only writer.
type lineWriter struct {
	mx      sync.Mutex
	buf     bytes.Buffer
	emitted int
	fn      func(line string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	n, _ := w.buf.Write(p)
	if w.fn == nil {
		w.emitted = w.buf.Len()
		return n, nil
	}
	for {
		pending := w.buf.Bytes()[w.emitted:]
		i := bytes.IndexByte(pending, '\n')
		if i < 0 {
			break
		}
		w.fn(string(pending[:i]))
		w.emitted += i + 1
	}
	return n, nil
}

// Lines returns everything written so far; an unterminated last line is
// passed to fn as well.
func (w *lineWriter) Lines() []string {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.fn != nil && w.emitted < w.buf.Len() {
		w.fn(string(w.buf.Bytes()[w.emitted:]))
		w.emitted = w.buf.Len()
	}
	return splitLines(w.buf.Bytes())
}
