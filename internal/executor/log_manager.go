package executor

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/t77yq/taskscheduler/internal/model"
	"github.com/t77yq/taskscheduler/internal/runner"
)

// DefaultMaxLogLines caps the lines a single execution ships with its report
const DefaultMaxLogLines = 500

// TaskLog buffers the output of one execution until it is reported
type TaskLog struct {
	mu      sync.Mutex
	lines   []runner.LogLine
	max     int
	dropped int
	now     func() time.Time
}

// NewTaskLog creates a buffer keeping at most max lines
func NewTaskLog(max int) *TaskLog {
	if max <= 0 {
		max = DefaultMaxLogLines
	}
	return &TaskLog{
		max: max,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Infof appends an info line
func (l *TaskLog) Infof(format string, args ...any) { l.add(model.LogInfo, fmt.Sprintf(format, args...)) }

// Warnf appends a warning line
func (l *TaskLog) Warnf(format string, args ...any) {
	l.add(model.LogWarning, fmt.Sprintf(format, args...))
}

// Errorf appends an error line
func (l *TaskLog) Errorf(format string, args ...any) {
	l.add(model.LogError, fmt.Sprintf(format, args...))
}

// Writer returns an io.Writer that turns each written line into a log
// entry of the given severity. Call Flush to emit a trailing partial line.
func (l *TaskLog) Writer(severity model.LogSeverity) *LineWriter {
	return &LineWriter{log: l, severity: severity}
}

// Lines returns the buffered lines. When lines were dropped a final
// warning says how many.
func (l *TaskLog) Lines() []runner.LogLine {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]runner.LogLine, len(l.lines), len(l.lines)+1)
	copy(out, l.lines)
	if l.dropped > 0 {
		out = append(out, runner.LogLine{
			At:       l.now(),
			Severity: model.LogWarning,
			Message:  fmt.Sprintf("%d log lines dropped", l.dropped),
		})
	}
	return out
}

func (l *TaskLog) add(severity model.LogSeverity, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.lines) >= l.max {
		l.dropped++
		return
	}
	l.lines = append(l.lines, runner.LogLine{At: l.now(), Severity: severity, Message: msg})
}

// LineWriter splits a byte stream into log lines
type LineWriter struct {
	log      *TaskLog
	severity model.LogSeverity
	mu       sync.Mutex
	buf      bytes.Buffer
}

// Write implements io.Writer
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(line)
	}
	return len(p), nil
}

// Flush emits whatever is left without a trailing newline
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *LineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	w.log.add(w.severity, line)
}
