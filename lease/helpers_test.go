package lease

import (
	"context"
	"sync"
	"time"

	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
)

type fakeHandle struct {
	mu          sync.Mutex
	renewErrs   []error
	renewHook   func(ctx context.Context) error
	releaseErr  error
	renewCalls  int
	releaseIDs  []string
	renewedWith []string
}

func (h *fakeHandle) RenewLease(ctx context.Context, leaseID string) error {
	h.mu.Lock()
	h.renewCalls++
	h.renewedWith = append(h.renewedWith, leaseID)
	hook := h.renewHook
	var err error
	if len(h.renewErrs) > 0 {
		err = h.renewErrs[0]
		h.renewErrs = h.renewErrs[1:]
	}
	h.mu.Unlock()
	if hook != nil {
		return hook(ctx)
	}
	return err
}

func (h *fakeHandle) ReleaseLease(ctx context.Context, leaseID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releaseIDs = append(h.releaseIDs, leaseID)
	return h.releaseErr
}

func (h *fakeHandle) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.renewCalls
}

func (h *fakeHandle) released() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.releaseIDs...)
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (r *recordingLogger) add(e logEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingLogger) byLevel(level string) []logEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []logEntry
	for _, e := range r.entries {
		if e.level == level {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return r }
func (r *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	r.add(logEntry{level: "debug", msg: msg, fields: fields})
}
func (r *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	r.add(logEntry{level: "info", msg: msg, fields: fields})
}
func (r *recordingLogger) Warn(msg string, err error, fields loggingpkg.LogFields) {
	r.add(logEntry{level: "warn", msg: msg, err: err, fields: fields})
}
func (r *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	r.add(logEntry{level: "error", msg: msg, err: err, fields: fields})
}
func (r *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	r.add(logEntry{level: "trace", msg: msg, fields: fields})
}

// steppingClock advances by step on every reading.
type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}
