package pipeline

import (
	"context"
	"sync"

	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
)

type fakeHandle struct {
	id            string
	deliveryCount int
	limit         int
	payload       any
	getErr        error

	completeErr error

	completed     int
	abandoned     []error
	deadLettered  []int
	getMessageHit int
}

func (h *fakeHandle) MessageID() string           { return h.id }
func (h *fakeHandle) DeliveryCount() int          { return h.deliveryCount }
func (h *fakeHandle) DeadLetterDeliveryLimit() int { return h.limit }

func (h *fakeHandle) GetMessage(ctx context.Context) (any, error) {
	h.getMessageHit++
	return h.payload, h.getErr
}

func (h *fakeHandle) Complete(ctx context.Context) error {
	h.completed++
	return h.completeErr
}

func (h *fakeHandle) AbandonByError(ctx context.Context, cause error) error {
	h.abandoned = append(h.abandoned, cause)
	return nil
}

func (h *fakeHandle) DeadLetter(ctx context.Context, deliveryLimit int) error {
	h.deadLettered = append(h.deadLettered, deliveryLimit)
	return nil
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

type recordingLogger struct {
	mu      sync.Mutex
	entries *[]logEntry
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{entries: &[]logEntry{}}
}

func (r *recordingLogger) add(e logEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.entries = append(*r.entries, e)
}

func (r *recordingLogger) byLevel(level string) []logEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []logEntry
	for _, e := range *r.entries {
		if e.level == level {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger { return r }
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
