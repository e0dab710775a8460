package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// ErrorObject is emitted only for error logs.
type ErrorObject struct {
	Msg   string `json:"msg"`
	Stack string `json:"stack"`
}

// Entry is the single-line JSON format written by Logger.
type Entry struct {
	Timestamp     string       `json:"timestamp"`
	Level         string       `json:"level"`
	Service       string       `json:"service"`
	Action        string       `json:"action"`
	Message       string       `json:"message"`
	Hostname      string       `json:"hostname"`
	AppointmentID string       `json:"appointment_id,omitempty"`
	SessionID     string       `json:"session_id,omitempty"`
	Details       any          `json:"details,omitempty"`
	Error         *ErrorObject `json:"error,omitempty"`
}

type Logger struct {
	service  string
	hostname string
	out      io.Writer
	mu       sync.Mutex
}

// New creates a JSON logger writing to stdout.
func New(service string) *Logger {
	return NewWithWriter(service, os.Stdout)
}

func NewWithWriter(service string, out io.Writer) *Logger {
	hn, err := os.Hostname()
	if err != nil || strings.TrimSpace(hn) == "" {
		hn = "unknown-hostname"
	}
	if strings.TrimSpace(service) == "" {
		service = "unknown-service"
	}
	return &Logger{service: service, hostname: hn, out: out}
}

// Nop discards everything. Useful for tests and optional collaborators.
func Nop() *Logger {
	return NewWithWriter("nop", io.Discard)
}

func (l *Logger) emit(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := json.Marshal(e)
	if err != nil {
		// details are the usual culprit
		e.Details = nil
		if b, err = json.Marshal(e); err != nil {
			fmt.Fprintf(os.Stderr, "log marshal failed: %v\n", err)
			return
		}
	}
	b = append(b, '\n')
	_, _ = l.out.Write(b)
}

func (l *Logger) entry(ctx context.Context, level, action, msg string, details any) Entry {
	return Entry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Level:         level,
		Service:       l.service,
		Action:        safeAction(action),
		Message:       strings.TrimSpace(msg),
		Hostname:      l.hostname,
		AppointmentID: fromCtx(ctx, ctxKeyAppointmentID),
		SessionID:     fromCtx(ctx, ctxKeySessionID),
		Details:       details,
	}
}

func (l *Logger) Debug(ctx context.Context, action, msg string, details any) {
	l.emit(l.entry(ctx, "DEBUG", action, msg, details))
}

func (l *Logger) Info(ctx context.Context, action, msg string, details any) {
	l.emit(l.entry(ctx, "INFO", action, msg, details))
}

// Error writes an ERROR line and attaches a stack trace.
func (l *Logger) Error(ctx context.Context, action, msg string, err error, details any) {
	if err == nil {
		err = fmt.Errorf("unknown error")
	}
	e := l.entry(ctx, "ERROR", action, msg, details)
	e.Error = &ErrorObject{Msg: strings.TrimSpace(err.Error()), Stack: string(debug.Stack())}
	l.emit(e)
}

type ctxKey string

const (
	ctxKeyAppointmentID ctxKey = "homeservice_appointment_id"
	ctxKeySessionID     ctxKey = "homeservice_session_id"
)

func WithAppointmentID(ctx context.Context, id string) context.Context {
	if strings.TrimSpace(id) == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyAppointmentID, id)
}

func WithSessionID(ctx context.Context, id string) context.Context {
	if strings.TrimSpace(id) == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeySessionID, id)
}

func fromCtx(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

func safeAction(a string) string {
	a = strings.TrimSpace(a)
	if a == "" {
		return "unspecified"
	}
	return a
}
