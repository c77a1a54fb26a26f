// Package audit records governance decisions for operators: a JSON-line
// activity log, evidence-pack export, and long-term archival to object
// storage.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit records.
type EventType string

const (
	EventCheck    EventType = "FIREWALL_CHECK"
	EventSession  EventType = "SESSION"
	EventPolicy   EventType = "POLICY"
	EventAgent    EventType = "AGENT"
	EventSecurity EventType = "SECURITY"
)

// Record is one structured audit line.
type Record struct {
	ID        string         `json:"id"`
	ActorKind string         `json:"actor_kind"`
	ActorID   string         `json:"actor_id"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Record(ctx context.Context, actor Actor, t EventType, action, resource string, metadata map[string]any) error
}

// Actor identifies who performed the audited action.
type Actor struct {
	Kind string
	ID   string
}

// SystemActor marks actions the service performs on its own behalf.
var SystemActor = Actor{Kind: "system", ID: "tollgate"}

type jsonLogger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLogger creates a Logger writing JSON lines to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to w, for tests and custom
// sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &jsonLogger{w: w}
}

func (l *jsonLogger) Record(ctx context.Context, actor Actor, t EventType, action, resource string, metadata map[string]any) error {
	rec := Record{
		ID:        uuid.NewString(),
		ActorKind: actor.Kind,
		ActorID:   actor.ID,
		Type:      t,
		Action:    action,
		Resource:  resource,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(line); err != nil {
		return err
	}
	_, err = l.w.Write([]byte("\n"))
	return err
}
