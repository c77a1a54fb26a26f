package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/tollgate/pkg/firewall"
	"github.com/Mindburn-Labs/tollgate/pkg/session"
)

var (
	// ErrInvalidTimeRange is returned when start is after end.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrNoSources is returned when the exporter has nothing to export
	// from.
	ErrNoSources = errors.New("audit: no verdict or event source configured")
)

// ExportRequest bounds an evidence pack.
type ExportRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Limit     int       `json:"limit,omitempty"`
}

// Exporter assembles evidence packs: a zip of the firewall verdicts and
// conversation events in a window, plus a manifest with counts and the
// pack's own checksum is returned alongside.
type Exporter struct {
	verdicts firewall.VerdictStore
	events   session.EventStore
}

func NewExporter(verdicts firewall.VerdictStore, events session.EventStore) *Exporter {
	return &Exporter{verdicts: verdicts, events: events}
}

// GeneratePack builds the zip and returns (bytes, sha256 hex checksum).
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.verdicts == nil && e.events == nil {
		return nil, "", ErrNoSources
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10000
	}

	verdicts, err := e.collectVerdicts(ctx, req, limit)
	if err != nil {
		return nil, "", err
	}
	events, err := e.collectEvents(ctx, req, limit)
	if err != nil {
		return nil, "", err
	}

	verdictsJSON, err := json.MarshalIndent(verdicts, "", "  ")
	if err != nil {
		return nil, "", err
	}
	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, "", err
	}

	manifest := map[string]any{
		"generated_at":  time.Now().UTC(),
		"verdict_count": len(verdicts),
		"event_count":   len(events),
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, entry := range []struct {
		name string
		data []byte
	}{
		{"verdicts.json", verdictsJSON},
		{"events.json", eventsJSON},
		{"manifest.json", manifestJSON},
	} {
		f, err := w.Create(entry.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := f.Write(entry.data); err != nil {
			return nil, "", err
		}
	}
	f, err := w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f, "Tollgate evidence pack\nGenerated at %s\n", time.Now().UTC().Format(time.RFC3339))
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(sum[:]), nil
}

func (e *Exporter) collectVerdicts(ctx context.Context, req ExportRequest, limit int) ([]*firewall.VerdictRecord, error) {
	if e.verdicts == nil {
		return []*firewall.VerdictRecord{}, nil
	}
	all, err := e.verdicts.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list verdicts: %w", err)
	}
	out := make([]*firewall.VerdictRecord, 0, len(all))
	for _, v := range all {
		if inWindow(v.CreatedAt, req) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (e *Exporter) collectEvents(ctx context.Context, req ExportRequest, limit int) ([]*session.Event, error) {
	if e.events == nil {
		return []*session.Event{}, nil
	}
	all, err := e.events.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	out := make([]*session.Event, 0, len(all))
	for _, ev := range all {
		if inWindow(ev.CreatedAt, req) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func inWindow(t time.Time, req ExportRequest) bool {
	if !req.StartTime.IsZero() && t.Before(req.StartTime) {
		return false
	}
	if !req.EndTime.IsZero() && t.After(req.EndTime) {
		return false
	}
	return true
}
