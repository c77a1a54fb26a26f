package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/tollgate/pkg/audit"
)

// ExportRequest asks for an evidence pack over a time window. With
// Archive=true and an archive store configured, the pack is uploaded and
// only its checksum and location are returned.
type ExportRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Limit     int       `json:"limit,omitempty"`
	Archive   bool      `json:"archive,omitempty"`
}

// ExportResponse describes an archived evidence pack.
type ExportResponse struct {
	Checksum string `json:"checksum"`
	Location string `json:"location"`
	Bytes    int    `json:"bytes"`
}

func (s *Server) handleVerdictList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.verdicts.List(r.Context(), queryLimit(r, 100))
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, recs)
}

func (s *Server) handleEventList(w http.ResponseWriter, r *http.Request) {
	events, err := s.events.List(r.Context(), queryLimit(r, 100))
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, events)
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		WriteNotFound(w, r, "evidence export not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}

	pack, checksum, err := s.exporter.GeneratePack(r.Context(), audit.ExportRequest{
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Limit:     req.Limit,
	})
	if err != nil {
		if errors.Is(err, audit.ErrInvalidTimeRange) {
			WriteBadRequest(w, r, err.Error())
			return
		}
		WriteInternal(w, r, err)
		return
	}
	s.auditAdmin(r, audit.EventSecurity, "audit.exported", checksum, map[string]any{
		"bytes": len(pack), "archived": req.Archive,
	})

	if req.Archive {
		if s.archive == nil {
			WriteBadRequest(w, r, "no archive store configured")
			return
		}
		key := audit.PackKey(time.Now().UTC(), checksum)
		location, err := s.archive.Put(r.Context(), key, pack)
		if err != nil {
			WriteInternal(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, ExportResponse{
			Checksum: checksum,
			Location: location,
			Bytes:    len(pack),
		})
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="evidence-pack.zip"`)
	w.Header().Set("X-Evidence-Checksum", checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pack)
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
