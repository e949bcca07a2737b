package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mercator-hq/custodian/pkg/compliance"
	"mercator-hq/custodian/pkg/compliance/subject"
	"mercator-hq/custodian/pkg/telemetry/logging"
)

const maxBodyBytes = 4 << 10

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := logging.WithOperation(r.Context(), subject.OpExport)
	result, err := s.deps.Subjects.Export(ctx, subject.ExportRequest{
		SubjectID:     chi.URLParam(r, "subjectID"),
		Format:        compliance.ExportFormat(r.URL.Query().Get("format")),
		SourceAddress: r.RemoteAddr,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ext := "json"
	if result.Format == compliance.FormatFlat {
		ext = "csv"
	}
	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-export.%s"`, result.SubjectID, ext))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Body)
}

func (s *Server) handleRequestDeletion(w http.ResponseWriter, r *http.Request) {
	ctx := logging.WithOperation(r.Context(), subject.OpRequestDeletion)
	resp, err := s.deps.Subjects.RequestDeletion(ctx, subject.DeletionInput{
		SubjectID:     chi.URLParam(r, "subjectID"),
		SourceAddress: r.RemoteAddr,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type confirmBody struct {
	Token string `json:"token"`
}

// handleConfirmDeletion takes the token from the JSON body, falling back to
// the token query parameter of the mailed link.
func (s *Server) handleConfirmDeletion(w http.ResponseWriter, r *http.Request) {
	var body confirmBody
	if r.Body != nil && r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, r, compliance.NewValidationError("body", "must be a JSON object with a token"))
			return
		}
	}
	if body.Token == "" {
		body.Token = r.URL.Query().Get("token")
	}

	ctx := logging.WithOperation(r.Context(), subject.OpConfirmDeletion)
	resp, err := s.deps.Subjects.ConfirmDeletion(ctx, subject.ConfirmInput{
		SubjectID:     chi.URLParam(r, "subjectID"),
		Token:         body.Token,
		SourceAddress: r.RemoteAddr,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Admin.GetRetentionStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	kind := compliance.RunKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		s.writeError(w, r, compliance.NewValidationError("kind", "must be daily or monthly"))
		return
	}

	ctx := logging.WithOperation(r.Context(), "manual_"+string(kind))
	report, err := s.deps.Admin.RunManualCleanup(ctx, kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.InfoContext(ctx, "manual retention run finished", "kind", kind, "run_id", report.RunID, "failed_tasks", report.FailedTasks())
	writeJSON(w, http.StatusOK, report)
}
