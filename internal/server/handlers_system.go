package server

import (
	"net/http"

	"github.com/zhu-jl18/novel-proofer/internal/common"
	"github.com/zhu-jl18/novel-proofer/internal/models"
)

// handleHealth responds to GET/HEAD /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleVersion responds to GET/HEAD /api/version with build info.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

// handleFormat runs the one-shot formatting pipeline over a small text.
func (s *Server) handleFormat(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req FormatRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Text == "" {
		WriteError(w, r, http.StatusBadRequest, "text is required")
		return
	}

	fmtOpts := models.DefaultFormatOptions()
	if req.Format != nil {
		fmtOpts = clampFormat(*req.Format)
	}

	text, stats, err := s.app.Runner.FormatText(r.Context(), req.Text, fmtOpts, req.LLM)
	if err != nil {
		WriteKindError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"text": text, "stats": stats})
}
