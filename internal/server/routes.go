package server

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes sets up all REST API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.Handle("/metrics", promhttp.Handler())

	// One-shot formatting
	mux.HandleFunc("/api/format", s.handleFormat)

	// Jobs
	mux.HandleFunc("/api/jobs/purge-all", s.handlePurgeAll)
	mux.HandleFunc("/api/jobs/", s.routeJobs)
	mux.HandleFunc("/api/jobs", s.handleJobs)
}

// handleJobs serves the collection endpoints: POST creates, GET lists.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleJobCreate(w, r)
	case http.MethodGet:
		s.handleJobList(w, r)
	default:
		RequireMethod(w, r, http.MethodGet, http.MethodPost)
	}
}

// routeJobs dispatches /api/jobs/{id}[/{action}].
func (s *Server) routeJobs(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	parts := strings.SplitN(rest, "/", 2)

	jobID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleJobGet(w, r, jobID)
	case "input-stats":
		s.handleJobInputStats(w, r, jobID)
	case "download":
		s.handleJobDownload(w, r, jobID)
	case "chart":
		s.handleJobChart(w, r, jobID)
	case "cancel":
		s.handleJobCancel(w, r, jobID)
	case "pause":
		s.handleJobPause(w, r, jobID)
	case "resume":
		s.handleJobResume(w, r, jobID)
	case "retry-failed":
		s.handleJobRetryFailed(w, r, jobID)
	case "merge":
		s.handleJobMerge(w, r, jobID)
	case "reset":
		s.handleJobReset(w, r, jobID)
	case "cleanup-debug":
		s.handleJobCleanupDebug(w, r, jobID)
	case "rerun-all":
		s.handleJobRerunAll(w, r, jobID)
	default:
		WriteError(w, r, http.StatusNotFound, "Unknown job action: "+action)
	}
}
