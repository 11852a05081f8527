package server

import (
	"net/http"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/zhu-jl18/novel-proofer/internal/models"
)

// handleJobChart renders a PNG of per-chunk processing durations, a quick
// visual for spotting slow or retry-heavy chunks while debugging.
func (s *Server) handleJobChart(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	job, ok := s.getJob(w, r, jobID)
	if !ok {
		return
	}

	var xs, ys []float64
	for i := range job.Chunks {
		c := &job.Chunks[i]
		if c.State != models.ChunkDone || c.StartedAt == nil || c.FinishedAt == nil {
			continue
		}
		xs = append(xs, float64(c.Index))
		ys = append(ys, *c.FinishedAt-*c.StartedAt)
	}

	if len(xs) < 2 {
		WriteError(w, r, http.StatusConflict, "not enough completed chunks to chart")
		return
	}

	graph := chart.Chart{
		Title:  "Chunk processing time",
		Width:  900,
		Height: 360,
		XAxis:  chart.XAxis{Name: "chunk index"},
		YAxis:  chart.YAxis{Name: "seconds"},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    "duration",
				XValues: xs,
				YValues: ys,
			},
		},
	}

	w.Header().Set("Content-Type", "image/png")
	if err := graph.Render(chart.PNG, w); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to render chunk chart")
	}
}
