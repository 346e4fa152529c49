package handlers

import (
	"context"
	"net/http"

	"github.com/viasinal/cadmatch/internal/asset"
	"github.com/viasinal/cadmatch/internal/runner"
	"github.com/viasinal/cadmatch/internal/store"
)

type batchRequest struct {
	ElementTypes []asset.ElementType `json:"element_types"`
	HighwayID    *int64              `json:"highway_id"`
	LotID        *int64              `json:"lot_id"`
}

func (b batchRequest) types() ([]asset.ElementType, bool) {
	if len(b.ElementTypes) == 0 {
		return asset.AllElementTypes(), true
	}
	for _, et := range b.ElementTypes {
		if !et.Valid() {
			return nil, false
		}
	}
	return b.ElementTypes, true
}

func (b batchRequest) filters() store.Filters {
	return store.Filters{HighwayID: b.HighwayID, LotID: b.LotID}
}

type typeStatsView struct {
	Total       int `json:"total"`
	Matched     int `json:"matched"`
	Substituted int `json:"substituted"`
	Ambiguous   int `json:"ambiguous"`
	NoMatch     int `json:"no_match"`
	Errors      int `json:"errors"`
}

type runReportView struct {
	RunID        string                              `json:"run_id"`
	PerType      map[asset.ElementType]typeStatsView `json:"per_type"`
	SkippedTypes []asset.ElementType                 `json:"skipped_types,omitempty"`
	AverageScore float64                             `json:"average_score"`
	Stopped      bool                                `json:"stopped"`
	Running      bool                                `json:"running"`
}

func toRunReportView(r *runner.RunReport, running bool) runReportView {
	view := runReportView{
		RunID:        r.RunID,
		PerType:      make(map[asset.ElementType]typeStatsView, len(r.PerType)),
		SkippedTypes: r.SkippedTypes,
		AverageScore: r.AverageScore,
		Stopped:      r.Stopped,
		Running:      running,
	}
	for et, st := range r.PerType {
		view.PerType[et] = typeStatsView{
			Total:       st.Total,
			Matched:     st.Matched,
			Substituted: st.Substituted,
			Ambiguous:   st.Ambiguous,
			NoMatch:     st.NoMatch,
			Errors:      st.Errors,
		}
	}
	return view
}

// StartRun launches a matching batch in the background. Only one run may be
// in flight at a time; a second start is refused with 409.
func (h *API) StartRun(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	types, ok := req.types()
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown element type"})
		return
	}

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		writeJSON(w, http.StatusConflict, errorResponse{Error: "a matching run is already in progress"})
		return
	}
	h.running = true
	h.stop = &runner.StopFlag{}
	stop := h.stop
	h.mu.Unlock()

	go func() {
		// The run outlives the triggering request.
		_, err := h.Runner.Run(context.Background(), types, req.filters(), stop)
		if err != nil {
			h.Log.WithError(err).Error("matching run failed")
		}
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// StopRun requests the in-flight run to halt after the current record.
func (h *API) StopRun(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running || h.stop == nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "no matching run in progress"})
		return
	}
	h.stop.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// RunProgress returns a snapshot of the last or current run's counters.
func (h *API) RunProgress(w http.ResponseWriter, r *http.Request) {
	snapshot := h.Runner.Snapshot()
	if snapshot == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"running": false})
		return
	}
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, toRunReportView(snapshot, running))
}

// ResetDecisions clears decisions for the requested types so a run can be
// repeated after a tolerance change.
func (h *API) ResetDecisions(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	types, ok := req.types()
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown element type"})
		return
	}

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		writeJSON(w, http.StatusConflict, errorResponse{Error: "a matching run is in progress"})
		return
	}
	h.mu.Unlock()

	report := h.Runner.Reset(r.Context(), types)
	failed := make(map[asset.ElementType]string, len(report.Failed))
	for et, err := range report.Failed {
		failed[et] = err.Error()
	}
	status := http.StatusOK
	if len(failed) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]interface{}{
		"cleared": report.Cleared,
		"failed":  failed,
	})
}

// RunDesignCheck sweeps install necessities for design errors.
func (h *API) RunDesignCheck(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	types, ok := req.types()
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown element type"})
		return
	}
	stats, err := h.Detector.Run(r.Context(), types, req.filters())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"checked":           stats.Checked,
		"flagged_existing":  stats.FlaggedExisting,
		"flagged_divergent": stats.FlaggedDivergent,
		"cleared":           stats.Cleared,
		"errors":            stats.Errors,
	})
}
