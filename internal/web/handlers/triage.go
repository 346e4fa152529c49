package handlers

import (
	"net/http"
	"strconv"

	"github.com/viasinal/cadmatch/internal/asset"
	"github.com/viasinal/cadmatch/internal/store"
)

// TriageFeed returns the review queue, worst matches first. Supported
// query parameters: highway_id, lot_id, reason_code, limit.
func (h *API) TriageFeed(w http.ResponseWriter, r *http.Request) {
	filter := store.TriageFeedFilter{
		ReasonCode: asset.ReasonCode(r.URL.Query().Get("reason_code")),
	}
	if v := r.URL.Query().Get("highway_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid highway_id"})
			return
		}
		filter.HighwayID = &id
	}
	if v := r.URL.Query().Get("lot_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid lot_id"})
			return
		}
		filter.LotID = &id
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		filter.Limit = n
	}

	feed, err := h.Store.TriageFeed(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]necessityView, 0, len(feed))
	for _, n := range feed {
		out = append(out, toNecessityView(n))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(out),
		"items": out,
	})
}

type triageRequest struct {
	Reviewer string `json:"reviewer"`
	Note     string `json:"note"`
	Reason   string `json:"reason"`
}

// ApproveTriage moves a proposed necessity to active.
func (h *API) ApproveTriage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return
	}
	var req triageRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	if req.Reviewer == "" {
		req.Reviewer = r.Header.Get("X-User-ID")
	}
	if err := h.Machine.Approve(r.Context(), id, req.Reviewer, req.Note); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"triage_state": string(asset.TriageActive)})
}

// RejectTriage moves a proposed necessity to rejected. The reason is
// mandatory.
func (h *API) RejectTriage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return
	}
	var req triageRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	if req.Reviewer == "" {
		req.Reviewer = r.Header.Get("X-User-ID")
	}
	if err := h.Machine.Reject(r.Context(), id, req.Reviewer, req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"triage_state": string(asset.TriageRejected)})
}

// RevertTriage sends an active or rejected necessity back to the queue.
func (h *API) RevertTriage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return
	}
	if err := h.Machine.RevertToTriage(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"triage_state": string(asset.TriageProposed)})
}
