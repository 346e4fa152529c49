package handlers

import (
	"net/http"
	"time"

	"github.com/viasinal/cadmatch/internal/asset"
)

type reconciliationView struct {
	ID                     int64                      `json:"id"`
	NecessityID            int64                      `json:"necessity_id"`
	CadastroID             int64                      `json:"cadastro_id"`
	Status                 asset.ReconciliationStatus `json:"status"`
	RequestedBy            string                     `json:"requested_by"`
	RequestedAt            time.Time                  `json:"requested_at"`
	ApprovedBy             string                     `json:"approved_by,omitempty"`
	ApprovedAt             *time.Time                 `json:"approved_at,omitempty"`
	ObservationUser        string                     `json:"observation_user,omitempty"`
	ObservationCoordinator string                     `json:"observation_coordinator,omitempty"`
}

func toReconciliationView(r asset.ReconciliationRequest) reconciliationView {
	return reconciliationView{
		ID:                     r.ID,
		NecessityID:            r.NecessityID,
		CadastroID:             r.CadastroID,
		Status:                 r.Status,
		RequestedBy:            r.RequestedBy,
		RequestedAt:            r.RequestedAt,
		ApprovedBy:             r.ApprovedBy,
		ApprovedAt:             r.ApprovedAt,
		ObservationUser:        r.ObservationUser,
		ObservationCoordinator: r.ObservationCoordinator,
	}
}

type reconciliationBody struct {
	Note string `json:"note"`
}

// SubmitReconciliation opens a reconciliation request for the necessity's
// matched cadastro element. The acting technician comes from the
// X-User-ID / X-User-Role headers.
func (h *API) SubmitReconciliation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return
	}
	var body reconciliationBody
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	req, err := h.Machine.SubmitForApproval(r.Context(), id, actorFrom(r), body.Note)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReconciliationView(req))
}

// ApproveReconciliation ratifies a pending request as coordinator.
func (h *API) ApproveReconciliation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return
	}
	var body reconciliationBody
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	if err := h.Machine.ApproveAsCoordinator(r.Context(), id, actorFrom(r), body.Note); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(asset.ReconciliationApproved)})
}

// RejectReconciliation refuses a pending request as coordinator.
func (h *API) RejectReconciliation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return
	}
	var body reconciliationBody
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	if err := h.Machine.RejectAsCoordinator(r.Context(), id, actorFrom(r), body.Note); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(asset.ReconciliationRejected)})
}

type divergenceBody struct {
	Chosen        asset.ServiceKind `json:"chosen"`
	Justification string            `json:"justification"`
}

// ResolveDivergence records which service wins when the spreadsheet and the
// inference disagree.
func (h *API) ResolveDivergence(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return
	}
	var body divergenceBody
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	if err := h.Machine.ResolveDivergence(r.Context(), id, body.Chosen, actorFrom(r), body.Justification); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"service_kind": string(body.Chosen)})
}
