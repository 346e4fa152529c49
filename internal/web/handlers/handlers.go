// Package handlers implements the HTTP endpoints over the engine.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/viasinal/cadmatch/internal/asset"
	"github.com/viasinal/cadmatch/internal/designcheck"
	"github.com/viasinal/cadmatch/internal/runner"
	"github.com/viasinal/cadmatch/internal/store"
	"github.com/viasinal/cadmatch/internal/tolerance"
	"github.com/viasinal/cadmatch/internal/triage"
)

// API carries the engine components the endpoints act on.
type API struct {
	Store    store.Store
	Runner   *runner.Runner
	Detector *designcheck.Detector
	Machine  *triage.Machine
	Registry *tolerance.Registry
	Log      *logrus.Logger

	mu      sync.Mutex
	running bool
	stop    *runner.StopFlag
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the engine's sentinel errors onto HTTP statuses.
func (h *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, asset.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, asset.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, asset.ErrMissingJustification):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, asset.ErrConfigMissing):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.Log.WithError(err).Error("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

// decodeBody parses an optional JSON body; an empty body leaves v zeroed.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// actorFrom reads the acting user from the request headers.
func actorFrom(r *http.Request) triage.Actor {
	return triage.Actor{
		ID:   r.Header.Get("X-User-ID"),
		Role: triage.Role(r.Header.Get("X-User-Role")),
	}
}

// Health reports liveness.
func (h *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// necessityView is the wire shape of a necessity.
type necessityView struct {
	ID          int64             `json:"id"`
	ElementType asset.ElementType `json:"element_type"`
	HighwayID   int64             `json:"highway_id"`
	LotID       int64             `json:"lot_id"`
	ServiceKind asset.ServiceKind `json:"service_kind"`

	Lat    *float64 `json:"lat,omitempty"`
	Lon    *float64 `json:"lon,omitempty"`
	StartM *float64 `json:"start_m,omitempty"`
	EndM   *float64 `json:"end_m,omitempty"`

	Attributes map[string]string `json:"attributes,omitempty"`

	CandidateID         *int64           `json:"candidate_id,omitempty"`
	Decision            asset.Decision   `json:"decision,omitempty"`
	Score               float64          `json:"score"`
	ReasonCode          asset.ReasonCode `json:"reason_code,omitempty"`
	Measure             float64          `json:"measure"`
	DivergentAttributes []string         `json:"divergent_attributes,omitempty"`

	DesignErrorDetected bool                  `json:"design_error_detected"`
	DesignErrorFlag     asset.DesignErrorFlag `json:"design_error_flag,omitempty"`
	UserDecision        asset.UserDecision    `json:"user_decision,omitempty"`

	TriageState asset.TriageState `json:"triage_state"`
	ReviewedBy  string            `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time        `json:"reviewed_at,omitempty"`
	ReasonNote  string            `json:"reason_note,omitempty"`

	SolucaoPlanilha         asset.ServiceKind `json:"solucao_planilha,omitempty"`
	ServicoInferido         asset.ServiceKind `json:"servico_inferido,omitempty"`
	Divergencia             bool              `json:"divergencia"`
	DivergenceResolvedBy    string            `json:"divergence_resolved_by,omitempty"`
	DivergenceResolvedAt    *time.Time        `json:"divergence_resolved_at,omitempty"`
	DivergenceJustification string            `json:"divergence_justification,omitempty"`
}

func toNecessityView(n asset.Necessity) necessityView {
	return necessityView{
		ID:                      n.ID,
		ElementType:             n.ElementType,
		HighwayID:               n.HighwayID,
		LotID:                   n.LotID,
		ServiceKind:             n.ServiceKind,
		Lat:                     n.Lat,
		Lon:                     n.Lon,
		StartM:                  n.StartM,
		EndM:                    n.EndM,
		Attributes:              n.Attributes,
		CandidateID:             n.CandidateID,
		Decision:                n.Decision,
		Score:                   n.Score,
		ReasonCode:              n.ReasonCode,
		Measure:                 n.Measure,
		DivergentAttributes:     n.DivergentAttributes,
		DesignErrorDetected:     n.DesignErrorDetected,
		DesignErrorFlag:         n.DesignErrorFlag,
		UserDecision:            n.UserDecision,
		TriageState:             n.TriageState,
		ReviewedBy:              n.ReviewedBy,
		ReviewedAt:              n.ReviewedAt,
		ReasonNote:              n.ReasonNote,
		SolucaoPlanilha:         n.SolucaoPlanilha,
		ServicoInferido:         n.ServicoInferido,
		Divergencia:             n.Divergencia,
		DivergenceResolvedBy:    n.DivergenceResolvedBy,
		DivergenceResolvedAt:    n.DivergenceResolvedAt,
		DivergenceJustification: n.DivergenceJustification,
	}
}

// GetNecessity returns one necessity with its full match and triage state.
func (h *API) GetNecessity(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return
	}
	n, err := h.Store.GetNecessity(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toNecessityView(n))
}
