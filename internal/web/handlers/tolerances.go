package handlers

import (
	"net/http"

	"github.com/viasinal/cadmatch/internal/asset"
	"github.com/viasinal/cadmatch/internal/tolerance"
)

type toleranceView struct {
	ElementType           asset.ElementType `json:"element_type"`
	MatchDistanceM        float64           `json:"match_distance_m"`
	SubstitutionDistanceM float64           `json:"substitution_distance_m"`
	OverlapMatchFraction  float64           `json:"overlap_match_fraction"`
	OverlapAmbiguousLow   float64           `json:"overlap_ambiguous_low"`
	OverlapAmbiguousHigh  float64           `json:"overlap_ambiguous_high"`
	MatchAttributes       []string          `json:"match_attributes"`
}

func toToleranceView(p tolerance.Params) toleranceView {
	return toleranceView{
		ElementType:           p.ElementType,
		MatchDistanceM:        p.MatchDistanceM,
		SubstitutionDistanceM: p.SubstitutionDistanceM,
		OverlapMatchFraction:  p.OverlapMatchFraction,
		OverlapAmbiguousLow:   p.OverlapAmbiguousLow,
		OverlapAmbiguousHigh:  p.OverlapAmbiguousHigh,
		MatchAttributes:       p.MatchAttributes,
	}
}

// ListTolerances returns every active tolerance record.
func (h *API) ListTolerances(w http.ResponseWriter, r *http.Request) {
	params, err := h.Registry.ListAll(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]toleranceView, 0, len(params))
	for _, p := range params {
		out = append(out, toToleranceView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// SaveTolerance replaces the active tolerance record for one element type.
// The change applies to runs started afterwards; existing decisions keep
// the parameters they were made with until a reset.
func (h *API) SaveTolerance(w http.ResponseWriter, r *http.Request) {
	var view toleranceView
	if err := decodeBody(r, &view); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	if !view.ElementType.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown element type"})
		return
	}
	params := tolerance.Params{
		ElementType:           view.ElementType,
		MatchDistanceM:        view.MatchDistanceM,
		SubstitutionDistanceM: view.SubstitutionDistanceM,
		OverlapMatchFraction:  view.OverlapMatchFraction,
		OverlapAmbiguousLow:   view.OverlapAmbiguousLow,
		OverlapAmbiguousHigh:  view.OverlapAmbiguousHigh,
		MatchAttributes:       view.MatchAttributes,
	}
	if err := h.Registry.Validate(params); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	if err := h.Store.SaveTolerance(r.Context(), params); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toToleranceView(params))
}
