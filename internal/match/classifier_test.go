package match

import (
	"testing"

	"github.com/viasinal/cadmatch/internal/asset"
	"github.com/viasinal/cadmatch/internal/tolerance"
)

func signParams() tolerance.Params {
	return tolerance.Params{
		ElementType:           asset.Sign,
		MatchDistanceM:        15,
		SubstitutionDistanceM: 80,
		MatchAttributes:       []string{"codigo", "pelicula", "suporte", "lado", "formato"},
	}
}

func guardrailParams() tolerance.Params {
	return tolerance.Params{
		ElementType:          asset.Guardrail,
		OverlapMatchFraction: 0.6,
		OverlapAmbiguousLow:  0.20,
		OverlapAmbiguousHigh: 0.30,
		MatchAttributes:      []string{"tipo", "perfil"},
	}
}

func pointNecessity(attrs map[string]string) *asset.Necessity {
	lat, lon := -23.55, -46.63
	return &asset.Necessity{
		ID:          1,
		ElementType: asset.Sign,
		HighwayID:   10,
		ServiceKind: asset.ServiceSubstitute,
		Lat:         &lat,
		Lon:         &lon,
		Attributes:  attrs,
	}
}

func pointCandidate(id int64, distance float64, attrs map[string]string) Candidate {
	return Candidate{
		Element: asset.CadastroElement{
			ID: id, ElementType: asset.Sign, HighwayID: 10, Attributes: attrs,
		},
		DistanceM: distance,
	}
}

func TestDecidePoint(t *testing.T) {
	// Five attributes, so similarity moves in steps of 0.2 when all are
	// filled on both sides.
	full := map[string]string{"codigo": "R-1", "pelicula": "III", "suporte": "simples", "lado": "direito", "formato": "circular"}
	oneOff := map[string]string{"codigo": "R-1", "pelicula": "IV", "suporte": "simples", "lado": "direito", "formato": "circular"}
	mostlyOff := map[string]string{"codigo": "R-2", "pelicula": "IV", "suporte": "duplo", "lado": "esquerdo", "formato": "circular"}

	tests := []struct {
		name       string
		candidates []Candidate
		wantDec    asset.Decision
		wantReason asset.ReasonCode
		wantCand   bool
	}{
		{
			name:       "no candidate at all",
			candidates: nil,
			wantDec:    asset.DecisionNoMatch,
			wantReason: asset.ReasonNoCadastroNearby,
		},
		{
			// Example 1 from the acceptance set: 10 m, similarity 0.8.
			name:       "close with agreeing attributes",
			candidates: []Candidate{pointCandidate(7, 10, oneOff)},
			wantDec:    asset.DecisionMatchDirect,
			wantReason: asset.ReasonPerfectMatch,
			wantCand:   true,
		},
		{
			name:       "close with divergent attributes",
			candidates: []Candidate{pointCandidate(7, 10, mostlyOff)},
			wantDec:    asset.DecisionSubstitution,
			wantReason: asset.ReasonAttrMismatchSameLoc,
			wantCand:   true,
		},
		{
			// Example 2: 60 m, similarity 0.2 — the distance band wins.
			name:       "gray zone distance",
			candidates: []Candidate{pointCandidate(7, 60, mostlyOff)},
			wantDec:    asset.DecisionSubstitution,
			wantReason: asset.ReasonDistInGrayZone,
			wantCand:   true,
		},
		{
			name:       "beyond substitution radius",
			candidates: []Candidate{pointCandidate(7, 95, full)},
			wantDec:    asset.DecisionNoMatch,
			wantReason: asset.ReasonDistGtThreshold,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Decide(pointNecessity(full), tt.candidates, signParams())
			if res.Decision != tt.wantDec {
				t.Errorf("Decide() decision = %s, want %s", res.Decision, tt.wantDec)
			}
			if res.ReasonCode != tt.wantReason {
				t.Errorf("Decide() reason = %s, want %s", res.ReasonCode, tt.wantReason)
			}
			if (res.CandidateID != nil) != tt.wantCand {
				t.Errorf("Decide() candidateID set = %v, want %v", res.CandidateID != nil, tt.wantCand)
			}
			if res.Score < 0 || res.Score > 1 {
				t.Errorf("Decide() score = %v, outside [0,1]", res.Score)
			}
		})
	}
}

func TestDecidePointEmptyMatchAttributes(t *testing.T) {
	params := signParams()
	params.MatchAttributes = nil

	res := Decide(pointNecessity(nil), []Candidate{pointCandidate(3, 5, nil)}, params)
	if res.Decision != asset.DecisionMatchDirect {
		t.Errorf("empty matchAttributes at match distance should be MATCH_DIRECT, got %s", res.Decision)
	}
}

func TestDecidePointScore(t *testing.T) {
	full := map[string]string{"codigo": "R-1", "pelicula": "III", "suporte": "simples", "lado": "direito", "formato": "circular"}
	res := Decide(pointNecessity(full), []Candidate{pointCandidate(7, 40, full)}, signParams())

	// (1 - 40/80)*0.5 + 1.0*0.5 = 0.75
	if res.Score < 0.749 || res.Score > 0.751 {
		t.Errorf("point score = %v, want 0.75", res.Score)
	}
}

func TestDecidePointMonotonicity(t *testing.T) {
	// Shrinking the direct-match radius must never create new MATCH_DIRECT
	// decisions for the same candidate set.
	full := map[string]string{"codigo": "R-1", "pelicula": "III", "suporte": "simples", "lado": "direito", "formato": "circular"}
	candidates := []Candidate{pointCandidate(7, 12, full)}

	wide := signParams()
	narrow := signParams()
	narrow.MatchDistanceM = 5

	wideRes := Decide(pointNecessity(full), candidates, wide)
	narrowRes := Decide(pointNecessity(full), candidates, narrow)

	if wideRes.Decision != asset.DecisionMatchDirect {
		t.Fatalf("wide radius should match directly, got %s", wideRes.Decision)
	}
	if narrowRes.Decision == asset.DecisionMatchDirect {
		t.Error("narrow radius produced MATCH_DIRECT where the wide radius boundary was already the limit")
	}
}

func TestDecideLinearEmptyMatchAttributes(t *testing.T) {
	params := guardrailParams()
	params.MatchAttributes = nil

	res := Decide(linearNecessity(0, 100), []Candidate{linearCandidate(4, 0.85, nil)}, params)
	if res.Decision != asset.DecisionMatchDirect {
		t.Errorf("empty matchAttributes at high overlap should be MATCH_DIRECT, got %s", res.Decision)
	}
	if res.ReasonCode != asset.ReasonHighOverlapPerfectAttr {
		t.Errorf("reason = %s, want %s", res.ReasonCode, asset.ReasonHighOverlapPerfectAttr)
	}
}

func linearNecessity(start, end float64) *asset.Necessity {
	return &asset.Necessity{
		ID:          2,
		ElementType: asset.Guardrail,
		HighwayID:   10,
		ServiceKind: asset.ServiceSubstitute,
		StartM:      &start,
		EndM:        &end,
		Attributes:  map[string]string{"tipo": "metalica", "perfil": "W"},
	}
}

func linearCandidate(id int64, overlap float64, attrs map[string]string) Candidate {
	s, e := 0.0, 100.0
	return Candidate{
		Element: asset.CadastroElement{
			ID: id, ElementType: asset.Guardrail, HighwayID: 10,
			StartM: &s, EndM: &e, Attributes: attrs,
		},
		Overlap: overlap,
	}
}

func TestDecideLinear(t *testing.T) {
	same := map[string]string{"tipo": "metalica", "perfil": "W"}
	other := map[string]string{"tipo": "concreto", "perfil": "new jersey"}

	tests := []struct {
		name       string
		candidates []Candidate
		wantDec    asset.Decision
		wantReason asset.ReasonCode
	}{
		{
			name:       "no overlap at all",
			candidates: nil,
			wantDec:    asset.DecisionNoMatch,
			wantReason: asset.ReasonNoOverlapFound,
		},
		{
			name:       "high overlap agreeing attributes",
			candidates: []Candidate{linearCandidate(4, 0.85, same)},
			wantDec:    asset.DecisionMatchDirect,
			wantReason: asset.ReasonHighOverlapPerfectAttr,
		},
		{
			name:       "high overlap divergent attributes",
			candidates: []Candidate{linearCandidate(4, 0.85, other)},
			wantDec:    asset.DecisionSubstitution,
			wantReason: asset.ReasonHighOverlapAttrDiverge,
		},
		{
			// Example 3: overlap 0.28 inside the [0.20, 0.30) band.
			name:       "ambiguous band",
			candidates: []Candidate{linearCandidate(4, 0.28, same)},
			wantDec:    asset.DecisionAmbiguous,
			wantReason: asset.ReasonOverlapInGrayZone,
		},
		{
			name:       "below ambiguous band",
			candidates: []Candidate{linearCandidate(4, 0.1, same)},
			wantDec:    asset.DecisionNoMatch,
			wantReason: asset.ReasonOverlapLtThreshold,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Decide(linearNecessity(0, 100), tt.candidates, guardrailParams())
			if res.Decision != tt.wantDec {
				t.Errorf("Decide() decision = %s, want %s", res.Decision, tt.wantDec)
			}
			if res.ReasonCode != tt.wantReason {
				t.Errorf("Decide() reason = %s, want %s", res.ReasonCode, tt.wantReason)
			}
			if len(tt.candidates) > 0 && res.Score != tt.candidates[0].Overlap {
				t.Errorf("linear score = %v, want overlap %v", res.Score, tt.candidates[0].Overlap)
			}
			if res.Decision == asset.DecisionNoMatch && res.CandidateID != nil {
				t.Error("NO_MATCH must not carry a candidate id")
			}
		})
	}
}
