package match

import (
	"context"
	"math"

	"github.com/viasinal/cadmatch/internal/asset"
	"github.com/viasinal/cadmatch/internal/tolerance"
)

// SimilarityDirectThreshold splits MATCH_DIRECT from SUBSTITUICAO when the
// geometry already qualifies. Tunable constant, not load-bearing structure.
const SimilarityDirectThreshold = 0.5

// Classifier turns a necessity plus ranked candidates into a typed decision
// with a reason code. It owns no state beyond the candidate searcher.
type Classifier struct {
	searcher *Searcher
}

// NewClassifier creates a classifier over the given searcher.
func NewClassifier(searcher *Searcher) *Classifier {
	return &Classifier{searcher: searcher}
}

// Classify finds candidates for the necessity and decides. A geometry
// failure is reported as a NO_MATCH result with INVALID_GEOMETRY plus the
// underlying error, so the batch runner can persist the downgrade and keep
// going.
func (c *Classifier) Classify(ctx context.Context, n *asset.Necessity, params tolerance.Params) (asset.MatchResult, error) {
	candidates, err := c.searcher.FindCandidates(ctx, n, params.SubstitutionDistanceM)
	if err != nil {
		return asset.MatchResult{
			Decision:   asset.DecisionNoMatch,
			ReasonCode: asset.ReasonInvalidGeometry,
		}, err
	}
	return Decide(n, candidates, params), nil
}

// Decide applies the per-class policy table to the best candidate. Pure:
// callers that already hold ranked candidates (the design-error detector,
// tests) call it directly.
func Decide(n *asset.Necessity, candidates []Candidate, params tolerance.Params) asset.MatchResult {
	if n.ElementType.Class() == asset.PointClass {
		return decidePoint(n, candidates, params)
	}
	return decideLinear(n, candidates, params)
}

func decidePoint(n *asset.Necessity, candidates []Candidate, params tolerance.Params) asset.MatchResult {
	if len(candidates) == 0 {
		return asset.MatchResult{
			Decision:   asset.DecisionNoMatch,
			ReasonCode: asset.ReasonNoCadastroNearby,
		}
	}

	best := candidates[0]
	sim, divergent := Similarity(n.Attributes, best.Element.Attributes, params.MatchAttributes)
	simOK := sim >= SimilarityDirectThreshold || len(params.MatchAttributes) == 0

	res := asset.MatchResult{
		Measure:             best.DistanceM,
		Score:               pointScore(best.DistanceM, sim, params.SubstitutionDistanceM),
		DivergentAttributes: divergent,
	}

	switch {
	case best.DistanceM > params.SubstitutionDistanceM:
		res.Decision = asset.DecisionNoMatch
		res.ReasonCode = asset.ReasonDistGtThreshold
	case best.DistanceM <= params.MatchDistanceM && simOK:
		res.Decision = asset.DecisionMatchDirect
		res.ReasonCode = asset.ReasonPerfectMatch
	case best.DistanceM <= params.MatchDistanceM:
		res.Decision = asset.DecisionSubstitution
		res.ReasonCode = asset.ReasonAttrMismatchSameLoc
	default:
		res.Decision = asset.DecisionSubstitution
		res.ReasonCode = asset.ReasonDistInGrayZone
	}

	if res.Decision != asset.DecisionNoMatch {
		id := best.Element.ID
		res.CandidateID = &id
	}
	return res
}

func decideLinear(n *asset.Necessity, candidates []Candidate, params tolerance.Params) asset.MatchResult {
	if len(candidates) == 0 {
		return asset.MatchResult{
			Decision:   asset.DecisionNoMatch,
			ReasonCode: asset.ReasonNoOverlapFound,
		}
	}

	best := candidates[0]
	sim, divergent := Similarity(n.Attributes, best.Element.Attributes, params.MatchAttributes)
	simOK := sim >= SimilarityDirectThreshold || len(params.MatchAttributes) == 0

	// Overlap fraction doubles as confidence for linear elements.
	res := asset.MatchResult{
		Measure:             best.Overlap,
		Score:               best.Overlap,
		DivergentAttributes: divergent,
	}

	switch {
	case best.Overlap >= params.OverlapMatchFraction && simOK:
		res.Decision = asset.DecisionMatchDirect
		res.ReasonCode = asset.ReasonHighOverlapPerfectAttr
	case best.Overlap >= params.OverlapMatchFraction:
		res.Decision = asset.DecisionSubstitution
		res.ReasonCode = asset.ReasonHighOverlapAttrDiverge
	case best.Overlap >= params.OverlapAmbiguousLow:
		res.Decision = asset.DecisionAmbiguous
		res.ReasonCode = asset.ReasonOverlapInGrayZone
	default:
		res.Decision = asset.DecisionNoMatch
		res.ReasonCode = asset.ReasonOverlapLtThreshold
	}

	if res.Decision != asset.DecisionNoMatch {
		id := best.Element.ID
		res.CandidateID = &id
	}
	return res
}

// pointScore blends proximity and attribute agreement into one confidence
// figure: clamp(0,1, (1 - d/substRadius)*0.5 + similarity*0.5).
func pointScore(distanceM, similarity, substitutionDistanceM float64) float64 {
	if substitutionDistanceM <= 0 {
		return 0
	}
	score := (1-distanceM/substitutionDistanceM)*0.5 + similarity*0.5
	return math.Max(0, math.Min(1, score))
}
