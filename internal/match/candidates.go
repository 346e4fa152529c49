package match

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/viasinal/cadmatch/internal/asset"
	"github.com/viasinal/cadmatch/internal/geo"
)

// CadastroSource is the inventory query surface candidate search needs.
// PointCandidates may over-approximate (bounding-box prefilter); the exact
// great-circle distance is computed and ordered here.
type CadastroSource interface {
	PointCandidates(ctx context.Context, et asset.ElementType, highwayID int64, lat, lon, radiusM float64) ([]asset.CadastroElement, error)
	LinearCandidates(ctx context.Context, et asset.ElementType, highwayID int64, startM, endM float64) ([]asset.CadastroElement, error)
}

// Candidate is an inventoried element considered for a necessity, with the
// geometric measure that ranks it: distance in meters for point types,
// chainage overlap fraction for linear types.
type Candidate struct {
	Element   asset.CadastroElement
	DistanceM float64
	Overlap   float64
}

// Searcher finds and ranks inventory candidates for a necessity.
type Searcher struct {
	source CadastroSource
}

// NewSearcher creates a candidate searcher over the inventory source.
func NewSearcher(source CadastroSource) *Searcher {
	return &Searcher{source: source}
}

// FindCandidates returns candidates of the necessity's type and highway,
// deterministically ordered: ascending distance for point types, descending
// overlap for linear types. Point candidates are bounded by radiusM (the
// substitution radius); linear candidates must overlap the necessity's
// chainage range at all. Missing or NaN geometry fails with
// asset.ErrMissingGeometry so the caller can downgrade the record instead
// of aborting the batch.
func (s *Searcher) FindCandidates(ctx context.Context, n *asset.Necessity, radiusM float64) ([]Candidate, error) {
	switch n.ElementType.Class() {
	case asset.PointClass:
		return s.findPoint(ctx, n, radiusM)
	default:
		return s.findLinear(ctx, n)
	}
}

func (s *Searcher) findPoint(ctx context.Context, n *asset.Necessity, radiusM float64) ([]Candidate, error) {
	if n.Lat == nil || n.Lon == nil {
		return nil, fmt.Errorf("%w: necessity %d has no point coordinates", asset.ErrMissingGeometry, n.ID)
	}
	lat, lon := *n.Lat, *n.Lon
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return nil, fmt.Errorf("%w: necessity %d has NaN coordinates", asset.ErrMissingGeometry, n.ID)
	}

	elements, err := s.source.PointCandidates(ctx, n.ElementType, n.HighwayID, lat, lon, radiusM)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(elements))
	for _, el := range elements {
		d := geo.PointDistanceMeters(lat, lon, el.Lat, el.Lon)
		if d > radiusM {
			continue
		}
		candidates = append(candidates, Candidate{Element: el, DistanceM: d})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].DistanceM != candidates[j].DistanceM {
			return candidates[i].DistanceM < candidates[j].DistanceM
		}
		return candidates[i].Element.ID < candidates[j].Element.ID
	})
	return candidates, nil
}

func (s *Searcher) findLinear(ctx context.Context, n *asset.Necessity) ([]Candidate, error) {
	if n.StartM == nil || n.EndM == nil {
		return nil, fmt.Errorf("%w: necessity %d has no chainage range", asset.ErrMissingGeometry, n.ID)
	}
	start, end := *n.StartM, *n.EndM
	if math.IsNaN(start) || math.IsNaN(end) {
		return nil, fmt.Errorf("%w: necessity %d has NaN chainage", asset.ErrMissingGeometry, n.ID)
	}

	elements, err := s.source.LinearCandidates(ctx, n.ElementType, n.HighwayID, start, end)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(elements))
	for _, el := range elements {
		if el.StartM == nil || el.EndM == nil {
			continue
		}
		overlap := geo.SegmentOverlapFraction(start, end, *el.StartM, *el.EndM)
		if overlap <= 0 {
			continue
		}
		candidates = append(candidates, Candidate{Element: el, Overlap: overlap})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Overlap != candidates[j].Overlap {
			return candidates[i].Overlap > candidates[j].Overlap
		}
		return candidates[i].Element.ID < candidates[j].Element.ID
	})
	return candidates, nil
}
