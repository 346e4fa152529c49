// Package designcheck flags install necessities that collide with the
// surveyed inventory: asking to build a sign where one already stands is a
// project design error, not a matching problem. The pass only touches
// install necessities without a human decision and writes fields disjoint
// from the batch matcher, so the two can run in either order.
package designcheck

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/viasinal/cadmatch/internal/asset"
	"github.com/viasinal/cadmatch/internal/geo"
	"github.com/viasinal/cadmatch/internal/match"
	"github.com/viasinal/cadmatch/internal/store"
	"github.com/viasinal/cadmatch/internal/tolerance"
)

// Search radii are fixed by policy, independent of the tolerance registry's
// substitution radius. Tunable constants, not architecture.
const (
	CylinderSearchRadiusM = 1000.0
	DefaultSearchRadiusM  = 500.0

	// ImmediateVicinityM flags an install regardless of attributes.
	ImmediateVicinityM = 50.0
	// NearbyBandM flags an install when attributes also agree.
	NearbyBandM = 200.0

	similarAttrThreshold = 0.5
)

const pageSize = 500

// Stats counts one detector pass.
type Stats struct {
	Checked          int
	FlaggedExisting  int
	FlaggedDivergent int
	Cleared          int
	Errors           int
}

// Detector runs the design-error pass.
type Detector struct {
	store    store.Store
	registry *tolerance.Registry
	log      *logrus.Logger
}

// New creates a detector.
func New(st store.Store, registry *tolerance.Registry, log *logrus.Logger) *Detector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Detector{store: st, registry: registry, log: log}
}

// SearchRadiusM returns the fixed candidate search radius for a type.
func SearchRadiusM(et asset.ElementType) float64 {
	if et == asset.DelineatorCylinder {
		return CylinderSearchRadiusM
	}
	return DefaultSearchRadiusM
}

// Run checks every install necessity of the given types that has no human
// decision yet. Flagged records are set to PENDENTE_REVISAO and parked in
// triage; clean records have any stale flag cleared.
func (d *Detector) Run(ctx context.Context, types []asset.ElementType, filters store.Filters) (*Stats, error) {
	stats := &Stats{}
	for _, et := range types {
		attrs := d.matchAttributes(ctx, et)
		if err := d.runType(ctx, et, attrs, filters, stats); err != nil {
			return stats, err
		}
	}
	d.log.WithFields(logrus.Fields{
		"checked":           stats.Checked,
		"flagged_existing":  stats.FlaggedExisting,
		"flagged_divergent": stats.FlaggedDivergent,
		"cleared":           stats.Cleared,
		"errors":            stats.Errors,
	}).Info("design-error pass finished")
	return stats, nil
}

func (d *Detector) runType(ctx context.Context, et asset.ElementType, attrs []string, filters store.Filters, stats *Stats) error {
	var afterID int64
	for {
		page, err := d.store.InstallNecessities(ctx, et, filters, afterID, pageSize)
		if err != nil {
			return err
		}
		for i := range page {
			n := page[i]
			afterID = n.ID
			d.checkOne(ctx, &n, attrs, stats)
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

func (d *Detector) checkOne(ctx context.Context, n *asset.Necessity, attrs []string, stats *Stats) {
	stats.Checked++
	log := d.log.WithFields(logrus.Fields{"necessity_id": n.ID, "element_type": n.ElementType})

	flag, err := d.Evaluate(ctx, n, attrs)
	if err != nil {
		if errors.Is(err, asset.ErrMissingGeometry) {
			// Nothing to co-locate against; the matcher will downgrade it.
			log.Debug("no geometry for design check, skipping")
			stats.Checked--
			return
		}
		log.WithError(err).Error("design check failed")
		stats.Errors++
		return
	}

	if flag == asset.DesignErrorNone {
		if err := d.store.ApplyDesignCheck(ctx, n.ID, false, asset.DesignErrorNone, asset.UserDecisionNone, ""); err != nil {
			log.WithError(err).Error("clearing design flag failed")
			stats.Errors++
			return
		}
		stats.Cleared++
		return
	}

	if err := d.store.ApplyDesignCheck(ctx, n.ID, true, flag, asset.UserDecisionPendingReview, asset.TriageProposed); err != nil {
		log.WithError(err).Error("persisting design flag failed")
		stats.Errors++
		return
	}
	log.WithField("flag", flag).Info("design error flagged")
	switch flag {
	case asset.DesignErrorInstallOverExisting:
		stats.FlaggedExisting++
	case asset.DesignErrorNearbyDivergent:
		stats.FlaggedDivergent++
	}
}

// Evaluate applies the banding policy to one install necessity and returns
// the flag it deserves, DesignErrorNone when it can proceed as a genuine
// new installation.
func (d *Detector) Evaluate(ctx context.Context, n *asset.Necessity, attrs []string) (asset.DesignErrorFlag, error) {
	if n.Lat == nil || n.Lon == nil || math.IsNaN(*n.Lat) || math.IsNaN(*n.Lon) {
		return asset.DesignErrorNone, asset.ErrMissingGeometry
	}
	radius := SearchRadiusM(n.ElementType)

	elements, err := d.store.PointCandidates(ctx, n.ElementType, n.HighwayID, *n.Lat, *n.Lon, radius)
	if err != nil {
		return asset.DesignErrorNone, err
	}
	if len(elements) == 0 {
		return asset.DesignErrorNone, nil
	}

	type scored struct {
		el asset.CadastroElement
		d  float64
	}
	candidates := make([]scored, 0, len(elements))
	for _, el := range elements {
		dist := geo.PointDistanceMeters(*n.Lat, *n.Lon, el.Lat, el.Lon)
		if dist > radius {
			continue
		}
		candidates = append(candidates, scored{el: el, d: dist})
	}
	if len(candidates) == 0 {
		return asset.DesignErrorNone, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].d != candidates[j].d {
			return candidates[i].d < candidates[j].d
		}
		return candidates[i].el.ID < candidates[j].el.ID
	})

	best := candidates[0]
	similarity, _ := match.Similarity(n.Attributes, best.el.Attributes, attrs)

	switch {
	case best.d < ImmediateVicinityM:
		return asset.DesignErrorInstallOverExisting, nil
	case best.d < NearbyBandM && similarity >= similarAttrThreshold:
		return asset.DesignErrorInstallOverExisting, nil
	case similarity < similarAttrThreshold:
		return asset.DesignErrorNearbyDivergent, nil
	default:
		return asset.DesignErrorNone, nil
	}
}

// matchAttributes prefers the tolerance registry's configured attribute
// list and falls back to the type schema when no record is active — the
// detector's radii do not depend on the registry and neither should its
// ability to run.
func (d *Detector) matchAttributes(ctx context.Context, et asset.ElementType) []string {
	params, err := d.registry.Get(ctx, et)
	if err != nil {
		return asset.AttributeSchema(et)
	}
	return params.MatchAttributes
}
