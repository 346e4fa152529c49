// Package tolerance holds the per-element-type matching parameters and the
// registry that serves them to the classifier. Parameters live in the store
// and are re-read at the start of each element-type batch, so an edit made
// mid-run applies to types not yet started.
package tolerance

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/viasinal/cadmatch/internal/asset"
)

// Params is the active tolerance record for one element type. Point types
// use the distance radii, linear types the overlap bands; MatchAttributes
// drives the similarity scorer for both classes.
type Params struct {
	ElementType asset.ElementType `validate:"required"`

	// Point policy.
	MatchDistanceM        float64 `validate:"gte=0"`
	SubstitutionDistanceM float64 `validate:"gte=0,gtefield=MatchDistanceM"`

	// Linear policy. The ambiguous band sits below the match threshold;
	// only Low <= High is required.
	OverlapMatchFraction float64 `validate:"gte=0,lte=1"`
	OverlapAmbiguousLow  float64 `validate:"gte=0,lte=1"`
	OverlapAmbiguousHigh float64 `validate:"gte=0,lte=1,gtefield=OverlapAmbiguousLow"`

	MatchAttributes []string
}

// Source is the persistence surface the registry reads from. ok=false means
// no active record exists for the type.
type Source interface {
	ToleranceFor(ctx context.Context, et asset.ElementType) (Params, bool, error)
	ListTolerances(ctx context.Context) ([]Params, error)
}

// Registry validates and serves tolerance parameters.
type Registry struct {
	source   Source
	validate *validator.Validate
}

// NewRegistry creates a registry over the given source.
func NewRegistry(source Source) *Registry {
	return &Registry{
		source:   source,
		validate: validator.New(),
	}
}

// Get returns the active parameters for an element type. A missing record
// is asset.ErrConfigMissing: fatal to that type's run, not recoverable
// per-record.
func (r *Registry) Get(ctx context.Context, et asset.ElementType) (Params, error) {
	params, ok, err := r.source.ToleranceFor(ctx, et)
	if err != nil {
		return Params{}, fmt.Errorf("loading tolerance for %s: %w", et, err)
	}
	if !ok {
		return Params{}, fmt.Errorf("%w: %s", asset.ErrConfigMissing, et)
	}
	if err := r.validate.Struct(params); err != nil {
		return Params{}, fmt.Errorf("tolerance record for %s is invalid: %w", et, err)
	}
	return params, nil
}

// Validate checks a tolerance record against the field constraints, for
// the administrative surface to run before saving.
func (r *Registry) Validate(p Params) error {
	if err := r.validate.Struct(p); err != nil {
		return fmt.Errorf("tolerance record for %s is invalid: %w", p.ElementType, err)
	}
	return nil
}

// ListAll returns every active tolerance record, for the administrative
// surface.
func (r *Registry) ListAll(ctx context.Context) ([]Params, error) {
	return r.source.ListTolerances(ctx)
}

// DefaultParams returns the shipped defaults for an element type. New
// deployments seed the store with these; the administrative UI tunes them
// afterwards.
func DefaultParams(et asset.ElementType) Params {
	p := Params{
		ElementType:     et,
		MatchAttributes: asset.AttributeSchema(et),
	}
	switch et.Class() {
	case asset.PointClass:
		p.MatchDistanceM = 15
		p.SubstitutionDistanceM = 80
	case asset.LinearClass:
		p.OverlapMatchFraction = 0.6
		p.OverlapAmbiguousLow = 0.2
		p.OverlapAmbiguousHigh = 0.6
	}
	return p
}
