package runner

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viasinal/cadmatch/internal/asset"
	"github.com/viasinal/cadmatch/internal/match"
	"github.com/viasinal/cadmatch/internal/store"
	"github.com/viasinal/cadmatch/internal/tolerance"
)

func ptr[T any](v T) *T { return &v }

func newTestRunner(t *testing.T) (*Runner, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()

	require.NoError(t, mem.SaveTolerance(context.Background(), tolerance.Params{
		ElementType:           asset.Sign,
		MatchDistanceM:        15,
		SubstitutionDistanceM: 80,
		MatchAttributes:       []string{"codigo", "pelicula"},
	}))
	require.NoError(t, mem.SaveTolerance(context.Background(), tolerance.Params{
		ElementType:          asset.Guardrail,
		OverlapMatchFraction: 0.6,
		OverlapAmbiguousLow:  0.2,
		OverlapAmbiguousHigh: 0.6,
		MatchAttributes:      []string{"tipo"},
	}))

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	registry := tolerance.NewRegistry(mem)
	classifier := match.NewClassifier(match.NewSearcher(mem))
	return New(mem, registry, classifier, log), mem
}

// seedSignPair creates a sign necessity about 33 m from an inventoried sign
// with identical attributes.
func seedSignPair(mem *store.Memory) asset.Necessity {
	attrs := map[string]string{"codigo": "R-19", "pelicula": "III"}
	mem.AddCadastro(asset.CadastroElement{
		ElementType: asset.Sign, HighwayID: 1, LotID: 1,
		Lat: -23.5500, Lon: -46.6300, Attributes: attrs,
	})
	return mem.AddNecessity(asset.Necessity{
		ElementType: asset.Sign, HighwayID: 1, LotID: 1,
		ServiceKind: asset.ServiceSubstitute,
		Lat:         ptr(-23.5503), Lon: ptr(-46.6300),
		Attributes:  attrs,
	})
}

func TestRunClassifiesAndPersists(t *testing.T) {
	r, mem := newTestRunner(t)
	n := seedSignPair(mem)

	report, err := r.Run(context.Background(), []asset.ElementType{asset.Sign}, store.Filters{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, report.RunID)

	stats := report.PerType[asset.Sign]
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Substituted, "33 m sits in the gray zone between 15 m and 80 m")

	got, err := mem.GetNecessity(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, asset.DecisionSubstitution, got.Decision)
	assert.Equal(t, asset.ReasonDistInGrayZone, got.ReasonCode)
	assert.NotNil(t, got.CandidateID)
	assert.Equal(t, asset.TriageActive, got.TriageState, "substitution decisions are auto-promoted")
	assert.Equal(t, asset.ServiceSubstitute, got.ServicoInferido)
	assert.False(t, got.Divergencia)
}

func TestRunMissingGeometryDowngrades(t *testing.T) {
	r, mem := newTestRunner(t)
	n := mem.AddNecessity(asset.Necessity{
		ElementType: asset.Sign, HighwayID: 1, LotID: 1,
		ServiceKind: asset.ServiceInstall,
	})

	report, err := r.Run(context.Background(), []asset.ElementType{asset.Sign}, store.Filters{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PerType[asset.Sign].NoMatch)

	got, err := mem.GetNecessity(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, asset.DecisionNoMatch, got.Decision)
	assert.Equal(t, asset.ReasonInvalidGeometry, got.ReasonCode)
}

func TestRunSkipsTypeWithoutTolerance(t *testing.T) {
	r, mem := newTestRunner(t)
	mem.AddNecessity(asset.Necessity{
		ElementType: asset.Gantry, HighwayID: 1, LotID: 1,
		ServiceKind: asset.ServiceInstall,
		Lat:         ptr(-23.0), Lon: ptr(-46.0),
	})

	report, err := r.Run(context.Background(), []asset.ElementType{asset.Gantry}, store.Filters{}, nil)
	require.NoError(t, err)
	assert.Contains(t, report.SkippedTypes, asset.Gantry)
	assert.NotContains(t, report.PerType, asset.Gantry)
}

func TestRunCountsPersistenceFailures(t *testing.T) {
	r, mem := newTestRunner(t)
	bad := seedSignPair(mem)
	mem.FailApplyFor[bad.ID] = true

	good := mem.AddNecessity(asset.Necessity{
		ElementType: asset.Sign, HighwayID: 1, LotID: 1,
		ServiceKind: asset.ServiceInstall,
		Lat:         ptr(-23.9), Lon: ptr(-46.9),
	})

	report, err := r.Run(context.Background(), []asset.ElementType{asset.Sign}, store.Filters{}, nil)
	require.NoError(t, err)

	stats := report.PerType[asset.Sign]
	assert.Equal(t, 1, stats.Errors, "failing record is counted, not fatal")
	assert.Equal(t, 2, stats.Total)

	got, err := mem.GetNecessity(context.Background(), good.ID)
	require.NoError(t, err)
	assert.Equal(t, asset.DecisionNoMatch, got.Decision, "remaining records still processed")
}

func TestResetThenRunIsIdempotent(t *testing.T) {
	r, mem := newTestRunner(t)
	n := seedSignPair(mem)

	_, err := r.Run(context.Background(), []asset.ElementType{asset.Sign}, store.Filters{}, nil)
	require.NoError(t, err)
	first, err := mem.GetNecessity(context.Background(), n.ID)
	require.NoError(t, err)

	reset := r.Reset(context.Background(), []asset.ElementType{asset.Sign})
	assert.Empty(t, reset.Failed)
	assert.Equal(t, int64(1), reset.Cleared[asset.Sign])

	cleared, err := mem.GetNecessity(context.Background(), n.ID)
	require.NoError(t, err)
	assert.False(t, cleared.HasDecision())
	assert.Equal(t, asset.TriageProposed, cleared.TriageState)

	_, err = r.Run(context.Background(), []asset.ElementType{asset.Sign}, store.Filters{}, nil)
	require.NoError(t, err)
	second, err := mem.GetNecessity(context.Background(), n.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Decision, second.Decision)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.ReasonCode, second.ReasonCode)
	assert.Equal(t, *first.CandidateID, *second.CandidateID)
}

func TestRunHonorsStopFlag(t *testing.T) {
	r, mem := newTestRunner(t)
	seedSignPair(mem)

	stop := &StopFlag{}
	stop.Stop()

	report, err := r.Run(context.Background(), []asset.ElementType{asset.Sign}, store.Filters{}, stop)
	require.NoError(t, err)
	assert.True(t, report.Stopped)
}

func TestSnapshotDuringConcurrentRun(t *testing.T) {
	r, mem := newTestRunner(t)
	for i := 0; i < 200; i++ {
		mem.AddNecessity(asset.Necessity{
			ElementType: asset.Sign, HighwayID: 1, LotID: 1,
			ServiceKind: asset.ServiceInstall,
			Lat:         ptr(-23.0 - float64(i)*0.01), Lon: ptr(-46.0),
		})
	}
	r.SetPageSize(10)

	// Gantry has no tolerance record, so the run also exercises the
	// skipped-types path while snapshots are being taken.
	types := []asset.ElementType{asset.Gantry, asset.Sign}

	done := make(chan *RunReport, 1)
	go func() {
		report, err := r.Run(context.Background(), types, store.Filters{}, nil)
		assert.NoError(t, err)
		done <- report
	}()

	for {
		select {
		case report := <-done:
			final := r.Snapshot()
			require.NotNil(t, final)
			assert.Contains(t, final.SkippedTypes, asset.Gantry)
			assert.Equal(t, 200, final.PerType[asset.Sign].Total)
			assert.Equal(t, report.PerType[asset.Sign].Total, final.PerType[asset.Sign].Total)
			return
		default:
			r.Snapshot()
		}
	}
}

func TestRunAlreadyDecidedRowsAreNotDoubleProcessed(t *testing.T) {
	r, mem := newTestRunner(t)
	n := seedSignPair(mem)

	_, err := r.Run(context.Background(), []asset.ElementType{asset.Sign}, store.Filters{}, nil)
	require.NoError(t, err)

	report, err := r.Run(context.Background(), []asset.ElementType{asset.Sign}, store.Filters{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.PerType[asset.Sign].Total)

	got, err := mem.GetNecessity(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, asset.DecisionSubstitution, got.Decision)
}
