package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viasinal/cadmatch/internal/asset"
)

func ptr[T any](v T) *T { return &v }

func TestApplyMatchResultIsConditional(t *testing.T) {
	mem := NewMemory()
	n := mem.AddNecessity(asset.Necessity{
		ElementType: asset.Sign, HighwayID: 1, LotID: 1,
		ServiceKind: asset.ServiceInstall,
	})

	first := asset.MatchResult{
		Decision: asset.DecisionNoMatch, ReasonCode: asset.ReasonNoCadastroNearby,
	}
	applied, err := mem.ApplyMatchResult(context.Background(), n.ID, first, asset.TriageActive)
	require.NoError(t, err)
	assert.True(t, applied)

	// A second writer loses: the row already has a decision.
	second := asset.MatchResult{
		Decision: asset.DecisionMatchDirect, ReasonCode: asset.ReasonPerfectMatch, Score: 1,
	}
	applied, err = mem.ApplyMatchResult(context.Background(), n.ID, second, asset.TriageActive)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := mem.GetNecessity(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, asset.DecisionNoMatch, got.Decision)
}

func TestResetDecisionsClearsOnlyDecided(t *testing.T) {
	mem := NewMemory()
	decided := mem.AddNecessity(asset.Necessity{
		ElementType: asset.Sign, HighwayID: 1, LotID: 1, ServiceKind: asset.ServiceInstall,
	})
	_, err := mem.ApplyMatchResult(context.Background(), decided.ID, asset.MatchResult{
		Decision: asset.DecisionMatchDirect, ReasonCode: asset.ReasonPerfectMatch,
		Score: 0.9, CandidateID: ptr(int64(7)),
	}, asset.TriageActive)
	require.NoError(t, err)

	otherType := mem.AddNecessity(asset.Necessity{
		ElementType: asset.Guardrail, HighwayID: 1, LotID: 1, ServiceKind: asset.ServiceInstall,
	})
	_, err = mem.ApplyMatchResult(context.Background(), otherType.ID, asset.MatchResult{
		Decision: asset.DecisionNoMatch, ReasonCode: asset.ReasonNoOverlapFound,
	}, asset.TriageActive)
	require.NoError(t, err)

	cleared, err := mem.ResetDecisions(context.Background(), asset.Sign)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)

	got, err := mem.GetNecessity(context.Background(), decided.ID)
	require.NoError(t, err)
	assert.False(t, got.HasDecision())
	assert.Nil(t, got.CandidateID)
	assert.Equal(t, asset.TriageProposed, got.TriageState)

	other, err := mem.GetNecessity(context.Background(), otherType.ID)
	require.NoError(t, err)
	assert.True(t, other.HasDecision(), "other types untouched")
}

func TestTriageFeedOrderAndFilters(t *testing.T) {
	mem := NewMemory()
	add := func(score float64, reason asset.ReasonCode, highway int64) asset.Necessity {
		n := mem.AddNecessity(asset.Necessity{
			ElementType: asset.Sign, HighwayID: highway, LotID: 1,
			ServiceKind: asset.ServiceInstall,
		})
		_, err := mem.ApplyMatchResult(context.Background(), n.ID, asset.MatchResult{
			Decision: asset.DecisionAmbiguous, ReasonCode: reason, Score: score,
		}, asset.TriageProposed)
		require.NoError(t, err)
		return n
	}

	worst := add(0.2, asset.ReasonOverlapInGrayZone, 1)
	best := add(0.9, asset.ReasonOverlapInGrayZone, 1)
	middle := add(0.5, asset.ReasonDistInGrayZone, 2)

	feed, err := mem.TriageFeed(context.Background(), TriageFeedFilter{})
	require.NoError(t, err)
	require.Len(t, feed, 3)
	assert.Equal(t, worst.ID, feed[0].ID, "worst matches first")
	assert.Equal(t, middle.ID, feed[1].ID)
	assert.Equal(t, best.ID, feed[2].ID)

	feed, err = mem.TriageFeed(context.Background(), TriageFeedFilter{HighwayID: ptr(int64(2))})
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, middle.ID, feed[0].ID)

	feed, err = mem.TriageFeed(context.Background(), TriageFeedFilter{ReasonCode: asset.ReasonOverlapInGrayZone})
	require.NoError(t, err)
	assert.Len(t, feed, 2)
}

func TestUpdateReconciliationIsOptimistic(t *testing.T) {
	mem := NewMemory()
	el := mem.AddCadastro(asset.CadastroElement{ElementType: asset.Sign, HighwayID: 1, LotID: 1})
	n := mem.AddNecessity(asset.Necessity{ElementType: asset.Sign, HighwayID: 1, LotID: 1, ServiceKind: asset.ServiceSubstitute})

	req, err := mem.CreateReconciliation(context.Background(), asset.ReconciliationRequest{
		NecessityID: n.ID, CadastroID: el.ID,
		Status: asset.ReconciliationPending, RequestedBy: "joao",
	})
	require.NoError(t, err)

	req.Status = asset.ReconciliationApproved
	require.NoError(t, mem.UpdateReconciliation(context.Background(), req, asset.ReconciliationPending))

	req.Status = asset.ReconciliationRejected
	err = mem.UpdateReconciliation(context.Background(), req, asset.ReconciliationPending)
	assert.ErrorIs(t, err, asset.ErrInvalidTransition)
}

func TestResolveDivergenceIsConditional(t *testing.T) {
	mem := NewMemory()
	n := mem.AddNecessity(asset.Necessity{
		ElementType: asset.Sign, HighwayID: 1, LotID: 1,
		ServiceKind:     asset.ServiceInstall,
		ServicoInferido: asset.ServiceSubstitute,
		Divergencia:     true,
	})

	require.NoError(t, mem.ResolveDivergence(context.Background(), n.ID, asset.ServiceSubstitute, "carla", ""))

	got, err := mem.GetNecessity(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, asset.ServiceSubstitute, got.ServiceKind)
	assert.False(t, got.Divergencia)
	assert.Equal(t, "carla", got.DivergenceResolvedBy)
	assert.NotNil(t, got.DivergenceResolvedAt)

	err = mem.ResolveDivergence(context.Background(), n.ID, asset.ServiceInstall, "carla", "x")
	assert.ErrorIs(t, err, asset.ErrInvalidTransition, "divergence already closed")

	err = mem.ResolveDivergence(context.Background(), 999, asset.ServiceInstall, "carla", "x")
	assert.ErrorIs(t, err, asset.ErrNotFound)
}

func TestReadsReturnCopies(t *testing.T) {
	mem := NewMemory()
	n := mem.AddNecessity(asset.Necessity{
		ElementType: asset.Sign, HighwayID: 1, LotID: 1,
		ServiceKind: asset.ServiceInstall,
		Attributes:  map[string]string{"codigo": "R-19"},
	})

	got, err := mem.GetNecessity(context.Background(), n.ID)
	require.NoError(t, err)
	got.Attributes["codigo"] = "tampered"

	again, err := mem.GetNecessity(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, "R-19", again.Attributes["codigo"])
}

func TestLinearCandidatesIntersectOnly(t *testing.T) {
	mem := NewMemory()
	mem.AddCadastro(asset.CadastroElement{
		ElementType: asset.Guardrail, HighwayID: 1, LotID: 1,
		StartM: ptr(0.0), EndM: ptr(100.0),
	})
	mem.AddCadastro(asset.CadastroElement{
		ElementType: asset.Guardrail, HighwayID: 1, LotID: 1,
		StartM: ptr(500.0), EndM: ptr(600.0),
	})

	got, err := mem.LinearCandidates(context.Background(), asset.Guardrail, 1, 50, 150)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
