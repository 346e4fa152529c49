// Package store defines the persistence contract the engine runs against
// and provides two implementations: PostgreSQL for production and an
// in-memory store for tests. The contract is deliberately narrow — keyed
// reads, radius/chainage queries, conditional single-row updates and a
// per-type transactional reset — so any store offering those primitives
// can back the engine.
package store

import (
	"context"
	"time"

	"github.com/viasinal/cadmatch/internal/asset"
	"github.com/viasinal/cadmatch/internal/tolerance"
)

// Filters restricts a batch run to one highway and/or lot.
type Filters struct {
	HighwayID *int64
	LotID     *int64
}

// TriageFeedFilter selects necessities for the human review queue. The
// feed is ordered by ascending score: worst matches first.
type TriageFeedFilter struct {
	HighwayID  *int64
	LotID      *int64
	ReasonCode asset.ReasonCode // empty means any
	Limit      int
}

// MatchRun is the persisted record of one batch invocation.
type MatchRun struct {
	RunID      string
	Label      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Processed  int
	Errors     int
}

// Store is the full persistence surface of the engine.
type Store interface {
	// Necessity reads. Pages are keyset-based: rows with id > afterID in
	// ascending id order, at most limit of them.
	UndecidedNecessities(ctx context.Context, et asset.ElementType, f Filters, afterID int64, limit int) ([]asset.Necessity, error)
	InstallNecessities(ctx context.Context, et asset.ElementType, f Filters, afterID int64, limit int) ([]asset.Necessity, error)
	GetNecessity(ctx context.Context, id int64) (asset.Necessity, error)
	TriageFeed(ctx context.Context, f TriageFeedFilter) ([]asset.Necessity, error)

	// Necessity writes. ApplyMatchResult is conditional: it only writes
	// when the record still has no decision, and reports whether it did.
	ApplyMatchResult(ctx context.Context, id int64, res asset.MatchResult, state asset.TriageState) (bool, error)
	ResetDecisions(ctx context.Context, et asset.ElementType) (int64, error)
	ApplyDesignCheck(ctx context.Context, id int64, detected bool, flag asset.DesignErrorFlag, decision asset.UserDecision, state asset.TriageState) error
	UpdateTriage(ctx context.Context, id int64, from, to asset.TriageState, reviewedBy, note string) error
	SetServiceInference(ctx context.Context, id int64, inferred asset.ServiceKind, divergent bool) error
	SetServiceKind(ctx context.Context, id int64, kind asset.ServiceKind) error
	// ResolveDivergence sets the chosen service, clears the divergence flag
	// and stamps who resolved it and why, in one conditional write against
	// a still-open divergence.
	ResolveDivergence(ctx context.Context, id int64, chosen asset.ServiceKind, resolvedBy, justification string) error

	// Cadastro.
	PointCandidates(ctx context.Context, et asset.ElementType, highwayID int64, lat, lon, radiusM float64) ([]asset.CadastroElement, error)
	LinearCandidates(ctx context.Context, et asset.ElementType, highwayID int64, startM, endM float64) ([]asset.CadastroElement, error)
	GetCadastro(ctx context.Context, id int64) (asset.CadastroElement, error)
	UpdateCadastroAttributes(ctx context.Context, id int64, fields map[string]string) error

	// Tolerance configuration.
	tolerance.Source
	SaveTolerance(ctx context.Context, p tolerance.Params) error

	// Reconciliation protocol. UpdateReconciliation is optimistic against
	// the expected current status.
	CreateReconciliation(ctx context.Context, r asset.ReconciliationRequest) (asset.ReconciliationRequest, error)
	GetReconciliation(ctx context.Context, id int64) (asset.ReconciliationRequest, error)
	ReconciliationForNecessity(ctx context.Context, necessityID int64) (asset.ReconciliationRequest, error)
	UpdateReconciliation(ctx context.Context, r asset.ReconciliationRequest, expect asset.ReconciliationStatus) error

	// Run bookkeeping.
	CreateMatchRun(ctx context.Context, run MatchRun) error
	FinishMatchRun(ctx context.Context, runID string, processed, errors int) error
}
