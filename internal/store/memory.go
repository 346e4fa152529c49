package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/viasinal/cadmatch/internal/asset"
	"github.com/viasinal/cadmatch/internal/geo"
	"github.com/viasinal/cadmatch/internal/tolerance"
)

// Memory is an in-memory Store used by tests and local runs. All reads
// return copies so callers can never mutate shared state behind the lock.
type Memory struct {
	mu sync.RWMutex

	necessities     map[int64]asset.Necessity
	cadastro        map[int64]asset.CadastroElement
	tolerances      map[asset.ElementType]tolerance.Params
	reconciliations map[int64]asset.ReconciliationRequest
	runs            map[string]MatchRun

	nextNecessityID      int64
	nextCadastroID       int64
	nextReconciliationID int64

	// FailApplyFor simulates a per-record persistence failure for the
	// given necessity ids.
	FailApplyFor map[int64]bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		necessities:     make(map[int64]asset.Necessity),
		cadastro:        make(map[int64]asset.CadastroElement),
		tolerances:      make(map[asset.ElementType]tolerance.Params),
		reconciliations: make(map[int64]asset.ReconciliationRequest),
		runs:            make(map[string]MatchRun),
		FailApplyFor:    make(map[int64]bool),
	}
}

// AddNecessity stores a necessity, assigning an id when none is set.
func (m *Memory) AddNecessity(n asset.Necessity) asset.Necessity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == 0 {
		m.nextNecessityID++
		n.ID = m.nextNecessityID
	} else if n.ID > m.nextNecessityID {
		m.nextNecessityID = n.ID
	}
	if n.TriageState == "" {
		n.TriageState = asset.TriageProposed
	}
	m.necessities[n.ID] = copyNecessity(n)
	return n
}

// AddCadastro stores an inventory element, assigning an id when none is set.
func (m *Memory) AddCadastro(el asset.CadastroElement) asset.CadastroElement {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el.ID == 0 {
		m.nextCadastroID++
		el.ID = m.nextCadastroID
	} else if el.ID > m.nextCadastroID {
		m.nextCadastroID = el.ID
	}
	m.cadastro[el.ID] = copyCadastro(el)
	return el
}

func (m *Memory) UndecidedNecessities(_ context.Context, et asset.ElementType, f Filters, afterID int64, limit int) ([]asset.Necessity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []asset.Necessity
	for _, n := range m.necessities {
		if n.ElementType != et || n.HasDecision() || n.ID <= afterID {
			continue
		}
		if !matchesFilters(&n, f) {
			continue
		}
		out = append(out, copyNecessity(n))
	}
	sortNecessities(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InstallNecessities(_ context.Context, et asset.ElementType, f Filters, afterID int64, limit int) ([]asset.Necessity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []asset.Necessity
	for _, n := range m.necessities {
		if n.ElementType != et || n.ServiceKind != asset.ServiceInstall || n.ID <= afterID {
			continue
		}
		if n.UserDecision != asset.UserDecisionNone {
			continue
		}
		if !matchesFilters(&n, f) {
			continue
		}
		out = append(out, copyNecessity(n))
	}
	sortNecessities(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetNecessity(_ context.Context, id int64) (asset.Necessity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.necessities[id]
	if !ok {
		return asset.Necessity{}, fmt.Errorf("%w: necessity %d", asset.ErrNotFound, id)
	}
	return copyNecessity(n), nil
}

func (m *Memory) TriageFeed(_ context.Context, f TriageFeedFilter) ([]asset.Necessity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []asset.Necessity
	for _, n := range m.necessities {
		if n.TriageState != asset.TriageProposed || !n.HasDecision() {
			continue
		}
		if f.HighwayID != nil && n.HighwayID != *f.HighwayID {
			continue
		}
		if f.LotID != nil && n.LotID != *f.LotID {
			continue
		}
		if f.ReasonCode != "" && n.ReasonCode != f.ReasonCode {
			continue
		}
		out = append(out, copyNecessity(n))
	}
	// Worst matches first.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ApplyMatchResult(_ context.Context, id int64, res asset.MatchResult, state asset.TriageState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailApplyFor[id] {
		return false, fmt.Errorf("%w: necessity %d", asset.ErrPersistenceFailure, id)
	}
	n, ok := m.necessities[id]
	if !ok {
		return false, fmt.Errorf("%w: necessity %d", asset.ErrNotFound, id)
	}
	if n.HasDecision() {
		return false, nil
	}
	n.CandidateID = copyInt64(res.CandidateID)
	n.Decision = res.Decision
	n.Score = res.Score
	n.ReasonCode = res.ReasonCode
	n.Measure = res.Measure
	n.DivergentAttributes = append([]string(nil), res.DivergentAttributes...)
	n.TriageState = state
	m.necessities[id] = n
	return true, nil
}

func (m *Memory) ResetDecisions(_ context.Context, et asset.ElementType) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for id, n := range m.necessities {
		if n.ElementType != et || !n.HasDecision() {
			continue
		}
		n.CandidateID = nil
		n.Decision = ""
		n.Score = 0
		n.ReasonCode = ""
		n.Measure = 0
		n.DivergentAttributes = nil
		n.TriageState = asset.TriageProposed
		n.ReviewedBy = ""
		n.ReviewedAt = nil
		n.ReasonNote = ""
		m.necessities[id] = n
		count++
	}
	return count, nil
}

func (m *Memory) ApplyDesignCheck(_ context.Context, id int64, detected bool, flag asset.DesignErrorFlag, decision asset.UserDecision, state asset.TriageState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.necessities[id]
	if !ok {
		return fmt.Errorf("%w: necessity %d", asset.ErrNotFound, id)
	}
	n.DesignErrorDetected = detected
	n.DesignErrorFlag = flag
	n.UserDecision = decision
	if state != "" {
		n.TriageState = state
	}
	m.necessities[id] = n
	return nil
}

func (m *Memory) UpdateTriage(_ context.Context, id int64, from, to asset.TriageState, reviewedBy, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.necessities[id]
	if !ok {
		return fmt.Errorf("%w: necessity %d", asset.ErrNotFound, id)
	}
	if n.TriageState != from {
		return fmt.Errorf("%w: necessity %d is %s, not %s", asset.ErrInvalidTransition, id, n.TriageState, from)
	}
	n.TriageState = to
	if to == asset.TriageProposed {
		n.ReviewedBy = ""
		n.ReviewedAt = nil
		n.ReasonNote = ""
	} else {
		now := time.Now()
		n.ReviewedBy = reviewedBy
		n.ReviewedAt = &now
		n.ReasonNote = note
	}
	m.necessities[id] = n
	return nil
}

func (m *Memory) SetServiceInference(_ context.Context, id int64, inferred asset.ServiceKind, divergent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.necessities[id]
	if !ok {
		return fmt.Errorf("%w: necessity %d", asset.ErrNotFound, id)
	}
	n.ServicoInferido = inferred
	n.Divergencia = divergent
	m.necessities[id] = n
	return nil
}

func (m *Memory) SetServiceKind(_ context.Context, id int64, kind asset.ServiceKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.necessities[id]
	if !ok {
		return fmt.Errorf("%w: necessity %d", asset.ErrNotFound, id)
	}
	n.ServiceKind = kind
	m.necessities[id] = n
	return nil
}

func (m *Memory) ResolveDivergence(_ context.Context, id int64, chosen asset.ServiceKind, resolvedBy, justification string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.necessities[id]
	if !ok {
		return fmt.Errorf("%w: necessity %d", asset.ErrNotFound, id)
	}
	if !n.Divergencia {
		return fmt.Errorf("%w: necessity %d has no open divergence", asset.ErrInvalidTransition, id)
	}
	now := time.Now()
	n.ServiceKind = chosen
	n.Divergencia = false
	n.DivergenceResolvedBy = resolvedBy
	n.DivergenceResolvedAt = &now
	n.DivergenceJustification = justification
	m.necessities[id] = n
	return nil
}

func (m *Memory) PointCandidates(_ context.Context, et asset.ElementType, highwayID int64, lat, lon, radiusM float64) ([]asset.CadastroElement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []asset.CadastroElement
	for _, el := range m.cadastro {
		if el.ElementType != et || el.HighwayID != highwayID {
			continue
		}
		if geo.PointDistanceMeters(lat, lon, el.Lat, el.Lon) > radiusM {
			continue
		}
		out = append(out, copyCadastro(el))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) LinearCandidates(_ context.Context, et asset.ElementType, highwayID int64, startM, endM float64) ([]asset.CadastroElement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []asset.CadastroElement
	for _, el := range m.cadastro {
		if el.ElementType != et || el.HighwayID != highwayID {
			continue
		}
		if el.StartM == nil || el.EndM == nil {
			continue
		}
		if *el.EndM <= startM || *el.StartM >= endM {
			continue
		}
		out = append(out, copyCadastro(el))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetCadastro(_ context.Context, id int64) (asset.CadastroElement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	el, ok := m.cadastro[id]
	if !ok {
		return asset.CadastroElement{}, fmt.Errorf("%w: cadastro %d", asset.ErrNotFound, id)
	}
	return copyCadastro(el), nil
}

func (m *Memory) UpdateCadastroAttributes(_ context.Context, id int64, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.cadastro[id]
	if !ok {
		return fmt.Errorf("%w: cadastro %d", asset.ErrNotFound, id)
	}
	if el.Attributes == nil {
		el.Attributes = make(map[string]string, len(fields))
	}
	for k, v := range fields {
		el.Attributes[k] = v
	}
	m.cadastro[id] = el
	return nil
}

func (m *Memory) ToleranceFor(_ context.Context, et asset.ElementType) (tolerance.Params, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.tolerances[et]
	return p, ok, nil
}

func (m *Memory) ListTolerances(_ context.Context) ([]tolerance.Params, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]tolerance.Params, 0, len(m.tolerances))
	for _, p := range m.tolerances {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ElementType < out[j].ElementType })
	return out, nil
}

func (m *Memory) SaveTolerance(_ context.Context, p tolerance.Params) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tolerances[p.ElementType] = p
	return nil
}

func (m *Memory) CreateReconciliation(_ context.Context, r asset.ReconciliationRequest) (asset.ReconciliationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextReconciliationID++
	r.ID = m.nextReconciliationID
	if r.RequestedAt.IsZero() {
		r.RequestedAt = time.Now()
	}
	m.reconciliations[r.ID] = r
	return r, nil
}

func (m *Memory) GetReconciliation(_ context.Context, id int64) (asset.ReconciliationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reconciliations[id]
	if !ok {
		return asset.ReconciliationRequest{}, fmt.Errorf("%w: reconciliation %d", asset.ErrNotFound, id)
	}
	return r, nil
}

func (m *Memory) ReconciliationForNecessity(_ context.Context, necessityID int64) (asset.ReconciliationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest asset.ReconciliationRequest
	found := false
	for _, r := range m.reconciliations {
		if r.NecessityID != necessityID {
			continue
		}
		if !found || r.ID > latest.ID {
			latest = r
			found = true
		}
	}
	if !found {
		return asset.ReconciliationRequest{}, fmt.Errorf("%w: reconciliation for necessity %d", asset.ErrNotFound, necessityID)
	}
	return latest, nil
}

func (m *Memory) UpdateReconciliation(_ context.Context, r asset.ReconciliationRequest, expect asset.ReconciliationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.reconciliations[r.ID]
	if !ok {
		return fmt.Errorf("%w: reconciliation %d", asset.ErrNotFound, r.ID)
	}
	if cur.Status != expect {
		return fmt.Errorf("%w: reconciliation %d is %s, not %s", asset.ErrInvalidTransition, r.ID, cur.Status, expect)
	}
	m.reconciliations[r.ID] = r
	return nil
}

func (m *Memory) CreateMatchRun(_ context.Context, run MatchRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.RunID] = run
	return nil
}

func (m *Memory) FinishMatchRun(_ context.Context, runID string, processed, errors int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: run %s", asset.ErrNotFound, runID)
	}
	now := time.Now()
	run.FinishedAt = &now
	run.Processed = processed
	run.Errors = errors
	m.runs[runID] = run
	return nil
}

func matchesFilters(n *asset.Necessity, f Filters) bool {
	if f.HighwayID != nil && n.HighwayID != *f.HighwayID {
		return false
	}
	if f.LotID != nil && n.LotID != *f.LotID {
		return false
	}
	return true
}

func sortNecessities(ns []asset.Necessity) {
	sort.Slice(ns, func(i, j int) bool { return ns[i].ID < ns[j].ID })
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyFloat64(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyStringMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copyNecessity(n asset.Necessity) asset.Necessity {
	n.Lat = copyFloat64(n.Lat)
	n.Lon = copyFloat64(n.Lon)
	n.StartM = copyFloat64(n.StartM)
	n.EndM = copyFloat64(n.EndM)
	n.CandidateID = copyInt64(n.CandidateID)
	n.ReviewedAt = copyTime(n.ReviewedAt)
	n.DivergenceResolvedAt = copyTime(n.DivergenceResolvedAt)
	n.Attributes = copyStringMap(n.Attributes)
	n.DivergentAttributes = append([]string(nil), n.DivergentAttributes...)
	return n
}

func copyCadastro(el asset.CadastroElement) asset.CadastroElement {
	el.StartM = copyFloat64(el.StartM)
	el.EndM = copyFloat64(el.EndM)
	el.Attributes = copyStringMap(el.Attributes)
	return el
}
