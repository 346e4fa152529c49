package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/lib/pq"

	"github.com/viasinal/cadmatch/internal/asset"
	"github.com/viasinal/cadmatch/internal/tolerance"
)

// Postgres implements Store over PostgreSQL. Attribute bags are stored as
// jsonb; point-radius queries use a bounding-box prefilter and leave the
// exact great-circle ordering to the candidate searcher.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open connection pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const necessityColumns = `
	id, element_type, highway_id, lot_id, service_kind,
	lat, lon, start_m, end_m, attributes,
	candidate_id, decision, score, reason_code, measure, divergent_attributes,
	design_error_detected, design_error_flag, user_decision,
	triage_state, reviewed_by, reviewed_at, reason_note,
	solucao_planilha, servico_inferido, divergencia,
	divergence_resolved_by, divergence_resolved_at, divergence_justification`

func (p *Postgres) UndecidedNecessities(ctx context.Context, et asset.ElementType, f Filters, afterID int64, limit int) ([]asset.Necessity, error) {
	query := `SELECT ` + necessityColumns + `
		FROM necessity
		WHERE element_type = $1
		  AND decision IS NULL
		  AND id > $2
		  AND ($3::bigint IS NULL OR highway_id = $3)
		  AND ($4::bigint IS NULL OR lot_id = $4)
		ORDER BY id
		LIMIT $5`
	rows, err := p.db.QueryContext(ctx, query, string(et), afterID, nullInt(f.HighwayID), nullInt(f.LotID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNecessities(rows)
}

func (p *Postgres) InstallNecessities(ctx context.Context, et asset.ElementType, f Filters, afterID int64, limit int) ([]asset.Necessity, error) {
	query := `SELECT ` + necessityColumns + `
		FROM necessity
		WHERE element_type = $1
		  AND service_kind = $2
		  AND COALESCE(user_decision, '') = ''
		  AND id > $3
		  AND ($4::bigint IS NULL OR highway_id = $4)
		  AND ($5::bigint IS NULL OR lot_id = $5)
		ORDER BY id
		LIMIT $6`
	rows, err := p.db.QueryContext(ctx, query, string(et), string(asset.ServiceInstall),
		afterID, nullInt(f.HighwayID), nullInt(f.LotID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNecessities(rows)
}

func (p *Postgres) GetNecessity(ctx context.Context, id int64) (asset.Necessity, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+necessityColumns+` FROM necessity WHERE id = $1`, id)
	n, err := scanNecessity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return asset.Necessity{}, fmt.Errorf("%w: necessity %d", asset.ErrNotFound, id)
	}
	return n, err
}

func (p *Postgres) TriageFeed(ctx context.Context, f TriageFeedFilter) ([]asset.Necessity, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + necessityColumns + `
		FROM necessity
		WHERE triage_state = $1
		  AND decision IS NOT NULL
		  AND ($2::bigint IS NULL OR highway_id = $2)
		  AND ($3::bigint IS NULL OR lot_id = $3)
		  AND ($4::text = '' OR reason_code = $4)
		ORDER BY score ASC, id ASC
		LIMIT $5`
	rows, err := p.db.QueryContext(ctx, query, string(asset.TriageProposed),
		nullInt(f.HighwayID), nullInt(f.LotID), string(f.ReasonCode), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNecessities(rows)
}

func (p *Postgres) ApplyMatchResult(ctx context.Context, id int64, res asset.MatchResult, state asset.TriageState) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE necessity SET
			candidate_id = $2,
			decision = $3,
			score = $4,
			reason_code = $5,
			measure = $6,
			divergent_attributes = $7,
			triage_state = $8
		WHERE id = $1 AND decision IS NULL
	`, id, nullInt(res.CandidateID), string(res.Decision), res.Score, string(res.ReasonCode),
		res.Measure, pq.Array(res.DivergentAttributes), string(state))
	if err != nil {
		return false, fmt.Errorf("%w: necessity %d: %v", asset.ErrPersistenceFailure, id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: necessity %d: %v", asset.ErrPersistenceFailure, id, err)
	}
	return affected == 1, nil
}

// ResetDecisions is transactional per element type: either every decided
// record of the type is cleared or none is.
func (p *Postgres) ResetDecisions(ctx context.Context, et asset.ElementType) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE necessity SET
			candidate_id = NULL,
			decision = NULL,
			score = 0,
			reason_code = NULL,
			measure = 0,
			divergent_attributes = NULL,
			triage_state = $2,
			reviewed_by = NULL,
			reviewed_at = NULL,
			reason_note = NULL
		WHERE element_type = $1 AND decision IS NOT NULL
	`, string(et), string(asset.TriageProposed))
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return affected, nil
}

func (p *Postgres) ApplyDesignCheck(ctx context.Context, id int64, detected bool, flag asset.DesignErrorFlag, decision asset.UserDecision, state asset.TriageState) error {
	query := `
		UPDATE necessity SET
			design_error_detected = $2,
			design_error_flag = $3,
			user_decision = $4,
			triage_state = COALESCE(NULLIF($5, ''), triage_state)
		WHERE id = $1`
	result, err := p.db.ExecContext(ctx, query, id, detected, string(flag), string(decision), string(state))
	if err != nil {
		return fmt.Errorf("%w: necessity %d: %v", asset.ErrPersistenceFailure, id, err)
	}
	return requireOneRow(result, id)
}

func (p *Postgres) UpdateTriage(ctx context.Context, id int64, from, to asset.TriageState, reviewedBy, note string) error {
	var result sql.Result
	var err error
	if to == asset.TriageProposed {
		result, err = p.db.ExecContext(ctx, `
			UPDATE necessity SET
				triage_state = $3,
				reviewed_by = NULL,
				reviewed_at = NULL,
				reason_note = NULL
			WHERE id = $1 AND triage_state = $2
		`, id, string(from), string(to))
	} else {
		result, err = p.db.ExecContext(ctx, `
			UPDATE necessity SET
				triage_state = $3,
				reviewed_by = $4,
				reviewed_at = now(),
				reason_note = $5
			WHERE id = $1 AND triage_state = $2
		`, id, string(from), string(to), reviewedBy, note)
	}
	if err != nil {
		return fmt.Errorf("%w: necessity %d: %v", asset.ErrPersistenceFailure, id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either the row vanished or its state moved under us.
		if _, getErr := p.GetNecessity(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: necessity %d is not %s", asset.ErrInvalidTransition, id, from)
	}
	return nil
}

func (p *Postgres) SetServiceInference(ctx context.Context, id int64, inferred asset.ServiceKind, divergent bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE necessity SET servico_inferido = $2, divergencia = $3 WHERE id = $1
	`, id, string(inferred), divergent)
	if err != nil {
		return fmt.Errorf("%w: necessity %d: %v", asset.ErrPersistenceFailure, id, err)
	}
	return requireOneRow(result, id)
}

func (p *Postgres) SetServiceKind(ctx context.Context, id int64, kind asset.ServiceKind) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE necessity SET service_kind = $2 WHERE id = $1
	`, id, string(kind))
	if err != nil {
		return fmt.Errorf("%w: necessity %d: %v", asset.ErrPersistenceFailure, id, err)
	}
	return requireOneRow(result, id)
}

func (p *Postgres) ResolveDivergence(ctx context.Context, id int64, chosen asset.ServiceKind, resolvedBy, justification string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE necessity SET
			service_kind = $2,
			divergencia = false,
			divergence_resolved_by = $3,
			divergence_resolved_at = now(),
			divergence_justification = NULLIF($4, '')
		WHERE id = $1 AND divergencia
	`, id, string(chosen), resolvedBy, justification)
	if err != nil {
		return fmt.Errorf("%w: necessity %d: %v", asset.ErrPersistenceFailure, id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, getErr := p.GetNecessity(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: necessity %d has no open divergence", asset.ErrInvalidTransition, id)
	}
	return nil
}

func (p *Postgres) PointCandidates(ctx context.Context, et asset.ElementType, highwayID int64, lat, lon, radiusM float64) ([]asset.CadastroElement, error) {
	// Degree-box prefilter; exact distance is the searcher's job.
	dLat := radiusM / 111320.0
	cosLat := math.Cos(lat * math.Pi / 180)
	dLon := dLat
	if cosLat > 0.01 {
		dLon = dLat / cosLat
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, element_type, highway_id, lot_id, lat, lon, start_m, end_m, attributes
		FROM cadastro_element
		WHERE element_type = $1
		  AND highway_id = $2
		  AND lat BETWEEN $3 AND $4
		  AND lon BETWEEN $5 AND $6
		ORDER BY id
	`, string(et), highwayID, lat-dLat, lat+dLat, lon-dLon, lon+dLon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCadastros(rows)
}

func (p *Postgres) LinearCandidates(ctx context.Context, et asset.ElementType, highwayID int64, startM, endM float64) ([]asset.CadastroElement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, element_type, highway_id, lot_id, lat, lon, start_m, end_m, attributes
		FROM cadastro_element
		WHERE element_type = $1
		  AND highway_id = $2
		  AND start_m IS NOT NULL AND end_m IS NOT NULL
		  AND end_m > $3 AND start_m < $4
		ORDER BY id
	`, string(et), highwayID, startM, endM)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCadastros(rows)
}

func (p *Postgres) GetCadastro(ctx context.Context, id int64) (asset.CadastroElement, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, element_type, highway_id, lot_id, lat, lon, start_m, end_m, attributes
		FROM cadastro_element WHERE id = $1
	`, id)
	el, err := scanCadastro(row)
	if errors.Is(err, sql.ErrNoRows) {
		return asset.CadastroElement{}, fmt.Errorf("%w: cadastro %d", asset.ErrNotFound, id)
	}
	return el, err
}

func (p *Postgres) UpdateCadastroAttributes(ctx context.Context, id int64, fields map[string]string) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE cadastro_element SET attributes = attributes || $2::jsonb WHERE id = $1
	`, id, payload)
	if err != nil {
		return fmt.Errorf("%w: cadastro %d: %v", asset.ErrPersistenceFailure, id, err)
	}
	return requireOneRow(result, id)
}

func (p *Postgres) ToleranceFor(ctx context.Context, et asset.ElementType) (tolerance.Params, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT element_type, match_distance_m, substitution_distance_m,
		       overlap_match_fraction, overlap_ambiguous_low, overlap_ambiguous_high,
		       match_attributes
		FROM tolerance_params
		WHERE element_type = $1 AND active
	`, string(et))
	params, err := scanTolerance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tolerance.Params{}, false, nil
	}
	if err != nil {
		return tolerance.Params{}, false, err
	}
	return params, true, nil
}

func (p *Postgres) ListTolerances(ctx context.Context) ([]tolerance.Params, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT element_type, match_distance_m, substitution_distance_m,
		       overlap_match_fraction, overlap_ambiguous_low, overlap_ambiguous_high,
		       match_attributes
		FROM tolerance_params
		WHERE active
		ORDER BY element_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tolerance.Params
	for rows.Next() {
		params, err := scanTolerance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, params)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveTolerance(ctx context.Context, params tolerance.Params) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tolerance_params (
			element_type, match_distance_m, substitution_distance_m,
			overlap_match_fraction, overlap_ambiguous_low, overlap_ambiguous_high,
			match_attributes, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, true)
		ON CONFLICT (element_type) WHERE active DO UPDATE SET
			match_distance_m = EXCLUDED.match_distance_m,
			substitution_distance_m = EXCLUDED.substitution_distance_m,
			overlap_match_fraction = EXCLUDED.overlap_match_fraction,
			overlap_ambiguous_low = EXCLUDED.overlap_ambiguous_low,
			overlap_ambiguous_high = EXCLUDED.overlap_ambiguous_high,
			match_attributes = EXCLUDED.match_attributes,
			updated_at = now()
	`, string(params.ElementType), params.MatchDistanceM, params.SubstitutionDistanceM,
		params.OverlapMatchFraction, params.OverlapAmbiguousLow, params.OverlapAmbiguousHigh,
		pq.Array(params.MatchAttributes))
	return err
}

func (p *Postgres) CreateReconciliation(ctx context.Context, r asset.ReconciliationRequest) (asset.ReconciliationRequest, error) {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO reconciliation_request (
			necessity_id, cadastro_id, status, requested_by, observation_user
		) VALUES ($1, $2, $3, $4, $5)
		RETURNING id, requested_at
	`, r.NecessityID, r.CadastroID, string(r.Status), r.RequestedBy, r.ObservationUser).
		Scan(&r.ID, &r.RequestedAt)
	if err != nil {
		return asset.ReconciliationRequest{}, err
	}
	return r, nil
}

func (p *Postgres) GetReconciliation(ctx context.Context, id int64) (asset.ReconciliationRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, necessity_id, cadastro_id, status, requested_by, requested_at,
		       COALESCE(approved_by, ''), approved_at,
		       COALESCE(observation_user, ''), COALESCE(observation_coordinator, '')
		FROM reconciliation_request WHERE id = $1
	`, id)
	r, err := scanReconciliation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return asset.ReconciliationRequest{}, fmt.Errorf("%w: reconciliation %d", asset.ErrNotFound, id)
	}
	return r, err
}

func (p *Postgres) ReconciliationForNecessity(ctx context.Context, necessityID int64) (asset.ReconciliationRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, necessity_id, cadastro_id, status, requested_by, requested_at,
		       COALESCE(approved_by, ''), approved_at,
		       COALESCE(observation_user, ''), COALESCE(observation_coordinator, '')
		FROM reconciliation_request
		WHERE necessity_id = $1
		ORDER BY id DESC
		LIMIT 1
	`, necessityID)
	r, err := scanReconciliation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return asset.ReconciliationRequest{}, fmt.Errorf("%w: reconciliation for necessity %d", asset.ErrNotFound, necessityID)
	}
	return r, err
}

func (p *Postgres) UpdateReconciliation(ctx context.Context, r asset.ReconciliationRequest, expect asset.ReconciliationStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE reconciliation_request SET
			status = $2,
			approved_by = NULLIF($3, ''),
			approved_at = $4,
			observation_coordinator = NULLIF($5, '')
		WHERE id = $1 AND status = $6
	`, r.ID, string(r.Status), r.ApprovedBy, r.ApprovedAt, r.ObservationCoordinator, string(expect))
	if err != nil {
		return fmt.Errorf("%w: reconciliation %d: %v", asset.ErrPersistenceFailure, r.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: reconciliation %d is not %s", asset.ErrInvalidTransition, r.ID, expect)
	}
	return nil
}

func (p *Postgres) CreateMatchRun(ctx context.Context, run MatchRun) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO match_run (run_id, run_label, started_at) VALUES ($1, $2, $3)
	`, run.RunID, run.Label, run.StartedAt)
	return err
}

func (p *Postgres) FinishMatchRun(ctx context.Context, runID string, processed, errCount int) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE match_run SET finished_at = now(), processed = $2, errors = $3 WHERE run_id = $1
	`, runID, processed, errCount)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNecessity(row rowScanner) (asset.Necessity, error) {
	var n asset.Necessity
	var (
		elementType, serviceKind, triageState     string
		decision, reasonCode, flag, userDecision  sql.NullString
		reviewedBy, reasonNote, solucao, inferido sql.NullString
		resolvedBy, resolvedJustification         sql.NullString
		score, measure                            sql.NullFloat64
		candidateID                               sql.NullInt64
		reviewedAt, resolvedAt                    sql.NullTime
		attributes                                []byte
		divergent                                 pq.StringArray
	)
	err := row.Scan(
		&n.ID, &elementType, &n.HighwayID, &n.LotID, &serviceKind,
		&n.Lat, &n.Lon, &n.StartM, &n.EndM, &attributes,
		&candidateID, &decision, &score, &reasonCode, &measure, &divergent,
		&n.DesignErrorDetected, &flag, &userDecision,
		&triageState, &reviewedBy, &reviewedAt, &reasonNote,
		&solucao, &inferido, &n.Divergencia,
		&resolvedBy, &resolvedAt, &resolvedJustification,
	)
	if err != nil {
		return asset.Necessity{}, err
	}

	n.ElementType = asset.ElementType(elementType)
	n.ServiceKind = asset.ServiceKind(serviceKind)
	n.TriageState = asset.TriageState(triageState)
	n.Decision = asset.Decision(decision.String)
	n.ReasonCode = asset.ReasonCode(reasonCode.String)
	n.DesignErrorFlag = asset.DesignErrorFlag(flag.String)
	n.UserDecision = asset.UserDecision(userDecision.String)
	n.ReviewedBy = reviewedBy.String
	n.ReasonNote = reasonNote.String
	n.SolucaoPlanilha = asset.ServiceKind(solucao.String)
	n.ServicoInferido = asset.ServiceKind(inferido.String)
	n.DivergenceResolvedBy = resolvedBy.String
	n.DivergenceJustification = resolvedJustification.String
	n.Score = score.Float64
	n.Measure = measure.Float64
	n.DivergentAttributes = []string(divergent)
	if candidateID.Valid {
		id := candidateID.Int64
		n.CandidateID = &id
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		n.ReviewedAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		n.DivergenceResolvedAt = &t
	}
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &n.Attributes); err != nil {
			return asset.Necessity{}, fmt.Errorf("necessity %d attributes: %w", n.ID, err)
		}
	}
	return n, nil
}

func scanNecessities(rows *sql.Rows) ([]asset.Necessity, error) {
	var out []asset.Necessity
	for rows.Next() {
		n, err := scanNecessity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanCadastro(row rowScanner) (asset.CadastroElement, error) {
	var el asset.CadastroElement
	var elementType string
	var attributes []byte
	err := row.Scan(&el.ID, &elementType, &el.HighwayID, &el.LotID,
		&el.Lat, &el.Lon, &el.StartM, &el.EndM, &attributes)
	if err != nil {
		return asset.CadastroElement{}, err
	}
	el.ElementType = asset.ElementType(elementType)
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &el.Attributes); err != nil {
			return asset.CadastroElement{}, fmt.Errorf("cadastro %d attributes: %w", el.ID, err)
		}
	}
	return el, nil
}

func scanCadastros(rows *sql.Rows) ([]asset.CadastroElement, error) {
	var out []asset.CadastroElement
	for rows.Next() {
		el, err := scanCadastro(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, el)
	}
	return out, rows.Err()
}

func scanTolerance(row rowScanner) (tolerance.Params, error) {
	var params tolerance.Params
	var elementType string
	var attrs pq.StringArray
	err := row.Scan(&elementType, &params.MatchDistanceM, &params.SubstitutionDistanceM,
		&params.OverlapMatchFraction, &params.OverlapAmbiguousLow, &params.OverlapAmbiguousHigh,
		&attrs)
	if err != nil {
		return tolerance.Params{}, err
	}
	params.ElementType = asset.ElementType(elementType)
	params.MatchAttributes = []string(attrs)
	return params, nil
}

func scanReconciliation(row rowScanner) (asset.ReconciliationRequest, error) {
	var r asset.ReconciliationRequest
	var status string
	var approvedAt sql.NullTime
	err := row.Scan(&r.ID, &r.NecessityID, &r.CadastroID, &status,
		&r.RequestedBy, &r.RequestedAt, &r.ApprovedBy, &approvedAt,
		&r.ObservationUser, &r.ObservationCoordinator)
	if err != nil {
		return asset.ReconciliationRequest{}, err
	}
	r.Status = asset.ReconciliationStatus(status)
	if approvedAt.Valid {
		t := approvedAt.Time
		r.ApprovedAt = &t
	}
	return r, nil
}

func requireOneRow(result sql.Result, id int64) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: id %d", asset.ErrNotFound, id)
	}
	return nil
}

func nullInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

var _ Store = (*Postgres)(nil)
var _ Store = (*Memory)(nil)
