package asset

import (
	"time"
)

// ElementType identifies one of the seven tracked road-safety asset types.
type ElementType string

const (
	Sign                 ElementType = "PLACA"
	Gantry               ElementType = "PORTICO"
	Inscription          ElementType = "INSCRICAO"
	LongitudinalMarking  ElementType = "MARCA_LONGITUDINAL"
	RaisedPavementMarker ElementType = "TACHA"
	Guardrail            ElementType = "DEFENSA"
	DelineatorCylinder   ElementType = "CILINDRO"
)

// PolicyClass selects the matching policy for an element type: point types
// match by great-circle distance, linear types by chainage overlap.
type PolicyClass int

const (
	PointClass PolicyClass = iota
	LinearClass
)

// AllElementTypes lists every tracked type in a stable order.
func AllElementTypes() []ElementType {
	return []ElementType{
		Sign, Gantry, Inscription,
		LongitudinalMarking, RaisedPavementMarker, Guardrail, DelineatorCylinder,
	}
}

// Class returns the matching policy class for the element type.
func (et ElementType) Class() PolicyClass {
	switch et {
	case Sign, Gantry, Inscription:
		return PointClass
	default:
		return LinearClass
	}
}

// Valid reports whether et is one of the known element types.
func (et ElementType) Valid() bool {
	switch et {
	case Sign, Gantry, Inscription, LongitudinalMarking,
		RaisedPavementMarker, Guardrail, DelineatorCylinder:
		return true
	}
	return false
}

// ServiceKind is the change a necessity asks for at its location.
type ServiceKind string

const (
	ServiceInstall    ServiceKind = "IMPLANTAR"
	ServiceSubstitute ServiceKind = "SUBSTITUIR"
	ServiceRemove     ServiceKind = "REMOVER"
)

// Decision is the classifier's verdict for a necessity.
type Decision string

const (
	DecisionMatchDirect  Decision = "MATCH_DIRECT"
	DecisionSubstitution Decision = "SUBSTITUICAO"
	DecisionAmbiguous    Decision = "AMBIGUOUS"
	DecisionNoMatch      Decision = "NO_MATCH"
)

// ReasonCode explains a decision in machine-readable form.
type ReasonCode string

const (
	// Point policy.
	ReasonNoCadastroNearby     ReasonCode = "NO_CADASTRO_NEARBY"
	ReasonPerfectMatch         ReasonCode = "PERFECT_MATCH"
	ReasonAttrMismatchSameLoc  ReasonCode = "ATTR_MISMATCH_SAME_LOCATION"
	ReasonDistInGrayZone       ReasonCode = "DIST_IN_GRAY_ZONE"
	ReasonDistGtThreshold      ReasonCode = "DIST_GT_THRESHOLD"
	// Linear policy.
	ReasonNoOverlapFound         ReasonCode = "NO_OVERLAP_FOUND"
	ReasonHighOverlapPerfectAttr ReasonCode = "HIGH_OVERLAP_PERFECT_ATTR"
	ReasonHighOverlapAttrDiverge ReasonCode = "HIGH_OVERLAP_ATTR_MISMATCH"
	ReasonOverlapInGrayZone      ReasonCode = "OVERLAP_IN_GRAY_ZONE"
	ReasonOverlapLtThreshold     ReasonCode = "OVERLAP_LT_THRESHOLD"
	// Degenerate input.
	ReasonInvalidGeometry ReasonCode = "INVALID_GEOMETRY"
)

// TriageState tracks where a necessity sits in the human review queue.
type TriageState string

const (
	TriageProposed TriageState = "PROPOSED"
	TriageActive   TriageState = "ACTIVE"
	TriageRejected TriageState = "REJECTED"
)

// UserDecision records a human-facing verdict written by the design-error
// detector or the triage flow, distinct from the classifier's Decision.
type UserDecision string

const (
	UserDecisionNone           UserDecision = ""
	UserDecisionPendingReview  UserDecision = "PENDENTE_REVISAO"
	UserDecisionConfirmed      UserDecision = "CONFIRMADO"
)

// DesignErrorFlag marks an install necessity that collides with inventory.
type DesignErrorFlag string

const (
	DesignErrorNone DesignErrorFlag = ""
	// Install requested on top of an already inventoried element.
	DesignErrorInstallOverExisting DesignErrorFlag = "IMPLANTAR_COM_CADASTRO_EXISTENTE"
	// Coordinates are close to inventory but the attributes disagree.
	DesignErrorNearbyDivergent DesignErrorFlag = "COORDENADAS_PROXIMAS_ATRIBUTOS_DIVERGENTES"
)

// MatchResult is the field set the classifier writes onto a necessity.
// CandidateID is nil exactly when Decision is NO_MATCH; Score is defined
// even without a candidate (0 when none was found at all).
type MatchResult struct {
	CandidateID         *int64
	Decision            Decision
	Score               float64
	ReasonCode          ReasonCode
	Measure             float64 // meters for point types, overlap fraction for linear
	DivergentAttributes []string
}

// Necessity is a project-stated requirement to install, substitute or
// remove an asset at a location. Match and triage fields are mutated by the
// engine; the identifying and geometric fields come from project import.
type Necessity struct {
	ID          int64
	ElementType ElementType
	HighwayID   int64
	LotID       int64
	ServiceKind ServiceKind

	// Point geometry (always the survey point for point types; the start
	// vertex for linear types when available).
	Lat *float64
	Lon *float64

	// Chainage range in meters along the route, linear types only.
	StartM *float64
	EndM   *float64

	Attributes map[string]string

	// Classifier output.
	CandidateID         *int64
	Decision            Decision
	Score               float64
	ReasonCode          ReasonCode
	Measure             float64
	DivergentAttributes []string

	// Design-error detector output.
	DesignErrorDetected bool
	DesignErrorFlag     DesignErrorFlag
	UserDecision        UserDecision

	// Triage.
	TriageState TriageState
	ReviewedBy  string
	ReviewedAt  *time.Time
	ReasonNote  string

	// Divergence between the project spreadsheet's stated solution and the
	// service the engine inferred. Resolution stamps record which side was
	// chosen, by whom, and the justification when the inference was
	// overridden.
	SolucaoPlanilha         ServiceKind
	ServicoInferido         ServiceKind
	Divergencia             bool
	DivergenceResolvedBy    string
	DivergenceResolvedAt    *time.Time
	DivergenceJustification string
}

// HasDecision reports whether the classifier has already ruled on n.
func (n *Necessity) HasDecision() bool {
	return n.Decision != ""
}

// CadastroElement is a previously surveyed physical asset. Lat/Lon hold the
// survey point (start vertex for linear types); StartM/EndM the chainage
// range for linear types.
type CadastroElement struct {
	ID          int64
	ElementType ElementType
	HighwayID   int64
	LotID       int64

	Lat float64
	Lon float64

	StartM *float64
	EndM   *float64

	Attributes map[string]string
}

// ReconciliationStatus is the state of a technician-proposed substitution.
type ReconciliationStatus string

const (
	ReconciliationPending  ReconciliationStatus = "PENDING_APPROVAL"
	ReconciliationApproved ReconciliationStatus = "APPROVED"
	ReconciliationRejected ReconciliationStatus = "REJECTED"
)

// ReconciliationRequest carries the technician-submit / coordinator-approve
// protocol for a possible replacement found by the matcher.
type ReconciliationRequest struct {
	ID                     int64
	NecessityID            int64
	CadastroID             int64
	Status                 ReconciliationStatus
	RequestedBy            string
	RequestedAt            time.Time
	ApprovedBy             string
	ApprovedAt             *time.Time
	ObservationUser        string
	ObservationCoordinator string
}
