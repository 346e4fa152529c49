// Package triage governs how a matched, ambiguous or flagged necessity
// moves from proposed to active or rejected, and carries the two-role
// reconciliation protocol: a technician proposes a substitution in the
// field, a coordinator ratifies or refuses it. Transitions are optimistic
// per record — the store re-checks the current state in the same write and
// fails with ErrInvalidTransition when it moved.
package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/viasinal/cadmatch/internal/asset"
	"github.com/viasinal/cadmatch/internal/store"
)

// Role identifies who is acting on a reconciliation request.
type Role string

const (
	RoleTechnician  Role = "TECHNICIAN"
	RoleCoordinator Role = "COORDINATOR"
)

// Actor is the identity attached to every transition.
type Actor struct {
	ID   string
	Role Role
}

// forwardFields is the per-type allow-list of cadastro fields a coordinator
// approval may overwrite with the project's values. Never a blanket copy:
// only forward-looking fields that the approved substitution makes true.
var forwardFields = map[asset.ElementType][]string{
	asset.Sign:        {"pelicula", "suporte", "formato", "dimensoes"},
	asset.Gantry:      {"tipo_estrutura", "mensagem"},
	asset.Inscription: {"tinta", "cor"},
}

// Machine executes triage and reconciliation transitions over a store.
type Machine struct {
	store store.Store
	log   *logrus.Logger
}

// NewMachine creates a triage state machine.
func NewMachine(st store.Store, log *logrus.Logger) *Machine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Machine{store: st, log: log}
}

// Approve moves a proposed necessity to active, stamping the reviewer.
// Re-approving an active record fails with ErrInvalidTransition.
func (m *Machine) Approve(ctx context.Context, necessityID int64, reviewerID, note string) error {
	if err := m.store.UpdateTriage(ctx, necessityID, asset.TriageProposed, asset.TriageActive, reviewerID, note); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"necessity_id": necessityID,
		"reviewer":     reviewerID,
	}).Info("necessity approved")
	return nil
}

// Reject moves a proposed necessity to rejected. The reason is mandatory:
// an empty one fails with ErrMissingJustification and changes nothing.
func (m *Machine) Reject(ctx context.Context, necessityID int64, reviewerID, reasonCode string) error {
	if strings.TrimSpace(reasonCode) == "" {
		return fmt.Errorf("%w: rejection of necessity %d needs a reason", asset.ErrMissingJustification, necessityID)
	}
	if err := m.store.UpdateTriage(ctx, necessityID, asset.TriageProposed, asset.TriageRejected, reviewerID, reasonCode); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"necessity_id": necessityID,
		"reviewer":     reviewerID,
		"reason":       reasonCode,
	}).Info("necessity rejected")
	return nil
}

// RevertToTriage sends an active or rejected necessity back to the queue,
// clearing the reviewer stamp.
func (m *Machine) RevertToTriage(ctx context.Context, necessityID int64) error {
	n, err := m.store.GetNecessity(ctx, necessityID)
	if err != nil {
		return err
	}
	if n.TriageState != asset.TriageActive && n.TriageState != asset.TriageRejected {
		return fmt.Errorf("%w: necessity %d is %s", asset.ErrInvalidTransition, necessityID, n.TriageState)
	}
	if err := m.store.UpdateTriage(ctx, necessityID, n.TriageState, asset.TriageProposed, "", ""); err != nil {
		return err
	}
	m.log.WithField("necessity_id", necessityID).Info("necessity returned to triage")
	return nil
}

// SubmitForApproval opens a reconciliation request: the technician asserts
// that the matched cadastro element is the same physical asset and the
// necessity should be treated as a substitution of it.
func (m *Machine) SubmitForApproval(ctx context.Context, necessityID int64, technician Actor, note string) (asset.ReconciliationRequest, error) {
	if technician.Role != RoleTechnician {
		return asset.ReconciliationRequest{}, fmt.Errorf("%w: only a technician may submit for approval", asset.ErrInvalidTransition)
	}
	n, err := m.store.GetNecessity(ctx, necessityID)
	if err != nil {
		return asset.ReconciliationRequest{}, err
	}
	if n.CandidateID == nil {
		return asset.ReconciliationRequest{}, fmt.Errorf("%w: necessity %d has no matched cadastro element", asset.ErrInvalidTransition, necessityID)
	}
	if n.Decision != asset.DecisionSubstitution && n.Decision != asset.DecisionAmbiguous {
		return asset.ReconciliationRequest{}, fmt.Errorf("%w: necessity %d decision %s is not a possible replacement", asset.ErrInvalidTransition, necessityID, n.Decision)
	}

	req, err := m.store.CreateReconciliation(ctx, asset.ReconciliationRequest{
		NecessityID:     necessityID,
		CadastroID:      *n.CandidateID,
		Status:          asset.ReconciliationPending,
		RequestedBy:     technician.ID,
		ObservationUser: note,
	})
	if err != nil {
		return asset.ReconciliationRequest{}, err
	}
	m.log.WithFields(logrus.Fields{
		"necessity_id":      necessityID,
		"reconciliation_id": req.ID,
		"technician":        technician.ID,
	}).Info("substitution submitted for approval")
	return req, nil
}

// ApproveAsCoordinator ratifies a pending reconciliation: the necessity
// becomes a substitution and the matched cadastro element receives the
// project's forward-looking field values, restricted to the type's
// allow-list. This is the single place the engine writes into inventory.
func (m *Machine) ApproveAsCoordinator(ctx context.Context, requestID int64, coordinator Actor, note string) error {
	req, err := m.requirePending(ctx, requestID, coordinator)
	if err != nil {
		return err
	}
	n, err := m.store.GetNecessity(ctx, req.NecessityID)
	if err != nil {
		return err
	}

	now := time.Now()
	req.Status = asset.ReconciliationApproved
	req.ApprovedBy = coordinator.ID
	req.ApprovedAt = &now
	req.ObservationCoordinator = note
	if err := m.store.UpdateReconciliation(ctx, req, asset.ReconciliationPending); err != nil {
		return err
	}

	if err := m.store.SetServiceKind(ctx, req.NecessityID, asset.ServiceSubstitute); err != nil {
		return err
	}

	if fields := forwardAttributeValues(n); len(fields) > 0 {
		if err := m.store.UpdateCadastroAttributes(ctx, req.CadastroID, fields); err != nil {
			return err
		}
	}

	m.log.WithFields(logrus.Fields{
		"reconciliation_id": requestID,
		"necessity_id":      req.NecessityID,
		"cadastro_id":       req.CadastroID,
		"coordinator":       coordinator.ID,
	}).Info("substitution approved")
	return nil
}

// RejectAsCoordinator refuses a pending reconciliation: the field element
// is not the same asset, so the necessity's final service goes back to a
// plain installation.
func (m *Machine) RejectAsCoordinator(ctx context.Context, requestID int64, coordinator Actor, note string) error {
	req, err := m.requirePending(ctx, requestID, coordinator)
	if err != nil {
		return err
	}

	now := time.Now()
	req.Status = asset.ReconciliationRejected
	req.ApprovedBy = coordinator.ID
	req.ApprovedAt = &now
	req.ObservationCoordinator = note
	if err := m.store.UpdateReconciliation(ctx, req, asset.ReconciliationPending); err != nil {
		return err
	}

	if err := m.store.SetServiceKind(ctx, req.NecessityID, asset.ServiceInstall); err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{
		"reconciliation_id": requestID,
		"necessity_id":      req.NecessityID,
		"coordinator":       coordinator.ID,
	}).Info("substitution rejected, necessity falls back to install")
	return nil
}

// ResolveDivergence records which side wins when the project spreadsheet
// and the engine's inference disagree. Overriding the inference demands a
// justification; the chosen side, the actor and the justification are
// stamped onto the record by the store in the same conditional write that
// closes the divergence.
func (m *Machine) ResolveDivergence(ctx context.Context, necessityID int64, chosen asset.ServiceKind, actor Actor, justification string) error {
	n, err := m.store.GetNecessity(ctx, necessityID)
	if err != nil {
		return err
	}
	if !n.Divergencia {
		return fmt.Errorf("%w: necessity %d has no divergence to resolve", asset.ErrInvalidTransition, necessityID)
	}
	if chosen != n.ServicoInferido && strings.TrimSpace(justification) == "" {
		return fmt.Errorf("%w: overriding the inferred service for necessity %d needs a justification", asset.ErrMissingJustification, necessityID)
	}
	if err := m.store.ResolveDivergence(ctx, necessityID, chosen, actor.ID, justification); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"necessity_id": necessityID,
		"chosen":       chosen,
		"actor":        actor.ID,
		"overridden":   chosen != n.ServicoInferido,
	}).Info("divergence resolved")
	return nil
}

func (m *Machine) requirePending(ctx context.Context, requestID int64, coordinator Actor) (asset.ReconciliationRequest, error) {
	if coordinator.Role != RoleCoordinator {
		return asset.ReconciliationRequest{}, fmt.Errorf("%w: only a coordinator may decide a reconciliation", asset.ErrInvalidTransition)
	}
	req, err := m.store.GetReconciliation(ctx, requestID)
	if err != nil {
		return asset.ReconciliationRequest{}, err
	}
	if req.Status != asset.ReconciliationPending {
		return asset.ReconciliationRequest{}, fmt.Errorf("%w: reconciliation %d is %s", asset.ErrInvalidTransition, requestID, req.Status)
	}
	return req, nil
}

// forwardAttributeValues picks the necessity attribute values allowed to
// flow onto the matched cadastro element for its type.
func forwardAttributeValues(n asset.Necessity) map[string]string {
	allowed := forwardFields[n.ElementType]
	if len(allowed) == 0 || len(n.Attributes) == 0 {
		return nil
	}
	out := make(map[string]string)
	for _, field := range allowed {
		if v, ok := n.Attributes[field]; ok && strings.TrimSpace(v) != "" {
			out[field] = v
		}
	}
	return out
}
