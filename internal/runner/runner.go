// Package runner drives batch matching: it walks every undecided necessity
// of the selected element types, classifies each one independently, persists
// the result and keeps per-type counters. A batch is a set of independent
// units, not a transaction: one record failing to persist is counted and
// logged, never fatal.
package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/viasinal/cadmatch/internal/asset"
	"github.com/viasinal/cadmatch/internal/match"
	"github.com/viasinal/cadmatch/internal/store"
	"github.com/viasinal/cadmatch/internal/tolerance"
)

const defaultPageSize = 500

// TypeStats are the per-element-type counters of one run.
type TypeStats struct {
	Total       int
	Matched     int
	Substituted int
	Ambiguous   int
	NoMatch     int
	Errors      int
}

// RunReport summarizes one batch invocation. Counters are updated while the
// run progresses; Snapshot returns a consistent copy for progress displays.
type RunReport struct {
	RunID        string
	PerType      map[asset.ElementType]*TypeStats
	SkippedTypes []asset.ElementType
	AverageScore float64
	Stopped      bool

	totalScore float64
	scored     int
}

// ResetReport summarizes a reset: rows cleared per type, and the types
// whose reset failed and must be re-run.
type ResetReport struct {
	Cleared map[asset.ElementType]int64
	Failed  map[asset.ElementType]error
}

// StopFlag requests cooperative early stop. The runner checks it between
// records; already-persisted results stay in place and the report is
// returned partial.
type StopFlag struct {
	stopped atomic.Bool
}

// Stop requests the run to halt after the current record.
func (s *StopFlag) Stop() { s.stopped.Store(true) }

// Stopped reports whether a stop was requested.
func (s *StopFlag) Stopped() bool { return s.stopped.Load() }

// Runner executes matching batches over a store.
type Runner struct {
	store      store.Store
	registry   *tolerance.Registry
	classifier *match.Classifier
	log        *logrus.Logger
	pageSize   int

	mu     sync.Mutex
	report *RunReport
}

// New creates a batch runner.
func New(st store.Store, registry *tolerance.Registry, classifier *match.Classifier, log *logrus.Logger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{
		store:      st,
		registry:   registry,
		classifier: classifier,
		log:        log,
		pageSize:   defaultPageSize,
	}
}

// SetPageSize bounds how many undecided necessities are loaded per page.
func (r *Runner) SetPageSize(n int) {
	if n > 0 {
		r.pageSize = n
	}
}

// Snapshot returns a copy of the report of the run in progress, for
// incremental progress reporting. Nil when no run has started.
func (r *Runner) Snapshot() *RunReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.report == nil {
		return nil
	}
	cp := *r.report
	cp.PerType = make(map[asset.ElementType]*TypeStats, len(r.report.PerType))
	for et, st := range r.report.PerType {
		s := *st
		cp.PerType[et] = &s
	}
	cp.SkippedTypes = append([]asset.ElementType(nil), r.report.SkippedTypes...)
	return &cp
}

// Run matches every undecided necessity of the given types. Tolerance
// parameters are read once per element-type batch, so a mid-run edit
// applies to types not yet started. A missing tolerance record skips the
// type and is reported; it never aborts the other types.
func (r *Runner) Run(ctx context.Context, types []asset.ElementType, filters store.Filters, stop *StopFlag) (*RunReport, error) {
	if stop == nil {
		stop = &StopFlag{}
	}

	report := &RunReport{
		RunID:   uuid.NewString(),
		PerType: make(map[asset.ElementType]*TypeStats, len(types)),
	}
	r.mu.Lock()
	r.report = report
	r.mu.Unlock()

	log := r.log.WithField("run_id", report.RunID)
	log.WithField("types", types).Info("matching run started")

	if err := r.store.CreateMatchRun(ctx, store.MatchRun{
		RunID:     report.RunID,
		Label:     "batch matching",
		StartedAt: time.Now(),
	}); err != nil {
		log.WithError(err).Warn("could not persist run record")
	}

	for _, et := range types {
		if stop.Stopped() || ctx.Err() != nil {
			r.count(func() { report.Stopped = true })
			break
		}

		params, err := r.registry.Get(ctx, et)
		if err != nil {
			if errors.Is(err, asset.ErrConfigMissing) {
				log.WithField("element_type", et).Warn("no active tolerance record, skipping type")
			} else {
				log.WithField("element_type", et).WithError(err).Error("tolerance load failed, skipping type")
			}
			r.count(func() { report.SkippedTypes = append(report.SkippedTypes, et) })
			continue
		}

		r.runType(ctx, log, et, params, filters, stop, report)
	}

	r.finishReport(report)

	processed, errCount := 0, 0
	for _, st := range report.PerType {
		processed += st.Total
		errCount += st.Errors
	}
	if err := r.store.FinishMatchRun(ctx, report.RunID, processed, errCount); err != nil {
		log.WithError(err).Warn("could not finalize run record")
	}

	log.WithFields(logrus.Fields{
		"processed": processed,
		"errors":    errCount,
		"stopped":   report.Stopped,
		"avg_score": report.AverageScore,
	}).Info("matching run finished")
	return report, nil
}

func (r *Runner) runType(ctx context.Context, log *logrus.Entry, et asset.ElementType, params tolerance.Params, filters store.Filters, stop *StopFlag, report *RunReport) {
	stats := &TypeStats{}
	r.mu.Lock()
	report.PerType[et] = stats
	r.mu.Unlock()

	tlog := log.WithField("element_type", et)
	var afterID int64

	for {
		if stop.Stopped() || ctx.Err() != nil {
			r.count(func() { report.Stopped = true })
			return
		}

		page, err := r.store.UndecidedNecessities(ctx, et, filters, afterID, r.pageSize)
		if err != nil {
			tlog.WithError(err).Error("loading undecided necessities failed")
			r.count(func() { stats.Errors++ })
			return
		}

		for i := range page {
			if stop.Stopped() || ctx.Err() != nil {
				r.count(func() { report.Stopped = true })
				return
			}
			n := page[i]
			afterID = n.ID
			r.processOne(ctx, tlog, &n, params, stats, report)
		}

		if len(page) < r.pageSize {
			return
		}
	}
}

func (r *Runner) processOne(ctx context.Context, log *logrus.Entry, n *asset.Necessity, params tolerance.Params, stats *TypeStats, report *RunReport) {
	res, err := r.classifier.Classify(ctx, n, params)
	if err != nil && !errors.Is(err, asset.ErrMissingGeometry) {
		log.WithField("necessity_id", n.ID).WithError(err).Error("classification failed")
		r.count(func() { stats.Total++; stats.Errors++ })
		return
	}
	if errors.Is(err, asset.ErrMissingGeometry) {
		log.WithField("necessity_id", n.ID).Warn("necessity has no usable geometry, recorded as NO_MATCH")
	}

	applied, err := r.store.ApplyMatchResult(ctx, n.ID, res, triageStateFor(res.Decision))
	if err != nil {
		log.WithField("necessity_id", n.ID).WithError(err).Error("persisting match result failed")
		r.count(func() { stats.Total++; stats.Errors++ })
		return
	}
	if !applied {
		// Another invocation decided this row first; per-row conditional
		// update is the whole concurrency contract here.
		log.WithField("necessity_id", n.ID).Debug("row already decided, skipping")
		return
	}

	if inferred, ok := inferService(res.Decision); ok {
		stated := n.SolucaoPlanilha
		if stated == "" {
			stated = n.ServiceKind
		}
		divergent := stated != "" && stated != inferred
		if err := r.store.SetServiceInference(ctx, n.ID, inferred, divergent); err != nil {
			log.WithField("necessity_id", n.ID).WithError(err).Warn("recording service inference failed")
		}
	}

	r.count(func() {
		stats.Total++
		switch res.Decision {
		case asset.DecisionMatchDirect:
			stats.Matched++
		case asset.DecisionSubstitution:
			stats.Substituted++
		case asset.DecisionAmbiguous:
			stats.Ambiguous++
		case asset.DecisionNoMatch:
			stats.NoMatch++
		}
		report.totalScore += res.Score
		report.scored++
	})

	if stats.Total%100 == 0 {
		log.WithFields(logrus.Fields{
			"processed": stats.Total,
			"errors":    stats.Errors,
		}).Info("matching progress")
	}
}

// Reset clears decisions for the given types so a run can be repeated after
// a tolerance change. The store makes each type all-or-nothing; a type that
// fails is reported and left for re-run, the others proceed.
func (r *Runner) Reset(ctx context.Context, types []asset.ElementType) *ResetReport {
	report := &ResetReport{
		Cleared: make(map[asset.ElementType]int64, len(types)),
		Failed:  make(map[asset.ElementType]error),
	}
	for _, et := range types {
		cleared, err := r.store.ResetDecisions(ctx, et)
		if err != nil {
			r.log.WithField("element_type", et).WithError(err).Error("reset failed, type left mixed, re-run required")
			report.Failed[et] = err
			continue
		}
		r.log.WithFields(logrus.Fields{"element_type": et, "cleared": cleared}).Info("decisions reset")
		report.Cleared[et] = cleared
	}
	return report
}

func (r *Runner) count(fn func()) {
	r.mu.Lock()
	fn()
	r.mu.Unlock()
}

func (r *Runner) finishReport(report *RunReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if report.scored > 0 {
		report.AverageScore = report.totalScore / float64(report.scored)
	}
}

// triageStateFor applies the auto-promotion invariant: only AMBIGUOUS
// decisions wait for a human; everything else becomes active immediately.
func triageStateFor(d asset.Decision) asset.TriageState {
	if d == asset.DecisionAmbiguous {
		return asset.TriageProposed
	}
	return asset.TriageActive
}

// inferService derives the engine's view of the needed service from the
// decision: a matched or divergent-replacement element means substitution,
// no match means a genuinely new installation. Ambiguity stays with the
// human.
func inferService(d asset.Decision) (asset.ServiceKind, bool) {
	switch d {
	case asset.DecisionMatchDirect, asset.DecisionSubstitution:
		return asset.ServiceSubstitute, true
	case asset.DecisionNoMatch:
		return asset.ServiceInstall, true
	default:
		return "", false
	}
}
