package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultRequestBudget  = 500 * time.Millisecond
	defaultTriggerTimeout = 5 * time.Millisecond
	defaultExecTimeout    = 100 * time.Millisecond
	defaultMaxParallel    = 8
)

// RunObserver receives orchestrator telemetry. Implementations must be
// cheap; they are called on the request path.
type RunObserver interface {
	ObserveDetectorOutcome(detector string, status OutcomeStatus)
	ObserveRun(policy string, classification Classification, outcome RunOutcome, elapsed time.Duration)
}

// Orchestrator schedules detectors into priority-ordered, trigger-gated
// waves within a request-scoped deadline and folds their signals into an
// AggregatedResult after each wave.
type Orchestrator struct {
	registry map[string]Detector
	sem      *semaphore.Weighted
	logger   *zap.Logger
	observer RunObserver
}

// Options tunes orchestrator construction.
type Options struct {
	// MaxParallel bounds concurrent detector invocations across waves.
	MaxParallel int64
	// Observer receives per-run telemetry; may be nil.
	Observer RunObserver
}

// NewOrchestrator creates an orchestrator over the given detectors.
// Detector names must be unique; later duplicates are dropped with a
// warning.
func NewOrchestrator(detectors []Detector, logger *zap.Logger, opts Options) *Orchestrator {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = defaultMaxParallel
	}
	registry := make(map[string]Detector, len(detectors))
	for _, d := range detectors {
		if _, dup := registry[d.Name()]; dup {
			logger.Warn("duplicate detector name, dropping", zap.String("detector", d.Name()))
			continue
		}
		registry[d.Name()] = d
	}
	return &Orchestrator{
		registry: registry,
		sem:      semaphore.NewWeighted(opts.MaxParallel),
		logger:   logger,
		observer: opts.Observer,
	}
}

// wave is one batch of detectors that run concurrently.
type wave struct {
	tier      Tier
	priority  int
	detectors []Detector
}

// Run executes the policy's detectors against the request facts and
// returns the aggregated decision. The caller always receives a
// well-formed result; detector-level problems never surface as errors.
func (o *Orchestrator) Run(ctx context.Context, pol *Policy, facts *RequestFacts) *AggregatedResult {
	start := time.Now()

	budget := pol.RequestBudget
	if budget <= 0 {
		budget = defaultRequestBudget
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	res := &AggregatedResult{
		Classification: ClassAllow,
		Policy:         pol.Name,
		Outcome:        RunCompleted,
	}
	run := &RunState{policy: pol, facts: facts, started: start}
	waves := o.buildWaves(pol, res)

	for wi := range waves {
		if ctx.Err() != nil {
			// Request deadline hit between waves: remaining detectors are
			// skipped, not failed, and aggregation proceeds with what exists.
			o.skipWaves(waves[wi:], "request deadline reached", res)
			res.Outcome = RunExhausted
			break
		}

		outcomes := o.runWave(ctx, waves[wi], facts, run)

		for _, out := range outcomes {
			o.record(out, res, run)
			if out.Status == OutcomeFailed {
				if d := o.registry[out.Detector]; d != nil && !d.Optional() {
					o.failSafe(pol, out, res, waves[wi+1:])
					o.finish(res, run, start)
					return res
				}
			}
		}

		wavesRemain := wi < len(waves)-1
		suppress := pol.ForceSlowPath && remainingHasTier(waves[wi+1:], TierSlow)
		ev := Evaluate(run.signals, pol, wavesRemain, suppress)
		res.Score = ev.Score
		res.Confidence = ev.Confidence
		res.Classification = ev.Classification

		if ev.EarlyExit {
			res.EarlyExit = true
			res.EarlyExitClassification = ev.Classification
			res.Outcome = RunEarlyExited
			// Detectors in not-yet-started waves are never invoked.
			o.skipWaves(waves[wi+1:], "early exit", res)
			break
		}
	}

	o.finish(res, run, start)
	return res
}

// buildWaves groups the policy's detectors by tier order, then declared
// priority. Names the registry does not know are recorded as skipped.
func (o *Orchestrator) buildWaves(pol *Policy, res *AggregatedResult) []wave {
	type key struct {
		tier     Tier
		priority int
	}
	groups := make(map[key][]Detector)
	for _, tier := range []Tier{TierFast, TierSlow, TierAI} {
		for _, name := range pol.TierDetectors(tier) {
			d, ok := o.registry[name]
			if !ok {
				o.logger.Warn("policy references unregistered detector",
					zap.String("policy", pol.Name),
					zap.String("detector", name),
				)
				res.Skipped = append(res.Skipped, name)
				continue
			}
			k := key{tier: tier, priority: d.Priority()}
			groups[k] = append(groups[k], d)
		}
	}

	waves := make([]wave, 0, len(groups))
	for k, ds := range groups {
		waves = append(waves, wave{tier: k.tier, priority: k.priority, detectors: ds})
	}
	sort.Slice(waves, func(i, j int) bool {
		if waves[i].tier != waves[j].tier {
			return waves[i].tier < waves[j].tier
		}
		return waves[i].priority < waves[j].priority
	})
	return waves
}

// runWave invokes one wave's detectors concurrently, each under its own
// execution deadline, and collects their outcomes. Parallelism is bounded
// by the orchestrator-wide semaphore. When the request deadline fires we
// stop reading; late goroutines send into the buffered channel and are
// never read.
func (o *Orchestrator) runWave(ctx context.Context, w wave, facts *RequestFacts, run *RunState) []DetectorOutcome {
	outcomes := make([]DetectorOutcome, 0, len(w.detectors))
	ch := make(chan DetectorOutcome, len(w.detectors))
	inflight := make(map[string]struct{}, len(w.detectors))

	for _, d := range w.detectors {
		if !d.Enabled() {
			outcomes = append(outcomes, DetectorOutcome{
				Detector: d.Name(), Status: OutcomeSkipped, Reason: "disabled",
			})
			continue
		}
		if ctx.Err() != nil {
			outcomes = append(outcomes, DetectorOutcome{
				Detector: d.Name(), Status: OutcomeSkipped, Reason: "request deadline reached",
			})
			continue
		}
		if !o.triggered(ctx, d, run) {
			outcomes = append(outcomes, DetectorOutcome{
				Detector: d.Name(), Status: OutcomeSkipped, Reason: "trigger conditions not met",
			})
			continue
		}

		inflight[d.Name()] = struct{}{}
		go func(d Detector) {
			ch <- o.invoke(ctx, d, facts, run)
		}(d)
	}

	for len(inflight) > 0 {
		select {
		case out := <-ch:
			delete(inflight, out.Detector)
			outcomes = append(outcomes, out)
		case <-ctx.Done():
			// Request deadline: in-flight detectors are cancelled via the
			// shared context; record them as timed out and move on.
			for name := range inflight {
				outcomes = append(outcomes, DetectorOutcome{
					Detector: name, Status: OutcomeTimedOut, Reason: "request deadline reached",
				})
			}
			return outcomes
		}
	}
	return outcomes
}

// invoke runs a single detector under its execution deadline and converts
// any error into a DetectorOutcome.
func (o *Orchestrator) invoke(ctx context.Context, d Detector, facts *RequestFacts, run *RunState) DetectorOutcome {
	execTimeout := d.ExecutionTimeout()
	if execTimeout <= 0 {
		execTimeout = defaultExecTimeout
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return DetectorOutcome{Detector: d.Name(), Status: OutcomeTimedOut, Reason: "request deadline reached"}
	}
	defer o.sem.Release(1)

	detCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	signals, err := d.Detect(detCtx, facts, run)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(detCtx.Err(), context.DeadlineExceeded) {
			o.logger.Debug("detector timed out",
				zap.String("detector", d.Name()),
				zap.Duration("timeout", execTimeout),
			)
			return DetectorOutcome{Detector: d.Name(), Status: OutcomeTimedOut, Reason: "execution timeout"}
		}
		o.logger.Warn("detector error",
			zap.String("detector", d.Name()),
			zap.Error(err),
		)
		return DetectorOutcome{Detector: d.Name(), Status: OutcomeFailed, Reason: err.Error(), Err: err}
	}
	if errors.Is(detCtx.Err(), context.DeadlineExceeded) {
		// Cooperative cancellation: the result arrived late, discard it.
		return DetectorOutcome{Detector: d.Name(), Status: OutcomeTimedOut, Reason: "execution timeout"}
	}

	for i := range signals {
		if signals[i].Detector == "" {
			signals[i].Detector = d.Name()
		}
		if signals[i].CorrelationID == "" {
			signals[i].CorrelationID = facts.CorrelationID
		}
		if signals[i].Subject == "" {
			signals[i].Subject = facts.Fingerprint
		}
		if signals[i].At.IsZero() {
			signals[i].At = time.Now()
		}
	}
	return DetectorOutcome{Detector: d.Name(), Status: OutcomeCompleted, Signals: signals}
}

// triggered evaluates a detector's trigger conditions under its trigger
// timeout. Unmet or overdue conditions mean Skipped.
func (o *Orchestrator) triggered(ctx context.Context, d Detector, run *RunState) bool {
	tt := d.TriggerTimeout()
	if tt <= 0 {
		tt = defaultTriggerTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, tt)
	defer cancel()

	done := make(chan bool, 1)
	go func() { done <- d.Trigger(tctx, run) }()

	select {
	case ok := <-done:
		return ok
	case <-tctx.Done():
		return false
	}
}

// record folds one detector outcome into the running result.
func (o *Orchestrator) record(out DetectorOutcome, res *AggregatedResult, run *RunState) {
	if o.observer != nil {
		o.observer.ObserveDetectorOutcome(out.Detector, out.Status)
	}
	switch out.Status {
	case OutcomeCompleted:
		res.Completed = append(res.Completed, out.Detector)
		run.signals = append(run.signals, out.Signals...)
	case OutcomeSkipped:
		res.Skipped = append(res.Skipped, out.Detector)
	case OutcomeTimedOut:
		res.TimedOut = append(res.TimedOut, out.Detector)
	case OutcomeFailed:
		res.Failed = append(res.Failed, out.Detector)
	}
}

// failSafe applies the policy's fail-safe classification after a required
// detector failure.
func (o *Orchestrator) failSafe(pol *Policy, out DetectorOutcome, res *AggregatedResult, rest []wave) {
	o.logger.Warn("required detector failed, applying fail-safe classification",
		zap.String("detector", out.Detector),
		zap.String("policy", pol.Name),
		zap.String("fail_mode", pol.FailMode.String()),
		zap.Error(out.Err),
	)
	if pol.FailMode == FailClosed {
		res.Classification = ClassBlock
	} else {
		res.Classification = ClassAllow
	}
	res.Outcome = RunFailSafe
	o.skipWaves(rest, "required detector failed", res)
}

// skipWaves records every detector of the given waves as skipped.
func (o *Orchestrator) skipWaves(waves []wave, reason string, res *AggregatedResult) {
	for _, w := range waves {
		for _, d := range w.detectors {
			res.Skipped = append(res.Skipped, d.Name())
			if o.observer != nil {
				o.observer.ObserveDetectorOutcome(d.Name(), OutcomeSkipped)
			}
			o.logger.Debug("detector skipped", zap.String("detector", d.Name()), zap.String("reason", reason))
		}
	}
}

// finish seals the result: reasons, elapsed time, observer callback.
func (o *Orchestrator) finish(res *AggregatedResult, run *RunState, start time.Time) {
	pol := run.policy
	res.Reasons = make([]Reason, 0, len(run.signals))
	for i := range run.signals {
		s := &run.signals[i]
		res.Reasons = append(res.Reasons, Reason{
			Detector:   s.Detector,
			Detail:     s.Detail,
			Confidence: s.Confidence,
			Weight:     pol.Weight(s.Detector),
		})
	}
	res.Elapsed = time.Since(start)
	if o.observer != nil {
		o.observer.ObserveRun(res.Policy, res.Classification, res.Outcome, res.Elapsed)
	}
}

// remainingHasTier reports whether any of the given waves belongs to the
// tier.
func remainingHasTier(waves []wave, t Tier) bool {
	for _, w := range waves {
		if w.tier == t {
			return true
		}
	}
	return false
}
