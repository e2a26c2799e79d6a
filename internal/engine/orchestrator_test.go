package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeDetector is an instrumented detector for orchestrator tests.
type fakeDetector struct {
	Spec
	detectCalls  atomic.Int32
	triggerCalls atomic.Int32

	signals   []Signal
	err       error
	delay     time.Duration
	triggerFn func(run *RunState) bool
}

func (f *fakeDetector) Trigger(ctx context.Context, run *RunState) bool {
	f.triggerCalls.Add(1)
	if f.triggerFn != nil {
		return f.triggerFn(run)
	}
	return true
}

func (f *fakeDetector) Detect(ctx context.Context, facts *RequestFacts, run *RunState) ([]Signal, error) {
	f.detectCalls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.signals, nil
}

func fastFake(name string, priority int, confidence float32) *fakeDetector {
	return &fakeDetector{
		Spec: Spec{
			DetectorName: name,
			DetectorTier: TierFast,
			WavePriority: priority,
			IsOptional:   true,
			ExecWait:     100 * time.Millisecond,
		},
		signals: []Signal{{Detector: name, Confidence: confidence}},
	}
}

func testFacts() *RequestFacts {
	return &RequestFacts{
		Method:        "GET",
		Path:          "/api/v1/users",
		ClientIP:      "203.0.113.7",
		UserAgent:     "test-agent",
		CorrelationID: "corr-1",
		Fingerprint:   "fp-1",
	}
}

func runPolicy(detectors ...string) *Policy {
	return &Policy{
		Name:          "test",
		FastDetectors: detectors,
		Thresholds:    Thresholds{ImmediateBlock: 0.9, Challenge: 0.85, MinConfidence: 0.1, VerdictFloor: 0.9},
		UseFastPath:   true,
		RequestBudget: time.Second,
	}
}

func TestRun_EarlyExitNeverInvokesLaterWaves(t *testing.T) {
	hot := fastFake("hot", 0, 0.95) // crosses the block threshold in wave 0
	late := fastFake("late", 1, 0.5)

	o := NewOrchestrator([]Detector{hot, late}, zap.NewNop(), Options{})
	res := o.Run(context.Background(), runPolicy("hot", "late"), testFacts())

	if res.Classification != ClassBlock {
		t.Fatalf("expected block, got %v", res.Classification)
	}
	if !res.EarlyExit || res.Outcome != RunEarlyExited {
		t.Errorf("expected early exit, got %+v", res)
	}
	if got := late.detectCalls.Load(); got != 0 {
		t.Errorf("later-wave detector invoked %d times after early exit", got)
	}
	if !contains(res.Skipped, "late") {
		t.Errorf("later-wave detector should be recorded skipped, got %v", res.Skipped)
	}
}

func TestRun_SlowDetectorTimesOutNotFails(t *testing.T) {
	slow := &fakeDetector{
		Spec: Spec{
			DetectorName: "slow",
			DetectorTier: TierFast,
			IsOptional:   true,
			ExecWait:     50 * time.Millisecond,
		},
		delay:   200 * time.Millisecond,
		signals: []Signal{{Detector: "slow", Confidence: 0.9}},
	}

	pol := runPolicy("slow")
	pol.RequestBudget = time.Second

	o := NewOrchestrator([]Detector{slow}, zap.NewNop(), Options{})
	start := time.Now()
	res := o.Run(context.Background(), pol, testFacts())
	elapsed := time.Since(start)

	if !contains(res.TimedOut, "slow") {
		t.Errorf("expected timed_out outcome, got timed_out=%v failed=%v", res.TimedOut, res.Failed)
	}
	if len(res.Failed) != 0 {
		t.Errorf("timeout must not be recorded as failure: %v", res.Failed)
	}
	// Well within the parent deadline plus scheduling slack.
	if elapsed > 500*time.Millisecond {
		t.Errorf("run took %v, expected prompt return after execution timeout", elapsed)
	}
}

func TestRun_RequiredFailureFailClosed(t *testing.T) {
	required := &fakeDetector{
		Spec: Spec{DetectorName: "required", DetectorTier: TierFast, ExecWait: 50 * time.Millisecond},
		err:  errors.New("reputation feed unavailable"),
	}
	never := fastFake("never", 1, 0.1)

	pol := runPolicy("required", "never")
	pol.FailMode = FailClosed

	o := NewOrchestrator([]Detector{required, never}, zap.NewNop(), Options{})
	res := o.Run(context.Background(), pol, testFacts())

	if res.Classification != ClassBlock {
		t.Errorf("fail-closed policy must block, got %v", res.Classification)
	}
	if res.Outcome != RunFailSafe {
		t.Errorf("expected fail_safe outcome, got %v", res.Outcome)
	}
	if never.detectCalls.Load() != 0 {
		t.Error("detectors after a fatal failure must not run")
	}
}

func TestRun_RequiredFailureFailOpen(t *testing.T) {
	required := &fakeDetector{
		Spec: Spec{DetectorName: "required", DetectorTier: TierFast, ExecWait: 50 * time.Millisecond},
		err:  errors.New("boom"),
	}

	pol := runPolicy("required")
	pol.FailMode = FailOpen

	o := NewOrchestrator([]Detector{required}, zap.NewNop(), Options{})
	res := o.Run(context.Background(), pol, testFacts())

	if res.Classification != ClassAllow {
		t.Errorf("fail-open policy must allow, got %v", res.Classification)
	}
}

func TestRun_OptionalFailureIsSoft(t *testing.T) {
	flaky := &fakeDetector{
		Spec: Spec{DetectorName: "flaky", DetectorTier: TierFast, IsOptional: true, ExecWait: 50 * time.Millisecond},
		err:  errors.New("boom"),
	}
	steady := fastFake("steady", 0, 0.3)

	o := NewOrchestrator([]Detector{flaky, steady}, zap.NewNop(), Options{})
	res := o.Run(context.Background(), runPolicy("flaky", "steady"), testFacts())

	if res.Outcome == RunFailSafe {
		t.Fatal("optional failure must not trigger fail-safe")
	}
	if !contains(res.Failed, "flaky") || !contains(res.Completed, "steady") {
		t.Errorf("unexpected bookkeeping: failed=%v completed=%v", res.Failed, res.Completed)
	}
	if res.Score == 0 {
		t.Error("surviving signals should still score")
	}
}

func TestRun_TriggerGateSkips(t *testing.T) {
	gated := fastFake("gated", 0, 0.9)
	gated.triggerFn = func(run *RunState) bool { return false }

	o := NewOrchestrator([]Detector{gated}, zap.NewNop(), Options{})
	res := o.Run(context.Background(), runPolicy("gated"), testFacts())

	if gated.detectCalls.Load() != 0 {
		t.Error("gated detector must not be invoked")
	}
	if !contains(res.Skipped, "gated") {
		t.Errorf("gated detector should be skipped, got %v", res.Skipped)
	}
}

func TestRun_TriggerTimeoutSkips(t *testing.T) {
	stuck := fastFake("stuck", 0, 0.9)
	stuck.TriggerWait = 5 * time.Millisecond
	stuck.triggerFn = func(run *RunState) bool {
		time.Sleep(100 * time.Millisecond)
		return true
	}

	o := NewOrchestrator([]Detector{stuck}, zap.NewNop(), Options{})
	res := o.Run(context.Background(), runPolicy("stuck"), testFacts())

	if stuck.detectCalls.Load() != 0 {
		t.Error("detector whose trigger timed out must not run")
	}
	if !contains(res.Skipped, "stuck") {
		t.Errorf("expected skipped, got %v", res.Skipped)
	}
}

func TestRun_LaterWaveSeesEarlierSignals(t *testing.T) {
	first := fastFake("first", 0, 0.4)
	second := fastFake("second", 1, 0.4)
	second.triggerFn = func(run *RunState) bool { return run.HasSignalFrom("first") }

	pol := runPolicy("first", "second")
	pol.Thresholds.MinConfidence = 0.95 // keep gathering across both waves

	o := NewOrchestrator([]Detector{first, second}, zap.NewNop(), Options{})
	res := o.Run(context.Background(), pol, testFacts())

	if second.detectCalls.Load() != 1 {
		t.Errorf("trigger over earlier signals should fire, calls=%d", second.detectCalls.Load())
	}
	if !contains(res.Completed, "second") {
		t.Errorf("expected second completed, got %v", res.Completed)
	}
}

func TestRun_WhitelistVerdictStopsEverything(t *testing.T) {
	allowlist := &fakeDetector{
		Spec: Spec{DetectorName: "allowlist", DetectorTier: TierFast, ExecWait: 50 * time.Millisecond},
		signals: []Signal{{
			Detector:   "allowlist",
			Confidence: 0.95,
			Verdict:    VerdictWhitelisted,
			Detail:     "monitoring range",
		}},
	}
	slow := fastFake("slow", 1, 0.99)
	behavioral := &fakeDetector{
		Spec:    Spec{DetectorName: "behavioral", DetectorTier: TierSlow, IsOptional: true, ExecWait: 50 * time.Millisecond},
		signals: []Signal{{Detector: "behavioral", Confidence: 0.99}},
	}

	pol := runPolicy("allowlist", "slow")
	pol.SlowDetectors = []string{"behavioral"}

	o := NewOrchestrator([]Detector{allowlist, slow, behavioral}, zap.NewNop(), Options{})
	res := o.Run(context.Background(), pol, testFacts())

	if res.Classification != ClassAllow {
		t.Fatalf("whitelisted verdict must allow, got %v", res.Classification)
	}
	if !res.EarlyExit {
		t.Error("verdict must early-exit")
	}
	if slow.detectCalls.Load() != 0 || behavioral.detectCalls.Load() != 0 {
		t.Errorf("no further wave may run: slow=%d behavioral=%d",
			slow.detectCalls.Load(), behavioral.detectCalls.Load())
	}
}

func TestRun_DeadlineExhaustsRemainingWaves(t *testing.T) {
	sleepy := &fakeDetector{
		Spec:    Spec{DetectorName: "sleepy", DetectorTier: TierFast, IsOptional: true, ExecWait: 200 * time.Millisecond},
		delay:   80 * time.Millisecond,
		signals: []Signal{{Detector: "sleepy", Confidence: 0.2}},
	}
	unrun := fastFake("unrun", 1, 0.5)

	pol := runPolicy("sleepy", "unrun")
	pol.RequestBudget = 50 * time.Millisecond
	pol.Thresholds.MinConfidence = 0.95 // would keep gathering if time allowed

	o := NewOrchestrator([]Detector{sleepy, unrun}, zap.NewNop(), Options{})
	res := o.Run(context.Background(), pol, testFacts())

	if res.Outcome != RunExhausted {
		t.Errorf("expected exhausted outcome, got %v", res.Outcome)
	}
	if unrun.detectCalls.Load() != 0 {
		t.Error("un-run detectors after the deadline must not be invoked")
	}
	if !contains(res.Skipped, "unrun") {
		t.Errorf("un-run detectors must be skipped, not failed: %+v", res)
	}
}

func TestRun_ForceSlowPathDefersAllowExit(t *testing.T) {
	clean := fastFake("clean", 0, 0.05)
	behavioral := &fakeDetector{
		Spec:    Spec{DetectorName: "behavioral", DetectorTier: TierSlow, IsOptional: true, ExecWait: 50 * time.Millisecond},
		signals: []Signal{{Detector: "behavioral", Confidence: 0.1}},
	}

	pol := runPolicy("clean")
	pol.SlowDetectors = []string{"behavioral"}
	pol.ForceSlowPath = true
	pol.Thresholds.MinConfidence = 0.1

	o := NewOrchestrator([]Detector{clean, behavioral}, zap.NewNop(), Options{})
	res := o.Run(context.Background(), pol, testFacts())

	if behavioral.detectCalls.Load() != 1 {
		t.Errorf("forced slow path must run the slow tier, calls=%d", behavioral.detectCalls.Load())
	}
	if res.Classification != ClassAllow {
		t.Errorf("expected allow, got %v", res.Classification)
	}
}

func TestRun_DisabledAndUnregisteredSkipped(t *testing.T) {
	off := fastFake("off", 0, 0.9)
	off.Disabled = true

	o := NewOrchestrator([]Detector{off}, zap.NewNop(), Options{})
	res := o.Run(context.Background(), runPolicy("off", "ghost"), testFacts())

	if off.detectCalls.Load() != 0 {
		t.Error("disabled detector must not run")
	}
	if !contains(res.Skipped, "off") || !contains(res.Skipped, "ghost") {
		t.Errorf("expected off and ghost skipped, got %v", res.Skipped)
	}
}

func TestRun_SignalsStamped(t *testing.T) {
	bare := fastFake("bare", 0, 0.4)
	bare.signals = []Signal{{Confidence: 0.4, Detail: "odd header order"}}

	o := NewOrchestrator([]Detector{bare}, zap.NewNop(), Options{})
	res := o.Run(context.Background(), runPolicy("bare"), testFacts())

	if len(res.Reasons) != 1 {
		t.Fatalf("expected one reason, got %d", len(res.Reasons))
	}
	if res.Reasons[0].Detector != "bare" {
		t.Errorf("signal not stamped with detector name: %+v", res.Reasons[0])
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func BenchmarkRun_FastPath(b *testing.B) {
	dets := make([]Detector, 0, 4)
	names := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("fast_%d", i)
		dets = append(dets, fastFake(name, 0, 0.2))
		names = append(names, name)
	}
	o := NewOrchestrator(dets, zap.NewNop(), Options{})
	pol := runPolicy(names...)
	facts := testFacts()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		o.Run(context.Background(), pol, facts)
	}
}
