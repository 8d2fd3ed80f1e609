// Package invariants re-derives the expected violation and trial state from
// raw evidence and reports mismatches. It is strictly read-only and is run
// offline (or periodically) to catch store corruption or checker drift.
package invariants

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rewire/rewire/internal/rules"
	"github.com/rewire/rewire/internal/store"
)

// Result is one invariant check outcome. Evidence is nil on pass.
type Result struct {
	Name     string
	Passed   bool
	Message  string
	Evidence map[string]any
}

// Probe runs the checks against a store. Now is injectable for tests.
type Probe struct {
	store *store.Store
	nowFn func() int64
}

// New creates a probe using the given timestamp source.
func New(st *store.Store, now func() int64) *Probe {
	return &Probe{store: st, nowFn: now}
}

// CheckAll runs every invariant check and returns (passed, failed, results).
func (p *Probe) CheckAll(ctx context.Context) (int, int, []Result, error) {
	var all []Result

	for _, check := range []func(context.Context) ([]Result, error){
		p.CheckMissedCorrect,
		p.CheckLongrunCorrect,
		p.CheckTrialStates,
		p.CheckObservationMonotonicity,
	} {
		results, err := check(ctx)
		if err != nil {
			return 0, 0, nil, err
		}
		all = append(all, results...)
	}

	passed, failed := 0, 0
	for _, r := range all {
		if r.Passed {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed, all, nil
}

// CheckMissedCorrect: a missed violation exists iff the time since the last
// start exceeds interval plus tolerance. With no starts ever observed the
// expectation can never be missed.
func (p *Probe) CheckMissedCorrect(ctx context.Context) ([]Result, error) {
	now := p.nowFn()
	exps, err := p.store.ListEnabledExpectations(ctx)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, exp := range exps {
		if exp.Type != store.TypeSchedule {
			continue
		}
		threshold := exp.ExpectedIntervalS + exp.ToleranceS

		lastStart, hasStart, err := p.store.LastObservationTime(ctx, exp.ID, store.KindStart)
		if err != nil {
			return nil, err
		}
		shouldBeMissed := hasStart && now-lastStart > threshold

		open, err := p.store.OpenViolation(ctx, exp.ID, store.CodeMissed)
		if err != nil {
			return nil, err
		}
		hasViolation := open != nil

		name := "inv_missed_correct:" + exp.ID
		if shouldBeMissed == hasViolation {
			results = append(results, Result{Name: name, Passed: true,
				Message: "Missed violation state matches evidence"})
			continue
		}
		ev := map[string]any{
			"threshold": threshold,
			"now":       now,
		}
		if hasStart {
			ev["last_start"] = lastStart
			ev["age"] = now - lastStart
		}
		results = append(results, Result{
			Name:   name,
			Passed: false,
			Message: fmt.Sprintf("Mismatch: should_be_missed=%t, has_violation=%t",
				shouldBeMissed, hasViolation),
			Evidence: ev,
		})
	}
	return results, nil
}

// CheckLongrunCorrect: a longrun violation exists iff a run is in progress
// and its duration exceeds max_runtime_s.
func (p *Probe) CheckLongrunCorrect(ctx context.Context) ([]Result, error) {
	now := p.nowFn()
	exps, err := p.store.ListEnabledExpectations(ctx)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, exp := range exps {
		if exp.Type != store.TypeSchedule {
			continue
		}
		params, err := rules.ParseScheduleParams(exp.ParamsJSON)
		if err != nil {
			return nil, err
		}
		if params.MaxRuntimeS == 0 {
			continue
		}

		lastStart, hasStart, err := p.store.LastObservationTime(ctx, exp.ID, store.KindStart)
		if err != nil {
			return nil, err
		}
		lastEnd, hasEnd, err := p.store.LastObservationTime(ctx, exp.ID, store.KindEnd)
		if err != nil {
			return nil, err
		}

		isRunning := hasStart && (!hasEnd || lastStart > lastEnd)
		shouldBeLongrun := isRunning && now-lastStart > params.MaxRuntimeS

		open, err := p.store.OpenViolation(ctx, exp.ID, store.CodeLongrun)
		if err != nil {
			return nil, err
		}
		hasViolation := open != nil

		name := "inv_longrun_correct:" + exp.ID
		if shouldBeLongrun == hasViolation {
			results = append(results, Result{Name: name, Passed: true,
				Message: "Longrun violation state matches evidence"})
			continue
		}
		results = append(results, Result{
			Name:   name,
			Passed: false,
			Message: fmt.Sprintf("Mismatch: should_be_longrun=%t, has_violation=%t",
				shouldBeLongrun, hasViolation),
			Evidence: map[string]any{
				"last_start":    lastStart,
				"last_end":      lastEnd,
				"is_running":    isRunning,
				"max_runtime_s": params.MaxRuntimeS,
			},
		})
	}
	return results, nil
}

// CheckTrialStates: acked trials carry an acked_at timestamp; expired trials
// carry none. Pending trials are unconstrained.
func (p *Probe) CheckTrialStates(ctx context.Context) ([]Result, error) {
	trials, err := p.store.AllTrials(ctx)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, tr := range trials {
		switch tr.Status {
		case store.TrialAcked:
			name := "inv_acked_has_timestamp:" + tr.ID
			if tr.AckedAt > 0 {
				results = append(results, Result{Name: name, Passed: true,
					Message: "Acked trial has timestamp"})
			} else {
				results = append(results, Result{Name: name, Passed: false,
					Message: fmt.Sprintf("Acked trial missing acked_at: %d", tr.AckedAt)})
			}
		case store.TrialExpired:
			name := "inv_expired_not_acked:" + tr.ID
			if tr.AckedAt == 0 {
				results = append(results, Result{Name: name, Passed: true,
					Message: "Expired trial has no acked_at"})
			} else {
				results = append(results, Result{Name: name, Passed: false,
					Message: fmt.Sprintf("Expired trial has acked_at: %d", tr.AckedAt)})
			}
		}
	}
	return results, nil
}

// CheckObservationMonotonicity: a newest-first scan sees non-increasing
// timestamps.
func (p *Probe) CheckObservationMonotonicity(ctx context.Context) ([]Result, error) {
	exps, err := p.store.ListEnabledExpectations(ctx)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, exp := range exps {
		obs, err := p.store.RecentObservations(ctx, exp.ID, 1000)
		if err != nil {
			return nil, err
		}

		monotonic := true
		for i := 1; i < len(obs); i++ {
			if obs[i].ObservedAt > obs[i-1].ObservedAt {
				monotonic = false
				break
			}
		}

		name := "inv_observation_monotonic:" + exp.ID
		if monotonic {
			results = append(results, Result{Name: name, Passed: true,
				Message: fmt.Sprintf("Observations monotonic (%d checked)", len(obs))})
		} else {
			results = append(results, Result{Name: name, Passed: false,
				Message: "Observation timestamps not monotonic"})
		}
	}
	return results, nil
}

// EvidenceJSON marshals a result's evidence bag for display.
func (r Result) EvidenceJSON() string {
	if r.Evidence == nil {
		return ""
	}
	b, _ := json.Marshal(r.Evidence)
	return string(b)
}
