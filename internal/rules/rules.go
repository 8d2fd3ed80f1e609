// Package rules evaluates declared contracts against observed evidence.
//
// Everything here is pure: the caller supplies the expectation, the
// observation history (newest first), and the current time; the same inputs
// always produce the same findings. The package never touches storage or
// the network.
package rules

import (
	"encoding/json"
	"fmt"

	"github.com/rewire/rewire/internal/store"
)

// ScheduleParams are the constraints of a schedule-type expectation.
// A zero MaxRuntimeS or MinSpacingS disables the corresponding check.
type ScheduleParams struct {
	MaxRuntimeS  int64
	MinSpacingS  int64
	AllowOverlap bool
}

// AlertPathParams are the constraints of an alert-path expectation.
type AlertPathParams struct {
	AckWindowS    int64
	TestIntervalS int64
}

// Finding is a violation the caller must open if not already open.
// Evidence values are integer epoch seconds or durations.
type Finding struct {
	Code     string
	Message  string
	Evidence map[string]int64
}

// EvidenceJSON marshals the evidence bag. Keys marshal in sorted order, so
// the serialised form is stable.
func (f Finding) EvidenceJSON() string {
	b, _ := json.Marshal(f.Evidence)
	return string(b)
}

// ParseScheduleParams decodes schedule params. Unknown keys are ignored;
// missing keys default to zero / false.
func ParseScheduleParams(paramsJSON string) (ScheduleParams, error) {
	var raw struct {
		MaxRuntimeS  int64 `json:"max_runtime_s"`
		MinSpacingS  int64 `json:"min_spacing_s"`
		AllowOverlap bool  `json:"allow_overlap"`
	}
	if err := json.Unmarshal([]byte(paramsJSON), &raw); err != nil {
		return ScheduleParams{}, fmt.Errorf("rules: schedule params: %w", err)
	}
	if raw.MaxRuntimeS < 0 || raw.MinSpacingS < 0 {
		return ScheduleParams{}, fmt.Errorf("rules: schedule params: negative duration")
	}
	return ScheduleParams{
		MaxRuntimeS:  raw.MaxRuntimeS,
		MinSpacingS:  raw.MinSpacingS,
		AllowOverlap: raw.AllowOverlap,
	}, nil
}

// ParseAlertPathParams decodes alert-path params. Both fields are required
// and must be positive.
func ParseAlertPathParams(paramsJSON string) (AlertPathParams, error) {
	var raw struct {
		AckWindowS    *int64 `json:"ack_window_s"`
		TestIntervalS *int64 `json:"test_interval_s"`
	}
	if err := json.Unmarshal([]byte(paramsJSON), &raw); err != nil {
		return AlertPathParams{}, fmt.Errorf("rules: alert-path params: %w", err)
	}
	if raw.AckWindowS == nil || *raw.AckWindowS <= 0 {
		return AlertPathParams{}, fmt.Errorf("rules: alert-path params: ack_window_s must be > 0")
	}
	if raw.TestIntervalS == nil || *raw.TestIntervalS <= 0 {
		return AlertPathParams{}, fmt.Errorf("rules: alert-path params: test_interval_s must be > 0")
	}
	return AlertPathParams{AckWindowS: *raw.AckWindowS, TestIntervalS: *raw.TestIntervalS}, nil
}

// ValidateParams checks params_json against the expectation type without
// returning the decoded form. Admin creation uses it to reject bad input.
func ValidateParams(t store.ExpectationType, paramsJSON string) error {
	switch t {
	case store.TypeSchedule:
		_, err := ParseScheduleParams(paramsJSON)
		return err
	case store.TypeAlertPath:
		_, err := ParseAlertPathParams(paramsJSON)
		return err
	}
	return fmt.Errorf("rules: unknown expectation type %q", t)
}

// ScheduleEvaluate derives the violation deltas for a schedule expectation.
// obsDesc must be ordered observed_at descending, seq descending. It returns
// the findings to open-if-absent and the codes to close-if-open; the two
// sets are disjoint.
//
// When no start has ever been observed both sets are empty: absence of
// starts is never evidence of a missed run.
func ScheduleEvaluate(exp store.Expectation, obsDesc []store.Observation, now int64) ([]Finding, []string, error) {
	params, err := ParseScheduleParams(exp.ParamsJSON)
	if err != nil {
		return nil, nil, err
	}

	lastStart := firstOfKind(obsDesc, store.KindStart, 0, false)
	if lastStart == nil {
		return nil, nil, nil
	}
	startAt := lastStart.ObservedAt

	var open []Finding
	var closeCodes []string

	// missed
	age := now - startAt
	if age > exp.ExpectedIntervalS+exp.ToleranceS {
		open = append(open, Finding{
			Code: store.CodeMissed,
			Message: fmt.Sprintf("Expected a start within %ds (+%ds); last start was %ds ago.",
				exp.ExpectedIntervalS, exp.ToleranceS, age),
			Evidence: map[string]int64{
				"last_start_at": startAt,
				"age_s":         age,
				"expected_s":    exp.ExpectedIntervalS,
				"tolerance_s":   exp.ToleranceS,
			},
		})
	} else {
		closeCodes = append(closeCodes, store.CodeMissed)
	}

	newerEnd := firstOfKind(obsDesc, store.KindEnd, startAt, true)
	if newerEnd == nil {
		// No end after the newest start: the job is presumed running.
		runFor := now - startAt
		if params.MaxRuntimeS > 0 && runFor > params.MaxRuntimeS {
			open = append(open, Finding{
				Code: store.CodeLongrun,
				Message: fmt.Sprintf("Run exceeded max_runtime_s=%d; running for %ds.",
					params.MaxRuntimeS, runFor),
				Evidence: map[string]int64{
					"start_at":      startAt,
					"running_for_s": runFor,
					"max_runtime_s": params.MaxRuntimeS,
				},
			})
		} else {
			closeCodes = append(closeCodes, store.CodeLongrun)
		}

		if !params.AllowOverlap {
			if other := earlierUnfinishedStart(obsDesc, startAt); other != nil {
				open = append(open, Finding{
					Code:    store.CodeOverlap,
					Message: "Detected overlapping runs.",
					Evidence: map[string]int64{
						"newest_start_at": startAt,
						"other_start_at":  other.ObservedAt,
					},
				})
			} else {
				closeCodes = append(closeCodes, store.CodeOverlap)
			}
		}
	} else {
		// The newest run completed.
		closeCodes = append(closeCodes, store.CodeLongrun, store.CodeOverlap)

		if params.MinSpacingS > 0 {
			if prevEnd := lastEndBefore(obsDesc, startAt); prevEnd != nil {
				gap := startAt - prevEnd.ObservedAt
				if gap < params.MinSpacingS {
					open = append(open, Finding{
						Code: store.CodeSpacing,
						Message: fmt.Sprintf("Start occurred %ds after previous end; min_spacing_s=%d.",
							gap, params.MinSpacingS),
						Evidence: map[string]int64{
							"gap_s":         gap,
							"min_spacing_s": params.MinSpacingS,
							"prev_end_at":   prevEnd.ObservedAt,
							"start_at":      startAt,
						},
					})
				} else {
					closeCodes = append(closeCodes, store.CodeSpacing)
				}
			}
		}
	}

	return open, closeCodes, nil
}

// AlertPathShouldSendTest reports whether a synthetic test is due. hasLast
// is false when the expectation has no observations at all, in which case a
// test is always due.
func AlertPathShouldSendTest(exp store.Expectation, lastObsTime int64, hasLast bool, now int64) (bool, error) {
	params, err := ParseAlertPathParams(exp.ParamsJSON)
	if err != nil {
		return false, err
	}
	if !hasLast {
		return true, nil
	}
	return now-lastObsTime >= params.TestIntervalS, nil
}

// firstOfKind returns the first observation of the given kind in the
// newest-first scan. With after=true it only considers observations at or
// after the bound.
func firstOfKind(obsDesc []store.Observation, kind store.ObservationKind, bound int64, after bool) *store.Observation {
	for i := range obsDesc {
		o := &obsDesc[i]
		if o.Kind != kind {
			continue
		}
		if after && o.ObservedAt < bound {
			// Newest-first: everything past here is older than the bound.
			return nil
		}
		return o
	}
	return nil
}

// earlierUnfinishedStart returns the newest start strictly before newestStart
// that has no subsequent end, or nil. An end at or after an earlier start
// closes that run (and every older one), so checking the newest earlier
// start suffices.
func earlierUnfinishedStart(obsDesc []store.Observation, newestStart int64) *store.Observation {
	var prev *store.Observation
	for i := range obsDesc {
		o := &obsDesc[i]
		if o.Kind == store.KindStart && o.ObservedAt < newestStart {
			prev = o
			break
		}
	}
	if prev == nil {
		return nil
	}
	for i := range obsDesc {
		o := &obsDesc[i]
		if o.Kind == store.KindEnd && o.ObservedAt >= prev.ObservedAt {
			return nil
		}
	}
	return prev
}

// lastEndBefore returns the newest end strictly before the bound, or nil.
func lastEndBefore(obsDesc []store.Observation, bound int64) *store.Observation {
	for i := range obsDesc {
		o := &obsDesc[i]
		if o.Kind == store.KindEnd && o.ObservedAt < bound {
			return o
		}
	}
	return nil
}
