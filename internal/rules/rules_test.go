package rules

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewire/rewire/internal/store"
)

func scheduleExp(intervalS, toleranceS int64, paramsJSON string) store.Expectation {
	return store.Expectation{
		ID:                "exp-1",
		Type:              store.TypeSchedule,
		Name:              "nightly-backup",
		ExpectedIntervalS: intervalS,
		ToleranceS:        toleranceS,
		ParamsJSON:        paramsJSON,
	}
}

// obs builds a newest-first observation slice from (kind, observed_at) pairs
// given in any order.
func obs(pairs ...any) []store.Observation {
	var out []store.Observation
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, store.Observation{
			Seq:           int64(i/2 + 1),
			ExpectationID: "exp-1",
			Kind:          pairs[i].(store.ObservationKind),
			ObservedAt:    int64(pairs[i+1].(int)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ObservedAt != out[j].ObservedAt {
			return out[i].ObservedAt > out[j].ObservedAt
		}
		return out[i].Seq > out[j].Seq
	})
	return out
}

func findingCodes(fs []Finding) []string {
	var codes []string
	for _, f := range fs {
		codes = append(codes, f.Code)
	}
	return codes
}

func findingByCode(t *testing.T, fs []Finding, code string) Finding {
	t.Helper()
	for _, f := range fs {
		if f.Code == code {
			return f
		}
	}
	t.Fatalf("no finding with code %q", code)
	return Finding{}
}

func TestParseScheduleParams(t *testing.T) {
	p, err := ParseScheduleParams(`{"max_runtime_s":30,"min_spacing_s":100,"allow_overlap":true}`)
	require.NoError(t, err)
	assert.Equal(t, int64(30), p.MaxRuntimeS)
	assert.Equal(t, int64(100), p.MinSpacingS)
	assert.True(t, p.AllowOverlap)

	// Missing keys default to zero / false; unknown keys are ignored.
	p, err = ParseScheduleParams(`{"unexpected":"x"}`)
	require.NoError(t, err)
	assert.Zero(t, p.MaxRuntimeS)
	assert.Zero(t, p.MinSpacingS)
	assert.False(t, p.AllowOverlap)

	_, err = ParseScheduleParams(`{"max_runtime_s":-1}`)
	require.Error(t, err)

	_, err = ParseScheduleParams(`not json`)
	require.Error(t, err)
}

func TestParseAlertPathParams(t *testing.T) {
	p, err := ParseAlertPathParams(`{"ack_window_s":300,"test_interval_s":3600}`)
	require.NoError(t, err)
	assert.Equal(t, int64(300), p.AckWindowS)
	assert.Equal(t, int64(3600), p.TestIntervalS)

	_, err = ParseAlertPathParams(`{"test_interval_s":3600}`)
	require.Error(t, err, "ack_window_s is required")

	_, err = ParseAlertPathParams(`{"ack_window_s":0,"test_interval_s":3600}`)
	require.Error(t, err)

	_, err = ParseAlertPathParams(`{"ack_window_s":300}`)
	require.Error(t, err, "test_interval_s is required")
}

func TestValidateParams(t *testing.T) {
	require.NoError(t, ValidateParams(store.TypeSchedule, `{}`))
	require.Error(t, ValidateParams(store.TypeAlertPath, `{}`))
	require.NoError(t, ValidateParams(store.TypeAlertPath, `{"ack_window_s":60,"test_interval_s":60}`))
	require.Error(t, ValidateParams("cron", `{}`))
}

func TestScheduleNoStartsIsSilent(t *testing.T) {
	exp := scheduleExp(60, 10, `{}`)

	open, closeCodes, err := ScheduleEvaluate(exp, nil, 100000)
	require.NoError(t, err)
	assert.Empty(t, open, "no starts ever observed must not produce findings")
	assert.Empty(t, closeCodes)

	// Pings alone are not starts either.
	open, closeCodes, err = ScheduleEvaluate(exp, obs(store.KindPing, 50), 100000)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Empty(t, closeCodes)
}

func TestScheduleMissed(t *testing.T) {
	exp := scheduleExp(60, 10, `{}`)

	// Exactly at the boundary: age == interval + tolerance is still on time.
	open, closeCodes, err := ScheduleEvaluate(exp, obs(store.KindStart, 0), 70)
	require.NoError(t, err)
	assert.NotContains(t, findingCodes(open), store.CodeMissed)
	assert.Contains(t, closeCodes, store.CodeMissed)

	// One second past the boundary.
	open, _, err = ScheduleEvaluate(exp, obs(store.KindStart, 0), 71)
	require.NoError(t, err)
	f := findingByCode(t, open, store.CodeMissed)
	assert.Equal(t, map[string]int64{
		"last_start_at": 0,
		"age_s":         71,
		"expected_s":    60,
		"tolerance_s":   10,
	}, f.Evidence)
	assert.Equal(t, "Expected a start within 60s (+10s); last start was 71s ago.", f.Message)
}

func TestScheduleMissedClosesOnFreshStart(t *testing.T) {
	exp := scheduleExp(60, 10, `{}`)

	open, closeCodes, err := ScheduleEvaluate(exp, obs(
		store.KindStart, 0,
		store.KindStart, 72,
	), 72)
	require.NoError(t, err)
	assert.NotContains(t, findingCodes(open), store.CodeMissed)
	assert.Contains(t, closeCodes, store.CodeMissed)
}

func TestScheduleLongrun(t *testing.T) {
	exp := scheduleExp(3600, 0, `{"max_runtime_s":30}`)

	// Still inside the limit.
	open, closeCodes, err := ScheduleEvaluate(exp, obs(store.KindStart, 0), 25)
	require.NoError(t, err)
	assert.NotContains(t, findingCodes(open), store.CodeLongrun)
	assert.Contains(t, closeCodes, store.CodeLongrun)

	// Past the limit with no end.
	open, _, err = ScheduleEvaluate(exp, obs(store.KindStart, 0), 35)
	require.NoError(t, err)
	f := findingByCode(t, open, store.CodeLongrun)
	assert.Equal(t, map[string]int64{
		"start_at":      0,
		"running_for_s": 35,
		"max_runtime_s": 30,
	}, f.Evidence)

	// End arrives: run completed, longrun closes even past the limit.
	open, closeCodes, err = ScheduleEvaluate(exp, obs(
		store.KindStart, 0,
		store.KindEnd, 36,
	), 40)
	require.NoError(t, err)
	assert.NotContains(t, findingCodes(open), store.CodeLongrun)
	assert.Contains(t, closeCodes, store.CodeLongrun)
}

func TestScheduleLongrunDisabledByZero(t *testing.T) {
	exp := scheduleExp(3600, 0, `{}`)

	open, closeCodes, err := ScheduleEvaluate(exp, obs(store.KindStart, 0), 99999)
	require.NoError(t, err)
	assert.NotContains(t, findingCodes(open), store.CodeLongrun)
	assert.Contains(t, closeCodes, store.CodeLongrun)
}

func TestScheduleOverlap(t *testing.T) {
	exp := scheduleExp(3600, 0, `{}`)

	// Two starts, no ends: the earlier run never finished.
	open, _, err := ScheduleEvaluate(exp, obs(
		store.KindStart, 0,
		store.KindStart, 50,
	), 60)
	require.NoError(t, err)
	f := findingByCode(t, open, store.CodeOverlap)
	assert.Equal(t, map[string]int64{
		"newest_start_at": 50,
		"other_start_at":  0,
	}, f.Evidence)
	assert.Equal(t, "Detected overlapping runs.", f.Message)

	// An end between the starts closes the earlier run: no overlap.
	open, closeCodes, err := ScheduleEvaluate(exp, obs(
		store.KindStart, 0,
		store.KindEnd, 10,
		store.KindStart, 50,
	), 60)
	require.NoError(t, err)
	assert.NotContains(t, findingCodes(open), store.CodeOverlap)
	assert.Contains(t, closeCodes, store.CodeOverlap)

	// An end after the newest start means the run completed; overlap closes.
	open, closeCodes, err = ScheduleEvaluate(exp, obs(
		store.KindStart, 0,
		store.KindStart, 50,
		store.KindEnd, 70,
	), 80)
	require.NoError(t, err)
	assert.NotContains(t, findingCodes(open), store.CodeOverlap)
	assert.Contains(t, closeCodes, store.CodeOverlap)
}

func TestScheduleOverlapAllowed(t *testing.T) {
	exp := scheduleExp(3600, 0, `{"allow_overlap":true}`)

	open, closeCodes, err := ScheduleEvaluate(exp, obs(
		store.KindStart, 0,
		store.KindStart, 50,
	), 60)
	require.NoError(t, err)
	assert.NotContains(t, findingCodes(open), store.CodeOverlap)
	// When overlap is permitted the rule neither opens nor closes the code.
	assert.NotContains(t, closeCodes, store.CodeOverlap)
}

func TestScheduleSpacing(t *testing.T) {
	exp := scheduleExp(3600, 0, `{"min_spacing_s":100}`)

	// Gap of 40s between previous end and the new start.
	open, _, err := ScheduleEvaluate(exp, obs(
		store.KindStart, 0,
		store.KindEnd, 10,
		store.KindStart, 50,
		store.KindEnd, 55,
	), 60)
	require.NoError(t, err)
	f := findingByCode(t, open, store.CodeSpacing)
	assert.Equal(t, map[string]int64{
		"gap_s":         40,
		"min_spacing_s": 100,
		"prev_end_at":   10,
		"start_at":      50,
	}, f.Evidence)

	// Gap wide enough: spacing closes.
	open, closeCodes, err := ScheduleEvaluate(exp, obs(
		store.KindStart, 0,
		store.KindEnd, 10,
		store.KindStart, 200,
		store.KindEnd, 205,
	), 210)
	require.NoError(t, err)
	assert.NotContains(t, findingCodes(open), store.CodeSpacing)
	assert.Contains(t, closeCodes, store.CodeSpacing)

	// First ever completed run has no previous end: nothing to judge.
	open, closeCodes, err = ScheduleEvaluate(exp, obs(
		store.KindStart, 0,
		store.KindEnd, 10,
	), 20)
	require.NoError(t, err)
	assert.NotContains(t, findingCodes(open), store.CodeSpacing)
	assert.NotContains(t, closeCodes, store.CodeSpacing)
}

func TestScheduleOpenAndCloseSetsDisjoint(t *testing.T) {
	exp := scheduleExp(60, 10, `{"max_runtime_s":30,"min_spacing_s":100}`)

	timelines := [][]store.Observation{
		obs(store.KindStart, 0),
		obs(store.KindStart, 0, store.KindEnd, 40),
		obs(store.KindStart, 0, store.KindEnd, 10, store.KindStart, 50),
		obs(store.KindStart, 0, store.KindEnd, 10, store.KindStart, 50, store.KindEnd, 55),
	}
	for _, tl := range timelines {
		for _, now := range []int64{20, 45, 60, 75, 200} {
			open, closeCodes, err := ScheduleEvaluate(exp, tl, now)
			require.NoError(t, err)
			for _, f := range open {
				assert.NotContains(t, closeCodes, f.Code)
			}
		}
	}
}

func TestAlertPathShouldSendTest(t *testing.T) {
	exp := store.Expectation{
		ID:         "exp-ap",
		Type:       store.TypeAlertPath,
		ParamsJSON: `{"ack_window_s":300,"test_interval_s":3600}`,
	}

	// No observations at all: a test is always due.
	due, err := AlertPathShouldSendTest(exp, 0, false, 500)
	require.NoError(t, err)
	assert.True(t, due)

	due, err = AlertPathShouldSendTest(exp, 0, true, 3599)
	require.NoError(t, err)
	assert.False(t, due)

	due, err = AlertPathShouldSendTest(exp, 0, true, 3600)
	require.NoError(t, err)
	assert.True(t, due)

	_, err = AlertPathShouldSendTest(store.Expectation{ParamsJSON: `{}`}, 0, false, 0)
	require.Error(t, err)
}

func TestEvidenceJSONStable(t *testing.T) {
	f := Finding{Evidence: map[string]int64{"b": 2, "a": 1}}
	assert.Equal(t, `{"a":1,"b":2}`, f.EvidenceJSON())
}
