package invariants

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewire/rewire/internal/store"
)

type probeFixture struct {
	store *store.Store
	now   int64
}

func newProbeFixture(t *testing.T) (*probeFixture, *Probe) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fx := &probeFixture{store: st}
	st.SetClock(func() int64 { return fx.now })
	return fx, New(st, func() int64 { return fx.now })
}

func (fx *probeFixture) createSchedule(t *testing.T, id string, intervalS, toleranceS int64, paramsJSON string) {
	t.Helper()
	require.NoError(t, fx.store.CreateExpectation(context.Background(), store.CreateExpectationParams{
		ID:                id,
		Type:              store.TypeSchedule,
		Name:              "job-" + id,
		OwnerEmail:        "ops@example.com",
		ExpectedIntervalS: intervalS,
		ToleranceS:        toleranceS,
		ParamsJSON:        paramsJSON,
	}))
}

func resultByName(results []Result, name string) *Result {
	for i := range results {
		if results[i].Name == name {
			return &results[i]
		}
	}
	return nil
}

func TestMissedCorrectConsistent(t *testing.T) {
	fx, probe := newProbeFixture(t)
	ctx := context.Background()
	fx.createSchedule(t, "s1", 60, 10, `{}`)

	// No starts: never missed, and no violation. Consistent.
	fx.now = 1000
	results, err := probe.CheckMissedCorrect(ctx)
	require.NoError(t, err)
	r := resultByName(results, "inv_missed_correct:s1")
	require.NotNil(t, r)
	assert.True(t, r.Passed)

	// Overdue start with a matching open violation. Consistent.
	fx.now = 0
	_, err = fx.store.AddObservation(ctx, "s1", store.KindStart, "")
	require.NoError(t, err)
	fx.now = 200
	_, err = fx.store.CreateViolation(ctx, "s1", store.CodeMissed, "late", "{}")
	require.NoError(t, err)

	results, err = probe.CheckMissedCorrect(ctx)
	require.NoError(t, err)
	r = resultByName(results, "inv_missed_correct:s1")
	require.NotNil(t, r)
	assert.True(t, r.Passed)
}

func TestMissedCorrectDetectsDrift(t *testing.T) {
	fx, probe := newProbeFixture(t)
	ctx := context.Background()
	fx.createSchedule(t, "s1", 60, 10, `{}`)

	// Overdue start but no violation on record: the checker drifted.
	fx.now = 0
	_, err := fx.store.AddObservation(ctx, "s1", store.KindStart, "")
	require.NoError(t, err)
	fx.now = 500

	results, err := probe.CheckMissedCorrect(ctx)
	require.NoError(t, err)
	r := resultByName(results, "inv_missed_correct:s1")
	require.NotNil(t, r)
	assert.False(t, r.Passed)
	assert.Equal(t, int64(500), r.Evidence["age"])
	assert.NotEmpty(t, r.EvidenceJSON())
}

func TestLongrunCorrect(t *testing.T) {
	fx, probe := newProbeFixture(t)
	ctx := context.Background()
	fx.createSchedule(t, "s2", 3600, 0, `{"max_runtime_s":30}`)
	fx.createSchedule(t, "s-nolimit", 3600, 0, `{}`)

	fx.now = 0
	_, err := fx.store.AddObservation(ctx, "s2", store.KindStart, "")
	require.NoError(t, err)
	fx.now = 100

	// Running 100s against a 30s cap with no violation: drift.
	results, err := probe.CheckLongrunCorrect(ctx)
	require.NoError(t, err)
	r := resultByName(results, "inv_longrun_correct:s2")
	require.NotNil(t, r)
	assert.False(t, r.Passed)

	// Expectations without a runtime cap are skipped entirely.
	assert.Nil(t, resultByName(results, "inv_longrun_correct:s-nolimit"))

	// An end resolves the run: no violation expected, none present.
	_, err = fx.store.AddObservation(ctx, "s2", store.KindEnd, "")
	require.NoError(t, err)
	fx.now = 200
	results, err = probe.CheckLongrunCorrect(ctx)
	require.NoError(t, err)
	r = resultByName(results, "inv_longrun_correct:s2")
	require.NotNil(t, r)
	assert.True(t, r.Passed)
}

func TestTrialStates(t *testing.T) {
	fx, probe := newProbeFixture(t)
	ctx := context.Background()
	fx.createSchedule(t, "ap", 3600, 0, `{}`)

	fx.now = 0
	require.NoError(t, fx.store.CreateTrial(ctx, "tr-acked", "ap", "{}"))
	require.NoError(t, fx.store.CreateTrial(ctx, "tr-expired", "ap", "{}"))
	require.NoError(t, fx.store.CreateTrial(ctx, "tr-pending", "ap", "{}"))

	fx.now = 50
	ok, err := fx.store.AckTrial(ctx, "tr-acked")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, fx.store.ExpireTrial(ctx, "tr-expired"))

	results, err := probe.CheckTrialStates(ctx)
	require.NoError(t, err)

	r := resultByName(results, "inv_acked_has_timestamp:tr-acked")
	require.NotNil(t, r)
	assert.True(t, r.Passed)

	r = resultByName(results, "inv_expired_not_acked:tr-expired")
	require.NotNil(t, r)
	assert.True(t, r.Passed)

	// Pending trials are not judged.
	assert.Nil(t, resultByName(results, "inv_acked_has_timestamp:tr-pending"))
	assert.Nil(t, resultByName(results, "inv_expired_not_acked:tr-pending"))
}

func TestObservationMonotonicity(t *testing.T) {
	fx, probe := newProbeFixture(t)
	ctx := context.Background()
	fx.createSchedule(t, "s1", 3600, 0, `{}`)

	for _, at := range []int64{10, 20, 20, 30} {
		fx.now = at
		_, err := fx.store.AddObservation(ctx, "s1", store.KindPing, "")
		require.NoError(t, err)
	}

	results, err := probe.CheckObservationMonotonicity(ctx)
	require.NoError(t, err)
	r := resultByName(results, "inv_observation_monotonic:s1")
	require.NotNil(t, r)
	assert.True(t, r.Passed)
}

func TestCheckAllCounts(t *testing.T) {
	fx, probe := newProbeFixture(t)
	ctx := context.Background()
	fx.createSchedule(t, "s1", 60, 10, `{}`)

	// One drifted expectation: missed should be open but is not.
	fx.now = 0
	_, err := fx.store.AddObservation(ctx, "s1", store.KindStart, "")
	require.NoError(t, err)
	fx.now = 1000

	passed, failed, results, err := probe.CheckAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.Equal(t, passed+failed, len(results))
}
