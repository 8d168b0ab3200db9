package breaker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryTripsAfterThreshold(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 3, CooldownCycles: 2})

	disabled, _ := r.RecordFinalFailure("job-1", "ep-1", 1)
	assert.False(t, disabled)
	disabled, _ = r.RecordFinalFailure("job-1", "ep-1", 1)
	assert.False(t, disabled)
	disabled, entry := r.RecordFinalFailure("job-1", "ep-1", 1)
	require.True(t, disabled)
	assert.Equal(t, int64(3), entry.UntilCycle) // currentCycle(1) + cooldown(2)

	assert.True(t, r.IsDisabled("job-1", "ep-1", 1))
	assert.True(t, r.IsDisabled("job-1", "ep-1", 3))
	assert.False(t, r.IsDisabled("job-1", "ep-1", 4), "cooldown should have elapsed")
}

func TestRegistrySuccessResetsEscalation(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 2, CooldownCycles: 1})

	r.RecordFinalFailure("job-1", "ep-1", 1)
	assert.Equal(t, 1, r.EscalationCount("job-1", "ep-1"))

	r.RecordSuccess("job-1", "ep-1")
	assert.Equal(t, 0, r.EscalationCount("job-1", "ep-1"))

	disabled, _ := r.RecordFinalFailure("job-1", "ep-1", 1)
	assert.False(t, disabled, "escalation should have reset to zero")
}

func TestDisabledSetForJobScopesToJobAndPrunesExpired(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, CooldownCycles: 0})

	r.RecordFinalFailure("job-1", "ep-1", 1)
	r.RecordFinalFailure("job-2", "ep-2", 1)

	set := r.DisabledSetForJob("job-1", 1)
	assert.Contains(t, set, "ep-1")
	assert.NotContains(t, set, "ep-2")

	set = r.DisabledSetForJob("job-1", 3)
	assert.Empty(t, set, "cooldown elapsed by cycle 3")
}
