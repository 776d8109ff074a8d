package taskcatalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidDefinitions(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	_, err = New([]Task{{ID: "Bad-ID", Steps: []Step{{Kind: StepSubstring, Expected: "x"}}}})
	require.Error(t, err)

	_, err = New([]Task{{ID: "a", Steps: []Step{{Kind: StepSubstring, Expected: "x"}}}, {ID: "a", Steps: []Step{{Kind: StepSubstring, Expected: "x"}}}})
	require.Error(t, err)

	_, err = New([]Task{{ID: "a", Steps: nil}})
	require.Error(t, err)

	_, err = New([]Task{{ID: "a", PrerequisiteTaskID: "missing", Steps: []Step{{Kind: StepSubstring, Expected: "x"}}}})
	require.Error(t, err)
}

func TestDefaultTasksConstructCleanly(t *testing.T) {
	catalog, err := New(DefaultTasks())
	require.NoError(t, err)
	require.Len(t, catalog.AllIDs(), len(DefaultTasks()))

	upload, ok := catalog.Get("fuel-upload")
	require.True(t, ok)
	require.Equal(t, "fuel-download", upload.PrerequisiteTaskID)
}

func TestValidateSubstringStep(t *testing.T) {
	catalog, err := New(DefaultTasks())
	require.NoError(t, err)

	res, err := catalog.Validate("card-swipe", "p1", "please SWIPE now", 0)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.True(t, res.Completed)
	require.Equal(t, 1, catalog.CompletedCount("card-swipe"))

	res, err = catalog.Validate("card-swipe", "p1", "nope", 0)
	require.NoError(t, err)
	require.False(t, res.Accepted)
}

func TestValidateNumericStepStripsNonDigits(t *testing.T) {
	catalog, err := New(DefaultTasks())
	require.NoError(t, err)

	res, err := catalog.Validate("keypad-code", "p1", "1-3-7", 0)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.True(t, res.Completed)
}

func TestValidateMultiPartTaskRequiresEachStepInOrder(t *testing.T) {
	catalog, err := New(DefaultTasks())
	require.NoError(t, err)

	res, err := catalog.Validate("engine-alignment", "p1", "align-1", 0)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.False(t, res.Completed)
	require.Equal(t, 1, res.NextStep)

	res, err = catalog.Validate("engine-alignment", "p1", "align-3", 1)
	require.NoError(t, err)
	require.False(t, res.Accepted, "step 1 expects align-2, not align-3")

	res, err = catalog.Validate("engine-alignment", "p1", "align-2", 1)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	res, err = catalog.Validate("engine-alignment", "p1", "align-3", 2)
	require.NoError(t, err)
	require.True(t, res.Completed)
}

func TestAssignRandomIsWithoutReplacement(t *testing.T) {
	catalog, err := New(DefaultTasks())
	require.NoError(t, err)

	ids, err := catalog.AssignRandom(5)
	require.NoError(t, err)
	require.Len(t, ids, 5)

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "task %q assigned twice", id)
		seen[id] = struct{}{}
	}

	_, err = catalog.AssignRandom(len(DefaultTasks()) + 1)
	require.Error(t, err)
}
