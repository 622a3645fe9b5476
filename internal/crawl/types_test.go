package crawl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTargetKeyCanonicalIsStable(t *testing.T) {
	t.Parallel()

	a := TargetKey{"locale": "en", "id": "com.example.app"}
	b := TargetKey{"id": "com.example.app", "locale": "en"}

	require.Equal(t, "id=com.example.app&locale=en", a.Canonical())
	require.Equal(t, a.Canonical(), b.Canonical())
}

func TestTargetKeyCanonicalRoundTrip(t *testing.T) {
	t.Parallel()

	key := TargetKey{"id": "a&b=c", "locale": "pt-BR", "tier": ""}
	parsed, err := ParseTargetKey(key.Canonical())
	require.NoError(t, err)
	require.True(t, key.Equal(parsed))
}

func TestParseTargetKeyRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := ParseTargetKey("")
	require.Error(t, err)

	_, err = ParseTargetKey("id=a&id=b")
	require.Error(t, err)
}

func TestTargetKeyEqual(t *testing.T) {
	t.Parallel()

	key := TargetKey{"id": "x"}
	require.True(t, key.Equal(TargetKey{"id": "x"}))
	require.False(t, key.Equal(TargetKey{"id": "y"}))
	require.False(t, key.Equal(TargetKey{"id": "x", "locale": "en"}))
}

func TestTargetKeyCloneIsIndependent(t *testing.T) {
	t.Parallel()

	key := TargetKey{"id": "x"}
	clone := key.Clone()
	clone["id"] = "y"
	require.Equal(t, "x", key["id"])
}

func TestStepStateFresh(t *testing.T) {
	t.Parallel()

	state := StepState{Generation: 2, Completed: true}
	require.False(t, state.Fresh(2))
	require.True(t, state.Fresh(3))
	require.True(t, StepState{}.Fresh(1))
}

func TestTaskValidate(t *testing.T) {
	t.Parallel()

	valid := Task{
		SeriesID:  "s1",
		StageID:   "st1",
		StepIndex: 0,
		TargetKey: TargetKey{"id": "x"},
		Class:     ClassNonBlocking,
	}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Task)
	}{
		{"missing series", func(task *Task) { task.SeriesID = "" }},
		{"missing stage", func(task *Task) { task.StageID = "" }},
		{"negative step", func(task *Task) { task.StepIndex = -1 }},
		{"unknown class", func(task *Task) { task.Class = "batch" }},
		{"empty key", func(task *Task) { task.TargetKey = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			task := valid
			tc.mutate(&task)
			require.Error(t, task.Validate())
		})
	}
}

func TestFetchClassValid(t *testing.T) {
	t.Parallel()

	require.True(t, ClassBlocking.Valid())
	require.True(t, ClassNonBlocking.Valid())
	require.False(t, FetchClass("gpu").Valid())
}
