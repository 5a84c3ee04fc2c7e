package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestParseStatus covers the dashboard spellings that must normalize to the enum.
func TestParseStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]Status{
		"Not Started": StatusNotStarted,
		"not_started": StatusNotStarted,
		"NotStarted":  StatusNotStarted,
		"In Progress": StatusInProgress,
		"in-progress": StatusInProgress,
		"InProgress":  StatusInProgress,
		"Completed":   StatusCompleted,
		"complete":    StatusCompleted,
		"":            StatusNotStarted,
		"bogus":       StatusNotStarted,
	}
	for in, want := range cases {
		require.Equal(t, want, ParseStatus(in), "input %q", in)
	}
}

// TestRecordCompleted asserts either branch of the OR is sufficient on its own.
func TestRecordCompleted(t *testing.T) {
	t.Parallel()

	require.True(t, Record{Status: StatusCompleted, Progress: 10}.Completed())
	require.True(t, Record{Status: StatusInProgress, Progress: 100}.Completed())
	require.True(t, Record{Status: StatusNotStarted, Progress: 120}.Completed())
	require.False(t, Record{Status: StatusInProgress, Progress: 99.9}.Completed())
}

// TestPatchApplyTo verifies unset fields leave the base record untouched.
func TestPatchApplyTo(t *testing.T) {
	t.Parallel()

	base := Record{
		ModuleID:      "m1",
		UserID:        "u1",
		Status:        StatusInProgress,
		Progress:      40,
		CurrentLesson: "lesson-2",
		TotalLessons:  8,
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	progress := 75.0
	done := 6
	merged := Patch{Progress: &progress, CompletedLessons: &done}.ApplyTo(base)
	require.Equal(t, 75.0, merged.Progress)
	require.Equal(t, 6, merged.CompletedLessons)
	require.Equal(t, StatusInProgress, merged.Status)
	require.Equal(t, "lesson-2", merged.CurrentLesson)
	require.Equal(t, 8, merged.TotalLessons)

	merged = Patch{Status: StatusCompleted, CurrentLesson: "lesson-8"}.ApplyTo(base)
	require.Equal(t, StatusCompleted, merged.Status)
	require.Equal(t, "lesson-8", merged.CurrentLesson)
	require.Equal(t, 40.0, merged.Progress)
}
