package crawl

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	require.Equal(t, OutcomeSucceeded, Classify(nil))
	require.Equal(t, OutcomeTransientFailed, Classify(errors.New("connection reset")))
	require.Equal(t, OutcomePermanentFailed, Classify(Permanent(errors.New("malformed target"))))
}

func TestPermanentSurvivesWrapping(t *testing.T) {
	t.Parallel()

	inner := Permanent(ErrTargetGone)
	wrapped := fmt.Errorf("fetch detail: %w", inner)

	require.True(t, IsPermanent(wrapped))
	require.True(t, errors.Is(wrapped, ErrTargetGone))
	require.Equal(t, OutcomePermanentFailed, Classify(wrapped))
}

func TestPermanentNil(t *testing.T) {
	t.Parallel()

	require.NoError(t, Permanent(nil))
	require.False(t, IsPermanent(nil))
}

func TestIntegrityError(t *testing.T) {
	t.Parallel()

	ie := &IntegrityError{
		Key:     TargetKey{"id": "x"},
		Kind:    "detail",
		Version: 3,
		Want:    "abc",
		Got:     "def",
	}
	wrapped := fmt.Errorf("history: %w", ie)

	require.True(t, IsIntegrity(wrapped))
	require.False(t, IsIntegrity(errors.New("plain")))
	require.Contains(t, ie.Error(), "version 3")
	require.Contains(t, ie.Error(), "id=x")
}
