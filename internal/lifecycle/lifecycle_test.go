package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachebash/backend/internal/core"
)

func TestDerezzedHasNoOutboundEdges(t *testing.T) {
	for _, kind := range core.Kinds() {
		for _, to := range core.Statuses() {
			assert.False(t, ValidateTransition(kind, core.StatusDerezzed, to),
				"%s: derezzed -> %s must be rejected", kind, to)
		}
	}
}

func TestTablesAreTotal(t *testing.T) {
	for _, kind := range core.Kinds() {
		table, ok := transitions[kind]
		require.True(t, ok, "missing table for kind %s", kind)
		for _, s := range core.Statuses() {
			_, ok := table[s]
			assert.True(t, ok, "%s: no entry for status %s", kind, s)
		}
	}
}

func TestTaskRetryPath(t *testing.T) {
	// failed -> created -> active is the retry loop for tasks and stories.
	for _, kind := range []core.Kind{core.KindTask, core.KindSprintStory} {
		assert.True(t, ValidateTransition(kind, core.StatusFailed, core.StatusCreated), string(kind))
		assert.True(t, ValidateTransition(kind, core.StatusCreated, core.StatusActive), string(kind))
	}
}

func TestSessionsAndDreamsCannotRetry(t *testing.T) {
	for _, kind := range []core.Kind{core.KindSession, core.KindDream} {
		assert.False(t, ValidateTransition(kind, core.StatusFailed, core.StatusCreated), string(kind))
	}
}

func TestDreamsNeverBlocked(t *testing.T) {
	for _, s := range core.Statuses() {
		assert.False(t, ValidateTransition(core.KindDream, s, core.StatusBlocked),
			"dream: %s -> blocked must be rejected", s)
	}
	assert.Empty(t, AllowedFrom(core.KindDream, core.StatusBlocked))
}

func TestOrphanRevivalEdge(t *testing.T) {
	assert.True(t, ValidateTransition(core.KindTask, core.StatusActive, core.StatusCreated))
	assert.False(t, ValidateTransition(core.KindSession, core.StatusActive, core.StatusCreated))
	assert.False(t, ValidateTransition(core.KindDream, core.StatusActive, core.StatusCreated))
}

func TestTransitionRejectsWithStructuredError(t *testing.T) {
	cases := []struct {
		kind core.Kind
		from core.Status
		to   core.Status
	}{
		{core.KindTask, core.StatusDone, core.StatusActive},
		{core.KindDream, core.StatusBlocked, core.StatusActive},
	}

	for _, tc := range cases {
		t.Run(string(tc.kind)+"_"+string(tc.from)+"_"+string(tc.to), func(t *testing.T) {
			_, err := Transition(tc.kind, tc.from, tc.to)
			require.Error(t, err)

			var terr *TransitionError
			require.True(t, errors.As(err, &terr))
			assert.Equal(t, tc.kind, terr.Kind)
			assert.Equal(t, tc.from, terr.From)
			assert.Equal(t, tc.to, terr.To)
		})
	}
}

func TestTransitionAppliesValidChange(t *testing.T) {
	got, err := Transition(core.KindTask, core.StatusCreated, core.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, got)
}

func TestUnknownKindRejected(t *testing.T) {
	assert.False(t, ValidateTransition(core.Kind("ghost"), core.StatusCreated, core.StatusActive))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(core.StatusDerezzed))
	for _, s := range []core.Status{core.StatusCreated, core.StatusActive, core.StatusBlocked, core.StatusCompleting, core.StatusDone, core.StatusFailed} {
		assert.False(t, IsTerminal(s), string(s))
	}
}
