package election

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCounterGrantsAtMajority(t *testing.T) {
	c := NewCounter(2, 3)
	a, b := uuid.New(), uuid.New()

	d, err := c.RegisterVote(a, true)
	require.NoError(t, err)
	require.Equal(t, Undecided, d)

	d, err = c.RegisterVote(b, true)
	require.NoError(t, err)
	require.Equal(t, Granted, d)
}

func TestCounterDeniesWhenMajorityImpossible(t *testing.T) {
	c := NewCounter(2, 3)
	a, b := uuid.New(), uuid.New()

	_, err := c.RegisterVote(a, false)
	require.NoError(t, err)
	d, err := c.RegisterVote(b, false)
	require.NoError(t, err)
	require.Equal(t, Denied, d)
}

func TestCounterDuplicateVoteIsIdempotent(t *testing.T) {
	c := NewCounter(2, 3)
	a := uuid.New()

	d1, err := c.RegisterVote(a, true)
	require.NoError(t, err)
	d2, err := c.RegisterVote(a, true)
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestCounterSwitchedVoteErrors(t *testing.T) {
	c := NewCounter(2, 3)
	a := uuid.New()

	_, err := c.RegisterVote(a, true)
	require.NoError(t, err)

	_, err = c.RegisterVote(a, false)
	require.Error(t, err)
}
