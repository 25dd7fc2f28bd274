package draw

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	all := []Status{Open, Locked, RandomnessRequested, Fulfilled, Settled, Cancelled}
	allowed := map[Status][]Status{
		Open:                {Locked, Cancelled},
		Locked:              {RandomnessRequested},
		RandomnessRequested: {Fulfilled, Cancelled},
		Fulfilled:           {Settled},
		Settled:             {},
		Cancelled:           {},
	}

	for _, from := range all {
		for _, to := range all {
			expected := false
			for _, ok := range allowed[from] {
				if to == ok {
					expected = true
				}
			}
			require.Equal(t, expected, isValidStateChange(from, to),
				"transition %s -> %s", from, to)
		}
	}
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "Open", Open.String())
	require.Equal(t, "RandomnessRequested", RandomnessRequested.String())
	require.Equal(t, "Cancelled", Cancelled.String())
	require.Panics(t, func() {
		_ = Status(42).String()
	})
}
