package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roster/api/internal/workspace"
)

func TestOfferLatestKeepsNewestWhenFull(t *testing.T) {
	states := make(chan workspace.State, 3)
	for version := uint64(1); version <= 5; version++ {
		offerLatest(states, workspace.State{Version: version})
	}

	require.Len(t, states, 3)
	var got []uint64
	for len(states) > 0 {
		got = append(got, (<-states).Version)
	}
	assert.Equal(t, []uint64{3, 4, 5}, got)
}

func TestOfferLatestWithSlowReader(t *testing.T) {
	states := make(chan workspace.State, 1)
	offerLatest(states, workspace.State{Version: 1})
	assert.Equal(t, uint64(1), (<-states).Version)

	offerLatest(states, workspace.State{Version: 2})
	offerLatest(states, workspace.State{Version: 3})
	assert.Equal(t, uint64(3), (<-states).Version)
}
