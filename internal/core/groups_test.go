package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTargets_Council(t *testing.T) {
	got := ResolveTargets(GroupCouncil)
	require.Len(t, got, 6)
	assert.Equal(t, []string{"builder", "herald", "oracle", "sage", "scout", "sentinel"}, got)
}

func TestResolveTargets_SingleProgram(t *testing.T) {
	assert.Equal(t, []string{"builder"}, ResolveTargets("builder"))
	assert.Equal(t, []string{"tron"}, ResolveTargets("tron"))
}

func TestResolveTargets_All(t *testing.T) {
	got := ResolveTargets(GroupAll)
	// Union of council, builders, intelligence with no duplicates.
	assert.Equal(t, []string{"builder", "herald", "mason", "oracle", "sage", "scout", "sentinel"}, got)

	seen := map[string]int{}
	for _, p := range got {
		seen[p]++
	}
	for p, n := range seen {
		assert.Equal(t, 1, n, "duplicate member %s", p)
	}
}

func TestResolveTargets_ReturnsCopy(t *testing.T) {
	first := ResolveTargets(GroupBuilders)
	first[0] = "mutated"
	second := ResolveTargets(GroupBuilders)
	assert.Equal(t, []string{"builder", "mason"}, second)
}

func TestIsGroup(t *testing.T) {
	for _, g := range []string{GroupCouncil, GroupBuilders, GroupIntelligence, GroupAll} {
		assert.True(t, IsGroup(g), g)
	}
	assert.False(t, IsGroup("builder"))
	assert.False(t, IsGroup(""))
}
