package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("b", 2))

	got, ok := r.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, got)

	_, ok = r.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 2, r.Count())
}

func TestRegisterRejectsDuplicatesAndEmptyNames(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("a", 1))
	assert.ErrorContains(t, r.Register("a", 2), "already registered")
	assert.ErrorContains(t, r.Register("", 3), "cannot be empty")

	got, _ := r.Get("a")
	assert.Equal(t, 1, got)
}

func TestReplaceIsLastWriteWins(t *testing.T) {
	r := NewBaseRegistry[string]()

	r.Replace("a", "first")
	r.Replace("a", "second")
	r.Replace("b", "other")

	got, ok := r.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "second", got)
	// Overwriting does not duplicate the name in the order.
	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestNamesAndListPreserveRegistrationOrder(t *testing.T) {
	r := NewBaseRegistry[int]()
	for i, name := range []string{"c", "a", "b"} {
		require.NoError(t, r.Register(name, i))
	}

	assert.Equal(t, []string{"c", "a", "b"}, r.Names())
	assert.Equal(t, []int{0, 1, 2}, r.List())
}

func TestRemove(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("b", 2))

	require.NoError(t, r.Remove("a"))
	assert.ErrorContains(t, r.Remove("a"), "not found")
	assert.Equal(t, []string{"b"}, r.Names())

	// The name can be registered again after removal.
	require.NoError(t, r.Register("a", 3))
	assert.Equal(t, []string{"b", "a"}, r.Names())
}

func TestClear(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("a", 1))

	r.Clear()
	assert.Zero(t, r.Count())
	assert.Empty(t, r.Names())

	require.NoError(t, r.Register("a", 2))
	assert.Equal(t, 1, r.Count())
}
