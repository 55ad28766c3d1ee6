package tilestream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewportSetInterning(t *testing.T) {
	admin := NewTileAdmin(TileAdminOptions{})
	vp1 := newMockViewport(1)
	vp2 := newMockViewport(2)

	s1 := admin.GetViewportSet(vp1, nil)
	s1again := admin.GetViewportSet(vp1, nil)
	require.Len(t, s1, 1)
	assert.Same(t, &s1[0], &s1again[0], "identical membership must intern to the same instance")

	s12 := admin.GetViewportSet(vp2, s1)
	require.Len(t, s12, 2)
	assert.True(t, s12.Contains(vp1))
	assert.True(t, s12.Contains(vp2))

	// Same membership built the other way around interns to the same set.
	s21 := admin.GetViewportSet(vp1, admin.GetViewportSet(vp2, nil))
	assert.Same(t, &s12[0], &s21[0])

	// Adding an existing member is a no-op membership-wise.
	s12again := admin.GetViewportSet(vp2, s12)
	assert.Same(t, &s12[0], &s12again[0])
}

func TestViewportSetOrderingAndRemove(t *testing.T) {
	vpA := newMockViewport(30)
	vpB := newMockViewport(10)
	vpC := newMockViewport(20)

	var s ViewportSet = emptyViewportSet
	s = s.insert(vpA)
	s = s.insert(vpB)
	s = s.insert(vpC)

	require.Len(t, s, 3)
	assert.Equal(t, uint32(10), s[0].ViewportID())
	assert.Equal(t, uint32(20), s[1].ViewportID())
	assert.Equal(t, uint32(30), s[2].ViewportID())

	s = s.remove(vpC)
	require.Len(t, s, 2)
	assert.False(t, s.Contains(vpC))
	assert.True(t, s.Contains(vpA))

	// Removing a non-member changes nothing.
	s2 := s.remove(vpC)
	assert.Equal(t, s.key(), s2.key())

	assert.True(t, emptyViewportSet.IsEmpty())
	assert.False(t, s.IsEmpty())
}
