package tilestream

import (
	"sort"
	"strconv"
	"strings"
)

// Viewport is the scheduler's view of a consumer. Implementations live in
// the rendering layer; the core only needs a stable identity, a way to
// request a redraw, and the per-viewport level-of-detail bias.
type Viewport interface {
	// ViewportID is a stable identity used for ordering and equality.
	ViewportID() uint32
	// InvalidateScene marks the viewport's scene stale so that tiles are
	// reselected (and newly loaded content drawn) on its next frame.
	InvalidateScene()
	// TileSizeModifier scales the screen-space size budget during visibility
	// classification. Values above 1.0 select coarser tiles.
	TileSizeModifier() float64
}

// ViewportSet is a set of viewports, sorted by ViewportID and immutable once
// interned. Requests wanted by the same combination of viewports share one
// instance, so membership comparison is pointer comparison.
type ViewportSet []Viewport

func (s ViewportSet) IsEmpty() bool { return len(s) == 0 }

func (s ViewportSet) Contains(vp Viewport) bool {
	id := vp.ViewportID()
	i := sort.Search(len(s), func(i int) bool { return s[i].ViewportID() >= id })
	return i < len(s) && s[i].ViewportID() == id
}

func (s ViewportSet) key() string {
	var b strings.Builder
	for i, vp := range s {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(vp.ViewportID()), 10))
	}
	return b.String()
}

// insert returns the membership of s ∪ {vp} as a fresh slice, preserving
// sorted order. Returns s itself if vp is already a member.
func (s ViewportSet) insert(vp Viewport) ViewportSet {
	id := vp.ViewportID()
	i := sort.Search(len(s), func(i int) bool { return s[i].ViewportID() >= id })
	if i < len(s) && s[i].ViewportID() == id {
		return s
	}
	out := make(ViewportSet, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, vp)
	out = append(out, s[i:]...)
	return out
}

// remove returns the membership of s \ {vp} as a fresh, un-interned slice.
// The interning table is rebuilt every scheduling pass, so a plain slice is
// fine here.
func (s ViewportSet) remove(vp Viewport) ViewportSet {
	id := vp.ViewportID()
	i := sort.Search(len(s), func(i int) bool { return s[i].ViewportID() >= id })
	if i >= len(s) || s[i].ViewportID() != id {
		return s
	}
	out := make(ViewportSet, 0, len(s)-1)
	out = append(out, s[:i]...)
	out = append(out, s[i+1:]...)
	return out
}

// InvalidateScenes requests a redraw from every member.
func (s ViewportSet) InvalidateScenes() {
	for _, vp := range s {
		vp.InvalidateScene()
	}
}

var emptyViewportSet = ViewportSet{}

// uniqueViewportSets interns ViewportSets so that two sets with identical
// membership are reference-equal. Cleared once per scheduling pass; the
// table only needs to stay coherent within a single pass.
type uniqueViewportSets struct {
	sets map[string]ViewportSet
}

func newUniqueViewportSets() *uniqueViewportSets {
	return &uniqueViewportSets{sets: make(map[string]ViewportSet)}
}

func (u *uniqueViewportSets) getSet(vp Viewport, existing ViewportSet) ViewportSet {
	merged := existing.insert(vp)
	key := merged.key()
	if interned, ok := u.sets[key]; ok {
		return interned
	}
	u.sets[key] = merged
	return merged
}

func (u *uniqueViewportSets) clearAll() {
	for k := range u.sets {
		delete(u.sets, k)
	}
}
