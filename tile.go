package tilestream

import (
	"time"
)

// LoadStatus is a Tile's position in its content lifecycle. Queued and
// Loading are derived from the tile's associated request; the rest from the
// tile's own flags.
type LoadStatus int

const (
	LoadStatusNotLoaded LoadStatus = iota
	LoadStatusQueued
	LoadStatusLoading
	LoadStatusReady
	LoadStatusNotFound
	LoadStatusAbandoned
)

func (s LoadStatus) String() string {
	switch s {
	case LoadStatusNotLoaded:
		return "NotLoaded"
	case LoadStatusQueued:
		return "Queued"
	case LoadStatusLoading:
		return "Loading"
	case LoadStatusReady:
		return "Ready"
	case LoadStatusNotFound:
		return "NotFound"
	case LoadStatusAbandoned:
		return "Abandoned"
	default:
		return "Unknown"
	}
}

type childrenLoadState int

const (
	childrenNotLoaded childrenLoadState = iota
	childrenLoading
	childrenReady
	childrenNotFound
)

// defaultStructuralTileSize is the maximum screen-space size assigned to a
// structural (maximumSize==0) tile whose load unexpectedly produced content.
const defaultStructuralTileSize float32 = 512

// Tile is one node of a tile hierarchy. It owns its graphic and its
// children; parent and tree references are non-owning. All mutable state is
// guarded by the owning admin's lock.
type Tile struct {
	tree   *TileTree
	parent *Tile
	depth  int

	contentID      string
	rng            Range3d
	contentRange   *Range3d
	maximumSize    float32
	sizeMultiplier float64
	hasSizeMult    bool
	isLeaf         bool

	children           []*Tile
	childrenLoadStatus childrenLoadState
	childrenLastUsed   time.Time

	graphic   Graphic
	isReady   bool
	notFound  bool
	abandoned bool

	request *TileRequest
}

func newTile(tree *TileTree, parent *Tile, props TileProps) *Tile {
	t := &Tile{
		tree:           tree,
		parent:         parent,
		contentID:      props.ContentID,
		rng:            props.Range,
		contentRange:   props.ContentRange,
		maximumSize:    props.MaximumSize,
		isLeaf:         props.IsLeaf,
		sizeMultiplier: props.SizeMultiplier,
		hasSizeMult:    props.SizeMultiplier > 0,
	}
	if parent != nil {
		t.depth = parent.depth + 1
	}
	if t.depth >= tree.loader.MaxDepth() {
		t.isLeaf = true
	}
	if !tree.loader.TileRequiresLoading(t) {
		t.isReady = true
	}
	return t
}

func (t *Tile) Tree() *TileTree   { return t.tree }
func (t *Tile) Parent() *Tile     { return t.parent }
func (t *Tile) Depth() int        { return t.depth }
func (t *Tile) ContentID() string { return t.contentID }
func (t *Tile) Range() Range3d    { return t.rng }
func (t *Tile) IsLeaf() bool      { return t.isLeaf }

func (t *Tile) MaximumSize() float32 { return t.maximumSize }

// SizeMultiplier is 1.0 unless magnification refinement assigned one.
func (t *Tile) SizeMultiplier() float64 {
	if t.hasSizeMult {
		return t.sizeMultiplier
	}
	return 1.0
}

// LoadStatus reports the tile's current lifecycle state.
func (t *Tile) LoadStatus() LoadStatus {
	t.tree.admin.mu.Lock()
	defer t.tree.admin.mu.Unlock()
	return t.loadStatus()
}

func (t *Tile) loadStatus() LoadStatus {
	if t.abandoned {
		return LoadStatusAbandoned
	}
	if t.notFound {
		return LoadStatusNotFound
	}
	if t.isReady {
		return LoadStatusReady
	}
	if t.request != nil {
		switch t.request.state {
		case RequestStateQueued:
			return LoadStatusQueued
		case RequestStateDispatched, RequestStateLoading:
			return LoadStatusLoading
		}
	}
	return LoadStatusNotLoaded
}

// Request returns the tile's in-flight request, if any.
func (t *Tile) Request() *TileRequest {
	t.tree.admin.mu.Lock()
	defer t.tree.admin.mu.Unlock()
	return t.request
}

// HasGraphic reports whether the tile currently owns drawable content.
func (t *Tile) HasGraphic() bool {
	t.tree.admin.mu.Lock()
	defer t.tree.admin.mu.Unlock()
	return t.graphic != nil
}

// Children returns the current child tiles, nil if not yet loaded.
func (t *Tile) Children() []*Tile {
	t.tree.admin.mu.Lock()
	defer t.tree.admin.mu.Unlock()
	return t.children
}

// isDisplayable: structural tiles (maximumSize 0) are never drawn.
func (t *Tile) isDisplayable() bool { return t.maximumSize > 0 }

// An undisplayable root draws whatever children are available rather than
// nothing at all.
func (t *Tile) isUndisplayableRootTile() bool {
	return t.parent == nil && !t.isDisplayable()
}

// loadChildren kicks off asynchronous child enumeration if it hasn't started
// yet and returns the current state. Caller holds the admin lock.
func (t *Tile) loadChildren() childrenLoadState {
	if t.childrenLoadStatus != childrenNotLoaded {
		return t.childrenLoadStatus
	}
	if t.isLeaf {
		t.childrenLoadStatus = childrenReady
		return t.childrenLoadStatus
	}

	t.childrenLoadStatus = childrenLoading
	go t.fetchChildren()
	return t.childrenLoadStatus
}

func (t *Tile) fetchChildren() {
	props, err := t.tree.loader.GetChildrenProps(t)

	admin := t.tree.admin
	admin.mu.Lock()
	if t.abandoned {
		admin.mu.Unlock()
		return
	}
	if err != nil {
		t.childrenLoadStatus = childrenNotFound
		admin.mu.Unlock()
		admin.logger.Warnf("tile %q: children load failed: %v", t.contentID, err)
		return
	}

	if len(props) == 0 {
		// Empty load result collapses the node to a leaf.
		t.isLeaf = true
		t.children = nil
	} else {
		t.children = make([]*Tile, 0, len(props))
		for _, p := range props {
			child := newTile(t.tree, t, p)
			// The elision itself happens in the loader: with the toggle on,
			// TileRequiresLoading returns false for children whose metadata
			// marks them empty, and they are born ready here. The counter
			// records how many requests that saved.
			if child.isReady && child.graphic == nil && admin.elideEmptyChildContentRequests {
				admin.stats.totalElidedTiles++
			}
			t.children = append(t.children, child)
		}
		t.childrenLastUsed = admin.now()
	}
	t.childrenLoadStatus = childrenReady
	notify := admin.onNewTilesReady
	admin.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// unloadChildren discards the child subtree unless it was used more recently
// than olderThan, in which case only stale grandchildren are purged.
func (t *Tile) unloadChildren(olderThan time.Time) {
	if t.children == nil {
		return
	}
	if t.childrenLastUsed.After(olderThan) {
		for _, c := range t.children {
			c.unloadChildren(olderThan)
		}
		return
	}
	t.discardChildren()
}

func (t *Tile) discardChildren() {
	for _, c := range t.children {
		c.setAbandoned()
		c.parent = nil
	}
	t.children = nil
	t.childrenLoadStatus = childrenNotLoaded
}

// setAbandoned is the explicit recursive teardown: in-flight continuations
// observing an abandoned tile drop their results.
func (t *Tile) setAbandoned() {
	if t.abandoned {
		return
	}
	t.abandoned = true
	if t.graphic != nil {
		t.graphic.Dispose()
		t.graphic = nil
	}
	for _, c := range t.children {
		c.setAbandoned()
		c.parent = nil
	}
	t.children = nil
	t.childrenLoadStatus = childrenNotLoaded
}

// setNotFound records a permanent load failure. The tile becomes a leaf;
// selection will prefer drawing its ancestors instead.
func (t *Tile) setNotFound() {
	t.notFound = true
	t.isLeaf = true
	t.discardChildren()
}

// setContent is the single mutation point that makes a tile ready. Caller
// holds the admin lock.
func (t *Tile) setContent(content *Content) {
	if t.graphic != nil {
		t.graphic.Dispose()
	}
	t.graphic = content.Graphic
	t.isReady = true

	if content.ContentRange != nil {
		t.contentRange = content.ContentRange
	}

	if !t.isDisplayable() && content.Graphic != nil {
		// Content arrived for a structural tile; promote it so the graphic
		// is actually considered for drawing.
		t.maximumSize = defaultStructuralTileSize
		t.tree.admin.stats.totalUndisplayableTiles++
	}

	if content.IsLeaf && !t.isLeaf {
		t.isLeaf = true
		t.discardChildren()
	}

	if content.SizeMultiplier > 0 && content.SizeMultiplier > t.SizeMultiplier() {
		t.sizeMultiplier = content.SizeMultiplier
		t.hasSizeMult = true
		t.contentID = t.tree.loader.AdjustContentIDSizeMultiplier(t.contentID, t.sizeMultiplier)
		// Children built against the old multiplier are stale. Single-child
		// magnification subtrees are exempt; see tile_select.go.
		if len(t.children) > 1 {
			t.discardChildren()
		}
	}
}
