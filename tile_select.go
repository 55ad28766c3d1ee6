package tilestream

import (
	"time"

	"github.com/go-gl/mathgl/mgl32"
)

// Visibility classifies a tile against one view.
type Visibility int

const (
	// VisibilityOutsideFrustum: culled entirely; neither the tile nor its
	// descendants can contribute.
	VisibilityOutsideFrustum Visibility = iota
	// VisibilityTooCoarse: intersects the view but its projected size
	// exceeds the budget; refine into children.
	VisibilityTooCoarse
	// VisibilityVisible: appropriate resolution to draw.
	VisibilityVisible
)

// DrawArgs carries the per-frame, per-tree view state consumed by the
// selection walk, and accumulates the tiles that still need content.
type DrawArgs struct {
	Viewport Viewport
	// Frustum planes in world coordinates, normals pointing inside.
	Frustum FrustumPlanes
	// Clip holds additional inside-pointing half-spaces (section cuts etc.).
	Clip []mgl32.Vec4
	// Eye is the camera position in world coordinates.
	Eye mgl32.Vec3
	// PixelScale is the pixels subtended by one meter at unit distance.
	PixelScale float32
	// Location transforms tree coordinates to world.
	Location mgl32.Mat4

	Now            time.Time
	PurgeOlderThan time.Time

	sizeModifier float64

	missing         []*Tile
	preload         []*Tile
	preloadSet      map[*Tile]struct{}
	realitySelected map[*Tile]struct{}
}

// NewDrawArgs builds the selection inputs for one viewport and frame.
// pixelScale is typically viewportHeightPx / (2 * tan(fovY/2)).
func (tree *TileTree) NewDrawArgs(vp Viewport, viewProj mgl32.Mat4, eye mgl32.Vec3, pixelScale float32) *DrawArgs {
	now := tree.admin.now()
	mod := vp.TileSizeModifier()
	if mod <= 0 {
		mod = tree.admin.defaultTileSizeModifier
	}
	return &DrawArgs{
		sizeModifier:   mod,
		Viewport:       vp,
		Frustum:        ExtractFrustumPlanes(viewProj),
		Eye:            eye,
		PixelScale:     pixelScale,
		Location:       tree.location,
		Now:            now,
		PurgeOlderThan: now.Add(-tree.expirationTime()),
	}
}

// Missing lists the selected-but-unloaded tiles accumulated by the walk.
// Hand it to TileAdmin.RequestTiles.
func (args *DrawArgs) Missing() []*Tile { return args.missing }

// Preloaded lists low-priority ancestor preload candidates from reality
// trees. Hand it to TileAdmin.RequestPreloadTiles.
func (args *DrawArgs) Preloaded() []*Tile { return args.preload }

func (args *DrawArgs) insertMissing(t *Tile) {
	if t.isReady || t.notFound || t.abandoned {
		return
	}
	args.missing = append(args.missing, t)
}

func (args *DrawArgs) insertPreload(t *Tile) {
	if t.isReady || t.notFound || t.abandoned {
		return
	}
	if args.preloadSet == nil {
		args.preloadSet = make(map[*Tile]struct{})
	}
	if _, seen := args.preloadSet[t]; seen {
		return
	}
	args.preloadSet[t] = struct{}{}
	args.preload = append(args.preload, t)
}

// rangeVisible tests a world-space range against the frustum and any active
// clip half-spaces.
func (args *DrawArgs) rangeVisible(r Range3d) bool {
	if !args.Frustum.ContainsRange(r) {
		return false
	}
	for _, plane := range args.Clip {
		var p mgl32.Vec3
		if plane[0] > 0 {
			p[0] = r.Max[0]
		} else {
			p[0] = r.Min[0]
		}
		if plane[1] > 0 {
			p[1] = r.Max[1]
		} else {
			p[1] = r.Min[1]
		}
		if plane[2] > 0 {
			p[2] = r.Max[2]
		} else {
			p[2] = r.Min[2]
		}
		if plane[0]*p[0]+plane[1]*p[1]+plane[2]*p[2]+plane[3] < 0 {
			return false
		}
	}
	return true
}

// projectedPixelSize projects the range's bounding sphere through the view:
// the screen-space diameter in pixels.
func (args *DrawArgs) projectedPixelSize(r Range3d) float32 {
	radius := r.Radius()
	dist := r.Center().Sub(args.Eye).Len()
	if dist < radius {
		// Eye inside the bounding sphere; arbitrarily large on screen.
		dist = 1e-3
	}
	return 2 * radius * args.PixelScale / dist
}

// computeVisibility classifies this tile for the given view. Caller holds
// the admin lock.
func (t *Tile) computeVisibility(args *DrawArgs) Visibility {
	if forced := t.tree.forcedDepth; forced != nil {
		if t.depth == *forced {
			return VisibilityVisible
		}
		return VisibilityTooCoarse
	}

	worldRange := t.rng.TransformBy(args.Location)
	if !args.rangeVisible(worldRange) {
		return VisibilityOutsideFrustum
	}

	if !t.isDisplayable() {
		// Structural tile: never drawn itself, always refine.
		return VisibilityTooCoarse
	}

	if !t.isLeaf {
		pixelSize := args.projectedPixelSize(worldRange)
		mod := args.sizeModifier
		if mod <= 0 {
			mod = 1.0
		}
		budget := t.maximumSize * float32(t.SizeMultiplier()) * float32(mod)
		if pixelSize > budget {
			return VisibilityTooCoarse
		}
	}

	if t.contentRange != nil && !args.rangeVisible(t.contentRange.TransformBy(args.Location)) {
		return VisibilityOutsideFrustum
	}
	return VisibilityVisible
}

// selectTiles is the recursive selection walk. It appends drawable tiles to
// selected, records tiles that need loading in args, and returns true when
// the caller (parent) should draw itself in this subtree's place.
func (t *Tile) selectTiles(selected *[]*Tile, args *DrawArgs, numSkipped int) bool {
	vis := t.computeVisibility(args)
	if vis == VisibilityOutsideFrustum {
		t.unloadChildren(args.PurgeOlderThan)
		return false
	}

	if vis == VisibilityVisible {
		// Appropriate resolution. Request it if not ready.
		if !t.isReady {
			args.insertMissing(t)
		}

		if t.graphic != nil {
			*selected = append(*selected, t)
			t.unloadChildren(args.PurgeOlderThan)
			return false
		}

		if t.isReady {
			// Loaded but empty; nothing to draw here or below.
			return false
		}

		// Not drawable yet. Substitute the direct children only if every
		// visible one already has a graphic; partial substitution leaves
		// holes, so reject it and let the parent draw instead.
		kids := t.children
		if kids == nil {
			return true
		}
		initial := len(*selected)
		for _, kid := range kids {
			if kid.computeVisibility(args) == VisibilityOutsideFrustum {
				continue
			}
			if kid.graphic == nil {
				*selected = (*selected)[:initial]
				return true
			}
			*selected = append(*selected, kid)
		}
		t.childrenLastUsed = args.Now
		return false
	}

	// Too coarse: refine. A not-yet-loaded intermediate level may be skipped
	// entirely in favor of its descendants, up to the tree's skip budget.
	// Skipping an undisplayable tile doesn't count toward the budget.
	canSkip := t.depth < t.tree.maxTilesToSkip
	if canSkip && t.isDisplayable() {
		notReady := !t.isReady && t.graphic == nil && !t.hasSizeMult
		if notReady {
			if numSkipped >= t.tree.maxTilesToSkip {
				canSkip = false
			} else {
				numSkipped++
			}
		}
	}

	childrenStatus := t.loadChildren()
	if canSkip && childrenStatus == childrenLoading {
		t.childrenLastUsed = args.Now
	}

	if t.children != nil {
		t.childrenLastUsed = args.Now
		drawChildren := true
		undisplayableRoot := t.isUndisplayableRootTile()
		initial := len(*selected)
		for _, child := range t.children {
			// Keep iterating after deciding to draw the parent so missing
			// descendants still get requested.
			if child.selectTiles(selected, args, numSkipped) {
				if child.loadStatus() == LoadStatusNotFound {
					// A wanted child failed permanently (e.g. max depth of a
					// map tree). Don't skip this tile; it draws in the
					// child's place once ready.
					canSkip = false
				}
				// Wait until all wanted children are ready, unless there is
				// nothing at all to draw in their place, in which case the
				// loaded children are better than a hole.
				if !undisplayableRoot {
					drawChildren = false
				}
			}
		}

		if drawChildren {
			return false
		}
		*selected = (*selected)[:initial]
	}

	if t.isReady {
		if t.graphic != nil {
			*selected = append(*selected, t)
		}
		return false
	}

	// Not ready: request it only if it cannot be skipped (or the loader
	// insists on it).
	if t.tree.loader.ForceTileLoad(t) || (!canSkip && t.isDisplayable()) {
		args.insertMissing(t)
	}

	return t.parent != nil
}
