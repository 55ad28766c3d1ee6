package tilestream

// selectRealityTiles is the selection walk for externally sourced reality
// and map trees. Unlike selectTiles it never waits for sibling completeness:
// whatever is loaded draws immediately, coarser ancestors fill the gaps, and
// a few ancestor levels are preloaded at low priority so camera pullback
// has something ready.
func (t *Tile) selectRealityTiles(selected *[]*Tile, args *DrawArgs) {
	switch t.computeVisibility(args) {
	case VisibilityOutsideFrustum:
		t.unloadChildren(args.PurgeOlderThan)

	case VisibilityVisible:
		if t.graphic != nil {
			appendRealityTile(selected, args, t)
			t.preloadRealityAncestors(args)
			return
		}
		if !t.isReady {
			args.insertMissing(t)
		}
		// Fall back to the nearest loaded ancestor so the hole is covered
		// while this tile loads.
		for p := t.parent; p != nil; p = p.parent {
			if p.graphic != nil {
				appendRealityTile(selected, args, p)
				break
			}
		}

	case VisibilityTooCoarse:
		t.loadChildren()
		if t.children == nil {
			// Leaf, or children not enumerated yet: draw what we have.
			if t.graphic != nil {
				appendRealityTile(selected, args, t)
				t.preloadRealityAncestors(args)
			} else if !t.isReady {
				args.insertMissing(t)
			}
			return
		}
		t.childrenLastUsed = args.Now
		for _, c := range t.children {
			c.selectRealityTiles(selected, args)
		}
	}
}

// appendRealityTile selects a tile at most once per walk; ancestor fallback
// can reach the same tile from several siblings.
func appendRealityTile(selected *[]*Tile, args *DrawArgs, t *Tile) {
	if args.realitySelected == nil {
		args.realitySelected = make(map[*Tile]struct{})
	}
	if _, dup := args.realitySelected[t]; dup {
		return
	}
	args.realitySelected[t] = struct{}{}
	*selected = append(*selected, t)
}

// preloadRealityAncestors queues ancestor levels above the selected depth,
// skipping the nearest few, purely to improve perceived responsiveness
// during camera motion. These requests carry lower priority and never block
// selection.
func (t *Tile) preloadRealityAncestors(args *DrawArgs) {
	loader := t.tree.loader
	admin := t.tree.admin
	depth := minInt(loader.PreloadParentDepth(), admin.contextPreloadParentDepth)
	if depth <= 0 {
		return
	}
	skip := minInt(loader.PreloadParentSkip(), admin.contextPreloadParentSkip)

	p := t.parent
	for i := 0; i < skip && p != nil; i++ {
		p = p.parent
	}
	for i := 0; i < depth && p != nil; i++ {
		if !p.isReady {
			args.insertPreload(p)
		}
		p = p.parent
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
