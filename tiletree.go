package tilestream

import (
	"fmt"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

// CurrentMajorTileFormatVersion is the newest content format major version
// this build understands.
const CurrentMajorTileFormatVersion uint32 = 6

// MajorTileFormatVersion extracts the major half of a combined format
// version (major in the high 16 bits, minor in the low).
func MajorTileFormatVersion(formatVersion uint32) uint32 {
	return formatVersion >> 16
}

// TileTreeParams describes a tile hierarchy to be registered with a
// TileAdmin.
type TileTreeParams struct {
	// ID uniquely identifies the tree within its admin.
	ID string
	// BackendID identifies the service generating this tree's content, for
	// cancellation batching.
	BackendID uuid.UUID
	Loader    TileLoader
	RootProps TileProps
	// Location transforms tree coordinates to world coordinates.
	Location mgl32.Mat4
	Is3d     bool
	// MaxTilesToSkip bounds how many not-yet-loaded intermediate levels
	// selection may skip on the way to finer tiles.
	MaxTilesToSkip int
	// ContentRange, if non-nil, overrides the root's content range.
	ContentRange *Range3d
	// FormatVersion is the combined content format version (major<<16|minor).
	// Zero means unversioned and is always accepted.
	FormatVersion uint32
	// DebugForcedDepth, if non-nil, restricts selection to tiles of exactly
	// this depth. Debugging aid only.
	DebugForcedDepth *int
}

// TileTree owns the root tile of one hierarchy and the tree-wide parameters
// selection and loading consult.
type TileTree struct {
	admin          *TileAdmin
	id             string
	backendID      uuid.UUID
	loader         TileLoader
	location       mgl32.Mat4
	is3d           bool
	maxTilesToSkip int
	contentRange   *Range3d
	forcedDepth    *int
	root           *Tile
	lastSelected   time.Time
	disposed       bool
}

// NewTileTree registers a tree with the admin and builds its root tile.
// Fails if the tree's content format is newer than the admin supports or if
// the id collides with a live tree.
func NewTileTree(admin *TileAdmin, params TileTreeParams) (*TileTree, error) {
	if params.Loader == nil {
		return nil, fmt.Errorf("tile tree %q: no loader", params.ID)
	}
	if major := MajorTileFormatVersion(params.FormatVersion); major > admin.MaximumMajorTileFormatVersion() {
		return nil, fmt.Errorf("tile tree %q: content format v%d exceeds supported v%d",
			params.ID, major, admin.MaximumMajorTileFormatVersion())
	}

	tree := &TileTree{
		admin:          admin,
		id:             params.ID,
		backendID:      params.BackendID,
		loader:         params.Loader,
		location:       params.Location,
		is3d:           params.Is3d,
		maxTilesToSkip: params.MaxTilesToSkip,
		contentRange:   params.ContentRange,
		forcedDepth:    params.DebugForcedDepth,
	}
	tree.lastSelected = admin.now()

	rootProps := params.RootProps
	if params.ContentRange != nil {
		rootProps.ContentRange = params.ContentRange
	}
	tree.root = newTile(tree, nil, rootProps)

	if err := admin.registerTree(tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func (tree *TileTree) ID() string           { return tree.id }
func (tree *TileTree) BackendID() uuid.UUID { return tree.backendID }
func (tree *TileTree) Loader() TileLoader   { return tree.loader }
func (tree *TileTree) Is3d() bool           { return tree.is3d }
func (tree *TileTree) Is2d() bool           { return !tree.is3d }
func (tree *TileTree) Location() mgl32.Mat4 { return tree.location }

func (tree *TileTree) Root() *Tile { return tree.root }

// isReality reports whether this tree holds externally sourced reality/map
// data, which uses the simpler non-blocking selection walk and the shorter
// expiration window.
func (tree *TileTree) isReality() bool {
	p := tree.loader.Priority()
	return p == LoadPriorityMap || p == LoadPriorityTerrain
}

// expirationTime is how long unused subtrees are retained before purging.
func (tree *TileTree) expirationTime() time.Duration {
	if tree.isReality() {
		return tree.admin.realityTileExpirationTime
	}
	return tree.admin.tileExpirationTime
}

// SelectTiles runs the selection walk for one viewport and frame, returning
// the tiles to draw. Tiles that are wanted but lack content accumulate in
// args; hand them to TileAdmin.RequestTiles afterwards.
func (tree *TileTree) SelectTiles(args *DrawArgs) []*Tile {
	tree.admin.mu.Lock()
	defer tree.admin.mu.Unlock()

	tree.lastSelected = tree.admin.now()
	selected := make([]*Tile, 0, 16)
	if tree.disposed {
		return selected
	}

	if tree.isReality() {
		tree.root.selectRealityTiles(&selected, args)
	} else {
		tree.root.selectTiles(&selected, args, 0)
	}
	return selected
}

// Dispose tears the whole hierarchy down. Safe to call more than once.
func (tree *TileTree) Dispose() {
	tree.admin.mu.Lock()
	defer tree.admin.mu.Unlock()
	tree.admin.disposeTreeLocked(tree)
}

func (tree *TileTree) disposeLocked() {
	if tree.disposed {
		return
	}
	tree.disposed = true
	if tree.root != nil {
		tree.root.setAbandoned()
	}
}
