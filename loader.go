package tilestream

import (
	"encoding/base64"
	"image"

	"golang.org/x/image/draw"
)

// Graphic is the drawable produced from tile content. The core never looks
// inside one; it only owns its lifetime.
type Graphic interface {
	Dispose()
}

// Content is the result of decoding a tile's raw content.
type Content struct {
	// Graphic is nil when the tile turned out to be empty.
	Graphic Graphic
	// ContentRange, if non-nil, tightens the tile's culling volume.
	ContentRange *Range3d
	// IsLeaf reports that decoding discovered the tile has no children.
	IsLeaf bool
	// SizeMultiplier, if > 0, replaces the tile's size multiplier.
	SizeMultiplier float64
}

// TileProps describes one child of a tile, as returned by
// TileLoader.GetChildrenProps.
type TileProps struct {
	ContentID      string
	Range          Range3d
	ContentRange   *Range3d
	MaximumSize    float32
	IsLeaf         bool
	SizeMultiplier float64
}

// LoadPriority orders whole classes of tile requests. Lower values dispatch
// first: primary scene geometry beats maps, maps beat terrain skirts.
type LoadPriority int

const (
	LoadPriorityPrimary LoadPriority = iota
	LoadPriorityClassifier
	LoadPriorityMap
	LoadPriorityTerrain
)

// TileContentResponse is the raw result of a content fetch. Accepted shapes:
// []byte, a base64-encoded string, or an already-decoded image.Image.
// Anything else fails the request.
type TileContentResponse any

// TileContentData is a fetch response normalized for the loader's decode
// step: exactly one of Bytes or Image is set.
type TileContentData struct {
	Bytes []byte
	Image *image.RGBA
}

func normalizeResponse(resp TileContentResponse) (*TileContentData, error) {
	switch v := resp.(type) {
	case []byte:
		return &TileContentData{Bytes: v}, nil
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, ErrUnrecognizedResponse
		}
		return &TileContentData{Bytes: decoded}, nil
	case image.Image:
		if rgba, ok := v.(*image.RGBA); ok {
			return &TileContentData{Image: rgba}, nil
		}
		bounds := v.Bounds()
		rgba := image.NewRGBA(bounds)
		draw.Draw(rgba, bounds, v, bounds.Min, draw.Src)
		return &TileContentData{Image: rgba}, nil
	default:
		return nil, ErrUnrecognizedResponse
	}
}

// TileLoader supplies per-tree strategy: how to fetch tile content, how to
// decode it, how to enumerate children, and how to prioritize requests.
// A tree flavor (scene geometry, map, terrain, classification) is a distinct
// implementation, not a subclass.
type TileLoader interface {
	// Priority is the loader's ordering class; see LoadPriority.
	Priority() LoadPriority

	// MaxDepth bounds refinement; tiles at MaxDepth are treated as leaves.
	MaxDepth() int

	// TileRequiresLoading reports whether a tile of the given maximum size
	// has content worth fetching. Structural tiles of some formats carry no
	// content of their own. Implementations should also return false for
	// children whose metadata marks them empty when the admin's
	// ElideEmptyChildContentRequests toggle is on; such tiles are born ready
	// and never enter the request pipeline.
	TileRequiresLoading(tile *Tile) bool

	// ComputeTilePriority produces the fine-grained priority used to order
	// requests within this loader's class. Lower dispatches first.
	// Recomputed for every pending request on every scheduling pass.
	ComputeTilePriority(tile *Tile, viewports ViewportSet) float64

	// RequestTileContent fetches the tile's raw content. isCanceled is
	// consulted by the implementation so it can abort early instead of
	// wasting bandwidth; returning ErrAbandoned reports such an abort.
	RequestTileContent(tile *Tile, isCanceled func() bool) (TileContentResponse, error)

	// LoadTileContent decodes normalized content data into a drawable.
	LoadTileContent(tile *Tile, data *TileContentData, isCanceled func() bool) (*Content, error)

	// GetChildrenProps enumerates the tile's direct children. Invoked off
	// the frame loop; an empty result collapses the tile to a leaf.
	GetChildrenProps(tile *Tile) ([]TileProps, error)

	// AdjustContentIDSizeMultiplier rewrites a content id to encode a new
	// size multiplier, for magnification refinement.
	AdjustContentIDSizeMultiplier(contentID string, multiplier float64) string

	// ForceTileLoad requests loading even for tiles selection would skip.
	ForceTileLoad(tile *Tile) bool

	// PreloadParentDepth and PreloadParentSkip control ancestor preloading
	// for reality/map trees: request this many ancestor levels above the
	// selected depth, skipping the nearest PreloadParentSkip levels.
	PreloadParentDepth() int
	PreloadParentSkip() int

	// OnActiveRequestCanceled notifies the loader that an in-flight request
	// for the tile lost its last interested viewport.
	OnActiveRequestCanceled(tile *Tile)
}
