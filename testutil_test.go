package tilestream

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"
)

type mockViewport struct {
	id           uint32
	sizeModifier float64
	invalidated  atomic.Int32
}

func newMockViewport(id uint32) *mockViewport {
	return &mockViewport{id: id, sizeModifier: 1.0}
}

func (vp *mockViewport) ViewportID() uint32 { return vp.id }
func (vp *mockViewport) InvalidateScene()   { vp.invalidated.Add(1) }
func (vp *mockViewport) TileSizeModifier() float64 {
	return vp.sizeModifier
}

type mockGraphic struct {
	disposed atomic.Bool
}

func (g *mockGraphic) Dispose() { g.disposed.Store(true) }

// mockLoader is configured up front (maps are read-only once the test
// starts); mutable recording state has its own lock.
type mockLoader struct {
	priority     LoadPriority
	maxDepth     int
	children     map[string][]TileProps
	childrenErr  map[string]error
	responses    map[string]TileContentResponse
	requestErr   map[string]error
	loadErr      map[string]error
	contents     map[string]*Content
	preloadDepth int
	preloadSkip  int
	tilePriority func(tile *Tile) float64

	// gate, if non-nil, blocks every content fetch until it yields.
	gate chan struct{}

	mu            sync.Mutex
	fetched       []string
	activeCancels []string
}

func newMockLoader() *mockLoader {
	return &mockLoader{maxDepth: 32}
}

func (m *mockLoader) Priority() LoadPriority { return m.priority }
func (m *mockLoader) MaxDepth() int          { return m.maxDepth }

func (m *mockLoader) TileRequiresLoading(tile *Tile) bool {
	return tile.ContentID() != ""
}

func (m *mockLoader) ComputeTilePriority(tile *Tile, viewports ViewportSet) float64 {
	if m.tilePriority != nil {
		return m.tilePriority(tile)
	}
	return float64(tile.Depth())
}

func (m *mockLoader) RequestTileContent(tile *Tile, isCanceled func() bool) (TileContentResponse, error) {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	m.fetched = append(m.fetched, tile.ContentID())
	m.mu.Unlock()

	if err := m.requestErr[tile.ContentID()]; err != nil {
		return nil, err
	}
	if resp, ok := m.responses[tile.ContentID()]; ok {
		return resp, nil
	}
	return []byte{0x1}, nil
}

func (m *mockLoader) LoadTileContent(tile *Tile, data *TileContentData, isCanceled func() bool) (*Content, error) {
	if err := m.loadErr[tile.ContentID()]; err != nil {
		return nil, err
	}
	if c, ok := m.contents[tile.ContentID()]; ok {
		return c, nil
	}
	return &Content{Graphic: &mockGraphic{}}, nil
}

func (m *mockLoader) GetChildrenProps(tile *Tile) ([]TileProps, error) {
	if err := m.childrenErr[tile.ContentID()]; err != nil {
		return nil, err
	}
	return m.children[tile.ContentID()], nil
}

func (m *mockLoader) AdjustContentIDSizeMultiplier(contentID string, multiplier float64) string {
	return contentID + "*"
}

func (m *mockLoader) ForceTileLoad(tile *Tile) bool { return false }

func (m *mockLoader) PreloadParentDepth() int { return m.preloadDepth }
func (m *mockLoader) PreloadParentSkip() int  { return m.preloadSkip }

func (m *mockLoader) OnActiveRequestCanceled(tile *Tile) {
	m.mu.Lock()
	m.activeCancels = append(m.activeCancels, tile.ContentID())
	m.mu.Unlock()
}

func (m *mockLoader) fetchedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.fetched...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testRange is a small box at z = -10, comfortably inside the standard test
// frustum below.
func testRange() Range3d {
	return NewRange3d(mgl32.Vec3{-1, -1, -11}, mgl32.Vec3{1, 1, -9})
}

// testViewProj is the camera used throughout: eye at the origin looking
// down -Z, 90 degree FOV.
func testViewProj() mgl32.Mat4 {
	proj := mgl32.Perspective(mgl32.DegToRad(90), 1.0, 1.0, 100.0)
	view := mgl32.LookAtV(
		mgl32.Vec3{0, 0, 0},
		mgl32.Vec3{0, 0, -1},
		mgl32.Vec3{0, 1, 0},
	)
	return proj.Mul4(view)
}

func newTestArgs(tree *TileTree, vp Viewport) *DrawArgs {
	return tree.NewDrawArgs(vp, testViewProj(), mgl32.Vec3{0, 0, 0}, 512)
}

func newTestTree(t *testing.T, admin *TileAdmin, id string, loader TileLoader, root TileProps) *TileTree {
	t.Helper()
	tree, err := NewTileTree(admin, TileTreeParams{
		ID:        id,
		Loader:    loader,
		RootProps: root,
		Location:  mgl32.Ident4(),
		Is3d:      true,
	})
	require.NoError(t, err)
	return tree
}

// structuralRoot is an undisplayable root: never drawn itself, drawing
// starts from whichever descendants are ready.
func structuralRoot() TileProps {
	return TileProps{
		ContentID:   "",
		Range:       testRange(),
		MaximumSize: 0,
	}
}

func leafChild(id string) TileProps {
	return TileProps{
		ContentID:   id,
		Range:       testRange(),
		MaximumSize: 512,
		IsLeaf:      true,
	}
}

func waitForChildren(t *testing.T, tile *Tile) []*Tile {
	t.Helper()
	var kids []*Tile
	require.Eventually(t, func() bool {
		kids = tile.Children()
		return kids != nil
	}, time.Second, time.Millisecond)
	return kids
}

func waitForStatus(t *testing.T, tile *Tile, status LoadStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tile.LoadStatus() == status
	}, time.Second, time.Millisecond)
}
