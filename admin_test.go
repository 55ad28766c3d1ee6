package tilestream

import (
	"image"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionClamping(t *testing.T) {
	// Invalid values are ignored or clamped, never accepted.
	admin := NewTileAdmin(TileAdminOptions{
		MaxActiveRequests:         0,
		DefaultTileSizeModifier:   -2,
		TileExpirationTime:        1000 * time.Second,
		RealityTileExpirationTime: time.Second,
		TileTreeExpirationTime:    time.Second,
		ContextPreloadParentDepth: 100,
		ContextPreloadParentSkip:  -1,
	})

	assert.Equal(t, 10, admin.MaxActiveRequests())
	assert.Equal(t, 1.0, admin.DefaultTileSizeModifier())
	assert.Equal(t, 60*time.Second, admin.TileExpirationTime())
	assert.Equal(t, 5*time.Second, admin.RealityTileExpirationTime())
	assert.Equal(t, 10*time.Second, admin.TileTreeExpirationTime())
	assert.Equal(t, 8, admin.ContextPreloadParentDepth())
	assert.Equal(t, 0, admin.ContextPreloadParentSkip())

	// Defaults when nothing is supplied.
	admin = NewTileAdmin(TileAdminOptions{})
	assert.Equal(t, 10, admin.MaxActiveRequests())
	assert.Equal(t, 20*time.Second, admin.TileExpirationTime())
	assert.Equal(t, 5*time.Second, admin.RealityTileExpirationTime())
	assert.Equal(t, time.Duration(0), admin.TileTreeExpirationTime(), "trees should not expire unless asked")
	assert.Equal(t, 2, admin.ContextPreloadParentDepth())
	assert.Equal(t, 1, admin.ContextPreloadParentSkip())
	assert.Equal(t, CurrentMajorTileFormatVersion, admin.MaximumMajorTileFormatVersion())

	admin = NewTileAdmin(TileAdminOptions{MaxActiveRequests: 3})
	assert.Equal(t, 3, admin.MaxActiveRequests())
}

func TestFormatVersionRejected(t *testing.T) {
	admin := NewTileAdmin(TileAdminOptions{})
	loader := newMockLoader()

	_, err := NewTileTree(admin, TileTreeParams{
		ID:            "too-new",
		Loader:        loader,
		RootProps:     structuralRoot(),
		FormatVersion: (CurrentMajorTileFormatVersion + 1) << 16,
	})
	require.Error(t, err)

	_, err = NewTileTree(admin, TileTreeParams{
		ID:            "ok",
		Loader:        loader,
		RootProps:     structuralRoot(),
		FormatVersion: CurrentMajorTileFormatVersion << 16,
	})
	require.NoError(t, err)

	_, err = NewTileTree(admin, TileTreeParams{ID: "ok", Loader: loader, RootProps: structuralRoot()})
	require.Error(t, err, "duplicate tree ids must be rejected")
}

func TestPriorityOrderingAcrossLoaderClasses(t *testing.T) {
	admin := NewTileAdmin(TileAdminOptions{MaxActiveRequests: 1})
	vp := newMockViewport(1)

	gate := make(chan struct{})
	primaryLoader := newMockLoader()
	primaryLoader.priority = LoadPriorityPrimary
	primaryLoader.gate = gate
	mapLoader := newMockLoader()
	mapLoader.priority = LoadPriorityMap
	mapLoader.gate = gate

	primaryTree := newTestTree(t, admin, "primary", primaryLoader, leafChild("geom"))
	mapTree := newTestTree(t, admin, "map", mapLoader, leafChild("map"))

	// Enqueue the map tile first; the primary tile must still dispatch first.
	admin.RequestTiles(vp, []*Tile{mapTree.Root(), primaryTree.Root()})
	admin.Process()

	assert.Equal(t, LoadStatusLoading, primaryTree.Root().LoadStatus())
	assert.Equal(t, LoadStatusQueued, mapTree.Root().LoadStatus())

	close(gate)
	waitForStatus(t, primaryTree.Root(), LoadStatusReady)
	admin.Process()
	waitForStatus(t, mapTree.Root(), LoadStatusReady)
}

func TestPriorityOrderingWithinClass(t *testing.T) {
	admin := NewTileAdmin(TileAdminOptions{MaxActiveRequests: 1})
	vp := newMockViewport(1)

	gate := make(chan struct{})
	loader := newMockLoader()
	loader.gate = gate
	loader.tilePriority = func(tile *Tile) float64 {
		if tile.ContentID() == "urgent" {
			return 1
		}
		return 100
	}

	slow := newTestTree(t, admin, "slow", loader, leafChild("slack"))
	fast := newTestTree(t, admin, "fast", loader, leafChild("urgent"))

	admin.RequestTiles(vp, []*Tile{slow.Root(), fast.Root()})
	admin.Process()

	assert.Equal(t, LoadStatusLoading, fast.Root().LoadStatus())
	assert.Equal(t, LoadStatusQueued, slow.Root().LoadStatus())

	close(gate)
	waitForStatus(t, fast.Root(), LoadStatusReady)
	admin.RequestTiles(vp, []*Tile{slow.Root(), fast.Root()})
	admin.Process()
	waitForStatus(t, slow.Root(), LoadStatusReady)

	// The backend saw the fetches in priority order.
	assert.Equal(t, []string{"urgent", "slack"}, loader.fetchedIDs())
}

func TestIdempotentReRequest(t *testing.T) {
	admin := NewTileAdmin(TileAdminOptions{})
	vp := newMockViewport(1)

	gate := make(chan struct{})
	loader := newMockLoader()
	loader.gate = gate
	tree := newTestTree(t, admin, "t", loader, leafChild("a"))
	tile := tree.Root()

	admin.RequestTiles(vp, []*Tile{tile})
	admin.Process()
	req1 := tile.Request()
	require.NotNil(t, req1)

	// Re-requesting across frames never duplicates the request.
	for i := 0; i < 3; i++ {
		admin.RequestTiles(vp, []*Tile{tile})
		admin.Process()
		assert.Same(t, req1, tile.Request())
	}
	assert.Equal(t, 1, admin.Statistics().NumActiveRequests)

	close(gate)
	waitForStatus(t, tile, LoadStatusReady)
	assert.Nil(t, tile.Request())
	assert.EqualValues(t, 1, admin.Statistics().TotalDispatchedRequests)
}

func TestForgetViewportCancelsImmediately(t *testing.T) {
	admin := NewTileAdmin(TileAdminOptions{MaxActiveRequests: 1})
	vp := newMockViewport(1)

	gate := make(chan struct{})
	loader := newMockLoader()
	loader.gate = gate
	treeA := newTestTree(t, admin, "a", loader, leafChild("a"))
	treeB := newTestTree(t, admin, "b", loader, leafChild("b"))

	admin.RequestTiles(vp, []*Tile{treeA.Root(), treeB.Root()})
	admin.Process()

	// One dispatched, one still queued.
	queued := treeB.Root().Request()
	if queued == nil || queued.State() != RequestStateQueued {
		queued = treeA.Root().Request()
	}
	require.NotNil(t, queued)
	require.Equal(t, RequestStateQueued, queued.State())

	// No waiting for the next Process: the queued request fails right away.
	admin.ForgetViewport(vp)
	assert.Equal(t, RequestStateFailed, queued.State())
	assert.Nil(t, queued.Tile().Request())
	assert.GreaterOrEqual(t, admin.Statistics().NumCanceled, 1)

	close(gate)
}

func TestConcurrencyCap(t *testing.T) {
	const maxActive = 3
	admin := NewTileAdmin(TileAdminOptions{MaxActiveRequests: maxActive})
	vp := newMockViewport(1)

	gate := make(chan struct{})
	loader := newMockLoader()
	loader.gate = gate

	kids := make([]TileProps, 0, 12)
	for i := 0; i < 12; i++ {
		kids = append(kids, leafChild(string(rune('a'+i))))
	}
	loader.children = map[string][]TileProps{"": kids}
	tree := newTestTree(t, admin, "t", loader, structuralRoot())

	args := newTestArgs(tree, vp)
	tree.SelectTiles(args)
	children := waitForChildren(t, tree.Root())
	require.Len(t, children, 12)

	admin.RequestTiles(vp, children)
	admin.Process()
	assert.Equal(t, maxActive, admin.Statistics().NumActiveRequests)
	assert.Equal(t, 12-maxActive, admin.Statistics().NumPendingRequests)

	// Re-processing while saturated must not exceed the cap.
	admin.RequestTiles(vp, children)
	admin.Process()
	assert.Equal(t, maxActive, admin.Statistics().NumActiveRequests)

	close(gate)
	require.Eventually(t, func() bool {
		stats := admin.Statistics()
		if stats.NumActiveRequests > maxActive {
			t.Errorf("active requests %d exceeded cap %d", stats.NumActiveRequests, maxActive)
		}
		admin.RequestTiles(vp, children)
		admin.Process()
		return admin.Statistics().TotalCompletedRequests == 12
	}, 2*time.Second, time.Millisecond)
}

type recordingReporter struct {
	mu      sync.Mutex
	batches []CanceledTileContent
}

func (r *recordingReporter) ReportCancellations(batches []CanceledTileContent) {
	r.mu.Lock()
	r.batches = append(r.batches, batches...)
	r.mu.Unlock()
}

func (r *recordingReporter) all() []CanceledTileContent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CanceledTileContent(nil), r.batches...)
}

func TestActiveCancellationIsDeferredAndReported(t *testing.T) {
	reporter := &recordingReporter{}
	admin := NewTileAdmin(TileAdminOptions{CancellationReporter: reporter})
	vp := newMockViewport(1)

	gate := make(chan struct{})
	loader := newMockLoader()
	loader.gate = gate

	backend := uuid.New()
	tree, err := NewTileTree(admin, TileTreeParams{
		ID:        "t",
		BackendID: backend,
		Loader:    loader,
		RootProps: leafChild("a"),
	})
	require.NoError(t, err)
	tile := tree.Root()

	admin.RequestTiles(vp, []*Tile{tile})
	admin.Process()
	require.Equal(t, 1, admin.Statistics().NumActiveRequests)

	// The viewport loses interest; the in-flight request is only marked.
	admin.RequestTiles(vp, nil)
	admin.Process()
	assert.Equal(t, 1, admin.Statistics().NumActiveRequests,
		"active request stays in the active set until its work finishes")
	assert.Equal(t, 1, admin.Statistics().NumCanceled)

	batches := reporter.all()
	require.Len(t, batches, 1)
	assert.Equal(t, backend, batches[0].BackendID)
	assert.Equal(t, "t", batches[0].TreeID)
	assert.Equal(t, []string{"a"}, batches[0].ContentIDs)

	loader.mu.Lock()
	cancels := append([]string(nil), loader.activeCancels...)
	loader.mu.Unlock()
	assert.Equal(t, []string{"a"}, cancels)

	// Once released, the fetch has its bytes: conversion finishes anyway.
	close(gate)
	waitForStatus(t, tile, LoadStatusReady)
	assert.Equal(t, 0, admin.Statistics().NumActiveRequests)
}

func TestTimeoutReturnsTileToNotLoaded(t *testing.T) {
	admin := NewTileAdmin(TileAdminOptions{})
	vp := newMockViewport(1)

	loader := newMockLoader()
	loader.requestErr = map[string]error{"a": ErrTimeout}
	tree := newTestTree(t, admin, "t", loader, leafChild("a"))
	tile := tree.Root()

	admin.RequestTiles(vp, []*Tile{tile})
	admin.Process()

	waitForStatus(t, tile, LoadStatusNotLoaded)
	assert.EqualValues(t, 1, admin.Statistics().TotalTimedOutRequests)
	assert.Greater(t, vp.invalidated.Load(), int32(0),
		"timeout must invalidate the scene so the tile is re-requested")
}

func TestAbandonedFetchIsTerminal(t *testing.T) {
	admin := NewTileAdmin(TileAdminOptions{})
	vp := newMockViewport(1)

	loader := newMockLoader()
	loader.requestErr = map[string]error{"a": ErrAbandoned}
	tree := newTestTree(t, admin, "t", loader, leafChild("a"))
	tile := tree.Root()

	admin.RequestTiles(vp, []*Tile{tile})
	admin.Process()

	waitForStatus(t, tile, LoadStatusNotFound)
	assert.EqualValues(t, 1, admin.Statistics().TotalAbortedRequests)
}

func TestDecodeFailureMarksNotFound(t *testing.T) {
	admin := NewTileAdmin(TileAdminOptions{})
	vp := newMockViewport(1)

	loader := newMockLoader()
	loader.loadErr = map[string]error{"a": ErrUnrecognizedResponse}
	tree := newTestTree(t, admin, "t", loader, leafChild("a"))
	tile := tree.Root()

	admin.RequestTiles(vp, []*Tile{tile})
	admin.Process()

	waitForStatus(t, tile, LoadStatusNotFound)
	assert.True(t, tile.IsLeaf(), "failed tiles are permanently leaves")
	assert.EqualValues(t, 1, admin.Statistics().TotalFailedRequests)

	// Not re-requested: selection skips NotFound tiles.
	admin.RequestTiles(vp, []*Tile{tile})
	admin.Process()
	assert.Equal(t, 0, admin.Statistics().NumActiveRequests)
	assert.Nil(t, tile.Request())
}

func TestResponseShapes(t *testing.T) {
	admin := NewTileAdmin(TileAdminOptions{})
	vp := newMockViewport(1)

	loader := newMockLoader()
	loader.children = map[string][]TileProps{
		"": {leafChild("bytes"), leafChild("b64"), leafChild("img"), leafChild("bogus")},
	}
	loader.responses = map[string]TileContentResponse{
		"bytes": []byte{1, 2, 3},
		"b64":   "aGVsbG8=",
		"img":   image.NewGray(image.Rect(0, 0, 2, 2)),
		"bogus": 42,
	}
	tree := newTestTree(t, admin, "t", loader, structuralRoot())

	args := newTestArgs(tree, vp)
	tree.SelectTiles(args)
	children := waitForChildren(t, tree.Root())
	require.Len(t, children, 4)

	admin.RequestTiles(vp, children)
	admin.Process()

	byID := make(map[string]*Tile)
	for _, c := range children {
		byID[c.ContentID()] = c
	}
	waitForStatus(t, byID["bytes"], LoadStatusReady)
	waitForStatus(t, byID["b64"], LoadStatusReady)
	waitForStatus(t, byID["img"], LoadStatusReady)
	waitForStatus(t, byID["bogus"], LoadStatusNotFound)
}

func TestTreeExpiration(t *testing.T) {
	clk := newFakeClock()
	admin := NewTileAdmin(TileAdminOptions{
		Clock:                  clk.Now,
		TileTreeExpirationTime: 30 * time.Second,
	})
	vp := newMockViewport(1)

	loader := newMockLoader()
	tree := newTestTree(t, admin, "t", loader, leafChild("a"))

	// Selected recently: survives.
	clk.Advance(29 * time.Second)
	tree.SelectTiles(newTestArgs(tree, vp))
	admin.Process()
	assert.NotEqual(t, LoadStatusAbandoned, tree.Root().LoadStatus())

	// Untouched past the window: disposed.
	clk.Advance(31 * time.Second)
	admin.Process()
	assert.Equal(t, LoadStatusAbandoned, tree.Root().LoadStatus())

	// A disposed tree yields nothing and requests nothing.
	args := newTestArgs(tree, vp)
	assert.Empty(t, tree.SelectTiles(args))
	assert.Empty(t, args.Missing())
}

func TestShutDownCancelsEverything(t *testing.T) {
	admin := NewTileAdmin(TileAdminOptions{MaxActiveRequests: 1})
	vp := newMockViewport(1)

	gate := make(chan struct{})
	loader := newMockLoader()
	loader.gate = gate
	treeA := newTestTree(t, admin, "a", loader, leafChild("a"))
	treeB := newTestTree(t, admin, "b", loader, leafChild("b"))

	admin.RequestTiles(vp, []*Tile{treeA.Root(), treeB.Root()})
	admin.Process()

	admin.OnShutDown()
	close(gate)

	assert.Equal(t, LoadStatusAbandoned, treeA.Root().LoadStatus())
	assert.Equal(t, LoadStatusAbandoned, treeB.Root().LoadStatus())

	// Subsequent passes are inert and new trees are refused.
	admin.Process()
	_, err := NewTileTree(admin, TileTreeParams{ID: "c", Loader: loader, RootProps: leafChild("c")})
	assert.Error(t, err)
}

func TestStatisticsReset(t *testing.T) {
	admin := NewTileAdmin(TileAdminOptions{})
	vp := newMockViewport(1)

	loader := newMockLoader()
	tree := newTestTree(t, admin, "t", loader, leafChild("a"))

	admin.RequestTiles(vp, []*Tile{tree.Root()})
	admin.Process()
	waitForStatus(t, tree.Root(), LoadStatusReady)

	stats := admin.Statistics()
	assert.EqualValues(t, 1, stats.TotalCompletedRequests)
	assert.EqualValues(t, 1, stats.TotalDispatchedRequests)

	admin.ResetStatistics()
	stats = admin.Statistics()
	assert.EqualValues(t, 0, stats.TotalCompletedRequests)
	assert.EqualValues(t, 0, stats.TotalDispatchedRequests)
}
