package tilestream

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scheduling defaults and clamp ranges.
const (
	defaultMaxActiveRequests = 10

	defaultTileExpiration        = 20 * time.Second
	defaultRealityTileExpiration = 5 * time.Second
	minTileExpiration            = 5 * time.Second
	maxTileExpiration            = 60 * time.Second

	minTreeExpiration = 10 * time.Second
	maxTreeExpiration = time.Hour

	defaultContextPreloadParentDepth = 2
	maxContextPreloadParentDepth     = 8
	defaultContextPreloadParentSkip  = 1
	maxContextPreloadParentSkip      = 5

	// preloadPriorityBias pushes ancestor-preload requests behind every
	// regular request of the same loader class.
	preloadPriorityBias = 1e6
)

// CanceledTileContent is one group of a batched cancellation report: the
// content ids of canceled-while-active requests, grouped by the backend and
// tree that were generating them.
type CanceledTileContent struct {
	BackendID  uuid.UUID
	TreeID     string
	ContentIDs []string
}

// CancellationReporter is the optional side-channel telling a backend to
// stop generating content nobody wants anymore. Best effort only.
type CancellationReporter interface {
	ReportCancellations(batches []CanceledTileContent)
}

// TileAdminOptions configures a TileAdmin. Zero values select the defaults;
// out-of-range values are clamped, never accepted as-is.
type TileAdminOptions struct {
	// MaxActiveRequests caps concurrent in-flight fetches. Default 10;
	// values below 1 are ignored.
	MaxActiveRequests int
	// DefaultTileSizeModifier applies to viewports that don't supply their
	// own. Default 1.0; must be positive. Larger selects coarser tiles.
	DefaultTileSizeModifier float64
	// TileExpirationTime is how long unused subtrees are retained.
	// Default 20s, clamped to 5s–60s.
	TileExpirationTime time.Duration
	// RealityTileExpirationTime is the shorter window for reality/map
	// trees. Default 5s, same clamp.
	RealityTileExpirationTime time.Duration
	// TileTreeExpirationTime disposes whole trees not selected from within
	// the window. Zero means trees never expire; otherwise clamped to
	// 10s–1h.
	TileTreeExpirationTime time.Duration
	// ContextPreloadParentDepth is the cap on ancestor levels preloaded for
	// reality trees. Default 2, clamped to 0–8 (negative disables).
	ContextPreloadParentDepth int
	// ContextPreloadParentSkip is the cap on nearest ancestor levels
	// skipped before preloading. Default 1, clamped to 0–5.
	ContextPreloadParentSkip int
	// MaximumMajorTileFormatVersion rejects trees with newer content
	// formats. Default CurrentMajorTileFormatVersion.
	MaximumMajorTileFormatVersion uint32

	// Feature toggles, exposed to loaders via the accessors.
	EnableInstancing               bool
	EnableMagnification            bool
	ElideEmptyChildContentRequests bool

	// CancellationReporter, if set, receives batched cancellations.
	CancellationReporter CancellationReporter
	// OnNewTilesReady fires whenever a tile acquires content or children,
	// for consumers polling for redraw opportunities. Must not call back
	// into the admin synchronously with blocking work.
	OnNewTilesReady func()

	Logger Logger
	// Clock overrides time.Now, for tests driving expiration.
	Clock func() time.Time
}

// Statistics is a snapshot of the scheduler's counters. The cumulative
// totals persist until ResetStatistics; the Num* values are live. Purely
// observational: nothing here feeds back into scheduling.
type Statistics struct {
	NumPendingRequests int
	NumActiveRequests  int
	NumCanceled        int

	TotalCompletedRequests  uint64
	TotalFailedRequests     uint64
	TotalTimedOutRequests   uint64
	TotalEmptyTiles         uint64
	TotalUndisplayableTiles uint64
	TotalElidedTiles        uint64
	TotalCacheMisses        uint64
	TotalDispatchedRequests uint64
	TotalAbortedRequests    uint64
}

type statsCounters struct {
	numCanceled int

	totalCompletedRequests  uint64
	totalFailedRequests     uint64
	totalTimedOutRequests   uint64
	totalEmptyTiles         uint64
	totalUndisplayableTiles uint64
	totalElidedTiles        uint64
	totalCacheMisses        uint64
	totalDispatchedRequests uint64
	totalAbortedRequests    uint64
}

type viewportWants struct {
	vp      Viewport
	tiles   []*Tile
	preload []*Tile
}

type cancelBatchKey struct {
	backend uuid.UUID
	treeID  string
}

// TileAdmin aggregates the tiles every viewport wants, keeps a global
// priority queue of content requests, enforces the concurrency cap, and
// cancels work nobody wants anymore. Construct one per application session
// and pass it to every tree and viewport; there is no ambient singleton.
type TileAdmin struct {
	mu sync.Mutex

	maxActiveRequests             int
	defaultTileSizeModifier       float64
	tileExpirationTime            time.Duration
	realityTileExpirationTime     time.Duration
	treeExpirationTime            time.Duration
	contextPreloadParentDepth     int
	contextPreloadParentSkip      int
	maximumMajorTileFormatVersion uint32

	enableInstancing               bool
	enableMagnification            bool
	elideEmptyChildContentRequests bool

	logger          Logger
	clock           func() time.Time
	reporter        CancellationReporter
	onNewTilesReady func()

	trees        map[string]*TileTree
	wants        map[uint32]*viewportWants
	viewportSets *uniqueViewportSets
	pendingQueue []*TileRequest
	spareQueue   []*TileRequest
	active       map[*TileRequest]struct{}
	cancelBatch  map[cancelBatchKey][]string
	stats        statsCounters
	shutdown     bool
}

func NewTileAdmin(opts TileAdminOptions) *TileAdmin {
	admin := &TileAdmin{
		maxActiveRequests:             defaultMaxActiveRequests,
		defaultTileSizeModifier:       1.0,
		tileExpirationTime:            clampExpiration(opts.TileExpirationTime, defaultTileExpiration),
		realityTileExpirationTime:     clampExpiration(opts.RealityTileExpirationTime, defaultRealityTileExpiration),
		contextPreloadParentDepth:     clampPreload(opts.ContextPreloadParentDepth, defaultContextPreloadParentDepth, maxContextPreloadParentDepth),
		contextPreloadParentSkip:      clampPreload(opts.ContextPreloadParentSkip, defaultContextPreloadParentSkip, maxContextPreloadParentSkip),
		maximumMajorTileFormatVersion: CurrentMajorTileFormatVersion,

		enableInstancing:               opts.EnableInstancing,
		enableMagnification:            opts.EnableMagnification,
		elideEmptyChildContentRequests: opts.ElideEmptyChildContentRequests,

		logger:          opts.Logger,
		clock:           opts.Clock,
		reporter:        opts.CancellationReporter,
		onNewTilesReady: opts.OnNewTilesReady,

		trees:        make(map[string]*TileTree),
		wants:        make(map[uint32]*viewportWants),
		viewportSets: newUniqueViewportSets(),
		active:       make(map[*TileRequest]struct{}),
		cancelBatch:  make(map[cancelBatchKey][]string),
	}

	if opts.MaxActiveRequests > 0 {
		admin.maxActiveRequests = opts.MaxActiveRequests
	}
	if opts.DefaultTileSizeModifier > 0 {
		admin.defaultTileSizeModifier = opts.DefaultTileSizeModifier
	}
	if opts.TileTreeExpirationTime > 0 {
		admin.treeExpirationTime = clampDuration(opts.TileTreeExpirationTime, minTreeExpiration, maxTreeExpiration)
	}
	if opts.MaximumMajorTileFormatVersion > 0 {
		admin.maximumMajorTileFormatVersion = opts.MaximumMajorTileFormatVersion
	}
	if admin.logger == nil {
		admin.logger = NewNopLogger()
	}
	if admin.clock == nil {
		admin.clock = time.Now
	}
	return admin
}

func clampExpiration(v time.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return clampDuration(v, minTileExpiration, maxTileExpiration)
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampPreload(v, def, hi int) int {
	if v == 0 {
		return def
	}
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}

func (admin *TileAdmin) now() time.Time { return admin.clock() }

// Configuration accessors, consulted by loaders and trees.

func (admin *TileAdmin) MaxActiveRequests() int                    { return admin.maxActiveRequests }
func (admin *TileAdmin) DefaultTileSizeModifier() float64          { return admin.defaultTileSizeModifier }
func (admin *TileAdmin) TileExpirationTime() time.Duration         { return admin.tileExpirationTime }
func (admin *TileAdmin) RealityTileExpirationTime() time.Duration  { return admin.realityTileExpirationTime }
func (admin *TileAdmin) TileTreeExpirationTime() time.Duration     { return admin.treeExpirationTime }
func (admin *TileAdmin) ContextPreloadParentDepth() int            { return admin.contextPreloadParentDepth }
func (admin *TileAdmin) ContextPreloadParentSkip() int             { return admin.contextPreloadParentSkip }
func (admin *TileAdmin) MaximumMajorTileFormatVersion() uint32     { return admin.maximumMajorTileFormatVersion }
func (admin *TileAdmin) EnableInstancing() bool                    { return admin.enableInstancing }
func (admin *TileAdmin) EnableMagnification() bool                 { return admin.enableMagnification }
func (admin *TileAdmin) ElideEmptyChildContentRequests() bool      { return admin.elideEmptyChildContentRequests }

// Statistics returns a snapshot of the scheduler's counters.
func (admin *TileAdmin) Statistics() Statistics {
	admin.mu.Lock()
	defer admin.mu.Unlock()

	numPending := 0
	for _, req := range admin.pendingQueue {
		if req.state == RequestStateQueued {
			numPending++
		}
	}

	return Statistics{
		NumPendingRequests:      numPending,
		NumActiveRequests:       len(admin.active),
		NumCanceled:             admin.stats.numCanceled,
		TotalCompletedRequests:  admin.stats.totalCompletedRequests,
		TotalFailedRequests:     admin.stats.totalFailedRequests,
		TotalTimedOutRequests:   admin.stats.totalTimedOutRequests,
		TotalEmptyTiles:         admin.stats.totalEmptyTiles,
		TotalUndisplayableTiles: admin.stats.totalUndisplayableTiles,
		TotalElidedTiles:        admin.stats.totalElidedTiles,
		TotalCacheMisses:        admin.stats.totalCacheMisses,
		TotalDispatchedRequests: admin.stats.totalDispatchedRequests,
		TotalAbortedRequests:    admin.stats.totalAbortedRequests,
	}
}

// ResetStatistics zeroes the cumulative totals. Live counts are unaffected.
func (admin *TileAdmin) ResetStatistics() {
	admin.mu.Lock()
	defer admin.mu.Unlock()
	numCanceled := admin.stats.numCanceled
	admin.stats = statsCounters{numCanceled: numCanceled}
}

// OnCacheMiss lets loaders report backend cache misses for observability.
func (admin *TileAdmin) OnCacheMiss() {
	admin.mu.Lock()
	admin.stats.totalCacheMisses++
	admin.mu.Unlock()
}

// RequestTiles replaces, wholesale, the set of tiles the viewport wants.
// No side effects until the next Process.
func (admin *TileAdmin) RequestTiles(vp Viewport, tiles []*Tile) {
	admin.mu.Lock()
	defer admin.mu.Unlock()
	admin.wantsFor(vp).tiles = tiles
}

// RequestPreloadTiles replaces the viewport's low-priority preload set.
func (admin *TileAdmin) RequestPreloadTiles(vp Viewport, tiles []*Tile) {
	admin.mu.Lock()
	defer admin.mu.Unlock()
	admin.wantsFor(vp).preload = tiles
}

func (admin *TileAdmin) wantsFor(vp Viewport) *viewportWants {
	w := admin.wants[vp.ViewportID()]
	if w == nil {
		w = &viewportWants{vp: vp}
		admin.wants[vp.ViewportID()] = w
	}
	return w
}

// GetViewportSet returns the interned set equal to existing ∪ {vp}. Two
// calls with identical membership return the same instance until the table
// is cleared by the next Process.
func (admin *TileAdmin) GetViewportSet(vp Viewport, existing ViewportSet) ViewportSet {
	admin.mu.Lock()
	defer admin.mu.Unlock()
	return admin.viewportSets.getSet(vp, existing)
}

// Process is the once-per-frame scheduling pass: recompute every request's
// viewport membership from the recorded want-sets, re-prioritize and sort
// the pending queue, cancel requests nobody wants, report cancellations to
// the backend, and dispatch from the front until the active set is full.
// Never blocks on I/O and never panics on well-formed input.
func (admin *TileAdmin) Process() {
	admin.mu.Lock()
	if admin.shutdown {
		admin.mu.Unlock()
		return
	}

	now := admin.now()
	admin.stats.numCanceled = 0

	// Dispose trees nobody has selected from within the expiration window.
	if admin.treeExpirationTime > 0 {
		cutoff := now.Add(-admin.treeExpirationTime)
		for _, tree := range admin.trees {
			if tree.lastSelected.Before(cutoff) {
				admin.disposeTreeLocked(tree)
			}
		}
	}

	// 1. Viewport membership is recomputed from scratch below.
	admin.viewportSets.clearAll()
	for _, req := range admin.pendingQueue {
		req.viewports = emptyViewportSet
	}
	for req := range admin.active {
		req.viewports = emptyViewportSet
	}

	// 2. Alternate pending-queue buffers to avoid per-frame allocation.
	prev := admin.pendingQueue
	admin.pendingQueue = admin.spareQueue[:0]
	admin.spareQueue = prev

	// 3. Aggregate every viewport's want-set into requests.
	for _, w := range admin.wants {
		for _, tile := range w.tiles {
			admin.wantTileLocked(w.vp, tile, false)
		}
		for _, tile := range w.preload {
			admin.wantTileLocked(w.vp, tile, true)
		}
	}

	// 4. Re-prioritize and sort. Ties have no specified order.
	for _, req := range admin.pendingQueue {
		req.priority = req.tile.tree.loader.ComputeTilePriority(req.tile, req.viewports)
		if req.preload {
			req.priority += preloadPriorityBias
		}
	}
	queue := admin.pendingQueue
	sort.Slice(queue, func(i, j int) bool {
		pi, pj := queue[i].tile.tree.loader.Priority(), queue[j].tile.tree.loader.Priority()
		if pi != pj {
			return pi < pj
		}
		return queue[i].priority < queue[j].priority
	})

	// 5. Cancel requests whose interest set emptied. Pending ones are freed
	// immediately (no I/O ever started); active ones are only marked, and
	// stay in the active set until their goroutine finishes.
	for _, req := range prev {
		if req.state == RequestStateQueued && req.viewports.IsEmpty() {
			admin.cancelPendingLocked(req)
		}
	}
	for req := range admin.active {
		if req.viewports.IsEmpty() && !req.canceled {
			admin.cancelActiveLocked(req)
		}
	}

	// 6. Batched best-effort backend notification, sent outside the lock.
	batch := admin.drainCancelBatchLocked()

	// 7. Dispatch from the front until the budget is exhausted.
	launch := admin.dispatchLocked()
	admin.mu.Unlock()

	if admin.reporter != nil && len(batch) > 0 {
		admin.reporter.ReportCancellations(batch)
	}
	for _, req := range launch {
		go admin.runRequest(req)
	}
}

func (admin *TileAdmin) wantTileLocked(vp Viewport, tile *Tile, preload bool) {
	if tile.tree.disposed || tile.abandoned {
		return
	}

	req := tile.request
	if req == nil {
		if tile.loadStatus() != LoadStatusNotLoaded {
			return
		}
		req = newTileRequest(tile, preload)
		tile.request = req
		req.viewports = admin.viewportSets.getSet(vp, emptyViewportSet)
		admin.pendingQueue = append(admin.pendingQueue, req)
		return
	}

	wasEmpty := req.viewports.IsEmpty()
	req.viewports = admin.viewportSets.getSet(vp, req.viewports)
	if !preload {
		req.preload = false
	}
	// Renewed interest rescinds a cancellation that hasn't taken effect.
	req.canceled = false
	if req.state == RequestStateQueued && wasEmpty {
		admin.pendingQueue = append(admin.pendingQueue, req)
	}
}

func (admin *TileAdmin) cancelPendingLocked(req *TileRequest) {
	if req.state != RequestStateQueued {
		return
	}
	req.state = RequestStateFailed
	req.viewports = emptyViewportSet
	if req.tile.request == req {
		req.tile.request = nil
	}
	admin.stats.numCanceled++
}

func (admin *TileAdmin) cancelActiveLocked(req *TileRequest) {
	if req.canceled {
		return
	}
	req.canceled = true
	admin.stats.numCanceled++

	tile := req.tile
	tile.tree.loader.OnActiveRequestCanceled(tile)
	if admin.reporter != nil {
		key := cancelBatchKey{backend: tile.tree.backendID, treeID: tile.tree.id}
		admin.cancelBatch[key] = append(admin.cancelBatch[key], tile.contentID)
	}
}

func (admin *TileAdmin) drainCancelBatchLocked() []CanceledTileContent {
	if len(admin.cancelBatch) == 0 {
		return nil
	}
	out := make([]CanceledTileContent, 0, len(admin.cancelBatch))
	for key, ids := range admin.cancelBatch {
		out = append(out, CanceledTileContent{BackendID: key.backend, TreeID: key.treeID, ContentIDs: ids})
		delete(admin.cancelBatch, key)
	}
	return out
}

func (admin *TileAdmin) dispatchLocked() []*TileRequest {
	var launch []*TileRequest
	idx := 0
	for idx < len(admin.pendingQueue) && len(admin.active) < admin.maxActiveRequests {
		req := admin.pendingQueue[idx]
		idx++
		if req.state != RequestStateQueued || req.viewports.IsEmpty() {
			continue
		}
		req.state = RequestStateDispatched
		admin.active[req] = struct{}{}
		admin.stats.totalDispatchedRequests++
		launch = append(launch, req)
	}
	admin.pendingQueue = admin.pendingQueue[idx:]
	return launch
}

// ForgetViewport immediately cancels every request only this viewport
// wanted and drops its recorded want-set, without waiting for the next
// Process.
func (admin *TileAdmin) ForgetViewport(vp Viewport) {
	admin.mu.Lock()
	for _, req := range admin.pendingQueue {
		if req.state == RequestStateQueued && req.viewports.Contains(vp) {
			req.viewports = req.viewports.remove(vp)
			if req.viewports.IsEmpty() {
				admin.cancelPendingLocked(req)
			}
		}
	}
	for req := range admin.active {
		if req.viewports.Contains(vp) {
			req.viewports = req.viewports.remove(vp)
			if req.viewports.IsEmpty() {
				admin.cancelActiveLocked(req)
			}
		}
	}
	delete(admin.wants, vp.ViewportID())
	batch := admin.drainCancelBatchLocked()
	admin.mu.Unlock()

	if admin.reporter != nil && len(batch) > 0 {
		admin.reporter.ReportCancellations(batch)
	}
}

func (admin *TileAdmin) registerTree(tree *TileTree) error {
	admin.mu.Lock()
	defer admin.mu.Unlock()
	if admin.shutdown {
		return errors.New("tile admin is shut down")
	}
	if _, dup := admin.trees[tree.id]; dup {
		return fmt.Errorf("tile tree %q already registered", tree.id)
	}
	admin.trees[tree.id] = tree
	return nil
}

func (admin *TileAdmin) disposeTreeLocked(tree *TileTree) {
	if tree.disposed {
		return
	}
	for _, req := range admin.pendingQueue {
		if req.state == RequestStateQueued && req.tile.tree == tree {
			admin.cancelPendingLocked(req)
		}
	}
	for req := range admin.active {
		if req.tile.tree == tree && !req.canceled {
			admin.cancelActiveLocked(req)
		}
	}
	tree.disposeLocked()
	delete(admin.trees, tree.id)
	admin.logger.Debugf("tile tree %q disposed", tree.id)
}

// OnShutDown cancels all work and tears down every registered tree. The
// admin accepts no new trees or requests afterwards.
func (admin *TileAdmin) OnShutDown() {
	admin.mu.Lock()
	for _, req := range admin.pendingQueue {
		admin.cancelPendingLocked(req)
	}
	for req := range admin.active {
		if !req.canceled {
			admin.cancelActiveLocked(req)
		}
	}
	for _, tree := range admin.trees {
		admin.disposeTreeLocked(tree)
	}
	admin.wants = make(map[uint32]*viewportWants)
	admin.pendingQueue = nil
	admin.spareQueue = nil
	admin.shutdown = true
	batch := admin.drainCancelBatchLocked()
	admin.mu.Unlock()

	if admin.reporter != nil && len(batch) > 0 {
		admin.reporter.ReportCancellations(batch)
	}
}
