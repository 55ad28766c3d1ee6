package tilestream

import (
	"errors"
)

// Sentinel errors a TileLoader may report from RequestTileContent.
var (
	// ErrAbandoned: the fetch was canceled before it reached the backend
	// (e.g. a cache-miss path noticed the cancellation predicate). Not
	// retryable; the tile is treated as not found for this session.
	ErrAbandoned = errors.New("tile content request abandoned")
	// ErrTimeout: the backend reported a timeout. The tile returns to
	// NotLoaded and will be re-requested if a viewport still wants it.
	ErrTimeout = errors.New("tile content request timed out")
	// ErrUnrecognizedResponse: the fetch produced a shape the content
	// pipeline cannot normalize. Treated like a decode failure.
	ErrUnrecognizedResponse = errors.New("unrecognized tile content response")
)

// RequestState is a TileRequest's position in its lifecycle.
type RequestState int

const (
	// RequestStateQueued: in the pending queue, no I/O started.
	RequestStateQueued RequestState = iota
	// RequestStateDispatched: content fetch in flight.
	RequestStateDispatched
	// RequestStateLoading: bytes received, decode in progress. Past this
	// point the request always runs to completion.
	RequestStateLoading
	// RequestStateCompleted: content attached to the tile.
	RequestStateCompleted
	// RequestStateFailed: fetch/decode failed or the request was canceled.
	RequestStateFailed
)

func (s RequestState) String() string {
	switch s {
	case RequestStateQueued:
		return "Queued"
	case RequestStateDispatched:
		return "Dispatched"
	case RequestStateLoading:
		return "Loading"
	case RequestStateCompleted:
		return "Completed"
	case RequestStateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// TileRequest is one queued or in-flight fetch-and-decode operation for a
// single tile. The tile holds the authoritative back-reference; at most one
// request exists per tile at a time. State is guarded by the admin's lock.
type TileRequest struct {
	tile     *Tile
	state    RequestState
	priority float64
	preload  bool
	// viewports is the interned set of viewports currently interested.
	// Recomputed from scratch every scheduling pass.
	viewports ViewportSet
	// canceled records that the interest set emptied while the request was
	// active. The in-flight work is discarded, not interrupted.
	canceled bool
}

func newTileRequest(tile *Tile, preload bool) *TileRequest {
	return &TileRequest{
		tile:      tile,
		state:     RequestStateQueued,
		preload:   preload,
		viewports: emptyViewportSet,
	}
}

func (req *TileRequest) Tile() *Tile { return req.tile }

// State reports the request's current lifecycle state.
func (req *TileRequest) State() RequestState {
	admin := req.tile.tree.admin
	admin.mu.Lock()
	defer admin.mu.Unlock()
	return req.state
}

// Viewports returns the interned set of interested viewports.
func (req *TileRequest) Viewports() ViewportSet {
	admin := req.tile.tree.admin
	admin.mu.Lock()
	defer admin.mu.Unlock()
	return req.viewports
}

// IsCanceled is the cancellation predicate handed to the loader. It is
// derived, never stored: true once the owning tree is gone, always false
// once bytes have arrived (finish what's started), and otherwise true
// exactly when no viewport wants the tile any longer.
func (req *TileRequest) IsCanceled() bool {
	admin := req.tile.tree.admin
	admin.mu.Lock()
	defer admin.mu.Unlock()
	return req.isCanceledLocked()
}

func (req *TileRequest) isCanceledLocked() bool {
	if req.tile.tree.disposed || req.tile.abandoned {
		return true
	}
	if req.state >= RequestStateLoading {
		return false
	}
	return req.viewports.IsEmpty()
}

// run executes the fetch and decode on a worker goroutine. All state
// mutation happens under the admin lock strictly before or after the two
// I/O boundaries; viewport notifications fire outside it.
func (admin *TileAdmin) runRequest(req *TileRequest) {
	tile := req.tile
	loader := tile.tree.loader

	resp, err := loader.RequestTileContent(tile, req.IsCanceled)
	if err != nil {
		admin.completeFetchFailure(req, err)
		return
	}

	admin.mu.Lock()
	if tile.abandoned || tile.tree.disposed {
		admin.finishRequestLocked(req, RequestStateFailed)
		admin.mu.Unlock()
		return
	}
	// Bytes are in hand: conversion is cheaper than re-fetching later, so
	// the request now runs to completion even if nobody cares anymore.
	req.state = RequestStateLoading
	admin.mu.Unlock()

	data, err := normalizeResponse(resp)
	var content *Content
	if err == nil {
		content, err = loader.LoadTileContent(tile, data, req.IsCanceled)
		if err == nil && content == nil {
			err = ErrUnrecognizedResponse
		}
	}

	admin.mu.Lock()
	var notify ViewportSet
	var newTiles func()
	if tile.abandoned || tile.tree.disposed {
		admin.finishRequestLocked(req, RequestStateFailed)
	} else if err != nil {
		// Decode failure is permanent: the tile will never draw, and
		// ancestors will draw themselves instead.
		tile.setNotFound()
		admin.stats.totalFailedRequests++
		notify = req.viewports
		admin.finishRequestLocked(req, RequestStateFailed)
		admin.logger.Warnf("tile %q: content decode failed: %v", tile.contentID, err)
	} else {
		tile.setContent(content)
		admin.stats.totalCompletedRequests++
		if content.Graphic == nil {
			admin.stats.totalEmptyTiles++
		}
		notify = req.viewports
		newTiles = admin.onNewTilesReady
		admin.finishRequestLocked(req, RequestStateCompleted)
	}
	admin.mu.Unlock()

	notify.InvalidateScenes()
	if newTiles != nil {
		newTiles()
	}
}

// completeFetchFailure handles errors from the content-fetch step, before
// any bytes arrived.
func (admin *TileAdmin) completeFetchFailure(req *TileRequest, err error) {
	tile := req.tile

	admin.mu.Lock()
	var notify ViewportSet
	switch {
	case tile.abandoned || tile.tree.disposed:
		// Teardown already discarded the tile; drop the result silently.
	case req.canceled || errors.Is(err, ErrAbandoned):
		// Abandonment: never reached the backend. Terminal for this session.
		tile.setNotFound()
		admin.stats.totalAbortedRequests++
	case errors.Is(err, ErrTimeout):
		// The tile stays NotLoaded; invalidating the scenes makes still-
		// interested viewports reselect and re-request it from scratch.
		admin.stats.totalTimedOutRequests++
		notify = req.viewports
	default:
		tile.setNotFound()
		admin.stats.totalFailedRequests++
		notify = req.viewports
		admin.logger.Warnf("tile %q: content fetch failed: %v", tile.contentID, err)
	}
	admin.finishRequestLocked(req, RequestStateFailed)
	admin.mu.Unlock()

	notify.InvalidateScenes()
}

// finishRequestLocked detaches a finished request from its tile and the
// active set and releases its viewport set.
func (admin *TileAdmin) finishRequestLocked(req *TileRequest, state RequestState) {
	req.state = state
	req.viewports = emptyViewportSet
	if req.tile.request == req {
		req.tile.request = nil
	}
	delete(admin.active, req)
}
