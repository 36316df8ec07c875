package plex

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/strefethen/plex-dlna-bridge/internal/apperrors"
)

// Track is one play queue item. Only the fields the bridge reports back
// to Plex are decoded.
type Track struct {
	Key             string  `json:"key"`
	RatingKey       string  `json:"ratingKey"`
	Duration        int     `json:"duration"`
	PlayQueueItemID int64   `json:"playQueueItemID"`
	Media           []Media `json:"Media"`
}

// Media is a playable representation of a track.
type Media struct {
	Part []Part `json:"Part"`
}

// Part is one file of a media representation.
type Part struct {
	Key string `json:"key"`
}

type queueContainer struct {
	MediaContainer queueInfo `json:"MediaContainer"`
}

type queueInfo struct {
	PlayQueueID                 int64   `json:"playQueueID"`
	PlayQueueVersion            int     `json:"playQueueVersion"`
	PlayQueueSelectedItemID     int64   `json:"playQueueSelectedItemID"`
	PlayQueueSelectedItemOffset int     `json:"playQueueSelectedItemOffset"`
	PlayQueueTotalCount         int     `json:"playQueueTotalCount"`
	AllowShuffle                *bool   `json:"allowShuffle"`
	Metadata                    []Track `json:"Metadata"`
}

// PlayQueue is a window onto a server-side Plex play queue. The server
// pages the queue; tracks[i] is the item at absolute offset startOffset+i,
// and the window grows on demand through the center/includeBefore/
// includeAfter parameters.
type PlayQueue struct {
	lib  *Library
	http *http.Client

	mu             sync.Mutex
	containerKey   string
	loaded         bool
	id             int64
	version        int
	selectedItemID int64
	selectedOffset int
	totalCount     int
	allowShuffle   *bool
	startOffset    int
	tracks         []Track
	repeat         int
}

// NewPlayQueue creates an unloaded queue for the given container key
// (a /playQueues/... resource path, query included).
func NewPlayQueue(lib *Library, httpClient *http.Client, containerKey string) *PlayQueue {
	return &PlayQueue{
		lib:          lib,
		http:         httpClient,
		containerKey: containerKey,
	}
}

func (q *PlayQueue) fetch(ctx context.Context, rawURL string) (*queueInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := q.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch queue: http %s", resp.Status)
	}
	var container queueContainer
	if err := json.NewDecoder(resp.Body).Decode(&container); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	return &container.MediaContainer, nil
}

// Load fetches the queue window if it has not been fetched yet.
func (q *PlayQueue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(ctx)
}

func (q *PlayQueue) loadLocked(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	rawURL := q.lib.BuildURL(q.containerKey, true)
	log.Printf("PLEX: get queue %s", q.containerKey)
	info, err := q.fetch(ctx, rawURL)
	if err != nil {
		return err
	}
	q.apply(info)
	for i, t := range info.Metadata {
		if t.PlayQueueItemID == info.PlayQueueSelectedItemID {
			q.startOffset = info.PlayQueueSelectedItemOffset - i
			break
		}
	}
	q.loaded = true
	return nil
}

func (q *PlayQueue) apply(info *queueInfo) {
	q.id = info.PlayQueueID
	q.version = info.PlayQueueVersion
	q.selectedItemID = info.PlayQueueSelectedItemID
	q.selectedOffset = info.PlayQueueSelectedItemOffset
	q.totalCount = info.PlayQueueTotalCount
	q.allowShuffle = info.AllowShuffle
	q.tracks = info.Metadata
}

// ID returns the server-side play queue identifier.
func (q *PlayQueue) ID() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.id
}

// Version returns the play queue version.
func (q *PlayQueue) Version() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.version
}

// SelectedOffset returns the absolute offset of the selected item.
func (q *PlayQueue) SelectedOffset() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.selectedOffset
}

// Unbounded reports whether the server did not declare a total count;
// such queues (e.g. radio) page forever.
func (q *PlayQueue) Unbounded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalCount == 0
}

// TotalCount returns the declared item total, 0 when unbounded.
func (q *PlayQueue) TotalCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalCount
}

// AllowShuffle reports whether shuffle is permitted. Without an explicit
// server flag, bounded queues shuffle and unbounded ones do not.
func (q *PlayQueue) AllowShuffle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.allowShuffle != nil {
		return *q.allowShuffle
	}
	return q.totalCount != 0
}

// Repeat returns the repeat mode (0 off, 1 track, 2 queue).
func (q *PlayQueue) Repeat() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.repeat
}

// SetRepeat sets the repeat mode.
func (q *PlayQueue) SetRepeat(mode int) {
	q.mu.Lock()
	q.repeat = mode
	q.mu.Unlock()
}

func (q *PlayQueue) lastOffsetLocked() int {
	return q.startOffset + len(q.tracks) - 1
}

// ensureWindowLocked grows the window until the absolute offset is inside
// it. A page that makes no progress means the offset is unreachable.
func (q *PlayQueue) ensureWindowLocked(ctx context.Context, offset int) error {
	if err := q.loadLocked(ctx); err != nil {
		return err
	}
	if offset < 0 || (q.totalCount != 0 && offset >= q.totalCount) {
		return apperrors.NewValidationError(fmt.Sprintf("queue offset %d out of range", offset))
	}
	for {
		if offset >= q.startOffset && offset <= q.lastOffsetLocked() {
			return nil
		}
		before := len(q.tracks)
		beforeStart := q.startOffset
		if err := q.moreLocked(ctx, offset > q.lastOffsetLocked()); err != nil {
			return err
		}
		if len(q.tracks) == before && q.startOffset == beforeStart {
			return apperrors.NewAppError(apperrors.ErrorCodeQueueCorrupt,
				fmt.Sprintf("queue offset %d unreachable", offset), 500)
		}
	}
}

// Track returns the item at the absolute offset, paging as needed.
func (q *PlayQueue) Track(ctx context.Context, offset int) (*Track, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureWindowLocked(ctx, offset); err != nil {
		return nil, err
	}
	t := q.tracks[offset-q.startOffset]
	return &t, nil
}

// SelectedTrack returns the selected item.
func (q *PlayQueue) SelectedTrack(ctx context.Context) (*Track, error) {
	q.mu.Lock()
	offset := q.selectedOffset
	q.mu.Unlock()
	return q.Track(ctx, offset)
}

// SetSelectedOffset moves the selection to the absolute offset.
func (q *PlayQueue) SetSelectedOffset(ctx context.Context, offset int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureWindowLocked(ctx, offset); err != nil {
		return err
	}
	q.selectedOffset = offset
	q.selectedItemID = q.tracks[offset-q.startOffset].PlayQueueItemID
	return nil
}

// SelectTrackKey moves the selection to the in-window track with the
// given metadata key, if present.
func (q *PlayQueue) SelectTrackKey(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return err
	}
	for i, t := range q.tracks {
		if t.Key == key {
			q.selectedOffset = q.startOffset + i
			q.selectedItemID = t.PlayQueueItemID
			return nil
		}
	}
	return nil
}

// moreLocked fetches the page after (or before) the current window and
// splices it in.
func (q *PlayQueue) moreLocked(ctx context.Context, after bool) error {
	parsed, err := url.Parse(q.lib.BuildURL(q.containerKey, true))
	if err != nil {
		return err
	}
	query := parsed.Query()
	query.Del("center")
	query.Set("includeBefore", "0")
	query.Set("includeAfter", "0")
	if after {
		if q.totalCount != 0 && q.lastOffsetLocked() >= q.totalCount-1 {
			return nil
		}
		query.Set("includeAfter", "1")
		query.Set("center", strconv.FormatInt(q.tracks[len(q.tracks)-1].PlayQueueItemID, 10))
	} else {
		if q.startOffset <= 0 {
			return nil
		}
		query.Set("includeBefore", "1")
		query.Set("center", strconv.FormatInt(q.tracks[0].PlayQueueItemID, 10))
	}
	parsed.RawQuery = query.Encode()

	info, err := q.fetch(ctx, parsed.String())
	if err != nil {
		return err
	}
	if after {
		q.tracks = append(q.tracks, info.Metadata...)
		log.Printf("PLEX: queue %d append %d items", q.id, len(info.Metadata))
	} else {
		q.tracks = append(append([]Track{}, info.Metadata...), q.tracks...)
		q.startOffset -= len(info.Metadata)
		log.Printf("PLEX: queue %d prepend %d items", q.id, len(info.Metadata))
	}
	return nil
}

// Refresh refetches the queue after a server-side edit, keeping the
// currently playing item selected even when its offset moved.
func (q *PlayQueue) Refresh(ctx context.Context, playQueueID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return err
	}
	if playQueueID != 0 && playQueueID != q.id {
		log.Printf("PLEX: refresh to a different queue? %d -> %d", q.id, playQueueID)
		q.containerKey = strings.Replace(q.containerKey,
			strconv.FormatInt(q.id, 10), strconv.FormatInt(playQueueID, 10), 1)
	}
	oldItemID := q.selectedItemID
	oldOffset := q.selectedOffset

	info, err := q.fetch(ctx, q.lib.BuildURL(q.containerKey, true))
	if err != nil {
		return err
	}
	newWindowIndex := -1
	startOffset := -1
	for i, t := range info.Metadata {
		if t.PlayQueueItemID == oldItemID {
			newWindowIndex = i
		}
		if t.PlayQueueItemID == info.PlayQueueSelectedItemID {
			startOffset = info.PlayQueueSelectedItemOffset - i
		}
		if newWindowIndex >= 0 && startOffset >= 0 {
			break
		}
	}
	if newWindowIndex < 0 || startOffset < 0 {
		return apperrors.NewAppError(apperrors.ErrorCodeQueueCorrupt,
			"refreshed queue has no current selected item", 500)
	}
	selectedOffset := newWindowIndex + startOffset
	log.Printf("PLEX: refreshed queue %d selected offset %d -> %d", q.id, oldOffset, selectedOffset)
	q.apply(info)
	q.selectedItemID = oldItemID
	q.selectedOffset = selectedOffset
	q.startOffset = startOffset
	return nil
}

// URLForTrack resolves the playable media URL for a track.
func (q *PlayQueue) URLForTrack(t *Track) (string, error) {
	if len(t.Media) == 0 || len(t.Media[0].Part) == 0 {
		return "", apperrors.NewValidationError("track has no playable media part")
	}
	return q.lib.BuildURL(t.Media[0].Part[0].Key, true), nil
}

// TrackInfo returns the selected item's timeline attributes, in report
// order.
func (q *PlayQueue) TrackInfo(ctx context.Context) ([]Param, error) {
	t, err := q.SelectedTrack(ctx)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return []Param{
		{"duration", strconv.Itoa(t.Duration)},
		{"key", t.Key},
		{"ratingKey", t.RatingKey},
		{"containerKey", fmt.Sprintf("/playQueues/%d", q.id)},
		{"playQueueID", strconv.FormatInt(q.id, 10)},
		{"playQueueVersion", strconv.Itoa(q.version)},
		{"playQueueItemID", strconv.FormatInt(t.PlayQueueItemID, 10)},
	}, nil
}
