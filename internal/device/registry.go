package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/banshee-data/uwbsync/internal/monitoring"
	"github.com/banshee-data/uwbsync/internal/timeutil"
)

// ErrInvalidCode is returned for empty device identifiers.
var ErrInvalidCode = errors.New("device code must not be empty")

// Persister assigns storage ids to devices. Save is an upsert by code.
type Persister interface {
	SaveAnchor(ctx context.Context, code string) (int64, error)
	SaveTag(ctx context.Context, code string) (int64, error)
	LookupAnchorID(ctx context.Context, code string) (int64, bool, error)
	LookupTagID(ctx context.Context, code string) (int64, bool, error)
}

// Options configures a Registry.
type Options struct {
	Persister    Persister
	Clock        timeutil.Clock
	RoundHistory int
	Logger       *slog.Logger
	Metrics      *monitoring.Collector
}

// Registry is the set of known anchors and tags. Listing order is the order
// of first registration, which the slot formula relies on.
type Registry struct {
	store   Persister
	clock   timeutil.Clock
	history int
	log     *slog.Logger
	metrics *monitoring.Collector

	mu          sync.RWMutex
	anchors     map[string]*Anchor
	anchorOrder []string
	tags        map[string]*Tag
	tagOrder    []string
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.RoundHistory < 1 {
		opts.RoundHistory = 16
	}
	return &Registry{
		store:   opts.Persister,
		clock:   opts.Clock,
		history: opts.RoundHistory,
		log:     monitoring.OrDefault(opts.Logger),
		metrics: opts.Metrics,
		anchors: make(map[string]*Anchor),
		tags:    make(map[string]*Tag),
	}
}

// RegisterAnchor adds the anchor if unknown and refreshes its last-seen
// time otherwise. Only first registration reaches the persister.
func (r *Registry) RegisterAnchor(ctx context.Context, code string) (Anchor, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Anchor{}, ErrInvalidCode
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if a, ok := r.anchors[code]; ok {
		a.LastSeen = now
		return *a, nil
	}

	id, err := r.storageID(ctx, code, r.store.LookupAnchorID, r.store.SaveAnchor)
	if err != nil {
		return Anchor{}, fmt.Errorf("register anchor %s: %w", code, err)
	}
	a := &Anchor{
		DeviceInfo: DeviceInfo{Code: code, StorageID: id, InitializedAt: now, LastSeen: now},
		MaxRange:   DefaultMaxRange,
	}
	r.anchors[code] = a
	r.anchorOrder = append(r.anchorOrder, code)
	r.metrics.SetDevices(len(r.anchors), len(r.tags))
	r.log.Info("anchor registered", "anchor", code, "storage_id", id)
	return *a, nil
}

// RegisterOrTouchTag adds the tag if unknown and refreshes its last-seen
// time otherwise. isNew reports first contact.
func (r *Registry) RegisterOrTouchTag(ctx context.Context, code string) (tag *Tag, isNew bool, err error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, false, ErrInvalidCode
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if t, ok := r.tags[code]; ok {
		t.info.LastSeen = now
		return t, false, nil
	}

	id, err := r.storageID(ctx, code, r.store.LookupTagID, r.store.SaveTag)
	if err != nil {
		return nil, false, fmt.Errorf("register tag %s: %w", code, err)
	}
	t := newTag(DeviceInfo{Code: code, StorageID: id, InitializedAt: now, LastSeen: now}, r.history)
	r.tags[code] = t
	r.tagOrder = append(r.tagOrder, code)
	r.metrics.SetDevices(len(r.anchors), len(r.tags))
	r.log.Info("tag discovered", "tag", code, "storage_id", id)
	return t, true, nil
}

func (r *Registry) storageID(
	ctx context.Context,
	code string,
	lookup func(context.Context, string) (int64, bool, error),
	save func(context.Context, string) (int64, error),
) (int64, error) {
	if r.store == nil {
		return 0, errors.New("no persister configured")
	}
	id, ok, err := lookup(ctx, code)
	if err != nil {
		return 0, err
	}
	if ok {
		return id, nil
	}
	return save(ctx, code)
}

// TouchAnchor refreshes an anchor's last-seen time and reports whether it
// is known.
func (r *Registry) TouchAnchor(code string) (Anchor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.anchors[code]
	if !ok {
		return Anchor{}, false
	}
	a.LastSeen = r.clock.Now()
	return *a, true
}

// Anchor returns a copy of the anchor with the given code.
func (r *Registry) Anchor(code string) (Anchor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.anchors[code]
	if !ok {
		return Anchor{}, false
	}
	return *a, true
}

// Tag returns the tag with the given code.
func (r *Registry) Tag(code string) (*Tag, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tags[code]
	return t, ok
}

// AnchorCount is the number of registered anchors.
func (r *Registry) AnchorCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.anchors)
}

// TagCount is the number of known tags.
func (r *Registry) TagCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tags)
}

// Anchors returns copies of all anchors in registration order.
func (r *Registry) Anchors() []Anchor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Anchor, 0, len(r.anchorOrder))
	for _, code := range r.anchorOrder {
		out = append(out, *r.anchors[code])
	}
	return out
}

// Tags returns the tags in discovery order.
func (r *Registry) Tags() []*Tag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tag, 0, len(r.tagOrder))
	for _, code := range r.tagOrder {
		out = append(out, r.tags[code])
	}
	return out
}

// AnchorIndex returns the position of the anchor in registration order.
func (r *Registry) AnchorIndex(code string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, c := range r.anchorOrder {
		if c == code {
			return i, true
		}
	}
	return -1, false
}
