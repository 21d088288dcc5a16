package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/technosupport/ts-sentinel/internal/event"
)

// Adapter is a camera-system connector. Push-style sources deliver over
// the NATS subscriber instead; Poll covers pull-only systems. The adapter
// owns transport, authentication and video decoding for its backend.
type Adapter interface {
	Name() string
	Poll(ctx context.Context, cameraID string, since time.Time, limit int) ([]event.RawDetectionEvent, error)
	FetchClip(ctx context.Context, locator string) (*event.Clip, error)
	FetchSnapshot(ctx context.Context, locator string) (*event.Frame, error)
}

// Registry routes asset fetches to the adapter named in the locator.
// Locators are "<adapter>/<path>"; a locator without a prefix goes to the
// default adapter.
type Registry struct {
	adapters map[string]Adapter
	def      string
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
	if r.def == "" {
		r.def = a.Name()
	}
}

func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	return names
}

// resolve splits "<adapter>/<path>" and returns the adapter plus the bare
// path.
func (r *Registry) resolve(locator string) (Adapter, string, error) {
	name := r.def
	path := locator
	if i := strings.Index(locator, "/"); i > 0 {
		if _, ok := r.adapters[locator[:i]]; ok {
			name = locator[:i]
			path = locator[i+1:]
		}
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, "", fmt.Errorf("no adapter for locator %q", locator)
	}
	return a, path, nil
}

// FetchClip implements the frame service's fetcher contract.
func (r *Registry) FetchClip(ctx context.Context, locator string) (*event.Clip, error) {
	a, path, err := r.resolve(locator)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", event.ErrAssetNotFound, err)
	}
	return a.FetchClip(ctx, path)
}

// FetchSnapshot implements the frame service's fetcher contract.
func (r *Registry) FetchSnapshot(ctx context.Context, locator string) (*event.Frame, error) {
	a, path, err := r.resolve(locator)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", event.ErrAssetNotFound, err)
	}
	return a.FetchSnapshot(ctx, path)
}
