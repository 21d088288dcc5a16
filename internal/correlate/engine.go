package correlate

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-sentinel/internal/event"
	"github.com/technosupport/ts-sentinel/internal/metrics"
)

type Config struct {
	Window        time.Duration // correlation window, default 5s
	ExtendBy      time.Duration // deadline extension per join, default 2s
	MaxLifetime   time.Duration // hard bound on a group's open time, default 15s
	MaxCameras    int           // camera cap closing a group early, default 4
	SweepInterval time.Duration // janitor tick, default 250ms
}

func (c *Config) normalize() {
	if c.Window <= 0 {
		c.Window = 5 * time.Second
	}
	if c.ExtendBy <= 0 {
		c.ExtendBy = 2 * time.Second
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 15 * time.Second
	}
	if c.MaxCameras <= 0 {
		c.MaxCameras = 4
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 250 * time.Millisecond
	}
}

// Handoff receives each closed group with its member events. Closure is
// at-least-once, best-effort: a restart loses only open-group linkage,
// never the events themselves.
type Handoff func(group *event.CorrelationGroup, events []*event.CanonicalEvent)

type openGroup struct {
	id           uuid.UUID
	anchor       time.Time
	createdAt    time.Time
	deadline     time.Time
	hardDeadline time.Time
	events       []*event.CanonicalEvent
	cameras      map[string]bool
}

// Engine groups events from different cameras that fall inside one
// correlation window. The open-group window is shared across concurrent
// arrivals and guarded by a single mutex.
type Engine struct {
	cfg     Config
	handoff Handoff

	mu   sync.Mutex
	open []*openGroup

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewEngine(cfg Config, handoff Handoff) *Engine {
	cfg.normalize()
	return &Engine{
		cfg:     cfg,
		handoff: handoff,
		quit:    make(chan struct{}),
	}
}

// Start launches the janitor that closes groups whose deadline elapsed.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.sweepLoop()
}

// Stop closes all remaining open groups and waits for the janitor.
func (e *Engine) Stop() {
	close(e.quit)
	e.wg.Wait()

	e.mu.Lock()
	remaining := e.open
	e.open = nil
	e.mu.Unlock()

	for _, g := range remaining {
		e.dispatch(e.seal(g, "shutdown"))
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.quit:
			return
		case now := <-ticker.C:
			e.sweep(now)
		}
	}
}

func (e *Engine) sweep(now time.Time) {
	e.mu.Lock()
	var expired []*openGroup
	kept := e.open[:0]
	for _, g := range e.open {
		if now.After(g.deadline) || now.After(g.hardDeadline) {
			expired = append(expired, g)
		} else {
			kept = append(kept, g)
		}
	}
	e.open = kept
	e.mu.Unlock()

	for _, g := range expired {
		e.dispatch(e.seal(g, "deadline"))
	}
}

// Correlate joins e to an open group within the window, or opens a new
// one. It returns a snapshot of the group as of this arrival; ClosedAt is
// zero while the group remains open.
func (e *Engine) Correlate(ev *event.CanonicalEvent) event.CorrelationGroup {
	now := time.Now()

	e.mu.Lock()
	g := e.pick(ev)
	var closed *openGroup
	if g == nil {
		g = &openGroup{
			id:           uuid.New(),
			anchor:       ev.OccurredAt,
			createdAt:    now,
			deadline:     now.Add(e.cfg.Window),
			hardDeadline: now.Add(e.cfg.MaxLifetime),
			cameras:      make(map[string]bool),
		}
		e.open = append(e.open, g)
	} else {
		// Bounded extension: never past the hard deadline
		d := now.Add(e.cfg.ExtendBy)
		if d.After(g.hardDeadline) {
			d = g.hardDeadline
		}
		if d.After(g.deadline) {
			g.deadline = d
		}
	}

	ev.CorrelationGroupID = g.id
	g.events = append(g.events, ev)
	g.cameras[ev.CameraID] = true

	if len(g.cameras) >= e.cfg.MaxCameras {
		e.remove(g)
		closed = g
	}

	snap := snapshot(g)
	e.mu.Unlock()

	if closed != nil {
		e.dispatch(e.seal(closed, "camera_cap"))
	}
	return snap
}

// pick scans open groups for the best join candidate: within the window,
// not yet containing this camera, nearest anchor first, creation order on
// exact ties. Must be called under mu.
func (e *Engine) pick(ev *event.CanonicalEvent) *openGroup {
	var best *openGroup
	var bestDelta time.Duration
	for _, g := range e.open {
		if g.cameras[ev.CameraID] {
			continue
		}
		delta := ev.OccurredAt.Sub(g.anchor)
		if delta < 0 {
			delta = -delta
		}
		if delta > e.cfg.Window {
			continue
		}
		if best == nil || delta < bestDelta ||
			(delta == bestDelta && g.createdAt.Before(best.createdAt)) {
			best = g
			bestDelta = delta
		}
	}
	return best
}

// remove drops g from the open window. Must be called under mu.
func (e *Engine) remove(g *openGroup) {
	for i, o := range e.open {
		if o == g {
			e.open = append(e.open[:i], e.open[i+1:]...)
			return
		}
	}
}

// seal freezes a group: picks the representative event (highest raw
// confidence, earliest occurred-at on ties) and records the rest as linked.
func (e *Engine) seal(g *openGroup, reason string) (*event.CorrelationGroup, []*event.CanonicalEvent) {
	events := g.events
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})

	rep := events[0]
	for _, ev := range events[1:] {
		if ev.Confidence > rep.Confidence {
			rep = ev
		}
	}

	cg := &event.CorrelationGroup{
		GroupID:        g.id,
		AnchorAt:       g.anchor,
		CreatedAt:      g.createdAt,
		ClosedAt:       time.Now(),
		CloseReason:    reason,
		Representative: rep.EventID,
	}
	for _, ev := range events {
		cg.Events = append(cg.Events, ev.EventID)
		cg.Cameras = append(cg.Cameras, ev.CameraID)
		if ev.EventID != rep.EventID {
			cg.Linked = append(cg.Linked, ev.EventID)
		}
	}

	metrics.GroupsClosedTotal.WithLabelValues(reason).Inc()
	metrics.GroupSize.Observe(float64(len(events)))
	return cg, events
}

func (e *Engine) dispatch(cg *event.CorrelationGroup, events []*event.CanonicalEvent) {
	if e.handoff != nil {
		e.handoff(cg, events)
	}
}

// OpenGroups reports the current open-window size for health reporting.
func (e *Engine) OpenGroups() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.open)
}

func snapshot(g *openGroup) event.CorrelationGroup {
	cg := event.CorrelationGroup{
		GroupID:   g.id,
		AnchorAt:  g.anchor,
		CreatedAt: g.createdAt,
	}
	for _, ev := range g.events {
		cg.Events = append(cg.Events, ev.EventID)
		cg.Cameras = append(cg.Cameras, ev.CameraID)
	}
	return cg
}
