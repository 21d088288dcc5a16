package source

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/technosupport/ts-sentinel/internal/event"
)

// Ingestor is the gateway side of the poller.
type Ingestor interface {
	Ingest(raw event.RawDetectionEvent) (event.CanonicalEvent, bool)
}

// Target is one camera on one adapter that the poller sweeps.
type Target struct {
	Adapter  string `yaml:"adapter"`
	CameraID string `yaml:"camera_id"`
}

type PollerConfig struct {
	Enabled          bool
	PollInterval     time.Duration
	MaxInflight      int
	MaxEventsPerPoll int
	TimeBudget       time.Duration
	Backoff          time.Duration
	Lookback         time.Duration // since-cursor for a camera's first poll
}

// pollState is the per-camera cursor. Kept in memory; on restart the
// lookback window re-covers the gap and the gateway's deterministic IDs
// absorb the resulting re-delivery.
type pollState struct {
	since               time.Time
	consecutiveFailures int
	updatedAt           time.Time
}

// Poller sweeps pull-only camera systems on a fixed interval and feeds
// raw events into the ingestion gateway.
type Poller struct {
	registry *Registry
	gateway  Ingestor
	targets  []Target
	cfg      PollerConfig

	mu    sync.Mutex
	state map[Target]*pollState

	sem      chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewPoller(registry *Registry, gateway Ingestor, targets []Target, cfg PollerConfig) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 10
	}
	if cfg.MaxEventsPerPoll <= 0 {
		cfg.MaxEventsPerPoll = 100
	}
	if cfg.TimeBudget <= 0 {
		cfg.TimeBudget = 10 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 30 * time.Second
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = time.Hour
	}
	return &Poller{
		registry: registry,
		gateway:  gateway,
		targets:  targets,
		cfg:      cfg,
		state:    make(map[Target]*pollState),
		sem:      make(chan struct{}, cfg.MaxInflight),
		stopChan: make(chan struct{}),
	}
}

func (p *Poller) Start() {
	if !p.cfg.Enabled {
		return
	}
	p.wg.Add(1)
	go p.runLoop()
	log.Printf("[Poller] Started: %d targets, interval %s", len(p.targets), p.cfg.PollInterval)
}

func (p *Poller) Stop() {
	if !p.cfg.Enabled {
		return
	}
	close(p.stopChan)
	p.wg.Wait()
}

func (p *Poller) runLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.pollAll()
		}
	}
}

func (p *Poller) pollAll() {
	for _, t := range p.targets {
		select {
		case p.sem <- struct{}{}:
			p.wg.Add(1)
			go func(t Target) {
				defer p.wg.Done()
				defer func() { <-p.sem }()
				p.pollTarget(t)
			}(t)
		default:
			log.Printf("[Poller] Capacity full, skipping %s/%s this cycle", t.Adapter, t.CameraID)
		}
	}
}

func (p *Poller) pollTarget(t Target) {
	since, inBackoff := p.cursor(t)
	if inBackoff {
		return
	}

	adapter, ok := p.registry.Get(t.Adapter)
	if !ok {
		log.Printf("[ERROR] Poller: No adapter %q for camera %s", t.Adapter, t.CameraID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TimeBudget)
	defer cancel()

	events, err := adapter.Poll(ctx, t.CameraID, since, p.cfg.MaxEventsPerPoll)
	if err != nil {
		p.recordFailure(t)
		log.Printf("[ERROR] Poller (%s/%s): Poll failed: %v", t.Adapter, t.CameraID, err)
		return
	}

	last := since
	for _, raw := range events {
		if raw.SourceID == "" {
			raw.SourceID = t.Adapter
		}
		p.gateway.Ingest(raw)
		if raw.OccurredAt.After(last) {
			last = raw.OccurredAt
		}
	}
	if len(events) == 0 {
		last = time.Now()
	}
	p.recordSuccess(t, last)
}

// cursor returns the since timestamp for a target, creating the initial
// lookback cursor on first use, and reports whether the target is still
// cooling down after a failure.
func (p *Poller) cursor(t Target) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.state[t]
	if !ok {
		s = &pollState{since: time.Now().Add(-p.cfg.Lookback)}
		p.state[t] = s
	}
	backoff := s.consecutiveFailures > 0 && time.Since(s.updatedAt) < p.cfg.Backoff
	return s.since, backoff
}

func (p *Poller) recordFailure(t Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.state[t]; ok {
		s.consecutiveFailures++
		s.updatedAt = time.Now()
	}
}

func (p *Poller) recordSuccess(t Target, since time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.state[t]; ok {
		s.consecutiveFailures = 0
		s.since = since
		s.updatedAt = time.Now()
	}
}
