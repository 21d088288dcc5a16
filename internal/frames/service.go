package frames

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"time"

	"github.com/technosupport/ts-sentinel/internal/event"
	"github.com/technosupport/ts-sentinel/internal/metrics"
)

// Fetcher retrieves clip and snapshot assets from the source system. The
// adapter owns transport and video decoding; the service only sees decoded
// frames.
type Fetcher interface {
	FetchClip(ctx context.Context, locator string) (*event.Clip, error)
	FetchSnapshot(ctx context.Context, locator string) (*event.Frame, error)
}

type Config struct {
	MaxAttempts      int           // clip fetch attempts before snapshot fallback, default 3
	BackoffBase      time.Duration // first retry delay, doubled per retry, default 1s
	FetchTimeout     time.Duration // per-attempt deadline, default 15s
	MinFrames        int           // frame-count floor, default 3
	MaxFrames        int           // frame-count ceiling, default 20
	HistThreshold    float64       // coarse filter: correlation above this is a near-duplicate, default 0.98
	SSIMThreshold    float64       // structural filter: similarity above this is excluded, default 0.92
	QualityThreshold float64       // Laplacian-variance floor per frame, default 25
}

func (c *Config) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
	if c.MinFrames <= 0 {
		c.MinFrames = 3
	}
	if c.MaxFrames <= 0 {
		c.MaxFrames = 20
	}
	if c.HistThreshold <= 0 {
		c.HistThreshold = 0.98
	}
	if c.SSIMThreshold <= 0 {
		c.SSIMThreshold = 0.92
	}
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = 25
	}
}

// Acquisition is the outcome of Acquire: the selected frames, the asset's
// final acquisition state, and every degradation step taken on the way.
type Acquisition struct {
	FrameSet  *event.FrameSet
	Asset     *event.ClipAsset
	Fallbacks []event.FallbackReason
}

var ErrNoFrames = errors.New("no frames acquirable for event")

// Service acquires the clip behind an event and distills it into a bounded
// FrameSet. Every failure degrades to the next cheaper mode (adaptive ->
// uniform -> snapshot) instead of aborting the event.
type Service struct {
	cfg     Config
	fetcher Fetcher
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewService(cfg Config, fetcher Fetcher) *Service {
	cfg.normalize()
	return &Service{cfg: cfg, fetcher: fetcher, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire runs the full acquisition path for one event. It returns
// ErrNoFrames only when both the clip and the snapshot are unobtainable.
func (s *Service) Acquire(ctx context.Context, ev *event.CanonicalEvent, policy event.AnalysisPolicy) (*Acquisition, error) {
	acq := &Acquisition{
		Asset: &event.ClipAsset{EventID: ev.EventID, Locator: ev.ClipRef, State: event.ClipPending},
	}

	clip := s.retrieveClip(ctx, ev, acq)
	if clip == nil {
		return s.snapshotFallback(ctx, ev, acq)
	}

	acq.Asset.State = event.ClipAvailable
	acq.Asset.Duration = clip.Duration
	acq.Asset.SizeBytes = clip.SizeBytes
	acq.Asset.FrameCount = len(clip.Frames)

	if len(clip.Frames) == 0 {
		acq.fallback("frame_extraction", "empty_clip")
		return s.snapshotFallback(ctx, ev, acq)
	}

	target := s.targetFrames(policy)
	fs := s.extract(clip, target, acq)
	fs.EventID = ev.EventID
	s.qualityGate(clip, fs)

	metrics.AcquisitionsTotal.WithLabelValues(string(fs.Selection)).Inc()
	acq.FrameSet = fs
	return acq, nil
}

// retrieveClip fetches the backing clip with bounded retries. Transient
// failures back off exponentially; a not-found short-circuits immediately.
// Returns nil when acquisition must fall back to the snapshot.
func (s *Service) retrieveClip(ctx context.Context, ev *event.CanonicalEvent, acq *Acquisition) *event.Clip {
	if ev.ClipRef == "" {
		acq.Asset.State = event.ClipFallbackToSnapshot
		acq.fallback("clip_acquisition", "no_clip_reference")
		return nil
	}

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		clip, err := s.fetcher.FetchClip(fetchCtx, ev.ClipRef)
		cancel()

		if err == nil {
			metrics.ClipFetchAttemptsTotal.WithLabelValues("ok").Inc()
			return clip
		}

		if errors.Is(err, event.ErrAssetNotFound) {
			metrics.ClipFetchAttemptsTotal.WithLabelValues("not_found").Inc()
			acq.Asset.State = event.ClipFailed
			acq.fallback("clip_acquisition", "asset_not_found")
			return nil
		}
		if !event.Retryable(err) {
			metrics.ClipFetchAttemptsTotal.WithLabelValues("not_found").Inc()
			acq.Asset.State = event.ClipFailed
			acq.fallback("clip_acquisition", "fetch_failed")
			return nil
		}

		metrics.ClipFetchAttemptsTotal.WithLabelValues("retry").Inc()
		acq.Asset.State = event.ClipRetrying
		acq.Asset.RetryCount = attempt
		log.Printf("[Frames] Clip fetch attempt %d/%d failed for event %s: %v",
			attempt, s.cfg.MaxAttempts, ev.EventID, err)

		if attempt < s.cfg.MaxAttempts {
			backoff := s.cfg.BackoffBase << (attempt - 1) // 1s, 2s, 4s
			if s.sleep(ctx, backoff) != nil {
				break // cancelled: release without corrupting state
			}
		}
	}

	metrics.ClipFetchAttemptsTotal.WithLabelValues("exhausted").Inc()
	acq.Asset.State = event.ClipFallbackToSnapshot
	acq.fallback("clip_acquisition", "retries_exhausted")
	return nil
}

// snapshotFallback builds a single-frame FrameSet from the event snapshot.
func (s *Service) snapshotFallback(ctx context.Context, ev *event.CanonicalEvent, acq *Acquisition) (*Acquisition, error) {
	if ev.SnapshotRef == "" {
		acq.fallback("snapshot_fallback", "no_snapshot_reference")
		return acq, fmt.Errorf("%w: event %s", ErrNoFrames, ev.EventID)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	frame, err := s.fetcher.FetchSnapshot(fetchCtx, ev.SnapshotRef)
	if err != nil {
		acq.fallback("snapshot_fallback", "fetch_failed")
		return acq, fmt.Errorf("%w: event %s: %v", ErrNoFrames, ev.EventID, err)
	}

	metrics.AcquisitionsTotal.WithLabelValues(string(event.SelectionSnapshot)).Inc()
	acq.FrameSet = &event.FrameSet{
		EventID:   ev.EventID,
		Selection: event.SelectionSnapshot,
		Frames:    []event.Frame{*frame},
	}
	return acq, nil
}

func (s *Service) targetFrames(policy event.AnalysisPolicy) int {
	n := policy.FrameCount
	if n < s.cfg.MinFrames {
		n = s.cfg.MinFrames
	}
	if n > s.cfg.MaxFrames {
		n = s.cfg.MaxFrames
	}
	return n
}

// extract picks target frames out of the clip. Two-stage adaptive
// selection: a histogram-correlation pre-filter rejects near-duplicates
// cheaply, SSIM decides final inclusion for survivors. First and last
// frames are always retained; any shortfall is filled by uniform sampling.
func (s *Service) extract(clip *event.Clip, target int, acq *Acquisition) *event.FrameSet {
	total := len(clip.Frames)
	if total <= target {
		// Source clip shorter than the target: take everything
		return &event.FrameSet{
			Selection: event.SelectionAdaptive,
			Frames:    append([]event.Frame(nil), clip.Frames...),
		}
	}

	selected := make(map[int]bool, target)
	selected[0] = true
	selected[total-1] = true

	grays := make([]*graySummary, total)
	summary := func(i int) *graySummary {
		if grays[i] == nil {
			g := toGray(clip.Frames[i].Img)
			grays[i] = &graySummary{gray: g, hist: histogram(g)}
		}
		return grays[i]
	}

	adaptive := 0
	last := summary(0)
	for i := 1; i < total-1 && len(selected) < target; i++ {
		cand := summary(i)
		if histCorrelation(last.hist, cand.hist) > s.cfg.HistThreshold {
			continue // coarse filter: near-duplicate of the last kept frame
		}
		if ssim(last.gray, cand.gray) > s.cfg.SSIMThreshold {
			continue
		}
		selected[i] = true
		adaptive++
		last = cand
	}

	// Fill any shortfall by uniform time-based sampling so the output has
	// exactly target frames.
	filled := 0
	for _, i := range uniformIndices(total, target) {
		if len(selected) >= target {
			break
		}
		if selected[i] {
			continue
		}
		selected[i] = true
		filled++
	}

	selection := event.SelectionAdaptive
	if adaptive == 0 && filled > 0 {
		// The similarity filters contributed nothing; this is plain
		// uniform sampling and reported as such.
		selection = event.SelectionUniform
		acq.fallback("frame_extraction", "uniform_fill")
	}

	fs := &event.FrameSet{Selection: selection}
	for i := 0; i < total; i++ {
		if selected[i] {
			fs.Frames = append(fs.Frames, clip.Frames[i])
		}
	}
	return fs
}

type graySummary struct {
	gray *image.Gray
	hist [histBins]float64
}

// qualityGate scores every selected frame and swaps low scorers for a
// sharper adjacent-timestamp candidate when one exists. When nothing in
// the clip clears the threshold the best available frames stay, flagged
// low_quality.
func (s *Service) qualityGate(clip *event.Clip, fs *event.FrameSet) {
	index := make(map[time.Duration]int, len(clip.Frames))
	for i, f := range clip.Frames {
		index[f.Offset] = i
	}

	inSet := make(map[int]bool, len(fs.Frames))
	for _, f := range fs.Frames {
		if pos, ok := index[f.Offset]; ok {
			inSet[pos] = true
		}
	}

	anyGood := false
	for i := range fs.Frames {
		g := toGray(fs.Frames[i].Img)
		score := qualityScore(g)
		fs.Frames[i].Quality = score
		if score >= s.cfg.QualityThreshold {
			anyGood = true
			continue
		}

		// Try neighbors of the original clip position
		pos, ok := index[fs.Frames[i].Offset]
		if !ok {
			continue
		}
		for _, j := range []int{pos - 1, pos + 1, pos - 2, pos + 2} {
			if j <= 0 || j >= len(clip.Frames)-1 {
				continue // first/last frames are pinned
			}
			if inSet[j] {
				continue // already in the set; swapping would duplicate it
			}
			alt := clip.Frames[j]
			altScore := qualityScore(toGray(alt.Img))
			if altScore >= s.cfg.QualityThreshold {
				alt.Quality = altScore
				fs.Frames[i] = alt
				inSet[j] = true
				delete(inSet, pos)
				anyGood = true
				break
			}
		}
	}

	if !anyGood {
		fs.LowQuality = true
	}
}

func (a *Acquisition) fallback(stage, cause string) {
	a.Fallbacks = append(a.Fallbacks, event.FallbackReason{Stage: stage, Cause: cause})
}
