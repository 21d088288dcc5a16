package frames

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-sentinel/internal/event"
)

// makeFrameImage builds a 64x64 frame: flat base intensity, optionally
// with a deterministic textured block so the quality gate sees detail.
func makeFrameImage(base uint8, textured bool, seed int) image.Image {
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.SetGray(x, y, color.Gray{Y: base})
		}
	}
	if textured {
		for y := 16; y < 48; y++ {
			for x := 16; x < 48; x++ {
				off := (x*7+y*13)%120 - 60
				if seed%2 == 1 {
					off = -off // anti-correlate neighboring frames
				}
				v := int(base) + off
				if v < 0 {
					v = 0
				}
				if v > 255 {
					v = 255
				}
				img.SetGray(x, y, color.Gray{Y: uint8(v)})
			}
		}
	}
	return img
}

// makeClip builds a clip whose frames differ in base intensity so the
// similarity filters see them as distinct.
func makeClip(n int, textured bool) *event.Clip {
	clip := &event.Clip{
		Locator:  "clips/test.mp4",
		Duration: time.Duration(n) * 100 * time.Millisecond,
	}
	for i := 0; i < n; i++ {
		clip.Frames = append(clip.Frames, event.Frame{
			Offset: time.Duration(i) * 100 * time.Millisecond,
			Img:    makeFrameImage(uint8(20+i*7), textured, i),
		})
	}
	return clip
}

type scriptedFetcher struct {
	clipErrs     []error // consumed per FetchClip call; nil means success
	clip         *event.Clip
	clipCalls    int
	snapErr      error
	snapCalls    int
	lastLocators []string
}

func (f *scriptedFetcher) FetchClip(ctx context.Context, locator string) (*event.Clip, error) {
	f.lastLocators = append(f.lastLocators, locator)
	i := f.clipCalls
	f.clipCalls++
	if i < len(f.clipErrs) && f.clipErrs[i] != nil {
		return nil, f.clipErrs[i]
	}
	return f.clip, nil
}

func (f *scriptedFetcher) FetchSnapshot(ctx context.Context, locator string) (*event.Frame, error) {
	f.snapCalls++
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	return &event.Frame{Img: makeFrameImage(128, true, 1)}, nil
}

func newTestService(f Fetcher) *Service {
	s := NewService(Config{BackoffBase: time.Millisecond}, f)
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return s
}

func testEvent() *event.CanonicalEvent {
	return &event.CanonicalEvent{
		EventID:     uuid.New(),
		CameraID:    "cam-1",
		OccurredAt:  time.Now(),
		ClipRef:     "clips/test.mp4",
		SnapshotRef: "snaps/test.jpg",
	}
}

func TestAcquire_FrameCountInvariant(t *testing.T) {
	// Clip with 30 frames, target 5: exactly 5 frames including the
	// clip's first and last.
	clip := makeClip(30, true)
	f := &scriptedFetcher{clip: clip}
	s := newTestService(f)

	acq, err := s.Acquire(context.Background(), testEvent(), event.AnalysisPolicy{FrameCount: 5})
	require.NoError(t, err)
	require.Len(t, acq.FrameSet.Frames, 5)

	assert.Equal(t, clip.Frames[0].Offset, acq.FrameSet.Frames[0].Offset)
	assert.Equal(t, clip.Frames[29].Offset, acq.FrameSet.Frames[4].Offset)
	assert.Equal(t, event.ClipAvailable, acq.Asset.State)
}

func TestAcquire_ShortClipReturnsAllFrames(t *testing.T) {
	f := &scriptedFetcher{clip: makeClip(4, true)}
	s := newTestService(f)

	acq, err := s.Acquire(context.Background(), testEvent(), event.AnalysisPolicy{FrameCount: 10})
	require.NoError(t, err)
	assert.Len(t, acq.FrameSet.Frames, 4)
}

func TestAcquire_TransientRetryThenSuccess(t *testing.T) {
	f := &scriptedFetcher{
		clipErrs: []error{context.DeadlineExceeded, context.DeadlineExceeded, nil},
		clip:     makeClip(10, true),
	}
	s := newTestService(f)

	acq, err := s.Acquire(context.Background(), testEvent(), event.AnalysisPolicy{FrameCount: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, f.clipCalls)
	assert.Equal(t, 2, acq.Asset.RetryCount)
	assert.Equal(t, event.ClipAvailable, acq.Asset.State)
	assert.Empty(t, acq.Fallbacks)
}

func TestAcquire_RetriesExhaustedFallsBackToSnapshot(t *testing.T) {
	// Three failed attempts: no fourth attempt, snapshot fallback, and the
	// fallback chain records (clip_acquisition, retries_exhausted).
	f := &scriptedFetcher{
		clipErrs: []error{context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded},
	}
	s := newTestService(f)

	acq, err := s.Acquire(context.Background(), testEvent(), event.AnalysisPolicy{FrameCount: 5})
	require.NoError(t, err)

	assert.Equal(t, 3, f.clipCalls, "max 3 attempts, no implicit 4th retry")
	assert.Equal(t, 1, f.snapCalls)
	assert.Equal(t, event.ClipFallbackToSnapshot, acq.Asset.State)
	assert.Equal(t, event.SelectionSnapshot, acq.FrameSet.Selection)
	assert.Len(t, acq.FrameSet.Frames, 1)
	assert.Contains(t, acq.Fallbacks, event.FallbackReason{Stage: "clip_acquisition", Cause: "retries_exhausted"})
}

func TestAcquire_NotFoundShortCircuits(t *testing.T) {
	f := &scriptedFetcher{clipErrs: []error{event.ErrAssetNotFound}}
	s := newTestService(f)

	acq, err := s.Acquire(context.Background(), testEvent(), event.AnalysisPolicy{FrameCount: 5})
	require.NoError(t, err)

	assert.Equal(t, 1, f.clipCalls, "not-found must not retry")
	assert.Equal(t, event.ClipFailed, acq.Asset.State)
	assert.Contains(t, acq.Fallbacks, event.FallbackReason{Stage: "clip_acquisition", Cause: "asset_not_found"})
	assert.Equal(t, event.SelectionSnapshot, acq.FrameSet.Selection)
}

func TestAcquire_NoClipNoSnapshot(t *testing.T) {
	f := &scriptedFetcher{snapErr: errors.New("gone")}
	s := newTestService(f)

	ev := testEvent()
	ev.ClipRef = ""
	acq, err := s.Acquire(context.Background(), ev, event.AnalysisPolicy{FrameCount: 5})
	require.ErrorIs(t, err, ErrNoFrames)
	assert.Nil(t, acq.FrameSet)
	assert.Contains(t, acq.Fallbacks, event.FallbackReason{Stage: "clip_acquisition", Cause: "no_clip_reference"})
}

func TestAcquire_DuplicateFramesFilledUniformly(t *testing.T) {
	// Every frame identical: the similarity filters reject all middles,
	// uniform sampling fills to the target, selection reported as uniform.
	clip := &event.Clip{Duration: time.Second}
	for i := 0; i < 12; i++ {
		clip.Frames = append(clip.Frames, event.Frame{
			Offset: time.Duration(i) * 100 * time.Millisecond,
			Img:    makeFrameImage(100, false, 0),
		})
	}
	f := &scriptedFetcher{clip: clip}
	s := newTestService(f)

	acq, err := s.Acquire(context.Background(), testEvent(), event.AnalysisPolicy{FrameCount: 4})
	require.NoError(t, err)
	assert.Len(t, acq.FrameSet.Frames, 4)
	assert.Equal(t, event.SelectionUniform, acq.FrameSet.Selection)
	assert.Contains(t, acq.Fallbacks, event.FallbackReason{Stage: "frame_extraction", Cause: "uniform_fill"})
}

func TestAcquire_AdaptiveSelectionAtMinimumTarget(t *testing.T) {
	// Distinct frames at the frame-count floor: the similarity filters
	// still get to pick the middle frame, nothing falls back to uniform.
	f := &scriptedFetcher{clip: makeClip(10, true)}
	s := newTestService(f)

	acq, err := s.Acquire(context.Background(), testEvent(), event.AnalysisPolicy{FrameCount: 3})
	require.NoError(t, err)
	assert.Len(t, acq.FrameSet.Frames, 3)
	assert.Equal(t, event.SelectionAdaptive, acq.FrameSet.Selection)
	assert.Empty(t, acq.Fallbacks)
}

func TestQualityGate_SwapNeverDuplicatesFrames(t *testing.T) {
	// The flat middle frame's only sharp neighbors are already in the
	// set, so it must stay in place instead of duplicating one of them.
	clip := &event.Clip{Duration: 500 * time.Millisecond}
	for i := 0; i < 5; i++ {
		clip.Frames = append(clip.Frames, event.Frame{
			Offset: time.Duration(i) * 100 * time.Millisecond,
			Img:    makeFrameImage(uint8(20+i*7), i != 2, i),
		})
	}
	fs := &event.FrameSet{
		Selection: event.SelectionAdaptive,
		Frames:    []event.Frame{clip.Frames[1], clip.Frames[2], clip.Frames[3]},
	}
	s := newTestService(&scriptedFetcher{})

	s.qualityGate(clip, fs)

	require.Len(t, fs.Frames, 3)
	seen := make(map[time.Duration]bool)
	for _, f := range fs.Frames {
		assert.False(t, seen[f.Offset], "offset %v appears twice", f.Offset)
		seen[f.Offset] = true
	}
	// Unsalvageable frame kept, with its measured score
	assert.Equal(t, 200*time.Millisecond, fs.Frames[1].Offset)
	assert.Less(t, fs.Frames[1].Quality, s.cfg.QualityThreshold)
}

func TestAcquire_AllFlatFramesFlaggedLowQuality(t *testing.T) {
	f := &scriptedFetcher{clip: makeClip(10, false)}
	s := newTestService(f)

	acq, err := s.Acquire(context.Background(), testEvent(), event.AnalysisPolicy{FrameCount: 3})
	require.NoError(t, err)
	assert.True(t, acq.FrameSet.LowQuality)
}

func TestAcquire_TexturedFramesPassQualityGate(t *testing.T) {
	f := &scriptedFetcher{clip: makeClip(10, true)}
	s := newTestService(f)

	acq, err := s.Acquire(context.Background(), testEvent(), event.AnalysisPolicy{FrameCount: 3})
	require.NoError(t, err)
	assert.False(t, acq.FrameSet.LowQuality)
	for _, fr := range acq.FrameSet.Frames {
		assert.Greater(t, fr.Quality, 0.0)
	}
}

func TestAcquire_EmptyClipFallsBack(t *testing.T) {
	f := &scriptedFetcher{clip: &event.Clip{}}
	s := newTestService(f)

	acq, err := s.Acquire(context.Background(), testEvent(), event.AnalysisPolicy{FrameCount: 5})
	require.NoError(t, err)
	assert.Equal(t, event.SelectionSnapshot, acq.FrameSet.Selection)
	assert.Contains(t, acq.Fallbacks, event.FallbackReason{Stage: "frame_extraction", Cause: "empty_clip"})
}

func TestUniformIndices(t *testing.T) {
	assert.Equal(t, []int{0, 9}, uniformIndices(10, 2))
	assert.Equal(t, []int{0, 4, 9}, uniformIndices(10, 3))
	assert.Equal(t, []int{0, 1, 2}, uniformIndices(3, 5))

	idx := uniformIndices(100, 10)
	assert.Len(t, idx, 10)
	assert.Equal(t, 0, idx[0])
	assert.Equal(t, 99, idx[9])
}

func TestQualityScore_FlatVsTextured(t *testing.T) {
	flat := qualityScore(toGray(makeFrameImage(100, false, 0)))
	textured := qualityScore(toGray(makeFrameImage(100, true, 0)))
	assert.Less(t, flat, 1.0)
	assert.Greater(t, textured, flat)
}

func TestHistCorrelation_Bounds(t *testing.T) {
	a := histogram(toGray(makeFrameImage(50, false, 0)))
	b := histogram(toGray(makeFrameImage(50, false, 0)))
	c := histogram(toGray(makeFrameImage(220, false, 0)))

	assert.InDelta(t, 1.0, histCorrelation(a, b), 1e-9)
	assert.Less(t, histCorrelation(a, c), 0.5)
}

func TestSSIM_IdenticalAndDifferent(t *testing.T) {
	x := toGray(makeFrameImage(80, true, 1))
	same := toGray(makeFrameImage(80, true, 1))
	other := toGray(makeFrameImage(200, true, 9))

	assert.InDelta(t, 1.0, ssim(x, same), 1e-9)
	assert.Less(t, ssim(x, other), 0.9)
}
