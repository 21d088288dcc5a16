package correlate

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-sentinel/internal/event"
)

type capture struct {
	mu     sync.Mutex
	groups []*event.CorrelationGroup
	events [][]*event.CanonicalEvent
}

func (c *capture) handoff(g *event.CorrelationGroup, evs []*event.CanonicalEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups = append(c.groups, g)
	c.events = append(c.events, evs)
}

func (c *capture) closed() []*event.CorrelationGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*event.CorrelationGroup(nil), c.groups...)
}

func ev(camera string, at time.Time, confidence float64) *event.CanonicalEvent {
	return &event.CanonicalEvent{
		EventID:    uuid.New(),
		CameraID:   camera,
		OccurredAt: at,
		Detections: []event.DetectionType{event.DetectionPerson},
		Confidence: confidence,
	}
}

func TestCorrelate_SameWindowJoins(t *testing.T) {
	c := &capture{}
	e := NewEngine(Config{Window: 5 * time.Second}, c.handoff)

	t0 := time.Now()
	g1 := e.Correlate(ev("cam-a", t0, 0.9))
	g2 := e.Correlate(ev("cam-b", t0.Add(time.Second), 0.8))

	assert.Equal(t, g1.GroupID, g2.GroupID)
	assert.Len(t, g2.Events, 2)
}

func TestCorrelate_WindowBoundary(t *testing.T) {
	// t and t+w-eps share a group; t+w+eps does not.
	w := 5 * time.Second
	eps := 50 * time.Millisecond
	c := &capture{}
	e := NewEngine(Config{Window: w}, c.handoff)

	t0 := time.Now()
	g1 := e.Correlate(ev("cam-a", t0, 0.5))
	inside := e.Correlate(ev("cam-b", t0.Add(w-eps), 0.5))
	assert.Equal(t, g1.GroupID, inside.GroupID)

	outside := e.Correlate(ev("cam-c", t0.Add(w+eps), 0.5))
	assert.NotEqual(t, g1.GroupID, outside.GroupID)
}

func TestCorrelate_SameCameraNeverJoinsTwice(t *testing.T) {
	c := &capture{}
	e := NewEngine(Config{Window: 5 * time.Second}, c.handoff)

	t0 := time.Now()
	g1 := e.Correlate(ev("cam-a", t0, 0.5))
	g2 := e.Correlate(ev("cam-a", t0.Add(time.Second), 0.5))

	assert.NotEqual(t, g1.GroupID, g2.GroupID)
}

func TestCorrelate_TieBreakNearestAnchor(t *testing.T) {
	c := &capture{}
	e := NewEngine(Config{Window: 10 * time.Second}, c.handoff)

	t0 := time.Now()
	far := e.Correlate(ev("cam-a", t0, 0.5))
	// Same camera cannot join its own group, so this opens a second one
	near := e.Correlate(ev("cam-a", t0.Add(6*time.Second), 0.5))
	require.NotEqual(t, far.GroupID, near.GroupID)

	// cam-c at t0+5s: 5s from far's anchor, 1s from near's anchor
	joined := e.Correlate(ev("cam-c", t0.Add(5*time.Second), 0.5))
	assert.Equal(t, near.GroupID, joined.GroupID)
}

func TestCorrelate_ExactTieFIFO(t *testing.T) {
	c := &capture{}
	e := NewEngine(Config{Window: 10 * time.Second}, c.handoff)

	t0 := time.Now()
	first := e.Correlate(ev("cam-a", t0, 0.5))
	second := e.Correlate(ev("cam-b", t0, 0.5))
	// cam-b joined cam-a's group (delta 0), so force two distinct groups
	require.Equal(t, first.GroupID, second.GroupID)

	third := e.Correlate(ev("cam-a", t0.Add(8*time.Second), 0.5))
	require.NotEqual(t, first.GroupID, third.GroupID)

	// cam-c at t0+4s: 4s from both anchors (t0 and t0+8s) -> earliest-created wins
	joined := e.Correlate(ev("cam-c", t0.Add(4*time.Second), 0.5))
	assert.Equal(t, first.GroupID, joined.GroupID)
}

func TestCorrelate_CameraCapCloses(t *testing.T) {
	c := &capture{}
	e := NewEngine(Config{Window: 10 * time.Second, MaxCameras: 3}, c.handoff)

	t0 := time.Now()
	e.Correlate(ev("cam-a", t0, 0.5))
	e.Correlate(ev("cam-b", t0, 0.5))
	e.Correlate(ev("cam-c", t0, 0.5))

	closed := c.closed()
	require.Len(t, closed, 1)
	assert.Equal(t, "camera_cap", closed[0].CloseReason)
	assert.Len(t, closed[0].Events, 3)
	assert.Equal(t, 0, e.OpenGroups())
}

func TestCorrelate_SingletonClosesOnDeadline(t *testing.T) {
	c := &capture{}
	e := NewEngine(Config{
		Window:        150 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	}, c.handoff)
	e.Start()
	defer e.Stop()

	e.Correlate(ev("cam-a", time.Now(), 0.7))

	require.Eventually(t, func() bool {
		return len(c.closed()) == 1
	}, time.Second, 10*time.Millisecond)

	g := c.closed()[0]
	assert.Equal(t, "deadline", g.CloseReason)
	assert.Len(t, g.Events, 1)
	assert.Empty(t, g.Linked)
}

func TestCorrelate_RepresentativeHighestConfidence(t *testing.T) {
	c := &capture{}
	e := NewEngine(Config{Window: 10 * time.Second, MaxCameras: 3}, c.handoff)

	t0 := time.Now()
	low := ev("cam-a", t0, 0.3)
	high := ev("cam-b", t0.Add(time.Second), 0.95)
	mid := ev("cam-c", t0.Add(2*time.Second), 0.6)
	e.Correlate(low)
	e.Correlate(high)
	e.Correlate(mid)

	closed := c.closed()
	require.Len(t, closed, 1)
	assert.Equal(t, high.EventID, closed[0].Representative)
	assert.ElementsMatch(t, []uuid.UUID{low.EventID, mid.EventID}, closed[0].Linked)
}

func TestCorrelate_TwoCamerasThenLateThird(t *testing.T) {
	// A and B at T0/T0+1s share a group; a third camera at T0+10s with a
	// 5s window opens a new one.
	c := &capture{}
	e := NewEngine(Config{Window: 5 * time.Second}, c.handoff)

	t0 := time.Now()
	ga := e.Correlate(ev("cam-a", t0, 0.5))
	gb := e.Correlate(ev("cam-b", t0.Add(time.Second), 0.5))
	gc := e.Correlate(ev("cam-c", t0.Add(10*time.Second), 0.5))

	assert.Equal(t, ga.GroupID, gb.GroupID)
	assert.NotEqual(t, ga.GroupID, gc.GroupID)
}

func TestCorrelate_GroupIDAttachedOnce(t *testing.T) {
	c := &capture{}
	e := NewEngine(Config{Window: 5 * time.Second}, c.handoff)

	x := ev("cam-a", time.Now(), 0.5)
	g := e.Correlate(x)
	assert.Equal(t, g.GroupID, x.CorrelationGroupID)
}

func TestCorrelate_ExtensionBounded(t *testing.T) {
	// A steady trickle of events must not hold a group open past its hard
	// deadline.
	c := &capture{}
	e := NewEngine(Config{
		Window:        120 * time.Millisecond,
		ExtendBy:      120 * time.Millisecond,
		MaxLifetime:   300 * time.Millisecond,
		MaxCameras:    100,
		SweepInterval: 20 * time.Millisecond,
	}, c.handoff)
	e.Start()
	defer e.Stop()

	t0 := time.Now()
	for i := 0; i < 6; i++ {
		e.Correlate(ev(string(rune('a'+i)), t0.Add(time.Duration(i)*80*time.Millisecond), 0.5))
		time.Sleep(80 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(c.closed()) >= 1
	}, 2*time.Second, 20*time.Millisecond)
}
