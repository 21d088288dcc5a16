package ingest

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-sentinel/internal/event"
	"github.com/technosupport/ts-sentinel/internal/metrics"
)

// eventNamespace seeds deterministic event IDs so a re-delivered raw event
// hashes to the same CanonicalEvent.
var eventNamespace = uuid.MustParse("b6b1a3e2-64c4-4b5d-9f0e-2a7c15d8a001")

// Downstream receives every accepted CanonicalEvent. In production this is
// the correlation engine.
type Downstream interface {
	Correlate(e *event.CanonicalEvent) event.CorrelationGroup
}

type Config struct {
	SuppressionWindow time.Duration // dedup window, default 5s
	DedupCacheSize    int
}

// Gateway normalizes adapter output into CanonicalEvents and absorbs
// source-level re-delivery plus the camera cooldown behavior.
type Gateway struct {
	cfg   Config
	dedup *lru.Cache[string, time.Time]
	next  Downstream

	acceptedTotal  int64
	duplicateTotal int64
	malformedTotal int64
}

func NewGateway(cfg Config, next Downstream) *Gateway {
	if cfg.SuppressionWindow <= 0 {
		cfg.SuppressionWindow = 5 * time.Second
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = 4096
	}
	c, _ := lru.New[string, time.Time](cfg.DedupCacheSize)
	return &Gateway{cfg: cfg, dedup: c, next: next}
}

// Ingest normalizes raw and forwards it downstream. accepted=false means
// the event was dropped as malformed or as a near-duplicate; malformed
// input never raises to the caller.
func (g *Gateway) Ingest(raw event.RawDetectionEvent) (event.CanonicalEvent, bool) {
	if raw.SourceID == "" || raw.CameraID == "" || raw.OccurredAt.IsZero() {
		atomic.AddInt64(&g.malformedTotal, 1)
		metrics.EventsIngestedTotal.WithLabelValues(orUnknown(raw.SourceID), "malformed").Inc()
		log.Printf("[Gateway] Dropping malformed event from source=%q camera=%q", raw.SourceID, raw.CameraID)
		return event.CanonicalEvent{}, false
	}

	occurred := raw.OccurredAt.UTC()
	detections := MapLabels(raw.Labels, raw.Ring)

	ce := event.CanonicalEvent{
		EventID:     DeterministicEventID(raw.SourceID, raw.CameraID, occurred),
		SourceID:    raw.SourceID,
		CameraID:    raw.CameraID,
		OccurredAt:  occurred,
		ReceivedAt:  time.Now().UTC(),
		Detections:  detections,
		ClipRef:     raw.ClipRef,
		SnapshotRef: raw.SnapshotRef,
	}
	if raw.Confidence != nil {
		ce.Confidence = *raw.Confidence
	}
	ce.DedupKey = BuildDedupKey(ce.CameraID, detections)

	if g.isDuplicate(ce.DedupKey, occurred) {
		atomic.AddInt64(&g.duplicateTotal, 1)
		metrics.EventsIngestedTotal.WithLabelValues(raw.SourceID, "duplicate").Inc()
		return ce, false
	}

	atomic.AddInt64(&g.acceptedTotal, 1)
	metrics.EventsIngestedTotal.WithLabelValues(raw.SourceID, "accepted").Inc()
	g.next.Correlate(&ce)
	return ce, true
}

// isDuplicate checks the suppression window against the event's own
// timestamp, so replayed history dedups the same way live traffic does.
func (g *Gateway) isDuplicate(key string, occurred time.Time) bool {
	if last, ok := g.dedup.Get(key); ok {
		delta := occurred.Sub(last)
		if delta < 0 {
			delta = -delta
		}
		if delta < g.cfg.SuppressionWindow {
			return true
		}
	}
	g.dedup.Add(key, occurred)
	return false
}

// Stats returns gateway counters for the health endpoint.
func (g *Gateway) Stats() (accepted, duplicate, malformed int64) {
	return atomic.LoadInt64(&g.acceptedTotal),
		atomic.LoadInt64(&g.duplicateTotal),
		atomic.LoadInt64(&g.malformedTotal)
}

// DeterministicEventID hashes source, camera and a 1s timestamp bucket so
// re-delivery of the same detection always yields the same event ID.
func DeterministicEventID(sourceID, cameraID string, occurred time.Time) uuid.UUID {
	name := fmt.Sprintf("%s|%s|%d", sourceID, cameraID, occurred.Truncate(time.Second).Unix())
	return uuid.NewSHA1(eventNamespace, []byte(name))
}

// BuildDedupKey keys the suppression cache by camera and detection set.
func BuildDedupKey(cameraID string, detections []event.DetectionType) string {
	parts := make([]string, 0, len(detections))
	for _, d := range detections {
		parts = append(parts, string(d))
	}
	return cameraID + "|" + strings.Join(parts, ",")
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
