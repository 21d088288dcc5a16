package source

import (
	"encoding/json"
	"log"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/technosupport/ts-sentinel/internal/event"
)

const (
	// Push-style adapters publish raw detections here, one subject per
	// camera: detections.raw.<camera_id>.
	RawSubjectPrefix = "detections.raw."
	rawSubjectWild   = "detections.raw.>"
	rawQueueGroup    = "sentinel-ingest"
)

// NATSSource consumes raw detection events pushed over NATS and feeds
// them into the ingestion gateway. Multiple pipeline instances share the
// queue group so each event is ingested once.
type NATSSource struct {
	conn    *nats.Conn
	gateway Ingestor
	sub     *nats.Subscription

	receivedTotal int64
	badTotal      int64
}

func NewNATSSource(conn *nats.Conn, gateway Ingestor) *NATSSource {
	return &NATSSource{conn: conn, gateway: gateway}
}

func (s *NATSSource) Start() error {
	sub, err := s.conn.QueueSubscribe(rawSubjectWild, rawQueueGroup, s.handle)
	if err != nil {
		return err
	}
	s.sub = sub
	log.Printf("[NATSSource] Subscribed to %s (queue %s)", rawSubjectWild, rawQueueGroup)
	return nil
}

func (s *NATSSource) Stop() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			log.Printf("[NATSSource] Unsubscribe failed: %v", err)
		}
	}
}

func (s *NATSSource) handle(msg *nats.Msg) {
	atomic.AddInt64(&s.receivedTotal, 1)

	var raw event.RawDetectionEvent
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		atomic.AddInt64(&s.badTotal, 1)
		log.Printf("[ERROR] NATSSource: Bad payload on %s: %v", msg.Subject, err)
		return
	}
	if raw.CameraID == "" {
		// Fall back to the subject suffix so minimal publishers still work
		if len(msg.Subject) > len(RawSubjectPrefix) {
			raw.CameraID = msg.Subject[len(RawSubjectPrefix):]
		}
	}
	s.gateway.Ingest(raw)
}

// Stats returns receive counters for the health endpoint.
func (s *NATSSource) Stats() (received, bad int64) {
	return atomic.LoadInt64(&s.receivedTotal), atomic.LoadInt64(&s.badTotal)
}
