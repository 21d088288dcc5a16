package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/technosupport/ts-sentinel/internal/event"
)

const (
	// ResultSubjectPrefix is where finished analyses land, one subject per
	// camera: analysis.results.<camera_id>.
	ResultSubjectPrefix = "analysis.results."
)

// publisher is the slice of *nats.Conn the sink needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes analysis results for downstream consumers such as
// notification services and timeline builders.
type NATSSink struct {
	conn       publisher
	maxRetries int
}

func NewNATSSink(conn *nats.Conn, maxRetries int) *NATSSink {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &NATSSink{conn: conn, maxRetries: maxRetries}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Emit(ctx context.Context, res *event.AnalysisResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	subject := ResultSubjectPrefix + res.CameraID

	for i := 0; i <= s.maxRetries; i++ {
		err = s.conn.Publish(subject, data)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i*100) * time.Millisecond):
		}
	}
	return fmt.Errorf("publish failed after %d retries: %w", s.maxRetries, err)
}
