package event

import (
	"image"
	"time"

	"github.com/google/uuid"
)

// DetectionType is the closed set of detection tags a camera source can
// report. Unknown vendor labels map to DetectionMotion.
type DetectionType string

const (
	DetectionPerson  DetectionType = "person"
	DetectionVehicle DetectionType = "vehicle"
	DetectionAnimal  DetectionType = "animal"
	DetectionPackage DetectionType = "package"
	DetectionMotion  DetectionType = "motion"
	DetectionRing    DetectionType = "ring"
)

// RawDetectionEvent is the source-specific payload handed over by an
// adapter. Produced once, consumed once by the gateway.
type RawDetectionEvent struct {
	SourceID    string                 `json:"source_id"`
	CameraID    string                 `json:"camera_id"`
	OccurredAt  time.Time              `json:"occurred_at"`
	Labels      []string               `json:"labels"`
	Confidence  *float64               `json:"confidence,omitempty"`
	Ring        bool                   `json:"ring,omitempty"`
	ClipRef     string                 `json:"clip_ref,omitempty"`
	SnapshotRef string                 `json:"snapshot_ref,omitempty"`
	Raw         map[string]interface{} `json:"raw,omitempty"` // Redacted by adapter
}

// CanonicalEvent is the normalized event record. Immutable after creation
// except for CorrelationGroupID, which the correlator attaches exactly once.
type CanonicalEvent struct {
	EventID     uuid.UUID       `json:"event_id"`
	SourceID    string          `json:"source_id"`
	CameraID    string          `json:"camera_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	ReceivedAt  time.Time       `json:"received_at"`
	Detections  []DetectionType `json:"detections"`
	Confidence  float64         `json:"confidence"` // 0 when the source reported none
	ClipRef     string          `json:"clip_ref,omitempty"`
	SnapshotRef string          `json:"snapshot_ref,omitempty"`
	DedupKey    string          `json:"dedup_key"`

	CorrelationGroupID uuid.UUID `json:"correlation_group_id,omitempty"`
}

// HasDetection reports whether the event carries the given tag.
func (e *CanonicalEvent) HasDetection(t DetectionType) bool {
	for _, d := range e.Detections {
		if d == t {
			return true
		}
	}
	return false
}

// CorrelationGroup is a closed set of events believed to represent one
// physical occurrence. Groups are never merged after closure.
type CorrelationGroup struct {
	GroupID        uuid.UUID   `json:"group_id"`
	AnchorAt       time.Time   `json:"anchor_at"`
	CreatedAt      time.Time   `json:"created_at"`
	ClosedAt       time.Time   `json:"closed_at"`
	CloseReason    string      `json:"close_reason"` // "deadline", "camera_cap"
	Events         []uuid.UUID `json:"events"`
	Cameras        []string    `json:"cameras"`
	Representative uuid.UUID   `json:"representative"`
	Linked         []uuid.UUID `json:"linked,omitempty"`
}

// ClipState tracks acquisition progress for a clip asset.
type ClipState string

const (
	ClipPending            ClipState = "pending"
	ClipRetrying           ClipState = "retrying"
	ClipAvailable          ClipState = "available"
	ClipFallbackToSnapshot ClipState = "fallback_to_snapshot"
	ClipFailed             ClipState = "failed"
)

// ClipAsset is the acquired clip backing an event. Owned by the frame
// acquisition service until handed to the result sink.
type ClipAsset struct {
	EventID    uuid.UUID     `json:"event_id"`
	Locator    string        `json:"locator"`
	State      ClipState     `json:"state"`
	RetryCount int           `json:"retry_count"`
	Duration   time.Duration `json:"duration"`
	SizeBytes  int64         `json:"size_bytes"`
	FrameCount int           `json:"frame_count"`
}

// Frame is a single decoded frame with its offset inside the parent clip.
type Frame struct {
	Offset  time.Duration
	Img     image.Image
	Quality float64 // local-variance score, filled by the quality gate
}

// FrameSelection records which degradation path produced a FrameSet.
type FrameSelection string

const (
	SelectionAdaptive FrameSelection = "adaptive"
	SelectionUniform  FrameSelection = "uniform"
	SelectionSnapshot FrameSelection = "snapshot"
)

// FrameSet is the ordered frame sequence selected for analysis. Lifecycle
// is bound to its parent ClipAsset.
type FrameSet struct {
	EventID    uuid.UUID
	Selection  FrameSelection
	Frames     []Frame
	LowQuality bool
}

// AnalysisMode is the requested or effective analysis strategy.
type AnalysisMode string

const (
	ModeSingleFrame AnalysisMode = "single_frame"
	ModeMultiFrame  AnalysisMode = "multi_frame"
	ModeVideoNative AnalysisMode = "video_native"
)

// Downgrade returns the next cheaper mode, or "" when already at the floor.
func (m AnalysisMode) Downgrade() AnalysisMode {
	switch m {
	case ModeVideoNative:
		return ModeMultiFrame
	case ModeMultiFrame:
		return ModeSingleFrame
	}
	return ""
}

// AnalysisPolicy is the per-camera configuration. Externally supplied,
// read-only to the pipeline.
type AnalysisPolicy struct {
	CameraID   string       `yaml:"camera_id" json:"camera_id"`
	Mode       AnalysisMode `yaml:"mode" json:"mode"`
	FrameCount int          `yaml:"frame_count" json:"frame_count"` // clamped to [3,20]
	Providers  []string     `yaml:"providers" json:"providers"`     // ordered preference
	Prompt     string       `yaml:"prompt,omitempty" json:"prompt,omitempty"`
}

// FallbackReason is one (stage, cause) entry in a result's fallback chain.
type FallbackReason struct {
	Stage string `json:"stage"`
	Cause string `json:"cause"`
}

// Result status values.
const (
	StatusOK          = "ok"
	StatusUnavailable = "unavailable"
)

// Result tags.
const (
	TagLowQuality     = "low_quality"
	TagLowConfidence  = "low_confidence"
	TagCostCapReached = "cost_cap_reached"
)

// AnalysisResult is the pipeline's final output. Immutable once emitted.
type AnalysisResult struct {
	EventID     uuid.UUID        `json:"event_id"`
	GroupID     uuid.UUID        `json:"group_id"`
	CameraID    string           `json:"camera_id"`
	Status      string           `json:"status"`
	Description string           `json:"description,omitempty"`
	Confidence  *float64         `json:"confidence,omitempty"` // nil when unparseable or unavailable
	Mode        AnalysisMode     `json:"mode,omitempty"`       // actual mode used
	Provider    string           `json:"provider,omitempty"`
	TokensUsed  int              `json:"tokens_used,omitempty"`
	Tags        []string         `json:"tags,omitempty"`
	Fallbacks   []FallbackReason `json:"fallbacks,omitempty"`
	FrameCount  int              `json:"frame_count"`
	ClipRef     string           `json:"clip_ref,omitempty"`
	SnapshotRef string           `json:"snapshot_ref,omitempty"`
	CompletedAt time.Time        `json:"completed_at"`
}

// HasTag reports whether the result carries the given tag.
func (r *AnalysisResult) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clip is a decoded frame sequence as returned by a source adapter. Video
// decoding itself is the adapter's problem; the pipeline only ever sees
// decoded frames.
type Clip struct {
	Locator   string
	Duration  time.Duration
	SizeBytes int64
	Frames    []Frame
}
