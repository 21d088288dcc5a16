package analyze

import (
	"context"
	"time"

	"github.com/technosupport/ts-sentinel/internal/event"
)

// Capability is a provider's static capability descriptor. Checked before
// a call is issued, never after failure.
type Capability struct {
	SupportsVideo  bool  `yaml:"supports_video"`
	MaxDurationSec int   `yaml:"max_duration_sec"`
	MaxSizeBytes   int64 `yaml:"max_size_bytes"`
	CostPerToken   int64 `yaml:"cost_per_token"` // ledger units per token
}

// DescribeRequest carries the frames and context for one provider call.
type DescribeRequest struct {
	Frames       []event.Frame
	Prompt       string
	Mode         event.AnalysisMode
	ClipDuration time.Duration
	ClipSize     int64
}

// DescribeResponse is a provider's answer. Confidence is nil when the
// provider did not return a parseable structured score.
type DescribeResponse struct {
	Text       string
	Confidence *float64
	TokensUsed int
}

// Provider is a single AI backend. The orchestrator depends only on this
// interface; each concrete client implements it.
type Provider interface {
	Name() string
	Capability() Capability
	Describe(ctx context.Context, req DescribeRequest) (DescribeResponse, error)
}

// Supports is the pure capability check for (provider, mode, asset). For
// video_native the asset must be a full clip within the provider's
// duration and size limits; frame modes only need the size bound.
func Supports(cap Capability, mode event.AnalysisMode, asset *event.ClipAsset) bool {
	switch mode {
	case event.ModeVideoNative:
		if !cap.SupportsVideo {
			return false
		}
		if asset == nil || asset.State != event.ClipAvailable {
			return false
		}
		if cap.MaxDurationSec > 0 && asset.Duration > time.Duration(cap.MaxDurationSec)*time.Second {
			return false
		}
		if cap.MaxSizeBytes > 0 && asset.SizeBytes > cap.MaxSizeBytes {
			return false
		}
		return true
	case event.ModeMultiFrame, event.ModeSingleFrame:
		return true
	}
	return false
}

// Token cost model: flat prompt+completion overhead plus a per-frame
// share. Deliberately an upper bound; the ledger reconciles to actual
// usage after a successful call.
const (
	tokenOverhead    = 350
	tokensPerFrame   = 180
	tokensPerClipSec = 60
)

// EstimateTokens returns the reserved token count for a call.
func EstimateTokens(mode event.AnalysisMode, frameCount int, clipDuration time.Duration) int {
	switch mode {
	case event.ModeVideoNative:
		sec := int(clipDuration / time.Second)
		if sec < 1 {
			sec = 1
		}
		return tokenOverhead + sec*tokensPerClipSec
	case event.ModeMultiFrame:
		if frameCount < 1 {
			frameCount = 1
		}
		return tokenOverhead + frameCount*tokensPerFrame
	}
	return tokenOverhead + tokensPerFrame
}
