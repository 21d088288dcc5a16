package analyze

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/technosupport/ts-sentinel/internal/cost"
	"github.com/technosupport/ts-sentinel/internal/event"
	"github.com/technosupport/ts-sentinel/internal/metrics"
)

const defaultPrompt = `Describe what is happening in these home security camera frames. ` +
	`Answer as JSON: {"description": "<one or two sentences>", "confidence": <0.0-1.0>}`

type Config struct {
	CallTimeout time.Duration // per provider call, default 30s
	Prompt      string
}

// Orchestrator drives the mode/provider fallback chain under the shared
// cost budget and always terminates in a complete AnalysisResult.
type Orchestrator struct {
	cfg       Config
	providers map[string]Provider
	order     []string // registration order, used when a policy lists none
	ledger    cost.Ledger
}

func NewOrchestrator(cfg Config, ledger cost.Ledger, providers ...Provider) *Orchestrator {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.Prompt == "" {
		cfg.Prompt = defaultPrompt
	}
	o := &Orchestrator{
		cfg:       cfg,
		providers: make(map[string]Provider, len(providers)),
		ledger:    ledger,
	}
	for _, p := range providers {
		o.providers[p.Name()] = p
		o.order = append(o.order, p.Name())
	}
	return o
}

// Analyze runs the state machine:
// Pending -> ModeSelected -> ProviderAttempt(i) ->
// {Success | ProviderAttempt(i+1) | ModeDowngrade} -> Terminal.
// It never returns an error; failures end in a terminal Unavailable result
// with a populated fallback chain.
func (o *Orchestrator) Analyze(ctx context.Context, fs *event.FrameSet, asset *event.ClipAsset, policy event.AnalysisPolicy) *event.AnalysisResult {
	res := &event.AnalysisResult{
		EventID:     fs.EventID,
		Status:      event.StatusUnavailable,
		FrameCount:  len(fs.Frames),
		CompletedAt: time.Now().UTC(),
	}
	if fs.LowQuality {
		res.Tags = append(res.Tags, event.TagLowQuality)
	}

	// Period cap already met: skip AI entirely, no attempt slot consumed
	if snap, err := o.ledger.Snapshot(ctx); err == nil && snap.CapReached() {
		res.Tags = append(res.Tags, event.TagCostCapReached)
		res.Fallbacks = append(res.Fallbacks, event.FallbackReason{Stage: "analysis", Cause: "cost_cap_reached"})
		metrics.AnalysesTotal.WithLabelValues(res.Status, "none").Inc()
		return res
	}

	order := policy.Providers
	if len(order) == 0 {
		order = o.order
	}
	prompt := policy.Prompt
	if prompt == "" {
		prompt = o.cfg.Prompt
	}

	mode := o.selectMode(policy, fs, asset, order, res)

	for mode != "" {
		for _, name := range order {
			p, ok := o.providers[name]
			if !ok {
				res.Fallbacks = append(res.Fallbacks, event.FallbackReason{Stage: "provider_attempt", Cause: name + "_unknown"})
				continue
			}
			if !Supports(p.Capability(), mode, asset) {
				continue // pre-call capability skip, not a failure
			}
			if o.attempt(ctx, p, mode, fs, asset, prompt, res) {
				res.Status = event.StatusOK
				res.CompletedAt = time.Now().UTC()
				metrics.AnalysesTotal.WithLabelValues(res.Status, string(mode)).Inc()
				return res
			}
		}

		next := mode.Downgrade()
		if next != "" {
			res.Fallbacks = append(res.Fallbacks, event.FallbackReason{
				Stage: "mode_downgrade",
				Cause: fmt.Sprintf("%s_providers_exhausted", mode),
			})
		}
		mode = next
	}

	res.Fallbacks = append(res.Fallbacks, event.FallbackReason{Stage: "analysis", Cause: "providers_exhausted"})
	metrics.AnalysesTotal.WithLabelValues(res.Status, "none").Inc()
	return res
}

// selectMode applies the downgrade preconditions before any attempt:
// video_native needs a full clip and at least one capable provider, and a
// snapshot-only FrameSet forces single_frame.
func (o *Orchestrator) selectMode(policy event.AnalysisPolicy, fs *event.FrameSet, asset *event.ClipAsset, order []string, res *event.AnalysisResult) event.AnalysisMode {
	mode := policy.Mode
	if mode == "" {
		mode = event.ModeMultiFrame
	}

	if mode == event.ModeVideoNative {
		capable := false
		for _, name := range order {
			if p, ok := o.providers[name]; ok && Supports(p.Capability(), event.ModeVideoNative, asset) {
				capable = true
				break
			}
		}
		if !capable {
			res.Fallbacks = append(res.Fallbacks, event.FallbackReason{Stage: "mode_selection", Cause: "video_native_unavailable"})
			mode = event.ModeMultiFrame
		}
	}

	if fs.Selection == event.SelectionSnapshot || len(fs.Frames) <= 1 {
		if mode != event.ModeSingleFrame {
			res.Fallbacks = append(res.Fallbacks, event.FallbackReason{Stage: "mode_selection", Cause: "single_frame_source"})
		}
		mode = event.ModeSingleFrame
	}
	return mode
}

// attempt runs one provider call under the ledger. Returns true on
// success, having filled res; on failure the reservation is refunded and
// the cause appended to the fallback chain.
func (o *Orchestrator) attempt(ctx context.Context, p Provider, mode event.AnalysisMode, fs *event.FrameSet, asset *event.ClipAsset, prompt string, res *event.AnalysisResult) bool {
	var clipDur time.Duration
	var clipSize int64
	if asset != nil {
		clipDur = asset.Duration
		clipSize = asset.SizeBytes
	}

	tokens := EstimateTokens(mode, len(fs.Frames), clipDur)
	units := int64(tokens) * p.Capability().CostPerToken

	dec, err := o.ledger.Reserve(ctx, units)
	if err != nil {
		log.Printf("[Analyze] Ledger unavailable for provider %s: %v", p.Name(), err)
		res.Fallbacks = append(res.Fallbacks, event.FallbackReason{Stage: "provider_attempt", Cause: p.Name() + "_ledger_unavailable"})
		return false
	}
	if !dec.Allowed {
		metrics.ProviderCallsTotal.WithLabelValues(p.Name(), "budget").Inc()
		metrics.CostRejectionsTotal.WithLabelValues(dec.Period).Inc()
		res.Fallbacks = append(res.Fallbacks, event.FallbackReason{Stage: "provider_attempt", Cause: p.Name() + "_cost_budget_exceeded"})
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.Describe(callCtx, DescribeRequest{
		Frames:       fs.Frames,
		Prompt:       prompt,
		Mode:         mode,
		ClipDuration: clipDur,
		ClipSize:     clipSize,
	})
	metrics.ProviderLatency.WithLabelValues(p.Name()).Observe(float64(time.Since(start).Milliseconds()))

	if err != nil {
		// No partial deduction without a completed call
		if rerr := o.ledger.Refund(ctx, units); rerr != nil {
			log.Printf("[ERROR] Analyze: refund of %d units failed after %s error: %v", units, p.Name(), rerr)
		}
		cause := p.Name() + "_error"
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			cause = p.Name() + "_timeout"
			outcome = "timeout"
		}
		metrics.ProviderCallsTotal.WithLabelValues(p.Name(), outcome).Inc()
		res.Fallbacks = append(res.Fallbacks, event.FallbackReason{Stage: "provider_attempt", Cause: cause})
		log.Printf("[Analyze] Provider %s failed in mode %s: %v", p.Name(), mode, err)
		return false
	}

	// Reconcile reservation to actual spend
	actual := int64(resp.TokensUsed) * p.Capability().CostPerToken
	if actual > 0 && actual < units {
		if rerr := o.ledger.Refund(ctx, units-actual); rerr == nil {
			units = actual
		}
	}
	metrics.CostUnitsSpentTotal.Add(float64(units))
	metrics.ProviderCallsTotal.WithLabelValues(p.Name(), "ok").Inc()

	res.Description = resp.Text
	res.Confidence = resp.Confidence
	if resp.Confidence == nil {
		// Provider may have skipped the parse; try once more here
		desc, conf := ParseReply(resp.Text)
		res.Description = desc
		res.Confidence = conf
	}
	res.Mode = mode
	res.Provider = p.Name()
	res.TokensUsed = resp.TokensUsed

	if HasHedging(res.Description) && !res.HasTag(event.TagLowConfidence) {
		res.Tags = append(res.Tags, event.TagLowConfidence)
	}
	return true
}
