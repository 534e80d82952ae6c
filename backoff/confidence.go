package backoff

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONFIDENCE AND THE CHAINING GATE
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// When a side exit fires, the optimizer would like to grow a new trace there and stitch it onto
// the trace it exits from. Unchecked, that process builds unbounded trace graphs rooted in
// less and less likely code. Two independent brakes stop it:
//
//   STRUCTURAL: a hard cap on chain depth. Every chained trace pins executor memory and widens
//   the blast radius of an invalidation, so the graph must stay shallow no matter how promising
//   the profile looks.
//
//   STATISTICAL: a confidence floor. The projector estimates how likely a trace is to run to
//   completion by multiplying per-guard likelihoods; every chaining step compounds the parent's
//   estimate. Once the product falls below the floor, the trace is mostly speculation and a
//   chain built on it would be dead weight.
//
// Either brake alone blocks chaining. There is no partial credit and no override.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Confidence is a fixed-point likelihood estimate on a 0..1000 scale (1000 = certain). Integer
// arithmetic keeps the hot paths float-free and makes thresholds exact and portable.
type Confidence int

// ConfidenceFull is certainty on the fixed-point scale.
const ConfidenceFull Confidence = 1000

// Apply compounds this estimate with the likelihood of one more speculative step (a guard, a
// branch direction) and returns the combined estimate. Both operands are expected on the 0..1000
// scale; the result then stays on it. Repeated application is how a trace's confidence decays as
// it grows:
//
//	ConfidenceFull.Apply(900).Apply(900)  // two 90% guards → 810
func (c Confidence) Apply(step Confidence) Confidence {
	return c * step / ConfidenceFull
}

// Clamp pins an externally supplied estimate into the valid scale. Internal arithmetic never
// leaves the scale, so only boundary inputs (profilers, embedders) need this.
func (c Confidence) Clamp() Confidence {
	if c < 0 {
		return 0
	}
	if c > ConfidenceFull {
		return ConfidenceFull
	}
	return c
}

// ShouldChain decides whether a new trace may be stitched onto a parent trace at one of its side
// exits. depth is the parent's chain depth (the root trace is depth 0); confidence is the
// parent's compounded estimate.
//
// ALGORITHM:
//
//	blocked if depth >= MaxChainDepth    (structural cap, regardless of confidence)
//	blocked if confidence < ConfidenceFloor (statistical floor, regardless of depth)
//	allowed only when both tests pass
//
// Pure decision, no state touched; callers that are refused decide separately whether the site
// cools down or is silenced outright.
func (p Policy) ShouldChain(depth int, confidence Confidence) bool {
	return depth < p.MaxChainDepth && confidence >= p.ConfidenceFloor
}
