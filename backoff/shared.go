package backoff

import "sync/atomic"

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SHARED COUNTERS - One Packed Word, Many Execution Contexts
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// The default ownership model needs no synchronization at all: each execution context holds its
// own site metadata, each Counter is advanced only by the context that owns it. Shared exists
// for the other design point, where one site record hangs off a code object visible to several
// contexts at once.
//
// The correctness rules for that design point are asymmetric:
//
//   LOSING AN UPDATE IS FINE.   A decrement that loses a race merely delays optimization by one
//                               event. Firing is level-triggered, so a fire observed but not
//                               committed is simply re-evaluated on the site's next event.
//
//   TEARING THE PAIR IS NOT.    remaining and exponent must change together. A torn pair could
//                               pair a huge countdown with a tiny exponent (site goes dark) or
//                               remaining 0 with a stale exponent (fire storm).
//
// Packing both fields into one word makes the second rule cheap to honor: every update is a
// single compare-and-swap of the whole pair, and every read is a single load. Advance makes
// exactly one CAS attempt and treats a lost race as Continue; it never spins, so the hot-path
// cost stays bounded under contention. A handy consequence: for any one exhausted countdown,
// the CAS lets exactly one context commit the Fire, so concurrent contexts cannot double-submit
// the same site to the optimizer.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Shared is a backoff counter safe to advance from multiple execution contexts. The packed word
// lives in a 32-bit atomic cell (smallest atomic the platform supports everywhere); the kind tag
// is immutable after construction and needs no protection.
type Shared struct {
	kind Kind
	bits atomic.Uint32
}

// NewShared arms a shared counter exactly as Policy.NewCounter arms a value counter.
func NewShared(p Policy, kind Kind) *Shared {
	s := &Shared{kind: kind}
	s.bits.Store(uint32(p.NewCounter(kind).Packed()))
	return s
}

// Advance consumes one event with a single compare-and-swap attempt. A lost race reports
// Continue: some other context advanced the counter for this event, and whatever verdict it
// earned belongs to that context.
func (s *Shared) Advance() Event {
	old := s.bits.Load()
	next, ev := fromBits(uint16(old), s.kind).Advance()
	if !s.bits.CompareAndSwap(old, uint32(next.Packed())) {
		return Continue
	}
	return ev
}

// Load returns a snapshot of the current state as a value Counter. The snapshot is internally
// consistent (one load, one word) but may be stale by the time the caller looks at it.
func (s *Shared) Load() Counter {
	return fromBits(uint16(s.bits.Load()), s.kind)
}

// Kind reports the site category this counter was armed for.
func (s *Shared) Kind() Kind {
	return s.kind
}

// ResetOnSuccess re-arms at the policy's steady-state exponent with an unconditional store.
// Resets are absolute, so last-writer-wins is the correct merge: either writer installs a
// validly packed steady-state word.
func (s *Shared) ResetOnSuccess(p Policy) {
	s.bits.Store(uint32(p.ResetOnSuccess(Counter{kind: s.kind}).Packed()))
}

// ResetOnFailure re-arms at the policy's cooldown exponent with an unconditional store.
func (s *Shared) ResetOnFailure(p Policy) {
	s.bits.Store(uint32(p.ResetOnFailure(Counter{kind: s.kind}).Packed()))
}

// Silence permanently replaces the counter with the unreachable sentinel. Used when the site
// can never be optimized again; concurrent advances after the store keep reporting Continue.
func (s *Shared) Silence() {
	s.bits.Store(uint32(UnreachableCounter(s.kind).Packed()))
}
