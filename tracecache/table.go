package tracecache

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/maverick0025/tiervm/backoff"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SITE TABLE
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// A long-running interpreter observes an unbounded stream of candidate sites; the metadata that
// gates their optimization must not grow with it. The table is therefore a fixed-capacity cache,
// not a map: every site hashes to a home slot, lives somewhere in the small probe window around
// it, and can be evicted when the window fills up. Losing a site is safe by construction: the
// next observation re-creates it with a fresh counter, which only delays that site's
// optimization. This is the same bounded-loss trade the counters themselves make.
//
// VICTIM PRIORITY (when a window has no free slot):
//   1. free slot         no eviction at all
//   2. stalest non-Installed site   Warming/Cooling/Silenced records are cheap to rebuild
//   3. stalest site of any state    evicting Installed metadata is legal but last resort
//
// Staleness is a saturating per-site age, raised by periodic sweeps and cleared every time the
// site is observed. One sweep runs automatically every sweepInterval observations; embedders
// with their own notion of phase change can call Sweep directly.
//
// OWNERSHIP:
// A Table belongs to one execution context. Nothing here locks; the single-writer discipline is
// the concurrency model. Site pointers returned by Observe and Lookup stay valid only until the
// table's next Observe, Invalidate, InvalidateCode, or Reset.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

const (
	// DefaultCapacity suits a mid-sized program: at ~32 bytes per slot the table costs ~32KB,
	// and workloads that churn past it only lose the coldest site metadata.
	DefaultCapacity = 1024

	// slotsPerWord: occupancy is tracked one bit per slot in 64-bit words.
	slotsPerWord = 64

	// maxSiteAge is the saturation point for staleness. Three bits of age are plenty: once a
	// site has sat through seven sweeps untouched it cannot get any more evictable.
	maxSiteAge = 7

	// sweepInterval is the number of observations between automatic staleness sweeps.
	sweepInterval = 1024

	// victimSearchWidth is the probe window scanned around a key's home slot, bidirectional
	// like the hardware-style window it is borrowed from: [-4, +3].
	victimSearchWidth = 8

	// hashPrime is the golden-ratio multiplier used to scatter keys across slots.
	hashPrime = 0x9E3779B97F4A7C15
)

// ErrBadCapacity rejects table sizes the bitmap and mask arithmetic cannot serve.
var ErrBadCapacity = errors.New("capacity must be a positive power of two")

// Table is a bounded cache of Sites owned by one execution context.
type Table struct {
	policy backoff.Policy

	slots    []Site
	occupied []uint64 // one valid bit per slot
	mask     uint32   // capacity - 1

	observes uint64 // total Observe calls, drives automatic sweeps

	creates   uint64
	hits      uint64
	evictions uint64
	removed   uint64
	sweeps    uint64
}

// TableStats is a point-in-time snapshot for debugging and metrics export.
type TableStats struct {
	Capacity  int
	Occupied  int
	Creates   uint64 // sites created on first observation
	Hits      uint64 // observations that found their site
	Evictions uint64 // live sites displaced by allocation
	Removed   uint64 // sites destroyed by invalidation
	Sweeps    uint64
	ByState   [numStates]int
}

// NewTable builds an empty table with the given slot count, which must be a positive power of
// two so home indexing is a mask.
func NewTable(capacity int, policy backoff.Policy) (*Table, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("table capacity %d: %w", capacity, ErrBadCapacity)
	}
	return &Table{
		policy:   policy,
		slots:    make([]Site, capacity),
		occupied: make([]uint64, (capacity+slotsPerWord-1)/slotsPerWord),
		mask:     uint32(capacity - 1),
	}, nil
}

// ───────────────────────────────────────────────────────────────────────────────────────────────
// Slot addressing
// ───────────────────────────────────────────────────────────────────────────────────────────────

// homeIndex scatters a key over the slot space: golden-ratio multiply, fold the halves, mask.
//
//go:inline
func (t *Table) homeIndex(key SiteKey) uint32 {
	h := (uint64(key.Code)<<32 | uint64(key.Offset)) * hashPrime
	return uint32(h^(h>>32)) & t.mask
}

//go:inline
func (t *Table) isOccupied(idx uint32) bool {
	return (t.occupied[idx>>6]>>(idx&63))&1 == 1
}

//go:inline
func (t *Table) setOccupied(idx uint32) {
	t.occupied[idx>>6] |= 1 << (idx & 63)
}

//go:inline
func (t *Table) clearOccupied(idx uint32) {
	t.occupied[idx>>6] &^= 1 << (idx & 63)
}

// probe visits the window around home in allocation order and reports each slot index.
//
//go:inline
func (t *Table) probe(home uint32, offset int32) uint32 {
	return uint32(int32(home)+offset) & t.mask
}

// ───────────────────────────────────────────────────────────────────────────────────────────────
// Lookup and Observe
// ───────────────────────────────────────────────────────────────────────────────────────────────

// Lookup returns the site for key, or nil if the table does not currently hold it. It never
// creates, touches ages, or sweeps.
func (t *Table) Lookup(key SiteKey) *Site {
	home := t.homeIndex(key)
	for offset := int32(-victimSearchWidth / 2); offset < victimSearchWidth/2; offset++ {
		idx := t.probe(home, offset)
		if t.isOccupied(idx) && t.slots[idx].Key == key {
			return &t.slots[idx]
		}
	}
	return nil
}

// Observe is the interpreter-facing entry point: it returns key's site, creating and arming it
// on the first observation of that location. The returned pointer is valid until the table's
// next mutating call.
//
// ALGORITHM:
//
//	1. Every sweepInterval observations, age all sites.
//	2. Scan the probe window for the key: a hit is touched (age cleared) and returned.
//	3. Otherwise pick a victim slot by the priority above, evicting its incumbent if any,
//	   and install a fresh Warming site with a policy-armed counter for the given kind.
//
// A site re-observed under a different kind keeps its original kind: the first observation of
// a location fixes what the location is.
func (t *Table) Observe(key SiteKey, kind backoff.Kind) *Site {
	t.observes++
	if t.observes%sweepInterval == 0 {
		t.Sweep()
	}

	home := t.homeIndex(key)
	for offset := int32(-victimSearchWidth / 2); offset < victimSearchWidth/2; offset++ {
		idx := t.probe(home, offset)
		if t.isOccupied(idx) && t.slots[idx].Key == key {
			t.hits++
			t.slots[idx].age = 0
			return &t.slots[idx]
		}
	}

	idx := t.findVictim(home)
	if t.isOccupied(idx) {
		t.evictions++
	}

	t.slots[idx] = Site{
		Key:     key,
		Kind:    kind,
		Counter: t.policy.NewCounter(kind),
		State:   Warming,
	}
	t.setOccupied(idx)
	t.creates++
	return &t.slots[idx]
}

// findVictim picks the slot a new site will occupy: a free slot if the window has one, else the
// stalest non-Installed site, else the stalest site outright.
func (t *Table) findVictim(home uint32) uint32 {
	var (
		preferred    uint32
		preferredAge = -1 // stalest Warming/Cooling/Silenced seen
		fallback     = home
		fallbackAge  = -1 // stalest of any state
	)

	for offset := int32(-victimSearchWidth / 2); offset < victimSearchWidth/2; offset++ {
		idx := t.probe(home, offset)

		if !t.isOccupied(idx) {
			return idx
		}

		s := &t.slots[idx]
		age := int(s.age)

		if s.State != Installed && age > preferredAge {
			preferredAge, preferred = age, idx
		}
		if age > fallbackAge {
			fallbackAge, fallback = age, idx
		}
	}

	if preferredAge >= 0 {
		return preferred
	}
	return fallback
}

// ───────────────────────────────────────────────────────────────────────────────────────────────
// Invalidation and maintenance
// ───────────────────────────────────────────────────────────────────────────────────────────────

// Invalidate destroys a single site, reporting whether it existed. Used when one trace is
// invalidated and its site metadata must not outlive it.
func (t *Table) Invalidate(key SiteKey) bool {
	home := t.homeIndex(key)
	for offset := int32(-victimSearchWidth / 2); offset < victimSearchWidth/2; offset++ {
		idx := t.probe(home, offset)
		if t.isOccupied(idx) && t.slots[idx].Key == key {
			t.slots[idx] = Site{}
			t.clearOccupied(idx)
			t.removed++
			return true
		}
	}
	return false
}

// InvalidateCode destroys every site belonging to a code object, returning how many were
// removed. Called when the runtime frees the object; the bitmap scan touches only occupied
// slots.
func (t *Table) InvalidateCode(code uint32) int {
	removed := 0
	for w, word := range t.occupied {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			word &^= 1 << bit

			idx := uint32(w*slotsPerWord + bit)
			if t.slots[idx].Key.Code == code {
				t.slots[idx] = Site{}
				t.clearOccupied(idx)
				removed++
			}
		}
	}
	t.removed += uint64(removed)
	return removed
}

// Sweep raises every occupied site's age by one, saturating at maxSiteAge. Runs automatically
// every sweepInterval observations; callers with a better phase signal (a GC cycle, a code
// reload) may also invoke it directly.
func (t *Table) Sweep() {
	for w, word := range t.occupied {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			word &^= 1 << bit

			s := &t.slots[uint32(w*slotsPerWord+bit)]
			if s.age < maxSiteAge {
				s.age++
			}
		}
	}
	t.sweeps++
}

// Reset empties the table and zeroes its statistics, as after a full code reload.
func (t *Table) Reset() {
	clear(t.slots)
	clear(t.occupied)
	t.observes = 0
	t.creates = 0
	t.hits = 0
	t.evictions = 0
	t.removed = 0
	t.sweeps = 0
}

// ───────────────────────────────────────────────────────────────────────────────────────────────
// Introspection
// ───────────────────────────────────────────────────────────────────────────────────────────────

// Len is the number of live sites.
func (t *Table) Len() int {
	n := 0
	for _, word := range t.occupied {
		n += bits.OnesCount64(word)
	}
	return n
}

// Capacity is the fixed slot count.
func (t *Table) Capacity() int {
	return len(t.slots)
}

// Evictions is the lifetime eviction count. Cheaper than Stats when that is
// the only figure needed.
func (t *Table) Evictions() uint64 {
	return t.evictions
}

// Stats snapshots occupancy and lifetime counters, including a per-state census of the live
// sites.
func (t *Table) Stats() TableStats {
	st := TableStats{
		Capacity:  len(t.slots),
		Creates:   t.creates,
		Hits:      t.hits,
		Evictions: t.evictions,
		Removed:   t.removed,
		Sweeps:    t.sweeps,
	}
	for w, word := range t.occupied {
		st.Occupied += bits.OnesCount64(word)
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			word &^= 1 << bit
			st.ByState[t.slots[uint32(w*slotsPerWord+bit)].State]++
		}
	}
	return st
}
