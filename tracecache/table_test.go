package tracecache

import (
	"errors"
	"testing"

	"github.com/maverick0025/tiervm/backoff"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// Site Table - Test Suite
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// TEST ORGANIZATION:
// ──────────────────
// 1. CONSTRUCTION     Capacity validation
// 2. OBSERVE/LOOKUP   Create-on-first-observe, hits, kind fixing
// 3. VICTIM SELECTION Free first, Installed protected, staleness ordering
// 4. INVALIDATION     Per-site and per-code destruction
// 5. SWEEPS           Aging, saturation, the automatic sweep cadence
// 6. ACCOUNTING       Stats census and the churn identity Creates = Len + Evictions + Removed
//
// Small tables (capacity 8) make the probe window cover every slot, so collision behavior can
// be forced without inverting the hash.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func tablePolicy() backoff.Policy {
	return backoff.Policy{
		LoopThreshold:   16,
		LoopBackoff:     4,
		ExitThreshold:   4,
		ExitBackoff:     2,
		SuccessBackoff:  4,
		CooldownBackoff: 6,
		MaxChainDepth:   3,
		ConfidenceFloor: 333,
	}
}

func mustTable(t *testing.T, capacity int) *Table {
	t.Helper()
	tab, err := NewTable(capacity, tablePolicy())
	if err != nil {
		t.Fatalf("NewTable(%d): %v", capacity, err)
	}
	return tab
}

func key(code, offset uint32) SiteKey {
	return SiteKey{Code: code, Offset: offset}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// 1. CONSTRUCTION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestNewTable_RejectsNonPowerOfTwo(t *testing.T) {
	// WHAT: Capacity must be a positive power of two
	// WHY: Home indexing is a mask; a non-power capacity would silently alias slots

	for _, capacity := range []int{0, -4, 3, 100, 1000} {
		_, err := NewTable(capacity, tablePolicy())
		if !errors.Is(err, ErrBadCapacity) {
			t.Errorf("NewTable(%d) error = %v, expected ErrBadCapacity", capacity, err)
		}
	}

	for _, capacity := range []int{1, 8, 64, 1024} {
		if _, err := NewTable(capacity, tablePolicy()); err != nil {
			t.Errorf("NewTable(%d) rejected a legal capacity: %v", capacity, err)
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// 2. OBSERVE / LOOKUP
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestObserve_CreatesArmedSiteOnFirstObservation(t *testing.T) {
	// WHAT: The first observation of a location creates its record with a policy-armed counter
	// WHY: Counter lifecycle is create-on-first-observe; the table is where that happens

	tab := mustTable(t, 64)

	s := tab.Observe(key(7, 42), backoff.LoopBackward)

	if s == nil {
		t.Fatal("Observe returned nil")
	}
	if s.State != Warming {
		t.Errorf("fresh site state = %v, expected warming", s.State)
	}
	if got := s.Counter.Remaining(); got != 16 {
		t.Errorf("fresh site counter remaining = %d, expected policy's 16", got)
	}
	if tab.Len() != 1 {
		t.Errorf("Len = %d, expected 1", tab.Len())
	}
	if st := tab.Stats(); st.Creates != 1 || st.Hits != 0 {
		t.Errorf("stats after create = %+v", st)
	}
}

func TestObserve_SecondObservationFindsSameRecord(t *testing.T) {
	// WHAT: Re-observing a key returns the live record, advanced state intact
	// WHY: A counter that resets on every observation would never fire at all

	tab := mustTable(t, 64)
	k := key(7, 42)

	s := tab.Observe(k, backoff.SideExit)
	s.Advance()
	s.Advance()
	want := s.Counter.Remaining()

	again := tab.Observe(k, backoff.SideExit)
	if again.Counter.Remaining() != want {
		t.Errorf("re-observed counter remaining = %d, expected %d intact",
			again.Counter.Remaining(), want)
	}
	if tab.Len() != 1 {
		t.Errorf("Len = %d after re-observe, expected 1", tab.Len())
	}
	if st := tab.Stats(); st.Hits != 1 {
		t.Errorf("hits = %d, expected 1", st.Hits)
	}
}

func TestObserve_KindFixedByFirstObservation(t *testing.T) {
	// WHAT: A location's kind is whatever the first observation said
	// WHY: One offset is either a back-edge or an exit; a disagreeing caller is confused and
	//      must not silently re-arm the site

	tab := mustTable(t, 64)
	k := key(1, 2)

	tab.Observe(k, backoff.LoopBackward)
	s := tab.Observe(k, backoff.SideExit)

	if s.Kind != backoff.LoopBackward {
		t.Errorf("kind drifted to %v", s.Kind)
	}
}

func TestLookup_NeverCreatesOrTouches(t *testing.T) {
	// WHAT: Lookup misses return nil; lookup hits do not clear staleness
	// WHY: Lookup is for inspection (metrics, debuggers); only real observations count as
	//      activity

	tab := mustTable(t, 64)

	if got := tab.Lookup(key(9, 9)); got != nil {
		t.Fatalf("lookup of absent key returned %+v", got)
	}
	if tab.Len() != 0 {
		t.Error("lookup created a site")
	}

	tab.Observe(key(9, 9), backoff.LoopBackward)
	tab.Sweep()

	s := tab.Lookup(key(9, 9))
	if s == nil {
		t.Fatal("lookup missed a live site")
	}
	if s.Age() != 1 {
		t.Errorf("lookup cleared age: %d, expected 1", s.Age())
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// 3. VICTIM SELECTION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// fillSmall fills a capacity-8 table completely; at that size the probe window covers every
// slot, so all eight keys coexist and the ninth must evict.
func fillSmall(t *testing.T, tab *Table, kind backoff.Kind) []SiteKey {
	t.Helper()

	keys := make([]SiteKey, 8)
	for i := range keys {
		keys[i] = key(100, uint32(i))
		tab.Observe(keys[i], kind)
	}
	if tab.Len() != 8 {
		t.Fatalf("setup: Len = %d, expected full 8", tab.Len())
	}
	return keys
}

func TestVictim_OnlyNonInstalledSiteIsEvicted(t *testing.T) {
	// WHAT: With seven Installed sites and one Warming, allocation evicts the Warming one
	// WHY: Installed metadata records a live trace; rebuilding it costs a full optimization,
	//      while a Warming record is one counter

	tab := mustTable(t, 8)
	keys := fillSmall(t, tab, backoff.LoopBackward)

	warming := keys[3]
	for _, k := range keys {
		s := tab.Lookup(k)
		if k != warming {
			s.State = Installed
		}
	}

	tab.Observe(key(200, 0), backoff.LoopBackward)

	if tab.Lookup(warming) != nil {
		t.Error("the only Warming site survived; an Installed site must have been evicted")
	}
	for _, k := range keys {
		if k != warming && tab.Lookup(k) == nil {
			t.Errorf("Installed site %+v was evicted with a Warming victim available", k)
		}
	}
	if st := tab.Stats(); st.Evictions != 1 {
		t.Errorf("evictions = %d, expected 1", st.Evictions)
	}
}

func TestVictim_StalestSiteLosesAmongEquals(t *testing.T) {
	// WHAT: All-Warming full table: the one site aged by sweeps is the victim
	// WHY: Recency is the tiebreak within a state class; active sites must outlive idle ones

	tab := mustTable(t, 8)
	keys := fillSmall(t, tab, backoff.SideExit)

	tab.Sweep()
	tab.Sweep() // every site now at age 2

	stale := keys[5]
	for _, k := range keys {
		if k != stale {
			tab.Observe(k, backoff.SideExit) // touch: age back to 0
		}
	}

	tab.Observe(key(300, 0), backoff.SideExit)

	if tab.Lookup(stale) != nil {
		t.Error("stalest site survived allocation")
	}
	for _, k := range keys {
		if k != stale && tab.Lookup(k) == nil {
			t.Errorf("recently touched site %+v evicted instead of the stale one", k)
		}
	}
}

func TestVictim_AllInstalledStillAllocates(t *testing.T) {
	// WHAT: Even a table of nothing but Installed sites accepts a new site
	// WHY: Protection is a preference, not a deadlock; the table must always make room

	tab := mustTable(t, 8)
	keys := fillSmall(t, tab, backoff.LoopBackward)
	for _, k := range keys {
		tab.Lookup(k).State = Installed
	}

	newcomer := key(400, 0)
	tab.Observe(newcomer, backoff.LoopBackward)

	if tab.Lookup(newcomer) == nil {
		t.Fatal("allocation failed with a full Installed table")
	}
	if tab.Len() != 8 {
		t.Errorf("Len = %d, expected table to stay full at 8", tab.Len())
	}

	survivors := 0
	for _, k := range keys {
		if tab.Lookup(k) != nil {
			survivors++
		}
	}
	if survivors != 7 {
		t.Errorf("%d of 8 Installed sites survived, expected exactly 7", survivors)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// 4. INVALIDATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestInvalidateCode_DestroysAllSitesOfObject(t *testing.T) {
	// WHAT: Freeing a code object destroys exactly its sites and no others
	// WHY: Counter lifetime is bounded by the owning code object; leaking records for dead
	//      code would slowly poison victim selection

	tab := mustTable(t, 1024)

	for off := uint32(0); off < 10; off++ {
		tab.Observe(key(1, off), backoff.LoopBackward)
		tab.Observe(key(2, off), backoff.SideExit)
	}

	removed := tab.InvalidateCode(1)

	if removed != 10 {
		t.Errorf("removed %d sites, expected 10", removed)
	}
	if tab.Len() != 10 {
		t.Errorf("Len = %d after invalidation, expected 10 survivors", tab.Len())
	}
	for off := uint32(0); off < 10; off++ {
		if tab.Lookup(key(1, off)) != nil {
			t.Errorf("site (1, %d) survived its code object", off)
		}
		if tab.Lookup(key(2, off)) == nil {
			t.Errorf("site (2, %d) of a live code object was destroyed", off)
		}
	}
	if st := tab.Stats(); st.Removed != 10 {
		t.Errorf("stats.Removed = %d, expected 10", st.Removed)
	}
}

func TestInvalidate_SingleSite(t *testing.T) {
	// WHAT: Point invalidation removes one site and reports whether it existed
	// WHY: One trace being invalidated must not disturb neighboring sites

	tab := mustTable(t, 64)
	k := key(3, 14)
	tab.Observe(k, backoff.SideExit)

	if !tab.Invalidate(k) {
		t.Error("invalidate of live site reported false")
	}
	if tab.Invalidate(k) {
		t.Error("second invalidate reported true")
	}
	if tab.Lookup(k) != nil {
		t.Error("site still visible after invalidation")
	}
}

func TestInvalidate_RecreatedSiteStartsFresh(t *testing.T) {
	// WHAT: Observing an invalidated key creates a brand-new record
	// WHY: This is the documented escape hatch from Silenced: destruction then re-creation,
	//      never an in-place revival

	tab := mustTable(t, 64)
	k := key(5, 5)

	s := tab.Observe(k, backoff.SideExit)
	s.Silence()
	tab.Invalidate(k)

	again := tab.Observe(k, backoff.SideExit)
	if again.State != Warming {
		t.Errorf("recreated site state = %v, expected warming", again.State)
	}
	if again.Counter.IsUnreachable() {
		t.Error("recreated site inherited the unreachable sentinel")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// 5. SWEEPS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestSweep_AgeSaturates(t *testing.T) {
	// WHAT: Age stops at its cap no matter how many sweeps pass
	// WHY: Saturating age keeps victim ordering stable for very old sites instead of wrapping
	//      them back to "fresh"

	tab := mustTable(t, 64)
	tab.Observe(key(1, 1), backoff.LoopBackward)

	for i := 0; i < 20; i++ {
		tab.Sweep()
	}

	if got := tab.Lookup(key(1, 1)).Age(); got != maxSiteAge {
		t.Errorf("age after 20 sweeps = %d, expected saturated %d", got, maxSiteAge)
	}
}

func TestSweep_ObservationClearsAge(t *testing.T) {
	// WHAT: An observation resets the site's age to zero
	// WHY: Staleness means "sweeps since last activity"; activity must reset it

	tab := mustTable(t, 64)
	k := key(1, 1)
	tab.Observe(k, backoff.LoopBackward)

	tab.Sweep()
	tab.Sweep()
	tab.Observe(k, backoff.LoopBackward)

	if got := tab.Lookup(k).Age(); got != 0 {
		t.Errorf("age after touch = %d, expected 0", got)
	}
}

func TestSweep_AutomaticCadence(t *testing.T) {
	// WHAT: A sweep runs by itself every sweepInterval observations
	// WHY: Embedders that never call Sweep still need staleness to accrue, or victim
	//      selection degenerates to scan order

	tab := mustTable(t, 64)
	idle := key(1, 1)
	tab.Observe(idle, backoff.LoopBackward)

	busy := key(2, 2)
	for i := 1; i < sweepInterval; i++ { // observations 2..sweepInterval of this table
		tab.Observe(busy, backoff.SideExit)
	}

	if st := tab.Stats(); st.Sweeps != 1 {
		t.Fatalf("sweeps after %d observations = %d, expected exactly 1", sweepInterval, st.Sweeps)
	}
	if got := tab.Lookup(idle).Age(); got != 1 {
		t.Errorf("idle site age = %d, expected 1 from the automatic sweep", got)
	}
	if got := tab.Lookup(busy).Age(); got != 0 {
		t.Errorf("busy site age = %d, expected 0 (touched after the sweep)", got)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// 6. ACCOUNTING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestStats_StateCensus(t *testing.T) {
	// WHAT: Stats counts live sites by state
	// WHY: The census feeds the occupancy metrics; miscounting hides trace-cache pressure

	tab := mustTable(t, 64)

	tab.Observe(key(1, 0), backoff.LoopBackward)
	tab.Observe(key(1, 1), backoff.LoopBackward).State = Installed
	tab.Observe(key(1, 2), backoff.SideExit).State = Cooling
	tab.Observe(key(1, 3), backoff.SideExit).Silence()

	st := tab.Stats()
	if st.Occupied != 4 {
		t.Errorf("occupied = %d, expected 4", st.Occupied)
	}
	want := [numStates]int{Warming: 1, Installed: 1, Cooling: 1, Silenced: 1}
	if st.ByState != want {
		t.Errorf("census = %v, expected %v", st.ByState, want)
	}
}

func TestChurn_BoundedMemoryIdentity(t *testing.T) {
	// WHAT: 10,000 distinct sites through a 64-slot table: occupancy never passes capacity
	//       and Creates = Len + Evictions + Removed holds exactly
	// WHY: The table's whole purpose is bounding metadata for unbounded programs; the
	//      identity catches slot leaks (both directions) that occupancy alone would miss

	tab := mustTable(t, 64)

	const churn = 10_000
	for i := 0; i < churn; i++ {
		tab.Observe(key(uint32(i%977), uint32(i)), backoff.LoopBackward)

		if i%512 == 0 && tab.Len() > tab.Capacity() {
			t.Fatalf("observation %d: Len %d exceeds capacity %d", i, tab.Len(), tab.Capacity())
		}
	}

	st := tab.Stats()
	if st.Creates != churn {
		t.Errorf("creates = %d, expected %d distinct keys to all miss", st.Creates, churn)
	}
	if got := int(st.Creates) - int(st.Evictions) - int(st.Removed); got != st.Occupied {
		t.Errorf("identity broken: creates-evictions-removed = %d, occupied = %d", got, st.Occupied)
	}
	if st.Occupied > tab.Capacity() {
		t.Errorf("occupied %d exceeds capacity %d", st.Occupied, tab.Capacity())
	}
}

func TestReset_EmptiesEverything(t *testing.T) {
	// WHAT: Reset leaves an empty table with zeroed statistics
	// WHY: Full reloads reuse the allocation; stale stats would misreport the new epoch

	tab := mustTable(t, 64)
	for i := uint32(0); i < 10; i++ {
		tab.Observe(key(1, i), backoff.LoopBackward)
	}
	tab.Sweep()
	tab.Reset()

	if tab.Len() != 0 {
		t.Errorf("Len after reset = %d", tab.Len())
	}
	if tab.Lookup(key(1, 3)) != nil {
		t.Error("site visible after reset")
	}
	if st := tab.Stats(); st.Creates != 0 || st.Sweeps != 0 || st.Occupied != 0 {
		t.Errorf("stats not zeroed: %+v", st)
	}
}
