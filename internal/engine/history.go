package engine

// HistoryValueWidth is the number of scalar slots per history entry:
// damper positions (0..2), damper add-weights (3..5), air pressure (6) —
// the same layout as the live "F" broadcast payload (spec.md §4.10).
const HistoryValueWidth = 7

// HistoryEntry is one per-second slot of the measurement history ring
// (spec.md §3).
type HistoryEntry struct {
	Time    int64
	Values  [HistoryValueWidth]float64
	Present bool // true once any value has been written into this second
}

// HistoryRing is the one-second-resolution ring of recent measurements
// (spec.md §4.9), capacity 600, FIFO-evicted from the tail. Entries are
// stored oldest-first; the last element is the head (current second).
type HistoryRing struct {
	entries     []HistoryEntry
	capacity    int
	historyTime int64
	started     bool
}

// NewHistoryRing builds an empty ring of the given capacity.
func NewHistoryRing(capacity int) *HistoryRing {
	return &HistoryRing{capacity: capacity}
}

// HistoryTime returns the wall-clock second of the head entry.
func (r *HistoryRing) HistoryTime() int64 { return r.historyTime }

// Len reports the number of entries currently held (0 <= Len() <= capacity).
func (r *HistoryRing) Len() int { return len(r.entries) }

// AddToHistory advances the ring to the second ceil(nowMS/1000), creating
// empty entries for any skipped seconds and evicting from the tail once the
// ring exceeds capacity, then (if values is non-nil) writes it into the
// head entry starting at offset. Returns the resulting HistoryTime
// (spec.md §4.9).
func (r *HistoryRing) AddToHistory(nowMS int64, offset int, values []float64) int64 {
	t := ceilDivInt64(nowMS, 1000)

	if !r.started {
		r.entries = append(r.entries, HistoryEntry{Time: t})
		r.historyTime = t
		r.started = true
	} else {
		for r.historyTime < t {
			r.historyTime++
			r.entries = append(r.entries, HistoryEntry{Time: r.historyTime})
			if len(r.entries) > r.capacity {
				r.entries = r.entries[1:]
			}
		}
	}

	if values != nil {
		head := &r.entries[len(r.entries)-1]
		copy(head.Values[offset:offset+len(values)], values)
		head.Present = true
	}
	return r.historyTime
}

func ceilDivInt64(a, b int64) int64 {
	if a%b == 0 {
		return a / b
	}
	if a > 0 {
		return a/b + 1
	}
	return a / b
}

// ReplayRecord is one "B <seq> v0 v1 v2" line for a newly-connected
// observer (spec.md §4.9, §4.10).
type ReplayRecord struct {
	Seq    int64
	Values [3]float64
}

// Replay walks the ring newest-to-oldest and returns one ReplayRecord per
// non-empty entry, with Seq = (historyTime - distanceFromHead) mod
// capacity, matching spec.md §8 scenario 6 exactly.
func (r *HistoryRing) Replay() []ReplayRecord {
	var out []ReplayRecord
	n := len(r.entries)
	for k := 0; k < n; k++ {
		e := r.entries[n-1-k]
		if !e.Present {
			continue
		}
		seq := modInt64(r.historyTime-int64(k), int64(r.capacity))
		out = append(out, ReplayRecord{
			Seq:    seq,
			Values: [3]float64{e.Values[0], e.Values[1], e.Values[2]},
		})
	}
	return out
}

func modInt64(x, m int64) int64 {
	v := x % m
	if v < 0 {
		v += m
	}
	return v
}
