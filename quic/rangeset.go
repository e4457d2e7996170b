package quic

// A RangeSet is a set of int64-like values, stored as an ordered slice of
// disjoint, non-adjacent, non-empty half-open ranges. It backs
// CryptoStream's sparse ACK subranges, the receive-side arrival tracking,
// and the packet-number ranges handed to loss detection.
//
// The slice form is deliberate: a handshake carries a handful of gaps at
// most, so an ordered slice with merge-on-insert beats a balanced
// interval tree at this size.
type RangeSet[T ~int64] []i64range[T]

type i64range[T ~int64] struct {
	start, end T // [start, end)
}

// size returns the size of the range.
func (r i64range[T]) size() T {
	return r.end - r.start
}

// contains reports whether v is in the range.
func (r i64range[T]) contains(v T) bool {
	return r.start <= v && v < r.end
}

// add inserts [start, end), collapsing it together with every existing
// range it overlaps or touches into a single entry.
func (s *RangeSet[T]) add(start, end T) {
	if start >= end {
		return
	}
	// [i, j) is the window of existing ranges [start, end) overlaps or is
	// adjacent to; the whole window collapses into one range.
	i := 0
	for i < len(*s) && (*s)[i].end < start {
		i++
	}
	j := i
	for j < len(*s) && (*s)[j].start <= end {
		j++
	}
	if i == j {
		*s = append(*s, i64range[T]{})
		copy((*s)[i+1:], (*s)[i:])
		(*s)[i] = i64range[T]{start, end}
		return
	}
	if v := (*s)[i].start; v < start {
		start = v
	}
	if v := (*s)[j-1].end; v > end {
		end = v
	}
	(*s)[i] = i64range[T]{start, end}
	*s = append((*s)[:i+1], (*s)[j:]...)
}

// sub removes [start, end) from the set, splitting any range it lands
// strictly inside.
func (s *RangeSet[T]) sub(start, end T) {
	if start >= end || len(*s) == 0 {
		return
	}
	kept := make(RangeSet[T], 0, len(*s)+1)
	for _, r := range *s {
		if r.end <= start || r.start >= end {
			kept = append(kept, r)
			continue
		}
		if r.start < start {
			kept = append(kept, i64range[T]{r.start, start})
		}
		if r.end > end {
			kept = append(kept, i64range[T]{end, r.end})
		}
	}
	*s = kept
}

// contains reports whether s contains v.
func (s RangeSet[T]) contains(v T) bool {
	return s.rangeContaining(v).size() > 0
}

// rangeContaining returns the range containing v, or the zero range if v
// is not in s.
func (s RangeSet[T]) rangeContaining(v T) i64range[T] {
	for _, r := range s {
		if r.start > v {
			break
		}
		if v < r.end {
			return r
		}
	}
	return i64range[T]{}
}

// overlapsOrTouches reports whether [start,end) shares a boundary with or
// overlaps any range already in s, i.e. whether inserting it would merge
// into an existing range rather than grow the set's range count. Used to
// enforce sparseAckRangeCap.
func (s RangeSet[T]) overlapsOrTouches(start, end T) bool {
	for _, r := range s {
		if !(end < r.start || start > r.end) {
			return true
		}
	}
	return false
}

// firstAtOrAfter returns the first range S with S.start >= v, and
// whether one was found.
func (s RangeSet[T]) firstAtOrAfter(v T) (i64range[T], bool) {
	for _, r := range s {
		if r.start >= v {
			return r, true
		}
	}
	return i64range[T]{}, false
}

// trimBelow removes every range (or portion of a range) lying below v.
func (s *RangeSet[T]) trimBelow(v T) {
	s.sub(s.min(), v)
}

// min returns the minimum value in the set, or 0 if empty.
func (s RangeSet[T]) min() T {
	if len(s) == 0 {
		return 0
	}
	return s[0].start
}

// max returns the maximum value in the set, or 0 if empty.
func (s RangeSet[T]) max() T {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1].end - 1
}

// end returns the end of the last range in the set, or 0 if empty.
func (s RangeSet[T]) end() T {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1].end
}

// numRanges returns the number of ranges in the set.
func (s RangeSet[T]) numRanges() int {
	return len(s)
}

// isEmpty reports whether the set contains no ranges.
func (s RangeSet[T]) isEmpty() bool {
	return len(s) == 0
}
