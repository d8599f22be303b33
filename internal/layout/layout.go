// Package layout turns weighted contributions into wheel partitions: a
// normalized 0..1 arc partition and a degree-based top-K-plus-others
// partition. All functions are pure and deterministic.
package layout

import (
	"math"
	"math/big"
	"sort"
	"strings"

	"github.com/yusef-r/daowyn-sub000/internal/canonical"
)

// OthersID labels the bucket holding contributors beyond the top-K cut.
const OthersID = "others"

// DefaultTopK is the number of individually drawn wheel segments before
// smaller contributors collapse into the others bucket.
const DefaultTopK = 12

// Entry is one contributor with its aggregate weight in wei.
type Entry struct {
	Address string
	Weight  *big.Int
}

// Segment is a normalized arc: 0 <= Start < End <= 1. The full segment
// set for a round covers [0,1] exactly.
type Segment struct {
	Address string  `json:"address"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// DegSegment is a degree-based arc used for wheel geometry.
type DegSegment struct {
	ID       string  `json:"id"`
	Address  string  `json:"address"`
	Percent  float64 `json:"percent"`
	StartDeg float64 `json:"startDeg"`
	EndDeg   float64 `json:"endDeg"`
}

// Layout is the full derived geometry for one round.
type Layout struct {
	Segments    []Segment    `json:"segments"`
	Wheel       []DegSegment `json:"wheel"`
	SegmentHash string       `json:"segmentHash"`
	LayoutHash  string       `json:"layoutHash"`
}

// Build computes both partitions from the given entries. Duplicate
// addresses must be pre-summed by the caller. topK <= 0 uses
// DefaultTopK. A zero total yields empty partitions.
func Build(entries []Entry, topK int) Layout {
	if topK <= 0 {
		topK = DefaultTopK
	}

	valid := normalizeEntries(entries)
	total := sumWeights(valid)

	lo := Layout{}
	if total.Sign() == 0 {
		lo.SegmentHash = hashSegments(nil)
		lo.LayoutHash = hashWheel(nil)
		return lo
	}

	lo.Segments = normalizedSegments(valid, total)
	lo.Wheel = degreeSegments(valid, total, topK)
	lo.SegmentHash = hashSegments(lo.Segments)
	lo.LayoutHash = hashWheel(lo.Wheel)
	return lo
}

// normalizeEntries lowercases addresses, drops non-positive weights and
// returns entries in placement order: ascending lowercased address.
func normalizeEntries(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Weight == nil || e.Weight.Sign() <= 0 {
			continue
		}
		out = append(out, Entry{
			Address: strings.ToLower(e.Address),
			Weight:  e.Weight,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Address < out[j].Address
	})
	return out
}

// selectTopK returns the K heaviest entries (weight descending, ties by
// ascending lowercased address) plus the summed weight of the rest.
func selectTopK(entries []Entry, topK int) (kept []Entry, others *big.Int) {
	ranked := make([]Entry, len(entries))
	copy(ranked, entries)
	sort.SliceStable(ranked, func(i, j int) bool {
		c := ranked[i].Weight.Cmp(ranked[j].Weight)
		if c != 0 {
			return c > 0
		}
		return ranked[i].Address < ranked[j].Address
	})

	if len(ranked) <= topK {
		return ranked, new(big.Int)
	}

	others = new(big.Int)
	for _, e := range ranked[topK:] {
		others.Add(others, e.Weight)
	}
	return ranked[:topK], others
}

func normalizedSegments(entries []Entry, total *big.Int) []Segment {
	segs := make([]Segment, 0, len(entries))
	cursor := 0.0
	for _, e := range entries {
		f := fraction(e.Weight, total)
		segs = append(segs, Segment{Address: e.Address, Start: cursor, End: cursor + f})
		cursor += f
	}
	// The final upper bound absorbs accumulated rounding error. Only
	// the last segment is ever adjusted.
	if len(segs) > 0 {
		segs[len(segs)-1].End = 1.0
	}
	return segs
}

func degreeSegments(entries []Entry, total *big.Int, topK int) []DegSegment {
	kept, othersWeight := selectTopK(entries, topK)

	// Placement order is ascending address with the others bucket last.
	placed := make([]Entry, len(kept))
	copy(placed, kept)
	sort.SliceStable(placed, func(i, j int) bool {
		return placed[i].Address < placed[j].Address
	})
	if othersWeight.Sign() > 0 {
		placed = append(placed, Entry{Address: OthersID, Weight: othersWeight})
	}

	segs := make([]DegSegment, 0, len(placed))
	cursor := 0.0
	for _, e := range placed {
		f := fraction(e.Weight, total)
		deg := round2(f * 360)
		seg := DegSegment{
			ID:       e.Address,
			Address:  e.Address,
			Percent:  round2(f * 100),
			StartDeg: round2(cursor),
			EndDeg:   round2(cursor + deg),
		}
		if e.Address == OthersID {
			seg.Address = ""
		}
		segs = append(segs, seg)
		cursor += deg
	}
	if len(segs) > 0 {
		segs[len(segs)-1].EndDeg = 360
	}
	return segs
}

// SegmentAt returns the wheel segment containing the given angle in
// [0,360). Returns false when the wheel is empty.
func SegmentAt(wheel []DegSegment, deg float64) (DegSegment, bool) {
	for i, s := range wheel {
		if deg >= s.StartDeg && (deg < s.EndDeg || i == len(wheel)-1) {
			return s, true
		}
	}
	return DegSegment{}, false
}

// SegmentFor returns the wheel segment owned by addr, falling back to
// the others bucket when addr was cut by top-K.
func SegmentFor(wheel []DegSegment, addr string) (DegSegment, bool) {
	addr = strings.ToLower(addr)
	var others *DegSegment
	for i := range wheel {
		if wheel[i].ID == addr {
			return wheel[i], true
		}
		if wheel[i].ID == OthersID {
			others = &wheel[i]
		}
	}
	if others != nil {
		return *others, true
	}
	return DegSegment{}, false
}

func sumWeights(entries []Entry) *big.Int {
	total := new(big.Int)
	for _, e := range entries {
		total.Add(total, e.Weight)
	}
	return total
}

func fraction(w, total *big.Int) float64 {
	f, _ := new(big.Rat).SetFrac(w, total).Float64()
	return f
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func hashSegments(segs []Segment) string {
	if segs == nil {
		segs = []Segment{}
	}
	h, err := canonical.DigestValue(segs)
	if err != nil {
		return ""
	}
	return h
}

func hashWheel(segs []DegSegment) string {
	if segs == nil {
		segs = []DegSegment{}
	}
	h, err := canonical.DigestValue(segs)
	if err != nil {
		return ""
	}
	return h
}
