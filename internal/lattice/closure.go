package lattice

import "github.com/RoaringBitmap/roaring"

// MaxConcepts caps concept enumeration. A corpus whose lattice
// exceeds it still yields the lectically first MaxConcepts concepts.
const MaxConcepts = 10000

// Concept is a maximal rectangle in the incidence table: a pair
// (Extent, Intent) with Extent' = Intent and Intent' = Extent.
type Concept struct {
	Extent *roaring.Bitmap // object indices
	Intent *roaring.Bitmap // attribute indices
}

// NextClosure enumerates all formal concepts with Ganter's algorithm,
// in lectic order of their intents.
func NextClosure(ctx *FormalContext) []Concept {
	n := len(ctx.Attributes)
	if n == 0 {
		return nil
	}

	intent := ctx.Closure(roaring.New())
	concepts := []Concept{{Extent: ctx.AttrDeriv(intent), Intent: intent}}
	for len(concepts) < MaxConcepts {
		next := nextClosedSet(ctx, intent, n)
		if next == nil {
			break
		}
		concepts = append(concepts, Concept{Extent: ctx.AttrDeriv(next), Intent: next})
		intent = next
	}
	return concepts
}

// nextClosedSet finds the closed set following current in lectic
// order, or nil when current is the full attribute set.
func nextClosedSet(ctx *FormalContext, current *roaring.Bitmap, n int) *roaring.Bitmap {
	for i := n - 1; i >= 0; i-- {
		ui := uint32(i)
		if current.Contains(ui) {
			continue
		}

		// Candidate: current's attributes below i, plus i itself.
		b := current.Clone()
		b.RemoveRange(uint64(i), uint64(n))
		b.Add(ui)

		c := ctx.Closure(b)

		// Lectic canonicity: the closure may only add attributes above i.
		added := roaring.AndNot(c, b)
		if added.IsEmpty() || added.Minimum() > ui {
			return c
		}
	}
	return nil
}
