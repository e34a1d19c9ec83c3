// Package requeststrategy implements the ordered index PieceMap uses for
// Rarest-First selection, an ajwerner/btree-backed piece ordering stripped
// of multi-torrent shared-storage-cap key machinery (single-torrent only)
// down to the part that actually matters here: an ordered set keyed by
// (availability, piece index) that supports O(log n) "give me the globally
// rarest piece" queries and O(log n) incremental updates as availability
// changes.
package requeststrategy

import (
	"github.com/ajwerner/btree"
)

// Item is one piece's position in the rarest-first order.
type Item struct {
	Availability int
	Index        int
}

func less(a, b Item) int {
	if a.Availability != b.Availability {
		if a.Availability < b.Availability {
			return -1
		}
		return 1
	}
	if a.Index != b.Index {
		if a.Index < b.Index {
			return -1
		}
		return 1
	}
	return 0
}

// Order is an ordered set of Items, one per piece still worth requesting
// (Missing or InFlight, not Complete). The zero value is not usable; call
// New.
type Order struct {
	tree    btree.Set[Item]
	byIndex map[int]Item
}

func New() *Order {
	return &Order{
		tree:    btree.MakeSet(less),
		byIndex: make(map[int]Item),
	}
}

// Set inserts or repositions piece index's entry at the given availability.
// No-op if it's already there.
func (o *Order) Set(index, availability int) {
	if old, ok := o.byIndex[index]; ok {
		if old.Availability == availability {
			return
		}
		o.tree.Delete(old)
	}
	item := Item{Availability: availability, Index: index}
	o.tree.Upsert(item)
	o.byIndex[index] = item
}

// Remove takes a piece out of the order entirely (it became Complete).
func (o *Order) Remove(index int) {
	if old, ok := o.byIndex[index]; ok {
		o.tree.Delete(old)
		delete(o.byIndex, index)
	}
}

// Len reports how many pieces remain in the order.
func (o *Order) Len() int { return len(o.byIndex) }

// Contains reports whether index is currently tracked in the order.
func (o *Order) Contains(index int) bool {
	_, ok := o.byIndex[index]
	return ok
}

// Rarest calls f with each piece index in ascending (availability, index)
// order, stopping early if f returns false. This is the Rarest-First scan
// PieceMap.next_request walks to find the first piece the requesting peer
// actually has.
func (o *Order) Rarest(f func(index int) bool) {
	it := o.tree.Iterator()
	for it.First(); it.Valid(); it.Next() {
		if !f(it.Cur().Index) {
			return
		}
	}
}

// RarestN collects up to n of the globally rarest piece indices, used by
// the "Random First Piece" override to pick uniformly among
// the four rarest pieces for a session's first request.
func (o *Order) RarestN(n int) []int {
	out := make([]int, 0, n)
	o.Rarest(func(index int) bool {
		out = append(out, index)
		return len(out) < n
	})
	return out
}
