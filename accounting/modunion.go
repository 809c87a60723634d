package accounting

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"
)

// View is the capability a mod-union table needs from its source region: an address range, a
// name for diagnostics, and a live bitmap to find the objects under a card.
type View interface {
	Name() string
	Begin() int
	End() int
	LiveBitmap() *SpaceBitmap
	PolicyName() string
}

// HeapDelegate is the slice of heap behavior the accounting tables depend on. The heap walks
// object reference fields, resolves addresses to regions, and owns the fatal-abort policy for
// invariant violations.
type HeapDelegate interface {
	// VisitObjectReferences calls visit once per reference field of the object at obj, passing
	// the field's slot address and the referent address currently stored there.
	VisitObjectReferences(obj int, visit func(slot, ref int))
	// LoadReference reads the referent address stored at slot.
	LoadReference(slot int) int
	// StoreReference overwrites the referent address stored at slot.
	StoreReference(slot, ref int)
	// IsLiveObject reports whether obj is a live, marked object.
	IsLiveObject(obj int) bool
	// FindViewFromAddress returns the continuous region containing addr, or nil.
	FindViewFromAddress(addr int) View
	// DumpSpaces writes a human-readable description of every region to w.
	DumpSpaces(w io.Writer)
	// Fatalf logs the formatted message and aborts. Called only for invariant violations that
	// indicate write barrier or tracing bugs; it must not return.
	Fatalf(format string, args ...any)
}

// ReferenceRelocator is the mark phase's callback: it marks the object at obj and returns its
// address, which differs from obj if the object has been moved.
type ReferenceRelocator func(obj int) int

// ModUnionTable tracks which objects in one already-scanned source region reference objects in
// other regions, at card granularity, so a collection of newer regions need not rescan the
// source region in full.
type ModUnionTable interface {
	// ClearCards snapshots and clears the dirty cards of the source region via the atomic
	// card-aging transform, recording each card that was dirty.
	ClearCards()
	// UpdateAndMarkReferences recomputes or rescans the recorded cards and feeds every
	// cross-region reference to relocate, writing back any referent that moved.
	UpdateAndMarkReferences(relocate ReferenceRelocator)
	// Verify independently re-derives the tracked reference set and aborts the process on any
	// reference that escaped the table. A programming-error detector, not a recoverable check.
	Verify()
	// Dump writes an informational text description of the table's state.
	Dump(w io.Writer)
	// JsonData populates a json object with summary information about the table.
	JsonData(json jwriter.ObjectState)
}

// ReferenceCacheTable is the precise mod-union variant: for each cleared card it extracts the
// exact slot addresses holding cross-region references, so later cycles touch only those slots.
// Appropriate for regions whose cross-region reference density justifies the bookkeeping.
type ReferenceCacheTable struct {
	heap   HeapDelegate
	cards  *CardTable
	view   View
	logger *slog.Logger

	// shouldAdd decides what counts as outside the source region, e.g. excluding image-backed
	// targets. Policy belongs to the caller.
	shouldAdd func(ref int) bool

	clearedCards *swiss.Map[int, struct{}]
	references   *swiss.Map[int, []int]
}

var _ ModUnionTable = &ReferenceCacheTable{}

func NewReferenceCacheTable(heap HeapDelegate, cards *CardTable, view View, shouldAdd func(ref int) bool, logger *slog.Logger) *ReferenceCacheTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReferenceCacheTable{
		heap:         heap,
		cards:        cards,
		view:         view,
		logger:       logger,
		shouldAdd:    shouldAdd,
		clearedCards: swiss.NewMap[int, struct{}](42),
		references:   swiss.NewMap[int, []int](42),
	}
}

func (t *ReferenceCacheTable) ClearCards() {
	t.cards.ModifyCardsAtomic(t.view.Begin(), t.view.End(), AgeCard, func(cardBase int, old byte) {
		if old == CardDirty {
			t.clearedCards.Put(cardBase, struct{}{})
		}
	})
}

func (t *ReferenceCacheTable) UpdateAndMarkReferences(relocate ReferenceRelocator) {
	bitmap := t.view.LiveBitmap()

	var cardSlots []int
	t.clearedCards.Iter(func(cardBase int, _ struct{}) bool {
		// Recompute the cross-region slots under this card from scratch. Entries replace any
		// prior recording so stale slots from since-freed objects cannot leak forward.
		cardSlots = cardSlots[:0]
		bitmap.VisitMarkedRange(cardBase, cardBase+CardSize, func(obj int) {
			t.heap.VisitObjectReferences(obj, func(slot, ref int) {
				if ref != 0 && t.shouldAdd(ref) {
					cardSlots = append(cardSlots, slot)
				}
			})
		})

		if len(cardSlots) == 0 {
			// A prior recording for this card no longer tracks anything, drop it
			t.references.Delete(cardBase)
			return false
		}
		t.references.Put(cardBase, slices.Clone(cardSlots))
		return false
	})
	t.clearedCards = swiss.NewMap[int, struct{}](42)

	count := 0
	t.references.Iter(func(cardBase int, slots []int) bool {
		for _, slot := range slots {
			obj := t.heap.LoadReference(slot)
			if obj == 0 {
				continue
			}
			if moved := relocate(obj); moved != obj {
				t.heap.StoreReference(slot, moved)
			}
			count++
		}
		return false
	})

	t.logger.LogAttrs(context.Background(), slog.LevelDebug, "marked mod-union references",
		slog.String("space", t.view.Name()), slog.Int("count", count))
}

func (t *ReferenceCacheTable) Verify() {
	// Everything recorded in the table must point at a live object.
	t.references.Iter(func(cardBase int, slots []int) bool {
		for _, slot := range slots {
			ref := t.heap.LoadReference(slot)
			if ref != 0 && !t.heap.IsLiveObject(ref) {
				t.heap.Fatalf("mod-union table for %s records slot %x holding dead object %x",
					t.view.Name(), slot, ref)
			}
		}
		return false
	})

	// For each recorded card that is still clean, re-derive its reference set and check that
	// nothing escaped the table.
	bitmap := t.view.LiveBitmap()
	t.references.Iter(func(cardBase int, slots []int) bool {
		if t.cards.Get(cardBase) != CardClean {
			return false
		}

		recorded := make(map[int]struct{}, len(slots))
		for _, slot := range slots {
			recorded[t.heap.LoadReference(slot)] = struct{}{}
		}

		bitmap.VisitMarkedRange(cardBase, cardBase+CardSize, func(obj int) {
			t.heap.VisitObjectReferences(obj, func(slot, ref int) {
				if ref == 0 || !t.shouldAdd(ref) {
					return
				}
				if _, ok := recorded[ref]; ok {
					return
				}
				from := t.heap.FindViewFromAddress(obj)
				to := t.heap.FindViewFromAddress(ref)
				t.logger.LogAttrs(context.Background(), slog.LevelError, "reference escaped the mod-union table",
					slog.String("obj", fmt.Sprintf("%x", obj)),
					slog.String("ref", fmt.Sprintf("%x", ref)),
					slog.String("fromSpace", viewName(from)),
					slog.String("fromPolicy", viewPolicy(from)),
					slog.String("toSpace", viewName(to)),
					slog.String("toPolicy", viewPolicy(to)))
				t.heap.DumpSpaces(dumpWriter{t.logger})
				t.heap.Fatalf("object %x references %x without being in the mod-union table for %s",
					obj, ref, t.view.Name())
			})
		})
		return false
	})
}

func (t *ReferenceCacheTable) Dump(w io.Writer) {
	fmt.Fprintf(w, "ModUnionTable %s cleared cards: [", t.view.Name())
	for _, cardBase := range sortedKeys(t.clearedCards) {
		fmt.Fprintf(w, "%x-%x,", cardBase, cardBase+CardSize)
	}
	fmt.Fprint(w, "]\nModUnionTable references: [")
	t.referencesIterSorted(func(cardBase int, slots []int) {
		fmt.Fprintf(w, "%x-%x->{", cardBase, cardBase+CardSize)
		for _, slot := range slots {
			fmt.Fprintf(w, "%x,", t.heap.LoadReference(slot))
		}
		fmt.Fprint(w, "},")
	})
	fmt.Fprint(w, "]\n")
}

func (t *ReferenceCacheTable) JsonData(json jwriter.ObjectState) {
	json.Name("Space").String(t.view.Name())
	json.Name("Kind").String("ReferenceCache")
	json.Name("PendingCards").Int(t.clearedCards.Count())

	slotCount := 0
	t.references.Iter(func(_ int, slots []int) bool {
		slotCount += len(slots)
		return false
	})
	json.Name("TrackedCards").Int(t.references.Count())
	json.Name("TrackedSlots").Int(slotCount)
}

func (t *ReferenceCacheTable) referencesIterSorted(fn func(cardBase int, slots []int)) {
	keys := make([]int, 0, t.references.Count())
	t.references.Iter(func(cardBase int, _ []int) bool {
		keys = append(keys, cardBase)
		return false
	})
	slices.Sort(keys)
	for _, cardBase := range keys {
		slots, _ := t.references.Get(cardBase)
		fn(cardBase, slots)
	}
}

// CardCacheTable is the cheap mod-union variant: it records card addresses only, in discovery
// order, and rescans every live object under those cards each cycle with the caller's own
// visitor. Intended for regions where reference extraction costs more than it saves, such as
// image regions. The card list persists across cycles.
type CardCacheTable struct {
	heap   HeapDelegate
	cards  *CardTable
	view   View
	logger *slog.Logger

	clearedCards []int
	member       *swiss.Map[int, struct{}]
}

var _ ModUnionTable = &CardCacheTable{}

func NewCardCacheTable(heap HeapDelegate, cards *CardTable, view View, logger *slog.Logger) *CardCacheTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &CardCacheTable{
		heap:   heap,
		cards:  cards,
		view:   view,
		logger: logger,
		member: swiss.NewMap[int, struct{}](42),
	}
}

func (t *CardCacheTable) ClearCards() {
	t.cards.ModifyCardsAtomic(t.view.Begin(), t.view.End(), AgeCard, func(cardBase int, old byte) {
		if old != CardDirty {
			return
		}
		if _, seen := t.member.Get(cardBase); seen {
			return
		}
		t.member.Put(cardBase, struct{}{})
		t.clearedCards = append(t.clearedCards, cardBase)
	})
}

func (t *CardCacheTable) UpdateAndMarkReferences(relocate ReferenceRelocator) {
	bitmap := t.view.LiveBitmap()
	for _, cardBase := range t.clearedCards {
		bitmap.VisitMarkedRange(cardBase, cardBase+CardSize, func(obj int) {
			t.heap.VisitObjectReferences(obj, func(slot, ref int) {
				if ref == 0 {
					return
				}
				if moved := relocate(ref); moved != ref {
					t.heap.StoreReference(slot, moved)
				}
			})
		})
	}
}

func (t *CardCacheTable) Verify() {
	for _, cardBase := range t.clearedCards {
		if cardBase < t.view.Begin() || cardBase >= t.view.End() {
			t.heap.Fatalf("mod-union card cache for %s holds card %x outside the region %x-%x",
				t.view.Name(), cardBase, t.view.Begin(), t.view.End())
		}
	}
}

func (t *CardCacheTable) Dump(w io.Writer) {
	fmt.Fprintf(w, "ModUnionTable %s dirty cards: [", t.view.Name())
	for _, cardBase := range t.clearedCards {
		fmt.Fprintf(w, "%x-%x\n", cardBase, cardBase+CardSize)
	}
	fmt.Fprint(w, "]\n")
}

func (t *CardCacheTable) JsonData(json jwriter.ObjectState) {
	json.Name("Space").String(t.view.Name())
	json.Name("Kind").String("CardCache")
	json.Name("TrackedCards").Int(len(t.clearedCards))
}

func sortedKeys(m *swiss.Map[int, struct{}]) []int {
	keys := make([]int, 0, m.Count())
	m.Iter(func(k int, _ struct{}) bool {
		keys = append(keys, k)
		return false
	})
	slices.Sort(keys)
	return keys
}

func viewName(v View) string {
	if v == nil {
		return "<unmapped>"
	}
	return v.Name()
}

func viewPolicy(v View) string {
	if v == nil {
		return "<unmapped>"
	}
	return v.PolicyName()
}

// dumpWriter funnels DumpSpaces output through a logger line by line.
type dumpWriter struct {
	logger *slog.Logger
}

func (w dumpWriter) Write(p []byte) (int, error) {
	w.logger.LogAttrs(context.Background(), slog.LevelError, string(p))
	return len(p), nil
}
