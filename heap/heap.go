package heap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/hearthgc/hearth"
	"github.com/hearthgc/hearth/accounting"
	"github.com/hearthgc/hearth/mapping"
	"github.com/hearthgc/hearth/space"
)

// Heap owns the address space, the card table, the region list, and the mod-union tables
// bound to those regions. It is the HeapDelegate the accounting layer calls back into for
// object walks, address resolution, and the fatal-abort policy.
//
// Lock order, outermost first: suspension, runtime shutdown lock, thread-list lock, bitmap
// lock, then any region's own lock.
type Heap struct {
	logger    *slog.Logger
	addrSpace *mapping.AddressSpace
	cards     *accounting.CardTable
	suspender *StopTheWorld

	// bitmapMu guards the live/mark bitmaps and the mod-union tables' internal maps during
	// any mutating traversal
	bitmapMu sync.Mutex

	mu          sync.Mutex
	continuous  []space.Continuous
	largeObject *space.LargeObjectSpace
	tables      map[accounting.View]accounting.ModUnionTable
	mutators    map[*space.Mutator]struct{}

	// fatalf aborts on invariant violations. Injectable so tests can observe aborts; the
	// default logs and panics.
	fatalf func(format string, args ...any)
}

// NewHeap reserves an address-space budget starting at base and builds an empty heap over it.
func NewHeap(base, budget int, logger *slog.Logger) (*Heap, error) {
	if logger == nil {
		logger = slog.Default()
	}

	addrSpace, err := mapping.NewAddressSpace(base, budget)
	if err != nil {
		return nil, err
	}
	cards, err := accounting.NewCardTable(base, budget)
	if err != nil {
		return nil, err
	}

	h := &Heap{
		logger:    logger,
		addrSpace: addrSpace,
		cards:     cards,
		suspender: NewStopTheWorld(),
		tables:    make(map[accounting.View]accounting.ModUnionTable),
		mutators:  make(map[*space.Mutator]struct{}),
	}
	h.fatalf = func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		logger.LogAttrs(context.Background(), slog.LevelError, "heap invariant violated", slog.String("detail", msg))
		panic(msg)
	}
	return h, nil
}

func (h *Heap) AddressSpace() *mapping.AddressSpace { return h.addrSpace }
func (h *Heap) CardTable() *accounting.CardTable    { return h.cards }
func (h *Heap) Suspender() *StopTheWorld            { return h.suspender }
func (h *Heap) Logger() *slog.Logger                { return h.logger }

// SetFatalHandler replaces the invariant-violation abort policy.
func (h *Heap) SetFatalHandler(fn func(format string, args ...any)) {
	h.fatalf = fn
}

// AddContinuousSpace registers a region with the heap.
func (h *Heap) AddContinuousSpace(s space.Continuous) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.continuous = append(h.continuous, s)
}

// SetLargeObjectSpace registers the heap's single discontinuous region.
func (h *Heap) SetLargeObjectSpace(s *space.LargeObjectSpace) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.largeObject = s
}

// AddReferenceCacheTable binds a precise mod-union table to view. shouldAdd is the policy for
// which referents count as cross-region; a nil predicate records everything outside the view.
func (h *Heap) AddReferenceCacheTable(view accounting.View, shouldAdd func(ref int) bool) accounting.ModUnionTable {
	if shouldAdd == nil {
		shouldAdd = func(ref int) bool {
			return ref < view.Begin() || ref >= view.End()
		}
	}
	table := accounting.NewReferenceCacheTable(h, h.cards, view, shouldAdd, h.logger)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tables[view] = table
	return table
}

// AddCardCacheTable binds a card-granularity mod-union table to view, the cheap variant used
// for image regions.
func (h *Heap) AddCardCacheTable(view accounting.View) accounting.ModUnionTable {
	table := accounting.NewCardCacheTable(h, h.cards, view, h.logger)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tables[view] = table
	return table
}

// ModUnionTable returns the table bound to view, or nil.
func (h *Heap) ModUnionTable(view accounting.View) accounting.ModUnionTable {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tables[view]
}

// ProcessModUnionTables runs one collection cycle's card processing for every table: snapshot
// and clear the dirty cards, then recompute or rescan the recorded cards through relocate. The
// bitmap lock is held for the whole mutating traversal.
func (h *Heap) ProcessModUnionTables(relocate accounting.ReferenceRelocator) {
	h.bitmapMu.Lock()
	defer h.bitmapMu.Unlock()

	for _, table := range h.snapshotTables() {
		table.ClearCards()
		table.UpdateAndMarkReferences(relocate)
	}
}

// VerifyModUnionTables runs the verification pass on every table. Aborts through the fatal
// handler on any escaped reference.
func (h *Heap) VerifyModUnionTables() {
	h.bitmapMu.Lock()
	defer h.bitmapMu.Unlock()

	for _, table := range h.snapshotTables() {
		table.Verify()
	}
}

func (h *Heap) snapshotTables() []accounting.ModUnionTable {
	h.mu.Lock()
	defer h.mu.Unlock()
	tables := make([]accounting.ModUnionTable, 0, len(h.tables))
	for _, table := range h.tables {
		tables = append(tables, table)
	}
	return tables
}

// AttachMutator registers a new mutator thread identity. Runs under the shared world lock
// and the thread-list lock, so a suspended world never observes a mid-flight attach.
func (h *Heap) AttachMutator(name string) *space.Mutator {
	world := h.suspender.MutatorLock()
	world.Lock()
	defer world.Unlock()

	threadList := h.suspender.ThreadListLock()
	threadList.Lock()
	defer threadList.Unlock()

	mut := space.NewMutator(name)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mutators[mut] = struct{}{}
	return mut
}

// DetachMutator revokes the mutator's thread-local buffers in every allocation region and
// removes it from the registry. Revocation mutates the live and mark bitmaps, so the whole
// detach holds the shared world lock; stop-the-world traversals exclude it.
func (h *Heap) DetachMutator(mut *space.Mutator) {
	world := h.suspender.MutatorLock()
	world.Lock()
	defer world.Unlock()

	threadList := h.suspender.ThreadListLock()
	threadList.Lock()
	defer threadList.Unlock()

	for _, s := range h.allocSpaces() {
		s.RevokeThreadLocalBuffers(mut)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.mutators, mut)
}

func (h *Heap) allocSpaces() []*space.SegFitsSpace {
	h.mu.Lock()
	defer h.mu.Unlock()

	var spaces []*space.SegFitsSpace
	for _, s := range h.continuous {
		if alloc, ok := s.(*space.SegFitsSpace); ok {
			spaces = append(spaces, alloc)
		}
	}
	return spaces
}

// FindContinuousSpaceFromAddress returns the continuous region containing addr, or nil.
func (h *Heap) FindContinuousSpaceFromAddress(addr int) space.Continuous {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.continuous {
		if s.Contains(addr) {
			return s
		}
	}
	return nil
}

// FindViewFromAddress returns the bitmapped continuous region containing addr, or nil.
func (h *Heap) FindViewFromAddress(addr int) accounting.View {
	s := h.FindContinuousSpaceFromAddress(addr)
	if view, ok := s.(accounting.View); ok {
		return view
	}
	return nil
}

// IsLiveObject reports whether obj is recorded live in its region's bitmap, or is a live
// large object.
func (h *Heap) IsLiveObject(obj int) bool {
	if view := h.FindViewFromAddress(obj); view != nil {
		return view.LiveBitmap().Test(obj)
	}

	h.mu.Lock()
	los := h.largeObject
	h.mu.Unlock()
	return los != nil && los.Contains(obj)
}

type memOwner interface {
	Contains(addr int) bool
	Mem() *mapping.MemMap
}

func (h *Heap) memFor(addr int) *mapping.MemMap {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.continuous {
		if owner, ok := s.(memOwner); ok && owner.Contains(addr) {
			return owner.Mem()
		}
	}
	return nil
}

// Statistics sums chunk statistics across every allocation region.
func (h *Heap) Statistics() hearth.Statistics {
	var stats hearth.Statistics
	for _, s := range h.allocSpaces() {
		s.AddStatistics(&stats)
	}
	return stats
}

// DumpSpaces writes a human-readable description of every region. Informational only, not a
// stable format.
func (h *Heap) DumpSpaces(w io.Writer) {
	h.mu.Lock()
	spaces := append([]space.Continuous(nil), h.continuous...)
	los := h.largeObject
	h.mu.Unlock()

	for _, s := range spaces {
		fmt.Fprintf(w, "space %q type=%s policy=%s range=[%#x-%#x) capacity=%d\n",
			s.Name(), s.Type(), s.Retention(), s.Begin(), s.End(), s.Capacity())
	}
	if los != nil {
		fmt.Fprintf(w, "space %q type=%s policy=%s objects=%d bytes=%d\n",
			los.Name(), los.Type(), los.Retention(), los.ObjectsAllocated(), los.BytesAllocated())
	}
}

// JsonData writes a JSON summary of the heap: regions, allocation statistics, and every
// mod-union table's card counts.
func (h *Heap) JsonData(json jwriter.ObjectState) {
	h.mu.Lock()
	spaces := append([]space.Continuous(nil), h.continuous...)
	los := h.largeObject
	h.mu.Unlock()

	spacesArr := json.Name("spaces").Array()
	for _, s := range spaces {
		obj := spacesArr.Object()
		obj.Name("name").String(s.Name())
		obj.Name("type").String(s.Type().String())
		obj.Name("policy").String(s.Retention().String())
		obj.Name("begin").Int(s.Begin())
		obj.Name("end").Int(s.End())
		obj.Name("capacity").Int(s.Capacity())
		obj.End()
	}
	spacesArr.End()

	if los != nil {
		obj := json.Name("largeObjectSpace").Object()
		obj.Name("name").String(los.Name())
		obj.Name("objects").Int(los.ObjectsAllocated())
		obj.Name("bytes").Int(los.BytesAllocated())
		obj.End()
	}

	tablesArr := json.Name("modUnionTables").Array()
	for _, table := range h.snapshotTables() {
		obj := tablesArr.Object()
		table.JsonData(obj)
		obj.End()
	}
	tablesArr.End()

	stats := h.Statistics()
	statsObj := json.Name("statistics").Object()
	statsObj.Name("regions").Int(stats.RegionCount)
	statsObj.Name("allocations").Int(stats.AllocationCount)
	statsObj.Name("regionBytes").Int(stats.RegionBytes)
	statsObj.Name("allocationBytes").Int(stats.AllocationBytes)
	statsObj.End()
}

// Fatalf reports an invariant violation and aborts through the configured handler.
func (h *Heap) Fatalf(format string, args ...any) {
	h.fatalf(format, args...)
}
