package space

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hearthgc/hearth"
	"github.com/hearthgc/hearth/accounting"
	"github.com/hearthgc/hearth/mapping"
	"github.com/hearthgc/hearth/segfit"
)

const (
	// headerSize is the per-object header, one word holding the allocation size
	headerSize = 8

	// tlabRunSize is the number of bytes carved from the shared allocator per thread-local run
	tlabRunSize = 64 * 1024
	// maxTLABAlloc is the largest request served from a thread-local run; anything bigger goes
	// straight to the shared allocator
	maxTLABAlloc = 8 * 1024

	// freeListLookAhead is how many objects ahead of the free loop FreeList touches headers.
	// Size lookups hit per-object headers scattered across the region, and the read-ahead
	// keeps them warm. A locality tweak, not a correctness requirement.
	freeListLookAhead = 8
)

// SegFitsSpace is a contiguous non-moving allocation region over a segregated-fits allocator.
// It adds the object header convention, live and mark bitmaps, thread-local bump runs, and the
// footprint growth protocol on top of the raw chunk allocator.
//
// The region's own lock guards the allocator and the accounting counters. Whole-region
// inspection additionally stops the world through the Suspender, see Walk.
type SegFitsSpace struct {
	baseSpace
	mem       *mapping.MemMap
	suspender Suspender
	logger    *slog.Logger

	mu    sync.Mutex
	alloc *segfit.Allocator
	live  *accounting.SpaceBitmap
	mark  *accounting.SpaceBitmap

	// shared-path counters; thread-local runs are added only when revoked
	bytesAllocated   int
	objectsAllocated int

	runs   map[*Mutator]struct{}
	frozen bool
}

// NewSegFitsSpace reserves capacity bytes from addrSpace and builds an allocation region over
// it with the given initial soft footprint limit. Reservation failure is OS-level resource
// exhaustion: it is logged and returned as an error, never a panic.
func NewSegFitsSpace(addrSpace *mapping.AddressSpace, name string, capacity, initialFootprint int, releaseMode segfit.PageReleaseMode, suspender Suspender, logger *slog.Logger) (*SegFitsSpace, error) {
	if logger == nil {
		logger = slog.Default()
	}
	capacity = hearth.AlignUp(capacity, mapping.PageSize)

	mem, err := addrSpace.Reserve(name, capacity)
	if err != nil {
		logger.LogAttrs(context.Background(), slog.LevelError, "failed to reserve allocation region",
			slog.String("name", name),
			slog.Int("capacity", capacity),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	alloc, err := segfit.New(mem, initialFootprint, releaseMode)
	if err != nil {
		return nil, err
	}

	live, err := accounting.NewSpaceBitmap(name+" live bitmap", mem.Begin(), capacity)
	if err != nil {
		return nil, err
	}
	mark, err := accounting.NewSpaceBitmap(name+" mark bitmap", mem.Begin(), capacity)
	if err != nil {
		return nil, err
	}

	return &SegFitsSpace{
		baseSpace: baseSpace{name: name, spaceType: SpaceTypeAlloc, retention: RetentionAlwaysCollect},
		mem:       mem,
		suspender: suspender,
		logger:    logger,
		alloc:     alloc,
		live:      live,
		mark:      mark,
		runs:      make(map[*Mutator]struct{}),
	}, nil
}

func (s *SegFitsSpace) Begin() int { return s.mem.Begin() }
func (s *SegFitsSpace) Limit() int { return s.mem.Limit() }

// End returns the current frontier of the region, which grows as the region fills.
func (s *SegFitsSpace) End() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.Begin() + s.alloc.Footprint()
}

func (s *SegFitsSpace) Size() int     { return s.End() - s.Begin() }
func (s *SegFitsSpace) Capacity() int { return s.mem.Capacity() }

func (s *SegFitsSpace) Contains(addr int) bool {
	return addr >= s.mem.Begin() && addr < s.mem.Limit()
}

func (s *SegFitsSpace) LiveBitmap() *accounting.SpaceBitmap { return s.live }
func (s *SegFitsSpace) MarkBitmap() *accounting.SpaceBitmap { return s.mark }

// Mem exposes the backing mapping for object-level reads and writes.
func (s *SegFitsSpace) Mem() *mapping.MemMap { return s.mem }

// SwapBitmaps exchanges the live and mark bitmaps, done at the end of a collection cycle when
// the mark bitmap has become the authoritative live set.
func (s *SegFitsSpace) SwapBitmaps() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live, s.mark = s.mark, s.live
}

// Alloc allocates n payload bytes without growing the footprint limit. A zero result means the
// request cannot be satisfied under the current soft limit; the caller should try growth or
// trigger a collection.
func (s *SegFitsSpace) Alloc(mut *Mutator, n int) (int, int) {
	if n <= 0 {
		return 0, 0
	}
	if mut != nil && n <= maxTLABAlloc {
		if obj, allocated := s.allocFromRun(mut, n); obj != 0 {
			return obj, allocated
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocShared(n)
}

// AllocWithGrowth raises the footprint limit to the full capacity, retries the allocation, and
// immediately shrinks the limit back to the realized footprint so the soft limit tracks actual
// usage rather than staying raised.
func (s *SegFitsSpace) AllocWithGrowth(mut *Mutator, n int) (int, int) {
	if n <= 0 {
		return 0, 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.alloc.SetFootprintLimit(s.mem.Capacity())
	obj, allocated := s.allocShared(n)
	s.alloc.SetFootprintLimit(s.alloc.Footprint())

	if obj != 0 {
		s.logger.LogAttrs(context.Background(), slog.LevelDebug, "grew region for allocation",
			slog.String("name", s.name),
			slog.Int("size", n),
			slog.Int("footprint", s.alloc.Footprint()),
		)
	}
	return obj, allocated
}

func (s *SegFitsSpace) allocShared(n int) (int, int) {
	if s.frozen {
		return 0, 0
	}

	offset, allocated, ok := s.alloc.Alloc(headerSize+hearth.AlignUp(n, accounting.ObjectAlignment), 0)
	if !ok {
		return 0, 0
	}

	obj := s.mem.Begin() + offset + headerSize
	s.mem.WriteWord(obj-headerSize, uint64(allocated))
	clear(s.mem.Slice(obj, allocated-headerSize))
	s.live.Set(obj)
	s.mark.Set(obj)
	s.bytesAllocated += allocated
	s.objectsAllocated++
	return obj, allocated
}

func (s *SegFitsSpace) allocFromRun(mut *Mutator, n int) (int, int) {
	need := headerSize + hearth.AlignUp(n, accounting.ObjectAlignment) + hearth.DebugMargin

	if mut.runSpace != nil && mut.runSpace != s {
		// The run belongs to another region, leave it alone
		return 0, 0
	}
	if mut.runSpace != s || mut.RunRemaining() < need {
		if mut.runSpace == s {
			s.RevokeThreadLocalBuffers(mut)
		}
		if !s.refillRun(mut) {
			return 0, 0
		}
		if mut.RunRemaining() < need {
			return 0, 0
		}
	}

	chunkBegin := mut.runPos
	obj := chunkBegin + headerSize
	allocated := need - hearth.DebugMargin
	s.mem.WriteWord(chunkBegin, uint64(allocated))
	clear(s.mem.Slice(obj, allocated-headerSize))

	mut.runPos += need
	mut.runSizes = append(mut.runSizes, need)
	mut.localBytes += allocated
	mut.localObjects++
	return obj, allocated
}

func (s *SegFitsSpace) refillRun(mut *Mutator) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return false
	}

	offset, allocated, ok := s.alloc.Alloc(tlabRunSize, 0)
	if !ok {
		return false
	}

	mut.runSpace = s
	mut.runOffset = offset
	mut.runPos = s.mem.Begin() + offset
	mut.runEnd = mut.runPos + allocated
	mut.runSizes = mut.runSizes[:0]
	s.runs[mut] = struct{}{}
	return true
}

// RevokeThreadLocalBuffers flushes mut's bump run back to the shared allocator. The run is
// split into one live chunk per bump-allocated object, the bitmaps learn the objects, and the
// unused tail is freed. Until this happens the run's contents are invisible to whole-region
// walks and accounting.
func (s *SegFitsSpace) RevokeThreadLocalBuffers(mut *Mutator) {
	if mut == nil || mut.runSpace != s {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokeLocked(mut)
}

// RevokeAllThreadLocalBuffers flushes every mutator's run under the thread-list lock, so
// threads cannot attach or detach mid-flush.
func (s *SegFitsSpace) RevokeAllThreadLocalBuffers() {
	threadList := s.suspender.ThreadListLock()
	threadList.Lock()
	defer threadList.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for mut := range s.runs {
		s.revokeLocked(mut)
	}
}

func (s *SegFitsSpace) revokeLocked(mut *Mutator) {
	err := s.alloc.SplitRun(mut.runOffset, mut.runSizes)
	if err != nil {
		panic(fmt.Sprintf("failed to split thread-local run for %s: %+v", mut.name, err))
	}

	addr := s.mem.Begin() + mut.runOffset
	for _, size := range mut.runSizes {
		obj := addr + headerSize
		s.live.Set(obj)
		s.mark.Set(obj)
		addr += size
	}

	s.bytesAllocated += mut.localBytes
	s.objectsAllocated += mut.localObjects
	delete(s.runs, mut)
	mut.dropRun()
}

// Free returns obj's storage to the allocator and reports the bytes freed.
func (s *SegFitsSpace) Free(obj int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeLocked(obj)
}

// FreeList frees objs in order. Headers are touched freeListLookAhead objects early so the
// size reads in the free loop hit warm memory.
func (s *SegFitsSpace) FreeList(objs []int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	freed := 0
	for i, obj := range objs {
		if i+freeListLookAhead < len(objs) {
			_ = s.mem.ReadWord(objs[i+freeListLookAhead] - headerSize)
		}

		n, err := s.freeLocked(obj)
		if err != nil {
			return freed, err
		}
		freed += n
	}
	return freed, nil
}

func (s *SegFitsSpace) freeLocked(obj int) (int, error) {
	freed, err := s.alloc.Free(obj - headerSize - s.mem.Begin())
	if err != nil {
		return 0, err
	}

	s.live.Clear(obj)
	s.mark.Clear(obj)
	s.bytesAllocated -= freed
	s.objectsAllocated--
	return freed, nil
}

// AllocationSize reads obj's size, header included, from its header word.
func (s *SegFitsSpace) AllocationSize(obj int) int {
	return int(s.mem.ReadWord(obj - headerSize))
}

// BytesAllocated returns the bytes held by live objects. Unrevoked thread-local runs are not
// counted; call RevokeAllThreadLocalBuffers first for an exact answer.
func (s *SegFitsSpace) BytesAllocated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesAllocated
}

// ObjectsAllocated returns the number of live objects, with the same revocation caveat as
// BytesAllocated.
func (s *SegFitsSpace) ObjectsAllocated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objectsAllocated
}

// Walk calls visit once per allocated chunk in address order with the chunk's bounds and
// usable byte count, then once more with zero sentinels to mark the end of the region.
//
// The walk needs a globally consistent view: if the world is not already stopped it stops it,
// and it takes the runtime shutdown lock, the thread-list lock, and the region lock in that
// order to avoid deadlock against concurrent thread attach and detach.
func (s *SegFitsSpace) Walk(visit func(start, end, bytes int)) {
	if !s.suspender.MutatorsSuspended() {
		s.suspender.SuspendAll()
		defer s.suspender.ResumeAll()
	}

	shutdown := s.suspender.RuntimeShutdownLock()
	shutdown.Lock()
	defer shutdown.Unlock()
	threadList := s.suspender.ThreadListLock()
	threadList.Lock()
	defer threadList.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.alloc.InspectAll(func(offset, size int, used bool) {
		if used {
			start := s.mem.Begin() + offset
			visit(start, start+size, size-hearth.DebugMargin)
		}
	})
	visit(0, 0, 0)
}

// Trim releases unused committed pages back to the OS and returns the bytes reclaimed. When
// the allocator's release mode only covers the wilderness tail, an explicit walk over the
// interior free chunks recovers the remainder with direct advisory releases.
func (s *SegFitsSpace) Trim() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := s.alloc.Trim()
	if !s.alloc.DoesReleaseAllPages() {
		s.alloc.InspectAll(func(offset, size int, used bool) {
			if !used {
				begin := s.mem.Begin() + offset
				released += s.mem.ReleaseRange(begin, begin+size)
			}
		})
	}
	return released
}

// Footprint returns the region's realized (committed) size.
func (s *SegFitsSpace) Footprint() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alloc.Footprint()
}

// FootprintLimit returns the soft cap on region growth.
func (s *SegFitsSpace) FootprintLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alloc.FootprintLimit()
}

// SetFootprintLimit requests a new soft cap. The value is clamped upward to the already
// realized footprint: the region is never shrunk below memory it has committed to chunks.
func (s *SegFitsSpace) SetFootprintLimit(limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alloc.SetFootprintLimit(limit)
}

// Freeze converts the region into a frozen zygote region: thread-local runs are flushed,
// further allocation is refused, and the retention policy moves to full collections only.
func (s *SegFitsSpace) Freeze() {
	s.RevokeAllThreadLocalBuffers()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
	s.spaceType = SpaceTypeZygoteFrozen
	s.retention = RetentionFullCollect

	s.logger.LogAttrs(context.Background(), slog.LevelInfo, "froze allocation region",
		slog.String("name", s.name),
		slog.Int("bytesAllocated", s.bytesAllocated),
		slog.Int("objectsAllocated", s.objectsAllocated),
	)
}

// Validate runs the allocator's consistency checks and the corruption sweep.
func (s *SegFitsSpace) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alloc.Validate(); err != nil {
		return err
	}
	return s.alloc.CheckCorruption()
}

// AddStatistics sums this region's allocator statistics into stats.
func (s *SegFitsSpace) AddStatistics(stats *hearth.Statistics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alloc.AddStatistics(stats)
}

// AddDetailedStatistics sums this region's chunk-level statistics into stats.
func (s *SegFitsSpace) AddDetailedStatistics(stats *hearth.DetailedStatistics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alloc.AddDetailedStatistics(stats)
}
