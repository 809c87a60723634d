package space

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/hearthgc/hearth"
	"github.com/hearthgc/hearth/accounting"
	"github.com/hearthgc/hearth/mapping"
)

// BumpPointerSpace is a moving-target region with a lock-free pointer-bump allocation path.
// Objects in it never survive in place, a collection either evacuates or discards them, so
// there is no free operation and no per-object bookkeeping beyond the size header. The whole
// capacity is committed up front to keep the bump path free of growth coordination.
type BumpPointerSpace struct {
	baseSpace
	mem    *mapping.MemMap
	logger *slog.Logger

	pos     atomic.Int64
	objects atomic.Int64
}

func NewBumpPointerSpace(addrSpace *mapping.AddressSpace, name string, capacity int, logger *slog.Logger) (*BumpPointerSpace, error) {
	if logger == nil {
		logger = slog.Default()
	}
	capacity = hearth.AlignUp(capacity, mapping.PageSize)

	mem, err := addrSpace.Reserve(name, capacity)
	if err != nil {
		logger.LogAttrs(context.Background(), slog.LevelError, "failed to reserve bump region",
			slog.String("name", name),
			slog.Int("capacity", capacity),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	if err = mem.EnsureCommitted(capacity); err != nil {
		return nil, err
	}

	b := &BumpPointerSpace{
		baseSpace: baseSpace{name: name, spaceType: SpaceTypeBumpPointer, retention: RetentionAlwaysCollect},
		mem:       mem,
		logger:    logger,
	}
	b.pos.Store(int64(mem.Begin()))
	return b, nil
}

func (b *BumpPointerSpace) Begin() int    { return b.mem.Begin() }
func (b *BumpPointerSpace) End() int      { return int(b.pos.Load()) }
func (b *BumpPointerSpace) Limit() int    { return b.mem.Limit() }
func (b *BumpPointerSpace) Size() int     { return b.End() - b.Begin() }
func (b *BumpPointerSpace) Capacity() int { return b.mem.Capacity() }

func (b *BumpPointerSpace) Contains(addr int) bool {
	return addr >= b.mem.Begin() && addr < b.mem.Limit()
}

// Mem exposes the backing mapping for object-level reads and writes.
func (b *BumpPointerSpace) Mem() *mapping.MemMap { return b.mem }

// Alloc bump-allocates n payload bytes with a compare-and-swap loop, no lock. A zero result
// means the region is full.
func (b *BumpPointerSpace) Alloc(n int) (int, int) {
	if n <= 0 {
		return 0, 0
	}
	allocated := headerSize + hearth.AlignUp(n, accounting.ObjectAlignment)

	for {
		old := b.pos.Load()
		next := old + int64(allocated)
		if next > int64(b.mem.Limit()) {
			return 0, 0
		}
		if b.pos.CompareAndSwap(old, next) {
			b.mem.WriteWord(int(old), uint64(allocated))
			b.objects.Add(1)
			return int(old) + headerSize, allocated
		}
	}
}

func (b *BumpPointerSpace) AllocationSize(obj int) int {
	return int(b.mem.ReadWord(obj - headerSize))
}

func (b *BumpPointerSpace) BytesAllocated() int   { return b.Size() }
func (b *BumpPointerSpace) ObjectsAllocated() int { return int(b.objects.Load()) }

// Walk visits every object in address order by following the size headers, then calls visit
// once with zero sentinels. Callers must have the world stopped; the bump path takes no lock
// this walk could share.
func (b *BumpPointerSpace) Walk(visit func(start, end, bytes int)) {
	pos := b.mem.Begin()
	end := b.End()
	for pos < end {
		allocated := int(b.mem.ReadWord(pos))
		visit(pos, pos+allocated, allocated)
		pos += allocated
	}
	visit(0, 0, 0)
}

// Clear discards every object, resetting the region to empty and zeroing its storage.
func (b *BumpPointerSpace) Clear() {
	size := b.Size()
	if size > 0 {
		clear(b.mem.Slice(b.mem.Begin(), size))
	}
	b.pos.Store(int64(b.mem.Begin()))
	b.objects.Store(0)
}
