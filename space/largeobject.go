package space

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/pkg/errors"

	"github.com/hearthgc/hearth"
	"github.com/hearthgc/hearth/mapping"
)

// LargeObjectSpace is a discontinuous region: every object gets its own page-aligned mapping
// reserved directly from the address space. There is no chunk allocator and no bitmap, the
// object set itself is the live set. Reserved ranges are not recycled after free; the address
// space is treated as plentiful relative to the object count.
type LargeObjectSpace struct {
	baseSpace
	addrSpace *mapping.AddressSpace
	logger    *slog.Logger

	mu             sync.Mutex
	objects        *swiss.Map[int, *mapping.MemMap]
	bytesAllocated int
	allocSeq       int
}

func NewLargeObjectSpace(addrSpace *mapping.AddressSpace, name string, logger *slog.Logger) *LargeObjectSpace {
	if logger == nil {
		logger = slog.Default()
	}
	return &LargeObjectSpace{
		baseSpace: baseSpace{name: name, spaceType: SpaceTypeLargeObject, retention: RetentionAlwaysCollect},
		addrSpace: addrSpace,
		logger:    logger,
		objects:   swiss.NewMap[int, *mapping.MemMap](42),
	}
}

// Alloc reserves and commits a dedicated mapping for an n-byte object. A reservation failure
// is OS-level exhaustion and comes back as an error; the caller decides whether that is fatal.
func (s *LargeObjectSpace) Alloc(n int) (int, int, error) {
	if n <= 0 {
		return 0, 0, errors.Errorf("invalid large object size %d", n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	allocated := hearth.AlignUp(n, mapping.PageSize)
	s.allocSeq++
	mem, err := s.addrSpace.Reserve(fmt.Sprintf("%s object %d", s.name, s.allocSeq), allocated)
	if err != nil {
		s.logger.LogAttrs(context.Background(), slog.LevelError, "failed to reserve large object",
			slog.String("name", s.name),
			slog.Int("size", n),
			slog.String("error", err.Error()),
		)
		return 0, 0, err
	}
	if err = mem.EnsureCommitted(allocated); err != nil {
		return 0, 0, err
	}

	obj := mem.Begin()
	s.objects.Put(obj, mem)
	s.bytesAllocated += allocated
	return obj, allocated, nil
}

// Free discards the object's mapping and reports the bytes freed.
func (s *LargeObjectSpace) Free(obj int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mem, found := s.objects.Get(obj)
	if !found {
		return 0, errors.Errorf("address %#x is not a live large object", obj)
	}

	s.objects.Delete(obj)
	freed := mem.Capacity()
	s.bytesAllocated -= freed
	return freed, nil
}

// AllocationSize returns the committed size of the large object at obj, or 0 if none lives
// there.
func (s *LargeObjectSpace) AllocationSize(obj int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	mem, found := s.objects.Get(obj)
	if !found {
		return 0
	}
	return mem.Capacity()
}

func (s *LargeObjectSpace) Contains(addr int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	contains := false
	s.objects.Iter(func(obj int, mem *mapping.MemMap) bool {
		if mem.Contains(addr) {
			contains = true
			return true
		}
		return false
	})
	return contains
}

func (s *LargeObjectSpace) BytesAllocated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesAllocated
}

func (s *LargeObjectSpace) ObjectsAllocated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects.Count()
}
