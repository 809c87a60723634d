package mapping

import (
	"fmt"
	"sync"

	cerrors "github.com/cockroachdb/errors"

	"github.com/hearthgc/hearth"
)

const (
	// PageSize is the commit and release granularity of every MemMap
	PageSize = 4096
	// PageShift is the log2 of PageSize
	PageShift = 12
)

// ReserveFailedError is returned from AddressSpace.Reserve when the backing budget has been
// exhausted. This models OS-level address space exhaustion and callers are expected to treat
// it as a hard failure of the creating operation rather than aborting.
var ReserveFailedError = cerrors.New("address space reservation failed")

// AddressSpace hands out non-overlapping reserved address ranges. It is explicitly constructed
// and owned by a single heap instance, there is no process-wide address space.
type AddressSpace struct {
	mu     sync.Mutex
	next   int
	end    int
	budget int
}

// NewAddressSpace creates an AddressSpace beginning at base and able to reserve up to budget
// bytes in total. base must be page-aligned.
func NewAddressSpace(base int, budget int) (*AddressSpace, error) {
	if err := hearth.CheckAligned(base, PageSize, "base"); err != nil {
		return nil, err
	}
	if budget < PageSize {
		return nil, cerrors.Newf("budget %d cannot hold a single page", budget)
	}

	return &AddressSpace{
		next:   base,
		end:    base + budget,
		budget: budget,
	}, nil
}

// Reserve carves a capacity-byte range out of this address space and returns a MemMap with no
// pages committed. capacity is rounded up to the page size.
func (s *AddressSpace) Reserve(name string, capacity int) (*MemMap, error) {
	if capacity < 1 {
		return nil, cerrors.Newf("invalid capacity %d for mapping %s", capacity, name)
	}
	capacity = hearth.AlignUp(capacity, PageSize)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next+capacity > s.end {
		return nil, cerrors.Wrapf(ReserveFailedError,
			"mapping %s needs %d bytes but only %d remain", name, capacity, s.end-s.next)
	}

	m := &MemMap{
		name:  name,
		begin: s.next,
		limit: s.next + capacity,
		data:  make([]byte, capacity),
	}
	s.next += capacity
	return m, nil
}

// Begin returns the lowest address this AddressSpace will ever hand out.
func (s *AddressSpace) Begin() int {
	return s.end - s.budget
}

// End returns the address one past the highest reservable address.
func (s *AddressSpace) End() int {
	return s.end
}

// MemMap is a single reserved address range with a committed prefix. Reads and writes beyond
// the committed prefix panic, the same way touching uncommitted pages faults.
type MemMap struct {
	name      string
	begin     int
	limit     int
	committed int
	data      []byte

	released        int
	releaseObserver func(begin, end int)
}

func (m *MemMap) Name() string   { return m.name }
func (m *MemMap) Begin() int     { return m.begin }
func (m *MemMap) Limit() int     { return m.limit }
func (m *MemMap) Capacity() int  { return m.limit - m.begin }
func (m *MemMap) Committed() int { return m.committed }

// ReleasedBytes returns the total number of bytes handed back to the OS via ReleaseRange over
// the lifetime of this mapping.
func (m *MemMap) ReleasedBytes() int { return m.released }

// SetReleaseObserver registers a callback invoked once per ReleaseRange call with the absolute
// range that was discarded. Used by diagnostics and tests.
func (m *MemMap) SetReleaseObserver(fn func(begin, end int)) {
	m.releaseObserver = fn
}

func (m *MemMap) Contains(addr int) bool {
	return addr >= m.begin && addr < m.limit
}

// EnsureCommitted grows the committed prefix to at least size bytes. This is the more-core
// growth path: the allocator calls it when its free list is exhausted below the footprint
// limit. size is rounded up to the page size.
func (m *MemMap) EnsureCommitted(size int) error {
	size = hearth.AlignUp(size, PageSize)
	if size > m.Capacity() {
		return cerrors.Newf("mapping %s cannot commit %d bytes, capacity is %d", m.name, size, m.Capacity())
	}
	if size > m.committed {
		m.committed = size
	}
	return nil
}

// ReleaseRange advises the OS that the pages fully contained in [begin, end) are unused. The
// contents are discarded. Returns the number of bytes released.
func (m *MemMap) ReleaseRange(begin, end int) int {
	pageBegin := hearth.AlignUp(begin, PageSize)
	pageEnd := hearth.AlignDown(end, PageSize)
	if pageEnd <= pageBegin {
		return 0
	}
	if pageBegin < m.begin || pageEnd > m.limit {
		panic(fmt.Sprintf("release range %x-%x outside mapping %s (%x-%x)", pageBegin, pageEnd, m.name, m.begin, m.limit))
	}

	clear(m.data[pageBegin-m.begin : pageEnd-m.begin])
	m.released += pageEnd - pageBegin
	if m.releaseObserver != nil {
		m.releaseObserver(pageBegin, pageEnd)
	}
	return pageEnd - pageBegin
}

func (m *MemMap) check(addr, n int) int {
	offset := addr - m.begin
	if offset < 0 || offset+n > m.committed {
		panic(fmt.Sprintf("access at %x+%d outside the committed range of mapping %s (%x+%d)",
			addr, n, m.name, m.begin, m.committed))
	}
	return offset
}

// Slice returns the n bytes of backing storage at addr. The range must be committed.
func (m *MemMap) Slice(addr, n int) []byte {
	offset := m.check(addr, n)
	return m.data[offset : offset+n]
}

func (m *MemMap) ReadWord(addr int) uint64 {
	offset := m.check(addr, 8)
	return byteOrder.Uint64(m.data[offset:])
}

func (m *MemMap) WriteWord(addr int, value uint64) {
	offset := m.check(addr, 8)
	byteOrder.PutUint64(m.data[offset:], value)
}

func (m *MemMap) ReadUint32(addr int) uint32 {
	offset := m.check(addr, 4)
	return byteOrder.Uint32(m.data[offset:])
}

func (m *MemMap) WriteUint32(addr int, value uint32) {
	offset := m.check(addr, 4)
	byteOrder.PutUint32(m.data[offset:], value)
}
