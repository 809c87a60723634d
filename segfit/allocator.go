package segfit

import (
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/pkg/errors"

	"github.com/hearthgc/hearth"
	"github.com/hearthgc/hearth/mapping"
)

const (
	// ChunkAlignment is the minimum alignment of every chunk the allocator hands out
	ChunkAlignment = 8

	// SmallChunkSize is the upper bound of the linearly-bucketed small size classes
	SmallChunkSize = 256
	// SecondLevelIndex is the log2 of the number of second-level buckets per memory class
	SecondLevelIndex uint8 = 5

	memoryClassShift = 7
	maxMemoryClasses = 65 - memoryClassShift
)

// PageReleaseMode controls how much memory Trim hands back to the OS.
type PageReleaseMode uint32

const (
	// PageReleaseModeSizeAndEnd releases only the wilderness tail beyond the last chunk. A
	// caller that wants interior free pages back must walk the chunks itself and advise the
	// mapping directly.
	PageReleaseModeSizeAndEnd PageReleaseMode = iota
	// PageReleaseModeAll releases the wilderness tail and every page-sized interior free range
	PageReleaseModeAll
)

var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

type chunk struct {
	offset       int
	size         int
	prevPhysical *chunk
	nextPhysical *chunk

	prevFree *chunk
	nextFree *chunk
}

func (c *chunk) MarkFree() {
	c.prevFree = nil
}

func (c *chunk) MarkTaken() {
	c.prevFree = c
}

func (c *chunk) IsFree() bool {
	return c.prevFree != c
}

// Allocator is a two-level segregated-fits chunk allocator over one memory mapping. Free
// chunks live in size-class buckets found through a pair of occupancy bitmaps; the wilderness
// beyond the highest chunk is represented by a single null chunk whose use is bounded by the
// footprint limit rather than the mapping's capacity.
//
// The allocator takes no locks of its own. The owning region serializes all calls.
type Allocator struct {
	mem         *mapping.MemMap
	releaseMode PageReleaseMode

	footprintLimit int

	allocCount      int
	chunksFreeCount int
	chunksFreeSize  int

	isFreeBitmap      uint32
	memoryClasses     int
	innerIsFreeBitmap [maxMemoryClasses]uint32

	takenByOffset *swiss.Map[int, *chunk]
	freeList      []*chunk
	nullChunk     *chunk
	tailChunk     *chunk
}

// New creates an allocator over mem with its footprint limit set to initialFootprint. The
// first page is committed immediately, the morecore promise dlmalloc-style allocators make
// before growth begins.
func New(mem *mapping.MemMap, initialFootprint int, releaseMode PageReleaseMode) (*Allocator, error) {
	if err := mem.EnsureCommitted(mapping.PageSize); err != nil {
		return nil, err
	}

	a := &Allocator{
		mem:           mem,
		releaseMode:   releaseMode,
		takenByOffset: swiss.NewMap[int, *chunk](42),
	}

	size := mem.Capacity()
	a.nullChunk = a.allocateChunk()
	a.nullChunk.size = size
	a.nullChunk.MarkFree()
	a.tailChunk = a.nullChunk

	memoryClass := a.sizeToMemoryClass(size)
	sli := a.sizeToSecondIndex(size, memoryClass)

	listSize := 1
	sliMask := int(uint(1) << SecondLevelIndex)
	if memoryClass != 0 {
		listSize = int(memoryClass-1)*sliMask + int(sli+1)
	}
	listSize += 4

	a.memoryClasses = int(memoryClass + 2)
	a.freeList = make([]*chunk, listSize)

	a.SetFootprintLimit(initialFootprint)
	return a, nil
}

func (a *Allocator) allocateChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.offset = 0
	c.size = 0
	c.prevPhysical = nil
	c.nextPhysical = nil
	c.nextFree = nil
	c.prevFree = nil
	return c
}

func (a *Allocator) recycleChunk(c *chunk) {
	chunkPool.Put(c)
}

// Footprint returns the number of bytes currently committed to the mapping, the allocator's
// realized size as opposed to its reserved capacity.
func (a *Allocator) Footprint() int {
	return a.mem.Committed()
}

// FootprintLimit returns the soft cap on wilderness growth.
func (a *Allocator) FootprintLimit() int {
	return a.footprintLimit
}

// SetFootprintLimit sets the soft cap on wilderness growth. The value is clamped between the
// already-committed footprint and the mapping's capacity: memory handed to live or free chunks
// is never taken back by lowering the limit.
func (a *Allocator) SetFootprintLimit(limit int) {
	if limit < a.mem.Committed() {
		limit = a.mem.Committed()
	}
	if limit > a.mem.Capacity() {
		limit = a.mem.Capacity()
	}
	a.footprintLimit = limit
}

// DoesReleaseAllPages reports whether Trim returns interior free pages as well as the
// wilderness tail.
func (a *Allocator) DoesReleaseAllPages() bool {
	return a.releaseMode == PageReleaseModeAll
}

func (a *Allocator) wildernessAvailable() int {
	avail := a.footprintLimit - a.nullChunk.offset
	if avail < 0 {
		return 0
	}
	return avail
}

// SumFreeSize returns the free bytes reachable under the current footprint limit.
func (a *Allocator) SumFreeSize() int {
	return a.chunksFreeSize + a.wildernessAvailable()
}

// AllocationCount returns the number of live chunks.
func (a *Allocator) AllocationCount() int {
	return a.allocCount
}

// FreeRegionsCount returns the number of distinct free ranges, counting the wilderness as one
// when the footprint limit leaves room in it.
func (a *Allocator) FreeRegionsCount() int {
	count := a.chunksFreeCount
	if a.wildernessAvailable() > 0 {
		count++
	}
	return count
}

// IsEmpty reports whether no chunk is live.
func (a *Allocator) IsEmpty() bool {
	return a.nullChunk.offset == 0
}

func (a *Allocator) sizeToMemoryClass(size int) uint8 {
	if size > SmallChunkSize {
		mostSignificantBit := uint8(63 - bits.LeadingZeros64(uint64(size)))
		return mostSignificantBit - memoryClassShift
	}

	return 0
}

func (a *Allocator) sizeToSecondIndex(size int, memoryClass uint8) uint16 {
	if memoryClass != 0 {
		mask := uint(1) << SecondLevelIndex
		indexVal := uint(size) >> (memoryClass + memoryClassShift - SecondLevelIndex)
		return uint16(indexVal ^ mask)
	}

	return uint16((size - 1) / 64)
}

func (a *Allocator) getListIndex(memoryClass uint8, secondIndex uint16) int {
	if memoryClass == 0 {
		return int(secondIndex)
	}

	i := uint32(memoryClass-1)*uint32(uint(1)<<SecondLevelIndex) + uint32(secondIndex)
	return int(i) + 4
}

func (a *Allocator) getListIndexFromSize(size int) int {
	memoryClass := a.sizeToMemoryClass(size)
	secondIndex := a.sizeToSecondIndex(size, memoryClass)
	return a.getListIndex(memoryClass, secondIndex)
}

type fitRequest struct {
	chunk         *chunk
	alignedOffset int
	size          int
}

// Alloc carves size bytes (rounded up to ChunkAlignment, plus any debug margin) out of the
// region. It fails, returning ok=false, when no free range fits under the current footprint
// limit; that is a signal to grow or collect, never an error.
func (a *Allocator) Alloc(size int, alignment uint) (offset int, allocated int, ok bool) {
	if size < 1 {
		panic(fmt.Sprintf("invalid allocation size %d", size))
	}
	if alignment < ChunkAlignment {
		alignment = ChunkAlignment
	}
	hearth.DebugCheckPow2(uint(alignment), "alignment")
	hearth.DebugValidate(a)

	size = hearth.AlignUp(size, ChunkAlignment) + hearth.DebugMargin

	if size > a.SumFreeSize() {
		return 0, 0, false
	}

	var req fitRequest

	// Best-fit bucket first
	if a.chunksFreeCount > 0 {
		prevListChunk, prevListIndex := a.findFreeChunk(size)
		for prevListChunk != nil {
			if a.checkChunk(prevListChunk, prevListIndex, size, alignment, &req) {
				return a.commit(req)
			}
			prevListChunk = prevListChunk.nextFree
		}
	}

	// Then the wilderness
	if a.checkChunk(a.nullChunk, len(a.freeList), size, alignment, &req) {
		return a.commit(req)
	}

	if a.chunksFreeCount == 0 {
		return 0, 0, false
	}

	// Then the next size class up, which is guaranteed to fit without a tight alignment dance
	sizeForNextList := size
	smallSizeStep := SmallChunkSize / 4
	if size > SmallChunkSize {
		mostSignificantBit := 63 - bits.LeadingZeros64(uint64(size))
		sizeForNextList += int(uint(1) << (mostSignificantBit - int(SecondLevelIndex)))
	} else if size > SmallChunkSize-smallSizeStep {
		sizeForNextList = SmallChunkSize + 1
	} else {
		sizeForNextList += smallSizeStep
	}

	nextListChunk, nextListIndex := a.findFreeChunk(sizeForNextList)
	for nextListChunk != nil {
		if a.checkChunk(nextListChunk, nextListIndex, size, alignment, &req) {
			return a.commit(req)
		}
		nextListChunk = nextListChunk.nextFree
	}

	// Worst case, search every remaining bucket
	for nextListIndex++; nextListIndex < len(a.freeList); nextListIndex++ {
		nextListChunk = a.freeList[nextListIndex]
		for nextListChunk != nil {
			if a.checkChunk(nextListChunk, nextListIndex, size, alignment, &req) {
				return a.commit(req)
			}
			nextListChunk = nextListChunk.nextFree
		}
	}

	return 0, 0, false
}

func (a *Allocator) findFreeChunk(size int) (*chunk, int) {
	memoryClass := a.sizeToMemoryClass(size)
	innerFreeMap := a.innerIsFreeBitmap[memoryClass] & (math.MaxUint32 << a.sizeToSecondIndex(size, memoryClass))

	if innerFreeMap == 0 {
		// Check higher classes for available chunks
		freeMap := a.isFreeBitmap & (math.MaxUint32 << (memoryClass + 1))
		if freeMap == 0 {
			return nil, 0
		}

		memoryClass = uint8(bits.TrailingZeros64(uint64(freeMap)))
		innerFreeMap = a.innerIsFreeBitmap[memoryClass]
		if innerFreeMap == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	listIndex := a.getListIndex(memoryClass, uint16(bits.TrailingZeros64(uint64(innerFreeMap))))
	if a.freeList[listIndex] == nil {
		panic(fmt.Sprintf("free list index %d was listed as having free chunks, but no chunks were in the free list", listIndex))
	}

	return a.freeList[listIndex], listIndex
}

func (a *Allocator) checkChunk(c *chunk, listIndex int, allocSize int, alignment uint, req *fitRequest) bool {
	if !c.IsFree() {
		panic(fmt.Sprintf("chunk at offset %d is already taken", c.offset))
	}

	alignedOffset := hearth.AlignUp(c.offset, alignment)

	if c == a.nullChunk {
		// The wilderness reaches the mapping's capacity, but only the slice below the
		// footprint limit may be used without growth.
		if alignedOffset+allocSize > a.footprintLimit {
			return false
		}
	} else if c.size < allocSize+alignedOffset-c.offset {
		return false
	}

	req.chunk = c
	req.alignedOffset = alignedOffset
	req.size = allocSize

	// Place the chunk at the head of its list so repeated fits stay cheap
	if listIndex != len(a.freeList) && c.prevFree != nil {
		c.prevFree.nextFree = c.nextFree
		if c.nextFree != nil {
			c.nextFree.prevFree = c.prevFree
		}

		c.prevFree = nil
		c.nextFree = a.freeList[listIndex]
		a.freeList[listIndex] = c
		if c.nextFree != nil {
			c.nextFree.prevFree = c
		}
	}

	return true
}

func (a *Allocator) commit(req fitRequest) (int, int, bool) {
	currentChunk := req.chunk
	offset := req.alignedOffset
	if currentChunk.offset > offset {
		panic(fmt.Sprintf("fit request offset %d is before its chunk offset %d", offset, currentChunk.offset))
	}

	if currentChunk != a.nullChunk {
		a.removeFreeChunk(currentChunk)
	}

	// Hand any bytes skipped for alignment to the previous chunk, or carve them into a new
	// free chunk when the previous chunk is taken
	missingAlignment := offset - currentChunk.offset
	if missingAlignment != 0 {
		prevChunk := currentChunk.prevPhysical
		if prevChunk == nil {
			panic(fmt.Sprintf("somehow had missing alignment %d at offset 0", missingAlignment))
		}

		if prevChunk.IsFree() {
			oldListIndex := a.getListIndexFromSize(prevChunk.size)
			prevChunk.size += missingAlignment

			if oldListIndex != a.getListIndexFromSize(prevChunk.size) {
				prevChunk.size -= missingAlignment
				a.removeFreeChunk(prevChunk)

				prevChunk.size += missingAlignment
				a.insertFreeChunk(prevChunk)
			} else {
				a.chunksFreeSize += missingAlignment
			}
		} else {
			padChunk := a.allocateChunk()
			currentChunk.prevPhysical = padChunk
			prevChunk.nextPhysical = padChunk
			padChunk.prevPhysical = prevChunk
			padChunk.nextPhysical = currentChunk
			padChunk.size = missingAlignment
			padChunk.offset = currentChunk.offset
			padChunk.MarkTaken()

			a.insertFreeChunk(padChunk)
		}

		currentChunk.size -= missingAlignment
		currentChunk.offset += missingAlignment
	}

	size := req.size
	if currentChunk.size == size {
		if currentChunk == a.nullChunk {
			// The wilderness was consumed exactly, set up a fresh empty one
			a.nullChunk = a.allocateChunk()
			a.nullChunk.size = 0
			a.nullChunk.offset = currentChunk.offset + size
			a.nullChunk.prevPhysical = currentChunk
			a.nullChunk.nextPhysical = nil
			a.nullChunk.MarkFree()
			currentChunk.nextPhysical = a.nullChunk
			currentChunk.MarkTaken()
		}
	} else if currentChunk.size < size {
		panic(fmt.Sprintf("chunk of size %d cannot hold request of size %d", currentChunk.size, size))
	} else {
		// Split the remainder off into a new free chunk
		newChunk := a.allocateChunk()
		newChunk.size = currentChunk.size - size
		newChunk.offset = currentChunk.offset + size
		newChunk.prevPhysical = currentChunk
		newChunk.nextPhysical = currentChunk.nextPhysical
		currentChunk.nextPhysical = newChunk
		currentChunk.size = size

		if currentChunk == a.nullChunk {
			a.nullChunk = newChunk
			a.nullChunk.MarkFree()
			a.nullChunk.nextFree = nil
			a.nullChunk.prevFree = nil
			currentChunk.MarkTaken()
		} else {
			newChunk.nextPhysical.prevPhysical = newChunk
			newChunk.MarkTaken()
			a.insertFreeChunk(newChunk)
		}
	}

	// Commit pages up to the new frontier, the morecore growth path
	frontier := a.nullChunk.offset
	if frontier > a.mem.Committed() {
		err := a.mem.EnsureCommitted(frontier)
		if err != nil {
			panic(fmt.Sprintf("failed to commit %d bytes already promised by the footprint limit: %+v", frontier, err))
		}
	}

	if hearth.DebugMargin > 0 {
		data := a.mem.Slice(a.mem.Begin()+currentChunk.offset, currentChunk.size)
		hearth.WriteMagicValue(data, currentChunk.size-hearth.DebugMargin)
	}

	a.allocCount++
	a.takenByOffset.Put(currentChunk.offset, currentChunk)
	return currentChunk.offset, currentChunk.size - hearth.DebugMargin, true
}

// Free returns the chunk at offset to the free lists, merging it with free neighbors. It
// returns the usable size the chunk held.
func (a *Allocator) Free(offset int) (int, error) {
	c, found := a.takenByOffset.Get(offset)
	if !found {
		return 0, errors.Errorf("offset %d is not the start of a live chunk", offset)
	}
	if c.IsFree() {
		return 0, errors.Errorf("chunk at offset %d is already free", offset)
	}

	a.takenByOffset.Delete(offset)
	freed := c.size - hearth.DebugMargin
	next := c.nextPhysical
	a.allocCount--

	prev := c.prevPhysical
	if prev != nil && prev.IsFree() {
		a.removeFreeChunk(prev)
		a.mergeChunk(c, prev)
	}

	if !next.IsFree() {
		a.insertFreeChunk(c)
	} else if next == a.nullChunk {
		a.mergeChunk(a.nullChunk, c)
	} else {
		a.removeFreeChunk(next)
		a.mergeChunk(next, c)
		a.insertFreeChunk(next)
	}

	return freed, nil
}

// UsableSize returns the usable byte count of the live chunk at offset.
func (a *Allocator) UsableSize(offset int) (int, error) {
	c, found := a.takenByOffset.Get(offset)
	if !found {
		return 0, errors.Errorf("offset %d is not the start of a live chunk", offset)
	}
	return c.size - hearth.DebugMargin, nil
}

// SplitRun splits the live chunk at offset into consecutive live chunks of the provided sizes;
// any remainder becomes a free chunk. Used to revoke thread-local runs: the run was carved as
// one opaque chunk, and the objects bump-allocated inside it become individually live chunks.
// Sizes must be chunk-aligned and their sum must not exceed the run's size.
func (a *Allocator) SplitRun(offset int, sizes []int) error {
	run, found := a.takenByOffset.Get(offset)
	if !found {
		return errors.Errorf("offset %d is not the start of a live chunk", offset)
	}

	total := 0
	for _, size := range sizes {
		if size < ChunkAlignment || size%ChunkAlignment != 0 {
			return errors.Errorf("split size %d is not chunk-aligned", size)
		}
		total += size
	}
	if total > run.size {
		return errors.Errorf("split sizes total %d but the run is only %d bytes", total, run.size)
	}
	if len(sizes) == 0 {
		// Nothing lives in the run, just free it
		_, err := a.Free(offset)
		return err
	}

	remainder := run.size - total
	run.size = sizes[0]

	current := run
	for _, size := range sizes[1:] {
		piece := a.allocateChunk()
		piece.offset = current.offset + current.size
		piece.size = size
		piece.prevPhysical = current
		piece.nextPhysical = current.nextPhysical
		current.nextPhysical.prevPhysical = piece
		current.nextPhysical = piece
		piece.MarkTaken()

		a.takenByOffset.Put(piece.offset, piece)
		a.allocCount++
		current = piece
	}

	if remainder > 0 {
		tail := a.allocateChunk()
		tail.offset = current.offset + current.size
		tail.size = remainder
		tail.prevPhysical = current
		tail.nextPhysical = current.nextPhysical
		current.nextPhysical.prevPhysical = tail
		current.nextPhysical = tail
		tail.MarkTaken()

		next := tail.nextPhysical
		if !next.IsFree() {
			a.insertFreeChunk(tail)
		} else if next == a.nullChunk {
			a.mergeChunk(a.nullChunk, tail)
		} else {
			a.removeFreeChunk(next)
			a.mergeChunk(next, tail)
			a.insertFreeChunk(next)
		}
	}

	if hearth.DebugMargin > 0 {
		for c := run; ; c = c.nextPhysical {
			data := a.mem.Slice(a.mem.Begin()+c.offset, c.size)
			hearth.WriteMagicValue(data, c.size-hearth.DebugMargin)
			if c == current {
				break
			}
		}
	}

	hearth.DebugValidate(a)
	return nil
}

func (a *Allocator) removeFreeChunk(c *chunk) {
	if c == a.nullChunk {
		panic("cannot remove the null chunk")
	}
	if !c.IsFree() {
		panic("provided chunk is not free")
	}

	if c.nextFree != nil {
		c.nextFree.prevFree = c.prevFree
	}
	if c.prevFree != nil {
		c.prevFree.nextFree = c.nextFree
	} else {
		memClass := a.sizeToMemoryClass(c.size)
		secondIndex := a.sizeToSecondIndex(c.size, memClass)
		index := a.getListIndex(memClass, secondIndex)

		if a.freeList[index] != c {
			panic("chunk was not in the free list at the expected location")
		}
		a.freeList[index] = c.nextFree
		if c.nextFree == nil {
			a.innerIsFreeBitmap[memClass] &= ^(1 << secondIndex)
			if a.innerIsFreeBitmap[memClass] == 0 {
				a.isFreeBitmap &= ^(1 << memClass)
			}
		}
	}

	c.MarkTaken()
	a.chunksFreeCount--
	a.chunksFreeSize -= c.size
}

func (a *Allocator) insertFreeChunk(c *chunk) {
	if c == a.nullChunk {
		panic("cannot insert the null chunk")
	}
	if c.IsFree() {
		panic("chunk is already free")
	}

	memClass := a.sizeToMemoryClass(c.size)
	secondIndex := a.sizeToSecondIndex(c.size, memClass)
	index := a.getListIndex(memClass, secondIndex)

	if index >= len(a.freeList) {
		panic("invalid free list index found for chunk")
	}

	c.prevFree = nil
	c.nextFree = a.freeList[index]
	a.freeList[index] = c
	if c.nextFree != nil {
		c.nextFree.prevFree = c
	} else {
		a.innerIsFreeBitmap[memClass] |= 1 << secondIndex
		a.isFreeBitmap |= 1 << memClass
	}
	a.chunksFreeCount++
	a.chunksFreeSize += c.size
}

func (a *Allocator) mergeChunk(c *chunk, prev *chunk) {
	if c.prevPhysical != prev {
		panic("cannot merge separate physical regions")
	}
	if prev.IsFree() {
		panic("cannot merge a chunk that belongs to the free list")
	}

	c.offset = prev.offset
	c.size += prev.size
	c.prevPhysical = prev.prevPhysical
	if c.prevPhysical != nil {
		c.prevPhysical.nextPhysical = c
	} else {
		a.tailChunk = c
	}

	a.recycleChunk(prev)
}

// InspectAll calls visit once per chunk in ascending offset order, excluding the wilderness.
func (a *Allocator) InspectAll(visit func(offset, size int, used bool)) {
	for c := a.tailChunk; c != nil; c = c.nextPhysical {
		if c == a.nullChunk {
			continue
		}
		visit(c.offset, c.size, !c.IsFree())
	}
}

// Trim advises the OS that the wilderness tail is unused and, in PageReleaseModeAll, does the
// same for every interior free range. Returns the number of bytes released.
func (a *Allocator) Trim() int {
	released := a.mem.ReleaseRange(a.mem.Begin()+a.nullChunk.offset, a.mem.Begin()+a.mem.Committed())

	if a.releaseMode == PageReleaseModeAll {
		for c := a.tailChunk; c != nil; c = c.nextPhysical {
			if c != a.nullChunk && c.IsFree() {
				released += a.mem.ReleaseRange(a.mem.Begin()+c.offset, a.mem.Begin()+c.offset+c.size)
			}
		}
	}
	return released
}

// CheckCorruption validates the debug margins of every live chunk. It only detects anything
// when hearth is built with the debug_hearth tag, but is safe to call regardless.
func (a *Allocator) CheckCorruption() error {
	if hearth.DebugMargin == 0 {
		return nil
	}
	var corrupt error
	a.takenByOffset.Iter(func(offset int, c *chunk) bool {
		margin := a.mem.Slice(a.mem.Begin()+c.offset, c.size)
		if !hearth.ValidateMagicValue(margin, c.size-hearth.DebugMargin) {
			corrupt = errors.Errorf("memory corruption detected after the chunk at offset %d", offset)
			return true
		}
		return false
	})
	return corrupt
}

// Clear instantly frees every chunk, resetting the allocator to its initial state.
func (a *Allocator) Clear() {
	a.allocCount = 0
	a.chunksFreeCount = 0
	a.chunksFreeSize = 0
	a.isFreeBitmap = 0
	a.nullChunk.offset = 0
	a.nullChunk.size = a.mem.Capacity()
	c := a.nullChunk.prevPhysical
	a.nullChunk.prevPhysical = nil
	a.tailChunk = a.nullChunk

	for c != nil {
		prev := c.prevPhysical
		a.recycleChunk(c)
		c = prev
	}

	a.takenByOffset = swiss.NewMap[int, *chunk](42)
	a.freeList = make([]*chunk, len(a.freeList))
	a.innerIsFreeBitmap = [maxMemoryClasses]uint32{}
}

// Validate performs internal consistency checks. When the allocator is functioning correctly
// it cannot return an error, but it helps diagnose chunk chain corruption.
func (a *Allocator) Validate() error {
	if a.chunksFreeSize > a.mem.Capacity() {
		return errors.New("invalid allocator free size")
	}

	calculatedSize := a.nullChunk.size
	calculatedFreeSize := a.nullChunk.size
	var allocCount, freeCount, freeListCount int

	// Check integrity of the free lists
	for listIndex := 0; listIndex < len(a.freeList); listIndex++ {
		c := a.freeList[listIndex]
		if c == nil {
			continue
		}

		if !c.IsFree() {
			return errors.Errorf("chunk at offset %d is in the free list but is not free", c.offset)
		}

		if c.prevFree != nil {
			return errors.Errorf("chunk at offset %d is the head of a free list but has a previous chunk", c.offset)
		}

		freeListCount++
		for c.nextFree != nil {
			if !c.nextFree.IsFree() {
				return errors.Errorf("chunk at offset %d is in the free list but is not free", c.nextFree.offset)
			}
			if c.nextFree.prevFree != c {
				return errors.Errorf("chunk at offset %d lists the chunk at offset %d as its next chunk, but the reverse reference is broken", c.offset, c.nextFree.offset)
			}

			freeListCount++
			c = c.nextFree
		}
	}

	if a.nullChunk.nextPhysical != nil {
		return errors.New("the null chunk must be the tail of its physical chain")
	}
	if a.nullChunk.prevPhysical != nil && a.nullChunk.prevPhysical.nextPhysical != a.nullChunk {
		return errors.New("the null chunk has a physical chunk before it in its chain, but the reverse reference is broken")
	}

	nextOffset := a.nullChunk.offset
	for prev := a.nullChunk.prevPhysical; prev != nil; prev = prev.prevPhysical {
		if prev.offset+prev.size != nextOffset {
			return errors.Errorf("physical chunk at offset %d does not end at the next chunk's start offset", prev.offset)
		}

		nextOffset = prev.offset
		calculatedSize += prev.size

		if prev.IsFree() {
			freeCount++
			calculatedFreeSize += prev.size
		} else {
			allocCount++
			if _, found := a.takenByOffset.Get(prev.offset); !found {
				return errors.Errorf("taken chunk at offset %d is missing from the offset index", prev.offset)
			}
		}

		if prev.prevPhysical != nil && prev.prevPhysical.nextPhysical != prev {
			return errors.Errorf("chunk at offset %d has a previous physical chunk, but the reverse reference is broken", prev.offset)
		}
	}

	if freeListCount != freeCount {
		return errors.Errorf("the number of free chunks in the physical chain and the free lists do not match! free list size: %d, physical chain free chunks: %d", freeListCount, freeCount)
	}

	if nextOffset != 0 {
		return errors.Errorf("the first physical chunk should have an offset of 0, but instead it has an offset of %d", nextOffset)
	}

	if calculatedSize != a.mem.Capacity() {
		return errors.Errorf("the full size of the region is %d, but the chunks only added up to %d", a.mem.Capacity(), calculatedSize)
	}

	if calculatedFreeSize != a.chunksFreeSize+a.nullChunk.size {
		return errors.Errorf("the free size of the region is %d, but the free chunks only added up to %d", a.chunksFreeSize+a.nullChunk.size, calculatedFreeSize)
	}

	if allocCount != a.allocCount {
		return errors.Errorf("the allocation count of the region is %d, but the taken chunks only added up to %d", a.allocCount, allocCount)
	}

	if freeCount != a.chunksFreeCount {
		return errors.Errorf("the free chunk count of the region is %d, but there were only %d free chunks", a.chunksFreeCount, freeCount)
	}

	return nil
}

// AddDetailedStatistics sums this allocator's chunk statistics into stats.
func (a *Allocator) AddDetailedStatistics(stats *hearth.DetailedStatistics) {
	stats.RegionCount++
	stats.RegionBytes += a.mem.Capacity()
	if a.nullChunk.size > 0 {
		stats.AddUnusedRange(a.nullChunk.size)
	}

	for c := a.nullChunk.prevPhysical; c != nil; c = c.prevPhysical {
		if c.IsFree() {
			stats.AddUnusedRange(c.size)
		} else {
			stats.AddAllocation(c.size)
		}
	}
}

// AddStatistics sums this allocator's chunk statistics into stats.
func (a *Allocator) AddStatistics(stats *hearth.Statistics) {
	stats.RegionCount++
	stats.AllocationCount += a.allocCount
	stats.RegionBytes += a.mem.Capacity()
	stats.AllocationBytes += a.mem.Capacity() - a.chunksFreeSize - a.nullChunk.size
}

// LogAllLiveChunks emits one debug record per live chunk, a diagnostic for leak hunts.
func (a *Allocator) LogAllLiveChunks(logger *slog.Logger, logChunk func(log *slog.Logger, offset int, size int)) {
	for c := a.nullChunk.prevPhysical; c != nil; c = c.prevPhysical {
		if !c.IsFree() {
			logChunk(logger, c.offset, c.size)
		}
	}
}
