package accounting

import (
	"math/bits"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/hearthgc/hearth"
)

const (
	// ObjectAlignment is the minimum alignment of any heap object and therefore the granularity
	// of the space bitmaps: one bit per aligned slot records whether an object header starts there.
	ObjectAlignment = 8
	objectShift     = 3
	bitsPerWord     = 64
)

// SpaceBitmap is a live or mark bitmap over one continuous region. Plain Set/Clear/Test are
// guarded by the heap's bitmap lock; AtomicTestAndSet exists for the paths that run while
// mutators are live.
type SpaceBitmap struct {
	name  string
	begin int
	words []uint64
}

// NewSpaceBitmap creates a bitmap covering [begin, begin+size). begin must be object-aligned.
func NewSpaceBitmap(name string, begin, size int) (*SpaceBitmap, error) {
	if err := hearth.CheckAligned(begin, ObjectAlignment, "begin"); err != nil {
		return nil, err
	}
	if size < 1 {
		return nil, errors.Errorf("invalid bitmap size %d", size)
	}

	slots := hearth.AlignUp(size, ObjectAlignment) >> objectShift
	return &SpaceBitmap{
		name:  name,
		begin: begin,
		words: make([]uint64, (slots+bitsPerWord-1)/bitsPerWord),
	}, nil
}

func (b *SpaceBitmap) Name() string { return b.name }
func (b *SpaceBitmap) Begin() int   { return b.begin }
func (b *SpaceBitmap) End() int     { return b.begin + len(b.words)*bitsPerWord<<objectShift }

func (b *SpaceBitmap) index(addr int) (int, uint64) {
	slot := (addr - b.begin) >> objectShift
	word := slot / bitsPerWord
	if word < 0 || word >= len(b.words) {
		panic(errors.Errorf("address %x is outside bitmap %s (%x-%x)", addr, b.name, b.Begin(), b.End()))
	}
	return word, uint64(1) << (slot % bitsPerWord)
}

func (b *SpaceBitmap) Set(addr int) {
	word, mask := b.index(addr)
	b.words[word] |= mask
}

func (b *SpaceBitmap) Clear(addr int) {
	word, mask := b.index(addr)
	b.words[word] &^= mask
}

func (b *SpaceBitmap) Test(addr int) bool {
	word, mask := b.index(addr)
	return b.words[word]&mask != 0
}

// AtomicTestAndSet sets the bit for addr and reports whether it was already set.
func (b *SpaceBitmap) AtomicTestAndSet(addr int) bool {
	word, mask := b.index(addr)
	for {
		old := atomic.LoadUint64(&b.words[word])
		if old&mask != 0 {
			return true
		}
		if atomic.CompareAndSwapUint64(&b.words[word], old, old|mask) {
			return false
		}
	}
}

// CopyFrom replaces this bitmap's contents with src's. Both must cover the same range.
func (b *SpaceBitmap) CopyFrom(src *SpaceBitmap) {
	if b.begin != src.begin || len(b.words) != len(src.words) {
		panic(errors.Errorf("bitmap %s does not cover the same range as %s", b.name, src.name))
	}
	copy(b.words, src.words)
}

// ClearAll wipes every bit in the bitmap.
func (b *SpaceBitmap) ClearAll() {
	clear(b.words)
}

// VisitMarkedRange calls visit once, in ascending address order, for every set bit whose
// address lies in [visitBegin, visitEnd).
func (b *SpaceBitmap) VisitMarkedRange(visitBegin, visitEnd int, visit func(addr int)) {
	if visitEnd <= visitBegin {
		return
	}
	if visitBegin < b.begin {
		visitBegin = b.begin
	}
	if visitEnd > b.End() {
		visitEnd = b.End()
	}

	firstSlot := (visitBegin - b.begin) >> objectShift
	lastSlot := (visitEnd - 1 - b.begin) >> objectShift

	for wordIndex := firstSlot / bitsPerWord; wordIndex <= lastSlot/bitsPerWord; wordIndex++ {
		word := b.words[wordIndex]
		if word == 0 {
			continue
		}
		if wordIndex == firstSlot/bitsPerWord {
			word &= ^uint64(0) << (firstSlot % bitsPerWord)
		}
		if wordIndex == lastSlot/bitsPerWord {
			word &= ^uint64(0) >> (bitsPerWord - 1 - lastSlot%bitsPerWord)
		}

		for word != 0 {
			bit := bits.TrailingZeros64(word)
			visit(b.begin + (wordIndex*bitsPerWord+bit)<<objectShift)
			word &= word - 1
		}
	}
}
