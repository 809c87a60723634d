package accounting

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/hearthgc/hearth"
)

const (
	// CardShift is the log2 of CardSize
	CardShift = 9
	// CardSize is the number of heap bytes tracked by one card
	CardSize = 1 << CardShift

	// CardClean marks a card whose range has seen no reference stores since the last clearing pass
	CardClean byte = 0
	// CardDirty marks a card whose range has had a reference field written. Set by the write
	// barrier through Mark.
	CardDirty byte = 0x70
	// CardAged marks a card that was dirty when a clearing pass read it. Aged cards are still
	// treated as needing a rescan by the next cycle.
	CardAged byte = CardDirty - 1
)

// AgeCard is the standard aging transform for clearing passes: dirty cards age, aged cards and
// everything else become clean. Passing it to ModifyCardsAtomic implements the card-aging
// protocol, a card dirtied between the atomic read and the write ends up aged rather than clean
// because the compare-and-swap retries against the fresh dirty value.
func AgeCard(old byte) byte {
	if old == CardDirty {
		return CardAged
	}
	return CardClean
}

// CardTable is a byte-per-card index over a heap address range. Each byte holds the clean,
// dirty or aged state of one CardSize-byte quantum of the heap. Mutators dirty cards through
// Mark concurrently with each other and with the collector's clearing passes; all byte
// transitions go through compare-and-swap on the containing word so no transition is lost.
type CardTable struct {
	begin int
	cards int
	words []uint32
}

// NewCardTable creates a card table covering [begin, begin+size). begin must be card-aligned;
// size is rounded up to a whole number of cards.
func NewCardTable(begin, size int) (*CardTable, error) {
	if err := hearth.CheckAligned(begin, CardSize, "begin"); err != nil {
		return nil, err
	}
	if size < 1 {
		return nil, errors.Errorf("invalid card table size %d", size)
	}

	cards := hearth.AlignUp(size, CardSize) >> CardShift
	return &CardTable{
		begin: begin,
		cards: cards,
		words: make([]uint32, (cards+3)/4),
	}, nil
}

// Begin returns the first heap address this table covers.
func (c *CardTable) Begin() int { return c.begin }

// End returns the address one past the last heap address this table covers.
func (c *CardTable) End() int { return c.begin + c.cards<<CardShift }

func (c *CardTable) slot(addr int) int {
	slot := (addr - c.begin) >> CardShift
	if slot < 0 || slot >= c.cards {
		panic(errors.Errorf("address %x is outside the card table range %x-%x", addr, c.Begin(), c.End()))
	}
	return slot
}

// CardBase returns the base heap address of the card containing addr.
func (c *CardTable) CardBase(addr int) int {
	return c.begin + c.slot(addr)<<CardShift
}

func (c *CardTable) load(slot int) byte {
	word := atomic.LoadUint32(&c.words[slot>>2])
	return byte(word >> ((slot & 3) * 8))
}

// Get returns the current state byte of the card containing addr.
func (c *CardTable) Get(addr int) byte {
	return c.load(c.slot(addr))
}

// IsDirty reports whether the card containing addr is dirty.
func (c *CardTable) IsDirty(addr int) bool {
	return c.Get(addr) == CardDirty
}

// Mark sets the card containing addr to dirty. It is the write barrier's entry point: lock-free
// and idempotent, so races between mutators marking the same card are benign. The
// compare-and-swap also orders the preceding reference store before the card transition.
func (c *CardTable) Mark(addr int) {
	slot := c.slot(addr)
	wordIndex := slot >> 2
	shift := uint32((slot & 3) * 8)

	for {
		old := atomic.LoadUint32(&c.words[wordIndex])
		if byte(old>>shift) == CardDirty {
			return
		}
		updated := old&^(0xFF<<shift) | uint32(CardDirty)<<shift
		if atomic.CompareAndSwapUint32(&c.words[wordIndex], old, updated) {
			return
		}
	}
}

// ModifyCardsAtomic performs the atomic read-transform-write-and-report pass over every card
// overlapping [begin, end). For each card the current byte is read, transformed via age, and
// written back with a compare-and-swap loop; concurrent Mark calls force a retry against the
// fresh value, so a dirty transition that lands mid-pass is never overwritten with clean. visit
// is called exactly once per card with the old value that was actually replaced.
func (c *CardTable) ModifyCardsAtomic(begin, end int, age func(old byte) byte, visit func(cardBase int, old byte)) {
	if end <= begin {
		return
	}
	first := c.slot(begin)
	last := c.slot(end - 1)

	for slot := first; slot <= last; slot++ {
		wordIndex := slot >> 2
		shift := uint32((slot & 3) * 8)

		for {
			old := atomic.LoadUint32(&c.words[wordIndex])
			oldByte := byte(old >> shift)
			newByte := age(oldByte)

			if newByte == oldByte {
				visit(c.begin+slot<<CardShift, oldByte)
				break
			}

			updated := old&^(0xFF<<shift) | uint32(newByte)<<shift
			if atomic.CompareAndSwapUint32(&c.words[wordIndex], old, updated) {
				visit(c.begin+slot<<CardShift, oldByte)
				break
			}
		}
	}
}

// ClearCardRange unconditionally sets every card overlapping [begin, end) to clean. Only safe
// while mutators are suspended.
func (c *CardTable) ClearCardRange(begin, end int) {
	c.ModifyCardsAtomic(begin, end, func(byte) byte { return CardClean }, func(int, byte) {})
}
