package heap

import (
	"encoding/binary"

	"github.com/hearthgc/hearth/space"
)

// Object layout, after the allocator's size header: a uint32 reference count, four bytes of
// padding, then one word per reference slot, then raw data. The reference walker needs
// nothing else to enumerate an object's outgoing references.
const (
	objectSlotBase = 8
	objectSlotSize = 8
)

// ObjectSize returns the payload size of an object with the given slot and data counts.
func ObjectSize(refSlots, dataBytes int) int {
	return objectSlotBase + refSlots*objectSlotSize + dataBytes
}

// AllocObject allocates an object with refSlots reference slots and dataBytes of raw data in
// s, growing the region's footprint if the plain allocation fails. All slots start nil.
// Returns 0 when the region cannot satisfy the request even with growth.
func (h *Heap) AllocObject(s *space.SegFitsSpace, mut *space.Mutator, refSlots, dataBytes int) int {
	size := ObjectSize(refSlots, dataBytes)

	obj, _ := s.Alloc(mut, size)
	if obj == 0 {
		obj, _ = s.AllocWithGrowth(mut, size)
	}
	if obj == 0 {
		return 0
	}

	s.Mem().WriteUint32(obj, uint32(refSlots))
	return obj
}

// SetReference stores ref into the object's reference slot and dirties the object's card.
// The card mark comes strictly after the store; Mark's compare-and-swap provides the
// store-store ordering the collector relies on to never trust a stale Clean card.
func (h *Heap) SetReference(obj, slotIndex, ref int) {
	mem := h.memFor(obj)
	if mem == nil {
		h.Fatalf("reference store to %#x, which is not in any mapped region", obj)
	}

	count := int(mem.ReadUint32(obj))
	if slotIndex < 0 || slotIndex >= count {
		h.Fatalf("reference slot %d out of range for object %#x with %d slots", slotIndex, obj, count)
	}

	mem.WriteWord(obj+objectSlotBase+slotIndex*objectSlotSize, uint64(ref))
	h.cards.Mark(obj)
}

// Reference reads the object's reference slot.
func (h *Heap) Reference(obj, slotIndex int) int {
	mem := h.memFor(obj)
	if mem == nil {
		h.Fatalf("reference load from %#x, which is not in any mapped region", obj)
	}
	return int(mem.ReadWord(obj + objectSlotBase + slotIndex*objectSlotSize))
}

// VisitObjectReferences calls visit once per reference slot of the object at obj with the
// slot's address and current referent.
func (h *Heap) VisitObjectReferences(obj int, visit func(slot, ref int)) {
	mem := h.memFor(obj)
	if mem == nil {
		h.Fatalf("reference walk of %#x, which is not in any mapped region", obj)
	}

	count := int(mem.ReadUint32(obj))
	for i := 0; i < count; i++ {
		slot := obj + objectSlotBase + i*objectSlotSize
		visit(slot, int(mem.ReadWord(slot)))
	}
}

// LoadReference reads the referent stored at slot.
func (h *Heap) LoadReference(slot int) int {
	mem := h.memFor(slot)
	if mem == nil {
		h.Fatalf("reference load from unmapped slot %#x", slot)
	}
	return int(mem.ReadWord(slot))
}

// StoreReference overwrites the referent stored at slot without a card mark; callers doing
// relocation writeback have the card state they want already.
func (h *Heap) StoreReference(slot, ref int) {
	mem := h.memFor(slot)
	if mem == nil {
		h.Fatalf("reference store to unmapped slot %#x", slot)
	}
	mem.WriteWord(slot, uint64(ref))
}

// WriteImageObject lays out an object with the given referents into an image buffer at
// offset, for building image regions. The matching live-bitmap entry is the caller's job.
func WriteImageObject(data []byte, offset int, refs []int) {
	binary.LittleEndian.PutUint32(data[offset:], uint32(len(refs)))
	for i, ref := range refs {
		binary.LittleEndian.PutUint64(data[offset+objectSlotBase+i*objectSlotSize:], uint64(ref))
	}
}
