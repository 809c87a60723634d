package space

import (
	"sync"

	"github.com/hearthgc/hearth/accounting"
)

// SpaceType tags what kind of region a Space is. Callers select behavior by tag and the
// capability interfaces below rather than by a dispatch hierarchy.
type SpaceType int

const (
	// SpaceTypeImage is a read-mostly region backed by a prebuilt image, never collected
	SpaceTypeImage SpaceType = iota
	// SpaceTypeAlloc is a general non-moving allocation region
	SpaceTypeAlloc
	// SpaceTypeZygoteFrozen is a former allocation region frozen at fork time, allocation
	// disabled, collected only during full collections
	SpaceTypeZygoteFrozen
	// SpaceTypeBumpPointer is a moving-target region with pointer-bump allocation
	SpaceTypeBumpPointer
	// SpaceTypeLargeObject is a discontinuous region holding one mapping per object
	SpaceTypeLargeObject
)

func (t SpaceType) String() string {
	switch t {
	case SpaceTypeImage:
		return "Image"
	case SpaceTypeAlloc:
		return "Alloc"
	case SpaceTypeZygoteFrozen:
		return "ZygoteFrozen"
	case SpaceTypeBumpPointer:
		return "BumpPointer"
	case SpaceTypeLargeObject:
		return "LargeObject"
	}
	return "Unknown"
}

// RetentionPolicy describes when a region's garbage is collected.
type RetentionPolicy int

const (
	// RetentionNeverCollect regions are never swept, their objects are immortal
	RetentionNeverCollect RetentionPolicy = iota
	// RetentionAlwaysCollect regions are swept on every collection cycle
	RetentionAlwaysCollect
	// RetentionFullCollect regions are swept only during full collections
	RetentionFullCollect
)

func (p RetentionPolicy) String() string {
	switch p {
	case RetentionNeverCollect:
		return "NeverCollect"
	case RetentionAlwaysCollect:
		return "AlwaysCollect"
	case RetentionFullCollect:
		return "FullCollect"
	}
	return "Unknown"
}

// Space is the capability every region has: identity, classification, and address membership.
type Space interface {
	Name() string
	Type() SpaceType
	Retention() RetentionPolicy
	PolicyName() string
	Contains(addr int) bool
}

// Continuous is a region occupying one contiguous address range. begin <= end <= limit; end
// grows as the region fills, limit is the immutable reservation bound.
type Continuous interface {
	Space
	Begin() int
	End() int
	Limit() int
	Size() int
	Capacity() int
}

// Bitmapped regions carry live and mark bitmaps the accounting layer can walk.
type Bitmapped interface {
	LiveBitmap() *accounting.SpaceBitmap
	MarkBitmap() *accounting.SpaceBitmap
}

// Allocatable is the allocation capability. Alloc and AllocWithGrowth report failure as a zero
// object, a signal to grow or collect, never an error.
type Allocatable interface {
	Alloc(mut *Mutator, n int) (obj int, allocated int)
	AllocWithGrowth(mut *Mutator, n int) (obj int, allocated int)
	Free(obj int) (int, error)
	FreeList(objs []int) (int, error)
	AllocationSize(obj int) int
	BytesAllocated() int
	ObjectsAllocated() int
	RevokeThreadLocalBuffers(mut *Mutator)
	RevokeAllThreadLocalBuffers()
}

// Suspender is the external thread-suspension coordinator. Whole-region inspection stops the
// world through it and takes its locks in a fixed order, runtime shutdown lock then thread
// list lock then the region's own allocator lock, to avoid deadlock against concurrent thread
// attach and detach.
type Suspender interface {
	SuspendAll()
	ResumeAll()
	MutatorsSuspended() bool
	RuntimeShutdownLock() sync.Locker
	ThreadListLock() sync.Locker
}

type baseSpace struct {
	name      string
	spaceType SpaceType
	retention RetentionPolicy
}

func (s *baseSpace) Name() string               { return s.name }
func (s *baseSpace) Type() SpaceType            { return s.spaceType }
func (s *baseSpace) Retention() RetentionPolicy { return s.retention }
func (s *baseSpace) PolicyName() string         { return s.retention.String() }
