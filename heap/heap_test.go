package heap

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"

	"github.com/hearthgc/hearth/accounting"
	"github.com/hearthgc/hearth/segfit"
	"github.com/hearthgc/hearth/space"
)

const (
	mib          = 1 << 20
	testHeapBase = 0x40000000
)

type heapFixture struct {
	heap       *Heap
	image      *space.ImageSpace
	alloc      *space.SegFitsSpace
	los        *space.LargeObjectSpace
	imageObjs  []int
	imageTable accounting.ModUnionTable
	allocTable accounting.ModUnionTable
}

// makeHeap builds a heap with an image region holding two objects, a segregated-fits
// allocation region, and a large object region, each with the mod-union table variant a
// collector would pick for it.
func makeHeap(t *testing.T) *heapFixture {
	t.Helper()

	h, err := NewHeap(testHeapBase, 64*mib, nil)
	require.NoError(t, err)

	imageData := make([]byte, 4096)
	offsets := []int{0, 64}
	WriteImageObject(imageData, 0, []int{0, 0})
	WriteImageObject(imageData, 64, nil)
	img, err := space.NewImageSpace(h.AddressSpace(), "boot image", imageData, offsets, h.Logger())
	require.NoError(t, err)
	h.AddContinuousSpace(img)

	alloc, err := space.NewSegFitsSpace(h.AddressSpace(), "main alloc", 16*mib, mib,
		segfit.PageReleaseModeSizeAndEnd, h.Suspender(), h.Logger())
	require.NoError(t, err)
	h.AddContinuousSpace(alloc)

	los := space.NewLargeObjectSpace(h.AddressSpace(), "large objects", h.Logger())
	h.SetLargeObjectSpace(los)

	f := &heapFixture{
		heap:  h,
		image: img,
		alloc: alloc,
		los:   los,
	}
	for _, off := range offsets {
		f.imageObjs = append(f.imageObjs, img.Begin()+off)
	}
	f.imageTable = h.AddCardCacheTable(img)
	f.allocTable = h.AddReferenceCacheTable(alloc, nil)
	return f
}

type marker struct {
	marked []int
	moved  map[int]int
}

func (m *marker) relocate(obj int) int {
	m.marked = append(m.marked, obj)
	if to, ok := m.moved[obj]; ok {
		return to
	}
	return obj
}

func TestAllocObjectAndReferences(t *testing.T) {
	f := makeHeap(t)

	a := f.heap.AllocObject(f.alloc, nil, 2, 16)
	b := f.heap.AllocObject(f.alloc, nil, 0, 8)
	require.NotZero(t, a)
	require.NotZero(t, b)

	f.heap.SetReference(a, 0, b)
	require.Equal(t, b, f.heap.Reference(a, 0))
	require.Zero(t, f.heap.Reference(a, 1))

	var refs []int
	f.heap.VisitObjectReferences(a, func(slot, ref int) {
		refs = append(refs, ref)
	})
	require.Equal(t, []int{b, 0}, refs)
}

func TestSetReferenceDirtiesCard(t *testing.T) {
	f := makeHeap(t)

	a := f.heap.AllocObject(f.alloc, nil, 1, 0)
	b := f.heap.AllocObject(f.alloc, nil, 0, 0)
	require.False(t, f.heap.CardTable().IsDirty(a))

	f.heap.SetReference(a, 0, b)
	require.True(t, f.heap.CardTable().IsDirty(a))
}

func TestSetReferenceBoundsChecked(t *testing.T) {
	f := makeHeap(t)
	f.heap.SetFatalHandler(func(format string, args ...any) {
		panic(fmt.Sprintf(format, args...))
	})

	a := f.heap.AllocObject(f.alloc, nil, 1, 0)
	require.Panics(t, func() { f.heap.SetReference(a, 1, a) })
	require.Panics(t, func() { f.heap.SetReference(a, -1, a) })
	require.Panics(t, func() { f.heap.SetReference(testHeapBase-0x1000, 0, a) })
}

func TestAllocObjectGrowsFootprint(t *testing.T) {
	f := makeHeap(t)

	// Far larger than the initial footprint, so the plain path fails and growth kicks in
	obj := f.heap.AllocObject(f.alloc, nil, 0, 8*mib)
	require.NotZero(t, obj)
	require.GreaterOrEqual(t, f.alloc.Footprint(), 8*mib)
}

func TestIsLiveObject(t *testing.T) {
	f := makeHeap(t)

	a := f.heap.AllocObject(f.alloc, nil, 0, 0)
	require.True(t, f.heap.IsLiveObject(a))
	require.False(t, f.heap.IsLiveObject(a+64))
	require.True(t, f.heap.IsLiveObject(f.imageObjs[0]))

	big, _, err := f.los.Alloc(mib)
	require.NoError(t, err)
	require.True(t, f.heap.IsLiveObject(big))
}

func TestFindContinuousSpaceFromAddress(t *testing.T) {
	f := makeHeap(t)

	require.Equal(t, space.Continuous(f.image), f.heap.FindContinuousSpaceFromAddress(f.imageObjs[0]))
	require.Equal(t, space.Continuous(f.alloc), f.heap.FindContinuousSpaceFromAddress(f.alloc.Begin()+100))
	require.Nil(t, f.heap.FindContinuousSpaceFromAddress(testHeapBase-1))

	view := f.heap.FindViewFromAddress(f.alloc.Begin())
	require.Equal(t, "main alloc", view.Name())
}

func TestProcessModUnionTables(t *testing.T) {
	f := makeHeap(t)

	a := f.heap.AllocObject(f.alloc, nil, 1, 0)
	f.heap.SetReference(a, 0, f.imageObjs[1])

	// An image object pointing into the allocation region is exactly what the image table
	// must remember across cycles
	f.heap.SetReference(f.imageObjs[0], 0, a)

	m := &marker{}
	f.heap.ProcessModUnionTables(m.relocate)
	require.Contains(t, m.marked, f.imageObjs[1])
	require.Contains(t, m.marked, a)

	// No new writes: the reference cache re-marks its recorded set and the card cache
	// rescans its persistent card list
	m2 := &marker{}
	f.heap.ProcessModUnionTables(m2.relocate)
	require.Contains(t, m2.marked, f.imageObjs[1])
	require.Contains(t, m2.marked, a)
}

func TestProcessModUnionTablesWritesBackRelocations(t *testing.T) {
	f := makeHeap(t)

	a := f.heap.AllocObject(f.alloc, nil, 1, 0)
	b := f.heap.AllocObject(f.alloc, nil, 0, 0)
	f.heap.SetReference(f.imageObjs[0], 0, a)

	m := &marker{moved: map[int]int{a: b}}
	f.heap.ProcessModUnionTables(m.relocate)

	require.Equal(t, b, f.heap.Reference(f.imageObjs[0], 0))
}

func TestVerifyModUnionTablesPasses(t *testing.T) {
	f := makeHeap(t)

	a := f.heap.AllocObject(f.alloc, nil, 1, 0)
	f.heap.SetReference(a, 0, f.imageObjs[0])
	f.heap.ProcessModUnionTables((&marker{}).relocate)

	require.NotPanics(t, f.heap.VerifyModUnionTables)
}

func TestVerifyModUnionTablesDetectsEscape(t *testing.T) {
	f := makeHeap(t)

	var fatals []string
	f.heap.SetFatalHandler(func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		fatals = append(fatals, msg)
		panic(msg)
	})

	a := f.heap.AllocObject(f.alloc, nil, 1, 0)
	f.heap.SetReference(a, 0, f.imageObjs[0])

	// Two cycles drain a's card from dirty through aged to clean while the table keeps
	// the recorded slot
	f.heap.ProcessModUnionTables((&marker{}).relocate)
	f.heap.ProcessModUnionTables((&marker{}).relocate)

	// A same-card neighbor gains a cross-region reference behind the write barrier's back
	b := f.heap.AllocObject(f.alloc, nil, 1, 0)
	f.heap.StoreReference(b+objectSlotBase, f.imageObjs[1])

	require.Panics(t, f.heap.VerifyModUnionTables)
	require.Len(t, fatals, 1)
	require.Contains(t, fatals[0], "mod-union table")
}

func TestAttachDetachMutator(t *testing.T) {
	f := makeHeap(t)

	mut := f.heap.AttachMutator("worker-1")
	require.Equal(t, "worker-1", mut.Name())

	obj := f.heap.AllocObject(f.alloc, mut, 0, 32)
	require.NotZero(t, obj)

	// Thread-local allocations stay invisible to the region until revocation
	require.Zero(t, f.alloc.ObjectsAllocated())

	f.heap.DetachMutator(mut)
	require.Equal(t, 1, f.alloc.ObjectsAllocated())
	require.True(t, f.heap.IsLiveObject(obj))
}

func TestDumpSpaces(t *testing.T) {
	f := makeHeap(t)

	var sb strings.Builder
	f.heap.DumpSpaces(&sb)

	out := sb.String()
	require.Contains(t, out, "boot image")
	require.Contains(t, out, "main alloc")
	require.Contains(t, out, "large objects")
	require.Contains(t, out, "Image")
}

func TestHeapJsonData(t *testing.T) {
	f := makeHeap(t)
	f.heap.AllocObject(f.alloc, nil, 0, 64)

	w := jwriter.NewWriter()
	obj := w.Object()
	f.heap.JsonData(obj)
	obj.End()

	require.NoError(t, w.Error())
	require.True(t, json.Valid(w.Bytes()))

	var decoded struct {
		Spaces []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"spaces"`
		ModUnionTables []struct {
			Space string `json:"Space"`
			Kind  string `json:"Kind"`
		} `json:"modUnionTables"`
		Statistics struct {
			Allocations int `json:"allocations"`
		} `json:"statistics"`
	}
	require.NoError(t, json.Unmarshal(w.Bytes(), &decoded))
	require.Len(t, decoded.Spaces, 2)
	require.Len(t, decoded.ModUnionTables, 2)
	require.Equal(t, 1, decoded.Statistics.Allocations)
}

func TestSnapshotRoundTrip(t *testing.T) {
	f := makeHeap(t)
	f.heap.AllocObject(f.alloc, nil, 0, 64)
	_, _, err := f.los.Alloc(mib)
	require.NoError(t, err)

	snap := f.heap.Snapshot()
	require.Len(t, snap.Spaces, 3)
	require.Equal(t, 1, snap.Stats.Allocations)
	require.False(t, snap.TakenAt.IsZero())

	data, err := snap.Marshal()
	require.NoError(t, err)

	loaded, err := LoadSnapshot(data)
	require.NoError(t, err)
	require.Equal(t, snap.Spaces, loaded.Spaces)
	require.Equal(t, snap.Stats, loaded.Stats)
	require.True(t, snap.TakenAt.Equal(loaded.TakenAt))
}

func TestLoadSnapshotRejectsGarbage(t *testing.T) {
	_, err := LoadSnapshot([]byte("not msgpack"))
	require.Error(t, err)
}

func TestStopTheWorldWaitsForMutators(t *testing.T) {
	s := NewStopTheWorld()
	require.False(t, s.MutatorsSuspended())

	lock := s.MutatorLock()
	lock.Lock()

	suspended := make(chan struct{})
	go func() {
		s.SuspendAll()
		close(suspended)
	}()

	select {
	case <-suspended:
		t.Fatal("SuspendAll returned while a mutator held the world lock")
	case <-time.After(20 * time.Millisecond):
	}

	lock.Unlock()
	<-suspended
	require.True(t, s.MutatorsSuspended())

	s.ResumeAll()
	require.False(t, s.MutatorsSuspended())
}

func TestDetachMutatorExcludedDuringSuspension(t *testing.T) {
	f := makeHeap(t)

	// Detach revokes thread-local runs into the live and mark bitmaps; churn it against
	// suspended table traversals that walk those same bitmap words
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			lock := f.heap.Suspender().MutatorLock()
			for j := 0; j < 100; j++ {
				mut := f.heap.AttachMutator(fmt.Sprintf("churn-%d-%d", id, j))
				lock.Lock()
				if obj := f.heap.AllocObject(f.alloc, mut, 1, 16); obj != 0 {
					f.heap.SetReference(obj, 0, f.imageObjs[0])
				}
				lock.Unlock()
				f.heap.DetachMutator(mut)
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
			f.heap.Suspender().SuspendAll()
			f.heap.ProcessModUnionTables((&marker{}).relocate)
			f.heap.Suspender().ResumeAll()
			time.Sleep(time.Millisecond)
		}
	}

	f.heap.Suspender().SuspendAll()
	defer f.heap.Suspender().ResumeAll()
	f.heap.ProcessModUnionTables((&marker{}).relocate)
	f.heap.VerifyModUnionTables()
	require.Equal(t, 400, f.alloc.ObjectsAllocated())
}

func TestConcurrentMutatorsWithCollectionCycles(t *testing.T) {
	f := makeHeap(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			mut := f.heap.AttachMutator(fmt.Sprintf("worker-%d", id))
			defer f.heap.DetachMutator(mut)

			lock := f.heap.Suspender().MutatorLock()
			var prev int
			for j := 0; j < 200; j++ {
				lock.Lock()
				obj := f.heap.AllocObject(f.alloc, mut, 1, 24)
				if obj != 0 && prev != 0 {
					f.heap.SetReference(obj, 0, prev)
				}
				prev = obj
				lock.Unlock()
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			f.heap.ProcessModUnionTables((&marker{}).relocate)
			f.heap.VerifyModUnionTables()
			return
		default:
			f.heap.Suspender().SuspendAll()
			f.heap.ProcessModUnionTables((&marker{}).relocate)
			f.heap.Suspender().ResumeAll()
			time.Sleep(time.Millisecond)
		}
	}
}
