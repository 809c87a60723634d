package accounting

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func makeBitmap(t *testing.T, size int) *SpaceBitmap {
	t.Helper()
	b, err := NewSpaceBitmap("test bitmap", testHeapBase, size)
	require.NoError(t, err)
	return b
}

func TestSpaceBitmapSetClearTest(t *testing.T) {
	b := makeBitmap(t, 1<<20)
	addr := testHeapBase + 1024

	require.False(t, b.Test(addr))
	b.Set(addr)
	require.True(t, b.Test(addr))
	require.False(t, b.Test(addr+ObjectAlignment))
	require.False(t, b.Test(addr-ObjectAlignment))

	b.Clear(addr)
	require.False(t, b.Test(addr))
}

func TestSpaceBitmapAtomicTestAndSet(t *testing.T) {
	b := makeBitmap(t, 1<<20)
	addr := testHeapBase + 512

	require.False(t, b.AtomicTestAndSet(addr))
	require.True(t, b.AtomicTestAndSet(addr))
	require.True(t, b.Test(addr))
}

func TestSpaceBitmapVisitMarkedRange(t *testing.T) {
	b := makeBitmap(t, 1<<20)

	// Spread bits across word boundaries, 64 slots per word
	objects := []int{
		testHeapBase,
		testHeapBase + 8,
		testHeapBase + 63*8,
		testHeapBase + 64*8,
		testHeapBase + 200*8,
	}
	for _, obj := range objects {
		b.Set(obj)
	}

	var visited []int
	b.VisitMarkedRange(testHeapBase, testHeapBase+(1<<20), func(obj int) {
		visited = append(visited, obj)
	})
	require.Equal(t, objects, visited)

	// A sub-range only sees the bits inside it, boundaries are inclusive-exclusive
	visited = nil
	b.VisitMarkedRange(testHeapBase+8, testHeapBase+64*8, func(obj int) {
		visited = append(visited, obj)
	})
	require.Equal(t, []int{testHeapBase + 8, testHeapBase + 63*8}, visited)
}

func TestSpaceBitmapClearAll(t *testing.T) {
	b := makeBitmap(t, 1<<20)
	for i := 0; i < 100; i++ {
		b.Set(testHeapBase + i*ObjectAlignment)
	}

	b.ClearAll()
	count := 0
	b.VisitMarkedRange(testHeapBase, testHeapBase+(1<<20), func(int) {
		count++
	})
	require.Zero(t, count)
}

func TestSpaceBitmapCopyFrom(t *testing.T) {
	src := makeBitmap(t, 1<<20)
	dst := makeBitmap(t, 1<<20)
	src.Set(testHeapBase + 16)
	dst.Set(testHeapBase + 32)

	dst.CopyFrom(src)
	require.True(t, dst.Test(testHeapBase+16))
	require.False(t, dst.Test(testHeapBase+32))

	other, err := NewSpaceBitmap("other", testHeapBase+(1<<20), 1<<20)
	require.NoError(t, err)
	require.Panics(t, func() { dst.CopyFrom(other) })
}
