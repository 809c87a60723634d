package accounting

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const testHeapBase = 0x10000000

func TestNewCardTableValidation(t *testing.T) {
	_, err := NewCardTable(testHeapBase+1, 4096)
	require.Error(t, err)

	_, err = NewCardTable(testHeapBase, 0)
	require.Error(t, err)

	c, err := NewCardTable(testHeapBase, 100)
	require.NoError(t, err)
	require.Equal(t, testHeapBase, c.Begin())
	require.Equal(t, testHeapBase+CardSize, c.End())
}

func TestMarkIsIdempotent(t *testing.T) {
	c, err := NewCardTable(testHeapBase, 1<<20)
	require.NoError(t, err)

	addr := testHeapBase + 3*CardSize + 17
	require.False(t, c.IsDirty(addr))
	require.Equal(t, CardClean, c.Get(addr))

	c.Mark(addr)
	require.True(t, c.IsDirty(addr))
	c.Mark(addr)
	require.True(t, c.IsDirty(addr))

	// The whole card is dirty, but only that card
	require.True(t, c.IsDirty(testHeapBase+3*CardSize))
	require.True(t, c.IsDirty(testHeapBase+4*CardSize-1))
	require.False(t, c.IsDirty(testHeapBase+2*CardSize))
	require.False(t, c.IsDirty(testHeapBase+4*CardSize))
}

func TestCardBase(t *testing.T) {
	c, err := NewCardTable(testHeapBase, 1<<20)
	require.NoError(t, err)

	require.Equal(t, testHeapBase, c.CardBase(testHeapBase+CardSize-1))
	require.Equal(t, testHeapBase+CardSize, c.CardBase(testHeapBase+CardSize))
}

func TestAgeCard(t *testing.T) {
	require.Equal(t, CardAged, AgeCard(CardDirty))
	require.Equal(t, CardClean, AgeCard(CardAged))
	require.Equal(t, CardClean, AgeCard(CardClean))
}

func TestModifyCardsAtomicVisitsOldValues(t *testing.T) {
	c, err := NewCardTable(testHeapBase, 1<<20)
	require.NoError(t, err)

	c.Mark(testHeapBase)
	c.Mark(testHeapBase + 2*CardSize)

	visited := map[int]byte{}
	c.ModifyCardsAtomic(testHeapBase, testHeapBase+4*CardSize, AgeCard, func(cardBase int, old byte) {
		_, seen := visited[cardBase]
		require.False(t, seen)
		visited[cardBase] = old
	})

	require.Len(t, visited, 4)
	require.Equal(t, CardDirty, visited[testHeapBase])
	require.Equal(t, CardClean, visited[testHeapBase+CardSize])
	require.Equal(t, CardDirty, visited[testHeapBase+2*CardSize])
	require.Equal(t, CardClean, visited[testHeapBase+3*CardSize])

	// Dirty cards aged, clean cards stayed clean
	require.Equal(t, CardAged, c.Get(testHeapBase))
	require.Equal(t, CardClean, c.Get(testHeapBase+CardSize))
	require.Equal(t, CardAged, c.Get(testHeapBase+2*CardSize))
}

func TestCardAgingProtocol(t *testing.T) {
	c, err := NewCardTable(testHeapBase, 1<<20)
	require.NoError(t, err)

	// A card dirtied during the scan window must end up aged, not clean, so the next
	// clearing pass still captures it
	c.Mark(testHeapBase)
	c.ModifyCardsAtomic(testHeapBase, testHeapBase+CardSize, AgeCard, func(int, byte) {})
	require.Equal(t, CardAged, c.Get(testHeapBase))

	c.Mark(testHeapBase)
	require.Equal(t, CardDirty, c.Get(testHeapBase))

	dirtySeen := false
	c.ModifyCardsAtomic(testHeapBase, testHeapBase+CardSize, AgeCard, func(_ int, old byte) {
		dirtySeen = old == CardDirty
	})
	require.True(t, dirtySeen)
	require.Equal(t, CardAged, c.Get(testHeapBase))

	// Left alone, the aged card drains to clean on the following pass
	c.ModifyCardsAtomic(testHeapBase, testHeapBase+CardSize, AgeCard, func(int, byte) {})
	require.Equal(t, CardClean, c.Get(testHeapBase))
}

func TestClearCardRange(t *testing.T) {
	c, err := NewCardTable(testHeapBase, 1<<20)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		c.Mark(testHeapBase + i*CardSize)
	}
	c.ClearCardRange(testHeapBase+2*CardSize, testHeapBase+5*CardSize)

	for i := 0; i < 8; i++ {
		dirty := i < 2 || i >= 5
		require.Equal(t, dirty, c.IsDirty(testHeapBase+i*CardSize), "card %d", i)
	}
}

func TestConcurrentMarkAndClear(t *testing.T) {
	c, err := NewCardTable(testHeapBase, 1<<20)
	require.NoError(t, err)

	const cards = 64
	end := testHeapBase + cards*CardSize

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for i := w; i < cards; i += 4 {
					c.Mark(testHeapBase + i*CardSize)
				}
			}
		}(w)
	}

	for pass := 0; pass < 200; pass++ {
		c.ModifyCardsAtomic(testHeapBase, end, AgeCard, func(_ int, old byte) {
			require.Contains(t, []byte{CardClean, CardDirty, CardAged}, old)
		})
	}
	close(stop)
	wg.Wait()

	// Whatever the interleaving, every card byte is a legal state
	for i := 0; i < cards; i++ {
		require.Contains(t, []byte{CardClean, CardDirty, CardAged}, c.Get(testHeapBase+i*CardSize))
	}
}
