package nodeaddr

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventHandlers(t *testing.T) {
	handlers := NewEventHandlers[ChangeHandler]()
	require.NotNil(t, handlers)
	require.NotNil(t, handlers.idMap)
	require.NotNil(t, handlers.handlers.Load())
	assert.Equal(t, 0, handlers.Len())
}

func TestEventHandlersAdd(t *testing.T) {
	handlers := NewEventHandlers[ChangeHandler]()

	id1 := handlers.Add(func(string, []netip.AddrPort, []netip.AddrPort) {})
	id2 := handlers.Add(func(string, []netip.AddrPort, []netip.AddrPort) {})

	assert.NotEqual(t, HandlerID(uuid.Nil), id1)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, handlers.Len())
	assert.Equal(t, 0, handlers.idMap[id1])
	assert.Equal(t, 1, handlers.idMap[id2])
}

func TestEventHandlersRemoveMiddle(t *testing.T) {
	handlers := NewEventHandlers[func() int]()

	id1 := handlers.Add(func() int { return 1 })
	id2 := handlers.Add(func() int { return 2 })
	id3 := handlers.Add(func() int { return 3 })

	require.True(t, handlers.Remove(id2))
	assert.False(t, handlers.Remove(id2))
	assert.Equal(t, 0, handlers.idMap[id1])
	assert.Equal(t, 1, handlers.idMap[id3])

	var got []int
	handlers.ForEach(func(fn func() int) {
		got = append(got, fn())
	})
	assert.Equal(t, []int{1, 3}, got)
}

func TestEventHandlersRemoveNonExistent(t *testing.T) {
	handlers := NewEventHandlers[func()]()
	assert.False(t, handlers.Remove(HandlerID(uuid.New())))
}

func TestEventHandlersConcurrentAddRemove(t *testing.T) {
	handlers := NewEventHandlers[func()]()
	var calls atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := handlers.Add(func() { calls.Add(1) })
			handlers.ForEach(func(fn func()) { fn() })
			handlers.Remove(id)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, handlers.Len())
	assert.Positive(t, calls.Load())
}

func TestEndpointsChanged(t *testing.T) {
	a := netip.MustParseAddrPort("10.0.0.1:80")
	b := netip.MustParseAddrPort("10.0.0.2:80")

	assert.False(t, endpointsChanged([]netip.AddrPort{a, b}, []netip.AddrPort{b, a}))
	assert.True(t, endpointsChanged([]netip.AddrPort{a}, []netip.AddrPort{a, b}))
	assert.True(t, endpointsChanged([]netip.AddrPort{a}, []netip.AddrPort{b}))
	assert.True(t, endpointsChanged([]netip.AddrPort{a}, nil))
}
