package realtime

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func destinations(subs []Subscription) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Destination)
	}

	return out
}

func TestRegistry_ListInsertionOrder(t *testing.T) {
	r := NewRegistry()
	r.Add("/a", func(Frame) {}, "")
	r.Add("/b", func(Frame) {}, "")
	r.Add("/c", func(Frame) {}, "")

	assert.Equal(t, []string{"/a", "/b", "/c"}, destinations(r.List()))
	assert.Equal(t, 3, r.Len())
}

func TestRegistry_AddReplacesHandlerKeepsPosition(t *testing.T) {
	r := NewRegistry()

	var got string

	r.Add("/a", func(Frame) { got = "first" }, "id-1")
	r.Add("/b", func(Frame) {}, "")
	r.Add("/a", func(Frame) { got = "second" }, "id-2")

	assert.Equal(t, []string{"/a", "/b"}, destinations(r.List()))

	sub, ok := r.Get("/a")
	require.True(t, ok)
	assert.Equal(t, "id-2", sub.ID)

	sub.Handler(Frame{})
	assert.Equal(t, "second", got)
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	r.Add("/a", func(Frame) {}, "")
	r.Add("/b", func(Frame) {}, "")
	r.Add("/c", func(Frame) {}, "")

	r.Remove("/b")
	r.Remove("/missing")

	assert.Equal(t, []string{"/a", "/c"}, destinations(r.List()))

	_, ok := r.Get("/b")
	assert.False(t, ok)
}

func TestRegistry_ListIsSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Add("/a", func(Frame) {}, "")

	subs := r.List()
	r.Add("/b", func(Frame) {}, "")
	r.Remove("/a")

	assert.Equal(t, []string{"/a"}, destinations(subs))
}

func TestRegistry_Clear(t *testing.T) {
	r := NewRegistry()
	r.Add("/a", func(Frame) {}, "")
	r.Clear()

	assert.Empty(t, r.List())
	assert.Zero(t, r.Len())

	r.Add("/b", func(Frame) {}, "")
	assert.Equal(t, []string{"/b"}, destinations(r.List()))
}

func TestRegistry_ConcurrentAdd(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			r.Add("/same", func(Frame) {}, "")
			r.List()
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, r.Len())
}
