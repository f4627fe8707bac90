package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T any](s *Sink[T]) []T {
	var out []T
	for {
		select {
		case v, ok := <-s.C():
			if !ok {
				return out
			}
			out = append(out, v)
		default:
			return out
		}
	}
}

func TestPublishFansOutInOrder(t *testing.T) {
	b := New[int]()
	s1 := b.Attach(8, false)
	s2 := b.Attach(8, false)

	b.Publish(1)
	b.Publish(2)

	assert.Equal(t, []int{1, 2}, drain(s1))
	assert.Equal(t, []int{1, 2}, drain(s2))
}

func TestAttachReplaysLatest(t *testing.T) {
	b := New[string]()
	b.Publish("old")
	b.Publish("cached")

	late := b.Attach(8, true)
	b.Publish("fresh")

	assert.Equal(t, []string{"cached", "fresh"}, drain(late))

	noReplay := b.Attach(8, false)
	assert.Empty(t, drain(noReplay))
}

func TestNotifyDoesNotReplay(t *testing.T) {
	b := New[string]()
	b.Publish("value")
	b.Notify("transient")

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, "value", latest)

	s := b.Attach(4, true)
	assert.Equal(t, []string{"value"}, drain(s))
}

func TestDropOldest(t *testing.T) {
	b := New[int]()
	s := b.Attach(2, false)

	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}

	assert.Equal(t, []int{4, 5}, drain(s))
	assert.Equal(t, int64(3), s.Dropped())
}

func TestDetach(t *testing.T) {
	b := New[int]()
	s1 := b.Attach(1, false)
	s2 := b.Attach(1, false)

	assert.Equal(t, 1, b.Detach(s1))
	assert.Equal(t, 1, b.Detach(s1), "second detach is a no-op")

	_, ok := <-s1.C()
	assert.False(t, ok)

	s2.Close()
	assert.Equal(t, 0, b.Len())
}

func TestClose(t *testing.T) {
	b := New[int]()
	s := b.Attach(1, false)
	b.Close()

	_, ok := <-s.C()
	assert.False(t, ok)

	late := b.Attach(1, true)
	_, ok = <-late.C()
	assert.False(t, ok)

	b.Publish(1)
	assert.Equal(t, 0, b.Len())
}

func TestClearLatest(t *testing.T) {
	b := New[int]()
	b.Publish(1)
	b.ClearLatest()
	_, ok := b.Latest()
	assert.False(t, ok)

	b.SetLatest(9)
	s := b.Attach(1, true)
	assert.Equal(t, []int{9}, drain(s))
}
